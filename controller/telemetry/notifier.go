package telemetry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/tipsy-mixer/tipsy/controller/settings"
)

type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
	LevelEmpty    Level = "empty"
	LevelRefill   Level = "refill"
)

type Alert struct {
	Bottle    string    `json:"bottle"`
	Name      string    `json:"name"`
	Level     Level     `json:"level"`
	CurrentML float64   `json:"current_ml"`
	Time      time.Time `json:"time"`
}

func (a Alert) Message() string {
	ml := humanize.FtoaWithDigits(a.CurrentML, 1)
	switch a.Level {
	case LevelEmpty:
		return fmt.Sprintf("BOTTLE EMPTY: %s is empty!", a.Name)
	case LevelCritical:
		return fmt.Sprintf("CRITICAL LEVEL: %s has only %sml left", a.Name, ml)
	case LevelWarning:
		return fmt.Sprintf("WARNING: %s has only %sml left", a.Name, ml)
	case LevelRefill:
		return fmt.Sprintf("Bottle %s was refilled: %sml", a.Name, ml)
	}
	return fmt.Sprintf("%s: %sml", a.Name, ml)
}

type Notifier interface {
	Notify(Alert) error
}

type NotifierFunc func(Alert) error

func (f NotifierFunc) Notify(a Alert) error { return f(a) }

// Dispatcher filters alerts by the configured levels and fans them out.
type Dispatcher struct {
	cfg     settings.Notifications
	log     *zap.Logger
	metrics *Telemetry
	sinks   []Notifier
}

func NewDispatcher(cfg settings.Notifications, log *zap.Logger, t *Telemetry, sinks ...Notifier) *Dispatcher {
	return &Dispatcher{cfg: cfg, log: log, metrics: t, sinks: sinks}
}

func (d *Dispatcher) enabled(l Level) bool {
	switch l {
	case LevelWarning:
		return d.cfg.Warning
	case LevelCritical:
		return d.cfg.Critical
	case LevelEmpty:
		return d.cfg.Empty
	case LevelRefill:
		return d.cfg.Refill
	}
	return false
}

// Notify never fails the caller: sink errors are logged.
func (d *Dispatcher) Notify(a Alert) error {
	if !d.enabled(a.Level) {
		return nil
	}
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	d.log.Info(a.Message(), zap.String("bottle", a.Bottle), zap.String("level", string(a.Level)))
	if d.metrics != nil {
		d.metrics.Notifications.WithLabelValues(string(a.Level)).Inc()
	}
	for _, s := range d.sinks {
		if err := s.Notify(a); err != nil {
			d.log.Warn("notification failed", zap.String("bottle", a.Bottle), zap.Error(err))
		}
	}
	return nil
}

type MQTTNotifier struct {
	mu      sync.Mutex
	client  mqtt.Client
	topic   string
	timeout time.Duration
}

func NewMQTTNotifier(cfg settings.MQTT) (*MQTTNotifier, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Server)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", cfg.Server)
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &MQTTNotifier{client: client, topic: cfg.Topic, timeout: 10 * time.Second}, nil
}

func (m *MQTTNotifier) Notify(a Alert) error {
	payload, err := json.Marshal(struct {
		Alert
		Message string `json:"message"`
	}{a, a.Message()})
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tok := m.client.Publish(m.topic+"/"+a.Bottle, 1, false, payload)
	if !tok.WaitTimeout(m.timeout) {
		return fmt.Errorf("mqtt publish to %s timed out", m.topic)
	}
	return tok.Error()
}

func (m *MQTTNotifier) Close() {
	m.client.Disconnect(250)
}
