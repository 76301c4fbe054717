// Package maintenance keeps the lines of the rig in shape: priming, cleaning,
// single pump pulses and ledger audits, run one at a time from a persistent
// queue, on demand or on rrule schedules.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/modules/bottles"
	"github.com/tipsy-mixer/tipsy/controller/modules/gpiolock"
	"github.com/tipsy-mixer/tipsy/controller/modules/pumps"
	"github.com/tipsy-mixer/tipsy/controller/telemetry"
)

const logSize = 100

type Controller struct {
	c       controller.Controller
	unit    *pumps.Unit
	arbiter *gpiolock.Arbiter
	ledger  *bottles.Ledger
	queue   *Queue
	ctx     context.Context
	cancel  context.CancelFunc
	log     *zap.Logger
	metrics *telemetry.Telemetry

	mu       sync.Mutex
	cfg      Config
	quitters map[Kind]chan struct{}

	logMu sync.Mutex
	logs  []string
}

func New(c controller.Controller, u *pumps.Unit, a *gpiolock.Arbiter, l *bottles.Ledger) (*Controller, error) {
	if err := c.Store().CreateBucket(Bucket); err != nil {
		return nil, err
	}
	q, err := NewQueue(c.Store())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		c:        c,
		unit:     u,
		arbiter:  a,
		ledger:   l,
		queue:    q,
		ctx:      ctx,
		cancel:   cancel,
		log:      c.Logger().Named("maintenance"),
		metrics:  c.Telemetry(),
		cfg:      DefaultConfig(),
		quitters: make(map[Kind]chan struct{}),
	}, nil
}

func (m *Controller) Queue() *Queue { return m.queue }

// Setup loads the stored config, bootstrapping the defaults on first run.
func (m *Controller) Setup() error {
	cfg, err := m.Get()
	if errors.Is(err, controller.ErrNotFound) {
		cfg = DefaultConfig()
		err = m.save(&cfg)
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

// Start launches the queue worker and the schedules of the config.
func (m *Controller) Start() {
	go m.queue.Process(m.execute)
	m.applySchedules(Config{}, m.Config())
}

func (m *Controller) Stop() {
	m.mu.Lock()
	for k, q := range m.quitters {
		close(q)
		delete(m.quitters, k)
	}
	m.mu.Unlock()
	m.cancel()
	m.queue.Close()
}

// Config is the config in effect.
func (m *Controller) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Get reads the stored config record.
func (m *Controller) Get() (Config, error) {
	var cfg Config
	found := false
	err := m.c.Store().List(Bucket, func(_ string, v []byte) error {
		if err := json.Unmarshal(v, &cfg); err != nil {
			return err
		}
		found = true
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return cfg, err
	}
	if !found {
		return cfg, fmt.Errorf("%w: maintenance config", controller.ErrNotFound)
	}
	return cfg, nil
}

func (m *Controller) save(cfg *Config) error {
	if cfg.ID != "" {
		return m.c.Store().Update(Bucket, cfg.ID, cfg)
	}
	return m.c.Store().Create(Bucket, func(id string) interface{} {
		cfg.ID = id
		return cfg
	})
}

// Update validates, stores and applies a new config.
func (m *Controller) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	old := m.Config()
	cfg.ID = old.ID
	if err := m.save(&cfg); err != nil {
		return fmt.Errorf("%w: %v", controller.ErrPersistence, err)
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	m.applySchedules(old, cfg)
	m.appendLog("Maintenance configuration saved")
	return nil
}

func (m *Controller) applySchedules(old, cfg Config) {
	m.manage(Clean, old.EnableClean, cfg.EnableClean, old.CleanSchedule, cfg.CleanSchedule)
	m.manage(Audit, old.EnableAudit, cfg.EnableAudit, old.AuditSchedule, cfg.AuditSchedule)
}

// manage stops the schedule of kind when it was disabled or changed and
// starts it when it is enabled and not running.
func (m *Controller) manage(kind Kind, oldEn, newEn bool, oldRule, newRule string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.quitters[kind]; ok && (!newEn || oldRule != newRule) {
		close(q)
		delete(m.quitters, kind)
	}
	if !newEn || newRule == "" {
		return
	}
	if _, running := m.quitters[kind]; running {
		return
	}
	q := make(chan struct{})
	if err := StartSchedule(newRule, q, func() { m.scheduled(kind) }); err != nil {
		m.log.Warn("schedule not started", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	m.quitters[kind] = q
}

func (m *Controller) scheduled(kind Kind) {
	if err := m.Enqueue(Task{Kind: kind}); err != nil {
		m.appendLog(fmt.Sprintf("%s: Skipped schedule (%v)", strings.ToUpper(string(kind)), err))
	}
}

// Scheduled reports the schedules running right now.
func (m *Controller) Scheduled() []Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Kind
	for _, k := range []Kind{Clean, Audit} {
		if _, ok := m.quitters[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Enqueue validates t, fills in the configured durations and queues it.
func (m *Controller) Enqueue(t Task) error {
	if _, err := ParseKind(string(t.Kind)); err != nil {
		return err
	}
	cfg := m.Config()
	switch t.Kind {
	case Prime:
		if t.Seconds == 0 {
			t.Seconds = cfg.PrimeSeconds
		}
	case Clean:
		if t.Seconds == 0 {
			t.Seconds = cfg.CleanSeconds
		}
	case Pulse:
		if _, _, err := m.unit.Pins(t.Pump); err != nil {
			return err
		}
	case Audit:
		t.Seconds = 0
	}
	if t.Kind.Hardware() && (t.Seconds <= 0 || t.Seconds > maxSeconds) {
		return fmt.Errorf("%w: %s needs 0 < seconds <= %d, got %v", controller.ErrParse, t.Kind, maxSeconds, t.Seconds)
	}
	if t.Kind != Pulse {
		t.Pump, t.Reverse = 0, false
	}
	if err := m.queue.Add(t); err != nil {
		return err
	}
	m.appendLog(fmt.Sprintf("%s: Enqueued", label(t)))
	return nil
}

func label(t Task) string { return strings.ToUpper(t.Key()) }

func (m *Controller) execute(t Task) {
	m.appendLog(fmt.Sprintf("%s: Started", label(t)))
	var err error
	if t.Kind.Hardware() {
		err = m.withPins(func() error { return m.run(t) })
	} else {
		err = m.audit()
	}
	if m.metrics != nil {
		m.metrics.MaintenanceRun.WithLabelValues(string(t.Kind)).Inc()
	}
	if err != nil {
		m.log.Warn("maintenance task failed", zap.String("task", t.Key()), zap.Error(err))
		m.appendLog(fmt.Sprintf("%s: Failed (%v)", label(t), err))
		return
	}
	m.appendLog(fmt.Sprintf("%s: Completed", label(t)))
}

func (m *Controller) withPins(fn func() error) error {
	if err := m.arbiter.Acquire(m.ctx); err != nil {
		return err
	}
	defer func() {
		if err := m.arbiter.Release(); err != nil {
			m.log.Error("gpio release failed", zap.Error(err))
		}
	}()
	return fn()
}

// run drives the pumps of t one after another.
func (m *Controller) run(t Task) error {
	targets := []int{t.Pump}
	if t.Kind != Pulse {
		targets = make([]int, m.unit.Pumps())
		for i := range targets {
			targets[i] = i + 1
		}
	}
	dir := pumps.DirForward
	if t.Reverse {
		dir = pumps.DirReverse
	}
	d := time.Duration(t.Seconds * float64(time.Second))
	for _, p := range targets {
		if err := m.unit.Pulse(m.ctx, p, d, dir); err != nil {
			return fmt.Errorf("pump %d: %w", p, err)
		}
	}
	return nil
}

// audit checks the ledger file and logs the inventory summary.
func (m *Controller) audit() error {
	issues := m.ledger.VerifyIntegrity()
	for _, issue := range issues {
		m.appendLog("AUDIT: " + issue)
	}
	o := m.ledger.Overview()
	m.appendLog(fmt.Sprintf("AUDIT: %d bottles, %s of %s ml left (%.1f%%), %d low, %d empty",
		o.Bottles,
		humanize.Commaf(math.Round(o.CurrentML)),
		humanize.Commaf(math.Round(o.CapacityML)),
		o.Percent, o.Low, o.Empty))
	if len(issues) > 0 {
		return fmt.Errorf("%d ledger issues", len(issues))
	}
	return nil
}

// appendLog adds an entry to the in-memory activity log, capped at logSize.
func (m *Controller) appendLog(msg string) {
	entry := fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), msg)
	m.logMu.Lock()
	defer m.logMu.Unlock()
	m.logs = append(m.logs, entry)
	if len(m.logs) > logSize {
		m.logs = m.logs[len(m.logs)-logSize:]
	}
}

func (m *Controller) Logs() []string {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	return append([]string(nil), m.logs...)
}
