package controller

import (
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tipsy-mixer/tipsy/controller/settings"
	"github.com/tipsy-mixer/tipsy/controller/storage"
	"github.com/tipsy-mixer/tipsy/controller/telemetry"
)

// Controller is the shared context handed to every subsystem.
type Controller interface {
	Store() storage.Store
	Settings() settings.Settings
	Logger() *zap.Logger
	Telemetry() *telemetry.Telemetry
	LogError(id, msg string)
	// Signal asks the other front end to reload cocktails and inventory.
	Signal()
}

type Subsystem interface {
	Setup() error
	LoadAPI(*mux.Router)
	Start()
	Stop()
}

type ctrl struct {
	store     storage.Store
	settings  settings.Settings
	log       *zap.Logger
	telemetry *telemetry.Telemetry
}

func New(s settings.Settings, store storage.Store, log *zap.Logger, t *telemetry.Telemetry) Controller {
	return &ctrl{store: store, settings: s, log: log, telemetry: t}
}

// NewForTest builds a controller backed by a fresh bbolt file in dir, with
// every file path of the settings rooted in dir.
func NewForTest(dir string) (Controller, error) {
	s := settings.Default()
	s.DevMode = true
	s.Files = settings.Files{
		PumpConfig:    dir + "/pump_config.json",
		Cocktails:     dir + "/cocktails.json",
		Bottles:       dir + "/bottle_config.json",
		RoleMarker:    dir + "/gpio_owner",
		GPIOLock:      dir + "/gpio.lock",
		RefreshSignal: dir + "/interface_signal.json",
		Database:      dir + "/tipsy.db",
	}
	store, err := storage.NewStore(s.Files.Database)
	if err != nil {
		return nil, err
	}
	return New(s, store, zap.NewNop(), telemetry.New()), nil
}

func (c *ctrl) Store() storage.Store            { return c.store }
func (c *ctrl) Settings() settings.Settings     { return c.settings }
func (c *ctrl) Logger() *zap.Logger             { return c.log }
func (c *ctrl) Telemetry() *telemetry.Telemetry { return c.telemetry }

func (c *ctrl) LogError(id, msg string) {
	c.log.Error(msg, zap.String("id", id))
}

func (c *ctrl) Signal() {
	if err := WriteRefreshSignal(c.settings.Files.RefreshSignal, timeNow()); err != nil {
		c.log.Warn("refresh signal not written", zap.Error(err))
	}
}
