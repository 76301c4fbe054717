package cmd

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/reef-pi/hal"
	"go.uber.org/zap"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/drivers/gpiocdev"
	"github.com/tipsy-mixer/tipsy/controller/drivers/noop"
	"github.com/tipsy-mixer/tipsy/controller/flock"
	"github.com/tipsy-mixer/tipsy/controller/modules/bottles"
	"github.com/tipsy-mixer/tipsy/controller/modules/calibration"
	"github.com/tipsy-mixer/tipsy/controller/modules/gpiolock"
	"github.com/tipsy-mixer/tipsy/controller/modules/pour"
	"github.com/tipsy-mixer/tipsy/controller/modules/pumps"
	"github.com/tipsy-mixer/tipsy/controller/settings"
	"github.com/tipsy-mixer/tipsy/controller/storage"
	"github.com/tipsy-mixer/tipsy/controller/telemetry"
)

// rig is one process's view of the hardware and the shared files.
type rig struct {
	c            controller.Controller
	store        storage.Store
	driver       hal.DigitalOutputDriver
	mqtt         *telemetry.MQTTNotifier
	holder       *calibration.Holder
	ledger       *bottles.Ledger
	arbiter      *gpiolock.Arbiter
	unit         *pumps.Unit
	orchestrator *pour.Orchestrator
}

// newInventory opens the shared ledger and the GPIO arbiter. It touches
// neither the pins nor the process database, so it can run next to a
// serving process.
func newInventory(s settings.Settings) (*rig, error) {
	log, err := settings.NewLogger(s)
	if err != nil {
		return nil, err
	}
	t := telemetry.New()
	r := &rig{c: controller.New(s, nil, log, t)}

	var sinks []telemetry.Notifier
	if s.Notifications.MQTT.Enable {
		m, err := telemetry.NewMQTTNotifier(s.Notifications.MQTT)
		if err != nil {
			log.Warn("mqtt notifications disabled", zap.String("server", s.Notifications.MQTT.Server), zap.Error(err))
		} else {
			r.mqtt = m
			sinks = append(sinks, m)
		}
	}
	dispatcher := telemetry.NewDispatcher(s.Notifications, log.Named("notify"), t, sinks...)

	r.holder = calibration.NewHolder(calibration.NewTable(s.Calibration, log.Named("calibration")))
	if r.ledger, err = bottles.NewLedger(r.c, dispatcher); err != nil {
		r.Close()
		return nil, err
	}
	r.arbiter = gpiolock.NewArbiter(r.c, flock.New(s.Files.GPIOLock))
	return r, nil
}

// newRig adds the process database and the pins to newInventory.
func newRig(s settings.Settings) (*rig, error) {
	r, err := newInventory(s)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewStore(s.Files.Database)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("open %s: %w", s.Files.Database, err)
	}
	r.store = store
	r.c = controller.New(s, r.store, r.c.Logger(), r.c.Telemetry())

	r.attachPins()
	if r.orchestrator, err = pour.NewOrchestrator(r.c, r.ledger, r.arbiter, r.unit, r.holder); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// attachPins opens the pump driver: the GPIO character device, or an
// in-memory driver in dev mode.
func (r *rig) attachPins() {
	s := r.c.Settings()
	pins := pumps.PinList(s.Pumps.Motors)
	if s.DevMode {
		r.driver = noop.New(pins)
	} else {
		r.driver = gpiocdev.New(s.Pumps.Chip, pins)
	}
	r.unit = pumps.NewUnit(r.c, r.driver, func(pump int) bool {
		return r.holder.Current().Reversible(pump)
	})
}

func (r *rig) Close() error {
	var result *multierror.Error
	if r.orchestrator != nil {
		r.orchestrator.Shutdown()
	}
	if r.mqtt != nil {
		r.mqtt.Close()
	}
	if r.driver != nil {
		if err := r.driver.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	r.c.Logger().Sync()
	return result.ErrorOrNil()
}
