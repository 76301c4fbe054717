// Package pumps drives the two-pin H-bridge of each pump. It knows nothing
// about inventory: callers reserve liquid before asking for a run.
package pumps

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/reef-pi/hal"
	"go.uber.org/zap"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/telemetry"
)

type State int32

const (
	Idle State = iota
	Forward
	Reverse
	Stopped
)

func (s State) String() string {
	switch s {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	case Stopped:
		return "stopped"
	}
	return "idle"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, v := range []State{Idle, Forward, Reverse, Stopped} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown pump state %q", b)
}

// Actuation is one timed run of one pump. The coefficient and the
// reversibility are fixed when the actuation is built so a calibration edit
// never changes a run in flight.
type Actuation struct {
	PumpIndex   int     `json:"pump_index"`
	VolumeML    float64 `json:"volume_ml"`
	Ingredient  string  `json:"ingredient"`
	Carbonated  bool    `json:"carbonated"`
	Coefficient float64 `json:"coefficient"`
	Reversible  bool    `json:"reversible"`

	state atomic.Int32
}

// Pump is the 1-based pump number.
func (a *Actuation) Pump() int { return a.PumpIndex + 1 }

func (a *Actuation) Duration() time.Duration {
	return time.Duration(a.VolumeML * a.Coefficient * float64(time.Second))
}

func (a *Actuation) State() State     { return State(a.state.Load()) }
func (a *Actuation) setState(s State) { a.state.Store(int32(s)) }
func (a *Actuation) Started() bool    { return a.State() != Idle }
func (a *Actuation) String() string   { return fmt.Sprintf("%s: %.1f ml", a.Ingredient, a.VolumeML) }

func (a *Actuation) Running() bool {
	s := a.State()
	return s == Forward || s == Reverse
}

type Unit struct {
	driver     hal.DigitalOutputDriver
	motors     [][]int
	invert     bool
	retraction time.Duration
	reversible func(pump int) bool
	log        *zap.Logger
	metrics    *telemetry.Telemetry
}

// NewUnit builds the actuation unit over driver. reversible tells which
// pumps may pulse in reverse; Run follows the flag of the actuation.
func NewUnit(c controller.Controller, d hal.DigitalOutputDriver, reversible func(pump int) bool) *Unit {
	s := c.Settings()
	return &Unit{
		driver:     d,
		motors:     s.Pumps.Motors,
		invert:     s.Pumps.Invert,
		retraction: s.Retraction(),
		reversible: reversible,
		log:        c.Logger().Named("pumps"),
		metrics:    c.Telemetry(),
	}
}

// PinList flattens a motor table into the pins a driver must expose.
func PinList(motors [][]int) []int {
	var pins []int
	for _, pair := range motors {
		pins = append(pins, pair...)
	}
	return pins
}

func (u *Unit) Pumps() int { return len(u.motors) }

// Pins returns the forward and reverse pin of a 1-based pump number.
func (u *Unit) Pins(pump int) (int, int, error) {
	if pump < 1 || pump > len(u.motors) {
		return 0, 0, fmt.Errorf("%w: pump %d out of range 1..%d", controller.ErrConfiguration, pump, len(u.motors))
	}
	a, b := u.motors[pump-1][0], u.motors[pump-1][1]
	if u.invert {
		a, b = b, a
	}
	return a, b, nil
}

type bridge struct {
	a, b hal.DigitalOutputPin
}

func (u *Unit) open(pump int) (*bridge, error) {
	pa, pb, err := u.Pins(pump)
	if err != nil {
		return nil, err
	}
	a, err := u.driver.DigitalOutputPin(pa)
	if err != nil {
		return nil, err
	}
	b, err := u.driver.DigitalOutputPin(pb)
	if err != nil {
		a.Close()
		return nil, err
	}
	return &bridge{a: a, b: b}, nil
}

func (br *bridge) drive(a, b bool) error {
	if err := br.a.Write(a); err != nil {
		return err
	}
	return br.b.Write(b)
}

// stop de-energizes both pins and hands the lines back. Every step runs even
// when an earlier one fails.
func (br *bridge) stop() error {
	var result *multierror.Error
	if err := br.a.Write(false); err != nil {
		result = multierror.Append(result, err)
	}
	if err := br.b.Write(false); err != nil {
		result = multierror.Append(result, err)
	}
	if err := br.a.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := br.b.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run pumps a.VolumeML forward, retracts reversible pumps when a retraction
// time is configured, and always stops the pump before returning. A
// cancelled ctx stops the pump at once.
func (u *Unit) Run(ctx context.Context, a *Actuation) (err error) {
	br, err := u.open(a.Pump())
	if err != nil {
		a.setState(Stopped)
		return err
	}
	defer func() {
		if serr := br.stop(); serr != nil {
			u.log.Error("pump stop failed", zap.Int("pump", a.Pump()), zap.Error(serr))
			if err == nil {
				err = serr
			}
		}
		a.setState(Stopped)
	}()

	d := a.Duration()
	u.log.Info("pouring",
		zap.String("ingredient", a.Ingredient),
		zap.Int("pump", a.Pump()),
		zap.Float64("ml", a.VolumeML),
		zap.Duration("duration", d),
		zap.Float64("coefficient", a.Coefficient),
		zap.Bool("carbonated", a.Carbonated))
	a.setState(Forward)
	if err := br.drive(true, false); err != nil {
		return err
	}
	start := time.Now()
	err = sleep(ctx, d)
	if u.metrics != nil {
		u.metrics.Actuation.WithLabelValues(strconv.Itoa(a.Pump())).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return err
	}
	if u.retraction <= 0 || !a.Reversible {
		return nil
	}
	if err := br.drive(false, false); err != nil {
		return err
	}
	a.setState(Reverse)
	if err := br.drive(false, true); err != nil {
		return err
	}
	return sleep(ctx, u.retraction)
}

type Direction int

const (
	DirForward Direction = iota
	DirReverse
)

// Pulse runs one pump for d, used to prime, clean and test lines.
func (u *Unit) Pulse(ctx context.Context, pump int, d time.Duration, dir Direction) error {
	if dir == DirReverse && !u.reversible(pump) {
		return fmt.Errorf("%w: pump %d cannot run in reverse", controller.ErrConfiguration, pump)
	}
	br, err := u.open(pump)
	if err != nil {
		return err
	}
	u.log.Info("pulse", zap.Int("pump", pump), zap.Duration("duration", d), zap.Bool("reverse", dir == DirReverse))
	if dir == DirReverse {
		err = br.drive(false, true)
	} else {
		err = br.drive(true, false)
	}
	if err == nil {
		err = sleep(ctx, d)
	}
	if serr := br.stop(); serr != nil && err == nil {
		err = serr
	}
	return err
}
