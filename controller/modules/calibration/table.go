package calibration

import (
	"errors"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tipsy-mixer/tipsy/controller/settings"
)

type Class int

const (
	Unknown Class = iota
	Peristaltic
	Membrane
)

func (c Class) String() string {
	switch c {
	case Peristaltic:
		return "peristaltic"
	case Membrane:
		return "membrane"
	}
	return "unknown"
}

// Table maps a 1-based pump number and the carbonation flag to seconds per ml.
// A Table is immutable; edits produce a new one.
type Table struct {
	cfg     settings.Calibration
	classes map[int]Class
	log     *zap.Logger
}

func NewTable(cfg settings.Calibration, log *zap.Logger) *Table {
	t := &Table{
		cfg:     cfg,
		classes: make(map[int]Class),
		log:     log,
	}
	for _, p := range cfg.PeristalticPumps {
		t.classes[p] = Peristaltic
	}
	for _, p := range cfg.MembranePumps {
		t.classes[p] = Membrane
	}
	return t
}

func (t *Table) Settings() settings.Calibration { return t.cfg }

func (t *Table) Class(pump int) Class {
	return t.classes[pump]
}

// Coefficient falls back to the global default, loudly, for pumps outside
// both classes.
func (t *Table) Coefficient(pump int, carbonated bool) float64 {
	switch t.classes[pump] {
	case Peristaltic:
		return t.cfg.Peristaltic
	case Membrane:
		if carbonated {
			return t.cfg.CarbonatedMembrane
		}
		return t.cfg.Membrane
	}
	t.log.Warn("unknown pump number, using default coefficient",
		zap.Int("pump", pump),
		zap.Float64("coefficient", t.cfg.Default))
	return t.cfg.Default
}

// Reversible reports whether the pump may run backwards. Membrane pumps cannot.
func (t *Table) Reversible(pump int) bool {
	return t.classes[pump] == Peristaltic
}

// WithMeasurement returns a table whose class coefficient for pump is replaced
// by the one measured in a calibration run.
func (t *Table) WithMeasurement(pump int, carbonated bool, coefficient float64) (*Table, error) {
	cfg := t.cfg
	switch t.classes[pump] {
	case Peristaltic:
		cfg.Peristaltic = coefficient
	case Membrane:
		if carbonated {
			cfg.CarbonatedMembrane = coefficient
		} else {
			cfg.Membrane = coefficient
		}
	default:
		return nil, errors.New("pump has no class, add it to peristaltic_pumps or membrane_pumps first")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewTable(cfg, t.log), nil
}

// FromMeasurement turns a timed test run into seconds per ml.
func FromMeasurement(seconds, measuredML float64) (float64, error) {
	if seconds <= 0 {
		return 0, errors.New("test duration must be positive")
	}
	if measuredML <= 0 {
		return 0, errors.New("measured volume must be positive")
	}
	return seconds / measuredML, nil
}

type PumpInfo struct {
	Pump         int     `json:"pump"`
	Class        string  `json:"class"`
	Still        float64 `json:"seconds_per_ml"`
	Carbonated   float64 `json:"carbonated_seconds_per_ml"`
	SecondsFor50 float64 `json:"seconds_for_50ml"`
	Reversible   bool    `json:"reversible"`
}

// Describe lists calibration details for pumps 1..count.
func (t *Table) Describe(count int) []PumpInfo {
	var out []PumpInfo
	for p := 1; p <= count; p++ {
		still := t.quiet(p, false)
		out = append(out, PumpInfo{
			Pump:         p,
			Class:        t.classes[p].String(),
			Still:        still,
			Carbonated:   t.quiet(p, true),
			SecondsFor50: still * 50,
			Reversible:   t.Reversible(p),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pump < out[j].Pump })
	return out
}

func (t *Table) quiet(pump int, carbonated bool) float64 {
	if t.classes[pump] == Unknown {
		return t.cfg.Default
	}
	return t.Coefficient(pump, carbonated)
}

// Holder publishes the current table. Readers snapshot it once per actuation.
type Holder struct {
	p atomic.Pointer[Table]
}

func NewHolder(t *Table) *Holder {
	h := &Holder{}
	h.p.Store(t)
	return h
}

func (h *Holder) Current() *Table { return h.p.Load() }

func (h *Holder) Swap(t *Table) { h.p.Store(t) }
