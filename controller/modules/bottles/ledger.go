// Package bottles keeps the liquid inventory of every bottle on the rig. The
// ledger file is shared by all processes driving the rig; each mutation
// reloads it, applies the change and writes it back under an exclusive flock.
package bottles

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/flock"
	"github.com/tipsy-mixer/tipsy/controller/modules/topology"
	"github.com/tipsy-mixer/tipsy/controller/settings"
	"github.com/tipsy-mixer/tipsy/controller/storage"
	"github.com/tipsy-mixer/tipsy/controller/telemetry"
)

// Bottle is the tracked fill state of one ingredient bottle.
type Bottle struct {
	ID                  string  `json:"-"`
	Name                string  `json:"name"`
	CapacityML          float64 `json:"capacity_ml"`
	CurrentML           float64 `json:"current_ml"`
	WarningThresholdML  float64 `json:"warning_threshold_ml"`
	CriticalThresholdML float64 `json:"critical_threshold_ml"`
}

// Band is the fill level class of a bottle against its thresholds.
type Band int

const (
	BandOK Band = iota
	BandWarning
	BandCritical
	BandEmpty
)

func (b Bottle) Band() Band {
	switch {
	case b.CurrentML <= 0:
		return BandEmpty
	case b.CurrentML <= b.CriticalThresholdML:
		return BandCritical
	case b.CurrentML <= b.WarningThresholdML:
		return BandWarning
	}
	return BandOK
}

func (b Bottle) Percent() float64 {
	if b.CapacityML <= 0 {
		return 0
	}
	return b.CurrentML / b.CapacityML * 100
}

// Requirement is the volume one ingredient needs from its bottle.
type Requirement struct {
	Ingredient string  `json:"ingredient"`
	BottleID   string  `json:"bottle_id"`
	ML         float64 `json:"ml"`
}

type document struct {
	Bottles map[string]Bottle `json:"bottles"`
}

// Ledger is the file backed inventory of every bottle on the rig.
type Ledger struct {
	path     string
	lock     *flock.Lock
	defaults settings.BottleDefaults
	resolver *Resolver
	log      *zap.Logger
	metrics  *telemetry.Telemetry
	notifier telemetry.Notifier

	mu      sync.Mutex
	bottles map[string]Bottle

	// replaced in tests to simulate storage faults
	writeFile func(path string, data []byte) error
}

// NewLedger opens the ledger file named in the settings. A missing file is
// an empty ledger; Rebuild populates it from the pump topology.
func NewLedger(c controller.Controller, n telemetry.Notifier) (*Ledger, error) {
	s := c.Settings()
	r, err := NewResolver(s.Aliases)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", controller.ErrConfiguration, err)
	}
	l := &Ledger{
		path:      s.Files.Bottles,
		lock:      flock.New(s.Files.Bottles + ".lock"),
		defaults:  s.Bottles,
		resolver:  r,
		log:       c.Logger().Named("bottles"),
		metrics:   c.Telemetry(),
		notifier:  n,
		writeFile: atomicWrite,
	}
	bottles, _, err := l.read()
	if err != nil {
		return nil, err
	}
	l.bottles = bottles
	return l, nil
}

func (l *Ledger) Resolver() *Resolver { return l.resolver }

// Requirement builds the requirement for ingredient, resolving its bottle.
func (l *Ledger) Requirement(ingredient string, ml float64) Requirement {
	return Requirement{Ingredient: ingredient, BottleID: l.resolver.BottleID(ingredient), ML: ml}
}

func (l *Ledger) read() (map[string]Bottle, []byte, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]Bottle{}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read %s: %v", controller.ErrPersistence, l.path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: parse %s: %v", controller.ErrPersistence, l.path, err)
	}
	if doc.Bottles == nil {
		doc.Bottles = map[string]Bottle{}
	}
	for id, b := range doc.Bottles {
		b.ID = id
		doc.Bottles[id] = b
	}
	return doc.Bottles, data, nil
}

// snapshot returns the latest state on disk, falling back to the last known
// state when the file cannot be read.
func (l *Ledger) snapshot() map[string]Bottle {
	bottles, _, err := l.read()
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.log.Warn("ledger reload failed, serving cached state", zap.Error(err))
		return clone(l.bottles)
	}
	l.bottles = bottles
	return clone(bottles)
}

func clone(in map[string]Bottle) map[string]Bottle {
	out := make(map[string]Bottle, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func atomicWrite(path string, data []byte) error {
	return storage.WriteFile(path, data, 0o644)
}

// persist writes next, keeping a copy of prev as the backup, and reads the
// file back. On any failure the previous content is restored.
func (l *Ledger) persist(prev []byte, next map[string]Bottle) error {
	data, err := json.MarshalIndent(document{Bottles: next}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", controller.ErrPersistence, err)
	}
	if prev != nil {
		if err := os.WriteFile(l.path+".backup", prev, 0o644); err != nil {
			l.log.Warn("ledger backup failed", zap.Error(err))
		}
	}
	err = l.writeFile(l.path, data)
	if err == nil {
		var got []byte
		got, err = os.ReadFile(l.path)
		if err == nil && !bytes.Equal(got, data) {
			err = errors.New("written ledger does not match")
		}
	}
	if err == nil {
		return nil
	}
	var rerr error
	if prev != nil {
		rerr = atomicWrite(l.path, prev)
	} else if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		rerr = rmErr
	}
	if rerr != nil {
		l.log.Error("ledger rollback failed", zap.Error(rerr))
	}
	return fmt.Errorf("%w: %s: %v", controller.ErrPersistence, l.path, err)
}

type mutation func(bottles map[string]Bottle) ([]telemetry.Alert, error)

// mutate runs fn on the freshly reloaded ledger under the cross-process
// lock and persists the result. Alerts are dispatched after the lock is
// released.
func (l *Ledger) mutate(op string, fn mutation) error {
	alerts, err := l.apply(op, fn)
	for _, a := range alerts {
		l.notify(a)
	}
	return err
}

func (l *Ledger) apply(op string, fn mutation) ([]telemetry.Alert, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.lock.Lock(); err != nil {
		return nil, fmt.Errorf("%w: ledger lock: %v", controller.ErrPersistence, err)
	}
	defer l.lock.Unlock()

	cur, raw, err := l.read()
	if err != nil {
		return nil, err
	}
	next := clone(cur)
	alerts, err := fn(next)
	if err != nil {
		l.bottles = cur
		return nil, err
	}
	if err := l.persist(raw, next); err != nil {
		l.bottles = cur
		l.countWrite("failed")
		l.log.Error("ledger write failed", zap.String("op", op), zap.Error(err))
		return nil, err
	}
	l.bottles = next
	l.countWrite("ok")
	if l.metrics != nil {
		for id, b := range next {
			l.metrics.BottleLevel.WithLabelValues(id).Set(b.CurrentML)
		}
		for id := range cur {
			if _, ok := next[id]; !ok {
				l.metrics.BottleLevel.DeleteLabelValues(id)
			}
		}
	}
	return alerts, nil
}

func (l *Ledger) countWrite(status string) {
	if l.metrics != nil {
		l.metrics.LedgerWrites.WithLabelValues(status).Inc()
	}
}

func (l *Ledger) notify(a telemetry.Alert) {
	if l.notifier == nil {
		return
	}
	if err := l.notifier.Notify(a); err != nil {
		l.log.Warn("bottle notification failed", zap.String("bottle", a.Bottle), zap.Error(err))
	}
}

// crossing reports an alert when b moved into a worse band than before.
func crossing(before, after Bottle) []telemetry.Alert {
	if after.Band() <= before.Band() {
		return nil
	}
	var level telemetry.Level
	switch after.Band() {
	case BandEmpty:
		level = telemetry.LevelEmpty
	case BandCritical:
		level = telemetry.LevelCritical
	default:
		level = telemetry.LevelWarning
	}
	return []telemetry.Alert{{
		Bottle:    after.ID,
		Name:      after.Name,
		Level:     level,
		CurrentML: after.CurrentML,
		Time:      time.Now(),
	}}
}

func unknown(id string) error {
	return fmt.Errorf("%w: %s", controller.ErrUnknownBottle, id)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", controller.ErrParse, fmt.Sprintf(format, args...))
}

func (l *Ledger) Get(id string) (Bottle, bool) {
	b, ok := l.snapshot()[id]
	return b, ok
}

// List returns every bottle ordered by id.
func (l *Ledger) List() []Bottle {
	bottles := l.snapshot()
	out := make([]Bottle, 0, len(bottles))
	for _, b := range bottles {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Consume takes ml out of bottle id. It fails without any change when the
// bottle is unknown or holds less than ml.
func (l *Ledger) Consume(id string, ml float64) error {
	if ml < 0 {
		return invalid("negative volume %v", ml)
	}
	return l.mutate("consume", func(bottles map[string]Bottle) ([]telemetry.Alert, error) {
		b, ok := bottles[id]
		if !ok {
			return nil, unknown(id)
		}
		if b.CurrentML < ml {
			return nil, &controller.InsufficientInventoryError{Shortages: []controller.Shortage{{
				Ingredient:  b.Name,
				BottleID:    id,
				RequiredML:  ml,
				AvailableML: b.CurrentML,
			}}}
		}
		before := b
		b.CurrentML = math.Max(0, b.CurrentML-ml)
		bottles[id] = b
		return crossing(before, b), nil
	})
}

func shortages(bottles map[string]Bottle, reqs []Requirement) []controller.Shortage {
	left := make(map[string]float64)
	var out []controller.Shortage
	for _, r := range reqs {
		b, ok := bottles[r.BottleID]
		if !ok {
			out = append(out, controller.Shortage{Ingredient: r.Ingredient, BottleID: r.BottleID, RequiredML: r.ML, Missing: true})
			continue
		}
		avail, seen := left[r.BottleID]
		if !seen {
			avail = b.CurrentML
		}
		if avail < r.ML {
			out = append(out, controller.Shortage{Ingredient: r.Ingredient, BottleID: r.BottleID, RequiredML: r.ML, AvailableML: avail})
			continue
		}
		left[r.BottleID] = avail - r.ML
	}
	return out
}

// Reserve takes every requirement out of the ledger or none of them. All
// shortages are reported together, in requirement order.
func (l *Ledger) Reserve(reqs []Requirement) error {
	for _, r := range reqs {
		if r.ML < 0 {
			return invalid("negative volume %v for %s", r.ML, r.Ingredient)
		}
	}
	return l.mutate("reserve", func(bottles map[string]Bottle) ([]telemetry.Alert, error) {
		if s := shortages(bottles, reqs); len(s) > 0 {
			return nil, &controller.InsufficientInventoryError{Shortages: s}
		}
		before := clone(bottles)
		for _, r := range reqs {
			b := bottles[r.BottleID]
			b.CurrentML = math.Max(0, b.CurrentML-r.ML)
			bottles[r.BottleID] = b
		}
		var alerts []telemetry.Alert
		for id := range touched(reqs) {
			alerts = append(alerts, crossing(before[id], bottles[id])...)
		}
		return alerts, nil
	})
}

func touched(reqs []Requirement) map[string]bool {
	ids := make(map[string]bool)
	for _, r := range reqs {
		ids[r.BottleID] = true
	}
	return ids
}

// Refund puts reserved volume back, clamped to capacity. Bottles removed in
// the meantime are skipped.
func (l *Ledger) Refund(reqs []Requirement) error {
	if len(reqs) == 0 {
		return nil
	}
	return l.mutate("refund", func(bottles map[string]Bottle) ([]telemetry.Alert, error) {
		for _, r := range reqs {
			b, ok := bottles[r.BottleID]
			if !ok {
				l.log.Warn("refund for unknown bottle", zap.String("bottle", r.BottleID))
				continue
			}
			b.CurrentML = math.Min(b.CapacityML, b.CurrentML+r.ML)
			bottles[r.BottleID] = b
		}
		return nil, nil
	})
}

// CanFulfill checks reqs against the current levels without reserving.
func (l *Ledger) CanFulfill(reqs []Requirement) (bool, []string) {
	s := shortages(l.snapshot(), reqs)
	missing := make([]string, len(s))
	for i, sh := range s {
		missing[i] = sh.String()
	}
	return len(s) == 0, missing
}

func (l *Ledger) Refill(id string, ml float64) error {
	if ml < 0 {
		return invalid("negative refill %v", ml)
	}
	return l.mutate("refill", func(bottles map[string]Bottle) ([]telemetry.Alert, error) {
		b, ok := bottles[id]
		if !ok {
			return nil, unknown(id)
		}
		b.CurrentML = math.Min(b.CapacityML, b.CurrentML+ml)
		bottles[id] = b
		return []telemetry.Alert{{
			Bottle:    id,
			Name:      b.Name,
			Level:     telemetry.LevelRefill,
			CurrentML: b.CurrentML,
			Time:      time.Now(),
		}}, nil
	})
}

// SetLevel sets the level, clamped to [0, capacity].
func (l *Ledger) SetLevel(id string, ml float64) error {
	return l.mutate("set_level", func(bottles map[string]Bottle) ([]telemetry.Alert, error) {
		b, ok := bottles[id]
		if !ok {
			return nil, unknown(id)
		}
		before := b
		b.CurrentML = math.Max(0, math.Min(b.CapacityML, ml))
		bottles[id] = b
		return crossing(before, b), nil
	})
}

// SetCapacity changes the bottle size. The level is clamped and both
// thresholds keep their share of the capacity.
func (l *Ledger) SetCapacity(id string, ml float64) error {
	if ml <= 0 {
		return invalid("capacity must be > 0, got %v", ml)
	}
	return l.mutate("set_capacity", func(bottles map[string]Bottle) ([]telemetry.Alert, error) {
		b, ok := bottles[id]
		if !ok {
			return nil, unknown(id)
		}
		before := b
		warn, crit := b.WarningThresholdML/b.CapacityML, b.CriticalThresholdML/b.CapacityML
		if b.CapacityML <= 0 || !(crit >= 0 && crit < warn && warn < 1) {
			warn = l.defaults.WarningML / l.defaults.CapacityML
			crit = l.defaults.CriticalML / l.defaults.CapacityML
		}
		b.CapacityML = ml
		b.WarningThresholdML = ml * warn
		b.CriticalThresholdML = ml * crit
		b.CurrentML = math.Min(b.CurrentML, ml)
		bottles[id] = b
		return crossing(before, b), nil
	})
}

func (l *Ledger) SetThresholds(id string, warning, critical float64) error {
	return l.mutate("set_thresholds", func(bottles map[string]Bottle) ([]telemetry.Alert, error) {
		b, ok := bottles[id]
		if !ok {
			return nil, unknown(id)
		}
		if !(critical >= 0 && critical < warning && warning < b.CapacityML) {
			return nil, invalid("thresholds must satisfy 0 <= critical < warning < capacity, got %v/%v/%v", critical, warning, b.CapacityML)
		}
		b.WarningThresholdML = warning
		b.CriticalThresholdML = critical
		bottles[id] = b
		return nil, nil
	})
}

func (l *Ledger) newBottle(id, name string) Bottle {
	return Bottle{
		ID:                  id,
		Name:                name,
		CapacityML:          l.defaults.CapacityML,
		CurrentML:           l.defaults.CapacityML,
		WarningThresholdML:  l.defaults.WarningML,
		CriticalThresholdML: l.defaults.CriticalML,
	}
}

// Rebuild adds a full bottle for every ingredient of t that has none yet.
// Existing bottles keep their levels and nothing is deleted.
func (l *Ledger) Rebuild(t *topology.Topology) ([]string, error) {
	var added []string
	err := l.mutate("rebuild", func(bottles map[string]Bottle) ([]telemetry.Alert, error) {
		added = added[:0]
		for _, ing := range t.Ingredients() {
			id := l.resolver.BottleID(ing)
			if _, ok := bottles[id]; ok {
				continue
			}
			bottles[id] = l.newBottle(id, ing)
			added = append(added, id)
		}
		return nil, nil
	})
	return added, err
}

// Prune deletes bottles no pump of t is loaded with.
func (l *Ledger) Prune(t *topology.Topology) ([]string, error) {
	keep := make(map[string]bool)
	for _, ing := range t.Ingredients() {
		keep[l.resolver.BottleID(ing)] = true
	}
	var removed []string
	err := l.mutate("prune", func(bottles map[string]Bottle) ([]telemetry.Alert, error) {
		removed = removed[:0]
		for id := range bottles {
			if !keep[id] {
				delete(bottles, id)
				removed = append(removed, id)
			}
		}
		sort.Strings(removed)
		return nil, nil
	})
	return removed, err
}

func (l *Ledger) Remove(id string) error {
	return l.mutate("remove", func(bottles map[string]Bottle) ([]telemetry.Alert, error) {
		if _, ok := bottles[id]; !ok {
			return nil, unknown(id)
		}
		delete(bottles, id)
		return nil, nil
	})
}

// Empty lists ids of bottles with nothing left.
func (l *Ledger) Empty() []string {
	var out []string
	for _, b := range l.List() {
		if b.CurrentML <= 0 {
			out = append(out, b.ID)
		}
	}
	return out
}

// Low lists ids of bottles at or below their warning threshold but not empty.
func (l *Ledger) Low() []string {
	var out []string
	for _, b := range l.List() {
		if b.CurrentML > 0 && b.CurrentML <= b.WarningThresholdML {
			out = append(out, b.ID)
		}
	}
	return out
}

// Percent is the fill level of id, 0 for unknown bottles.
func (l *Ledger) Percent(id string) float64 {
	b, ok := l.Get(id)
	if !ok {
		return 0
	}
	return b.Percent()
}

type Overview struct {
	Bottles    int     `json:"total_bottles"`
	Empty      int     `json:"empty_bottles"`
	Low        int     `json:"low_bottles"`
	CapacityML float64 `json:"total_capacity_ml"`
	CurrentML  float64 `json:"total_current_ml"`
	Percent    float64 `json:"overall_percentage"`
}

func (l *Ledger) Overview() Overview {
	var o Overview
	for _, b := range l.List() {
		o.Bottles++
		o.CapacityML += b.CapacityML
		o.CurrentML += b.CurrentML
		switch {
		case b.CurrentML <= 0:
			o.Empty++
		case b.CurrentML <= b.WarningThresholdML:
			o.Low++
		}
	}
	if o.CapacityML > 0 {
		o.Percent = math.Round(o.CurrentML/o.CapacityML*1000) / 10
	}
	return o
}

// VerifyIntegrity lists every inconsistency found in the ledger file.
func (l *Ledger) VerifyIntegrity() []string {
	bottles, _, err := l.read()
	if err != nil {
		return []string{err.Error()}
	}
	var issues []string
	ids := make([]string, 0, len(bottles))
	for id := range bottles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		b := bottles[id]
		if b.Name == "" {
			issues = append(issues, fmt.Sprintf("bottle %s: name missing", id))
		}
		if b.CapacityML <= 0 {
			issues = append(issues, fmt.Sprintf("bottle %s: capacity %vml is not positive", id, b.CapacityML))
		}
		if b.CurrentML > b.CapacityML {
			issues = append(issues, fmt.Sprintf("bottle %s: level %vml exceeds capacity %vml", id, b.CurrentML, b.CapacityML))
		}
		if b.CurrentML < 0 {
			issues = append(issues, fmt.Sprintf("bottle %s: negative level %vml", id, b.CurrentML))
		}
		if !(b.CriticalThresholdML >= 0 && b.CriticalThresholdML < b.WarningThresholdML && b.WarningThresholdML < b.CapacityML) {
			issues = append(issues, fmt.Sprintf("bottle %s: thresholds %v/%v out of order", id, b.CriticalThresholdML, b.WarningThresholdML))
		}
	}
	for _, issue := range issues {
		l.log.Warn("ledger integrity", zap.String("issue", issue))
	}
	return issues
}
