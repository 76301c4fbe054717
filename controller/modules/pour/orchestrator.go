// Package pour turns a recipe into pump runs. Every pour resolves its pumps
// first, then takes the GPIO lock, then reserves the whole recipe from the
// bottle ledger, and only then starts the pumps.
package pour

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/modules/bottles"
	"github.com/tipsy-mixer/tipsy/controller/modules/calibration"
	"github.com/tipsy-mixer/tipsy/controller/modules/gpiolock"
	"github.com/tipsy-mixer/tipsy/controller/modules/pumps"
	"github.com/tipsy-mixer/tipsy/controller/modules/recipes"
	"github.com/tipsy-mixer/tipsy/controller/modules/topology"
	"github.com/tipsy-mixer/tipsy/controller/telemetry"
)

type Orchestrator struct {
	c           controller.Controller
	ledger      *bottles.Ledger
	arbiter     *gpiolock.Arbiter
	unit        *pumps.Unit
	calibration *calibration.Holder
	history     *History
	concurrency int
	log         *zap.Logger
	metrics     *telemetry.Telemetry

	mu     sync.Mutex
	active map[string]*Handle
	wg     sync.WaitGroup
}

func NewOrchestrator(c controller.Controller, l *bottles.Ledger, a *gpiolock.Arbiter, u *pumps.Unit, h *calibration.Holder) (*Orchestrator, error) {
	history, err := NewHistory(c.Store())
	if err != nil {
		return nil, err
	}
	n := c.Settings().Pumps.Concurrency
	if n < 1 {
		n = 1
	}
	return &Orchestrator{
		c:           c,
		ledger:      l,
		arbiter:     a,
		unit:        u,
		calibration: h,
		history:     history,
		concurrency: n,
		log:         c.Logger().Named("pour"),
		metrics:     c.Telemetry(),
		active:      make(map[string]*Handle),
	}, nil
}

func (o *Orchestrator) History() *History { return o.history }

// Active returns a pour that has not finished yet.
func (o *Orchestrator) Active(id string) (*Handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.active[id]
	return h, ok
}

// Shutdown cancels every running pour and waits for them to settle.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for _, h := range o.active {
		h.Cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// MakeDrink validates and reserves the recipe, then pours it in the
// background. The returned handle reports progress; a nil handle means
// nothing was started and no inventory was taken.
func (o *Orchestrator) MakeDrink(ctx context.Context, c recipes.Cocktail, in Intensity) (*Handle, error) {
	h, err := o.plan(c, in)
	if err != nil {
		return nil, o.reject(c.Name(), err)
	}
	if err := o.arbiter.Acquire(ctx); err != nil {
		return nil, o.reject(c.Name(), err)
	}
	if err := o.ledger.Reserve(h.requirements()); err != nil {
		o.release()
		return nil, o.reject(c.Name(), err)
	}

	pourCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	o.mu.Lock()
	o.active[h.ID] = h
	o.mu.Unlock()
	o.log.Info("pour started",
		zap.String("id", h.ID),
		zap.String("cocktail", h.Cocktail),
		zap.String("intensity", string(in)),
		zap.Int("ingredients", len(h.items)))
	o.wg.Add(1)
	go o.run(pourCtx, h)
	return h, nil
}

func (o *Orchestrator) reject(cocktail string, err error) error {
	if o.metrics != nil {
		o.metrics.Pours.WithLabelValues(controller.Category(err)).Inc()
	}
	if errors.Is(err, controller.ErrConfiguration) {
		o.log.Error("pour rejected",
			zap.String("severity", "critical"),
			zap.String("cocktail", cocktail),
			zap.Error(err))
		return err
	}
	o.log.Warn("pour rejected", zap.String("cocktail", cocktail), zap.Error(err))
	return err
}

func (o *Orchestrator) release() {
	if err := o.arbiter.Release(); err != nil {
		o.log.Error("gpio release failed", zap.Error(err))
	}
}

type planned struct {
	name string
	ml   float64
}

// plan parses amounts and resolves every ingredient to a pump. It has no
// side effects.
func (o *Orchestrator) plan(c recipes.Cocktail, in Intensity) (*Handle, error) {
	if len(c.Ingredients) == 0 {
		return nil, fmt.Errorf("%w: %s has no ingredients", controller.ErrParse, c.Name())
	}
	top, err := topology.Load(o.c.Settings().Files.PumpConfig)
	if err != nil {
		return nil, err
	}
	normalize := o.ledger.Resolver().BottleID
	top.WarnDuplicates(o.log, normalize)

	h := newHandle(c.Name(), in)
	var ps []planned
	// keys naming the same bottle share one pump and become one run
	merged := make(map[string]int)
	for _, name := range c.Names() {
		amount := c.Ingredients[name]
		ml, err := recipes.ParseAmount(amount)
		if err == nil && ml <= 0 {
			err = fmt.Errorf("%w: zero amount", controller.ErrParse)
		}
		if err != nil {
			o.log.Warn("ingredient skipped", zap.String("ingredient", name), zap.String("amount", amount), zap.Error(err))
			h.skipped = append(h.skipped, Skipped{Ingredient: name, Amount: amount, Reason: err.Error()})
			continue
		}
		id := normalize(name)
		if i, ok := merged[id]; ok {
			o.log.Warn("ingredient listed twice, volumes merged",
				zap.String("ingredient", ps[i].name), zap.String("duplicate", name))
			ps[i].ml += ml * in.Factor()
			continue
		}
		merged[id] = len(ps)
		ps = append(ps, planned{name: name, ml: ml * in.Factor()})
	}
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].ml != ps[j].ml {
			return ps[i].ml > ps[j].ml
		}
		return ps[i].name < ps[j].name
	})

	table := o.calibration.Current()
	var unmapped []string
	for _, p := range ps {
		slot, ok := top.Lookup(p.name, normalize)
		if !ok {
			unmapped = append(unmapped, p.name)
			continue
		}
		if _, _, err := o.unit.Pins(slot.Pump); err != nil {
			return nil, err
		}
		h.items = append(h.items, &item{
			act: &pumps.Actuation{
				PumpIndex:   slot.Pump - 1,
				VolumeML:    p.ml,
				Ingredient:  p.name,
				Carbonated:  slot.Carbonated,
				Coefficient: table.Coefficient(slot.Pump, slot.Carbonated),
				Reversible:  table.Reversible(slot.Pump),
			},
			req: o.ledger.Requirement(p.name, p.ml),
		})
	}
	if len(unmapped) > 0 {
		return nil, fmt.Errorf("%w: no pump loaded with %s", controller.ErrConfiguration, strings.Join(unmapped, ", "))
	}
	if len(h.items) == 0 {
		return nil, fmt.Errorf("%w: nothing to pour for %s", controller.ErrParse, c.Name())
	}
	return h, nil
}

func (o *Orchestrator) run(ctx context.Context, h *Handle) {
	defer o.wg.Done()
	defer h.cancel()

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for _, it := range h.items {
		it := it
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := o.unit.Run(ctx, it.act); err != nil {
				it.setErr(err)
			}
			return nil
		})
	}
	g.Wait()
	o.finish(h)
}

// finish refunds what never ran, releases the pins and records the pour.
// Volume of started actuations stays consumed, even after a motor fault.
func (o *Orchestrator) finish(h *Handle) {
	var refund []bottles.Requirement
	var refunded []string
	var result *multierror.Error
	for _, it := range h.items {
		if !it.act.Started() {
			refund = append(refund, it.req)
			refunded = append(refunded, it.req.Ingredient)
			continue
		}
		if err := it.Err(); err != nil && !errors.Is(err, context.Canceled) {
			result = multierror.Append(result, fmt.Errorf("%s: %w", it.act.Ingredient, err))
		}
		if o.metrics != nil {
			o.metrics.DispensedML.WithLabelValues(it.req.BottleID).Add(it.req.ML)
		}
	}
	if err := o.ledger.Refund(refund); err != nil {
		o.log.Error("refund failed", zap.String("id", h.ID), zap.Error(err))
		result = multierror.Append(result, err)
	}
	o.release()

	h.mu.Lock()
	cancelled := h.cancelled
	h.mu.Unlock()
	status := Completed
	switch {
	case cancelled:
		status = Cancelled
	case result.ErrorOrNil() != nil:
		status = Failed
	}
	h.complete(status, refunded, result.ErrorOrNil())
	o.logLevels(h, status, refunded)

	if err := o.history.Add(h.Record()); err != nil {
		o.log.Warn("pour history not saved", zap.String("id", h.ID), zap.Error(err))
	}
	o.c.Signal()
	if o.metrics != nil {
		o.metrics.Pours.WithLabelValues(string(status)).Inc()
	}
	o.mu.Lock()
	delete(o.active, h.ID)
	o.mu.Unlock()
	close(h.done)
}

// logLevels states the ledger level of every bottle the pour touched, so
// the log shows the inventory the next pour starts from.
func (o *Orchestrator) logLevels(h *Handle, s Status, refunded []string) {
	levels := make(map[string]float64)
	for _, it := range h.items {
		if b, ok := o.ledger.Get(it.req.BottleID); ok {
			levels[it.req.BottleID] = b.CurrentML
		}
	}
	o.log.Info("pour finished",
		zap.String("id", h.ID),
		zap.String("cocktail", h.Cocktail),
		zap.String("status", string(s)),
		zap.Any("levels_ml", levels),
		zap.Strings("refunded", refunded))
}
