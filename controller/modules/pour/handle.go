package pour

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/modules/bottles"
	"github.com/tipsy-mixer/tipsy/controller/modules/pumps"
)

type Intensity string

const (
	Single Intensity = "single"
	Double Intensity = "double"
)

func ParseIntensity(s string) (Intensity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "single":
		return Single, nil
	case "double":
		return Double, nil
	}
	return "", fmt.Errorf("%w: unknown intensity %q", controller.ErrParse, s)
}

func (i Intensity) Factor() float64 {
	if i == Double {
		return 2
	}
	return 1
}

type Status string

const (
	Running   Status = "running"
	Completed Status = "completed"
	Cancelled Status = "cancelled"
	Failed    Status = "failed"
)

// Skipped is an ingredient left out of the pour because its amount did not
// parse.
type Skipped struct {
	Ingredient string `json:"ingredient"`
	Amount     string `json:"amount"`
	Reason     string `json:"reason"`
}

type item struct {
	act *pumps.Actuation
	req bottles.Requirement

	mu  sync.Mutex
	err error
}

func (it *item) setErr(err error) {
	it.mu.Lock()
	it.err = err
	it.mu.Unlock()
}

func (it *item) Err() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.err
}

// ItemStatus is the live view of one ingredient of a pour.
type ItemStatus struct {
	Ingredient string      `json:"ingredient"`
	BottleID   string      `json:"bottle_id"`
	Pump       int         `json:"pump"`
	VolumeML   float64     `json:"volume_ml"`
	Seconds    float64     `json:"seconds"`
	State      pumps.State `json:"state"`
	Running    bool        `json:"running"`
	Error      string      `json:"error,omitempty"`
}

// Handle tracks one pour started by MakeDrink.
type Handle struct {
	ID        string
	Cocktail  string
	Intensity Intensity
	Started   time.Time

	items   []*item
	skipped []Skipped
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	status    Status
	cancelled bool
	finished  time.Time
	refunded  []string
	err       error
}

func newHandle(cocktail string, in Intensity) *Handle {
	return &Handle{
		ID:        uuid.NewString(),
		Cocktail:  cocktail,
		Intensity: in,
		Started:   time.Now(),
		done:      make(chan struct{}),
		status:    Running,
		cancel:    func() {},
	}
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the pour is over or ctx ends. It returns the motor
// faults of the pour, if any.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Cancel stops running pumps at once. Ingredients that never started are
// refunded to their bottles.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.status == Running {
		h.cancelled = true
	}
	h.mu.Unlock()
	h.cancel()
}

func (h *Handle) Items() []ItemStatus {
	out := make([]ItemStatus, len(h.items))
	for i, it := range h.items {
		s := ItemStatus{
			Ingredient: it.act.Ingredient,
			BottleID:   it.req.BottleID,
			Pump:       it.act.Pump(),
			VolumeML:   it.act.VolumeML,
			Seconds:    it.act.Duration().Seconds(),
			State:      it.act.State(),
			Running:    it.act.Running(),
		}
		if err := it.Err(); err != nil {
			s.Error = err.Error()
		}
		out[i] = s
	}
	return out
}

func (h *Handle) Skipped() []Skipped {
	return append([]Skipped(nil), h.skipped...)
}

func (h *Handle) requirements() []bottles.Requirement {
	reqs := make([]bottles.Requirement, len(h.items))
	for i, it := range h.items {
		reqs[i] = it.req
	}
	return reqs
}

func (h *Handle) complete(s Status, refunded []string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = s
	h.refunded = refunded
	h.err = err
	h.finished = time.Now()
}

// Record is the persisted and API form of a pour.
type Record struct {
	ID        string       `json:"id"`
	Cocktail  string       `json:"cocktail"`
	Intensity Intensity    `json:"intensity"`
	Status    Status       `json:"status"`
	Started   time.Time    `json:"started"`
	Finished  time.Time    `json:"finished"`
	Items     []ItemStatus `json:"items"`
	Skipped   []Skipped    `json:"skipped,omitempty"`
	Refunded  []string     `json:"refunded,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// TotalML is the volume of every ingredient that was not refunded.
func (r Record) TotalML() float64 {
	refunded := make(map[string]bool)
	for _, n := range r.Refunded {
		refunded[n] = true
	}
	var total float64
	for _, it := range r.Items {
		if !refunded[it.Ingredient] {
			total += it.VolumeML
		}
	}
	return total
}

func (h *Handle) Record() Record {
	items := h.Items()
	h.mu.Lock()
	defer h.mu.Unlock()
	r := Record{
		ID:        h.ID,
		Cocktail:  h.Cocktail,
		Intensity: h.Intensity,
		Status:    h.status,
		Started:   h.Started,
		Finished:  h.finished,
		Items:     items,
		Skipped:   h.Skipped(),
		Refunded:  h.refunded,
	}
	if h.err != nil {
		r.Error = h.err.Error()
	}
	return r
}
