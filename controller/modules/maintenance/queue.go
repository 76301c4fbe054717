package maintenance

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tipsy-mixer/tipsy/controller"
)

const queueBucket = "maintenance_queue"

type Kind string

const (
	Prime Kind = "prime"
	Clean Kind = "clean"
	Pulse Kind = "pulse"
	Audit Kind = "audit"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case Prime, Clean, Pulse, Audit:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown maintenance task %q", controller.ErrParse, s)
}

// Hardware reports whether the task drives pumps.
func (k Kind) Hardware() bool { return k != Audit }

// Task is one queued maintenance request.
type Task struct {
	ID      string  `json:"id"`
	Kind    Kind    `json:"kind"`
	Pump    int     `json:"pump,omitempty"`
	Seconds float64 `json:"seconds,omitempty"`
	Reverse bool    `json:"reverse,omitempty"`
	Time    int64   `json:"ts"`
}

// Key identifies duplicates: one task per kind, and per pump for pulses.
func (t Task) Key() string {
	if t.Kind == Pulse {
		return fmt.Sprintf("%s-%d", t.Kind, t.Pump)
	}
	return string(t.Kind)
}

// errStop ends a store walk early.
var errStop = errors.New("stop")

type storeIface interface {
	List(bucket string, fn func(string, []byte) error) error
	Create(bucket string, fn func(string) interface{}) error
	Delete(bucket, id string) error
	CreateBucket(bucket string) error
}

// Queue is a persistent FIFO of tasks with a single worker. Tasks left in
// the database at shutdown run after the next start.
type Queue struct {
	store   storeIface
	mu      sync.Mutex
	cond    *sync.Cond
	current *Task
	closed  bool
}

func NewQueue(store storeIface) (*Queue, error) {
	if err := store.CreateBucket(queueBucket); err != nil {
		return nil, err
	}
	q := &Queue{store: store}
	q.cond = sync.NewCond(&q.mu)
	return q, nil
}

// Add enqueues t unless a task with the same key is queued or running.
func (q *Queue) Add(t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil && q.current.Key() == t.Key() {
		return fmt.Errorf("%w: %s already in progress", controller.ErrHardwareBusy, t.Key())
	}
	err := q.store.List(queueBucket, func(_ string, v []byte) error {
		var queued Task
		if err := json.Unmarshal(v, &queued); err == nil && queued.Key() == t.Key() {
			return errStop
		}
		return nil
	})
	if errors.Is(err, errStop) {
		return fmt.Errorf("%w: %s already queued", controller.ErrHardwareBusy, t.Key())
	}
	if err != nil {
		return err
	}

	t.Time = time.Now().Unix()
	if err := q.store.Create(queueBucket, func(id string) interface{} {
		t.ID = id
		return &t
	}); err != nil {
		return err
	}
	q.cond.Broadcast()
	return nil
}

// Remove cancels the queued task with key. A running task cannot be removed.
func (q *Queue) Remove(key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil && q.current.Key() == key {
		return fmt.Errorf("%w: %s is running", controller.ErrHardwareBusy, key)
	}
	var id string
	_ = q.store.List(queueBucket, func(k string, v []byte) error {
		var t Task
		if err := json.Unmarshal(v, &t); err == nil && t.Key() == key {
			id = k
			return errStop
		}
		return nil
	})
	if id == "" {
		return fmt.Errorf("%w: no queued task %s", controller.ErrNotFound, key)
	}
	return q.store.Delete(queueBucket, id)
}

// List returns the pending tasks, oldest first.
func (q *Queue) List() ([]Task, error) {
	tasks := []Task{}
	if err := q.store.List(queueBucket, func(_ string, v []byte) error {
		var t Task
		if err := json.Unmarshal(v, &t); err == nil {
			tasks = append(tasks, t)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return seq(tasks[i].ID) < seq(tasks[j].ID) })
	return tasks, nil
}

func seq(id string) uint64 {
	n, _ := strconv.ParseUint(id, 10, 64)
	return n
}

// Current is the running task, nil when the worker is idle.
func (q *Queue) Current() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return nil
	}
	t := *q.current
	return &t
}

// next must be called with q.mu held.
func (q *Queue) next() *Task {
	var next *Task
	_ = q.store.List(queueBucket, func(_ string, v []byte) error {
		var t Task
		if err := json.Unmarshal(v, &t); err == nil {
			if next == nil || seq(t.ID) < seq(next.ID) {
				next = &t
			}
		}
		return nil
	})
	return next
}

// Process runs worker for each task in order and blocks waiting for new
// ones. It returns after Close.
func (q *Queue) Process(worker func(Task)) {
	for {
		q.mu.Lock()
		next := q.next()
		for next == nil && !q.closed {
			q.cond.Wait()
			next = q.next()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		_ = q.store.Delete(queueBucket, next.ID)
		q.current = next
		q.mu.Unlock()

		worker(*next)

		q.mu.Lock()
		q.current = nil
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// Idle blocks until nothing is queued or running.
func (q *Queue) Idle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for (q.current != nil || q.next() != nil) && !q.closed {
		q.cond.Wait()
	}
}

func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
