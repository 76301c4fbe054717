// Package gpiolock decides which process may drive the pump pins. A role
// marker file names the front end that owns the hardware; an advisory flock
// keeps two processes of the owning role from running pumps at once.
package gpiolock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/settings"
	"github.com/tipsy-mixer/tipsy/controller/storage"
	"github.com/tipsy-mixer/tipsy/controller/telemetry"
)

const pollInterval = 100 * time.Millisecond

// Marker is the file naming which front end owns the GPIO pins.
type Marker struct {
	path string
}

func NewMarker(path string) *Marker {
	return &Marker{path: path}
}

// Read returns the owning role. Without a marker file the touch interface
// owns the hardware.
func (m *Marker) Read() (string, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return settings.RoleInterface, nil
	}
	if err != nil {
		return "", err
	}
	role := strings.TrimSpace(string(data))
	switch role {
	case "":
		return settings.RoleInterface, nil
	case settings.RoleInterface, settings.RoleStreamlit:
		return role, nil
	}
	return "", fmt.Errorf("%w: unknown owner %q in %s", controller.ErrConfiguration, role, m.path)
}

func (m *Marker) Write(role string) error {
	if role != settings.RoleInterface && role != settings.RoleStreamlit {
		return fmt.Errorf("%w: unknown role %q", controller.ErrParse, role)
	}
	return storage.WriteFile(m.path, []byte(role), 0o644)
}

// Locker is the cross-process half of the arbiter.
type Locker interface {
	TryLock() (bool, error)
	Unlock() error
}

// Arbiter grants exclusive use of the pump pins to one pour at a time.
type Arbiter struct {
	role    string
	marker  *Marker
	lock    Locker
	timeout time.Duration
	poll    time.Duration
	sem     chan struct{}
	log     *zap.Logger
	metrics *telemetry.Telemetry
}

func NewArbiter(c controller.Controller, l Locker) *Arbiter {
	s := c.Settings()
	return &Arbiter{
		role:    s.Role,
		marker:  NewMarker(s.Files.RoleMarker),
		lock:    l,
		timeout: s.LockTimeout(),
		poll:    pollInterval,
		sem:     make(chan struct{}, 1),
		log:     c.Logger().Named("gpio"),
		metrics: c.Telemetry(),
	}
}

func (a *Arbiter) Role() string    { return a.role }
func (a *Arbiter) Marker() *Marker { return a.marker }
func (a *Arbiter) Held() bool      { return len(a.sem) == 1 }

func (a *Arbiter) busy(reason, owner string) error {
	if a.metrics != nil {
		a.metrics.LockBusy.WithLabelValues(reason).Inc()
	}
	a.log.Warn("gpio busy", zap.String("reason", reason), zap.String("owner", owner))
	return &controller.HardwareBusyError{Reason: reason, Owner: owner, Role: a.role}
}

// Acquire takes the pins for this process. The role marker is checked first
// and a foreign owner fails at once. Otherwise it waits up to the configured
// timeout, first for other goroutines of this process and then for other
// processes holding the flock.
func (a *Arbiter) Acquire(ctx context.Context) error {
	owner, err := a.marker.Read()
	if err != nil {
		return err
	}
	if owner != a.role {
		return a.busy(controller.BusyRole, owner)
	}
	start := time.Now()
	deadline := time.NewTimer(a.timeout)
	defer deadline.Stop()

	select {
	case a.sem <- struct{}{}:
	default:
		select {
		case a.sem <- struct{}{}:
		case <-deadline.C:
			return a.busy(controller.BusyTimeout, owner)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for {
		ok, err := a.lock.TryLock()
		if err != nil {
			<-a.sem
			return fmt.Errorf("gpio lock: %w", err)
		}
		if ok {
			if a.metrics != nil {
				a.metrics.LockWait.Observe(time.Since(start).Seconds())
			}
			return nil
		}
		select {
		case <-deadline.C:
			<-a.sem
			return a.busy(controller.BusyTimeout, owner)
		case <-ctx.Done():
			<-a.sem
			return ctx.Err()
		case <-time.After(a.poll):
		}
	}
}

// Release gives the pins back. It must follow every successful Acquire.
func (a *Arbiter) Release() error {
	err := a.lock.Unlock()
	select {
	case <-a.sem:
	default:
	}
	return err
}
