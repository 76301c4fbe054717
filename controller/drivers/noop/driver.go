// Package noop provides an in-memory hal digital output driver for dev mode
// and tests. It records every write so tests can replay pin history.
package noop

import (
	"fmt"
	"sync"
	"time"

	"github.com/reef-pi/hal"
)

type Event struct {
	Pin   int
	State bool
	Time  time.Time
}

type Driver struct {
	mu      sync.Mutex
	pins    []int
	open    map[int]int
	state   map[int]bool
	events  []Event
	failPin map[int]error
}

func New(pins []int) *Driver {
	return &Driver{
		pins:    pins,
		open:    make(map[int]int),
		state:   make(map[int]bool),
		failPin: make(map[int]error),
	}
}

func (d *Driver) Metadata() hal.Metadata {
	return hal.Metadata{
		Name:         "noop",
		Description:  "in-memory digital outputs",
		Capabilities: []hal.Capability{hal.DigitalOutput},
	}
}

func (d *Driver) Close() error { return nil }

func (d *Driver) Pins(c hal.Capability) ([]hal.Pin, error) {
	if c != hal.DigitalOutput {
		return nil, fmt.Errorf("unsupported capability: %v", c)
	}
	var pins []hal.Pin
	for _, p := range d.DigitalOutputPins() {
		pins = append(pins, p)
	}
	return pins, nil
}

func (d *Driver) DigitalOutputPins() []hal.DigitalOutputPin {
	var pins []hal.DigitalOutputPin
	for _, n := range d.pins {
		pins = append(pins, &pin{d: d, number: n})
	}
	return pins
}

func (d *Driver) DigitalOutputPin(n int) (hal.DigitalOutputPin, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.pins {
		if p == n {
			d.open[n]++
			return &pin{d: d, number: n, requested: true}, nil
		}
	}
	return nil, fmt.Errorf("pin %d is not a pump pin", n)
}

// Fail makes every following write to pin n return err. A nil err clears it.
func (d *Driver) Fail(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failPin, n)
		return
	}
	d.failPin[n] = err
}

func (d *Driver) State(n int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state[n]
}

// Open reports how many handles on pin n are currently not closed.
func (d *Driver) Open(n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open[n]
}

func (d *Driver) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events...)
}

// Energized lists pins currently driven high.
func (d *Driver) Energized() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	var on []int
	for _, n := range d.pins {
		if d.state[n] {
			on = append(on, n)
		}
	}
	return on
}

type pin struct {
	d         *Driver
	number    int
	requested bool
	last      bool
}

func (p *pin) Name() string { return fmt.Sprintf("GP%d", p.number) }
func (p *pin) Number() int  { return p.number }

func (p *pin) Write(state bool) error {
	if !p.requested {
		return fmt.Errorf("pin %d not requested", p.number)
	}
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	if err, ok := p.d.failPin[p.number]; ok {
		return err
	}
	p.d.state[p.number] = state
	p.d.events = append(p.d.events, Event{Pin: p.number, State: state, Time: time.Now()})
	p.last = state
	return nil
}

func (p *pin) LastState() bool { return p.last }

func (p *pin) Close() error {
	if !p.requested {
		return nil
	}
	p.requested = false
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	p.d.open[p.number]--
	return nil
}
