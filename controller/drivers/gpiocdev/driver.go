// Package gpiocdev is a reef-pi hal digital output driver backed by the Linux
// GPIO character device, which works on every Raspberry Pi including the Pi 5.
package gpiocdev

import (
	"fmt"
	"sync"

	"github.com/reef-pi/hal"
	"github.com/warthog618/go-gpiocdev"
)

type Driver struct {
	chip string
	pins []int
	meta hal.Metadata
}

// New returns a driver for the given BCM offsets on chip. No line is
// requested until DigitalOutputPin is called.
func New(chip string, pins []int) *Driver {
	return &Driver{
		chip: chip,
		pins: pins,
		meta: hal.Metadata{
			Name:         "gpiocdev",
			Description:  "GPIO character device outputs on " + chip,
			Capabilities: []hal.Capability{hal.DigitalOutput},
		},
	}
}

func (d *Driver) Metadata() hal.Metadata { return d.meta }

func (d *Driver) Close() error { return nil }

func (d *Driver) Pins(c hal.Capability) ([]hal.Pin, error) {
	if c != hal.DigitalOutput {
		return nil, fmt.Errorf("unsupported capability: %v", c)
	}
	var pins []hal.Pin
	for _, n := range d.pins {
		pins = append(pins, &pin{chip: d.chip, number: n})
	}
	return pins, nil
}

// DigitalOutputPins lists unrequested pin handles.
func (d *Driver) DigitalOutputPins() []hal.DigitalOutputPin {
	var pins []hal.DigitalOutputPin
	for _, n := range d.pins {
		pins = append(pins, &pin{chip: d.chip, number: n})
	}
	return pins
}

// DigitalOutputPin requests the line as an output driven low. The caller owns
// the handle and must Close it to hand the line back to other processes.
func (d *Driver) DigitalOutputPin(n int) (hal.DigitalOutputPin, error) {
	known := false
	for _, p := range d.pins {
		if p == n {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("pin %d is not a pump pin", n)
	}
	line, err := gpiocdev.RequestLine(d.chip, n, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("tipsy"))
	if err != nil {
		return nil, fmt.Errorf("request %s line %d: %w", d.chip, n, err)
	}
	return &pin{chip: d.chip, number: n, line: line}, nil
}

type pin struct {
	mu     sync.Mutex
	chip   string
	number int
	line   *gpiocdev.Line
	last   bool
}

func (p *pin) Name() string { return fmt.Sprintf("GP%d", p.number) }
func (p *pin) Number() int  { return p.number }

func (p *pin) Write(state bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.line == nil {
		return fmt.Errorf("pin %d not requested", p.number)
	}
	v := 0
	if state {
		v = 1
	}
	if err := p.line.SetValue(v); err != nil {
		return err
	}
	p.last = state
	return nil
}

func (p *pin) LastState() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *pin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.line == nil {
		return nil
	}
	err := p.line.Close()
	p.line = nil
	return err
}
