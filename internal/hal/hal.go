// Package hal is the narrow GPIO hardware-abstraction interface the core
// consumes: two debounced E-Stop channel inputs, five status LEDs, and
// two relay outputs. It owns no control-plane logic; the safety monitor
// and Orchestrator decide what the inputs mean and what the outputs
// should be, and this package only moves bits to and from periph.io
// pins.
package hal

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3"
)

// LEDPattern is one of the supported LED display patterns.
type LEDPattern int

const (
	LEDOff LEDPattern = iota
	LEDOn
	LEDBlinkSlow
	LEDBlinkFast
	LEDPulse
)

// LEDID names one of the five status LEDs.
type LEDID int

const (
	LEDPower LEDID = iota
	LEDSystem
	LEDCommunication
	LEDNetwork
	LEDError
	ledCount
)

// NumLEDs is the size of a [PinSet]'s LED table.
const NumLEDs = int(ledCount)

// RelayID names one of the master's two relay outputs (24V DC, 2A max).
// The power module's own output relays are addressed through the power
// driver's register map instead, not through this HAL.
type RelayID int

const (
	Relay1 RelayID = iota
	Relay2
	relayCount
)

// NumRelays is the size of a [PinSet]'s relay table.
const NumRelays = int(relayCount)

// LED pattern timing. Blink and pulse levels are derived from these
// periods by [GPIO.Animate] on every tick.
const (
	LEDBlinkSlowPeriod = 1000 * time.Millisecond
	LEDBlinkFastPeriod = 200 * time.Millisecond
	LEDPulsePeriod     = 500 * time.Millisecond
)

// HAL is the narrow interface consumed by the safety monitor and
// Orchestrator. Production code uses [GPIO]; tests substitute [*Fake].
type HAL interface {
	ReadEStopChannels() (ch1, ch2 bool, err error)
	SetLED(id LEDID, pattern LEDPattern) error
	// Animate refreshes the physical level of every blinking or
	// pulsing LED for the given monotonic instant. Called once per
	// tick by the Orchestrator.
	Animate(nowUS int64) error
	SetRelay(id RelayID, on bool) error
	Close() error
}

// PinSet names the physical GPIO pins backing one [GPIO] instance. The
// mapping is passed in so the same code runs on whatever board the
// binary's platform file selects.
type PinSet struct {
	EStopCh1, EStopCh2 gpio.PinIO
	LEDs               [NumLEDs]gpio.PinIO
	Relays             [NumRelays]gpio.PinIO
}

// debounceTimeout is only the electrical settling time at the pin; the
// safety monitor's own debounce window governs how a channel mismatch
// is interpreted.
const debounceTimeout = 10 * time.Millisecond

// GPIO is the production [HAL] backed by periph.io.
type GPIO struct {
	pins     PinSet
	patterns [NumLEDs]LEDPattern
}

// Open initializes the periph.io host drivers and configures the E-Stop
// channel pins as debounced, edge-triggered inputs and the LED/relay
// pins as outputs.
func Open(pins PinSet) (*GPIO, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("hal: host init: %w", err)
	}
	if pins.EStopCh1 == nil || pins.EStopCh2 == nil {
		return nil, fmt.Errorf("hal: e-stop channel pins must be set")
	}
	if err := pins.EStopCh1.In(gpio.PullUp, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("hal: e-stop ch1: %w", err)
	}
	if err := pins.EStopCh2.In(gpio.PullUp, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("hal: e-stop ch2: %w", err)
	}
	for i, p := range pins.LEDs {
		if p == nil {
			continue
		}
		if err := p.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("hal: led %d: %w", i, err)
		}
	}
	for i, p := range pins.Relays {
		if p == nil {
			continue
		}
		if err := p.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("hal: relay %d: %w", i+1, err)
		}
	}
	return &GPIO{pins: pins}, nil
}

// ReadEStopChannels waits briefly for an edge on each channel, then
// reads the debounced level. Wiring is active-low (PullUp, asserted =
// Low).
func (g *GPIO) ReadEStopChannels() (ch1, ch2 bool, err error) {
	g.pins.EStopCh1.WaitForEdge(debounceTimeout)
	g.pins.EStopCh2.WaitForEdge(debounceTimeout)
	return g.pins.EStopCh1.Read() == gpio.Low, g.pins.EStopCh2.Read() == gpio.Low, nil
}

func (g *GPIO) SetLED(id LEDID, pattern LEDPattern) error {
	if int(id) < 0 || int(id) >= int(ledCount) {
		return fmt.Errorf("hal: invalid led id %d", id)
	}
	g.patterns[id] = pattern
	p := g.pins.LEDs[id]
	if p == nil {
		return nil
	}
	level := gpio.Low
	if pattern != LEDOff {
		level = gpio.High
	}
	return p.Out(level)
}

// Animate recomputes each LED's level from its pattern and the current
// time, so blink and pulse phases stay aligned to one clock.
func (g *GPIO) Animate(nowUS int64) error {
	for id, pattern := range g.patterns {
		p := g.pins.LEDs[id]
		if p == nil {
			continue
		}
		level := gpio.Low
		switch pattern {
		case LEDOn:
			level = gpio.High
		case LEDBlinkSlow:
			if phaseOn(nowUS, LEDBlinkSlowPeriod) {
				level = gpio.High
			}
		case LEDBlinkFast:
			if phaseOn(nowUS, LEDBlinkFastPeriod) {
				level = gpio.High
			}
		case LEDPulse:
			if phaseOn(nowUS, LEDPulsePeriod) {
				level = gpio.High
			}
		}
		if err := p.Out(level); err != nil {
			return fmt.Errorf("hal: animate led %d: %w", id, err)
		}
	}
	return nil
}

// phaseOn reports whether nowUS falls in the lit half of the period.
func phaseOn(nowUS int64, period time.Duration) bool {
	half := period.Microseconds() / 2
	return (nowUS/half)%2 == 0
}

func (g *GPIO) SetRelay(id RelayID, on bool) error {
	if int(id) < 0 || int(id) >= int(relayCount) {
		return fmt.Errorf("hal: invalid relay id %d", id)
	}
	p := g.pins.Relays[id]
	if p == nil {
		return nil
	}
	level := gpio.Low
	if on {
		level = gpio.High
	}
	return p.Out(level)
}

func (g *GPIO) Close() error { return nil }

// Fake is an in-memory [HAL] for tests: a fully in-process stand-in
// for real hardware behind the same interface.
type Fake struct {
	CH1, CH2 bool
	LEDs     [NumLEDs]LEDPattern
	Relays   [NumRelays]bool
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) ReadEStopChannels() (bool, bool, error) { return f.CH1, f.CH2, nil }

func (f *Fake) SetLED(id LEDID, pattern LEDPattern) error {
	if int(id) < 0 || int(id) >= int(ledCount) {
		return fmt.Errorf("hal: invalid led id %d", id)
	}
	f.LEDs[id] = pattern
	return nil
}

func (f *Fake) Animate(nowUS int64) error { return nil }

func (f *Fake) SetRelay(id RelayID, on bool) error {
	if int(id) < 0 || int(id) >= int(relayCount) {
		return fmt.Errorf("hal: invalid relay id %d", id)
	}
	f.Relays[id] = on
	return nil
}

func (f *Fake) Close() error { return nil }
