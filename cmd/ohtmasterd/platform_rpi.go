//go:build linux && (arm || arm64)

package main

import (
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3/bcm283x"

	"github.com/kimlam2010/OHT-V2-sub001/internal/hal"
)

// openHAL wires the Raspberry Pi pin mapping: two E-Stop channels, five
// status LEDs, two relays.
func openHAL() (hal.HAL, error) {
	return hal.Open(hal.PinSet{
		EStopCh1: bcm283x.GPIO5,
		EStopCh2: bcm283x.GPIO6,
		LEDs: [hal.NumLEDs]gpio.PinIO{
			bcm283x.GPIO12, // power
			bcm283x.GPIO13, // system
			bcm283x.GPIO16, // communication
			bcm283x.GPIO19, // network
			bcm283x.GPIO20, // error
		},
		Relays: [hal.NumRelays]gpio.PinIO{
			bcm283x.GPIO26,
			bcm283x.GPIO21,
		},
	})
}
