//go:build !linux || (!arm && !arm64)

package main

import (
	"github.com/kimlam2010/OHT-V2-sub001/internal/hal"
)

// openHAL returns the in-memory fake on platforms without the target
// GPIO header, so the control plane can be exercised on a bench machine
// against a simulated bus.
func openHAL() (hal.HAL, error) {
	return hal.NewFake(), nil
}
