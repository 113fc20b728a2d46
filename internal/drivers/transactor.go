package drivers

import "github.com/kimlam2010/OHT-V2-sub001/internal/modbus"

// Transactor is the narrow bus surface a driver needs: encode, send, and
// decode one Modbus request, or report the typed failure. Framing and
// retry are handled beneath it (packages modbus and bus), so drivers
// stay at the register level.
type Transactor interface {
	Do(req modbus.Request) (modbus.Response, error)
}

// SafetyGate lets a driver refuse a movement command with a safety
// violation before any bus write happens.
type SafetyGate interface {
	IsSafe() bool
}
