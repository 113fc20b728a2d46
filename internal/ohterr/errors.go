// Package ohterr implements the control plane's error taxonomy: a small
// set of sentinel kinds plus one wrapping type so callers can both match
// on the kind with errors.Is/As and keep the original %w-wrapped cause.
package ohterr

import (
	"errors"
	"fmt"
)

// Kind tags the reason an operation failed, independent of which
// component or slave it came from.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindNotInitialized
	KindAlreadyInitialized
	KindIO
	KindTimeout
	KindCrcMismatch
	KindFrameMalformed
	KindModbusException
	KindSafetyViolation
	KindCommunicationFault
	KindSensorFault
	KindMotorFault
	KindPowerFault
	KindSoftwareFault
	KindHardwareFault
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotInitialized:
		return "not_initialized"
	case KindAlreadyInitialized:
		return "already_initialized"
	case KindIO:
		return "io_error"
	case KindTimeout:
		return "timeout"
	case KindCrcMismatch:
		return "crc_mismatch"
	case KindFrameMalformed:
		return "frame_malformed"
	case KindModbusException:
		return "modbus_exception"
	case KindSafetyViolation:
		return "safety_violation"
	case KindCommunicationFault:
		return "communication_fault"
	case KindSensorFault:
		return "sensor_fault"
	case KindMotorFault:
		return "motor_fault"
	case KindPowerFault:
		return "power_fault"
	case KindSoftwareFault:
		return "software_fault"
	case KindHardwareFault:
		return "hardware_fault"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a component, operation and [Kind],
// so that logging (duplicate-suppression keys on component+kind) and
// FSM fault routing can both inspect it without string matching.
type Error struct {
	Component string
	Op        string
	Kind      Kind
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Component, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Component, e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an [*Error] with the given component, operation and kind,
// wrapping err (which may be nil).
func New(component, op string, kind Kind, err error) *Error {
	return &Error{Component: component, Op: op, Kind: kind, Err: err}
}

// Is reports whether err is an [*Error] of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the [Kind] carried by err, or [KindUnknown] if err does
// not wrap an [*Error].
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
