// Package safety implements the dual-channel E-Stop monitor. Two
// independent digital inputs are polled every tick through the narrow
// HAL; either channel asserting trips the system immediately, and a
// persistent disagreement between the channels is itself a fault.
package safety

import (
	"fmt"
	"time"

	"github.com/kimlam2010/OHT-V2-sub001/internal/config"
	"github.com/kimlam2010/OHT-V2-sub001/internal/fsm"
	"github.com/kimlam2010/OHT-V2-sub001/internal/hal"
	"github.com/kimlam2010/OHT-V2-sub001/internal/ohtclock"
	"github.com/kimlam2010/OHT-V2-sub001/internal/ohterr"
)

// EStopState is the monitor's own state machine.
type EStopState int

const (
	StateSafe EStopState = iota
	StateTriggered
	StateFault
	StateResetting
)

func (s EStopState) String() string {
	switch s {
	case StateTriggered:
		return "triggered"
	case StateFault:
		return "fault"
	case StateResetting:
		return "resetting"
	default:
		return "safe"
	}
}

// Event is one of the monitor's notifications.
type Event int

const (
	EventTriggered Event = iota
	EventReset
	EventFaultDetected
	EventFaultCleared
)

// FaultCode pins down which part of the dual-channel circuit failed.
type FaultCode int

const (
	CodeNone FaultCode = iota
	CodeChannel1Open
	CodeChannel2Open
	CodeChannelMismatch
	CodeResponseTimeout
	CodeHardwareError
)

func (c FaultCode) String() string {
	switch c {
	case CodeChannel1Open:
		return "channel1_open"
	case CodeChannel2Open:
		return "channel2_open"
	case CodeChannelMismatch:
		return "channel_mismatch"
	case CodeResponseTimeout:
		return "response_timeout"
	case CodeHardwareError:
		return "hardware_error"
	default:
		return "none"
	}
}

// Callback receives safety events synchronously on the tick goroutine;
// it must not block; the monitor never performs blocking I/O.
type Callback func(evt Event, state EStopState, fault fsm.FaultKind)

// Context is the monitor's externally-visible state.
type Context struct {
	CH1, CH2      bool
	State         EStopState
	Fault         fsm.FaultKind
	Code          FaultCode
	TriggerCount  uint32
	FaultCount    uint32
	LastTriggerUS int64
	LastResetUS   int64
	// LastPollGapUS is the interval between the two most recent polls;
	// it bounds how fast an input edge can be acted on.
	LastPollGapUS int64
}

// resetHold is how long Resetting must observe both channels released
// before returning to Safe.
const resetHold = 100 * time.Millisecond

// Monitor owns its context exclusively. Update is invoked
// once per tick by the Orchestrator; all other methods are non-blocking.
// RequestReset and ClearFault act at once on the current channel
// reading, and the reset hold-off then completes over later Updates.
type Monitor struct {
	clock           ohtclock.Clock
	hal             hal.HAL
	debounce        time.Duration
	responseTimeout time.Duration

	ctx Context

	lastPollUS int64

	// mismatch tracks the current channel disagreement window.
	mismatchActive  bool
	mismatchSinceUS int64
	// resetSinceUS is when Resetting began its hold-off.
	resetSinceUS int64

	cb Callback
}

// New builds a monitor in the Safe state.
func New(clock ohtclock.Clock, h hal.HAL, cfg config.Safety) *Monitor {
	return &Monitor{
		clock:           clock,
		hal:             h,
		debounce:        time.Duration(cfg.DebounceMS) * time.Millisecond,
		responseTimeout: time.Duration(cfg.ResponseTimeoutMS) * time.Millisecond,
	}
}

// SetEventCallback installs the single callback slot.
func (m *Monitor) SetEventCallback(cb Callback) { m.cb = cb }

// IsSafe reports whether movement is permitted; the motor driver's
// pre-check calls this.
func (m *Monitor) IsSafe() bool { return m.ctx.State == StateSafe }

// CurrentFault returns the fault kind the monitor is holding, or
// FaultNone.
func (m *Monitor) CurrentFault() fsm.FaultKind { return m.ctx.Fault }

// State returns the monitor's current E-Stop state.
func (m *Monitor) State() EStopState { return m.ctx.State }

// Snapshot returns a copy of the safety context.
func (m *Monitor) Snapshot() Context { return m.ctx }

func (m *Monitor) emit(evt Event) {
	if m.cb != nil {
		m.cb(evt, m.ctx.State, m.ctx.Fault)
	}
}

// Update polls both channels and advances the state machine. Either
// channel asserted trips the system on the very poll that observes it;
// assertion is never debounced, keeping the response bounded at one
// tick. The debounce window applies to channel *disagreement* only; a
// mismatch outliving it is a fault that stays until ClearFault.
func (m *Monitor) Update() error {
	ch1, ch2, err := m.hal.ReadEStopChannels()
	if err != nil {
		m.ctx.FaultCount++
		m.ctx.Fault = fsm.FaultHardware
		m.ctx.Code = CodeHardwareError
		m.ctx.State = StateFault
		m.emit(EventFaultDetected)
		return ohterr.New("safety", "update", ohterr.KindHardwareFault, err)
	}
	m.ctx.CH1, m.ctx.CH2 = ch1, ch2
	now := m.clock.NowUS()

	// The bounded-response guarantee only holds while the poll cadence
	// is inside the response budget; a stalled scheduler is a fault in
	// its own right.
	if m.lastPollUS != 0 {
		gap := now - m.lastPollUS
		m.ctx.LastPollGapUS = gap
		if gap > m.responseTimeout.Microseconds() && m.ctx.State != StateFault {
			m.ctx.State = StateFault
			m.ctx.Fault = fsm.FaultHardware
			m.ctx.Code = CodeResponseTimeout
			m.ctx.FaultCount++
			m.lastPollUS = now
			m.emit(EventFaultDetected)
			return nil
		}
	}
	m.lastPollUS = now

	// Mismatch tracking runs in every state except Fault (where the
	// verdict is already in).
	if m.ctx.State != StateFault {
		if ch1 != ch2 {
			if !m.mismatchActive {
				m.mismatchActive = true
				m.mismatchSinceUS = now
			} else if now-m.mismatchSinceUS >= m.debounce.Microseconds() {
				m.ctx.State = StateFault
				m.ctx.Fault = fsm.FaultHardware
				m.ctx.Code = mismatchCode(ch1, ch2)
				m.ctx.FaultCount++
				m.mismatchActive = false
				m.emit(EventFaultDetected)
				return nil
			}
		} else {
			m.mismatchActive = false
		}
	}

	switch m.ctx.State {
	case StateSafe:
		if ch1 || ch2 {
			m.ctx.State = StateTriggered
			m.ctx.Fault = fsm.FaultEStop
			m.ctx.TriggerCount++
			m.ctx.LastTriggerUS = now
			m.emit(EventTriggered)
		}

	case StateTriggered:
		// Held until a reset request arrives with both channels
		// released; see RequestReset.

	case StateResetting:
		if ch1 || ch2 {
			// Re-asserted mid-reset: back to Triggered.
			m.ctx.State = StateTriggered
			m.ctx.TriggerCount++
			m.ctx.LastTriggerUS = now
			m.emit(EventTriggered)
			break
		}
		if now-m.resetSinceUS >= resetHold.Microseconds() {
			m.ctx.State = StateSafe
			m.ctx.Fault = fsm.FaultNone
			m.ctx.Code = CodeNone
			m.ctx.LastResetUS = now
			m.emit(EventReset)
		}

	case StateFault:
		// Sticky until ClearFault.
	}
	return nil
}

// RequestReset moves Triggered to Resetting, provided both channels are
// released. The hold-off back to Safe happens across subsequent Update
// calls.
func (m *Monitor) RequestReset() error {
	if m.ctx.State != StateTriggered {
		return ohterr.New("safety", "request_reset", ohterr.KindInvalidArgument,
			fmt.Errorf("not triggered (state %v)", m.ctx.State))
	}
	if m.ctx.CH1 || m.ctx.CH2 {
		return ohterr.New("safety", "request_reset", ohterr.KindSafetyViolation,
			fmt.Errorf("channel still asserted (ch1=%v ch2=%v)", m.ctx.CH1, m.ctx.CH2))
	}
	m.ctx.State = StateResetting
	m.resetSinceUS = m.clock.NowUS()
	return nil
}

// ClearFault is the only way out of Fault: it requires an explicit call
// plus channel sanity (both channels reading consistent and released).
func (m *Monitor) ClearFault() error {
	if m.ctx.State != StateFault {
		return ohterr.New("safety", "clear_fault", ohterr.KindInvalidArgument,
			fmt.Errorf("no fault to clear (state %v)", m.ctx.State))
	}
	ch1, ch2, err := m.hal.ReadEStopChannels()
	if err != nil {
		return ohterr.New("safety", "clear_fault", ohterr.KindHardwareFault, err)
	}
	if ch1 != ch2 {
		return ohterr.New("safety", "clear_fault", ohterr.KindSafetyViolation,
			fmt.Errorf("channels still disagree (ch1=%v ch2=%v)", ch1, ch2))
	}
	m.ctx.CH1, m.ctx.CH2 = ch1, ch2
	m.ctx.Fault = fsm.FaultNone
	m.ctx.Code = CodeNone
	m.mismatchActive = false
	if ch1 {
		// Consistently asserted: the fault is gone but the stop is real.
		m.ctx.State = StateTriggered
		m.ctx.Fault = fsm.FaultEStop
	} else {
		m.ctx.State = StateSafe
	}
	m.emit(EventFaultCleared)
	return nil
}

// SelfTest exercises the channel read path without requiring an actual
// E-Stop press: two consecutive reads must succeed and agree with each
// other (a disagreement between back-to-back reads inside one test is
// chatter the electrical debounce should have removed).
func (m *Monitor) SelfTest() error {
	a1, a2, err := m.hal.ReadEStopChannels()
	if err != nil {
		return ohterr.New("safety", "self_test", ohterr.KindHardwareFault, err)
	}
	b1, b2, err := m.hal.ReadEStopChannels()
	if err != nil {
		return ohterr.New("safety", "self_test", ohterr.KindHardwareFault, err)
	}
	if a1 != b1 || a2 != b2 {
		return ohterr.New("safety", "self_test", ohterr.KindHardwareFault,
			fmt.Errorf("channel chatter: (%v,%v) then (%v,%v)", a1, a2, b1, b2))
	}
	return nil
}

// mismatchCode classifies a persistent channel disagreement: the
// channel that failed to follow its sibling is the suspect circuit.
func mismatchCode(ch1, ch2 bool) FaultCode {
	switch {
	case ch1 && !ch2:
		return CodeChannel2Open
	case ch2 && !ch1:
		return CodeChannel1Open
	default:
		return CodeChannelMismatch
	}
}

// CurrentCode returns the fault code pinpointing the failed circuit,
// or CodeNone.
func (m *Monitor) CurrentCode() FaultCode { return m.ctx.Code }

// ResetStatistics zeroes the trigger/fault counters without touching
// the live state.
func (m *Monitor) ResetStatistics() {
	m.ctx.TriggerCount = 0
	m.ctx.FaultCount = 0
	m.ctx.LastTriggerUS = 0
	m.ctx.LastResetUS = 0
}

// Diagnostics renders a one-line human-readable summary for operators
// and the external API layer.
func (m *Monitor) Diagnostics() string {
	return fmt.Sprintf("state=%v fault=%v code=%v ch1=%v ch2=%v triggers=%d faults=%d poll_gap=%dus",
		m.ctx.State, m.ctx.Fault, m.ctx.Code, m.ctx.CH1, m.ctx.CH2,
		m.ctx.TriggerCount, m.ctx.FaultCount, m.ctx.LastPollGapUS)
}
