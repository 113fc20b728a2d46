package drivers

import (
	"fmt"

	"github.com/kimlam2010/OHT-V2-sub001/internal/modbus"
	"github.com/kimlam2010/OHT-V2-sub001/internal/ohterr"
)

// Motor register map; the motor module sits at address 0x03
// conventionally.
const (
	regPositionTarget = 0x0000
	regVelocityTarget = 0x0001
	regAccelLimit     = 0x0002
	regMoveCommand    = 0x0003
	regStopCommand    = 0x0004
	regEnable         = 0x0010
	regFaultStatus    = 0x0020
	regFaultCode      = 0x0030
	regEmergencyStop  = 0x0040
	regCurrentPos     = 0x0050
	regCurrentVel     = 0x0051
	regCurrentAccel   = 0x0052
	regTargetReached  = 0x0060
	regMotionComplete = 0x0061
	regHome           = 0x0070
	regHardStop       = 0x0071
	regResetFaults    = 0x0080
)

// MotorState is the per-driver state machine: Disabled → Enabled →
// Moving → (Stopping|Fault|EStop) → Stopped/Disabled.
type MotorState int

const (
	MotorDisabled MotorState = iota
	MotorEnabled
	MotorMoving
	MotorHoming
	MotorStopping
	MotorFault
	MotorEStop
	MotorStopped
)

func (s MotorState) String() string {
	switch s {
	case MotorEnabled:
		return "enabled"
	case MotorMoving:
		return "moving"
	case MotorHoming:
		return "homing"
	case MotorStopping:
		return "stopping"
	case MotorFault:
		return "fault"
	case MotorEStop:
		return "estop"
	case MotorStopped:
		return "stopped"
	default:
		return "disabled"
	}
}

// MotorData is the motor module's full typed state.
type MotorData struct {
	PositionTarget, VelocityTarget     int32
	AccelLimit, JerkLimit              int32
	PositionLimitMin, PositionLimitMax int32
	VelocityLimitMax, AccelLimitMax    int32

	CurrentPosition, CurrentVelocity, CurrentAccel int32

	Enabled, Fault, TargetReached, MotionComplete bool
	FaultCode                                     uint16
	FaultDescription                              string
}

// MotorEvent is one driver event delivered through the event callback:
// the command operations emit Enabled, Disabled, MoveStarted,
// StopStarted and FaultCleared, and [Motor.ReadState] reports
// TargetReached, MotionComplete and Fault.
type MotorEvent int

const (
	MotorEventNone MotorEvent = iota
	MotorEventEnabled
	MotorEventDisabled
	MotorEventMoveStarted
	MotorEventStopStarted
	MotorEventTargetReached
	MotorEventMotionComplete
	MotorEventFault
	MotorEventFaultCleared
)

// MotorStats counts the driver's lifetime operations.
type MotorStats struct {
	Moves  uint32
	Stops  uint32
	Faults uint32
}

// Motor is the typed driver for a motor-controller module: one typed
// operation per logical command, each translating to one or more
// register transactions, with validation pre-checks before any bus
// write.
type Motor struct {
	Address uint8
	tx      Transactor
	safety  SafetyGate

	state              MotorState
	data               MotorData
	stats              MotorStats
	errorCount         uint32
	warningCount       uint32
	lastTargetReached  bool
	lastMotionComplete bool

	cb func(MotorEvent)
}

// NewMotor builds a motor driver. limits seeds the validation bounds:
// position in [min,max], velocity in (0,velocity_max], accel in
// (0,accel_max].
func NewMotor(address uint8, tx Transactor, safety SafetyGate, limits MotorData) *Motor {
	return &Motor{
		Address: address,
		tx:      tx,
		safety:  safety,
		state:   MotorDisabled,
		data:    limits,
	}
}

func (m *Motor) State() MotorState { return m.state }

// Stats returns a copy of the operation counters.
func (m *Motor) Stats() MotorStats { return m.stats }

// SetEventCallback installs the single driver-event callback slot; it
// runs synchronously and must not block.
func (m *Motor) SetEventCallback(cb func(MotorEvent)) { m.cb = cb }

func (m *Motor) emit(evt MotorEvent) {
	if m.cb != nil {
		m.cb(evt)
	}
}

// Init brings a freshly-discovered motor module into the Disabled state
// by clearing faults.
func (m *Motor) Init() error {
	if err := m.writeReg(regResetFaults, 1); err != nil {
		return fmt.Errorf("motor: init: %w", err)
	}
	m.state = MotorDisabled
	return nil
}

// Enable toggles the driver between Disabled and Enabled.
func (m *Motor) Enable(on bool) error {
	v := uint16(0)
	if on {
		v = 1
	}
	if err := m.writeReg(regEnable, v); err != nil {
		return fmt.Errorf("motor: enable: %w", err)
	}
	if on {
		if m.state == MotorDisabled || m.state == MotorStopped {
			m.state = MotorEnabled
		}
		m.emit(MotorEventEnabled)
	} else {
		m.state = MotorDisabled
		m.emit(MotorEventDisabled)
	}
	return nil
}

// MoveTo validates the requested motion profile, checks the safety
// gate, and only then issues the register writes.
func (m *Motor) MoveTo(position, velocity, accel int32) error {
	if position < m.data.PositionLimitMin || position > m.data.PositionLimitMax {
		return ohterr.New("motor", "move_to", ohterr.KindInvalidArgument,
			fmt.Errorf("position %d outside [%d,%d]", position, m.data.PositionLimitMin, m.data.PositionLimitMax))
	}
	if velocity <= 0 || velocity > m.data.VelocityLimitMax {
		return ohterr.New("motor", "move_to", ohterr.KindInvalidArgument,
			fmt.Errorf("velocity %d outside (0,%d]", velocity, m.data.VelocityLimitMax))
	}
	if accel <= 0 || accel > m.data.AccelLimitMax {
		return ohterr.New("motor", "move_to", ohterr.KindInvalidArgument,
			fmt.Errorf("accel %d outside (0,%d]", accel, m.data.AccelLimitMax))
	}
	if m.safety != nil && !m.safety.IsSafe() {
		return ohterr.New("motor", "move_to", ohterr.KindSafetyViolation, nil)
	}
	if err := m.writeReg(regPositionTarget, uint16(position)); err != nil {
		return fmt.Errorf("motor: move_to: set position: %w", err)
	}
	if err := m.writeReg(regVelocityTarget, uint16(velocity)); err != nil {
		return fmt.Errorf("motor: move_to: set velocity: %w", err)
	}
	if err := m.writeReg(regAccelLimit, uint16(accel)); err != nil {
		return fmt.Errorf("motor: move_to: set accel: %w", err)
	}
	if err := m.writeReg(regMoveCommand, 1); err != nil {
		return fmt.Errorf("motor: move_to: start: %w", err)
	}
	m.data.PositionTarget, m.data.VelocityTarget, m.data.AccelLimit = position, velocity, accel
	m.state = MotorMoving
	m.stats.Moves++
	m.lastTargetReached, m.lastMotionComplete = false, false
	m.emit(MotorEventMoveStarted)
	return nil
}

// Stop requests a controlled deceleration to standstill.
func (m *Motor) Stop() error {
	if err := m.writeReg(regStopCommand, 1); err != nil {
		return fmt.Errorf("motor: stop: %w", err)
	}
	m.state = MotorStopping
	m.stats.Stops++
	m.emit(MotorEventStopStarted)
	return nil
}

// EmergencyStop forces an immediate zero-output halt, called by the
// safety path with no validation and no safety gate check (it IS the
// safety path).
func (m *Motor) EmergencyStop() error {
	if err := m.writeReg(regEmergencyStop, 1); err != nil {
		return fmt.Errorf("motor: emergency_stop: %w", err)
	}
	m.state = MotorEStop
	return nil
}

// HardStop requests an immediate (non-graceful) stop short of emergency
// stop, e.g. on interlock violation.
func (m *Motor) HardStop() error {
	if err := m.writeReg(regHardStop, 1); err != nil {
		return fmt.Errorf("motor: hard_stop: %w", err)
	}
	m.state = MotorStopping
	return nil
}

// Home drives the motor to its reference position. The motor must be
// enabled first.
func (m *Motor) Home() error {
	if m.state == MotorDisabled || m.state == MotorStopped {
		return ohterr.New("motor", "home", ohterr.KindNotInitialized,
			fmt.Errorf("motor not enabled (state %v)", m.state))
	}
	if m.safety != nil && !m.safety.IsSafe() {
		return ohterr.New("motor", "home", ohterr.KindSafetyViolation, nil)
	}
	if err := m.writeReg(regHome, 1); err != nil {
		return fmt.Errorf("motor: home: %w", err)
	}
	m.state = MotorHoming
	return nil
}

// ResetFaults clears a sticky fault and returns to Disabled.
func (m *Motor) ResetFaults() error {
	if err := m.writeReg(regResetFaults, 1); err != nil {
		return fmt.Errorf("motor: reset_faults: %w", err)
	}
	m.data.Fault = false
	m.data.FaultCode = 0
	m.state = MotorDisabled
	m.emit(MotorEventFaultCleared)
	return nil
}

// ReadState polls the full MotorData block and returns any edge-triggered
// event observed since the last read.
func (m *Motor) ReadState() (MotorData, MotorEvent, error) {
	resp, err := m.tx.Do(modbus.Request{
		Slave: m.Address, Function: modbus.FuncReadHoldingRegisters,
		Address: regCurrentPos, Quantity: 8,
	})
	if err != nil {
		m.noteError()
		return m.data, MotorEventNone, m.wrapErr("read_state", err)
	}
	if len(resp.Registers) < 8 {
		m.noteError()
		return m.data, MotorEventNone, ohterr.New("motor", "read_state", ohterr.KindFrameMalformed, nil)
	}
	regs := resp.Registers
	m.data.CurrentPosition = int32(int16(regs[0]))
	m.data.CurrentVelocity = int32(int16(regs[1]))
	m.data.CurrentAccel = int32(int16(regs[2]))
	m.data.Enabled = regs[3] != 0
	targetReached := regs[4] != 0
	motionComplete := regs[5] != 0
	m.data.Fault = regs[6] != 0
	m.data.FaultCode = regs[7]

	evt := MotorEventNone
	switch {
	case m.data.Fault:
		evt = MotorEventFault
		if m.state != MotorFault {
			m.stats.Faults++
		}
		m.state = MotorFault
	case motionComplete && !m.lastMotionComplete:
		evt = MotorEventMotionComplete
		if m.state == MotorMoving || m.state == MotorHoming || m.state == MotorStopping {
			m.state = MotorStopped
		}
	case targetReached && !m.lastTargetReached:
		evt = MotorEventTargetReached
	}
	if evt != MotorEventNone {
		m.emit(evt)
	}
	m.data.TargetReached, m.data.MotionComplete = targetReached, motionComplete
	m.lastTargetReached, m.lastMotionComplete = targetReached, motionComplete
	return m.data, evt, nil
}

// LastData returns the most recently polled motor data without touching
// the bus; the control loop's feedback path reads it between polls.
func (m *Motor) LastData() MotorData { return m.data }

// HealthPct computes this driver's current health score given the
// latest observed round-trip latency.
func (m *Motor) HealthPct(latencyMs float64) int {
	return HealthScore(m.errorCount, m.warningCount, latencyMs)
}

func (m *Motor) noteError() {
	m.errorCount++
	if m.state != MotorFault && m.state != MotorEStop {
		m.state = MotorFault
	}
}

func (m *Motor) wrapErr(op string, err error) error {
	return ohterr.New("motor", op, ohterr.KindCommunicationFault, err)
}

func (m *Motor) writeReg(addr uint16, value uint16) error {
	_, err := m.tx.Do(modbus.Request{
		Slave: m.Address, Function: modbus.FuncWriteSingleRegister,
		Address: addr, Values: []uint16{value},
	})
	if err != nil {
		m.noteError()
		return m.wrapErr("write", err)
	}
	return nil
}

// SelfTest writes a test value to the position-target register and
// reads it back, verifying the round trip through the codec, the bus
// and the module's register file.
func (m *Motor) SelfTest() error {
	const testValue = 0x1234
	if err := m.writeReg(regPositionTarget, testValue); err != nil {
		return fmt.Errorf("motor: self_test: %w", err)
	}
	resp, err := m.tx.Do(modbus.Request{
		Slave: m.Address, Function: modbus.FuncReadHoldingRegisters,
		Address: regPositionTarget, Quantity: 1,
	})
	if err != nil {
		m.noteError()
		return m.wrapErr("self_test", err)
	}
	if len(resp.Registers) < 1 || resp.Registers[0] != testValue {
		return ohterr.New("motor", "self_test", ohterr.KindHardwareFault,
			fmt.Errorf("readback mismatch: got %v, want 0x%04x", resp.Registers, testValue))
	}
	return m.writeReg(regPositionTarget, 0)
}
