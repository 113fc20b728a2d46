package drivers

import (
	"errors"
	"testing"

	"github.com/kimlam2010/OHT-V2-sub001/internal/modbus"
	"github.com/kimlam2010/OHT-V2-sub001/internal/ohterr"
)

// fakeTransactor lets tests script canned responses per function code
// without any real bus/modbus plumbing.
type fakeTransactor struct {
	readRegs map[uint16][]uint16
	writeErr error
	calls    []modbus.Request
}

func (f *fakeTransactor) Do(req modbus.Request) (modbus.Response, error) {
	f.calls = append(f.calls, req)
	switch req.Function {
	case modbus.FuncReadHoldingRegisters:
		regs, ok := f.readRegs[req.Address]
		if !ok {
			return modbus.Response{}, errors.New("fake: no canned response for address")
		}
		return modbus.Response{Registers: regs}, nil
	case modbus.FuncWriteSingleRegister:
		if f.writeErr != nil {
			return modbus.Response{}, f.writeErr
		}
		return modbus.Response{Raw: []byte{0, 0, 0, 0}}, nil
	default:
		return modbus.Response{}, errors.New("fake: unsupported function")
	}
}

type fakeGate struct{ safe bool }

func (g fakeGate) IsSafe() bool { return g.safe }

func defaultMotorLimits() MotorData {
	return MotorData{
		PositionLimitMin: 0, PositionLimitMax: 10_000,
		VelocityLimitMax: 2_000,
		AccelLimitMax:    1_000,
	}
}

func TestMotorMoveToRejectsOutOfRangePosition(t *testing.T) {
	tx := &fakeTransactor{}
	m := NewMotor(0x03, tx, fakeGate{safe: true}, defaultMotorLimits())
	err := m.MoveTo(99_999, 100, 50)
	if !ohterr.Is(err, ohterr.KindInvalidArgument) {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
	if len(tx.calls) != 0 {
		t.Fatalf("expected no bus writes for a rejected command, got %d", len(tx.calls))
	}
}

// Movement commands must fail with SafetyViolation before any bus
// write when the safety gate reports unsafe.
func TestMotorMoveToRejectsWhenUnsafeBeforeAnyBusWrite(t *testing.T) {
	tx := &fakeTransactor{}
	m := NewMotor(0x03, tx, fakeGate{safe: false}, defaultMotorLimits())
	err := m.MoveTo(100, 100, 50)
	if !ohterr.Is(err, ohterr.KindSafetyViolation) {
		t.Fatalf("err = %v, want SafetyViolation", err)
	}
	if len(tx.calls) != 0 {
		t.Fatalf("expected zero bus writes before the safety check, got %d", len(tx.calls))
	}
}

func TestMotorMoveToSucceeds(t *testing.T) {
	tx := &fakeTransactor{}
	m := NewMotor(0x03, tx, fakeGate{safe: true}, defaultMotorLimits())
	if err := m.MoveTo(1000, 500, 200); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	if m.State() != MotorMoving {
		t.Fatalf("State = %v, want moving", m.State())
	}
	if len(tx.calls) != 4 {
		t.Fatalf("expected 4 register writes (position, velocity, accel, start), got %d", len(tx.calls))
	}
	if last := tx.calls[3]; last.Address != regMoveCommand {
		t.Fatalf("final write to 0x%04x, want the move command register", last.Address)
	}
}

func TestMotorHomeRequiresEnable(t *testing.T) {
	tx := &fakeTransactor{}
	m := NewMotor(0x03, tx, fakeGate{safe: true}, defaultMotorLimits())
	if err := m.Home(); !ohterr.Is(err, ohterr.KindNotInitialized) {
		t.Fatalf("Home while disabled: err = %v, want NotInitialized", err)
	}
	if err := m.Enable(true); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := m.Home(); err != nil {
		t.Fatalf("Home: %v", err)
	}
	if m.State() != MotorHoming {
		t.Fatalf("State = %v, want homing", m.State())
	}
}

func TestMotorEventCallback(t *testing.T) {
	tx := &fakeTransactor{}
	m := NewMotor(0x03, tx, fakeGate{safe: true}, defaultMotorLimits())
	var events []MotorEvent
	m.SetEventCallback(func(evt MotorEvent) { events = append(events, evt) })
	if err := m.Enable(true); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := m.MoveTo(100, 100, 50); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	want := []MotorEvent{MotorEventEnabled, MotorEventMoveStarted, MotorEventStopStarted}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
	if st := m.Stats(); st.Moves != 1 || st.Stops != 1 {
		t.Fatalf("Stats = %+v, want 1 move / 1 stop", st)
	}
}

func TestMotorReadStateEmitsMotionCompleteOnce(t *testing.T) {
	tx := &fakeTransactor{readRegs: map[uint16][]uint16{
		regCurrentPos: {1000, 0, 0, 1, 1, 1, 0, 0},
	}}
	m := NewMotor(0x03, tx, fakeGate{safe: true}, defaultMotorLimits())
	m.state = MotorMoving

	_, evt, err := m.ReadState()
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if evt != MotorEventMotionComplete {
		t.Fatalf("evt = %v, want MotionComplete", evt)
	}
	// A second read with the same flags must not re-emit the edge.
	_, evt2, err := m.ReadState()
	if err != nil {
		t.Fatalf("ReadState (2nd): %v", err)
	}
	if evt2 != MotorEventNone {
		t.Fatalf("evt2 = %v, want None (no repeat edge)", evt2)
	}
}

func TestMotorReadStateFaultTransitionsDriverState(t *testing.T) {
	tx := &fakeTransactor{readRegs: map[uint16][]uint16{
		regCurrentPos: {0, 0, 0, 1, 0, 0, 1, 0x42},
	}}
	m := NewMotor(0x03, tx, fakeGate{safe: true}, defaultMotorLimits())
	_, evt, err := m.ReadState()
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if evt != MotorEventFault {
		t.Fatalf("evt = %v, want Fault", evt)
	}
	if m.State() != MotorFault {
		t.Fatalf("State = %v, want fault", m.State())
	}
}

func TestHealthScorePureFunction(t *testing.T) {
	a := HealthScore(2, 3, 150)
	b := HealthScore(2, 3, 150)
	if a != b {
		t.Fatalf("HealthScore is not pure: %d != %d", a, b)
	}
	// 100 - 20 - 15 - 5 = 60
	if a != 60 {
		t.Fatalf("HealthScore(2,3,150) = %d, want 60", a)
	}
}

func TestHealthScoreClampsToZeroAndHundred(t *testing.T) {
	if HealthScore(100, 100, 0) != 0 {
		t.Fatal("expected clamp to 0")
	}
	if HealthScore(0, 0, 0) != 100 {
		t.Fatal("expected clamp to 100")
	}
}

func TestBandBoundaries(t *testing.T) {
	cases := []struct {
		pct  int
		want HealthBand
	}{
		{100, HealthExcellent}, {90, HealthExcellent},
		{89, HealthGood}, {80, HealthGood},
		{79, HealthFair}, {60, HealthFair},
		{59, HealthPoor}, {40, HealthPoor},
		{39, HealthCritical}, {20, HealthCritical},
		{19, HealthFailed}, {0, HealthFailed},
	}
	for _, c := range cases {
		if got := Band(c.pct); got != c.want {
			t.Errorf("Band(%d) = %v, want %v", c.pct, got, c.want)
		}
	}
}

func TestPowerCheckAlarmsDetectsOvervoltage(t *testing.T) {
	p := NewPower(0x02, &fakeTransactor{})
	p.data.BatteryVoltageMV = 15_000
	if !p.CheckAlarms() {
		t.Fatal("expected alarm for overvoltage")
	}
	if p.data.Faults&FaultOvervoltage == 0 {
		t.Fatalf("Faults = %v, want FaultOvervoltage set", p.data.Faults)
	}
}

func TestPowerControlOutputsWritesAllThreeRelays(t *testing.T) {
	tx := &fakeTransactor{}
	p := NewPower(0x02, tx)
	if err := p.ControlOutputs(true, false, true); err != nil {
		t.Fatalf("ControlOutputs: %v", err)
	}
	if len(tx.calls) != 3 {
		t.Fatalf("expected 3 relay writes, got %d", len(tx.calls))
	}
}

func TestPowerEmergencyShutdownDropsRailsAndCharging(t *testing.T) {
	tx := &fakeTransactor{}
	p := NewPower(0x02, tx)
	if err := p.EmergencyShutdown(); err != nil {
		t.Fatalf("EmergencyShutdown: %v", err)
	}
	// Three relay writes plus the charge-enable clear.
	if len(tx.calls) != 4 {
		t.Fatalf("expected 4 register writes, got %d", len(tx.calls))
	}
	for _, call := range tx.calls {
		if len(call.Values) != 1 || call.Values[0] != 0 {
			t.Fatalf("write %+v, want every register cleared to 0", call)
		}
	}
}

func TestAlarmDescription(t *testing.T) {
	if got := AlarmDescription(0); got != "none" {
		t.Fatalf("AlarmDescription(0) = %q, want none", got)
	}
	got := AlarmDescription(FaultOvervoltage | FaultRelayFault)
	if got != "overvoltage,relay_fault" {
		t.Fatalf("AlarmDescription = %q, want overvoltage,relay_fault", got)
	}
}
