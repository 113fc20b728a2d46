package fsm

import (
	"testing"
	"time"

	"github.com/kimlam2010/OHT-V2-sub001/internal/config"
	"github.com/kimlam2010/OHT-V2-sub001/internal/ohtclock"
)

func newMachine(t *testing.T) (*Machine, *ohtclock.Fake) {
	t.Helper()
	clk := ohtclock.NewFake()
	m, err := New(clk, config.DefaultFSM())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, clk
}

// allFlags makes every guard pass.
func allFlags() Flags {
	return Flags{
		SystemReady: true, SafetyOK: true, CommsOK: true,
		SensorsOK: true, LocationOK: true, TargetValid: true,
	}
}

func bootToIdle(t *testing.T, m *Machine) {
	t.Helper()
	m.ProcessEvent(Event{Kind: EventBootComplete})
	m.ProcessEvent(Event{Kind: EventInitComplete})
	if m.State() != StateIdle {
		t.Fatalf("state = %v, want idle", m.State())
	}
}

func TestBootSequence(t *testing.T) {
	m, _ := newMachine(t)
	if m.State() != StateBoot {
		t.Fatalf("initial state = %v, want boot", m.State())
	}
	bootToIdle(t, m)
	if got := m.Snapshot().TransitionCount; got != 2 {
		t.Fatalf("TransitionCount = %d, want 2", got)
	}
}

// For every (from, event) applied, the resulting state equals the
// first table row whose guard holds, or the state is unchanged.
func TestTransitionValidityAgainstTable(t *testing.T) {
	events := []EventKind{
		EventBootComplete, EventInitComplete, EventMoveCmd, EventDockCmd,
		EventStopCmd, EventPauseCmd, EventResumeCmd, EventConfigCmd,
		EventConfigComplete, EventConfigFailed, EventEStopTriggered,
		EventEStopReset, EventSafeReset, EventFaultDetected,
		EventFaultCleared, EventTimeout, EventError,
	}
	for _, flags := range []Flags{allFlags(), {}} {
		m, _ := newMachine(t)
		m.SetFlags(flags)
		// Walk a few hundred pseudo-random events over the machine and
		// check each outcome against an independent table evaluation.
		seed := uint32(12345)
		for i := 0; i < 500; i++ {
			seed = seed*1664525 + 1013904223
			evt := Event{Kind: events[seed%uint32(len(events))]}
			if evt.Kind == EventFaultDetected {
				evt.Fault = FaultSensor
			}
			before := m.Snapshot()
			res := m.ProcessEvent(evt)
			want := expectedState(before, evt)
			if m.State() != want {
				t.Fatalf("event %v in %v: state = %v, want %v (res %+v)",
					evt.Kind, before.Current, m.State(), want, res)
			}
			m.SetFlags(flags) // entry effects may have consumed TargetValid
		}
	}
}

// expectedState replays the documented table semantics independently of
// the implementation's matching loop.
func expectedState(ctx Context, evt Event) State {
	if ctx.Current == StateShutdown {
		return StateShutdown
	}
	if evt.Kind == EventFaultDetected && evt.Fault != FaultNone {
		ctx.CurrentFault = evt.Fault
	}
	for _, row := range transitionTable {
		if row.On != evt.Kind {
			continue
		}
		if row.From != ctx.Current && row.From != anyState {
			continue
		}
		if row.Guard.Fn(&ctx) {
			return row.To
		}
	}
	return ctx.Current
}

func TestGuardedMoveRejected(t *testing.T) {
	m, _ := newMachine(t)
	bootToIdle(t, m)
	f := allFlags()
	f.LocationOK = false
	m.SetFlags(f)

	res := m.ProcessEvent(Event{Kind: EventMoveCmd, Target: 500})
	if !res.Rejected {
		t.Fatalf("expected rejection, got %+v", res)
	}
	if res.Reason != "move_ready" {
		t.Fatalf("Reason = %q, want move_ready", res.Reason)
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %v, want idle unchanged", m.State())
	}
	if m.RejectedEvents() != 1 {
		t.Fatalf("RejectedEvents = %d, want 1", m.RejectedEvents())
	}
}

func TestEStopFromEveryState(t *testing.T) {
	// EStopTriggered wins from any non-terminal state.
	reach := map[State][]Event{
		StateBoot:   nil,
		StateInit:   {{Kind: EventBootComplete}},
		StateIdle:   {{Kind: EventBootComplete}, {Kind: EventInitComplete}},
		StateMove:   {{Kind: EventBootComplete}, {Kind: EventInitComplete}, {Kind: EventMoveCmd}},
		StateConfig: {{Kind: EventBootComplete}, {Kind: EventInitComplete}, {Kind: EventConfigCmd}},
		StatePaused: {{Kind: EventBootComplete}, {Kind: EventInitComplete}, {Kind: EventMoveCmd}, {Kind: EventPauseCmd}},
		StateDock:   {{Kind: EventBootComplete}, {Kind: EventInitComplete}, {Kind: EventDockCmd}},
		StateFault:  {{Kind: EventBootComplete}, {Kind: EventInitComplete}, {Kind: EventFaultDetected, Fault: FaultSensor}},
		StateEStop:  {{Kind: EventBootComplete}, {Kind: EventInitComplete}, {Kind: EventEStopTriggered}},
		StateSafe:   {{Kind: EventBootComplete}, {Kind: EventInitComplete}, {Kind: EventConfigCmd}, {Kind: EventConfigFailed}, {Kind: EventSafeReset}},
	}
	for state, path := range reach {
		m, _ := newMachine(t)
		m.SetFlags(allFlags())
		for _, evt := range path {
			m.ProcessEvent(evt)
			m.SetFlags(allFlags())
		}
		if m.State() != state {
			t.Fatalf("setup for %v landed in %v", state, m.State())
		}
		m.ProcessEvent(Event{Kind: EventEStopTriggered})
		if m.State() != StateEStop {
			t.Fatalf("from %v: state = %v, want estop", state, m.State())
		}
	}
}

func TestEStopResetRequiresNoFault(t *testing.T) {
	m, _ := newMachine(t)
	m.SetFlags(allFlags())
	bootToIdle(t, m)
	m.ProcessEvent(Event{Kind: EventEStopTriggered})
	m.SetCurrentFault(FaultMotor)
	res := m.ProcessEvent(Event{Kind: EventEStopReset})
	if !res.Rejected || res.Reason != "no_fault" {
		t.Fatalf("expected no_fault rejection, got %+v", res)
	}
	if m.State() != StateEStop {
		t.Fatalf("state = %v, want estop held", m.State())
	}
}

func TestFaultDuringEStopEscalatesToFault(t *testing.T) {
	m, _ := newMachine(t)
	m.SetFlags(allFlags())
	bootToIdle(t, m)
	m.ProcessEvent(Event{Kind: EventEStopTriggered})
	res := m.ProcessEvent(Event{Kind: EventFaultDetected, Fault: FaultMotor})
	if !res.Applied || m.State() != StateFault {
		t.Fatalf("res = %+v state = %v, want fault", res, m.State())
	}
	if m.Snapshot().CurrentFault != FaultMotor {
		t.Fatalf("CurrentFault = %v, want motor", m.Snapshot().CurrentFault)
	}
}

func TestMoveToDockAndBack(t *testing.T) {
	m, _ := newMachine(t)
	bootToIdle(t, m)
	m.SetFlags(allFlags())
	m.ProcessEvent(Event{Kind: EventMoveCmd, Target: 100})
	if m.State() != StateMove {
		t.Fatalf("state = %v, want move", m.State())
	}
	// A dock command during movement redirects without stopping first.
	res := m.ProcessEvent(Event{Kind: EventDockCmd})
	if !res.Applied || m.State() != StateDock {
		t.Fatalf("res = %+v state = %v, want dock", res, m.State())
	}
	// Moving out of Dock needs full move readiness again.
	res = m.ProcessEvent(Event{Kind: EventMoveCmd, Target: 200})
	if !res.Rejected {
		t.Fatalf("expected rejection without re-validation, got %+v", res)
	}
	m.SetFlags(allFlags())
	res = m.ProcessEvent(Event{Kind: EventMoveCmd, Target: 200})
	if !res.Applied || m.State() != StateMove {
		t.Fatalf("res = %+v state = %v, want move", res, m.State())
	}
}

// Fault recovery walk: rejected SafeReset, then Safe, then Idle.
func TestSafeModeRecovery(t *testing.T) {
	m, _ := newMachine(t)
	m.SetFlags(allFlags())
	bootToIdle(t, m)

	m.ProcessEvent(Event{Kind: EventFaultDetected, Fault: FaultSensor})
	if m.State() != StateFault {
		t.Fatalf("state = %v, want fault", m.State())
	}

	// safety_verified is false: CurrentFault != None blocks it even
	// with every flag set.
	res := m.ProcessEvent(Event{Kind: EventSafeReset})
	if !res.Rejected {
		t.Fatalf("expected rejection while fault pending, got %+v", res)
	}

	// Clearing the fault restores the guard inputs.
	m.ProcessEvent(Event{Kind: EventFaultCleared})
	if m.State() != StateIdle {
		t.Fatalf("state = %v, want idle after FaultCleared", m.State())
	}

	// Re-inject and walk the Safe path: scrub the fault kind the way
	// the Orchestrator does once the underlying condition is gone,
	// then SafeReset twice.
	m.ProcessEvent(Event{Kind: EventFaultDetected, Fault: FaultSensor})
	m.SetCurrentFault(FaultNone)
	m.SetFlags(allFlags())
	res = m.ProcessEvent(Event{Kind: EventSafeReset})
	if !res.Applied || m.State() != StateSafe {
		t.Fatalf("SafeReset: %+v, state = %v, want safe", res, m.State())
	}
	res = m.ProcessEvent(Event{Kind: EventSafeReset})
	if !res.Applied || m.State() != StateIdle {
		t.Fatalf("second SafeReset: %+v, state = %v, want idle", res, m.State())
	}
}

func TestShutdownIsTerminal(t *testing.T) {
	m, _ := newMachine(t)
	m.SetFlags(allFlags())
	m.ProcessEvent(Event{Kind: EventShutdown})
	if m.State() != StateShutdown {
		t.Fatalf("state = %v, want shutdown", m.State())
	}
	dropped := m.DroppedEvents()
	m.ProcessEvent(Event{Kind: EventEStopTriggered})
	m.ProcessEvent(Event{Kind: EventBootComplete})
	if m.State() != StateShutdown {
		t.Fatalf("state = %v, want shutdown held", m.State())
	}
	if m.DroppedEvents() != dropped+2 {
		t.Fatalf("DroppedEvents = %d, want %d", m.DroppedEvents(), dropped+2)
	}
}

// No state with a configured timeout may be occupied longer than its
// timeout plus one tick.
func TestMoveTimeoutReturnsToIdle(t *testing.T) {
	m, clk := newMachine(t)
	bootToIdle(t, m)
	m.SetFlags(allFlags())
	m.ProcessEvent(Event{Kind: EventMoveCmd, Target: 100})
	if m.State() != StateMove {
		t.Fatalf("state = %v, want move", m.State())
	}

	tick := 10 * time.Millisecond
	deadline := 30*time.Second + tick
	var elapsed time.Duration
	for m.State() == StateMove && elapsed <= deadline {
		clk.Advance(tick)
		elapsed += tick
		m.Update()
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %v, want idle after timeout", m.State())
	}
	if elapsed > deadline {
		t.Fatalf("move occupied %v, want <= %v", elapsed, deadline)
	}
}

func TestTimeoutIgnoredWithoutRow(t *testing.T) {
	m, clk := newMachine(t)
	// Boot has a 10s timeout but no Timeout row: the synthesized event
	// is dropped and the state holds.
	clk.Advance(11 * time.Second)
	m.Update()
	if m.State() != StateBoot {
		t.Fatalf("state = %v, want boot", m.State())
	}
	if m.DroppedEvents() == 0 {
		t.Fatal("expected the synthesized Timeout to be counted as dropped")
	}
}

func TestPerStateTimeAccumulatesPerTransition(t *testing.T) {
	m, clk := newMachine(t)
	clk.Advance(2 * time.Second)
	m.ProcessEvent(Event{Kind: EventBootComplete})
	// Repeated Update calls in Init must not touch the Boot counter
	// again (per-transition accounting).
	for i := 0; i < 10; i++ {
		clk.Advance(time.Millisecond)
		m.Update()
	}
	if got := m.Snapshot().StateTimeUS[StateBoot]; got != (2 * time.Second).Microseconds() {
		t.Fatalf("StateTimeUS[boot] = %d, want %d", got, (2 * time.Second).Microseconds())
	}
}

func TestMoveEntryConsumesTargetValid(t *testing.T) {
	m, _ := newMachine(t)
	bootToIdle(t, m)
	m.SetFlags(allFlags())
	m.ProcessEvent(Event{Kind: EventMoveCmd, Target: 100})
	if m.Snapshot().TargetValid {
		t.Fatal("TargetValid survived entry into Move")
	}
	// A Pause/Resume round trip now needs re-validation.
	m.ProcessEvent(Event{Kind: EventPauseCmd})
	res := m.ProcessEvent(Event{Kind: EventResumeCmd})
	if !res.Rejected {
		t.Fatalf("Resume without re-validation: %+v, want rejection", res)
	}
	m.SetTargetValid(true)
	res = m.ProcessEvent(Event{Kind: EventResumeCmd})
	if !res.Applied || m.State() != StateMove {
		t.Fatalf("Resume after re-validation: %+v, state %v", res, m.State())
	}
}
