// Package fsm implements the top-level system state machine: an
// 11-state, event-driven machine with a table-driven transition set,
// named guard predicates, per-state timeouts and per-transition
// statistics. The machine owns its context exclusively; the
// Orchestrator feeds it events and reads typed snapshots.
package fsm

import (
	"fmt"
	"time"

	"github.com/kimlam2010/OHT-V2-sub001/internal/config"
	"github.com/kimlam2010/OHT-V2-sub001/internal/ohtclock"
)

// State is one of the 11 top-level system states.
type State int

const (
	StateBoot State = iota
	StateInit
	StateIdle
	StateMove
	StatePaused
	StateDock
	StateConfig
	StateFault
	StateEStop
	StateSafe
	StateShutdown
	stateCount
)

// anyState is the wildcard source used by "any → X" table rows. It is
// never a value of Context.Current.
const anyState State = -1

func (s State) String() string {
	switch s {
	case StateBoot:
		return "boot"
	case StateInit:
		return "init"
	case StateIdle:
		return "idle"
	case StateMove:
		return "move"
	case StatePaused:
		return "paused"
	case StateDock:
		return "dock"
	case StateConfig:
		return "config"
	case StateFault:
		return "fault"
	case StateEStop:
		return "estop"
	case StateSafe:
		return "safe"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FaultKind classifies a detected fault.
type FaultKind int

const (
	FaultNone FaultKind = iota
	FaultEStop
	FaultCommunication
	FaultSensor
	FaultMotor
	FaultPower
	FaultSoftware
	FaultHardware
)

func (k FaultKind) String() string {
	switch k {
	case FaultEStop:
		return "estop"
	case FaultCommunication:
		return "communication"
	case FaultSensor:
		return "sensor"
	case FaultMotor:
		return "motor"
	case FaultPower:
		return "power"
	case FaultSoftware:
		return "software"
	case FaultHardware:
		return "hardware"
	default:
		return "none"
	}
}

// EventKind discriminates system events.
type EventKind int

const (
	EventNone EventKind = iota
	EventBootComplete
	EventInitComplete
	EventMoveCmd
	EventDockCmd
	EventStopCmd
	EventPauseCmd
	EventResumeCmd
	EventConfigCmd
	EventConfigComplete
	EventConfigFailed
	EventEStopTriggered
	EventEStopReset
	EventSafeReset
	EventFaultDetected
	EventFaultCleared
	EventShutdown
	EventTimeout
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventBootComplete:
		return "boot_complete"
	case EventInitComplete:
		return "init_complete"
	case EventMoveCmd:
		return "move_cmd"
	case EventDockCmd:
		return "dock_cmd"
	case EventStopCmd:
		return "stop_cmd"
	case EventPauseCmd:
		return "pause_cmd"
	case EventResumeCmd:
		return "resume_cmd"
	case EventConfigCmd:
		return "config_cmd"
	case EventConfigComplete:
		return "config_complete"
	case EventConfigFailed:
		return "config_failed"
	case EventEStopTriggered:
		return "estop_triggered"
	case EventEStopReset:
		return "estop_reset"
	case EventSafeReset:
		return "safe_reset"
	case EventFaultDetected:
		return "fault_detected"
	case EventFaultCleared:
		return "fault_cleared"
	case EventShutdown:
		return "shutdown"
	case EventTimeout:
		return "timeout"
	case EventError:
		return "error"
	default:
		return "none"
	}
}

// Event is one system event plus its typed payload. Only the fields
// relevant to Kind are meaningful: Fault for EventFaultDetected,
// Target/Velocity/Accel for EventMoveCmd, Config for EventConfigCmd.
type Event struct {
	Kind     EventKind
	Fault    FaultKind
	Target   int32
	Velocity int32
	Accel    int32
	Config   []byte
}

// Context is the live FSM state bundle, exclusively owned by
// [*Machine]. Snapshots returned by [Machine.Snapshot] are copies.
type Context struct {
	Current, Previous State
	LastEvent         Event
	CurrentFault      FaultKind
	EnteredAtUS       int64
	TransitionCount   uint32

	// Guard flags, set by the Orchestrator as it observes the rest of
	// the system.
	SystemReady bool
	SafetyOK    bool
	CommsOK     bool
	SensorsOK   bool
	LocationOK  bool
	TargetValid bool

	// EStopTriggered latches while the safety monitor holds the system
	// in an emergency stop; cleared by the reset transitions out of
	// EStop.
	EStopTriggered bool

	// StateTimeUS accumulates time spent per state, updated on each
	// transition.
	StateTimeUS [stateCount]int64
}

// Guard is a named predicate over the context. Naming the guards keeps
// the table readable and lets a rejected event report which guard
// refused it.
type Guard struct {
	Name string
	Fn   func(*Context) bool
}

// The named guards used by the transition table.
var (
	guardAlways = Guard{"always", func(*Context) bool { return true }}

	guardSafetyOK = Guard{"safety_ok", func(c *Context) bool { return c.SafetyOK }}

	guardSystemReady = Guard{"system_ready", func(c *Context) bool {
		return c.SystemReady && c.SafetyOK && c.CommsOK && c.SensorsOK && c.CurrentFault == FaultNone
	}}

	guardNoFault = Guard{"no_fault", func(c *Context) bool { return c.CurrentFault == FaultNone }}

	guardMoveReady = Guard{"move_ready", func(c *Context) bool {
		return c.SafetyOK && c.LocationOK && c.TargetValid
	}}

	guardSafetyVerified = Guard{"safety_verified", func(c *Context) bool {
		return c.SafetyOK && c.CommsOK && c.SensorsOK && !c.EStopTriggered && c.CurrentFault == FaultNone
	}}
)

// Transition is one immutable row of the table: on event On in state
// From, move to To if Guard holds.
type Transition struct {
	From  State
	On    EventKind
	To    State
	Guard Guard
}

// transitionTable is the single source of truth for state changes,
// validated at construction for (state, event) uniqueness. Specific
// rows come before wildcard rows; the first matching row whose guard
// holds fires.
var transitionTable = []Transition{
	{StateBoot, EventBootComplete, StateInit, guardAlways},
	{StateInit, EventInitComplete, StateIdle, guardAlways},

	{StateIdle, EventMoveCmd, StateMove, guardMoveReady},
	{StateIdle, EventDockCmd, StateDock, guardSafetyOK},
	{StateIdle, EventConfigCmd, StateConfig, guardSafetyOK},

	{StateMove, EventPauseCmd, StatePaused, guardAlways},
	{StateMove, EventStopCmd, StateIdle, guardAlways},
	{StateMove, EventDockCmd, StateDock, guardSafetyOK},
	{StateMove, EventTimeout, StateIdle, guardAlways},

	{StatePaused, EventResumeCmd, StateMove, guardMoveReady},
	{StatePaused, EventStopCmd, StateIdle, guardAlways},
	{StatePaused, EventTimeout, StateIdle, guardAlways},

	{StateDock, EventStopCmd, StateIdle, guardAlways},
	{StateDock, EventMoveCmd, StateMove, guardMoveReady},
	{StateDock, EventTimeout, StateIdle, guardAlways},

	{StateConfig, EventConfigComplete, StateIdle, guardAlways},
	{StateConfig, EventConfigFailed, StateFault, guardAlways},
	{StateConfig, EventTimeout, StateIdle, guardAlways},

	{StateEStop, EventEStopReset, StateIdle, guardNoFault},
	{StateEStop, EventSafeReset, StateSafe, guardSafetyVerified},
	// A fault surfacing while stopped still needs recording and a
	// recovery path; the emergency latch itself stays with the safety
	// monitor, not the state.
	{StateEStop, EventFaultDetected, StateFault, guardAlways},

	{StateFault, EventFaultCleared, StateIdle, guardAlways},
	{StateFault, EventSafeReset, StateSafe, guardSafetyVerified},

	{StateSafe, EventSafeReset, StateIdle, guardSystemReady},

	{anyState, EventEStopTriggered, StateEStop, guardAlways},
	{anyState, EventFaultDetected, StateFault, guardAlways},
	{anyState, EventShutdown, StateShutdown, guardAlways},
}

// Result reports what [Machine.ProcessEvent] did with an event.
type Result struct {
	// Applied is true when a transition fired.
	Applied bool
	// Rejected is true when a row matched but its guard refused; the
	// guard's name is in Reason. The state is unchanged.
	Rejected bool
	Reason   string
	From, To State
}

// ChangeFunc observes applied transitions. It runs synchronously on the
// caller's goroutine and must not block.
type ChangeFunc func(from, to State, evt Event)

// Machine is the table-driven FSM. Not safe for concurrent use; the
// Orchestrator is its only caller.
type Machine struct {
	clock    ohtclock.Clock
	ctx      Context
	timeouts [stateCount]time.Duration

	droppedEvents  uint32
	rejectedEvents uint32

	onChange ChangeFunc
}

// New builds a machine in StateBoot. It validates the transition table
// once: duplicate (from, event) rows are a construction error, keeping
// the table the single source of truth.
func New(clock ohtclock.Clock, cfg config.FSM) (*Machine, error) {
	seen := make(map[[2]int]bool, len(transitionTable))
	for _, row := range transitionTable {
		key := [2]int{int(row.From), int(row.On)}
		if seen[key] {
			return nil, fmt.Errorf("fsm: duplicate transition row (%v, %v)", row.From, row.On)
		}
		seen[key] = true
	}
	m := &Machine{clock: clock}
	m.timeouts[StateBoot] = time.Duration(cfg.BootTimeoutMS) * time.Millisecond
	m.timeouts[StateInit] = time.Duration(cfg.InitTimeoutMS) * time.Millisecond
	m.timeouts[StateMove] = time.Duration(cfg.MoveTimeoutMS) * time.Millisecond
	m.timeouts[StatePaused] = time.Duration(cfg.PausedTimeoutMS) * time.Millisecond
	m.timeouts[StateDock] = time.Duration(cfg.DockTimeoutMS) * time.Millisecond
	m.timeouts[StateConfig] = time.Duration(cfg.ConfigTimeoutMS) * time.Millisecond
	m.ctx.Current = StateBoot
	m.ctx.EnteredAtUS = clock.NowUS()
	return m, nil
}

// SetChangeFunc installs the single state-change observer.
func (m *Machine) SetChangeFunc(fn ChangeFunc) { m.onChange = fn }

// Snapshot returns a copy of the live context, never a pointer into
// owned state.
func (m *Machine) Snapshot() Context { return m.ctx }

// State returns the current state.
func (m *Machine) State() State { return m.ctx.Current }

// DroppedEvents and RejectedEvents expose the event-accounting
// counters.
func (m *Machine) DroppedEvents() uint32  { return m.droppedEvents }
func (m *Machine) RejectedEvents() uint32 { return m.rejectedEvents }

// Flags bundles the guard inputs the Orchestrator refreshes every tick.
type Flags struct {
	SystemReady bool
	SafetyOK    bool
	CommsOK     bool
	SensorsOK   bool
	LocationOK  bool
	TargetValid bool
}

// SetFlags replaces all guard flags at once.
func (m *Machine) SetFlags(f Flags) {
	m.ctx.SystemReady = f.SystemReady
	m.ctx.SafetyOK = f.SafetyOK
	m.ctx.CommsOK = f.CommsOK
	m.ctx.SensorsOK = f.SensorsOK
	m.ctx.LocationOK = f.LocationOK
	m.ctx.TargetValid = f.TargetValid
}

// SetTargetValid marks the pending motion target as validated (or not);
// entry into Move/Dock consumes it.
func (m *Machine) SetTargetValid(ok bool) { m.ctx.TargetValid = ok }

// SetEStopTriggered mirrors the safety monitor's trigger latch into the
// context; the safety_verified guard refuses Safe entry while it holds.
func (m *Machine) SetEStopTriggered(on bool) { m.ctx.EStopTriggered = on }

// SetCurrentFault overwrites the recorded fault kind. The Orchestrator
// calls it with FaultNone once the underlying condition is verifiably
// gone, which is what lets the safety_verified guard admit Fault → Safe.
func (m *Machine) SetCurrentFault(k FaultKind) { m.ctx.CurrentFault = k }

// ProcessEvent runs one event through the table. Shutdown is terminal:
// every event is dropped there. If a row matches (from, event) but its
// guard refuses, the event is rejected and the state unchanged; if no
// row matches at all, the event is dropped and counted.
func (m *Machine) ProcessEvent(evt Event) Result {
	if m.ctx.Current == StateShutdown {
		m.droppedEvents++
		return Result{From: StateShutdown, To: StateShutdown}
	}

	// The fault kind travels with the event even when the state holds
	// (EStop absorbing a FaultDetected still records what went wrong).
	if evt.Kind == EventFaultDetected && evt.Fault != FaultNone {
		m.ctx.CurrentFault = evt.Fault
	}

	var refused *Transition
	for i := range transitionTable {
		row := &transitionTable[i]
		if row.On != evt.Kind {
			continue
		}
		if row.From != m.ctx.Current && row.From != anyState {
			continue
		}
		if !row.Guard.Fn(&m.ctx) {
			if refused == nil {
				refused = row
			}
			continue
		}
		from := m.ctx.Current
		m.apply(row, evt)
		return Result{Applied: true, From: from, To: row.To}
	}

	if refused != nil {
		m.rejectedEvents++
		return Result{
			Rejected: true,
			Reason:   refused.Guard.Name,
			From:     m.ctx.Current,
			To:       m.ctx.Current,
		}
	}
	m.droppedEvents++
	return Result{From: m.ctx.Current, To: m.ctx.Current}
}

// apply fires one transition: exit effects, bookkeeping, entry
// effects, then the observer callback.
func (m *Machine) apply(row *Transition, evt Event) {
	now := m.clock.NowUS()
	from := m.ctx.Current

	// Exit effects and per-state time accounting (per-transition).
	m.ctx.StateTimeUS[from] += now - m.ctx.EnteredAtUS

	m.ctx.Previous = from
	m.ctx.Current = row.To
	m.ctx.LastEvent = evt
	m.ctx.EnteredAtUS = now
	m.ctx.TransitionCount++

	// Entry effects: guard-flag updates only; bus I/O and LED
	// driving belong to the Orchestrator, which observes the change.
	switch row.To {
	case StateInit:
		// Initialization starts from a clean slate; every readiness
		// flag must be re-established before the system may leave Idle
		// for motion.
		m.ctx.SystemReady = false
		m.ctx.SafetyOK = false
		m.ctx.CommsOK = false
		m.ctx.SensorsOK = false
		m.ctx.LocationOK = false
	case StateMove, StateDock:
		// Positional validity is consumed by entering the state; a new
		// command must re-validate.
		m.ctx.TargetValid = false
	case StateEStop:
		// The estop_triggered flag latches here and is released by the
		// Orchestrator once the safety monitor reports Safe again; the
		// fault kind stays None so EStopReset's no_fault guard can pass
		// after a clean physical reset.
		m.ctx.EStopTriggered = true
	case StateFault:
		if evt.Kind == EventFaultDetected && evt.Fault != FaultNone {
			m.ctx.CurrentFault = evt.Fault
		}
	case StateIdle, StateSafe:
		if evt.Kind == EventEStopReset || evt.Kind == EventSafeReset || evt.Kind == EventFaultCleared {
			m.ctx.EStopTriggered = false
			m.ctx.CurrentFault = FaultNone
		}
	}

	if m.onChange != nil {
		m.onChange(from, row.To, evt)
	}
}

// Update performs the per-tick timeout check: when the current
// state has a configured timeout and it has expired, a Timeout event is
// synthesized and processed through the normal table. States without a
// Timeout row simply drop it.
func (m *Machine) Update() {
	t := m.timeouts[m.ctx.Current]
	if t <= 0 {
		return
	}
	if m.clock.NowUS()-m.ctx.EnteredAtUS >= t.Microseconds() {
		m.ProcessEvent(Event{Kind: EventTimeout})
	}
}
