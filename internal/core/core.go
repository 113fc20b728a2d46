// Package core implements the Orchestrator: the single cooperative
// scheduler that binds the safety monitor, state machine, bus, drivers,
// control loop and network manager together on a fixed-period tick,
// routes events between them, and owns their lifetimes.
package core

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kimlam2010/OHT-V2-sub001/internal/bus"
	"github.com/kimlam2010/OHT-V2-sub001/internal/config"
	"github.com/kimlam2010/OHT-V2-sub001/internal/control"
	"github.com/kimlam2010/OHT-V2-sub001/internal/drivers"
	"github.com/kimlam2010/OHT-V2-sub001/internal/fsm"
	"github.com/kimlam2010/OHT-V2-sub001/internal/hal"
	"github.com/kimlam2010/OHT-V2-sub001/internal/modbus"
	"github.com/kimlam2010/OHT-V2-sub001/internal/modmgr"
	"github.com/kimlam2010/OHT-V2-sub001/internal/netlink"
	"github.com/kimlam2010/OHT-V2-sub001/internal/ohtclock"
	"github.com/kimlam2010/OHT-V2-sub001/internal/ohterr"
	"github.com/kimlam2010/OHT-V2-sub001/internal/registry"
	"github.com/kimlam2010/OHT-V2-sub001/internal/safety"
)

// Stats are the Orchestrator's own counters.
type Stats struct {
	Ticks           uint64
	MissedDeadlines uint64
	EStopCount      uint32
	RejectedEvents  uint32
	DroppedEvents   uint32
}

// Notification is one externally-visible event: a state change or a
// fault, enriched with a human-readable message.
type Notification struct {
	From, To fsm.State
	Event    fsm.Event
	Fault    fsm.FaultKind
	Message  string
}

// Subscriber receives notifications on the tick goroutine; it must not
// block.
type Subscriber func(Notification)

// Snapshot is a full copy of the system's externally-visible state.
type Snapshot struct {
	State   fsm.State
	Fault   fsm.FaultKind
	FSM     fsm.Context
	Safety  safety.Context
	Slaves  []registry.Descriptor
	Network []netlink.Interface
	Stats   Stats
}

// busAction is one scheduled unit of bus work against a single slave:
// a closure over the driver operation to run when the round-robin
// scheduler reaches that slave.
type busAction struct {
	name string
	run  func() error
}

// Orchestrator binds every subsystem. Construct with [New], drive with
// [Run] (or [Tick] directly in tests), stop with [Shutdown].
type Orchestrator struct {
	cfg   config.Config
	log   *log.Logger
	clock ohtclock.Clock
	hal   hal.HAL

	safety   *safety.Monitor
	machine  *fsm.Machine
	registry *registry.Registry
	network  *netlink.Manager
	modules  *modmgr.Manager
	loop     *control.Loop

	motor *drivers.Motor
	power *drivers.Power

	// Event queues: safety events pre-empt external commands. Both
	// bounded; SubmitEvent is the only cross-goroutine entry point,
	// hence the mutex.
	queueMu     sync.Mutex
	safetyQueue []fsm.Event
	cmdQueue    []fsm.Event

	// Per-slave FIFO action queues, serviced round-robin.
	busQueues map[uint8][]busAction
	busOrder  []uint8
	busNext   int

	subsMu sync.Mutex
	subs   map[int]Subscriber
	subSeq int

	// Duplicate-suppression for error logging: (component, kind) logged
	// at most once per second.
	lastLogged map[string]int64

	statsMu sync.Mutex
	stats   Stats

	shutdownMu        sync.Mutex
	shutdownRequested bool
}

// maxQueuedCommands bounds the external command queue; a full queue
// rejects instead of blocking the submitter.
const maxQueuedCommands = 32

// Deps carries the already-constructed collaborators New binds:
// resolved by main, injected here, never package-level globals.
type Deps struct {
	Clock    ohtclock.Clock
	HAL      hal.HAL
	Safety   *safety.Monitor
	Machine  *fsm.Machine
	Registry *registry.Registry
	Network  *netlink.Manager
	Modules  *modmgr.Manager
	Loop     *control.Loop
	Motor    *drivers.Motor
	Power    *drivers.Power
	Log      *log.Logger
}

// New wires the components together: it installs itself as each
// component's event callback and registers the state-change observer
// that drives LEDs and the control loop's emergency path.
func New(cfg config.Config, d Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d.Clock == nil || d.HAL == nil || d.Safety == nil || d.Machine == nil ||
		d.Registry == nil || d.Network == nil || d.Loop == nil {
		return nil, fmt.Errorf("core: missing dependency")
	}
	o := &Orchestrator{
		cfg:        cfg,
		log:        d.Log,
		clock:      d.Clock,
		hal:        d.HAL,
		safety:     d.Safety,
		machine:    d.Machine,
		registry:   d.Registry,
		network:    d.Network,
		modules:    d.Modules,
		loop:       d.Loop,
		motor:      d.Motor,
		power:      d.Power,
		busQueues:  make(map[uint8][]busAction),
		subs:       make(map[int]Subscriber),
		lastLogged: make(map[string]int64),
	}
	if o.log == nil {
		o.log = log.Default()
	}

	o.safety.SetEventCallback(o.onSafetyEvent)
	o.machine.SetChangeFunc(o.onStateChange)
	o.registry.SetEventCallback(o.onRegistryEvent)
	o.network.SetCallback(o.onNetworkEvent)
	return o, nil
}

// SubmitEvent enqueues an external command. It never blocks: a full
// queue or a terminal state rejects immediately.
func (o *Orchestrator) SubmitEvent(evt fsm.Event) error {
	if o.machine.State() == fsm.StateShutdown {
		return ohterr.New("core", "submit_event", ohterr.KindInvalidArgument,
			fmt.Errorf("system is shut down"))
	}
	o.queueMu.Lock()
	defer o.queueMu.Unlock()
	if len(o.cmdQueue) >= maxQueuedCommands {
		return ohterr.New("core", "submit_event", ohterr.KindInvalidArgument,
			fmt.Errorf("event queue full"))
	}
	o.cmdQueue = append(o.cmdQueue, evt)
	return nil
}

// Subscribe registers a notification fan-out handler and returns its
// unsubscribe function.
func (o *Orchestrator) Subscribe(fn Subscriber) func() {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	id := o.subSeq
	o.subSeq++
	o.subs[id] = fn
	return func() {
		o.subsMu.Lock()
		defer o.subsMu.Unlock()
		delete(o.subs, id)
	}
}

func (o *Orchestrator) publish(n Notification) {
	o.subsMu.Lock()
	handlers := make([]Subscriber, 0, len(o.subs))
	for _, fn := range o.subs {
		handlers = append(handlers, fn)
	}
	o.subsMu.Unlock()
	for _, fn := range handlers {
		fn(n)
	}
}

// Snapshot returns a copy of the whole externally-visible state.
func (o *Orchestrator) Snapshot() Snapshot {
	fctx := o.machine.Snapshot()
	o.statsMu.Lock()
	st := o.stats
	st.RejectedEvents = o.machine.RejectedEvents()
	st.DroppedEvents = o.machine.DroppedEvents()
	o.statsMu.Unlock()
	return Snapshot{
		State:   fctx.Current,
		Fault:   fctx.CurrentFault,
		FSM:     fctx,
		Safety:  o.safety.Snapshot(),
		Slaves:  o.registry.List(registry.AnyKind),
		Network: o.network.Snapshot(),
		Stats:   st,
	}
}

// ScheduleBusAction appends one named unit of bus work to a slave's FIFO
// queue; the tick's transaction phase services the queues round-robin.
func (o *Orchestrator) ScheduleBusAction(slave uint8, name string, run func() error) {
	if _, known := o.busQueues[slave]; !known {
		o.busOrder = append(o.busOrder, slave)
	}
	o.busQueues[slave] = append(o.busQueues[slave], busAction{name, run})
}

// callback plumbing ---------------------------------------------------

func (o *Orchestrator) onSafetyEvent(evt safety.Event, st safety.EStopState, fault fsm.FaultKind) {
	switch evt {
	case safety.EventTriggered:
		o.queueMu.Lock()
		o.safetyQueue = append(o.safetyQueue, fsm.Event{Kind: fsm.EventEStopTriggered})
		o.queueMu.Unlock()
		o.statsMu.Lock()
		o.stats.EStopCount++
		o.statsMu.Unlock()
	case safety.EventFaultDetected:
		o.queueMu.Lock()
		o.safetyQueue = append(o.safetyQueue, fsm.Event{Kind: fsm.EventFaultDetected, Fault: fault})
		o.queueMu.Unlock()
	case safety.EventFaultCleared:
		// The hardware-side fault is verifiably gone; scrub the FSM's
		// record so safety_verified can admit the Safe transition.
		o.machine.SetCurrentFault(fsm.FaultNone)
	}
}

func (o *Orchestrator) onRegistryEvent(evt registry.Event, addr uint8, desc *registry.Descriptor) {
	if evt != registry.EventOffline {
		return
	}
	// A slave going offline is a persistent communication failure:
	// route it into the FSM.
	o.queueMu.Lock()
	o.safetyQueue = append(o.safetyQueue, fsm.Event{Kind: fsm.EventFaultDetected, Fault: fsm.FaultCommunication})
	o.queueMu.Unlock()
	o.logLimited("registry", "offline", "registry: slave 0x%02x offline", addr)
}

func (o *Orchestrator) onNetworkEvent(evt netlink.Event, id string) {
	switch evt {
	case netlink.EventFailoverCompleted:
		o.log.Printf("netlink: failover completed, active=%s", id)
	case netlink.EventPrimaryRestored:
		o.log.Printf("netlink: primary restored, active=%s", id)
	case netlink.EventHealthCheckFailed:
		o.logLimited("netlink", "health", "netlink: health check failed on %s", id)
	}
}

// onStateChange runs the entry effects delegated to the Orchestrator:
// zeroing the control output on EStop/Fault/Shutdown,
// commanding the motor's emergency stop, and driving the LED pattern.
// Bus work is enqueued, never performed inline.
func (o *Orchestrator) onStateChange(from, to fsm.State, evt fsm.Event) {
	switch to {
	case fsm.StateEStop:
		o.loop.EmergencyStop()
		o.hal.SetRelay(hal.Relay1, false)
		o.hal.SetRelay(hal.Relay2, false)
		if o.motor != nil {
			o.ScheduleBusAction(o.motor.Address, "emergency_stop", o.motor.EmergencyStop)
		}
		if o.power != nil {
			o.ScheduleBusAction(o.power.Address, "emergency_shutdown", o.power.EmergencyShutdown)
		}
	case fsm.StateFault, fsm.StateShutdown:
		o.loop.EmergencyStop()
		o.hal.SetRelay(hal.Relay1, false)
		o.hal.SetRelay(hal.Relay2, false)
		if to == fsm.StateShutdown && o.motor != nil {
			o.ScheduleBusAction(o.motor.Address, "stop", o.motor.Stop)
		}
	case fsm.StateMove:
		o.loop.SetMode(control.ModePosition)
		// A resume re-enters Move with no payload; the previous target
		// stands.
		if evt.Kind == fsm.EventMoveCmd {
			o.loop.SetTarget(float64(evt.Target))
			if o.motor != nil {
				target, vel, accel := evt.Target, evt.Velocity, evt.Accel
				o.ScheduleBusAction(o.motor.Address, "move_to", func() error {
					return o.motor.MoveTo(target, vel, accel)
				})
			}
		}
	case fsm.StateDock:
		o.loop.SetMode(control.ModePosition)
	case fsm.StateIdle:
		o.loop.SetMode(control.ModeIdle)
		// The interlock relay is energized whenever the system sits in
		// a state movement may be commanded from.
		o.hal.SetRelay(hal.Relay1, true)
	}
	o.applyLEDs(to)

	n := Notification{From: from, To: to, Event: evt}
	if to == fsm.StateFault || to == fsm.StateEStop {
		n.Fault = o.machine.Snapshot().CurrentFault
		n.Message = fmt.Sprintf("fault: %v", n.Fault)
	} else {
		n.Message = fmt.Sprintf("state: %v -> %v", from, to)
	}
	o.publish(n)
}

// ledPatterns is the fixed per-state LED table.
var ledPatterns = map[fsm.State][5]hal.LEDPattern{
	//                    Power             System            Comm              Network     Error
	fsm.StateBoot:     {hal.LEDBlinkFast, hal.LEDBlinkFast, hal.LEDOff, hal.LEDOff, hal.LEDOff},
	fsm.StateInit:     {hal.LEDBlinkSlow, hal.LEDBlinkSlow, hal.LEDOff, hal.LEDOff, hal.LEDOff},
	fsm.StateIdle:     {hal.LEDOn, hal.LEDOn, hal.LEDBlinkSlow, hal.LEDOn, hal.LEDOff},
	fsm.StateMove:     {hal.LEDOn, hal.LEDBlinkFast, hal.LEDOn, hal.LEDOn, hal.LEDOff},
	fsm.StatePaused:   {hal.LEDOn, hal.LEDPulse, hal.LEDOn, hal.LEDOn, hal.LEDOff},
	fsm.StateDock:     {hal.LEDOn, hal.LEDPulse, hal.LEDOn, hal.LEDOn, hal.LEDOff},
	fsm.StateConfig:   {hal.LEDOn, hal.LEDBlinkSlow, hal.LEDBlinkSlow, hal.LEDOn, hal.LEDOff},
	fsm.StateFault:    {hal.LEDOn, hal.LEDOff, hal.LEDOff, hal.LEDOff, hal.LEDBlinkFast},
	fsm.StateEStop:    {hal.LEDOn, hal.LEDOff, hal.LEDOff, hal.LEDOff, hal.LEDOn},
	fsm.StateSafe:     {hal.LEDOn, hal.LEDOn, hal.LEDOff, hal.LEDOff, hal.LEDBlinkSlow},
	fsm.StateShutdown: {hal.LEDBlinkSlow, hal.LEDOff, hal.LEDOff, hal.LEDOff, hal.LEDOff},
}

func (o *Orchestrator) applyLEDs(s fsm.State) {
	pat, ok := ledPatterns[s]
	if !ok {
		return
	}
	ids := [5]hal.LEDID{hal.LEDPower, hal.LEDSystem, hal.LEDCommunication, hal.LEDNetwork, hal.LEDError}
	for i, id := range ids {
		if err := o.hal.SetLED(id, pat[i]); err != nil {
			o.logLimited("hal", "led", "hal: set led %d: %v", id, err)
		}
	}
}

// tick phases ---------------------------------------------------------

// Tick runs the seven scheduler phases once. Exported so tests can
// drive the system deterministically with a fake clock.
func (o *Orchestrator) Tick() {
	o.statsMu.Lock()
	o.stats.Ticks++
	o.statsMu.Unlock()

	// 1. Safety poll. Its callback pushes EStopTriggered/FaultDetected
	// into the priority queue drained in phase 2.
	if err := o.safety.Update(); err != nil {
		o.logLimited("safety", "update", "safety: %v", err)
	}
	o.refreshGuards()

	// 2+3. Drain the priority queue — safety events first — bounded per
	// tick, processing each through the FSM.
	for _, evt := range o.drainEvents() {
		res := o.machine.ProcessEvent(evt)
		if res.Rejected {
			o.logLimited("fsm", "rejected", "fsm: event %v rejected by guard %s in %v", evt.Kind, res.Reason, res.From)
		}
	}

	// Per-state timeout check (synthesizes Timeout internally).
	o.machine.Update()

	// 4. At most one bus transaction, round-robin across slaves.
	o.runOneBusAction()

	// 5. Control loop, only while motion is active. An empty motor
	// queue gets a state poll scheduled so feedback keeps flowing.
	switch o.machine.State() {
	case fsm.StateMove, fsm.StateDock:
		if o.motor != nil && len(o.busQueues[o.motor.Address]) == 0 {
			o.PollMotor()
		}
		dt := o.cfg.Orchestrator.TickPeriod.Seconds()
		var pos, vel float64
		if o.motor != nil {
			// Feedback from the last polled motor state; the poll
			// itself is scheduled bus work.
			data := o.motor.LastData()
			pos, vel = float64(data.CurrentPosition), float64(data.CurrentVelocity)
		}
		o.loop.Update(pos, vel, dt)
	}

	// 6. One network health slot.
	o.network.Update()

	// 7. Statistics upkeep: module health pacing, stale-slave expiry,
	// LED phase refresh.
	if o.modules != nil {
		o.modules.Update(o)
	}
	o.registry.ExpireStale()
	if err := o.hal.Animate(o.clock.NowUS()); err != nil {
		o.logLimited("hal", "animate", "hal: %v", err)
	}
}

// PollMotor schedules one motor state read; its edge events are routed
// into the FSM when they arrive.
func (o *Orchestrator) PollMotor() {
	if o.motor == nil {
		return
	}
	o.ScheduleBusAction(o.motor.Address, "read_state", func() error {
		_, evt, err := o.motor.ReadState()
		if err != nil {
			return err
		}
		if evt == drivers.MotorEventFault {
			o.queueMu.Lock()
			o.safetyQueue = append(o.safetyQueue, fsm.Event{Kind: fsm.EventFaultDetected, Fault: fsm.FaultMotor})
			o.queueMu.Unlock()
		}
		return nil
	})
}

// drainEvents pops up to MaxEventsPerTick events, safety queue first.
func (o *Orchestrator) drainEvents() []fsm.Event {
	o.queueMu.Lock()
	defer o.queueMu.Unlock()
	limit := o.cfg.Orchestrator.MaxEventsPerTick
	out := make([]fsm.Event, 0, limit)
	for len(out) < limit && len(o.safetyQueue) > 0 {
		out = append(out, o.safetyQueue[0])
		o.safetyQueue = o.safetyQueue[1:]
	}
	for len(out) < limit && len(o.cmdQueue) > 0 {
		out = append(out, o.cmdQueue[0])
		o.cmdQueue = o.cmdQueue[1:]
	}
	return out
}

// refreshGuards recomputes the FSM guard flags from live component
// state. Target validity is sticky once set by a validated command, so
// it is preserved.
func (o *Orchestrator) refreshGuards() {
	ctx := o.machine.Snapshot()
	commsOK := o.registry.CountOnline() > 0
	mandatoryOK := o.modules == nil || o.modules.MandatoryOK()
	o.machine.SetEStopTriggered(o.safety.State() != safety.StateSafe)
	o.machine.SetFlags(fsm.Flags{
		SystemReady: commsOK && mandatoryOK && o.safety.IsSafe(),
		SafetyOK:    o.safety.IsSafe(),
		CommsOK:     commsOK,
		SensorsOK:   o.safety.CurrentFault() != fsm.FaultSensor,
		LocationOK:  ctx.LocationOK,
		TargetValid: ctx.TargetValid,
	})
}

// SetLocationOK lets the position-tracking collaborator mark the
// current location as known-good; the move_ready guard requires it.
func (o *Orchestrator) SetLocationOK(ok bool) {
	ctx := o.machine.Snapshot()
	o.machine.SetFlags(fsm.Flags{
		SystemReady: ctx.SystemReady,
		SafetyOK:    ctx.SafetyOK,
		CommsOK:     ctx.CommsOK,
		SensorsOK:   ctx.SensorsOK,
		LocationOK:  ok,
		TargetValid: ctx.TargetValid,
	})
}

// ValidateMoveTarget pre-validates a motion target and sets the
// target_valid guard accordingly; a MoveCmd submitted without prior
// validation is rejected by the move_ready guard.
func (o *Orchestrator) ValidateMoveTarget(position, velocity, accel int32) error {
	c := o.cfg.Control
	if position < int32(c.PositionMin) || position > int32(c.PositionMax) {
		o.machine.SetTargetValid(false)
		return ohterr.New("core", "validate_move", ohterr.KindInvalidArgument,
			fmt.Errorf("position %d outside [%d,%d]", position, c.PositionMin, c.PositionMax))
	}
	if velocity <= 0 || velocity > int32(c.VelocityMax) {
		o.machine.SetTargetValid(false)
		return ohterr.New("core", "validate_move", ohterr.KindInvalidArgument,
			fmt.Errorf("velocity %d outside (0,%d]", velocity, c.VelocityMax))
	}
	o.machine.SetTargetValid(true)
	return nil
}

// runOneBusAction services the next non-empty slave queue in
// round-robin order: per-slave FIFO, interleaved across slaves.
func (o *Orchestrator) runOneBusAction() {
	for range o.busOrder {
		slave := o.busOrder[o.busNext%len(o.busOrder)]
		o.busNext++
		q := o.busQueues[slave]
		if len(q) == 0 {
			continue
		}
		action := q[0]
		o.busQueues[slave] = q[1:]
		if err := action.run(); err != nil {
			o.logLimited("bus", action.name, "bus: %s on 0x%02x: %v", action.name, slave, err)
			if ohterr.KindOf(err) == ohterr.KindCommunicationFault {
				o.registry.MarkOffline(slave)
			}
		}
		return
	}
}

// logLimited logs with (component, kind) duplicate-suppression inside
// a 1-second window.
func (o *Orchestrator) logLimited(component, kind, format string, args ...any) {
	key := component + "/" + kind
	now := o.clock.NowUS()
	if last, ok := o.lastLogged[key]; ok && now-last < time.Second.Microseconds() {
		return
	}
	o.lastLogged[key] = now
	o.log.Printf(format, args...)
}

// run loop ------------------------------------------------------------

// Shutdown requests a cooperative stop: the current tick completes, the
// FSM is driven to Shutdown, and Run returns within the grace period.
func (o *Orchestrator) Shutdown() {
	o.shutdownMu.Lock()
	o.shutdownRequested = true
	o.shutdownMu.Unlock()
}

func (o *Orchestrator) shutdownPending() bool {
	o.shutdownMu.Lock()
	defer o.shutdownMu.Unlock()
	return o.shutdownRequested
}

// Run drives the tick loop until ctx is cancelled or Shutdown is
// called. The schedule is deadline-driven: each tick's deadline is the
// previous deadline plus the period; a missed deadline is counted and
// the schedule re-anchored, never "caught up" with burst ticks.
func (o *Orchestrator) Run(ctx context.Context) error {
	period := o.cfg.Orchestrator.TickPeriod
	deadline := time.Now().Add(period)
	for {
		if ctx.Err() != nil || o.shutdownPending() {
			break
		}
		o.Tick()
		if o.machine.State() == fsm.StateShutdown {
			break
		}
		now := time.Now()
		if now.After(deadline) {
			o.statsMu.Lock()
			o.stats.MissedDeadlines++
			o.statsMu.Unlock()
			deadline = now.Add(period)
			continue
		}
		o.clock.Sleep(deadline.Sub(now))
		deadline = deadline.Add(period)
	}

	// Drive the FSM to Shutdown and give in-flight bus work the grace
	// period to settle.
	o.machine.ProcessEvent(fsm.Event{Kind: fsm.EventShutdown})
	graceTicks := int(o.cfg.Orchestrator.ShutdownGrace / period)
	for i := 0; i < graceTicks; i++ {
		o.runOneBusAction()
		o.clock.Sleep(period)
	}
	o.applyLEDs(fsm.StateShutdown)
	o.log.Printf("core: shutdown complete after %d ticks", o.stats.Ticks)
	return nil
}

// WorkerTransactor adapts the bus worker's asynchronous request/response
// channel to the synchronous [drivers.Transactor] the module drivers
// consume: encode, submit, wait for the reply, decode. One scratch
// buffer is reused across calls.
type WorkerTransactor struct {
	Worker *bus.Worker
	Cfg    config.Bus

	mu      sync.Mutex
	scratch [modbus.MaxFrameLength]byte
}

// Do executes one Modbus transaction through the worker goroutine. The
// mutex pairs each submitted request with its reply when the startup
// discovery sweep and the tick loop overlap.
func (t *WorkerTransactor) Do(req modbus.Request) (modbus.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	frame, err := modbus.EncodeRequest(t.scratch[:], req)
	if err != nil {
		return modbus.Response{}, err
	}
	ok := t.Worker.Submit(bus.Request{
		Slave:          req.Slave,
		Frame:          frame,
		MaxReply:       modbus.MaxFrameLength,
		AttemptTimeout: t.Cfg.PerRequestTimeout,
		MaxRetries:     t.Cfg.MaxRetries,
		RetryDelay:     t.Cfg.RetryDelay,
	})
	if !ok {
		return modbus.Response{}, ohterr.New("bus", "submit", ohterr.KindTimeout,
			fmt.Errorf("bus queue full"))
	}
	res := <-t.Worker.Results()
	if res.Err != nil {
		return modbus.Response{}, ohterr.New("bus", "transact", ohterr.KindCommunicationFault, res.Err)
	}
	return modbus.Decode(res.Reply, req)
}
