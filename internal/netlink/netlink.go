// Package netlink implements the network link manager: up to four
// prioritized uplink interfaces, per-interface health probing, and
// automatic failover arbitration with primary restore.
//
// Probing is paced one interface slot per update, keeping the
// Orchestrator's tick bounded no matter how many interfaces are
// configured.
package netlink

import (
	"fmt"
	"time"

	"github.com/kimlam2010/OHT-V2-sub001/internal/config"
	"github.com/kimlam2010/OHT-V2-sub001/internal/ohtclock"
)

// Kind is the physical flavor of an uplink.
type Kind int

const (
	KindEthernet Kind = iota
	KindWiFi
	KindCellular
	KindVPN
)

func (k Kind) String() string {
	switch k {
	case KindEthernet:
		return "ethernet"
	case KindWiFi:
		return "wifi"
	case KindCellular:
		return "cellular"
	case KindVPN:
		return "vpn"
	default:
		return "unknown"
	}
}

// Priority orders interfaces for arbitration; lower values win.
type Priority int

const (
	PriorityPrimary Priority = iota
	PrioritySecondary
	PriorityBackup
	PriorityEmergency
)

// IfState is the per-interface failover state.
type IfState int

const (
	IfDisconnected IfState = iota
	IfConnecting
	IfConnected
	IfFailed
	IfDisabled
	IfMaintenance
)

func (s IfState) String() string {
	switch s {
	case IfConnecting:
		return "connecting"
	case IfConnected:
		return "connected"
	case IfFailed:
		return "failed"
	case IfDisabled:
		return "disabled"
	case IfMaintenance:
		return "maintenance"
	default:
		return "disconnected"
	}
}

// Mode is the manager's arbitration mode.
type Mode int

const (
	ModeAuto Mode = iota
	ModeManual
	ModeDisabled
)

// Event is one of the manager's notifications.
type Event int

const (
	EventInterfaceConnected Event = iota
	EventInterfaceDisconnected
	EventInterfaceFailed
	EventFailoverStarted
	EventFailoverCompleted
	EventFailoverFailed
	EventHealthCheckFailed
	EventPrimaryRestored
	EventConfigurationChanged
)

// Callback receives (event, interface id). Synchronous, must not block.
type Callback func(evt Event, ifaceID string)

// MaxInterfaces bounds the interface table.
const MaxInterfaces = 4

// Interface is one uplink's public state.
type Interface struct {
	ID            string
	Kind          Kind
	Priority      Priority
	Enabled       bool
	State         IfState
	HealthPct     int
	FailoverCount uint32
	LastCheckUS   int64
}

// iface is the manager's private per-interface record: the public
// Interface plus arbitration timers.
type iface struct {
	Interface
	// belowSinceUS is when health first dropped below the failover
	// threshold; 0 while healthy.
	belowSinceUS int64
	// healthySinceUS is when sustained health began; 0 while unhealthy.
	// Drives the primary-restore hold.
	healthySinceUS int64
}

// ProbeResult is one health check's raw observation.
type ProbeResult struct {
	CarrierUp bool
	// GatewayReachable is whether the ICMP echo got an answer; only
	// meaningful when the prober attempted one.
	GatewayReachable bool
	LatencyMS        float64
	LossPct          float64
}

// Prober resolves one interface's link health. Production code uses
// [*SystemProber]; tests substitute a fake.
type Prober interface {
	Probe(ifaceID string) (ProbeResult, error)
}

// Stats aggregates the manager's counters.
type Stats struct {
	ChecksRun      uint64
	ChecksFailed   uint64
	FailoverCount  uint32
	RestoreCount   uint32
	LastFailoverUS int64
}

// Manager owns the link context exclusively. Not safe for
// concurrent use; the Orchestrator is its only caller.
type Manager struct {
	clock  ohtclock.Clock
	prober Prober

	checkInterval   time.Duration
	failoverThresh  int
	failoverTimeout time.Duration
	restoreHold     time.Duration

	mode       Mode
	ifaces     []*iface
	activeIdx  int
	primaryIdx int

	failoverInProgress bool
	probeSlot          int

	stats Stats
	cb    Callback
}

// New builds an empty manager in Auto mode.
func New(clock ohtclock.Clock, prober Prober, cfg config.Network) *Manager {
	return &Manager{
		clock:           clock,
		prober:          prober,
		checkInterval:   time.Duration(cfg.HealthCheckIntervalMS) * time.Millisecond,
		failoverThresh:  cfg.FailoverThresholdPct,
		failoverTimeout: time.Duration(cfg.FailoverTimeoutMS) * time.Millisecond,
		restoreHold:     time.Duration(cfg.PrimaryRestoreHoldMS) * time.Millisecond,
		activeIdx:       -1,
		primaryIdx:      -1,
	}
}

// SetCallback installs the single event callback.
func (m *Manager) SetCallback(cb Callback) { m.cb = cb }

func (m *Manager) emit(evt Event, id string) {
	if m.cb != nil {
		m.cb(evt, id)
	}
}

// AddInterface registers an uplink. The first Primary-priority interface
// becomes the restore target.
func (m *Manager) AddInterface(id string, kind Kind, prio Priority) error {
	if len(m.ifaces) >= MaxInterfaces {
		return fmt.Errorf("netlink: interface table full (%d)", MaxInterfaces)
	}
	for _, it := range m.ifaces {
		if it.ID == id {
			return fmt.Errorf("netlink: interface %q already registered", id)
		}
	}
	it := &iface{Interface: Interface{
		ID: id, Kind: kind, Priority: prio, Enabled: true, State: IfDisconnected,
	}}
	m.ifaces = append(m.ifaces, it)
	if prio == PriorityPrimary && m.primaryIdx < 0 {
		m.primaryIdx = len(m.ifaces) - 1
	}
	m.emit(EventConfigurationChanged, id)
	return nil
}

// SetMode switches arbitration modes. Disabled also stops probing.
func (m *Manager) SetMode(mode Mode) {
	if mode == m.mode {
		return
	}
	m.mode = mode
	m.emit(EventConfigurationChanged, "")
}

// SetEnabled toggles one interface in or out of the probing set.
func (m *Manager) SetEnabled(id string, on bool) error {
	for _, it := range m.ifaces {
		if it.ID != id {
			continue
		}
		it.Enabled = on
		if !on {
			it.State = IfDisabled
		} else if it.State == IfDisabled {
			it.State = IfDisconnected
		}
		m.emit(EventConfigurationChanged, id)
		return nil
	}
	return fmt.Errorf("netlink: unknown interface %q", id)
}

// Active returns the active interface's snapshot, or false before any
// interface has been adopted as active. Once adopted, an interface stays
// active whatever its state until arbitration switches to another.
func (m *Manager) Active() (Interface, bool) {
	if m.activeIdx < 0 || m.activeIdx >= len(m.ifaces) {
		return Interface{}, false
	}
	return m.ifaces[m.activeIdx].Interface, true
}

// Snapshot returns copies of every interface record.
func (m *Manager) Snapshot() []Interface {
	out := make([]Interface, len(m.ifaces))
	for i, it := range m.ifaces {
		out[i] = it.Interface
	}
	return out
}

// Stats returns a copy of the counters.
func (m *Manager) Stats() Stats { return m.stats }

// Update evaluates a single interface health slot and then re-runs
// arbitration. Each interface is only re-probed once its
// health-check interval has elapsed, so a tick between intervals is
// nearly free.
func (m *Manager) Update() {
	if m.mode == ModeDisabled || len(m.ifaces) == 0 {
		return
	}

	it := m.ifaces[m.probeSlot%len(m.ifaces)]
	m.probeSlot++

	now := m.clock.NowUS()
	if it.Enabled && it.State != IfMaintenance &&
		(it.LastCheckUS == 0 || now-it.LastCheckUS >= m.checkInterval.Microseconds()) {
		m.probe(it, now)
	}

	if m.mode == ModeAuto {
		m.arbitrate(now)
	}
}

// probe runs one health check and advances the interface's own FSM:
// Disconnected → Connecting → Connected on carrier, Connected → Failed
// on loss.
func (m *Manager) probe(it *iface, now int64) {
	it.LastCheckUS = now
	m.stats.ChecksRun++

	res, err := m.prober.Probe(it.ID)
	if err != nil || !res.CarrierUp {
		m.stats.ChecksFailed++
		it.HealthPct = 0
		it.healthySinceUS = 0
		switch it.State {
		case IfConnected:
			it.State = IfFailed
			m.emit(EventInterfaceFailed, it.ID)
		case IfConnecting:
			it.State = IfDisconnected
			m.emit(EventInterfaceDisconnected, it.ID)
		case IfFailed:
			it.State = IfDisconnected
		}
		m.emit(EventHealthCheckFailed, it.ID)
		return
	}

	it.HealthPct = healthFrom(res)
	switch it.State {
	case IfDisconnected, IfFailed:
		it.State = IfConnecting
	case IfConnecting:
		it.State = IfConnected
		m.emit(EventInterfaceConnected, it.ID)
	}

	if it.HealthPct >= m.failoverThresh {
		it.belowSinceUS = 0
		if it.healthySinceUS == 0 {
			it.healthySinceUS = now
		}
	} else {
		it.healthySinceUS = 0
		if it.belowSinceUS == 0 {
			it.belowSinceUS = now
		}
	}
}

// healthFrom computes the health percentage from reachability, latency
// and loss: full marks for a reachable gateway, degraded by round-trip
// latency past 50ms and by packet loss.
func healthFrom(res ProbeResult) int {
	h := 100.0
	if !res.GatewayReachable {
		h = 40 // carrier but no gateway: degraded, not dead
	}
	if res.LatencyMS > 50 {
		h -= (res.LatencyMS - 50) / 10
	}
	h -= res.LossPct
	if h < 0 {
		h = 0
	}
	if h > 100 {
		h = 100
	}
	return int(h)
}

// arbitrate enforces the Auto-mode rules: keep the highest-
// priority Connected interface active, fail over when the active one
// fails or stays below threshold past the failover timeout, and restore
// the primary after sustained health.
func (m *Manager) arbitrate(now int64) {
	active := m.activeIface()

	// No active uplink yet: adopt the best Connected one outright.
	if active == nil {
		if best := m.bestConnected(-1); best >= 0 {
			m.activeIdx = best
			m.emit(EventFailoverCompleted, m.ifaces[best].ID)
		}
		return
	}

	// Primary restore: if a higher-priority interface has been
	// continuously healthy past the hold, switch back to it.
	if best := m.bestConnected(-1); best >= 0 && best != m.activeIdx {
		b := m.ifaces[best]
		if b.Priority < active.Priority &&
			b.healthySinceUS != 0 && now-b.healthySinceUS >= m.restoreHold.Microseconds() {
			m.switchTo(best, now)
			m.stats.RestoreCount++
			m.emit(EventPrimaryRestored, b.ID)
			return
		}
	}

	// Failover: active failed outright, or below threshold too long.
	failed := active.State == IfFailed || active.State == IfDisconnected || active.State == IfDisabled
	degraded := active.belowSinceUS != 0 && now-active.belowSinceUS >= m.failoverTimeout.Microseconds()
	if !failed && !degraded {
		return
	}
	if m.failoverInProgress {
		return
	}
	next := m.bestConnected(m.activeIdx)
	if next < 0 {
		// Nothing to switch to; keep probing.
		return
	}
	m.failoverInProgress = true
	m.emit(EventFailoverStarted, active.ID)
	m.switchTo(next, now)
	m.stats.FailoverCount++
	m.stats.LastFailoverUS = now
	m.failoverInProgress = false
	m.emit(EventFailoverCompleted, m.ifaces[next].ID)
}

func (m *Manager) switchTo(idx int, now int64) {
	if prev := m.activeIface(); prev != nil {
		prev.FailoverCount++
	}
	m.activeIdx = idx
}

func (m *Manager) activeIface() *iface {
	if m.activeIdx < 0 || m.activeIdx >= len(m.ifaces) {
		return nil
	}
	return m.ifaces[m.activeIdx]
}

// bestConnected returns the index of the highest-priority Connected
// interface, excluding idx (pass -1 to exclude none), or -1.
func (m *Manager) bestConnected(exclude int) int {
	best := -1
	for i, it := range m.ifaces {
		if i == exclude || !it.Enabled || it.State != IfConnected {
			continue
		}
		if best < 0 || it.Priority < m.ifaces[best].Priority {
			best = i
		}
	}
	return best
}
