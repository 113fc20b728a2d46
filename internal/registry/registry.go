// Package registry implements the slave registry: a typed map of Modbus
// unit address to descriptor and health, plus the identification-sweep
// discovery protocol. The discovery loop tries each candidate address,
// treats a response within a deadline as "present", and otherwise counts
// a miss and moves on.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kimlam2010/OHT-V2-sub001/internal/ohtclock"
)

// Kind is the module kind of a slave.
type Kind int

const (
	KindUnknown Kind = iota
	KindMotor
	KindPower
	KindIO
	KindDock
	KindSensor
	KindSafety
)

func (k Kind) String() string {
	switch k {
	case KindMotor:
		return "motor"
	case KindPower:
		return "power"
	case KindIO:
		return "io"
	case KindDock:
		return "dock"
	case KindSensor:
		return "sensor"
	case KindSafety:
		return "safety"
	default:
		return "unknown"
	}
}

// Status is a slave's health status.
type Status int

const (
	StatusUnknown Status = iota
	StatusOnline
	StatusWarning
	StatusError
	StatusOffline
	StatusCalibrating
	StatusInitializing
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	case StatusOffline:
		return "offline"
	case StatusCalibrating:
		return "calibrating"
	case StatusInitializing:
		return "initializing"
	default:
		return "unknown"
	}
}

// Descriptor is one discovered module. Name/Version are bounded ASCII
// (≤32 bytes); callers are expected to already have truncated upstream,
// the registry only enforces it defensively in Register/Update.
type Descriptor struct {
	Address      uint8
	Kind         Kind
	Name         string
	Version      string
	Status       Status
	HealthPct    int
	LastSeenUS   int64
	LastHealthUS int64
	ErrorCount   uint32
	WarningCount uint32
}

const maxBoundedStringLen = 32

// Event is one of the registry's lifecycle notifications.
type Event int

const (
	EventDiscovered Event = iota
	EventOnline
	EventOffline
	EventUpdated
	EventTimeout
)

// Callback receives (event, address, optional descriptor payload). It
// must not block: callbacks run synchronously on the calling
// goroutine.
type Callback func(evt Event, address uint8, desc *Descriptor)

// Registry owns the slave map exclusively; all
// access goes through its methods.
type Registry struct {
	mu              sync.RWMutex
	clock           ohtclock.Clock
	slaves          map[uint8]*Descriptor
	offlineTimeout  time.Duration
	maxTimeoutCount int
	timeoutCounts   map[uint8]int
	cb              Callback
}

// New builds an empty registry. offlineThreshold bounds how stale an
// Online slave may go; maxRetries is the discovery retry-before-offline
// rule.
func New(clock ohtclock.Clock, offlineThreshold time.Duration, maxRetries int) *Registry {
	return &Registry{
		clock:           clock,
		slaves:          make(map[uint8]*Descriptor),
		offlineTimeout:  offlineThreshold,
		maxTimeoutCount: maxRetries,
		timeoutCounts:   make(map[uint8]int),
	}
}

// SetEventCallback installs the single callback slot.
func (r *Registry) SetEventCallback(cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cb = cb
}

func (r *Registry) emit(evt Event, address uint8, desc *Descriptor) {
	if r.cb != nil {
		r.cb(evt, address, desc)
	}
}

func bound(s string) string {
	if len(s) > maxBoundedStringLen {
		return s[:maxBoundedStringLen]
	}
	return s
}

// Register adds a brand-new descriptor. It fails if the address is
// already present; callers wanting upsert semantics should use Update.
func (r *Registry) Register(desc Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.slaves[desc.Address]; exists {
		return fmt.Errorf("registry: address 0x%02x already registered", desc.Address)
	}
	desc.Name = bound(desc.Name)
	desc.Version = bound(desc.Version)
	desc.LastSeenUS = r.clock.NowUS()
	cp := desc
	r.slaves[desc.Address] = &cp
	r.emit(EventDiscovered, desc.Address, &cp)
	return nil
}

// Update overwrites an existing descriptor's mutable fields, or creates
// it if absent.
func (r *Registry) Update(desc Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc.Name = bound(desc.Name)
	desc.Version = bound(desc.Version)
	cp := desc
	r.slaves[desc.Address] = &cp
	r.emit(EventUpdated, desc.Address, &cp)
}

// Unregister permanently removes a slave.
func (r *Registry) Unregister(address uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.slaves, address)
	delete(r.timeoutCounts, address)
}

// MarkOnline records a successful identification response: resets the
// timeout counter, stamps LastSeenUS, and emits Online (or Discovered,
// the first time the address is seen).
func (r *Registry) MarkOnline(address uint8, kind Kind, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeoutCounts[address] = 0
	now := r.clock.NowUS()
	d, ok := r.slaves[address]
	if !ok {
		d = &Descriptor{Address: address}
		r.slaves[address] = d
		defer r.emit(EventDiscovered, address, d)
	} else {
		defer r.emit(EventOnline, address, d)
	}
	d.Kind = kind
	d.Version = bound(version)
	d.Status = StatusOnline
	d.LastSeenUS = now
}

// MarkOffline records a failed identification response. It increments
// the per-address timeout counter and transitions a known slave to
// Offline once that counter reaches maxRetries; an address with no
// descriptor yet is recorded as Offline on its first miss. The
// descriptor is retained across sweeps either way.
func (r *Registry) MarkOffline(address uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeoutCounts[address]++
	d, ok := r.slaves[address]
	if !ok {
		d = &Descriptor{Address: address, Status: StatusOffline}
		r.slaves[address] = d
	}
	r.emit(EventTimeout, address, d)
	if r.timeoutCounts[address] >= r.maxTimeoutCount {
		d.Status = StatusOffline
		r.emit(EventOffline, address, d)
	}
}

// Get returns a snapshot copy of the descriptor at address, never a
// pointer into owned state.
func (r *Registry) Get(address uint8) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.slaves[address]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// Filter selects which descriptors [Registry.List] returns.
type Filter func(Descriptor) bool

// AnyKind matches every descriptor.
func AnyKind(Descriptor) bool { return true }

// ByStatus matches descriptors with the given status.
func ByStatus(s Status) Filter {
	return func(d Descriptor) bool { return d.Status == s }
}

// List returns descriptor snapshots matching filter, sorted by address
// for deterministic iteration (tests and snapshot output both want
// stable ordering).
func (r *Registry) List(filter Filter) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.slaves))
	for _, d := range r.slaves {
		if filter(*d) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// CountOnline reports how many slaves currently have StatusOnline.
func (r *Registry) CountOnline() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, d := range r.slaves {
		if d.Status == StatusOnline {
			n++
		}
	}
	return n
}

// ExpireStale transitions any Online slave whose LastSeenUS is older than
// offlineThreshold to Offline, to be called once per
// tick by whatever drives discovery refresh.
func (r *Registry) ExpireStale() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.NowUS()
	thresholdUS := r.offlineTimeout.Microseconds()
	for addr, d := range r.slaves {
		if d.Status == StatusOnline && now-d.LastSeenUS > thresholdUS {
			d.Status = StatusOffline
			r.emit(EventOffline, addr, d)
		}
	}
}

// UpdateHealth stamps a slave's derived health score (computed by the
// driver package's shared health-score function; the registry only
// stores whatever it is given).
func (r *Registry) UpdateHealth(address uint8, healthPct int, errorCount, warningCount uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.slaves[address]
	if !ok {
		return
	}
	d.HealthPct = healthPct
	d.ErrorCount = errorCount
	d.WarningCount = warningCount
	d.LastHealthUS = r.clock.NowUS()
}

// SweepRange is the inclusive [start, end] of unit addresses the
// discovery sweep probes (default 0x01..=0x10).
type SweepRange struct {
	Start, End uint8
}

// Addresses returns every address in the sweep range, in ascending
// order.
func (s SweepRange) Addresses() []uint8 {
	addrs := make([]uint8, 0, int(s.End)-int(s.Start)+1)
	for a := s.Start; a <= s.End; a++ {
		addrs = append(addrs, a)
		if a == s.End {
			break // avoid uint8 wraparound when End == 0xff
		}
	}
	return addrs
}
