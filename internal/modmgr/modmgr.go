// Package modmgr implements the module manager: periodic health checks
// over every registered slave, response-time measurement feeding the
// shared health score, and supervision of the mandatory modules the
// system cannot run without.
//
// It sits between the registry (which owns the descriptor map) and the
// Orchestrator (which owns the bus schedule): each update picks at most
// one module due for a check and hands the Orchestrator a named bus
// action to run, so the tick stays bounded regardless of fleet size.
package modmgr

import (
	"fmt"
	"time"

	"github.com/kimlam2010/OHT-V2-sub001/internal/drivers"
	"github.com/kimlam2010/OHT-V2-sub001/internal/modbus"
	"github.com/kimlam2010/OHT-V2-sub001/internal/ohtclock"
	"github.com/kimlam2010/OHT-V2-sub001/internal/registry"
)

// identifyRegister is the well-known identification register a health
// check reads; any valid reply proves the module is alive.
const identifyRegister = 0x0100

// Scheduler is the slice of the Orchestrator the manager needs: a way
// to enqueue one unit of bus work against a slave.
type Scheduler interface {
	ScheduleBusAction(slave uint8, name string, run func() error)
}

// Stats aggregates the manager's counters.
type Stats struct {
	HealthChecksRun     uint64
	HealthCheckFailures uint64
	LastCheckUS         int64
}

// Manager drives per-module health supervision. Exclusively owned by
// the Orchestrator; not safe for concurrent use.
type Manager struct {
	clock    ohtclock.Clock
	registry *registry.Registry
	tx       drivers.Transactor

	checkInterval   time.Duration
	responseTimeout time.Duration
	mandatory       []uint8

	// lastCheckUS tracks when each address was last health-checked.
	lastCheckUS map[uint8]int64
	// inFlight guards against scheduling a second check for a module
	// whose previous check has not run yet.
	inFlight map[uint8]bool

	stats Stats
}

// Config narrows the manager's tunables.
type Config struct {
	HealthCheckInterval time.Duration
	ResponseTimeout     time.Duration
	// Mandatory lists the module addresses the system cannot operate
	// without; their absence degrades the system-ready guard.
	Mandatory []uint8
}

// New builds a manager over the given registry and transactor.
func New(clock ohtclock.Clock, reg *registry.Registry, tx drivers.Transactor, cfg Config) *Manager {
	return &Manager{
		clock:           clock,
		registry:        reg,
		tx:              tx,
		checkInterval:   cfg.HealthCheckInterval,
		responseTimeout: cfg.ResponseTimeout,
		mandatory:       append([]uint8(nil), cfg.Mandatory...),
		lastCheckUS:     make(map[uint8]int64),
		inFlight:        make(map[uint8]bool),
	}
}

// Stats returns a copy of the counters.
func (m *Manager) Stats() Stats { return m.stats }

// MissingMandatory returns the mandatory module addresses that are not
// currently online, in configuration order.
func (m *Manager) MissingMandatory() []uint8 {
	var missing []uint8
	for _, addr := range m.mandatory {
		d, ok := m.registry.Get(addr)
		if !ok || d.Status != registry.StatusOnline {
			missing = append(missing, addr)
		}
	}
	return missing
}

// MandatoryOK reports whether every mandatory module is online.
func (m *Manager) MandatoryOK() bool { return len(m.MissingMandatory()) == 0 }

// Update picks at most one registered module whose health-check
// interval has elapsed and schedules its check on the bus. Called once
// per tick.
func (m *Manager) Update(sched Scheduler) {
	now := m.clock.NowUS()
	for _, d := range m.registry.List(registry.AnyKind) {
		addr := d.Address
		if m.inFlight[addr] {
			continue
		}
		last := m.lastCheckUS[addr]
		if last != 0 && now-last < m.checkInterval.Microseconds() {
			continue
		}
		m.lastCheckUS[addr] = now
		m.inFlight[addr] = true
		sched.ScheduleBusAction(addr, "health_check", func() error {
			return m.checkOne(addr)
		})
		return
	}
}

// CheckAll schedules an immediate health check for every registered
// module, bypassing the interval pacing.
func (m *Manager) CheckAll(sched Scheduler) {
	now := m.clock.NowUS()
	for _, d := range m.registry.List(registry.AnyKind) {
		addr := d.Address
		if m.inFlight[addr] {
			continue
		}
		m.lastCheckUS[addr] = now
		m.inFlight[addr] = true
		sched.ScheduleBusAction(addr, "health_check", func() error {
			return m.checkOne(addr)
		})
	}
}

// checkOne performs one identification read, measures its round trip,
// and folds the result into the registry's health record.
func (m *Manager) checkOne(addr uint8) error {
	defer delete(m.inFlight, addr)
	m.stats.HealthChecksRun++
	start := m.clock.NowUS()

	_, err := m.tx.Do(modbus.Request{
		Slave:    addr,
		Function: modbus.FuncReadHoldingRegisters,
		Address:  identifyRegister,
		Quantity: 1,
	})
	elapsed := m.clock.NowUS() - start
	m.stats.LastCheckUS = m.clock.NowUS()

	d, ok := m.registry.Get(addr)
	if !ok {
		return fmt.Errorf("modmgr: module 0x%02x vanished during check", addr)
	}

	if err != nil {
		m.stats.HealthCheckFailures++
		m.registry.MarkOffline(addr)
		m.registry.UpdateHealth(addr,
			drivers.HealthScore(d.ErrorCount+1, d.WarningCount, float64(elapsed)/1000),
			d.ErrorCount+1, d.WarningCount)
		return err
	}

	latencyMS := float64(elapsed) / 1000
	warnings := d.WarningCount
	if m.responseTimeout > 0 && elapsed > m.responseTimeout.Microseconds() {
		// Answered, but slower than the budget: count a warning rather
		// than an error.
		warnings++
	}
	m.registry.MarkOnline(addr, d.Kind, d.Version)
	m.registry.UpdateHealth(addr,
		drivers.HealthScore(d.ErrorCount, warnings, latencyMS),
		d.ErrorCount, warnings)
	return nil
}
