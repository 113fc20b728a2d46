// Package control implements the dual cascaded PID loop: an outer
// position loop producing a velocity setpoint and an inner velocity
// loop producing a torque/current setpoint, with anti-wind-up,
// mode-change resets, limit checking and EMA error statistics.
//
// The loop is pure computation over its own state, invoked once per
// control period by the Orchestrator; it never touches the bus.
package control

import (
	"math"

	"github.com/kimlam2010/OHT-V2-sub001/internal/config"
)

// Mode selects what the loop regulates.
type Mode int

const (
	ModeIdle Mode = iota
	ModePosition
	ModeVelocity
	ModeTorque
	ModeHoming
	ModeEmergency
)

func (m Mode) String() string {
	switch m {
	case ModePosition:
		return "position"
	case ModeVelocity:
		return "velocity"
	case ModeTorque:
		return "torque"
	case ModeHoming:
		return "homing"
	case ModeEmergency:
		return "emergency"
	default:
		return "idle"
	}
}

// homingScale is the fixed 10% output applied in Homing mode.
const homingScale = 0.1

// emaAlpha is the smoothing factor of the rolling error averages.
const emaAlpha = 0.1

// PID is one discrete PID stage with integrator anti-wind-up: the
// integral is clamped every step, and the derivative uses the previous
// error, skipped on the very first sample after a reset.
type PID struct {
	gains   config.PIDGains
	integ   float64
	prevErr float64
	primed  bool
}

// NewPID builds a stage from its gains.
func NewPID(gains config.PIDGains) PID {
	return PID{gains: gains}
}

// Reset zeroes the integrator and previous-error memory.
func (p *PID) Reset() {
	p.integ = 0
	p.prevErr = 0
	p.primed = false
}

// Step advances the controller by one sample of err over dt seconds and
// returns the clamped output.
func (p *PID) Step(err, dt float64) float64 {
	if dt <= 0 {
		return clamp(p.gains.Kp*err, p.gains.OutMin, p.gains.OutMax)
	}
	p.integ = clamp(p.integ+err*dt, p.gains.IntegralMin, p.gains.IntegralMax)
	var deriv float64
	if p.primed {
		deriv = (err - p.prevErr) / dt
	}
	p.prevErr = err
	p.primed = true
	out := p.gains.Kp*err + p.gains.Ki*p.integ + p.gains.Kd*deriv
	return clamp(out, p.gains.OutMin, p.gains.OutMax)
}

// Integral exposes the current integrator value.
func (p *PID) Integral() float64 { return p.integ }

// State reports whether the loop is operating normally or has latched a
// limit violation.
type State int

const (
	StateOK State = iota
	StateError
)

// Stats carries the rolling error statistics.
type Stats struct {
	PosErrEMA, VelErrEMA float64
	PosErrMax, VelErrMax float64
	Cycles               uint64
}

// Loop is the cascaded controller. Exclusively owned by the
// Orchestrator; not safe for concurrent use.
type Loop struct {
	cfg Config

	mode  Mode
	state State

	pos PID
	vel PID

	targetPos float64
	targetVel float64

	output float64
	stats  Stats

	limitsEnabled bool
}

// Config narrows config.Control to what the loop consumes.
type Config struct {
	Position    config.PIDGains
	Velocity    config.PIDGains
	PositionMin float64
	PositionMax float64
	VelocityMax float64
}

// FromConfig adapts the package config type.
func FromConfig(c config.Control) Config {
	return Config{
		Position:    c.Position,
		Velocity:    c.Velocity,
		PositionMin: float64(c.PositionMin),
		PositionMax: float64(c.PositionMax),
		VelocityMax: float64(c.VelocityMax),
	}
}

// New builds an idle loop with limits enabled.
func New(cfg Config) *Loop {
	return &Loop{
		cfg:           cfg,
		pos:           NewPID(cfg.Position),
		vel:           NewPID(cfg.Velocity),
		limitsEnabled: true,
	}
}

// Mode returns the active mode.
func (l *Loop) Mode() Mode { return l.mode }

// State reports OK or the latched Error.
func (l *Loop) State() State { return l.state }

// Output returns the last computed setpoint.
func (l *Loop) Output() float64 { return l.output }

// Stats returns a snapshot of the rolling statistics.
func (l *Loop) Stats() Stats { return l.stats }

// EnableLimits toggles the per-cycle limit checks.
func (l *Loop) EnableLimits(on bool) { l.limitsEnabled = on }

// SetMode switches regulation modes, resetting both stages.
func (l *Loop) SetMode(m Mode) {
	if m == l.mode {
		return
	}
	l.mode = m
	l.pos.Reset()
	l.vel.Reset()
	if m == ModeEmergency || m == ModeIdle {
		l.output = 0
	}
	if l.state == StateError && m == ModeIdle {
		l.state = StateOK
	}
}

// SetTarget sets the position target consumed in Position and Homing
// modes.
func (l *Loop) SetTarget(position float64) { l.targetPos = position }

// SetVelocityTarget sets the velocity target consumed in Velocity mode.
func (l *Loop) SetVelocityTarget(v float64) { l.targetVel = v }

// EmergencyStop forces Emergency mode and zero output synchronously;
// it is safe to call from the safety path at any time between cycles.
func (l *Loop) EmergencyStop() {
	l.mode = ModeEmergency
	l.pos.Reset()
	l.vel.Reset()
	l.output = 0
}

// Update advances one control period with the measured position and
// velocity, returning the new output setpoint. Every cycle enforces the
// position/velocity limits when enabled; a violation latches Error and
// forces zero output.
func (l *Loop) Update(measPos, measVel, dt float64) float64 {
	l.stats.Cycles++

	if l.limitsEnabled {
		if measPos < l.cfg.PositionMin || measPos > l.cfg.PositionMax ||
			math.Abs(measVel) > l.cfg.VelocityMax {
			l.state = StateError
			l.output = 0
			return 0
		}
	}
	if l.state == StateError {
		l.output = 0
		return 0
	}

	switch l.mode {
	case ModeIdle, ModeTorque:
		// Torque mode passes the externally-set target through; Idle
		// holds zero.
		if l.mode == ModeTorque {
			l.output = clamp(l.targetVel, l.cfg.Velocity.OutMin, l.cfg.Velocity.OutMax)
		} else {
			l.output = 0
		}

	case ModeEmergency:
		l.output = 0

	case ModePosition, ModeHoming:
		posErr := l.targetPos - measPos
		velSet := l.pos.Step(posErr, dt)
		velSet = clamp(velSet, -l.cfg.VelocityMax, l.cfg.VelocityMax)
		velErr := velSet - measVel
		out := l.vel.Step(velErr, dt)
		if l.mode == ModeHoming {
			out *= homingScale
		}
		l.output = out
		l.track(posErr, velErr)

	case ModeVelocity:
		velErr := l.targetVel - measVel
		l.output = l.vel.Step(velErr, dt)
		l.track(0, velErr)
	}

	return l.output
}

func (l *Loop) track(posErr, velErr float64) {
	ap, av := math.Abs(posErr), math.Abs(velErr)
	l.stats.PosErrEMA += emaAlpha * (ap - l.stats.PosErrEMA)
	l.stats.VelErrEMA += emaAlpha * (av - l.stats.VelErrEMA)
	if ap > l.stats.PosErrMax {
		l.stats.PosErrMax = ap
	}
	if av > l.stats.VelErrMax {
		l.stats.VelErrMax = av
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
