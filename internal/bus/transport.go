// Package bus implements the RS485 transport: a single-threaded,
// exclusive channel that transmits a byte frame and receives a reply,
// with retry/backoff layered on top of a POSIX serial port. Framing and
// CRC are entirely package modbus's concern; this package only moves
// bytes.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// Status is the channel's coarse activity state.
type Status int

const (
	StatusIdle Status = iota
	StatusTransmitting
	StatusReceiving
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusTransmitting:
		return "transmitting"
	case StatusReceiving:
		return "receiving"
	case StatusError:
		return "error"
	default:
		return "idle"
	}
}

// Stats are the transport's monotonically-increasing counters.
type Stats struct {
	BytesTx, BytesRx      uint64
	FramesTx, FramesRx    uint64
	ErrorsCRC             uint64
	ErrorsTimeout         uint64
	ErrorsParity          uint64
	LastOperationUnixNano int64
}

// Port is the minimal serial port surface the transport needs; satisfied
// by *serial.Port and by a loopback fake in tests.
type Port interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Close() error
}

// OpenFunc abstracts port construction so tests can substitute a fake
// without touching a real device node.
type OpenFunc func(path string, baud, dataBits, stopBits int, parity string, timeout time.Duration) (Port, error)

// OpenSerialPort opens a POSIX RS485 device through tarm/serial.
func OpenSerialPort(path string, baud, dataBits, stopBits int, parity string, timeout time.Duration) (Port, error) {
	var sp serial.Parity
	switch parity {
	case "E":
		sp = serial.ParityEven
	case "O":
		sp = serial.ParityOdd
	default:
		sp = serial.ParityNone
	}
	var ssb serial.StopBits
	switch stopBits {
	case 2:
		ssb = serial.Stop2
	default:
		ssb = serial.Stop1
	}
	cfg := &serial.Config{
		Name:        path,
		Baud:        baud,
		Size:        byte(dataBits),
		Parity:      sp,
		StopBits:    ssb,
		ReadTimeout: timeout,
	}
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("bus: open %s: %w", path, err)
	}
	return p, nil
}

// ErrorKind distinguishes timeouts from other I/O failures.
type ErrorKind int

const (
	ErrIO ErrorKind = iota
	ErrTimeout
)

type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Kind == ErrTimeout {
		return fmt.Sprintf("bus: timeout: %v", e.Err)
	}
	return fmt.Sprintf("bus: io: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transport is the exclusive RS485 channel. At most one transaction is
// ever in flight; callers serialize through the
// Orchestrator's bus worker (see package bus's Worker), not through this
// type's own locking, but the mutex is kept here too as a last line of
// defense against accidental concurrent use.
type Transport struct {
	mu   sync.Mutex
	port Port

	maxRetries int
	retryDelay time.Duration

	status Status
	stats  Stats
	now    func() time.Time
}

// Option configures a [Transport] at construction.
type Option func(*Transport)

// WithRetryPolicy overrides the default 3 retries / 100ms backoff.
func WithRetryPolicy(maxRetries int, retryDelay time.Duration) Option {
	return func(t *Transport) {
		t.maxRetries = maxRetries
		t.retryDelay = retryDelay
	}
}

// WithClock overrides the wall-clock source used to stamp statistics;
// tests use a fixed function.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) { t.now = now }
}

// New wraps an already-open [Port] in a [Transport].
func New(port Port, opts ...Option) *Transport {
	t := &Transport{
		port:       port,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
		now:        time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Status reports the transport's current status enum.
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Stats returns a snapshot copy of the transport's counters.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Transmit writes frame in full, retrying up to maxRetries times with
// exponential backoff starting at retryDelay and doubling on each
// failure. On final failure the status becomes [StatusError] but
// the port is left open for later recovery.
func (t *Transport) Transmit(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status = StatusTransmitting
	delay := t.retryDelay
	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				t.status = StatusError
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		n, err := t.port.Write(frame)
		t.stats.LastOperationUnixNano = t.now().UnixNano()
		if err == nil && n == len(frame) {
			t.stats.BytesTx += uint64(n)
			t.stats.FramesTx++
			t.status = StatusIdle
			return nil
		}
		if err == nil {
			err = fmt.Errorf("bus: short write: %d of %d bytes", n, len(frame))
		}
		lastErr = err
		t.stats.ErrorsTimeout++
	}
	t.status = StatusError
	return &Error{Kind: ErrIO, Err: fmt.Errorf("bus: transmit failed after %d attempts: %w", t.maxRetries+1, lastErr)}
}

// Receive reads up to len(buf) bytes into buf, stopping at the earlier of a
// full read or deadline. Retry is Transmit's concern only; a
// receive timeout is reported to the caller, which decides whether to
// retry the whole transaction.
func (t *Transport) Receive(ctx context.Context, buf []byte, deadline time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status = StatusReceiving
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := t.port.Read(buf)
		done <- result{n, err}
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case r := <-done:
		t.stats.LastOperationUnixNano = t.now().UnixNano()
		if r.err != nil {
			t.stats.ErrorsTimeout++
			t.status = StatusError
			return 0, &Error{Kind: ErrIO, Err: r.err}
		}
		t.stats.BytesRx += uint64(r.n)
		t.stats.FramesRx++
		t.status = StatusIdle
		return r.n, nil
	case <-timer.C:
		t.stats.ErrorsTimeout++
		t.status = StatusError
		return 0, &Error{Kind: ErrTimeout, Err: fmt.Errorf("bus: receive deadline exceeded")}
	case <-ctx.Done():
		t.status = StatusError
		return 0, ctx.Err()
	}
}

// NoteCRCError lets the caller (which owns framing) record a CRC failure
// against this transport's statistics, since the transport itself never
// parses frames.
func (t *Transport) NoteCRCError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.ErrorsCRC++
}

// Close closes the underlying port. The transport must not be used
// afterwards.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port.Close()
}
