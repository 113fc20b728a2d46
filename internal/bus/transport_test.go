package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakePort is an in-memory loopback: a stand-in good enough for
// single-goroutine transport tests.
type fakePort struct {
	writeErr   error
	readErr    error
	readReply  []byte
	writeCalls int
	failWrites int           // number of leading Write calls that should fail
	block      chan struct{} // when set, Read waits until it is closed
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.writeCalls++
	if p.writeCalls <= p.failWrites {
		return 0, errors.New("fake: write failed")
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.block != nil {
		<-p.block
	}
	if p.readErr != nil {
		return 0, p.readErr
	}
	return copy(b, p.readReply), nil
}

func (p *fakePort) Close() error { return nil }

func TestTransmitSucceedsFirstTry(t *testing.T) {
	port := &fakePort{}
	tr := New(port, WithRetryPolicy(3, time.Millisecond))
	if err := tr.Transmit(context.Background(), []byte{0x01, 0x02}); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if tr.Stats().FramesTx != 1 {
		t.Fatalf("FramesTx = %d, want 1", tr.Stats().FramesTx)
	}
	if tr.Status() != StatusIdle {
		t.Fatalf("Status = %v, want idle", tr.Status())
	}
}

func TestTransmitRetriesWithBackoffThenSucceeds(t *testing.T) {
	port := &fakePort{failWrites: 2}
	tr := New(port, WithRetryPolicy(3, time.Millisecond))
	start := time.Now()
	if err := tr.Transmit(context.Background(), []byte{0xAA}); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	elapsed := time.Since(start)
	// Two retries at 1ms then 2ms backoff, i.e. at least 3ms.
	if elapsed < 3*time.Millisecond {
		t.Fatalf("elapsed = %v, expected backoff of at least 3ms", elapsed)
	}
	if port.writeCalls != 3 {
		t.Fatalf("writeCalls = %d, want 3", port.writeCalls)
	}
}

func TestTransmitExhaustsRetriesAndSetsErrorStatus(t *testing.T) {
	port := &fakePort{failWrites: 99}
	tr := New(port, WithRetryPolicy(3, time.Millisecond))
	err := tr.Transmit(context.Background(), []byte{0x01})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if port.writeCalls != 4 {
		t.Fatalf("writeCalls = %d, want 4 (1 + 3 retries)", port.writeCalls)
	}
	if tr.Status() != StatusError {
		t.Fatalf("Status = %v, want error", tr.Status())
	}
	if tr.Stats().ErrorsTimeout == 0 {
		t.Fatalf("expected error counter to be incremented")
	}
}

func TestReceiveDeadlineExceeded(t *testing.T) {
	// The port never answers; only the deadline can end the read.
	port := &fakePort{block: make(chan struct{})}
	defer close(port.block)
	tr := New(port)
	_, err := tr.Receive(context.Background(), make([]byte, 8), time.Now().Add(5*time.Millisecond))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var be *Error
	if !errors.As(err, &be) || be.Kind != ErrTimeout {
		t.Fatalf("err = %v, want a timeout error", err)
	}
}

func TestWorkerRoundTrip(t *testing.T) {
	port := &fakePort{readReply: []byte{0x02, 0x03, 0x00, 0x01}}
	tr := New(port)
	w := NewWorker(tr, 4)
	defer w.Stop()

	ok := w.Submit(Request{
		Slave:          0x02,
		Frame:          []byte{0x02, 0x03, 0x00, 0x00, 0x00, 0x01},
		MaxReply:       8,
		AttemptTimeout: time.Second,
		MaxRetries:     3,
		RetryDelay:     10 * time.Millisecond,
	})
	if !ok {
		t.Fatal("Submit returned false")
	}
	select {
	case res := <-w.Results():
		if res.Err != nil {
			t.Fatalf("Result.Err = %v", res.Err)
		}
		if len(res.Reply) != 4 {
			t.Fatalf("Reply length = %d, want 4", len(res.Reply))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for worker result")
	}
}

// An unresponsive slave causes three attempts with doubling backoff, and
// the final result carries the last attempt's error.
func TestWorkerRetriesOnUnresponsiveSlave(t *testing.T) {
	port := &fakePort{readErr: errFakeNoReply}
	tr := New(port)
	w := NewWorker(tr, 1)
	defer w.Stop()

	start := time.Now()
	w.Submit(Request{
		Slave:          0x03,
		Frame:          []byte{0x03, 0x03, 0x00, 0x00, 0x00, 0x01},
		MaxReply:       8,
		AttemptTimeout: 20 * time.Millisecond,
		MaxRetries:     2,
		RetryDelay:     5 * time.Millisecond,
	})
	res := <-w.Results()
	elapsed := time.Since(start)

	if res.Err == nil {
		t.Fatal("expected an error for unresponsive slave")
	}
	if res.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", res.Attempts)
	}
	// Backoff 5ms + 10ms = 15ms minimum; the fake fails each attempt at once.
	if elapsed < 15*time.Millisecond {
		t.Fatalf("elapsed = %v, expected at least the 15ms backoff", elapsed)
	}
}

var errFakeNoReply = &Error{Kind: ErrIO, Err: errNoReply{}}

type errNoReply struct{}

func (errNoReply) Error() string { return "fake: slave never replies" }
