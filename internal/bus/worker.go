package bus

import (
	"context"
	"time"
)

// Request is one scheduled bus transaction. AttemptTimeout bounds a
// single transmit+receive attempt; MaxRetries/RetryDelay implement the
// whole-transaction retry with exponential backoff (by default three
// retries after the first attempt, backing off 100/200/400ms, when a
// slave never replies).
type Request struct {
	Slave          uint8
	Frame          []byte
	MaxReply       int
	AttemptTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

// Result is what the worker hands back for one [Request].
type Result struct {
	Slave    uint8
	Reply    []byte
	Err      error
	Attempts int
}

// Worker owns the serial file descriptor on a dedicated goroutine so that
// [Transport.Receive]'s blocking read never stalls the Orchestrator's
// tick. It communicates with the tick thread over one bounded
// request/response channel pair.
type Worker struct {
	transport *Transport
	requests  chan Request
	results   chan Result
	quit      chan struct{}
	done      chan struct{}
}

// NewWorker starts the worker goroutine. queueDepth bounds how many
// requests may be pending before Submit refuses more, keeping the Orchestrator
// from queuing unbounded work behind a wedged slave.
func NewWorker(t *Transport, queueDepth int) *Worker {
	w := &Worker{
		transport: t,
		requests:  make(chan Request, queueDepth),
		results:   make(chan Result, queueDepth),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case req := <-w.requests:
			w.results <- w.execute(req)
		}
	}
}

// execute runs one logical transaction: transmit the frame, wait for a
// reply within AttemptTimeout, and on any failure back off and retry up to
// MaxRetries times, doubling the delay each time. The backoff runs at
// the full-transaction level since a non-responding slave fails at
// receive, not at transmit.
func (w *Worker) execute(req Request) Result {
	delay := req.RetryDelay
	var lastErr error
	for attempt := 0; attempt <= req.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		reply, err := w.attempt(req)
		if err == nil {
			return Result{Slave: req.Slave, Reply: reply, Attempts: attempt + 1}
		}
		lastErr = err
	}
	return Result{Slave: req.Slave, Err: lastErr, Attempts: req.MaxRetries + 1}
}

func (w *Worker) attempt(req Request) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), req.AttemptTimeout)
	defer cancel()

	if err := w.transport.Transmit(ctx, req.Frame); err != nil {
		return nil, err
	}
	buf := make([]byte, req.MaxReply)
	n, err := w.transport.Receive(ctx, buf, time.Now().Add(req.AttemptTimeout))
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Submit enqueues req. It never blocks past the channel's buffer: if the
// queue is full, the caller (the Orchestrator, at its one-transaction-per-
// tick rate) observes backpressure by Submit returning false.
func (w *Worker) Submit(req Request) bool {
	select {
	case w.requests <- req:
		return true
	default:
		return false
	}
}

// Results exposes the channel the Orchestrator drains one reply from per
// tick.
func (w *Worker) Results() <-chan Result {
	return w.results
}

// Stop terminates the worker goroutine. In-flight transactions are
// allowed to finish.
func (w *Worker) Stop() {
	close(w.quit)
	<-w.done
}
