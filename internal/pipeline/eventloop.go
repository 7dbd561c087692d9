// Package pipeline implements the outbound PLDM request pipeline and the
// single-threaded cooperative event loop both FUD-SM and SSEB run on.
//
// Every other goroutine in the process — the transport read loop, the D-Bus
// signal reader, timer goroutines — only ever posts closures onto the loop's
// work queue via Post or a Timer; none of them touch FUD-SM/SSEB state
// directly. This is the concurrency model §5 of the design describes,
// expressed with one worker goroutine draining a buffered channel rather
// than a platform event-loop library.
package pipeline

import (
	"context"
	"sync"
	"time"
)

// EventLoop serializes all protocol-engine callbacks onto a single
// goroutine. The zero value is not usable; construct with NewEventLoop.
type EventLoop struct {
	work chan func()
	done chan struct{}
	once sync.Once
}

// NewEventLoop creates a loop with the given work-queue depth. A deep queue
// absorbs bursts of deferred continuations without blocking posters; a
// posting goroutine that finds the queue full blocks until Run drains it.
func NewEventLoop(queueDepth int) *EventLoop {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &EventLoop{
		work: make(chan func(), queueDepth),
		done: make(chan struct{}),
	}
}

// Post schedules fn to run on the loop goroutine. Safe to call from any
// goroutine, including from within a callback already running on the loop
// (it will run on a later tick, never re-entrantly).
func (l *EventLoop) Post(fn func()) {
	select {
	case l.work <- fn:
	case <-l.done:
	}
}

// Run drains the work queue on the calling goroutine until ctx is cancelled
// or Stop is called. Intended to be the body of the loop's dedicated
// goroutine.
func (l *EventLoop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case fn := <-l.work:
			fn()
		}
	}
}

// Stop signals Run to return. Work still queued when Run observes the signal
// is not run, and later Posts return without queuing. Safe to call more than
// once.
func (l *EventLoop) Stop() {
	l.once.Do(func() { close(l.done) })
}

// Timer is a one-shot, re-armable timer whose expiry is delivered as a
// Post'd closure, so it is never observed concurrently with other loop
// work. This is the concrete binding for the "supplies timers" external
// collaborator.
type Timer struct {
	loop  *EventLoop
	mu    sync.Mutex
	timer *time.Timer
}

// NewTimer creates an armed Timer that calls fn (on the loop) after d.
func (l *EventLoop) NewTimer(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l}
	t.timer = time.AfterFunc(d, func() { l.Post(fn) })
	return t
}

// Reset re-arms the timer for d from now, as if newly created. Used to
// restart the AwaitingData timer on every valid RequestFirmwareData serve.
func (t *Timer) Reset(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Reset(d)
	}
}

// Stop disarms the timer. It is safe to call Stop more than once and safe
// to call it even if the timer already fired; a fired timer that already
// posted its callback cannot be un-posted, so callers must tolerate a
// stray fire racing a Stop (the FUD-SM phase check on receipt handles this).
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}
