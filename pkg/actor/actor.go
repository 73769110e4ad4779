// Package actor provides the small goroutine-per-actor, channel-mailbox
// runtime Exchange, FwtClient and GroundControl are built on: one
// goroutine drains a buffered channel of closures, running each to
// completion before the next, so no handler blocks another and no mutable
// state crosses actor boundaries. CmdState has no mailbox of its own: its
// OnData runs on the Exchange's goroutine and SendCommand on the caller's.
//
// This generalizes a goroutine-per-concern style (a serial read loop and
// a Redis command watcher each running as their own goroutine
// communicating over channels) into a reusable mailbox, since a CAF-style
// actor library has no direct Go equivalent to reuse.
package actor

import "time"

// Mailbox is a single-consumer queue of closures, run to completion one at
// a time on a dedicated goroutine.
type Mailbox struct {
	ch   chan func()
	done chan struct{}
}

// NewMailbox creates a mailbox with the given buffer depth and starts its
// goroutine.
func NewMailbox(buffer int) *Mailbox {
	m := &Mailbox{
		ch:   make(chan func(), buffer),
		done: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Mailbox) run() {
	for {
		select {
		case f := <-m.ch:
			f()
		case <-m.done:
			// Drain any already-queued messages before exiting so a Stop
			// racing with a Send does not silently drop work.
			for {
				select {
				case f := <-m.ch:
					f()
				default:
					return
				}
			}
		}
	}
}

// Send enqueues f to run on the mailbox's goroutine. Send never blocks the
// caller's handler logic on another actor's work: it only blocks if the
// mailbox's buffer is full.
func (m *Mailbox) Send(f func()) {
	select {
	case m.ch <- f:
	case <-m.done:
	}
}

// Stop signals the mailbox to finish queued work and exit. It does not
// wait for the goroutine to drain; callers that need that should
// synchronize separately.
func (m *Mailbox) Stop() {
	close(m.done)
}

// Generation is a monotonically increasing counter used to tag delayed
// self-messages (timers) so a handler can discard stale ticks that arrive
// after the state they were armed for has moved on.
type Generation struct {
	value uint64
}

// Next bumps and returns the new generation value.
func (g *Generation) Next() uint64 {
	g.value++
	return g.value
}

// Current returns the generation value without bumping it.
func (g *Generation) Current() uint64 {
	return g.value
}

// Matches reports whether gen is still the current generation.
func (g *Generation) Matches(gen uint64) bool {
	return g.value == gen
}

// AfterFunc schedules f to be sent to the mailbox after d, mimicking a
// delayed self-message. It returns a *time.Timer the caller may Stop to
// cancel the delivery (cancellation is best-effort: a message already in
// the channel still runs).
func (m *Mailbox) AfterFunc(d time.Duration, f func()) *time.Timer {
	return time.AfterFunc(d, func() {
		m.Send(f)
	})
}
