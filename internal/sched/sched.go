// Package sched serializes timer callbacks and I/O completions onto a
// single logical thread.
//
// All mutable network state (connections, lobbies, sessions, prediction and
// snapshot buffers) is touched only from callbacks run by a Scheduler. I/O
// goroutines never mutate that state directly; they Post closures.
package sched

import "time"

// Task is a handle to a scheduled callback.
type Task interface {
	// Cancel stops the task. It reports whether the task was still active.
	// A cancelled task never runs again, even if a firing was already queued.
	Cancel() bool
	// Active reports whether the task may still fire.
	Active() bool
}

// Scheduler runs callbacks on one logical thread.
type Scheduler interface {
	// Now returns the scheduler's notion of the current time.
	Now() time.Time
	// After runs fn once, d from now.
	After(d time.Duration, fn func()) Task
	// Every runs fn every d until cancelled. The first run is d from now.
	Every(d time.Duration, fn func()) Task
	// Post queues fn to run on the scheduler thread. Safe from any goroutine.
	Post(fn func())
}

// Stop cancels t if it is non-nil. Convenience for teardown paths.
func Stop(t Task) {
	if t != nil {
		t.Cancel()
	}
}
