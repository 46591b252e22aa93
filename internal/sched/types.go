package sched

import (
	"context"
	"time"
)

// Time is simulation time measured in ticks of the simulated clock.
type Time int64

// Action is an executable unit of simulated behaviour.
//
// Execute runs synchronously on the driver goroutine. An action whose actor is
// no longer eligible (dead, removed, held) is expected to no-op on its own; the
// scheduler never inspects actor state.
type Action interface {
	// Duration is how long the action takes, in ticks.
	Duration() Time
	// Priority orders simultaneous events; higher runs first.
	Priority() int
	Execute(ctx context.Context, actor Actor) error
}

// Timed is implemented by actions that carry actor wait-time attributes.
type Timed interface {
	// Delay postpones the action's eligibility.
	Delay() Time
	// Cooldown is the extra time the actor waits after the action before it
	// may act again.
	Cooldown() Time
}

// Actor is an entity capable of acting. Actors are compared by interface
// equality, so implementations should be pointer types.
//
// Schedule only recognises the nil interface as "no actor". A typed nil
// pointer is passed through and SetWaitTime is called on it, so pointer
// implementations must either tolerate a nil receiver or never be scheduled
// while nil.
type Actor interface {
	// SetWaitTime records delay+cooldown for the actor's own logic to consult.
	SetWaitTime(t Time)
}

// World is notified once per tick, before due events are drained, so that
// autonomous producers can enqueue events for the current window.
type World interface {
	OnTick(ctx context.Context, now Time) error
}

// WorldFunc adapts a function to the World interface.
type WorldFunc func(ctx context.Context, now Time) error

// OnTick calls f.
func (f WorldFunc) OnTick(ctx context.Context, now Time) error { return f(ctx, now) }

// Recorder receives scheduler activity. The Prometheus implementation lives in
// internal/observability.
type Recorder interface {
	EventScheduled()
	EventsCancelled(n int)
	TickCompleted(elapsed time.Duration, dispatched, pending int)
	// TickFailed reports an abandoned tick and how many events it executed
	// successfully before the failure.
	TickFailed(dispatched int)
}

type noopRecorder struct{}

func (noopRecorder) EventScheduled()                       {}
func (noopRecorder) EventsCancelled(int)                   {}
func (noopRecorder) TickCompleted(time.Duration, int, int) {}
func (noopRecorder) TickFailed(int)                        {}
