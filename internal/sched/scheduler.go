package sched

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/tilesim/internal/logging"
	"github.com/signalsfoundry/tilesim/internal/simerr"
)

const tracerName = "github.com/signalsfoundry/tilesim/internal/sched"

// Scheduler owns the simulated clock and the queue of pending events. The
// driver calls Tick repeatedly; collaborators call Schedule between and during
// ticks.
//
// A single driver goroutine is expected to call Tick. The pending queue and
// the clock share one lock, and actions execute outside it so they can
// schedule follow-up events or cancel an actor's events re-entrantly.
type Scheduler struct {
	mu       sync.Mutex
	now      Time
	tickSize Time
	pending  eventQueue

	world   World
	log     logging.Logger
	metrics Recorder
	tracer  trace.Tracer
}

// Option customises Scheduler construction.
type Option func(*Scheduler)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics attaches a recorder for tick and queue activity.
func WithMetrics(r Recorder) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.metrics = r
		}
	}
}

// WithTracer overrides the tracer used for per-tick spans. By default the
// global OpenTelemetry provider is used.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithStartTime sets the initial simulation time (default 0).
func WithStartTime(t Time) Option {
	return func(s *Scheduler) {
		s.now = t
	}
}

// New creates a scheduler advancing by tickSize per Tick. world may be nil
// when there are no autonomous producers.
func New(tickSize Time, world World, opts ...Option) (*Scheduler, error) {
	if tickSize <= 0 {
		return nil, fmt.Errorf("%w: tick size must be positive, got %d", simerr.ErrInvalidArgument, tickSize)
	}
	s := &Scheduler{
		tickSize: tickSize,
		world:    world,
		log:      logging.Noop(),
		metrics:  noopRecorder{},
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Now returns the current simulation time.
func (s *Scheduler) Now() Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// TickSize returns the amount of time each Tick advances the clock.
func (s *Scheduler) TickSize() Time { return s.tickSize }

// Pending returns the number of events waiting to be dispatched.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// NextEventTime reports when the earliest pending event is due.
func (s *Scheduler) NextEventTime() (Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.pending.peek()
	if ev == nil {
		return 0, false
	}
	return ev.at, true
}

// Schedule enqueues action for actor.
//
// When actor is non-nil and action implements Timed, the actor's wait time is
// set to delay+cooldown and the event is due at now+delay+duration. Otherwise
// the event is due at now+duration.
func (s *Scheduler) Schedule(action Action, actor Actor, duration Time) error {
	if action == nil {
		return fmt.Errorf("%w: nil action", simerr.ErrInvalidArgument)
	}
	if duration < 0 {
		return fmt.Errorf("%w: negative duration %d", simerr.ErrInvalidArgument, duration)
	}

	var delay Time
	if actor != nil {
		if timed, ok := action.(Timed); ok {
			delay = timed.Delay()
			cooldown := timed.Cooldown()
			if delay < 0 || cooldown < 0 {
				return fmt.Errorf("%w: negative delay %d or cooldown %d", simerr.ErrInvalidArgument, delay, cooldown)
			}
			actor.SetWaitTime(delay + cooldown)
		}
	}

	s.mu.Lock()
	ev := &event{
		action:   action,
		actor:    actor,
		at:       s.now + delay + duration,
		priority: action.Priority(),
	}
	heap.Push(&s.pending, ev)
	s.mu.Unlock()

	s.metrics.EventScheduled()
	return nil
}

// Submit schedules action using its own Duration.
func (s *Scheduler) Submit(action Action, actor Actor) error {
	if action == nil {
		return fmt.Errorf("%w: nil action", simerr.ErrInvalidArgument)
	}
	return s.Schedule(action, actor, action.Duration())
}

// RemoveAllEventsFor discards every pending event attributed to actor,
// including events already due in the current window, and returns how many
// were dropped. A nil actor removes nothing.
func (s *Scheduler) RemoveAllEventsFor(actor Actor) int {
	if actor == nil {
		return 0
	}
	s.mu.Lock()
	n := s.pending.removeActor(actor)
	s.mu.Unlock()

	if n > 0 {
		s.metrics.EventsCancelled(n)
	}
	return n
}

// Tick advances the simulation by one tick: the world is notified, every event
// due at or before now+tickSize is dispatched in (time, priority) order, and
// the clock moves forward by tickSize.
//
// If the world or an action returns an error the tick is abandoned without
// advancing the clock and the error is returned to the driver. Action
// failures are reported as *ExecutionError.
func (s *Scheduler) Tick(ctx context.Context) error {
	started := time.Now()
	now := s.Now()

	ctx, span := s.tracer.Start(ctx, "sched.Tick", trace.WithAttributes(
		attribute.Int64("sim.now", int64(now)),
		attribute.Int64("sim.tick_size", int64(s.tickSize)),
	))
	defer span.End()

	if s.world != nil {
		if err := s.world.OnTick(ctx, now); err != nil {
			err = fmt.Errorf("world tick at %d: %w", now, err)
			s.fail(ctx, span, err, 0)
			return err
		}
	}

	horizon := now + s.tickSize
	dispatched := 0
	for {
		ev := s.popDue(horizon)
		if ev == nil {
			break
		}
		s.log.Debug(ctx, "dispatching event",
			logging.Int64("at", int64(ev.at)),
			logging.Int("priority", ev.priority),
			logging.String("action", fmt.Sprintf("%T", ev.action)),
		)
		if err := ev.action.Execute(ctx, ev.actor); err != nil {
			execErr := &ExecutionError{At: ev.at, Action: ev.action, Actor: ev.actor, Err: err}
			s.fail(ctx, span, execErr, dispatched)
			return execErr
		}
		dispatched++
	}

	s.mu.Lock()
	s.now += s.tickSize
	pending := s.pending.Len()
	s.mu.Unlock()

	span.SetAttributes(
		attribute.Int("sim.dispatched", dispatched),
		attribute.Int("sim.pending", pending),
	)
	s.metrics.TickCompleted(time.Since(started), dispatched, pending)
	return nil
}

// popDue removes and returns the earliest event due at or before horizon.
func (s *Scheduler) popDue(horizon Time) *event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.pending.peek()
	if ev == nil || ev.at > horizon {
		return nil
	}
	return heap.Pop(&s.pending).(*event)
}

func (s *Scheduler) fail(ctx context.Context, span trace.Span, err error, dispatched int) {
	span.SetAttributes(attribute.Int("sim.dispatched", dispatched))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.metrics.TickFailed(dispatched)
	s.log.Error(ctx, "tick aborted", logging.Int("dispatched", dispatched), logging.Err(err))
}

// ExecutionError reports an action that failed during dispatch. It matches
// simerr.ErrActionFailed and unwraps to the action's own error.
type ExecutionError struct {
	At     Time
	Action Action
	Actor  Actor
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%v at t=%d (%T): %v", simerr.ErrActionFailed, e.At, e.Action, e.Err)
}

// Unwrap returns the action's error.
func (e *ExecutionError) Unwrap() error { return e.Err }

// Is reports whether target is simerr.ErrActionFailed.
func (e *ExecutionError) Is(target error) bool {
	return errors.Is(simerr.ErrActionFailed, target)
}
