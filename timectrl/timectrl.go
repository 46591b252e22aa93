// Package timectrl drives a simulation: it steps the scheduler once per tick,
// either paced by the wall clock or as fast as the loop can run, and lets
// observers such as renderers look at the world between steps.
package timectrl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/tilesim/internal/logging"
	"github.com/signalsfoundry/tilesim/internal/sched"
)

// Stepper is the part of the scheduler the controller depends on.
type Stepper interface {
	Tick(ctx context.Context) error
	Now() sched.Time
}

// Mode describes how the TimeController paces ticks.
type Mode int

const (
	// RealTime waits Interval of wall-clock time between ticks.
	RealTime Mode = iota
	// Accelerated steps as quickly as the loop can run.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

// ParseMode maps "realtime"/"accelerated" onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "realtime", "real-time", "":
		return RealTime, nil
	case "accelerated", "fast":
		return Accelerated, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

// TimeController steps a Stepper and notifies registered listeners after
// every successful step.
type TimeController struct {
	mu       sync.RWMutex
	Interval time.Duration
	Mode     Mode

	stepper   Stepper
	steps     int64
	err       error
	listeners []func(sched.Time)
	log       logging.Logger
}

// NewTimeController constructs a controller for stepper.
func NewTimeController(stepper Stepper, interval time.Duration, mode Mode, log logging.Logger) *TimeController {
	if log == nil {
		log = logging.Noop()
	}
	return &TimeController{
		Interval: interval,
		Mode:     mode,
		stepper:  stepper,
		log:      log,
	}
}

// AddListener registers a callback invoked with the simulation time after
// every tick. Listeners run on the driver goroutine.
func (tc *TimeController) AddListener(fn func(sched.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Steps returns how many ticks have completed.
func (tc *TimeController) Steps() int64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.steps
}

// Err returns the error that stopped the last run, if any.
func (tc *TimeController) Err() error {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.err
}

// Run steps the simulation ticks times, or until ctx is done when ticks is
// zero. The first step error stops the run and is returned unchanged;
// cancellation of ctx is not an error.
func (tc *TimeController) Run(ctx context.Context, ticks int64) error {
	err := tc.run(ctx, ticks)
	tc.mu.Lock()
	tc.err = err
	tc.mu.Unlock()
	return err
}

func (tc *TimeController) run(ctx context.Context, ticks int64) error {
	var pace <-chan time.Time
	if tc.Mode == RealTime && tc.Interval > 0 {
		ticker := time.NewTicker(tc.Interval)
		defer ticker.Stop()
		pace = ticker.C
	}

	for done := int64(0); ticks <= 0 || done < ticks; done++ {
		if pace != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-pace:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		if err := tc.stepper.Tick(ctx); err != nil {
			tc.log.Error(ctx, "simulation halted", logging.Int64("now", int64(tc.stepper.Now())), logging.Err(err))
			return err
		}

		now := tc.stepper.Now()
		tc.mu.Lock()
		tc.steps++
		listeners := append([]func(sched.Time){}, tc.listeners...)
		tc.mu.Unlock()

		for _, fn := range listeners {
			fn(now)
		}
	}
	return nil
}

// Start runs the controller in a separate goroutine. It returns a channel
// that is closed when the run finishes; Err reports why.
func (tc *TimeController) Start(ctx context.Context, ticks int64) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tc.Run(ctx, ticks)
	}()
	return done
}
