// Package prompt hands human input to a simulation that is waiting for it.
//
// The driver blocks in Await until the UI side calls Submit, instead of
// sleeping and polling a shared flag. Input typed ahead of the prompt is
// queued, not dropped.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned once the gate has been closed and drained.
var ErrClosed = errors.New("prompt closed")

// DefaultBuffer is how many values NewGate queues before Submit blocks.
const DefaultBuffer = 64

// Gate passes values from a producer (keyboard, UI callback) to a consumer
// in submission order.
type Gate[T any] struct {
	values  chan T
	closed  chan struct{}
	once    sync.Once
	waiters atomic.Int32
}

// NewGate returns an open gate queueing up to DefaultBuffer values.
func NewGate[T any]() *Gate[T] {
	return NewBufferedGate[T](DefaultBuffer)
}

// NewBufferedGate returns an open gate queueing up to size values. A size
// below 1 is treated as 1.
func NewBufferedGate[T any](size int) *Gate[T] {
	if size < 1 {
		size = 1
	}
	return &Gate[T]{
		values: make(chan T, size),
		closed: make(chan struct{}),
	}
}

// Await returns the oldest queued value, blocking until one is submitted,
// ctx is done, or the gate closes. Values queued before Close are still
// delivered; ErrClosed is returned only once the queue is empty.
func (g *Gate[T]) Await(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-g.values:
		return v, nil
	default:
	}

	g.waiters.Add(1)
	defer g.waiters.Add(-1)

	select {
	case v := <-g.values:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-g.closed:
		select {
		case v := <-g.values:
			return v, nil
		default:
			return zero, ErrClosed
		}
	}
}

// Waiting reports whether a consumer is blocked in Await.
func (g *Gate[T]) Waiting() bool {
	return g.waiters.Load() > 0
}

// Submit queues v for the consumer. It blocks while the queue is full and
// fails with ErrClosed once the gate is closed.
func (g *Gate[T]) Submit(v T) error {
	select {
	case <-g.closed:
		return ErrClosed
	default:
	}
	select {
	case g.values <- v:
		return nil
	case <-g.closed:
		return ErrClosed
	}
}

// Close stops further submissions and releases waiters once the queue is
// drained. It is safe to call more than once.
func (g *Gate[T]) Close() {
	g.once.Do(func() { close(g.closed) })
}

// Lines reads newline-terminated input from r and submits each trimmed,
// non-empty line to gate. The gate is closed when r is exhausted or fails,
// so a consumer never waits on input that cannot arrive.
func Lines(r io.Reader, gate *Gate[string]) error {
	defer gate.Close()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := gate.Submit(line); errors.Is(err, ErrClosed) {
			return nil
		}
	}
	return sc.Err()
}
