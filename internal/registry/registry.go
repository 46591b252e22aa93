// Package registry tracks which entity occupies which location.
//
// Each entity maps to at most one location; each location maps to an
// unordered set of entities. Both directions are kept under one lock so no
// observer ever sees one half of a relocation without the other.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/tilesim/internal/logging"
	"github.com/signalsfoundry/tilesim/internal/simerr"
)

var (
	// ErrUnplaced indicates the entity has no registered location.
	ErrUnplaced = errors.New("entity is not placed")
	// ErrNoExit indicates there is no neighbouring location in the requested direction.
	ErrNoExit = errors.New("no exit in that direction")
)

// Graph supplies directed neighbour lookups. It is owned and built outside
// the registry. Neighbour is called without the registry lock held, so it
// may read the registry, but it must not wait on another goroutine that is
// mutating it.
type Graph[L comparable, D any] interface {
	Neighbour(from L, dir D) (L, bool)
}

// ChangeKind says what happened to an entity.
type ChangeKind int

const (
	// ChangePlaced is emitted when a previously unplaced entity is placed.
	ChangePlaced ChangeKind = iota
	// ChangeMoved is emitted when a placed entity changes location.
	ChangeMoved
	// ChangeRemoved is emitted when a placed entity is unregistered.
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangePlaced:
		return "placed"
	case ChangeMoved:
		return "moved"
	case ChangeRemoved:
		return "removed"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// Change is delivered to subscribers after a mutation has been applied.
// From is the zero location for ChangePlaced and To is the zero location for
// ChangeRemoved.
type Change[E, L comparable] struct {
	Kind   ChangeKind
	Entity E
	From   L
	To     L
}

// Recorder receives occupancy counts after every mutation.
type Recorder interface {
	SetOccupancy(entities, locations int)
}

// Option customises Registry construction.
type Option func(*options)

type options struct {
	ctx     context.Context
	log     logging.Logger
	metrics Recorder
}

// WithContext sets the context change logs are written with, typically the
// run context carrying the run ID.
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		if ctx != nil {
			o.ctx = ctx
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics attaches an occupancy recorder.
func WithMetrics(r Recorder) Option {
	return func(o *options) {
		o.metrics = r
	}
}

// Registry is a bidirectional entity/location multimap. The zero value of E
// or L is treated as an absent argument.
type Registry[E, L comparable, D any] struct {
	mu sync.RWMutex

	where   map[E]L
	holding map[L]map[E]struct{}

	graph Graph[L, D]
	subs  map[int]func(Change[E, L])
	next  int

	ctx     context.Context
	log     logging.Logger
	metrics Recorder
}

// New constructs an empty registry over graph. graph may be nil, in which
// case SeesExit is always false and Move always fails.
func New[E, L comparable, D any](graph Graph[L, D], opts ...Option) *Registry[E, L, D] {
	o := options{ctx: context.Background(), log: logging.Noop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry[E, L, D]{
		where:   make(map[E]L),
		holding: make(map[L]map[E]struct{}),
		graph:   graph,
		subs:    make(map[int]func(Change[E, L])),
		ctx:     o.ctx,
		log:     o.log,
		metrics: o.metrics,
	}
}

// Place puts e at loc, removing it from its previous location first. Placing
// an entity where it already is changes nothing.
func (r *Registry[E, L, D]) Place(e E, loc L) error {
	var zeroE E
	var zeroL L
	if e == zeroE {
		return fmt.Errorf("%w: absent entity", simerr.ErrInvalidArgument)
	}
	if loc == zeroL {
		return fmt.Errorf("%w: absent location", simerr.ErrInvalidArgument)
	}

	r.mu.Lock()
	from, placed := r.where[e]
	if placed && from == loc {
		r.mu.Unlock()
		return nil
	}
	if placed {
		r.detachLocked(e, from)
	}
	r.attachLocked(e, loc)
	change := Change[E, L]{Kind: ChangePlaced, Entity: e, To: loc}
	if placed {
		change.Kind = ChangeMoved
		change.From = from
	}
	subs, entities, locations := r.afterMutationLocked()
	r.mu.Unlock()

	r.publish(subs, change, entities, locations)
	return nil
}

// LocationOf returns e's location. ok is false when e is unplaced.
func (r *Registry[E, L, D]) LocationOf(e E) (loc L, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	loc, ok = r.where[e]
	return loc, ok
}

// ContentsOf returns a snapshot of the entities at loc. The result is never
// nil and is safe to modify.
func (r *Registry[E, L, D]) ContentsOf(loc L) []E {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.holding[loc]
	res := make([]E, 0, len(set))
	for e := range set {
		res = append(res, e)
	}
	return res
}

// Remove unregisters e. It is a no-op if e is not placed.
func (r *Registry[E, L, D]) Remove(e E) {
	r.mu.Lock()
	from, placed := r.where[e]
	if !placed {
		r.mu.Unlock()
		return
	}
	r.detachLocked(e, from)
	subs, entities, locations := r.afterMutationLocked()
	r.mu.Unlock()

	r.publish(subs, Change[E, L]{Kind: ChangeRemoved, Entity: e, From: from}, entities, locations)
}

// SeesExit reports whether e's location has a neighbour in direction dir.
func (r *Registry[E, L, D]) SeesExit(e E, dir D) bool {
	if r.graph == nil {
		return false
	}
	loc, ok := r.LocationOf(e)
	if !ok {
		return false
	}
	_, ok = r.graph.Neighbour(loc, dir)
	return ok
}

// Move relocates e to the neighbour of its current location in direction dir
// and returns the new location. The neighbour is resolved outside the lock;
// if e is relocated concurrently the lookup is repeated from its new
// location.
func (r *Registry[E, L, D]) Move(e E, dir D) (L, error) {
	var zero L
	if r.graph == nil {
		return zero, ErrNoExit
	}

	from, placed := r.LocationOf(e)
	for {
		if !placed {
			return zero, ErrUnplaced
		}
		to, ok := r.graph.Neighbour(from, dir)
		if !ok || to == zero {
			return zero, fmt.Errorf("%w: from %v towards %v", ErrNoExit, from, dir)
		}
		if to == from {
			return to, nil
		}

		r.mu.Lock()
		cur, still := r.where[e]
		if !still || cur != from {
			r.mu.Unlock()
			from, placed = cur, still
			continue
		}
		r.detachLocked(e, from)
		r.attachLocked(e, to)
		subs, entities, locations := r.afterMutationLocked()
		r.mu.Unlock()

		r.publish(subs, Change[E, L]{Kind: ChangeMoved, Entity: e, From: from, To: to}, entities, locations)
		return to, nil
	}
}

// Len returns the number of placed entities.
func (r *Registry[E, L, D]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.where)
}

// Locations returns a snapshot of every occupied location.
func (r *Registry[E, L, D]) Locations() []L {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]L, 0, len(r.holding))
	for loc := range r.holding {
		res = append(res, loc)
	}
	return res
}

// Subscribe registers fn for change notifications. Callbacks run on the
// mutating goroutine after the registry lock is released, so they may query
// or mutate the registry. It returns an unsubscribe function.
func (r *Registry[E, L, D]) Subscribe(fn func(Change[E, L])) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.subs[id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

// Verify checks that the forward and reverse maps agree. A non-nil result
// matches simerr.ErrInconsistentState and means the registry is corrupt.
func (r *Registry[E, L, D]) Verify() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reverseCount := 0
	for loc, set := range r.holding {
		if len(set) == 0 {
			return fmt.Errorf("%w: empty reverse entry for %v", simerr.ErrInconsistentState, loc)
		}
		for e := range set {
			reverseCount++
			if got, ok := r.where[e]; !ok || got != loc {
				return fmt.Errorf("%w: %v listed at %v but forward map has %v (present=%v)",
					simerr.ErrInconsistentState, e, loc, got, ok)
			}
		}
	}
	for e, loc := range r.where {
		if _, ok := r.holding[loc][e]; !ok {
			return fmt.Errorf("%w: %v maps to %v but is missing from its contents", simerr.ErrInconsistentState, e, loc)
		}
	}
	if reverseCount != len(r.where) {
		return fmt.Errorf("%w: %d forward entries, %d reverse entries",
			simerr.ErrInconsistentState, len(r.where), reverseCount)
	}
	return nil
}

func (r *Registry[E, L, D]) attachLocked(e E, loc L) {
	r.where[e] = loc
	set, ok := r.holding[loc]
	if !ok {
		set = make(map[E]struct{})
		r.holding[loc] = set
	}
	set[e] = struct{}{}
}

func (r *Registry[E, L, D]) detachLocked(e E, from L) {
	delete(r.where, e)
	set := r.holding[from]
	delete(set, e)
	if len(set) == 0 {
		delete(r.holding, from)
	}
}

func (r *Registry[E, L, D]) afterMutationLocked() ([]func(Change[E, L]), int, int) {
	subs := make([]func(Change[E, L]), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	return subs, len(r.where), len(r.holding)
}

// publish notifies subscribers and the recorder outside the lock.
func (r *Registry[E, L, D]) publish(subs []func(Change[E, L]), c Change[E, L], entities, locations int) {
	r.log.Debug(r.ctx, "registry change",
		logging.String("kind", c.Kind.String()),
		logging.Any("entity", c.Entity),
		logging.Any("from", c.From),
		logging.Any("to", c.To),
	)
	if r.metrics != nil {
		r.metrics.SetOccupancy(entities, locations)
	}
	for _, fn := range subs {
		fn(c)
	}
}
