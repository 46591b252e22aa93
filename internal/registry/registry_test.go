package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/tilesim/internal/logging"
	"github.com/signalsfoundry/tilesim/internal/simerr"
)

type thing struct{ name string }

type spot struct{ name string }

// lineGraph links spots left-to-right: "east" goes to the next spot, "west"
// to the previous one.
type lineGraph struct {
	spots []*spot
}

func newLineGraph(n int) *lineGraph {
	g := &lineGraph{}
	for i := range n {
		g.spots = append(g.spots, &spot{name: fmt.Sprintf("s%d", i)})
	}
	return g
}

func (g *lineGraph) Neighbour(from *spot, dir string) (*spot, bool) {
	for i, s := range g.spots {
		if s != from {
			continue
		}
		switch dir {
		case "east":
			if i+1 < len(g.spots) {
				return g.spots[i+1], true
			}
		case "west":
			if i > 0 {
				return g.spots[i-1], true
			}
		}
		return nil, false
	}
	return nil, false
}

func newTestRegistry(n int) (*Registry[*thing, *spot, string], *lineGraph) {
	g := newLineGraph(n)
	return New[*thing, *spot, string](g), g
}

func countOf(list []*thing, e *thing) int {
	n := 0
	for _, x := range list {
		if x == e {
			n++
		}
	}
	return n
}

func mustVerify(t *testing.T, r *Registry[*thing, *spot, string]) {
	t.Helper()
	if err := r.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestPlaceAndLocate(t *testing.T) {
	r, g := newTestRegistry(3)
	e := &thing{name: "luke"}

	if err := r.Place(e, g.spots[1]); err != nil {
		t.Fatalf("Place error: %v", err)
	}
	loc, ok := r.LocationOf(e)
	if !ok || loc != g.spots[1] {
		t.Fatalf("LocationOf = %v,%v, want %v,true", loc, ok, g.spots[1])
	}
	if got := countOf(r.ContentsOf(g.spots[1]), e); got != 1 {
		t.Fatalf("entity appears %d times at its location, want 1", got)
	}
	mustVerify(t, r)
}

func TestPlaceTwiceSameLocationNoDuplicate(t *testing.T) {
	r, g := newTestRegistry(2)
	e := &thing{name: "ben"}

	for range 3 {
		if err := r.Place(e, g.spots[0]); err != nil {
			t.Fatalf("Place error: %v", err)
		}
	}
	contents := r.ContentsOf(g.spots[0])
	if len(contents) != 1 || contents[0] != e {
		t.Fatalf("ContentsOf = %v, want exactly [ben]", contents)
	}
	mustVerify(t, r)
}

func TestRelocate(t *testing.T) {
	r, g := newTestRegistry(2)
	e := &thing{name: "r2"}
	other := &thing{name: "c3"}
	l1, l2 := g.spots[0], g.spots[1]

	if err := r.Place(other, l1); err != nil {
		t.Fatalf("Place other: %v", err)
	}
	if err := r.Place(e, l1); err != nil {
		t.Fatalf("Place l1: %v", err)
	}
	if err := r.Place(e, l2); err != nil {
		t.Fatalf("Place l2: %v", err)
	}

	if countOf(r.ContentsOf(l1), e) != 0 {
		t.Fatalf("entity still listed at old location")
	}
	if countOf(r.ContentsOf(l1), other) != 1 {
		t.Fatalf("relocation disturbed another entity at the old location")
	}
	if countOf(r.ContentsOf(l2), e) != 1 {
		t.Fatalf("entity not listed exactly once at new location")
	}
	if loc, _ := r.LocationOf(e); loc != l2 {
		t.Fatalf("LocationOf = %v, want %v", loc, l2)
	}
	mustVerify(t, r)
}

func TestRelocateLastOccupantDropsReverseEntry(t *testing.T) {
	r, g := newTestRegistry(2)
	e := &thing{name: "solo"}

	_ = r.Place(e, g.spots[0])
	_ = r.Place(e, g.spots[1])

	locs := r.Locations()
	if len(locs) != 1 || locs[0] != g.spots[1] {
		t.Fatalf("Locations() = %v, want only the new location", locs)
	}
	mustVerify(t, r)
}

func TestRemoveIsIdempotent(t *testing.T) {
	r, g := newTestRegistry(1)
	e := &thing{name: "tusken"}
	_ = r.Place(e, g.spots[0])

	r.Remove(e)
	if _, ok := r.LocationOf(e); ok {
		t.Fatalf("removed entity still has a location")
	}
	if len(r.ContentsOf(g.spots[0])) != 0 {
		t.Fatalf("removed entity still listed in contents")
	}
	if len(r.Locations()) != 0 {
		t.Fatalf("empty location kept a reverse entry")
	}

	r.Remove(e)
	r.Remove(&thing{name: "never placed"})
	if r.Len() != 0 {
		t.Fatalf("Len() = %d after removals, want 0", r.Len())
	}
	mustVerify(t, r)
}

func TestContentsOfEmptyIsNonNil(t *testing.T) {
	r, g := newTestRegistry(1)
	got := r.ContentsOf(g.spots[0])
	if got == nil {
		t.Fatalf("ContentsOf returned nil for an empty location")
	}
	if len(got) != 0 {
		t.Fatalf("ContentsOf = %v, want empty", got)
	}
}

func TestContentsOfReturnsCopy(t *testing.T) {
	r, g := newTestRegistry(1)
	e := &thing{name: "a"}
	_ = r.Place(e, g.spots[0])

	got := r.ContentsOf(g.spots[0])
	got[0] = &thing{name: "intruder"}

	if countOf(r.ContentsOf(g.spots[0]), e) != 1 {
		t.Fatalf("mutating the returned slice changed the registry")
	}
}

func TestPlaceRejectsAbsentArguments(t *testing.T) {
	r, g := newTestRegistry(1)
	if err := r.Place(nil, g.spots[0]); !errors.Is(err, simerr.ErrInvalidArgument) {
		t.Fatalf("Place(nil, loc) error = %v, want ErrInvalidArgument", err)
	}
	if err := r.Place(&thing{}, nil); !errors.Is(err, simerr.ErrInvalidArgument) {
		t.Fatalf("Place(e, nil) error = %v, want ErrInvalidArgument", err)
	}
	if r.Len() != 0 {
		t.Fatalf("rejected Place mutated the registry")
	}
}

func TestSeesExit(t *testing.T) {
	r, g := newTestRegistry(2)
	e := &thing{name: "scout"}

	if r.SeesExit(e, "east") {
		t.Fatalf("unplaced entity should see no exits")
	}
	_ = r.Place(e, g.spots[0])
	if !r.SeesExit(e, "east") {
		t.Fatalf("expected an exit east of s0")
	}
	if r.SeesExit(e, "west") {
		t.Fatalf("did not expect an exit west of s0")
	}
	if r.SeesExit(e, "up") {
		t.Fatalf("unknown direction reported an exit")
	}
	if loc, _ := r.LocationOf(e); loc != g.spots[0] {
		t.Fatalf("SeesExit mutated the registry")
	}
}

func TestSeesExitWithoutGraph(t *testing.T) {
	r := New[*thing, *spot, string](nil)
	e := &thing{name: "x"}
	_ = r.Place(e, &spot{name: "somewhere"})
	if r.SeesExit(e, "east") {
		t.Fatalf("registry without a graph reported an exit")
	}
	if _, err := r.Move(e, "east"); !errors.Is(err, ErrNoExit) {
		t.Fatalf("Move without graph error = %v, want ErrNoExit", err)
	}
}

func TestMove(t *testing.T) {
	r, g := newTestRegistry(3)
	e := &thing{name: "walker"}

	if _, err := r.Move(e, "east"); !errors.Is(err, ErrUnplaced) {
		t.Fatalf("Move unplaced error = %v, want ErrUnplaced", err)
	}

	_ = r.Place(e, g.spots[1])
	to, err := r.Move(e, "east")
	if err != nil {
		t.Fatalf("Move east: %v", err)
	}
	if to != g.spots[2] {
		t.Fatalf("Move returned %v, want s2", to)
	}
	if _, err := r.Move(e, "east"); !errors.Is(err, ErrNoExit) {
		t.Fatalf("Move past the edge error = %v, want ErrNoExit", err)
	}
	if loc, _ := r.LocationOf(e); loc != g.spots[2] {
		t.Fatalf("failed Move changed location to %v", loc)
	}
	if countOf(r.ContentsOf(g.spots[1]), e) != 0 {
		t.Fatalf("entity left behind at s1")
	}
	mustVerify(t, r)
}

func TestSubscribeReceivesChanges(t *testing.T) {
	r, g := newTestRegistry(2)
	e := &thing{name: "watched"}

	var got []Change[*thing, *spot]
	unsubscribe := r.Subscribe(func(c Change[*thing, *spot]) {
		got = append(got, c)
	})

	_ = r.Place(e, g.spots[0])
	_ = r.Place(e, g.spots[0])
	_, _ = r.Move(e, "east")
	r.Remove(e)
	r.Remove(e)

	want := []ChangeKind{ChangePlaced, ChangeMoved, ChangeRemoved}
	if len(got) != len(want) {
		t.Fatalf("received %d changes, want %d: %v", len(got), len(want), got)
	}
	for i, k := range want {
		if got[i].Kind != k || got[i].Entity != e {
			t.Fatalf("change[%d] = %+v, want kind %v", i, got[i], k)
		}
	}
	if got[1].From != g.spots[0] || got[1].To != g.spots[1] {
		t.Fatalf("move change = %+v, want s0 -> s1", got[1])
	}
	if got[2].From != g.spots[1] || got[2].To != nil {
		t.Fatalf("remove change = %+v, want from s1", got[2])
	}

	unsubscribe()
	_ = r.Place(e, g.spots[0])
	if len(got) != len(want) {
		t.Fatalf("unsubscribed callback still invoked")
	}
}

func TestSubscriberMayQueryRegistry(t *testing.T) {
	r, g := newTestRegistry(1)
	e := &thing{name: "reentrant"}

	var seen *spot
	r.Subscribe(func(c Change[*thing, *spot]) {
		seen, _ = r.LocationOf(c.Entity)
	})
	_ = r.Place(e, g.spots[0])

	if seen != g.spots[0] {
		t.Fatalf("subscriber observed %v, want s0", seen)
	}
}

type occupancy struct {
	entities, locations int
}

func (o *occupancy) SetOccupancy(entities, locations int) {
	o.entities, o.locations = entities, locations
}

func TestRecorderTracksOccupancy(t *testing.T) {
	g := newLineGraph(2)
	rec := &occupancy{}
	r := New[*thing, *spot, string](g, WithMetrics(rec))

	a, b := &thing{name: "a"}, &thing{name: "b"}
	_ = r.Place(a, g.spots[0])
	_ = r.Place(b, g.spots[0])
	if rec.entities != 2 || rec.locations != 1 {
		t.Fatalf("occupancy = %+v, want 2 entities in 1 location", *rec)
	}
	r.Remove(a)
	_ = r.Place(b, g.spots[1])
	if rec.entities != 1 || rec.locations != 1 {
		t.Fatalf("occupancy = %+v, want 1 entity in 1 location", *rec)
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	r, g := newTestRegistry(2)
	e := &thing{name: "ghost"}
	_ = r.Place(e, g.spots[0])

	// Corrupt the reverse map directly; only package internals can do this.
	r.holding[g.spots[1]] = map[*thing]struct{}{e: {}}

	if err := r.Verify(); !errors.Is(err, simerr.ErrInconsistentState) {
		t.Fatalf("Verify error = %v, want ErrInconsistentState", err)
	}
}

func TestConcurrentPlacementKeepsInvariant(t *testing.T) {
	r, g := newTestRegistry(4)
	entities := make([]*thing, 50)
	for i := range entities {
		entities[i] = &thing{name: fmt.Sprintf("e%d", i)}
	}

	var wg sync.WaitGroup
	for i, e := range entities {
		wg.Add(1)
		go func(i int, e *thing) {
			defer wg.Done()
			for j := range 20 {
				_ = r.Place(e, g.spots[(i+j)%len(g.spots)])
				_ = r.ContentsOf(g.spots[j%len(g.spots)])
			}
			if i%2 == 0 {
				r.Remove(e)
			}
		}(i, e)
	}
	wg.Wait()

	mustVerify(t, r)
	if r.Len() != len(entities)/2 {
		t.Fatalf("Len() = %d, want %d", r.Len(), len(entities)/2)
	}
}

// hookGraph runs before on every lookup, then defers to a lineGraph.
type hookGraph struct {
	*lineGraph
	before func(from *spot)
}

func (g *hookGraph) Neighbour(from *spot, dir string) (*spot, bool) {
	if g.before != nil {
		g.before(from)
	}
	return g.lineGraph.Neighbour(from, dir)
}

func TestMoveGraphMayQueryRegistry(t *testing.T) {
	g := &hookGraph{lineGraph: newLineGraph(2)}
	r := New[*thing, *spot, string](g)
	e := &thing{name: "walker"}
	_ = r.Place(e, g.spots[0])

	crowd := -1
	g.before = func(from *spot) { crowd = len(r.ContentsOf(from)) }

	done := make(chan error, 1)
	go func() {
		_, err := r.Move(e, "east")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Move: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Move blocked while the graph read the registry")
	}
	if crowd != 1 {
		t.Fatalf("graph saw %d occupants at the origin, want 1", crowd)
	}
	if loc, _ := r.LocationOf(e); loc != g.spots[1] {
		t.Fatalf("LocationOf = %v, want s1", loc)
	}
	mustVerify(t, r)
}

func TestMoveRestartsWhenEntityRelocatedDuringLookup(t *testing.T) {
	g := &hookGraph{lineGraph: newLineGraph(3)}
	r := New[*thing, *spot, string](g)
	e := &thing{name: "pushed"}
	_ = r.Place(e, g.spots[0])

	pushed := false
	g.before = func(*spot) {
		if !pushed {
			pushed = true
			_ = r.Place(e, g.spots[1])
		}
	}

	to, err := r.Move(e, "east")
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if to != g.spots[2] {
		t.Fatalf("Move returned %v, want s2 (one step from where the entity was pushed)", to)
	}
	if countOf(r.ContentsOf(g.spots[1]), e) != 0 {
		t.Fatalf("entity left behind at s1")
	}
	mustVerify(t, r)
}

func TestMoveFailsWhenEntityRemovedDuringLookup(t *testing.T) {
	g := &hookGraph{lineGraph: newLineGraph(2)}
	r := New[*thing, *spot, string](g)
	e := &thing{name: "vanishing"}
	_ = r.Place(e, g.spots[0])
	g.before = func(*spot) { r.Remove(e) }

	if _, err := r.Move(e, "east"); !errors.Is(err, ErrUnplaced) {
		t.Fatalf("Move error = %v, want ErrUnplaced", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
	mustVerify(t, r)
}

// ctxLogger remembers the run ID of every context it is handed.
type ctxLogger struct {
	runIDs []string
}

func (l *ctxLogger) record(ctx context.Context) {
	l.runIDs = append(l.runIDs, logging.RunIDFromContext(ctx))
}

func (l *ctxLogger) Debug(ctx context.Context, _ string, _ ...logging.Field) { l.record(ctx) }
func (l *ctxLogger) Info(ctx context.Context, _ string, _ ...logging.Field)  { l.record(ctx) }
func (l *ctxLogger) Warn(ctx context.Context, _ string, _ ...logging.Field)  { l.record(ctx) }
func (l *ctxLogger) Error(ctx context.Context, _ string, _ ...logging.Field) { l.record(ctx) }
func (l *ctxLogger) With(...logging.Field) logging.Logger                    { return l }

func TestChangeLogsCarryRunContext(t *testing.T) {
	g := newLineGraph(2)
	log := &ctxLogger{}
	ctx := logging.ContextWithRunID(context.Background(), "run-7")
	r := New[*thing, *spot, string](g, WithLogger(log), WithContext(ctx))

	e := &thing{name: "logged"}
	_ = r.Place(e, g.spots[0])
	_, _ = r.Move(e, "east")
	r.Remove(e)

	if len(log.runIDs) != 3 {
		t.Fatalf("logged %d changes, want 3", len(log.runIDs))
	}
	for i, id := range log.runIDs {
		if id != "run-7" {
			t.Fatalf("change %d logged with run ID %q, want run-7", i, id)
		}
	}
}
