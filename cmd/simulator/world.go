package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math/rand"
	"sort"

	"github.com/signalsfoundry/tilesim/internal/grid"
	"github.com/signalsfoundry/tilesim/internal/logging"
	"github.com/signalsfoundry/tilesim/internal/prompt"
	"github.com/signalsfoundry/tilesim/internal/registry"
	"github.com/signalsfoundry/tilesim/internal/sched"
)

// errQuit is returned from the world when the player asks to stop.
var errQuit = errors.New("player quit")

// Entity is anything that can stand on a tile. Entities that act also carry
// the wait time the scheduler assigns them.
type Entity struct {
	Name   string
	Symbol rune

	waitTime sched.Time
}

// SetWaitTime implements sched.Actor. A nil entity ignores it.
func (e *Entity) SetWaitTime(t sched.Time) {
	if e == nil {
		return
	}
	e.waitTime = t
}

// WaitTime is the delay+cooldown of the entity's last scheduled action.
func (e *Entity) WaitTime() sched.Time {
	if e == nil {
		return 0
	}
	return e.waitTime
}

func (e *Entity) String() string {
	if e == nil {
		return "<nil entity>"
	}
	return e.Name
}

// Registry is the registry specialised to the tile world.
type Registry = registry.Registry[*Entity, *grid.Tile, grid.Bearing]

// mover decides where an actor goes next. ok=false skips the turn.
type mover interface {
	next(ctx context.Context, w *world, e *Entity) (b grid.Bearing, ok bool, err error)
}

// route walks a fixed list of bearings, looping.
type route struct {
	steps []grid.Bearing
	i     int
}

func (r *route) next(context.Context, *world, *Entity) (grid.Bearing, bool, error) {
	if len(r.steps) == 0 {
		return 0, false, nil
	}
	b := r.steps[r.i%len(r.steps)]
	r.i++
	return b, true, nil
}

// wander picks a random bearing with an exit.
type wander struct{}

func (wander) next(_ context.Context, w *world, e *Entity) (grid.Bearing, bool, error) {
	var open []grid.Bearing
	for _, b := range grid.Bearings {
		if w.reg.SeesExit(e, b) {
			open = append(open, b)
		}
	}
	if len(open) == 0 {
		return 0, false, nil
	}
	return open[w.rng.Intn(len(open))], true, nil
}

// player blocks the simulation until a bearing is typed.
type player struct {
	gate *prompt.Gate[string]
}

func (p player) next(ctx context.Context, w *world, e *Entity) (grid.Bearing, bool, error) {
	for {
		w.log.Info(ctx, "awaiting command", logging.String("actor", e.Name), logging.Any("exits", exitsOf(w, e)))
		line, err := p.gate.Await(ctx)
		if err != nil {
			return 0, false, err
		}
		switch line {
		case "q", "quit":
			return 0, false, errQuit
		case "wait", ".":
			return 0, false, nil
		}
		b, err := grid.ParseBearing(line)
		if err != nil {
			w.log.Warn(ctx, "unrecognised command", logging.String("input", line))
			continue
		}
		return b, true, nil
	}
}

func exitsOf(w *world, e *Entity) []string {
	var res []string
	for _, b := range grid.Bearings {
		if w.reg.SeesExit(e, b) {
			res = append(res, b.String())
		}
	}
	return res
}

type actorState struct {
	entity  *Entity
	mover   mover
	readyAt sched.Time
	dead    bool
}

// world is the demo scenario: a grid, its registry and a handful of actors.
// It implements sched.World and enqueues each ready actor's next move.
type world struct {
	grid   *grid.Grid
	reg    *Registry
	sched  *sched.Scheduler
	rng    *rand.Rand
	log    logging.Logger
	actors []*actorState
}

func newWorld(g *grid.Grid, reg *Registry, seed int64, log logging.Logger) *world {
	if log == nil {
		log = logging.Noop()
	}
	return &world{
		grid: g,
		reg:  reg,
		rng:  rand.New(rand.NewSource(seed)),
		log:  log,
	}
}

// attach binds the scheduler; the world and scheduler reference each other.
func (w *world) attach(s *sched.Scheduler) { w.sched = s }

// spawn places e at tile and lets m drive it.
func (w *world) spawn(e *Entity, tile *grid.Tile, m mover) error {
	if err := w.reg.Place(e, tile); err != nil {
		return fmt.Errorf("spawn %s: %w", e.Name, err)
	}
	if m != nil {
		w.actors = append(w.actors, &actorState{entity: e, mover: m})
	}
	return nil
}

// expireAfter schedules e's removal from the world after lifetime ticks.
func (w *world) expireAfter(e *Entity, lifetime sched.Time) error {
	return w.sched.Schedule(&expireAction{world: w, target: e}, nil, lifetime)
}

// OnTick implements sched.World.
func (w *world) OnTick(ctx context.Context, now sched.Time) error {
	for _, a := range w.actors {
		if a.dead || a.readyAt > now {
			continue
		}
		b, ok, err := a.mover.next(ctx, w, a.entity)
		if err != nil {
			return err
		}
		if !ok {
			a.readyAt = now + 1
			continue
		}
		act := &moveAction{world: w, bearing: b}
		if err := w.sched.Submit(act, a.entity); err != nil {
			return err
		}
		a.readyAt = now + act.Duration() + a.entity.WaitTime()
	}
	return nil
}

// logger prefers the run logger carried by ctx.
func (w *world) logger(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return w.log
}

func (w *world) kill(e *Entity) {
	for _, a := range w.actors {
		if a.entity == e {
			a.dead = true
		}
	}
}

// moveAction steps its actor one tile.
type moveAction struct {
	world   *world
	bearing grid.Bearing
}

func (m *moveAction) Duration() sched.Time { return 1 }
func (m *moveAction) Priority() int        { return 1 }
func (m *moveAction) Delay() sched.Time    { return 0 }
func (m *moveAction) Cooldown() sched.Time { return 1 }

func (m *moveAction) Execute(ctx context.Context, actor sched.Actor) error {
	e, ok := actor.(*Entity)
	if !ok {
		return fmt.Errorf("move: unexpected actor %T", actor)
	}
	if e == nil {
		return nil
	}
	if _, placed := m.world.reg.LocationOf(e); !placed {
		return nil
	}
	if !m.world.reg.SeesExit(e, m.bearing) {
		m.world.logger(ctx).Debug(ctx, "move blocked", logging.String("actor", e.Name), logging.String("bearing", m.bearing.String()))
		return nil
	}
	to, err := m.world.reg.Move(e, m.bearing)
	if err != nil {
		return err
	}
	m.world.logger(ctx).Debug(ctx, "moved", logging.String("actor", e.Name), logging.String("to", to.String()))
	return nil
}

// expireAction is an autonomous world event that takes an entity out of the
// simulation for good.
type expireAction struct {
	world  *world
	target *Entity
}

func (x *expireAction) Duration() sched.Time { return 0 }
func (x *expireAction) Priority() int        { return 10 }

func (x *expireAction) Execute(ctx context.Context, _ sched.Actor) error {
	x.world.reg.Remove(x.target)
	n := x.world.sched.RemoveAllEventsFor(x.target)
	x.world.kill(x.target)
	x.world.logger(ctx).Info(ctx, "entity expired", logging.String("entity", x.target.Name), logging.Int("cancelled", n))
	return nil
}

// scenario lays out the desert map and its inhabitants. Coordinates are
// clamped so small grids still get every entity.
func (w *world) scenario(gate *prompt.Gate[string]) error {
	g := w.grid
	g.Fill(image.Rect(4, 5, 7, 8), func(t *grid.Tile) { t.Symbol = 'b' })
	g.Fill(image.Rect(3, 8, 8, 9), func(t *grid.Tile) { t.Symbol = 'C' })
	g.Fill(image.Rect(g.Width()-2, 0, g.Width(), g.Height()), func(t *grid.Tile) { t.Symbol = 'F' })

	at := func(x, y int) *grid.Tile {
		return g.MustAt(clamp(x, g.Width()), clamp(y, g.Height()))
	}

	patrol := &route{steps: []grid.Bearing{
		grid.East, grid.East, grid.South, grid.West, grid.West,
		grid.South, grid.East, grid.East, grid.NorthWest, grid.NorthWest,
	}}
	if err := w.spawn(&Entity{Name: "Ben", Symbol: 'B'}, at(5, 5), patrol); err != nil {
		return err
	}
	for i, name := range []string{"Tim", "Jin", "Kim"} {
		if err := w.spawn(&Entity{Name: name, Symbol: rune(name[0])}, at(1+i, 2+i), wander{}); err != nil {
			return err
		}
	}
	canteen := &Entity{Name: "canteen", Symbol: 'o'}
	if err := w.spawn(canteen, at(3, 1), nil); err != nil {
		return err
	}
	if err := w.spawn(&Entity{Name: "blaster", Symbol: '!'}, at(3, 4), nil); err != nil {
		return err
	}
	if err := w.expireAfter(canteen, 20); err != nil {
		return err
	}
	if gate != nil {
		if err := w.spawn(&Entity{Name: "Luke", Symbol: '@'}, at(5, 9), player{gate: gate}); err != nil {
			return err
		}
	}
	return nil
}

func clamp(v, n int) int {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}

// occupants returns the entities on t sorted by name.
func occupants(reg *Registry, t *grid.Tile) []*Entity {
	es := reg.ContentsOf(t)
	sort.Slice(es, func(i, j int) bool { return es[i].Name < es[j].Name })
	return es
}
