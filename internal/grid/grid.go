// Package grid is a rectangular tile world with eight-way movement. It
// supplies the neighbour lookups the entity registry composes with.
package grid

import (
	"fmt"
	"image"

	"github.com/signalsfoundry/tilesim/internal/simerr"
)

// Tile is a single location on the grid. Tiles are created by New and
// compared by identity.
type Tile struct {
	Pos         image.Point
	Description string
	Symbol      rune
}

func (t *Tile) String() string {
	if t == nil {
		return "<nil tile>"
	}
	return fmt.Sprintf("(%d, %d)", t.Pos.X, t.Pos.Y)
}

// Grid owns a width x height block of tiles.
type Grid struct {
	width, height int
	tiles         [][]*Tile
}

// New builds a grid with every tile described as "<name> (x, y)" and drawn
// with '.'.
func New(width, height int, name string) (*Grid, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: grid dimensions %dx%d", simerr.ErrInvalidArgument, width, height)
	}
	g := &Grid{width: width, height: height, tiles: make([][]*Tile, height)}
	for y := range height {
		row := make([]*Tile, width)
		for x := range width {
			row[x] = &Tile{
				Pos:         image.Pt(x, y),
				Description: fmt.Sprintf("%s (%d, %d)", name, x, y),
				Symbol:      '.',
			}
		}
		g.tiles[y] = row
	}
	return g, nil
}

// Width returns the number of columns.
func (g *Grid) Width() int { return g.width }

// Height returns the number of rows.
func (g *Grid) Height() int { return g.height }

// Bounds returns the grid rectangle.
func (g *Grid) Bounds() image.Rectangle { return image.Rect(0, 0, g.width, g.height) }

// Contains reports whether p lies on the grid.
func (g *Grid) Contains(p image.Point) bool { return p.In(g.Bounds()) }

// At returns the tile at (x, y).
func (g *Grid) At(x, y int) (*Tile, bool) {
	if !g.Contains(image.Pt(x, y)) {
		return nil, false
	}
	return g.tiles[y][x], true
}

// MustAt is At for coordinates known to be valid, such as scenario setup.
func (g *Grid) MustAt(x, y int) *Tile {
	t, ok := g.At(x, y)
	if !ok {
		panic(fmt.Sprintf("grid: (%d, %d) outside %dx%d grid", x, y, g.width, g.height))
	}
	return t
}

// Neighbour returns the tile one step from `from` in bearing b. Tiles that do
// not belong to this grid have no neighbours.
func (g *Grid) Neighbour(from *Tile, b Bearing) (*Tile, bool) {
	if from == nil || !b.Valid() {
		return nil, false
	}
	own, ok := g.At(from.Pos.X, from.Pos.Y)
	if !ok || own != from {
		return nil, false
	}
	p := from.Pos.Add(b.Offset())
	return g.At(p.X, p.Y)
}

// Exits lists the bearings with a neighbour from t.
func (g *Grid) Exits(t *Tile) []Bearing {
	var res []Bearing
	for _, b := range Bearings {
		if _, ok := g.Neighbour(t, b); ok {
			res = append(res, b)
		}
	}
	return res
}

// Fill applies fn to every tile within r clipped to the grid.
func (g *Grid) Fill(r image.Rectangle, fn func(*Tile)) {
	r = r.Intersect(g.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			fn(g.tiles[y][x])
		}
	}
}
