package main

import (
	"bufio"
	"fmt"
	"io"

	"github.com/signalsfoundry/tilesim/internal/grid"
	"github.com/signalsfoundry/tilesim/internal/sched"
)

// render draws the grid as ASCII. A tile shows its first occupant's symbol,
// '*' when several entities share it, and its own symbol when empty.
func render(w io.Writer, g *grid.Grid, reg *Registry, now sched.Time) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "t=%d\n", now)
	for y := range g.Height() {
		for x := range g.Width() {
			t := g.MustAt(x, y)
			switch es := occupants(reg, t); len(es) {
			case 0:
				bw.WriteRune(t.Symbol)
			case 1:
				bw.WriteRune(es[0].Symbol)
			default:
				bw.WriteRune('*')
			}
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}
