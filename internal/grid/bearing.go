package grid

import (
	"fmt"
	"image"
	"math/rand"
	"strings"
)

// Bearing is one of the eight compass directions of the grid.
type Bearing int

const (
	North Bearing = iota
	NorthEast
	East
	SouthEast
	South
	SouthWest
	West
	NorthWest
)

// Bearings lists every bearing clockwise from North.
var Bearings = []Bearing{North, NorthEast, East, SouthEast, South, SouthWest, West, NorthWest}

var bearingNames = [...]string{"north", "northeast", "east", "southeast", "south", "southwest", "west", "northwest"}

// offsets are in screen coordinates: y grows southwards.
var offsets = [...]image.Point{
	North:     {0, -1},
	NorthEast: {1, -1},
	East:      {1, 0},
	SouthEast: {1, 1},
	South:     {0, 1},
	SouthWest: {-1, 1},
	West:      {-1, 0},
	NorthWest: {-1, -1},
}

// Valid reports whether b is one of the eight bearings.
func (b Bearing) Valid() bool { return b >= North && b <= NorthWest }

// Angle returns the bearing in degrees clockwise from North.
func (b Bearing) Angle() int { return int(b) * 45 }

// Offset returns the grid step for one move in this bearing.
func (b Bearing) Offset() image.Point {
	if !b.Valid() {
		return image.Point{}
	}
	return offsets[b]
}

// Opposite returns the bearing 180 degrees away.
func (b Bearing) Opposite() Bearing { return b.Turn(180) }

// Turn rotates b clockwise by angle degrees, truncated towards zero to a
// multiple of 45. Negative angles turn anticlockwise.
func (b Bearing) Turn(angle int) Bearing {
	a := ((b.Angle()+angle)/45*45)%360 + 360
	return Bearing((a % 360) / 45)
}

func (b Bearing) String() string {
	if !b.Valid() {
		return fmt.Sprintf("Bearing(%d)", int(b))
	}
	return bearingNames[b]
}

// ParseBearing accepts full names ("northeast") and abbreviations ("ne"),
// case-insensitively.
func ParseBearing(s string) (Bearing, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range bearingNames {
		if s == name || s == abbreviate(name) {
			return Bearing(i), nil
		}
	}
	return 0, fmt.Errorf("unknown bearing %q", s)
}

func abbreviate(name string) string {
	if len(name) > 5 {
		// northeast -> ne, southwest -> sw
		return name[:1] + name[5:6]
	}
	return name[:1]
}

// RandomBearing picks a bearing using rng.
func RandomBearing(rng *rand.Rand) Bearing {
	return Bearings[rng.Intn(len(Bearings))]
}
