package model

import (
	"fmt"
	"math"
)

// ObjectID is the stable identity of a live object in the host simulation.
// Stacks hold it instead of a pointer and re-resolve it through the host.
type ObjectID string

type Location struct {
	World string  `json:"world"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Yaw   float32 `json:"yaw,omitempty"`
	Pitch float32 `json:"pitch,omitempty"`
}

// RegionShift is log2 of the region edge length in blocks (16x16 chunks).
const RegionShift = 4

type RegionKey struct {
	World string `json:"world"`
	CX    int    `json:"cx"`
	CZ    int    `json:"cz"`
}

func (r RegionKey) String() string { return fmt.Sprintf("%s:%d,%d", r.World, r.CX, r.CZ) }

func (l Location) Region() RegionKey {
	return RegionKey{
		World: l.World,
		CX:    int(math.Floor(l.X)) >> RegionShift,
		CZ:    int(math.Floor(l.Z)) >> RegionShift,
	}
}

func (l Location) Offset(dx, dy, dz float64) Location {
	l.X += dx
	l.Y += dy
	l.Z += dz
	return l
}

func (l Location) DistanceSq(o Location) float64 {
	if l.World != o.World {
		return math.Inf(1)
	}
	dx, dy, dz := l.X-o.X, l.Y-o.Y, l.Z-o.Z
	return dx*dx + dy*dy + dz*dz
}
