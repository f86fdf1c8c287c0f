// Package geometry provides the points, bounding volumes and coordinate
// transforms shared by queries, the index and the point codec.
package geometry

import (
	"fmt"
	"math"

	"github.com/ajitpratap0/pointstream/pkg/errors"
)

// Point is a 3D coordinate, also used for per-axis scale and offset.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// ParsePoint builds a Point from 1, 2 or 3 components. A single value is
// applied to every axis; a missing Z is zero.
func ParsePoint(v []float64) (Point, error) {
	switch len(v) {
	case 1:
		return Point{v[0], v[0], v[0]}, nil
	case 2:
		return Point{v[0], v[1], 0}, nil
	case 3:
		return Point{v[0], v[1], v[2]}, nil
	default:
		return Point{}, errors.Newf(errors.ErrorTypeValidation, "point must have 1 to 3 components, got %d", len(v))
	}
}

// ClampScale replaces zero components with 1. A zero scale would divide by
// zero during serialization; callers historically relied on this default.
func ClampScale(p Point) Point {
	if p.X == 0 {
		p.X = 1
	}
	if p.Y == 0 {
		p.Y = 1
	}
	if p.Z == 0 {
		p.Z = 1
	}
	return p
}

// Transform maps native coordinates into a caller's scaled space:
// out = (native - offset) / scale. A nil Transform is the identity.
type Transform struct {
	Scale  Point
	Offset Point
}

// NewTransform builds a transform from optional scale and offset. It
// returns nil when both are nil. The scale is clamped with ClampScale.
func NewTransform(scale, offset *Point) *Transform {
	if scale == nil && offset == nil {
		return nil
	}
	t := &Transform{Scale: Point{1, 1, 1}}
	if scale != nil {
		t.Scale = ClampScale(*scale)
	}
	if offset != nil {
		t.Offset = *offset
	}
	return t
}

// Apply maps a native point into the scaled space.
func (t *Transform) Apply(p Point) Point {
	if t == nil {
		return p
	}
	return Point{
		X: (p.X - t.Offset.X) / t.Scale.X,
		Y: (p.Y - t.Offset.Y) / t.Scale.Y,
		Z: (p.Z - t.Offset.Z) / t.Scale.Z,
	}
}

// Invert maps a scaled point back to native space.
func (t *Transform) Invert(p Point) Point {
	if t == nil {
		return p
	}
	return Point{
		X: p.X*t.Scale.X + t.Offset.X,
		Y: p.Y*t.Scale.Y + t.Offset.Y,
		Z: p.Z*t.Scale.Z + t.Offset.Z,
	}
}

// ApplyBounds maps native bounds into the scaled space.
func (t *Transform) ApplyBounds(b Bounds) Bounds {
	if t == nil {
		return b
	}
	return NewBounds(t.Apply(b.Min), t.Apply(b.Max), b.Is3D)
}

// InvertBounds maps scaled bounds back to native space.
func (t *Transform) InvertBounds(b Bounds) Bounds {
	if t == nil {
		return b
	}
	return NewBounds(t.Invert(b.Min), t.Invert(b.Max), b.Is3D)
}

// Bounds is an axis-aligned box. A 2D box ignores Z entirely.
type Bounds struct {
	Min  Point
	Max  Point
	Is3D bool
}

// NewBounds normalizes min/max per axis.
func NewBounds(a, b Point, is3D bool) Bounds {
	return Bounds{
		Min:  Point{math.Min(a.X, b.X), math.Min(a.Y, b.Y), math.Min(a.Z, b.Z)},
		Max:  Point{math.Max(a.X, b.X), math.Max(a.Y, b.Y), math.Max(a.Z, b.Z)},
		Is3D: is3D,
	}
}

// ParseBounds builds Bounds from [xmin, ymin, xmax, ymax] or
// [xmin, ymin, zmin, xmax, ymax, zmax].
func ParseBounds(v []float64) (Bounds, error) {
	for _, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Bounds{}, errors.New(errors.ErrorTypeValidation, "bounds must be finite")
		}
	}
	switch len(v) {
	case 4:
		return NewBounds(Point{v[0], v[1], 0}, Point{v[2], v[3], 0}, false), nil
	case 6:
		return NewBounds(Point{v[0], v[1], v[2]}, Point{v[3], v[4], v[5]}, true), nil
	default:
		return Bounds{}, errors.Newf(errors.ErrorTypeValidation, "bounds must have 4 or 6 elements, got %d", len(v))
	}
}

// Array renders the bounds in the same layout ParseBounds accepts.
func (b Bounds) Array() []float64 {
	if !b.Is3D {
		return []float64{b.Min.X, b.Min.Y, b.Max.X, b.Max.Y}
	}
	return []float64{b.Min.X, b.Min.Y, b.Min.Z, b.Max.X, b.Max.Y, b.Max.Z}
}

// Mid returns the center of the box.
func (b Bounds) Mid() Point {
	return Point{
		X: b.Min.X + (b.Max.X-b.Min.X)/2,
		Y: b.Min.Y + (b.Max.Y-b.Min.Y)/2,
		Z: b.Min.Z + (b.Max.Z-b.Min.Z)/2,
	}
}

// Contains reports whether p lies inside b, edges inclusive.
func (b Bounds) Contains(p Point) bool {
	if p.X < b.Min.X || p.X > b.Max.X || p.Y < b.Min.Y || p.Y > b.Max.Y {
		return false
	}
	if b.Is3D && (p.Z < b.Min.Z || p.Z > b.Max.Z) {
		return false
	}
	return true
}

// Overlaps reports whether two boxes intersect, edges inclusive. Z is
// compared only when both boxes are 3D.
func (b Bounds) Overlaps(o Bounds) bool {
	if b.Max.X < o.Min.X || o.Max.X < b.Min.X || b.Max.Y < o.Min.Y || o.Max.Y < b.Min.Y {
		return false
	}
	if b.Is3D && o.Is3D && (b.Max.Z < o.Min.Z || o.Max.Z < b.Min.Z) {
		return false
	}
	return true
}

// Grow expands b to include p.
func (b Bounds) Grow(p Point) Bounds {
	return Bounds{
		Min:  Point{math.Min(b.Min.X, p.X), math.Min(b.Min.Y, p.Y), math.Min(b.Min.Z, p.Z)},
		Max:  Point{math.Max(b.Max.X, p.X), math.Max(b.Max.Y, p.Y), math.Max(b.Max.Z, p.Z)},
		Is3D: b.Is3D,
	}
}

// Cubeify returns the smallest cube centered on b that contains it, so that
// octree children stay cubic.
func (b Bounds) Cubeify() Bounds {
	mid := b.Mid()
	half := math.Max(b.Max.X-b.Min.X, math.Max(b.Max.Y-b.Min.Y, b.Max.Z-b.Min.Z)) / 2
	if half == 0 {
		half = 0.5
	}
	return Bounds{
		Min:  Point{mid.X - half, mid.Y - half, mid.Z - half},
		Max:  Point{mid.X + half, mid.Y + half, mid.Z + half},
		Is3D: true,
	}
}

// Direction identifies one octant of a box.
type Direction int

// Octants, named south/north, west/east, down/up.
const (
	Swd Direction = iota
	Sed
	Nwd
	Ned
	Swu
	Seu
	Nwu
	Neu
)

var directionNames = [8]string{"swd", "sed", "nwd", "ned", "swu", "seu", "nwu", "neu"}

func (d Direction) String() string {
	if d < 0 || int(d) >= len(directionNames) {
		return fmt.Sprintf("direction(%d)", int(d))
	}
	return directionNames[d]
}

// DirectionOf returns the octant of b that p falls in. Points on a midline
// go to the east/north/up side.
func (b Bounds) DirectionOf(p Point) Direction {
	mid := b.Mid()
	d := 0
	if p.X >= mid.X {
		d |= 1
	}
	if p.Y >= mid.Y {
		d |= 2
	}
	if p.Z >= mid.Z {
		d |= 4
	}
	return Direction(d)
}

// Octant returns the child box of b in direction d.
func (b Bounds) Octant(d Direction) Bounds {
	mid := b.Mid()
	o := Bounds{Min: b.Min, Max: mid, Is3D: b.Is3D}
	if d&1 != 0 {
		o.Min.X, o.Max.X = mid.X, b.Max.X
	}
	if d&2 != 0 {
		o.Min.Y, o.Max.Y = mid.Y, b.Max.Y
	}
	if d&4 != 0 {
		o.Min.Z, o.Max.Z = mid.Z, b.Max.Z
	}
	return o
}
