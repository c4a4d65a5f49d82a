// Package geometry provides the 3D point and affine transform types shared by the
// landmark prediction pipeline. Coordinates are physical-space values, typically mm.
package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Point3D is a single coordinate in physical space.
type Point3D struct {
	X, Y, Z float64
}

// Vec returns the point as a gonum r3 vector.
func (p Point3D) Vec() r3.Vec { return r3.Vec(p) }

// FromVec converts a gonum r3 vector back to a point.
func FromVec(v r3.Vec) Point3D { return Point3D(v) }

// Distance returns the Euclidean distance between two points.
func (p Point3D) Distance(q Point3D) float64 {
	return r3.Norm(r3.Sub(p.Vec(), q.Vec()))
}

// Axis returns the coordinate along axis 0 (x), 1 (y) or 2 (z).
func (p Point3D) Axis(d int) float64 {
	switch d {
	case 0:
		return p.X
	case 1:
		return p.Y
	case 2:
		return p.Z
	default:
		panic("illegal dimension")
	}
}

// IsFinite reports whether none of the coordinates is NaN or infinite.
func (p Point3D) IsFinite() bool {
	for d := 0; d < 3; d++ {
		v := p.Axis(d)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (p Point3D) String() string {
	return fmt.Sprintf("(%.4f, %.4f, %.4f)", p.X, p.Y, p.Z)
}

// PointSet is an ordered sequence of points. When two sets are paired as
// correspondences, index i of one set matches index i of the other.
type PointSet []Point3D

// Len returns the number of points in the set.
func (s PointSet) Len() int { return len(s) }

// Clone returns an independent copy of the set.
func (s PointSet) Clone() PointSet {
	if s == nil {
		return nil
	}
	out := make(PointSet, len(s))
	copy(out, s)
	return out
}

// Subset returns the points at the given indices, in index order.
func (s PointSet) Subset(indices []int) PointSet {
	out := make(PointSet, len(indices))
	for i, idx := range indices {
		out[i] = s[idx]
	}
	return out
}

// Centroid returns the mean position of the set, or the origin for an empty set.
func (s PointSet) Centroid() Point3D {
	if len(s) == 0 {
		return Point3D{}
	}
	var sum r3.Vec
	for _, p := range s {
		sum = r3.Add(sum, p.Vec())
	}
	return FromVec(r3.Scale(1/float64(len(s)), sum))
}

// Bounds returns the axis-aligned bounding box of the set.
func (s PointSet) Bounds() (lo, hi Point3D) {
	if len(s) == 0 {
		return Point3D{}, Point3D{}
	}
	lo, hi = s[0], s[0]
	for _, p := range s[1:] {
		lo.X = math.Min(lo.X, p.X)
		lo.Y = math.Min(lo.Y, p.Y)
		lo.Z = math.Min(lo.Z, p.Z)
		hi.X = math.Max(hi.X, p.X)
		hi.Y = math.Max(hi.Y, p.Y)
		hi.Z = math.Max(hi.Z, p.Z)
	}
	return lo, hi
}
