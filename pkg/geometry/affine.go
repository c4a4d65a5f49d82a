package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// MinAffinePoints is the number of correspondences that determine a 3D affine map.
const MinAffinePoints = 4

// ErrDegenerate is returned when a point configuration cannot determine an affine map.
var ErrDegenerate = errors.New("degenerate point configuration")

// AffineTransform is a linear map plus translation from 3D to 3D, stored as a
// 3x4 coefficient matrix. Row i produces output axis i from (x, y, z, 1).
type AffineTransform struct {
	M [3][4]float64
}

// Identity returns the identity transform.
func Identity() AffineTransform {
	return AffineTransform{M: [3][4]float64{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}}
}

// Translation returns a translation-only transform.
func Translation(tx, ty, tz float64) AffineTransform {
	t := Identity()
	t.M[0][3] = tx
	t.M[1][3] = ty
	t.M[2][3] = tz
	return t
}

// NewAffineTransform builds a transform from a 3x3 linear part and a translation.
func NewAffineTransform(linear [3][3]float64, translation [3]float64) AffineTransform {
	var t AffineTransform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t.M[i][j] = linear[i][j]
		}
		t.M[i][3] = translation[i]
	}
	return t
}

// Apply maps a point through the transform: M · (x, y, z, 1).
func (t AffineTransform) Apply(p Point3D) Point3D {
	m := &t.M
	return Point3D{
		X: m[0][0]*p.X + m[0][1]*p.Y + m[0][2]*p.Z + m[0][3],
		Y: m[1][0]*p.X + m[1][1]*p.Y + m[1][2]*p.Z + m[1][3],
		Z: m[2][0]*p.X + m[2][1]*p.Y + m[2][2]*p.Z + m[2][3],
	}
}

// ApplyAll maps every point of the set and returns a new set.
func (t AffineTransform) ApplyAll(points PointSet) PointSet {
	out := make(PointSet, len(points))
	for i, p := range points {
		out[i] = t.Apply(p)
	}
	return out
}

// Matrix returns the 3x4 coefficient matrix as a gonum dense matrix.
func (t AffineTransform) Matrix() *mat.Dense {
	data := make([]float64, 0, 12)
	for i := 0; i < 3; i++ {
		data = append(data, t.M[i][:]...)
	}
	return mat.NewDense(3, 4, data)
}

// Homogeneous returns the 4x4 homogeneous form of the transform.
func (t AffineTransform) Homogeneous() *mat.Dense {
	h := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			h.Set(i, j, t.M[i][j])
		}
	}
	h.Set(3, 3, 1)
	return h
}

// IsFinite reports whether every coefficient is a finite number.
func (t AffineTransform) IsFinite() bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			if math.IsNaN(t.M[i][j]) || math.IsInf(t.M[i][j], 0) {
				return false
			}
		}
	}
	return true
}

// FitAffineLeastSquares computes the affine transform minimising the squared
// error of dst ≈ T(src). The source points are augmented with a constant 1
// column and the system [src | 1] · X = dst is solved by QR.
func FitAffineLeastSquares(src, dst PointSet) (AffineTransform, error) {
	n := len(src)
	if n != len(dst) {
		return AffineTransform{}, fmt.Errorf("point count mismatch: %d vs %d", n, len(dst))
	}
	if n < MinAffinePoints {
		return AffineTransform{}, fmt.Errorf("need at least %d points, got %d: %w", MinAffinePoints, n, ErrDegenerate)
	}

	A := mat.NewDense(n, 4, nil)
	B := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		A.Set(i, 0, src[i].X)
		A.Set(i, 1, src[i].Y)
		A.Set(i, 2, src[i].Z)
		A.Set(i, 3, 1)
		B.Set(i, 0, dst[i].X)
		B.Set(i, 1, dst[i].Y)
		B.Set(i, 2, dst[i].Z)
	}

	// Dense.Solve uses QR for the overdetermined case and reports
	// ill-conditioned systems as a mat.Condition error.
	var X mat.Dense
	if err := X.Solve(A, B); err != nil {
		return AffineTransform{}, fmt.Errorf("least squares solve: %v: %w", err, ErrDegenerate)
	}

	var t AffineTransform
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			t.M[i][j] = X.At(j, i)
		}
	}
	if !t.IsFinite() {
		return AffineTransform{}, ErrDegenerate
	}
	return t, nil
}
