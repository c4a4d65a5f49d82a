// Package fusion ranks per-atlas landmark predictions and combines the best
// of them into a consensus landmark set.
package fusion

import (
	"errors"
	"fmt"
	"sort"

	"landmarkpredict/internal/models"
	"landmarkpredict/pkg/geometry"
)

// DefaultK is the number of top-ranked candidates fused by default.
const DefaultK = 12

var (
	// ErrNoCandidates is returned when there is nothing to fuse.
	ErrNoCandidates = errors.New("no candidates")

	// ErrShapeMismatch is returned when candidates disagree on landmark count.
	ErrShapeMismatch = errors.New("candidate landmark counts differ")
)

// Rank returns the candidates ordered by inlier count, highest first. Equal
// counts keep their arrival order. The input slice is not modified.
func Rank(candidates []models.Candidate) []models.Candidate {
	ranked := make([]models.Candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Inliers > ranked[j].Inliers
	})
	return ranked
}

// Fuse takes the first min(k, len(ranked)) candidates and returns, for every
// landmark and axis, the median of their predicted coordinates. All selected
// candidates must carry the same number of landmarks.
func Fuse(ranked []models.Candidate, k int) (geometry.PointSet, int, error) {
	if k < 1 {
		return nil, 0, fmt.Errorf("k must be at least 1, got %d", k)
	}
	if len(ranked) == 0 {
		return nil, 0, ErrNoCandidates
	}
	if k > len(ranked) {
		k = len(ranked)
	}
	top := ranked[:k]

	n := len(top[0].Landmarks)
	for _, c := range top[1:] {
		if len(c.Landmarks) != n {
			return nil, 0, fmt.Errorf("atlas %s has %d landmarks, atlas %s has %d: %w",
				c.AtlasID, len(c.Landmarks), top[0].AtlasID, n, ErrShapeMismatch)
		}
	}

	out := make(geometry.PointSet, n)
	values := make([]float64, k)
	for i := 0; i < n; i++ {
		var coords [3]float64
		for d := 0; d < 3; d++ {
			for j, c := range top {
				values[j] = c.Landmarks[i].Axis(d)
			}
			coords[d] = median(values)
		}
		out[i] = geometry.Point3D{X: coords[0], Y: coords[1], Z: coords[2]}
	}
	return out, k, nil
}

// FuseTopK ranks the candidates and fuses the best k of them.
func FuseTopK(candidates []models.Candidate, k int) (geometry.PointSet, []models.Candidate, int, error) {
	ranked := Rank(candidates)
	pts, used, err := Fuse(ranked, k)
	return pts, ranked, used, err
}

// median returns the median of values; even counts average the two middle
// values. values is reordered in place.
func median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sort.Float64s(values)
	if n%2 == 0 {
		return (values[n/2-1] + values[n/2]) / 2
	}
	return values[n/2]
}
