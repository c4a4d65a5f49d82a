// Package ransac fits an affine transform between two 3D point sets while
// tolerating gross outlier correspondences.
//
// Each trial draws MinSamples distinct correspondences, fits a least-squares
// affine map on them and counts the correspondences whose Euclidean residual
// is within ResidualThreshold. The model with the most inliers wins (first
// found on ties) and the returned transform is an ordinary least-squares refit
// on those inliers only.
//
// Trial count and seeding: at most MaxTrials samples are drawn. Once a model
// with inlier ratio w is known, the budget shrinks to the usual bound
// log(1-StopProbability) / log(1-w^MinSamples). Every call builds its own
// random source from Seed, so identical inputs always give identical results
// and concurrent calls do not share state.
package ransac

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"landmarkpredict/internal/models"
	"landmarkpredict/pkg/geometry"
)

// ErrEstimationFailure is returned when no reliable transform can be estimated.
var ErrEstimationFailure = errors.New("affine estimation failed")

// Params controls the robust estimation.
type Params struct {
	// MinSamples is the number of correspondences defining a candidate model
	MinSamples int

	// ResidualThreshold is the distance beyond which a correspondence is an outlier,
	// in input coordinate units
	ResidualThreshold float64

	// MaxTrials bounds the number of random samples drawn
	MaxTrials int

	// StopProbability is the confidence at which sampling stops early
	StopProbability float64

	// Seed initialises the per-call random source
	Seed int64
}

// DefaultParams returns the parameters used by the prediction tool.
func DefaultParams() Params {
	return Params{
		MinSamples:        5,
		ResidualThreshold: 15.0,
		MaxTrials:         100,
		StopProbability:   0.99,
		Seed:              42,
	}
}

// Validate checks that the parameters can define an affine model.
func (p Params) Validate() error {
	if p.MinSamples < geometry.MinAffinePoints {
		return fmt.Errorf("min samples must be at least %d, got %d", geometry.MinAffinePoints, p.MinSamples)
	}
	if p.ResidualThreshold <= 0 {
		return fmt.Errorf("residual threshold must be positive, got %g", p.ResidualThreshold)
	}
	if p.MaxTrials < 1 {
		return fmt.Errorf("max trials must be at least 1, got %d", p.MaxTrials)
	}
	if p.StopProbability <= 0 || p.StopProbability > 1 {
		return fmt.Errorf("stop probability must be in (0, 1], got %g", p.StopProbability)
	}
	return nil
}

// Estimator performs robust affine estimation. It holds no mutable state and
// is safe for concurrent use.
type Estimator struct {
	params Params
}

// NewEstimator creates an estimator with the given parameters.
func NewEstimator(params Params) *Estimator {
	return &Estimator{params: params}
}

// Params returns the estimator configuration.
func (e *Estimator) Params() Params { return e.params }

// Estimate fits dst ≈ T(src). A failed estimation returns a zero result
// (nil transform, zero inliers) together with an error wrapping
// ErrEstimationFailure; it never panics on degenerate input.
func (e *Estimator) Estimate(src, dst geometry.PointSet) (models.EstimationResult, error) {
	p := e.params
	n := len(src)
	if n != len(dst) {
		return models.EstimationResult{}, fmt.Errorf("point count mismatch %d vs %d: %w", n, len(dst), ErrEstimationFailure)
	}
	if n < p.MinSamples || p.MinSamples < geometry.MinAffinePoints {
		return models.EstimationResult{}, fmt.Errorf("%d correspondences, need %d: %w", n, p.MinSamples, ErrEstimationFailure)
	}

	rng := rand.New(rand.NewSource(p.Seed))
	sample := make([]int, p.MinSamples)

	var bestMask []bool
	bestInliers := 0
	maxTrials := p.MaxTrials
	for trial := 0; trial < maxTrials; trial++ {
		drawSample(rng, n, sample)

		model, err := geometry.FitAffineLeastSquares(src.Subset(sample), dst.Subset(sample))
		if err != nil {
			continue
		}

		mask, count := inliers(model, src, dst, p.ResidualThreshold)
		if count > bestInliers {
			bestInliers = count
			bestMask = mask
			if count == n {
				break
			}
			if budget := trialBudget(count, n, p.MinSamples, p.StopProbability); budget < maxTrials {
				maxTrials = budget
			}
		}
	}

	if bestInliers < p.MinSamples {
		return models.EstimationResult{}, fmt.Errorf("best model has %d inliers, need %d: %w", bestInliers, p.MinSamples, ErrEstimationFailure)
	}

	idx := make([]int, 0, bestInliers)
	for i, in := range bestMask {
		if in {
			idx = append(idx, i)
		}
	}
	refit, err := geometry.FitAffineLeastSquares(src.Subset(idx), dst.Subset(idx))
	if err != nil {
		return models.EstimationResult{}, fmt.Errorf("inlier refit: %v: %w", err, ErrEstimationFailure)
	}

	var sum float64
	for i, r := range Residuals(refit, src, dst) {
		if bestMask[i] {
			sum += r
		}
	}

	return models.EstimationResult{
		Transform:    &refit,
		Inliers:      bestInliers,
		InlierMask:   bestMask,
		MeanResidual: sum / float64(bestInliers),
	}, nil
}

// Residuals returns the Euclidean residual of every correspondence under t.
func Residuals(t geometry.AffineTransform, src, dst geometry.PointSet) []float64 {
	out := make([]float64, len(src))
	for i := range src {
		out[i] = t.Apply(src[i]).Distance(dst[i])
	}
	return out
}

func inliers(t geometry.AffineTransform, src, dst geometry.PointSet, threshold float64) ([]bool, int) {
	mask := make([]bool, len(src))
	count := 0
	for i := range src {
		if t.Apply(src[i]).Distance(dst[i]) <= threshold {
			mask[i] = true
			count++
		}
	}
	return mask, count
}

// drawSample fills sample with distinct indices in [0, n) using a partial
// Fisher-Yates shuffle.
func drawSample(rng *rand.Rand, n int, sample []int) {
	k := len(sample)
	if k == n {
		for i := range sample {
			sample[i] = i
		}
		return
	}
	chosen := make(map[int]int, k)
	for i := 0; i < k; i++ {
		j := i + rng.Intn(n-i)
		vi, ok := chosen[i]
		if !ok {
			vi = i
		}
		vj, ok := chosen[j]
		if !ok {
			vj = j
		}
		chosen[j] = vi
		sample[i] = vj
	}
}

// trialBudget is the number of trials needed to draw an all-inlier sample
// with the given probability when a fraction inliers/n of the data are inliers.
func trialBudget(inliers, n, minSamples int, probability float64) int {
	if probability >= 1 {
		return math.MaxInt
	}
	w := float64(inliers) / float64(n)
	pAllInliers := math.Pow(w, float64(minSamples))
	if pAllInliers <= 0 {
		return math.MaxInt
	}
	if pAllInliers >= 1 {
		return 0
	}
	trials := math.Log(1-probability) / math.Log(1-pAllInliers)
	if math.IsInf(trials, 0) || math.IsNaN(trials) || trials > float64(math.MaxInt32) {
		return math.MaxInt
	}
	return int(math.Ceil(trials))
}
