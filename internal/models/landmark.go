package models

import (
	"landmarkpredict/pkg/geometry"
)

// CorrespondencePair holds matched points from one target/atlas matcher run.
// Target[i] and Atlas[i] are the two ends of correspondence i.
type CorrespondencePair struct {
	// Target holds the points in the target image's feature space
	Target geometry.PointSet

	// Atlas holds the points in the atlas image's feature space
	Atlas geometry.PointSet
}

// Len returns the number of correspondences in the pair.
func (c CorrespondencePair) Len() int { return len(c.Target) }

// EstimationResult is the outcome of a robust affine fit.
type EstimationResult struct {
	// Transform is nil when estimation failed
	Transform *geometry.AffineTransform

	// Inliers is the number of correspondences within the residual threshold,
	// zero when estimation failed
	Inliers int

	// InlierMask flags the correspondences counted in Inliers
	InlierMask []bool

	// MeanResidual is the mean inlier residual under the refit transform
	MeanResidual float64
}

// OK reports whether the estimation produced a transform.
func (r EstimationResult) OK() bool { return r.Transform != nil }

// Candidate is one atlas's prediction of the target landmarks.
type Candidate struct {
	// AtlasID identifies the atlas the prediction came from
	AtlasID string

	// Inliers is the estimation confidence used for ranking
	Inliers int

	// Landmarks is the atlas ground truth mapped into target space
	Landmarks geometry.PointSet
}

// AtlasInput names the two correspondence files produced for one target/atlas pair.
type AtlasInput struct {
	// AtlasID is the resolved atlas identifier used for ground-truth lookup
	AtlasID string

	// TargetMatches is the correspondence file in target space (img1)
	TargetMatches string

	// AtlasMatches is the correspondence file in atlas space (img2)
	AtlasMatches string
}

// Outcome classifies what happened to a single atlas during subject processing.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeSelfMatch
	OutcomeMatchMissing
	OutcomeParseFailed
	OutcomeTooFewPoints
	OutcomeEstimationFailed
	OutcomeGroundTruthMissing
)

var outcomeNames = [...]string{
	OutcomeOK:                 "ok",
	OutcomeSelfMatch:          "self-match",
	OutcomeMatchMissing:       "match-missing",
	OutcomeParseFailed:        "parse-failed",
	OutcomeTooFewPoints:       "too-few-points",
	OutcomeEstimationFailed:   "estimation-failed",
	OutcomeGroundTruthMissing: "ground-truth-missing",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return "unknown"
	}
	return outcomeNames[o]
}

// Glyph returns the one-character progress marker for the outcome.
func (o Outcome) Glyph() string {
	switch o {
	case OutcomeOK:
		return "."
	case OutcomeGroundTruthMissing:
		return "G"
	case OutcomeEstimationFailed:
		return "-"
	case OutcomeTooFewPoints:
		return "o"
	case OutcomeMatchMissing:
		return "x"
	case OutcomeParseFailed:
		return "p"
	default:
		return ""
	}
}

// Progress is reported once per atlas while a subject is processed.
type Progress struct {
	SubjectID string
	AtlasID   string
	Outcome   Outcome
	Inliers   int
	Err       error
}

// AtlasStats counts atlas outcomes for one subject.
type AtlasStats map[Outcome]int

// Total returns the number of atlases recorded.
func (s AtlasStats) Total() int {
	n := 0
	for _, c := range s {
		n += c
	}
	return n
}

// SubjectResult is the fused prediction for one target subject.
type SubjectResult struct {
	SubjectID string

	// Prediction is the consensus landmark set
	Prediction geometry.PointSet

	// Ranked holds every candidate, best first
	Ranked []Candidate

	// Used is the number of candidates fused (min(K, len(Ranked)))
	Used int

	// MaxInliers is the inlier count of the best candidate
	MaxInliers int

	Stats AtlasStats
}
