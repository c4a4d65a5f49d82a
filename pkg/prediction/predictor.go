// Package prediction runs the multi-atlas landmark pipeline for target
// subjects: every atlas's correspondences are turned into a robust affine
// transform, the atlas ground truth is mapped into target space, and the
// best-ranked candidates are fused into one consensus landmark set.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"landmarkpredict/internal/models"
	"landmarkpredict/pkg/correspondence"
	"landmarkpredict/pkg/fusion"
	"landmarkpredict/pkg/groundtruth"
	"landmarkpredict/pkg/matcher"
	"landmarkpredict/pkg/ransac"
)

// Error classes reported by the pipeline. Callers classify with errors.Is.
var (
	ErrParseFailure       = correspondence.ErrParseFailure
	ErrEstimationFailure  = ransac.ErrEstimationFailure
	ErrGroundTruthMissing = groundtruth.ErrNotFound
	ErrNoCandidates       = fusion.ErrNoCandidates
	ErrMatchMissing       = matcher.ErrNoMatches
	ErrFatalConfig        = matcher.ErrFatalConfig
)

// Params holds the settings of a Predictor.
type Params struct {
	// K is the number of top-ranked candidates fused per subject
	K int

	// Estimator configures the robust affine fit
	Estimator ransac.Params

	// GroundTruth locates the atlas landmark files
	GroundTruth *groundtruth.Resolver

	// Workers bounds the number of subjects processed concurrently by
	// PredictBatch. Zero means one.
	Workers int

	// Progress, when set, is called once per atlas. Calls are serialised.
	Progress func(models.Progress)
}

// DefaultParams returns the standard pipeline settings for atlases in dir.
func DefaultParams(atlasDir string) Params {
	return Params{
		K:           fusion.DefaultK,
		Estimator:   ransac.DefaultParams(),
		GroundTruth: groundtruth.NewResolver(atlasDir),
		Workers:     1,
	}
}

// Predictor produces consensus landmark predictions. It is safe for
// concurrent use.
type Predictor struct {
	params    Params
	estimator *ransac.Estimator
	mu        sync.Mutex
}

// New validates params and creates a Predictor.
//
// Returns:
//   - an error wrapping ErrFatalConfig if K, the estimator settings or the
//     ground-truth resolver are unusable
func New(params Params) (*Predictor, error) {
	if params.K < 1 {
		return nil, fmt.Errorf("k must be at least 1, got %d: %w", params.K, ErrFatalConfig)
	}
	if err := params.Estimator.Validate(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrFatalConfig)
	}
	if params.GroundTruth == nil {
		return nil, fmt.Errorf("no ground-truth resolver: %w", ErrFatalConfig)
	}
	if params.Workers < 1 {
		params.Workers = 1
	}
	return &Predictor{
		params:    params,
		estimator: ransac.NewEstimator(params.Estimator),
	}, nil
}

// Params returns the predictor settings.
func (p *Predictor) Params() Params { return p.params }

// PredictSubject builds one candidate per usable atlas and fuses the top K.
//
// Atlases naming the subject itself are skipped. Per-atlas failures are
// counted in the result's Stats and reported through Progress; they never
// abort the subject.
//
// Parameters:
//   - subjectID: identifier of the target subject
//   - atlases: correspondence files for each atlas, in processing order
//
// Returns:
//   - the fused prediction with every ranked candidate
//   - an error wrapping ErrNoCandidates when no atlas produced a candidate
func (p *Predictor) PredictSubject(subjectID string, atlases []models.AtlasInput) (*models.SubjectResult, error) {
	result := &models.SubjectResult{SubjectID: subjectID, Stats: models.AtlasStats{}}

	var candidates []models.Candidate
	for _, in := range atlases {
		c, outcome, err := p.evaluate(subjectID, in)
		result.Stats[outcome]++
		p.report(models.Progress{
			SubjectID: subjectID,
			AtlasID:   in.AtlasID,
			Outcome:   outcome,
			Inliers:   c.Inliers,
			Err:       err,
		})
		if outcome == models.OutcomeOK {
			candidates = append(candidates, c)
		}
	}

	if len(candidates) == 0 {
		return result, fmt.Errorf("subject %s: %w", subjectID, ErrNoCandidates)
	}

	prediction, ranked, used, err := fusion.FuseTopK(candidates, p.params.K)
	if err != nil {
		return result, fmt.Errorf("subject %s: %w", subjectID, err)
	}
	result.Prediction = prediction
	result.Ranked = ranked
	result.Used = used
	result.MaxInliers = ranked[0].Inliers
	return result, nil
}

// evaluate turns one atlas into a candidate. The atlas points are the source
// and the target points the destination, so the fitted transform carries
// atlas landmarks into target space.
func (p *Predictor) evaluate(subjectID string, in models.AtlasInput) (models.Candidate, models.Outcome, error) {
	c := models.Candidate{AtlasID: in.AtlasID}

	if matcher.SameSubject(subjectID, in.AtlasID) {
		return c, models.OutcomeSelfMatch, nil
	}
	for _, path := range []string{in.TargetMatches, in.AtlasMatches} {
		if _, err := os.Stat(path); err != nil {
			return c, models.OutcomeMatchMissing, fmt.Errorf("atlas %s: %w", in.AtlasID, ErrMatchMissing)
		}
	}

	pair, err := correspondence.LoadPair(in.TargetMatches, in.AtlasMatches)
	if err != nil {
		return c, models.OutcomeParseFailed, err
	}
	if pair.Len() < p.params.Estimator.MinSamples {
		return c, models.OutcomeTooFewPoints, fmt.Errorf("atlas %s: %d correspondences: %w",
			in.AtlasID, pair.Len(), ErrEstimationFailure)
	}

	est, err := p.estimator.Estimate(pair.Atlas, pair.Target)
	if err != nil {
		return c, models.OutcomeEstimationFailed, fmt.Errorf("atlas %s: %w", in.AtlasID, err)
	}

	gt, err := p.params.GroundTruth.Resolve(in.AtlasID)
	if err != nil {
		if !errors.Is(err, ErrGroundTruthMissing) {
			err = fmt.Errorf("%w: %w", err, ErrGroundTruthMissing)
		}
		return c, models.OutcomeGroundTruthMissing, err
	}

	c.Inliers = est.Inliers
	c.Landmarks = est.Transform.ApplyAll(gt)
	return c, models.OutcomeOK, nil
}

func (p *Predictor) report(ev models.Progress) {
	if p.params.Progress == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.params.Progress(ev)
}

// AtlasSource produces the correspondence files of a subject, typically by
// running the matcher. The returned release function, if not nil, is called
// once the subject has been processed.
type AtlasSource interface {
	Atlases(ctx context.Context, subjectID string) ([]models.AtlasInput, func(), error)
}

// Subject is one target of a batch.
type Subject struct {
	ID string

	// Atlases lists ready correspondence files. Ignored when Source is set.
	Atlases []models.AtlasInput

	// Source, when set, produces the correspondence files on demand
	Source AtlasSource
}

// SubjectOutcome is the result of one subject in a batch.
type SubjectOutcome struct {
	SubjectID string
	Result    *models.SubjectResult
	Err       error
}

// PredictBatch processes subjects on a bounded pool of Workers goroutines.
// Outcomes are returned in input order. A failing subject does not stop the
// batch; cancelling ctx stops new subjects from being started.
func (p *Predictor) PredictBatch(ctx context.Context, subjects []Subject) []SubjectOutcome {
	outcomes := make([]SubjectOutcome, len(subjects))

	var g errgroup.Group
	g.SetLimit(p.params.Workers)
	for i, s := range subjects {
		if err := ctx.Err(); err != nil {
			outcomes[i] = SubjectOutcome{SubjectID: s.ID, Err: err}
			continue
		}
		i, s := i, s
		g.Go(func() error {
			outcomes[i] = p.runSubject(ctx, s)
			return nil
		})
	}
	g.Wait()
	return outcomes
}

func (p *Predictor) runSubject(ctx context.Context, s Subject) SubjectOutcome {
	out := SubjectOutcome{SubjectID: s.ID}
	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}

	atlases := s.Atlases
	if s.Source != nil {
		inputs, release, err := s.Source.Atlases(ctx, s.ID)
		if release != nil {
			defer release()
		}
		if err != nil {
			out.Err = fmt.Errorf("subject %s: %w", s.ID, err)
			return out
		}
		atlases = inputs
	}

	out.Result, out.Err = p.PredictSubject(s.ID, atlases)
	return out
}
