package prediction

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"landmarkpredict/internal/models"
	"landmarkpredict/pkg/fcsv"
	"landmarkpredict/pkg/geometry"
	"landmarkpredict/pkg/groundtruth"
	"landmarkpredict/pkg/matcher"
)

var atlasToTarget = geometry.NewAffineTransform(
	[3][3]float64{
		{0.98, -0.12, 0.02},
		{0.11, 1.03, -0.05},
		{0.01, 0.06, 0.95},
	},
	[3]float64{4.5, -12.25, 8},
)

// writeMatches writes a correspondence pair mapped by t in the matcher's
// whitespace separated layout, with a leading index column.
func writeMatches(t *testing.T, dir, atlasID string, seed int64, n int, tr geometry.AffineTransform) models.AtlasInput {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	img1, img2 := matcher.MatchFiles(dir, atlasID)

	f1, err := os.Create(img1)
	require.NoError(t, err)
	defer f1.Close()
	f2, err := os.Create(img2)
	require.NoError(t, err)
	defer f2.Close()

	w1, w2 := bufio.NewWriter(f1), bufio.NewWriter(f2)
	fmt.Fprintln(w1, "# target keypoints")
	fmt.Fprintln(w2, "# atlas keypoints")
	for i := 0; i < n; i++ {
		a := geometry.Point3D{X: rng.Float64() * 150, Y: rng.Float64() * 180, Z: rng.Float64() * 150}
		b := tr.Apply(a)
		fmt.Fprintf(w1, "%d %.6f %.6f %.6f 2.5 0.75\n", i, b.X, b.Y, b.Z)
		fmt.Fprintf(w2, "%d %.6f %.6f %.6f 2.1 0.70\n", i, a.X, a.Y, a.Z)
	}
	require.NoError(t, w1.Flush())
	require.NoError(t, w2.Flush())
	return models.AtlasInput{AtlasID: atlasID, TargetMatches: img1, AtlasMatches: img2}
}

func writeCorrupt(t *testing.T, dir, atlasID string) models.AtlasInput {
	t.Helper()
	img1, img2 := matcher.MatchFiles(dir, atlasID)
	require.NoError(t, os.WriteFile(img1, []byte("# nothing\nkeypoint a b c d\n"), 0644))
	require.NoError(t, os.WriteFile(img2, []byte("# nothing\nkeypoint a b c d\n"), 0644))
	return models.AtlasInput{AtlasID: atlasID, TargetMatches: img1, AtlasMatches: img2}
}

var atlasLandmarks = geometry.PointSet{
	{X: 10, Y: 20, Z: 30},
	{X: -15.5, Y: 42, Z: 7.25},
	{X: 60, Y: -3, Z: 18},
	{X: 0, Y: 0, Z: 0},
}

func newTestPredictor(t *testing.T, atlasDir string, events *[]models.Progress) *Predictor {
	t.Helper()
	params := DefaultParams(atlasDir)
	if events != nil {
		params.Progress = func(ev models.Progress) { *events = append(*events, ev) }
	}
	p, err := New(params)
	require.NoError(t, err)
	return p
}

func TestPredictSubjectEndToEnd(t *testing.T) {
	atlasDir := t.TempDir()
	work := t.TempDir()
	require.NoError(t, fcsv.WriteFile(filepath.Join(atlasDir, "sub-0003"+groundtruth.DefaultSuffix+".fcsv"), atlasLandmarks))

	inputs := []models.AtlasInput{
		writeMatches(t, work, "sub-0001", 1, 40, atlasToTarget), // no ground truth
		writeCorrupt(t, work, "sub-0002"),
		writeMatches(t, work, "sub-0003", 3, 40, atlasToTarget),
	}

	var events []models.Progress
	p := newTestPredictor(t, atlasDir, &events)

	res, err := p.PredictSubject("sub-0100", inputs)
	require.NoError(t, err)

	require.Len(t, res.Ranked, 1)
	assert.Equal(t, "sub-0003", res.Ranked[0].AtlasID)
	assert.Equal(t, 40, res.MaxInliers)
	assert.Equal(t, 1, res.Used)

	want := atlasToTarget.ApplyAll(atlasLandmarks)
	require.Len(t, res.Prediction, len(want))
	for i := range want {
		assert.InDelta(t, 0, res.Prediction[i].Distance(want[i]), 1e-3, "landmark %d", i)
	}

	assert.Equal(t, 1, res.Stats[models.OutcomeOK])
	assert.Equal(t, 1, res.Stats[models.OutcomeGroundTruthMissing])
	assert.Equal(t, 1, res.Stats[models.OutcomeParseFailed])
	assert.Equal(t, 3, res.Stats.Total())

	require.Len(t, events, 3)
	assert.Equal(t, models.OutcomeGroundTruthMissing, events[0].Outcome)
	assert.True(t, errors.Is(events[0].Err, ErrGroundTruthMissing))
	assert.Equal(t, models.OutcomeParseFailed, events[1].Outcome)
	assert.True(t, errors.Is(events[1].Err, ErrParseFailure))
	assert.Equal(t, models.OutcomeOK, events[2].Outcome)
	assert.Equal(t, 40, events[2].Inliers)
}

func TestPredictSubjectOutcomes(t *testing.T) {
	atlasDir := t.TempDir()
	work := t.TempDir()
	for _, id := range []string{"sub-0001", "sub-0002", "sub-0003"} {
		require.NoError(t, fcsv.WriteFile(filepath.Join(atlasDir, id+groundtruth.DefaultSuffix+".fcsv"), atlasLandmarks))
	}
	missing1, missing2 := matcher.MatchFiles(work, "sub-0004")

	inputs := []models.AtlasInput{
		writeMatches(t, work, "sub-0001", 1, 40, atlasToTarget),
		writeMatches(t, work, "sub-0002", 2, 3, atlasToTarget),
		{AtlasID: "sub-0004", TargetMatches: missing1, AtlasMatches: missing2},
		writeMatches(t, work, "0100", 5, 40, atlasToTarget),
	}

	var events []models.Progress
	p := newTestPredictor(t, atlasDir, &events)
	res, err := p.PredictSubject("sub-0100", inputs)
	require.NoError(t, err)

	assert.Equal(t, models.AtlasStats{
		models.OutcomeOK:           1,
		models.OutcomeTooFewPoints: 1,
		models.OutcomeMatchMissing: 1,
		models.OutcomeSelfMatch:    1,
	}, res.Stats)
	assert.True(t, errors.Is(events[2].Err, ErrMatchMissing))
}

func TestPredictSubjectEstimationFailure(t *testing.T) {
	atlasDir := t.TempDir()
	work := t.TempDir()
	require.NoError(t, fcsv.WriteFile(filepath.Join(atlasDir, "sub-0001"+groundtruth.DefaultSuffix+".fcsv"), atlasLandmarks))

	// Unrelated point clouds: no affine model gathers enough inliers.
	img1, img2 := matcher.MatchFiles(work, "sub-0001")
	rng := rand.New(rand.NewSource(11))
	var b1, b2 []byte
	for i := 0; i < 20; i++ {
		b1 = fmt.Appendf(b1, "%d %.3f %.3f %.3f 5.0\n", i, rng.Float64()*1e4, rng.Float64()*1e4, rng.Float64()*1e4)
		b2 = fmt.Appendf(b2, "%d %.3f %.3f %.3f 1.0\n", i, rng.Float64()*100, rng.Float64()*100, rng.Float64()*100)
	}
	require.NoError(t, os.WriteFile(img1, b1, 0644))
	require.NoError(t, os.WriteFile(img2, b2, 0644))

	p := newTestPredictor(t, atlasDir, nil)
	res, err := p.PredictSubject("sub-0100", []models.AtlasInput{
		{AtlasID: "sub-0001", TargetMatches: img1, AtlasMatches: img2},
	})
	assert.True(t, errors.Is(err, ErrNoCandidates))
	assert.Equal(t, 1, res.Stats[models.OutcomeEstimationFailed])
}

func TestPredictSubjectFusesTopK(t *testing.T) {
	atlasDir := t.TempDir()
	work := t.TempDir()

	var inputs []models.AtlasInput
	sizes := []int{20, 50, 35}
	for i, n := range sizes {
		id := fmt.Sprintf("sub-%04d", i+1)
		require.NoError(t, fcsv.WriteFile(filepath.Join(atlasDir, id+groundtruth.DefaultSuffix+".fcsv"), atlasLandmarks))
		inputs = append(inputs, writeMatches(t, work, id, int64(i), n, atlasToTarget))
	}

	params := DefaultParams(atlasDir)
	params.K = 2
	p, err := New(params)
	require.NoError(t, err)

	res, err := p.PredictSubject("sub-0100", inputs)
	require.NoError(t, err)
	require.Len(t, res.Ranked, 3)
	assert.Equal(t, "sub-0002", res.Ranked[0].AtlasID)
	assert.Equal(t, "sub-0003", res.Ranked[1].AtlasID)
	assert.Equal(t, 2, res.Used)
	assert.Equal(t, 50, res.MaxInliers)
}

func TestNewRejectsBadParams(t *testing.T) {
	params := DefaultParams(t.TempDir())
	params.K = 0
	_, err := New(params)
	assert.True(t, errors.Is(err, ErrFatalConfig))

	params = DefaultParams(t.TempDir())
	params.Estimator.MinSamples = 2
	_, err = New(params)
	assert.True(t, errors.Is(err, ErrFatalConfig))

	params = DefaultParams(t.TempDir())
	params.GroundTruth = nil
	_, err = New(params)
	assert.True(t, errors.Is(err, ErrFatalConfig))
}

type fakeSource struct {
	inputs   map[string][]models.AtlasInput
	released []string
}

func (f *fakeSource) Atlases(ctx context.Context, subjectID string) ([]models.AtlasInput, func(), error) {
	in, ok := f.inputs[subjectID]
	if !ok {
		return nil, nil, errors.New("no keypoints")
	}
	return in, func() { f.released = append(f.released, subjectID) }, nil
}

func TestPredictBatch(t *testing.T) {
	atlasDir := t.TempDir()
	work := t.TempDir()
	require.NoError(t, fcsv.WriteFile(filepath.Join(atlasDir, "sub-0001"+groundtruth.DefaultSuffix+".fcsv"), atlasLandmarks))
	good := writeMatches(t, work, "sub-0001", 7, 30, atlasToTarget)

	src := &fakeSource{inputs: map[string][]models.AtlasInput{"sub-0200": {good}}}

	p := newTestPredictor(t, atlasDir, nil)
	outcomes := p.PredictBatch(context.Background(), []Subject{
		{ID: "sub-0100", Atlases: []models.AtlasInput{good}},
		{ID: "sub-0001", Atlases: []models.AtlasInput{good}},
		{ID: "sub-0200", Source: src},
		{ID: "sub-0300", Source: src},
	})

	require.Len(t, outcomes, 4)
	assert.Equal(t, "sub-0100", outcomes[0].SubjectID)
	require.NoError(t, outcomes[0].Err)
	assert.Len(t, outcomes[0].Result.Prediction, len(atlasLandmarks))

	assert.True(t, errors.Is(outcomes[1].Err, ErrNoCandidates))

	require.NoError(t, outcomes[2].Err)
	assert.Equal(t, []string{"sub-0200"}, src.released)

	assert.Error(t, outcomes[3].Err)
	assert.Nil(t, outcomes[3].Result)
}

func TestPredictBatchWorkersKeepOrder(t *testing.T) {
	atlasDir := t.TempDir()
	work := t.TempDir()
	require.NoError(t, fcsv.WriteFile(filepath.Join(atlasDir, "sub-0001"+groundtruth.DefaultSuffix+".fcsv"), atlasLandmarks))
	good := writeMatches(t, work, "sub-0001", 7, 30, atlasToTarget)

	params := DefaultParams(atlasDir)
	params.Workers = 4
	p, err := New(params)
	require.NoError(t, err)

	var subjects []Subject
	for i := 0; i < 10; i++ {
		subjects = append(subjects, Subject{ID: fmt.Sprintf("sub-%04d", 100+i), Atlases: []models.AtlasInput{good}})
	}
	outcomes := p.PredictBatch(context.Background(), subjects)
	for i, o := range outcomes {
		assert.Equal(t, subjects[i].ID, o.SubjectID)
		assert.NoError(t, o.Err)
	}
}

func TestPredictBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestPredictor(t, t.TempDir(), nil)
	outcomes := p.PredictBatch(ctx, []Subject{{ID: "a"}, {ID: "b"}})
	for _, o := range outcomes {
		assert.True(t, errors.Is(o.Err, context.Canceled))
	}
}
