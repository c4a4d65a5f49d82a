// Package analysis measures how the number of fused atlases affects
// prediction accuracy against known target landmarks.
package analysis

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"landmarkpredict/internal/models"
	"landmarkpredict/pkg/fusion"
	"landmarkpredict/pkg/geometry"
)

// DefaultMaxK is the largest K evaluated by a sweep.
const DefaultMaxK = 30

// Sweep defaults differ from prediction: fewer, stronger correspondences.
const (
	DefaultMinSamples        = 10
	DefaultResidualThreshold = 12.0
)

// CSVHeader is the comment line heading a sweep summary.
const CSVHeader = "# K,Mean,Std"

// ErrShapeMismatch is returned when a prediction and its ground truth differ
// in landmark count.
var ErrShapeMismatch = errors.New("prediction and ground truth differ in landmark count")

// TRE returns the target registration error: the mean Euclidean distance
// between corresponding predicted and true landmarks.
func TRE(pred, truth geometry.PointSet) (float64, error) {
	if len(pred) != len(truth) {
		return 0, fmt.Errorf("%d predicted, %d true: %w", len(pred), len(truth), ErrShapeMismatch)
	}
	if len(pred) == 0 {
		return 0, fmt.Errorf("empty landmark set: %w", ErrShapeMismatch)
	}
	d := make([]float64, len(pred))
	for i := range pred {
		d[i] = pred[i].Distance(truth[i])
	}
	return stat.Mean(d, nil), nil
}

// ErrorsByK fuses the top 1, 2, ... min(len(ranked), maxK) candidates and
// returns the TRE of each fusion against truth. Element i holds K = i+1.
func ErrorsByK(ranked []models.Candidate, truth geometry.PointSet, maxK int) ([]float64, error) {
	if maxK < 1 {
		return nil, fmt.Errorf("maxK must be at least 1, got %d", maxK)
	}
	n := min(len(ranked), maxK)
	if n == 0 {
		return nil, fusion.ErrNoCandidates
	}
	curve := make([]float64, n)
	for k := 1; k <= n; k++ {
		pred, _, err := fusion.Fuse(ranked, k)
		if err != nil {
			return nil, err
		}
		tre, err := TRE(pred, truth)
		if err != nil {
			return nil, fmt.Errorf("k=%d: %w", k, err)
		}
		curve[k-1] = tre
	}
	return curve, nil
}

// KStat summarises the TRE of one K across subjects.
type KStat struct {
	K    int
	Mean float64
	Std  float64

	// N is the number of subjects with at least K candidates
	N int
}

// Sweep accumulates per-subject TRE curves.
type Sweep struct {
	maxK     int
	byK      [][]float64
	subjects int
}

// NewSweep creates a sweep over K = 1..maxK.
func NewSweep(maxK int) *Sweep {
	if maxK < 1 {
		maxK = DefaultMaxK
	}
	return &Sweep{maxK: maxK, byK: make([][]float64, maxK)}
}

// Add records one subject's curve. Values beyond maxK are ignored.
func (s *Sweep) Add(curve []float64) {
	if len(curve) == 0 {
		return
	}
	for i, v := range curve {
		if i >= s.maxK {
			break
		}
		s.byK[i] = append(s.byK[i], v)
	}
	s.subjects++
}

// Subjects returns the number of curves added.
func (s *Sweep) Subjects() int { return s.subjects }

// Summarize returns the mean and population standard deviation of the TRE
// for every K that at least one subject reached.
func (s *Sweep) Summarize() []KStat {
	var out []KStat
	for i, vals := range s.byK {
		if len(vals) == 0 {
			continue
		}
		mean, std := stat.PopMeanStdDev(vals, nil)
		out = append(out, KStat{K: i + 1, Mean: mean, Std: std, N: len(vals)})
	}
	return out
}

// Best returns the row with the lowest mean TRE. Ties go to the smaller K.
func Best(stats []KStat) (KStat, bool) {
	if len(stats) == 0 {
		return KStat{}, false
	}
	means := make([]float64, len(stats))
	for i, st := range stats {
		means[i] = st.Mean
	}
	return stats[floats.MinIdx(means)], true
}

// WriteCSV writes the summary as "K,Mean,Std" rows under a comment header.
func WriteCSV(w io.Writer, stats []KStat) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, CSVHeader)
	for _, st := range stats {
		fmt.Fprintf(bw, "%d,%.4f,%.4f\n", st.K, st.Mean, st.Std)
	}
	return bw.Flush()
}

// WriteCSVFile writes the summary to path, creating its directory.
func WriteCSVFile(path string, stats []KStat) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCSV(f, stats); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
