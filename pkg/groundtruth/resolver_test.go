package groundtruth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"landmarkpredict/pkg/fcsv"
	"landmarkpredict/pkg/geometry"
)

func writeLandmarks(t *testing.T, path string, pts geometry.PointSet) {
	t.Helper()
	require.NoError(t, fcsv.WriteFile(path, pts))
}

func TestResolveExactName(t *testing.T) {
	dir := t.TempDir()
	pts := geometry.PointSet{{X: 1, Y: 2, Z: 3}, {X: 4, Y: 5, Z: 6}}
	writeLandmarks(t, filepath.Join(dir, "sub-0101"+DefaultSuffix+".fcsv"), pts)

	got, err := NewResolver(dir).Resolve("sub-0101")
	require.NoError(t, err)
	assert.Equal(t, pts, got)
}

func TestResolveSubjectPrefixVariants(t *testing.T) {
	dir := t.TempDir()
	withPrefix := geometry.PointSet{{X: 1, Y: 1, Z: 1}}
	withoutPrefix := geometry.PointSet{{X: 2, Y: 2, Z: 2}}
	writeLandmarks(t, filepath.Join(dir, "sub-0007"+DefaultSuffix+".fcsv"), withPrefix)
	writeLandmarks(t, filepath.Join(dir, "0009"+DefaultSuffix+".fcsv"), withoutPrefix)

	r := NewResolver(dir)

	got, err := r.Resolve("0007")
	require.NoError(t, err)
	assert.Equal(t, withPrefix, got)

	got, err = r.Resolve("sub-0009")
	require.NoError(t, err)
	assert.Equal(t, withoutPrefix, got)
}

func TestResolveExactWinsOverVariant(t *testing.T) {
	dir := t.TempDir()
	exact := geometry.PointSet{{X: 1, Y: 0, Z: 0}}
	writeLandmarks(t, filepath.Join(dir, "0003"+DefaultSuffix+".fcsv"), exact)
	writeLandmarks(t, filepath.Join(dir, "sub-0003"+DefaultSuffix+".fcsv"), geometry.PointSet{{X: 9, Y: 9, Z: 9}})

	got, err := NewResolver(dir).Resolve("0003")
	require.NoError(t, err)
	assert.Equal(t, exact, got)
}

func TestResolveExtendedFallbacks(t *testing.T) {
	dir := t.TempDir()
	csvPts := geometry.PointSet{{X: 3, Y: 3, Z: 3}}
	barePts := geometry.PointSet{{X: 4, Y: 4, Z: 4}}
	writeLandmarks(t, filepath.Join(dir, "sub-0020"+DefaultSuffix+".csv"), csvPts)
	writeLandmarks(t, filepath.Join(dir, "0021.fcsv"), barePts)

	basic := NewResolver(dir)
	_, err := basic.Resolve("sub-0020")
	assert.True(t, errors.Is(err, ErrNotFound))

	ext := &Resolver{Dir: dir, Suffix: DefaultSuffix, Extended: true}

	got, err := ext.Resolve("sub-0020_T1w.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, csvPts, got)

	got, err = ext.Resolve("sub-0021")
	require.NoError(t, err)
	assert.Equal(t, barePts, got)
}

func TestCandidatesOrder(t *testing.T) {
	r := &Resolver{Dir: "gt", Suffix: "_afids", Extended: true}
	assert.Equal(t, []string{
		filepath.Join("gt", "sub-01_afids.fcsv"),
		filepath.Join("gt", "sub-01_afids.csv"),
		filepath.Join("gt", "sub-01.fcsv"),
		filepath.Join("gt", "01_afids.fcsv"),
		filepath.Join("gt", "01_afids.csv"),
		filepath.Join("gt", "01.fcsv"),
	}, r.Candidates("sub-01"))

	r.Extended = false
	assert.Equal(t, []string{
		filepath.Join("gt", "01_afids.fcsv"),
		filepath.Join("gt", "sub-01_afids.fcsv"),
	}, r.Candidates("01"))
}

func TestResolveNotFound(t *testing.T) {
	_, err := NewResolver(t.TempDir()).Resolve("sub-9999")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestResolveMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub-0001"+DefaultSuffix+".fcsv")
	require.NoError(t, os.WriteFile(path, []byte("# header\nid,1,2\n"), 0644))

	_, err := NewResolver(dir).Resolve("sub-0001")
	assert.True(t, errors.Is(err, fcsv.ErrMalformed))
}

func TestToggleSubjectPrefix(t *testing.T) {
	assert.Equal(t, "0001", ToggleSubjectPrefix("sub-0001"))
	assert.Equal(t, "sub-0001", ToggleSubjectPrefix("0001"))
	assert.Equal(t, "sub-0001", CleanID("sub-0001_T1w.nii.gz"))
}
