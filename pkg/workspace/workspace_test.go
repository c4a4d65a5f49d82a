package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	root := filepath.Join(t.TempDir(), "tmp")

	a, err := Acquire(root, "sub-0001")
	require.NoError(t, err)
	b, err := Acquire(root, "sub-0001")
	require.NoError(t, err)

	assert.NotEqual(t, a.Dir, b.Dir)
	assert.True(t, strings.HasPrefix(filepath.Base(a.Dir), "sub-0001-"))
	assert.DirExists(t, a.Dir)

	require.NoError(t, os.WriteFile(a.Path("match_x.img1.txt"), []byte("1"), 0644))
	require.NoError(t, a.Release())
	assert.NoDirExists(t, a.Dir)
	assert.DirExists(t, b.Dir)
}

func TestReleaseNil(t *testing.T) {
	var w *Workspace
	assert.NoError(t, w.Release())
}
