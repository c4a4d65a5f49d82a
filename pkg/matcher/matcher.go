// Package matcher drives the external keypoint matching executable and
// derives subject and atlas identifiers from its input file names.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"landmarkpredict/internal/models"
)

// SubjectPrefix is the BIDS subject prefix used to normalise identifiers.
const SubjectPrefix = "sub-"

// KeyExt is the extension of keypoint files consumed by the matcher.
const KeyExt = ".key"

var (
	// ErrNoMatches is returned when a matcher run leaves no correspondence files.
	ErrNoMatches = errors.New("matcher produced no correspondence files")

	// ErrFatalConfig is returned when the matcher cannot run at all.
	ErrFatalConfig = errors.New("matcher misconfigured")
)

// scratchExts are byproducts of a matcher run that are never consumed.
var scratchExts = []string{
	".matches.info.txt",
	".trans.txt",
	".trans-inverse.txt",
	".update.key",
}

// SubjectID derives the target identifier from a keypoint file name.
// "sub-0101_T1w.key" gives "sub-0101" and "0101.nii.key" gives "0101".
func SubjectID(filename string) string {
	base := filepath.Base(filename)
	id, _, _ := strings.Cut(base, "_")
	if strings.HasPrefix(base, SubjectPrefix) {
		return id
	}
	id, _, _ = strings.Cut(id, ".")
	return id
}

// AtlasID derives the raw and the sub-prefixed identifiers of an atlas from
// its keypoint file name. The raw form is what the matcher embeds in its
// output names, the prefixed form is used for outputs and ground truth.
func AtlasID(filename string) (raw, id string) {
	raw, _, _ = strings.Cut(filepath.Base(filename), "_")
	raw = strings.ReplaceAll(raw, KeyExt, "")
	id = raw
	if !strings.HasPrefix(id, SubjectPrefix) {
		id = SubjectPrefix + id
	}
	return raw, id
}

// SameSubject reports whether two identifiers name the same subject once the
// sub- prefix is ignored.
func SameSubject(a, b string) bool {
	return strings.ReplaceAll(a, SubjectPrefix, "") == strings.ReplaceAll(b, SubjectPrefix, "")
}

// MatchFiles returns the correspondence file names used for atlasID in a
// subject directory.
func MatchFiles(dir, atlasID string) (img1, img2 string) {
	return filepath.Join(dir, "match_"+atlasID+".img1.txt"),
		filepath.Join(dir, "match_"+atlasID+".img2.txt")
}

// Runner invokes the matching executable.
type Runner struct {
	// Exe is the path of the matching executable
	Exe string

	// NoRotation passes -r- to disable rotation invariance
	NoRotation bool

	// AtlasDir is where the executable writes its correspondence files
	AtlasDir string
}

// Validate checks that the executable and atlas directory exist.
func (r *Runner) Validate() error {
	info, err := os.Stat(r.Exe)
	if err != nil {
		return fmt.Errorf("executable %s: %v: %w", r.Exe, err, ErrFatalConfig)
	}
	if info.IsDir() {
		return fmt.Errorf("executable %s is a directory: %w", r.Exe, ErrFatalConfig)
	}
	info, err = os.Stat(r.AtlasDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("atlas directory %s not found: %w", r.AtlasDir, ErrFatalConfig)
	}
	return nil
}

// Args returns the command line arguments for one target/atlas run.
func (r *Runner) Args(targetKey, atlasKey string) []string {
	args := make([]string, 0, 3)
	if r.NoRotation {
		args = append(args, "-r-")
	}
	return append(args, targetKey, atlasKey)
}

// Match runs the executable for one target/atlas pair in workDir and moves
// the resulting correspondence files into workDir. The executable's exit
// status is ignored; only the presence of its output counts.
func (r *Runner) Match(ctx context.Context, workDir, targetKey, atlasKey string) (models.AtlasInput, error) {
	raw, id := AtlasID(atlasKey)
	img1, img2 := MatchFiles(workDir, id)
	in := models.AtlasInput{AtlasID: id, TargetMatches: img1, AtlasMatches: img2}

	cmd := exec.CommandContext(ctx, r.Exe, r.Args(targetKey, atlasKey)...)
	cmd.Dir = workDir
	cmd.Stdout = nil
	cmd.Stderr = nil
	_ = cmd.Run()
	if err := ctx.Err(); err != nil {
		return in, err
	}

	found, err := filepath.Glob(filepath.Join(r.AtlasDir, globEscape(raw)+"*.matches.img1.txt"))
	if err != nil || len(found) == 0 {
		return in, fmt.Errorf("atlas %s: %w", id, ErrNoMatches)
	}
	sort.Strings(found)
	src1 := found[0]
	src2 := strings.TrimSuffix(src1, ".img1.txt") + ".img2.txt"

	if err := moveFile(src1, img1); err != nil {
		return in, fmt.Errorf("collecting %s: %w", src1, err)
	}
	if _, err := os.Stat(src2); err == nil {
		if err := moveFile(src2, img2); err != nil {
			return in, fmt.Errorf("collecting %s: %w", src2, err)
		}
	}
	return in, nil
}

// Cleanup removes matcher byproducts from the given directories. Removal
// errors are ignored.
func (r *Runner) Cleanup(dirs ...string) {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		for _, ext := range scratchExts {
			files, _ := filepath.Glob(filepath.Join(globEscape(dir), "*"+ext))
			for _, f := range files {
				os.Remove(f)
			}
		}
	}
}

// ListKeys returns the sorted keypoint files of dir, or path itself when it
// names a single keypoint file.
func ListKeys(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if filepath.Ext(path) != KeyExt {
			return nil, fmt.Errorf("%s is not a %s file", path, KeyExt)
		}
		return []string{path}, nil
	}
	keys, err := filepath.Glob(filepath.Join(globEscape(path), "*"+KeyExt))
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// PairFiles lists the complete correspondence file pairs in dir, sorted by
// atlas identifier.
func PairFiles(dir string) ([]models.AtlasInput, error) {
	found, err := filepath.Glob(filepath.Join(globEscape(dir), "match_*.img1.txt"))
	if err != nil {
		return nil, err
	}
	sort.Strings(found)

	var inputs []models.AtlasInput
	for _, img1 := range found {
		id := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(img1), "match_"), ".img1.txt")
		img2 := strings.TrimSuffix(img1, ".img1.txt") + ".img2.txt"
		if _, err := os.Stat(img2); err != nil {
			continue
		}
		inputs = append(inputs, models.AtlasInput{AtlasID: id, TargetMatches: img1, AtlasMatches: img2})
	}
	return inputs, nil
}

// moveFile renames src to dst, falling back to copy and delete across
// filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `\`, `\\`)
	return r.Replace(s)
}
