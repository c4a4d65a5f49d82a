// Package groundtruth locates the known landmark set of a subject or atlas
// across the file naming conventions found in landmark datasets.
package groundtruth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"landmarkpredict/pkg/fcsv"
	"landmarkpredict/pkg/geometry"
)

// DefaultSuffix is the BIDS-style suffix of AFIDs ground-truth files.
const DefaultSuffix = "_space-T1w_desc-groundtruth_afids"

// SubjectPrefix is the conventional BIDS subject prefix.
const SubjectPrefix = "sub-"

// ErrNotFound is returned when no ground-truth file exists for an identifier.
var ErrNotFound = errors.New("ground truth not found")

// Resolver looks up landmark files in a single directory.
type Resolver struct {
	// Dir is the directory holding the landmark files
	Dir string

	// Suffix is appended to the identifier before the extension
	Suffix string

	// Extended enables the .csv and bare-name fallbacks and strips image
	// name residue (_T1w, .nii, .gz) from identifiers
	Extended bool
}

// NewResolver creates a resolver using the default suffix.
func NewResolver(dir string) *Resolver {
	return &Resolver{Dir: dir, Suffix: DefaultSuffix}
}

// Candidates returns the paths tried for id, in priority order.
func (r *Resolver) Candidates(id string) []string {
	if r.Extended {
		id = CleanID(id)
	}
	var paths []string
	for _, name := range []string{id, ToggleSubjectPrefix(id)} {
		paths = append(paths, filepath.Join(r.Dir, name+r.Suffix+".fcsv"))
		if r.Extended {
			paths = append(paths,
				filepath.Join(r.Dir, name+r.Suffix+".csv"),
				filepath.Join(r.Dir, name+".fcsv"),
			)
		}
	}
	return paths
}

// Locate returns the first existing candidate path for id.
func (r *Resolver) Locate(id string) (string, error) {
	for _, path := range r.Candidates(id) {
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%s in %s: %w", id, r.Dir, ErrNotFound)
}

// Resolve locates and reads the landmark set for id.
func (r *Resolver) Resolve(id string) (geometry.PointSet, error) {
	path, err := r.Locate(id)
	if err != nil {
		return nil, err
	}
	pts, err := fcsv.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(pts) == 0 {
		return nil, fmt.Errorf("%s has no landmarks: %w", path, fcsv.ErrMalformed)
	}
	return pts, nil
}

// ToggleSubjectPrefix strips the "sub-" prefix if present and adds it otherwise.
func ToggleSubjectPrefix(id string) string {
	if strings.HasPrefix(id, SubjectPrefix) {
		return strings.TrimPrefix(id, SubjectPrefix)
	}
	return SubjectPrefix + id
}

// CleanID removes image-name residue from an identifier.
func CleanID(id string) string {
	r := strings.NewReplacer("_T1w", "", ".nii", "", ".gz", "")
	return r.Replace(id)
}
