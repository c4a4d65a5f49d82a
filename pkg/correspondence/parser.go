// Package correspondence reads the text files written by the feature matcher.
// Each data line carries three consecutive coordinates at a column offset that
// depends on the producer, so the offset is detected from the data itself.
package correspondence

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"landmarkpredict/internal/models"
	"landmarkpredict/pkg/geometry"
)

// CommentPrefix marks lines that are ignored.
const CommentPrefix = "#"

// ErrParseFailure is returned when no numeric coordinate block can be located.
var ErrParseFailure = errors.New("no coordinate columns found")

// ParseResult is a parsed correspondence file.
type ParseResult struct {
	// Offset is the token index of the x coordinate
	Offset int

	// Points holds one point per valid data line, in file order
	Points geometry.PointSet
}

// ParseFile reads and parses a correspondence file.
func ParseFile(path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading correspondence file: %w", err)
	}
	res, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return res, nil
}

// Parse reads a correspondence stream. Data lines that are too short or not
// numeric at the detected offset are skipped.
func Parse(r io.Reader) (*ParseResult, error) {
	var rows [][]string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, CommentPrefix) {
			continue
		}
		rows = append(rows, strings.Fields(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning correspondence data: %w", err)
	}

	offset := -1
	for _, fields := range rows {
		if o, ok := DetectOffset(fields); ok {
			offset = o
			break
		}
	}
	if offset < 0 {
		return nil, ErrParseFailure
	}

	points := make(geometry.PointSet, 0, len(rows))
	for _, fields := range rows {
		if p, ok := pointAt(fields, offset); ok {
			points = append(points, p)
		}
	}
	return &ParseResult{Offset: offset, Points: points}, nil
}

// DetectOffset returns the first offset in [1, len(fields)-3] where three
// consecutive fields parse as numbers. Offset 0 holds the row identifier in
// every known producer and is never considered.
func DetectOffset(fields []string) (int, bool) {
	for i := 1; i <= len(fields)-3; i++ {
		if _, ok := pointAt(fields, i); ok {
			return i, true
		}
	}
	return 0, false
}

func pointAt(fields []string, offset int) (geometry.Point3D, bool) {
	if len(fields) < offset+3 {
		return geometry.Point3D{}, false
	}
	var v [3]float64
	for k := 0; k < 3; k++ {
		f, err := strconv.ParseFloat(fields[offset+k], 64)
		if err != nil {
			return geometry.Point3D{}, false
		}
		v[k] = f
	}
	return geometry.Point3D{X: v[0], Y: v[1], Z: v[2]}, true
}

// LoadPair parses the two companion files of one matcher run. Both files must
// yield the same number of points, otherwise index pairing is meaningless.
func LoadPair(targetPath, atlasPath string) (*models.CorrespondencePair, error) {
	target, err := ParseFile(targetPath)
	if err != nil {
		return nil, err
	}
	atlas, err := ParseFile(atlasPath)
	if err != nil {
		return nil, err
	}
	if target.Points.Len() != atlas.Points.Len() {
		return nil, fmt.Errorf("point count mismatch between %s (%d) and %s (%d): %w",
			targetPath, target.Points.Len(), atlasPath, atlas.Points.Len(), ErrParseFailure)
	}
	return &models.CorrespondencePair{Target: target.Points, Atlas: atlas.Points}, nil
}
