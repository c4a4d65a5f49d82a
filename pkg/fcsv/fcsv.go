// Package fcsv reads and writes Slicer markups fiducial files (.fcsv).
package fcsv

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"landmarkpredict/pkg/geometry"
)

// Header is written verbatim at the top of every fiducial file.
const Header = "# Markups fiducial file version = 4.13\n" +
	"# CoordinateSystem = LPS\n" +
	"# columns = id,x,y,z,ow,ox,oy,oz,vis,sel,lock,label,desc,associatedNodeID\n"

// NodeIDPrefix prefixes the per-row identifier.
const NodeIDPrefix = "vtkMRMLMarkupsFiducialNode_"

// ErrMalformed is returned for rows whose coordinate columns cannot be read.
var ErrMalformed = errors.New("malformed fiducial row")

// Coordinate columns are fixed by the format: id,x,y,z,...
const (
	colX = 1
	colY = 2
	colZ = 3
)

// ReadFile reads the landmark coordinates of a fiducial file.
func ReadFile(path string) (geometry.PointSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening fiducial file: %w", err)
	}
	defer f.Close()

	pts, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pts, nil
}

// Read parses comma-separated rows, skipping lines starting with '#', and
// returns columns 1-3 of each row as x, y, z.
func Read(r io.Reader) (geometry.PointSet, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true

	var pts geometry.PointSet
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv: %w", err)
		}
		if len(rec) <= colZ {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("line %d has %d columns: %w", line, len(rec), ErrMalformed)
		}
		var v [3]float64
		for k, col := range []int{colX, colY, colZ} {
			f, err := strconv.ParseFloat(rec[col], 64)
			if err != nil {
				line, _ := cr.FieldPos(col)
				return nil, fmt.Errorf("line %d column %d: %v: %w", line, col, err, ErrMalformed)
			}
			v[k] = f
		}
		pts = append(pts, geometry.Point3D{X: v[0], Y: v[1], Z: v[2]})
	}
	return pts, nil
}

// Write serialises landmarks with four decimal places. Labels are 1-based
// sequential integers and ids are unique per row.
func Write(w io.Writer, points geometry.PointSet) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(Header); err != nil {
		return err
	}
	for i, p := range points {
		if _, err := fmt.Fprintf(bw, "%s%d,%.4f,%.4f,%.4f,0,0,0,1,1,1,0,%d,,\n",
			NodeIDPrefix, i, p.X, p.Y, p.Z, i+1); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile writes landmarks to path, creating the parent directory.
func WriteFile(path string, points geometry.PointSet) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating fiducial file: %w", err)
	}
	if err := Write(f, points); err != nil {
		f.Close()
		return fmt.Errorf("writing fiducial file: %w", err)
	}
	return f.Close()
}

// PredictedName is the output file name for a subject's prediction.
func PredictedName(subjectID string) string {
	return subjectID + "_predicted.fcsv"
}
