// Package visualization renders orthographic projections of landmark sets
// for visual quality control of predictions.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"landmarkpredict/pkg/geometry"
)

// Default colours for the two common layers.
var (
	PredictionColor  = color.RGBA{R: 230, G: 126, B: 34, A: 255}
	GroundTruthColor = color.RGBA{R: 46, G: 204, B: 113, A: 255}
)

// Layer is one landmark set drawn in a single colour.
type Layer struct {
	Points geometry.PointSet
	Color  color.RGBA
}

// Viewer projects landmark layers onto the three anatomical planes.
type Viewer struct {
	layers []Layer

	// pixelSize is the physical size of one pixel in mm
	pixelSize float64

	// margin is the border in pixels around the joint bounding box
	margin int

	// markerRadius is the half-width of a landmark marker in pixels
	markerRadius int

	lo, hi geometry.Point3D
}

// NewViewer creates a viewer over the joint bounding box of all layers.
// A non-positive pixelSize defaults to 1 mm.
func NewViewer(pixelSize float64, layers ...Layer) *Viewer {
	if pixelSize <= 0 {
		pixelSize = 1
	}
	v := &Viewer{
		layers:       layers,
		pixelSize:    pixelSize,
		margin:       10,
		markerRadius: 2,
	}

	var all geometry.PointSet
	for _, l := range layers {
		all = append(all, l.Points...)
	}
	v.lo, v.hi = all.Bounds()
	return v
}

// planeAxes maps a projection axis to the horizontal and vertical point
// dimensions and the plane name used in file names.
func planeAxes(axis string) (h, vert int, name string, err error) {
	switch axis {
	case "x", "X":
		return 1, 2, "sagittal", nil
	case "y", "Y":
		return 0, 2, "coronal", nil
	case "z", "Z":
		return 0, 1, "axial", nil
	default:
		return 0, 0, "", fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

func (v *Viewer) pixels(extent float64) int {
	return int(math.Ceil(extent/v.pixelSize)) + 1 + 2*v.margin
}

// RenderProjection draws every layer projected along axis. Larger vertical
// coordinates appear higher in the image.
func (v *Viewer) RenderProjection(axis string) (image.Image, error) {
	hd, vd, _, err := planeAxes(axis)
	if err != nil {
		return nil, err
	}

	width := v.pixels(v.hi.Axis(hd) - v.lo.Axis(hd))
	height := v.pixels(v.hi.Axis(vd) - v.lo.Axis(vd))
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		if i%4 == 3 {
			img.Pix[i] = 255
		}
	}

	for _, l := range v.layers {
		for _, p := range l.Points {
			if !p.IsFinite() {
				continue
			}
			px := v.margin + int(math.Round((p.Axis(hd)-v.lo.Axis(hd))/v.pixelSize))
			py := height - 1 - v.margin - int(math.Round((p.Axis(vd)-v.lo.Axis(vd))/v.pixelSize))
			v.drawMarker(img, px, py, l.Color)
		}
	}
	return img, nil
}

func (v *Viewer) drawMarker(img *image.RGBA, cx, cy int, c color.RGBA) {
	r := v.markerRadius
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			if image.Pt(x, y).In(img.Bounds()) {
				img.SetRGBA(x, y, c)
			}
		}
	}
}

// SaveProjection saves a rendered projection as a JPEG image
func (v *Viewer) SaveProjection(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveProjections renders and saves the three planes as
// <prefix>_<plane>.jpg in outputDir and returns the written paths.
func (v *Viewer) SaveProjections(outputDir, prefix string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var paths []string
	for _, axis := range []string{"z", "y", "x"} {
		img, err := v.RenderProjection(axis)
		if err != nil {
			return paths, err
		}
		_, _, name, _ := planeAxes(axis)
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.jpg", prefix, name))
		if err := v.SaveProjection(img, filename); err != nil {
			return paths, err
		}
		paths = append(paths, filename)
	}
	return paths, nil
}
