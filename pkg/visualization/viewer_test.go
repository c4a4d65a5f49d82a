package visualization

import (
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"landmarkpredict/pkg/geometry"
)

// TestNewViewer verifies that the viewer spans the bounding box of all layers
func TestNewViewer(t *testing.T) {
	pred := Layer{Points: geometry.PointSet{{X: 0, Y: 0, Z: 0}, {X: 10, Y: 20, Z: 5}}, Color: PredictionColor}
	truth := Layer{Points: geometry.PointSet{{X: -5, Y: 2, Z: 30}}, Color: GroundTruthColor}

	viewer := NewViewer(0.5, pred, truth)

	if viewer.pixelSize != 0.5 {
		t.Errorf("Expected pixel size 0.5, got %f", viewer.pixelSize)
	}
	want := geometry.Point3D{X: -5, Y: 0, Z: 0}
	if viewer.lo != want {
		t.Errorf("Expected lower bound %v, got %v", want, viewer.lo)
	}
	want = geometry.Point3D{X: 10, Y: 20, Z: 30}
	if viewer.hi != want {
		t.Errorf("Expected upper bound %v, got %v", want, viewer.hi)
	}

	if NewViewer(0).pixelSize != 1 {
		t.Errorf("Expected default pixel size 1")
	}
}

// TestRenderProjection verifies image sizes and marker placement per plane
func TestRenderProjection(t *testing.T) {
	pts := geometry.PointSet{{X: 0, Y: 0, Z: 0}, {X: 40, Y: 20, Z: 10}}
	viewer := NewViewer(1, Layer{Points: pts, Color: PredictionColor})
	m := viewer.margin

	tests := []struct {
		axis          string
		width, height int
	}{
		{"z", 41 + 2*m, 21 + 2*m},
		{"y", 41 + 2*m, 11 + 2*m},
		{"x", 21 + 2*m, 11 + 2*m},
	}
	for _, tc := range tests {
		img, err := viewer.RenderProjection(tc.axis)
		if err != nil {
			t.Fatalf("Failed to render %s projection: %v", tc.axis, err)
		}
		b := img.Bounds()
		if b.Dx() != tc.width || b.Dy() != tc.height {
			t.Errorf("Axis %s: expected %dx%d, got %dx%d", tc.axis, tc.width, tc.height, b.Dx(), b.Dy())
		}

		// The origin lands in the bottom-left corner inside the margin.
		got := color.RGBAModel.Convert(img.At(m, tc.height-1-m)).(color.RGBA)
		if got != PredictionColor {
			t.Errorf("Axis %s: expected marker colour at origin, got %v", tc.axis, got)
		}

		// The far corner of the image stays background.
		got = color.RGBAModel.Convert(img.At(0, 0)).(color.RGBA)
		if got != (color.RGBA{A: 255}) {
			t.Errorf("Axis %s: expected black background, got %v", tc.axis, got)
		}
	}
}

// TestRenderProjectionInvalidAxis verifies that unknown axes are rejected
func TestRenderProjectionInvalidAxis(t *testing.T) {
	viewer := NewViewer(1, Layer{Points: geometry.PointSet{{X: 1, Y: 2, Z: 3}}})
	if _, err := viewer.RenderProjection("w"); err == nil {
		t.Error("Expected error for invalid axis")
	}
}

// TestSaveProjections verifies that all three planes are written as JPEG
func TestSaveProjections(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "preview")
	viewer := NewViewer(1,
		Layer{Points: geometry.PointSet{{X: 0, Y: 0, Z: 0}, {X: 30, Y: 40, Z: 50}}, Color: PredictionColor},
		Layer{Points: geometry.PointSet{{X: 2, Y: 1, Z: 3}}, Color: GroundTruthColor},
	)

	paths, err := viewer.SaveProjections(dir, "sub-0001")
	if err != nil {
		t.Fatalf("Failed to save projections: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("Expected 3 files, got %d", len(paths))
	}

	for _, plane := range []string{"axial", "coronal", "sagittal"} {
		path := filepath.Join(dir, "sub-0001_"+plane+".jpg")
		f, err := os.Open(path)
		if err != nil {
			t.Fatalf("Expected %s to exist: %v", path, err)
		}
		if _, err := jpeg.Decode(f); err != nil {
			t.Errorf("Failed to decode %s: %v", path, err)
		}
		f.Close()
	}
}
