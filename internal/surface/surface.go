// Package surface defines the 2D drawing target the raster pipeline paints on.
package surface

import (
	"image/color"

	"github.com/MeKo-Tech/mvtimagery/internal/style"
)

// Surface is an immediate-mode path surface with canvas semantics: Fill and
// Stroke paint the current path and keep it, BeginPath discards it. Save and
// Restore cover the transform and the paint state. A nil fill or stroke color
// paints nothing.
type Surface interface {
	Save()
	Restore()
	Translate(x, y float64)
	Scale(x, y float64)

	SetFillColor(c color.Color)
	SetStrokeColor(c color.Color)
	SetLineWidth(w float64)
	SetLineJoin(j style.LineJoin)

	BeginPath()
	MoveTo(x, y float64)
	LineTo(x, y float64)
	// Arc adds a circular arc around (x, y) as a new sub-path. Angles are in
	// radians, clockwise in screen space.
	Arc(x, y, r, startAngle, endAngle float64)

	Fill() error
	Stroke() error
}

// Factory creates a blank transparent surface of the given pixel size.
type Factory func(width, height int) Canvas

// Canvas is a Surface that can be encoded once drawing is finished.
type Canvas interface {
	Surface
	// PNG encodes the current pixels.
	PNG() ([]byte, error)
	Close() error
}
