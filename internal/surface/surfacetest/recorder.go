// Package surfacetest provides a recording Surface for tests.
package surfacetest

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/MeKo-Tech/mvtimagery/internal/style"
	"github.com/MeKo-Tech/mvtimagery/internal/surface"
)

// Op is one recorded surface call.
type Op struct {
	Name  string
	Args  []float64
	Color color.Color
	Join  style.LineJoin
	// Vertices is the number of MoveTo/LineTo calls in the current path when
	// Fill or Stroke was called.
	Vertices int
}

// Recorder implements surface.Canvas by recording every call.
type Recorder struct {
	mu       sync.Mutex
	ops      []Op
	vertices int
	depth    int
	width    int
	height   int
	closed   bool
}

var _ surface.Canvas = (*Recorder)(nil)

// New returns an empty 256x256 recorder.
func New() *Recorder {
	return &Recorder{width: 256, height: 256}
}

// Factory is a surface.Factory producing recorders.
func Factory(width, height int) surface.Canvas {
	return &Recorder{width: width, height: height}
}

func (r *Recorder) record(op Op) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func (r *Recorder) Save() {
	r.mu.Lock()
	r.depth++
	r.ops = append(r.ops, Op{Name: "Save"})
	r.mu.Unlock()
}

func (r *Recorder) Restore() {
	r.mu.Lock()
	r.depth--
	r.ops = append(r.ops, Op{Name: "Restore"})
	r.mu.Unlock()
}

func (r *Recorder) Translate(x, y float64) { r.record(Op{Name: "Translate", Args: []float64{x, y}}) }
func (r *Recorder) Scale(x, y float64)     { r.record(Op{Name: "Scale", Args: []float64{x, y}}) }

func (r *Recorder) SetFillColor(c color.Color)   { r.record(Op{Name: "SetFillColor", Color: c}) }
func (r *Recorder) SetStrokeColor(c color.Color) { r.record(Op{Name: "SetStrokeColor", Color: c}) }
func (r *Recorder) SetLineWidth(w float64)       { r.record(Op{Name: "SetLineWidth", Args: []float64{w}}) }
func (r *Recorder) SetLineJoin(j style.LineJoin) { r.record(Op{Name: "SetLineJoin", Join: j}) }

func (r *Recorder) BeginPath() {
	r.mu.Lock()
	r.vertices = 0
	r.ops = append(r.ops, Op{Name: "BeginPath"})
	r.mu.Unlock()
}

func (r *Recorder) MoveTo(x, y float64) {
	r.mu.Lock()
	r.vertices++
	r.ops = append(r.ops, Op{Name: "MoveTo", Args: []float64{x, y}})
	r.mu.Unlock()
}

func (r *Recorder) LineTo(x, y float64) {
	r.mu.Lock()
	r.vertices++
	r.ops = append(r.ops, Op{Name: "LineTo", Args: []float64{x, y}})
	r.mu.Unlock()
}

func (r *Recorder) Arc(x, y, radius, start, end float64) {
	r.record(Op{Name: "Arc", Args: []float64{x, y, radius, start, end}})
}

func (r *Recorder) Fill() error {
	r.mu.Lock()
	r.ops = append(r.ops, Op{Name: "Fill", Vertices: r.vertices})
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Stroke() error {
	r.mu.Lock()
	r.ops = append(r.ops, Op{Name: "Stroke", Vertices: r.vertices})
	r.mu.Unlock()
	return nil
}

// PNG encodes a blank image of the recorder's size.
func (r *Recorder) PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, r.width, r.height))); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Ops returns a copy of the recorded calls.
func (r *Recorder) Ops() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Op(nil), r.ops...)
}

// Find returns the recorded calls with the given name.
func (r *Recorder) Find(name string) []Op {
	var out []Op
	for _, op := range r.Ops() {
		if op.Name == name {
			out = append(out, op)
		}
	}
	return out
}

// Count returns how many calls with the given name were recorded.
func (r *Recorder) Count(name string) int {
	return len(r.Find(name))
}

// Names returns the recorded call names in order.
func (r *Recorder) Names() []string {
	ops := r.Ops()
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.Name
	}
	return out
}

// Depth returns the current Save nesting. A balanced drawing ends at zero.
func (r *Recorder) Depth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.depth
}

// Size returns the pixel size the recorder was created with.
func (r *Recorder) Size() (int, int) {
	return r.width, r.height
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
