// Package ggsurface implements surface.Canvas on top of github.com/gogpu/gg.
package ggsurface

import (
	"bytes"
	"image"
	"image/color"
	"math"

	"github.com/gogpu/gg"

	"github.com/MeKo-Tech/mvtimagery/internal/style"
	"github.com/MeKo-Tech/mvtimagery/internal/surface"
)

// paintState is what Save/Restore cover beyond the transform. gg keeps a
// single brush for fill and stroke and only stacks the matrix, so colors and
// the arc radius scale are tracked here.
type paintState struct {
	fill   color.Color
	stroke color.Color
	scale  float64
}

// Canvas is a gg-backed drawing surface.
type Canvas struct {
	dc    *gg.Context
	state paintState
	stack []paintState
}

var _ surface.Canvas = (*Canvas)(nil)

// New creates a transparent canvas of the given size.
func New(width, height int) *Canvas {
	dc := gg.NewContext(width, height)
	dc.SetLineWidth(1)
	dc.SetLineJoin(gg.LineJoinMiter)
	return &Canvas{
		dc:    dc,
		state: paintState{fill: color.Black, stroke: color.Black, scale: 1},
	}
}

// Factory is a surface.Factory producing gg canvases.
func Factory(width, height int) surface.Canvas {
	return New(width, height)
}

func (c *Canvas) Save() {
	c.stack = append(c.stack, c.state)
	c.dc.Push()
}

func (c *Canvas) Restore() {
	if len(c.stack) == 0 {
		return
	}
	c.state = c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	c.dc.Pop()
}

func (c *Canvas) Translate(x, y float64) { c.dc.Translate(x, y) }

func (c *Canvas) Scale(x, y float64) {
	c.dc.Scale(x, y)
	c.state.scale *= math.Sqrt(math.Abs(x * y))
}

func (c *Canvas) SetFillColor(col color.Color)   { c.state.fill = col }
func (c *Canvas) SetStrokeColor(col color.Color) { c.state.stroke = col }
func (c *Canvas) SetLineWidth(w float64)         { c.dc.SetLineWidth(w) }

func (c *Canvas) SetLineJoin(j style.LineJoin) {
	switch j {
	case style.JoinRound:
		c.dc.SetLineJoin(gg.LineJoinRound)
	case style.JoinBevel:
		c.dc.SetLineJoin(gg.LineJoinBevel)
	default:
		c.dc.SetLineJoin(gg.LineJoinMiter)
	}
}

func (c *Canvas) BeginPath()          { c.dc.ClearPath() }
func (c *Canvas) MoveTo(x, y float64) { c.dc.MoveTo(x, y) }
func (c *Canvas) LineTo(x, y float64) { c.dc.LineTo(x, y) }

func (c *Canvas) Arc(x, y, r, start, end float64) {
	// gg transforms the arc center but not the radius.
	c.dc.MoveTo(x+r*math.Cos(start), y+r*math.Sin(start))
	c.dc.DrawArc(x, y, r*c.state.scale, start, end)
}

// Fill paints the current path with the fill color. A nil color paints
// nothing.
func (c *Canvas) Fill() error {
	if c.state.fill == nil {
		return nil
	}
	c.dc.SetColor(c.state.fill)
	return c.dc.FillPreserve()
}

// Stroke outlines the current path with the stroke color. A nil color paints
// nothing.
func (c *Canvas) Stroke() error {
	if c.state.stroke == nil {
		return nil
	}
	c.dc.SetColor(c.state.stroke)
	return c.dc.StrokePreserve()
}

// Image returns the rendered pixels.
func (c *Canvas) Image() image.Image {
	return c.dc.Image()
}

// PNG encodes the canvas as PNG.
func (c *Canvas) PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := c.dc.EncodePNG(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Canvas) Close() error {
	return c.dc.Close()
}
