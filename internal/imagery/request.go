package imagery

import (
	"context"
	"errors"
	"sync"

	"github.com/MeKo-Tech/mvtimagery/internal/raster"
	"github.com/MeKo-Tech/mvtimagery/internal/scheduler"
	"github.com/MeKo-Tech/mvtimagery/internal/surface"
	"github.com/MeKo-Tech/mvtimagery/internal/tile"
)

// Request is an accepted image request.
type Request struct {
	Coords      tile.Coords
	ScaleFactor float64

	fut       *scheduler.Future[scheduler.RenderResult]
	canvas    surface.Canvas
	closeOnce sync.Once
}

// Done is closed when the render settles.
func (r *Request) Done() <-chan struct{} { return r.fut.Done() }

// Await waits for the render. A failed render releases its canvas. A torn
// down request fails with scheduler.ErrPoolTornDown and its canvas is left to
// the worker that may still be drawing on it, as is the canvas of a render
// still running when ctx ends.
func (r *Request) Await(ctx context.Context) (*Image, error) {
	res, err := r.fut.Await(ctx)
	if err != nil {
		r.releaseFinished()
		return nil, err
	}
	return &Image{Canvas: r.canvas, Coords: r.Coords, Stats: res.Stats}, nil
}

// releaseFinished closes the canvas once the worker is done with it.
func (r *Request) releaseFinished() {
	select {
	case <-r.fut.Done():
	default:
		return
	}
	if _, err := r.fut.Await(context.Background()); errors.Is(err, scheduler.ErrAbandoned) {
		return
	}
	r.closeOnce.Do(func() { _ = r.canvas.Close() })
}

// Image is a finished render. The caller owns the canvas.
type Image struct {
	surface.Canvas
	Coords tile.Coords
	Stats  raster.Stats
}
