package tile

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// ExtentTransform maps between Web Mercator meters and a tile's vector
// extent space, where (0,0) is the north-west corner and extent-1 the
// south-east one.
type ExtentTransform struct {
	bound         orb.Bound
	width, height float64
	extent        float64
}

// NewExtentTransform builds the transform for c with the given layer extent.
func NewExtentTransform(c Coords, extent float64) ExtentTransform {
	b := c.NativeBound()
	return ExtentTransform{
		bound:  b,
		width:  b.Right() - b.Left(),
		height: b.Top() - b.Bottom(),
		extent: extent,
	}
}

// FromLonLat projects a WGS84 position into extent space.
func (t ExtentTransform) FromLonLat(lon, lat float64) orb.Point {
	return t.FromMercator(project.WGS84.ToMercator(orb.Point{lon, lat}))
}

// FromMercator remaps a Web Mercator point into extent space.
func (t ExtentTransform) FromMercator(m orb.Point) orb.Point {
	span := t.extent - 1
	return orb.Point{
		(m[0] - t.bound.Min[0]) / t.width * span,
		(t.bound.Max[1] - m[1]) / t.height * span,
	}
}

// ToLonLat is the inverse of FromLonLat.
func (t ExtentTransform) ToLonLat(p orb.Point) orb.Point {
	span := t.extent - 1
	m := orb.Point{
		t.bound.Min[0] + p[0]/span*t.width,
		t.bound.Max[1] - p[1]/span*t.height,
	}
	return project.Mercator.ToWGS84(m)
}
