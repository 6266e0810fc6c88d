package tile

import "github.com/paulmach/orb"

// DataTile describes which source tile feeds a display tile and how its
// geometry maps into the display tile's pixel space.
type DataTile struct {
	Coords Coords // source tile
	// Origin is the pixel offset of the display tile inside the magnified
	// source tile.
	Origin orb.Point
	// Scale is the magnification of the source tile, 2^(display.Z - maxLevel).
	Scale float64
}

// DataTileForDisplayTile returns the source tile for display. When display is
// deeper than maxLevel the ancestor at maxLevel is used, magnified by a power of
// two and cropped to the display tile's footprint. tileSize is the display tile
// edge length in pixels.
func DataTileForDisplayTile(display Coords, maxLevel uint32, tileSize float64) DataTile {
	if display.Z <= maxLevel {
		return DataTile{Coords: display, Scale: 1}
	}

	delta := display.Z - maxLevel
	data := display.Parent(maxLevel)
	scale := uint32(1) << delta

	return DataTile{
		Coords: data,
		Origin: orb.Point{
			float64(display.X-data.X*scale) * tileSize,
			float64(display.Y-data.Y*scale) * tileSize,
		},
		Scale: float64(scale),
	}
}

// Magnified reports whether the display tile is served by an ancestor.
func (d DataTile) Magnified() bool {
	return d.Scale > 1
}
