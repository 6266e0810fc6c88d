package tile

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"
)

// Coords represents a tile coordinate in the Web Mercator tile system (z/x/y)
type Coords struct {
	Z uint32 // Zoom level
	X uint32 // X coordinate (column)
	Y uint32 // Y coordinate (row)
}

// String returns the tile coordinate as a string in format "z{zoom}_x{x}_y{y}"
func (c Coords) String() string {
	return fmt.Sprintf("z%d_x%d_y%d", c.Z, c.X, c.Y)
}

// Path returns the flat file name for this tile
func (c Coords) Path(extension string) string {
	return fmt.Sprintf("%s.%s", c.String(), extension)
}

// NestedPath returns the {z}/{x}/{y}.{ext} file name for this tile
func (c Coords) NestedPath(extension string) string {
	return fmt.Sprintf("%d/%d/%d.%s", c.Z, c.X, c.Y, extension)
}

// Tile returns the maptile.Tile for this coordinate
func (c Coords) Tile() maptile.Tile {
	return maptile.New(c.X, c.Y, maptile.Zoom(c.Z))
}

// Bounds returns the geographic bounding box for this tile in WGS84 (EPSG:4326)
// Returns [minLon, minLat, maxLon, maxLat]
func (c Coords) Bounds() [4]float64 {
	bound := c.Tile().Bound()

	return [4]float64{
		bound.Min.Lon(),
		bound.Min.Lat(),
		bound.Max.Lon(),
		bound.Max.Lat(),
	}
}

// NativeBound returns the tile rectangle in Web Mercator (EPSG:3857) meters.
// This is the tiling scheme's native coordinate space.
func (c Coords) NativeBound() orb.Bound {
	bound := c.Tile().Bound()
	return orb.Bound{
		Min: project.WGS84.ToMercator(bound.Min),
		Max: project.WGS84.ToMercator(bound.Max),
	}
}

// Center returns the center point of the tile in WGS84 (lon, lat)
func (c Coords) Center() (float64, float64) {
	bounds := c.Bounds()
	lon := (bounds[0] + bounds[2]) / 2.0
	lat := (bounds[1] + bounds[3]) / 2.0
	return lon, lat
}

// Parent returns the ancestor of this tile at the given zoom level.
// Levels at or below the tile's own zoom return the tile unchanged.
func (c Coords) Parent(z uint32) Coords {
	if z >= c.Z {
		return c
	}
	delta := c.Z - z
	return Coords{Z: z, X: c.X >> delta, Y: c.Y >> delta}
}

// NewCoords creates a new Coords from zoom, x, y values
func NewCoords(z, x, y uint32) Coords {
	return Coords{Z: z, X: x, Y: y}
}

// At returns the tile containing the WGS84 point at the given zoom.
func At(lon, lat float64, z uint32) Coords {
	t := maptile.At(orb.Point{lon, lat}, maptile.Zoom(z))
	return Coords{Z: uint32(t.Z), X: t.X, Y: t.Y}
}

// ParseCoords parses a tile string like "z13_x4297_y2754" into Coords
func ParseCoords(s string) (Coords, error) {
	var c Coords
	_, err := fmt.Sscanf(s, "z%d_x%d_y%d", &c.Z, &c.X, &c.Y)
	if err != nil {
		return c, fmt.Errorf("invalid tile coordinate format: %s", s)
	}
	return c, nil
}

// TilesInBBox returns all tile coordinates within a bounding box across a zoom range.
// bbox: [minLon, minLat, maxLon, maxLat] in WGS84
// Calculates correct tile coordinates at each zoom level independently.
func TilesInBBox(bbox [4]float64, zoomMin, zoomMax int) []Coords {
	tiles := make([]Coords, 0, TileCount(bbox, zoomMin, zoomMax))

	for z := zoomMin; z <= zoomMax; z++ {
		minX, minY, maxX, maxY := tileSpan(bbox, maptile.Zoom(z))
		for x := minX; x <= maxX; x++ {
			for y := minY; y <= maxY; y++ {
				tiles = append(tiles, NewCoords(uint32(z), x, y))
			}
		}
	}

	return tiles
}

// TileCount returns the number of tiles in a bounding box across a zoom range.
// This is useful for progress estimation without allocating the full tile list.
func TileCount(bbox [4]float64, zoomMin, zoomMax int) int {
	count := 0
	for z := zoomMin; z <= zoomMax; z++ {
		minX, minY, maxX, maxY := tileSpan(bbox, maptile.Zoom(z))
		count += int(maxX-minX+1) * int(maxY-minY+1)
	}
	return count
}

func tileSpan(bbox [4]float64, zoom maptile.Zoom) (minX, minY, maxX, maxY uint32) {
	minTile := maptile.At(orb.Point{bbox[0], bbox[1]}, zoom)
	maxTile := maptile.At(orb.Point{bbox[2], bbox[3]}, zoom)

	// Y grows southwards, so the corners come back swapped
	minX, maxX = minTile.X, maxTile.X
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	minY, maxY = minTile.Y, maxTile.Y
	if minY > maxY {
		minY, maxY = maxY, minY
	}
	return minX, minY, maxX, maxY
}
