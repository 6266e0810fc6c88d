// Package mbtiles reads and writes MBTiles databases holding vector (pbf) or
// raster (png) tiles.
package mbtiles

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrTileNotFound is returned when the database has no row for a tile.
var ErrTileNotFound = errors.New("mbtiles: tile not found")

// Tile formats recognized in metadata.
const (
	FormatPBF = "pbf"
	FormatPNG = "png"
)

// Metadata contains MBTiles metadata fields.
type Metadata struct {
	Name        string
	Format      string // pbf or png
	Attribution string
	Description string
	Type        string // "baselayer" or "overlay"
	Version     string
	Bounds      [4]float64
	Center      [3]float64
	MinZoom     int
	MaxZoom     int
	// JSON is the vector_layers document required for pbf tilesets.
	JSON string
}

// ToMap converts Metadata to the name/value rows stored in the database.
func (m Metadata) ToMap() map[string]string {
	result := make(map[string]string)

	put := func(k, v string) {
		if v != "" {
			result[k] = v
		}
	}
	put("name", m.Name)
	put("format", m.Format)
	put("attribution", m.Attribution)
	put("description", m.Description)
	put("type", m.Type)
	put("version", m.Version)
	put("json", m.JSON)

	// minzoom 0 is meaningful once maxzoom is set
	if m.MaxZoom > 0 {
		result["minzoom"] = strconv.Itoa(m.MinZoom)
		result["maxzoom"] = strconv.Itoa(m.MaxZoom)
	}
	if m.Bounds != [4]float64{} {
		result["bounds"] = fmt.Sprintf("%.6f,%.6f,%.6f,%.6f",
			m.Bounds[0], m.Bounds[1], m.Bounds[2], m.Bounds[3])
	}
	if m.Center != [3]float64{} {
		result["center"] = fmt.Sprintf("%.6f,%.6f,%d",
			m.Center[0], m.Center[1], int(m.Center[2]))
	}
	return result
}

// metadataFromMap is the inverse of ToMap. Unparseable numeric values are
// left at zero.
func metadataFromMap(m map[string]string) Metadata {
	meta := Metadata{
		Name:        m["name"],
		Format:      m["format"],
		Attribution: m["attribution"],
		Description: m["description"],
		Type:        m["type"],
		Version:     m["version"],
		JSON:        m["json"],
	}
	meta.MinZoom, _ = strconv.Atoi(m["minzoom"])
	meta.MaxZoom, _ = strconv.Atoi(m["maxzoom"])
	parseFloats(m["bounds"], meta.Bounds[:])
	parseFloats(m["center"], meta.Center[:])
	return meta
}

func parseFloats(s string, dst []float64) {
	parts := strings.Split(s, ",")
	if len(parts) != len(dst) {
		return
	}
	for i, part := range parts {
		if f, err := strconv.ParseFloat(strings.TrimSpace(part), 64); err == nil {
			dst[i] = f
		}
	}
}

// tmsRow converts an XYZ row to the TMS row MBTiles stores.
func tmsRow(z, y uint32) uint32 {
	return (1 << z) - 1 - y
}
