package tile

import (
	"strconv"
	"strings"
)

// ResolveURL substitutes {z}, {x} and {y} in template with the tile's level
// and column/row in plain decimal. An empty template yields an empty URL.
func ResolveURL(template string, c Coords) string {
	if template == "" {
		return ""
	}
	r := strings.NewReplacer(
		"{z}", strconv.FormatUint(uint64(c.Z), 10),
		"{x}", strconv.FormatUint(uint64(c.X), 10),
		"{y}", strconv.FormatUint(uint64(c.Y), 10),
	)
	return r.Replace(template)
}

// DataURL resolves the URL of the source tile backing a display tile, with the
// level clamped to maxLevel so over-zoomed requests reuse the deepest source.
func DataURL(template string, display Coords, maxLevel uint32) string {
	return ResolveURL(template, display.Parent(maxLevel))
}
