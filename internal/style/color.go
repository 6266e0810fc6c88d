package style

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"

	"golang.org/x/image/colornames"
)

// ParseColor accepts SVG color names, "#rgb", "#rrggbb", "#rrggbbaa" and
// "rgba(r, g, b, a)" with a in [0,1]. "none", "transparent" and the empty
// string yield nil.
func ParseColor(s string) (color.Color, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "none", "transparent":
		return nil, nil
	}

	if strings.HasPrefix(s, "#") {
		return parseHex(s[1:])
	}
	if strings.HasPrefix(s, "rgba(") || strings.HasPrefix(s, "rgb(") {
		return parseFunctional(s)
	}
	if c, ok := colornames.Map[s]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("unknown color %q", s)
}

func parseHex(h string) (color.Color, error) {
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) == 6 {
		h += "ff"
	}
	if len(h) != 8 {
		return nil, fmt.Errorf("invalid hex color #%s", h)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid hex color #%s: %w", h, err)
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

func parseFunctional(s string) (color.Color, error) {
	open := strings.IndexByte(s, '(')
	if !strings.HasSuffix(s, ")") || open < 0 {
		return nil, fmt.Errorf("invalid color %q", s)
	}
	parts := strings.Split(s[open+1:len(s)-1], ",")
	if len(parts) != 3 && len(parts) != 4 {
		return nil, fmt.Errorf("invalid color %q: want 3 or 4 components", s)
	}

	var rgb [3]uint8
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil || n < 0 || n > 255 {
			return nil, fmt.Errorf("invalid color %q: component %d", s, i)
		}
		rgb[i] = uint8(n)
	}

	alpha := uint8(255)
	if len(parts) == 4 {
		a, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
		if err != nil || a < 0 || a > 1 {
			return nil, fmt.Errorf("invalid color %q: alpha", s)
		}
		alpha = uint8(a*255 + 0.5)
	}
	return color.NRGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: alpha}, nil
}
