// Package style maps decoded vector features to paint attributes.
package style

import (
	"fmt"
	"image/color"
	"strings"

	"github.com/MeKo-Tech/mvtimagery/internal/tile"
	"github.com/MeKo-Tech/mvtimagery/internal/vtile"
)

// LineJoin is the shape used where two stroked segments meet.
type LineJoin uint8

const (
	JoinMiter LineJoin = iota
	JoinRound
	JoinBevel
)

func (j LineJoin) String() string {
	switch j {
	case JoinRound:
		return "round"
	case JoinBevel:
		return "bevel"
	default:
		return "miter"
	}
}

// ParseLineJoin parses "miter", "round" or "bevel". An empty string is miter.
func ParseLineJoin(s string) (LineJoin, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "miter":
		return JoinMiter, nil
	case "round":
		return JoinRound, nil
	case "bevel":
		return JoinBevel, nil
	default:
		return JoinMiter, fmt.Errorf("unknown line join %q", s)
	}
}

// Style holds the paint attributes for one feature. A nil color is unset and
// paints nothing.
type Style struct {
	FillColor   color.Color
	StrokeColor color.Color
	LineWidth   float64
	LineJoin    LineJoin
}

// LayerContext is the opaque per-layer state a caller threads through render
// and pick requests. Resolvers and selectors may read it; the engine does not.
type LayerContext map[string]any

// Get returns the value stored under key.
func (c LayerContext) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c[key]
	return v, ok
}

// Resolver decides how a feature is painted. Returning false skips the
// feature entirely. coords is the data tile the feature was decoded from,
// which differs from the display tile when over-zooming.
type Resolver interface {
	Resolve(f *vtile.Feature, coords tile.Coords, lc LayerContext) (Style, bool)
}

// ResolverFunc adapts a plain function to Resolver.
type ResolverFunc func(f *vtile.Feature, coords tile.Coords, lc LayerContext) (Style, bool)

// Resolve implements Resolver.
func (fn ResolverFunc) Resolve(f *vtile.Feature, coords tile.Coords, lc LayerContext) (Style, bool) {
	return fn(f, coords, lc)
}

// Fixed returns a resolver painting every feature with s.
func Fixed(s Style) Resolver {
	return ResolverFunc(func(*vtile.Feature, tile.Coords, LayerContext) (Style, bool) {
		return s, true
	})
}
