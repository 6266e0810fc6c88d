package style

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MeKo-Tech/mvtimagery/internal/tile"
	"github.com/MeKo-Tech/mvtimagery/internal/vtile"
)

// RuleFile is the YAML document read by LoadRuleSet.
type RuleFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// RuleSpec is one rule as written in a style file. Empty match fields match
// everything.
type RuleSpec struct {
	Layer   string              `yaml:"layer"`
	Type    string              `yaml:"type"`
	MinZoom uint32              `yaml:"minzoom"`
	MaxZoom uint32              `yaml:"maxzoom"`
	Where   map[string][]string `yaml:"where"`
	Context map[string]string   `yaml:"context"`
	Hidden  bool                `yaml:"hidden"`

	Fill   string  `yaml:"fill"`
	Stroke string  `yaml:"stroke"`
	Width  float64 `yaml:"width"`
	Join   string  `yaml:"join"`
}

type rule struct {
	layers  map[string]struct{}
	geom    vtile.GeometryType
	minZoom uint32
	maxZoom uint32
	where   map[string]map[string]struct{}
	context map[string]string
	hidden  bool
	style   Style
}

// RuleSet is a compiled, ordered list of rules. The first matching rule wins;
// a feature no rule matches is not drawn. A RuleSet is immutable and safe for
// concurrent use.
type RuleSet struct {
	rules []rule
}

// LoadRuleSet reads and compiles a YAML style file.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read style file: %w", err)
	}
	rs, err := ParseRuleSet(data)
	if err != nil {
		return nil, fmt.Errorf("style file %s: %w", path, err)
	}
	return rs, nil
}

// ParseRuleSet compiles a YAML style document.
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var doc RuleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse style: %w", err)
	}
	return Compile(doc.Rules)
}

// Compile validates rule specs and builds a RuleSet.
func Compile(specs []RuleSpec) (*RuleSet, error) {
	rs := &RuleSet{rules: make([]rule, 0, len(specs))}
	for i, spec := range specs {
		r, err := compileRule(spec)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rs.rules = append(rs.rules, r)
	}
	return rs, nil
}

func compileRule(spec RuleSpec) (rule, error) {
	r := rule{
		minZoom: spec.MinZoom,
		maxZoom: spec.MaxZoom,
		context: spec.Context,
		hidden:  spec.Hidden,
	}

	if spec.Layer != "" {
		r.layers = make(map[string]struct{})
		for _, name := range strings.Split(spec.Layer, ",") {
			if name = strings.TrimSpace(name); name != "" {
				r.layers[name] = struct{}{}
			}
		}
	}

	switch strings.ToLower(spec.Type) {
	case "":
	case "polygon", "fill":
		r.geom = vtile.GeometryPolygon
	case "line", "linestring":
		r.geom = vtile.GeometryLineString
	case "point", "circle":
		r.geom = vtile.GeometryPoint
	default:
		return rule{}, fmt.Errorf("unknown geometry type %q", spec.Type)
	}

	if spec.MaxZoom > 0 && spec.MaxZoom < spec.MinZoom {
		return rule{}, fmt.Errorf("maxzoom %d below minzoom %d", spec.MaxZoom, spec.MinZoom)
	}

	if len(spec.Where) > 0 {
		r.where = make(map[string]map[string]struct{}, len(spec.Where))
		for key, values := range spec.Where {
			set := make(map[string]struct{}, len(values))
			for _, v := range values {
				set[v] = struct{}{}
			}
			r.where[key] = set
		}
	}

	var err error
	if r.style.FillColor, err = ParseColor(spec.Fill); err != nil {
		return rule{}, fmt.Errorf("fill: %w", err)
	}
	if r.style.StrokeColor, err = ParseColor(spec.Stroke); err != nil {
		return rule{}, fmt.Errorf("stroke: %w", err)
	}
	if spec.Width < 0 {
		return rule{}, fmt.Errorf("negative width %v", spec.Width)
	}
	r.style.LineWidth = spec.Width
	if r.style.LineJoin, err = ParseLineJoin(spec.Join); err != nil {
		return rule{}, err
	}
	return r, nil
}

// Len returns the number of compiled rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Resolve implements Resolver.
func (rs *RuleSet) Resolve(f *vtile.Feature, coords tile.Coords, lc LayerContext) (Style, bool) {
	if rs == nil || f == nil {
		return Style{}, false
	}
	for i := range rs.rules {
		r := &rs.rules[i]
		if !r.matches(f, coords, lc) {
			continue
		}
		if r.hidden {
			return Style{}, false
		}
		return r.style, true
	}
	return Style{}, false
}

func (r *rule) matches(f *vtile.Feature, coords tile.Coords, lc LayerContext) bool {
	if r.layers != nil {
		if _, ok := r.layers[f.Layer]; !ok {
			return false
		}
	}
	if r.geom != vtile.GeometryUnknown && r.geom != f.Type {
		return false
	}
	if coords.Z < r.minZoom || (r.maxZoom > 0 && coords.Z > r.maxZoom) {
		return false
	}
	for key, allowed := range r.where {
		v, ok := f.Properties[key]
		if !ok {
			return false
		}
		if _, ok := allowed[fmt.Sprint(v)]; !ok {
			return false
		}
	}
	for key, want := range r.context {
		v, ok := lc.Get(key)
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}
