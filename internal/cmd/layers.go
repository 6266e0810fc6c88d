package cmd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/MeKo-Tech/mvtimagery/internal/imagery"
	"github.com/MeKo-Tech/mvtimagery/internal/pick"
	"github.com/MeKo-Tech/mvtimagery/internal/scheduler"
	"github.com/MeKo-Tech/mvtimagery/internal/server"
	"github.com/MeKo-Tech/mvtimagery/internal/source"
	"github.com/MeKo-Tech/mvtimagery/internal/style"
	"github.com/MeKo-Tech/mvtimagery/internal/tilecache"
)

// layerConfig is one entry of the layers: list in config.yaml.
type layerConfig struct {
	ID string `mapstructure:"id" yaml:"id"`
	// Key names the scheduler pool; layers sharing a key share workers.
	// Defaults to ID.
	Key           string         `mapstructure:"key" yaml:"key"`
	URL           string         `mapstructure:"url" yaml:"url"`
	MaxLevel      uint32         `mapstructure:"max_level" yaml:"max_level"`
	TileSize      int            `mapstructure:"tile_size" yaml:"tile_size"`
	Layers        []string       `mapstructure:"layers" yaml:"layers"`
	Style         string         `mapstructure:"style" yaml:"style"`
	MaxQueuedJobs int            `mapstructure:"max_queued_jobs" yaml:"max_queued_jobs"`
	MaxInFlight   int            `mapstructure:"max_in_flight" yaml:"max_in_flight"`
	CacheSize     int            `mapstructure:"cache_size" yaml:"cache_size"`
	Padding       float64        `mapstructure:"padding" yaml:"padding"`
	PickLine      float64        `mapstructure:"pick_line_threshold" yaml:"pick_line_threshold"`
	PickPoint     float64        `mapstructure:"pick_point_threshold" yaml:"pick_point_threshold"`
	Context       map[string]any `mapstructure:"context" yaml:"context"`
}

// loadLayerConfigs reads the layers: list from the active viper config.
func loadLayerConfigs() ([]layerConfig, error) {
	var cfgs []layerConfig
	if err := viper.UnmarshalKey("layers", &cfgs); err != nil {
		return nil, fmt.Errorf("failed to parse layers: %w", err)
	}
	seen := make(map[string]bool, len(cfgs))
	for i := range cfgs {
		if cfgs[i].ID == "" {
			return nil, fmt.Errorf("layer %d has no id", i)
		}
		if seen[cfgs[i].ID] {
			return nil, fmt.Errorf("duplicate layer id %q", cfgs[i].ID)
		}
		seen[cfgs[i].ID] = true
		if cfgs[i].Key == "" {
			cfgs[i].Key = cfgs[i].ID
		}
		if err := source.ValidateTemplate(cfgs[i].URL); err != nil {
			return nil, fmt.Errorf("layer %q: %w", cfgs[i].ID, err)
		}
	}
	return cfgs, nil
}

// findLayerConfig returns the config of the layer with the given id.
func findLayerConfig(cfgs []layerConfig, id string) (layerConfig, error) {
	for _, c := range cfgs {
		if c.ID == id {
			return c, nil
		}
	}
	if id == "" && len(cfgs) == 1 {
		return cfgs[0], nil
	}
	return layerConfig{}, fmt.Errorf("unknown layer %q", id)
}

// fingerprint hashes the layer config together with its style file, so an
// edit to either makes the layer count as changed.
func (c layerConfig) fingerprint() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	h := xxhash.New()
	_, _ = h.Write(data)
	if c.Style != "" {
		styleData, err := os.ReadFile(c.Style)
		if err != nil {
			return "", fmt.Errorf("failed to read style file: %w", err)
		}
		_, _ = h.Write(styleData)
	}
	return strconv.FormatUint(h.Sum64(), 16), nil
}

// engine holds what the layers of one process share: the scheduler, the
// source fetchers and the metric collectors.
type engine struct {
	sched   *scheduler.Scheduler
	fetcher *source.Mux

	cacheMetrics   *tilecache.Metrics
	imageryMetrics *imagery.Metrics
	fetchTimeout   time.Duration
}

// engineConfig configures newEngine. A nil Registerer leaves metrics
// unregistered.
type engineConfig struct {
	Concurrency  int
	Fraction     float64
	UserAgent    string
	FetchTimeout time.Duration
	Registerer   prometheus.Registerer
}

func newEngine(cfg engineConfig) *engine {
	return &engine{
		sched: scheduler.New(scheduler.Config{
			Concurrency: cfg.Concurrency,
			Fraction:    cfg.Fraction,
			Metrics:     scheduler.NewMetrics(cfg.Registerer),
			Logger:      logger,
		}),
		fetcher: source.NewMux(source.Config{
			HTTP:   source.HTTPConfig{UserAgent: cfg.UserAgent, Timeout: cfg.FetchTimeout},
			Logger: logger,
		}),
		cacheMetrics:   tilecache.NewMetrics(cfg.Registerer),
		imageryMetrics: imagery.NewMetrics(cfg.Registerer),
		fetchTimeout:   cfg.FetchTimeout,
	}
}

// buildLayers builds every configured layer. Built layers hold no work
// until they serve a request, so on error they are dropped without Close,
// which would tear down a live pool sharing their key.
func (e *engine) buildLayers(cfgs []layerConfig) ([]*server.Layer, error) {
	out := make([]*server.Layer, 0, len(cfgs))
	for _, c := range cfgs {
		l, err := e.buildLayer(c)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", c.ID, err)
		}
		out = append(out, l)
	}
	return out, nil
}

func (e *engine) buildLayer(c layerConfig) (*server.Layer, error) {
	fp, err := c.fingerprint()
	if err != nil {
		return nil, err
	}

	var resolver style.Resolver
	if c.Style != "" {
		rs, err := style.LoadRuleSet(c.Style)
		if err != nil {
			return nil, err
		}
		resolver = rs
	}

	cache := tilecache.New(tilecache.Config{
		Name:         c.ID,
		Capacity:     c.CacheSize,
		FetchTimeout: e.fetchTimeout,
		Fetcher:      e.fetcher,
		Metrics:      e.cacheMetrics,
		Logger:       logger,
	})

	thresholds := pick.Thresholds{}
	if c.PickLine > 0 {
		thresholds.Line = pick.Constant(c.PickLine)
	}
	if c.PickPoint > 0 {
		thresholds.Point = pick.Constant(c.PickPoint)
	}

	p, err := imagery.New(imagery.Config{
		Options: imagery.Options{
			Key:           c.Key,
			URLTemplate:   c.URL,
			MaximumLevel:  c.MaxLevel,
			TileSize:      c.TileSize,
			LayerNames:    c.Layers,
			LayerContext:  style.LayerContext(c.Context),
			MaxQueuedJobs: c.MaxQueuedJobs,
			MaxInFlight:   c.MaxInFlight,
			Padding:       c.Padding,
			Resolver:      resolver,
			Thresholds:    thresholds,
		},
		Scheduler: e.sched,
		Tiles:     cache,
		Metrics:   e.imageryMetrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	return &server.Layer{ID: c.ID, Provider: p, Cache: cache, Fingerprint: fp}, nil
}

// Close stops the scheduler and releases opened MBTiles sources.
func (e *engine) Close() error {
	e.sched.Close()
	return e.fetcher.Close()
}
