package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/mvtimagery/internal/metrics"
	"github.com/MeKo-Tech/mvtimagery/internal/server"
)

var (
	version  = "dev"
	revision = ""
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve rendered tiles, feature picks and metrics over HTTP",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "127.0.0.1:8080", "Listen address (host:port)")
	serveCmd.Flags().String("cache-control", "public, max-age=300", "Cache-Control header for rendered tiles")
	serveCmd.Flags().Duration("render-timeout", time.Minute, "Timeout per tile request, including queueing")
	serveCmd.Flags().Int("concurrency", runtime.NumCPU(), "Worker budget shared by the layer pools")
	serveCmd.Flags().Float64("pool-fraction", 0.5, "Fraction of --concurrency given to each layer pool")
	serveCmd.Flags().Duration("fetch-timeout", 30*time.Second, "Timeout per source tile fetch")
	serveCmd.Flags().String("user-agent", "mvtimagery/"+version, "User-Agent for HTTP tile sources")
	serveCmd.Flags().String("mbtiles", "", "Also serve pre-rendered tiles from this MBTiles file under /mbtiles")
	serveCmd.Flags().Bool("metrics", true, "Expose Prometheus metrics on /metrics")
	serveCmd.Flags().Bool("watch-config", false, "Rebuild layers when the config file changes")

	mustBind := func(key string, name string) {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}

	mustBind("serve.addr", "addr")
	mustBind("serve.cache_control", "cache-control")
	mustBind("serve.render_timeout", "render-timeout")
	mustBind("serve.concurrency", "concurrency")
	mustBind("serve.pool_fraction", "pool-fraction")
	mustBind("serve.fetch_timeout", "fetch-timeout")
	mustBind("serve.user_agent", "user-agent")
	mustBind("serve.mbtiles", "mbtiles")
	mustBind("serve.metrics", "metrics")
	mustBind("serve.watch_config", "watch-config")
}

func runServe(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	addr := viper.GetString("serve.addr")
	cacheControl := viper.GetString("serve.cache_control")

	mp := metrics.Init(metrics.Config{
		Build:   metrics.BuildInfo{Version: version, Revision: revision},
		Runtime: true,
	})

	eng := newEngine(engineConfig{
		Concurrency:  viper.GetInt("serve.concurrency"),
		Fraction:     viper.GetFloat64("serve.pool_fraction"),
		UserAgent:    viper.GetString("serve.user_agent"),
		FetchTimeout: viper.GetDuration("serve.fetch_timeout"),
		Registerer:   mp.Registerer(),
	})
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("failed to close sources", "error", err)
		}
	}()

	cfgs, err := loadLayerConfigs()
	if err != nil {
		return err
	}
	if len(cfgs) == 0 {
		return fmt.Errorf("no layers configured (add a layers: list to the config file)")
	}
	built, err := eng.buildLayers(cfgs)
	if err != nil {
		return err
	}
	layers := server.NewLayers(built...)
	defer layers.Close()

	cfg := server.Config{
		Layers:        layers,
		Scheduler:     eng.sched,
		CacheControl:  cacheControl,
		RenderTimeout: viper.GetDuration("serve.render_timeout"),
		Logger:        logger,
	}
	if viper.GetBool("serve.metrics") {
		cfg.Metrics = mp.Handler()
	}
	if path := viper.GetString("serve.mbtiles"); path != "" {
		h, err := server.NewMBTilesHandler(server.MBTilesConfig{MBTilesPath: path}, logger)
		if err != nil {
			return err
		}
		defer h.Close()
		cfg.MBTiles = h
	}

	if viper.GetBool("serve.watch_config") {
		watchLayers(eng, layers)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ids := make([]string, 0, len(built))
	for _, l := range built {
		ids = append(ids, l.ID)
	}
	logger.Info("tile server starting",
		"addr", addr,
		"layers", ids,
		"pool_size", eng.sched.PoolSize(),
		"watch_config", viper.GetBool("serve.watch_config"),
	)

	return server.New(cfg).Run(ctx, addr)
}

// watchLayers rebuilds the layer set whenever the config file changes.
// Layers whose config and style are unchanged keep running; the others are
// switched, which abandons their queued renders and clears their caches.
func watchLayers(eng *engine, layers *server.Layers) {
	if viper.ConfigFileUsed() == "" {
		logger.Warn("--watch-config has no config file to watch")
		return
	}

	var mu sync.Mutex
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		mu.Lock()
		defer mu.Unlock()

		cfgs, err := loadLayerConfigs()
		if err != nil {
			logger.Error("config reload failed", "file", e.Name, "error", err)
			return
		}
		next, err := eng.buildLayers(cfgs)
		if err != nil {
			logger.Error("config reload failed", "file", e.Name, "error", err)
			return
		}
		closed, kept := layers.Replace(next)
		logger.Info("layers reloaded", "file", e.Name, "switched", closed, "kept", kept, "total", len(next))
	})
	viper.WatchConfig()
}
