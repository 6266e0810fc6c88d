package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/mvtimagery/internal/imagery"
	"github.com/MeKo-Tech/mvtimagery/internal/mbtiles"
	"github.com/MeKo-Tech/mvtimagery/internal/scheduler"
	"github.com/MeKo-Tech/mvtimagery/internal/tile"
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render a tile pyramid to a folder or an MBTiles file",
	Long: `Render every tile of a bounding box and zoom range through the layer's
worker pool. When the admission gates are closed the command waits for
earlier tiles to finish before requesting more.`,
	RunE: runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)

	renderCmd.Flags().StringP("layer", "l", "", "Layer id from the config file (optional with a single layer)")
	renderCmd.Flags().String("bbox", "", "Bounding box: minLon,minLat,maxLon,maxLat (e.g., \"9.7,52.3,9.9,52.4\")")
	renderCmd.Flags().Int("zoom-min", 0, "Minimum zoom level")
	renderCmd.Flags().Int("zoom-max", 0, "Maximum zoom level")
	renderCmd.Flags().Float64("scale", 1, "Device pixel ratio (2 renders @2x tiles)")
	renderCmd.Flags().Int("concurrency", runtime.NumCPU(), "Worker budget (the layer pool gets half)")
	renderCmd.Flags().Bool("progress", true, "Show progress bar")
	renderCmd.Flags().Bool("allow-failures", false, "Exit successfully even if some tiles fail")
	renderCmd.Flags().Bool("force", false, "Re-render tiles that already exist (folder format)")

	renderCmd.Flags().String("format", "folder", "Output format: folder or mbtiles")
	renderCmd.Flags().String("output-dir", "./tiles", "Output directory for folder format")
	renderCmd.Flags().String("output-file", "", "Output file path for MBTiles format (e.g., tiles.mbtiles)")
	renderCmd.Flags().String("folder-structure", "flat", "Folder structure for folder format: flat (z{z}_x{x}_y{y}.png) or nested ({z}/{x}/{y}.png)")

	bindFlags := []struct {
		key  string
		flag string
	}{
		{"render.layer", "layer"},
		{"render.bbox", "bbox"},
		{"render.zoom_min", "zoom-min"},
		{"render.zoom_max", "zoom-max"},
		{"render.scale", "scale"},
		{"render.concurrency", "concurrency"},
		{"render.progress", "progress"},
		{"render.allow_failures", "allow-failures"},
		{"render.force", "force"},
		{"render.format", "format"},
		{"render.output_dir", "output-dir"},
		{"render.output_file", "output-file"},
		{"render.folder_structure", "folder-structure"},
	}

	for _, bf := range bindFlags {
		if err := viper.BindPFlag(bf.key, renderCmd.Flags().Lookup(bf.flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", bf.flag, err))
		}
	}
}

func runRender(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	bboxStr := viper.GetString("render.bbox")
	zoomMin := viper.GetInt("render.zoom_min")
	zoomMax := viper.GetInt("render.zoom_max")
	scale := viper.GetFloat64("render.scale")
	format := viper.GetString("render.format")
	outputDir := viper.GetString("render.output_dir")
	outputFile := viper.GetString("render.output_file")
	folderStructure := viper.GetString("render.folder_structure")

	if format != "folder" && format != "mbtiles" {
		return fmt.Errorf("invalid format %q: must be 'folder' or 'mbtiles'", format)
	}
	if folderStructure != "flat" && folderStructure != "nested" {
		return fmt.Errorf("invalid folder-structure %q: must be 'flat' or 'nested'", folderStructure)
	}
	if format == "mbtiles" && outputFile == "" {
		return fmt.Errorf("--output-file is required when using --format=mbtiles")
	}
	if scale <= 0 || scale > imagery.MaxScaleFactor {
		return fmt.Errorf("--scale must be in (0, %d]", imagery.MaxScaleFactor)
	}

	bbox, err := parseBBox(bboxStr)
	if err != nil {
		return fmt.Errorf("invalid bbox: %w", err)
	}
	if zoomMin < 0 || zoomMax <= 0 {
		return fmt.Errorf("--zoom-min and --zoom-max are required")
	}
	if zoomMin > zoomMax {
		return fmt.Errorf("--zoom-min (%d) must be <= --zoom-max (%d)", zoomMin, zoomMax)
	}

	cfgs, err := loadLayerConfigs()
	if err != nil {
		return err
	}
	lc, err := findLayerConfig(cfgs, viper.GetString("render.layer"))
	if err != nil {
		return err
	}

	eng := newEngine(engineConfig{Concurrency: viper.GetInt("render.concurrency"), FetchTimeout: 30 * time.Second})
	defer eng.Close()

	layer, err := eng.buildLayer(lc)
	if err != nil {
		return fmt.Errorf("layer %q: %w", lc.ID, err)
	}
	defer layer.Close()

	var sink tileSink
	switch format {
	case "mbtiles":
		w, err := mbtiles.New(outputFile, mbtiles.Metadata{
			Name:        lc.ID,
			Format:      mbtiles.FormatPNG,
			MinZoom:     zoomMin,
			MaxZoom:     zoomMax,
			Bounds:      bbox,
			Center:      [3]float64{(bbox[0] + bbox[2]) / 2, (bbox[1] + bbox[3]) / 2, float64((zoomMin + zoomMax) / 2)},
			Description: "Rendered from " + lc.URL,
			Type:        "baselayer",
			Version:     "1.0",
		})
		if err != nil {
			return fmt.Errorf("failed to create MBTiles writer: %w", err)
		}
		defer w.Close()
		sink = w
	default:
		sink = &folderSink{
			dir:    outputDir,
			nested: folderStructure == "nested",
			suffix: scaleSuffix(scale),
			force:  viper.GetBool("render.force"),
		}
	}

	tiles := tile.TilesInBBox(bbox, zoomMin, zoomMax)
	logger.Info("Starting batch render",
		"layer", lc.ID,
		"bbox", bboxStr,
		"zoom_range", fmt.Sprintf("%d-%d", zoomMin, zoomMax),
		"tiles", len(tiles),
		"scale", scale,
		"pool_size", eng.sched.PoolSize(),
		"format", format,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := scheduler.NewProgress(len(tiles), viper.GetBool("render.progress"))
	failed, err := renderBatch(ctx, layer.Provider, tiles, scale, sink, progress)
	progress.Done()
	logger.Info(progress.Summary())
	if err != nil {
		return err
	}

	if w, ok := sink.(*mbtiles.Writer); ok {
		if err := w.Flush(); err != nil {
			return fmt.Errorf("failed to flush MBTiles: %w", err)
		}
		logger.Info("MBTiles render complete", "output", outputFile, "tiles", w.Written())
	}

	if failed > 0 {
		if viper.GetBool("render.allow_failures") {
			logger.Warn("Some tiles failed to render, but continuing due to --allow-failures flag", "failed_count", failed)
			return nil
		}
		return fmt.Errorf("%d tiles failed to render", failed)
	}
	return nil
}

// admissionBackoff is the pause before asking again when a request is
// rejected and nothing of this batch is pending.
const admissionBackoff = 20 * time.Millisecond

// tileSink stores a rendered PNG.
type tileSink interface {
	WriteTile(c tile.Coords, data []byte) error
}

// skipper is implemented by sinks that can tell a tile needs no render.
type skipper interface {
	Exists(c tile.Coords) bool
}

// folderSink writes tiles as files under dir.
type folderSink struct {
	dir    string
	nested bool
	suffix string
	force  bool
}

func (s *folderSink) path(c tile.Coords) string {
	if s.nested {
		return filepath.Join(s.dir, fmt.Sprintf("%d", c.Z), fmt.Sprintf("%d", c.X), fmt.Sprintf("%d%s.png", c.Y, s.suffix))
	}
	return filepath.Join(s.dir, c.String()+s.suffix+".png")
}

// Exists reports an already rendered tile unless force is set.
func (s *folderSink) Exists(c tile.Coords) bool {
	if s.force {
		return false
	}
	_, err := os.Stat(s.path(c))
	return err == nil
}

func (s *folderSink) WriteTile(c tile.Coords, data []byte) error {
	p := s.path(c)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

// scaleSuffix is the file name suffix of a scale factor: "" for 1, "@2x" for 2.
func scaleSuffix(scale float64) string {
	if scale == 1 {
		return ""
	}
	return "@" + strconv.FormatFloat(scale, 'f', -1, 64) + "x"
}

// renderBatch requests every tile from p and writes the results to sink in
// request order. A rejected request makes it wait for the oldest pending
// render before asking again. Tile failures are counted; only a cancelled
// ctx or a sink error stops the batch.
func renderBatch(ctx context.Context, p *imagery.Provider, tiles []tile.Coords, scale float64, sink tileSink, progress *scheduler.Progress) (int, error) {
	var (
		pending []*imagery.Request
		failed  int
	)

	settle := func(req *imagery.Request) error {
		img, err := req.Await(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			progress.Record(err)
			log().Error("Tile render failed", "coords", req.Coords.String(), "error", err)
			return nil
		}
		defer img.Close()

		data, err := img.PNG()
		if err == nil {
			err = sink.WriteTile(req.Coords, data)
		}
		progress.Record(err)
		if err != nil {
			return fmt.Errorf("failed to store tile %s: %w", req.Coords, err)
		}
		return nil
	}

	sk, canSkip := sink.(skipper)
	for _, c := range tiles {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		if canSkip && sk.Exists(c) {
			progress.Record(nil)
			continue
		}
		for {
			req, err := p.RequestImage(c, scale)
			if err == nil {
				pending = append(pending, req)
				break
			}
			if !errors.Is(err, imagery.ErrAdmissionRejected) {
				return failed, err
			}
			if len(pending) > 0 {
				if err := settle(pending[0]); err != nil {
					return failed, err
				}
				pending = pending[1:]
				continue
			}
			// slots are released asynchronously once a render settles
			select {
			case <-ctx.Done():
				return failed, ctx.Err()
			case <-time.After(admissionBackoff):
			}
		}
	}

	for _, req := range pending {
		if err := settle(req); err != nil {
			return failed, err
		}
	}
	return failed, nil
}

// parseBBox parses a bounding box string "minLon,minLat,maxLon,maxLat" into [4]float64.
func parseBBox(s string) ([4]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return [4]float64{}, fmt.Errorf("expected 4 comma-separated values, got %d", len(parts))
	}

	var bbox [4]float64
	for i, part := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return [4]float64{}, fmt.Errorf("invalid number at position %d: %w", i, err)
		}
		bbox[i] = val
	}

	if bbox[0] >= bbox[2] {
		return [4]float64{}, fmt.Errorf("minLon (%.4f) must be < maxLon (%.4f)", bbox[0], bbox[2])
	}
	if bbox[1] >= bbox[3] {
		return [4]float64{}, fmt.Errorf("minLat (%.4f) must be < maxLat (%.4f)", bbox[1], bbox[3])
	}

	return bbox, nil
}
