package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/mvtimagery/internal/mbtiles"
	"github.com/MeKo-Tech/mvtimagery/internal/scheduler"
	"github.com/MeKo-Tech/mvtimagery/internal/tile"
)

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert a rendered tile folder to MBTiles",
	Long: `Convert a folder written by "render --format folder" into an MBTiles
database. Flat and nested layouts are both recognized; tiles of other scale
factors than the selected one are ignored.`,
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)

	f := convertCmd.Flags()
	f.String("input-dir", "./tiles", "Folder written by render --format folder")
	f.StringP("output", "o", "", "MBTiles file to create (required)")
	f.String("name", "mvtimagery", "Tileset name stored in metadata")
	f.String("description", "Rendered vector tiles", "Tileset description stored in metadata")
	f.String("attribution", "", "Attribution stored in metadata")
	f.String("bounds", "", "minLon,minLat,maxLon,maxLat stored in metadata (default: whole world)")
	f.Float64("scale", 1, "Scale factor of the tiles to convert (2 picks the @2x files)")
	f.Bool("progress", false, "Show progress bar")

	for _, name := range []string{"input-dir", "output", "name", "description", "attribution", "bounds", "scale", "progress"} {
		key := "convert." + strings.ReplaceAll(name, "-", "_")
		if err := viper.BindPFlag(key, f.Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", name, err))
		}
	}
}

// worldBounds covers the Web Mercator square.
var worldBounds = [4]float64{-180, -85.0511287798, 180, 85.0511287798}

type convertOptions struct {
	inputDir    string
	output      string
	name        string
	description string
	attribution string
	bounds      [4]float64
	scale       float64
}

func convertOptionsFromConfig() (convertOptions, error) {
	opts := convertOptions{
		inputDir:    viper.GetString("convert.input_dir"),
		output:      viper.GetString("convert.output"),
		name:        viper.GetString("convert.name"),
		description: viper.GetString("convert.description"),
		attribution: viper.GetString("convert.attribution"),
		bounds:      worldBounds,
		scale:       viper.GetFloat64("convert.scale"),
	}
	if opts.output == "" {
		return opts, fmt.Errorf("--output is required")
	}
	if raw := viper.GetString("convert.bounds"); raw != "" {
		b, err := parseBBox(raw)
		if err != nil {
			return opts, fmt.Errorf("invalid bounds: %w", err)
		}
		opts.bounds = b
	}
	return opts, nil
}

// metadata describes a png tileset spanning minZoom..maxZoom.
func (o convertOptions) metadata(minZoom, maxZoom int) mbtiles.Metadata {
	b := o.bounds
	return mbtiles.Metadata{
		Name:        o.name,
		Format:      mbtiles.FormatPNG,
		MinZoom:     minZoom,
		MaxZoom:     maxZoom,
		Bounds:      b,
		Center:      [3]float64{(b[0] + b[2]) / 2, (b[1] + b[3]) / 2, float64((minZoom + maxZoom) / 2)},
		Attribution: o.attribution,
		Description: o.description,
		Type:        "baselayer",
		Version:     "1.0",
	}
}

func runConvert(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	opts, err := convertOptionsFromConfig()
	if err != nil {
		return err
	}
	if info, err := os.Stat(opts.inputDir); err != nil || !info.IsDir() {
		return fmt.Errorf("input directory does not exist: %s", opts.inputDir)
	}

	files, minZoom, maxZoom, err := scanTilesDirectory(opts.inputDir, scaleSuffix(opts.scale))
	if err != nil {
		return fmt.Errorf("scan %s: %w", opts.inputDir, err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no tiles found in %s", opts.inputDir)
	}
	log().Info("Found tiles", "count", len(files), "min_zoom", minZoom, "max_zoom", maxZoom)

	writer, err := mbtiles.New(opts.output, opts.metadata(minZoom, maxZoom))
	if err != nil {
		return fmt.Errorf("create %s: %w", opts.output, err)
	}

	progress := scheduler.NewProgress(len(files), viper.GetBool("convert.progress"))
	for _, tf := range files {
		progress.Record(copyTile(writer, tf))
	}
	progress.Done()

	if err := writer.Close(); err != nil {
		return fmt.Errorf("finish %s: %w", opts.output, err)
	}
	log().Info("Conversion complete", "output", opts.output, "tiles", writer.Written(), "summary", progress.Summary())
	return nil
}

// copyTile moves one file into the writer. Failures are logged and counted
// by the caller without stopping the conversion.
func copyTile(w *mbtiles.Writer, tf tileFile) error {
	data, err := os.ReadFile(tf.path)
	if err == nil {
		err = w.WriteTile(tf.coords, data)
	}
	if err != nil {
		log().Error("Skipping tile", "coords", tf.coords.String(), "path", tf.path, "error", err)
	}
	return err
}

type tileFile struct {
	coords tile.Coords
	path   string
}

var (
	flatTilePattern   = regexp.MustCompile(`^z(\d+)_x(\d+)_y(\d+)(@[0-9.]+x)?\.png$`)
	nestedTilePattern = regexp.MustCompile(`^(\d+)/(\d+)/(\d+)(@[0-9.]+x)?\.png$`)
)

// scanTilesDirectory finds the tiles written with the given scale suffix in
// either folder layout and returns them with their zoom range.
func scanTilesDirectory(dir, suffix string) ([]tileFile, int, int, error) {
	var tiles []tileFile
	minZoom, maxZoom := -1, 0

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		m := flatTilePattern.FindStringSubmatch(d.Name())
		if m == nil {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return nil
			}
			m = nestedTilePattern.FindStringSubmatch(filepath.ToSlash(rel))
		}
		if m == nil || m[4] != suffix {
			return nil
		}

		var nums [3]uint32
		for i, s := range m[1:4] {
			v, err := strconv.ParseUint(s, 10, 32)
			if err != nil {
				return nil
			}
			nums[i] = uint32(v)
		}
		c := tile.NewCoords(nums[0], nums[1], nums[2])
		tiles = append(tiles, tileFile{coords: c, path: path})

		z := int(c.Z)
		if minZoom < 0 || z < minZoom {
			minZoom = z
		}
		if z > maxZoom {
			maxZoom = z
		}
		return nil
	})
	if err != nil {
		return nil, 0, 0, err
	}
	if len(tiles) == 0 {
		return nil, 0, 0, nil
	}
	return tiles, minZoom, maxZoom, nil
}
