package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/mvtimagery/internal/geojson"
	"github.com/MeKo-Tech/mvtimagery/internal/pick"
	"github.com/MeKo-Tech/mvtimagery/internal/tile"
)

var pickCmd = &cobra.Command{
	Use:   "pick",
	Short: "Print the features under a point as GeoJSON",
	Example: `  mvtimagery pick --layer osm --zoom 14 --lon 9.7385 --lat 52.3745
  mvtimagery pick --zoom 16 --lon 9.7385 --lat 52.3745 --pretty=false`,
	RunE: runPick,
}

func init() {
	rootCmd.AddCommand(pickCmd)

	pickCmd.Flags().StringP("layer", "l", "", "Layer id from the config file (optional with a single layer)")
	pickCmd.Flags().IntP("zoom", "z", 14, "Display zoom level")
	pickCmd.Flags().Float64("lon", 0, "Longitude (WGS84)")
	pickCmd.Flags().Float64("lat", 0, "Latitude (WGS84)")
	pickCmd.Flags().Bool("pretty", true, "Indent the GeoJSON output")
	pickCmd.Flags().Duration("timeout", 30*time.Second, "Timeout for fetching the source tile")

	bindFlags := []struct {
		key  string
		flag string
	}{
		{"pick.layer", "layer"},
		{"pick.zoom", "zoom"},
		{"pick.lon", "lon"},
		{"pick.lat", "lat"},
		{"pick.pretty", "pretty"},
		{"pick.timeout", "timeout"},
	}

	for _, bf := range bindFlags {
		if err := viper.BindPFlag(bf.key, pickCmd.Flags().Lookup(bf.flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", bf.flag, err))
		}
	}
}

func runPick(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	zoom := viper.GetInt("pick.zoom")
	lon := viper.GetFloat64("pick.lon")
	lat := viper.GetFloat64("pick.lat")
	if zoom < 0 || zoom > 30 {
		return fmt.Errorf("--zoom %d out of range [0, 30]", zoom)
	}
	if lon < -180 || lon > 180 || lat < -85.0511287798 || lat > 85.0511287798 {
		return fmt.Errorf("point (%.6f, %.6f) is outside the Web Mercator range", lon, lat)
	}

	cfgs, err := loadLayerConfigs()
	if err != nil {
		return err
	}
	lc, err := findLayerConfig(cfgs, viper.GetString("pick.layer"))
	if err != nil {
		return err
	}

	timeout := viper.GetDuration("pick.timeout")
	eng := newEngine(engineConfig{Concurrency: 1, FetchTimeout: timeout})
	defer eng.Close()

	layer, err := eng.buildLayer(lc)
	if err != nil {
		return fmt.Errorf("layer %q: %w", lc.ID, err)
	}
	defer layer.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	coords := tile.At(lon, lat, uint32(zoom))
	hits, err := layer.Provider.PickFeatures(ctx, coords, lon, lat)
	if err != nil {
		return fmt.Errorf("pick failed: %w", err)
	}
	logger.Debug("pick complete", "layer", lc.ID, "coords", coords.String(), "hits", len(hits))

	data, err := geojson.ToGeoJSONBytes(pick.Collection(hits), viper.GetBool("pick.pretty"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}
