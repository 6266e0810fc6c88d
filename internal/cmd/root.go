package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	applog "github.com/MeKo-Tech/mvtimagery/internal/logger"
)

var (
	cfgFile string
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mvtimagery",
	Short: "Render and pick Mapbox Vector Tiles as raster imagery",
	Long: `mvtimagery turns Mapbox Vector Tile sources into styled PNG tiles.

It serves rendered tiles and feature picks over HTTP, renders tile pyramids
in batch to a folder or an MBTiles file, and answers single pick queries
from the command line.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-console", false, "Human readable console logs instead of JSON")
	rootCmd.PersistentFlags().Bool("verbose", false, "Shorthand for --log-level=debug")

	if err := viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		panic(fmt.Sprintf("failed to bind flag: %v", err))
	}
	if err := viper.BindPFlag("log.console", rootCmd.PersistentFlags().Lookup("log-console")); err != nil {
		panic(fmt.Sprintf("failed to bind flag: %v", err))
	}
	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		panic(fmt.Sprintf("failed to bind flag: %v", err))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("MVTIMAGERY")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// initLogging builds the zerolog backed slog logger and installs it as the
// process default.
func initLogging() {
	level := viper.GetString("log.level")
	if viper.GetBool("verbose") {
		level = "debug"
	}
	zl := applog.Build(applog.Config{
		Level:     level,
		Console:   viper.GetBool("log.console"),
		Component: "mvtimagery",
	}, os.Stderr)
	logger = applog.NewSlog(&zl)
	slog.SetDefault(logger)
}

func log() *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}
