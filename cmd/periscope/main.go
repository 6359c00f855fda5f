package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/periscope-sec/periscope/internal/app"
	"github.com/periscope-sec/periscope/internal/config"
	"github.com/periscope-sec/periscope/internal/models"
)

const (
	appName = "periscope"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Threat-intelligence ingestion and triage pipeline",
		Version: version,
		Long: `Periscope collects threat intelligence from feeds, pages, APIs, and social
platforms, normalizes and deduplicates it, scores it for triage, and keeps it
in a three-tier store with confidence decay.`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the collection daemon",
		Long:  "Start the full pipeline: collection engine, normalizer, deduper, tiered store, decay worker, sinks, and the ops server.",
		RunE:  runDaemon,
	}

	fetchCmd := &cobra.Command{
		Use:   "fetch <source-id>",
		Short: "Fetch a single source once",
		Long:  "Trigger one fetch of the given source through the full pipeline, then exit. Useful for validating a new source end to end.",
		Args:  cobra.ExactArgs(1),
		RunE:  runFetchOnce,
	}
	fetchCmd.Flags().Duration("wait", 30*time.Second, "How long to wait for the fetch to complete")

	sourcesCmd := &cobra.Command{
		Use:   "sources",
		Short: "Source configuration commands",
	}
	sourcesValidateCmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a sources file",
		Long:  "Parse and validate the sources YAML file without starting the pipeline. Exits non-zero on the first validation failure.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSourcesValidate,
	}
	sourcesCmd.AddCommand(sourcesValidateCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(runCmd, fetchCmd, sourcesCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(app.ExitStartup)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Error().Err(err).Msg("Configuration invalid")
		os.Exit(app.ExitStartup)
	}

	a, err := app.New(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Startup failed")
		os.Exit(app.ExitStartup)
	}

	log.Info().Str("sources_path", cfg.SourcesPath).Str("store", cfg.StoreEndpoint).Msg("Periscope starting")
	if err := a.Run(context.Background()); err != nil {
		log.Error().Err(err).Msg("Pipeline failed")
		os.Exit(app.ExitRuntime)
	}
	log.Info().Msg("Periscope stopped")
	return nil
}

func runFetchOnce(cmd *cobra.Command, args []string) error {
	sourceID := args[0]
	wait, _ := cmd.Flags().GetDuration("wait")

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error().Err(err).Msg("Configuration invalid")
		os.Exit(app.ExitStartup)
	}
	a, err := app.New(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Startup failed")
		os.Exit(app.ExitStartup)
	}

	// Narrow the schedule to the requested source so nothing else fires
	// during the one-shot window.
	src, ok := a.Registry().Lookup(sourceID)
	if !ok {
		log.Error().Str("source", sourceID).Msg("Unknown source id")
		os.Exit(app.ExitStartup)
	}
	if err := a.Registry().Reload([]models.Source{src}); err != nil {
		log.Error().Err(err).Msg("Registry narrow failed")
		os.Exit(app.ExitStartup)
	}

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	a.Engine().Trigger(sourceID)
	log.Info().Str("source", sourceID).Dur("wait", wait).Msg("One-shot fetch triggered")
	if err := a.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Fetch failed")
		os.Exit(app.ExitRuntime)
	}

	stats := a.Engine().Stats()
	if st, ok := stats.Sources[sourceID]; ok {
		log.Info().
			Int64("attempted", st.Attempted).
			Int64("succeeded", st.Succeeded).
			Int64("items", st.ItemsEmitted).
			Str("last_outcome", st.LastOutcome).
			Msg("Fetch complete")
	}
	return nil
}

func runSourcesValidate(cmd *cobra.Command, args []string) error {
	path := os.Getenv("SOURCES_PATH")
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		path = "config/sources.yaml"
	}

	sources, err := config.LoadSources(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Sources file invalid")
		os.Exit(app.ExitStartup)
	}
	for _, src := range sources {
		log.Info().Str("id", src.ID).Str("kind", string(src.Kind)).Str("endpoint", src.Endpoint).Msg("Source OK")
	}
	log.Info().Int("sources", len(sources)).Str("path", path).Msg("Sources file valid")
	return nil
}
