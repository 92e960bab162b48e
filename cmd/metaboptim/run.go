package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/metaboptim/config"
	"github.com/YuminosukeSato/metaboptim/data"
	"github.com/YuminosukeSato/metaboptim/pipeline"
	"github.com/YuminosukeSato/metaboptim/pkg/errors"
	"github.com/YuminosukeSato/metaboptim/pkg/log"
	"github.com/YuminosukeSato/metaboptim/preprocessing"
)

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Load the dataset, tune every model on every outer split and write the report.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := loadConfig(cmd, path)
		if err != nil {
			return err
		}

		if err := log.SetupLogger(cfg.Log.Level); err != nil {
			return err
		}
		logger := log.Default()
		log.InstallWarnHook(zerolog.New(os.Stderr).With().Timestamp().Logger())

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		noProgress, _ := cmd.Flags().GetBool("no-progress")
		report, err := run(ctx, cfg, logger, !noProgress)
		if err != nil {
			return err
		}
		if cfg.Report.Output == "" {
			return report.WriteJSON(cmd.OutOrStdout())
		}
		if err := report.WriteJSONFile(cfg.Report.Output); err != nil {
			return err
		}
		logger.Info("report written", log.PathKey, cfg.Report.Output)
		return nil
	},
}

func init() {
	flags := runCommand.Flags()
	flags.Int("trials", 0, "trials per search")
	flags.Int("cv", 0, "inner splits per trial")
	flags.Int("outer-splits", 0, "outer train/test splits")
	flags.Int("workers", 0, "search workers, -1 for every CPU")
	flags.Duration("timeout", 0, "deadline of each search")
	flags.String("launcher", "", "worker launcher: process or inprocess")
	flags.StringSlice("models", nil, "models to evaluate (default all)")
	flags.Int("dataset-index", 0, "condition pair to load when the target has more than two values")
	flags.Uint64("seed", 0, "split seed")
	flags.StringP("output", "o", "", "report file (default stdout)")
	flags.Bool("no-progress", false, "hide progress bars")
}

// loadConfig reads the file and environment, then applies explicitly set
// flags on top.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	f := cmd.Flags()
	if f.Changed("log-level") {
		cfg.Log.Level, _ = f.GetString("log-level")
	}
	if f.Changed("trials") {
		cfg.Search.Trials, _ = f.GetInt("trials")
	}
	if f.Changed("cv") {
		cfg.Search.CV, _ = f.GetInt("cv")
	}
	if f.Changed("outer-splits") {
		cfg.Split.OuterSplits, _ = f.GetInt("outer-splits")
	}
	if f.Changed("workers") {
		cfg.Search.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("timeout") {
		cfg.Search.Timeout, _ = f.GetDuration("timeout")
	}
	if f.Changed("launcher") {
		cfg.Search.Launcher, _ = f.GetString("launcher")
	}
	if f.Changed("models") {
		cfg.Search.Models, _ = f.GetStringSlice("models")
	}
	if f.Changed("dataset-index") {
		cfg.Data.DatasetIndex, _ = f.GetInt("dataset-index")
	}
	if f.Changed("seed") {
		cfg.Split.Seed, _ = f.GetUint64("seed")
	}
	if f.Changed("output") {
		cfg.Report.Output, _ = f.GetString("output")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, logger log.Logger, progress bool) (*pipeline.Report, error) {
	loader, err := data.NewLoader(cfg.Source(), data.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	ds, err := loader.Load(cfg.Data.DatasetIndex)
	if err != nil {
		return nil, err
	}
	if len(ds.Pairs) > 0 {
		logger.Info("condition pair selected",
			"pair", fmt.Sprintf("%s vs %s", ds.Pair[0], ds.Pair[1]),
			"index", cfg.Data.DatasetIndex,
			"pairs", len(ds.Pairs),
		)
	}
	if cfg.Data.Impute {
		if ds.X, err = preprocessing.NewClassMedianImputer(logger).Impute(ds.X, ds.Y); err != nil {
			return nil, errors.Wrap(err, "impute missing values")
		}
	}

	pc, grids, err := cfg.Pipeline(logger)
	if err != nil {
		return nil, err
	}
	if progress {
		bar := progressbar.NewOptions(pc.OuterSplits*len(grids),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("searching"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		defer func() { _ = bar.Finish() }()
		pc.OnTrial = func(completed, total int) {
			bar.Describe(fmt.Sprintf("searching (%d/%d trials)", completed, total))
		}
		pc.OnStep = func(s pipeline.Step) {
			bar.Describe(fmt.Sprintf("split %d/%d %s: %.3f", s.Split+1, s.Splits, s.Model, s.TestScore))
			_ = bar.Set(s.Done)
		}
	}
	return pipeline.Run(ctx, pc, ds, grids)
}
