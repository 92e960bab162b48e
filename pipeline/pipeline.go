// Package pipeline runs the full evaluation of a dataset: an outer set of
// stratified splits, a hyperparameter search per (split, model) on the outer
// training fold, and aggregation of the held-out predictions into a Report.
package pipeline

import (
	"context"
	"time"

	"github.com/samber/lo"

	"github.com/YuminosukeSato/metaboptim/core/model"
	"github.com/YuminosukeSato/metaboptim/data"
	"github.com/YuminosukeSato/metaboptim/optim"
	"github.com/YuminosukeSato/metaboptim/pkg/errors"
	"github.com/YuminosukeSato/metaboptim/pkg/log"
	"github.com/YuminosukeSato/metaboptim/split"
)

// Config controls one pipeline run.
type Config struct {
	// Trials is the search budget of every optimizer.
	Trials int
	// CV is the number of inner splits scoring each trial.
	CV int
	// OuterSplits is the number of outer train/test partitions.
	OuterSplits int
	// TestRatio is the test fraction of the outer splits.
	TestRatio float64
	// MaxProportionDiff bounds the class imbalance of training folds, both
	// outer and inner. Negative disables the correction.
	MaxProportionDiff float64
	Seed              uint64
	// Timeout bounds each search; zero means none.
	Timeout time.Duration
	// TopN is the number of features per model in the top-feature matrix.
	TopN int
	// Positive names the label treated as class 1 of binary confusion
	// statistics. Empty keeps the second label in sorted order.
	Positive string

	Coordinator []optim.CoordinatorOption
	Logger      log.Logger

	// OnStep is called after every (split, model) search.
	OnStep func(Step)
	// OnTrial reports trial progress of the running search.
	OnTrial optim.ProgressFunc
}

// DefaultConfig mirrors the reference workflow: 5 outer splits, 50 trials
// scored on 5 inner splits, imbalance bounded at 0.2.
func DefaultConfig() Config {
	return Config{
		Trials:            50,
		CV:                5,
		OuterSplits:       5,
		TestRatio:         split.DefaultTestRatio,
		MaxProportionDiff: 0.2,
		Seed:              uint64(time.Now().UnixNano()),
		TopN:              10,
	}
}

// Step describes a finished (split, model) search.
type Step struct {
	Split, Splits int
	Model         string
	Done, Total   int
	TestScore     float64
}

// Run evaluates every grid on every outer split of ds.
func Run(ctx context.Context, cfg Config, ds *data.Dataset, grids []Grid) (*Report, error) {
	const op = "pipeline.Run"
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.With(log.ComponentKey, "pipeline")

	if ds == nil || ds.X == nil {
		return nil, errors.NewValueError(op, "dataset is empty")
	}
	if len(grids) == 0 {
		return nil, errors.NewConfigurationError(op, "grids", "at least one model is required", 0)
	}
	if cfg.TopN < 1 {
		return nil, errors.NewConfigurationError(op, "top_n", "must be at least 1", cfg.TopN)
	}
	for _, g := range grids {
		if _, err := model.Lookup(g.Model); err != nil {
			return nil, err
		}
		if err := g.Space.Validate(); err != nil {
			return nil, errors.Wrapf(err, "grid %s", g.Model)
		}
	}

	splitOpts := []split.Option{
		split.WithNumSplits(cfg.OuterSplits),
		split.WithTestRatio(cfg.TestRatio),
		split.WithSeed(cfg.Seed),
		split.WithLogger(logger),
	}
	if cfg.MaxProportionDiff >= 0 {
		splitOpts = append(splitOpts, split.WithMaxProportionDiff(cfg.MaxProportionDiff))
	}
	splitter, err := split.NewSplitter(splitOpts...)
	if err != nil {
		return nil, err
	}
	perCall := []split.SplitOption{split.WithFeatureNames(ds.Features)}
	if ds.Groups != nil {
		perCall = append(perCall, split.WithGroups(ds.Groups))
	}
	splits, err := splitter.Split(ds.X, ds.Y, perCall...)
	if err != nil {
		return nil, err
	}

	positive, err := positiveIndex(splits[0].Targets, cfg.Positive)
	if err != nil {
		return nil, err
	}

	report := newReport(ds, splits[0], grids, positive)
	total := len(splits) * len(grids)
	for i, sp := range splits {
		for _, g := range grids {
			if err := ctx.Err(); err != nil {
				return nil, errors.Wrap(err, "pipeline cancelled")
			}
			out, err := runOne(ctx, cfg, ds, sp, i, g, logger)
			if err != nil {
				return nil, errors.Wrapf(err, "split %d, model %s", i, g.Model)
			}
			report.Outcomes = append(report.Outcomes, *out)
			if cfg.OnStep != nil {
				cfg.OnStep(Step{
					Split: i, Splits: len(splits), Model: g.Model,
					Done: len(report.Outcomes), Total: total, TestScore: out.TestScore,
				})
			}
		}
	}

	if err := report.aggregate(cfg.TopN); err != nil {
		return nil, err
	}
	logger.Info("pipeline finished",
		log.SamplesKey, len(ds.Y),
		log.FeaturesKey, len(ds.Features),
		"models", len(grids),
		"splits", len(splits),
	)
	return report, nil
}

// runOne tunes g on the training fold of sp and scores it on both folds.
func runOne(ctx context.Context, cfg Config, ds *data.Dataset, sp *split.Split, i int, g Grid, logger log.Logger) (*Outcome, error) {
	opts := []optim.Option{
		optim.WithSplitSeed(cfg.Seed + uint64(i) + 1),
		optim.WithCoordinator(cfg.Coordinator...),
		optim.WithLogger(logger.With(log.SplitKey, i)),
	}
	if cfg.MaxProportionDiff >= 0 {
		opts = append(opts, optim.WithInnerMaxProportionDiff(cfg.MaxProportionDiff))
	}
	opt, err := optim.NewOptimizer(g.Model, cfg.Trials, cfg.CV, g.Space, opts...)
	if err != nil {
		return nil, err
	}

	yTrain := lo.Map(sp.YTrain, func(c int, _ int) string { return sp.Targets[c] })
	yVal := lo.Map(sp.YVal, func(c int, _ int) string { return sp.Targets[c] })
	var fitOpts []optim.FitOption
	if ds.Groups != nil {
		fitOpts = append(fitOpts, optim.WithGroups(lo.Map(sp.TrainIndex, func(r int, _ int) string { return ds.Groups[r] })))
	}
	if cfg.Timeout > 0 {
		fitOpts = append(fitOpts, optim.WithTimeout(cfg.Timeout))
	}
	if cfg.OnTrial != nil {
		fitOpts = append(fitOpts, optim.WithProgress(cfg.OnTrial))
	}
	if err := opt.Fit(ctx, sp.XTrain, yTrain, fitOpts...); err != nil {
		return nil, err
	}

	trainScore, err := opt.Score(sp.XTrain, yTrain)
	if err != nil {
		return nil, err
	}
	testScore, err := opt.Score(sp.XVal, yVal)
	if err != nil {
		return nil, err
	}
	pred, err := opt.Predict(sp.XVal)
	if err != nil {
		return nil, err
	}
	enc := split.NewEncoding(sp.Targets)
	predIdx, err := enc.Encode(pred)
	if err != nil {
		return nil, err
	}

	res := opt.Result()
	out := &Outcome{
		Split:      i,
		Model:      g.Model,
		Params:     res.Params,
		Objective:  res.Value,
		Completed:  res.Completed,
		Found:      res.Found,
		Predicted:  predIdx,
		Target:     append([]int(nil), sp.YVal...),
		TestIDs:    pickIDs(ds.IDs, sp.ValIndex),
		TrainScore: trainScore,
		TestScore:  testScore,
	}
	if fi, ok := opt.Model().(model.FeatureImportancer); ok {
		out.Importances = fi.FeatureImportances()
	}
	logger.Info("split evaluated",
		log.SplitKey, i,
		log.ModelNameKey, g.Model,
		log.AccuracyKey, testScore,
		"train_score", trainScore,
	)
	return out, nil
}

func positiveIndex(targets []string, positive string) (int, error) {
	if positive == "" {
		return 1, nil
	}
	i := lo.IndexOf(targets, positive)
	if i < 0 {
		return 0, errors.NewConfigurationError("pipeline.Run", "positive", "not a label of the target column", positive)
	}
	return i, nil
}

func pickIDs(ids []string, rows []int) []string {
	if ids == nil {
		return nil
	}
	return lo.Map(rows, func(r int, _ int) string { return ids[r] })
}
