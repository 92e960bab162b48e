package optim

import (
	"context"
	"strings"
	"time"

	"github.com/c-bata/goptuna"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/metaboptim/core/model"
	"github.com/YuminosukeSato/metaboptim/ledger"
	"github.com/YuminosukeSato/metaboptim/metrics"
	"github.com/YuminosukeSato/metaboptim/pkg/errors"
	"github.com/YuminosukeSato/metaboptim/pkg/log"
	"github.com/YuminosukeSato/metaboptim/split"
)

// Evaluator scores one hyperparameter assignment across every split.
type Evaluator struct {
	factory model.Factory
	splits  []*split.Split
	space   Space
	logger  log.Logger
}

// NewEvaluator returns an evaluator over splits. The logger may be nil.
func NewEvaluator(factory model.Factory, splits []*split.Split, space Space, logger log.Logger) (*Evaluator, error) {
	if factory == nil {
		return nil, errors.NewConfigurationError("NewEvaluator", "factory", "model factory is nil", nil)
	}
	if len(splits) == 0 {
		return nil, errors.NewConfigurationError("NewEvaluator", "splits", "at least one split is required", 0)
	}
	if err := space.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Evaluator{factory: factory, splits: splits, space: space, logger: logger}, nil
}

// Evaluate trains a fresh model on each training fold, scores balanced
// accuracy on the matching validation fold, and returns mean − std of the
// scores (population std) together with the per-split scores.
//
// The context is checked between splits.
func (e *Evaluator) Evaluate(ctx context.Context, params model.Params) (objective float64, scores []float64, err error) {
	scores = make([]float64, 0, len(e.splits))
	for i, sp := range e.splits {
		if err := ctx.Err(); err != nil {
			return 0, scores, errors.Wrap(err, "evaluation cancelled")
		}
		score, err := e.scoreSplit(params, sp)
		if err != nil {
			return 0, scores, errors.Wrapf(err, "split %d", i)
		}
		e.logger.Debug("split evaluated", log.SplitKey, i, log.ScoreKey, score)
		scores = append(scores, score)
	}

	mean, std := stat.PopMeanStdDev(scores, nil)
	objective = mean - std
	if err := errors.CheckScalar("Evaluator.Evaluate", objective); err != nil {
		return 0, scores, err
	}
	return objective, scores, nil
}

func (e *Evaluator) scoreSplit(params model.Params, sp *split.Split) (score float64, err error) {
	defer errors.Recover(&err, "Evaluator.scoreSplit")

	m, err := e.factory(params.Copy())
	if err != nil {
		return 0, err
	}
	if err := m.Fit(sp.XTrain, sp.YTrainMatrix()); err != nil {
		return 0, err
	}
	pred, err := m.Predict(sp.XVal)
	if err != nil {
		return 0, err
	}
	return metrics.BalancedAccuracyMatrix(sp.YValMatrix(), pred)
}

// Objective adapts the evaluator to goptuna. Every failure, panics
// included, comes back as a TrialEvaluationError.
func (e *Evaluator) Objective(ctx context.Context) goptuna.FuncObjective {
	return func(trial goptuna.Trial) (value float64, err error) {
		number, _ := trial.Number()
		logger := e.logger.With(log.TrialKey, number)
		start := time.Now()
		defer func() {
			if err != nil {
				err = errors.NewTrialEvaluationError(number, err)
			}
		}()
		defer errors.Recover(&err, "Evaluator.Objective")

		params, encoded, err := e.space.Sample(&trial)
		if err != nil {
			return 0, err
		}
		for _, name := range lo.Keys(encoded) {
			if err := trial.SetUserAttr(ledger.ParamAttr(name), encoded[name]); err != nil {
				return 0, errors.Wrap(err, "record parameters")
			}
		}

		value, scores, err := e.Evaluate(ctx, params)
		if err != nil {
			return 0, err
		}
		if err := trial.SetUserAttr(ledger.ScoresAttr, formatScores(scores)); err != nil {
			return 0, errors.Wrap(err, "record scores")
		}

		logger.Info("trial completed",
			log.HyperParamsKey, params.String(),
			log.ObjectiveKey, value,
			log.DurationMsKey, time.Since(start).Milliseconds(),
		)
		return value, nil
	}
}

func formatScores(scores []float64) string {
	return strings.Join(lo.Map(scores, func(s float64, _ int) string { return formatFloat(s) }), ",")
}
