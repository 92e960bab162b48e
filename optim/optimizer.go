package optim

import (
	"context"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/metaboptim/core/model"
	"github.com/YuminosukeSato/metaboptim/metrics"
	"github.com/YuminosukeSato/metaboptim/pkg/errors"
	"github.com/YuminosukeSato/metaboptim/pkg/log"
	"github.com/YuminosukeSato/metaboptim/split"
)

// Optimizer selects hyperparameters for one model by cross-validated search
// and refits the winner on the whole dataset.
type Optimizer struct {
	modelName string
	factory   model.Factory
	n         int
	cv        int
	space     Space

	testRatio   float64
	maxPropDiff float64
	balance     bool
	seed        uint64
	coordOpts   []CoordinatorOption
	logger      log.Logger

	state  *model.StateManager
	model  model.Classifier
	enc    *split.Encoding
	result Result
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithFactory uses factory instead of the registry entry for the model name.
// Such a factory is not visible to worker processes, so it switches the
// search to the in-process launcher unless WithCoordinator sets one
// explicitly. In-process workers cannot be killed mid-trial: a timeout stops
// them only between splits or trials, so one long Fit can run past the
// deadline.
func WithFactory(factory model.Factory) Option {
	return func(o *Optimizer) { o.factory = factory }
}

// WithInnerTestRatio sets the validation fraction of the search splits.
func WithInnerTestRatio(ratio float64) Option {
	return func(o *Optimizer) { o.testRatio = ratio }
}

// WithInnerMaxProportionDiff bounds the class imbalance of the search
// training folds.
func WithInnerMaxProportionDiff(d float64) Option {
	return func(o *Optimizer) {
		o.maxPropDiff = d
		o.balance = true
	}
}

// WithSplitSeed seeds the search splits.
func WithSplitSeed(seed uint64) Option {
	return func(o *Optimizer) { o.seed = seed }
}

// WithCoordinator passes options to the search coordinator.
func WithCoordinator(opts ...CoordinatorOption) Option {
	return func(o *Optimizer) { o.coordOpts = append(o.coordOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(o *Optimizer) { o.logger = l }
}

// NewOptimizer returns an optimizer that spends n trials searching space for
// the model registered as modelName, scoring each trial on cv splits.
func NewOptimizer(modelName string, n, cv int, space Space, opts ...Option) (*Optimizer, error) {
	o := &Optimizer{
		modelName: modelName,
		n:         n,
		cv:        cv,
		space:     space,
		testRatio: split.DefaultTestRatio,
		seed:      uint64(time.Now().UnixNano()),
		logger:    log.Nop(),
		state:     model.NewStateManager(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if n < 0 {
		return nil, errors.NewConfigurationError("NewOptimizer", "n", "trial budget must be >= 0", n)
	}
	if cv < 1 {
		return nil, errors.NewConfigurationError("NewOptimizer", "cv", "must be >= 1", cv)
	}
	if err := space.Validate(); err != nil {
		return nil, err
	}
	if o.factory == nil {
		f, err := model.Lookup(modelName)
		if err != nil {
			return nil, err
		}
		o.factory = f
	} else {
		// prepend so an explicit WithLauncher still wins
		o.coordOpts = append([]CoordinatorOption{WithLauncher(NewInProcessLauncher(o.logger))}, o.coordOpts...)
	}
	o.logger = o.logger.With(log.ModelNameKey, modelName)
	return o, nil
}

type fitConfig struct {
	groups   []string
	timeout  time.Duration
	progress ProgressFunc
	model    model.Classifier
}

// FitOption configures one call to Fit or Optimize.
type FitOption func(*fitConfig)

// WithGroups keeps paired samples on one side of every split.
func WithGroups(groups []string) FitOption {
	return func(c *fitConfig) { c.groups = groups }
}

// WithTimeout bounds the search.
func WithTimeout(d time.Duration) FitOption {
	return func(c *fitConfig) { c.timeout = d }
}

// WithProgress reports completed trials while the search runs.
func WithProgress(fn ProgressFunc) FitOption {
	return func(c *fitConfig) { c.progress = fn }
}

// WithModel skips the search and fits m directly.
func WithModel(m model.Classifier) FitOption {
	return func(c *fitConfig) { c.model = m }
}

// Optimize splits (X, y) and searches the space. It does not fit a final
// model.
func (o *Optimizer) Optimize(ctx context.Context, X mat.Matrix, y []string, opts ...FitOption) (Result, error) {
	cfg := fitConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return o.search(ctx, X, y, cfg)
}

func (o *Optimizer) search(ctx context.Context, X mat.Matrix, y []string, cfg fitConfig) (Result, error) {
	splitOpts := []split.Option{
		split.WithNumSplits(o.cv),
		split.WithTestRatio(o.testRatio),
		split.WithSeed(o.seed),
		split.WithLogger(o.logger),
	}
	if o.balance {
		splitOpts = append(splitOpts, split.WithMaxProportionDiff(o.maxPropDiff))
	}
	splitter, err := split.NewSplitter(splitOpts...)
	if err != nil {
		return Result{}, err
	}
	var perCall []split.SplitOption
	if cfg.groups != nil {
		perCall = append(perCall, split.WithGroups(cfg.groups))
	}
	splits, err := splitter.Split(X, y, perCall...)
	if err != nil {
		return Result{}, err
	}

	coord, err := NewCoordinator(append([]CoordinatorOption{
		WithSearchSeed(int64(o.seed)),
		WithCoordinatorLogger(o.logger),
	}, o.coordOpts...)...)
	if err != nil {
		return Result{}, err
	}
	job := Job{ModelName: o.modelName, Factory: o.factory, Splits: splits, Space: o.space}
	return coord.Run(ctx, job, o.n, RunOptions{Timeout: cfg.timeout, Progress: cfg.progress})
}

// Fit searches hyperparameters and fits the best model on every row of
// (X, y). When no trial completed the model is built with default
// hyperparameters. With WithModel the search is skipped.
func (o *Optimizer) Fit(ctx context.Context, X mat.Matrix, y []string, opts ...FitOption) error {
	cfg := fitConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	rows, cols := X.Dims()
	if rows != len(y) {
		return errors.NewDimensionError("Optimizer.Fit", rows, len(y), 0)
	}

	enc := split.NewEncoding(y)
	encoded, err := enc.Encode(y)
	if err != nil {
		return err
	}

	m := cfg.model
	result := Result{}
	if m == nil {
		result, err = o.search(ctx, X, y, cfg)
		if err != nil {
			return err
		}
		params := result.Params
		if !result.Found {
			o.logger.Warn("no hyperparameters found, using defaults")
			params = model.Params{}
		}
		if m, err = o.factory(params); err != nil {
			return err
		}
	}

	if err := m.Fit(X, split.LabelMatrix(encoded)); err != nil {
		return errors.Wrap(err, "metaboptim: refit on all rows")
	}

	o.model, o.enc, o.result = m, enc, result
	o.state.SetFitted(cols, rows, len(enc.Targets))
	o.logger.Info("model fitted",
		log.SamplesKey, rows,
		log.FeaturesKey, cols,
		log.HyperParamsKey, result.Params.String(),
	)
	return nil
}

// Predict returns the predicted label values for X.
func (o *Optimizer) Predict(X mat.Matrix) ([]string, error) {
	if err := o.state.RequireFitted("Optimizer", "Predict"); err != nil {
		return nil, err
	}
	_, cols := X.Dims()
	if err := o.state.CheckFeatures("Optimizer.Predict", cols); err != nil {
		return nil, err
	}
	pred, err := o.model.Predict(X)
	if err != nil {
		return nil, err
	}
	r, _ := pred.Dims()
	idx := make([]int, r)
	for i := range idx {
		idx[i] = int(math.Round(pred.At(i, 0)))
	}
	return o.enc.Decode(idx)
}

// Score returns the balanced accuracy of the fitted model on (X, y). X and
// y are not modified.
func (o *Optimizer) Score(X mat.Matrix, y []string) (float64, error) {
	if err := o.state.RequireFitted("Optimizer", "Score"); err != nil {
		return 0, err
	}
	_, cols := X.Dims()
	if err := o.state.CheckFeatures("Optimizer.Score", cols); err != nil {
		return 0, err
	}
	encoded, err := o.enc.Encode(y)
	if err != nil {
		return 0, err
	}
	pred, err := o.model.Predict(X)
	if err != nil {
		return 0, err
	}
	return metrics.BalancedAccuracyMatrix(split.LabelMatrix(encoded), pred)
}

// Model returns the fitted model, or nil before Fit.
func (o *Optimizer) Model() model.Classifier { return o.model }

// Classes returns the label values in class-index order.
func (o *Optimizer) Classes() []string {
	if o.enc == nil {
		return nil
	}
	return append([]string(nil), o.enc.Targets...)
}

// Result returns the search result of the last Fit.
func (o *Optimizer) Result() Result { return o.result }

// ModelName returns the registry name of the tuned model.
func (o *Optimizer) ModelName() string { return o.modelName }
