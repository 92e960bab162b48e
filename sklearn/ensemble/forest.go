// Package ensemble implements a random forest classifier on top of the CART
// trees of package tree.
package ensemble

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/metaboptim/core/model"
	"github.com/YuminosukeSato/metaboptim/core/parallel"
	"github.com/YuminosukeSato/metaboptim/pkg/errors"
	"github.com/YuminosukeSato/metaboptim/sklearn/tree"
)

// ModelName is the registry name of the random forest factory.
const ModelName = "random_forest"

// predictThreshold 未満の行数では予測を並列化しない
const predictThreshold = 256

func init() {
	model.MustRegister(ModelName, NewRandomForestFromParams)
}

// RandomForestClassifier averages the class probabilities of bootstrapped
// decision trees that examine a random feature subset at every split.
type RandomForestClassifier struct {
	state *model.StateManager

	nEstimators     int
	criterion       string
	maxDepth        int
	minSamplesSplit int
	minSamplesLeaf  int
	maxFeatures     any
	bootstrap       bool
	randomState     int64
	nJobs           int

	trees        []*tree.DecisionTreeClassifier
	classes_     []int
	importances_ []float64
}

// Option configures a RandomForestClassifier.
type Option func(*RandomForestClassifier)

// NewRandomForestClassifier creates an unfitted forest of 100 trees using
// sqrt(n_features) features per split.
func NewRandomForestClassifier(opts ...Option) *RandomForestClassifier {
	rf := &RandomForestClassifier{
		state:           model.NewStateManager(),
		nEstimators:     100,
		criterion:       "gini",
		minSamplesSplit: 2,
		minSamplesLeaf:  1,
		maxFeatures:     "sqrt",
		bootstrap:       true,
		randomState:     -1,
	}
	for _, opt := range opts {
		opt(rf)
	}
	return rf
}

// WithNEstimators sets the number of trees.
func WithNEstimators(n int) Option {
	return func(rf *RandomForestClassifier) { rf.nEstimators = n }
}

// WithMaxDepth limits the depth of every tree. Zero means unlimited.
func WithMaxDepth(depth int) Option {
	return func(rf *RandomForestClassifier) { rf.maxDepth = depth }
}

// WithMaxFeatures sets the per-split feature count ("sqrt", "log2", int or
// float fraction).
func WithMaxFeatures(v any) Option {
	return func(rf *RandomForestClassifier) { rf.maxFeatures = v }
}

// WithMinSamplesLeaf sets the minimum number of samples in each leaf.
func WithMinSamplesLeaf(n int) Option {
	return func(rf *RandomForestClassifier) { rf.minSamplesLeaf = n }
}

// WithBootstrap toggles bootstrap sampling of the rows of every tree.
func WithBootstrap(b bool) Option {
	return func(rf *RandomForestClassifier) { rf.bootstrap = b }
}

// WithRandomState seeds the bootstrap and the trees.
func WithRandomState(seed int64) Option {
	return func(rf *RandomForestClassifier) { rf.randomState = seed }
}

// WithNJobs caps the number of trees built concurrently (GOMAXPROCS when
// n < 1).
func WithNJobs(n int) Option {
	return func(rf *RandomForestClassifier) { rf.nJobs = n }
}

// NewRandomForestFromParams builds an unfitted forest from a hyperparameter
// map: n_estimators, criterion, max_depth, min_samples_split,
// min_samples_leaf, max_features, bootstrap and random_state (default 0).
func NewRandomForestFromParams(p model.Params) (model.Classifier, error) {
	const op = "NewRandomForestFromParams"
	if err := p.RequireKnown(op, "n_estimators", "criterion", "max_depth", "min_samples_split",
		"min_samples_leaf", "max_features", "bootstrap", "random_state"); err != nil {
		return nil, err
	}
	rf := NewRandomForestClassifier(WithRandomState(0))
	var err error
	if rf.nEstimators, err = p.GetInt("n_estimators", rf.nEstimators); err != nil {
		return nil, err
	}
	if rf.criterion, err = p.GetString("criterion", rf.criterion); err != nil {
		return nil, err
	}
	if rf.maxDepth, err = p.GetInt("max_depth", rf.maxDepth); err != nil {
		return nil, err
	}
	if rf.minSamplesSplit, err = p.GetInt("min_samples_split", rf.minSamplesSplit); err != nil {
		return nil, err
	}
	if rf.minSamplesLeaf, err = p.GetInt("min_samples_leaf", rf.minSamplesLeaf); err != nil {
		return nil, err
	}
	if v, ok := p["max_features"]; ok {
		rf.maxFeatures = v
	}
	if rf.bootstrap, err = p.GetBool("bootstrap", rf.bootstrap); err != nil {
		return nil, err
	}
	seed, err := p.GetInt("random_state", int(rf.randomState))
	if err != nil {
		return nil, err
	}
	rf.randomState = int64(seed)

	if rf.nEstimators < 1 {
		return nil, errors.NewConfigurationError(op, "n_estimators", "must be at least 1", rf.nEstimators)
	}
	// 木のパラメータ検証は tree に任せる
	if _, err := tree.NewDecisionTreeFromParams(rf.treeParams(0)); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *RandomForestClassifier) treeParams(seed int64) model.Params {
	return model.Params{
		"criterion":         rf.criterion,
		"max_depth":         rf.maxDepth,
		"min_samples_split": rf.minSamplesSplit,
		"min_samples_leaf":  rf.minSamplesLeaf,
		"max_features":      rf.maxFeatures,
		"random_state":      seed,
	}
}

// Fit grows the trees concurrently. Seeds and bootstrap samples are drawn
// up front, so the fitted forest does not depend on scheduling.
func (rf *RandomForestClassifier) Fit(X, y mat.Matrix) (err error) {
	defer errors.Recover(&err, "RandomForestClassifier.Fit")
	const op = "RandomForestClassifier.Fit"

	if rf.nEstimators < 1 {
		return errors.NewConfigurationError(op, "n_estimators", "must be at least 1", rf.nEstimators)
	}
	nSamples, nFeatures := X.Dims()
	yRows, yCols := y.Dims()
	if nSamples != yRows {
		return errors.NewDimensionError(op, nSamples, yRows, 0)
	}
	if yCols != 1 {
		return errors.NewDimensionError(op, 1, yCols, 1)
	}
	if nSamples == 0 {
		return errors.NewValueError(op, "no samples to fit")
	}

	labels := make([]int, nSamples)
	for i := range labels {
		labels[i] = int(y.At(i, 0))
	}
	classes := slices.Compact(slices.Sorted(slices.Values(labels)))
	encoded := make([]int, nSamples)
	for i, l := range labels {
		encoded[i], _ = slices.BinarySearch(classes, l)
	}

	seed := uint64(rf.randomState)
	if rf.randomState < 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	seeds := make([]int64, rf.nEstimators)
	samples := make([][]int, rf.nEstimators)
	for t := range samples {
		seeds[t] = rng.Int64()
		rows := make([]int, nSamples)
		for i := range rows {
			if rf.bootstrap {
				rows[i] = rng.IntN(nSamples)
			} else {
				rows[i] = i
			}
		}
		samples[t] = rows
	}

	Xd := mat.DenseCopyOf(X)
	trees := make([]*tree.DecisionTreeClassifier, rf.nEstimators)
	err = parallel.ForEach(context.Background(), rf.nEstimators, rf.nJobs, func(_ context.Context, t int) error {
		m, err := tree.NewDecisionTreeFromParams(rf.treeParams(seeds[t]))
		if err != nil {
			return err
		}
		dt := m.(*tree.DecisionTreeClassifier)
		if err := dt.FitRows(Xd, encoded, classes, samples[t]); err != nil {
			return err
		}
		trees[t] = dt
		return nil
	})
	if err != nil {
		return err
	}

	importances := make([]float64, nFeatures)
	for _, dt := range trees {
		floats.Add(importances, dt.FeatureImportances())
	}
	if total := floats.Sum(importances); total > 0 {
		floats.Scale(1/total, importances)
	}

	rf.trees = trees
	rf.classes_ = classes
	rf.importances_ = importances
	rf.state.SetFitted(nFeatures, nSamples, len(classes))
	return nil
}

// PredictProba averages the tree probabilities. Columns follow the class
// labels seen during Fit in ascending order.
func (rf *RandomForestClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if err := rf.state.RequireFitted("RandomForestClassifier", "PredictProba"); err != nil {
		return nil, err
	}
	r, c := X.Dims()
	if err := rf.state.CheckFeatures("RandomForestClassifier.PredictProba", c); err != nil {
		return nil, err
	}

	src := mat.DenseCopyOf(X)
	out := mat.NewDense(r, len(rf.classes_), nil)
	scale := 1 / float64(len(rf.trees))
	var (
		mu       sync.Mutex
		firstErr error
	)
	parallel.ParallelizeWithThreshold(r, predictThreshold, func(start, end int) {
		rows := src.Slice(start, end, 0, c)
		acc := out.Slice(start, end, 0, len(rf.classes_)).(*mat.Dense)
		for _, dt := range rf.trees {
			p, err := dt.PredictProba(rows)
			if err != nil {
				mu.Lock()
				firstErr = errors.CombineErrors(firstErr, err)
				mu.Unlock()
				return
			}
			acc.Add(acc, p)
		}
		acc.Scale(scale, acc)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// Predict returns the class label with the highest mean probability.
func (rf *RandomForestClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	proba, err := rf.PredictProba(X)
	if err != nil {
		return nil, err
	}
	p := proba.(*mat.Dense)
	r, _ := p.Dims()
	out := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		out.Set(i, 0, float64(rf.classes_[floats.MaxIdx(p.RawRowView(i))]))
	}
	return out, nil
}

// FeatureImportances returns the normalised mean impurity decrease.
func (rf *RandomForestClassifier) FeatureImportances() []float64 {
	return slices.Clone(rf.importances_)
}

// NTrees returns the number of fitted trees.
func (rf *RandomForestClassifier) NTrees() int { return len(rf.trees) }

// GetParams returns the hyperparameters.
func (rf *RandomForestClassifier) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"n_estimators":      rf.nEstimators,
		"criterion":         rf.criterion,
		"max_depth":         rf.maxDepth,
		"min_samples_split": rf.minSamplesSplit,
		"min_samples_leaf":  rf.minSamplesLeaf,
		"max_features":      rf.maxFeatures,
		"bootstrap":         rf.bootstrap,
		"random_state":      rf.randomState,
	}
}

var (
	_ model.ProbabilisticClassifier = (*RandomForestClassifier)(nil)
	_ model.FeatureImportancer      = (*RandomForestClassifier)(nil)
)
