package scm

import (
	"context"
	"math/rand/v2"
	"slices"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/metaboptim/core/model"
	"github.com/YuminosukeSato/metaboptim/core/parallel"
	"github.com/YuminosukeSato/metaboptim/pkg/errors"
)

// RandomModelName is the registry name of the bagged set covering machine.
const RandomModelName = "random_scm"

func init() {
	model.MustRegister(RandomModelName, NewRandomSCMFromParams)
}

// RandomSCM averages the votes of set covering machines, each fitted on a
// bootstrap sample of the rows and a random subset of the features.
type RandomSCM struct {
	state *model.StateManager

	nEstimators int
	maxSamples  float64
	maxFeatures float64
	machine     SetCoveringMachine // hyperparameters shared by every member
	randomState int64
	nJobs       int

	members      []*SetCoveringMachine
	classes_     []int
	importances_ []float64
}

// RandomOption configures a RandomSCM.
type RandomOption func(*RandomSCM)

// NewRandomSCM creates an unfitted ensemble of 100 conjunction machines
// using every row and feature.
func NewRandomSCM(opts ...RandomOption) *RandomSCM {
	r := &RandomSCM{
		state:       model.NewStateManager(),
		nEstimators: 100,
		maxSamples:  1,
		maxFeatures: 1,
		machine:     *NewSetCoveringMachine(),
		randomState: -1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithNEstimators sets the number of machines.
func WithNEstimators(n int) RandomOption {
	return func(r *RandomSCM) { r.nEstimators = n }
}

// WithMaxSamples sets the bootstrap sample size as a fraction of the rows.
func WithMaxSamples(f float64) RandomOption {
	return func(r *RandomSCM) { r.maxSamples = f }
}

// WithMaxFeatures sets the fraction of features each machine may use.
func WithMaxFeatures(f float64) RandomOption {
	return func(r *RandomSCM) { r.maxFeatures = f }
}

// WithMachine sets the options of every member machine.
func WithMachine(opts ...Option) RandomOption {
	return func(r *RandomSCM) {
		for _, opt := range opts {
			opt(&r.machine)
		}
	}
}

// WithEnsembleRandomState seeds the row and feature sampling.
func WithEnsembleRandomState(seed int64) RandomOption {
	return func(r *RandomSCM) { r.randomState = seed }
}

// WithNJobs caps the number of machines fitted concurrently.
func WithNJobs(n int) RandomOption {
	return func(r *RandomSCM) { r.nJobs = n }
}

// NewRandomSCMFromParams builds an unfitted ensemble from a hyperparameter
// map: n_estimators, max_samples, max_features, model_type, max_rules, p and
// random_state (default 0).
func NewRandomSCMFromParams(params model.Params) (model.Classifier, error) {
	const op = "NewRandomSCMFromParams"
	if err := params.RequireKnown(op, "n_estimators", "max_samples", "max_features",
		"model_type", "max_rules", "p", "random_state"); err != nil {
		return nil, err
	}
	r := NewRandomSCM(WithEnsembleRandomState(0))
	var err error
	if r.nEstimators, err = params.GetInt("n_estimators", r.nEstimators); err != nil {
		return nil, err
	}
	if r.maxSamples, err = params.GetFloat("max_samples", r.maxSamples); err != nil {
		return nil, err
	}
	if r.maxFeatures, err = params.GetFloat("max_features", r.maxFeatures); err != nil {
		return nil, err
	}
	seed, err := params.GetInt("random_state", int(r.randomState))
	if err != nil {
		return nil, err
	}
	r.randomState = int64(seed)

	// 各マシンのパラメータ検証は SetCoveringMachine に任せる
	m, err := NewSetCoveringMachineFromParams(lo.PickByKeys(params, []string{"model_type", "max_rules", "p"}))
	if err != nil {
		return nil, err
	}
	r.machine = *m.(*SetCoveringMachine)
	if err := r.validate(op); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RandomSCM) validate(op string) error {
	if r.nEstimators < 1 {
		return errors.NewConfigurationError(op, "n_estimators", "must be at least 1", r.nEstimators)
	}
	if !(r.maxSamples > 0 && r.maxSamples <= 1) {
		return errors.NewConfigurationError(op, "max_samples", "must be a fraction in (0, 1]", r.maxSamples)
	}
	if !(r.maxFeatures > 0 && r.maxFeatures <= 1) {
		return errors.NewConfigurationError(op, "max_features", "must be a fraction in (0, 1]", r.maxFeatures)
	}
	return r.machine.validate(op)
}

// Fit fits the machines concurrently. Samples and seeds are drawn up front,
// so the result does not depend on scheduling.
func (r *RandomSCM) Fit(X, y mat.Matrix) (err error) {
	defer errors.Recover(&err, "RandomSCM.Fit")
	const op = "RandomSCM.Fit"
	if err := r.validate(op); err != nil {
		return err
	}
	classes, target, err := binaryTarget(op, X, y)
	if err != nil {
		return err
	}
	nSamples, nFeatures := X.Dims()

	seed := uint64(r.randomState)
	if r.randomState < 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	nRows := max(1, int(r.maxSamples*float64(nSamples)))
	nCols := max(1, int(r.maxFeatures*float64(nFeatures)))
	seeds := make([]int64, r.nEstimators)
	rows := make([][]int, r.nEstimators)
	features := make([][]int, r.nEstimators)
	for e := range rows {
		seeds[e] = rng.Int64()
		rows[e] = make([]int, nRows)
		for i := range rows[e] {
			rows[e][i] = rng.IntN(nSamples)
		}
		features[e] = rng.Perm(nFeatures)[:nCols]
		slices.Sort(features[e])
	}

	Xd := mat.DenseCopyOf(X)
	members := make([]*SetCoveringMachine, r.nEstimators)
	err = parallel.ForEach(context.Background(), r.nEstimators, r.nJobs, func(_ context.Context, e int) error {
		m := r.machine
		m.state = model.NewStateManager()
		m.randomState = seeds[e]
		m.fitRows(Xd, target, rows[e], features[e])
		m.classes_ = classes
		m.state.SetFitted(nFeatures, nRows, 2)
		members[e] = &m
		return nil
	})
	if err != nil {
		return err
	}

	importances := make([]float64, nFeatures)
	for _, m := range members {
		floats.Add(importances, m.importances_)
	}
	if total := floats.Sum(importances); total > 0 {
		floats.Scale(1/total, importances)
	}
	r.members = members
	r.classes_ = classes
	r.importances_ = importances
	r.state.SetFitted(nFeatures, nSamples, 2)
	return nil
}

// PredictProba returns the share of machines voting for each class,
// columns in ascending label order.
func (r *RandomSCM) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if err := r.state.RequireFitted("RandomSCM", "PredictProba"); err != nil {
		return nil, err
	}
	n, c := X.Dims()
	if err := r.state.CheckFeatures("RandomSCM.PredictProba", c); err != nil {
		return nil, err
	}
	out := mat.NewDense(n, 2, nil)
	row := make([]float64, c)
	for i := 0; i < n; i++ {
		mat.Row(row, i, X)
		votes := 0
		for _, m := range r.members {
			if m.predictsLarger(row) {
				votes++
			}
		}
		larger := float64(votes) / float64(len(r.members))
		out.Set(i, 0, 1-larger)
		out.Set(i, 1, larger)
	}
	return out, nil
}

// Predict returns the majority label. A tied vote goes to the smaller label.
func (r *RandomSCM) Predict(X mat.Matrix) (mat.Matrix, error) {
	proba, err := r.PredictProba(X)
	if err != nil {
		return nil, err
	}
	p := proba.(*mat.Dense)
	n, _ := p.Dims()
	out := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		out.Set(i, 0, float64(r.classes_[floats.MaxIdx(p.RawRowView(i))]))
	}
	return out, nil
}

// FeatureImportances returns the normalised importances summed over the
// machines.
func (r *RandomSCM) FeatureImportances() []float64 {
	return slices.Clone(r.importances_)
}

// NEstimators returns the number of fitted machines.
func (r *RandomSCM) NEstimators() int { return len(r.members) }

// GetParams returns the hyperparameters.
func (r *RandomSCM) GetParams() map[string]interface{} {
	params := r.machine.GetParams()
	params["n_estimators"] = r.nEstimators
	params["max_samples"] = r.maxSamples
	params["max_features"] = r.maxFeatures
	params["random_state"] = r.randomState
	return params
}

var (
	_ model.ProbabilisticClassifier = (*RandomSCM)(nil)
	_ model.FeatureImportancer      = (*RandomSCM)(nil)
)
