package scm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/metaboptim/core/model"
	"github.com/YuminosukeSato/metaboptim/pkg/errors"
)

func TestRandomSCMFitPredict(t *testing.T) {
	X, y := grid(both)
	r := NewRandomSCM(WithNEstimators(25), WithEnsembleRandomState(3))
	require.NoError(t, r.Fit(X, y))
	assert.Equal(t, 25, r.NEstimators())

	pred, err := r.Predict(X)
	require.NoError(t, err)
	correct := 0
	for i := 0; i < 100; i++ {
		if pred.At(i, 0) == y.At(i, 0) {
			correct++
		}
	}
	assert.GreaterOrEqual(t, correct, 95)

	proba, err := r.PredictProba(X)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		assert.InDelta(t, 1.0, proba.At(i, 0)+proba.At(i, 1), 1e-12)
	}

	imp := r.FeatureImportances()
	require.Len(t, imp, 3)
	assert.InDelta(t, 1.0, floats.Sum(imp), 1e-9)
	assert.Greater(t, imp[0]+imp[1], 0.9)
}

func TestRandomSCMFeatureSubsets(t *testing.T) {
	X, y := grid(both)
	// one feature per machine
	r := NewRandomSCM(WithNEstimators(30), WithMaxFeatures(0.34), WithEnsembleRandomState(5))
	require.NoError(t, r.Fit(X, y))
	for _, m := range r.members {
		used := map[int]bool{}
		for _, rule := range m.rules {
			used[rule.Feature] = true
		}
		assert.LessOrEqual(t, len(used), 1)
	}
}

func TestRandomSCMIsReproducible(t *testing.T) {
	X, y := grid(either)
	fit := func(jobs int) mat.Matrix {
		r := NewRandomSCM(
			WithNEstimators(12),
			WithMaxSamples(0.8),
			WithMachine(WithModelType(Disjunction), WithMaxRules(3)),
			WithEnsembleRandomState(11),
			WithNJobs(jobs),
		)
		require.NoError(t, r.Fit(X, y))
		p, err := r.PredictProba(X)
		require.NoError(t, err)
		return p
	}
	assert.True(t, mat.Equal(fit(1), fit(4)), "scheduling does not change the ensemble")
}

func TestRandomSCMErrors(t *testing.T) {
	r := NewRandomSCM()
	_, err := r.Predict(mat.NewDense(1, 3, nil))
	var nf *errors.NotFittedError
	assert.True(t, errors.As(err, &nf))

	X, y := grid(both)
	y.Set(0, 0, 4)
	assert.Error(t, r.Fit(X, y))
	assert.Error(t, NewRandomSCM(WithNEstimators(0)).Fit(X, y))
}

func TestNewRandomSCMFromParams(t *testing.T) {
	c, err := NewRandomSCMFromParams(model.Params{
		"n_estimators": 15,
		"max_rules":    6,
		"max_features": 0.5,
		"model_type":   "disjunction",
	})
	require.NoError(t, err)
	params := c.(*RandomSCM).GetParams()
	assert.Equal(t, 15, params["n_estimators"])
	assert.Equal(t, 6, params["max_rules"])
	assert.Equal(t, 0.5, params["max_features"])
	assert.Equal(t, Disjunction, params["model_type"])
	assert.Equal(t, int64(0), params["random_state"])

	for _, p := range []model.Params{
		{"n_estimators": 0},
		{"max_features": 1.5},
		{"max_samples": 0.0},
		{"max_rules": 0},
		{"model_type": "xor"},
		{"criterion": "gini"},
	} {
		_, err := NewRandomSCMFromParams(p)
		var cfgErr *errors.ConfigurationError
		assert.True(t, errors.As(err, &cfgErr), "%v: got %v", p, err)
	}

	_, err = model.Lookup(RandomModelName)
	assert.NoError(t, err)
}
