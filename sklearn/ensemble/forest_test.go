package ensemble

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/metaboptim/core/model"
	"github.com/YuminosukeSato/metaboptim/pkg/errors"
)

// blobs returns three well separated classes on feature 0 and two noise
// features.
func blobs(perClass int) (*mat.Dense, *mat.Dense) {
	n := 3 * perClass
	X := mat.NewDense(n, 3, nil)
	y := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		c := i / perClass
		X.Set(i, 0, float64(10*c)+float64(i%perClass)/float64(perClass))
		X.Set(i, 1, float64((i*7)%5))
		X.Set(i, 2, float64((i*3)%4))
		y.Set(i, 0, float64(c))
	}
	return X, y
}

func TestRandomForestFitPredict(t *testing.T) {
	X, y := blobs(20)
	rf := NewRandomForestClassifier(WithNEstimators(25), WithRandomState(3), WithMaxFeatures(1.0))
	require.NoError(t, rf.Fit(X, y))
	assert.Equal(t, 25, rf.NTrees())

	pred, err := rf.Predict(X)
	require.NoError(t, err)
	assert.True(t, mat.Equal(pred, y))

	proba, err := rf.PredictProba(X)
	require.NoError(t, err)
	r, c := proba.Dims()
	require.Equal(t, 60, r)
	require.Equal(t, 3, c)
	for i := 0; i < r; i++ {
		assert.InDelta(t, 1.0, mat.Sum(proba.(*mat.Dense).RowView(i)), 1e-9)
	}

	imp := rf.FeatureImportances()
	require.Len(t, imp, 3)
	assert.InDelta(t, 1.0, floats.Sum(imp), 1e-9)
	assert.Greater(t, imp[0], imp[1])
	assert.Greater(t, imp[0], imp[2])
}

func TestRandomForestIsReproducible(t *testing.T) {
	X, y := blobs(10)
	fit := func(jobs int) mat.Matrix {
		rf := NewRandomForestClassifier(WithNEstimators(12), WithRandomState(11), WithNJobs(jobs))
		require.NoError(t, rf.Fit(X, y))
		p, err := rf.PredictProba(X)
		require.NoError(t, err)
		return p
	}
	assert.True(t, mat.Equal(fit(1), fit(4)), "scheduling does not change the forest")
}

func TestRandomForestPredictLargeBatch(t *testing.T) {
	X, y := blobs(120)
	rf := NewRandomForestClassifier(WithNEstimators(5), WithRandomState(1))
	require.NoError(t, rf.Fit(X, y))
	pred, err := rf.Predict(X)
	require.NoError(t, err)
	r, _ := pred.Dims()
	assert.Equal(t, 360, r)
}

func TestRandomForestPredictAcceptsAnyMatrix(t *testing.T) {
	X, y := blobs(120)
	rf := NewRandomForestClassifier(WithNEstimators(5), WithRandomState(2))
	require.NoError(t, rf.Fit(X, y))

	dense, err := rf.PredictProba(X)
	require.NoError(t, err)
	// same values, but a mat.Transpose rather than a *mat.Dense
	view, err := rf.PredictProba(mat.Transpose{Matrix: X.T()})
	require.NoError(t, err)
	assert.True(t, mat.Equal(dense, view))
}

func TestRandomForestErrors(t *testing.T) {
	rf := NewRandomForestClassifier()
	_, err := rf.Predict(mat.NewDense(1, 3, nil))
	var nf *errors.NotFittedError
	assert.True(t, errors.As(err, &nf))

	X, y := blobs(5)
	require.NoError(t, NewRandomForestClassifier(WithNEstimators(3)).Fit(X, y))
	assert.Error(t, rf.Fit(X, mat.NewDense(2, 1, nil)))
	assert.Error(t, NewRandomForestClassifier(WithNEstimators(0)).Fit(X, y))
}

func TestNewRandomForestFromParams(t *testing.T) {
	m, err := NewRandomForestFromParams(model.Params{
		"n_estimators": 15,
		"max_depth":    4,
		"max_features": 0.5,
	})
	require.NoError(t, err)
	rf := m.(*RandomForestClassifier)
	assert.Equal(t, 15, rf.GetParams()["n_estimators"])
	assert.Equal(t, int64(0), rf.GetParams()["random_state"])

	for _, p := range []model.Params{
		{"n_estimators": 0},
		{"max_features": 2.5},
		{"criterion": "mse"},
		{"max_rules": 3},
		{"max_depth": math.Pi},
	} {
		_, err := NewRandomForestFromParams(p)
		var cfgErr *errors.ConfigurationError
		assert.True(t, errors.As(err, &cfgErr), "%v: got %v", p, err)
	}

	_, err = model.Lookup(ModelName)
	assert.NoError(t, err)
}
