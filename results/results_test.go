package results

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/metaboptim/pkg/errors"
)

func TestAggregateConfusion(t *testing.T) {
	preds := [][]int{{0, 1, 1, 0}, {1, 1, 0}}
	targets := [][]int{{0, 1, 0, 0}, {1, 0, 1}}

	c, err := AggregateConfusion(preds, targets, 2)
	require.NoError(t, err)
	// true 0: predicted 0 twice, 1 twice; true 1: predicted 0 once, 1 twice
	assert.Equal(t, [][]int{{2, 2}, {1, 2}}, c.Counts)
	assert.InDelta(t, 0.5, c.Normalized[0][0], 1e-12)
	assert.InDelta(t, 2.0/3, c.Normalized[1][1], 1e-12)
	assert.InDelta(t, 4.0/7, c.Accuracy, 1e-12)
	assert.InDelta(t, 0.5, c.Precision, 1e-12)
	assert.InDelta(t, 2.0/3, c.Recall, 1e-12)
	assert.InDelta(t, 2*0.5*(2.0/3)/(0.5+2.0/3), c.F1, 1e-12)
}

func TestAggregateConfusionUndefinedRatios(t *testing.T) {
	c, err := AggregateConfusion([][]int{{0, 0}}, [][]int{{0, 0}}, 2)
	require.NoError(t, err)
	assert.Equal(t, 1.0, c.Accuracy)
	assert.Zero(t, c.Precision)
	assert.Zero(t, c.Recall)
	assert.Zero(t, c.F1)
	assert.Equal(t, []float64{0, 0}, c.Normalized[1])
}

func TestAggregateConfusionMulticlass(t *testing.T) {
	c, err := AggregateConfusion([][]int{{0, 1, 2, 2}}, [][]int{{0, 1, 2, 1}}, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Counts[1][2])
	assert.InDelta(t, 0.75, c.Accuracy, 1e-12)
	assert.Zero(t, c.F1)
}

func TestAggregateConfusionErrors(t *testing.T) {
	tests := []struct {
		name           string
		preds, targets [][]int
		n              int
	}{
		{"count mismatch", [][]int{{0}}, nil, 2},
		{"no pairs", nil, nil, 2},
		{"shape mismatch", [][]int{{0, 1}}, [][]int{{0}}, 2},
		{"label out of range", [][]int{{2}}, [][]int{{0}}, 2},
		{"negative label", [][]int{{-1}}, [][]int{{0}}, 2},
		{"no classes", [][]int{{0}}, [][]int{{0}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AggregateConfusion(tt.preds, tt.targets, tt.n)
			assert.Error(t, err)
		})
	}
}

func TestFeatureImportance(t *testing.T) {
	scores, err := FeatureImportance([][]float64{{0.2, 0.8, 0}, {0.4, 0.4, 0.2}}, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, scores, 3)
	assert.Equal(t, "b", scores[0].Feature)
	assert.InDelta(t, 0.6, scores[0].Importance, 1e-12)
	assert.Equal(t, "a", scores[1].Feature)
	assert.InDelta(t, 0.3, scores[1].Importance, 1e-12)
	assert.Equal(t, "c", scores[2].Feature)

	_, err = FeatureImportance([][]float64{{1}}, []string{"a", "b"})
	var dimErr *errors.DimensionError
	assert.True(t, errors.As(err, &dimErr))

	_, err = FeatureImportance(nil, []string{"a"})
	assert.Error(t, err)
}

func TestTopFeatureMatrix(t *testing.T) {
	m, err := TopFeatureMatrix(map[string][]FeatureScore{
		"tree": {
			{"caffeine", 0.6}, {"glucose", 0.3}, {"fructose", 0.1},
		},
		"forest": {
			{"TG", 0.2}, {"caffeine", 0.6}, {"aspartate", 0.2},
		},
	}, 2)
	require.NoError(t, err)

	assert.Equal(t, []string{"forest", "tree"}, m.Models)
	// caffeine: 0.75 + 2/3, glucose: 1/3, TG: 0.25 (TG beats aspartate by name)
	assert.Equal(t, []string{"caffeine", "glucose", "TG"}, m.Features)
	require.Len(t, m.Values, 3)
	assert.InDelta(t, 0.75, m.Values[0][0], 1e-12)
	assert.InDelta(t, 2.0/3, m.Values[0][1], 1e-12)
	assert.Equal(t, 0.0, m.Values[1][0])
	assert.InDelta(t, 1.0/3, m.Values[1][1], 1e-12)
	assert.InDelta(t, 0.25, m.Values[2][0], 1e-12)

	for j := range m.Models {
		var sum float64
		for i := range m.Features {
			sum += m.Values[i][j]
		}
		assert.InDelta(t, 1.0, sum, 1e-12, m.Models[j])
	}

	_, err = TopFeatureMatrix(nil, 0)
	var cfgErr *errors.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestTopFeatureMatrixZeroImportances(t *testing.T) {
	m, err := TopFeatureMatrix(map[string][]FeatureScore{"m": {{"a", 0}, {"b", 0}}}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, m.Features)
	assert.Equal(t, [][]float64{{0}, {0}}, m.Values)
}

func TestSummarizePerformance(t *testing.T) {
	perf, err := SummarizePerformance(map[string]Scores{
		"tree": {Train: []float64{1, 0.8}, Test: []float64{0.6, 0.7}},
		"lr":   {Train: []float64{0.9}, Test: []float64{0.5}},
	})
	require.NoError(t, err)

	tree := perf["tree"]
	assert.Equal(t, 2, tree.Splits)
	assert.InDelta(t, 0.9, tree.TrainMean, 1e-12)
	assert.InDelta(t, 0.1414213562373095, tree.TrainStd, 1e-12)
	assert.InDelta(t, 0.65, tree.TestMean, 1e-12)

	lr := perf["lr"]
	assert.Equal(t, 0.9, lr.TrainMean)
	assert.Zero(t, lr.TrainStd)

	_, err = SummarizePerformance(map[string]Scores{"x": {Train: []float64{1}, Test: nil}})
	assert.Error(t, err)
	_, err = SummarizePerformance(map[string]Scores{"x": {Train: []float64{1}, Test: []float64{1, 1}}})
	assert.Error(t, err)
}
