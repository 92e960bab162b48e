package split

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/metaboptim/pkg/errors"
)

// makeDataset returns n rows with the row number in column 0, so every row of
// a split can be traced back to the dataset.
func makeDataset(labels []string, nFeatures int) *mat.Dense {
	X := mat.NewDense(len(labels), nFeatures, nil)
	for i := range labels {
		X.Set(i, 0, float64(i))
		for j := 1; j < nFeatures; j++ {
			X.Set(i, j, float64(i*j))
		}
	}
	return X
}

func repeatLabels(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var y []string
	for _, k := range keys {
		for i := 0; i < counts[k]; i++ {
			y = append(y, k)
		}
	}
	return y
}

func countLabels(labels []int) map[int]int {
	out := map[int]int{}
	for _, l := range labels {
		out[l]++
	}
	return out
}

func TestNewSplitterValidation(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"zero splits", []Option{WithNumSplits(0)}},
		{"ratio zero", []Option{WithTestRatio(0)}},
		{"ratio one", []Option{WithTestRatio(1)}},
		{"negative diff", []Option{WithMaxProportionDiff(-0.1)}},
		{"diff one", []Option{WithMaxProportionDiff(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSplitter(tt.opts...)
			var cfgErr *errors.ConfigurationError
			assert.True(t, errors.As(err, &cfgErr), "expected ConfigurationError, got %v", err)
		})
	}

	s, err := NewSplitter()
	require.NoError(t, err)
	assert.Equal(t, DefaultNumSplits, s.NumSplits())
	assert.Equal(t, DefaultTestRatio, s.TestRatio())
}

func TestSplitPartitionsEveryRow(t *testing.T) {
	y := repeatLabels(map[string]int{"ctrl": 30, "case": 20})
	X := makeDataset(y, 3)

	s, err := NewSplitter(WithNumSplits(5), WithTestRatio(0.2), WithSeed(42))
	require.NoError(t, err)
	splits, err := s.Split(X, y)
	require.NoError(t, err)
	require.Len(t, splits, 5)

	for k, sp := range splits {
		t.Run(fmt.Sprintf("split %d", k), func(t *testing.T) {
			assert.Len(t, sp.ValIndex, 10)
			assert.Len(t, sp.TrainIndex, 40)

			seen := map[int]bool{}
			for _, r := range append(append([]int{}, sp.TrainIndex...), sp.ValIndex...) {
				assert.False(t, seen[r], "row %d appears twice", r)
				seen[r] = true
			}
			assert.Len(t, seen, 50)

			// stratified: 20% of each class in validation
			counts := countLabels(sp.YVal)
			assert.Equal(t, 4, counts[0]) // "case"
			assert.Equal(t, 6, counts[1]) // "ctrl"

			// rows and labels are carried together
			for i, r := range sp.ValIndex {
				assert.Equal(t, float64(r), sp.XVal.At(i, 0))
				assert.Equal(t, y[r], sp.Label(sp.YVal[i]))
			}
			assert.Equal(t, []string{"case", "ctrl"}, sp.Targets)
			assert.Equal(t, []string{"x0", "x1", "x2"}, sp.Features)
		})
	}
}

func TestSplitIsReproducible(t *testing.T) {
	y := repeatLabels(map[string]int{"a": 25, "b": 25})
	X := makeDataset(y, 2)

	run := func(seed uint64) [][]int {
		s, err := NewSplitter(WithNumSplits(3), WithSeed(seed))
		require.NoError(t, err)
		splits, err := s.Split(X, y)
		require.NoError(t, err)
		out := make([][]int, len(splits))
		for i, sp := range splits {
			out[i] = sp.ValIndex
		}
		return out
	}

	assert.Equal(t, run(7), run(7))
	first := run(7)
	assert.NotEqual(t, first[0], first[1], "consecutive splits should differ")
}

func TestSplitImbalanceCorrection(t *testing.T) {
	y := repeatLabels(map[string]int{"major": 70, "minor": 30})
	X := makeDataset(y, 5)

	s, err := NewSplitter(WithNumSplits(4), WithTestRatio(0.2), WithMaxProportionDiff(0.2), WithSeed(1))
	require.NoError(t, err)
	splits, err := s.Split(X, y)
	require.NoError(t, err)

	for _, sp := range splits {
		train := countLabels(sp.YTrain)
		major, minor := train[0], train[1]
		assert.Equal(t, 24, minor, "minority class is kept whole")
		assert.Equal(t, 36, major)
		assert.LessOrEqual(t, float64(major)/float64(major+minor), 0.6+1e-9)

		val := countLabels(sp.YVal)
		assert.Equal(t, 14, val[0], "validation fold keeps the original proportions")
		assert.Equal(t, 6, val[1])

		// downsampled rows stay consistent with their labels
		for i, r := range sp.TrainIndex {
			assert.Equal(t, float64(r), sp.XTrain.At(i, 0))
			assert.Equal(t, y[r], sp.Label(sp.YTrain[i]))
		}
	}
}

func TestSplitBalancedDataIsUntouched(t *testing.T) {
	y := repeatLabels(map[string]int{"a": 50, "b": 50})
	X := makeDataset(y, 2)

	s, err := NewSplitter(WithNumSplits(2), WithMaxProportionDiff(0), WithSeed(3))
	require.NoError(t, err)
	splits, err := s.Split(X, y)
	require.NoError(t, err)
	for _, sp := range splits {
		assert.Len(t, sp.TrainIndex, 80)
	}
}

func TestSplitPaired(t *testing.T) {
	var y, groups []string
	for g := 0; g < 10; g++ {
		label := "a"
		if g >= 5 {
			label = "b"
		}
		for r := 0; r < 5; r++ {
			y = append(y, label)
			groups = append(groups, fmt.Sprintf("subject-%d", g))
		}
	}
	X := makeDataset(y, 2)

	s, err := NewSplitter(WithNumSplits(10), WithTestRatio(0.2), WithSeed(11))
	require.NoError(t, err)
	splits, err := s.Split(X, y, WithGroups(groups))
	require.NoError(t, err)

	for _, sp := range splits {
		require.Len(t, sp.ValIndex, 10, "two whole groups in validation")

		side := map[string]string{}
		mark := func(rows []int, name string) {
			for _, r := range rows {
				if prev, ok := side[groups[r]]; ok {
					assert.Equal(t, prev, name, "group %s split across folds", groups[r])
				}
				side[groups[r]] = name
			}
		}
		mark(sp.TrainIndex, "train")
		mark(sp.ValIndex, "val")

		val := countLabels(sp.YVal)
		assert.Equal(t, 5, val[0])
		assert.Equal(t, 5, val[1])
	}
}

func TestSplitPairedInconsistentLabels(t *testing.T) {
	y := []string{"a", "b", "a", "a", "b", "b", "a", "b"}
	groups := []string{"g1", "g1", "g2", "g2", "g3", "g3", "g4", "g4"}
	X := makeDataset(y, 1)

	s, err := NewSplitter(WithNumSplits(1), WithSeed(1))
	require.NoError(t, err)
	_, err = s.Split(X, y, WithGroups(groups))

	var di *errors.DataIntegrityError
	require.True(t, errors.As(err, &di), "expected DataIntegrityError, got %v", err)
}

func TestSplitRejectsBadInput(t *testing.T) {
	s, err := NewSplitter(WithNumSplits(1), WithSeed(1))
	require.NoError(t, err)

	t.Run("singleton class", func(t *testing.T) {
		y := []string{"a", "a", "a", "a", "a", "a", "a", "a", "a", "b"}
		_, err := s.Split(makeDataset(y, 1), y)
		var di *errors.DataIntegrityError
		assert.True(t, errors.As(err, &di))
	})
	t.Run("single class", func(t *testing.T) {
		y := []string{"a", "a", "a", "a"}
		_, err := s.Split(makeDataset(y, 1), y)
		var di *errors.DataIntegrityError
		assert.True(t, errors.As(err, &di))
	})
	t.Run("length mismatch", func(t *testing.T) {
		y := []string{"a", "b"}
		_, err := s.Split(mat.NewDense(3, 1, nil), y)
		var de *errors.DimensionError
		assert.True(t, errors.As(err, &de))
	})
	t.Run("feature names mismatch", func(t *testing.T) {
		y := []string{"a", "b", "a", "b", "a", "b", "a", "b", "a", "b"}
		_, err := s.Split(makeDataset(y, 2), y, WithFeatureNames([]string{"only"}))
		assert.Error(t, err)
	})
}

func TestClassCap(t *testing.T) {
	tests := []struct {
		name    string
		counts  []int
		maxDiff float64
		want    int
		wantOK  bool
	}{
		{"binary 56/24", []int{56, 24}, 0.2, 36, true},
		{"already balanced", []int{40, 40}, 0, 40, false},
		{"within bound", []int{55, 45}, 0.2, 55, false},
		{"strict equality", []int{30, 10}, 0, 10, true},
		{"three classes", []int{50, 30, 20}, 0.1, 27, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := classCap(tt.counts, tt.maxDiff)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApproximateModeKeepsTotals(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 5))
	for _, counts := range [][]int{{70, 30}, {3, 3, 3}, {2, 2, 50}, {10, 11, 12, 13}} {
		total := 0
		for _, c := range counts {
			total += c
		}
		for _, draw := range []int{len(counts), total / 3, total - len(counts)} {
			alloc := approximateMode(rng, counts, draw)
			sum := 0
			for i, a := range alloc {
				sum += a
				assert.GreaterOrEqual(t, a, 1, "counts=%v draw=%d", counts, draw)
				assert.Less(t, a, counts[i], "counts=%v draw=%d", counts, draw)
			}
			assert.Equal(t, draw, sum, "counts=%v draw=%d", counts, draw)
		}
	}
}

func TestEncoding(t *testing.T) {
	enc := NewEncoding([]string{"b", "a", "c", "a"})
	assert.Equal(t, []string{"a", "b", "c"}, enc.Targets)

	idx, err := enc.Encode([]string{"c", "a"})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0}, idx)

	back, err := enc.Decode(idx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, back)

	_, err = enc.Encode([]string{"z"})
	assert.Error(t, err)
	_, err = enc.Decode([]int{3})
	assert.Error(t, err)
}
