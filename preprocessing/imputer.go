package preprocessing

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/metaboptim/pkg/errors"
	"github.com/YuminosukeSato/metaboptim/pkg/log"
)

// ClassMedianImputer fills missing (NaN) cells with the median of the
// observed values of the same column within the same class. A class with no
// observed value in a column falls back to the median of the whole column.
type ClassMedianImputer struct {
	logger log.Logger
}

// NewClassMedianImputer creates an imputer. A nil logger discards output.
func NewClassMedianImputer(logger log.Logger) *ClassMedianImputer {
	if logger == nil {
		logger = log.Nop()
	}
	return &ClassMedianImputer{logger: logger.With(log.ComponentKey, "imputer")}
}

// Impute returns a copy of X with every NaN replaced. X is not modified.
// A column with no observed value at all is a DataIntegrityError.
func (im *ClassMedianImputer) Impute(X mat.Matrix, y []string) (*mat.Dense, error) {
	const op = "ClassMedianImputer.Impute"
	r, c := X.Dims()
	if r != len(y) {
		return nil, errors.NewDimensionError(op, r, len(y), 0)
	}

	out := mat.DenseCopyOf(X)
	classes := make(map[string][]int)
	for i, label := range y {
		classes[label] = append(classes[label], i)
	}

	filled := 0
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, out)
		if !slices.ContainsFunc(col, math.IsNaN) {
			continue
		}
		overall, ok := median(col, nil)
		if !ok {
			return nil, errors.NewDataIntegrityErrorf(op, "column %d has no observed values", j)
		}
		for _, rows := range classes {
			m, ok := median(col, rows)
			if !ok {
				m = overall
			}
			for _, i := range rows {
				if math.IsNaN(col[i]) {
					out.Set(i, j, m)
					filled++
				}
			}
		}
	}

	if filled > 0 {
		im.logger.Info("imputed missing values",
			"cells", filled,
			log.SamplesKey, r,
			log.FeaturesKey, c,
		)
	}
	return out, nil
}

// median returns the median of the non-NaN values of col at rows (all rows
// when rows is nil). An even count averages the two middle values.
func median(col []float64, rows []int) (float64, bool) {
	var vals []float64
	if rows == nil {
		for _, v := range col {
			if !math.IsNaN(v) {
				vals = append(vals, v)
			}
		}
	} else {
		for _, i := range rows {
			if !math.IsNaN(col[i]) {
				vals = append(vals, col[i])
			}
		}
	}
	n := len(vals)
	if n == 0 {
		return math.NaN(), false
	}
	slices.Sort(vals)
	if n%2 == 1 {
		return vals[n/2], true
	}
	return (vals[n/2-1] + vals[n/2]) / 2, true
}
