// Package results aggregates per-split outcomes of the pipeline into the
// figures of a report: summed confusion matrices, mean feature importances,
// a cross-model top-feature matrix and train/test performance summaries.
package results

import (
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/metaboptim/metrics"
	"github.com/YuminosukeSato/metaboptim/pkg/errors"
)

// Confusion is the sum of the confusion matrices of every split. Rows are
// true classes, columns predicted classes.
type Confusion struct {
	Counts [][]int `json:"counts"`
	// Normalized divides every row by its total; rows without samples stay 0.
	Normalized [][]float64 `json:"normalized"`
	Accuracy   float64     `json:"accuracy"`
	// Precision, Recall and F1 treat class 1 as positive. They are only
	// computed for two classes and are 0 when undefined.
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// AggregateConfusion sums the confusion matrices of each (preds[i],
// targets[i]) pair. Labels are class indices in [0, nClasses).
func AggregateConfusion(preds, targets [][]int, nClasses int) (*Confusion, error) {
	const op = "results.AggregateConfusion"
	if len(preds) != len(targets) {
		return nil, errors.NewDimensionError(op, len(targets), len(preds), 0)
	}
	if len(preds) == 0 {
		return nil, errors.NewValueError(op, "at least one prediction/target pair is required")
	}
	if nClasses < 1 {
		return nil, errors.NewValueError(op, "nClasses must be positive")
	}

	sum := mat.NewDense(nClasses, nClasses, nil)
	for i := range preds {
		if len(preds[i]) != len(targets[i]) {
			return nil, errors.NewDimensionError(op, len(targets[i]), len(preds[i]), 0)
		}
		if len(preds[i]) == 0 {
			continue
		}
		cm, err := metrics.ConfusionMatrix(metrics.VecFromLabels(targets[i]), metrics.VecFromLabels(preds[i]), nClasses)
		if err != nil {
			return nil, errors.Wrapf(err, "split %d", i)
		}
		sum.Add(sum, cm)
	}

	c := &Confusion{
		Counts:     make([][]int, nClasses),
		Normalized: make([][]float64, nClasses),
	}
	var total, diag float64
	for i := 0; i < nClasses; i++ {
		row := sum.RawRowView(i)
		c.Counts[i] = make([]int, nClasses)
		c.Normalized[i] = make([]float64, nClasses)
		rowTotal := mat.Sum(sum.RowView(i))
		for j, v := range row {
			c.Counts[i][j] = int(v)
			if rowTotal > 0 {
				c.Normalized[i][j] = v / rowTotal
			}
		}
		total += rowTotal
		diag += sum.At(i, i)
	}
	if total > 0 {
		c.Accuracy = diag / total
	}

	if nClasses == 2 {
		tp, fp, fn := sum.At(1, 1), sum.At(0, 1), sum.At(1, 0)
		if tp+fp > 0 {
			c.Precision = tp / (tp + fp)
		}
		if tp+fn > 0 {
			c.Recall = tp / (tp + fn)
		}
		if c.Precision+c.Recall > 0 {
			c.F1 = 2 * c.Precision * c.Recall / (c.Precision + c.Recall)
		}
	}
	return c, nil
}
