package results

import (
	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/metaboptim/pkg/errors"
)

// Scores are the per-split balanced accuracies of one model.
type Scores struct {
	Train []float64 `json:"train"`
	Test  []float64 `json:"test"`
}

// Performance summarises Scores. Standard deviations are sample
// deviations; with a single split they are 0.
type Performance struct {
	Splits    int     `json:"splits"`
	TrainMean float64 `json:"train_mean"`
	TrainStd  float64 `json:"train_std"`
	TestMean  float64 `json:"test_mean"`
	TestStd   float64 `json:"test_std"`
}

// SummarizePerformance computes the mean and spread of every model's train
// and test scores.
func SummarizePerformance(acc map[string]Scores) (map[string]Performance, error) {
	const op = "results.SummarizePerformance"
	out := make(map[string]Performance, len(acc))
	for name, s := range acc {
		if len(s.Train) == 0 || len(s.Test) == 0 {
			return nil, errors.NewValueError(op, "model "+name+" has no scores")
		}
		if len(s.Train) != len(s.Test) {
			return nil, errors.Wrapf(errors.NewDimensionError(op, len(s.Train), len(s.Test), 0), "model %s", name)
		}
		p := Performance{Splits: len(s.Train)}
		p.TrainMean, p.TrainStd = meanStd(s.Train)
		p.TestMean, p.TestStd = meanStd(s.Test)
		out[name] = p
	}
	return out, nil
}

func meanStd(x []float64) (mean, std float64) {
	if len(x) < 2 {
		return x[0], 0
	}
	return stat.MeanStdDev(x, nil)
}
