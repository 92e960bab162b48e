package results

import (
	"cmp"
	"slices"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/floats"

	"github.com/YuminosukeSato/metaboptim/pkg/errors"
)

// FeatureScore is the importance of one feature.
type FeatureScore struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

// ImportanceMatrix holds feature × model importances.
type ImportanceMatrix struct {
	Features []string    `json:"features"`
	Models   []string    `json:"models"`
	Values   [][]float64 `json:"values"` // Values[feature][model]
}

// byImportance sorts descending, ties by feature name.
func byImportance(a, b FeatureScore) int {
	if c := cmp.Compare(b.Importance, a.Importance); c != 0 {
		return c
	}
	return cmp.Compare(a.Feature, b.Feature)
}

// FeatureImportance averages the importance vectors of every split and
// returns one score per feature, most important first.
func FeatureImportance(importances [][]float64, features []string) ([]FeatureScore, error) {
	const op = "results.FeatureImportance"
	if len(importances) == 0 {
		return nil, errors.NewValueError(op, "no importance vectors")
	}
	mean := make([]float64, len(features))
	for i, imp := range importances {
		if len(imp) != len(features) {
			return nil, errors.Wrapf(errors.NewDimensionError(op, len(features), len(imp), 1), "split %d", i)
		}
		floats.Add(mean, imp)
	}
	floats.Scale(1/float64(len(importances)), mean)

	scores := lo.Map(features, func(f string, i int) FeatureScore {
		return FeatureScore{Feature: f, Importance: mean[i]}
	})
	slices.SortFunc(scores, byImportance)
	return scores, nil
}

// TopFeatureMatrix keeps the topN features of every model, renormalises
// them to sum to 1, and lays out the union of those features against the
// models. Features are ordered by their summed importance across models,
// models by name.
func TopFeatureMatrix(byModel map[string][]FeatureScore, topN int) (*ImportanceMatrix, error) {
	const op = "results.TopFeatureMatrix"
	if topN < 1 {
		return nil, errors.NewConfigurationError(op, "top_n", "must be at least 1", topN)
	}
	models := lo.Keys(byModel)
	slices.Sort(models)

	top := make(map[string]map[string]float64, len(models))
	totals := map[string]float64{}
	for _, m := range models {
		scores := slices.Clone(byModel[m])
		slices.SortFunc(scores, byImportance)
		scores = lo.Slice(scores, 0, topN)

		sum := lo.SumBy(scores, func(s FeatureScore) float64 { return s.Importance })
		top[m] = make(map[string]float64, len(scores))
		for _, s := range scores {
			v := 0.0
			if sum > 0 {
				v = s.Importance / sum
			}
			top[m][s.Feature] = v
			totals[s.Feature] += v
		}
	}

	ranked := lo.MapToSlice(totals, func(f string, v float64) FeatureScore {
		return FeatureScore{Feature: f, Importance: v}
	})
	slices.SortFunc(ranked, byImportance)

	out := &ImportanceMatrix{
		Features: lo.Map(ranked, func(s FeatureScore, _ int) string { return s.Feature }),
		Models:   models,
		Values:   make([][]float64, len(ranked)),
	}
	for i, f := range out.Features {
		out.Values[i] = lo.Map(models, func(m string, _ int) float64 { return top[m][f] })
	}
	return out, nil
}
