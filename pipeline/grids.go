package pipeline

import (
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/YuminosukeSato/metaboptim/optim"
	"github.com/YuminosukeSato/metaboptim/pkg/errors"
	"github.com/YuminosukeSato/metaboptim/sklearn/ensemble"
	"github.com/YuminosukeSato/metaboptim/sklearn/linear_model"
	"github.com/YuminosukeSato/metaboptim/sklearn/scm"
	"github.com/YuminosukeSato/metaboptim/sklearn/tree"
)

// Grid is one model to tune and the space searched for it.
type Grid struct {
	Model string
	Space optim.Space
}

// DefaultGrids returns the search spaces of the bundled classifiers. The
// set covering machines only accept two classes.
func DefaultGrids() []Grid {
	return []Grid{
		{
			Model: ensemble.ModelName,
			Space: optim.Space{
				"n_estimators": optim.IntRange(10, 250),
				"max_depth":    optim.IntRange(2, 20),
				"max_features": optim.FloatRange(0.05, 1.0),
			},
		},
		{
			Model: tree.ModelName,
			Space: optim.Space{
				"criterion":        optim.Choice("gini", "entropy"),
				"max_depth":        optim.IntRange(3, 20),
				"min_samples_leaf": optim.IntRange(2, 20),
			},
		},
		{
			Model: linear_model.ModelName,
			Space: optim.Space{
				"C":       optim.LogFloatRange(1e-3, 1e2),
				"penalty": optim.Choice("l1", "l2"),
			},
		},
		{
			Model: scm.RandomModelName,
			Space: optim.Space{
				"n_estimators": optim.IntRange(10, 250),
				"max_rules":    optim.IntRange(2, 30),
				"max_features": optim.FloatRange(0.05, 1.0),
			},
		},
		{
			Model: scm.ModelName,
			Space: optim.Space{
				"model_type": optim.Choice(scm.Conjunction, scm.Disjunction),
				"max_rules":  optim.IntRange(2, 30),
			},
		},
	}
}

// SelectGrids picks the default grids of the named models, in the order
// given. An empty list selects every default grid.
func SelectGrids(models []string) ([]Grid, error) {
	all := DefaultGrids()
	if len(models) == 0 {
		return all, nil
	}
	out := make([]Grid, 0, len(models))
	for _, name := range models {
		g, ok := lo.Find(all, func(g Grid) bool { return g.Model == name })
		if !ok {
			known := lo.Map(all, func(g Grid, _ int) string { return g.Model })
			slices.Sort(known)
			return nil, errors.NewConfigurationError("pipeline.SelectGrids", "models",
				"no default grid; known models are "+strings.Join(known, ", "), name)
		}
		out = append(out, g)
	}
	return out, nil
}
