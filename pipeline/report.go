package pipeline

import (
	"encoding/json"
	"io"
	"os"

	"github.com/samber/lo"

	"github.com/YuminosukeSato/metaboptim/core/model"
	"github.com/YuminosukeSato/metaboptim/data"
	"github.com/YuminosukeSato/metaboptim/pkg/errors"
	"github.com/YuminosukeSato/metaboptim/results"
	"github.com/YuminosukeSato/metaboptim/split"
)

// Outcome is the result of one (split, model) search.
type Outcome struct {
	Split      int          `json:"split"`
	Model      string       `json:"model"`
	Params     model.Params `json:"params"`
	Objective  float64      `json:"objective"`
	Completed  int          `json:"completed_trials"`
	Found      bool         `json:"found"`
	Predicted  []int        `json:"predicted"`
	Target     []int        `json:"target"`
	TestIDs    []string     `json:"test_ids,omitempty"`
	TrainScore float64      `json:"train_score"`
	TestScore  float64      `json:"test_score"`
	// Importances is nil for models without feature importances.
	Importances []float64 `json:"importances,omitempty"`
}

// Report gathers every outcome of a run and their aggregates.
type Report struct {
	Samples  int       `json:"samples"`
	Features []string  `json:"features"`
	Labels   []string  `json:"labels"`
	Pair     [2]string `json:"pair"`
	// Positive is the label counted as class 1 in binary statistics.
	Positive string   `json:"positive"`
	Models   []string `json:"models"`

	Outcomes []Outcome `json:"outcomes"`

	Confusion   map[string]*results.Confusion     `json:"confusion"`
	Importance  map[string][]results.FeatureScore `json:"importance,omitempty"`
	TopFeatures *results.ImportanceMatrix         `json:"top_features,omitempty"`
	Performance map[string]results.Performance    `json:"performance"`

	positive int
}

func newReport(ds *data.Dataset, sp *split.Split, grids []Grid, positive int) *Report {
	r := &Report{
		Samples:  len(ds.Y),
		Features: append([]string(nil), sp.Features...),
		Labels:   append([]string(nil), sp.Targets...),
		Pair:     ds.Pair,
		Models:   lo.Map(grids, func(g Grid, _ int) string { return g.Model }),
		positive: positive,
	}
	if positive < len(r.Labels) {
		r.Positive = r.Labels[positive]
	}
	return r
}

// aggregate fills the per-model summaries from the outcomes.
func (r *Report) aggregate(topN int) error {
	nClasses := len(r.Labels)
	r.Confusion = make(map[string]*results.Confusion, len(r.Models))
	r.Importance = map[string][]results.FeatureScore{}
	scores := make(map[string]results.Scores, len(r.Models))

	for _, name := range r.Models {
		outcomes := lo.Filter(r.Outcomes, func(o Outcome, _ int) bool { return o.Model == name })
		preds := lo.Map(outcomes, func(o Outcome, _ int) []int { return r.orient(o.Predicted) })
		targets := lo.Map(outcomes, func(o Outcome, _ int) []int { return r.orient(o.Target) })
		cm, err := results.AggregateConfusion(preds, targets, nClasses)
		if err != nil {
			return errors.Wrapf(err, "model %s", name)
		}
		r.Confusion[name] = cm

		scores[name] = results.Scores{
			Train: lo.Map(outcomes, func(o Outcome, _ int) float64 { return o.TrainScore }),
			Test:  lo.Map(outcomes, func(o Outcome, _ int) float64 { return o.TestScore }),
		}

		if !lo.EveryBy(outcomes, func(o Outcome) bool { return o.Importances != nil }) {
			continue
		}
		imp, err := results.FeatureImportance(
			lo.Map(outcomes, func(o Outcome, _ int) []float64 { return o.Importances }), r.Features)
		if err != nil {
			return errors.Wrapf(err, "model %s", name)
		}
		r.Importance[name] = imp
	}

	perf, err := results.SummarizePerformance(scores)
	if err != nil {
		return err
	}
	r.Performance = perf

	if len(r.Importance) > 0 {
		if r.TopFeatures, err = results.TopFeatureMatrix(r.Importance, topN); err != nil {
			return err
		}
	}
	return nil
}

// orient swaps binary labels so the positive label is class 1.
func (r *Report) orient(labels []int) []int {
	if len(r.Labels) != 2 || r.positive == 1 {
		return labels
	}
	return lo.Map(labels, func(l int, _ int) int { return 1 - l })
}

// WriteJSON encodes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(r), "encode report")
}

// WriteJSONFile writes the report to path, replacing any existing file.
func (r *Report) WriteJSONFile(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer func() {
		err = errors.CombineErrors(err, f.Close())
	}()
	return r.WriteJSON(f)
}

// ReadReport decodes a report written by WriteJSON.
func ReadReport(rd io.Reader) (*Report, error) {
	var r Report
	if err := json.NewDecoder(rd).Decode(&r); err != nil {
		return nil, errors.Wrap(err, "decode report")
	}
	return &r, nil
}
