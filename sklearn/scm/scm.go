// Package scm implements the Set Covering Machine, a binary classifier that
// learns a short conjunction or disjunction of threshold rules, and a
// bagged ensemble of such machines.
package scm

import (
	"cmp"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/metaboptim/core/model"
	"github.com/YuminosukeSato/metaboptim/pkg/errors"
)

// ModelName is the registry name of the set covering machine factory.
const ModelName = "set_covering_machine"

const (
	Conjunction = "conjunction"
	Disjunction = "disjunction"
)

func init() {
	model.MustRegister(ModelName, NewSetCoveringMachineFromParams)
}

// Rule is a decision stump on one feature.
type Rule struct {
	Feature   int
	Threshold float64
	// Above selects x > Threshold instead of x <= Threshold.
	Above bool
}

func (r Rule) holds(row []float64) bool {
	if r.Above {
		return row[r.Feature] > r.Threshold
	}
	return row[r.Feature] <= r.Threshold
}

func (r Rule) negate() Rule {
	r.Above = !r.Above
	return r
}

func (r Rule) String() string {
	op := "<="
	if r.Above {
		op = ">"
	}
	return fmt.Sprintf("x[%d] %s %g", r.Feature, op, r.Threshold)
}

// SetCoveringMachine greedily adds threshold rules until no sample of the
// other class is left to exclude or max_rules is reached. A conjunction
// predicts the larger label when all rules hold. A disjunction predicts the
// larger label when any of its rules holds; it is learned as the
// conjunction of the smaller label and negated.
type SetCoveringMachine struct {
	state *model.StateManager

	modelType   string
	maxRules    int
	p           float64 // 誤分類した正例1件あたりのペナルティ
	randomState int64

	rules        []Rule
	classes_     []int
	importances_ []float64
}

// Option configures a SetCoveringMachine.
type Option func(*SetCoveringMachine)

// NewSetCoveringMachine creates an unfitted conjunction machine with at
// most 10 rules and p = 1.
func NewSetCoveringMachine(opts ...Option) *SetCoveringMachine {
	m := &SetCoveringMachine{
		state:       model.NewStateManager(),
		modelType:   Conjunction,
		maxRules:    10,
		p:           1,
		randomState: -1,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithModelType sets "conjunction" or "disjunction".
func WithModelType(t string) Option {
	return func(m *SetCoveringMachine) { m.modelType = t }
}

// WithMaxRules caps the number of rules.
func WithMaxRules(n int) Option {
	return func(m *SetCoveringMachine) { m.maxRules = n }
}

// WithP sets the trade-off between excluded negatives and lost positives
// in the rule utility.
func WithP(p float64) Option {
	return func(m *SetCoveringMachine) { m.p = p }
}

// WithRandomState seeds the choice among rules of equal utility.
func WithRandomState(seed int64) Option {
	return func(m *SetCoveringMachine) { m.randomState = seed }
}

// NewSetCoveringMachineFromParams builds an unfitted machine from a
// hyperparameter map: model_type, max_rules, p and random_state (default 0).
func NewSetCoveringMachineFromParams(params model.Params) (model.Classifier, error) {
	const op = "NewSetCoveringMachineFromParams"
	if err := params.RequireKnown(op, "model_type", "max_rules", "p", "random_state"); err != nil {
		return nil, err
	}
	m := NewSetCoveringMachine(WithRandomState(0))
	var err error
	if m.modelType, err = params.GetString("model_type", m.modelType); err != nil {
		return nil, err
	}
	if m.maxRules, err = params.GetInt("max_rules", m.maxRules); err != nil {
		return nil, err
	}
	if m.p, err = params.GetFloat("p", m.p); err != nil {
		return nil, err
	}
	seed, err := params.GetInt("random_state", int(m.randomState))
	if err != nil {
		return nil, err
	}
	m.randomState = int64(seed)
	if err := m.validate(op); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SetCoveringMachine) validate(op string) error {
	if m.modelType != Conjunction && m.modelType != Disjunction {
		return errors.NewConfigurationError(op, "model_type", `must be "conjunction" or "disjunction"`, m.modelType)
	}
	if m.maxRules < 1 {
		return errors.NewConfigurationError(op, "max_rules", "must be at least 1", m.maxRules)
	}
	if !(m.p > 0) || math.IsInf(m.p, 1) {
		return errors.NewConfigurationError(op, "p", "must be a positive finite number", m.p)
	}
	return nil
}

// binaryTarget reads the two class labels of y. target[i] is true for rows
// of the larger label.
func binaryTarget(op string, X, y mat.Matrix) (classes []int, target []bool, err error) {
	nSamples, _ := X.Dims()
	yRows, yCols := y.Dims()
	if nSamples != yRows {
		return nil, nil, errors.NewDimensionError(op, nSamples, yRows, 0)
	}
	if yCols != 1 {
		return nil, nil, errors.NewDimensionError(op, 1, yCols, 1)
	}
	labels := make([]int, nSamples)
	for i := range labels {
		labels[i] = int(y.At(i, 0))
	}
	classes = slices.Compact(slices.Sorted(slices.Values(labels)))
	if len(classes) != 2 {
		return nil, nil, errors.NewValueError(op, fmt.Sprintf("exactly two classes are required, got %d", len(classes)))
	}
	target = make([]bool, nSamples)
	for i, l := range labels {
		target[i] = l == classes[1]
	}
	return classes, target, nil
}

// Fit learns the rules. y holds two class labels as an n×1 column.
func (m *SetCoveringMachine) Fit(X, y mat.Matrix) (err error) {
	defer errors.Recover(&err, "SetCoveringMachine.Fit")
	const op = "SetCoveringMachine.Fit"
	if err := m.validate(op); err != nil {
		return err
	}
	classes, target, err := binaryTarget(op, X, y)
	if err != nil {
		return err
	}
	nSamples, nFeatures := X.Dims()
	rows := make([]int, nSamples)
	for i := range rows {
		rows[i] = i
	}
	features := make([]int, nFeatures)
	for i := range features {
		features[i] = i
	}
	m.fitRows(mat.DenseCopyOf(X), target, rows, features)
	m.classes_ = classes
	m.state.SetFitted(nFeatures, nSamples, 2)
	return nil
}

// fitRows runs the greedy cover on a row multiset of X using only the given
// features. target marks rows of the larger label.
func (m *SetCoveringMachine) fitRows(X *mat.Dense, target []bool, rows, features []int) {
	seed := uint64(m.randomState)
	if m.randomState < 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed))

	// 連言で残す側（正例）と排除すべき側（負例）
	keepLarger := m.modelType == Conjunction
	var pos, neg []int
	for _, r := range rows {
		if target[r] == keepLarger {
			pos = append(pos, r)
		} else {
			neg = append(neg, r)
		}
	}

	_, nFeatures := X.Dims()
	importances := make([]float64, nFeatures)
	var rules []Rule
	for len(rules) < m.maxRules && len(neg) > 0 {
		rule, covered, ok := m.bestRule(X, pos, neg, features, rng)
		if !ok {
			break
		}
		rules = append(rules, rule)
		importances[rule.Feature] += float64(covered)
		pos = keepWhere(X, pos, rule)
		neg = keepWhere(X, neg, rule)
	}
	if total := floats.Sum(importances); total > 0 {
		floats.Scale(1/total, importances)
	}
	m.rules = rules
	m.importances_ = importances
}

func keepWhere(X *mat.Dense, rows []int, rule Rule) []int {
	out := rows[:0:0]
	for _, r := range rows {
		if rule.holds(X.RawRowView(r)) {
			out = append(out, r)
		}
	}
	return out
}

type candidate struct {
	rule    Rule
	covered int
}

// bestRule returns the stump with the highest utility
// covered negatives - p * lost positives. Only rules of positive utility
// are chosen, so the cover stops early once every stump costs more
// positives than it gains. Ties are broken with rng.
func (m *SetCoveringMachine) bestRule(X *mat.Dense, pos, neg, features []int, rng *rand.Rand) (Rule, int, bool) {
	type sample struct {
		v   float64
		neg bool
	}
	samples := make([]sample, 0, len(pos)+len(neg))
	nPos, nNeg := len(pos), len(neg)

	best := 0.0
	var ties []candidate
	consider := func(rule Rule, covered, lost int) {
		u := float64(covered) - m.p*float64(lost)
		if covered == 0 || u <= 0 {
			return
		}
		switch {
		case u > best+1e-12:
			best = u
			ties = append(ties[:0], candidate{rule, covered})
		case u >= best-1e-12:
			ties = append(ties, candidate{rule, covered})
		}
	}

	for _, f := range features {
		samples = samples[:0]
		for _, r := range pos {
			samples = append(samples, sample{X.At(r, f), false})
		}
		for _, r := range neg {
			samples = append(samples, sample{X.At(r, f), true})
		}
		slices.SortFunc(samples, func(a, b sample) int { return cmp.Compare(a.v, b.v) })

		negLE, posLE := 0, 0
		for i := 0; i < len(samples)-1; i++ {
			if samples[i].neg {
				negLE++
			} else {
				posLE++
			}
			v, next := samples[i].v, samples[i+1].v
			if v == next {
				continue
			}
			t := v + (next-v)/2
			// x <= t excludes the samples above t, x > t those below
			consider(Rule{Feature: f, Threshold: t}, nNeg-negLE, nPos-posLE)
			consider(Rule{Feature: f, Threshold: t, Above: true}, negLE, posLE)
		}
	}
	if len(ties) == 0 {
		return Rule{}, 0, false
	}
	c := ties[rng.IntN(len(ties))]
	return c.rule, c.covered, true
}

// conjunction reports whether every learned rule holds for row.
func (m *SetCoveringMachine) conjunction(row []float64) bool {
	for _, r := range m.rules {
		if !r.holds(row) {
			return false
		}
	}
	return true
}

// predictsLarger maps the learned conjunction onto the larger label.
func (m *SetCoveringMachine) predictsLarger(row []float64) bool {
	return m.conjunction(row) == (m.modelType == Conjunction)
}

// PredictProba returns one-hot class probabilities, columns in ascending
// label order.
func (m *SetCoveringMachine) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if err := m.state.RequireFitted("SetCoveringMachine", "PredictProba"); err != nil {
		return nil, err
	}
	r, c := X.Dims()
	if err := m.state.CheckFeatures("SetCoveringMachine.PredictProba", c); err != nil {
		return nil, err
	}
	out := mat.NewDense(r, 2, nil)
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		mat.Row(row, i, X)
		if m.predictsLarger(row) {
			out.Set(i, 1, 1)
		} else {
			out.Set(i, 0, 1)
		}
	}
	return out, nil
}

// Predict returns the class label of every row.
func (m *SetCoveringMachine) Predict(X mat.Matrix) (mat.Matrix, error) {
	proba, err := m.PredictProba(X)
	if err != nil {
		return nil, err
	}
	r, _ := proba.Dims()
	out := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		out.Set(i, 0, float64(m.classes_[int(proba.At(i, 1))]))
	}
	return out, nil
}

// Rules returns the rules in the form they are combined: all must hold for
// a conjunction, any for a disjunction.
func (m *SetCoveringMachine) Rules() []Rule {
	if m.modelType == Conjunction {
		return slices.Clone(m.rules)
	}
	out := make([]Rule, len(m.rules))
	for i, r := range m.rules {
		out[i] = r.negate()
	}
	return out
}

// String renders the fitted model, e.g. "x[0] > 2.5 AND x[3] <= 1".
func (m *SetCoveringMachine) String() string {
	sep := " AND "
	if m.modelType == Disjunction {
		sep = " OR "
	}
	parts := make([]string, 0, len(m.rules))
	for _, r := range m.Rules() {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, sep)
}

// FeatureImportances returns, per feature, the share of excluded samples
// credited to the rules on that feature. Features no rule uses get zero.
func (m *SetCoveringMachine) FeatureImportances() []float64 {
	return slices.Clone(m.importances_)
}

// Classes returns the two class labels seen during Fit.
func (m *SetCoveringMachine) Classes() []int { return slices.Clone(m.classes_) }

// GetParams returns the hyperparameters.
func (m *SetCoveringMachine) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"model_type":   m.modelType,
		"max_rules":    m.maxRules,
		"p":            m.p,
		"random_state": m.randomState,
	}
}

var (
	_ model.ProbabilisticClassifier = (*SetCoveringMachine)(nil)
	_ model.FeatureImportancer      = (*SetCoveringMachine)(nil)
)
