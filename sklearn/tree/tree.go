// Package tree implements a CART decision tree classifier.
package tree

import (
	"cmp"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/metaboptim/core/model"
	"github.com/YuminosukeSato/metaboptim/pkg/errors"
)

// ModelName is the registry name of the decision tree factory.
const ModelName = "decision_tree"

func init() {
	model.MustRegister(ModelName, NewDecisionTreeFromParams)
}

// node は木のノード。葉ではクラス確率を保持する
type node struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	Leaf      bool
	Proba     []float64
	NSamples  int
	Impurity  float64
}

// DecisionTreeClassifier is a binary-split CART classifier. Samples with
// X[feature] <= threshold go left.
type DecisionTreeClassifier struct {
	state *model.StateManager

	// Hyperparameters
	criterion       string // "gini" or "entropy"
	maxDepth        int    // <= 0 means unlimited
	minSamplesSplit int
	minSamplesLeaf  int
	maxFeatures     any   // nil (all), "sqrt", "log2", int count or float fraction
	randomState     int64 // negative for a random seed

	// Fitted state
	nodes        []node
	classes_     []int
	nClasses_    int
	nFeatures_   int
	importances_ []float64
	depth_       int
	nLeaves_     int
}

// Option configures a DecisionTreeClassifier.
type Option func(*DecisionTreeClassifier)

// NewDecisionTreeClassifier creates an unfitted tree.
func NewDecisionTreeClassifier(opts ...Option) *DecisionTreeClassifier {
	dt := &DecisionTreeClassifier{
		state:           model.NewStateManager(),
		criterion:       "gini",
		minSamplesSplit: 2,
		minSamplesLeaf:  1,
		randomState:     -1,
	}
	for _, opt := range opts {
		opt(dt)
	}
	return dt
}

// WithCriterion sets the impurity measure ("gini" or "entropy").
func WithCriterion(criterion string) Option {
	return func(dt *DecisionTreeClassifier) { dt.criterion = criterion }
}

// WithMaxDepth limits the depth of the tree. Zero or negative means unlimited.
func WithMaxDepth(depth int) Option {
	return func(dt *DecisionTreeClassifier) { dt.maxDepth = depth }
}

// WithMinSamplesSplit sets the minimum number of samples to split a node.
func WithMinSamplesSplit(n int) Option {
	return func(dt *DecisionTreeClassifier) { dt.minSamplesSplit = n }
}

// WithMinSamplesLeaf sets the minimum number of samples in each leaf.
func WithMinSamplesLeaf(n int) Option {
	return func(dt *DecisionTreeClassifier) { dt.minSamplesLeaf = n }
}

// WithMaxFeatures sets the number of features examined per split: "sqrt",
// "log2", an int count or a float fraction in (0, 1].
func WithMaxFeatures(v any) Option {
	return func(dt *DecisionTreeClassifier) { dt.maxFeatures = v }
}

// WithRandomState seeds the feature sampling.
func WithRandomState(seed int64) Option {
	return func(dt *DecisionTreeClassifier) { dt.randomState = seed }
}

// NewDecisionTreeFromParams builds an unfitted tree from a hyperparameter
// map: criterion, max_depth, min_samples_split, min_samples_leaf,
// max_features and random_state (default 0).
func NewDecisionTreeFromParams(p model.Params) (model.Classifier, error) {
	const op = "NewDecisionTreeFromParams"
	if err := p.RequireKnown(op, "criterion", "max_depth", "min_samples_split", "min_samples_leaf", "max_features", "random_state"); err != nil {
		return nil, err
	}
	dt := NewDecisionTreeClassifier(WithRandomState(0))
	if err := dt.SetParams(p); err != nil {
		return nil, err
	}
	if err := dt.validate(op); err != nil {
		return nil, err
	}
	return dt, nil
}

func (dt *DecisionTreeClassifier) validate(op string) error {
	if dt.criterion != "gini" && dt.criterion != "entropy" {
		return errors.NewConfigurationError(op, "criterion", `must be "gini" or "entropy"`, dt.criterion)
	}
	if dt.minSamplesSplit < 2 {
		return errors.NewConfigurationError(op, "min_samples_split", "must be at least 2", dt.minSamplesSplit)
	}
	if dt.minSamplesLeaf < 1 {
		return errors.NewConfigurationError(op, "min_samples_leaf", "must be at least 1", dt.minSamplesLeaf)
	}
	_, err := resolveMaxFeatures(op, dt.maxFeatures, 1)
	return err
}

// resolveMaxFeatures converts the max_features setting to a count in [1, n].
func resolveMaxFeatures(op string, v any, n int) (int, error) {
	switch v := v.(type) {
	case nil:
		return n, nil
	case string:
		switch v {
		case "sqrt":
			return max(1, int(math.Sqrt(float64(n)))), nil
		case "log2":
			return max(1, int(math.Log2(float64(n)))), nil
		case "all", "":
			return n, nil
		}
	case int:
		if v >= 1 {
			return min(v, n), nil
		}
	case float64:
		if v > 0 && v <= 1 {
			return max(1, int(v*float64(n))), nil
		}
	}
	return 0, errors.NewConfigurationError(op, "max_features",
		`must be "sqrt", "log2", a positive count or a fraction in (0, 1]`, v)
}

// Fit builds the tree. y holds class labels as an n×1 column.
func (dt *DecisionTreeClassifier) Fit(X, y mat.Matrix) (err error) {
	defer errors.Recover(&err, "DecisionTreeClassifier.Fit")
	const op = "DecisionTreeClassifier.Fit"

	nSamples, _ := X.Dims()
	yRows, yCols := y.Dims()
	if nSamples != yRows {
		return errors.NewDimensionError(op, nSamples, yRows, 0)
	}
	if yCols != 1 {
		return errors.NewDimensionError(op, 1, yCols, 1)
	}

	labels := make([]int, nSamples)
	for i := range labels {
		labels[i] = int(y.At(i, 0))
	}
	classes := slices.Compact(slices.Sorted(slices.Values(labels)))
	encoded := make([]int, nSamples)
	for i, l := range labels {
		encoded[i], _ = slices.BinarySearch(classes, l)
	}
	rows := make([]int, nSamples)
	for i := range rows {
		rows[i] = i
	}
	return dt.fit(op, mat.DenseCopyOf(X), encoded, classes, rows)
}

// FitRows grows the tree on a row multiset of X (bootstrap samples repeat
// rows). encoded holds each row's position in classes.
func (dt *DecisionTreeClassifier) FitRows(X *mat.Dense, encoded, classes, rows []int) (err error) {
	defer errors.Recover(&err, "DecisionTreeClassifier.FitRows")
	return dt.fit("DecisionTreeClassifier.FitRows", X, encoded, classes, rows)
}

// fit grows the tree on the given row multiset. encoded holds positions
// into classes, so every tree of an ensemble shares the class columns even
// when a bootstrap sample misses a class.
func (dt *DecisionTreeClassifier) fit(op string, X *mat.Dense, encoded, classes, rows []int) error {
	if err := dt.validate(op); err != nil {
		return err
	}
	if len(rows) == 0 {
		return errors.NewValueError(op, "no samples to fit")
	}
	_, nFeatures := X.Dims()

	seed := uint64(dt.randomState)
	if dt.randomState < 0 {
		seed = rand.Uint64()
	}
	mtry, err := resolveMaxFeatures(op, dt.maxFeatures, nFeatures)
	if err != nil {
		return err
	}

	b := &builder{
		dt:          dt,
		X:           X,
		y:           encoded,
		nClasses:    len(classes),
		mtry:        mtry,
		rng:         rand.New(rand.NewPCG(seed, seed)),
		importances: make([]float64, nFeatures),
	}
	dt.nodes = dt.nodes[:0]
	dt.depth_, dt.nLeaves_ = 0, 0
	b.grow(slices.Clone(rows), 0)

	if total := floats.Sum(b.importances); total > 0 {
		floats.Scale(1/total, b.importances)
	}
	dt.importances_ = b.importances
	dt.classes_ = slices.Clone(classes)
	dt.nClasses_ = len(classes)
	dt.nFeatures_ = nFeatures
	dt.state.SetFitted(nFeatures, len(rows), dt.nClasses_)
	return nil
}

type builder struct {
	dt          *DecisionTreeClassifier
	X           *mat.Dense
	y           []int
	nClasses    int
	mtry        int
	rng         *rand.Rand
	importances []float64
}

func (b *builder) counts(rows []int) []float64 {
	c := make([]float64, b.nClasses)
	for _, r := range rows {
		c[b.y[r]]++
	}
	return c
}

// impurity of a class-count vector holding n samples
func (b *builder) impurity(counts []float64, n float64) float64 {
	if n == 0 {
		return 0
	}
	imp := 0.0
	if b.dt.criterion == "entropy" {
		for _, c := range counts {
			if c > 0 {
				p := c / n
				imp -= p * math.Log2(p)
			}
		}
		return imp
	}
	imp = 1
	for _, c := range counts {
		p := c / n
		imp -= p * p
	}
	return imp
}

// grow appends the subtree for rows and returns its node index.
func (b *builder) grow(rows []int, depth int) int {
	dt := b.dt
	counts := b.counts(rows)
	n := float64(len(rows))
	imp := b.impurity(counts, n)

	idx := len(dt.nodes)
	dt.nodes = append(dt.nodes, node{NSamples: len(rows), Impurity: imp})
	dt.depth_ = max(dt.depth_, depth)

	stop := imp <= 0 ||
		len(rows) < dt.minSamplesSplit ||
		len(rows) < 2*dt.minSamplesLeaf ||
		(dt.maxDepth > 0 && depth >= dt.maxDepth)
	if !stop {
		if feature, threshold, gain, ok := b.bestSplit(rows, imp); ok {
			left := make([]int, 0, len(rows))
			right := make([]int, 0, len(rows))
			for _, r := range rows {
				if b.X.At(r, feature) <= threshold {
					left = append(left, r)
				} else {
					right = append(right, r)
				}
			}
			b.importances[feature] += gain
			l := b.grow(left, depth+1)
			r := b.grow(right, depth+1)
			dt.nodes[idx].Feature = feature
			dt.nodes[idx].Threshold = threshold
			dt.nodes[idx].Left = l
			dt.nodes[idx].Right = r
			return idx
		}
	}

	floats.Scale(1/n, counts)
	dt.nodes[idx].Leaf = true
	dt.nodes[idx].Proba = counts
	dt.nLeaves_++
	return idx
}

// bestSplit scans mtry randomly chosen features. Gain is the weighted
// impurity decrease; a zero-gain split is still taken when it is the best
// one available, so XOR-like patterns can be separated one level deeper.
func (b *builder) bestSplit(rows []int, parentImp float64) (feature int, threshold, gain float64, ok bool) {
	_, nFeatures := b.X.Dims()
	features := b.rng.Perm(nFeatures)[:b.mtry]
	if b.mtry == nFeatures {
		slices.Sort(features)
	}

	n := float64(len(rows))
	minLeaf := b.dt.minSamplesLeaf
	total := b.counts(rows)
	sorted := slices.Clone(rows)
	left := make([]float64, b.nClasses)
	right := make([]float64, b.nClasses)
	gain = -1

	for _, f := range features {
		slices.SortStableFunc(sorted, func(i, j int) int {
			return cmp.Compare(b.X.At(i, f), b.X.At(j, f))
		})
		clear(left)
		copy(right, total)
		for i := 0; i < len(sorted)-1; i++ {
			c := b.y[sorted[i]]
			left[c]++
			right[c]--
			v, next := b.X.At(sorted[i], f), b.X.At(sorted[i+1], f)
			if v == next || i+1 < minLeaf || len(sorted)-i-1 < minLeaf {
				continue
			}
			nl, nr := float64(i+1), float64(len(sorted)-i-1)
			g := n*parentImp - nl*b.impurity(left, nl) - nr*b.impurity(right, nr)
			if g > gain+1e-12 {
				feature, threshold, gain, ok = f, v+(next-v)/2, g, true
			}
		}
	}
	return feature, threshold, math.Max(gain, 0), ok
}

func (dt *DecisionTreeClassifier) leaf(row []float64) *node {
	nd := &dt.nodes[0]
	for !nd.Leaf {
		if row[nd.Feature] <= nd.Threshold {
			nd = &dt.nodes[nd.Left]
		} else {
			nd = &dt.nodes[nd.Right]
		}
	}
	return nd
}

// PredictProba returns class probabilities, one column per class seen
// during Fit in ascending label order.
func (dt *DecisionTreeClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if err := dt.state.RequireFitted("DecisionTreeClassifier", "PredictProba"); err != nil {
		return nil, err
	}
	r, c := X.Dims()
	if err := dt.state.CheckFeatures("DecisionTreeClassifier.PredictProba", c); err != nil {
		return nil, err
	}
	out := mat.NewDense(r, dt.nClasses_, nil)
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		mat.Row(row, i, X)
		out.SetRow(i, dt.leaf(row).Proba)
	}
	return out, nil
}

// Predict returns the most probable class label of every row. Ties go to
// the smaller label.
func (dt *DecisionTreeClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	proba, err := dt.PredictProba(X)
	if err != nil {
		return nil, err
	}
	p := proba.(*mat.Dense)
	r, _ := p.Dims()
	out := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		out.Set(i, 0, float64(dt.classes_[floats.MaxIdx(p.RawRowView(i))]))
	}
	return out, nil
}

// Score returns the mean accuracy on the given data.
func (dt *DecisionTreeClassifier) Score(X, y mat.Matrix) float64 {
	pred, err := dt.Predict(X)
	if err != nil {
		return 0
	}
	r, _ := X.Dims()
	correct := 0
	for i := 0; i < r; i++ {
		if pred.At(i, 0) == y.At(i, 0) {
			correct++
		}
	}
	return float64(correct) / float64(r)
}

// FeatureImportances returns the normalised total impurity decrease per
// feature.
func (dt *DecisionTreeClassifier) FeatureImportances() []float64 {
	return slices.Clone(dt.importances_)
}

// GetFeatureImportances is an alias of FeatureImportances.
func (dt *DecisionTreeClassifier) GetFeatureImportances() []float64 {
	return dt.FeatureImportances()
}

// GetDepth returns the depth of the fitted tree (a single leaf has depth 0).
func (dt *DecisionTreeClassifier) GetDepth() int { return dt.depth_ }

// GetNLeaves returns the number of leaves of the fitted tree.
func (dt *DecisionTreeClassifier) GetNLeaves() int { return dt.nLeaves_ }

// Classes returns the class labels seen during Fit.
func (dt *DecisionTreeClassifier) Classes() []int { return slices.Clone(dt.classes_) }

// GetParams returns the hyperparameters.
func (dt *DecisionTreeClassifier) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"criterion":         dt.criterion,
		"max_depth":         dt.maxDepth,
		"min_samples_split": dt.minSamplesSplit,
		"min_samples_leaf":  dt.minSamplesLeaf,
		"max_features":      dt.maxFeatures,
		"random_state":      dt.randomState,
	}
}

// SetParams sets hyperparameters. Nothing changes when an entry is invalid.
func (dt *DecisionTreeClassifier) SetParams(params map[string]interface{}) error {
	p := model.Params(params)
	next := *dt
	var err error
	for _, key := range p.Keys() {
		switch key {
		case "criterion":
			next.criterion, err = p.GetString(key, next.criterion)
		case "max_depth":
			next.maxDepth, err = p.GetInt(key, next.maxDepth)
		case "min_samples_split":
			next.minSamplesSplit, err = p.GetInt(key, next.minSamplesSplit)
		case "min_samples_leaf":
			next.minSamplesLeaf, err = p.GetInt(key, next.minSamplesLeaf)
		case "max_features":
			next.maxFeatures = p[key]
		case "random_state":
			var seed int
			seed, err = p.GetInt(key, int(next.randomState))
			next.randomState = int64(seed)
		default:
			return errors.NewConfigurationError("DecisionTreeClassifier.SetParams", key, "unknown hyperparameter", params[key])
		}
		if err != nil {
			return err
		}
	}
	*dt = next
	return nil
}

var (
	_ model.ProbabilisticClassifier = (*DecisionTreeClassifier)(nil)
	_ model.FeatureImportancer      = (*DecisionTreeClassifier)(nil)
)
