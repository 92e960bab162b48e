package linear_model

import (
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/metaboptim/core/model"
	"github.com/YuminosukeSato/metaboptim/pkg/errors"
	"github.com/YuminosukeSato/metaboptim/preprocessing"
)

// ModelName is the registry name of the logistic regression factory.
const ModelName = "logistic_regression"

func init() {
	model.MustRegister(ModelName, NewLogisticRegressionFromParams)
}

// LogisticRegression implements logistic regression for classification.
// Binary problems fit one weight vector; more classes are fitted one-vs-rest.
type LogisticRegression struct {
	state *model.StateManager // State management (composition)

	// Hyperparameters
	penalty      string  // Regularization: "l2", "l1", "none"
	C            float64 // Inverse regularization strength (1/alpha)
	fitIntercept bool    // Whether to fit intercept
	randomState  int64   // Random seed, negative for a random one
	maxIter      int     // Maximum iterations
	tol          float64 // Tolerance for stopping
	standardize  bool    // Standardize features before fitting

	// Model parameters
	coef_      [][]float64 // Coefficients (n_classes x n_features or 1 x n_features for binary)
	intercept_ []float64   // Intercept terms
	classes_   []int       // Unique class labels
	nClasses_  int         // Number of classes
	nFeatures_ int         // Number of features
	nIter_     []int       // Actual iterations per class

	scaler *preprocessing.StandardScaler
}

// LogisticRegressionOption is a functional option for LogisticRegression
type LogisticRegressionOption func(*LogisticRegression)

// NewLogisticRegression creates a new LogisticRegression classifier
func NewLogisticRegression(opts ...LogisticRegressionOption) *LogisticRegression {
	lr := &LogisticRegression{
		state:        model.NewStateManager(),
		penalty:      "l2",
		C:            1.0,
		fitIntercept: true,
		randomState:  -1,
		maxIter:      100,
		tol:          1e-4,
	}
	for _, opt := range opts {
		opt(lr)
	}
	return lr
}

// NewLogisticRegressionFromParams builds an unfitted model from a
// hyperparameter map. Recognised keys: C, max_iter, tol, penalty,
// fit_intercept, standardize (default true) and random_state (default 0).
func NewLogisticRegressionFromParams(p model.Params) (model.Classifier, error) {
	const op = "NewLogisticRegressionFromParams"
	if err := p.RequireKnown(op, "C", "max_iter", "tol", "penalty", "fit_intercept", "standardize", "random_state"); err != nil {
		return nil, err
	}
	lr := NewLogisticRegression(WithLRStandardize(true), WithLRRandomState(0))
	var err error
	if lr.C, err = p.GetFloat("C", lr.C); err != nil {
		return nil, err
	}
	if lr.maxIter, err = p.GetInt("max_iter", lr.maxIter); err != nil {
		return nil, err
	}
	if lr.tol, err = p.GetFloat("tol", lr.tol); err != nil {
		return nil, err
	}
	if lr.penalty, err = p.GetString("penalty", lr.penalty); err != nil {
		return nil, err
	}
	if lr.fitIntercept, err = p.GetBool("fit_intercept", lr.fitIntercept); err != nil {
		return nil, err
	}
	if lr.standardize, err = p.GetBool("standardize", lr.standardize); err != nil {
		return nil, err
	}
	seed, err := p.GetInt("random_state", int(lr.randomState))
	if err != nil {
		return nil, err
	}
	lr.randomState = int64(seed)
	if err := lr.validate(op); err != nil {
		return nil, err
	}
	return lr, nil
}

// WithLRPenalty sets the regularization type
func WithLRPenalty(penalty string) LogisticRegressionOption {
	return func(lr *LogisticRegression) {
		lr.penalty = penalty
	}
}

// WithLRC sets the inverse regularization strength
func WithLRC(c float64) LogisticRegressionOption {
	return func(lr *LogisticRegression) {
		lr.C = c
	}
}

// WithLogisticFitIntercept sets whether to fit intercept
func WithLogisticFitIntercept(fit bool) LogisticRegressionOption {
	return func(lr *LogisticRegression) {
		lr.fitIntercept = fit
	}
}

// WithLRMaxIter sets the maximum number of iterations
func WithLRMaxIter(maxIter int) LogisticRegressionOption {
	return func(lr *LogisticRegression) {
		lr.maxIter = maxIter
	}
}

// WithLRTol sets the tolerance for stopping criteria
func WithLRTol(tol float64) LogisticRegressionOption {
	return func(lr *LogisticRegression) {
		lr.tol = tol
	}
}

// WithLRRandomState sets the random seed
func WithLRRandomState(seed int64) LogisticRegressionOption {
	return func(lr *LogisticRegression) {
		lr.randomState = seed
	}
}

// WithLRStandardize standardizes features with a StandardScaler fitted on
// the training data.
func WithLRStandardize(standardize bool) LogisticRegressionOption {
	return func(lr *LogisticRegression) {
		lr.standardize = standardize
	}
}

func (lr *LogisticRegression) validate(op string) error {
	switch lr.penalty {
	case "l1", "l2", "none":
	default:
		return errors.NewConfigurationError(op, "penalty", `must be "l1", "l2" or "none"`, lr.penalty)
	}
	if !(lr.C > 0) {
		return errors.NewConfigurationError(op, "C", "must be positive", lr.C)
	}
	if lr.maxIter < 1 {
		return errors.NewConfigurationError(op, "max_iter", "must be at least 1", lr.maxIter)
	}
	if !(lr.tol > 0) {
		return errors.NewConfigurationError(op, "tol", "must be positive", lr.tol)
	}
	return nil
}

// Fit trains the logistic regression model. y holds class labels.
func (lr *LogisticRegression) Fit(X, y mat.Matrix) (err error) {
	defer errors.Recover(&err, "LogisticRegression.Fit")
	const op = "LogisticRegression.Fit"

	if err := lr.validate(op); err != nil {
		return err
	}
	nSamples, nFeatures := X.Dims()
	yRows, yCols := y.Dims()
	if nSamples != yRows {
		return errors.NewDimensionError(op, nSamples, yRows, 0)
	}
	if yCols != 1 {
		return errors.NewDimensionError(op, 1, yCols, 1)
	}

	lr.extractClasses(y)
	if lr.nClasses_ < 2 {
		return errors.NewValueError(op, "at least two classes are required")
	}
	lr.nFeatures_ = nFeatures

	lr.scaler = nil
	if lr.standardize {
		lr.scaler = preprocessing.NewStandardScalerDefault()
		if X, err = lr.scaler.FitTransform(X); err != nil {
			return err
		}
	}

	lr.initializeWeights(nFeatures)

	if lr.nClasses_ == 2 {
		lr.descend(X, lr.binaryTargets(y, lr.classes_[1]), 0)
	} else {
		// One-vs-rest
		for k, class := range lr.classes_ {
			lr.descend(X, lr.binaryTargets(y, class), k)
		}
	}

	if slices.Max(lr.nIter_) >= lr.maxIter {
		errors.Warn(errors.NewConvergenceWarning("LogisticRegression", lr.maxIter,
			"gradient norm did not fall below tol; increase max_iter"))
	}

	lr.state.SetFitted(nFeatures, nSamples, lr.nClasses_)
	return nil
}

// extractClasses identifies unique class labels, sorted
func (lr *LogisticRegression) extractClasses(y mat.Matrix) {
	rows, _ := y.Dims()
	seen := make(map[int]bool)
	lr.classes_ = lr.classes_[:0]
	for i := 0; i < rows; i++ {
		label := int(y.At(i, 0))
		if !seen[label] {
			seen[label] = true
			lr.classes_ = append(lr.classes_, label)
		}
	}
	slices.Sort(lr.classes_)
	lr.nClasses_ = len(lr.classes_)
}

// initializeWeights initializes model weights with small random values
func (lr *LogisticRegression) initializeWeights(nFeatures int) {
	n := lr.nClasses_
	if n == 2 {
		n = 1
	}
	lr.coef_ = make([][]float64, n)
	for i := range lr.coef_ {
		lr.coef_[i] = make([]float64, nFeatures)
	}
	lr.intercept_ = make([]float64, n)
	lr.nIter_ = make([]int, n)

	seed := uint64(lr.randomState)
	if lr.randomState < 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed))
	for i := range lr.coef_ {
		for j := range lr.coef_[i] {
			lr.coef_[i][j] = rng.NormFloat64() * 0.01
		}
	}
}

func (lr *LogisticRegression) binaryTargets(y mat.Matrix, positive int) []float64 {
	n, _ := y.Dims()
	t := make([]float64, n)
	for i := range t {
		if int(y.At(i, 0)) == positive {
			t[i] = 1
		}
	}
	return t
}

// descend fits row k of coef_ by proximal gradient descent with a decaying
// learning rate 1/(1+0.1·iter). The penalty is applied as a proximal step
// (shrinkage for l2, soft threshold for l1) so strong penalties stay stable.
func (lr *LogisticRegression) descend(X mat.Matrix, target []float64, k int) {
	nSamples, nFeatures := X.Dims()
	weights := lr.coef_[k]
	intercept := &lr.intercept_[k]
	lambda := 1.0 / lr.C

	row := make([]float64, nFeatures)
	gradWeights := make([]float64, nFeatures)
	for iter := 0; iter < lr.maxIter; iter++ {
		for j := range gradWeights {
			gradWeights[j] = 0
		}
		gradIntercept := 0.0
		for i := 0; i < nSamples; i++ {
			mat.Row(row, i, X)
			residual := sigmoid(*intercept+floats.Dot(row, weights)) - target[i]
			gradIntercept += residual
			floats.AddScaled(gradWeights, residual, row)
		}
		floats.Scale(1/float64(nSamples), gradWeights)
		gradIntercept /= float64(nSamples)

		learningRate := 1.0 / (1.0 + 0.1*float64(iter))
		floats.AddScaled(weights, -learningRate, gradWeights)
		switch lr.penalty {
		case "l2":
			floats.Scale(1/(1+learningRate*lambda), weights)
		case "l1":
			shrink := learningRate * lambda
			for j, w := range weights {
				weights[j] = math.Copysign(math.Max(math.Abs(w)-shrink, 0), w)
			}
		}
		if lr.fitIntercept {
			*intercept -= learningRate * gradIntercept
		}

		lr.nIter_[k] = iter + 1

		maxGrad := math.Max(math.Abs(gradIntercept), floats.Norm(gradWeights, math.Inf(1)))
		if maxGrad < lr.tol {
			break
		}
	}
}

// decision returns the linear score of every sample for every weight row.
func (lr *LogisticRegression) decision(op string, X mat.Matrix) (*mat.Dense, error) {
	if err := lr.state.RequireFitted("LogisticRegression", op); err != nil {
		return nil, err
	}
	_, c := X.Dims()
	if err := lr.state.CheckFeatures("LogisticRegression."+op, c); err != nil {
		return nil, err
	}
	if lr.scaler != nil {
		var err error
		if X, err = lr.scaler.Transform(X); err != nil {
			return nil, err
		}
	}

	n, _ := X.Dims()
	scores := mat.NewDense(n, len(lr.coef_), nil)
	row := make([]float64, c)
	for i := 0; i < n; i++ {
		mat.Row(row, i, X)
		for k, w := range lr.coef_ {
			scores.Set(i, k, lr.intercept_[k]+floats.Dot(row, w))
		}
	}
	return scores, nil
}

// Predict makes predictions for input data
func (lr *LogisticRegression) Predict(X mat.Matrix) (mat.Matrix, error) {
	scores, err := lr.decision("Predict", X)
	if err != nil {
		return nil, err
	}
	nSamples, _ := scores.Dims()
	predictions := mat.NewDense(nSamples, 1, nil)
	for i := 0; i < nSamples; i++ {
		if lr.nClasses_ == 2 {
			class := lr.classes_[0]
			if sigmoid(scores.At(i, 0)) >= 0.5 {
				class = lr.classes_[1]
			}
			predictions.Set(i, 0, float64(class))
			continue
		}
		predictions.Set(i, 0, float64(lr.classes_[floats.MaxIdx(scores.RawRowView(i))]))
	}
	return predictions, nil
}

// PredictProba returns probability estimates for each class
func (lr *LogisticRegression) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	scores, err := lr.decision("PredictProba", X)
	if err != nil {
		return nil, err
	}
	nSamples, _ := scores.Dims()
	probas := mat.NewDense(nSamples, lr.nClasses_, nil)
	for i := 0; i < nSamples; i++ {
		if lr.nClasses_ == 2 {
			p1 := sigmoid(scores.At(i, 0))
			probas.Set(i, 0, 1-p1)
			probas.Set(i, 1, p1)
			continue
		}
		// Multiclass using softmax
		s := probas.RawRowView(i)
		copy(s, scores.RawRowView(i))
		maxScore := floats.Max(s)
		for k := range s {
			s[k] = math.Exp(s[k] - maxScore)
		}
		floats.Scale(1/floats.Sum(s), s)
	}
	return probas, nil
}

// Score returns the mean accuracy on the given test data and labels
func (lr *LogisticRegression) Score(X, y mat.Matrix) float64 {
	predictions, err := lr.Predict(X)
	if err != nil {
		return 0.0
	}
	nSamples, _ := X.Dims()
	correct := 0
	for i := 0; i < nSamples; i++ {
		if predictions.At(i, 0) == y.At(i, 0) {
			correct++
		}
	}
	return float64(correct) / float64(nSamples)
}

// FeatureImportances returns |coef| summed over the weight rows, normalised
// to sum to 1. Coefficients live on the standardized scale when the model
// standardizes, which makes them comparable across features.
func (lr *LogisticRegression) FeatureImportances() []float64 {
	if !lr.state.IsFitted() {
		return nil
	}
	imp := make([]float64, lr.nFeatures_)
	for _, w := range lr.coef_ {
		for j, v := range w {
			imp[j] += math.Abs(v)
		}
	}
	if total := floats.Sum(imp); total > 0 {
		floats.Scale(1/total, imp)
	}
	return imp
}

// GetParams returns the model hyperparameters
func (lr *LogisticRegression) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"penalty":       lr.penalty,
		"C":             lr.C,
		"fit_intercept": lr.fitIntercept,
		"random_state":  lr.randomState,
		"max_iter":      lr.maxIter,
		"tol":           lr.tol,
		"standardize":   lr.standardize,
	}
}

// SetParams sets the model hyperparameters
func (lr *LogisticRegression) SetParams(params map[string]interface{}) error {
	p := model.Params(params)
	next := *lr
	var err error
	for _, key := range p.Keys() {
		switch key {
		case "penalty":
			next.penalty, err = p.GetString(key, next.penalty)
		case "C":
			next.C, err = p.GetFloat(key, next.C)
		case "fit_intercept":
			next.fitIntercept, err = p.GetBool(key, next.fitIntercept)
		case "random_state":
			var seed int
			seed, err = p.GetInt(key, int(next.randomState))
			next.randomState = int64(seed)
		case "max_iter":
			next.maxIter, err = p.GetInt(key, next.maxIter)
		case "tol":
			next.tol, err = p.GetFloat(key, next.tol)
		case "standardize":
			next.standardize, err = p.GetBool(key, next.standardize)
		default:
			return errors.NewConfigurationError("LogisticRegression.SetParams", key, "unknown hyperparameter", params[key])
		}
		if err != nil {
			return err
		}
	}
	*lr = next
	return nil
}

// sigmoid computes the sigmoid function
func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

var (
	_ model.ProbabilisticClassifier = (*LogisticRegression)(nil)
	_ model.FeatureImportancer      = (*LogisticRegression)(nil)
)
