// Package log defines standard attribute keys for search and model operations.
//
// Using these keys keeps records from the parent process and from worker
// processes joinable: every record about one search carries StudyKey, every
// record about one trial carries TrialKey.
//
// The keys follow a hierarchical naming convention (e.g. "search.study",
// "data.samples") to enable structured filtering.

package log

// Model and Operation Context
const (
	// ModelNameKey identifies the registered model being tuned or fitted.
	// Examples: "random_forest", "decision_tree", "logistic_regression"
	ModelNameKey = "model.name"

	// OperationKey specifies the operation being performed.
	// Standard values: "fit", "predict", "score", "optimize", "split"
	OperationKey = "ml.operation"

	// ComponentKey identifies which component is performing the operation.
	// Examples: "coordinator", "evaluator", "splitter", "pipeline"
	ComponentKey = "ml.component"

	// HyperParamsKey contains a concrete hyperparameter assignment.
	HyperParamsKey = "model.hyperparams"
)

// Data Shape and Characteristics
const (
	// SamplesKey indicates the number of samples (rows) in the dataset.
	SamplesKey = "data.samples"

	// FeaturesKey indicates the number of features (columns) in the dataset.
	FeaturesKey = "data.features"

	// ClassesKey indicates the number of distinct labels.
	ClassesKey = "data.classes"

	// GroupsKey indicates the number of pairing groups.
	GroupsKey = "data.groups"

	// PathKey records an input file.
	PathKey = "data.path"
)

// Search Context
// These attributes describe the distributed hyperparameter search.
const (
	// StudyKey is the unique name of the study in the search ledger.
	StudyKey = "search.study"

	// LedgerPathKey is the file backing the search ledger.
	LedgerPathKey = "search.ledger"

	// TrialKey is the trial number assigned by the ledger.
	TrialKey = "search.trial"

	// TrialsKey is a requested or observed trial count.
	TrialsKey = "search.trials"

	// CompletedKey is the number of completed trials.
	CompletedKey = "search.completed"

	// StateKey is the coordinator lifecycle state.
	StateKey = "search.state"

	// SplitKey is the index of a cross-validation split.
	SplitKey = "search.split"

	// ScoreKey is a single balanced-accuracy score.
	ScoreKey = "search.score"

	// ScoresKey is the per-split score vector of a trial.
	ScoresKey = "search.scores"

	// ObjectiveKey is the trial objective value (mean minus std).
	ObjectiveKey = "search.objective"

	// TimeoutKey is the search deadline.
	TimeoutKey = "search.timeout"
)

// Performance Metrics
const (
	// DurationMsKey records the execution time of an operation in milliseconds.
	DurationMsKey = "perf.duration_ms"

	// AccuracyKey records balanced accuracy for evaluation operations.
	AccuracyKey = "metrics.balanced_accuracy"
)

// Error Context
const (
	// ErrorTypeKey categorizes the type of error encountered.
	ErrorTypeKey = "error.type"
)

// Infrastructure and Environment
const (
	// ProcessIDKey records the process ID for the operation.
	ProcessIDKey = "infra.pid"

	// WorkerIDKey identifies a search worker.
	WorkerIDKey = "infra.worker_id"

	// WorkersKey is the number of search workers.
	WorkersKey = "infra.workers"

	// RandomSeedKey records the random seed for reproducibility.
	RandomSeedKey = "config.random_seed"
)

// Standard attribute value constants.
const (
	OperationFit      = "fit"
	OperationPredict  = "predict"
	OperationScore    = "score"
	OperationOptimize = "optimize"
	OperationSplit    = "split"
)
