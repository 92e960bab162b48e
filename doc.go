// Package metaboptim evaluates classifiers on metabolomics datasets with
// cross-validated hyperparameter search.
//
// The search is Bayesian (TPE) and runs in several worker processes that
// share one SQLite study file. Every trial scores a candidate on K
// stratified, optionally paired, train/validation splits and is ranked by
// mean balanced accuracy minus its standard deviation.
//
// # Quick Start
//
// Tune a decision tree and refit it on every row:
//
//	package main
//
//	import (
//	    "context"
//	    "fmt"
//	    "log"
//
//	    "github.com/YuminosukeSato/metaboptim/optim"
//	    "github.com/YuminosukeSato/metaboptim/sklearn/tree"
//	    "gonum.org/v1/gonum/mat"
//	)
//
//	func main() {
//	    // Worker processes re-execute this binary.
//	    optim.RunWorkerIfRequested()
//
//	    space := optim.Space{
//	        "max_depth":        optim.IntRange(2, 10),
//	        "min_samples_leaf": optim.IntRange(1, 5),
//	    }
//	    opt, err := optim.NewOptimizer(tree.ModelName, 50, 5, space)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    X := mat.NewDense(len(y), 2, values)
//	    if err := opt.Fit(context.Background(), X, y); err != nil {
//	        log.Fatal(err)
//	    }
//	    fmt.Println(opt.Result().Params, opt.Result().Value)
//	}
//
// # Packages
//
//   - optim: parameter spaces, trial evaluation, the search coordinator and the Optimizer facade
//   - split: stratified and paired splitting with imbalance correction
//   - ledger: the shared SQLite study behind a search
//   - data: CSV loading, metadata join and condition pairs
//   - preprocessing: class-median imputation and standard scaling
//   - sklearn/tree, sklearn/ensemble, sklearn/linear_model, sklearn/scm: reference classifiers
//   - metrics: confusion matrix and balanced accuracy
//   - results: confusion, feature importance and performance aggregation
//   - pipeline: outer splits × models, producing a JSON report
//   - config: viper configuration for the metaboptim command
//   - core/model, core/parallel: shared interfaces, registry and worker pools
//   - pkg/errors, pkg/log: error taxonomy and structured logging
//
// # Command
//
//	metaboptim run --config metaboptim.yaml --output report.json
package metaboptim
