package optim

import (
	"context"
	"sync"

	"github.com/c-bata/goptuna/tpe"

	"github.com/YuminosukeSato/metaboptim/core/model"
	"github.com/YuminosukeSato/metaboptim/ledger"
	"github.com/YuminosukeSato/metaboptim/pkg/errors"
	"github.com/YuminosukeSato/metaboptim/pkg/log"
	"github.com/YuminosukeSato/metaboptim/split"
)

// Job is what every worker of one search evaluates.
type Job struct {
	// ModelName is the registry name of the model. Worker processes resolve
	// the factory through it.
	ModelName string

	// Factory overrides the registry lookup for in-process workers. It is
	// not sent to worker processes.
	Factory model.Factory

	Splits []*split.Split
	Space  Space
}

func (j Job) factory() (model.Factory, error) {
	if j.Factory != nil {
		return j.Factory, nil
	}
	return model.Lookup(j.ModelName)
}

// Assignment is one worker's share of a search.
type Assignment struct {
	Job

	LedgerPath string
	Study      string
	WorkerID   int
	Trials     int
	Seed       int64
	LogLevel   string
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, a Assignment) (Worker, error)
}

// Worker is a running search worker.
type Worker interface {
	// Wait blocks until the worker exits. It may be called more than once.
	Wait() error
	// Kill stops the worker without waiting for its current trial.
	Kill() error
}

// runWorker is the worker loop shared by both launchers: attach to the
// ledger, then run the assigned trials one at a time. A failed trial is
// logged and the loop moves on.
func runWorker(ctx context.Context, a Assignment, factory model.Factory, logger log.Logger) error {
	logger = logger.With(log.WorkerIDKey, a.WorkerID, log.StudyKey, a.Study)

	led, err := ledger.Open(a.LedgerPath, a.Study, logger)
	if err != nil {
		return err
	}
	defer led.Close()

	study, err := led.LoadStudy(tpe.NewSampler(tpe.SamplerOptionSeed(a.Seed)), logger)
	if err != nil {
		return err
	}
	eval, err := NewEvaluator(factory, a.Splits, a.Space, logger)
	if err != nil {
		return err
	}
	objective := eval.Objective(ctx)

	logger.Debug("worker started", log.TrialsKey, a.Trials)
	failed := 0
	for i := 0; i < a.Trials; i++ {
		if ctx.Err() != nil {
			logger.Info("worker stopped", log.CompletedKey, i-failed)
			return nil
		}
		if err := study.Optimize(objective, 1); err != nil {
			failed++
			logger.Warn("trial failed", err)
		}
	}
	logger.Debug("worker finished", log.TrialsKey, a.Trials, "failed", failed)
	return nil
}

// InProcessLauncher runs workers as goroutines. Cancellation is cooperative:
// a killed worker stops at the next split or trial boundary.
type InProcessLauncher struct {
	Logger log.Logger
}

// NewInProcessLauncher returns a goroutine launcher.
func NewInProcessLauncher(logger log.Logger) *InProcessLauncher {
	if logger == nil {
		logger = log.Nop()
	}
	return &InProcessLauncher{Logger: logger}
}

// Launch starts a goroutine worker.
func (l *InProcessLauncher) Launch(ctx context.Context, a Assignment) (Worker, error) {
	factory, err := a.factory()
	if err != nil {
		return nil, err
	}
	logger := l.Logger
	if logger == nil {
		logger = log.Nop()
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &goroutineWorker{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		w.err = errors.SafeExecute("optim.worker", func() error {
			return runWorker(ctx, a, factory, logger)
		})
	}()
	return w, nil
}

type goroutineWorker struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	once   sync.Once
}

func (w *goroutineWorker) Wait() error {
	<-w.done
	w.once.Do(w.cancel)
	return w.err
}

func (w *goroutineWorker) Kill() error {
	w.cancel()
	return nil
}
