package optim

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/YuminosukeSato/metaboptim/core/model"
	"github.com/YuminosukeSato/metaboptim/ledger"
	"github.com/YuminosukeSato/metaboptim/pkg/errors"
	"github.com/YuminosukeSato/metaboptim/pkg/log"
)

// DefaultPollInterval is how often progress is read from the ledger.
const DefaultPollInterval = 5 * time.Second

// State is the lifecycle state of a search.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateTimedOut
	StateFailed
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	case StateTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}

// Result is the outcome of a search. Found is false when no trial
// completed; callers then fall back to default hyperparameters.
type Result struct {
	Params    model.Params
	Value     float64
	Trial     int
	Found     bool
	Completed int
	// Outcome is the terminal state reached before teardown: completed,
	// timed_out or failed.
	Outcome State
}

// ProgressFunc receives the number of completed trials out of the budget.
type ProgressFunc func(completed, total int)

// RunOptions bound one search.
type RunOptions struct {
	// Timeout is the overall deadline; zero means none.
	Timeout  time.Duration
	Progress ProgressFunc
}

// Coordinator runs one search at a time over a fresh ledger.
type Coordinator struct {
	workers      int
	launcher     Launcher
	ledgerDir    string
	pollInterval time.Duration
	seed         int64
	logLevel     string
	logger       log.Logger
	removeLedger func(*ledger.Ledger) error

	mu    sync.Mutex
	state State
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithWorkers sets the number of workers; -1 uses every CPU.
func WithWorkers(n int) CoordinatorOption {
	return func(c *Coordinator) { c.workers = n }
}

// WithLauncher sets how workers are started. The default runs them as child
// processes.
func WithLauncher(l Launcher) CoordinatorOption {
	return func(c *Coordinator) { c.launcher = l }
}

// WithLedgerDir sets the directory for ledger files.
func WithLedgerDir(dir string) CoordinatorOption {
	return func(c *Coordinator) { c.ledgerDir = dir }
}

// WithPollInterval sets the progress polling interval.
func WithPollInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.pollInterval = d }
}

// WithSearchSeed seeds the per-worker samplers. Worker i uses seed+i.
func WithSearchSeed(seed int64) CoordinatorOption {
	return func(c *Coordinator) { c.seed = seed }
}

// WithWorkerLogLevel sets the log level of worker processes.
func WithWorkerLogLevel(level string) CoordinatorOption {
	return func(c *Coordinator) { c.logLevel = level }
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(l log.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator validates the options and returns a Coordinator.
func NewCoordinator(opts ...CoordinatorOption) (*Coordinator, error) {
	c := &Coordinator{
		workers:      -1,
		pollInterval: DefaultPollInterval,
		seed:         time.Now().UnixNano(),
		logLevel:     "info",
		logger:       log.Nop(),
		removeLedger: (*ledger.Ledger).Remove,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.workers == 0 || c.workers < -1 {
		return nil, errors.NewConfigurationError("NewCoordinator", "workers", "must be >= 1 or -1 for all CPUs", c.workers)
	}
	if c.pollInterval <= 0 {
		return nil, errors.NewConfigurationError("NewCoordinator", "poll_interval", "must be positive", c.pollInterval)
	}
	if c.launcher == nil {
		c.launcher = &ProcessLauncher{}
	}
	return c, nil
}

// Workers returns the effective worker count.
func (c *Coordinator) Workers() int {
	if c.workers == -1 {
		return runtime.NumCPU()
	}
	return c.workers
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.logger.Debug("search state", log.StateKey, s.String())
}

// Distribute splits n trials over workers as evenly as possible, giving
// the remainder to the first workers: Distribute(10, 3) is [4 3 3].
func Distribute(n, workers int) []int {
	shares := make([]int, workers)
	if workers <= 0 {
		return shares
	}
	base, rem := n/workers, n%workers
	for i := range shares {
		shares[i] = base
		if i < rem {
			shares[i]++
		}
	}
	return shares
}

// Run searches job with a budget of n trials. Setup failures are returned;
// failing trials are not. When no trial completes the Result is empty and
// the error is nil. The ledger is always removed before Run returns.
func (c *Coordinator) Run(ctx context.Context, job Job, n int, opts RunOptions) (res Result, err error) {
	c.setState(StateCreated)
	if n < 0 {
		return Result{}, errors.NewConfigurationError("Coordinator.Run", "n", "trial budget must be >= 0", n)
	}
	if len(job.Splits) == 0 {
		return Result{}, errors.NewConfigurationError("Coordinator.Run", "splits", "at least one split is required", 0)
	}
	if err := job.Space.Validate(); err != nil {
		return Result{}, err
	}
	if _, err := job.factory(); err != nil {
		return Result{}, err
	}

	led, err := ledger.Create(ctx, c.ledgerDir, c.logger)
	if err != nil {
		c.setState(StateFailed)
		return Result{}, err
	}
	logger := c.logger.With(log.StudyKey, led.Study())

	var running []Worker
	defer func() {
		c.teardown(led, running, logger)
		res.Outcome = c.outcome(res.Outcome, err)
		c.setState(StateTornDown)
	}()

	c.setState(StateRunning)
	shares := Distribute(n, c.Workers())
	logger.Info("search started",
		log.TrialsKey, n,
		log.WorkersKey, len(shares),
		log.TimeoutKey, opts.Timeout.String(),
	)
	for i, share := range shares {
		if share == 0 {
			continue
		}
		w, err := c.launcher.Launch(ctx, Assignment{
			Job:        job,
			LedgerPath: led.Path(),
			Study:      led.Study(),
			WorkerID:   i,
			Trials:     share,
			Seed:       c.seed + int64(i),
			LogLevel:   c.logLevel,
		})
		if err != nil {
			c.setState(StateFailed)
			return Result{Outcome: StateFailed}, errors.Wrapf(err, "metaboptim: launch worker %d", i)
		}
		running = append(running, w)
	}

	outcome := c.await(ctx, led, running, n, opts, logger)
	c.setState(outcome)

	trials, err := led.Trials()
	if err != nil {
		c.setState(StateFailed)
		return Result{Outcome: StateFailed}, err
	}
	res = Result{Outcome: outcome}
	for _, t := range trials {
		if t.State == ledger.StateComplete {
			res.Completed++
		}
	}
	best, ok := ledger.SelectBest(trials)
	if !ok {
		logger.Warn("no trial completed", log.StateKey, outcome.String())
		return res, nil
	}
	params, err := job.Space.Decode(best.Params)
	if err != nil {
		c.setState(StateFailed)
		return Result{Outcome: StateFailed}, err
	}
	res.Params, res.Value, res.Trial, res.Found = params, best.Value, best.Number, true

	logger.Info("search finished",
		log.StateKey, outcome.String(),
		log.CompletedKey, res.Completed,
		log.TrialKey, best.Number,
		log.ObjectiveKey, best.Value,
		log.HyperParamsKey, params.String(),
	)
	return res, nil
}

// await blocks until every worker exits, the timeout expires or ctx is
// cancelled. Workers still alive at the deadline are killed.
func (c *Coordinator) await(ctx context.Context, led *ledger.Ledger, workers []Worker, n int, opts RunOptions, logger log.Logger) State {
	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i, w := range workers {
			if err := w.Wait(); err != nil {
				logger.Warn("worker exited with error", err, log.WorkerIDKey, i)
			}
		}
	}()

	stopPoll := make(chan struct{})
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		if opts.Progress == nil {
			return
		}
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPoll:
				return
			case <-ticker.C:
				// the ledger may be mid-write; try again next tick
				if completed, err := led.CountCompleted(); err == nil {
					opts.Progress(completed, n)
				}
			}
		}
	}()

	state := StateCompleted
	select {
	case <-done:
	case <-runCtx.Done():
		state = StateTimedOut
		logger.Warn("search deadline reached, killing workers", runCtx.Err())
		for _, w := range workers {
			if err := w.Kill(); err != nil {
				logger.Warn("kill worker", err)
			}
		}
		<-done
	}
	close(stopPoll)
	<-pollDone

	if opts.Progress != nil {
		if completed, err := led.CountCompleted(); err == nil {
			opts.Progress(completed, n)
		}
	}
	return state
}

// teardown kills and reaps every worker and deletes the ledger. Failures
// are reported as warnings.
func (c *Coordinator) teardown(led *ledger.Ledger, workers []Worker, logger log.Logger) {
	for _, w := range workers {
		_ = w.Kill()
	}
	for _, w := range workers {
		_ = w.Wait()
	}
	if err := c.removeLedger(led); err != nil {
		warning := errors.NewTeardownWarning(led.Path(), err)
		errors.Warn(warning)
		logger.Warn("ledger removal failed", warning, log.LedgerPathKey, led.Path())
	}
}

func (c *Coordinator) outcome(current State, err error) State {
	if err != nil {
		return StateFailed
	}
	return current
}
