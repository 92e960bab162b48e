package optim

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/metaboptim/core/model"
	"github.com/YuminosukeSato/metaboptim/ledger"
	"github.com/YuminosukeSato/metaboptim/pkg/errors"
	"github.com/YuminosukeSato/metaboptim/pkg/log"
)

func TestDistribute(t *testing.T) {
	tests := []struct {
		n, workers int
		want       []int
	}{
		{10, 3, []int{4, 3, 3}},
		{9, 3, []int{3, 3, 3}},
		{2, 4, []int{1, 1, 0, 0}},
		{0, 2, []int{0, 0}},
		{7, 1, []int{7}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Distribute(tt.n, tt.workers), "Distribute(%d, %d)", tt.n, tt.workers)
	}
}

func TestNewCoordinatorValidation(t *testing.T) {
	_, err := NewCoordinator(WithWorkers(0))
	var cfgErr *errors.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))

	_, err = NewCoordinator(WithWorkers(-2))
	assert.Error(t, err)

	_, err = NewCoordinator(WithPollInterval(0))
	assert.Error(t, err)

	c, err := NewCoordinator(WithWorkers(-1))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, c.Workers(), 1)
	assert.Equal(t, StateCreated, c.State())
}

func inProcessCoordinator(t *testing.T, dir string, workers int, extra ...CoordinatorOption) *Coordinator {
	t.Helper()
	opts := append([]CoordinatorOption{
		WithWorkers(workers),
		WithLauncher(NewInProcessLauncher(nil)),
		WithLedgerDir(dir),
		WithSearchSeed(1),
	}, extra...)
	c, err := NewCoordinator(opts...)
	require.NoError(t, err)
	return c
}

func TestCoordinatorZeroTrials(t *testing.T) {
	dir := t.TempDir()
	c := inProcessCoordinator(t, dir, 2)

	res, err := c.Run(context.Background(), Job{ModelName: thresholdModel, Splits: testSplits(t, 2), Space: shiftSpace()}, 0, RunOptions{})
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Empty(t, res.Params)
	assert.Zero(t, res.Completed)
	assert.Equal(t, StateCompleted, res.Outcome)
	assert.Equal(t, StateTornDown, c.State())
	assertDirEmpty(t, dir)
}

func TestCoordinatorFindsBestTrial(t *testing.T) {
	dir := t.TempDir()
	c := inProcessCoordinator(t, dir, 3, WithPollInterval(10*time.Millisecond))

	var (
		mu      sync.Mutex
		reports []int
	)
	progress := func(completed, total int) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 7, total)
		reports = append(reports, completed)
	}

	job := Job{ModelName: thresholdModel, Splits: testSplits(t, 3), Space: shiftSpace()}
	res, err := c.Run(context.Background(), job, 7, RunOptions{Progress: progress})
	require.NoError(t, err)

	assert.True(t, res.Found)
	assert.Equal(t, 7, res.Completed)
	assert.InDelta(t, 1.0, res.Value, 1e-12)
	shift, ok := res.Params["shift"].(float64)
	require.True(t, ok, "shift decodes to float64")
	assert.GreaterOrEqual(t, shift, -0.05)
	assert.LessOrEqual(t, shift, 0.05)

	mu.Lock()
	require.NotEmpty(t, reports)
	assert.Equal(t, 7, reports[len(reports)-1], "final report covers every trial")
	mu.Unlock()

	assertDirEmpty(t, dir)
}

func TestCoordinatorAllTrialsFail(t *testing.T) {
	dir := t.TempDir()
	c := inProcessCoordinator(t, dir, 2)

	failing := func(model.Params) (model.Classifier, error) {
		return nil, errors.New("model cannot be built")
	}
	job := Job{ModelName: "failing", Factory: failing, Splits: testSplits(t, 2), Space: shiftSpace()}
	res, err := c.Run(context.Background(), job, 4, RunOptions{})
	require.NoError(t, err, "trial failures never reach the caller")
	assert.False(t, res.Found)
	assert.Zero(t, res.Completed)
	assertDirEmpty(t, dir)
}

func TestCoordinatorTimeout(t *testing.T) {
	dir := t.TempDir()
	c := inProcessCoordinator(t, dir, 2)

	slow := func(p model.Params) (model.Classifier, error) {
		m, err := newThresholdClassifier(p)
		if err != nil {
			return nil, err
		}
		m.(*thresholdClassifier).delay = 20 * time.Millisecond
		return m, nil
	}
	job := Job{ModelName: "slow", Factory: slow, Splits: testSplits(t, 2), Space: shiftSpace()}

	start := time.Now()
	res, err := c.Run(context.Background(), job, 1000, RunOptions{Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, StateTimedOut, res.Outcome)
	assert.Less(t, res.Completed, 1000)
	assertDirEmpty(t, dir)
}

func TestCoordinatorRejectsBadJobs(t *testing.T) {
	c := inProcessCoordinator(t, t.TempDir(), 1)
	ctx := context.Background()

	_, err := c.Run(ctx, Job{ModelName: thresholdModel, Splits: testSplits(t, 1), Space: shiftSpace()}, -1, RunOptions{})
	assert.Error(t, err)

	_, err = c.Run(ctx, Job{ModelName: thresholdModel, Space: shiftSpace()}, 1, RunOptions{})
	assert.Error(t, err)

	_, err = c.Run(ctx, Job{ModelName: "not_registered", Splits: testSplits(t, 1), Space: shiftSpace()}, 1, RunOptions{})
	assert.True(t, errors.Is(err, errors.ErrUnknownModel))
}

// idleWorker runs no trials and exits only when killed.
type idleWorker struct {
	done   chan struct{}
	once   sync.Once
	killed atomic.Bool
	waited atomic.Bool
}

func newIdleWorker() *idleWorker { return &idleWorker{done: make(chan struct{})} }

func (w *idleWorker) Kill() error {
	w.killed.Store(true)
	w.once.Do(func() { close(w.done) })
	return nil
}

func (w *idleWorker) Wait() error {
	<-w.done
	w.waited.Store(true)
	return nil
}

// secondLaunchFails starts one idle worker, then refuses every later launch.
type secondLaunchFails struct {
	mu      sync.Mutex
	started []*idleWorker
}

var errNoSlot = errors.New("no worker slot")

func (l *secondLaunchFails) Launch(_ context.Context, _ Assignment) (Worker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.started) > 0 {
		return nil, errNoSlot
	}
	w := newIdleWorker()
	l.started = append(l.started, w)
	return w, nil
}

func TestCoordinatorLaunchFailureTearsDownStartedWorkers(t *testing.T) {
	dir := t.TempDir()
	launcher := &secondLaunchFails{}
	c, err := NewCoordinator(WithWorkers(2), WithLauncher(launcher), WithLedgerDir(dir))
	require.NoError(t, err)

	job := Job{ModelName: thresholdModel, Splits: testSplits(t, 2), Space: shiftSpace()}
	res, err := c.Run(context.Background(), job, 4, RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errNoSlot)
	assert.Contains(t, err.Error(), "launch worker 1")
	assert.Equal(t, StateFailed, res.Outcome)
	assert.False(t, res.Found)

	require.Len(t, launcher.started, 1)
	first := launcher.started[0]
	assert.True(t, first.killed.Load(), "first worker killed")
	assert.True(t, first.waited.Load(), "first worker reaped")

	assert.Equal(t, StateTornDown, c.State())
	assertDirEmpty(t, dir)
}

func TestCoordinatorLedgerRemovalFailureIsAWarning(t *testing.T) {
	dir := t.TempDir()
	logger, _ := log.NewTestLogger(log.LevelDebug)
	c := inProcessCoordinator(t, dir, 2, WithCoordinatorLogger(logger))

	busy := errors.New("device busy")
	c.removeLedger = func(l *ledger.Ledger) error {
		require.NoError(t, l.Remove())
		return busy
	}

	var warnings []error
	errors.SetZerologWarnFunc(func(w error) { warnings = append(warnings, w) })
	defer errors.SetZerologWarnFunc(nil)

	job := Job{ModelName: thresholdModel, Splits: testSplits(t, 2), Space: shiftSpace()}
	res, err := c.Run(context.Background(), job, 4, RunOptions{})
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, 4, res.Completed)
	assert.Equal(t, StateCompleted, res.Outcome)
	assert.Equal(t, StateTornDown, c.State())

	require.Len(t, warnings, 1)
	var tw *errors.TeardownWarning
	require.True(t, errors.As(warnings[0], &tw), "got %T", warnings[0])
	assert.ErrorIs(t, tw, busy)
	assert.Equal(t, dir, filepath.Dir(tw.Resource))
	assert.True(t, logger.ContainsMessage("ledger removal failed"))

	assertDirEmpty(t, dir)
}

func TestCoordinatorWorkerProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}
	dir, jobDir := t.TempDir(), t.TempDir()
	c, err := NewCoordinator(
		WithWorkers(2),
		WithLauncher(&ProcessLauncher{JobDir: jobDir, Stderr: io.Discard}),
		WithLedgerDir(dir),
		WithSearchSeed(3),
		WithWorkerLogLevel("warn"),
	)
	require.NoError(t, err)

	job := Job{ModelName: thresholdModel, Splits: testSplits(t, 2), Space: shiftSpace()}
	res, err := c.Run(context.Background(), job, 4, RunOptions{Timeout: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.Outcome)
	assert.True(t, res.Found)
	assert.Equal(t, 4, res.Completed)
	assert.InDelta(t, 1.0, res.Value, 1e-12)

	assertDirEmpty(t, dir)
	assertDirEmpty(t, jobDir)
}

func TestProcessLauncherNeedsRegisteredModel(t *testing.T) {
	l := &ProcessLauncher{JobDir: t.TempDir()}
	_, err := l.Launch(context.Background(), Assignment{Job: Job{ModelName: "not_registered"}})
	assert.True(t, errors.Is(err, errors.ErrUnknownModel))
}
