package optim

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/YuminosukeSato/metaboptim/core/model"
	"github.com/YuminosukeSato/metaboptim/pkg/errors"
	"github.com/YuminosukeSato/metaboptim/pkg/log"
)

// WorkerJobEnv names the environment variable that turns a process into a
// search worker. It holds the path of the gob-encoded Assignment.
const WorkerJobEnv = "METABOPTIM_WORKER_JOB"

// ProcessLauncher runs every worker as a child process re-executing the
// current binary. The binary must call RunWorkerIfRequested at the start of
// main (or TestMain), and the model must be registered by name at init time.
type ProcessLauncher struct {
	// Executable defaults to os.Executable().
	Executable string
	// JobDir holds the assignment files; defaults to os.TempDir().
	JobDir string
	// Stderr receives the workers' JSON logs; defaults to os.Stderr.
	Stderr io.Writer
}

// Launch writes the assignment to a job file and starts a child process.
func (l *ProcessLauncher) Launch(ctx context.Context, a Assignment) (Worker, error) {
	if _, err := model.Lookup(a.ModelName); err != nil {
		return nil, errors.Wrap(err, "process workers resolve models by name")
	}

	exe := l.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, errors.Wrap(err, "metaboptim: locate worker executable")
		}
	}
	dir := l.JobDir
	if dir == "" {
		dir = os.TempDir()
	}
	jobPath := filepath.Join(dir, fmt.Sprintf("metaboptim-job-%d-%s.gob", a.WorkerID, uuid.NewString()))
	if err := model.SaveGob(jobPath, &a); err != nil {
		return nil, errors.Wrap(err, "metaboptim: write worker job")
	}

	stderr := l.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), WorkerJobEnv+"="+jobPath)
	cmd.Stdout = stderr
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		_ = os.Remove(jobPath)
		return nil, errors.Wrap(err, "metaboptim: start worker process")
	}
	return &processWorker{cmd: cmd, jobPath: jobPath}, nil
}

type processWorker struct {
	cmd     *exec.Cmd
	jobPath string
	once    sync.Once
	err     error
}

func (w *processWorker) Wait() error {
	w.once.Do(func() {
		w.err = w.cmd.Wait()
		if rerr := os.Remove(w.jobPath); rerr != nil && !os.IsNotExist(rerr) {
			errors.Warn(errors.NewTeardownWarning(w.jobPath, rerr))
		}
	})
	return w.err
}

func (w *processWorker) Kill() error {
	if w.cmd.Process == nil {
		return nil
	}
	if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrap(err, "metaboptim: kill worker")
	}
	return nil
}

// RunWorkerIfRequested runs the worker loop and exits when the process was
// started by a ProcessLauncher. Otherwise it returns immediately.
func RunWorkerIfRequested() {
	path := os.Getenv(WorkerJobEnv)
	if path == "" {
		return
	}
	os.Exit(runWorkerProcess(path, os.Stderr))
}

func runWorkerProcess(path string, stderr io.Writer) int {
	var a Assignment
	if err := model.LoadGob(path, &a); err != nil {
		fmt.Fprintf(stderr, "metaboptim worker: %v\n", err)
		return 2
	}

	level, err := log.ParseLevel(a.LogLevel)
	if err != nil {
		level = log.LevelInfo
	}
	logger := log.NewWorkerLogger(stderr, level)
	log.InstallWarnHook(zerolog.New(stderr).With().Timestamp().Int(log.ProcessIDKey, os.Getpid()).Logger())

	factory, err := a.factory()
	if err != nil {
		logger.Error("worker cannot resolve model", err, log.ModelNameKey, a.ModelName)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := errors.SafeExecute("optim.worker", func() error {
		return runWorker(ctx, a, factory, logger)
	}); err != nil {
		logger.Error("worker failed", err)
		return 1
	}
	return 0
}
