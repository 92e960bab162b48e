// Package ledger is the shared, persistent record of one hyperparameter
// search. A ledger is a SQLite file holding a single goptuna study; every
// search worker attaches to it through its own connection, and the
// coordinator reads it for progress and for the final best trial.
//
// The file runs in WAL mode with a busy timeout, so independent processes
// can append trials concurrently while readers only ever see committed rows.
package ledger

import (
	"context"
	"database/sql"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/c-bata/goptuna"
	rdb "github.com/c-bata/goptuna/rdb.v2"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"

	"github.com/YuminosukeSato/metaboptim/pkg/errors"
	"github.com/YuminosukeSato/metaboptim/pkg/log"
)

const (
	// ParamAttrPrefix prefixes the trial user attributes that carry the
	// encoded hyperparameter assignment.
	ParamAttrPrefix = "param:"

	// ScoresAttr is the trial user attribute carrying the per-split scores.
	ScoresAttr = "scores"

	filePrefix = "metaboptim-"
	fileSuffix = ".db"
)

// sidecar files that SQLite creates next to a WAL-mode database
var sidecars = []string{"-wal", "-shm", "-journal"}

// State is the completion state of a recorded trial.
type State string

const (
	StatePending  State = "pending"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

// Trial is a read-only view of one recorded trial.
type Trial struct {
	Number int
	State  State
	Value  float64
	Params map[string]string
	Attrs  map[string]string
}

// ParamAttr returns the user attribute key for a parameter.
func ParamAttr(name string) string { return ParamAttrPrefix + name }

// Ledger is a handle on one study file. Each process (or in-process worker)
// opens its own handle; a Ledger is not shared between goroutines that write.
type Ledger struct {
	path    string
	study   string
	db      *gorm.DB
	sqlDB   *sql.DB
	storage *rdb.Storage
	logger  log.Logger
}

// Create makes a new, uniquely named ledger file in dir and creates its
// study with a maximize direction.
func Create(ctx context.Context, dir string, logger log.Logger) (*Ledger, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "metaboptim: ledger: create directory %s", dir)
	}

	name := filePrefix + uuid.NewString()
	path := filepath.Join(dir, name+fileSuffix)

	l, err := open(path, name, logger)
	if err != nil {
		return nil, err
	}
	if err := rdb.RunAutoMigrate(l.db.WithContext(ctx)); err != nil {
		_ = l.Remove()
		return nil, errors.Wrap(err, "metaboptim: ledger: migrate schema")
	}
	if _, err := goptuna.CreateStudy(name,
		goptuna.StudyOptionStorage(l.storage),
		goptuna.StudyOptionDirection(goptuna.StudyDirectionMaximize),
		goptuna.StudyOptionLogger(l.logger),
	); err != nil {
		_ = l.Remove()
		return nil, errors.Wrap(err, "metaboptim: ledger: create study")
	}

	logger.Debug("ledger created", log.StudyKey, name, log.LedgerPathKey, path)
	return l, nil
}

// Open attaches to an existing ledger file.
func Open(path, study string, logger log.Logger) (*Ledger, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "metaboptim: ledger: open %s", path)
	}
	return open(path, study, logger)
}

func open(path, study string, logger log.Logger) (*Ledger, error) {
	// write transactions take the lock up front so concurrent workers queue on
	// busy_timeout instead of failing a read-to-write upgrade
	dsn := path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(wal)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "metaboptim: ledger: open %s", path)
	}
	// one connection per handle; writers from other handles wait on busy_timeout
	sqlDB.SetMaxOpenConns(1)

	db, err := gorm.Open(sqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: newGormLogger(logger),
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrapf(err, "metaboptim: ledger: open %s", path)
	}
	return &Ledger{
		path:    path,
		study:   study,
		db:      db,
		sqlDB:   sqlDB,
		storage: rdb.NewStorage(db),
		logger:  logger.With(log.StudyKey, study),
	}, nil
}

// Path returns the backing file.
func (l *Ledger) Path() string { return l.path }

// Study returns the unique study name.
func (l *Ledger) Study() string { return l.study }

// Storage exposes the goptuna storage backed by this handle.
func (l *Ledger) Storage() goptuna.Storage { return l.storage }

// LoadStudy attaches a goptuna study to this ledger with the given sampler.
// A nil logger falls back to the ledger's own.
func (l *Ledger) LoadStudy(sampler goptuna.Sampler, logger goptuna.Logger) (*goptuna.Study, error) {
	if logger == nil {
		logger = l.logger
	}
	opts := []goptuna.StudyOption{
		goptuna.StudyOptionStorage(l.storage),
		goptuna.StudyOptionLogger(logger),
	}
	if sampler != nil {
		opts = append(opts, goptuna.StudyOptionSampler(sampler))
	}
	study, err := goptuna.LoadStudy(l.study, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "metaboptim: ledger: load study %s", l.study)
	}
	return study, nil
}

// Trials returns every recorded trial ordered by trial number.
func (l *Ledger) Trials() ([]Trial, error) {
	studyID, err := l.storage.GetStudyIDFromName(l.study)
	if err != nil {
		return nil, errors.Wrapf(err, "metaboptim: ledger: study %s", l.study)
	}
	frozen, err := l.storage.GetAllTrials(studyID)
	if err != nil {
		return nil, errors.Wrap(err, "metaboptim: ledger: read trials")
	}

	trials := make([]Trial, 0, len(frozen))
	for _, ft := range frozen {
		trials = append(trials, fromFrozen(ft))
	}
	sort.Slice(trials, func(i, j int) bool { return trials[i].Number < trials[j].Number })
	return trials, nil
}

// CountCompleted returns the number of completed trials.
func (l *Ledger) CountCompleted() (int, error) {
	trials, err := l.Trials()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range trials {
		if t.State == StateComplete {
			n++
		}
	}
	return n, nil
}

// Best returns the completed trial with the highest value. Ties go to the
// lowest trial number. ok is false when no trial completed.
func (l *Ledger) Best() (best Trial, ok bool, err error) {
	trials, err := l.Trials()
	if err != nil {
		return Trial{}, false, err
	}
	best, ok = SelectBest(trials)
	return best, ok, nil
}

// SelectBest picks the best completed trial independently of input order.
func SelectBest(trials []Trial) (Trial, bool) {
	var (
		best  Trial
		found bool
	)
	for _, t := range trials {
		if t.State != StateComplete || math.IsNaN(t.Value) {
			continue
		}
		if !found || t.Value > best.Value || (t.Value == best.Value && t.Number < best.Number) {
			best, found = t, true
		}
	}
	return best, found
}

// Close releases the connection. The file is left in place.
func (l *Ledger) Close() error {
	if l.sqlDB == nil {
		return nil
	}
	err := l.sqlDB.Close()
	l.sqlDB = nil
	if err != nil {
		return errors.Wrap(err, "metaboptim: ledger: close")
	}
	return nil
}

// Remove closes the handle and deletes the ledger file and its sidecars.
// Files that are already gone are not an error.
func (l *Ledger) Remove() error {
	err := l.Close()
	for _, p := range append([]string{l.path}, sidecarPaths(l.path)...) {
		if rerr := os.Remove(p); rerr != nil && !os.IsNotExist(rerr) {
			err = errors.CombineErrors(err, errors.Wrapf(rerr, "metaboptim: ledger: remove %s", p))
		}
	}
	return err
}

func sidecarPaths(path string) []string {
	out := make([]string, len(sidecars))
	for i, s := range sidecars {
		out[i] = path + s
	}
	return out
}

func fromFrozen(ft goptuna.FrozenTrial) Trial {
	t := Trial{
		Number: ft.Number,
		State:  stateOf(ft.State),
		Value:  ft.Value,
		Params: map[string]string{},
		Attrs:  map[string]string{},
	}
	for k, v := range ft.UserAttrs {
		if name, ok := strings.CutPrefix(k, ParamAttrPrefix); ok {
			t.Params[name] = v
			continue
		}
		t.Attrs[k] = v
	}
	return t
}

func stateOf(s goptuna.TrialState) State {
	switch s {
	case goptuna.TrialStateComplete:
		return StateComplete
	case goptuna.TrialStateFail, goptuna.TrialStatePruned:
		return StateFailed
	default:
		return StatePending
	}
}
