package ledger

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/YuminosukeSato/metaboptim/pkg/errors"
	"github.com/YuminosukeSato/metaboptim/pkg/log"
)

// slowQuery is the threshold above which a ledger statement is logged.
const slowQuery = 10 * time.Second

// gormLogger forwards gorm's diagnostics to a log.Logger. Statements are
// only reported when they fail or run slowly; a busy ledger is otherwise
// silent.
type gormLogger struct {
	l     log.Logger
	level logger.LogLevel
}

func newGormLogger(l log.Logger) logger.Interface {
	return &gormLogger{l: l.With(log.ComponentKey, "ledger"), level: logger.Warn}
}

func (g *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	clone := *g
	clone.level = level
	return &clone
}

func (g *gormLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if g.level >= logger.Info {
		g.l.Info(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if g.level >= logger.Warn {
		g.l.Warn(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if g.level >= logger.Error {
		g.l.Error(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && g.level >= logger.Error:
		sql, rows := fc()
		g.l.Warn("ledger statement failed", err,
			"sql", sql,
			"rows", rows,
			log.DurationMsKey, elapsed.Milliseconds(),
		)
	case elapsed > slowQuery && g.level >= logger.Warn:
		sql, rows := fc()
		g.l.Warn("slow ledger statement",
			"sql", sql,
			"rows", rows,
			log.DurationMsKey, elapsed.Milliseconds(),
		)
	}
}
