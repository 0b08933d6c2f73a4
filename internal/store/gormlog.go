package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/keithlinneman/ticketmarket/internal/log"
)

// gormLogger routes gorm output through the service logger. Statements are
// only logged when they fail or exceed the slow threshold; bind values are
// never included.
type gormLogger struct {
	L     log.Logger
	slow  time.Duration
	level gormlogger.LogLevel
}

func newGormLogger(L log.Logger, slow time.Duration) gormlogger.Interface {
	return &gormLogger{L: L.With("component", "store"), slow: slow, level: gormlogger.Warn}
}

func (g *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *gormLogger) Info(ctx context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Info {
		g.L.Info(ctx, fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Warn(ctx context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Warn {
		g.L.Warn(ctx, fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Error(ctx context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Error {
		g.L.Error(ctx, fmt.Errorf(msg, args...), "database error")
	}
}

// ParamsFilter drops bind values so logged statements keep their placeholders
func (g *gormLogger) ParamsFilter(_ context.Context, sql string, _ ...any) (string, []any) {
	return sql, nil
}

func (g *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && g.level >= gormlogger.Error:
		sql, rows := fc()
		g.L.Error(ctx, err, "database query failed",
			"db.statement", sql,
			"db.rows", rows,
			"db.duration_seconds", elapsed.Seconds(),
		)
	case g.slow > 0 && elapsed > g.slow && g.level >= gormlogger.Warn:
		sql, rows := fc()
		g.L.Warn(ctx, "slow database query",
			"db.statement", sql,
			"db.rows", rows,
			"db.duration_seconds", elapsed.Seconds(),
			"db.slow_threshold_seconds", g.slow.Seconds(),
		)
	case g.level >= gormlogger.Info:
		sql, rows := fc()
		g.L.Debug(ctx, "database query",
			"db.statement", sql,
			"db.rows", rows,
			"db.duration_seconds", elapsed.Seconds(),
		)
	}
}

var _ gorm.ParamsFilter = (*gormLogger)(nil)
