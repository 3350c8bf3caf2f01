package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// gormLogger routes GORM output through zap. Queries are logged at debug,
// slow queries and query errors at warn.
type gormLogger struct {
	log           *zap.Logger
	slowThreshold time.Duration
}

func newGormLogger(log *zap.Logger, slowThreshold time.Duration) *gormLogger {
	return &gormLogger{log: log, slowThreshold: slowThreshold}
}

func (l *gormLogger) LogMode(_ gormlogger.LogLevel) gormlogger.Interface {
	return l
}

func (l *gormLogger) Info(_ context.Context, msg string, data ...any) {
	l.log.Debug(fmt.Sprintf(msg, data...))
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...any) {
	l.log.Warn(fmt.Sprintf(msg, data...))
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...any) {
	l.log.Error(fmt.Sprintf(msg, data...))
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	elapsed := time.Since(begin)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		l.log.Warn("query error",
			zap.String("sql", sql),
			zap.Int64("rows_affected", rows),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	case l.slowThreshold > 0 && elapsed > l.slowThreshold:
		sql, rows := fc()
		l.log.Warn("slow query",
			zap.String("sql", sql),
			zap.Int64("rows_affected", rows),
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", l.slowThreshold))
	case l.log.Core().Enabled(zap.DebugLevel):
		sql, rows := fc()
		l.log.Debug("sql query",
			zap.String("sql", sql),
			zap.Int64("rows_affected", rows),
			zap.Duration("elapsed", elapsed))
	}
}
