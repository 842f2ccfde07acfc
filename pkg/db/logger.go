package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// gormLogger bridges gorm's logger.Interface onto zap, stamping each
// query with the active trace id so batch-run queries can be correlated
// with the job that issued them.
type gormLogger struct {
	base    *zap.Logger
	level   logger.LogLevel
	showSQL bool
}

func NewZapGormLogger(z *zap.Logger, level logger.LogLevel, showSQL bool) logger.Interface {
	if z == nil {
		z = zap.L()
	}
	return &gormLogger{base: z, level: level, showSQL: showSQL}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &gormLogger{base: l.base, level: level, showSQL: l.showSQL}
}

func (l *gormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Info {
		l.log(ctx).Info(fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Warn {
		l.log(ctx).Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Error {
		l.log(ctx).Error(fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.Duration("took", elapsed),
		zap.Int64("rows", rows),
	}
	if l.showSQL {
		fields = append(fields, zap.String("sql", sql))
	}

	switch {
	case err != nil && !errors.Is(err, logger.ErrRecordNotFound):
		l.log(ctx).Error("query failed", append(fields, zap.Error(err))...)
	case elapsed > slowQueryThreshold:
		l.log(ctx).Warn("slow query", fields...)
	case l.level >= logger.Info && l.showSQL:
		l.log(ctx).Debug("query", fields...)
	}
}

func (l *gormLogger) log(ctx context.Context) *zap.Logger {
	z := l.base
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		z = z.With(zap.String("trace_id", sc.TraceID().String()))
	}
	return z
}
