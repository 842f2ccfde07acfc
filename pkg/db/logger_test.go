package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm/logger"
)

func TestGormLoggerWritesToProvidedLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewZapGormLogger(zap.New(core), logger.Info, true)

	l.Warn(context.Background(), "retrying %d", 2)

	require.Equal(t, 1, logs.Len())
	require.Equal(t, "retrying 2", logs.All()[0].Message)
}

func TestGormLoggerTraceLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewZapGormLogger(zap.New(core), logger.Info, true)

	begin := time.Now()
	fc := func() (string, int64) { return "SELECT 1", 1 }

	l.Trace(context.Background(), begin, fc, nil)
	l.Trace(context.Background(), begin, fc, errors.New("boom"))
	l.Trace(context.Background(), begin, fc, logger.ErrRecordNotFound)

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zap.DebugLevel, entries[0].Level)
	require.Equal(t, zap.ErrorLevel, entries[1].Level)
	require.Equal(t, zap.DebugLevel, entries[2].Level, "record-not-found is not an error")
}

func TestGormLoggerSilentLogsNothing(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewZapGormLogger(zap.New(core), logger.Silent, true)

	l.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 1", 1 }, nil)
	l.Info(context.Background(), "noise")

	require.Zero(t, logs.Len())
}
