package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/LeonardoBeccarini/feeder_bridge/pkg/logger"
)

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	prev := logger.L()
	logger.Set(zap.New(core))
	t.Cleanup(func() { logger.Set(prev) })
	return logs
}

func TestGormLogger_RoutesThroughZap(t *testing.T) {
	s, db := newSQLiteStore(t)
	logs := observeLogs(t)

	_, err := s.GetFeeder(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, logs.FilterMessage("gorm").Len(), "missing rows are not logged")

	require.Error(t, db.Exec("SELECT * FROM no_such_table").Error)
	entries := logs.FilterMessage("gorm").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["detail"], "no_such_table")
}
