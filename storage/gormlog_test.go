package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/eddielth/agri-pipeline/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logger.SetDefault(logger.NewWriter(&buf, logger.DEBUG))
	t.Cleanup(func() {
		l, err := logger.New(logger.DefaultConfig())
		require.NoError(t, err)
		logger.SetDefault(l)
	})
	return &buf
}

func TestGormLogTrace(t *testing.T) {
	buf := captureLog(t)
	l := newGormLog(gormlogger.Warn)
	query := func() (string, int64) { return "SELECT * FROM rules", 0 }
	ctx := context.Background()

	l.Trace(ctx, time.Now(), query, gorm.ErrRecordNotFound)
	l.Trace(ctx, time.Now(), query, nil)
	assert.Empty(t, buf.String())

	l.Trace(ctx, time.Now(), query, errors.New("disk I/O error"))
	out := buf.String()
	assert.Contains(t, out, "[storage]")
	assert.Contains(t, out, "disk I/O error")
	assert.Contains(t, out, "SELECT * FROM rules")

	buf.Reset()
	l.Trace(ctx, time.Now().Add(-time.Second), query, nil)
	assert.Contains(t, buf.String(), "slow query")

	buf.Reset()
	silent := l.LogMode(gormlogger.Silent)
	silent.Trace(ctx, time.Now(), query, errors.New("ignored"))
	silent.Error(ctx, "ignored too")
	assert.Empty(t, buf.String())
}

func TestSQLiteLogsThroughStorageLogger(t *testing.T) {
	buf := captureLog(t)
	s, err := NewSQLiteStorage(context.Background(), filepath.Join(t.TempDir(), "agri.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	err = s.db.Exec("SELECT * FROM missing_table").Error
	require.Error(t, err)
	assert.Contains(t, buf.String(), "[storage] query failed")
	assert.Contains(t, buf.String(), "missing_table")
}
