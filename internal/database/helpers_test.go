package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewDB(Config{
		Type:       "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	}, zaptest.NewLogger(t))
	require.NoError(t, err, "failed to create test database")

	t.Cleanup(func() { db.Close() })
	return db
}
