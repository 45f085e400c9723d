package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftctl/craftctl/internal/common/config"
	"github.com/craftctl/craftctl/internal/common/logger"
)

func TestOpen_SQLiteCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "panel.db")

	conn, cleanup, err := Open(config.DatabaseConfig{Driver: "sqlite", Path: path}, logger.NewNop())
	require.NoError(t, err)
	defer func() { _ = cleanup() }()

	assert.Equal(t, SQLite3, conn.DriverName())
	_, err = conn.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, _, err := Open(config.DatabaseConfig{Driver: "mysql"}, logger.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}
