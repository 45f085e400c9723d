package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftctl/craftctl/internal/common/config"
	"github.com/craftctl/craftctl/internal/common/logger"
	"github.com/craftctl/craftctl/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, cleanup, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "audit.db"),
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })

	store, err := NewStore(conn)
	require.NoError(t, err)
	return store
}

func TestStore_RecordAndList(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	ctx := context.Background()
	require.NoError(t, store.Record(ctx, "alex", ActionConsoleCommand, "say hi"))
	require.NoError(t, store.Record(ctx, "sam", ActionPower, "restart"))

	entries, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "sam", entries[0].Actor)
	assert.Equal(t, ActionPower, entries[0].Action)
	assert.Equal(t, "alex", entries[1].Actor)
	assert.Equal(t, "say hi", entries[1].Detail)
	assert.NotEmpty(t, entries[1].ID)
}

func TestStore_ListLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(ctx, "alex", ActionConsoleCommand, "list"))
	}
	entries, err := store.List(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestNewStore_Idempotent(t *testing.T) {
	store := newTestStore(t)
	_, err := NewStore(store.db)
	assert.NoError(t, err)
}
