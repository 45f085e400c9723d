package whitelist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftctl/craftctl/internal/common/logger"
)

type fakeRCON struct {
	enabled   bool
	responses map[string]string
	err       error
	commands  []string
}

func (f *fakeRCON) Enabled() bool { return f.enabled }

func (f *fakeRCON) Exec(_ context.Context, command string) (string, error) {
	f.commands = append(f.commands, command)
	if f.err != nil {
		return "", f.err
	}
	return f.responses[command], nil
}

func TestManager_FileFallback(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(&fakeRCON{enabled: false}, dir, logger.NewNop())
	ctx := context.Background()

	names, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, m.Add(ctx, "Steve"))
	require.NoError(t, m.Add(ctx, "alex"))
	require.NoError(t, m.Add(ctx, "steve"))

	names, err = m.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alex", "Steve"}, names)

	data, err := os.ReadFile(filepath.Join(dir, "whitelist.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), OfflineUUID("Steve"))

	require.NoError(t, m.Remove(ctx, "STEVE"))
	require.NoError(t, m.Remove(ctx, "nobody"))
	names, err = m.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alex"}, names)
}

func TestManager_RCON(t *testing.T) {
	fake := &fakeRCON{enabled: true, responses: map[string]string{
		"whitelist list":         "There are 2 whitelisted player(s): Steve, alex",
		"whitelist add Notch":    "Added Notch to the whitelist",
		"whitelist add Ghost":    "That player does not exist",
		"whitelist remove Steve": "Removed Steve from the whitelist",
	}}
	m := NewManager(fake, t.TempDir(), logger.NewNop())
	ctx := context.Background()

	names, err := m.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alex", "Steve"}, names)

	require.NoError(t, m.Add(ctx, "Notch"))
	assert.ErrorIs(t, m.Add(ctx, "Ghost"), ErrUnknownPlayer)
	require.NoError(t, m.Remove(ctx, "Steve"))

	assert.Equal(t, []string{
		"whitelist list", "whitelist add Notch", "whitelist add Ghost", "whitelist remove Steve",
	}, fake.commands)
}

func TestManager_RCONErrorPropagates(t *testing.T) {
	boom := errors.New("connection refused")
	m := NewManager(&fakeRCON{enabled: true, err: boom}, t.TempDir(), logger.NewNop())

	_, err := m.List(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, m.Add(context.Background(), "Steve"), boom)
}

func TestManager_RejectsInvalidNames(t *testing.T) {
	m := NewManager(nil, t.TempDir(), logger.NewNop())
	for _, name := range []string{"", "ab", "way_too_long_player_name", "bad name", "x;op me"} {
		assert.ErrorIs(t, m.Add(context.Background(), name), ErrInvalidName, name)
	}
}

func TestParseListResponse(t *testing.T) {
	assert.Nil(t, parseListResponse("There are no whitelisted players"))
	assert.Equal(t, []string{"a_b", "Cd"}, parseListResponse("There are 2 whitelisted players: a_b, Cd"))
}

func TestOfflineUUID(t *testing.T) {
	// Matches UUID.nameUUIDFromBytes("OfflinePlayer:Notch") on the JVM.
	assert.Equal(t, "b50ad385-829d-3141-a216-7e7d7539ba7f", OfflineUUID("Notch"))
}
