package logsink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestAppend_PreservesOrder(t *testing.T) {
	dir := t.TempDir()
	sink, err := New(dir)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, line := range []string{"one", "two", "three"} {
		require.NoError(t, sink.Append(base.Add(time.Duration(i)*time.Millisecond), line))
	}

	lines := readLines(t, filepath.Join(dir, "latest.log"))
	require.Len(t, lines, 3)
	assert.Equal(t, "2024-05-01T10:00:00Z one", lines[0])
	assert.Equal(t, "2024-05-01T10:00:00.001Z two", lines[1])
	assert.Equal(t, "2024-05-01T10:00:00.002Z three", lines[2])
}

func TestAppend_RotatesOnNewDay(t *testing.T) {
	dir := t.TempDir()
	sink, err := New(dir)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	day1 := time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)
	require.NoError(t, sink.Append(day1, "late"))
	require.NoError(t, sink.Append(day1.Add(2*time.Minute), "early"))

	archived := readLines(t, filepath.Join(dir, "2024-05-01.log"))
	assert.Equal(t, []string{"2024-05-01T23:59:00Z late"}, archived)

	latest := readLines(t, filepath.Join(dir, "latest.log"))
	assert.Equal(t, []string{"2024-05-02T00:01:00Z early"}, latest)
}

func TestAppend_RotationAvoidsOverwrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2024-05-01.log"), []byte("old\n"), 0o644))

	sink, err := New(dir)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	require.NoError(t, sink.Append(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), "a"))
	require.NoError(t, sink.Append(time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC), "b"))

	assert.Equal(t, []string{"old"}, readLines(t, filepath.Join(dir, "2024-05-01.log")))
	assert.Equal(t, []string{"2024-05-01T08:00:00Z a"}, readLines(t, filepath.Join(dir, "2024-05-01-1.log")))
}

func TestNew_ExistingFileRotatesByModTime(t *testing.T) {
	dir := t.TempDir()
	latest := filepath.Join(dir, "latest.log")
	require.NoError(t, os.WriteFile(latest, []byte("yesterday\n"), 0o644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(latest, old, old))

	sink, err := New(dir)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	require.NoError(t, sink.Append(time.Now(), "today"))

	_, err = os.Stat(filepath.Join(dir, old.Format("2006-01-02")+".log"))
	assert.NoError(t, err)
	lines := readLines(t, latest)
	require.Len(t, lines, 1)
	assert.True(t, strings.HasSuffix(lines[0], " today"))
}

func TestAppend_AfterClose(t *testing.T) {
	sink, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.Append(time.Now(), "x"), os.ErrClosed)
}
