package logx

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, path, body string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestReadTail_SpansRotatedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flightwatch.log")
	base := time.Now().Add(-time.Hour)
	writeLog(t, filepath.Join(dir, "flightwatch-2026-01-01T00-00-00.000.log"), "a1\na2 poll\n", base)
	writeLog(t, filepath.Join(dir, "flightwatch-2026-01-02T00-00-00.000.log"), "b1 POLL\nb2\n", base.Add(time.Minute))
	writeLog(t, path, "c1\nc2 poll\n", base.Add(2*time.Minute))
	writeLog(t, filepath.Join(dir, "other.log"), "zz poll\n", base.Add(3*time.Minute))

	files, err := LogFiles(path)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, path, files[2])

	lines, err := ReadTail(path, 3, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"b2", "c1", "c2 poll"}, lines)

	lines, err = ReadTail(path, 10, "Poll")
	require.NoError(t, err)
	assert.Equal(t, []string{"a2 poll", "b1 POLL", "c2 poll"}, lines)

	lines, err = ReadTail(path, 0, "")
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestReadTail_NoFiles(t *testing.T) {
	lines, err := ReadTail(filepath.Join(t.TempDir(), "missing.log"), 50, "")
	require.NoError(t, err)
	assert.Empty(t, lines)
}
