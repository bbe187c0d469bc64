package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatorRotatesBySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopilot.log")
	r := &Rotator{Filename: path, MaxSize: 32, MaxBackups: 2}
	defer r.Close()

	line := []byte(strings.Repeat("x", 20) + "\n")
	for i := 0; i < 3; i++ {
		n, err := r.Write(line)
		require.NoError(t, err)
		assert.Equal(t, len(line), n)
	}

	_, err := os.Stat(path + ".1")
	require.NoError(t, err, "first backup should exist")
	_, err = os.Stat(path + ".2")
	require.NoError(t, err, "second backup should exist")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(line)), info.Size())
}

func TestRotatorAppendsToExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopilot.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0644))

	r := NewRotator(path, 1, 1)
	_, err := r.Write([]byte("new\n"))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old\nnew\n", string(data))
}
