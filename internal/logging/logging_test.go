package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelMapping(t *testing.T) {
	assert.Equal(t, zerolog.ErrorLevel, Level(0))
	assert.Equal(t, zerolog.WarnLevel, Level(1))
	assert.Equal(t, zerolog.InfoLevel, Level(2))
	assert.Equal(t, zerolog.DebugLevel, Level(3))
	// Out-of-range values fall back to the default level.
	assert.Equal(t, zerolog.WarnLevel, Level(42))
}

func TestLogfileLineFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fanout.log")
	sink, err := OpenCappedFile(path, 0)
	require.NoError(t, err)
	defer sink.Close()

	logger := New(2, sink)
	logger.Info().Msg("relay started")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSuffix(string(data), "\n")

	// Persisted format: [<unix-seconds>] <LEVEL>: <message> fields
	assert.Regexp(t, `^\[\d+\] INFO: relay started`, line)
	assert.Contains(t, line, "service=fanout")
}

func TestCappedFileTruncatesInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fanout.log")
	sink, err := OpenCappedFile(path, 1) // 1 MiB cap
	require.NoError(t, err)
	defer sink.Close()

	// Push past the cap, then write once more: the file is truncated in
	// place before the new line lands.
	chunk := strings.Repeat("x", 64*1024)
	for i := 0; i < 17; i++ {
		_, err := sink.Write([]byte(chunk))
		require.NoError(t, err)
	}

	_, err = sink.Write([]byte("fresh line\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fresh line\n", string(data))
}

func TestCappedFileReopensWithExistingSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fanout.log")
	require.NoError(t, os.WriteFile(path, []byte("previous contents\n"), 0o644))

	sink, err := OpenCappedFile(path, 0)
	require.NoError(t, err)
	defer sink.Close()

	_, err = sink.Write([]byte("appended\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "previous contents\nappended\n", string(data))
}
