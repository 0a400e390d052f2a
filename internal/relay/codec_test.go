package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextLine(t *testing.T) {
	line, rest, ok := nextLine([]byte("ping\ninfo\n"))
	assert.True(t, ok)
	assert.Equal(t, "ping", string(line))
	assert.Equal(t, "info\n", string(rest))

	line, rest, ok = nextLine(rest)
	assert.True(t, ok)
	assert.Equal(t, "info", string(line))
	assert.Empty(t, rest)
}

func TestNextLinePartial(t *testing.T) {
	// Bytes after the last newline stay buffered until more input arrives.
	_, rest, ok := nextLine([]byte("subscr"))
	assert.False(t, ok)
	assert.Equal(t, "subscr", string(rest))
}

func TestNextLineEmptyLine(t *testing.T) {
	line, rest, ok := nextLine([]byte("\nping\n"))
	assert.True(t, ok)
	assert.Empty(t, line)
	assert.Equal(t, "ping\n", string(rest))
}

func TestNextLineKeepsCarriageReturn(t *testing.T) {
	line, _, ok := nextLine([]byte("ping\r\n"))
	assert.True(t, ok)
	assert.Equal(t, "ping\r", string(line))
}

func TestAppendLine(t *testing.T) {
	out := appendLine(nil, []byte("news!hello"))
	assert.Equal(t, "news!hello\n", string(out))
}
