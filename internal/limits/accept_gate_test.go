package limits

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestAcceptGatePerIP(t *testing.T) {
	// Global budget is generous; the per-IP bucket (a tenth, minimum one
	// burst token) is what trips.
	g := NewAcceptGate(100, 10, zerolog.Nop())

	assert.True(t, g.Allow("192.0.2.1"))
	assert.False(t, g.Allow("192.0.2.1"), "second immediate connect from the same address")
	assert.True(t, g.Allow("192.0.2.2"), "other addresses keep their own bucket")
}

func TestAcceptGateGlobal(t *testing.T) {
	g := NewAcceptGate(5, 2, zerolog.Nop())

	assert.True(t, g.Allow("192.0.2.1"))
	assert.True(t, g.Allow("192.0.2.2"))
	assert.False(t, g.Allow("192.0.2.3"), "global burst of two is spent")
}
