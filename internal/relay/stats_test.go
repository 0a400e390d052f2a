package relay

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterWrapsToZero(t *testing.T) {
	s := NewStats(zerolog.Nop())

	s.Pings.v = math.MaxUint64 - 2
	s.Pings.Inc()
	assert.Equal(t, uint64(math.MaxUint64-1), s.Pings.Value())

	// Reaching the maximum resets to zero.
	s.Pings.Inc()
	assert.Equal(t, uint64(0), s.Pings.Value())

	s.Pings.Inc()
	assert.Equal(t, uint64(1), s.Pings.Value())
}

func TestUptimeFormat(t *testing.T) {
	s := NewStats(zerolog.Nop())
	start := s.Started

	assert.Equal(t, "0d 0h 0m 0s", s.Uptime(start))
	assert.Equal(t, "0d 0h 1m 30s", s.Uptime(start.Add(90*time.Second)))
	assert.Equal(t, "1d 1h 1m 1s", s.Uptime(start.Add(25*time.Hour+61*time.Second)))
	assert.Equal(t, "3d 0h 0m 0s", s.Uptime(start.Add(72*time.Hour)))
}

func TestRenderInfoLabelsAndOrder(t *testing.T) {
	s := NewStats(zerolog.Nop())
	s.ClientLimit = 100
	s.SoftLimit = 1024
	s.HardLimit = 4096
	s.HighWater = 7
	for i := 0; i < 3; i++ {
		s.Connections.Inc()
	}
	s.Announcements.Inc()
	s.Messages.Inc()
	s.Messages.Inc()
	s.Subscribes.Inc()
	s.Pings.Inc()
	s.LimitRejected.Inc()

	block := string(s.RenderInfo(s.Started.Add(61*time.Second), 2, 3, 4))
	lines := strings.Split(strings.TrimSuffix(block, "\n"), "\n")
	require.Len(t, lines, 15)

	want := []string{
		"uptime: 0d 0h 1m 1s",
		"client-limit: 100",
		"limit rejected connections: 1",
		"rlimits: Soft=1024 Hard=4096",
		"max connections: 7",
		"current connections: 2",
		"current channels: 3",
		"current subscriptions: 4",
		"user-requested subscriptions: 2",
		"total connections: 3",
		"total announcements: 1",
		"total messages: 2",
		"total subscribes: 1",
		"total unsubscribes: 0",
		"total pings: 1",
	}
	assert.Equal(t, want, lines)
}
