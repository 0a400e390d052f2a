package relay

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Counter is an unsigned 64-bit monotone counter that wraps: on reaching
// the maximum it resets to zero with a warning log line.
type Counter struct {
	name string
	v    uint64
	log  zerolog.Logger
}

// Inc adds one, wrapping to zero at the maximum.
func (c *Counter) Inc() {
	c.v++
	if c.v == math.MaxUint64 {
		c.log.Warn().Str("counter", c.name).Msg("counter reached maximum, resetting to zero")
		c.v = 0
	}
}

// Value returns the current count.
func (c *Counter) Value() uint64 { return c.v }

// Stats holds the relay's lifetime counters and the figures the info block
// reports. Counters are owned by the engine loop; no locking.
type Stats struct {
	Connections   Counter // lifetime accepted peers
	Announcements Counter // announce calls that actually sent
	Messages      Counter // one per delivery
	Subscribes    Counter
	Unsubscribes  Counter
	Pings         Counter
	LimitRejected Counter // connects refused by the admission limit

	Started     time.Time
	ClientLimit int
	SoftLimit   uint64 // RLIMIT_NOFILE soft, as observed at startup
	HardLimit   uint64
	HighWater   int // most peers ever concurrent
}

// NewStats initialises the counter set.
func NewStats(log zerolog.Logger) *Stats {
	s := &Stats{Started: time.Now()}
	for _, c := range []struct {
		ctr  *Counter
		name string
	}{
		{&s.Connections, "connections"},
		{&s.Announcements, "announcements"},
		{&s.Messages, "messages"},
		{&s.Subscribes, "subscribes"},
		{&s.Unsubscribes, "unsubscribes"},
		{&s.Pings, "pings"},
		{&s.LimitRejected, "client_limit"},
	} {
		c.ctr.name = c.name
		c.ctr.log = log
	}
	return s
}

// Uptime formats elapsed time as "Xd Xh Xm Xs".
func (s *Stats) Uptime(now time.Time) string {
	d := now.Sub(s.Started)
	secs := int64(d.Seconds())
	days := secs / 86400
	hours := (secs % 86400) / 3600
	mins := (secs % 3600) / 60
	return fmt.Sprintf("%dd %dh %dm %ds", days, hours, mins, secs%60)
}

// RenderInfo produces the info response block. Field labels and order are
// part of the wire protocol; clients parse them.
func (s *Stats) RenderInfo(now time.Time, peers, channels, subscriptions int) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "uptime: %s\n", s.Uptime(now))
	fmt.Fprintf(&b, "client-limit: %d\n", s.ClientLimit)
	fmt.Fprintf(&b, "limit rejected connections: %d\n", s.LimitRejected.Value())
	fmt.Fprintf(&b, "rlimits: Soft=%d Hard=%d\n", s.SoftLimit, s.HardLimit)
	fmt.Fprintf(&b, "max connections: %d\n", s.HighWater)
	fmt.Fprintf(&b, "current connections: %d\n", peers)
	fmt.Fprintf(&b, "current channels: %d\n", channels)
	fmt.Fprintf(&b, "current subscriptions: %d\n", subscriptions)
	fmt.Fprintf(&b, "user-requested subscriptions: %d\n", subscriptions-peers)
	fmt.Fprintf(&b, "total connections: %d\n", s.Connections.Value())
	fmt.Fprintf(&b, "total announcements: %d\n", s.Announcements.Value())
	fmt.Fprintf(&b, "total messages: %d\n", s.Messages.Value())
	fmt.Fprintf(&b, "total subscribes: %d\n", s.Subscribes.Value())
	fmt.Fprintf(&b, "total unsubscribes: %d\n", s.Unsubscribes.Value())
	fmt.Fprintf(&b, "total pings: %d\n", s.Pings.Value())
	return []byte(b.String())
}
