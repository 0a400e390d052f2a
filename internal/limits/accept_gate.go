package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AcceptGate rate-limits connection attempts ahead of admission control.
//
// Two-level token buckets:
//   - Global: protects the accept loop from distributed floods.
//   - Per-IP: prevents a single address from consuming the global budget.
//
// The gate is called from the engine loop only, so unlike a per-request
// HTTP limiter it needs no cleanup goroutine: stale per-IP buckets are
// swept lazily during Allow.
type AcceptGate struct {
	mu     sync.Mutex
	global *rate.Limiter
	perIP  map[string]*ipEntry

	ipRate  rate.Limit
	ipBurst int
	ipTTL   time.Duration

	checks int
	log    zerolog.Logger
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// sweepEvery bounds how often the lazy TTL sweep runs, in Allow calls.
const sweepEvery = 1024

// NewAcceptGate builds a gate. ratePerSec is the sustained global
// connection rate; burst the global burst. Per-IP buckets get a tenth of
// the global budget (minimum one).
func NewAcceptGate(ratePerSec float64, burst int, log zerolog.Logger) *AcceptGate {
	ipRate := ratePerSec / 10
	if ipRate < 1 {
		ipRate = 1
	}
	ipBurst := burst / 10
	if ipBurst < 1 {
		ipBurst = 1
	}
	return &AcceptGate{
		global:  rate.NewLimiter(rate.Limit(ratePerSec), burst),
		perIP:   make(map[string]*ipEntry),
		ipRate:  rate.Limit(ipRate),
		ipBurst: ipBurst,
		ipTTL:   5 * time.Minute,
		log:     log.With().Str("component", "accept_gate").Logger(),
	}
}

// Allow reports whether a connection from ip may proceed. Global bucket
// first (no map lookup on the fast-reject path), then the per-IP bucket.
func (g *AcceptGate) Allow(ip string) bool {
	if !g.global.Allow() {
		g.log.Debug().Str("ip", ip).Msg("rejected: global accept rate exceeded")
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.checks++
	if g.checks%sweepEvery == 0 {
		g.sweep()
	}

	entry, ok := g.perIP[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(g.ipRate, g.ipBurst)}
		g.perIP[ip] = entry
	}
	entry.lastAccess = time.Now()

	if !entry.limiter.Allow() {
		g.log.Debug().Str("ip", ip).Msg("rejected: per-ip accept rate exceeded")
		return false
	}
	return true
}

func (g *AcceptGate) sweep() {
	cutoff := time.Now().Add(-g.ipTTL)
	removed := 0
	for ip, entry := range g.perIP {
		if entry.lastAccess.Before(cutoff) {
			delete(g.perIP, ip)
			removed++
		}
	}
	if removed > 0 {
		g.log.Debug().Int("removed", removed).Int("remaining", len(g.perIP)).Msg("swept stale per-ip buckets")
	}
}
