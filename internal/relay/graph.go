package relay

import (
	"github.com/rs/zerolog"
)

// Channel is a named topic. Its lifetime is exactly [first subscribe,
// last unsubscribe]: it is created lazily and destroyed the moment its
// subscriber set empties, so a zero-subscriber channel is never observable.
type Channel struct {
	name string
	subs map[int]*Peer // keyed by peer handle
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Subscribers returns the current subscriber count.
func (c *Channel) Subscribers() int { return len(c.subs) }

// deliverFunc enqueues one framed line on a peer's output path. The graph
// never writes to the kernel itself; the engine owns the flush policy.
type deliverFunc func(p *Peer, line []byte)

// Graph is the in-memory subscription graph: peers keyed by handle, channels
// keyed by name, and the (peer, channel) edges held as a set on each side.
// Lookups are O(1) amortised; fanout is O(subscribers).
//
// The graph is not safe for concurrent use. Every mutation happens on the
// engine loop, which is what preserves the delivery ordering guarantee:
// within one Announce all deliveries are enqueued before the next command
// from any peer is parsed.
type Graph struct {
	peers    map[int]*Peer
	channels map[string]*Channel
	subCount int

	stats   *Stats
	deliver deliverFunc
	log     zerolog.Logger
}

// NewGraph builds an empty graph. deliver is called once per enqueued line.
func NewGraph(stats *Stats, deliver deliverFunc, log zerolog.Logger) *Graph {
	return &Graph{
		peers:    make(map[int]*Peer),
		channels: make(map[string]*Channel),
		stats:    stats,
		deliver:  deliver,
		log:      log.With().Str("component", "graph").Logger(),
	}
}

// AddPeer inserts a freshly accepted peer into the registry.
func (g *Graph) AddPeer(p *Peer) {
	p.subs = make(map[string]*Channel)
	g.peers[p.handle] = p
}

// Peer looks up a live peer by handle.
func (g *Graph) Peer(handle int) (*Peer, bool) {
	p, ok := g.peers[handle]
	return p, ok
}

// PeerCount returns the number of live peers.
func (g *Graph) PeerCount() int { return len(g.peers) }

// ChannelCount returns the number of live channels.
func (g *Graph) ChannelCount() int { return len(g.channels) }

// SubscriptionCount returns the number of live (peer, channel) edges.
func (g *Graph) SubscriptionCount() int { return g.subCount }

// FindChannel looks a channel up without creating it.
func (g *Graph) FindChannel(name string) (*Channel, bool) {
	c, ok := g.channels[name]
	return c, ok
}

// ensureChannel returns the existing channel or creates one with zero
// subscribers. Callers must attach a subscriber before returning to the
// loop or the zero-count channel would be observable.
func (g *Graph) ensureChannel(name string) *Channel {
	if c, ok := g.channels[name]; ok {
		return c
	}
	c := &Channel{name: name, subs: make(map[int]*Peer)}
	g.channels[name] = c
	return c
}

// Subscribe creates the (peer, channel) edge. Idempotent: an existing edge
// returns silently and bumps nothing.
func (g *Graph) Subscribe(p *Peer, name string) {
	if _, ok := p.subs[name]; ok {
		return
	}
	c := g.ensureChannel(name)
	c.subs[p.handle] = p
	p.subs[name] = c
	g.subCount++
	g.stats.Subscribes.Inc()
	g.log.Debug().Int("peer", p.handle).Str("channel", name).Msg("subscribed")
}

// Unsubscribe removes the (peer, channel) edge. A missing channel or a
// missing edge is a silent no-op. The channel is destroyed when its last
// subscriber leaves.
func (g *Graph) Unsubscribe(p *Peer, name string) {
	c, ok := g.channels[name]
	if !ok {
		return
	}
	if _, ok := c.subs[p.handle]; !ok {
		return
	}
	g.removeEdge(p, c)
	g.stats.Unsubscribes.Inc()
	g.log.Debug().Int("peer", p.handle).Str("channel", name).Msg("unsubscribed")
}

func (g *Graph) removeEdge(p *Peer, c *Channel) {
	delete(c.subs, p.handle)
	delete(p.subs, c.name)
	g.subCount--
	if len(c.subs) == 0 {
		delete(g.channels, c.name)
	}
}

// Announce fans body out to every subscriber of name as `<name>!<body>`.
// An absent channel or an empty body drops the announcement silently and
// returns zero deliveries; the announcements counter is bumped only on an
// actual send, the messages counter once per delivery.
func (g *Graph) Announce(name, body string) int {
	if body == "" {
		return 0
	}
	c, ok := g.channels[name]
	if !ok {
		return 0
	}

	line := make([]byte, 0, len(name)+1+len(body)+1)
	line = append(line, name...)
	line = append(line, '!')
	line = appendLine(line, []byte(body))

	delivered := 0
	for _, sub := range c.subs {
		g.deliver(sub, line)
		g.stats.Messages.Inc()
		delivered++
	}
	g.stats.Announcements.Inc()
	return delivered
}

// Disconnect removes every subscription owned by the peer (tearing down
// channels that empty) and destroys the peer. The unsubscribes counter is
// not bumped: only explicit unsubscribe commands count.
func (g *Graph) Disconnect(p *Peer) {
	for _, c := range p.subs {
		delete(c.subs, p.handle)
		g.subCount--
		if len(c.subs) == 0 {
			delete(g.channels, c.name)
		}
	}
	p.subs = nil
	delete(g.peers, p.handle)
}
