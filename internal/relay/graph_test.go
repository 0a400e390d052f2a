package relay

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testGraph builds a graph whose deliveries are captured per peer handle.
func testGraph() (*Graph, map[int][]string) {
	delivered := make(map[int][]string)
	stats := NewStats(zerolog.Nop())
	g := NewGraph(stats, func(p *Peer, line []byte) {
		delivered[p.handle] = append(delivered[p.handle], string(line))
	}, zerolog.Nop())
	return g, delivered
}

func addPeer(g *Graph, handle int) *Peer {
	p := &Peer{handle: handle, kind: peerSocket}
	g.AddPeer(p)
	return p
}

func TestSubscribeCreatesChannelLazily(t *testing.T) {
	g, _ := testGraph()
	p := addPeer(g, 1)

	_, ok := g.FindChannel("news")
	require.False(t, ok)

	g.Subscribe(p, "news")
	c, ok := g.FindChannel("news")
	require.True(t, ok)
	assert.Equal(t, 1, c.Subscribers())
	assert.Equal(t, 1, g.SubscriptionCount())
	assert.Equal(t, uint64(1), g.stats.Subscribes.Value())
}

func TestSubscribeIsIdempotent(t *testing.T) {
	g, _ := testGraph()
	p := addPeer(g, 1)

	g.Subscribe(p, "news")
	g.Subscribe(p, "news")

	c, _ := g.FindChannel("news")
	assert.Equal(t, 1, c.Subscribers())
	assert.Equal(t, 1, g.SubscriptionCount())
	assert.Equal(t, uint64(1), g.stats.Subscribes.Value())
}

func TestUnsubscribeRestoresPriorState(t *testing.T) {
	g, _ := testGraph()
	p := addPeer(g, 1)

	g.Subscribe(p, "news")
	g.Unsubscribe(p, "news")

	_, ok := g.FindChannel("news")
	assert.False(t, ok, "channel must die with its last subscriber")
	assert.Equal(t, 0, g.SubscriptionCount())
	assert.Equal(t, uint64(1), g.stats.Unsubscribes.Value())
}

func TestUnsubscribeMissingIsNoOp(t *testing.T) {
	g, _ := testGraph()
	p := addPeer(g, 1)
	q := addPeer(g, 2)
	g.Subscribe(q, "news")

	// Missing channel.
	g.Unsubscribe(p, "ghost")
	// Existing channel, missing edge.
	g.Unsubscribe(p, "news")

	assert.Equal(t, 1, g.SubscriptionCount())
	assert.Equal(t, uint64(0), g.stats.Unsubscribes.Value())
}

func TestChannelSurvivesWhileSubscribersRemain(t *testing.T) {
	g, _ := testGraph()
	p := addPeer(g, 1)
	q := addPeer(g, 2)

	g.Subscribe(p, "news")
	g.Subscribe(q, "news")
	g.Unsubscribe(p, "news")

	c, ok := g.FindChannel("news")
	require.True(t, ok)
	assert.Equal(t, 1, c.Subscribers())

	g.Unsubscribe(q, "news")
	_, ok = g.FindChannel("news")
	assert.False(t, ok)
}

func TestAnnounceFansOutToSubscribersOnly(t *testing.T) {
	g, delivered := testGraph()
	a := addPeer(g, 1)
	b := addPeer(g, 2)
	addPeer(g, 3)

	g.Subscribe(a, "news")
	g.Subscribe(b, "news")

	n := g.Announce("news", "hello world")
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"news!hello world\n"}, delivered[1])
	assert.Equal(t, []string{"news!hello world\n"}, delivered[2])
	assert.Empty(t, delivered[3])
	assert.Equal(t, uint64(1), g.stats.Announcements.Value())
	assert.Equal(t, uint64(2), g.stats.Messages.Value())
}

func TestAnnounceEmptyBodyDropped(t *testing.T) {
	g, delivered := testGraph()
	p := addPeer(g, 1)
	g.Subscribe(p, "news")

	n := g.Announce("news", "")
	assert.Equal(t, 0, n)
	assert.Empty(t, delivered[1])
	assert.Equal(t, uint64(0), g.stats.Announcements.Value())
}

func TestAnnounceAbsentChannelDropped(t *testing.T) {
	g, _ := testGraph()

	n := g.Announce("ghost", "hi")
	assert.Equal(t, 0, n)
	_, ok := g.FindChannel("ghost")
	assert.False(t, ok, "announce must not create channels")
	assert.Equal(t, uint64(0), g.stats.Announcements.Value())
}

func TestDisconnectTearsDownSubscriptions(t *testing.T) {
	g, _ := testGraph()
	p := addPeer(g, 1)
	q := addPeer(g, 2)

	g.Subscribe(p, allChannel)
	g.Subscribe(q, allChannel)
	g.Subscribe(p, "news")

	g.Disconnect(p)

	assert.Equal(t, 1, g.PeerCount())
	assert.Equal(t, 1, g.SubscriptionCount())
	_, ok := g.FindChannel("news")
	assert.False(t, ok, "sole-subscriber channel dies with the peer")
	c, ok := g.FindChannel(allChannel)
	require.True(t, ok)
	assert.Equal(t, 1, c.Subscribers())

	// Disconnect is not an unsubscribe: the counter only tracks explicit
	// unsubscribe commands.
	assert.Equal(t, uint64(0), g.stats.Unsubscribes.Value())

	// The last peer leaving destroys "all" too.
	g.Disconnect(q)
	assert.Equal(t, 0, g.ChannelCount())
	assert.Equal(t, 0, g.SubscriptionCount())
}
