package relay

type peerKind int

const (
	// peerSocket is an accepted TCP connection owned by the engine loop:
	// non-blocking fd, byte-queue output drained on write-readiness.
	peerSocket peerKind = iota
	// peerSession is a gateway-attached session (e.g. a WebSocket client).
	// It has no fd in the multiplexer; delivery is a non-blocking send on
	// its channel and a full buffer closes the session.
	peerSession
)

// Peer is one connected client and its per-connection state. The engine
// exclusively owns all peers; handles are the socket descriptor for TCP
// peers and synthetic negative values for gateway sessions.
type Peer struct {
	handle int
	kind   peerKind
	addr   string

	// Socket peers.
	fd     int
	in     []byte    // accumulated inbound bytes, split at newlines
	out    ByteQueue // bytes accepted from the graph but not yet by the kernel
	events uint32    // epoll interest set currently registered

	// Gateway sessions.
	send   chan []byte
	closed bool

	// Subscriptions owned by this peer, keyed by channel name.
	subs map[string]*Channel
}

// Handle returns the peer's stable identifier.
func (p *Peer) Handle() int { return p.handle }

// Addr returns the numeric remote endpoint, for logging.
func (p *Peer) Addr() string { return p.addr }
