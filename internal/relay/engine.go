package relay

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	// readChunk bounds a single read from a peer socket. Level-triggered
	// readiness re-arms the event while more input is pending.
	readChunk = 1024

	// inputCeiling caps a peer's input buffer. A peer that accumulates this
	// much without a newline is disconnected rather than growing without
	// bound.
	inputCeiling = 64 * 1024

	listenBacklog = 25

	// allChannel is the channel every peer is subscribed to on accept.
	allChannel = "all"
)

var (
	greetingLine = []byte("debug!connected...\n")
	busyLine     = []byte("debug!busy\n")
)

// Observer receives engine lifecycle callbacks. Implementations must be
// fast and must not call back into the engine; they run on the loop.
type Observer interface {
	PeerAccepted(current, highWater int)
	PeerClosed(current int)
	Rejected(reason string)
	Announced(deliveries int)
	GraphChanged(channels, subscriptions int)
}

// AcceptGate is consulted before admission control. A false return closes
// the connection without the busy line and without counting a limit
// rejection.
type AcceptGate interface {
	Allow(ip string) bool
}

// Config carries the engine's own knobs; everything else (logging, ops,
// bridges) is wired around the engine by the caller.
type Config struct {
	// Port is the TCP port bound on both address families. Port 0 binds an
	// ephemeral port (tests); Port() reports the actual one.
	Port int

	// ClientLimit caps concurrent peers. Zero derives the cap from the
	// file-descriptor budget; an explicit value may raise the soft rlimit.
	ClientLimit int
}

// Snapshot is a point-in-time view of the engine for introspection outside
// the loop (health endpoint, tests).
type Snapshot struct {
	Peers         int
	Channels      int
	Subscriptions int
	HighWater     int
	ClientLimit   int
	Connections   uint64
	Announcements uint64
	Messages      uint64
	Rejected      uint64
	Started       time.Time
}

// Engine is the relay core: a single goroutine multiplexing every peer
// through one epoll instance. All graph mutations happen on that goroutine;
// external goroutines (gateway, bridge, signal handler) hand it work through
// the injection queue and the wakeup eventfd. The epoll wait is the only
// suspension point.
type Engine struct {
	cfg   Config
	log   zerolog.Logger
	obs   Observer
	gate  AcceptGate
	stats *Stats
	graph *Graph

	poller    *Poller
	listeners map[int]bool
	port      int

	injectMu sync.Mutex
	injected []func()

	readBuf [readChunk]byte

	// Gateway sessions get synthetic negative handles so they can never
	// collide with a socket descriptor.
	nextSession int

	closing bool
	done    chan struct{}
}

// New computes the fd budget and builds an engine. Listen must be called
// before Serve.
func New(cfg Config, log zerolog.Logger, obs Observer, gate AcceptGate) (*Engine, error) {
	budget, err := ComputeBudget(cfg.ClientLimit)
	if err != nil {
		return nil, err
	}

	log = log.With().Str("component", "engine").Logger()
	stats := NewStats(log)
	stats.ClientLimit = budget.ClientLimit
	stats.SoftLimit = budget.Soft
	stats.HardLimit = budget.Hard

	poller, err := NewPoller()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		log:         log,
		obs:         obs,
		gate:        gate,
		stats:       stats,
		poller:      poller,
		listeners:   make(map[int]bool),
		nextSession: -2,
		done:        make(chan struct{}),
	}
	e.graph = NewGraph(stats, e.deliver, log)

	log.Info().
		Int("client_limit", budget.ClientLimit).
		Uint64("rlimit_soft", budget.Soft).
		Uint64("rlimit_hard", budget.Hard).
		Msg("admission budget computed")
	return e, nil
}

// Listen binds the IPv4 and IPv6 listeners. The IPv6 socket is marked
// v6-only so both bindings coexist on the same port. An unsupported IPv6
// stack degrades to IPv4 with a warning; every other bind failure is fatal.
func (e *Engine) Listen() error {
	fd4, err := e.listenSocket(unix.AF_INET, e.cfg.Port)
	if err != nil {
		return err
	}
	e.listeners[fd4] = true

	sa, err := unix.Getsockname(fd4)
	if err != nil {
		return fmt.Errorf("getsockname: %w", err)
	}
	e.port = sa.(*unix.SockaddrInet4).Port

	fd6, err := e.listenSocket(unix.AF_INET6, e.port)
	if err != nil {
		if err == unix.EAFNOSUPPORT {
			e.log.Warn().Msg("IPv6 unsupported, listening on IPv4 only")
		} else {
			return err
		}
	} else {
		e.listeners[fd6] = true
	}

	for fd := range e.listeners {
		if err := e.poller.Add(fd, unix.EPOLLIN); err != nil {
			return err
		}
	}
	e.log.Info().Int("port", e.port).Int("listeners", len(e.listeners)).Msg("listening")
	return nil
}

func (e *Engine) listenSocket(family, port int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		if err == unix.EAFNOSUPPORT {
			return -1, unix.EAFNOSUPPORT
		}
		return -1, fmt.Errorf("socket: %w", err)
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	var sa unix.Sockaddr
	if family == unix.AF_INET6 {
		unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
		sa = &unix.SockaddrInet6{Port: port}
	} else {
		sa = &unix.SockaddrInet4{Port: port}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind port %d: %w", port, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// Port reports the bound TCP port.
func (e *Engine) Port() int { return e.port }

// Serve runs the readiness loop until Shutdown. It owns every peer and
// every graph mutation for its lifetime.
func (e *Engine) Serve() error {
	defer e.teardown()
	for {
		events, err := e.poller.Wait()
		if err != nil {
			return err
		}
		for _, ev := range events {
			fd := int(ev.Fd)
			switch {
			case e.poller.IsWake(fd):
				e.poller.DrainWake()
				e.runInjected()
			case e.listeners[fd]:
				e.acceptReady(fd)
			default:
				e.peerReady(fd, ev.Events)
			}
			if e.closing {
				return nil
			}
		}
	}
}

func (e *Engine) teardown() {
	for fd := range e.listeners {
		e.poller.Del(fd)
		unix.Close(fd)
	}
	for _, p := range e.graph.peers {
		e.closePeer(p, "shutdown")
	}
	e.poller.Close()
	close(e.done)
	e.log.Info().Msg("engine stopped")
}

// Shutdown breaks the loop. Listeners close first, then every peer gets an
// orderly FIN. Safe to call from any goroutine; idempotent.
func (e *Engine) Shutdown() {
	e.inject(func() { e.closing = true })
}

// Done is closed once Serve has torn the engine down.
func (e *Engine) Done() <-chan struct{} { return e.done }

// ---- accept path ----

func (e *Engine) acceptReady(lfd int) {
	for {
		nfd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.ECONNABORTED || err == unix.EINTR {
				continue
			}
			e.log.Warn().Err(err).Msg("accept failed")
			return
		}
		e.admit(nfd, sockaddrString(sa))
	}
}

func (e *Engine) admit(fd int, addr string) {
	if e.gate != nil && !e.gate.Allow(hostOf(addr)) {
		// Rate-limited connects are shed silently: no busy line, no
		// limit-rejection count.
		e.log.Debug().Str("addr", addr).Msg("connection rate limited")
		unix.Close(fd)
		if e.obs != nil {
			e.obs.Rejected("rate_limited")
		}
		return
	}

	if e.stats.ClientLimit > 0 && e.graph.PeerCount() >= e.stats.ClientLimit {
		// The socket came out of Accept4 non-blocking, so a slow rejected
		// client cannot stall the accept loop on this send.
		unix.Write(fd, busyLine)
		unix.Close(fd)
		e.stats.LimitRejected.Inc()
		if e.obs != nil {
			e.obs.Rejected("client_limit")
		}
		e.log.Info().Str("addr", addr).Int("limit", e.stats.ClientLimit).Msg("connection rejected at client limit")
		return
	}

	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	if err := e.poller.Add(fd, unix.EPOLLIN); err != nil {
		e.log.Warn().Err(err).Str("addr", addr).Msg("registering peer failed")
		unix.Close(fd)
		return
	}

	p := &Peer{handle: fd, fd: fd, kind: peerSocket, addr: addr, events: unix.EPOLLIN}
	e.graph.AddPeer(p)
	e.stats.Connections.Inc()
	if n := e.graph.PeerCount(); n > e.stats.HighWater {
		e.stats.HighWater = n
	}

	e.deliver(p, greetingLine)
	e.graph.Subscribe(p, allChannel)
	if e.obs != nil {
		e.obs.PeerAccepted(e.graph.PeerCount(), e.stats.HighWater)
		e.obs.GraphChanged(e.graph.ChannelCount(), e.graph.SubscriptionCount())
	}
	e.log.Info().Str("addr", addr).Int("peer", fd).Msg("peer connected")
}

// ---- peer I/O ----

func (e *Engine) peerReady(fd int, events uint32) {
	p, ok := e.graph.Peer(fd)
	if !ok {
		// Stale event for a descriptor closed earlier in this batch.
		return
	}
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		e.closePeer(p, "socket error")
		return
	}
	if events&unix.EPOLLOUT != 0 {
		e.flush(p)
		if _, live := e.graph.Peer(fd); !live {
			return
		}
	}
	if events&unix.EPOLLIN != 0 {
		e.readPeer(p)
	}
}

func (e *Engine) readPeer(p *Peer) {
	n, err := unix.Read(p.fd, e.readBuf[:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		e.closePeer(p, "read error")
		return
	}
	if n == 0 {
		e.closePeer(p, "peer closed")
		return
	}

	p.in = append(p.in, e.readBuf[:n]...)
	if len(p.in) > inputCeiling {
		e.log.Info().Int("peer", p.handle).Int("buffered", len(p.in)).Msg("input buffer ceiling exceeded")
		e.closePeer(p, "input overflow")
		return
	}

	for {
		line, rest, ok := nextLine(p.in)
		if !ok {
			break
		}
		cmd := string(line)
		p.in = append(p.in[:0], rest...)
		e.dispatch(p, cmd)
		if _, live := e.graph.Peer(p.handle); !live {
			return
		}
	}
}

func (e *Engine) dispatch(p *Peer, line string) {
	cmd := ParseCommand(line)
	switch cmd.Verb {
	case VerbPing:
		e.stats.Pings.Inc()
		e.deliver(p, appendLine(nil, []byte(strconv.FormatInt(time.Now().Unix(), 10))))
	case VerbInfo:
		e.deliver(p, e.stats.RenderInfo(time.Now(), e.graph.PeerCount(), e.graph.ChannelCount(), e.graph.SubscriptionCount()))
	case VerbAnnounce:
		n := e.graph.Announce(cmd.Channel, cmd.Body)
		if n > 0 && e.obs != nil {
			e.obs.Announced(n)
		}
	case VerbSubscribe:
		e.graph.Subscribe(p, cmd.Channel)
		if e.obs != nil {
			e.obs.GraphChanged(e.graph.ChannelCount(), e.graph.SubscriptionCount())
		}
	case VerbUnsubscribe:
		e.graph.Unsubscribe(p, cmd.Channel)
		if e.obs != nil {
			e.obs.GraphChanged(e.graph.ChannelCount(), e.graph.SubscriptionCount())
		}
	default:
		e.log.Debug().Int("peer", p.handle).Msg("received garbage from peer")
	}
}

// deliver enqueues one framed line on a peer's output path. Socket peers
// buffer and drain on write-readiness; gateway sessions get a non-blocking
// channel send and are closed if their buffer is full (a session that
// cannot keep up must not delay delivery to anyone else).
func (e *Engine) deliver(p *Peer, line []byte) {
	if p.kind == peerSession {
		if p.closed {
			return
		}
		select {
		case p.send <- line:
		default:
			e.log.Warn().Int("peer", p.handle).Str("addr", p.addr).Msg("session send buffer full, dropping session")
			e.closePeer(p, "slow session")
		}
		return
	}

	wasEmpty := p.out.Len() == 0
	p.out.Append(line)
	if wasEmpty {
		e.flush(p)
	}
}

// flush writes as many bytes as the kernel accepts in one call and retains
// the remainder, arming EPOLLOUT so the loop retries on write-readiness
// instead of spinning against a slow reader.
func (e *Engine) flush(p *Peer) {
	if p.out.Len() > 0 {
		n, err := unix.Write(p.fd, p.out.Bytes())
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		case err != nil:
			e.closePeer(p, "write error")
			return
		default:
			p.out.Advance(n)
		}
	}

	want := uint32(unix.EPOLLIN)
	if p.out.Len() > 0 {
		want |= unix.EPOLLOUT
	}
	if want != p.events {
		if err := e.poller.Mod(p.fd, want); err != nil {
			e.closePeer(p, "poller error")
			return
		}
		p.events = want
	}
}

func (e *Engine) closePeer(p *Peer, reason string) {
	if p.kind == peerSocket {
		e.poller.Del(p.fd)
		e.graph.Disconnect(p)
		unix.Close(p.fd)
	} else {
		e.graph.Disconnect(p)
		if !p.closed {
			p.closed = true
			close(p.send)
		}
	}
	if e.obs != nil {
		e.obs.PeerClosed(e.graph.PeerCount())
		e.obs.GraphChanged(e.graph.ChannelCount(), e.graph.SubscriptionCount())
	}
	e.log.Info().Int("peer", p.handle).Str("addr", p.addr).Str("reason", reason).Msg("peer disconnected")
}

// ---- injection: work handed to the loop by other goroutines ----

func (e *Engine) inject(fn func()) {
	select {
	case <-e.done:
		return
	default:
	}
	e.injectMu.Lock()
	e.injected = append(e.injected, fn)
	e.injectMu.Unlock()
	e.poller.Wake()
}

func (e *Engine) runInjected() {
	e.injectMu.Lock()
	batch := e.injected
	e.injected = nil
	e.injectMu.Unlock()
	for _, fn := range batch {
		fn()
		if e.closing {
			return
		}
	}
}

// InjectAnnounce publishes into a channel from outside the loop (ingest
// bridge). Semantics match a peer announce: absent channel or empty body
// drops silently.
func (e *Engine) InjectAnnounce(channel, body string) {
	e.inject(func() {
		n := e.graph.Announce(channel, body)
		if n > 0 && e.obs != nil {
			e.obs.Announced(n)
		}
	})
}

// ErrBusy is returned by AttachSession when the client limit is reached.
var ErrBusy = fmt.Errorf("client limit reached")

// ErrStopped is returned when the engine has shut down.
var ErrStopped = fmt.Errorf("engine stopped")

// AttachSession registers a gateway session as a first-class peer. The
// session receives outbound lines on send; the caller owns reading send
// until it is closed by the engine. Sessions count against the client
// limit.
func (e *Engine) AttachSession(remote string, send chan []byte) (int, error) {
	type result struct {
		handle int
		err    error
	}
	reply := make(chan result, 1)
	e.inject(func() {
		if e.stats.ClientLimit > 0 && e.graph.PeerCount() >= e.stats.ClientLimit {
			e.stats.LimitRejected.Inc()
			if e.obs != nil {
				e.obs.Rejected("client_limit")
			}
			reply <- result{err: ErrBusy}
			return
		}
		handle := e.nextSession
		e.nextSession--
		p := &Peer{handle: handle, fd: -1, kind: peerSession, addr: remote, send: send}
		e.graph.AddPeer(p)
		e.stats.Connections.Inc()
		if n := e.graph.PeerCount(); n > e.stats.HighWater {
			e.stats.HighWater = n
		}
		e.deliver(p, greetingLine)
		e.graph.Subscribe(p, allChannel)
		if e.obs != nil {
			e.obs.PeerAccepted(e.graph.PeerCount(), e.stats.HighWater)
			e.obs.GraphChanged(e.graph.ChannelCount(), e.graph.SubscriptionCount())
		}
		e.log.Info().Str("addr", remote).Int("peer", handle).Msg("session attached")
		reply <- result{handle: handle}
	})
	select {
	case r := <-reply:
		return r.handle, r.err
	case <-e.done:
		return 0, ErrStopped
	}
}

// SessionLine feeds one protocol line from a gateway session into the
// dispatcher.
func (e *Engine) SessionLine(handle int, line string) {
	e.inject(func() {
		if p, ok := e.graph.Peer(handle); ok {
			e.dispatch(p, line)
		}
	})
}

// DetachSession removes a gateway session (client went away).
func (e *Engine) DetachSession(handle int) {
	e.inject(func() {
		if p, ok := e.graph.Peer(handle); ok {
			e.closePeer(p, "session detached")
		}
	})
}

// Snapshot returns a point-in-time view of the engine, serialized through
// the loop like any other operation.
func (e *Engine) Snapshot() (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	e.inject(func() {
		reply <- Snapshot{
			Peers:         e.graph.PeerCount(),
			Channels:      e.graph.ChannelCount(),
			Subscriptions: e.graph.SubscriptionCount(),
			HighWater:     e.stats.HighWater,
			ClientLimit:   e.stats.ClientLimit,
			Connections:   e.stats.Connections.Value(),
			Announcements: e.stats.Announcements.Value(),
			Messages:      e.stats.Messages.Value(),
			Rejected:      e.stats.LimitRejected.Value(),
			Started:       e.stats.Started,
		}
	})
	select {
	case s := <-reply:
		return s, nil
	case <-e.done:
		return Snapshot{}, ErrStopped
	}
}

// ---- helpers ----

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	}
	return "unknown"
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
