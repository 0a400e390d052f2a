package bridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/travisghansen/fanout/internal/relay"
)

// NATS republishes broker messages as channel announcements. A publication
// on `<prefix><channel>` becomes announce(channel, payload) inside the
// engine loop; channels with no subscribers drop the message exactly like
// a peer announce would.
type NATS struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	engine *relay.Engine
	prefix string
	log    zerolog.Logger
}

// Connect dials the broker and subscribes to the channel subject space.
func Connect(url, prefix string, engine *relay.Engine, log zerolog.Logger) (*NATS, error) {
	b := &NATS{
		engine: engine,
		prefix: prefix,
		log:    log.With().Str("component", "nats_bridge").Logger(),
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.log.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			b.log.Info().Str("url", conn.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			b.log.Error().Err(err).Msg("NATS error")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn

	subject := prefix + ">"
	sub, err := conn.Subscribe(subject, b.handle)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	b.sub = sub

	b.log.Info().Str("url", conn.ConnectedUrl()).Str("subject", subject).Msg("ingest bridge connected")
	return b, nil
}

// handle maps one broker message onto an injected announce.
func (b *NATS) handle(msg *nats.Msg) {
	channel := strings.TrimPrefix(msg.Subject, b.prefix)
	if channel == "" || strings.ContainsAny(channel, "! \t") {
		b.log.Debug().Str("subject", msg.Subject).Msg("dropping message with unusable channel name")
		return
	}
	if len(msg.Data) == 0 {
		return
	}
	b.engine.InjectAnnounce(channel, string(msg.Data))
}

// Close unsubscribes and drops the broker connection.
func (b *NATS) Close() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	if b.conn != nil {
		b.conn.Close()
		b.log.Info().Msg("ingest bridge closed")
	}
}
