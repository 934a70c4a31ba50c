package feed

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"

	"QuorumKeys/internal/logger"
	"QuorumKeys/internal/registry"
	"QuorumKeys/internal/wire"
)

// Subscription is a live connection to a feed server.
type Subscription struct {
	conn   *quic.Conn
	events chan registry.Event
	cancel context.CancelFunc
}

// Subscribe connects to a feed server and starts receiving events.
// The feed presents a self-signed certificate, so the transport is
// encrypted but not authenticated; observers treat events as advisory.
func Subscribe(ctx context.Context, addr string) (*Subscription, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: true, // self-signed server certificate
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)

	sub := &Subscription{
		conn:   conn,
		events: make(chan registry.Event, subscriberBuffer),
		cancel: cancel,
	}

	go sub.receiveLoop(subCtx)

	return sub, nil
}

// Events returns the channel of received contribution events.
// The channel is closed when the subscription ends.
func (s *Subscription) Events() <-chan registry.Event {
	return s.events
}

// Close terminates the subscription.
func (s *Subscription) Close() error {
	s.cancel()
	return s.conn.CloseWithError(0, "unsubscribed")
}

// receiveLoop accepts event streams until the connection ends.
func (s *Subscription) receiveLoop(ctx context.Context) {
	defer close(s.events)

	for {
		stream, err := s.conn.AcceptUniStream(ctx)
		if err != nil {
			return // Connection closed
		}

		data, err := readMessage(stream)
		if err != nil {
			logger.Debug("feed stream read error", "error", err)
			continue
		}

		ev, err := wire.DecodeEvent(data)
		if err != nil {
			logger.Warn("malformed feed event", "error", err)
			continue
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
