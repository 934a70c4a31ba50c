// Package feed streams contribution notifications to offline observers
// over QUIC. Events are fire-and-forget: the registry publishes once per
// mutation and slow subscribers are dropped rather than backpressured.
package feed

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"QuorumKeys/internal/logger"
	"QuorumKeys/internal/registry"
	"QuorumKeys/internal/wire"
)

const (
	// alpnProtocol is the ALPN protocol identifier for the feed.
	alpnProtocol = "quorumkeys-feed/1"

	// subscriberBuffer is the per-subscriber event queue depth.
	subscriberBuffer = 64
)

// Server accepts subscriber connections and fans contribution events out
// to them. It implements registry.Sink.
type Server struct {
	listenAddr string
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	listener *quic.Listener

	subscribers   map[*subscriber]struct{}
	subscribersMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// subscriber is one connected observer.
type subscriber struct {
	conn   *quic.Conn
	events chan []byte
}

// NewServer creates a feed server. The private key signs the TLS
// certificate presented to subscribers.
func NewServer(listenAddr string, privateKey ed25519.PrivateKey) (*Server, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	cert, err := generateCertificate(privateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		listenAddr: listenAddr,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpnProtocol},
		},
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		subscribers: make(map[*subscriber]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins accepting subscriber connections.
func (s *Server) Start() error {
	listener, err := quic.ListenAddr(s.listenAddr, s.tlsConfig, s.quicConfig)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	logger.Info("feed started", "addr", listener.Addr().String())

	return nil
}

// Addr returns the listener's address. Returns empty string if not started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Publish encodes the event once and enqueues it to every subscriber.
// Subscribers whose queue is full miss the event.
func (s *Server) Publish(ev registry.Event) {
	data := wire.EncodeEvent(ev)

	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()

	for sub := range s.subscribers {
		select {
		case sub.events <- data:
		default:
			logger.Warn("subscriber queue full, dropping event",
				"subscriber", sub.conn.RemoteAddr().String())
		}
	}
}

// Close stops the server and disconnects all subscribers.
func (s *Server) Close() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.subscribersMu.Lock()
	for sub := range s.subscribers {
		sub.conn.CloseWithError(0, "feed closed")
	}
	s.subscribers = make(map[*subscriber]struct{})
	s.subscribersMu.Unlock()

	s.wg.Wait()

	return nil
}

// acceptLoop accepts subscriber connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept(s.ctx)
		if err != nil {
			return // Listener closed
		}

		sub := &subscriber{
			conn:   conn,
			events: make(chan []byte, subscriberBuffer),
		}

		s.subscribersMu.Lock()
		s.subscribers[sub] = struct{}{}
		s.subscribersMu.Unlock()

		logger.Debug("subscriber connected", "addr", conn.RemoteAddr().String())

		s.wg.Add(1)
		go s.sendLoop(sub)
	}
}

// sendLoop writes each queued event to the subscriber on a fresh
// unidirectional stream.
func (s *Server) sendLoop(sub *subscriber) {
	defer s.wg.Done()
	defer s.dropSubscriber(sub)

	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-sub.events:
			if err := s.sendEvent(sub, data); err != nil {
				logger.Debug("subscriber send failed", "error", err)
				return
			}
		}
	}
}

// sendEvent writes one framed event to the subscriber.
func (s *Server) sendEvent(sub *subscriber, data []byte) error {
	stream, err := sub.conn.OpenUniStreamSync(s.ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	if err := writeMessage(stream, data); err != nil {
		stream.Close()
		return fmt.Errorf("write event: %w", err)
	}

	return stream.Close()
}

// dropSubscriber removes a subscriber and closes its connection.
func (s *Server) dropSubscriber(sub *subscriber) {
	s.subscribersMu.Lock()
	delete(s.subscribers, sub)
	s.subscribersMu.Unlock()

	sub.conn.CloseWithError(0, "dropped")
}
