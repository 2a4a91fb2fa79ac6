package esl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Relay receives the lifecycle of each outbound-socket call. HandleConnect
// runs on a per-connection goroutine and should block for the duration of
// the call; events and the disconnect arrive concurrently from the socket
// reader.
type Relay interface {
	HandleConnect(ctx context.Context, conn *OutboundConn, info ChannelInfo) error
	HandleEvent(callID string, ev Event)
	HandleDisconnect(callID, reason string)
}

// ServerConfig configures the outbound-socket listener.
type ServerConfig struct {
	Addr string

	// HandshakeTimeout bounds the connect/linger/myevents exchange per
	// accepted socket.
	HandshakeTimeout time.Duration
	// ReadTimeout bounds command replies on established connections.
	ReadTimeout time.Duration
}

func (c *ServerConfig) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
}

// Server accepts outbound-socket connections from the media server. Each
// accepted socket is handshaken, subscribed to its channel's events and
// handed to the relay.
type Server struct {
	cfg    ServerConfig
	relay  Relay
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*OutboundConn

	wg      sync.WaitGroup
	closing bool
}

// NewServer builds the listener; Start begins accepting.
func NewServer(cfg ServerConfig, relay Relay, logger *slog.Logger) *Server {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		relay:  relay,
		logger: logger.With("component", "esl_server"),
		conns:  make(map[string]*OutboundConn),
	}
}

// Start binds the listener and serves until ctx is cancelled or Close is
// called. It returns once the accept loop has started.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("esl: listen %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("outbound socket listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)

	context.AfterFunc(ctx, func() { _ = s.Close() })
	return nil
}

// Addr reports the bound address, useful when the config port is 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn handshakes one socket and runs the relay for the call's
// lifetime.
func (s *Server) serveConn(ctx context.Context, raw net.Conn) {
	oc, err := newOutboundConn(raw, s.cfg.HandshakeTimeout, s.cfg.ReadTimeout, s.logger)
	if err != nil {
		s.logger.Warn("handshake failed", "remote", raw.RemoteAddr().String(), "error", err)
		raw.Close()
		return
	}
	info := oc.Info()
	callID := info.UniqueID
	log := s.logger.With("call_id", callID)
	log.Info("call connected",
		"caller", info.CallerNum,
		"destination", info.Destination,
		"channel", info.Channel,
	)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		oc.Close()
		return
	}
	s.conns[callID] = oc
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, callID)
		s.mu.Unlock()
	}()

	oc.onEvent = func(ev Event) { s.relay.HandleEvent(callID, ev) }
	oc.onDisconnect = func(reason string) { s.relay.HandleDisconnect(callID, reason) }
	go oc.run()

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-oc.Done()
		cancel()
	}()

	if err := s.relay.HandleConnect(callCtx, oc, info); err != nil {
		log.Error("relay failed", "error", err)
	}
	oc.Close()
	log.Info("call socket closed")
}

// Conn returns the live outbound connection for a call, if any.
func (s *Server) Conn(callID string) (*OutboundConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oc, ok := s.conns[callID]
	return oc, ok
}

// ActiveConns reports the number of live outbound sockets.
func (s *Server) ActiveConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting, closes all live sockets and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	ln := s.listener
	conns := make([]*OutboundConn, 0, len(s.conns))
	for _, oc := range s.conns {
		conns = append(conns, oc)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, oc := range conns {
		oc.Close()
	}
	s.wg.Wait()
	return err
}
