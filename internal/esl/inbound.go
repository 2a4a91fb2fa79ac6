package esl

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// InboundConfig configures the persistent client connection to the media
// server's Event Socket listener.
type InboundConfig struct {
	Addr     string
	Password string

	// ConnectTimeout bounds the TCP dial and auth handshake.
	ConnectTimeout time.Duration
	// ReadTimeout bounds waiting for a command reply.
	ReadTimeout time.Duration
	// ReconnectRetries and ReconnectDelay drive automatic reconnection;
	// the delay doubles per attempt.
	ReconnectRetries int
	ReconnectDelay   time.Duration
}

func (c *InboundConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.ReconnectRetries <= 0 {
		c.ReconnectRetries = 3
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
}

// OriginateRequest describes a synchronous originate: the media server dials
// the destination and replies only once the leg answered or failed.
type OriginateRequest struct {
	DialString string
	// Variables are rendered into the {a=b,c=d} prefix in sorted key order.
	Variables map[string]string
	// Application defaults to &park() so the answered leg idles until
	// bridged.
	Application string
	// Timeout overrides the command read timeout; originate replies take as
	// long as the destination rings.
	Timeout time.Duration
}

// OriginateError carries the media server's failure cause (USER_BUSY,
// NO_ANSWER, ...) for classification by the caller.
type OriginateError struct {
	Cause string
}

func (e *OriginateError) Error() string { return "esl: originate failed: " + e.Cause }

// eventWaiter is a one-shot subscription for WaitForEvent.
type eventWaiter struct {
	name string
	uuid string
	ch   chan Event
}

// InboundClient maintains one authenticated connection to the Event Socket
// listener. Command/reply exchanges are serialised under a single lock; the
// background reader routes replies to the in-flight command and event
// messages to waiters and the event handler, so only one goroutine ever
// reads the socket.
type InboundClient struct {
	cfg    InboundConfig
	logger *slog.Logger

	mu       sync.Mutex // serialises command/reply pairs and guards conn
	conn     net.Conn
	br       *bufio.Reader
	inFlight atomic.Bool
	pending  chan Event

	subMu      sync.Mutex
	subscribed []string
	onEvent    func(Event)

	waitMu  sync.Mutex
	waiters []*eventWaiter

	closed   atomic.Bool
	readerWG sync.WaitGroup
}

// NewInboundClient creates a client; call Connect before use.
func NewInboundClient(cfg InboundConfig, logger *slog.Logger) *InboundClient {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &InboundClient{
		cfg:     cfg,
		logger:  logger.With("component", "esl_inbound"),
		pending: make(chan Event, 1),
	}
}

// OnEvent installs the handler invoked for every subscribed event. Install
// before Connect; events are delivered from the reader goroutine in
// reception order.
func (c *InboundClient) OnEvent(fn func(Event)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.onEvent = fn
}

// Connect dials and authenticates, then starts the background reader.
func (c *InboundClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	if err := c.dialLocked(ctx); err != nil {
		return err
	}
	c.readerWG.Add(1)
	go c.readLoop()
	return nil
}

// dialLocked establishes and authenticates a fresh connection. Caller holds
// c.mu; all reads here are direct since the reader is not running (initial
// connect) or is the caller itself (reconnect).
func (c *InboundClient) dialLocked(ctx context.Context) error {
	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("esl: dial %s: %w", c.cfg.Addr, err)
	}
	br := bufio.NewReader(conn)

	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	_ = conn.SetReadDeadline(deadline)
	greeting, err := readMessage(br)
	if err != nil {
		conn.Close()
		return fmt.Errorf("esl: read greeting: %w", err)
	}
	if ct := greeting.ContentType(); ct != typeAuthRequest {
		conn.Close()
		return fmt.Errorf("esl: unexpected greeting content type %q", ct)
	}
	if err := writeCommand(conn, c.cfg.ConnectTimeout, "auth "+c.cfg.Password); err != nil {
		conn.Close()
		return err
	}
	reply, err := readMessage(br)
	if err != nil {
		conn.Close()
		return fmt.Errorf("esl: read auth reply: %w", err)
	}
	if !strings.HasPrefix(reply.ReplyText(), "+OK") {
		conn.Close()
		return fmt.Errorf("esl: auth rejected: %s", reply.ReplyText())
	}
	_ = conn.SetReadDeadline(time.Time{})

	c.conn = conn
	c.br = br
	return nil
}

// Close tears the connection down and stops the reader.
func (c *InboundClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.readerWG.Wait()
	return nil
}

// Connected reports whether a live authenticated connection exists.
func (c *InboundClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// readLoop owns all reads on the socket. Replies to the in-flight command go
// to the pending channel; events go to waiters and the handler; read errors
// trigger bounded reconnection.
func (c *InboundClient) readLoop() {
	defer c.readerWG.Done()
	for {
		c.mu.Lock()
		br := c.br
		c.mu.Unlock()
		if br == nil {
			return
		}

		msg, err := readMessage(br)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("read failed, reconnecting", "error", err)
			if !c.reconnect() {
				if !c.closed.Load() {
					c.logger.Error("reconnect attempts exhausted")
				}
				return
			}
			continue
		}

		switch msg.ContentType() {
		case typeCommandReply, typeAPIResponse:
			if c.inFlight.Load() {
				select {
				case c.pending <- msg:
				default:
				}
			} else {
				c.logger.Debug("dropping reply with no command in flight", "reply", msg.ReplyText())
			}
		case typeEventPlain:
			c.dispatch(parseEventBody(msg))
		case typeDisconnectNotice:
			c.logger.Warn("disconnect notice received, reconnecting")
			if !c.reconnect() {
				if !c.closed.Load() {
					c.logger.Error("reconnect attempts exhausted")
				}
				return
			}
		}
	}
}

// reconnect runs on the reader goroutine. It redials with exponential delay
// and restores event subscriptions directly on the fresh socket, since no
// reader is consuming it yet. The command lock is held only around socket
// mutation so in-flight callers fail fast with ErrNotConnected instead of
// queueing behind the backoff.
func (c *InboundClient) reconnect() bool {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.br = nil
	}
	c.mu.Unlock()

	delay := c.cfg.ReconnectDelay
	for attempt := 1; attempt <= c.cfg.ReconnectRetries; attempt++ {
		if c.closed.Load() {
			return false
		}
		time.Sleep(delay)
		delay *= 2
		if c.closed.Load() {
			return false
		}

		c.mu.Lock()
		err := c.dialLocked(context.Background())
		if err == nil {
			if err = c.resubscribeLocked(); err != nil {
				c.conn.Close()
				c.conn = nil
				c.br = nil
			} else if c.closed.Load() {
				c.conn.Close()
				c.conn = nil
				c.br = nil
				c.mu.Unlock()
				return false
			}
		}
		c.mu.Unlock()
		if err != nil {
			c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}
		c.logger.Info("reconnected", "attempt", attempt)
		return true
	}
	return false
}

// resubscribeLocked replays the stored event subscription on a fresh socket
// with a direct synchronous exchange.
func (c *InboundClient) resubscribeLocked() error {
	c.subMu.Lock()
	names := append([]string(nil), c.subscribed...)
	c.subMu.Unlock()
	if len(names) == 0 {
		return nil
	}
	if err := writeCommand(c.conn, c.cfg.ConnectTimeout, "event plain "+strings.Join(names, " ")); err != nil {
		return err
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	reply, err := readMessage(c.br)
	_ = c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return err
	}
	return checkReply(reply.ReplyText())
}

// dispatch delivers an event to any matching one-shot waiter, then to the
// installed handler.
func (c *InboundClient) dispatch(ev Event) {
	name := ev.Name()
	uuid := ev.UniqueID()

	c.waitMu.Lock()
	remaining := c.waiters[:0]
	var matched []*eventWaiter
	for _, w := range c.waiters {
		if w.name == name && (w.uuid == "" || w.uuid == uuid) {
			matched = append(matched, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.waitMu.Unlock()

	for _, w := range matched {
		w.ch <- ev
	}

	c.subMu.Lock()
	handler := c.onEvent
	c.subMu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

// sendRecv performs one serialised command/reply exchange.
func (c *InboundClient) sendRecv(ctx context.Context, cmd string, timeout time.Duration) (Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = c.cfg.ReadTimeout
	}

	// Discard a stale reply left behind by a timed-out predecessor.
	select {
	case <-c.pending:
	default:
	}

	c.inFlight.Store(true)
	defer c.inFlight.Store(false)

	if err := writeCommand(c.conn, c.cfg.ConnectTimeout, cmd); err != nil {
		return nil, err
	}

	select {
	case reply := <-c.pending:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("esl: awaiting reply to %q: %w", firstWord(cmd), ctx.Err())
	case <-time.After(timeout):
		return nil, fmt.Errorf("esl: awaiting reply to %q: timeout after %s", firstWord(cmd), timeout)
	}
}

// ExecuteAPI runs a blocking api command and returns the response body (or
// reply text). Transport failures surface as errors; -ERR payloads are
// returned to the caller for interpretation.
func (c *InboundClient) ExecuteAPI(ctx context.Context, command string) (string, error) {
	reply, err := c.sendRecv(ctx, "api "+command, 0)
	if err != nil {
		return "", err
	}
	if body := reply.Body(); body != "" {
		return strings.TrimSpace(body), nil
	}
	return strings.TrimSpace(reply.ReplyText()), nil
}

// BGAPI runs a background api command and returns the job UUID.
func (c *InboundClient) BGAPI(ctx context.Context, command string) (string, error) {
	reply, err := c.sendRecv(ctx, "bgapi "+command, 0)
	if err != nil {
		return "", err
	}
	if err := checkReply(reply.ReplyText()); err != nil {
		return "", err
	}
	return reply.Get("Job-UUID"), nil
}

// SubscribeEvents adds event names to the plain-format subscription. Names
// are remembered so reconnection restores them.
func (c *InboundClient) SubscribeEvents(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	c.subMu.Lock()
	for _, n := range names {
		if !containsString(c.subscribed, n) {
			c.subscribed = append(c.subscribed, n)
		}
	}
	all := append([]string(nil), c.subscribed...)
	c.subMu.Unlock()

	reply, err := c.sendRecv(ctx, "event plain "+strings.Join(all, " "), 0)
	if err != nil {
		return err
	}
	return checkReply(reply.ReplyText())
}

// WaitForEvent blocks until an event with the given name (and channel UUID,
// unless empty) arrives, the timeout lapses, or ctx is cancelled.
func (c *InboundClient) WaitForEvent(ctx context.Context, name, uuid string, timeout time.Duration) (Event, error) {
	w := &eventWaiter{name: name, uuid: uuid, ch: make(chan Event, 1)}
	c.waitMu.Lock()
	c.waiters = append(c.waiters, w)
	c.waitMu.Unlock()

	defer func() {
		c.waitMu.Lock()
		for i, cand := range c.waiters {
			if cand == w {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				break
			}
		}
		c.waitMu.Unlock()
	}()

	select {
	case ev := <-w.ch:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("esl: waiting for %s: timeout after %s", name, timeout)
	}
}

// Originate dials req.DialString synchronously and returns the new channel
// UUID on answer. Failure causes are wrapped in [OriginateError].
func (c *InboundClient) Originate(ctx context.Context, req OriginateRequest) (string, error) {
	app := req.Application
	if app == "" {
		app = "&park()"
	}
	cmd := "api originate " + formatVariables(req.Variables) + req.DialString + " " + app

	reply, err := c.sendRecv(ctx, cmd, req.Timeout)
	if err != nil {
		return "", err
	}
	body := strings.TrimSpace(reply.Body())
	if body == "" {
		body = strings.TrimSpace(reply.ReplyText())
	}
	switch {
	case strings.HasPrefix(body, "+OK"):
		return strings.TrimSpace(strings.TrimPrefix(body, "+OK")), nil
	case strings.HasPrefix(body, "-ERR"):
		return "", &OriginateError{Cause: strings.TrimSpace(strings.TrimPrefix(body, "-ERR"))}
	default:
		return "", fmt.Errorf("esl: unexpected originate reply %q", body)
	}
}

// UUIDBridge bridges two answered legs atomically.
func (c *InboundClient) UUIDBridge(ctx context.Context, uuidA, uuidB string) error {
	body, err := c.ExecuteAPI(ctx, "uuid_bridge "+uuidA+" "+uuidB)
	if err != nil {
		return err
	}
	return checkReply(body)
}

// formatVariables renders the originate variable block in sorted key order,
// quoting values that would break the comma-separated syntax.
func formatVariables(vars map[string]string) string {
	if len(vars) == 0 {
		return ""
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		v := vars[k]
		if strings.ContainsAny(v, " ,") {
			v = "'" + v + "'"
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	b.WriteByte('}')
	return b.String()
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
