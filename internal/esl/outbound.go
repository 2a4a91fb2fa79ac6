package esl

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ChannelInfo is the call identity extracted from the channel-data reply of
// the outbound handshake. Raw retains every header for variable lookups.
type ChannelInfo struct {
	UniqueID    string
	Channel     string
	CallerName  string
	CallerNum   string
	Destination string
	Context     string
	Raw         Event
}

// Variable returns a channel variable from the handshake snapshot.
func (ci ChannelInfo) Variable(name string) string {
	if ci.Raw == nil {
		return ""
	}
	return ci.Raw.Variable(name)
}

func channelInfoFromEvent(ev Event) ChannelInfo {
	return ChannelInfo{
		UniqueID:    ev.UniqueID(),
		Channel:     ev.Get("Channel-Name"),
		CallerName:  ev.Get("Caller-Caller-ID-Name"),
		CallerNum:   ev.Get("Caller-Caller-ID-Number"),
		Destination: ev.Get("Caller-Destination-Number"),
		Context:     ev.Get("Caller-Context"),
		Raw:         ev,
	}
}

// OutboundConn is one accepted connection from the media server's outbound
// socket application. It is tied to a single channel: the handshake snapshot
// identifies the call, myevents scopes the event stream to it, and linger
// keeps the socket alive long enough to observe the hangup.
//
// The same single-reader discipline as [InboundClient] applies: run owns all
// reads and routes command replies to the serialised sender.
type OutboundConn struct {
	conn        net.Conn
	br          *bufio.Reader
	logger      *slog.Logger
	readTimeout time.Duration

	info ChannelInfo

	mu       sync.Mutex
	inFlight atomic.Bool
	pending  chan Event

	onEvent      func(Event)
	onDisconnect func(reason string)
	notifyOnce   sync.Once

	closed atomic.Bool
	done   chan struct{}
}

// newOutboundConn performs the synchronous handshake on an accepted socket:
// connect to obtain channel data, linger to outlive the channel, myevents to
// subscribe to the channel's event stream.
func newOutboundConn(conn net.Conn, connectTimeout, readTimeout time.Duration, logger *slog.Logger) (*OutboundConn, error) {
	br := bufio.NewReader(conn)
	deadline := time.Now().Add(connectTimeout)

	if err := writeCommand(conn, connectTimeout, "connect"); err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(deadline)
	data, err := readMessage(br)
	if err != nil {
		return nil, fmt.Errorf("esl: read channel data: %w", err)
	}
	if ct := data.ContentType(); ct != typeCommandReply {
		return nil, fmt.Errorf("esl: unexpected connect reply content type %q", ct)
	}

	for _, cmd := range []string{"linger", "myevents plain"} {
		if err := writeCommand(conn, connectTimeout, cmd); err != nil {
			return nil, err
		}
		reply, err := readMessage(br)
		if err != nil {
			return nil, fmt.Errorf("esl: read %s reply: %w", firstWord(cmd), err)
		}
		if err := checkReply(reply.ReplyText()); err != nil {
			return nil, fmt.Errorf("esl: %s: %w", firstWord(cmd), err)
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	info := channelInfoFromEvent(data)
	return &OutboundConn{
		conn:        conn,
		br:          br,
		logger:      logger.With("component", "esl_outbound", "call_id", info.UniqueID),
		readTimeout: readTimeout,
		info:        info,
		pending:     make(chan Event, 1),
		done:        make(chan struct{}),
	}, nil
}

// Info returns the handshake channel snapshot.
func (o *OutboundConn) Info() ChannelInfo { return o.info }

// Done is closed once the socket stops reading, whether by disconnect notice
// or error.
func (o *OutboundConn) Done() <-chan struct{} { return o.done }

// run reads until the peer closes the socket. A disconnect notice marks the
// channel as gone but, under linger, events keep flowing until the peer
// hangs up the TCP side, so draining continues past the notice.
func (o *OutboundConn) run() {
	defer close(o.done)
	for {
		msg, err := readMessage(o.br)
		if err != nil {
			if !o.closed.Load() {
				o.logger.Debug("socket read ended", "error", err)
			}
			o.notifyDisconnect("socket closed")
			return
		}
		switch msg.ContentType() {
		case typeCommandReply, typeAPIResponse:
			if o.inFlight.Load() {
				select {
				case o.pending <- msg:
				default:
				}
			}
		case typeEventPlain:
			if o.onEvent != nil {
				o.onEvent(parseEventBody(msg))
			}
		case typeDisconnectNotice:
			o.logger.Debug("disconnect notice")
			o.notifyDisconnect(strings.TrimSpace(msg.Get("Content-Disposition")))
		}
	}
}

func (o *OutboundConn) notifyDisconnect(reason string) {
	o.notifyOnce.Do(func() {
		if o.onDisconnect != nil {
			o.onDisconnect(reason)
		}
	})
}

// Close hangs up the socket side without touching the channel.
func (o *OutboundConn) Close() error {
	if o.closed.CompareAndSwap(false, true) {
		return o.conn.Close()
	}
	return nil
}

// sendRecv mirrors the inbound exchange: one command, one routed reply.
func (o *OutboundConn) sendRecv(ctx context.Context, cmd string) (Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed.Load() {
		return nil, ErrNotConnected
	}

	select {
	case <-o.pending:
	default:
	}

	o.inFlight.Store(true)
	defer o.inFlight.Store(false)

	if err := writeCommand(o.conn, o.readTimeout, cmd); err != nil {
		return nil, err
	}

	select {
	case reply := <-o.pending:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("esl: awaiting reply to %q: %w", firstWord(cmd), ctx.Err())
	case <-o.done:
		return nil, ErrNotConnected
	case <-time.After(o.readTimeout):
		return nil, fmt.Errorf("esl: awaiting reply to %q: timeout after %s", firstWord(cmd), o.readTimeout)
	}
}

// ExecuteAPI runs a blocking api command on the channel's socket.
func (o *OutboundConn) ExecuteAPI(ctx context.Context, command string) (string, error) {
	reply, err := o.sendRecv(ctx, "api "+command)
	if err != nil {
		return "", err
	}
	if body := reply.Body(); body != "" {
		return strings.TrimSpace(body), nil
	}
	return strings.TrimSpace(reply.ReplyText()), nil
}

// Execute runs a dialplan application on the channel via sendmsg, holding
// the event lock so applications run in order.
func (o *OutboundConn) Execute(ctx context.Context, app, arg string) error {
	var b strings.Builder
	b.WriteString("sendmsg\ncall-command: execute\nexecute-app-name: ")
	b.WriteString(app)
	if arg != "" {
		b.WriteString("\nexecute-app-arg: ")
		b.WriteString(arg)
	}
	b.WriteString("\nevent-lock: true")

	reply, err := o.sendRecv(ctx, b.String())
	if err != nil {
		return err
	}
	if err := checkReply(reply.ReplyText()); err != nil {
		return fmt.Errorf("esl: execute %s: %w", app, err)
	}
	return nil
}

// Answer answers the channel.
func (o *OutboundConn) Answer(ctx context.Context) error {
	return o.Execute(ctx, "answer", "")
}
