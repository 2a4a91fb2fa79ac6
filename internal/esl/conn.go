package esl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Content types the wire layer distinguishes.
const (
	typeAuthRequest      = "auth/request"
	typeCommandReply     = "command/reply"
	typeAPIResponse      = "api/response"
	typeEventPlain       = "text/event-plain"
	typeDisconnectNotice = "text/disconnect-notice"
	typeRudeRejection    = "text/rude-rejection"
)

var (
	// ErrNotConnected is returned for commands attempted while the
	// underlying socket is down.
	ErrNotConnected = errors.New("esl: not connected")

	// ErrOutboundOnly marks operations an outbound per-call socket cannot
	// perform.
	ErrOutboundOnly = errors.New("esl: operation requires the inbound client")

	// ErrInboundRequired is returned by the hybrid commander when an
	// inbound-only operation is requested and no inbound client is wired.
	ErrInboundRequired = errors.New("esl: no inbound client configured")
)

// writeCommand sends one command terminated by the protocol's blank line.
func writeCommand(conn net.Conn, timeout time.Duration, cmd string) error {
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("esl: set write deadline: %w", err)
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	if _, err := io.WriteString(conn, cmd+"\n\n"); err != nil {
		return fmt.Errorf("esl: write %q: %w", firstWord(cmd), err)
	}
	return nil
}

// readMessage parses one message off the socket: a header block ending in a
// blank line, then Content-Length body bytes when advertised.
func readMessage(br *bufio.Reader) (Event, error) {
	msg := make(Event)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		k, v, ok := strings.Cut(line, ": ")
		if !ok {
			// Tolerate malformed lines rather than desynchronising.
			continue
		}
		msg[k] = unescapeHeader(v)
	}
	if n := msg.ContentLength(); n > 0 {
		body := make([]byte, n)
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, fmt.Errorf("esl: read body: %w", err)
		}
		msg[bodyKey] = string(body)
	}
	return msg, nil
}

// parseEventBody converts a text/event-plain message into the carried event:
// the body is itself a header block, optionally followed by an inner body of
// its own Content-Length.
func parseEventBody(msg Event) Event {
	body := msg.Body()
	ev := make(Event)
	rest := body
	for rest != "" {
		var line string
		line, rest, _ = strings.Cut(rest, "\n")
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break
		}
		k, v, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		ev[k] = unescapeHeader(v)
	}
	if n := ev.ContentLength(); n > 0 && len(rest) >= n {
		ev[bodyKey] = rest[:n]
	}
	return ev
}

// checkReply inspects a Reply-Text or api/response body for the +OK / -ERR
// convention and folds -ERR into an error.
func checkReply(text string) error {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "-ERR") {
		return fmt.Errorf("esl: command failed: %s", strings.TrimSpace(strings.TrimPrefix(text, "-ERR")))
	}
	return nil
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}
