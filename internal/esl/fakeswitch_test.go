package esl_test

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"runtime"
	"sort"
	"strings"
	"testing"
)

// fsPeer scripts one side of an Event Socket conversation. Scripts run on
// their own goroutine, so failures are reported with Errorf and the socket
// is torn down to unblock the code under test.
type fsPeer struct {
	t  *testing.T
	c  net.Conn
	br *bufio.Reader
}

func newFSPeer(t *testing.T, c net.Conn) *fsPeer {
	return &fsPeer{t: t, c: c, br: bufio.NewReader(c)}
}

func (p *fsPeer) fail(format string, args ...any) {
	p.t.Errorf(format, args...)
	p.c.Close()
	runtime.Goexit()
}

// expect reads one blank-line-terminated command and checks its prefix.
func (p *fsPeer) expect(wantPrefix string) string {
	var lines []string
	for {
		line, err := p.br.ReadString('\n')
		if err != nil {
			p.fail("fake switch: read command (want %q): %v", wantPrefix, err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(lines) > 0 {
				break
			}
			continue
		}
		lines = append(lines, line)
	}
	cmd := strings.Join(lines, "\n")
	if !strings.HasPrefix(cmd, wantPrefix) {
		p.fail("fake switch: got command %q, want prefix %q", cmd, wantPrefix)
	}
	return cmd
}

func (p *fsPeer) send(raw string) {
	if _, err := io.WriteString(p.c, raw); err != nil {
		p.fail("fake switch: write: %v", err)
	}
}

func (p *fsPeer) sendReply(text string) {
	p.send("Content-Type: command/reply\nReply-Text: " + text + "\n\n")
}

func (p *fsPeer) sendAPIResponse(body string) {
	p.send(fmt.Sprintf("Content-Type: api/response\nContent-Length: %d\n\n%s", len(body), body))
}

// sendEvent delivers a text/event-plain message carrying the given headers.
func (p *fsPeer) sendEvent(headers map[string]string) {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(headers[k])
		b.WriteByte('\n')
	}
	body := b.String()
	p.send(fmt.Sprintf("Content-Length: %d\nContent-Type: text/event-plain\n\n%s", len(body), body))
}

func (p *fsPeer) sendDisconnect() {
	p.send("Content-Type: text/disconnect-notice\nContent-Disposition: disconnect\n\n")
}

// greetAndAuth plays the inbound listener's side of the auth handshake.
func (p *fsPeer) greetAndAuth(password string) {
	p.send("Content-Type: auth/request\n\n")
	p.expect("auth " + password)
	p.sendReply("+OK accepted")
}

// waitClosed blocks until the peer hangs up.
func (p *fsPeer) waitClosed() {
	buf := make([]byte, 64)
	for {
		if _, err := p.c.Read(buf); err != nil {
			return
		}
	}
}

// startSwitch runs a scripted Event Socket listener. The script runs once
// per accepted connection with the connection's ordinal, so reconnect tests
// can vary behaviour between attempts.
func startSwitch(t *testing.T, script func(i int, p *fsPeer)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for i := 0; ; i++ {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(i int, c net.Conn) {
				defer c.Close()
				script(i, newFSPeer(t, c))
			}(i, c)
		}
	}()
	return ln.Addr().String()
}
