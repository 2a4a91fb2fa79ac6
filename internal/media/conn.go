package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const writeTimeout = 10 * time.Second

// rawAudioAnnounce is the text frame sent before the first binary frame so
// the client knows the PCM rate of what follows.
type rawAudioAnnounce struct {
	Type string           `json:"type"`
	Data rawAudioMetadata `json:"data"`
}

type rawAudioMetadata struct {
	SampleRate int `json:"sampleRate"`
}

// Conn is the outbound half of one stream connection. It is safe for
// concurrent use; writes are serialised.
type Conn struct {
	ws         *websocket.Conn
	sampleRate int

	mu        sync.Mutex
	announced bool
	closed    bool
}

func newConn(ws *websocket.Conn, sampleRate int) *Conn {
	return &Conn{ws: ws, sampleRate: sampleRate}
}

// SampleRate reports the negotiated PCM rate.
func (c *Conn) SampleRate() int { return c.sampleRate }

// WriteAudio sends one binary PCM16LE frame. The first call is preceded by
// the rawAudio announce frame.
func (c *Conn) WriteAudio(ctx context.Context, pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("media: connection closed")
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if !c.announced {
		announce := rawAudioAnnounce{Type: "rawAudio", Data: rawAudioMetadata{SampleRate: c.sampleRate}}
		if err := wsjson.Write(ctx, c.ws, announce); err != nil {
			return fmt.Errorf("media: announce: %w", err)
		}
		c.announced = true
	}
	if err := c.ws.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return fmt.Errorf("media: write audio: %w", err)
	}
	return nil
}

// WriteJSON sends one JSON text frame.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("media: connection closed")
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.ws, v); err != nil {
		return fmt.Errorf("media: write json: %w", err)
	}
	return nil
}

// Close performs the WebSocket close handshake. Idempotent.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.ws.Close(code, reason)
}
