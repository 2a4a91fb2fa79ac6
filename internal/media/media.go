// Package media serves the WebSocket audio plane. FreeSWITCH's
// mod_audio_stream (or the dual-mode dialplan) dials
// ws://host/stream/{tenant}/{call} and exchanges binary PCM16LE frames plus
// a small set of JSON text frames. The server owns the socket; call
// semantics live behind the [Handler] interface so the session layer never
// touches WebSocket details.
package media

import (
	"context"
)

// DefaultSampleRate is assumed when the client's metadata frame does not
// negotiate one.
const DefaultSampleRate = 16000

// ConnInfo describes one accepted stream connection.
type ConnInfo struct {
	// Tenant and CallID come from the request path.
	Tenant string
	CallID string

	// CallerID comes from the metadata frame; empty when the client sent
	// none.
	CallerID string

	// SampleRate is the negotiated PCM16LE rate for both directions.
	SampleRate int
}

// Sink receives the inbound half of one stream connection. Methods are
// called sequentially from the connection's reader goroutine, preserving
// frame order.
type Sink interface {
	// Audio delivers one binary frame of caller PCM16LE audio. The buffer
	// is only valid for the duration of the call.
	Audio(pcm []byte) error

	// DTMF delivers one keypad digit.
	DTMF(digit string)

	// Hangup signals the client-initiated hangup text frame.
	Hangup()

	// Closed signals that the socket is gone, with a terminal reason such
	// as "connection_closed". It is called exactly once, last.
	Closed(reason string)
}

// Handler attaches call semantics to accepted stream connections.
type Handler interface {
	// Connected is called once the connection is identified. The returned
	// Sink receives the inbound frames; conn carries the outbound
	// direction and stays valid until the sink's Closed fires.
	Connected(ctx context.Context, conn *Conn, info ConnInfo) (Sink, error)
}
