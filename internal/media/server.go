package media

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// metadataWait bounds how long the server waits for the optional metadata
// frame before starting the session with defaults.
const metadataWait = 2 * time.Second

// clientFrame is any JSON text frame sent by the client.
type clientFrame struct {
	Type       string `json:"type"`
	CallerID   string `json:"caller_id"`
	SampleRate int    `json:"sample_rate"`
	Digit      string `json:"digit"`
}

// Server accepts stream WebSocket connections and relays their frames to a
// [Handler]. It implements http.Handler; mount it on the mux that also
// carries the health and metrics routes.
type Server struct {
	handler Handler
	logger  *slog.Logger
}

// NewServer builds a media server around handler.
func NewServer(handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{handler: handler, logger: logger.With("component", "media")}
}

// ServeHTTP upgrades the request and dispatches on path. /health answers the
// handshake and closes normally; anything that is not /stream/{tenant}/{call}
// closes with policy violation.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Warn("websocket accept failed", "path", r.URL.Path, "error", err)
		return
	}

	if r.URL.Path == "/health" {
		ws.Close(websocket.StatusNormalClosure, "ok")
		return
	}
	tenant, callID, ok := parseStreamPath(r.URL.Path)
	if !ok {
		s.logger.Warn("invalid stream path", "path", r.URL.Path)
		ws.Close(websocket.StatusPolicyViolation, "invalid path")
		return
	}
	s.serveStream(r.Context(), ws, tenant, callID)
}

// parseStreamPath extracts (tenant, call) from /stream/{tenant}/{call}.
func parseStreamPath(path string) (tenant, callID string, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] != "stream" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func (s *Server) serveStream(ctx context.Context, ws *websocket.Conn, tenant, callID string) {
	log := s.logger.With("tenant", tenant, "call_id", callID)
	ws.SetReadLimit(1 << 20)

	info := ConnInfo{Tenant: tenant, CallID: callID, SampleRate: DefaultSampleRate}

	// The metadata frame is optional and, when present, first. A binary
	// frame or a quiet client starts the session with defaults; a leading
	// binary frame is kept and delivered as the first audio.
	var pendingAudio []byte
	metaCtx, cancel := context.WithTimeout(ctx, metadataWait)
	typ, data, err := ws.Read(metaCtx)
	cancel()
	switch {
	case err == nil && typ == websocket.MessageText:
		var frame clientFrame
		if jsonErr := json.Unmarshal(data, &frame); jsonErr == nil && frame.Type == "metadata" {
			info.CallerID = frame.CallerID
			if frame.SampleRate > 0 {
				info.SampleRate = frame.SampleRate
			}
		} else {
			log.Debug("first text frame is not metadata", "error", jsonErr)
		}
	case err == nil && typ == websocket.MessageBinary:
		pendingAudio = data
	case errors.Is(err, context.DeadlineExceeded):
		// No metadata; proceed with defaults.
	case err != nil:
		log.Info("stream closed before metadata", "error", err)
		ws.Close(websocket.StatusNormalClosure, "")
		return
	}

	conn := newConn(ws, info.SampleRate)
	sink, err := s.handler.Connected(ctx, conn, info)
	if err != nil {
		log.Error("stream rejected", "error", err)
		ws.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	log.Info("stream connected", "caller", info.CallerID, "sample_rate", info.SampleRate)

	if pendingAudio != nil {
		if err := sink.Audio(pendingAudio); err != nil {
			log.Warn("audio rejected", "error", err)
		}
	}
	s.readLoop(ctx, ws, conn, sink, log)
}

// readLoop relays frames until the socket dies, then reports the terminal
// reason exactly once.
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, conn *Conn, sink Sink, log *slog.Logger) {
	defer func() {
		conn.Close(websocket.StatusNormalClosure, "")
		sink.Closed("connection_closed")
		log.Info("stream disconnected")
	}()

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			if err := sink.Audio(data); err != nil {
				log.Warn("audio rejected", "error", err)
			}
		case websocket.MessageText:
			var frame clientFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				log.Debug("malformed text frame", "error", err)
				continue
			}
			switch frame.Type {
			case "dtmf":
				sink.DTMF(frame.Digit)
			case "hangup":
				sink.Hangup()
			case "metadata":
				// Late metadata is ignored; the session is already bound.
			default:
				log.Debug("unknown text frame", "type", frame.Type)
			}
		}
	}
}
