// Package elevenlabs implements realtime.Provider for the ElevenLabs
// Conversational AI WebSocket API.
//
// A session connects to a preconfigured agent identified by agent_id; the
// agent's prompt, first message, language and voice can be overridden per
// session via conversation_initiation_client_data. Audio travels as base64
// PCM16 at 16 kHz in both directions. The server drives keepalive with ping
// events the adapter answers with pongs, and tool use arrives as
// client_tool_call events answered with client_tool_result.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/provider/realtime"
	"github.com/coder/websocket"
)

var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Session = (*session)(nil)

const (
	defaultBaseURL = "wss://api.elevenlabs.io/v1/convai/conversation"

	sampleRate = 16000

	// initTimeout bounds the wait for conversation_initiation_metadata after
	// dialing.
	initTimeout = 10 * time.Second
)

// ── Options ───────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithAPIKey sets the xi-api-key header. Required for private agents; public
// agents connect without one.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ──────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for ElevenLabs Conversational AI.
type Provider struct {
	agentID string
	apiKey  string
	baseURL string
}

// New creates an ElevenLabs provider targeting the given agent.
func New(agentID string, opts ...Option) *Provider {
	p := &Provider{
		agentID: agentID,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// FromCredentials builds a Provider from a tenant credentials record. The
// "agent_id" entry is required; "api_key" and "base_url" are optional.
func FromCredentials(creds realtime.Credentials) (realtime.Provider, error) {
	agentID := creds.Get("agent_id", "")
	if agentID == "" {
		return nil, fmt.Errorf("elevenlabs: credentials missing agent_id")
	}
	var opts []Option
	if key := creds.Get("api_key", ""); key != "" {
		opts = append(opts, WithAPIKey(key))
	}
	if base := creds.Get("base_url", ""); base != "" {
		opts = append(opts, WithBaseURL(base))
	}
	return New(agentID, opts...), nil
}

// Capabilities reports pcm16 at 16 kHz both ways with no session ceiling.
func (p *Provider) Capabilities() realtime.Capabilities {
	return realtime.Capabilities{
		InputSampleRate:  sampleRate,
		OutputSampleRate: sampleRate,
		SupportsTools:    true,
	}
}

// Connect dials the agent endpoint, waits for the initiation metadata, sends
// the per-session overrides and starts the receive loop.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	wsURL := fmt.Sprintf("%s?agent_id=%s", p.baseURL, url.QueryEscape(p.agentID))

	header := http.Header{}
	if p.apiKey != "" {
		header.Set("xi-api-key", p.apiKey)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	conn.SetReadLimit(1 << 24)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan realtime.Event, 64),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendInitiation(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "initiation failed")
		return nil, fmt.Errorf("elevenlabs: initiation: %w", err)
	}
	if err := sess.awaitMetadata(ctx); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "no initiation metadata")
		return nil, err
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────

type initiationMessage struct {
	Type     string          `json:"type"`
	Override *configOverride `json:"conversation_config_override,omitempty"`
}

type configOverride struct {
	Agent *agentOverride `json:"agent,omitempty"`
	TTS   *ttsOverride   `json:"tts,omitempty"`
}

type agentOverride struct {
	Prompt       *promptOverride `json:"prompt,omitempty"`
	FirstMessage string          `json:"first_message,omitempty"`
	Language     string          `json:"language,omitempty"`
}

type promptOverride struct {
	Prompt string `json:"prompt"`
}

type ttsOverride struct {
	VoiceID string `json:"voice_id,omitempty"`
}

type userAudioMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type userMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

type toolResultMessage struct {
	Type       string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	Result     string `json:"result"`
	IsError    bool   `json:"is_error"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int    `json:"event_id"`
	} `json:"audio_event,omitempty"`

	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	PingEvent *struct {
		EventID int `json:"event_id"`
	} `json:"ping_event,omitempty"`

	ClientToolCall *struct {
		ToolName   string          `json:"tool_name"`
		ToolCallID string          `json:"tool_call_id"`
		Parameters json.RawMessage `json:"parameters"`
	} `json:"client_tool_call,omitempty"`
}

// ── session ───────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan realtime.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendInitiation pushes the per-session overrides. An all-empty config still
// sends the message, which the protocol requires as the first client frame.
func (s *session) sendInitiation(cfg realtime.SessionConfig) error {
	msg := initiationMessage{Type: "conversation_initiation_client_data"}

	var agent *agentOverride
	if cfg.Instructions != "" || cfg.Greeting != "" || cfg.Language != "" {
		agent = &agentOverride{
			FirstMessage: cfg.Greeting,
			Language:     cfg.Language,
		}
		if cfg.Instructions != "" {
			agent.Prompt = &promptOverride{Prompt: cfg.Instructions}
		}
	}
	var tts *ttsOverride
	if cfg.Voice != "" {
		tts = &ttsOverride{VoiceID: cfg.Voice}
	}
	if agent != nil || tts != nil {
		msg.Override = &configOverride{Agent: agent, TTS: tts}
	}
	return s.writeJSON(msg)
}

// awaitMetadata reads messages until conversation_initiation_metadata
// arrives, bounded by both ctx and initTimeout.
func (s *session) awaitMetadata(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	for {
		_, data, err := s.conn.Read(waitCtx)
		if err != nil {
			return fmt.Errorf("elevenlabs: awaiting initiation metadata: %w", err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		if evt.Type == "conversation_initiation_metadata" {
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("elevenlabs: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads provider events, answers pings inline and emits
// normalised events. It owns the events channel and closes it on exit.
func (s *session) receiveLoop() {
	defer s.closeEvents()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			s.emit(realtime.Event{Type: realtime.EventSessionEnded, Reason: "closed"})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "audio":
		if evt.AudioEvent == nil {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.AudioEvent.AudioBase64)
		if err != nil || len(pcm) == 0 {
			return
		}
		s.emit(realtime.Event{Type: realtime.EventAudioDelta, Audio: pcm})

	case "agent_response":
		if evt.AgentResponseEvent == nil || evt.AgentResponseEvent.AgentResponse == "" {
			return
		}
		s.emit(realtime.Event{Type: realtime.EventTranscriptDone, Text: evt.AgentResponseEvent.AgentResponse})

	case "user_transcript":
		if evt.UserTranscriptionEvent == nil || evt.UserTranscriptionEvent.UserTranscript == "" {
			return
		}
		s.emit(realtime.Event{Type: realtime.EventUserTranscript, Text: evt.UserTranscriptionEvent.UserTranscript})

	case "interruption":
		s.emit(realtime.Event{Type: realtime.EventInterrupt})

	case "vad_score":
		// Informational; speech boundaries surface through interruption and
		// transcript events.

	case "ping":
		eventID := 0
		if evt.PingEvent != nil {
			eventID = evt.PingEvent.EventID
		}
		// Best effort: a lost pong ends the session server-side anyway.
		_ = s.writeJSON(pongMessage{Type: "pong", EventID: eventID})

	case "client_tool_call":
		if evt.ClientToolCall == nil {
			return
		}
		s.emit(realtime.Event{
			Type:   realtime.EventFunctionCall,
			Name:   evt.ClientToolCall.ToolName,
			Args:   string(evt.ClientToolCall.Parameters),
			CallID: evt.ClientToolCall.ToolCallID,
		})
	}
}

// emit delivers an event unless the session is shutting down.
func (s *session) emit(ev realtime.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}

// ── Session methods ───────────────────────────────────────────────────────

// SendAudio delivers one PCM16 chunk as a user_audio_chunk frame.
func (s *session) SendAudio(pcm []byte) error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	return s.writeJSON(userAudioMessage{
		UserAudioChunk: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendText injects a caller text message the agent responds to.
func (s *session) SendText(text string) error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	return s.writeJSON(userMessage{Type: "user_message", Text: text})
}

// Interrupt signals user activity, which makes the agent stop speaking. The
// service also interrupts on its own VAD; this covers externally detected
// barge-in.
func (s *session) Interrupt() error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	return s.writeJSON(map[string]string{"type": "user_activity"})
}

// SendFunctionResult answers a client_tool_call.
func (s *session) SendFunctionResult(name, callID, result string) error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	return s.writeJSON(toolResultMessage{
		Type:       "client_tool_result",
		ToolCallID: callID,
		Result:     result,
	})
}

// Events returns the normalised event stream.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Err returns the first error that terminated the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close terminates the session and releases the connection. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
