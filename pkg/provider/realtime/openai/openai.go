// Package openai implements realtime.Provider for OpenAI's Realtime API.
//
// It holds a bidirectional WebSocket to the Realtime endpoint and exchanges
// JSON events per the Realtime protocol: audio travels as base64 PCM16,
// configuration is applied with session.update after the server announces
// session.created, and inbound events are mapped onto the normalised
// realtime.Event taxonomy. The adapter tracks elapsed session time and emits
// EventSessionExpiring shortly before the provider's 60-minute ceiling so the
// session owner can reconnect preemptively.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/provider/llm"
	"github.com/MrWong99/voxbridge/pkg/provider/realtime"
	"github.com/coder/websocket"
)

var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	sampleRate = 24000

	// sessionCeiling is the hard lifetime OpenAI imposes on a realtime
	// session; expiryWarning is how early the adapter warns before it.
	sessionCeiling = 60 * time.Minute
	expiryWarning  = 60 * time.Second

	// createdTimeout bounds the wait for session.created after dialing.
	createdTimeout = 10 * time.Second
)

// benignErrorCodes are provider error codes dropped without emitting an
// EventError: they occur in normal operation when a cancel races a finished
// response.
var benignErrorCodes = map[string]bool{
	"response_cancel_not_active":               true,
	"conversation_already_has_active_response": true,
}

// ── Options ───────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the realtime model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ──────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for the OpenAI Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates an OpenAI Realtime provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// FromCredentials builds a Provider from a tenant credentials record. The
// "api_key" entry is required; "model" and "base_url" are optional.
func FromCredentials(creds realtime.Credentials) (realtime.Provider, error) {
	apiKey := creds.Get("api_key", "")
	if apiKey == "" {
		return nil, fmt.Errorf("openai: credentials missing api_key")
	}
	var opts []Option
	if model := creds.Get("model", ""); model != "" {
		opts = append(opts, WithModel(model))
	}
	if base := creds.Get("base_url", ""); base != "" {
		opts = append(opts, WithBaseURL(base))
	}
	return New(apiKey, opts...), nil
}

// Capabilities reports pcm16 at 24 kHz both ways and the 60-minute ceiling.
func (p *Provider) Capabilities() realtime.Capabilities {
	return realtime.Capabilities{
		InputSampleRate:    sampleRate,
		OutputSampleRate:   sampleRate,
		MaxSessionDuration: sessionCeiling,
		SupportsTools:      true,
	}
}

// Connect dials the Realtime endpoint, waits for session.created, applies
// cfg via session.update and starts the receive loop. The returned session
// accepts audio immediately.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(1 << 24)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:      conn,
		events:    make(chan realtime.Event, 64),
		ctx:       sessCtx,
		cancel:    sessCancel,
		startedAt: time.Now(),
	}

	if err := sess.awaitCreated(ctx); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "no session.created")
		return nil, err
	}
	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}
	if cfg.Greeting != "" {
		if err := sess.requestGreeting(cfg.Greeting); err != nil {
			sessCancel()
			conn.Close(websocket.StatusInternalError, "greeting failed")
			return nil, fmt.Errorf("openai: greeting: %w", err)
		}
	}

	go sess.receiveLoop()
	go sess.expiryWatch()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	Tools                   []oaiTool           `json:"tools,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *transcriptionBlock `json:"input_audio_transcription,omitempty"`
	Temperature             float64             `json:"temperature,omitempty"`
	MaxResponseOutputTokens int                 `json:"max_response_output_tokens,omitempty"`

	// TurnDetection must serialise as explicit null to disable detection,
	// so the field is a pointer without omitempty.
	TurnDetection *turnDetectionBlock `json:"turn_detection"`
}

type transcriptionBlock struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetectionBlock struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	Eagerness         string  `json:"eagerness,omitempty"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type responseCreateMessage struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────

// serverErrorDetail is the nested error object of an error event.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverResponse struct {
	Status string `json:"status,omitempty"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.output_audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// response.done
	Response *serverResponse `json:"response,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ───────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan realtime.Event

	mu     sync.Mutex
	errVal error
	closed bool

	// transcript accumulates response.audio_transcript.delta fragments
	// until the matching done event.
	transcript string

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// awaitCreated reads messages until session.created arrives, bounded by both
// ctx and createdTimeout.
func (s *session) awaitCreated(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, createdTimeout)
	defer cancel()
	for {
		_, data, err := s.conn.Read(waitCtx)
		if err != nil {
			return fmt.Errorf("openai: awaiting session.created: %w", err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.created":
			return nil
		case "error":
			msg := "unknown error"
			if evt.Error != nil {
				msg = evt.Error.Message
			}
			return fmt.Errorf("openai: session rejected: %s", msg)
		}
	}
}

// sendSessionUpdate applies voice, instructions, transcription, tools and
// turn detection in one session.update.
func (s *session) sendSessionUpdate(cfg realtime.SessionConfig) error {
	params := sessionParams{
		Voice:                   cfg.Voice,
		Instructions:            cfg.Instructions,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		Temperature:             cfg.Temperature,
		MaxResponseOutputTokens: cfg.MaxOutputTokens,
		InputAudioTranscription: &transcriptionBlock{
			Model:    "whisper-1",
			Language: cfg.Language,
		},
		TurnDetection: turnDetectionParams(cfg.TurnDetection),
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toOAITools(cfg.Tools)
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// turnDetectionParams maps the normalised turn-detection config onto the
// protocol block. TurnDetectionNone yields nil, serialised as explicit null.
func turnDetectionParams(td realtime.TurnDetection) *turnDetectionBlock {
	switch td.Mode {
	case realtime.TurnDetectionNone:
		return nil
	case realtime.TurnDetectionSemantic:
		eagerness := td.Eagerness
		if eagerness == "" {
			eagerness = "medium"
		}
		return &turnDetectionBlock{Type: "semantic_vad", Eagerness: eagerness}
	default:
		return &turnDetectionBlock{
			Type:              "server_vad",
			Threshold:         td.Threshold,
			PrefixPaddingMs:   td.PrefixPaddingMs,
			SilenceDurationMs: td.SilenceDurationMs,
		}
	}
}

// requestGreeting asks the model for an opening turn speaking the configured
// greeting verbatim.
func (s *session) requestGreeting(greeting string) error {
	return s.writeJSON(responseCreateMessage{
		Type:     "response.create",
		Response: &responseParams{Instructions: "Greet the caller by saying exactly: " + greeting},
	})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads provider events and emits normalised events. It owns the
// events channel and closes it on exit; an abnormal socket end is reported
// as EventSessionEnded with reason "closed".
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
			// Parse errors drop the event, never the session.
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.output_audio.delta", "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return
		}
		s.emit(realtime.Event{Type: realtime.EventAudioDelta, Audio: pcm})

	case "response.output_audio.done", "response.audio.done":
		s.emit(realtime.Event{Type: realtime.EventAudioDone})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		s.transcript += evt.Delta
		s.mu.Unlock()
		s.emit(realtime.Event{Type: realtime.EventTranscriptDelta, Text: evt.Delta})

	case "response.audio_transcript.done":
		s.mu.Lock()
		text := s.transcript
		s.transcript = ""
		s.mu.Unlock()
		if evt.Transcript != "" {
			text = evt.Transcript
		}
		s.emit(realtime.Event{Type: realtime.EventTranscriptDone, Text: text})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(realtime.Event{Type: realtime.EventUserTranscript, Text: evt.Transcript})

	case "input_audio_buffer.speech_started":
		s.emit(realtime.Event{Type: realtime.EventSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		s.emit(realtime.Event{Type: realtime.EventSpeechStopped})

	case "response.created":
		s.emit(realtime.Event{Type: realtime.EventResponseStarted})

	case "response.done":
		status := "completed"
		if evt.Response != nil && evt.Response.Status != "" {
			status = evt.Response.Status
		}
		s.emit(realtime.Event{Type: realtime.EventResponseDone, Status: status})

	case "response.function_call_arguments.done":
		s.emit(realtime.Event{
			Type:   realtime.EventFunctionCall,
			Name:   evt.Name,
			Args:   evt.Arguments,
			CallID: evt.CallID,
		})

	case "rate_limits.updated":
		// Informational; throttling surfaces through the error event.

	case "error":
		code, msg := "", "unknown error"
		if evt.Error != nil {
			code = evt.Error.Code
			if evt.Error.Message != "" {
				msg = evt.Error.Message
			}
		}
		if benignErrorCodes[code] {
			return
		}
		if code == "rate_limit_exceeded" {
			s.emit(realtime.Event{Type: realtime.EventRateLimited, Info: msg})
			return
		}
		s.emit(realtime.Event{Type: realtime.EventError, Code: code, Message: msg})
	}
}

// expiryWatch emits EventSessionExpiring once the session approaches the
// provider's ceiling.
func (s *session) expiryWatch() {
	warnAt := s.startedAt.Add(sessionCeiling - expiryWarning)
	timer := time.NewTimer(time.Until(warnAt))
	defer timer.Stop()
	select {
	case <-timer.C:
		s.emit(realtime.Event{Type: realtime.EventSessionExpiring})
	case <-s.ctx.Done():
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

// toOAITools converts tool definitions to the Realtime tool format.
func toOAITools(tools []llm.ToolDefinition) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── Session methods ───────────────────────────────────────────────────────

// SendAudio appends one PCM16 chunk to the input audio buffer.
func (s *session) SendAudio(pcm []byte) error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendText injects a user text message and requests a spoken response.
func (s *session) SendText(text string) error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	if err := s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	}); err != nil {
		return err
	}
	return s.writeJSON(responseCreateMessage{Type: "response.create"})
}

// Interrupt cancels the in-flight response.
func (s *session) Interrupt() error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

// SendFunctionResult returns a function call outcome and requests the next
// model turn.
func (s *session) SendFunctionResult(name, callID, result string) error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	if err := s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: result,
		},
	}); err != nil {
		return err
	}
	return s.writeJSON(responseCreateMessage{Type: "response.create"})
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
