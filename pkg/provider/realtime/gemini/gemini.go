// Package gemini implements realtime.Provider for the Gemini Live API.
//
// A session opens the BidiGenerateContent WebSocket, sends a setup message
// describing model, voice, system instruction and tools, and waits for
// setupComplete before accepting audio. Caller audio goes out as base64 PCM
// at 16 kHz inside realtimeInput frames; synthesised audio comes back at
// 24 kHz as inlineData parts inside serverContent. A goAway frame from the
// server is surfaced as EventSessionExpiring so the owner can reconnect
// before the connection drops.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/provider/llm"
	"github.com/MrWong99/voxbridge/pkg/provider/realtime"
	"github.com/coder/websocket"
)

var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Session = (*session)(nil)

const (
	defaultModel   = "models/gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	inputSampleRate  = 16000
	outputSampleRate = 24000

	inputMimeType = "audio/pcm;rate=16000"

	// setupTimeout bounds the wait for setupComplete after sending setup.
	setupTimeout = 10 * time.Second
)

// ── Options ───────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Live model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ──────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for the Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Gemini Live provider with the given API key and options.
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
		return nil, fmt.Errorf("gemini: credentials missing api_key")
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

// Capabilities reports 16 kHz in, 24 kHz out and no fixed session ceiling;
// the server announces shutdown with goAway instead.
func (p *Provider) Capabilities() realtime.Capabilities {
	return realtime.Capabilities{
		InputSampleRate:  inputSampleRate,
		OutputSampleRate: outputSampleRate,
		SupportsTools:    true,
	}
}

// Connect dials the Live endpoint, performs the setup handshake and starts
// the receive loop.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	wsURL := fmt.Sprintf("%s?key=%s", p.baseURL, url.QueryEscape(p.apiKey))

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(1 << 24)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan realtime.Event, 64),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSetup(p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}
	if err := sess.awaitSetupComplete(ctx); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "no setupComplete")
		return nil, err
	}
	if cfg.Greeting != "" {
		if err := sess.sendUserTurn("Greet the caller by saying exactly: " + cfg.Greeting); err != nil {
			sessCancel()
			conn.Close(websocket.StatusInternalError, "greeting failed")
			return nil, fmt.Errorf("gemini: greeting: %w", err)
		}
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────

type setupMessage struct {
	Setup setupParams `json:"setup"`
}

type setupParams struct {
	Model                    string            `json:"model"`
	GenerationConfig         *generationConfig `json:"generationConfig,omitempty"`
	SystemInstruction        *content          `json:"systemInstruction,omitempty"`
	Tools                    []toolBlock       `json:"tools,omitempty"`
	InputAudioTranscription  *struct{}         `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}         `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
	Temperature        float64       `json:"temperature,omitempty"`
	MaxOutputTokens    int           `json:"maxOutputTokens,omitempty"`
}

type speechConfig struct {
	VoiceConfig  *voiceConfig `json:"voiceConfig,omitempty"`
	LanguageCode string       `json:"languageCode,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded PCM
}

type toolBlock struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio       *inlineData `json:"audio,omitempty"`
	ActivityEnd *struct{}   `json:"activityEnd,omitempty"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────

type serverMessage struct {
	SetupComplete *struct{} `json:"setupComplete,omitempty"`

	ServerContent *serverContent `json:"serverContent,omitempty"`

	ToolCall *struct {
		FunctionCalls []struct {
			ID   string          `json:"id"`
			Name string          `json:"name"`
			Args json.RawMessage `json:"args"`
		} `json:"functionCalls"`
	} `json:"toolCall,omitempty"`

	GoAway *struct {
		TimeLeft string `json:"timeLeft,omitempty"`
	} `json:"goAway,omitempty"`
}

type serverContent struct {
	ModelTurn *content `json:"modelTurn,omitempty"`

	InputTranscription  *transcriptionText `json:"inputTranscription,omitempty"`
	OutputTranscription *transcriptionText `json:"outputTranscription,omitempty"`

	Interrupted        bool `json:"interrupted,omitempty"`
	TurnComplete       bool `json:"turnComplete,omitempty"`
	GenerationComplete bool `json:"generationComplete,omitempty"`
}

type transcriptionText struct {
	Text string `json:"text"`
}

// ── session ───────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan realtime.Event

	mu     sync.Mutex
	errVal error
	closed bool

	// transcript accumulates outputTranscription fragments until the turn
	// completes.
	transcript string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup pushes the setup message built from the session config.
func (s *session) sendSetup(model string, cfg realtime.SessionConfig) error {
	params := setupParams{
		Model: model,
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"AUDIO"},
			Temperature:        cfg.Temperature,
			MaxOutputTokens:    cfg.MaxOutputTokens,
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	if cfg.Voice != "" || cfg.Language != "" {
		sc := &speechConfig{LanguageCode: cfg.Language}
		if cfg.Voice != "" {
			sc.VoiceConfig = &voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			}
		}
		params.GenerationConfig.SpeechConfig = sc
	}
	if cfg.Instructions != "" {
		params.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if len(cfg.Tools) > 0 {
		params.Tools = []toolBlock{{FunctionDeclarations: toDeclarations(cfg.Tools)}}
	}
	return s.writeJSON(setupMessage{Setup: params})
}

// awaitSetupComplete reads messages until setupComplete arrives, bounded by
// both ctx and setupTimeout.
func (s *session) awaitSetupComplete(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()
	for {
		_, data, err := s.conn.Read(waitCtx)
		if err != nil {
			return fmt.Errorf("gemini: awaiting setupComplete: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// sendUserTurn submits one complete user text turn.
func (s *session) sendUserTurn(text string) error {
	return s.writeJSON(clientContentMessage{
		ClientContent: clientContent{
			Turns:        []content{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: true,
		},
	})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads server messages and emits normalised events. It owns the
// events channel and closes it on exit.
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

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		s.handleServerMessage(&msg)
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			s.emit(realtime.Event{
				Type:   realtime.EventFunctionCall,
				Name:   fc.Name,
				Args:   string(fc.Args),
				CallID: fc.ID,
			})
		}
		return
	}
	if msg.GoAway != nil {
		s.emit(realtime.Event{Type: realtime.EventSessionExpiring})
		return
	}
	if msg.ServerContent == nil {
		return
	}
	sc := msg.ServerContent

	if sc.Interrupted {
		s.emit(realtime.Event{Type: realtime.EventInterrupt})
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.emit(realtime.Event{Type: realtime.EventUserTranscript, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.mu.Lock()
		s.transcript += sc.OutputTranscription.Text
		s.mu.Unlock()
		s.emit(realtime.Event{Type: realtime.EventTranscriptDelta, Text: sc.OutputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil || len(pcm) == 0 {
				continue
			}
			s.emit(realtime.Event{Type: realtime.EventAudioDelta, Audio: pcm})
		}
	}
	if sc.GenerationComplete {
		s.emit(realtime.Event{Type: realtime.EventAudioDone})
	}
	if sc.TurnComplete {
		s.mu.Lock()
		text := s.transcript
		s.transcript = ""
		s.mu.Unlock()
		if text != "" {
			s.emit(realtime.Event{Type: realtime.EventTranscriptDone, Text: text})
		}
		s.emit(realtime.Event{Type: realtime.EventResponseDone, Status: "completed"})
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

// toDeclarations converts tool definitions to Live function declarations.
func toDeclarations(tools []llm.ToolDefinition) []functionDeclaration {
	out := make([]functionDeclaration, len(tools))
	for i, t := range tools {
		out[i] = functionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── Session methods ───────────────────────────────────────────────────────

// SendAudio delivers one PCM16 chunk as a realtimeInput audio frame.
func (s *session) SendAudio(pcm []byte) error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	return s.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			Audio: &inlineData{
				MimeType: inputMimeType,
				Data:     base64.StdEncoding.EncodeToString(pcm),
			},
		},
	})
}

// SendText submits a complete user text turn the model responds to.
func (s *session) SendText(text string) error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	return s.sendUserTurn(text)
}

// Interrupt marks the end of caller activity, which cancels the in-flight
// model turn.
func (s *session) Interrupt() error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	return s.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{ActivityEnd: &struct{}{}},
	})
}

// SendFunctionResult answers a toolCall. result must be a JSON value; a bare
// string is wrapped as {"result": ...} because the API expects an object.
func (s *session) SendFunctionResult(name, callID, result string) error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	payload := json.RawMessage(result)
	if !json.Valid(payload) || len(payload) == 0 || payload[0] != '{' {
		wrapped, err := json.Marshal(map[string]string{"result": result})
		if err != nil {
			return fmt.Errorf("gemini: wrap function result: %w", err)
		}
		payload = wrapped
	}
	return s.writeJSON(toolResponseMessage{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{{
				ID:       callID,
				Name:     name,
				Response: payload,
			}},
		},
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
