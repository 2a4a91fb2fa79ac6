// Package pipeline implements realtime.Provider by composing local VAD, STT,
// LLM and TTS stages into one conversational loop.
//
// Caller audio is segmented into utterances by the VAD; each finished
// utterance is transcribed, appended to the running conversation and answered
// by the LLM, whose output is forwarded sentence by sentence into streaming
// TTS so playback starts before the full reply exists. The composed session
// speaks the same normalised event protocol as the cloud adapters, which
// lets it serve as a drop-in fallback when no cloud provider is reachable.
//
// Tool calls requested by the LLM pause the response: the session emits
// EventFunctionCall and resumes generation when SendFunctionResult delivers
// the outcome.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/provider/llm"
	"github.com/MrWong99/voxbridge/pkg/provider/realtime"
	"github.com/MrWong99/voxbridge/pkg/provider/stt"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
	"github.com/MrWong99/voxbridge/pkg/provider/vad"
)

var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Session = (*session)(nil)

const (
	sampleRate = 16000

	// frameSizeMs is the VAD analysis frame; SendAudio chunks of any size are
	// re-framed internally.
	frameSizeMs    = 20
	frameSizeBytes = sampleRate * frameSizeMs / 1000 * 2

	// textBuf is the buffer depth of the sentence channel feeding TTS. Sized
	// to absorb several sentences without blocking the LLM forwarder.
	textBuf = 16

	// maxHistoryMessages bounds the conversation window sent to the LLM.
	maxHistoryMessages = 40
)

// ── Options ───────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithVoice sets the TTS voice profile used for synthesis.
func WithVoice(voice tts.VoiceProfile) Option {
	return func(p *Provider) { p.voice = voice }
}

// WithQuota installs an admission check consulted before each metered
// stage. op is "transcribe", "chat" or "synthesize". A non-nil error
// skips the stage and surfaces as EventRateLimited, which the session
// owner treats as fatal.
func WithQuota(gate func(op string) error) Option {
	return func(p *Provider) { p.quota = gate }
}

// ── Provider ──────────────────────────────────────────────────────────────

// Provider composes the four local stages into a realtime.Provider.
type Provider struct {
	vadEngine vad.Engine
	sttP      stt.Provider
	llmP      llm.Provider
	ttsP      tts.Provider
	voice     tts.VoiceProfile
	quota     func(op string) error
}

// New constructs a pipeline Provider from the four stages.
func New(vadEngine vad.Engine, sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, opts ...Option) *Provider {
	p := &Provider{
		vadEngine: vadEngine,
		sttP:      sttP,
		llmP:      llmP,
		ttsP:      ttsP,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities reports pcm16 at 16 kHz both ways and no session ceiling.
// Tool support is delegated to the composed LLM.
func (p *Provider) Capabilities() realtime.Capabilities {
	return realtime.Capabilities{
		InputSampleRate:  sampleRate,
		OutputSampleRate: sampleRate,
		SupportsTools:    p.llmP.Capabilities().SupportsToolCalling,
	}
}

// Connect builds a session around a fresh VAD session and, when a greeting is
// configured, synthesises it as the opening response.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	vadCfg := vad.Config{
		SampleRate:  sampleRate,
		FrameSizeMs: frameSizeMs,
	}
	if cfg.TurnDetection.Threshold > 0 {
		vadCfg.SpeechThreshold = cfg.TurnDetection.Threshold
	}
	if cfg.TurnDetection.SilenceDurationMs > 0 {
		vadCfg.HangoverMs = cfg.TurnDetection.SilenceDurationMs
	}
	vadSess, err := p.vadEngine.NewSession(vadCfg)
	if err != nil {
		return nil, fmt.Errorf("pipeline: vad session: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		provider: p,
		cfg:      cfg,
		vadSess:  vadSess,
		events:   make(chan realtime.Event, 64),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}
	if cfg.Instructions != "" {
		s.history = append(s.history, llm.Message{Role: "system", Content: cfg.Instructions})
	}

	if cfg.Greeting != "" {
		s.history = append(s.history, llm.Message{Role: "assistant", Content: cfg.Greeting})
		s.wg.Add(1)
		go s.speakGreeting(cfg.Greeting)
	}

	return s, nil
}

// ── session ───────────────────────────────────────────────────────────────

type session struct {
	provider *Provider
	cfg      realtime.SessionConfig
	vadSess  vad.SessionHandle
	events   chan realtime.Event

	mu     sync.Mutex
	errVal error
	closed bool

	// history is the running conversation, bounded by maxHistoryMessages.
	history []llm.Message

	// frameBuf re-frames arbitrary SendAudio chunks into VAD frames;
	// utterance accumulates the PCM of the current speech segment.
	frameBuf  []byte
	utterance []byte
	inSpeech  bool

	// respCancel cancels the in-flight response generation, if any.
	respCancel context.CancelFunc

	// pendingTool, when non-nil, is the tool call the LLM is waiting on.
	pendingTool *llm.ToolCall

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// wg tracks response goroutines so Close can wait for them before
	// closing the events channel.
	wg sync.WaitGroup
}

// SendAudio feeds caller PCM through the VAD, buffering speech segments and
// triggering a response when an utterance ends.
func (s *session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return realtime.ErrSessionClosed
	}
	s.frameBuf = append(s.frameBuf, pcm...)

	var finished []byte
	for len(s.frameBuf) >= frameSizeBytes {
		frame := s.frameBuf[:frameSizeBytes]
		s.frameBuf = s.frameBuf[frameSizeBytes:]

		ev, err := s.vadSess.ProcessFrame(frame)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("pipeline: vad: %w", err)
		}
		switch ev.Type {
		case vad.VADSpeechStart:
			s.inSpeech = true
			s.utterance = append(s.utterance[:0], frame...)
			s.cancelResponseLocked()
			s.emitLocked(realtime.Event{Type: realtime.EventSpeechStarted})
		case vad.VADSpeechContinue:
			if s.inSpeech {
				s.utterance = append(s.utterance, frame...)
			}
		case vad.VADSpeechEnd:
			if s.inSpeech {
				s.utterance = append(s.utterance, frame...)
				finished = make([]byte, len(s.utterance))
				copy(finished, s.utterance)
				s.utterance = s.utterance[:0]
				s.inSpeech = false
				s.emitLocked(realtime.Event{Type: realtime.EventSpeechStopped})
			}
		}
	}
	if finished != nil {
		s.startResponseLocked(func(ctx context.Context) {
			s.respondToUtterance(ctx, finished)
		})
	}
	s.mu.Unlock()
	return nil
}

// SendText injects a caller text message and generates a spoken response.
func (s *session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrSessionClosed
	}
	s.cancelResponseLocked()
	s.appendHistoryLocked(llm.Message{Role: "user", Content: text})
	s.startResponseLocked(func(ctx context.Context) {
		s.generate(ctx)
	})
	return nil
}

// Interrupt cancels the in-flight response generation.
func (s *session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrSessionClosed
	}
	s.cancelResponseLocked()
	return nil
}

// SendFunctionResult resumes generation after a tool call: the call and its
// result are appended to the history and the LLM produces the spoken
// follow-up.
func (s *session) SendFunctionResult(name, callID, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrSessionClosed
	}
	if s.pendingTool == nil || s.pendingTool.ID != callID {
		return fmt.Errorf("pipeline: no pending tool call %q", callID)
	}
	call := *s.pendingTool
	s.pendingTool = nil
	s.appendHistoryLocked(llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{call}})
	s.appendHistoryLocked(llm.Message{Role: "tool", Content: result, ToolCallID: callID})
	s.startResponseLocked(func(ctx context.Context) {
		s.generate(ctx)
	})
	return nil
}

// Events returns the normalised event stream.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Err returns the first error that terminated the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close cancels any in-flight response, waits for response goroutines and
// closes the events channel. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancelResponseLocked()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.vadSess.Close()
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

// ── Response generation ───────────────────────────────────────────────────

// startResponseLocked launches fn under a fresh per-response context. The
// session mutex must be held.
func (s *session) startResponseLocked(fn func(ctx context.Context)) {
	respCtx, respCancel := context.WithCancel(s.ctx)
	s.respCancel = respCancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer respCancel()
		fn(respCtx)
	}()
}

// cancelResponseLocked stops the in-flight response, if any. The session
// mutex must be held.
func (s *session) cancelResponseLocked() {
	if s.respCancel != nil {
		s.respCancel()
		s.respCancel = nil
	}
}

// allow consults the quota gate, if any.
func (s *session) allow(op string) bool {
	if s.provider.quota == nil {
		return true
	}
	if err := s.provider.quota(op); err != nil {
		s.emit(realtime.Event{Type: realtime.EventRateLimited, Info: err.Error()})
		return false
	}
	return true
}

// respondToUtterance transcribes one finished utterance and generates the
// spoken reply.
func (s *session) respondToUtterance(ctx context.Context, pcm []byte) {
	if !s.allow("transcribe") {
		return
	}
	text, err := s.provider.sttP.Transcribe(ctx, pcm, sampleRate, s.cfg.Language)
	if err != nil {
		if ctx.Err() == nil {
			s.emit(realtime.Event{Type: realtime.EventError, Code: "stt_failed", Message: err.Error()})
		}
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.emit(realtime.Event{Type: realtime.EventUserTranscript, Text: text})

	s.mu.Lock()
	s.appendHistoryLocked(llm.Message{Role: "user", Content: text})
	s.mu.Unlock()

	s.generate(ctx)
}

// generate streams one LLM completion into TTS, emitting the normalised
// response events along the way.
func (s *session) generate(ctx context.Context) {
	if !s.allow("chat") || !s.allow("synthesize") {
		return
	}
	s.mu.Lock()
	req := llm.CompletionRequest{
		Messages:    append([]llm.Message(nil), s.history...),
		Tools:       s.cfg.Tools,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxOutputTokens,
	}
	s.mu.Unlock()

	chunks, err := s.provider.llmP.StreamCompletion(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			s.emit(realtime.Event{Type: realtime.EventError, Code: "llm_failed", Message: err.Error()})
		}
		return
	}
	s.emit(realtime.Event{Type: realtime.EventResponseStarted})

	textCh := make(chan string, textBuf)
	audioCh, err := s.provider.ttsP.SynthesizeStream(ctx, textCh, s.provider.voice)
	if err != nil {
		close(textCh)
		go drainChunks(chunks)
		if ctx.Err() == nil {
			s.emit(realtime.Event{Type: realtime.EventError, Code: "tts_failed", Message: err.Error()})
		}
		return
	}

	// Audio forwarder runs concurrently with the sentence splitter below.
	audioDone := make(chan struct{})
	go func() {
		defer close(audioDone)
		for pcm := range audioCh {
			if len(pcm) == 0 {
				continue
			}
			s.emit(realtime.Event{Type: realtime.EventAudioDelta, Audio: pcm})
		}
	}()

	full, toolCall := s.forwardSentences(ctx, chunks, textCh)
	close(textCh)
	<-audioDone

	if ctx.Err() != nil {
		return
	}
	if full != "" {
		s.mu.Lock()
		s.appendHistoryLocked(llm.Message{Role: "assistant", Content: full})
		s.mu.Unlock()
		s.emit(realtime.Event{Type: realtime.EventTranscriptDone, Text: full})
	}
	s.emit(realtime.Event{Type: realtime.EventAudioDone})

	if toolCall != nil {
		s.mu.Lock()
		s.pendingTool = toolCall
		s.mu.Unlock()
		s.emit(realtime.Event{
			Type:   realtime.EventFunctionCall,
			Name:   toolCall.Name,
			Args:   toolCall.Arguments,
			CallID: toolCall.ID,
		})
		return
	}
	s.emit(realtime.Event{Type: realtime.EventResponseDone, Status: "completed"})
}

// forwardSentences accumulates LLM chunks into complete sentences and feeds
// each one to textCh, emitting transcript deltas as text arrives. It returns
// the full assistant text and the first tool call requested, if any.
func (s *session) forwardSentences(ctx context.Context, chunks <-chan llm.Chunk, textCh chan<- string) (string, *llm.ToolCall) {
	var full, buf strings.Builder
	var toolCall *llm.ToolCall

	flush := func(text string) bool {
		select {
		case textCh <- text:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return full.String(), toolCall
		case chunk, ok := <-chunks:
			if !ok {
				if buf.Len() > 0 {
					flush(buf.String())
				}
				return full.String(), toolCall
			}
			if chunk.Text != "" {
				full.WriteString(chunk.Text)
				buf.WriteString(chunk.Text)
				s.emit(realtime.Event{Type: realtime.EventTranscriptDelta, Text: chunk.Text})
			}
			if len(chunk.ToolCalls) > 0 && toolCall == nil {
				tc := chunk.ToolCalls[0]
				toolCall = &tc
			}

			// Flush complete sentences eagerly for lower TTS latency.
			for {
				idx := firstSentenceBoundary(buf.String())
				if idx < 0 {
					break
				}
				sentence := buf.String()[:idx+1]
				rest := strings.TrimLeft(buf.String()[idx+1:], " \t\n\r")
				buf.Reset()
				buf.WriteString(rest)
				if !flush(sentence) {
					return full.String(), toolCall
				}
			}

			if chunk.FinishReason != "" {
				if buf.Len() > 0 {
					flush(buf.String())
				}
				return full.String(), toolCall
			}
		}
	}
}

// speakGreeting synthesises the configured greeting as the opening response.
func (s *session) speakGreeting(greeting string) {
	defer s.wg.Done()

	if !s.allow("synthesize") {
		return
	}
	textCh := make(chan string, 1)
	textCh <- greeting
	close(textCh)

	audioCh, err := s.provider.ttsP.SynthesizeStream(s.ctx, textCh, s.provider.voice)
	if err != nil {
		s.emit(realtime.Event{Type: realtime.EventError, Code: "tts_failed", Message: err.Error()})
		return
	}
	s.emit(realtime.Event{Type: realtime.EventResponseStarted})
	for pcm := range audioCh {
		if len(pcm) == 0 {
			continue
		}
		s.emit(realtime.Event{Type: realtime.EventAudioDelta, Audio: pcm})
	}
	if s.ctx.Err() != nil {
		return
	}
	s.emit(realtime.Event{Type: realtime.EventTranscriptDone, Text: greeting})
	s.emit(realtime.Event{Type: realtime.EventAudioDone})
	s.emit(realtime.Event{Type: realtime.EventResponseDone, Status: "completed"})
}

// appendHistoryLocked appends msg and trims the window, keeping the leading
// system message. The session mutex must be held.
func (s *session) appendHistoryLocked(msg llm.Message) {
	s.history = append(s.history, msg)
	if len(s.history) <= maxHistoryMessages {
		return
	}
	var system []llm.Message
	rest := s.history
	if rest[0].Role == "system" {
		system = rest[:1]
		rest = rest[1:]
	}
	keep := maxHistoryMessages - len(system)
	rest = rest[len(rest)-keep:]
	s.history = append(append([]llm.Message(nil), system...), rest...)
}

// emit delivers an event unless the session is shutting down.
func (s *session) emit(ev realtime.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// emitLocked is emit for callers already holding the session mutex; it never
// blocks on the channel while the lock is held.
func (s *session) emitLocked(ev realtime.Event) {
	select {
	case s.events <- ev:
	default:
		// Dropping a boundary event is preferable to stalling the audio path
		// while the mutex is held.
	}
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// immediately followed by whitespace, or -1.
func firstSentenceBoundary(str string) int {
	for i := 0; i < len(str)-1; i++ {
		switch str[i] {
		case '.', '!', '?':
			switch str[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// drainChunks discards remaining LLM chunks so the provider goroutine can
// finish.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
