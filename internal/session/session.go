// Package session owns the per-call state machine that bridges one
// FreeSWITCH call to one realtime provider session. A [Session] consumes the
// provider's event stream and the caller's media frames, maintains the
// transcript and the audio counters, dispatches function calls, rotates to
// fallback providers on fatal events and persists the conversation when the
// call ends. The [Manager] enforces tenant and global concurrency caps and
// routes audio and ESL events to the right session.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/history"
	"github.com/MrWong99/voxbridge/pkg/provider/realtime"
)

// State is the lifecycle phase of a session.
type State int

const (
	// StateStarting is the phase between Create and a successful provider
	// connect.
	StateStarting State = iota

	// StateActive is the conversational phase.
	StateActive

	// StateEnding is the teardown phase: provider disconnect, persistence,
	// callbacks.
	StateEnding

	// StateEnded is terminal.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Defaults applied when Config leaves the knobs zero.
const (
	defaultIdleTimeout  = 30 * time.Second
	defaultMaxDuration  = 600 * time.Second
	defaultWarmupMs     = 200
	defaultEndCallGrace = 3 * time.Second

	watchdogInterval = 5 * time.Second
	persistTimeout   = 5 * time.Second
)

// Connector opens provider sessions by registered name. The app layer backs
// it with the provider registry, tenant credentials and circuit breakers.
type Connector interface {
	Connect(ctx context.Context, tenant, provider string, cfg realtime.SessionConfig) (realtime.Session, realtime.Capabilities, error)
}

// MediaOut is the outbound audio plane of one call.
type MediaOut interface {
	WriteAudio(ctx context.Context, pcm []byte) error
}

// TranscriptEntry is one committed transcript line. Entries are append-only.
type TranscriptEntry struct {
	Role string
	Text string
	At   time.Time
}

// FunctionOutcome is what a function-call hook hands back to the model.
type FunctionOutcome struct {
	// Result is JSON-encoded and returned via SendFunctionResult.
	Result map[string]any

	// EndReason, when non-empty, terminates the session after the result is
	// delivered.
	EndReason string
}

// TransferArgs are the arguments of the built-in transfer_call function.
type TransferArgs struct {
	Destination string `json:"destination"`
	Department  string `json:"department"`
	Reason      string `json:"reason"`
}

// Hooks connects a session to the surrounding subsystems. Nil members
// degrade gracefully: the corresponding feature reports itself unavailable.
type Hooks struct {
	// Transfer executes the built-in transfer_call function.
	Transfer func(ctx context.Context, s *Session, args TransferArgs) FunctionOutcome

	// Handoff executes the human-handoff flow, for both the built-in
	// request_handoff function and policy-triggered handoffs.
	Handoff func(ctx context.Context, s *Session, reason string) FunctionOutcome

	// HandoffPolicy inspects each committed user transcript line. A
	// non-empty reason triggers a handoff (at most once per session).
	HandoffPolicy func(userText string, userTurns int) (reason string, ok bool)

	// Tools resolves function calls outside the built-in vocabulary.
	Tools func(ctx context.Context, tenant, name, args string) (string, error)

	// OnFunctionCall is an optional user callback consulted before any
	// built-in. Returning handled=true short-circuits the dispatch.
	OnFunctionCall func(ctx context.Context, name, args string) (result string, handled bool)

	// BreakPlayback interrupts buffered playback at the media plane on
	// barge-in.
	BreakPlayback func(callID string)

	// OnTranscript fires for every committed transcript entry.
	OnTranscript func(callID string, entry TranscriptEntry)

	// OnEnded fires once when the session reaches Ended.
	OnEnded func(callID, reason string)
}

// Config describes one call to answer.
type Config struct {
	Tenant   string
	CallID   string
	CallerID string

	// SecretaryID is recorded with the conversation.
	SecretaryID string

	// Provider is the primary provider name; Fallbacks are tried in order
	// on fatal provider events.
	Provider  string
	Fallbacks []string

	// Session is the immutable provider configuration snapshot, reused
	// unchanged across fallback.
	Session realtime.SessionConfig

	// MediaRate is the PCM16LE rate of the media plane (WebSocket or RTP
	// leg), typically 16000.
	MediaRate int

	// IdleTimeout ends the call after caller inactivity; MaxDuration caps
	// the call. Zero applies the defaults (30 s / 600 s).
	IdleTimeout time.Duration
	MaxDuration time.Duration

	// WarmupMs sizes the output warmup buffer window.
	WarmupMs int

	// EndCallGrace delays termination after the end_call function so the
	// farewell can play out.
	EndCallGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = defaultMaxDuration
	}
	if c.MediaRate <= 0 {
		c.MediaRate = 16000
	}
	if c.WarmupMs <= 0 {
		c.WarmupMs = defaultWarmupMs
	}
	if c.EndCallGrace <= 0 {
		c.EndCallGrace = defaultEndCallGrace
	}
}

// Session is the per-call bridge state machine.
type Session struct {
	cfg     Config
	conn    Connector
	out     MediaOut
	store   history.Store
	hooks   Hooks
	metrics *observe.Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	state         State
	provider      realtime.Session
	providerName  string
	caps          realtime.Capabilities
	resampler     *audio.ResamplerPair
	warmup        *audio.WarmupBuffer
	usedFallbacks int

	transcript       []TranscriptEntry
	assistantPartial string

	assistantSpeaking bool
	userSpeaking      bool
	handoffDone       bool
	endReason         string

	startedAt         time.Time
	lastActivity      time.Time
	lastSpeechStarted time.Time
	lastSpeechStopped time.Time

	turns          int
	userTurns      int
	bargeIns       int
	underruns      int
	providerErrors int
	bytesIn        int64
	bytesOut       int64
	latencies      []time.Duration

	stopOnce sync.Once
	done     chan struct{}
}

// newSession wires a session in Starting state; Manager.Create calls start.
func newSession(cfg Config, conn Connector, out MediaOut, store history.Store, hooks Hooks, metrics *observe.Metrics, logger *slog.Logger) *Session {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Session{
		cfg:          cfg,
		conn:         conn,
		out:          out,
		store:        store,
		hooks:        hooks,
		metrics:      metrics,
		logger:       logger.With("tenant", cfg.Tenant, "call_id", cfg.CallID),
		ctx:          ctx,
		cancel:       cancel,
		state:        StateStarting,
		startedAt:    now,
		lastActivity: now,
		done:         make(chan struct{}),
	}
}

// start connects the primary provider and enters Active. A connect failure
// moves straight to Ending with reason "error".
func (s *Session) start(ctx context.Context) error {
	rt, caps, err := s.conn.Connect(ctx, s.cfg.Tenant, s.cfg.Provider, s.cfg.Session)
	if s.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.RecordProviderRequest(ctx, s.cfg.Provider, status)
	}
	if err != nil {
		s.logger.Error("provider connect failed", "provider", s.cfg.Provider, "error", err)
		s.Stop("error")
		return fmt.Errorf("session: connect %s: %w", s.cfg.Provider, err)
	}

	if err := s.bindProvider(rt, s.cfg.Provider, caps); err != nil {
		rt.Close()
		s.Stop("error")
		return err
	}

	s.mu.Lock()
	s.state = StateActive
	s.mu.Unlock()
	s.logger.Info("session active", "provider", s.cfg.Provider,
		"provider_in", caps.InputSampleRate, "provider_out", caps.OutputSampleRate)

	s.wg.Add(2)
	go s.eventLoop()
	go s.watchdog()
	return nil
}

// bindProvider swaps in a connected provider session and rebinds the audio
// plane to its rates.
func (s *Session) bindProvider(rt realtime.Session, name string, caps realtime.Capabilities) error {
	pair, err := audio.NewResamplerPair(s.cfg.MediaRate, caps.InputSampleRate, caps.OutputSampleRate)
	if err != nil {
		return fmt.Errorf("session: resampler: %w", err)
	}
	s.mu.Lock()
	s.provider = rt
	s.providerName = name
	s.caps = caps
	s.resampler = pair
	s.warmup = audio.NewWarmupBuffer(s.cfg.WarmupMs, s.cfg.MediaRate)
	s.mu.Unlock()
	return nil
}

// ── Public accessors ──

// State reports the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CallID returns the call UUID.
func (s *Session) CallID() string { return s.cfg.CallID }

// Tenant returns the owning tenant.
func (s *Session) Tenant() string { return s.cfg.Tenant }

// CallerID returns the presented caller number.
func (s *Session) CallerID() string { return s.cfg.CallerID }

// ProviderName reports the provider currently serving the call.
func (s *Session) ProviderName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerName
}

// SecretaryID returns the answering secretary's id.
func (s *Session) SecretaryID() string { return s.cfg.SecretaryID }

// StartedAt reports when the session was created.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Turns reports the number of completed assistant turns so far.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// AverageLatency reports the mean response latency so far; zero without
// samples.
func (s *Session) AverageLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range s.latencies {
		total += d
	}
	return total / time.Duration(len(s.latencies))
}

// Say asks the provider to speak the given text to the caller.
func (s *Session) Say(text string) error {
	s.mu.Lock()
	rt := s.provider
	s.mu.Unlock()
	if rt == nil {
		return realtime.ErrSessionClosed
	}
	return rt.SendText(text)
}

// Transcript returns a copy of the committed transcript.
func (s *Session) Transcript() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TranscriptEntry(nil), s.transcript...)
}

// Done is closed once the session has fully ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// EndReason reports why the session ended; empty while running.
func (s *Session) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// ── Inbound media ──

// HandleAudio feeds one caller PCM frame at the media rate into the
// provider. Frames arriving outside Active are dropped.
func (s *Session) HandleAudio(pcm []byte) error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil
	}
	s.lastActivity = time.Now()
	s.bytesIn += int64(len(pcm))
	rt := s.provider
	converted := s.resampler.ToProvider(pcm)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordAudio(s.ctx, "in", len(pcm))
	}
	// The provider slot is empty while a fallback connect is in flight;
	// frames arriving in that window are dropped, not fatal.
	if rt == nil || len(converted) == 0 {
		return nil
	}
	if err := rt.SendAudio(converted); err != nil {
		return fmt.Errorf("session: forward audio: %w", err)
	}
	return nil
}

// HandleDTMF records a keypad digit as caller activity.
func (s *Session) HandleDTMF(digit string) {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.logger.Debug("dtmf", "digit", digit)
}

// RecordUnderrun counts one playback underrun reported by the media plane.
func (s *Session) RecordUnderrun() {
	s.mu.Lock()
	s.underruns++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.PlaybackUnderruns.Add(s.ctx, 1)
	}
}

// ── Provider event loop ──

func (s *Session) eventLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		rt := s.provider
		s.mu.Unlock()
		if rt == nil {
			return
		}

		fatal := s.drainEvents(rt)
		if s.State() != StateActive {
			return
		}

		reason := "provider_disconnected"
		if fatal != nil {
			switch fatal.Type {
			case realtime.EventRateLimited:
				reason = "rate_limited"
			case realtime.EventSessionEnded:
				reason = "session_ended"
			default:
				reason = "provider_error"
			}
		}
		if !s.failover() {
			s.Stop(reason)
			return
		}
	}
}

// drainEvents consumes the provider's event stream until a fatal event or
// channel close. It returns the fatal event, if any.
func (s *Session) drainEvents(rt realtime.Session) *realtime.Event {
	for ev := range rt.Events() {
		if ev.Fatal() {
			s.mu.Lock()
			s.providerErrors++
			name := s.providerName
			s.mu.Unlock()
			if s.metrics != nil {
				s.metrics.RecordProviderError(s.ctx, name)
			}
			s.logger.Warn("fatal provider event",
				"provider", name, "type", string(ev.Type), "code", ev.Code, "message", ev.Message)
			return &ev
		}
		s.handleEvent(ev)
	}
	if err := rt.Err(); err != nil {
		s.logger.Warn("provider stream ended", "error", err)
	}
	return nil
}

// handleEvent performs the Active-state event table.
func (s *Session) handleEvent(ev realtime.Event) {
	switch ev.Type {
	case realtime.EventResponseStarted:
		s.mu.Lock()
		s.warmup.Reset()
		s.mu.Unlock()

	case realtime.EventAudioDelta:
		s.emitAudio(ev.Audio)

	case realtime.EventAudioDone:
		s.mu.Lock()
		s.assistantSpeaking = false
		residual := s.warmup.Flush()
		s.mu.Unlock()
		if len(residual) > 0 {
			s.writeOut(residual)
		}

	case realtime.EventTranscriptDelta:
		s.mu.Lock()
		s.assistantPartial += ev.Text
		s.mu.Unlock()

	case realtime.EventTranscriptDone:
		text := ev.Text
		s.mu.Lock()
		if text == "" {
			text = s.assistantPartial
		}
		s.assistantPartial = ""
		s.turns++
		s.mu.Unlock()
		if text != "" {
			s.commitTranscript(history.RoleAssistant, text)
		}

	case realtime.EventUserTranscript:
		s.mu.Lock()
		s.lastActivity = time.Now()
		s.userTurns++
		userTurns := s.userTurns
		s.mu.Unlock()
		if ev.Text != "" {
			s.commitTranscript(history.RoleUser, ev.Text)
		}
		s.checkHandoff(ev.Text, userTurns)

	case realtime.EventSpeechStarted:
		s.onSpeechStarted()

	case realtime.EventSpeechStopped:
		s.mu.Lock()
		s.userSpeaking = false
		s.lastSpeechStopped = time.Now()
		s.mu.Unlock()

	case realtime.EventResponseDone:
		s.recordLatency()

	case realtime.EventInterrupt:
		// Provider-side barge-in notification: the response is already
		// cancelled upstream, only the local playback needs breaking.
		s.breakPlayback()

	case realtime.EventFunctionCall:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatchFunction(ev)
		}()

	case realtime.EventSessionExpiring:
		s.logger.Warn("provider session expiring", "provider", s.ProviderName(), "info", ev.Info)
	}
}

// emitAudio resamples provider audio to the media rate and writes it out
// through the warmup buffer, which suppresses emission until its window has
// filled.
func (s *Session) emitAudio(pcm []byte) {
	s.mu.Lock()
	s.assistantSpeaking = true
	s.lastActivity = time.Now()
	converted := s.resampler.ToMedia(pcm)
	buffered := s.warmup.Write(converted)
	s.mu.Unlock()
	if len(buffered) > 0 {
		s.writeOut(buffered)
	}
}

func (s *Session) writeOut(pcm []byte) {
	s.mu.Lock()
	s.bytesOut += int64(len(pcm))
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordAudio(s.ctx, "out", len(pcm))
	}
	if err := s.out.WriteAudio(s.ctx, pcm); err != nil {
		s.logger.Warn("media write failed", "error", err)
	}
}

// onSpeechStarted handles caller barge-in: interrupt the provider, break
// local playback and count it.
func (s *Session) onSpeechStarted() {
	s.mu.Lock()
	s.userSpeaking = true
	s.lastActivity = time.Now()
	s.lastSpeechStarted = time.Now()
	interrupted := s.assistantSpeaking
	if interrupted {
		s.assistantSpeaking = false
		s.bargeIns++
		s.warmup.Reset()
	}
	rt := s.provider
	s.mu.Unlock()

	if !interrupted {
		return
	}
	if s.metrics != nil {
		s.metrics.BargeIns.Add(s.ctx, 1)
	}
	if rt != nil {
		if err := rt.Interrupt(); err != nil {
			s.logger.Warn("interrupt failed", "error", err)
		}
	}
	s.breakPlayback()
	s.logger.Debug("barge-in")
}

func (s *Session) breakPlayback() {
	if s.hooks.BreakPlayback != nil {
		s.hooks.BreakPlayback(s.cfg.CallID)
	}
}

// recordLatency samples time from the end of caller speech to the completed
// response.
func (s *Session) recordLatency() {
	s.mu.Lock()
	ref := s.lastSpeechStopped
	if ref.IsZero() {
		ref = s.lastSpeechStarted
	}
	var sample time.Duration
	if !ref.IsZero() {
		sample = time.Since(ref)
		s.latencies = append(s.latencies, sample)
	}
	s.mu.Unlock()
	if sample > 0 && s.metrics != nil {
		s.metrics.ResponseLatency.Record(s.ctx, sample.Seconds())
	}
}

func (s *Session) commitTranscript(role, text string) {
	entry := TranscriptEntry{Role: role, Text: text, At: time.Now()}
	s.mu.Lock()
	s.transcript = append(s.transcript, entry)
	s.mu.Unlock()
	if s.hooks.OnTranscript != nil {
		s.hooks.OnTranscript(s.cfg.CallID, entry)
	}
}

// checkHandoff consults the handoff policy after each user turn. The flow
// runs at most once per session.
func (s *Session) checkHandoff(userText string, userTurns int) {
	if s.hooks.HandoffPolicy == nil || s.hooks.Handoff == nil {
		return
	}
	reason, ok := s.hooks.HandoffPolicy(userText, userTurns)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.handoffDone {
		s.mu.Unlock()
		return
	}
	s.handoffDone = true
	s.mu.Unlock()

	s.logger.Info("handoff triggered", "reason", reason)
	outcome := s.hooks.Handoff(s.ctx, s, reason)
	if outcome.EndReason != "" {
		s.Stop(outcome.EndReason)
	}
}

// ── Function calling ──

// builtin function names.
const (
	fnTransferCall   = "transfer_call"
	fnEndCall        = "end_call"
	fnRequestHandoff = "request_handoff"
)

func (s *Session) dispatchFunction(ev realtime.Event) {
	log := s.logger.With("function", ev.Name, "call", ev.CallID)
	log.Info("function call", "args", ev.Args)

	result, endReason, errStatus := s.resolveFunction(ev)
	if s.metrics != nil {
		status := "ok"
		if errStatus {
			status = "error"
		}
		s.metrics.RecordToolCall(s.ctx, ev.Name, status)
	}

	s.mu.Lock()
	rt := s.provider
	s.mu.Unlock()
	if rt != nil {
		if err := rt.SendFunctionResult(ev.Name, ev.CallID, result); err != nil {
			log.Warn("function result rejected", "error", err)
		}
	}
	if endReason != "" {
		if endReason == "completed" {
			// end_call: let the farewell play out before tearing down.
			s.stopAfter(s.cfg.EndCallGrace, "completed")
		} else {
			s.Stop(endReason)
		}
	}
}

// resolveFunction runs the user callback, the built-in vocabulary, then the
// tenant tool host, in that order.
func (s *Session) resolveFunction(ev realtime.Event) (result, endReason string, errStatus bool) {
	if s.hooks.OnFunctionCall != nil {
		if res, handled := s.hooks.OnFunctionCall(s.ctx, ev.Name, ev.Args); handled {
			return res, "", false
		}
	}

	switch ev.Name {
	case fnTransferCall:
		if s.hooks.Transfer == nil {
			return errorResult("transfer unavailable"), "", true
		}
		var args TransferArgs
		if err := json.Unmarshal([]byte(ev.Args), &args); err != nil {
			return errorResult("invalid transfer arguments"), "", true
		}
		outcome := s.hooks.Transfer(s.ctx, s, args)
		return marshalResult(outcome.Result), outcome.EndReason, false

	case fnEndCall:
		return marshalResult(map[string]any{"status": "ending"}), "completed", false

	case fnRequestHandoff:
		if s.hooks.Handoff == nil {
			return errorResult("handoff unavailable"), "", true
		}
		s.mu.Lock()
		already := s.handoffDone
		s.handoffDone = true
		s.mu.Unlock()
		if already {
			return errorResult("handoff already requested"), "", true
		}
		outcome := s.hooks.Handoff(s.ctx, s, "function_call")
		return marshalResult(outcome.Result), outcome.EndReason, false
	}

	if s.hooks.Tools != nil {
		res, err := s.hooks.Tools(s.ctx, s.cfg.Tenant, ev.Name, ev.Args)
		if err == nil {
			return res, "", false
		}
		s.logger.Warn("tool host failed", "function", ev.Name, "error", err)
		return errorResult(err.Error()), "", true
	}
	return errorResult(fmt.Sprintf("unknown function %q", ev.Name)), "", true
}

func errorResult(msg string) string {
	return marshalResult(map[string]any{"error": msg})
}

func marshalResult(m map[string]any) string {
	if m == nil {
		m = map[string]any{"status": "ok"}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return `{"error":"unencodable result"}`
	}
	return string(b)
}

// ── Fallback ──

// failover disconnects the current provider and connects the next unused
// fallback with the same configuration snapshot. It reports whether the
// session resumed.
func (s *Session) failover() bool {
	s.mu.Lock()
	old := s.provider
	s.provider = nil
	remaining := s.cfg.Fallbacks[min(s.usedFallbacks, len(s.cfg.Fallbacks)):]
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	for _, name := range remaining {
		s.mu.Lock()
		s.usedFallbacks++
		s.mu.Unlock()

		rt, caps, err := s.conn.Connect(s.ctx, s.cfg.Tenant, name, s.cfg.Session)
		if s.metrics != nil {
			status := "ok"
			if err != nil {
				status = "error"
			}
			s.metrics.RecordProviderRequest(s.ctx, name, status)
		}
		if err != nil {
			s.logger.Warn("fallback connect failed", "provider", name, "error", err)
			continue
		}
		if err := s.bindProvider(rt, name, caps); err != nil {
			s.logger.Warn("fallback bind failed", "provider", name, "error", err)
			rt.Close()
			continue
		}
		s.logger.Info("provider fallback succeeded", "provider", name)
		return true
	}
	return false
}

// ── Timers ──

// watchdog polls for idle and max-duration expiry.
func (s *Session) watchdog() {
	defer s.wg.Done()
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastActivity)
			total := time.Since(s.startedAt)
			s.mu.Unlock()
			switch {
			case total >= s.cfg.MaxDuration:
				s.logger.Info("max duration reached", "duration", total)
				go s.Stop("max_duration")
				return
			case idle >= s.cfg.IdleTimeout:
				s.logger.Info("idle timeout", "idle", idle)
				go s.Stop("idle_timeout")
				return
			}
		}
	}
}

// expiryReason reports which timer threshold has lapsed without the
// watchdog having fired yet, or "" when none has. Max duration wins when
// both lapsed, matching the watchdog's ordering. Used by
// Manager.CleanupExpired.
func (s *Session) expiryReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case time.Since(s.startedAt) >= s.cfg.MaxDuration:
		return "max_duration"
	case time.Since(s.lastActivity) >= s.cfg.IdleTimeout:
		return "idle_timeout"
	}
	return ""
}

// stopAfter schedules termination without blocking the event loop.
func (s *Session) stopAfter(d time.Duration, reason string) {
	timer := time.AfterFunc(d, func() { s.Stop(reason) })
	// Cancelling the context releases the timer early on explicit stop.
	context.AfterFunc(s.ctx, func() { timer.Stop() })
}

// ── Teardown ──

// Stop transitions the session to Ending, disconnects the provider and
// schedules the final teardown. It never blocks, so the event loop and
// function dispatchers may call it about their own session; wait on [Done]
// for full teardown. Safe to call more than once; the first reason wins.
func (s *Session) Stop(reason string) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.state = StateEnding
		s.endReason = reason
		rt := s.provider
		s.provider = nil
		s.mu.Unlock()
		s.logger.Info("session ending", "reason", reason)

		if rt != nil {
			rt.Close()
		}
		s.cancel()
		go s.finish(reason)
	})
}

// finish waits out the session goroutines, persists the conversation and
// reaches Ended.
func (s *Session) finish(reason string) {
	s.wg.Wait()
	s.persist(reason)

	s.mu.Lock()
	s.state = StateEnded
	turns, bargeIns := s.turns, s.bargeIns
	s.mu.Unlock()
	// OnEnded runs before Done unblocks so the manager slot is already
	// released when a waiter observes the session as ended.
	if s.hooks.OnEnded != nil {
		s.hooks.OnEnded(s.cfg.CallID, reason)
	}
	close(s.done)
	if s.metrics != nil {
		s.metrics.SessionHealthScore.Record(context.Background(), s.HealthScore())
	}
	s.logger.Info("session ended", "reason", reason, "turns", turns, "barge_ins", bargeIns)
}

// persist writes the conversation and its messages in one transaction. A
// failure is logged and never blocks shutdown.
func (s *Session) persist(reason string) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	conv := history.Conversation{
		Tenant:        s.cfg.Tenant,
		CallID:        s.cfg.CallID,
		SecretaryID:   s.cfg.SecretaryID,
		CallerID:      s.cfg.CallerID,
		Provider:      s.providerName,
		StartedAt:     s.startedAt,
		EndedAt:       time.Now(),
		EndReason:     reason,
		Turns:         s.turns,
		BargeIns:      s.bargeIns,
		AudioBytesIn:  s.bytesIn,
		AudioBytesOut: s.bytesOut,
		HealthScore:   s.healthScoreLocked(),
	}
	if conv.Provider == "" {
		conv.Provider = s.cfg.Provider
	}
	messages := make([]history.Message, len(s.transcript))
	for i, e := range s.transcript {
		messages[i] = history.Message{Role: e.Role, Text: e.Text, Timestamp: e.At}
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.Persist(ctx, conv, messages); err != nil {
		s.logger.Error("conversation persist failed", "error", err)
	}
}

// HealthScore computes the session health score in [0, 1] from underruns,
// latency and provider errors.
func (s *Session) HealthScore() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthScoreLocked()
}

func (s *Session) healthScoreLocked() float64 {
	score := 1.0
	score -= 0.02 * float64(s.underruns)
	score -= 0.1 * float64(s.providerErrors)
	if n := len(s.latencies); n > 0 {
		sorted := append([]time.Duration(nil), s.latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		p50 := sorted[n/2]
		switch {
		case p50 > 4*time.Second:
			score -= 0.3
		case p50 > 2*time.Second:
			score -= 0.15
		case p50 > time.Second:
			score -= 0.05
		}
	}
	if score < 0 {
		return 0
	}
	return score
}
