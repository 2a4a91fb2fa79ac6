// Package handoff escalates a call from the AI secretary to a human. A
// trigger (keyword, turn cap or explicit function call) either transfers
// the caller to an online agent or, when nobody is available, files a
// ticket with the transcript and an uploaded recording for asynchronous
// follow-up.
package handoff

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/internal/objstore"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/session"
	"github.com/MrWong99/voxbridge/internal/transfer"
	"github.com/MrWong99/voxbridge/pkg/history"
)

// End reasons reported to the session after a successful handoff.
const (
	EndReasonTransferred   = "handoff_transferred"
	EndReasonTicketCreated = "handoff_ticket_created"
)

// defaultKeywords trigger a handoff when found in a user transcript.
var defaultKeywords = []string{
	"atendente", "humano", "pessoa de verdade", "falar com alguém",
	"falar com alguem", "representante",
}

// Messages are the spoken notifications around a handoff.
type Messages struct {
	Transferring  string
	TicketCreated string
}

// DefaultMessages returns the pt-BR message set.
func DefaultMessages() Messages {
	return Messages{
		Transferring:  "Um momento, vou transferir você para um atendente.",
		TicketCreated: "No momento não há atendentes disponíveis. Registrei sua solicitação e entraremos em contato.",
	}
}

// Config tunes the handoff manager.
type Config struct {
	// Keywords override the default trigger list; matching is
	// case-insensitive substring search on each user transcript.
	Keywords []string

	// MaxAITurns triggers a handoff once the assistant has completed this
	// many turns. Zero disables the cap.
	MaxAITurns int

	// QueueID selects the agent queue asked for availability.
	QueueID string

	// CountryCode prefixes national numbers during E.164 normalisation,
	// e.g. "+55".
	CountryCode string

	// DevTestNumber substitutes internal extensions (4 digits or fewer)
	// so a development environment can still exercise the flow. Empty
	// aborts the handoff for internal callers instead.
	DevTestNumber string

	Messages Messages
}

func (c *Config) applyDefaults() {
	if len(c.Keywords) == 0 {
		c.Keywords = defaultKeywords
	}
	if c.Messages == (Messages{}) {
		c.Messages = DefaultMessages()
	}
}

// Dialer is the slice of the transfer manager the handoff flow uses.
type Dialer interface {
	ExecuteDial(ctx context.Context, req transfer.Request, dialString, department string) (transfer.Result, error)
}

// RecordingSource supplies the recorded call audio, if any exists.
type RecordingSource interface {
	Recording(callID string) (io.Reader, bool)
}

// Manager implements the handoff flow of one deployment.
type Manager struct {
	mu         sync.RWMutex
	cfg        Config
	api        *APIClient
	dialer     Dialer
	uploader   objstore.Uploader
	recordings RecordingSource
	metrics    *observe.Metrics
	logger     *slog.Logger
}

// NewManager builds a handoff manager. uploader, recordings and metrics may
// be nil; without them tickets simply carry no recording URL.
func NewManager(cfg Config, api *APIClient, dialer Dialer, uploader objstore.Uploader, recordings RecordingSource, metrics *observe.Metrics, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		api:        api,
		dialer:     dialer,
		uploader:   uploader,
		recordings: recordings,
		metrics:    metrics,
		logger:     logger.With("component", "handoff"),
	}
}

// Reconfigure swaps the trigger tuning at runtime. In-flight handoffs keep
// the settings they started with.
func (m *Manager) Reconfigure(cfg Config) {
	cfg.applyDefaults()
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// tuning snapshots the current configuration.
func (m *Manager) tuning() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Policy returns the per-turn trigger check wired into
// [session.Hooks.HandoffPolicy].
func (m *Manager) Policy() func(userText string, userTurns int) (string, bool) {
	return func(userText string, userTurns int) (string, bool) {
		cfg := m.tuning()
		text := strings.ToLower(userText)
		for _, kw := range cfg.Keywords {
			if strings.Contains(text, kw) {
				return "keyword", true
			}
		}
		if cfg.MaxAITurns > 0 && userTurns >= cfg.MaxAITurns {
			return "turn_limit", true
		}
		return "", false
	}
}

// Handle executes a triggered handoff and is wired into
// [session.Hooks.Handoff]. The session enforces at-most-once.
func (m *Manager) Handle(ctx context.Context, s *session.Session, reason string) session.FunctionOutcome {
	log := m.logger.With("tenant", s.Tenant(), "call_id", s.CallID(), "reason", reason)

	caller, ok := m.normalizeCaller(s.CallerID())
	if !ok {
		log.Warn("internal caller and no dev test number, aborting handoff")
		return session.FunctionOutcome{Result: map[string]any{
			"outcome": "aborted",
			"error":   "caller number cannot be escalated",
		}}
	}

	agents, err := m.api.OnlineAgents(ctx, m.tuning().QueueID)
	if err != nil {
		log.Warn("agents API unavailable, falling back to ticket", "error", err)
	} else if agents.HasOnlineAgents && agents.DialString != "" {
		if outcome, ok := m.transferToAgent(ctx, s, caller, agents.DialString, log); ok {
			return outcome
		}
	}
	return m.createTicket(ctx, s, caller, reason, log)
}

// transferToAgent attempts the live transfer; false means fall through to
// the ticket path.
func (m *Manager) transferToAgent(ctx context.Context, s *session.Session, caller, dialString string, log *slog.Logger) (session.FunctionOutcome, bool) {
	if err := s.Say(m.tuning().Messages.Transferring); err != nil {
		log.Debug("transfer announcement failed", "error", err)
	}
	res, err := m.dialer.ExecuteDial(ctx, transfer.Request{
		CallID:       s.CallID(),
		Tenant:       s.Tenant(),
		CallerNumber: caller,
	}, dialString, "")
	if err != nil {
		log.Warn("agent transfer errored, falling back to ticket", "error", err)
		return session.FunctionOutcome{}, false
	}
	if !res.Bridged() {
		log.Info("agent transfer failed, falling back to ticket", "status", string(res.Status))
		return session.FunctionOutcome{}, false
	}

	if m.metrics != nil {
		m.metrics.RecordHandoff(ctx, "transfer")
	}
	log.Info("caller transferred to agent")
	return session.FunctionOutcome{
		Result:    map[string]any{"outcome": "transferred"},
		EndReason: EndReasonTransferred,
	}, true
}

// createTicket uploads the recording (when available) and files the pending
// ticket. Failure leaves the session running.
func (m *Manager) createTicket(ctx context.Context, s *session.Session, caller, reason string, log *slog.Logger) session.FunctionOutcome {
	cfg := m.tuning()
	recordingURL := m.uploadRecording(ctx, s, log)

	transcript := s.Transcript()
	ticket := Ticket{
		Tenant:           s.Tenant(),
		CallID:           s.CallID(),
		SecretaryID:      s.SecretaryID(),
		QueueID:          cfg.QueueID,
		Caller:           caller,
		Provider:         s.ProviderName(),
		Reason:           reason,
		Summary:          summarize(transcript),
		Transcript:       renderTranscript(transcript),
		DurationSeconds:  int(time.Since(s.StartedAt()).Seconds()),
		AverageLatencyMs: int(s.AverageLatency().Milliseconds()),
		RecordingURL:     recordingURL,
	}
	if err := m.api.CreateTicket(ctx, ticket); err != nil {
		log.Error("ticket creation failed, call continues", "error", err)
		if m.metrics != nil {
			m.metrics.RecordHandoff(ctx, "failed")
		}
		return session.FunctionOutcome{Result: map[string]any{
			"outcome": "failed",
			"error":   "could not reach a human or file a ticket",
		}}
	}

	if err := s.Say(cfg.Messages.TicketCreated); err != nil {
		log.Debug("ticket announcement failed", "error", err)
	}
	if m.metrics != nil {
		m.metrics.RecordHandoff(ctx, "ticket")
	}
	log.Info("handoff ticket created")
	return session.FunctionOutcome{
		Result:    map[string]any{"outcome": "ticket"},
		EndReason: EndReasonTicketCreated,
	}
}

func (m *Manager) uploadRecording(ctx context.Context, s *session.Session, log *slog.Logger) string {
	if m.uploader == nil || m.recordings == nil {
		return ""
	}
	body, ok := m.recordings.Recording(s.CallID())
	if !ok {
		return ""
	}
	key := objstore.RecordingKey(s.Tenant(), s.CallID(), s.StartedAt())
	url, err := m.uploader.Upload(ctx, key, "audio/mpeg", body, map[string]string{
		"tenant":     s.Tenant(),
		"call-id":    s.CallID(),
		"started-at": s.StartedAt().UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Warn("recording upload failed, ticket proceeds without it", "error", err)
		return ""
	}
	return url
}

// normalizeCaller produces an E.164 number. Internal extensions (4 digits
// or fewer) substitute the dev test number or abort.
func (m *Manager) normalizeCaller(raw string) (string, bool) {
	cfg := m.tuning()
	digits := strings.Builder{}
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	n := digits.String()
	if len(n) <= 4 {
		if cfg.DevTestNumber != "" {
			return cfg.DevTestNumber, true
		}
		return "", false
	}
	if strings.HasPrefix(raw, "+") {
		return "+" + n, true
	}
	cc := strings.TrimPrefix(cfg.CountryCode, "+")
	if cc != "" && !strings.HasPrefix(n, cc) {
		return "+" + cc + n, true
	}
	return "+" + n, true
}

// summarize produces a short ticket summary from the transcript: the first
// user request, or a placeholder for silent calls.
func summarize(entries []session.TranscriptEntry) string {
	for _, e := range entries {
		if e.Role == history.RoleUser {
			const max = 200
			if len(e.Text) > max {
				return e.Text[:max]
			}
			return e.Text
		}
	}
	return "Ligação sem transcrição de usuário."
}

func renderTranscript(entries []session.TranscriptEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s] %s\n", e.Role, e.Text)
	}
	return b.String()
}
