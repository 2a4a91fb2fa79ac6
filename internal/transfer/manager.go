package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxbridge/internal/directory"
	"github.com/MrWong99/voxbridge/internal/esl"
	"github.com/MrWong99/voxbridge/internal/observe"
)

// attemptState is the phase of one running transfer attempt.
type attemptState int

const (
	stateIdle attemptState = iota
	stateHoldMusic
	stateOriginating
	stateMonitoringBLeg
	stateBridging
	stateCompleted
	stateFailed
)

func (s attemptState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateHoldMusic:
		return "hold_music"
	case stateOriginating:
		return "originating"
	case stateMonitoringBLeg:
		return "monitoring_b_leg"
	case stateBridging:
		return "bridging"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Defaults for the manager knobs.
const (
	defaultMOH          = "local_stream://moh"
	defaultRingTimeout  = 30 * time.Second
	defaultAcceptWindow = 5 * time.Second
	killDeadline        = 500 * time.Millisecond
)

// announceInstruction is appended to every b-leg announcement.
const announceInstruction = "Pressione 2 para recusar, ou aguarde para atender."

// Config tunes the transfer manager.
type Config struct {
	// MOH is the hold-music source broadcast on the a-leg while the
	// destination rings. Default "local_stream://moh".
	MOH string

	// RingTimeout bounds the originate when the rule carries none.
	RingTimeout time.Duration

	// AcceptWindow is how long an announced destination has to reject.
	AcceptWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.MOH == "" {
		c.MOH = defaultMOH
	}
	if c.RingTimeout <= 0 {
		c.RingTimeout = defaultRingTimeout
	}
	if c.AcceptWindow <= 0 {
		c.AcceptWindow = defaultAcceptWindow
	}
}

// Request describes one transfer to execute.
type Request struct {
	// CallID is the a-leg channel UUID.
	CallID string
	Tenant string

	// CallerName and CallerNumber become the b-leg's presented caller id.
	CallerName   string
	CallerNumber string

	// Announced selects the announce-then-accept flow of the destination.
	Announced bool

	// Announcement is spoken to the destination before bridging; empty
	// falls back to a generated line with the caller number.
	Announcement string
}

// attempt is the book-keeping for one in-flight transfer, so a caller
// hangup can cancel it from another goroutine.
type attempt struct {
	mu        sync.Mutex
	state     attemptState
	blegUUID  string
	cancelled bool
	cancel    context.CancelFunc
}

func (a *attempt) setState(s attemptState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *attempt) setBLeg(uuid string) {
	a.mu.Lock()
	a.blegUUID = uuid
	a.mu.Unlock()
}

func (a *attempt) snapshot() (attemptState, string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, a.blegUUID, a.cancelled
}

// Manager executes attended and announced transfers.
type Manager struct {
	cfg      Config
	esl      Commander
	rules    RuleSource
	messages Messages
	metrics  *observe.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*attempt
}

// NewManager builds a transfer manager. metrics may be nil.
func NewManager(cfg Config, commander Commander, rules RuleSource, metrics *observe.Metrics, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		esl:      commander,
		rules:    rules,
		messages: DefaultMessages(),
		metrics:  metrics,
		logger:   logger.With("component", "transfer"),
		active:   map[string]*attempt{},
	}
}

// Reconfigure swaps the manager knobs at runtime. In-flight transfers keep
// the settings they started with.
func (m *Manager) Reconfigure(cfg Config) {
	cfg.applyDefaults()
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// tuning snapshots the current configuration.
func (m *Manager) tuning() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Messages returns the caller-facing message set in use.
func (m *Manager) Messages() Messages { return m.messages }

// SetMessages replaces the caller-facing message set.
func (m *Manager) SetMessages(msgs Messages) { m.messages = msgs }

// Execute runs the full attended (or announced) transfer for an already
// resolved rule. BUSY outcomes retry up to the rule's MaxRetries. Only one
// transfer may run per call.
func (m *Manager) Execute(ctx context.Context, req Request, rule directory.TransferRule) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	att := &attempt{cancel: cancel}
	m.mu.Lock()
	if _, busy := m.active[req.CallID]; busy {
		m.mu.Unlock()
		return Result{}, fmt.Errorf("transfer: call %s already has a transfer in flight", req.CallID)
	}
	m.active[req.CallID] = att
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.active, req.CallID)
		m.mu.Unlock()
	}()

	log := m.logger.With("call_id", req.CallID, "department", rule.Department)

	var res Result
	attempts := rule.MaxRetries + 1
	for i := 0; i < attempts; i++ {
		res = m.runAttempt(ctx, att, req, rule, log)
		res.Attempts = i + 1
		if res.Status != StatusBusy {
			break
		}
		log.Info("destination busy, retrying", "attempt", i+1, "max", attempts)
	}

	if m.metrics != nil {
		m.metrics.RecordTransfer(ctx, string(res.Status))
	}
	if !res.Bridged() && res.Status != StatusCancelled && res.Message == "" {
		res.Message = m.messages.message(res.Status, rule.Department)
	}
	log.Info("transfer finished", "status", string(res.Status), "attempts", res.Attempts)
	return res, nil
}

// ExecuteDial runs an attended transfer to an explicit dial string, used by
// the handoff flow when the agents API supplies the destination directly.
func (m *Manager) ExecuteDial(ctx context.Context, req Request, dialString, department string) (Result, error) {
	if department == "" {
		department = "atendimento"
	}
	rule := directory.TransferRule{
		Tenant:          req.Tenant,
		Department:      department,
		DestinationID:   dialString,
		DestinationType: "raw",
		RingTimeout:     m.tuning().RingTimeout,
	}
	return m.Execute(ctx, req, rule)
}

// Cancel aborts the running transfer of a call, typically on caller hangup.
// The b-leg is killed immediately and never bridged.
func (m *Manager) Cancel(callID string) {
	m.mu.Lock()
	att := m.active[callID]
	m.mu.Unlock()
	if att == nil {
		return
	}

	att.mu.Lock()
	att.cancelled = true
	bleg := att.blegUUID
	cancel := att.cancel
	att.mu.Unlock()

	cancel()
	if bleg != "" {
		ctx, done := context.WithTimeout(context.Background(), killDeadline)
		defer done()
		m.killBLeg(ctx, bleg)
	}
	m.logger.Info("transfer cancelled", "call_id", callID)
}

// runAttempt performs one pass of the §state machine: hold music,
// originate, optional announcement, bridge.
func (m *Manager) runAttempt(ctx context.Context, att *attempt, req Request, rule directory.TransferRule, log *slog.Logger) Result {
	cfg := m.tuning()
	att.setState(stateHoldMusic)

	// Stop whatever the agent was saying, then park the caller on hold
	// music for the duration of the attempt.
	if _, err := m.esl.ExecuteAPI(ctx, "uuid_break "+req.CallID+" all"); err != nil {
		log.Warn("uuid_break failed", "error", err)
	}
	mohStarted := false
	if _, err := m.esl.ExecuteAPI(ctx, "uuid_broadcast "+req.CallID+" "+cfg.MOH+" aleg"); err != nil {
		log.Warn("hold music failed", "error", err)
	} else {
		mohStarted = true
	}
	stopMOH := func() {
		if mohStarted {
			mohStarted = false
			if _, err := m.esl.ExecuteAPI(ctx, "uuid_break "+req.CallID+" all"); err != nil {
				log.Warn("stopping hold music failed", "error", err)
			}
		}
	}
	defer stopMOH()

	if err := m.esl.SubscribeEvents(ctx,
		esl.EventChannelAnswer, esl.EventChannelHangup,
		esl.EventChannelProgress, esl.EventChannelProgressMedia,
	); err != nil {
		log.Warn("event subscription failed", "error", err)
	}

	att.setState(stateOriginating)
	blegUUID := uuid.NewString()
	att.setBLeg(blegUUID)

	ringTimeout := rule.RingTimeout
	if ringTimeout <= 0 {
		ringTimeout = cfg.RingTimeout
	}
	_, err := m.esl.Originate(ctx, esl.OriginateRequest{
		DialString: DialString(rule),
		Variables: map[string]string{
			"origination_uuid":             blegUUID,
			"ignore_early_media":           "true",
			"hangup_after_bridge":          "true",
			"origination_caller_id_name":   req.CallerName,
			"origination_caller_id_number": req.CallerNumber,
			"originate_timeout":            fmt.Sprintf("%d", int(ringTimeout.Seconds())),
		},
		Timeout: ringTimeout + 5*time.Second,
	})
	if _, _, cancelled := att.snapshot(); cancelled {
		att.setState(stateFailed)
		m.killBLeg(context.Background(), blegUUID)
		return Result{Status: StatusCancelled, BLegUUID: blegUUID}
	}
	if err != nil {
		att.setState(stateFailed)
		m.killBLeg(ctx, blegUUID)
		var oerr *esl.OriginateError
		if errors.As(err, &oerr) {
			return Result{Status: classifyOriginate(oerr.Cause), BLegUUID: blegUUID}
		}
		log.Warn("originate failed", "error", err)
		return Result{Status: StatusFailed, BLegUUID: blegUUID}
	}

	att.setState(stateMonitoringBLeg)
	if req.Announced {
		if status, ok := m.announce(ctx, att, req, rule, blegUUID, log); !ok {
			att.setState(stateFailed)
			return Result{Status: status, BLegUUID: blegUUID}
		}
	}

	// Bridge: hold music off and hangup_after_bridge on the a-leg strictly
	// before the atomic bridge, so a b-leg hangup after bridging tears the
	// caller down instead of dumping them back on the agent.
	att.setState(stateBridging)
	stopMOH()
	if _, err := m.esl.ExecuteAPI(ctx, "uuid_setvar "+req.CallID+" hangup_after_bridge true"); err != nil {
		log.Warn("setting hangup_after_bridge failed", "error", err)
	}
	if _, _, cancelled := att.snapshot(); cancelled {
		att.setState(stateFailed)
		m.killBLeg(context.Background(), blegUUID)
		return Result{Status: StatusCancelled, BLegUUID: blegUUID}
	}
	if err := m.esl.UUIDBridge(ctx, req.CallID, blegUUID); err != nil {
		att.setState(stateFailed)
		m.killBLeg(ctx, blegUUID)
		log.Warn("bridge failed", "error", err)
		return Result{Status: StatusFailed, BLegUUID: blegUUID}
	}

	att.setState(stateCompleted)
	return Result{Status: StatusSuccess, BLegUUID: blegUUID}
}

// announce speaks the caller context to the answered destination and waits
// the accept window: DTMF 2 or hangup rejects, the window lapsing accepts.
func (m *Manager) announce(ctx context.Context, att *attempt, req Request, rule directory.TransferRule, blegUUID string, log *slog.Logger) (Status, bool) {
	acceptWindow := m.tuning().AcceptWindow
	text := req.Announcement
	if text == "" {
		text = fmt.Sprintf("Transferência de %s.", req.CallerNumber)
	}
	text += " " + announceInstruction
	cmd := fmt.Sprintf("uuid_broadcast %s say:'%s' aleg", blegUUID, text)
	if _, err := m.esl.ExecuteAPI(ctx, cmd); err != nil {
		log.Warn("announcement failed, bridging anyway", "error", err)
		return StatusSuccess, true
	}

	type outcome struct {
		ev  esl.Event
		err error
	}
	dtmfCh := make(chan outcome, 1)
	hangupCh := make(chan outcome, 1)
	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	go func() {
		ev, err := m.esl.WaitForEvent(waitCtx, esl.EventDTMF, blegUUID, acceptWindow)
		dtmfCh <- outcome{ev, err}
	}()
	go func() {
		ev, err := m.esl.WaitForEvent(waitCtx, esl.EventChannelHangup, blegUUID, acceptWindow)
		hangupCh <- outcome{ev, err}
	}()

	deadline := time.NewTimer(acceptWindow)
	defer deadline.Stop()
	for {
		select {
		case o := <-dtmfCh:
			if o.err != nil {
				continue
			}
			if o.ev.DTMFDigit() == "2" {
				log.Info("destination rejected transfer")
				m.killBLeg(ctx, blegUUID)
				return StatusRejected, false
			}
			// Any other digit keeps the window running.
			go func() {
				ev, err := m.esl.WaitForEvent(waitCtx, esl.EventDTMF, blegUUID, acceptWindow)
				dtmfCh <- outcome{ev, err}
			}()
		case o := <-hangupCh:
			if o.err != nil {
				continue
			}
			log.Info("destination hung up during announcement",
				"cause", o.ev.HangupCause())
			return StatusRejected, false
		case <-deadline.C:
			// Silence is acceptance.
			return StatusSuccess, true
		case <-ctx.Done():
			m.killBLeg(context.Background(), blegUUID)
			return StatusCancelled, false
		}
	}
}

// killBLeg hangs up the destination leg, best effort.
func (m *Manager) killBLeg(ctx context.Context, blegUUID string) {
	if blegUUID == "" {
		return
	}
	if _, err := m.esl.ExecuteAPI(ctx, "uuid_kill "+blegUUID+" ORIGINATOR_CANCEL"); err != nil {
		m.logger.Debug("uuid_kill failed", "b_leg", blegUUID, "error", err)
	}
}

// classifyOriginate maps an originate failure cause through the hangup
// table.
func classifyOriginate(cause string) Status {
	if s := classifyCause(cause); s != StatusSuccess {
		return s
	}
	// NORMAL_CLEARING from a failed originate is still a failure.
	return StatusUnavailable
}
