package app

import (
	"context"
	"strings"

	"github.com/MrWong99/voxbridge/internal/directory"
	"github.com/MrWong99/voxbridge/internal/session"
	"github.com/MrWong99/voxbridge/internal/transfer"
)

// End reason of a successful built-in transfer.
const endReasonTransferred = "transferred"

// relayedEndReasons are ends the caller or the media plane already knows
// about; everything else needs the channel hung up explicitly.
var relayedEndReasons = map[string]bool{
	"caller_hangup":     true,
	"client_hangup":     true,
	"connection_closed": true,
	endReasonTransferred: true,
	// The a-leg is bridged to the agent after a handoff transfer; killing
	// it would drop the human conversation.
	"handoff_transferred": true,
}

// sessionHooks connects every session the manager creates to the
// surrounding subsystems. The hooks close over the App so subsystems
// constructed after the manager (the bridge) are still reachable.
func (a *App) sessionHooks() session.Hooks {
	h := session.Hooks{
		Transfer: a.transferHook,
		Tools: func(ctx context.Context, tenant, name, args string) (string, error) {
			return a.toolHost.Call(ctx, tenant, name, args)
		},
		BreakPlayback: func(callID string) {
			if a.bridge != nil {
				a.bridge.BreakPlayback(callID)
			}
		},
		OnEnded: func(callID, reason string) {
			if a.bridge != nil {
				a.bridge.cleanup(callID)
			}
			a.hangupChannel(callID, reason)
		},
	}
	if a.handoffs != nil {
		h.Handoff = func(ctx context.Context, s *session.Session, reason string) session.FunctionOutcome {
			return a.handoffs.Handle(ctx, s, reason)
		}
		h.HandoffPolicy = a.handoffs.Policy()
	}
	return h
}

// transferHook serves the built-in transfer_call function: resolve the
// spoken destination against the tenant's rules, then run the attended
// transfer.
func (a *App) transferHook(ctx context.Context, s *session.Session, args session.TransferArgs) session.FunctionOutcome {
	log := a.logger.With("tenant", s.Tenant(), "call_id", s.CallID())
	text := firstNonEmpty(args.Department, args.Destination, args.Reason)
	if text == "" {
		return session.FunctionOutcome{Result: map[string]any{
			"status": "no_match",
			"error":  "no destination given",
		}}
	}

	sec := a.secretaryOf(ctx, s)
	cutoff := a.cfg.Transfer.FuzzyCutoff
	if sec != nil && sec.Audio.FuzzyCutoff > 0 {
		cutoff = sec.Audio.FuzzyCutoff
	}

	res, err := a.transfers.Resolve(ctx, s.Tenant(), s.SecretaryID(), text, cutoff)
	if err != nil {
		log.Warn("transfer resolution failed", "error", err)
		return session.FunctionOutcome{Result: map[string]any{
			"status": "failed",
			"error":  "transfer unavailable",
		}}
	}
	if res.Rule == nil {
		return session.FunctionOutcome{Result: map[string]any{
			"status":  "no_match",
			"message": res.Message,
		}}
	}

	if msg := firstNonEmpty(res.Rule.Message, a.transfers.Messages().Transferring); msg != "" {
		if err := s.Say(msg); err != nil {
			log.Debug("transfer announcement failed", "error", err)
		}
	}

	req := transfer.Request{
		CallID:       s.CallID(),
		Tenant:       s.Tenant(),
		CallerNumber: s.CallerID(),
	}
	if sec != nil {
		if sec.TransferCallerName != "" {
			req.CallerName = sec.TransferCallerName
		}
		if sec.TransferCallerNumber != "" {
			req.CallerNumber = sec.TransferCallerNumber
		}
	}

	result, err := a.transfers.Execute(ctx, req, *res.Rule)
	if err != nil {
		log.Warn("transfer failed", "department", res.Rule.Department, "error", err)
		return session.FunctionOutcome{Result: map[string]any{
			"status": "failed",
			"error":  "transfer unavailable",
		}}
	}
	if result.Bridged() {
		return session.FunctionOutcome{
			Result: map[string]any{
				"status":     "transferred",
				"department": res.Rule.Department,
			},
			EndReason: endReasonTransferred,
		}
	}
	// The caller stays with the secretary; the model relays the outcome.
	return session.FunctionOutcome{Result: map[string]any{
		"status":  strings.ToLower(string(result.Status)),
		"message": result.Message,
	}}
}

// secretaryOf looks the answering secretary back up; nil when the directory
// cannot serve it.
func (a *App) secretaryOf(ctx context.Context, s *session.Session) *directory.Secretary {
	if a.dir == nil || s.SecretaryID() == "" {
		return nil
	}
	sec, err := a.dir.SecretaryByID(ctx, s.Tenant(), s.SecretaryID())
	if err != nil {
		a.logger.Debug("secretary lookup failed", "tenant", s.Tenant(),
			"secretary_id", s.SecretaryID(), "error", err)
		return nil
	}
	return sec
}

// hangupChannel ends the FreeSWITCH leg of a call this process decided to
// terminate.
func (a *App) hangupChannel(callID, reason string) {
	if relayedEndReasons[reason] || a.commander == nil {
		return
	}
	if a.inbound != nil && !a.inbound.Connected() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
	defer cancel()
	if _, err := a.commander.ExecuteAPI(ctx, "uuid_kill "+callID+" NORMAL_CLEARING"); err != nil {
		a.logger.Debug("channel hangup failed", "call_id", callID, "error", err)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
