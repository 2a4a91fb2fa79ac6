// Package transfer moves an answered call to a human destination. It
// resolves free-form caller utterances to configured transfer rules,
// executes the attended-transfer protocol against the media server
// (hold music, synchronous originate, monitored b-leg, atomic bridge) and
// optionally announces the caller to the destination before bridging.
package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/voxbridge/internal/directory"
	"github.com/MrWong99/voxbridge/internal/esl"
)

// Status is the outcome of one transfer attempt.
type Status string

const (
	StatusSuccess     Status = "SUCCESS"
	StatusBusy        Status = "BUSY"
	StatusNoAnswer    Status = "NO_ANSWER"
	StatusOffline     Status = "OFFLINE"
	StatusRejected    Status = "REJECTED"
	StatusDND         Status = "DND"
	StatusFailed      Status = "FAILED"
	StatusUnavailable Status = "UNAVAILABLE"
	StatusCancelled   Status = "CANCELLED"
)

// classifyCause maps a media-server hangup cause to a transfer status.
func classifyCause(cause string) Status {
	switch cause {
	case "USER_BUSY":
		return StatusBusy
	case "NO_ANSWER", "ALLOTTED_TIMEOUT":
		return StatusNoAnswer
	case "SUBSCRIBER_ABSENT", "USER_NOT_REGISTERED":
		return StatusOffline
	case "CALL_REJECTED":
		return StatusRejected
	case "DO_NOT_DISTURB":
		return StatusDND
	case "DESTINATION_OUT_OF_ORDER", "TEMPORARY_FAILURE", "MEDIA_TIMEOUT", "GATEWAY_DOWN":
		return StatusFailed
	case "NORMAL_CLEARING":
		return StatusSuccess
	default:
		return StatusUnavailable
	}
}

// DialString renders the originate target for a rule's destination.
func DialString(rule directory.TransferRule) string {
	n, ctxName := rule.DestinationID, rule.DestinationContext
	switch rule.DestinationType {
	case "group":
		return fmt.Sprintf("group/%s@%s", n, ctxName)
	case "fifo":
		return fmt.Sprintf("fifo/%s@%s", n, ctxName)
	case "voicemail":
		return fmt.Sprintf("voicemail/%s@%s", n, ctxName)
	case "gateway":
		return fmt.Sprintf("sofia/gateway/%s/%s", ctxName, n)
	case "raw":
		// DestinationID already is a complete dial string, as supplied by
		// the agents API during handoff.
		return n
	default:
		return fmt.Sprintf("user/%s@%s", n, ctxName)
	}
}

// Commander is the slice of the Event Socket client the transfer manager
// drives. *esl.InboundClient satisfies it.
type Commander interface {
	ExecuteAPI(ctx context.Context, command string) (string, error)
	SubscribeEvents(ctx context.Context, names ...string) error
	WaitForEvent(ctx context.Context, name, uuid string, timeout time.Duration) (esl.Event, error)
	Originate(ctx context.Context, req esl.OriginateRequest) (string, error)
	UUIDBridge(ctx context.Context, uuidA, uuidB string) error
}

var _ Commander = (*esl.InboundClient)(nil)

// Messages are the caller-facing texts per outcome. Formats receive the
// department name.
type Messages struct {
	BusyFormat     string
	NoAnswerFormat string
	OfflineFormat  string
	RejectedFormat string
	DNDFormat      string
	FailedFormat   string
	ClosedFormat   string
	NoMatchFormat  string
	Transferring   string
}

// DefaultMessages returns the pt-BR message set.
func DefaultMessages() Messages {
	return Messages{
		BusyFormat:     "O ramal de %s está ocupado no momento.",
		NoAnswerFormat: "O ramal de %s não atendeu. Posso ajudar com mais alguma coisa?",
		OfflineFormat:  "O ramal de %s está indisponível no momento.",
		RejectedFormat: "A transferência para %s foi recusada.",
		DNDFormat:      "O ramal de %s está em modo não perturbe.",
		FailedFormat:   "Não consegui completar a transferência para %s.",
		ClosedFormat:   "O setor %s está fora do horário de atendimento.",
		NoMatchFormat:  "Não encontrei esse setor. Os setores disponíveis são: %s.",
		Transferring:   "Um momento, vou transferir sua ligação.",
	}
}

// message renders the caller-facing text for a failed attempt.
func (m Messages) message(status Status, department string) string {
	format := m.FailedFormat
	switch status {
	case StatusBusy:
		format = m.BusyFormat
	case StatusNoAnswer:
		format = m.NoAnswerFormat
	case StatusOffline:
		format = m.OfflineFormat
	case StatusRejected:
		format = m.RejectedFormat
	case StatusDND:
		format = m.DNDFormat
	case StatusUnavailable, StatusFailed:
		format = m.FailedFormat
	}
	return fmt.Sprintf(format, department)
}

// Result is the outcome of Execute, including the caller-facing message for
// failures.
type Result struct {
	Status   Status
	Message  string
	BLegUUID string
	Attempts int
}

// Bridged reports whether the call left this process.
func (r Result) Bridged() bool { return r.Status == StatusSuccess }
