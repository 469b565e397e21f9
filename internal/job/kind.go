package job

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Kind tags a job record with the payload it carries.
type Kind string

const (
	KindMessageSend       Kind = "message.send"
	KindAutopilotDraft    Kind = "autopilot.draft"
	KindAutopilotAutosend Kind = "autopilot.autosend"
)

var (
	ErrUnknownKind = errors.New("unknown job kind")
	ErrBadPayload  = errors.New("malformed job payload")
)

// Payload is implemented by the payload struct of every job kind.
type Payload interface {
	Kind() Kind
}

// SendPayload asks for delivery of a queued outbound message.
type SendPayload struct {
	MessageID string `json:"message_id"`
}

func (SendPayload) Kind() Kind { return KindMessageSend }

// DraftPayload asks the autopilot to draft a reply to an inbound message.
type DraftPayload struct {
	InboundMessageID string `json:"inbound_message_id"`
}

func (DraftPayload) Kind() Kind { return KindAutopilotDraft }

// AutosendPayload asks the autopilot to re-check and release a held draft.
type AutosendPayload struct {
	DraftMessageID   string `json:"draft_message_id"`
	InboundMessageID string `json:"inbound_message_id,omitempty"`
}

func (AutosendPayload) Kind() Kind { return KindAutopilotAutosend }

func Kinds() []Kind {
	return []Kind{KindMessageSend, KindAutopilotDraft, KindAutopilotAutosend}
}

// ParseKind validates a kind read from outside the type system (CLI, dead letters).
func ParseKind(s string) (Kind, error) {
	for _, kind := range Kinds() {
		if string(kind) == s {
			return kind, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// DecodePayload rebuilds the typed payload stored for kind.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	switch kind {
	case KindMessageSend:
		return decodeAs[SendPayload](raw)
	case KindAutopilotDraft:
		return decodeAs[DraftPayload](raw)
	case KindAutopilotAutosend:
		return decodeAs[AutosendPayload](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func decodeAs[T Payload](raw []byte) (T, error) {
	var payload T

	err := json.Unmarshal(raw, &payload)
	if err != nil {
		return payload, fmt.Errorf("%w for %s: %w", ErrBadPayload, payload.Kind(), err)
	}

	return payload, nil
}
