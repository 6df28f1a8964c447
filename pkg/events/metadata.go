package events

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventMetadata carries correlation identifiers so subscribers can route an
// event back to the session and message it belongs to.
type EventMetadata struct {
	ID        uuid.UUID `json:"event_id"`
	SessionID string    `json:"session_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	TurnID    string    `json:"turn_id,omitempty"`
	Backend   string    `json:"backend,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("event_id", em.ID.String())
	if em.SessionID != "" {
		e.Str("session_id", em.SessionID)
	}
	if em.MessageID != "" {
		e.Str("message_id", em.MessageID)
	}
	if em.TurnID != "" {
		e.Str("turn_id", em.TurnID)
	}
	if em.Backend != "" {
		e.Str("backend", em.Backend)
	}
}
