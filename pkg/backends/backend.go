// Package backends defines the protocol adapter contract. Each backend turns
// an outbound request into a lazy, finite, non-restartable sequence of
// normalized stream events which the orchestrator pulls one at a time.
package backends

import (
	"context"

	"github.com/go-go-golems/turchina/pkg/conversation"
	"github.com/go-go-golems/turchina/pkg/events"
)

// ChatMessage is one prior exchange entry for backends that accept history.
type ChatMessage struct {
	Role    conversation.Role
	Content string
}

// TurnRequest describes one conversational turn to run against a backend.
// History holds prior exchanges only; the text being sent is Input.
type TurnRequest struct {
	SessionID   string
	Input       string
	History     []ChatMessage
	Attachments []conversation.Attachment
	Metadata    events.EventMetadata
}

// Stream is the pull side of an adapter. Next blocks for the next normalized
// event; after the EventDone it returns io.EOF. A stream cannot be
// restarted.
type Stream interface {
	Next(ctx context.Context) (events.Event, error)
	Close() error
}

type Backend interface {
	Name() string
	StartTurn(ctx context.Context, req TurnRequest) (Stream, error)
}

// TitleGenerator is implemented by backends that can produce a short session
// title as a side call. Callers treat failures as non-fatal.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, text string) (string, error)
}

// DeltaDeduper suppresses a text chunk that is byte-identical to the
// immediately preceding one. Some backends re-send the last token; only the
// most recent chunk is compared, not the full history.
type DeltaDeduper struct {
	last string
	seen bool
}

// Suppress records the chunk and reports whether it should be dropped.
func (d *DeltaDeduper) Suppress(text string) bool {
	if d.seen && d.last == text {
		return true
	}
	d.last = text
	d.seen = true
	return false
}
