package events

import (
	"github.com/rs/zerolog"

	"github.com/go-go-golems/turchina/pkg/conversation"
)

type EventType string

const (
	// EventTypeTextDelta carries an incremental fragment to append to the
	// in-progress version.
	EventTypeTextDelta EventType = "text-delta"
	// EventTypeTextReplace carries an authoritative full text that overrides
	// all prior deltas for the current version.
	EventTypeTextReplace EventType = "text-replace"
	// EventTypeSteps carries the latest full batch of process steps.
	EventTypeSteps EventType = "steps"
	// EventTypeDone marks the end of a turn's stream.
	EventTypeDone EventType = "done"
	// EventTypeError surfaces a transport failure to subscribers.
	EventTypeError EventType = "error"
)

// Event is one normalized unit emitted by a protocol adapter, regardless of
// which backend produced it.
type Event interface {
	Type() EventType
	Metadata() EventMetadata
	SetMetadata(metadata EventMetadata)
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

// SetMetadata back-fills identifiers resolved after the event was built,
// such as the id of a lazily created assistant message.
func (e *EventImpl) SetMetadata(metadata EventMetadata) {
	e.Metadata_ = metadata
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

type EventTextDelta struct {
	EventImpl
	Text string `json:"text"`
}

func NewTextDeltaEvent(metadata EventMetadata, text string) *EventTextDelta {
	return &EventTextDelta{
		EventImpl: EventImpl{Type_: EventTypeTextDelta, Metadata_: metadata},
		Text:      text,
	}
}

var _ Event = &EventTextDelta{}

type EventTextReplace struct {
	EventImpl
	Text string `json:"text"`
}

func NewTextReplaceEvent(metadata EventMetadata, text string) *EventTextReplace {
	return &EventTextReplace{
		EventImpl: EventImpl{Type_: EventTypeTextReplace, Metadata_: metadata},
		Text:      text,
	}
}

var _ Event = &EventTextReplace{}

type EventSteps struct {
	EventImpl
	Steps []conversation.ProcessStep `json:"steps"`
}

func NewStepsEvent(metadata EventMetadata, steps []conversation.ProcessStep) *EventSteps {
	return &EventSteps{
		EventImpl: EventImpl{Type_: EventTypeSteps, Metadata_: metadata},
		Steps:     steps,
	}
}

var _ Event = &EventSteps{}

type EventDone struct {
	EventImpl
}

func NewDoneEvent(metadata EventMetadata) *EventDone {
	return &EventDone{
		EventImpl: EventImpl{Type_: EventTypeDone, Metadata_: metadata},
	}
}

var _ Event = &EventDone{}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
	}
}

var _ Event = &EventError{}
