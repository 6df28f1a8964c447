package conversation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type MessageID uuid.UUID

func (id MessageID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id))
}

func (id *MessageID) UnmarshalJSON(data []byte) error {
	var u uuid.UUID
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*id = MessageID(u)
	return nil
}

func (id MessageID) String() string {
	return uuid.UUID(id).String()
}

func NewMessageID() MessageID {
	return MessageID(uuid.New())
}

// TurnID links a user message to the assistant reply it triggered. Both
// messages of a pair carry the same TurnID; pairing never relies on list
// adjacency.
type TurnID uuid.UUID

func (id TurnID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id))
}

func (id *TurnID) UnmarshalJSON(data []byte) error {
	var u uuid.UUID
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*id = TurnID(u)
	return nil
}

func (id TurnID) String() string {
	return uuid.UUID(id).String()
}

func NewTurnID() TurnID {
	return TurnID(uuid.New())
}

type StepKind string

const (
	StepKindThinking StepKind = "thinking"
	StepKindCommand  StepKind = "command"
	StepKindEdit     StepKind = "edit"
	StepKindError    StepKind = "error"
)

// ProcessStep is a structured log entry attached to a message version,
// surfacing intermediate agent reasoning or tool calls during one streamed
// turn.
type ProcessStep struct {
	Kind      StepKind  `json:"kind"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Attachment struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	MimeType string `json:"mimeType,omitempty"`
}

// MessageVersion is one entry in a message's append-only version history.
// A version is immutable once superseded; edits and regenerations always
// append, they never rewrite an existing entry.
type MessageVersion struct {
	Content     string        `json:"content"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	Steps       []ProcessStep `json:"steps,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Message is a single entry in a session's message list. Content,
// Attachments and Steps are a denormalized cache of
// Versions[CurrentVersion]; every mutation path updates both together.
type Message struct {
	ID     MessageID `json:"id"`
	TurnID TurnID    `json:"turnID"`
	Role   Role      `json:"role"`

	Content     string        `json:"content"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	Steps       []ProcessStep `json:"steps,omitempty"`

	Versions       []MessageVersion `json:"versions"`
	CurrentVersion int              `json:"currentVersion"`

	Time time.Time `json:"time"`
}

type MessageOption func(*Message)

func WithTime(t time.Time) MessageOption {
	return func(m *Message) {
		m.Time = t
	}
}

// NewUserMessage creates a user message with a single initial version.
func NewUserMessage(turnID TurnID, content string, attachments []Attachment, options ...MessageOption) *Message {
	now := time.Now()
	m := &Message{
		ID:     NewMessageID(),
		TurnID: turnID,
		Role:   RoleUser,
		Versions: []MessageVersion{
			{Content: content, Attachments: attachments, Timestamp: now},
		},
		CurrentVersion: 0,
		Time:           now,
	}
	m.syncCache()
	for _, o := range options {
		o(m)
	}
	return m
}

// NewAssistantMessage creates an assistant message with a single empty
// version, ready to be filled by a stream.
func NewAssistantMessage(turnID TurnID, options ...MessageOption) *Message {
	now := time.Now()
	m := &Message{
		ID:             NewMessageID(),
		TurnID:         turnID,
		Role:           RoleAssistant,
		Versions:       []MessageVersion{{Timestamp: now}},
		CurrentVersion: 0,
		Time:           now,
	}
	m.syncCache()
	for _, o := range options {
		o(m)
	}
	return m
}

// appendVersion adds a new version and makes it current.
func (m *Message) appendVersion(v MessageVersion) {
	m.Versions = append(m.Versions, v)
	m.CurrentVersion = len(m.Versions) - 1
	m.syncCache()
}

// syncCache copies the current version into the denormalized cache fields.
func (m *Message) syncCache() {
	v := m.Versions[m.CurrentVersion]
	m.Content = v.Content
	m.Attachments = v.Attachments
	m.Steps = v.Steps
}

func (m *Message) current() *MessageVersion {
	return &m.Versions[m.CurrentVersion]
}
