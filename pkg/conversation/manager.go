// Package conversation implements the versioned message model for streamed
// chat sessions.
//
// Each message holds an append-only list of versions; editing a user message
// or regenerating an assistant reply appends a branch, it never rewrites
// history. A message's Content/Attachments/Steps fields are a denormalized
// cache of the current version and are updated atomically with it.
//
// The Manager is the only mutation path into a session. It upholds the turn
// pairing contract: a user message and the assistant reply it triggered share
// a TurnID, and version navigation on the user side propagates to the paired
// assistant message when the target index exists there.
package conversation

import (
	"sync"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrMessageNotFound = errors.New("message not found")

// Manager exposes the version-store operations for a single session.
type Manager interface {
	Session() *Session
	Snapshot() *Session
	GetMessage(id MessageID) (*Message, bool)
	PairedAssistant(userID MessageID) (*Message, bool)
	PairedUser(assistantID MessageID) (*Message, bool)

	AppendUserTurn(content string, attachments []Attachment) *Message
	BeginAssistantTurn(turn TurnID, target *MessageID) (MessageID, error)
	ApplyDelta(id MessageID, delta string) error
	ApplyReplace(id MessageID, fullText string) error
	ApplySteps(id MessageID, steps []ProcessStep) error
	CreateEditBranch(userID MessageID, newContent string) error
	CreateRegenBranch(assistantID MessageID) error
	NavigateVersion(id MessageID, index int) error
	SetTitle(title string)
}

type ManagerImpl struct {
	mu      sync.Mutex
	session *Session
}

var _ Manager = (*ManagerImpl)(nil)

func NewManager(session *Session) *ManagerImpl {
	if session == nil {
		session = NewSession()
	}
	return &ManagerImpl{session: session}
}

func (m *ManagerImpl) Session() *Session {
	return m.session
}

// Snapshot returns a deep copy of the session for collaborator reads, so the
// host never observes a half-applied mutation.
func (m *ManagerImpl) Snapshot() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone.Clone(m.session).(*Session)
}

func (m *ManagerImpl) GetMessage(id MessageID) (*Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.findMessage(id)
	return msg, msg != nil
}

func (m *ManagerImpl) SetTitle(title string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Title = title
	m.touch()
}

// AppendUserTurn creates a user message with one version and appends it to
// the session. The returned message carries a fresh TurnID; the assistant
// reply created later for this turn adopts it.
func (m *ManagerImpl) AppendUserTurn(content string, attachments []Attachment) *Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := NewUserMessage(NewTurnID(), content, attachments)
	m.session.Messages = append(m.session.Messages, msg)
	m.touch()
	return msg
}

// BeginAssistantTurn prepares the message a stream will write into and
// returns its id.
//
// With a target, a new empty version is appended to that message and made
// current; the message keeps its own TurnID and the turn argument is unused.
// Without one, a new assistant message with a single empty version is
// created under the given TurnID so it pairs with the user message that
// started the turn.
func (m *ManagerImpl) BeginAssistantTurn(turn TurnID, target *MessageID) (MessageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if target != nil {
		msg := m.findMessage(*target)
		if msg == nil {
			return MessageID{}, errors.Wrapf(ErrMessageNotFound, "begin assistant turn %s", target.String())
		}
		msg.appendVersion(MessageVersion{Timestamp: time.Now()})
		m.touch()
		return msg.ID, nil
	}

	msg := NewAssistantMessage(turn)
	m.session.Messages = append(m.session.Messages, msg)
	m.touch()
	return msg.ID, nil
}

// ApplyDelta appends a text fragment to the current version. Empty deltas
// are a no-op.
func (m *ManagerImpl) ApplyDelta(id MessageID, delta string) error {
	if delta == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.findMessage(id)
	if msg == nil {
		return errors.Wrapf(ErrMessageNotFound, "apply delta %s", id.String())
	}
	msg.current().Content += delta
	msg.syncCache()
	m.touch()
	return nil
}

// ApplyReplace overwrites the current version's content with an
// authoritative full text. A replacement identical to the accumulated
// content is treated as a no-op so the host sees no flicker.
func (m *ManagerImpl) ApplyReplace(id MessageID, fullText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.findMessage(id)
	if msg == nil {
		return errors.Wrapf(ErrMessageNotFound, "apply replace %s", id.String())
	}
	if msg.current().Content == fullText {
		log.Debug().Str("message_id", id.String()).Msg("replacement matches accumulated content, skipping")
		return nil
	}
	msg.current().Content = fullText
	msg.syncCache()
	m.touch()
	return nil
}

// ApplySteps replaces the current version's step list with the latest batch.
// Backends resend the full list on every update, so this is a swap, not an
// append.
func (m *ManagerImpl) ApplySteps(id MessageID, steps []ProcessStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.findMessage(id)
	if msg == nil {
		return errors.Wrapf(ErrMessageNotFound, "apply steps %s", id.String())
	}
	msg.current().Steps = steps
	msg.syncCache()
	m.touch()
	return nil
}

// CreateEditBranch appends a version with newContent to the user message.
// If a paired assistant message exists, it receives a parallel empty version
// to be filled by a fresh request; both messages end up current on their new
// last index.
func (m *ManagerImpl) CreateEditBranch(userID MessageID, newContent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.findMessage(userID)
	if msg == nil {
		return errors.Wrapf(ErrMessageNotFound, "edit branch %s", userID.String())
	}
	if msg.Role != RoleUser {
		return errors.Errorf("edit branch: message %s is not a user message", userID.String())
	}
	now := time.Now()
	msg.appendVersion(MessageVersion{Content: newContent, Timestamp: now})
	if paired := m.pairedAssistant(msg); paired != nil {
		paired.appendVersion(MessageVersion{Timestamp: now})
	}
	m.touch()
	return nil
}

// CreateRegenBranch appends an empty version to a single assistant message.
// The paired user message is untouched.
func (m *ManagerImpl) CreateRegenBranch(assistantID MessageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.findMessage(assistantID)
	if msg == nil {
		return errors.Wrapf(ErrMessageNotFound, "regen branch %s", assistantID.String())
	}
	if msg.Role != RoleAssistant {
		return errors.Errorf("regen branch: message %s is not an assistant message", assistantID.String())
	}
	msg.appendVersion(MessageVersion{Timestamp: time.Now()})
	m.touch()
	return nil
}

// NavigateVersion moves a message to another version index. Out-of-range
// indices are a silent no-op. Navigating a user message also moves its
// paired assistant message to the same index, but only when that index
// exists there; with asymmetric version counts the assistant stays on its
// current version (partial sync).
func (m *ManagerImpl) NavigateVersion(id MessageID, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.findMessage(id)
	if msg == nil {
		return errors.Wrapf(ErrMessageNotFound, "navigate %s", id.String())
	}
	if index < 0 || index >= len(msg.Versions) {
		log.Debug().Str("message_id", id.String()).Int("index", index).Int("versions", len(msg.Versions)).Msg("version index out of range, ignoring")
		return nil
	}
	msg.CurrentVersion = index
	msg.syncCache()
	if msg.Role == RoleUser {
		if paired := m.pairedAssistant(msg); paired != nil && index < len(paired.Versions) {
			paired.CurrentVersion = index
			paired.syncCache()
		}
	}
	m.touch()
	return nil
}

// PairedAssistant returns the assistant message sharing a TurnID with the
// given user message.
func (m *ManagerImpl) PairedAssistant(userID MessageID) (*Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.findMessage(userID)
	if msg == nil || msg.Role != RoleUser {
		return nil, false
	}
	paired := m.pairedAssistant(msg)
	return paired, paired != nil
}

// PairedUser returns the user message sharing a TurnID with the given
// assistant message.
func (m *ManagerImpl) PairedUser(assistantID MessageID) (*Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.findMessage(assistantID)
	if msg == nil || msg.Role != RoleAssistant {
		return nil, false
	}
	for _, other := range m.session.Messages {
		if other.Role == RoleUser && other.TurnID == msg.TurnID {
			return other, true
		}
	}
	return nil, false
}

func (m *ManagerImpl) findMessage(id MessageID) *Message {
	for _, msg := range m.session.Messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

func (m *ManagerImpl) pairedAssistant(user *Message) *Message {
	for _, msg := range m.session.Messages {
		if msg.Role == RoleAssistant && msg.TurnID == user.TurnID {
			return msg
		}
	}
	return nil
}

func (m *ManagerImpl) touch() {
	m.session.UpdatedAt = time.Now()
}
