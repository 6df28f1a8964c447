package conversation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Session is an ordered list of messages plus the metadata the engine is
// allowed to touch while streaming into it (Messages and UpdatedAt).
type Session struct {
	ID        uuid.UUID  `json:"id"`
	Title     string     `json:"title"`
	Messages  []*Message `json:"messages"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func NewSession() *Session {
	return &Session{
		ID:        uuid.New(),
		UpdatedAt: time.Now(),
	}
}

// SaveToFile writes the session as JSON, creating parent directories as
// needed.
func (s *Session) SaveToFile(filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return errors.Wrap(err, "could not create session directory")
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "could not marshal session")
	}
	return os.WriteFile(filename, b, 0644)
}

// Registry is an in-memory session store. Persistence beyond process
// lifetime is the host's concern.
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: map[uuid.UUID]*Session{},
	}
}

func (r *Registry) Create() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := NewSession()
	r.sessions[s.ID] = s
	return s
}

func (r *Registry) Get(id uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns sessions ordered by most recently updated first.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		ret = append(ret, s)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].UpdatedAt.After(ret[j].UpdatedAt)
	})
	return ret
}

func (r *Registry) Delete(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}
