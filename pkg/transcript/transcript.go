// Package transcript keeps the ordered list of turns of one builder session.
//
// Turns are immutable once appended, with a single exception: the assistant
// turn being streamed lives in an Active handle until it is frozen.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	ErrActiveTurn      = errors.New("an assistant turn is already active")
	ErrFrozen          = errors.New("turn is frozen")
	ErrNotRollbackable = errors.New("turn cannot be rolled back")
)

// Turn is one message of the conversation.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Parts     []string  `json:"parts"`
	CreatedAt time.Time `json:"createdAt"`
}

// Text joins the parts of the turn.
func (t Turn) Text() string {
	return strings.Join(t.Parts, "")
}

func (t Turn) clone() Turn {
	t.Parts = append([]string(nil), t.Parts...)
	return t
}

// Store is safe for concurrent use; readers always get copies.
type Store struct {
	mu     sync.RWMutex
	turns  []Turn
	active *Active
	now    func() time.Time
}

func NewStore() *Store {
	return &Store{now: time.Now}
}

// AppendUser records a user turn.
func (s *Store) AppendUser(text string) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := Turn{ID: uuid.NewString(), Role: RoleUser, Parts: []string{text}, CreatedAt: s.now()}
	s.turns = append(s.turns, t)
	return t.clone()
}

// AppendAssistant records a complete assistant turn, e.g. when a transcript is
// restored from storage.
func (s *Store) AppendAssistant(text string) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return Turn{}, ErrActiveTurn
	}
	t := Turn{ID: uuid.NewString(), Role: RoleAssistant, Parts: []string{text}, CreatedAt: s.now()}
	s.turns = append(s.turns, t)
	return t.clone(), nil
}

// BeginAssistant appends an empty assistant turn and hands out the only
// handle allowed to mutate it.
func (s *Store) BeginAssistant() (*Active, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, ErrActiveTurn
	}
	s.turns = append(s.turns, Turn{ID: uuid.NewString(), Role: RoleAssistant, Parts: []string{}, CreatedAt: s.now()})
	s.active = &Active{store: s, index: len(s.turns) - 1}
	return s.active, nil
}

// RollbackUser removes the user turn id. It only succeeds when that turn is the
// last one, i.e. nothing answered it yet.
func (s *Store) RollbackUser(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.turns)
	if n == 0 || s.active != nil {
		return ErrNotRollbackable
	}
	last := s.turns[n-1]
	if last.ID != id || last.Role != RoleUser {
		return ErrNotRollbackable
	}
	s.turns = s.turns[:n-1]
	return nil
}

// Turns returns a copy of all turns, including the active one as it currently
// stands.
func (s *Store) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	for i, t := range s.turns {
		out[i] = t.clone()
	}
	return out
}

// Last returns the most recent turn with the given role.
func (s *Store) Last(role Role) (Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].Role == role {
			return s.turns[i].clone(), true
		}
	}
	return Turn{}, false
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Active is the in-flight assistant turn.
type Active struct {
	store  *Store
	index  int
	frozen bool
}

// ID of the underlying turn.
func (a *Active) ID() string {
	a.store.mu.RLock()
	defer a.store.mu.RUnlock()
	return a.store.turns[a.index].ID
}

// Append adds a streamed chunk.
func (a *Active) Append(chunk string) error {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	if a.frozen {
		return ErrFrozen
	}
	t := &a.store.turns[a.index]
	t.Parts = append(t.Parts, chunk)
	return nil
}

// Text is the accumulated text so far.
func (a *Active) Text() string {
	a.store.mu.RLock()
	defer a.store.mu.RUnlock()
	return a.store.turns[a.index].Text()
}

// Freeze ends the turn. Calling it again returns the same turn.
func (a *Active) Freeze() Turn {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	if !a.frozen {
		a.frozen = true
		a.store.active = nil
	}
	return a.store.turns[a.index].clone()
}
