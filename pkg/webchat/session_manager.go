package webchat

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var ErrInvalidSessionID = errors.New("invalid session id")

// ValidSessionID reports whether id can name a builder session.
func ValidSessionID(id string) bool {
	return sessionIDRe.MatchString(id)
}

// SessionManager creates builder sessions lazily and evicts idle ones.
type SessionManager struct {
	baseCtx context.Context
	deps    builderDeps

	mu            sync.Mutex
	builders      map[string]*Builder
	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool
}

func NewSessionManager(ctx context.Context, deps builderDeps) *SessionManager {
	m := &SessionManager{
		baseCtx:  ctx,
		builders: map[string]*Builder{},
	}
	deps.OnIdle = m.evictIfIdle
	m.deps = deps
	return m
}

// GetOrCreate returns the builder for id, creating it on first use.
func (m *SessionManager) GetOrCreate(id string) (*Builder, error) {
	if m == nil {
		return nil, errors.New("session manager is not initialized")
	}
	if !ValidSessionID(id) {
		return nil, ErrInvalidSessionID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.builders[id]; ok {
		return b, nil
	}
	deps := m.deps
	deps.IdleTimeout = m.evictIdle
	b, err := newBuilder(m.baseCtx, id, deps)
	if err != nil {
		return nil, err
	}
	m.builders[id] = b
	log.Debug().Str("component", "webchat").Str("session_id", id).Msg("builder session created")
	return b, nil
}

func (m *SessionManager) Get(id string) (*Builder, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builders[id]
	return b, ok
}

func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.builders)
}

// CloseAll closes every builder.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	all := make([]*Builder, 0, len(m.builders))
	for id, b := range m.builders {
		all = append(all, b)
		delete(m.builders, id)
	}
	m.mu.Unlock()
	for _, b := range all {
		b.Close()
	}
}
