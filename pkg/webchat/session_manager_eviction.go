package webchat

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

func (m *SessionManager) SetEvictionConfig(idle, interval time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.evictIdle = idle
	m.evictInterval = interval
	m.mu.Unlock()
}

func (m *SessionManager) StartEvictionLoop(ctx context.Context) {
	if m == nil {
		return
	}
	if ctx == nil {
		panic("webchat: StartEvictionLoop requires non-nil ctx")
	}
	m.mu.Lock()
	if m.evictRunning {
		m.mu.Unlock()
		return
	}
	idle := m.evictIdle
	interval := m.evictInterval
	if idle <= 0 || interval <= 0 {
		m.mu.Unlock()
		return
	}
	m.evictRunning = true
	m.mu.Unlock()

	go m.runEvictionLoop(ctx, interval)
}

func (m *SessionManager) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.evictRunning = false
			m.mu.Unlock()
			return
		case now := <-ticker.C:
			m.evictIdleOnce(now)
		}
	}
}

func (m *SessionManager) evictIdleOnce(now time.Time) int {
	if m == nil {
		return 0
	}
	if now.IsZero() {
		now = time.Now()
	}

	m.mu.Lock()
	idle := m.evictIdle
	if idle <= 0 {
		m.mu.Unlock()
		return 0
	}
	builders := make([]*Builder, 0, len(m.builders))
	for _, b := range m.builders {
		builders = append(builders, b)
	}
	m.mu.Unlock()

	evicted := 0
	for _, b := range builders {
		if m.evict(now, idle, b) {
			evicted++
		}
	}
	return evicted
}

// evictIfIdle is called by a connection pool whose last client left.
func (m *SessionManager) evictIfIdle(id string) {
	b, ok := m.Get(id)
	if !ok {
		return
	}
	m.mu.Lock()
	idle := m.evictIdle
	m.mu.Unlock()
	if idle > 0 {
		m.evict(time.Now(), idle, b)
	}
}

// evict retires b only if it is still idle while no submit can be accepted,
// then closes it outside the manager lock.
func (m *SessionManager) evict(now time.Time, idle time.Duration, b *Builder) bool {
	if b == nil {
		return false
	}
	m.mu.Lock()
	current, ok := m.builders[b.ID]
	if !ok || current != b {
		m.mu.Unlock()
		return false
	}
	if !b.retire(func() bool { return shouldEvictBuilder(now, idle, b) }) {
		m.mu.Unlock()
		return false
	}
	delete(m.builders, b.ID)
	m.mu.Unlock()

	log.Debug().Str("component", "webchat").Str("session_id", b.ID).Msg("evicting idle builder session")
	b.Close()
	return true
}

func shouldEvictBuilder(now time.Time, idle time.Duration, b *Builder) bool {
	if !b.pool.IsEmpty() {
		return false
	}
	if b.Running() || b.sess.Busy() {
		return false
	}
	last := b.LastActivity()
	if last.IsZero() {
		return false
	}
	return now.Sub(last) >= idle
}
