package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"ledgerbot/internal/domain"
)

// MemoryStore keeps sessions in process memory. Expired entries are
// dropped lazily on Get and List.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]domain.Session),
		now:      time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, address string) (*domain.Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[address]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if s.Expired(m.now()) {
		m.mu.Lock()
		// Re-check: a concurrent Put may have replaced it.
		if cur, ok := m.sessions[address]; ok && cur.Expired(m.now()) {
			delete(m.sessions, address)
		}
		m.mu.Unlock()
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStore) Put(_ context.Context, s domain.Session) error {
	m.mu.Lock()
	m.sessions[s.Address] = s
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Invalidate(_ context.Context, address string) error {
	m.mu.Lock()
	delete(m.sessions, address)
	m.mu.Unlock()
	return nil
}

// List returns live sessions ordered by address.
func (m *MemoryStore) List(_ context.Context) ([]domain.Session, error) {
	now := m.now()
	m.mu.Lock()
	out := make([]domain.Session, 0, len(m.sessions))
	for addr, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, addr)
			continue
		}
		out = append(out, s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
