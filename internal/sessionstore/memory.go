package sessionstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory keeps sessions in process memory. Nothing survives a restart.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	clock    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*Session),
		clock:    time.Now,
	}
}

func (m *Memory) CreateOrAppendWord(_ context.Context, sessionID, word string) (AppendResult, error) {
	if err := validateInput(sessionID, word); err != nil {
		return AppendResult{}, err
	}
	now := m.clock().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		sess = &Session{ID: sessionID, CreatedAt: now}
		m.sessions[sessionID] = sess
	}
	sess.Words = append(sess.Words, Word{Text: word, Timestamp: now})
	sess.UpdatedAt = now
	return AppendResult{IsNewSession: !ok, WordCount: len(sess.Words)}, nil
}

func (m *Memory) GetSession(_ context.Context, sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	out := *sess
	out.Words = append([]Word(nil), sess.Words...)
	return out, nil
}

func (m *Memory) ListSessions(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, sessionID)
	return nil
}

func (m *Memory) Close() error { return nil }
