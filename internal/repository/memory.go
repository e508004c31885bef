package repository

import (
	"context"
	"strings"
	"sync"

	"career-mentor/internal/domain"
)

// Memory is an in-process session store for the development server and tests.
// The busy flag is guarded by the same mutex as the transcript.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	turns    map[string]string // session ID -> token of the turn holding busy
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*domain.Session), turns: make(map[string]string)}
}

func (m *Memory) CreateSession(_ context.Context, s domain.Session) error {
	if strings.TrimSpace(s.ID) == "" {
		return errEmptySessionID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Transcript = append([]domain.Message(nil), s.Transcript...)
	s.Busy = false
	m.sessions[s.ID] = &s
	delete(m.turns, s.ID)
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	out := *s
	out.Transcript = append([]domain.Message(nil), s.Transcript...)
	return out, nil
}

func (m *Memory) AppendMessages(_ context.Context, id string, msgs ...domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.Transcript = append(s.Transcript, msgs...)
	return nil
}

func (m *Memory) AcquireTurn(_ context.Context, id string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return "", false, domain.ErrSessionNotFound
	}
	if s.Busy {
		return "", false, nil
	}
	token := newTurnToken()
	s.Busy = true
	m.turns[id] = token
	return token, true, nil
}

func (m *Memory) ReleaseTurn(_ context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if !s.Busy || m.turns[id] != token {
		return domain.ErrTurnNotHeld
	}
	s.Busy = false
	delete(m.turns, id)
	return nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	delete(m.turns, id)
	return nil
}
