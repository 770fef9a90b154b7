package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rryowa/sessiond/internal/models"
	"github.com/rryowa/sessiond/internal/storage"
)

// InMemorySessionManager mirrors the postgres session repository for
// service tests. One mutex stands in for the per-session row locks.
type InMemorySessionManager struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
	tokens   map[string]models.RefreshToken
}

func NewSessionRepository() *InMemorySessionManager {
	return &InMemorySessionManager{
		sessions: make(map[string]models.Session),
		tokens:   make(map[string]models.RefreshToken),
	}
}

func (m *InMemorySessionManager) CreateSessionTx(_ context.Context, session models.Session, token models.RefreshToken, maxSessions int) ([]models.AccessTokenRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active []models.Session
	for _, s := range m.sessions {
		if s.AccountID == session.AccountID && !s.Revoked {
			active = append(active, s)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].LastRotatedAt.Before(active[j].LastRotatedAt)
	})

	var evicted []models.AccessTokenRef
	for i := 0; len(active)-i >= maxSessions; i++ {
		oldest := active[i]
		oldest.Revoked = true
		m.sessions[oldest.ID] = oldest
		evicted = append(evicted, m.unexpiredTokenRefs(oldest.ID, session.CreatedAt)...)
	}

	m.sessions[session.ID] = session
	m.tokens[token.Selector] = token
	return evicted, nil
}

func (m *InMemorySessionManager) GetRefreshToken(_ context.Context, selector string) (*models.RefreshToken, *models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	token, ok := m.tokens[selector]
	if !ok {
		return nil, nil, storage.ErrTokenNotFound
	}
	session := m.sessions[token.SessionID]
	t, s := token, session
	return &t, &s, nil
}

func (m *InMemorySessionManager) GetSessionByID(_ context.Context, sessionID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	s := session
	return &s, nil
}

func (m *InMemorySessionManager) RotateSessionTx(_ context.Context, sessionID, expectSelector string, next models.RefreshToken, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return storage.ErrSessionNotFound
	}
	if session.Revoked {
		return storage.ErrSessionRevoked
	}
	if !session.ExpiresAt.After(now) {
		return storage.ErrSessionNotFound
	}

	var current *models.RefreshToken
	for selector, token := range m.tokens {
		if token.SessionID == sessionID && token.Status == models.TokenStatusCurrent {
			t := m.tokens[selector]
			current = &t
			break
		}
	}
	if current == nil {
		return storage.ErrTokenNotFound
	}
	if current.Selector != expectSelector {
		return storage.ErrRotationConflict
	}

	for selector, token := range m.tokens {
		if token.SessionID != sessionID {
			continue
		}
		switch token.Status {
		case models.TokenStatusPrevious:
			token.Status = models.TokenStatusRetired
		case models.TokenStatusCurrent:
			token.Status = models.TokenStatusPrevious
		}
		m.tokens[selector] = token
	}

	m.tokens[next.Selector] = next
	session.LastRotatedAt = now
	m.sessions[sessionID] = session
	return nil
}

func (m *InMemorySessionManager) RevokeSessionTx(_ context.Context, sessionID string, now time.Time) ([]models.AccessTokenRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	if session.Revoked {
		return nil, nil
	}

	session.Revoked = true
	m.sessions[sessionID] = session
	return m.unexpiredTokenRefs(sessionID, now), nil
}

func (m *InMemorySessionManager) RevokeAllSessionsTx(_ context.Context, accountID string, now time.Time) ([]models.AccessTokenRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var refs []models.AccessTokenRef
	for id, session := range m.sessions {
		if session.AccountID != accountID || session.Revoked {
			continue
		}
		session.Revoked = true
		m.sessions[id] = session
		refs = append(refs, m.unexpiredTokenRefs(id, now)...)
	}
	return refs, nil
}

func (m *InMemorySessionManager) CountActiveSessions(_ context.Context, accountID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, session := range m.sessions {
		if session.AccountID == accountID && !session.Revoked {
			count++
		}
	}
	return count, nil
}

func (m *InMemorySessionManager) DeleteExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, session := range m.sessions {
		if session.ExpiresAt.Before(now) {
			delete(m.sessions, id)
			for selector, token := range m.tokens {
				if token.SessionID == id {
					delete(m.tokens, selector)
				}
			}
			deleted++
		}
	}
	return deleted, nil
}

func (m *InMemorySessionManager) unexpiredTokenRefs(sessionID string, now time.Time) []models.AccessTokenRef {
	var refs []models.AccessTokenRef
	for _, token := range m.tokens {
		if token.SessionID == sessionID && token.AccessExpiresAt.After(now) {
			refs = append(refs, models.AccessTokenRef{JTI: token.AccessJTI, ExpiresAt: token.AccessExpiresAt})
		}
	}
	return refs
}
