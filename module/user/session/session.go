package session

import (
	"context"
	"sync"
	"time"

	"ppchat/tools/errs"
)

// Session 登录会话。RevokedAt 非空即视为已吊销，已建立的连接会被 4002 关闭
type Session struct {
	SessionID        string     `json:"sessionId"`
	UserID           string     `json:"userId"`
	Role             string     `json:"role"`
	RefreshHash      string     `json:"-"`
	RefreshExpiresAt time.Time  `json:"refreshExpiresAt"`
	CreatedAt        time.Time  `json:"createdAt"`
	RevokedAt        *time.Time `json:"revokedAt,omitempty"`
}

func (s *Session) Revoked() bool { return s != nil && s.RevokedAt != nil }

type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, sessionID string) (*Session, error)
	// Revoke 吊销单个会话；已吊销时不改时间
	Revoke(ctx context.Context, sessionID string) error
	// RevokeAllForUser 返回被吊销的会话 id
	RevokeAllForUser(ctx context.Context, userID string) ([]string, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session), now: time.Now}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	if s == nil || s.SessionID == "" || s.UserID == "" {
		return errs.ErrInvalidPayload.WrapMsg("session id and user id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.SessionID]; ok {
		return errs.ErrInvalidPayload.WrapMsg("session already exists", "sid", s.SessionID)
	}
	cp := *s
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.sessions[s.SessionID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("session not found", "sid", sessionID)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Revoke(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return errs.ErrNotFound.WrapMsg("session not found", "sid", sessionID)
	}
	if s.RevokedAt == nil {
		t := m.now()
		s.RevokedAt = &t
	}
	return nil
}

func (m *MemoryStore) RevokeAllForUser(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.now()
	var out []string
	for id, s := range m.sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			s.RevokedAt = &t
			out = append(out, id)
		}
	}
	return out, nil
}
