package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"ppchat/module/message/model"
	"ppchat/tools/errs"
)

// MemoryStore 单进程内存实现，测试与本地开发使用
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*model.Message
	byIdem  map[string]string // idemKey -> id
	cursors map[string]*Cursor
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*model.Message),
		byIdem:  make(map[string]string),
		cursors: make(map[string]*Cursor),
		now:     time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Persist(_ context.Context, m *model.Message) (*model.Message, bool, error) {
	if m == nil || m.ID == "" || m.IdemKey == "" {
		return nil, false, errs.ErrInvalidPayload.WrapMsg("message id and idem key are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byIdem[m.IdemKey]; ok {
		return s.byID[id].Clone(), false, nil
	}
	if _, ok := s.byID[m.ID]; ok {
		return nil, false, errs.ErrInvalidPayload.WrapMsg("duplicate message id", "id", m.ID)
	}
	c := m.Clone()
	s.byID[c.ID] = c
	s.byIdem[c.IdemKey] = c.ID
	return c.Clone(), true, nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "id", id)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) FindByIdemKey(_ context.Context, key string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byIdem[key]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "idemKey", key)
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryStore) UpdateState(_ context.Context, id string, next model.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return errs.ErrNotFound.WrapMsg("message not found", "id", id)
	}
	switch model.Classify(m.State, next) {
	case model.Apply:
		m.State = next
	case model.Invalid:
		return errs.ErrInvalidTransition.WrapMsg("update state", "id", id, "from", m.State, "to", next)
	}
	return nil
}

func (s *MemoryStore) ApplyReceipt(_ context.Context, id, userID string, next model.State) (*model.Message, model.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, model.Invalid, errs.ErrNotFound.WrapMsg("message not found", "id", id)
	}
	d := m.ApplyReceipt(userID, next)
	return m.Clone(), d, nil
}

func (s *MemoryStore) Edit(_ context.Context, id, content string, editedAt int64) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok || m.Deleted {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "id", id)
	}
	m.Content = content
	m.EditedAt = editedAt
	return m.Clone(), nil
}

func (s *MemoryStore) SoftDelete(_ context.Context, id string, deletedAt int64) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "id", id)
	}
	if !m.Deleted {
		m.Deleted = true
		m.DeletedAt = deletedAt
		m.Content = ""
	}
	return m.Clone(), nil
}

func (s *MemoryStore) GetHistory(_ context.Context, chatID string, q HistoryQuery) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var before *model.Position
	if q.BeforeID != "" {
		b, ok := s.byID[q.BeforeID]
		if !ok || b.ChatID != chatID {
			return nil, errs.ErrNotFound.WrapMsg("before message not found", "id", q.BeforeID)
		}
		p := b.Position()
		before = &p
	}
	out := s.collectLocked(func(m *model.Message) bool {
		return m.ChatID == chatID && (before == nil || before.After(m.Position()))
	})
	return tail(out, q.Limit), nil
}

func (s *MemoryStore) GetUndelivered(_ context.Context, userID string, after model.Position, limit int) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.collectLocked(func(m *model.Message) bool {
		return !m.Deleted && m.IsRecipient(userID) &&
			!model.IsReceived(m.MemberState(userID)) &&
			m.Position().After(after)
	})
	return head(out, limit), nil
}

func (s *MemoryStore) After(_ context.Context, q ReplayQuery) ([]*model.Message, error) {
	rooms := make(map[string]struct{}, len(q.RoomIDs))
	for _, r := range q.RoomIDs {
		rooms[r] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.collectLocked(func(m *model.Message) bool {
		if !m.Position().After(q.After) {
			return false
		}
		if m.IsRoom() {
			_, ok := rooms[m.RoomID]
			return ok
		}
		return m.SenderID == q.UserID || m.RecipientID == q.UserID
	})
	return head(out, q.Limit), nil
}

func (s *MemoryStore) Search(_ context.Context, q SearchQuery) ([]*model.Message, error) {
	chats := make(map[string]struct{}, len(q.ChatIDs))
	for _, c := range q.ChatIDs {
		chats[c] = struct{}{}
	}
	needle := strings.ToLower(q.Text)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.collectLocked(func(m *model.Message) bool {
		if _, ok := chats[m.ChatID]; !ok || m.Deleted {
			return false
		}
		return strings.Contains(strings.ToLower(m.Content), needle)
	})
	return tail(out, q.Limit), nil
}

func (s *MemoryStore) UnreadCounts(_ context.Context, userID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for _, m := range s.byID {
		if m.Deleted || !m.IsRecipient(userID) || m.MemberState(userID) == model.StateRead {
			continue
		}
		out[m.ChatID]++
	}
	return out, nil
}

func (s *MemoryStore) GetCursor(_ context.Context, chatID, userID string) (*Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.cursors[cursorKey(chatID, userID)]; ok {
		cp := *c
		return &cp, nil
	}
	return &Cursor{ChatID: chatID, UserID: userID}, nil
}

func (s *MemoryStore) AdvanceCursor(_ context.Context, chatID, userID string, kind CursorKind, pos model.Position) (*Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cursorKey(chatID, userID)
	c, ok := s.cursors[key]
	if !ok {
		c = &Cursor{ChatID: chatID, UserID: userID}
		s.cursors[key] = c
	}
	moved := advance(c, kind, pos)
	if moved {
		c.UpdatedAt = s.now().UnixMilli()
	}
	cp := *c
	return &cp, moved, nil
}

// advance 只前进；已读位置同时把送达位置推到不低于它
func advance(c *Cursor, kind CursorKind, pos model.Position) bool {
	moved := false
	if kind == CursorRead && pos.After(c.Read) {
		c.Read = pos
		moved = true
	}
	if pos.After(c.Delivered) {
		c.Delivered = pos
		moved = true
	}
	return moved
}

func (s *MemoryStore) collectLocked(keep func(*model.Message) bool) []*model.Message {
	var out []*model.Message
	for _, m := range s.byID {
		if keep(m) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return model.Less(out[i], out[j]) })
	return out
}

func head(list []*model.Message, limit int) []*model.Message {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

func tail(list []*model.Message, limit int) []*model.Message {
	if limit > 0 && len(list) > limit {
		return list[len(list)-limit:]
	}
	return list
}
