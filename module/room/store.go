package room

import (
	"context"
	"sync"

	"ppchat/tools/errs"
)

// Store 房间存储契约。ApplyMutation 以 expectedVersion 做乐观锁：
// 版本不一致返回 ROOM_VERSION_CONFLICT 以及当前快照。
type Store interface {
	Create(ctx context.Context, r *Room) error
	Get(ctx context.Context, id string) (*Room, error)
	ApplyMutation(ctx context.Context, id string, patch Patch, expectedVersion int64, now int64) (*Room, error)
	ListForUser(ctx context.Context, userID string) ([]*Room, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*Room)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(_ context.Context, r *Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[r.ID]; ok {
		return errs.ErrInvalidPayload.WrapMsg("room already exists", "id", r.ID)
	}
	s.rooms[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok || r.Deleted {
		return nil, errs.ErrNotFound.WrapMsg("room not found", "id", id)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) ApplyMutation(_ context.Context, id string, patch Patch, expectedVersion int64, now int64) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok || r.Deleted {
		return nil, errs.ErrNotFound.WrapMsg("room not found", "id", id)
	}
	if r.Version != expectedVersion {
		return r.Clone(), errs.ErrVersionConflict.WrapMsg("stale room version", "id", id, "expected", expectedVersion, "current", r.Version)
	}
	n := patch.Apply(r, now)
	s.rooms[id] = n
	return n.Clone(), nil
}

func (s *MemoryStore) ListForUser(_ context.Context, userID string) ([]*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Room
	for _, r := range s.rooms {
		if !r.Deleted && r.IsMember(userID) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}
