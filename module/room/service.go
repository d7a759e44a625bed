package room

import (
	"context"
	"time"

	"ppchat/module/message/model"
	"ppchat/tools/errs"
	"ppchat/tools/ids"
)

// Action 变更类型，对应下行帧
type Action string

const (
	ActionCreated        Action = "created"
	ActionMetaUpdated    Action = "meta_updated"
	ActionMembersUpdated Action = "members_updated"
	ActionRoleUpdated    Action = "role_updated"
	ActionDeleted        Action = "deleted"
)

// Result 一次变更的结果。Removed 是本次被移出的用户（需要单独通知）。
type Result struct {
	Room    *Room
	Action  Action
	Added   []string
	Removed []string
}

// Service 房间管理，带角色校验、版本校验与人数上限
type Service struct {
	store      Store
	maxMembers int
	now        func() time.Time
	newID      func() string
	retries    int
}

func NewService(store Store, maxMembers int) *Service {
	return &Service{
		store:      store,
		maxMembers: maxMembers,
		now:        time.Now,
		newID:      ids.GenerateString,
		retries:    3,
	}
}

func (s *Service) Get(ctx context.Context, id string) (*Room, error) { return s.store.Get(ctx, id) }

func (s *Service) ListForUser(ctx context.Context, userID string) ([]*Room, error) {
	return s.store.ListForUser(ctx, userID)
}

func (s *Service) Create(ctx context.Context, actor, name, thumbnail string, members []string) (*Result, error) {
	if name == "" {
		return nil, errs.ErrInvalidPayload.WrapMsg("room name is required")
	}
	all := dedupe(append([]string{actor}, members...))
	for _, u := range all {
		if !model.ValidID(u) {
			return nil, errs.ErrInvalidPayload.WrapMsg("invalid member id", "member", u)
		}
	}
	if len(all) > s.maxMembers {
		return nil, errs.ErrCapacityExceeded.WrapMsg("room member limit", "max", s.maxMembers)
	}
	now := s.now().UnixMilli()
	r := &Room{
		ID:           s.newID(),
		Name:         name,
		ThumbnailURL: thumbnail,
		Members:      all,
		Roles:        make(map[string]Role, len(all)),
		Version:      1,
		CreatedBy:    actor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, u := range all {
		r.Roles[u] = RoleMember
	}
	r.Roles[actor] = RoleOwner
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	return &Result{Room: r, Action: ActionCreated, Added: all}, nil
}

func (s *Service) UpdateMeta(ctx context.Context, actor, roomID string, name, thumbnail *string, expected *int64) (*Result, error) {
	if name != nil && *name == "" {
		return nil, errs.ErrInvalidPayload.WrapMsg("room name cannot be empty")
	}
	return s.mutate(ctx, roomID, expected, ActionMetaUpdated, func(r *Room) (Patch, error) {
		if err := requireRole(r, actor, RoleAdmin); err != nil {
			return Patch{}, err
		}
		return Patch{Name: name, ThumbnailURL: thumbnail}, nil
	})
}

func (s *Service) AddMembers(ctx context.Context, actor, roomID string, users []string, expected *int64) (*Result, error) {
	users = dedupe(users)
	if len(users) == 0 {
		return nil, errs.ErrInvalidPayload.WrapMsg("no members to add")
	}
	for _, u := range users {
		if !model.ValidID(u) {
			return nil, errs.ErrInvalidPayload.WrapMsg("invalid member id", "member", u)
		}
	}
	return s.mutate(ctx, roomID, expected, ActionMembersUpdated, func(r *Room) (Patch, error) {
		if err := requireRole(r, actor, RoleAdmin); err != nil {
			return Patch{}, err
		}
		var fresh []string
		for _, u := range users {
			if !r.IsMember(u) {
				fresh = append(fresh, u)
			}
		}
		if len(r.Members)+len(fresh) > s.maxMembers {
			return Patch{}, errs.ErrCapacityExceeded.WrapMsg("room member limit", "max", s.maxMembers)
		}
		return Patch{AddMembers: fresh}, nil
	})
}

func (s *Service) RemoveMember(ctx context.Context, actor, roomID, target string, expected *int64) (*Result, error) {
	if target == actor {
		return nil, errs.ErrInvalidPayload.WrapMsg("use leave to remove yourself")
	}
	return s.mutate(ctx, roomID, expected, ActionMembersUpdated, func(r *Room) (Patch, error) {
		if err := requireRole(r, actor, RoleAdmin); err != nil {
			return Patch{}, err
		}
		if !r.IsMember(target) {
			return Patch{}, errs.ErrNotFound.WrapMsg("member not found", "member", target)
		}
		// 只能移除级别比自己低的成员
		if r.RoleOf(target).level() >= r.RoleOf(actor).level() {
			return Patch{}, errs.ErrForbidden.WrapMsg("cannot remove a member of equal or higher role")
		}
		return Patch{RemoveMembers: []string{target}}, nil
	})
}

func (s *Service) SetRole(ctx context.Context, actor, roomID, target string, role Role, expected *int64) (*Result, error) {
	if role != RoleAdmin && role != RoleMember {
		return nil, errs.ErrInvalidPayload.WrapMsg("role must be ADMIN or MEMBER", "role", role)
	}
	return s.mutate(ctx, roomID, expected, ActionRoleUpdated, func(r *Room) (Patch, error) {
		if err := requireRole(r, actor, RoleOwner); err != nil {
			return Patch{}, err
		}
		if !r.IsMember(target) {
			return Patch{}, errs.ErrNotFound.WrapMsg("member not found", "member", target)
		}
		if r.RoleOf(target) == RoleOwner {
			return Patch{}, errs.ErrForbidden.WrapMsg("owner role cannot be changed")
		}
		return Patch{SetRoles: map[string]Role{target: role}}, nil
	})
}

// Leave 任意成员可退出；群主退出时把群主转给管理员（没有则最早的成员），最后一人退出即删除
func (s *Service) Leave(ctx context.Context, actor, roomID string) (*Result, error) {
	action := ActionMembersUpdated
	res, err := s.mutate(ctx, roomID, nil, action, func(r *Room) (Patch, error) {
		if !r.IsMember(actor) {
			return Patch{}, errs.ErrForbidden.WrapMsg("not a room member")
		}
		others := r.Others(actor)
		if len(others) == 0 {
			return Patch{RemoveMembers: []string{actor}, Delete: true}, nil
		}
		p := Patch{RemoveMembers: []string{actor}}
		if r.RoleOf(actor) == RoleOwner {
			heir := others[0]
			for _, u := range others {
				if r.RoleOf(u) == RoleAdmin {
					heir = u
					break
				}
			}
			p.SetRoles = map[string]Role{heir: RoleOwner}
		}
		return p, nil
	})
	if err == nil && res.Room.Deleted {
		res.Action = ActionDeleted
	}
	return res, err
}

func (s *Service) Delete(ctx context.Context, actor, roomID string, expected *int64) (*Result, error) {
	return s.mutate(ctx, roomID, expected, ActionDeleted, func(r *Room) (Patch, error) {
		if err := requireRole(r, actor, RoleOwner); err != nil {
			return Patch{}, err
		}
		return Patch{Delete: true}, nil
	})
}

// mutate 读-校验-写。客户端给了 expectedVersion 时不重试，版本过期直接报冲突；
// 没给时以当前版本为基准，并发冲突则重读重试。
func (s *Service) mutate(ctx context.Context, roomID string, expected *int64, action Action, build func(r *Room) (Patch, error)) (*Result, error) {
	attempts := s.retries
	if expected != nil {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		cur, err := s.store.Get(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if expected != nil && *expected != cur.Version {
			return &Result{Room: cur}, errs.ErrVersionConflict.WrapMsg("stale room version",
				"id", roomID, "expected", *expected, "current", cur.Version)
		}
		patch, err := build(cur)
		if err != nil {
			return nil, err
		}
		next, err := s.store.ApplyMutation(ctx, roomID, patch, cur.Version, s.now().UnixMilli())
		if err == nil {
			return &Result{Room: next, Action: action, Added: patch.AddMembers, Removed: patch.RemoveMembers}, nil
		}
		if !errs.ErrVersionConflict.Is(err) {
			return nil, err
		}
		lastErr = err
		if expected != nil {
			return &Result{Room: next}, err
		}
	}
	latest, _ := s.store.Get(ctx, roomID)
	return &Result{Room: latest}, lastErr
}

func requireRole(r *Room, actor string, min Role) error {
	role := r.RoleOf(actor)
	if role == "" {
		return errs.ErrForbidden.WrapMsg("not a room member", "room", r.ID)
	}
	if role.level() < min.level() {
		return errs.ErrForbidden.WrapMsg("insufficient room role", "room", r.ID, "role", role, "required", min)
	}
	return nil
}
