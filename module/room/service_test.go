package room

import (
	"context"
	"fmt"
	"testing"

	"ppchat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(max int) *Service {
	s := NewService(NewMemoryStore(), max)
	n := 0
	s.newID = func() string { n++; return fmt.Sprintf("room%d", n) }
	return s
}

func ptr[T any](v T) *T { return &v }

func TestCreateAssignsOwner(t *testing.T) {
	ctx := context.Background()
	s := newTestService(10)
	res, err := s.Create(ctx, "a", "team", "", []string{"b", "c", "b"})
	require.NoError(t, err)
	r := res.Room
	assert.Equal(t, []string{"a", "b", "c"}, r.Members)
	assert.Equal(t, RoleOwner, r.RoleOf("a"))
	assert.Equal(t, RoleMember, r.RoleOf("b"))
	assert.Equal(t, int64(1), r.Version)
	assert.Equal(t, []string{"b", "c"}, r.Others("a"))

	_, err = s.Create(ctx, "a", "", "", nil)
	assert.True(t, errs.ErrInvalidPayload.Is(err))

	_, err = newTestService(2).Create(ctx, "a", "big", "", []string{"b", "c"})
	assert.True(t, errs.ErrCapacityExceeded.Is(err))
}

func TestRoleGating(t *testing.T) {
	ctx := context.Background()
	s := newTestService(10)
	res, err := s.Create(ctx, "owner", "team", "", []string{"admin", "m1", "m2"})
	require.NoError(t, err)
	id := res.Room.ID

	_, err = s.UpdateMeta(ctx, "m1", id, ptr("x"), nil, nil)
	assert.True(t, errs.ErrForbidden.Is(err))

	_, err = s.SetRole(ctx, "admin", id, "m1", RoleAdmin, nil)
	assert.True(t, errs.ErrForbidden.Is(err), "only owner sets roles")

	res, err = s.SetRole(ctx, "owner", id, "admin", RoleAdmin, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionRoleUpdated, res.Action)
	assert.Equal(t, int64(2), res.Room.Version)

	res, err = s.UpdateMeta(ctx, "admin", id, ptr("renamed"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "renamed", res.Room.Name)

	res, err = s.RemoveMember(ctx, "admin", id, "m1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, res.Removed)
	assert.False(t, res.Room.IsMember("m1"))

	_, err = s.RemoveMember(ctx, "admin", id, "owner", nil)
	assert.True(t, errs.ErrForbidden.Is(err))

	_, err = s.AddMembers(ctx, "m2", id, []string{"x"}, nil)
	assert.True(t, errs.ErrForbidden.Is(err))

	_, err = s.Delete(ctx, "admin", id, nil)
	assert.True(t, errs.ErrForbidden.Is(err))

	_, err = s.UpdateMeta(ctx, "stranger", id, ptr("x"), nil, nil)
	assert.True(t, errs.ErrForbidden.Is(err))
}

func TestStaleVersionIsRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestService(10)
	res, err := s.Create(ctx, "a", "team", "", []string{"b"})
	require.NoError(t, err)
	id := res.Room.ID

	_, err = s.UpdateMeta(ctx, "a", id, ptr("v2"), nil, ptr(int64(1)))
	require.NoError(t, err)

	res, err = s.UpdateMeta(ctx, "a", id, ptr("stale"), nil, ptr(int64(1)))
	assert.True(t, errs.ErrVersionConflict.Is(err))
	require.NotNil(t, res)
	assert.Equal(t, int64(2), res.Room.Version)
	assert.Equal(t, "v2", res.Room.Name)
}

func TestMemberCap(t *testing.T) {
	ctx := context.Background()
	s := newTestService(3)
	res, err := s.Create(ctx, "a", "team", "", []string{"b"})
	require.NoError(t, err)

	_, err = s.AddMembers(ctx, "a", res.Room.ID, []string{"c", "d"}, nil)
	assert.True(t, errs.ErrCapacityExceeded.Is(err))

	res, err = s.AddMembers(ctx, "a", res.Room.ID, []string{"c", "b"}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Room.Members, 3)
	assert.Equal(t, []string{"c"}, res.Added)
}

func TestLeaveTransfersOwnershipAndDeletesWhenEmpty(t *testing.T) {
	ctx := context.Background()
	s := newTestService(10)
	res, err := s.Create(ctx, "a", "team", "", []string{"b", "c"})
	require.NoError(t, err)
	id := res.Room.ID
	_, err = s.SetRole(ctx, "a", id, "c", RoleAdmin, nil)
	require.NoError(t, err)

	res, err = s.Leave(ctx, "a", id)
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, res.Room.RoleOf("c"))
	assert.False(t, res.Room.IsMember("a"))

	_, err = s.Leave(ctx, "b", id)
	require.NoError(t, err)
	res, err = s.Leave(ctx, "c", id)
	require.NoError(t, err)
	assert.Equal(t, ActionDeleted, res.Action)

	_, err = s.Get(ctx, id)
	assert.True(t, errs.ErrNotFound.Is(err))
}

func TestListForUser(t *testing.T) {
	ctx := context.Background()
	s := newTestService(10)
	_, err := s.Create(ctx, "a", "one", "", []string{"b"})
	require.NoError(t, err)
	_, err = s.Create(ctx, "c", "two", "", []string{"b"})
	require.NoError(t, err)

	rooms, err := s.ListForUser(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, rooms, 2)
	rooms, _ = s.ListForUser(ctx, "a")
	assert.Len(t, rooms, 1)
}
