package chat

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomLifecycleFrames(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil, nil, "a", "b", "c")
	a, sa := h.connect(t, "a")
	_, sb := h.connect(t, "b")
	_, sc := h.connect(t, "c")

	h.frame(t, a, TypeRoomCreate, "mk", map[string]any{"name": "team", "members": []string{"b", "c"}})
	created := waitType(t, sa, TypeRoomCreated, 1)[0]
	assert.Equal(t, "mk", created.ReqID)
	ev := decodePayload[RoomEventPayload](t, created)
	require.NotNil(t, ev.Room)
	assert.Equal(t, int64(1), ev.Room.Version)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ev.Room.Members)
	roomID := ev.Room.ID

	other := waitType(t, sb, TypeRoomCreated, 1)[0]
	assert.Empty(t, other.ReqID)
	waitType(t, sc, TypeRoomCreated, 1)
	assert.Len(t, sa.ofType(TypeRoomCreated), 1, "actor is not notified twice")

	h.frame(t, a, TypeRoomUpdateMeta, "meta", map[string]any{"roomId": roomID, "name": "renamed", "expectedVersion": 1})
	meta := decodePayload[RoomEventPayload](t, waitType(t, sb, TypeRoomMetaUpdated, 1)[0])
	assert.Equal(t, "renamed", meta.Room.Name)
	assert.Equal(t, int64(2), meta.Room.Version)

	// 过期版本：带回当前快照
	h.frame(t, a, TypeRoomUpdateMeta, "stale", map[string]any{"roomId": roomID, "name": "again", "expectedVersion": 1})
	e := waitType(t, sa, TypeMessageError, 1)[0]
	assert.Equal(t, "stale", e.ReqID)
	p := decodePayload[ErrorPayload](t, e)
	assert.Equal(t, "ROOM_VERSION_CONFLICT", p.Code)
	require.NotNil(t, p.Room)
	assert.Equal(t, int64(2), p.Room.Version)
	assert.Equal(t, "renamed", p.Room.Name)

	h.frame(t, a, TypeRoomRemoveMember, "rm", map[string]any{"roomId": roomID, "userId": "c"})
	removed := decodePayload[RoomEventPayload](t, waitType(t, sc, TypeRoomMembers, 1)[0])
	assert.Equal(t, []string{"c"}, removed.Removed)
	assert.NotContains(t, removed.Room.Members, "c")

	// 被移出的人不能再发群消息
	h.frame(t, a, TypeRoomMessage, "m1", map[string]any{"roomId": roomID, "roomMessageId": "rm-1", "content": "hi"})
	waitType(t, sb, TypeMessageReceive, 1)
	assert.Empty(t, sc.ofType(TypeMessageReceive))
}

func TestRoomPermissions(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil, nil, "a", "b")
	res, err := h.rooms.Create(context.Background(), "a", "team", "", []string{"b"})
	require.NoError(t, err)
	b, sb := h.connect(t, "b")

	h.frame(t, b, TypeRoomDelete, "d", map[string]any{"roomId": res.Room.ID})
	h.frame(t, b, TypeRoomSetRole, "r", map[string]any{"roomId": res.Room.ID, "userId": "a", "role": "MEMBER"})
	h.frame(t, b, TypeRoomUpdateMeta, "n", map[string]any{"roomId": res.Room.ID})
	e := waitType(t, sb, TypeMessageError, 3)
	assert.Equal(t, "FORBIDDEN", decodePayload[ErrorPayload](t, e[0]).Code)
	assert.Equal(t, "FORBIDDEN", decodePayload[ErrorPayload](t, e[1]).Code)
	assert.Equal(t, "INVALID_PAYLOAD", decodePayload[ErrorPayload](t, e[2]).Code)

	h.frame(t, b, TypeRoomLeave, "l", map[string]any{"roomId": res.Room.ID})
	left := decodePayload[RoomEventPayload](t, waitType(t, sb, TypeRoomMembers, 1)[0])
	assert.Equal(t, []string{"b"}, left.Removed)
}

func TestPresenceAnnouncedToRoomPeers(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil, nil, "a", "b")
	_, err := h.rooms.Create(context.Background(), "a", "team", "", []string{"b"})
	require.NoError(t, err)
	_, sa := h.connect(t, "a")

	b, _ := h.connect(t, "b")
	up := decodePayload[PresencePayload](t, waitType(t, sa, TypePresenceUpdate, 1)[0])
	assert.Equal(t, "b", up.UserID)
	assert.Equal(t, StatusOnline, up.Status)
	assert.Equal(t, StatusOnline, h.srv.presence.Status(context.Background(), "b"))

	// 第二条连接不重复通知
	b2, _ := h.connect(t, "b")
	b.Close(websocket.CloseNormalClosure, "bye")
	assert.Len(t, sa.ofType(TypePresenceUpdate), 1)

	b2.Close(websocket.CloseNormalClosure, "bye")
	down := decodePayload[PresencePayload](t, waitType(t, sa, TypePresenceUpdate, 2)[1])
	assert.Equal(t, StatusOffline, down.Status)
	assert.Equal(t, StatusOffline, h.srv.presence.Status(context.Background(), "b"))
}

func TestPresencePingReportsStatus(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil, nil, "a", "b")
	a, sa := h.connect(t, "a")
	h.connect(t, "b")

	h.frame(t, a, TypePresencePing, "pp", map[string]any{"userIds": []string{"b", "z"}})
	got := waitType(t, sa, TypePresenceUpdate, 2)
	assert.Equal(t, "pp", got[0].ReqID)
	assert.Equal(t, StatusOnline, decodePayload[PresencePayload](t, got[0]).Status)
	assert.Equal(t, StatusOffline, decodePayload[PresencePayload](t, got[1]).Status)
}

func TestPresenceGraceSuppressesFlap(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.PresenceGrace = time.Hour
	h := newHarness(t, cfg, nil, nil, nil, "a", "b")
	_, err := h.rooms.Create(context.Background(), "a", "team", "", []string{"b"})
	require.NoError(t, err)
	_, sa := h.connect(t, "a")

	b, _ := h.connect(t, "b")
	waitType(t, sa, TypePresenceUpdate, 1)
	b.Close(websocket.CloseNormalClosure, "flap")
	assert.Equal(t, StatusOnline, h.srv.presence.Status(context.Background(), "b"))
	h.connect(t, "b")
	assert.Len(t, sa.ofType(TypePresenceUpdate), 1)
}
