package chat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"ppchat/global/config"
	"ppchat/module/message/model"
	"ppchat/module/message/store"
	"ppchat/module/room"
	"ppchat/service/bus"
	"ppchat/service/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 总线不可用、接收方离线：发送照样成功，消息以 sent 落库并能从历史查到
func TestSendWithBusDownStillPersists(t *testing.T) {
	hub := bus.NewHub()
	hub.SetDown(true)
	in := startInstance(t, testConfig(), hub, "i1", nil, nil, "a", "b")
	require.False(t, in.bus.Enabled())

	a, _ := in.login(t, "a")
	a.send(TypeMessageSend, "s1", map[string]any{"recipientId": "b", "clientMessageId": "c1", "content": "later"})
	ack := decodePayload[AckPayload](t, a.next(TypeMessageAck))
	assert.Equal(t, model.StateSent, ack.State)
	assert.False(t, ack.Duplicate)

	page, err := in.srv.replay.History(context.Background(), "b", HistoryPayload{ChatID: model.DirectChatID("a", "b")}, 50)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, ack.MessageID, page.Messages[0].ID)
	assert.Equal(t, model.StateSent, page.Messages[0].State)

	// 上线后补发能拿到
	b, _ := in.login(t, "b")
	b.send(TypeResume, "rs", map[string]any{})
	got := decodePayload[model.Message](t, b.next(TypeMessageReplay))
	assert.Equal(t, ack.MessageID, got.ID)
}

// 同一 clientMessageId 经两个实例各发一次：一条记录，一次总线发布
func TestDuplicateSendAcrossInstancesPublishesOnce(t *testing.T) {
	hub := bus.NewHub()
	st := store.NewMemoryStore()
	rooms := room.NewService(room.NewMemoryStore(), config.DefaultMaxRoomMembers)
	cfg := testConfig()
	i1 := startInstance(t, cfg, hub, "i1", st, rooms, "a", "b")
	i2 := startInstance(t, cfg, hub, "i2", st, rooms, "a", "b")

	var published atomic.Int32
	watcher := bus.New(bus.Options{InstanceID: "watcher"}, hub.Dialer(), nil, nil)
	t.Cleanup(func() { _ = watcher.Close() })
	watcher.Handle(bus.ChannelMessage, func(_ context.Context, ev *bus.Event) {
		if ev.Kind == bus.KindMessage {
			published.Add(1)
		}
	})
	require.NoError(t, watcher.Start(context.Background()))

	payload := map[string]any{"recipientId": "b", "clientMessageId": "c1", "content": "once"}
	a1, _ := i1.login(t, "a")
	a1.send(TypeMessageSend, "s1", payload)
	first := decodePayload[AckPayload](t, a1.next(TypeMessageAck))
	require.Eventually(t, func() bool { return published.Load() == 1 }, time.Second, 5*time.Millisecond)

	a2, _ := i2.login(t, "a")
	a2.send(TypeMessageSend, "s2", payload)
	second := decodePayload[AckPayload](t, a2.next(TypeMessageAck))
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.MessageID, second.MessageID)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), published.Load())
	page, err := st.GetHistory(context.Background(), model.DirectChatID("a", "b"), store.HistoryQuery{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

// 接收方在本实例有连接，目录显示另一实例上也有：两边都要收到
func TestDirectoryDrivesRemoteFanout(t *testing.T) {
	hub := bus.NewHub()
	st := store.NewMemoryStore()
	rooms := room.NewService(room.NewMemoryStore(), config.DefaultMaxRoomMembers)
	dir := storage.NewMemoryDirectory(time.Minute)
	cfg := testConfig()
	i1 := startInstanceDeps(t, cfg, hub, "i1", Deps{Store: st, Rooms: rooms, Directory: dir}, "a", "b")
	i2 := startInstanceDeps(t, cfg, hub, "i2", Deps{Store: st, Rooms: rooms, Directory: dir}, "a", "b")

	a, _ := i1.login(t, "a")
	bLocal, _ := i1.login(t, "b")
	bRemote, _ := i2.login(t, "b")
	require.Eventually(t, func() bool {
		insts, _ := dir.Instances(context.Background(), "b")
		return len(insts) == 2
	}, time.Second, 5*time.Millisecond)

	a.send(TypeMessageSend, "s1", map[string]any{"recipientId": "b", "clientMessageId": "c1", "content": "both tabs"})
	ack := decodePayload[AckPayload](t, a.next(TypeMessageAck))
	assert.Equal(t, ack.MessageID, decodePayload[model.Message](t, bLocal.next(TypeMessageReceive)).ID)
	assert.Equal(t, ack.MessageID, decodePayload[model.Message](t, bRemote.next(TypeMessageReceive)).ID)
}
