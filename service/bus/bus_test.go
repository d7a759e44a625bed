package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"ppchat/service/natsx"
	"ppchat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	evs []*Event
}

func (r *recorder) handle(_ context.Context, ev *Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.evs)
}

func newBus(t *testing.T, hub *Hub, instance string, production bool) (*Bus, *recorder) {
	return newBusWithIdem(t, hub, instance, production, nil)
}

func newBusWithIdem(t *testing.T, hub *Hub, instance string, production bool, idem natsx.IdemStore) (*Bus, *recorder) {
	t.Helper()
	b := New(Options{
		InstanceID:    instance,
		Production:    production,
		RetryAttempts: 3,
		RetryBase:     10 * time.Millisecond,
		RetryMax:      20 * time.Millisecond,
		RetryPoll:     5 * time.Millisecond,
	}, hub.Dialer(), idem, nil)
	rec := &recorder{}
	b.Handle(ChannelMessage, rec.handle)
	b.Handle(ChannelKick, rec.handle)
	t.Cleanup(func() { _ = b.Close() })
	return b, rec
}

func chatEvent(msgID, state string) *Event {
	return &Event{
		Channel:    ChannelMessage,
		Kind:       KindStatus,
		MessageID:  msgID,
		State:      state,
		Recipients: []string{"u1"},
		Frame:      json.RawMessage(`{"type":"MESSAGE_STATUS"}`),
	}
}

func TestSelfOriginIgnoredAndDedup(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, recA := newBus(t, hub, "A", false)
	b, recB := newBus(t, hub, "B", false)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	require.True(t, a.Enabled())

	require.NoError(t, a.Publish(ctx, chatEvent("m1", "delivered")))
	assert.Equal(t, 0, recA.len(), "own events are not dispatched")
	require.Equal(t, 1, recB.len())
	assert.Equal(t, "A", recB.evs[0].Origin)
	assert.NotEmpty(t, recB.evs[0].EventID)

	// 同一 kind|messageId|state 只处理一次
	require.NoError(t, a.Publish(ctx, chatEvent("m1", "delivered")))
	assert.Equal(t, 1, recB.len())

	require.NoError(t, a.Publish(ctx, chatEvent("m1", "read")))
	assert.Equal(t, 2, recB.len())

	require.NoError(t, a.Publish(ctx, &Event{Channel: ChannelKick, Kind: KickBan, UserID: "u1"}))
	assert.Equal(t, 3, recB.len())
}

// redis 去重表是所有实例共用的，每个实例仍要各自收到一次
func TestSharedDedupStoreReachesEveryInstance(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	shared := natsx.NewMemIdem(time.Minute)
	a, _ := newBusWithIdem(t, hub, "A", false, shared)
	b, recB := newBusWithIdem(t, hub, "B", false, shared)
	c, recC := newBusWithIdem(t, hub, "C", false, shared)
	for _, x := range []*Bus{a, b, c} {
		require.NoError(t, x.Start(ctx))
	}

	require.NoError(t, a.Publish(ctx, &Event{Channel: ChannelKick, Kind: KickBan, UserID: "u1"}))
	require.NoError(t, a.Publish(ctx, chatEvent("m1", "sent")))
	assert.Equal(t, 2, recB.len())
	assert.Equal(t, 2, recC.len())

	// 重复投递仍被各自挡掉
	require.NoError(t, a.Publish(ctx, chatEvent("m1", "sent")))
	assert.Equal(t, 2, recB.len())
	assert.Equal(t, 2, recC.len())
}

func TestInvalidEvents(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, _ := newBus(t, hub, "A", false)
	b, recB := newBus(t, hub, "B", false)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	err := a.Publish(ctx, &Event{Channel: ChannelMessage, Kind: KindMessage, MessageID: "m"})
	assert.True(t, errs.ErrInvalidPayload.Is(err), "no recipients")

	err = a.Publish(ctx, &Event{Channel: ChannelKick, Kind: KickRevokeSession})
	assert.True(t, errs.ErrInvalidPayload.Is(err), "no session id")

	err = a.Publish(ctx, &Event{Channel: ChannelKick, Kind: "explode", UserID: "u"})
	assert.True(t, errs.ErrInvalidPayload.Is(err))

	// 直接往 hub 塞坏数据，接收端丢弃
	tr, err := hub.Dialer()(ctx)
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ctx, ChannelMessage, []byte("{not json"), ""))
	require.NoError(t, tr.Publish(ctx, ChannelMessage, []byte(`{"eventId":"e","originInstanceId":"X","channel":"chat.message","kind":"message"}`), ""))
	assert.Equal(t, 0, recB.len())
}

func TestDedupKey(t *testing.T) {
	ev := chatEvent("m1", "read")
	assert.Equal(t, "status|m1|read", ev.DedupKey())
	ev = &Event{Channel: ChannelMessage, EventID: "e1", Kind: KindTyping}
	assert.Equal(t, "chat.message|e1", ev.DedupKey())
}

func TestStartupPolicy(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	hub.SetDown(true)

	prod, _ := newBus(t, hub, "P", true)
	assert.Error(t, prod.Start(ctx), "production fails fast")

	dev, _ := newBus(t, hub, "D", false)
	require.NoError(t, dev.Start(ctx))
	assert.False(t, dev.Enabled())
	st := dev.RetryState()
	assert.Equal(t, 1, st.Attempts)
	assert.False(t, st.NextEligible.IsZero())

	err := dev.Publish(ctx, chatEvent("m1", "sent"))
	assert.True(t, errs.ErrBusUnavailable.Is(err))

	hub.SetDown(false)
	require.Eventually(t, dev.Enabled, time.Second, 5*time.Millisecond)
	assert.Equal(t, RetryState{}, dev.RetryState())
}

func TestRetryExhausts(t *testing.T) {
	hub := NewHub()
	hub.SetDown(true)
	b, _ := newBus(t, hub, "D", false)
	require.NoError(t, b.Start(context.Background()))
	require.Eventually(t, func() bool { return b.RetryState().Exhausted }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, b.RetryState().Attempts)
	hub.SetDown(false)
	time.Sleep(30 * time.Millisecond)
	assert.False(t, b.Enabled(), "no more retries after exhaustion")
}

func TestBackoff(t *testing.T) {
	b := New(Options{RetryBase: time.Second, RetryMax: 5 * time.Second}, nil, nil, nil)
	defer b.Close()
	assert.Equal(t, time.Second, b.backoff(1))
	assert.Equal(t, 2*time.Second, b.backoff(2))
	assert.Equal(t, 4*time.Second, b.backoff(3))
	assert.Equal(t, 5*time.Second, b.backoff(4))
}
