package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ppchat/global/config"
	"ppchat/module/message/model"
	"ppchat/module/message/store"
	"ppchat/module/room"
	"ppchat/service/bus"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminToken = "admin-secret"

type instance struct {
	*harness
	bus  *bus.Bus
	base string
	url  string
}

// startInstance 起一个带 HTTP 的实例；同一个 hub/store/rooms 模拟多实例部署
func startInstance(t *testing.T, cfg *config.Config, hub *bus.Hub, name string, st store.Store, rooms *room.Service, users ...string) *instance {
	t.Helper()
	return startInstanceDeps(t, cfg, hub, name, Deps{Store: st, Rooms: rooms}, users...)
}

// startInstanceDeps hub 非空时为实例建一条总线
func startInstanceDeps(t *testing.T, cfg *config.Config, hub *bus.Hub, name string, d Deps, users ...string) *instance {
	t.Helper()
	var b *bus.Bus
	if hub != nil {
		b = bus.New(bus.Options{InstanceID: name}, hub.Dialer(), nil, nil)
		t.Cleanup(func() { _ = b.Close() })
	}
	d.Bus = b
	h := newHarnessDeps(t, cfg, d, users...)
	if b != nil {
		require.NoError(t, b.Start(context.Background()))
	}
	in := mountHarness(t, h)
	in.bus = b
	return in
}

// mountHarness 把 harness 的 Server 挂到 httptest 上
func mountHarness(t *testing.T, h *harness) *instance {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.srv.Mount(r, testAdminToken)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return &instance{harness: h, base: ts.URL, url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"}
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (in *instance) dial(t *testing.T, token string) (*client, *http.Response, error) {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(in.url+"?token="+token, nil)
	if err != nil {
		return nil, resp, err
	}
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}, resp, nil
}

// login 连上并读掉 HELLO_ACK
func (in *instance) login(t *testing.T, user string) (*client, HelloAckPayload) {
	t.Helper()
	c, _, err := in.dial(t, "t-"+user)
	require.NoError(t, err)
	hello := c.next(TypeHelloAck)
	return c, decodePayload[HelloAckPayload](t, hello)
}

func (c *client) send(typ, reqID string, payload any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(map[string]any{"type": typ, "reqId": reqID, "payload": payload}))
}

// next 读到第一个 typ 帧为止，其余帧丢弃
func (c *client) next(typ string) sent {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.ws.SetReadDeadline(deadline))
		_, data, err := c.ws.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", typ)
		var f sent
		require.NoError(c.t, json.Unmarshal(data, &f))
		if f.Type == typ {
			return f
		}
	}
}

// closeCode 读到关闭帧，返回关闭码
func (c *client) closeCode() int {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := c.ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(c.t, errors.As(err, &ce), "expected close frame, got %v", err)
		return ce.Code
	}
}

func TestHandshake(t *testing.T) {
	in := startInstance(t, testConfig(), nil, "solo", nil, nil, "a")
	in.srv.deps.Verifier.(*staticVerifier).revoked["t-old"] = true

	_, hello := in.login(t, "a")
	assert.Equal(t, "a", hello.UserID)
	assert.Equal(t, "s-a", hello.SessionID)
	assert.Equal(t, "inst-test", hello.InstanceID)
	assert.NotEmpty(t, hello.ConnID)
	assert.Equal(t, config.DefaultRateMax, hello.RateMax)
	require.Eventually(t, func() bool { return in.srv.Registry().Online("a") }, time.Second, 5*time.Millisecond)

	bad, _, err := in.dial(t, "forged")
	require.NoError(t, err)
	assert.Equal(t, CloseAuthFailed, bad.closeCode())

	revoked, _, err := in.dial(t, "t-old")
	require.NoError(t, err)
	assert.Equal(t, CloseSessionRevoked, revoked.closeCode())
}

func TestConnectionCaps(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.MaxConnsPerUser = 1
	in := startInstance(t, cfg, nil, "solo", nil, nil, "a")
	in.login(t, "a")
	second, _, err := in.dial(t, "t-a")
	require.NoError(t, err)
	assert.Equal(t, CloseUserConnCap, second.closeCode())

	// IP 超限在升级前拒绝
	cfg = testConfig()
	cfg.Limits.MaxConnsPerIP = 1
	ipCapped := startInstance(t, cfg, nil, "solo", nil, nil, "a", "b")
	ipCapped.login(t, "a")
	_, resp, err := ipCapped.dial(t, "t-b")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestMalformedFrameOverSocket(t *testing.T) {
	in := startInstance(t, testConfig(), nil, "solo", nil, nil, "a")
	a, _ := in.login(t, "a")

	require.NoError(t, a.ws.WriteMessage(websocket.TextMessage, []byte("{oops")))
	require.NoError(t, a.ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	e := a.next(TypeMessageError)
	assert.Equal(t, "INVALID_PAYLOAD", decodePayload[ErrorPayload](t, e).Code)
	e = a.next(TypeMessageError)
	assert.Equal(t, "INVALID_PAYLOAD", decodePayload[ErrorPayload](t, e).Code)

	a.send(TypePresencePing, "still-here", map[string]any{"userIds": []string{"a"}})
	assert.Equal(t, "still-here", a.next(TypePresenceUpdate).ReqID)
}

func TestCrossInstanceDelivery(t *testing.T) {
	hub := bus.NewHub()
	st := store.NewMemoryStore()
	rooms := room.NewService(room.NewMemoryStore(), config.DefaultMaxRoomMembers)
	cfg := testConfig()
	i1 := startInstance(t, cfg, hub, "i1", st, rooms, "a", "b")
	i2 := startInstance(t, cfg, hub, "i2", st, rooms, "a", "b")
	require.True(t, i1.bus.Enabled())

	a, _ := i1.login(t, "a")
	b, hello := i2.login(t, "b")
	assert.Equal(t, "i2", hello.InstanceID)

	a.send(TypeMessageSend, "s1", map[string]any{"recipientId": "b", "clientMessageId": "c1", "content": "across"})
	ack := decodePayload[AckPayload](t, a.next(TypeMessageAck))
	got := decodePayload[model.Message](t, b.next(TypeMessageReceive))
	assert.Equal(t, ack.MessageID, got.ID)
	assert.Equal(t, "across", got.Content)

	b.send(TypeDeliveredConfirm, "d1", map[string]any{"messageId": ack.MessageID})
	st1 := decodePayload[StatusPayload](t, a.next(TypeMessageStatus))
	assert.Equal(t, model.StateDelivered, st1.State)
	b.send(TypeMessageRead, "r1", map[string]any{"messageId": ack.MessageID})
	st2 := decodePayload[StatusPayload](t, a.next(TypeMessageStatus))
	assert.Equal(t, model.StateRead, st2.State)

	// 管理端在 i1 封禁，i2 上的连接以 4007 关闭
	require.NoError(t, i1.srv.Submit(ControlEvent{Kind: ControlBan, UserID: "b", Reason: "spam"}))
	assert.Equal(t, CloseBanned, b.closeCode())
	require.Eventually(t, func() bool { return !i2.srv.Registry().Online("b") }, time.Second, 5*time.Millisecond)
}

func TestRevokeSessionAcrossInstances(t *testing.T) {
	hub := bus.NewHub()
	st := store.NewMemoryStore()
	rooms := room.NewService(room.NewMemoryStore(), config.DefaultMaxRoomMembers)
	i1 := startInstance(t, testConfig(), hub, "i1", st, rooms, "a")
	i2 := startInstance(t, testConfig(), hub, "i2", st, rooms, "a")

	c1, _ := i1.login(t, "a")
	c2, _ := i2.login(t, "a")
	require.NoError(t, i2.srv.Submit(ControlEvent{Kind: ControlRevokeSession, SessionID: "s-a"}))
	assert.Equal(t, CloseSessionRevoked, c1.closeCode())
	assert.Equal(t, CloseSessionRevoked, c2.closeCode())

	err := i1.srv.Submit(ControlEvent{Kind: ControlRevokeSession})
	assert.Error(t, err)
}

func TestShutdownClosesWithGoingAway(t *testing.T) {
	in := startInstance(t, testConfig(), nil, "solo", nil, nil, "a")
	a, _ := in.login(t, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, in.srv.Shutdown(ctx))
	assert.Equal(t, CloseServerShutdown, a.closeCode())
	assert.Equal(t, 0, in.srv.Registry().Count())
}
