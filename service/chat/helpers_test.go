package chat

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"ppchat/global/config"
	"ppchat/module/message/store"
	"ppchat/module/room"
	"ppchat/service/auth"
	"ppchat/service/bus"
	"ppchat/tools/errs"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeSocket 记录写出的帧和关闭码
type fakeSocket struct {
	mu        sync.Mutex
	frames    [][]byte
	closeCode int
	closed    bool
	failWrite bool
	delay     time.Duration // 模拟慢客户端
}

func (s *fakeSocket) setDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	d := s.delay
	s.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite {
		return websocket.ErrCloseSent
	}
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) WriteControl(mt int, data []byte, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mt == websocket.CloseMessage && len(data) >= 2 {
		s.closeCode = int(binary.BigEndian.Uint16(data[:2]))
	}
	return nil
}

func (s *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) code() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

type sent struct {
	Type    string          `json:"type"`
	ReqID   string          `json:"reqId"`
	Payload json.RawMessage `json:"payload"`
}

func (s *fakeSocket) sent() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sent, 0, len(s.frames))
	for _, b := range s.frames {
		var f sent
		_ = json.Unmarshal(b, &f)
		out = append(out, f)
	}
	return out
}

func (s *fakeSocket) ofType(typ string) []sent {
	var out []sent
	for _, f := range s.sent() {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// waitType 等到出现 n 个 typ 帧
func waitType(t *testing.T, s *fakeSocket, typ string, n int) []sent {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.ofType(typ)) >= n }, 2*time.Second, 5*time.Millisecond,
		"waiting for %d %s frames, got %v", n, typ, s.sent())
	return s.ofType(typ)
}

func decodePayload[T any](t *testing.T, f sent) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Payload, &v))
	return v
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Env = config.EnvTest
	cfg.Limits.PresenceGrace = 0
	cfg.Limits.PingInterval = 0
	cfg.Limits.IdleTimeout = 0
	cfg.Limits.ReceiptRetryBase = 5 * time.Millisecond
	return cfg
}

// staticVerifier token -> identity；revoked 里的 token 返回 SESSION_REVOKED
type staticVerifier struct {
	ids     map[string]auth.Identity
	revoked map[string]bool
}

func (v *staticVerifier) VerifyAccessToken(_ context.Context, token string) (auth.Identity, error) {
	if v.revoked[token] {
		return auth.Identity{}, errs.ErrSessionRevoked.WrapMsg("")
	}
	id, ok := v.ids[token]
	if !ok {
		return auth.Identity{}, errs.ErrUnauthorized.WrapMsg("bad token")
	}
	return id, nil
}

func tokens(users ...string) *staticVerifier {
	v := &staticVerifier{ids: map[string]auth.Identity{}, revoked: map[string]bool{}}
	for _, u := range users {
		v.ids["t-"+u] = auth.Identity{UserID: u, SessionID: "s-" + u, Role: "user"}
	}
	return v
}

type harness struct {
	srv   *Server
	store store.Store
	rooms *room.Service
}

func newHarness(t *testing.T, cfg *config.Config, b *bus.Bus, st store.Store, rooms *room.Service, users ...string) *harness {
	t.Helper()
	return newHarnessDeps(t, cfg, Deps{Bus: b, Store: st, Rooms: rooms}, users...)
}

// newHarnessDeps Store/Rooms 为空时用内存实现，Verifier 由 users 生成
func newHarnessDeps(t *testing.T, cfg *config.Config, d Deps, users ...string) *harness {
	t.Helper()
	if d.Store == nil {
		d.Store = store.NewMemoryStore()
	}
	if d.Rooms == nil {
		d.Rooms = room.NewService(room.NewMemoryStore(), cfg.Limits.MaxRoomMembers)
	}
	d.Verifier = tokens(users...)
	instance := "inst-test"
	if d.Bus != nil {
		instance = d.Bus.InstanceID()
	}
	srv := NewServer(Options{
		InstanceID:   instance,
		NodeID:       cfg.NodeID,
		Limits:       cfg.Limits,
		Rate:         cfg.Rate,
		Backpressure: cfg.Backpressure,
	}, d)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return &harness{srv: srv, store: d.Store, rooms: d.Rooms}
}

// connect 绕过 websocket，直接把假连接注册进 Registry
func (h *harness) connect(t *testing.T, user string) (*WsConn, *fakeSocket) {
	t.Helper()
	return h.connectSession(t, user, "s-"+user)
}

var connSeq struct {
	sync.Mutex
	n int
}

func (h *harness) connectSession(t *testing.T, user, sessionID string) (*WsConn, *fakeSocket) {
	t.Helper()
	connSeq.Lock()
	connSeq.n++
	n := connSeq.n
	connSeq.Unlock()

	sock := &fakeSocket{}
	bp := h.srv.opts.Backpressure
	c := newWsConn(sock, connOptions{
		connID:    fmt.Sprintf("%s-%d", user, n),
		userID:    user,
		sessionID: sessionID,
		out:       NewOutbound(bp.MaxQueueDepth, bp.MaxBufferedBytes, bp.MaxConsecutiveOverflows),
		gov:       NewGovernor(h.srv.opts.Rate, nil),
		now:       time.Now(),
	})
	go c.writeLoop()
	require.NoError(t, h.srv.reg.Register(c))
	return c, sock
}

func (h *harness) frame(t *testing.T, c *WsConn, typ, reqID string, payload any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": typ, "reqId": reqID, "payload": payload})
	require.NoError(t, err)
	h.srv.disp.Dispatch(context.Background(), c, raw)
}
