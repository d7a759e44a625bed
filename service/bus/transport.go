package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ppchat/service/natsx"
	"ppchat/tools/errs"
)

// Transport 总线底层传输。Subscribe 需在 Publish 之前完成
type Transport interface {
	Publish(ctx context.Context, channel string, data []byte, msgID string) error
	Subscribe(channel string, h func(ctx context.Context, data []byte)) error
	Connected() bool
	Close() error
}

// Dialer 建立传输；启动失败时由重试调度器反复调用
type Dialer func(ctx context.Context) (Transport, error)

// ---- NATS ----

type natsTransport struct {
	mgr    *natsx.NatsManager
	idem   *natsx.MemIdem
	prefix string
}

// redeliveryTTL 同一 Nats-Msg-Id 的重发窗口，覆盖发布端的重试
const redeliveryTTL = 30 * time.Second

// NatsDialer core 广播，每个实例都收到全部事件。
// 发布重试会带同一个 Nats-Msg-Id，本连接内按 id 去重
func NatsDialer(cfg natsx.NatsxConfig, subjectPrefix string, retries int, backoff time.Duration) Dialer {
	return func(ctx context.Context) (Transport, error) {
		idem := natsx.NewMemIdem(redeliveryTTL)
		mgr, err := natsx.NewNatsManager(cfg, retries, backoff,
			natsx.NatsxRecoverMiddleware(),
			natsx.NatsxIdemMiddleware(idem, redeliveryTTL))
		if err != nil {
			idem.Close()
			return nil, err
		}
		t := &natsTransport{mgr: mgr, idem: idem, prefix: subjectPrefix}
		for _, ch := range []string{ChannelMessage, ChannelKick} {
			if err := mgr.RegisterRoute(natsx.NatsxRoute{Biz: ch, Subject: subjectPrefix + ch}); err != nil {
				_ = t.Close()
				return nil, err
			}
		}
		return t, nil
	}
}

func (t *natsTransport) Publish(ctx context.Context, channel string, data []byte, msgID string) error {
	return t.mgr.PublishOnce(ctx, channel, data, nil, msgID)
}

func (t *natsTransport) Subscribe(channel string, h func(ctx context.Context, data []byte)) error {
	return t.mgr.Subscribe(channel, func(ctx context.Context, msg natsx.NatsxMessage) error {
		h(ctx, msg.Data)
		return nil
	})
}

func (t *natsTransport) Connected() bool { return t.mgr.Connected() }
func (t *natsTransport) Close() error {
	t.idem.Close()
	return t.mgr.Close()
}

// ---- 内存 Hub，多实例测试用 ----

// Hub 进程内的广播总线，每个 Transport 相当于一个实例的连接
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]subscriber
	down atomic.Bool
}

type subscriber func(ctx context.Context, data []byte)

func NewHub() *Hub {
	return &Hub{subs: make(map[string][]subscriber)}
}

// SetDown 模拟总线不可用
func (h *Hub) SetDown(v bool) { h.down.Store(v) }

func (h *Hub) Dialer() Dialer {
	return func(context.Context) (Transport, error) {
		if h.down.Load() {
			return nil, errs.ErrBusUnavailable.WrapMsg("hub is down")
		}
		return &hubTransport{hub: h}, nil
	}
}

type hubTransport struct {
	hub    *Hub
	closed atomic.Bool
}

func (t *hubTransport) Publish(ctx context.Context, channel string, data []byte, _ string) error {
	if t.closed.Load() || t.hub.down.Load() {
		return errs.ErrBusUnavailable.WrapMsg("hub is down")
	}
	t.hub.mu.RLock()
	subs := append([]subscriber(nil), t.hub.subs[channel]...)
	t.hub.mu.RUnlock()
	for _, s := range subs {
		s(ctx, append([]byte(nil), data...))
	}
	return nil
}

func (t *hubTransport) Subscribe(channel string, h func(ctx context.Context, data []byte)) error {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	t.hub.subs[channel] = append(t.hub.subs[channel], func(ctx context.Context, data []byte) {
		if !t.closed.Load() {
			h(ctx, data)
		}
	})
	return nil
}

func (t *hubTransport) Connected() bool { return !t.closed.Load() && !t.hub.down.Load() }
func (t *hubTransport) Close() error    { t.closed.Store(true); return nil }
