package natsx

import (
	"context"
	"sync"
	"time"
)

// IdemStore 去重存储：第一次见到 key 返回 false，TTL 内再见返回 true
type IdemStore interface {
	SeenOnce(ctx context.Context, key string, ttl time.Duration) (seen bool, err error)
}

// MemIdem 单进程内存实现，后台定期清理过期 key
type MemIdem struct {
	mu   sync.Mutex
	m    map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

func NewMemIdem(defaultTTL time.Duration) *MemIdem {
	mi := &MemIdem{
		m:    make(map[string]time.Time),
		ttl:  defaultTTL,
		now:  time.Now,
		stop: make(chan struct{}),
	}
	go mi.sweep(time.Minute)
	return mi
}

func (mi *MemIdem) sweep(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-mi.stop:
			return
		case <-t.C:
			now := mi.now()
			mi.mu.Lock()
			for k, exp := range mi.m {
				if !exp.After(now) {
					delete(mi.m, k)
				}
			}
			mi.mu.Unlock()
		}
	}
}

func (mi *MemIdem) Close() { mi.once.Do(func() { close(mi.stop) }) }

func (mi *MemIdem) SeenOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	now := mi.now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if exp, ok := mi.m[key]; ok && exp.After(now) {
		return true, nil
	}
	mi.m[key] = now.Add(ttl)
	return false, nil
}

// MsgIDFromHeader 取消息头里的去重 id
func MsgIDFromHeader(h map[string]string) string {
	for _, k := range []string{HeaderMsgID, "nats-msg-id", "X-Msg-Id", "x-msg-id"} {
		if v, ok := h[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// NatsxIdemMiddleware 按 Nats-Msg-Id 去重；没有 id 的消息直接放行
func NatsxIdemMiddleware(store IdemStore, ttl time.Duration) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			id := MsgIDFromHeader(msg.Header)
			if id == "" {
				return next(ctx, msg)
			}
			seen, err := store.SeenOnce(ctx, msg.Subject+"|"+id, ttl)
			if err == nil && seen {
				return nil
			}
			return next(ctx, msg)
		}
	}
}
