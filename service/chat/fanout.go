package chat

import (
	"context"

	"ppchat/logger"
	"ppchat/service/bus"
	"ppchat/service/metrics"
	"ppchat/service/storage"
	"ppchat/tools/errs"

	"go.uber.org/zap"
)

// Fanout 把一帧推给一组用户：本地连接直接入队，其余经总线发到别的实例
type Fanout struct {
	reg *Registry
	bus *bus.Bus
	dir storage.Directory // 可为 nil
	m   *metrics.Metrics
}

func NewFanout(reg *Registry, b *bus.Bus, dir storage.Directory, m *metrics.Metrics) *Fanout {
	if m == nil {
		m = metrics.Nop()
	}
	return &Fanout{reg: reg, bus: b, dir: dir, m: m}
}

// Local 推给本地连接，返回本地没有连接的用户
func (f *Fanout) Local(users []string, data []byte, p Priority) (missing []string) {
	return f.local(users, data, p, nil)
}

func (f *Fanout) local(users []string, data []byte, p Priority, except *WsConn) (missing []string) {
	for _, u := range users {
		conns := f.reg.Sockets(u)
		if len(conns) == 0 {
			missing = append(missing, u)
			continue
		}
		for _, c := range conns {
			if c != except {
				f.push(c, data, p)
			}
		}
	}
	return missing
}

// PushUser 推给一个用户的全部本地连接
func (f *Fanout) PushUser(userID string, data []byte, p Priority) int {
	conns := f.reg.Sockets(userID)
	for _, c := range conns {
		f.push(c, data, p)
	}
	return len(conns)
}

func (f *Fanout) push(c *WsConn, data []byte, p Priority) {
	switch c.Send(data, p) {
	case PushOverflow, PushClose:
		f.m.QueueOverflows.Inc()
	}
}

// Deliver 本地推送后，把需要跨实例的接收人放进事件发布出去。
// 需要跨实例：本地没有连接，或目录显示在别的实例上也有连接。发布失败只记日志
func (f *Fanout) Deliver(ctx context.Context, ev *bus.Event, p Priority) {
	f.DeliverExcept(ctx, ev, p, nil)
}

// DeliverExcept 同 Deliver，但跳过 except 这条连接（它已单独收到回复）
func (f *Fanout) DeliverExcept(ctx context.Context, ev *bus.Event, p Priority, except *WsConn) {
	missing := f.local(ev.Recipients, ev.Frame, p, except)
	remote := f.remoteOf(ctx, ev.Recipients, missing)
	if len(remote) == 0 || f.bus == nil || !f.bus.Enabled() {
		return
	}
	ev.Channel = bus.ChannelMessage
	ev.Recipients = remote
	if err := f.bus.Publish(ctx, ev); err != nil {
		logger.Warn("[Fanout] bus publish failed", zap.String("kind", ev.Kind),
			zap.String("messageId", ev.MessageID), zap.Error(err))
	}
}

func (f *Fanout) remoteOf(ctx context.Context, all, missing []string) []string {
	if f.dir == nil {
		return missing
	}
	out := append([]string(nil), missing...)
	skip := make(map[string]struct{}, len(missing))
	for _, u := range missing {
		skip[u] = struct{}{}
	}
	self := ""
	if f.bus != nil {
		self = f.bus.InstanceID()
	}
	for _, u := range all {
		if _, ok := skip[u]; ok {
			continue
		}
		insts, err := f.dir.Instances(ctx, u)
		if err != nil {
			logger.Debug("[Fanout] presence lookup failed", zap.String("user", u), zap.Error(err))
			continue
		}
		for _, id := range insts {
			if id != self {
				out = append(out, u)
				break
			}
		}
	}
	return out
}

// Kick 本地执行后广播给其他实例
func (f *Fanout) Kick(ctx context.Context, ev *bus.Event) error {
	ev.Channel = bus.ChannelKick
	if f.bus == nil || !f.bus.Enabled() {
		return nil
	}
	if err := f.bus.Publish(ctx, ev); err != nil && !errs.ErrBusUnavailable.Is(err) {
		return err
	}
	return nil
}

// fromBus 远端 chat 事件：只推给本地连接
func (f *Fanout) fromBus(_ context.Context, ev *bus.Event) {
	p := PriorityMessage
	if ev.Kind == bus.KindTyping || ev.Kind == bus.KindPresence {
		p = PriorityEphemeral
	}
	f.Local(ev.Recipients, ev.Frame, p)
}
