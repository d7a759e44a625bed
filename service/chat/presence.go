package chat

import (
	"context"
	"sync"
	"time"

	"ppchat/logger"
	"ppchat/module/room"
	"ppchat/service/bus"
	"ppchat/service/storage"
	"ppchat/tools/safe"

	"go.uber.org/zap"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Presence 在线状态：本地宽限计时 + 跨实例目录。
// 用户最后一条连接断开后等 grace 再宣布离线，期间重连则取消
type Presence struct {
	instanceID string
	dir        storage.Directory
	rooms      *room.Service
	reg        *Registry
	fan        *Fanout
	grace      time.Duration
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]*graceTimer

	stop     chan struct{}
	stopOnce sync.Once
}

// graceTimer 以指针身份区分同一用户先后启动的计时
type graceTimer struct{ t *time.Timer }

func NewPresence(instanceID string, dir storage.Directory, rooms *room.Service, reg *Registry, fan *Fanout, grace time.Duration) *Presence {
	p := &Presence{
		instanceID: instanceID,
		dir:        dir,
		rooms:      rooms,
		reg:        reg,
		fan:        fan,
		grace:      grace,
		now:        time.Now,
		pending:    make(map[string]*graceTimer),
		stop:       make(chan struct{}),
	}
	reg.SetPresenceHooks(p.connected, p.disconnected)
	if dir != nil && dir.TTL() > 0 {
		every := dir.TTL() / 3
		safe.Go("presence-keepalive", func() { p.keepAlive(every) })
	}
	return p
}

// keepAlive 按 TTL/3 续期本实例所有在线用户的目录条目，不依赖客户端 PRESENCE_PING
func (p *Presence) keepAlive(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		for _, u := range p.reg.Users() {
			if p.reg.Online(u) {
				p.refresh(ctx, u)
			}
		}
		cancel()
	}
}

// connected 用户第一条连接注册
func (p *Presence) connected(userID string) {
	p.mu.Lock()
	g, wasPending := p.pending[userID]
	if wasPending {
		g.t.Stop()
		delete(p.pending, userID)
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p.refresh(ctx, userID)
	if !wasPending {
		p.announce(ctx, userID, StatusOnline)
	}
}

// disconnected 用户最后一条连接移除，开始宽限计时
func (p *Presence) disconnected(userID string) {
	if p.grace <= 0 {
		p.expire(userID, nil)
		return
	}
	p.mu.Lock()
	if old, ok := p.pending[userID]; ok {
		old.t.Stop()
	}
	g := &graceTimer{}
	g.t = time.AfterFunc(p.grace, func() { p.expire(userID, g) })
	p.pending[userID] = g
	p.mu.Unlock()
}

// expire g 为触发的计时；已被更新的计时取代时什么都不做
func (p *Presence) expire(userID string, g *graceTimer) {
	p.mu.Lock()
	if g != nil {
		if p.pending[userID] != g {
			p.mu.Unlock()
			return
		}
		delete(p.pending, userID)
	}
	p.mu.Unlock()
	if p.reg.Online(userID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if p.dir != nil {
		if err := p.dir.Offline(ctx, userID, p.instanceID); err != nil {
			logger.Warn("[Presence] directory offline failed", zap.String("user", userID), zap.Error(err))
		}
	}
	p.announce(ctx, userID, StatusOffline)
}

// Heartbeat PRESENCE_PING 续期目录
func (p *Presence) Heartbeat(ctx context.Context, userID string) { p.refresh(ctx, userID) }

func (p *Presence) refresh(ctx context.Context, userID string) {
	if p.dir == nil {
		return
	}
	if err := p.dir.Online(ctx, userID, p.instanceID); err != nil {
		logger.Warn("[Presence] directory online failed", zap.String("user", userID), zap.Error(err))
	}
}

// Status 本地有连接、宽限期内或目录里有任意实例即视为在线
func (p *Presence) Status(ctx context.Context, userID string) string {
	if p.reg.Online(userID) {
		return StatusOnline
	}
	p.mu.Lock()
	_, grace := p.pending[userID]
	p.mu.Unlock()
	if grace {
		return StatusOnline
	}
	if p.dir != nil {
		insts, err := p.dir.Instances(ctx, userID)
		if err == nil && len(insts) > 0 {
			return StatusOnline
		}
	}
	return StatusOffline
}

// announce 通知与该用户同房间的其他用户
func (p *Presence) announce(ctx context.Context, userID, status string) {
	peers := p.peers(ctx, userID)
	if len(peers) == 0 {
		return
	}
	frame := EncodeFrame(TypePresenceUpdate, "", PresencePayload{UserID: userID, Status: status, At: p.now().UnixMilli()})
	p.fan.Deliver(ctx, &bus.Event{Kind: bus.KindPresence, Recipients: peers, Frame: frame, UserID: userID}, PriorityEphemeral)
}

func (p *Presence) peers(ctx context.Context, userID string) []string {
	if p.rooms == nil {
		return nil
	}
	rooms, err := p.rooms.ListForUser(ctx, userID)
	if err != nil {
		logger.Warn("[Presence] list rooms failed", zap.String("user", userID), zap.Error(err))
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, r := range rooms {
		for _, m := range r.Others(userID) {
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				out = append(out, m)
			}
		}
	}
	return out
}

// Close 停掉续期协程和所有宽限计时
func (p *Presence) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.mu.Lock()
	defer p.mu.Unlock()
	for u, g := range p.pending {
		g.t.Stop()
		delete(p.pending, u)
	}
}
