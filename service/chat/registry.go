package chat

import (
	"strconv"
	"sync"
	"time"

	"ppchat/logger"
	"ppchat/service/metrics"
	"ppchat/tools/safe"

	"go.uber.org/zap"
)

// RegistryConf 连接上限与空闲清理
type RegistryConf struct {
	MaxPerUser    int
	MaxPerSession int
	MaxPerIP      int
	IdleTimeout   time.Duration // <=0 不做空闲清理
	SweepEvery    time.Duration
	Clock         func() time.Time
}

func (c *RegistryConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
}

// AdmitError 注册被拒：连接需要以 CloseCode 关闭
type AdmitError struct {
	CloseCode int
	Reason    string
}

func (e *AdmitError) Error() string { return "admit rejected: " + e.Reason }

// Registry 本实例连接的唯一持有者
type Registry struct {
	mu        sync.RWMutex
	byConn    map[string]*WsConn
	byUser    map[string]map[string]*WsConn // user -> connID -> conn
	bySession map[string]map[string]*WsConn // session -> connID -> conn
	ips       map[string]int

	conf RegistryConf
	m    *metrics.Metrics

	onFirst func(userID string)
	onLast  func(userID string)

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewRegistry(conf RegistryConf, m *metrics.Metrics) *Registry {
	conf.norm()
	if m == nil {
		m = metrics.Nop()
	}
	r := &Registry{
		byConn:    make(map[string]*WsConn),
		byUser:    make(map[string]map[string]*WsConn),
		bySession: make(map[string]map[string]*WsConn),
		ips:       make(map[string]int),
		conf:      conf,
		m:         m,
		stopCh:    make(chan struct{}),
	}
	if conf.IdleTimeout > 0 {
		safe.Go("registry-sweeper", r.sweeper)
	}
	return r
}

// SetPresenceHooks first: 用户第一条连接注册；last: 最后一条连接移除
func (r *Registry) SetPresenceHooks(first, last func(userID string)) {
	r.mu.Lock()
	r.onFirst, r.onLast = first, last
	r.mu.Unlock()
}

// AcquireIP 升级前占用一个 IP 名额，超限返回 false
func (r *Registry) AcquireIP(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conf.MaxPerIP > 0 && r.ips[ip] >= r.conf.MaxPerIP {
		r.m.ConnRejected.WithLabelValues("ip_cap").Inc()
		return false
	}
	r.ips[ip]++
	return true
}

func (r *Registry) ReleaseIP(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := r.ips[ip]; n <= 1 {
		delete(r.ips, ip)
	} else {
		r.ips[ip] = n - 1
	}
}

// Register 按会话、用户上限接纳新连接。超限时只拒绝新连接，已有连接不受影响
func (r *Registry) Register(c *WsConn) error {
	c.onClose = r.Remove
	r.mu.Lock()
	if _, ok := r.byConn[c.ConnID]; ok {
		r.mu.Unlock()
		return nil
	}
	if r.conf.MaxPerSession > 0 && len(r.bySession[c.SessionID]) >= r.conf.MaxPerSession {
		r.mu.Unlock()
		r.m.ConnRejected.WithLabelValues("session_cap").Inc()
		return &AdmitError{CloseCode: CloseSessionConnCap, Reason: "too many connections for session"}
	}
	if r.conf.MaxPerUser > 0 && len(r.byUser[c.UserID]) >= r.conf.MaxPerUser {
		r.mu.Unlock()
		r.m.ConnRejected.WithLabelValues("user_cap").Inc()
		return &AdmitError{CloseCode: CloseUserConnCap, Reason: "too many connections for user"}
	}
	first := len(r.byUser[c.UserID]) == 0
	r.byConn[c.ConnID] = c
	index(r.byUser, c.UserID, c)
	index(r.bySession, c.SessionID, c)
	hook := r.onFirst
	r.mu.Unlock()

	r.m.Connections.Inc()
	logger.Debug("[Registry] registered", zap.String("conn", c.ConnID), zap.String("user", c.UserID))
	if first && hook != nil {
		hook(c.UserID)
	}
	return nil
}

// Remove 把连接移出所有索引。只移除同一个对象，重复调用无副作用
func (r *Registry) Remove(c *WsConn) {
	r.mu.Lock()
	if cur, ok := r.byConn[c.ConnID]; !ok || cur != c {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, c.ConnID)
	unindex(r.byUser, c.UserID, c.ConnID)
	unindex(r.bySession, c.SessionID, c.ConnID)
	last := len(r.byUser[c.UserID]) == 0
	hook := r.onLast
	r.mu.Unlock()

	r.m.Connections.Dec()
	if code, _ := c.CloseInfo(); code != 0 {
		r.m.ForcedCloses.WithLabelValues(strconv.Itoa(code)).Inc()
	}
	if last && hook != nil {
		hook(c.UserID)
	}
}

// Sockets 用户在本实例上的活跃连接
func (r *Registry) Sockets(userID string) []*WsConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return liveOf(r.byUser[userID])
}

func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Users 本实例上有连接的用户
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// CloseSession 关闭会话的全部连接，返回关闭数
func (r *Registry) CloseSession(sessionID string, code int, reason string) int {
	r.mu.RLock()
	list := liveOf(r.bySession[sessionID])
	r.mu.RUnlock()
	for _, c := range list {
		c.Close(code, reason)
	}
	return len(list)
}

// CloseUser 关闭用户的全部连接，返回关闭数
func (r *Registry) CloseUser(userID string, code int, reason string) int {
	list := r.Sockets(userID)
	for _, c := range list {
		c.Close(code, reason)
	}
	return len(list)
}

// Touch 刷新心跳
func (r *Registry) Touch(c *WsConn) { c.touch(r.conf.Clock()) }

// Close 以 1001 关闭全部连接并停止清理
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.mu.RLock()
	all := make([]*WsConn, 0, len(r.byConn))
	for _, c := range r.byConn {
		all = append(all, c)
	}
	r.mu.RUnlock()
	for _, c := range all {
		c.Close(CloseServerShutdown, "server shutdown")
	}
}

func (r *Registry) sweeper() {
	t := time.NewTicker(r.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			r.sweepOnce(r.conf.Clock())
		}
	}
}

// sweepOnce 关闭超过 IdleTimeout 没有心跳的连接
func (r *Registry) sweepOnce(now time.Time) int {
	r.mu.RLock()
	var idle []*WsConn
	for _, c := range r.byConn {
		if now.Sub(c.LastSeen()) > r.conf.IdleTimeout {
			idle = append(idle, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range idle {
		logger.Info("[Registry] idle timeout", zap.String("conn", c.ConnID), zap.String("user", c.UserID))
		c.Close(CloseIdleTimeout, "idle timeout")
	}
	return len(idle)
}

func index(m map[string]map[string]*WsConn, key string, c *WsConn) {
	mm := m[key]
	if mm == nil {
		mm = make(map[string]*WsConn)
		m[key] = mm
	}
	mm[c.ConnID] = c
}

func unindex(m map[string]map[string]*WsConn, key, connID string) {
	if mm := m[key]; mm != nil {
		delete(mm, connID)
		if len(mm) == 0 {
			delete(m, key)
		}
	}
}

func liveOf(mm map[string]*WsConn) []*WsConn {
	if len(mm) == 0 {
		return nil
	}
	out := make([]*WsConn, 0, len(mm))
	for _, c := range mm {
		if c.Alive() {
			out = append(out, c)
		}
	}
	return out
}
