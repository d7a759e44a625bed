package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ppchat/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// 关闭码
const (
	CloseAuthFailed      = 4001
	CloseSessionRevoked  = 4002
	CloseSessionConnCap  = 4003
	CloseUserConnCap     = 4004
	CloseRateLimitAbuse  = 4005
	CloseSlowConsumer    = 4006
	CloseBanned          = 4007
	CloseIdleTimeout     = 4008
	CloseServerShutdown  = websocket.CloseGoingAway
	closeWriteGrace      = time.Second
	defaultWriteDeadline = 5 * time.Second
)

// Socket 连接需要的 websocket 能力，*websocket.Conn 直接满足
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// WsConn 一条活跃连接。由 Registry 独占持有
type WsConn struct {
	ConnID    string
	UserID    string
	SessionID string
	Role      string
	IP        string
	CreatedAt time.Time

	sock     Socket
	out      *Outbound
	gov      *Governor
	lastSeen atomic.Int64 // unix ms
	alive    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce   sync.Once
	closeCode   int
	closeReason string
	writerDone  chan struct{}
	writeWait   time.Duration
	onClose     func(c *WsConn)
}

type connOptions struct {
	connID, userID, sessionID, role, ip string
	out                                 *Outbound
	gov                                 *Governor
	writeWait                           time.Duration
	now                                 time.Time
}

func newWsConn(sock Socket, o connOptions) *WsConn {
	ctx, cancel := context.WithCancel(context.Background())
	if o.writeWait <= 0 {
		o.writeWait = defaultWriteDeadline
	}
	c := &WsConn{
		ConnID:     o.connID,
		UserID:     o.userID,
		SessionID:  o.sessionID,
		Role:       o.role,
		IP:         o.ip,
		CreatedAt:  o.now,
		sock:       sock,
		out:        o.out,
		gov:        o.gov,
		ctx:        ctx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
		writeWait:  o.writeWait,
	}
	c.alive.Store(true)
	c.lastSeen.Store(o.now.UnixMilli())
	return c
}

func (c *WsConn) Context() context.Context { return c.ctx }
func (c *WsConn) Alive() bool              { return c.alive.Load() }
func (c *WsConn) Governor() *Governor      { return c.gov }

func (c *WsConn) LastSeen() time.Time { return time.UnixMilli(c.lastSeen.Load()) }

func (c *WsConn) touch(now time.Time) { c.lastSeen.Store(now.UnixMilli()) }

// CloseInfo 关闭码与原因；未关闭时 code=0
func (c *WsConn) CloseInfo() (int, string) {
	if c.Alive() {
		return 0, ""
	}
	return c.closeCode, c.closeReason
}

// Send 非阻塞入队。连续溢出达到上限时以 4006 关闭连接
func (c *WsConn) Send(data []byte, p Priority) PushResult {
	if !c.Alive() {
		return PushClosed
	}
	res := c.out.Push(data, p)
	if res == PushClose {
		c.Close(CloseSlowConsumer, "slow consumer")
	}
	return res
}

// SendWait 队列满时阻塞到写协程腾出空间或连接关闭，不触发慢消费者关闭
func (c *WsConn) SendWait(data []byte, p Priority) PushResult {
	if !c.Alive() {
		return PushClosed
	}
	return c.out.PushWait(c.ctx, data, p)
}

// Close 标记死亡、取消 ctx、通知写协程发关闭帧。幂等
func (c *WsConn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.alive.Store(false)
		c.cancel()
		c.out.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// writeLoop 唯一的写协程：按序发送队列，连接关闭后补发关闭帧并关 socket
func (c *WsConn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.out.Notify():
		case <-c.ctx.Done():
		}
		for _, data := range c.out.Drain() {
			if !c.Alive() {
				break
			}
			_ = c.sock.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("[WS] write failed", zap.String("conn", c.ConnID), zap.Error(err))
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				break
			}
		}
		if !c.Alive() {
			c.finish()
			return
		}
	}
}

func (c *WsConn) finish() {
	if c.closeCode != websocket.CloseAbnormalClosure {
		msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
		_ = c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteGrace))
	}
	_ = c.sock.Close()
}

// Ping 写协程之外发 ping，控制帧允许并发写
func (c *WsConn) Ping() error {
	return c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
}

// Done 写协程退出后关闭
func (c *WsConn) Done() <-chan struct{} { return c.writerDone }
