package chat

import (
	"context"
	"net/http"
	"sync"
	"time"

	"ppchat/global/config"
	"ppchat/logger"
	"ppchat/module/message/store"
	"ppchat/module/room"
	"ppchat/module/user/session"
	"ppchat/service/auth"
	"ppchat/service/bus"
	"ppchat/service/metrics"
	"ppchat/service/storage"
	"ppchat/tools/errs"
	"ppchat/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Options struct {
	InstanceID     string
	NodeID         int64
	Limits         config.Limits
	Rate           config.Rate
	Backpressure   config.Backpressure
	AllowedOrigins []string // 空表示不校验 Origin
}

// Deps 外部协作者。Bus/Directory/Archive/Sessions 可为 nil
type Deps struct {
	Store     store.Store
	Rooms     *room.Service
	Verifier  auth.Verifier
	Bus       *bus.Bus
	Directory storage.Directory
	Archive   Archiver
	Sessions  session.Store
	Metrics   *metrics.Metrics
}

// Server 实时核心：连接生命周期 + 帧分发
type Server struct {
	opts Options
	deps Deps
	m    *metrics.Metrics

	reg      *Registry
	fan      *Fanout
	presence *Presence
	delivery *Delivery
	replay   *Replay
	disp     *Dispatcher
	retry    RetryPolicy

	upgrader websocket.Upgrader
	events   chan ControlEvent

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
	once   sync.Once
}

func NewServer(o Options, d Deps) *Server {
	safe.MustNotNil(d.Store, "store")
	safe.MustNotNil(d.Rooms, "rooms")
	safe.MustNotNil(d.Verifier, "verifier")
	if d.Metrics == nil {
		d.Metrics = metrics.Nop()
	}
	if o.InstanceID == "" && d.Bus != nil {
		o.InstanceID = d.Bus.InstanceID()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:   o,
		deps:   d,
		m:      d.Metrics,
		events: make(chan ControlEvent, 64),
		ctx:    ctx,
		cancel: cancel,
		retry: RetryPolicy{
			Attempts: o.Limits.ReceiptRetries,
			Base:     o.Limits.ReceiptRetryBase,
			Max:      5 * time.Second,
		},
	}
	s.reg = NewRegistry(RegistryConf{
		MaxPerUser:    o.Limits.MaxConnsPerUser,
		MaxPerSession: o.Limits.MaxConnsPerSession,
		MaxPerIP:      o.Limits.MaxConnsPerIP,
		IdleTimeout:   o.Limits.IdleTimeout,
	}, s.m)
	s.fan = NewFanout(s.reg, d.Bus, d.Directory, s.m)
	s.presence = NewPresence(o.InstanceID, d.Directory, d.Rooms, s.reg, s.fan, o.Limits.PresenceGrace)
	s.delivery = NewDelivery(d.Store, d.Rooms, s.fan, d.Archive, s.m, DeliveryOptions{
		MaxContentLength: o.Limits.MaxContentLength,
		NodeID:           o.NodeID,
	})
	s.replay = NewReplay(d.Store, d.Rooms, s.m, o.Limits.ResumeMaxMessages)
	s.disp = NewDispatcher(s.m)
	s.routes()

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Origin 由路由上的 middleware.Origin 校验
		CheckOrigin: func(*http.Request) bool { return true },
	}
	if d.Bus != nil {
		d.Bus.Handle(bus.ChannelMessage, s.fan.fromBus)
		d.Bus.Handle(bus.ChannelKick, s.onKick)
	}
	safe.Go("control-events", s.eventLoop)
	return s
}

func (s *Server) Registry() *Registry     { return s.reg }
func (s *Server) Delivery() *Delivery     { return s.delivery }
func (s *Server) Presence() *Presence     { return s.presence }
func (s *Server) InstanceID() string      { return s.opts.InstanceID }
func (s *Server) Dispatcher() *Dispatcher { return s.disp }

// HandleWS GET /ws。IP 超限在升级前回 429；令牌问题升级后以 4001/4002 关闭
func (s *Server) HandleWS(c *gin.Context) {
	ip := c.ClientIP()
	if !s.reg.AcquireIP(ip) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"code": errs.ErrCapacityExceeded.Reason, "message": "too many connections from this address"})
		return
	}
	defer s.reg.ReleaseIP(ip)

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Info("[WS] upgrade failed", zap.String("ip", ip), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	id, err := s.deps.Verifier.VerifyAccessToken(ctx, auth.TokenFromRequest(c.Request))
	cancel()
	if err != nil {
		code := CloseAuthFailed
		if errs.ErrSessionRevoked.Is(err) {
			code = CloseSessionRevoked
		}
		s.m.ConnRejected.WithLabelValues("auth").Inc()
		logger.Info("[WS] auth failed", zap.String("ip", ip), zap.Int("code", code), zap.Error(err))
		rejectSocket(ws, code, errorPayloadOf(err).Code)
		return
	}
	s.serve(ws, id, ip)
}

func rejectSocket(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeWriteGrace))
	_ = ws.Close()
}

// serve 接管已鉴权的 socket，直到连接结束
func (s *Server) serve(ws *websocket.Conn, id auth.Identity, ip string) {
	s.conns.Add(1)
	defer s.conns.Done()

	bp := s.opts.Backpressure
	c := newWsConn(ws, connOptions{
		connID:    uuid.NewString(),
		userID:    id.UserID,
		sessionID: id.SessionID,
		role:      id.Role,
		ip:        ip,
		out:       NewOutbound(bp.MaxQueueDepth, bp.MaxBufferedBytes, bp.MaxConsecutiveOverflows),
		gov:       NewGovernor(s.opts.Rate, nil),
		writeWait: s.opts.Limits.WriteTimeout,
		now:       time.Now(),
	})
	safe.Go("ws-writer", c.writeLoop)

	if s.ctx.Err() != nil {
		c.Close(CloseServerShutdown, "server shutdown")
		<-c.Done()
		return
	}
	if err := s.reg.Register(c); err != nil {
		code, reason := CloseUserConnCap, err.Error()
		if ae, ok := err.(*AdmitError); ok {
			code, reason = ae.CloseCode, ae.Reason
		}
		logger.Info("[WS] connection refused", zap.String("user", c.UserID), zap.String("session", c.SessionID), zap.Int("code", code))
		c.Close(code, reason)
		<-c.Done()
		return
	}
	logger.Info("[WS] connected", zap.String("conn", c.ConnID), zap.String("user", c.UserID), zap.String("session", c.SessionID))

	limit, window := c.Governor().Limit()
	c.Send(EncodeFrame(TypeHelloAck, "", HelloAckPayload{
		ConnID:       c.ConnID,
		UserID:       c.UserID,
		SessionID:    c.SessionID,
		InstanceID:   s.opts.InstanceID,
		ServerTime:   time.Now().UnixMilli(),
		RateMax:      limit,
		RateWindowMs: window.Milliseconds(),
	}), PriorityControl)

	if s.opts.Limits.MaxFrameBytes > 0 {
		ws.SetReadLimit(s.opts.Limits.MaxFrameBytes)
	}
	ws.SetPongHandler(func(string) error {
		s.reg.Touch(c)
		return nil
	})
	if s.opts.Limits.PingInterval > 0 {
		safe.Go("ws-pinger", func() { s.pingLoop(c) })
	}

	s.readLoop(ws, c)

	c.Close(websocket.CloseNormalClosure, "")
	<-c.Done()
	code, reason := c.CloseInfo()
	logger.Info("[WS] disconnected", zap.String("conn", c.ConnID), zap.String("user", c.UserID),
		zap.Int("code", code), zap.String("reason", reason))
}

// readLoop 唯一的读协程：逐帧顺序分发，连接关闭后不再分发
func (s *Server) readLoop(ws *websocket.Conn, c *WsConn) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if c.Alive() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug("[WS] read failed", zap.String("conn", c.ConnID), zap.Error(err))
			}
			return
		}
		if !c.Alive() {
			return
		}
		s.reg.Touch(c)
		if mt != websocket.TextMessage {
			s.disp.reply(c, "", errs.ErrInvalidPayload.WrapMsg("binary frames are not supported"))
			continue
		}
		s.disp.Dispatch(c.Context(), c, data)
	}
}

func (s *Server) pingLoop(c *WsConn) {
	t := time.NewTicker(s.opts.Limits.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.Context().Done():
			return
		case <-t.C:
			if err := c.Ping(); err != nil {
				logger.Debug("[WS] ping failed", zap.String("conn", c.ConnID), zap.Error(err))
			}
		}
	}
}

// Shutdown 以 1001 关闭所有连接并等待读写协程退出
func (s *Server) Shutdown(ctx context.Context) error {
	s.once.Do(func() {
		s.cancel()
		s.reg.Close()
		s.presence.Close()
	})
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errs.WrapMsg(ctx.Err(), "shutdown timed out", "open", s.reg.Count())
	}
}
