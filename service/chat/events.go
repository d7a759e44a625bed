package chat

import (
	"context"
	"time"

	"ppchat/logger"
	"ppchat/service/bus"
	"ppchat/tools/errs"

	"go.uber.org/zap"
)

// ControlKind 管理动作
type ControlKind string

const (
	ControlBan           ControlKind = bus.KickBan
	ControlRevokeSession ControlKind = bus.KickRevokeSession
	ControlRevokeAll     ControlKind = bus.KickRevokeAll
)

// ControlEvent 外部（HTTP 管理接口）投递给实时核心的事件
type ControlEvent struct {
	Kind      ControlKind
	UserID    string
	SessionID string
	Reason    string
}

func (e ControlEvent) validate() error {
	switch e.Kind {
	case ControlBan, ControlRevokeAll:
		if e.UserID == "" {
			return errs.ErrInvalidPayload.WrapMsg("userId is required", "kind", e.Kind)
		}
	case ControlRevokeSession:
		if e.SessionID == "" {
			return errs.ErrInvalidPayload.WrapMsg("sessionId is required", "kind", e.Kind)
		}
	default:
		return errs.ErrInvalidPayload.WrapMsg("unknown control event", "kind", e.Kind)
	}
	return nil
}

// Submit 非阻塞投递；队列满返回 CAPACITY_EXCEEDED
func (s *Server) Submit(ev ControlEvent) error {
	if err := ev.validate(); err != nil {
		return err
	}
	select {
	case <-s.ctx.Done():
		return errs.ErrCapacityExceeded.WrapMsg("server shutting down")
	case s.events <- ev:
		return nil
	default:
		return errs.ErrCapacityExceeded.WrapMsg("control event queue full")
	}
}

func (s *Server) eventLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			s.applyControl(ctx, ev)
			s.broadcastControl(ctx, ev)
			cancel()
		}
	}
}

// applyControl 持久化吊销（有会话存储时）并关闭本地连接
func (s *Server) applyControl(ctx context.Context, ev ControlEvent) int {
	if st := s.deps.Sessions; st != nil {
		var err error
		switch ev.Kind {
		case ControlRevokeSession:
			err = st.Revoke(ctx, ev.SessionID)
		case ControlBan, ControlRevokeAll:
			_, err = st.RevokeAllForUser(ctx, ev.UserID)
		}
		if err != nil && !errs.ErrNotFound.Is(err) {
			logger.Error("[Control] persist revocation failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
		}
	}
	return s.closeLocal(ev)
}

func (s *Server) closeLocal(ev ControlEvent) int {
	var n int
	switch ev.Kind {
	case ControlBan:
		n = s.reg.CloseUser(ev.UserID, CloseBanned, "banned")
	case ControlRevokeAll:
		n = s.reg.CloseUser(ev.UserID, CloseSessionRevoked, "session revoked")
	case ControlRevokeSession:
		n = s.reg.CloseSession(ev.SessionID, CloseSessionRevoked, "session revoked")
	}
	logger.Info("[Control] applied", zap.String("kind", string(ev.Kind)), zap.String("user", ev.UserID),
		zap.String("session", ev.SessionID), zap.Int("closed", n))
	return n
}

func (s *Server) broadcastControl(ctx context.Context, ev ControlEvent) {
	err := s.fan.Kick(ctx, &bus.Event{
		Kind:      string(ev.Kind),
		UserID:    ev.UserID,
		SessionID: ev.SessionID,
		Reason:    ev.Reason,
	})
	if err != nil {
		logger.Warn("[Control] kick broadcast failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// onKick 其他实例发来的踢人事件：吊销已由发起方持久化，这里只关本地连接
func (s *Server) onKick(_ context.Context, ev *bus.Event) {
	s.closeLocal(ControlEvent{
		Kind:      ControlKind(ev.Kind),
		UserID:    ev.UserID,
		SessionID: ev.SessionID,
		Reason:    ev.Reason,
	})
}
