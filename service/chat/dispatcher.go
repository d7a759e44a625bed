package chat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"ppchat/logger"
	"ppchat/module/room"
	"ppchat/service/metrics"
	"ppchat/tools/decode"
	"ppchat/tools/errs"

	"go.uber.org/zap"
)

// HandlerFunc 一种帧类型的处理函数。返回的错误由 Dispatcher 转成 MESSAGE_ERROR
type HandlerFunc func(ctx context.Context, c *WsConn, f *Frame) error

type route struct {
	handle  HandlerFunc
	limited bool // 计入限流
}

// replyError 给 MESSAGE_ERROR 附带 messageId 或房间快照
type replyError struct {
	error
	messageID string
	room      *room.Room
}

func (e *replyError) Unwrap() error { return e.error }

func withMessage(err error, messageID string) error {
	if err == nil {
		return nil
	}
	return &replyError{error: err, messageID: messageID}
}

func withRoom(err error, r *room.Room) error {
	if err == nil {
		return nil
	}
	return &replyError{error: err, room: r}
}

// Dispatcher 帧类型 -> 处理函数。读协程内顺序调用
type Dispatcher struct {
	routes map[string]route
	m      *metrics.Metrics
}

func NewDispatcher(m *metrics.Metrics) *Dispatcher {
	if m == nil {
		m = metrics.Nop()
	}
	return &Dispatcher{routes: make(map[string]route), m: m}
}

func (d *Dispatcher) Register(typ string, limited bool, h HandlerFunc) {
	d.routes[typ] = route{handle: h, limited: limited}
}

// Dispatch 处理一帧。坏帧只回错误，不断开连接
func (d *Dispatcher) Dispatch(ctx context.Context, c *WsConn, raw []byte) {
	f, err := ParseFrame(raw)
	if err != nil {
		d.m.FramesIn.WithLabelValues("invalid").Inc()
		d.reply(c, "", err)
		return
	}
	r, ok := d.routes[f.Type]
	if !ok {
		d.m.FramesIn.WithLabelValues("unknown").Inc()
		d.reply(c, f.ReqID, errs.ErrUnknownType.WrapMsg("", "type", f.Type))
		return
	}
	d.m.FramesIn.WithLabelValues(f.Type).Inc()

	if r.limited && !d.admit(c, f) {
		return
	}
	if err := d.invoke(ctx, r.handle, c, f); err != nil {
		d.reply(c, f.ReqID, err)
	}
}

// admit 限流判定，返回 false 表示这一帧不再处理
func (d *Dispatcher) admit(c *WsConn, f *Frame) bool {
	g := c.Governor()
	if g == nil {
		return true
	}
	switch g.Admit() {
	case Allow:
		return true
	case AllowWarn:
		limit, window := g.Limit()
		c.Send(EncodeFrame(TypeRateLimitWarning, f.ReqID, RateWarningPayload{
			Used: g.Used(), Limit: limit, WindowMs: window.Milliseconds(),
		}), PriorityControl)
		return true
	case Reject:
		d.m.RateViolations.WithLabelValues("reject").Inc()
		d.reply(c, f.ReqID, errs.ErrRateLimited.WrapMsg("", "type", f.Type))
	case Throttle:
		d.m.RateViolations.WithLabelValues("throttle").Inc()
	case CloseConn:
		d.m.RateViolations.WithLabelValues("close").Inc()
		logger.Warn("[Dispatcher] rate limit abuse, closing", zap.String("conn", c.ConnID), zap.String("user", c.UserID))
		c.Close(CloseRateLimitAbuse, "rate limit abuse")
	}
	return false
}

func (d *Dispatcher) invoke(ctx context.Context, h HandlerFunc, c *WsConn, f *Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.ErrPanic(r)
		}
	}()
	return h(ctx, c, f)
}

func (d *Dispatcher) reply(c *WsConn, reqID string, err error) {
	p := errorPayloadOf(err)
	if p.Code == errs.ErrInternal.Reason {
		logger.Error("[Dispatcher] handler failed", zap.String("conn", c.ConnID), zap.String("reqId", reqID), zap.Error(err))
	} else {
		logger.Debug("[Dispatcher] frame rejected", zap.String("conn", c.ConnID), zap.String("code", p.Code), zap.Error(err))
	}
	var re *replyError
	if errors.As(err, &re) {
		p.MessageID = re.messageID
		p.Room = re.room
	}
	d.m.FrameErrors.WithLabelValues(p.Code).Inc()
	c.Send(EncodeFrame(TypeMessageError, reqID, p), PriorityControl)
}

// payloadOf 严格解码：未知字段报 INVALID_PAYLOAD
func payloadOf[T any](f *Frame) (*T, error) {
	v, err := decode.DecodeRaw[T](json.RawMessage(f.Payload))
	if err != nil {
		return nil, errs.ErrInvalidPayload.WrapMsg(err.Error(), "type", f.Type)
	}
	return v, nil
}

// RetryPolicy INVALID_TRANSITION 回执的异步重试
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Base << (attempt - 1)
	if p.Max > 0 && (d > p.Max || d <= 0) {
		d = p.Max
	}
	return d
}
