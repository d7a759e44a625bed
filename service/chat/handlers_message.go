package chat

import (
	"context"
	"time"

	"ppchat/logger"
	"ppchat/module/message/model"
	"ppchat/tools/errs"
	"ppchat/tools/safe"

	"go.uber.org/zap"
)

// routes 帧类型 -> 处理函数；第二个参数表示是否计入限流
func (s *Server) routes() {
	d := s.disp
	d.Register(TypeMessageSend, true, s.onMessageSend)
	d.Register(TypeRoomMessage, true, s.onRoomMessage)
	d.Register(TypeDeliveredConfirm, false, s.onDelivered)
	d.Register(TypeMessageRead, false, s.onRead)
	d.Register(TypeMessageEdit, true, s.onEdit)
	d.Register(TypeMessageDelete, true, s.onDelete)
	d.Register(TypeTypingStart, true, s.onTyping(true))
	d.Register(TypeTypingStop, true, s.onTyping(false))
	d.Register(TypePresencePing, false, s.onPresencePing)
	d.Register(TypeRoomCreate, true, s.onRoomCreate)
	d.Register(TypeRoomUpdateMeta, true, s.onRoomUpdateMeta)
	d.Register(TypeRoomAddMembers, true, s.onRoomAddMembers)
	d.Register(TypeRoomRemoveMember, true, s.onRoomRemoveMember)
	d.Register(TypeRoomSetRole, true, s.onRoomSetRole)
	d.Register(TypeRoomLeave, true, s.onRoomLeave)
	d.Register(TypeRoomDelete, true, s.onRoomDelete)
	d.Register(TypeResume, false, s.onResume)
	d.Register(TypeHistoryFetch, false, s.onHistory)
}

// onMessageSend 单聊
func (s *Server) onMessageSend(ctx context.Context, c *WsConn, f *Frame) error {
	p, err := payloadOf[SendPayload](f)
	if err != nil {
		return err
	}
	if p.RecipientID == "" {
		return errs.ErrInvalidPayload.WrapMsg("recipientId is required; use ROOM_MESSAGE for rooms")
	}
	return s.send(ctx, c, f.ReqID, p)
}

func (s *Server) onRoomMessage(ctx context.Context, c *WsConn, f *Frame) error {
	p, err := payloadOf[SendPayload](f)
	if err != nil {
		return err
	}
	if p.RoomID == "" {
		return errs.ErrInvalidPayload.WrapMsg("roomId is required")
	}
	return s.send(ctx, c, f.ReqID, p)
}

func (s *Server) send(ctx context.Context, c *WsConn, reqID string, p *SendPayload) error {
	res, err := s.delivery.Send(ctx, SendRequest{
		SenderID:        c.UserID,
		RecipientID:     p.RecipientID,
		RoomID:          p.RoomID,
		RoomMessageID:   p.RoomMessageID,
		ClientMessageID: p.ClientMessageID,
		MessageID:       p.MessageID,
		Content:         p.Content,
		ContentType:     p.ContentType,
	})
	if err != nil {
		return withMessage(err, p.MessageID)
	}
	m := res.Message
	c.Send(EncodeFrame(TypeMessageAck, reqID, AckPayload{
		MessageID:       m.ID,
		ClientMessageID: m.ClientMessageID,
		RoomMessageID:   m.RoomMessageID,
		ChatID:          m.ChatID,
		CreatedAt:       m.CreatedAt,
		State:           m.State,
		Duplicate:       res.Duplicate,
	}), PriorityControl)
	return nil
}

func (s *Server) onDelivered(ctx context.Context, c *WsConn, f *Frame) error {
	return s.receipt(ctx, c, f, model.StateDelivered)
}

func (s *Server) onRead(ctx context.Context, c *WsConn, f *Frame) error {
	return s.receipt(ctx, c, f, model.StateRead)
}

func (s *Server) receipt(ctx context.Context, c *WsConn, f *Frame, next model.State) error {
	p, err := payloadOf[MessageRefPayload](f)
	if err != nil {
		return err
	}
	if !model.ValidID(p.MessageID) {
		return errs.ErrInvalidPayload.WrapMsg("messageId is required")
	}
	err = s.confirm(ctx, c.UserID, p.MessageID, next)
	if errs.ErrInvalidTransition.Is(err) && s.retry.Attempts > 0 {
		// 已读先于送达到达：稍后重试，仍失败再报错
		s.retryReceipt(c, f.ReqID, p.MessageID, next)
		return nil
	}
	return withMessage(err, p.MessageID)
}

func (s *Server) confirm(ctx context.Context, userID, messageID string, next model.State) error {
	var err error
	if next == model.StateRead {
		_, _, err = s.delivery.ConfirmRead(ctx, userID, messageID)
	} else {
		_, _, err = s.delivery.ConfirmDelivered(ctx, userID, messageID)
	}
	return err
}

func (s *Server) retryReceipt(c *WsConn, reqID, messageID string, next model.State) {
	safe.Go("receipt-retry", func() {
		var err error
		for attempt := 1; attempt <= s.retry.Attempts; attempt++ {
			select {
			case <-c.Context().Done():
				return
			case <-time.After(s.retry.delay(attempt)):
			}
			s.m.ReceiptRetries.Inc()
			err = s.confirm(c.Context(), c.UserID, messageID, next)
			if err == nil || !errs.ErrInvalidTransition.Is(err) {
				break
			}
		}
		if err != nil && c.Alive() {
			logger.Debug("[Dispatcher] receipt retry gave up", zap.String("messageId", messageID), zap.Error(err))
			s.disp.reply(c, reqID, withMessage(err, messageID))
		}
	})
}

func (s *Server) onEdit(ctx context.Context, c *WsConn, f *Frame) error {
	p, err := payloadOf[EditPayload](f)
	if err != nil {
		return err
	}
	if !model.ValidID(p.MessageID) {
		return errs.ErrInvalidPayload.WrapMsg("messageId is required")
	}
	_, err = s.delivery.Edit(ctx, c.UserID, p.MessageID, p.Content)
	return withMessage(err, p.MessageID)
}

func (s *Server) onDelete(ctx context.Context, c *WsConn, f *Frame) error {
	p, err := payloadOf[MessageRefPayload](f)
	if err != nil {
		return err
	}
	if !model.ValidID(p.MessageID) {
		return errs.ErrInvalidPayload.WrapMsg("messageId is required")
	}
	_, err = s.delivery.Delete(ctx, c.UserID, p.MessageID)
	return withMessage(err, p.MessageID)
}

func (s *Server) onTyping(start bool) HandlerFunc {
	return func(ctx context.Context, c *WsConn, f *Frame) error {
		p, err := payloadOf[TypingPayload](f)
		if err != nil {
			return err
		}
		return s.delivery.Typing(ctx, c.UserID, *p, start)
	}
}
