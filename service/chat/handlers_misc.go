package chat

import (
	"context"
	"time"

	"ppchat/module/message/model"
	"ppchat/tools/errs"
)

const maxPresenceQuery = 100

// onPresencePing 续期心跳；带 userIds 时逐个回 PRESENCE_UPDATE
func (s *Server) onPresencePing(ctx context.Context, c *WsConn, f *Frame) error {
	p, err := payloadOf[PresencePingPayload](f)
	if err != nil {
		return err
	}
	if len(p.UserIDs) > maxPresenceQuery {
		return errs.ErrInvalidPayload.WrapMsg("too many userIds", "max", maxPresenceQuery)
	}
	s.reg.Touch(c)
	s.presence.Heartbeat(ctx, c.UserID)
	now := time.Now().UnixMilli()
	for _, u := range p.UserIDs {
		if !model.ValidID(u) {
			continue
		}
		c.Send(EncodeFrame(TypePresenceUpdate, f.ReqID, PresencePayload{
			UserID: u,
			Status: s.presence.Status(ctx, u),
			At:     now,
		}), PriorityEphemeral)
	}
	return nil
}

func (s *Server) onResume(ctx context.Context, c *WsConn, f *Frame) error {
	p, err := payloadOf[ResumePayload](f)
	if err != nil {
		return err
	}
	if p.Limit < 0 {
		return errs.ErrInvalidPayload.WrapMsg("limit must not be negative")
	}
	return s.replay.Resume(ctx, c, f.ReqID, *p)
}

func (s *Server) onHistory(ctx context.Context, c *WsConn, f *Frame) error {
	p, err := payloadOf[HistoryPayload](f)
	if err != nil {
		return err
	}
	if p.Limit < 0 {
		return errs.ErrInvalidPayload.WrapMsg("limit must not be negative")
	}
	res, err := s.replay.History(ctx, c.UserID, *p, s.opts.Limits.HistoryMaxLimit)
	if err != nil {
		return err
	}
	c.Send(EncodeFrame(TypeHistoryResult, f.ReqID, res), PriorityMessage)
	return nil
}
