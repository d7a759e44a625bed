package chat

import (
	"context"

	"ppchat/module/room"
	"ppchat/service/bus"
	"ppchat/tools/errs"
)

var roomFrameTypes = map[room.Action]string{
	room.ActionCreated:        TypeRoomCreated,
	room.ActionMetaUpdated:    TypeRoomMetaUpdated,
	room.ActionMembersUpdated: TypeRoomMembers,
	room.ActionRoleUpdated:    TypeRoomRoleUpdated,
	room.ActionDeleted:        TypeRoomDeleted,
}

func (s *Server) onRoomCreate(ctx context.Context, c *WsConn, f *Frame) error {
	p, err := payloadOf[RoomCreatePayload](f)
	if err != nil {
		return err
	}
	res, err := s.deps.Rooms.Create(ctx, c.UserID, p.Name, p.ThumbnailURL, p.Members)
	return s.roomResult(ctx, c, f.ReqID, res, err)
}

func (s *Server) onRoomUpdateMeta(ctx context.Context, c *WsConn, f *Frame) error {
	p, err := payloadOf[RoomMetaPayload](f)
	if err != nil {
		return err
	}
	if p.Name == nil && p.ThumbnailURL == nil {
		return errs.ErrInvalidPayload.WrapMsg("nothing to update")
	}
	res, err := s.deps.Rooms.UpdateMeta(ctx, c.UserID, p.RoomID, p.Name, p.ThumbnailURL, p.ExpectedVersion)
	return s.roomResult(ctx, c, f.ReqID, res, err)
}

func (s *Server) onRoomAddMembers(ctx context.Context, c *WsConn, f *Frame) error {
	p, err := payloadOf[RoomMembersPayload](f)
	if err != nil {
		return err
	}
	res, err := s.deps.Rooms.AddMembers(ctx, c.UserID, p.RoomID, p.Members, p.ExpectedVersion)
	return s.roomResult(ctx, c, f.ReqID, res, err)
}

func (s *Server) onRoomRemoveMember(ctx context.Context, c *WsConn, f *Frame) error {
	p, err := payloadOf[RoomMemberPayload](f)
	if err != nil {
		return err
	}
	res, err := s.deps.Rooms.RemoveMember(ctx, c.UserID, p.RoomID, p.UserID, p.ExpectedVersion)
	return s.roomResult(ctx, c, f.ReqID, res, err)
}

func (s *Server) onRoomSetRole(ctx context.Context, c *WsConn, f *Frame) error {
	p, err := payloadOf[RoomMemberPayload](f)
	if err != nil {
		return err
	}
	res, err := s.deps.Rooms.SetRole(ctx, c.UserID, p.RoomID, p.UserID, room.Role(p.Role), p.ExpectedVersion)
	return s.roomResult(ctx, c, f.ReqID, res, err)
}

func (s *Server) onRoomLeave(ctx context.Context, c *WsConn, f *Frame) error {
	p, err := payloadOf[RoomRefPayload](f)
	if err != nil {
		return err
	}
	res, err := s.deps.Rooms.Leave(ctx, c.UserID, p.RoomID)
	return s.roomResult(ctx, c, f.ReqID, res, err)
}

func (s *Server) onRoomDelete(ctx context.Context, c *WsConn, f *Frame) error {
	p, err := payloadOf[RoomRefPayload](f)
	if err != nil {
		return err
	}
	res, err := s.deps.Rooms.Delete(ctx, c.UserID, p.RoomID, p.ExpectedVersion)
	return s.roomResult(ctx, c, f.ReqID, res, err)
}

// roomResult 成功时通知全体成员（含被移出的人），版本冲突时带回当前快照
func (s *Server) roomResult(ctx context.Context, c *WsConn, reqID string, res *room.Result, err error) error {
	if err != nil {
		if errs.ErrVersionConflict.Is(err) && res != nil {
			return withRoom(err, res.Room)
		}
		return err
	}
	typ := roomFrameTypes[res.Action]
	payload := RoomEventPayload{Room: res.Room, Added: res.Added, Removed: res.Removed, ActorID: c.UserID}
	recipients := append(append([]string(nil), res.Room.Members...), res.Removed...)
	// 发起连接收到带 reqId 的那一帧，其余连接走扇出
	c.Send(EncodeFrame(typ, reqID, payload), PriorityControl)
	s.fan.DeliverExcept(ctx, &bus.Event{Kind: bus.KindRoom, Recipients: recipients, Frame: EncodeFrame(typ, "", payload)}, PriorityMessage, c)
	return nil
}
