package chat

import (
	"context"
	"strings"

	"ppchat/logger"
	"ppchat/module/message/model"
	"ppchat/module/message/store"
	"ppchat/module/room"
	"ppchat/service/metrics"
	"ppchat/tools/errs"

	"go.uber.org/zap"
)

// Replay 断线重连后的补发
type Replay struct {
	store       store.Store
	rooms       *room.Service
	m           *metrics.Metrics
	maxMessages int
}

func NewReplay(st store.Store, rooms *room.Service, m *metrics.Metrics, maxMessages int) *Replay {
	if m == nil {
		m = metrics.Nop()
	}
	if maxMessages <= 0 {
		maxMessages = 500
	}
	return &Replay{store: st, rooms: rooms, m: m, maxMessages: maxMessages}
}

// ResumeResult 一次补发的统计
type ResumeResult struct {
	Messages  []*model.Message
	Truncated bool
	Unread    map[string]int
}

// Window 计算补发窗口。lastSeen 为空时取未确认送达的消息
func (r *Replay) Window(ctx context.Context, userID, lastSeen string, limit int) (*ResumeResult, error) {
	if limit <= 0 || limit > r.maxMessages {
		limit = r.maxMessages
	}
	var (
		list []*model.Message
		err  error
	)
	if lastSeen == "" {
		list, err = r.store.GetUndelivered(ctx, userID, model.Position{}, limit+1)
	} else {
		var anchor *model.Message
		anchor, err = r.store.FindByID(ctx, lastSeen)
		if errs.ErrNotFound.Is(err) {
			return nil, errs.ErrInvalidLastMessage.WrapMsg("", "lastSeenMessageId", lastSeen)
		}
		if err != nil {
			return nil, err
		}
		var rooms []string
		if rooms, err = r.roomIDs(ctx, userID); err != nil {
			return nil, err
		}
		if !participates(anchor, userID, rooms) {
			return nil, errs.ErrInvalidLastMessage.WrapMsg("not a participant", "lastSeenMessageId", lastSeen)
		}
		list, err = r.store.After(ctx, store.ReplayQuery{UserID: userID, RoomIDs: rooms, After: anchor.Position(), Limit: limit + 1})
	}
	if err != nil {
		return nil, err
	}
	res := &ResumeResult{Messages: list}
	if len(list) > limit {
		res.Messages = list[:limit]
		res.Truncated = true
	}
	return res, nil
}

// Resume RESYNC_START，按 (createdAt, id) 升序逐条 MESSAGE_REPLAY，最后 RESYNC_COMPLETE。
// 回放窗口可能大于发送队列，逐帧等写协程消化，不按溢出处理
func (r *Replay) Resume(ctx context.Context, c *WsConn, reqID string, p ResumePayload) error {
	res, err := r.Window(ctx, c.UserID, p.LastSeenMessageID, p.Limit)
	if err != nil {
		return err
	}
	c.SendWait(EncodeFrame(TypeResyncStart, reqID, ResyncStartPayload{LastSeenMessageID: p.LastSeenMessageID}), PriorityControl)

	cursors := make(map[string]model.Position)
	for _, m := range res.Messages {
		if c.SendWait(EncodeFrame(TypeMessageReplay, reqID, m), PriorityMessage) == PushClosed {
			return nil
		}
		r.m.ReplayedFrames.Inc()
		if m.IsRecipient(c.UserID) {
			cursors[m.ChatID] = m.Position()
		}
	}
	for chatID, pos := range cursors {
		if _, _, err := r.store.AdvanceCursor(ctx, chatID, c.UserID, store.CursorDelivered, pos); err != nil {
			logger.Warn("[Replay] advance cursor failed", zap.String("chat", chatID), zap.Error(err))
		}
	}

	unread, err := r.store.UnreadCounts(ctx, c.UserID)
	if err != nil {
		logger.Warn("[Replay] unread counts failed", zap.String("user", c.UserID), zap.Error(err))
		unread = map[string]int{}
	}
	done := ResyncCompletePayload{Count: len(res.Messages), Truncated: res.Truncated, Unread: unread}
	if n := len(res.Messages); n > 0 {
		done.LastMessageID = res.Messages[n-1].ID
	}
	c.SendWait(EncodeFrame(TypeResyncComplete, reqID, done), PriorityControl)
	return nil
}

// History HISTORY_FETCH：beforeId 之前最近的 limit 条；带 query 时为会话内检索
func (r *Replay) History(ctx context.Context, userID string, p HistoryPayload, maxLimit int) (*HistoryResultPayload, error) {
	roomID, users, ok := model.ParseChatID(p.ChatID)
	if !ok {
		return nil, errs.ErrInvalidPayload.WrapMsg("invalid chatId", "chatId", p.ChatID)
	}
	if roomID != "" {
		rm, err := r.rooms.Get(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if !rm.IsMember(userID) {
			return nil, errs.ErrForbidden.WrapMsg("not a room member", "room", roomID)
		}
	} else if users[0] != userID && users[1] != userID {
		return nil, errs.ErrForbidden.WrapMsg("not a participant", "chatId", p.ChatID)
	}
	limit := p.Limit
	if maxLimit > 0 && (limit <= 0 || limit > maxLimit) {
		limit = maxLimit
	}
	if limit <= 0 {
		limit = 50
	}
	var (
		list []*model.Message
		err  error
	)
	if q := strings.TrimSpace(p.Query); q != "" {
		list, err = r.store.Search(ctx, store.SearchQuery{ChatIDs: []string{p.ChatID}, Text: q, Limit: limit + 1})
	} else {
		list, err = r.store.GetHistory(ctx, p.ChatID, store.HistoryQuery{Limit: limit + 1, BeforeID: p.BeforeID})
	}
	if err != nil {
		return nil, err
	}
	out := &HistoryResultPayload{ChatID: p.ChatID, Query: strings.TrimSpace(p.Query), Messages: list}
	if len(list) > limit {
		out.Messages = list[1:]
		out.HasMore = true
	}
	if out.Messages == nil {
		out.Messages = []*model.Message{}
	}
	return out, nil
}

func (r *Replay) roomIDs(ctx context.Context, userID string) ([]string, error) {
	if r.rooms == nil {
		return nil, nil
	}
	list, err := r.rooms.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list))
	for _, rm := range list {
		out = append(out, rm.ID)
	}
	return out, nil
}

func participates(m *model.Message, userID string, rooms []string) bool {
	if m.IsRoom() {
		for _, id := range rooms {
			if id == m.RoomID {
				return true
			}
		}
		return false
	}
	return m.SenderID == userID || m.RecipientID == userID
}
