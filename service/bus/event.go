package bus

import (
	"encoding/json"

	"ppchat/tools/errs"
)

// 总线频道
const (
	ChannelMessage = "chat.message"
	ChannelKick    = "admin.kick"
)

// chat.message 上的事件种类
const (
	KindMessage  = "message"  // 新消息，带 MESSAGE_RECEIVE 帧
	KindStatus   = "status"   // 状态回执，发给发送方
	KindEdited   = "edited"   // 编辑
	KindDeleted  = "deleted"  // 撤回
	KindTyping   = "typing"   // 输入中
	KindPresence = "presence" // 在线状态
	KindRoom     = "room"     // 房间变更
)

// admin.kick 上的事件种类
const (
	KickBan           = "ban"
	KickRevokeSession = "revoke_session"
	KickRevokeAll     = "revoke_all"
)

var chatKinds = map[string]struct{}{
	KindMessage: {}, KindStatus: {}, KindEdited: {}, KindDeleted: {},
	KindTyping: {}, KindPresence: {}, KindRoom: {},
}

// Event 总线事件。chat 事件携带接收人和已经编码好的下行帧，
// 远端实例只需按 Recipients 推给本地连接。
type Event struct {
	EventID    string          `json:"eventId"`
	Origin     string          `json:"originInstanceId"`
	Channel    string          `json:"channel"`
	Kind       string          `json:"kind"`
	MessageID  string          `json:"messageId,omitempty"`
	State      string          `json:"state,omitempty"` // 状态或修订标记，参与去重
	Recipients []string        `json:"recipients,omitempty"`
	Frame      json.RawMessage `json:"frame,omitempty"`
	UserID     string          `json:"userId,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Ts         int64           `json:"ts"`
}

// DedupKey kind|messageId|state；没有 messageId 时退化为 eventId
func (e *Event) DedupKey() string {
	if e.MessageID == "" {
		return e.Channel + "|" + e.EventID
	}
	return e.Kind + "|" + e.MessageID + "|" + e.State
}

// Validate 发布前和分发前都会调用
func (e *Event) Validate() error {
	if e.EventID == "" || e.Origin == "" || e.Kind == "" {
		return errs.ErrInvalidPayload.WrapMsg("bus event missing eventId/origin/kind")
	}
	switch e.Channel {
	case ChannelMessage:
		if _, ok := chatKinds[e.Kind]; !ok {
			return errs.ErrInvalidPayload.WrapMsg("unknown chat event kind", "kind", e.Kind)
		}
		if len(e.Recipients) == 0 {
			return errs.ErrInvalidPayload.WrapMsg("chat event without recipients", "kind", e.Kind)
		}
		if len(e.Frame) == 0 || !json.Valid(e.Frame) {
			return errs.ErrInvalidPayload.WrapMsg("chat event without frame", "kind", e.Kind)
		}
	case ChannelKick:
		switch e.Kind {
		case KickBan, KickRevokeAll:
			if e.UserID == "" {
				return errs.ErrInvalidPayload.WrapMsg("kick event without userId", "kind", e.Kind)
			}
		case KickRevokeSession:
			if e.SessionID == "" {
				return errs.ErrInvalidPayload.WrapMsg("kick event without sessionId")
			}
		default:
			return errs.ErrInvalidPayload.WrapMsg("unknown kick kind", "kind", e.Kind)
		}
	default:
		return errs.ErrInvalidPayload.WrapMsg("unknown channel", "channel", e.Channel)
	}
	return nil
}
