package chat

import (
	"encoding/json"

	"ppchat/module/message/model"
	"ppchat/module/room"
	"ppchat/tools/errs"
)

// 上行帧类型
const (
	TypeMessageSend      = "MESSAGE_SEND"
	TypeRoomMessage      = "ROOM_MESSAGE"
	TypeDeliveredConfirm = "MESSAGE_DELIVERED_CONFIRM"
	TypeMessageRead      = "MESSAGE_READ"
	TypeMessageEdit      = "MESSAGE_EDIT"
	TypeMessageDelete    = "MESSAGE_DELETE"
	TypeTypingStart      = "TYPING_START"
	TypeTypingStop       = "TYPING_STOP"
	TypePresencePing     = "PRESENCE_PING"
	TypeRoomCreate       = "ROOM_CREATE"
	TypeRoomUpdateMeta   = "ROOM_UPDATE_META"
	TypeRoomAddMembers   = "ROOM_ADD_MEMBERS"
	TypeRoomRemoveMember = "ROOM_REMOVE_MEMBER"
	TypeRoomSetRole      = "ROOM_SET_ROLE"
	TypeRoomLeave        = "ROOM_LEAVE"
	TypeRoomDelete       = "ROOM_DELETE"
	TypeResume           = "RESUME"
	TypeHistoryFetch     = "HISTORY_FETCH"
)

// 下行帧类型
const (
	TypeHelloAck         = "HELLO_ACK"
	TypeMessageReceive   = "MESSAGE_RECEIVE"
	TypeMessageAck       = "MESSAGE_ACK"
	TypeMessageError     = "MESSAGE_ERROR"
	TypeRateLimitWarning = "RATE_LIMIT_WARNING"
	TypeMessageStatus    = "MESSAGE_STATUS"
	TypeMessageEdited    = "MESSAGE_EDITED"
	TypeMessageDeleted   = "MESSAGE_DELETED"
	TypeRoomCreated      = "ROOM_CREATED"
	TypeRoomMetaUpdated  = "ROOM_META_UPDATED"
	TypeRoomMembers      = "ROOM_MEMBERS_UPDATED"
	TypeRoomRoleUpdated  = "ROOM_ROLE_UPDATED"
	TypeRoomDeleted      = "ROOM_DELETED"
	TypePresenceUpdate   = "PRESENCE_UPDATE"
	TypeResyncStart      = "RESYNC_START"
	TypeMessageReplay    = "MESSAGE_REPLAY"
	TypeResyncComplete   = "RESYNC_COMPLETE"
	TypeHistoryResult    = "HISTORY_RESULT"
)

// Frame 上行帧外壳
type Frame struct {
	Type    string          `json:"type"`
	ReqID   string          `json:"reqId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseFrame 只解析外壳，payload 交给各类型自己的结构体
func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.ErrInvalidPayload.WrapMsg("frame is not valid json")
	}
	if f.Type == "" {
		return nil, errs.ErrInvalidPayload.WrapMsg("frame type is required")
	}
	return &f, nil
}

type outFrame struct {
	Type    string `json:"type"`
	ReqID   string `json:"reqId,omitempty"`
	Payload any    `json:"payload"`
}

// EncodeFrame 编码下行帧；payload 都是本包内的结构体，编码失败视为程序错误
func EncodeFrame(typ, reqID string, payload any) []byte {
	b, err := json.Marshal(outFrame{Type: typ, ReqID: reqID, Payload: payload})
	if err != nil {
		b, _ = json.Marshal(outFrame{Type: TypeMessageError, ReqID: reqID, Payload: ErrorPayload{Code: errs.ErrInternal.Reason, Message: "encode failed"}})
	}
	return b
}

// ---- 上行 payload ----

// SendPayload MESSAGE_SEND 与 ROOM_MESSAGE 共用，单聊字段与群字段互斥
type SendPayload struct {
	RecipientID     string `json:"recipientId"`
	RoomID          string `json:"roomId"`
	RoomMessageID   string `json:"roomMessageId"`
	ClientMessageID string `json:"clientMessageId"`
	MessageID       string `json:"messageId"`
	Content         string `json:"content"`
	ContentType     string `json:"contentType"`
}

type MessageRefPayload struct {
	MessageID string `json:"messageId"`
}

type EditPayload struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type TypingPayload struct {
	RecipientID string `json:"recipientId"`
	RoomID      string `json:"roomId"`
}

type PresencePingPayload struct {
	UserIDs []string `json:"userIds"`
}

type RoomCreatePayload struct {
	Name         string   `json:"name"`
	ThumbnailURL string   `json:"thumbnailUrl"`
	Members      []string `json:"members"`
}

type RoomMetaPayload struct {
	RoomID          string  `json:"roomId"`
	Name            *string `json:"name"`
	ThumbnailURL    *string `json:"thumbnailUrl"`
	ExpectedVersion *int64  `json:"expectedVersion"`
}

type RoomMembersPayload struct {
	RoomID          string   `json:"roomId"`
	Members         []string `json:"members"`
	ExpectedVersion *int64   `json:"expectedVersion"`
}

type RoomMemberPayload struct {
	RoomID          string `json:"roomId"`
	UserID          string `json:"userId"`
	Role            string `json:"role"`
	ExpectedVersion *int64 `json:"expectedVersion"`
}

type RoomRefPayload struct {
	RoomID          string `json:"roomId"`
	ExpectedVersion *int64 `json:"expectedVersion"`
}

type ResumePayload struct {
	LastSeenMessageID string `json:"lastSeenMessageId"`
	Limit             int    `json:"limit"`
}

// HistoryPayload query 非空时在该会话内按内容检索，忽略 beforeId
type HistoryPayload struct {
	ChatID   string `json:"chatId"`
	Limit    int    `json:"limit"`
	BeforeID string `json:"beforeId"`
	Query    string `json:"query"`
}

// ---- 下行 payload ----

type HelloAckPayload struct {
	ConnID     string `json:"connId"`
	UserID     string `json:"userId"`
	SessionID  string `json:"sessionId"`
	InstanceID string `json:"instanceId"`
	ServerTime int64  `json:"serverTime"`
	// 客户端据此调节发送节奏
	RateMax      int   `json:"rateMax"`
	RateWindowMs int64 `json:"rateWindowMs"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
	// 版本冲突时带上当前房间快照
	Room *room.Room `json:"room,omitempty"`
}

type AckPayload struct {
	MessageID       string      `json:"messageId"`
	ClientMessageID string      `json:"clientMessageId,omitempty"`
	RoomMessageID   string      `json:"roomMessageId,omitempty"`
	ChatID          string      `json:"chatId"`
	CreatedAt       int64       `json:"createdAt"`
	State           model.State `json:"state"`
	Duplicate       bool        `json:"duplicate"`
}

type StatusPayload struct {
	MessageID string      `json:"messageId"`
	ChatID    string      `json:"chatId"`
	State     model.State `json:"state"`
	UserID    string      `json:"userId,omitempty"` // 触发回执的接收方
	// 群消息带计数
	*model.Summary
}

type DeletedPayload struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	DeletedAt int64  `json:"deletedAt"`
}

type RateWarningPayload struct {
	Used     int   `json:"used"`
	Limit    int   `json:"limit"`
	WindowMs int64 `json:"windowMs"`
}

type TypingEventPayload struct {
	UserID string `json:"userId"`
	ChatID string `json:"chatId"`
	RoomID string `json:"roomId,omitempty"`
}

type PresencePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"` // online/offline
	At     int64  `json:"at"`
}

type RoomEventPayload struct {
	Room    *room.Room `json:"room"`
	Added   []string   `json:"added,omitempty"`
	Removed []string   `json:"removed,omitempty"`
	ActorID string     `json:"actorId"`
}

type ResyncStartPayload struct {
	LastSeenMessageID string `json:"lastSeenMessageId,omitempty"`
}

type ResyncCompletePayload struct {
	Count         int            `json:"count"`
	LastMessageID string         `json:"lastMessageId,omitempty"`
	Truncated     bool           `json:"truncated"`
	Unread        map[string]int `json:"unread"`
}

type HistoryResultPayload struct {
	ChatID   string           `json:"chatId"`
	Query    string           `json:"query,omitempty"`
	Messages []*model.Message `json:"messages"`
	HasMore  bool             `json:"hasMore"`
}

// errorPayloadOf 把错误转成稳定错误码；5xxx 与非业务错误一律 INTERNAL
func errorPayloadOf(err error) ErrorPayload {
	if ce, ok := errs.As(err); ok && ce.Code < errs.ServerInternalError {
		msg := ce.Msg
		if ce.Detail != "" {
			msg += ": " + ce.Detail
		}
		return ErrorPayload{Code: ce.Reason, Message: msg}
	}
	return ErrorPayload{Code: errs.ErrInternal.Reason, Message: errs.ErrInternal.Msg}
}
