package model

import (
	"ppchat/tools/ids"
)

const (
	CollectionMessages = "messages"

	FieldID          = "_id"
	FieldSenderID    = "sender_id"
	FieldRecipientID = "recipient_id"
	FieldRoomID      = "room_id"
	FieldChatID      = "chat_id"
	FieldIdemKey     = "idem_key"
	FieldCreatedAt   = "created_at"
	FieldState       = "state"
	FieldRecipients  = "recipients"
	FieldDeliveredTo = "delivered_to"
	FieldReadBy      = "read_by"
	FieldContent     = "content"
	FieldEditedAt    = "edited_at"
	FieldDeleted     = "deleted"
	FieldDeletedAt   = "deleted_at"

	DefaultContentType = "text"
)

// Message 投递单元。RecipientID 与 RoomID 二选一。
// Recipients 是发送时刻的接收方快照（单聊就是对端一个人），
// DeliveredTo/ReadBy 记录逐个接收方的回执，State 是聚合结果。
type Message struct {
	ID              string `bson:"_id" json:"messageId"`
	ClientMessageID string `bson:"client_message_id,omitempty" json:"clientMessageId,omitempty"`
	SenderID        string `bson:"sender_id" json:"senderId"`
	RecipientID     string `bson:"recipient_id,omitempty" json:"recipientId,omitempty"`
	RoomID          string `bson:"room_id,omitempty" json:"roomId,omitempty"`
	RoomMessageID   string `bson:"room_message_id,omitempty" json:"roomMessageId,omitempty"`
	ChatID          string `bson:"chat_id" json:"chatId"`
	Content         string `bson:"content" json:"content"`
	ContentType     string `bson:"content_type" json:"contentType"`
	CreatedAt       int64  `bson:"created_at" json:"createdAt"`
	State           State  `bson:"state" json:"state"`
	EditedAt        int64  `bson:"edited_at,omitempty" json:"editedAt,omitempty"`
	Deleted         bool   `bson:"deleted" json:"deleted,omitempty"`
	DeletedAt       int64  `bson:"deleted_at,omitempty" json:"deletedAt,omitempty"`

	IdemKey     string   `bson:"idem_key" json:"-"`
	Recipients  []string `bson:"recipients" json:"-"`
	DeliveredTo []string `bson:"delivered_to" json:"-"`
	ReadBy      []string `bson:"read_by" json:"-"`
}

func (m *Message) IsRoom() bool { return m.RoomID != "" }

// Position 消息在会话流中的位置
func (m *Message) Position() Position { return Position{At: m.CreatedAt, ID: m.ID} }

// Participants 发送者 + 接收方快照
func (m *Message) Participants() []string {
	out := make([]string, 0, len(m.Recipients)+1)
	out = append(out, m.SenderID)
	return append(out, m.Recipients...)
}

func (m *Message) IsRecipient(userID string) bool { return contains(m.Recipients, userID) }

// MemberState 某个接收方视角下的状态
func (m *Message) MemberState(userID string) State {
	switch {
	case contains(m.ReadBy, userID):
		return StateRead
	case contains(m.DeliveredTo, userID):
		return StateDelivered
	default:
		return StateSent
	}
}

// Summary 送达/已读计数；群消息只有 DeliveredCount==TotalCount 才算整体送达
type Summary struct {
	DeliveredCount int `json:"deliveredCount"`
	ReadCount      int `json:"readCount"`
	TotalCount     int `json:"totalCount"`
}

func (m *Message) Summary() Summary {
	s := Summary{TotalCount: len(m.Recipients)}
	for _, u := range m.Recipients {
		if contains(m.DeliveredTo, u) {
			s.DeliveredCount++
		}
		if contains(m.ReadBy, u) {
			s.ReadCount++
		}
	}
	return s
}

// AggregateState 由逐人回执推出整体状态
func (m *Message) AggregateState() State {
	s := m.Summary()
	switch {
	case s.TotalCount == 0:
		return StateSent
	case s.ReadCount == s.TotalCount:
		return StateRead
	case s.DeliveredCount == s.TotalCount:
		return StateDelivered
	default:
		return StateSent
	}
}

// ApplyReceipt 对接收方 userID 应用回执（delivered/read）。
// 返回值遵循 Classify：Apply 时已经修改了 DeliveredTo/ReadBy 与 State。
func (m *Message) ApplyReceipt(userID string, next State) Decision {
	if !m.IsRecipient(userID) {
		return Invalid
	}
	d := Classify(m.MemberState(userID), next)
	if d != Apply {
		return d
	}
	switch next {
	case StateDelivered:
		m.DeliveredTo = append(m.DeliveredTo, userID)
	case StateRead:
		m.ReadBy = append(m.ReadBy, userID)
	default:
		return Invalid
	}
	if agg := m.AggregateState(); rank[agg] > rank[m.State] {
		m.State = agg
	}
	return Apply
}

// Clone 深拷贝，内存存储返回副本避免共享切片
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Recipients = append([]string(nil), m.Recipients...)
	c.DeliveredTo = append([]string(nil), m.DeliveredTo...)
	c.ReadBy = append([]string(nil), m.ReadBy...)
	return &c
}

// Position 会话流中的位置：先比 CreatedAt，再比 ID
type Position struct {
	At int64  `bson:"at" json:"at"`
	ID string `bson:"id" json:"id"`
}

func (p Position) IsZero() bool { return p.At == 0 && p.ID == "" }

func (p Position) Compare(o Position) int {
	switch {
	case p.At < o.At:
		return -1
	case p.At > o.At:
		return 1
	}
	return ids.Compare(p.ID, o.ID)
}

func (p Position) After(o Position) bool { return p.Compare(o) > 0 }

// Less 会话内排序
func Less(a, b *Message) bool { return a.Position().Compare(b.Position()) < 0 }

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
