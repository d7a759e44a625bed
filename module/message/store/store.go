package store

import (
	"context"

	"ppchat/module/message/model"
)

// Store 消息持久化契约。实现方负责：
//   - Persist 对 IdemKey 幂等（唯一索引），冲突时返回已存在的记录；
//   - 状态只前进，回执按接收方逐个记录；
//   - 游标只前进。
type Store interface {
	// Persist 写入新消息；created=false 表示命中幂等键，返回的是已有记录
	Persist(ctx context.Context, m *model.Message) (stored *model.Message, created bool, err error)
	FindByID(ctx context.Context, id string) (*model.Message, error)
	FindByIdemKey(ctx context.Context, key string) (*model.Message, error)

	// UpdateState 只允许 IsValidTransition 的边，其他返回 INVALID_TRANSITION
	UpdateState(ctx context.Context, id string, next model.State) error
	// ApplyReceipt 原子地为 userID 记录 delivered/read 回执并刷新聚合状态
	ApplyReceipt(ctx context.Context, id, userID string, next model.State) (*model.Message, model.Decision, error)
	Edit(ctx context.Context, id, content string, editedAt int64) (*model.Message, error)
	SoftDelete(ctx context.Context, id string, deletedAt int64) (*model.Message, error)

	// GetHistory 返回 beforeID 之前（不含）最近的 limit 条，按时间升序
	GetHistory(ctx context.Context, chatID string, q HistoryQuery) ([]*model.Message, error)
	// GetUndelivered 用户作为接收方、尚未确认送达的消息，升序
	GetUndelivered(ctx context.Context, userID string, after model.Position, limit int) ([]*model.Message, error)
	// After 用户参与的所有会话（单聊 + roomIDs）里位置在 after 之后的消息，升序
	After(ctx context.Context, q ReplayQuery) ([]*model.Message, error)
	Search(ctx context.Context, q SearchQuery) ([]*model.Message, error)
	// UnreadCounts chatID -> 未读数（用户是接收方且未读、未删除）
	UnreadCounts(ctx context.Context, userID string) (map[string]int, error)

	GetCursor(ctx context.Context, chatID, userID string) (*Cursor, error)
	// AdvanceCursor 只前进；moved=false 表示 pos 不比当前位置新
	AdvanceCursor(ctx context.Context, chatID, userID string, kind CursorKind, pos model.Position) (c *Cursor, moved bool, err error)
}

type HistoryQuery struct {
	Limit    int
	BeforeID string
}

type ReplayQuery struct {
	UserID  string
	RoomIDs []string
	After   model.Position
	Limit   int
}

type SearchQuery struct {
	ChatIDs []string
	Text    string
	Limit   int
}

type CursorKind int

const (
	CursorDelivered CursorKind = iota
	CursorRead
)

// Cursor 每个 (会话, 用户) 的送达/已读位置
type Cursor struct {
	ChatID    string         `bson:"chat_id" json:"chatId"`
	UserID    string         `bson:"user_id" json:"userId"`
	Delivered model.Position `bson:"delivered" json:"delivered"`
	Read      model.Position `bson:"read" json:"read"`
	UpdatedAt int64          `bson:"updated_at" json:"updatedAt"`
	Rev       int64          `bson:"rev" json:"-"`
}

func cursorKey(chatID, userID string) string { return chatID + "|" + userID }
