package chat

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"ppchat/logger"
	"ppchat/module/message/model"
	"ppchat/module/message/store"
	"ppchat/module/room"
	"ppchat/service/bus"
	"ppchat/service/metrics"
	"ppchat/tools/errs"
	"ppchat/tools/ids"

	"go.uber.org/zap"
)

// 归档操作
const (
	ArchiveCreated = "created"
	ArchiveState   = "state"
	ArchiveEdited  = "edited"
	ArchiveDeleted = "deleted"
)

// Archiver 消息变更的异步下游，kafka.Archiver 满足
type Archiver interface {
	Archive(op string, m *model.Message) bool
}

type SendRequest struct {
	SenderID        string
	RecipientID     string
	RoomID          string
	RoomMessageID   string
	ClientMessageID string
	MessageID       string
	Content         string
	ContentType     string
}

type SendResult struct {
	Message   *model.Message
	Duplicate bool
}

const keyStripes = 64

// Delivery 投递引擎：幂等落库、本地推送、跨实例发布
type Delivery struct {
	store      store.Store
	rooms      *room.Service
	fan        *Fanout
	archive    Archiver // 可为 nil
	m          *metrics.Metrics
	gen        *ids.Generator
	maxContent int
	now        func() time.Time

	stripes [keyStripes]sync.Mutex
}

type DeliveryOptions struct {
	MaxContentLength int
	NodeID           int64
}

func NewDelivery(st store.Store, rooms *room.Service, fan *Fanout, archive Archiver, m *metrics.Metrics, o DeliveryOptions) *Delivery {
	if m == nil {
		m = metrics.Nop()
	}
	return &Delivery{
		store:      st,
		rooms:      rooms,
		fan:        fan,
		archive:    archive,
		m:          m,
		gen:        ids.NewGenerator(o.NodeID),
		maxContent: o.MaxContentLength,
		now:        time.Now,
	}
}

// lock 同一幂等键在本进程内串行；跨实例靠存储的唯一索引
func (d *Delivery) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &d.stripes[h.Sum32()%keyStripes]
	mu.Lock()
	return mu.Unlock
}

func (d *Delivery) validContent(content string) error {
	if content == "" {
		return errs.ErrInvalidPayload.WrapMsg("content is required")
	}
	if d.maxContent > 0 && utf8.RuneCountInString(content) > d.maxContent {
		return errs.ErrContentTooLong.WrapMsg("", "max", d.maxContent)
	}
	return nil
}

func (d *Delivery) validSend(req *SendRequest) error {
	isDirect := req.RecipientID != ""
	isRoom := req.RoomID != "" || req.RoomMessageID != ""
	switch {
	case isDirect == isRoom:
		return errs.ErrInvalidPayload.WrapMsg("exactly one of recipientId or roomId is required")
	case isDirect:
		if !model.ValidID(req.RecipientID) || !model.ValidID(req.ClientMessageID) {
			return errs.ErrInvalidPayload.WrapMsg("recipientId and clientMessageId are required")
		}
		if req.RecipientID == req.SenderID {
			return errs.ErrInvalidPayload.WrapMsg("cannot send to yourself")
		}
	default:
		if !model.ValidID(req.RoomID) || !model.ValidID(req.RoomMessageID) {
			return errs.ErrInvalidPayload.WrapMsg("roomId and roomMessageId are required")
		}
	}
	if req.ContentType == "" {
		req.ContentType = model.DefaultContentType
	}
	return d.validContent(req.Content)
}

// Send 幂等发送：命中已有消息直接返回 Duplicate，不产生任何副作用
func (d *Delivery) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := d.validSend(&req); err != nil {
		return nil, err
	}
	if req.MessageID != "" {
		if m, err := d.store.FindByID(ctx, req.MessageID); err == nil && m.SenderID == req.SenderID {
			d.m.MessagesSent.WithLabelValues(kindOf(m), "true").Inc()
			return &SendResult{Message: m, Duplicate: true}, nil
		}
	}

	var key string
	if req.RoomID != "" {
		key = model.RoomIdemKey(req.RoomID, req.SenderID, req.RoomMessageID)
	} else {
		key = model.DirectIdemKey(req.SenderID, req.ClientMessageID)
	}
	unlock := d.lock(key)
	defer unlock()

	existing, err := d.store.FindByIdemKey(ctx, key)
	if err == nil {
		d.m.MessagesSent.WithLabelValues(kindOf(existing), "true").Inc()
		return &SendResult{Message: existing, Duplicate: true}, nil
	}
	if !errs.ErrNotFound.Is(err) {
		return nil, err
	}

	m := &model.Message{
		ID:              d.gen.NextString(),
		ClientMessageID: req.ClientMessageID,
		SenderID:        req.SenderID,
		Content:         req.Content,
		ContentType:     req.ContentType,
		CreatedAt:       d.now().UnixMilli(),
		State:           model.StateSending,
		IdemKey:         key,
	}
	if req.RoomID != "" {
		r, err := d.rooms.Get(ctx, req.RoomID)
		if err != nil {
			return nil, err
		}
		if r.Deleted {
			return nil, errs.ErrNotFound.WrapMsg("room not found", "room", req.RoomID)
		}
		if !r.IsMember(req.SenderID) {
			return nil, errs.ErrForbidden.WrapMsg("not a room member", "room", req.RoomID)
		}
		m.RoomID = r.ID
		m.RoomMessageID = req.RoomMessageID
		m.ChatID = model.RoomChatID(r.ID)
		m.Recipients = r.Others(req.SenderID)
	} else {
		m.RecipientID = req.RecipientID
		m.ChatID = model.DirectChatID(req.SenderID, req.RecipientID)
		m.Recipients = []string{req.RecipientID}
	}
	if !model.IsValidTransition(m.State, model.StateSent) {
		return nil, errs.ErrInvalidTransition.WrapMsg("send", "from", m.State)
	}
	m.State = model.StateSent

	stored, created, err := d.store.Persist(ctx, m)
	if err != nil {
		return nil, err
	}
	if !created {
		d.m.MessagesSent.WithLabelValues(kindOf(stored), "true").Inc()
		return &SendResult{Message: stored, Duplicate: true}, nil
	}
	d.m.MessagesSent.WithLabelValues(kindOf(stored), "false").Inc()

	if len(stored.Recipients) > 0 {
		frame := EncodeFrame(TypeMessageReceive, "", stored)
		d.fan.Deliver(ctx, &bus.Event{
			Kind:       bus.KindMessage,
			MessageID:  stored.ID,
			State:      string(stored.State),
			Recipients: stored.Recipients,
			Frame:      frame,
		}, PriorityMessage)
	}
	d.toArchive(ArchiveCreated, stored)
	return &SendResult{Message: stored}, nil
}

// ConfirmDelivered 接收方确认送达
func (d *Delivery) ConfirmDelivered(ctx context.Context, userID, messageID string) (*model.Message, model.Decision, error) {
	return d.receipt(ctx, userID, messageID, model.StateDelivered)
}

// ConfirmRead 接收方确认已读。未送达先读返回 INVALID_TRANSITION
func (d *Delivery) ConfirmRead(ctx context.Context, userID, messageID string) (*model.Message, model.Decision, error) {
	return d.receipt(ctx, userID, messageID, model.StateRead)
}

func (d *Delivery) receipt(ctx context.Context, userID, messageID string, next model.State) (*model.Message, model.Decision, error) {
	cur, err := d.store.FindByID(ctx, messageID)
	if err != nil {
		return nil, model.Invalid, err
	}
	if !cur.IsRecipient(userID) {
		return nil, model.Invalid, errs.ErrForbidden.WrapMsg("not a recipient", "messageId", messageID)
	}
	m, dec, err := d.store.ApplyReceipt(ctx, messageID, userID, next)
	if err != nil {
		return nil, model.Invalid, err
	}
	switch dec {
	case model.Ignore:
		return m, dec, nil
	case model.Invalid:
		return m, dec, errs.ErrInvalidTransition.WrapMsg("receipt",
			"messageId", messageID, "from", m.MemberState(userID), "to", next)
	}

	kind := store.CursorDelivered
	if next == model.StateRead {
		kind = store.CursorRead
	}
	if _, _, err := d.store.AdvanceCursor(ctx, m.ChatID, userID, kind, m.Position()); err != nil {
		logger.Warn("[Delivery] advance cursor failed", zap.String("chat", m.ChatID), zap.String("user", userID), zap.Error(err))
	}
	d.notifyStatus(ctx, m, userID)
	d.toArchive(ArchiveState, m)
	return m, dec, nil
}

// notifyStatus 把最新状态告诉发送方；群消息附带计数
func (d *Delivery) notifyStatus(ctx context.Context, m *model.Message, byUser string) {
	p := StatusPayload{MessageID: m.ID, ChatID: m.ChatID, State: m.State, UserID: byUser}
	rev := string(m.State)
	if m.IsRoom() {
		s := m.Summary()
		p.Summary = &s
		rev = fmt.Sprintf("%s:%d:%d", m.State, s.DeliveredCount, s.ReadCount)
	}
	d.fan.Deliver(ctx, &bus.Event{
		Kind:       bus.KindStatus,
		MessageID:  m.ID,
		State:      rev,
		Recipients: []string{m.SenderID},
		Frame:      EncodeFrame(TypeMessageStatus, "", p),
	}, PriorityMessage)
}

// Edit 只有发送者可以编辑，已撤回的消息不能编辑
func (d *Delivery) Edit(ctx context.Context, userID, messageID, content string) (*model.Message, error) {
	if err := d.validContent(content); err != nil {
		return nil, err
	}
	cur, err := d.ownMessage(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if cur.Deleted {
		return nil, errs.ErrNotFound.WrapMsg("message deleted", "messageId", messageID)
	}
	m, err := d.store.Edit(ctx, messageID, content, d.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	d.fan.Deliver(ctx, &bus.Event{
		Kind:       bus.KindEdited,
		MessageID:  m.ID,
		State:      strconv.FormatInt(m.EditedAt, 10),
		Recipients: m.Participants(),
		Frame:      EncodeFrame(TypeMessageEdited, "", m),
	}, PriorityMessage)
	d.toArchive(ArchiveEdited, m)
	return m, nil
}

// Delete 软删除，重复删除幂等
func (d *Delivery) Delete(ctx context.Context, userID, messageID string) (*model.Message, error) {
	if _, err := d.ownMessage(ctx, userID, messageID); err != nil {
		return nil, err
	}
	m, err := d.store.SoftDelete(ctx, messageID, d.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	d.fan.Deliver(ctx, &bus.Event{
		Kind:       bus.KindDeleted,
		MessageID:  m.ID,
		State:      "deleted",
		Recipients: m.Participants(),
		Frame:      EncodeFrame(TypeMessageDeleted, "", DeletedPayload{MessageID: m.ID, ChatID: m.ChatID, DeletedAt: m.DeletedAt}),
	}, PriorityMessage)
	d.toArchive(ArchiveDeleted, m)
	return m, nil
}

func (d *Delivery) ownMessage(ctx context.Context, userID, messageID string) (*model.Message, error) {
	m, err := d.store.FindByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != userID {
		return nil, errs.ErrForbidden.WrapMsg("only the sender can change a message", "messageId", messageID)
	}
	return m, nil
}

// Typing 输入状态不落库，低优先级推送
func (d *Delivery) Typing(ctx context.Context, userID string, p TypingPayload, start bool) error {
	typ := TypeTypingStop
	if start {
		typ = TypeTypingStart
	}
	ev := TypingEventPayload{UserID: userID}
	var recipients []string
	switch {
	case (p.RecipientID == "") == (p.RoomID == ""):
		return errs.ErrInvalidPayload.WrapMsg("exactly one of recipientId or roomId is required")
	case p.RecipientID != "":
		if !model.ValidID(p.RecipientID) || p.RecipientID == userID {
			return errs.ErrInvalidPayload.WrapMsg("invalid recipientId")
		}
		ev.ChatID = model.DirectChatID(userID, p.RecipientID)
		recipients = []string{p.RecipientID}
	default:
		r, err := d.rooms.Get(ctx, p.RoomID)
		if err != nil {
			return err
		}
		if !r.IsMember(userID) {
			return errs.ErrForbidden.WrapMsg("not a room member", "room", p.RoomID)
		}
		ev.ChatID = model.RoomChatID(r.ID)
		ev.RoomID = r.ID
		recipients = r.Others(userID)
	}
	if len(recipients) == 0 {
		return nil
	}
	d.fan.Deliver(ctx, &bus.Event{
		Kind:       bus.KindTyping,
		Recipients: recipients,
		Frame:      EncodeFrame(typ, "", ev),
	}, PriorityEphemeral)
	return nil
}

func (d *Delivery) toArchive(op string, m *model.Message) {
	if d.archive == nil {
		return
	}
	if !d.archive.Archive(op, m) {
		d.m.ArchiveDropped.Inc()
	}
}

func kindOf(m *model.Message) string {
	if m.IsRoom() {
		return "room"
	}
	return "direct"
}
