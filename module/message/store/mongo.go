package store

import (
	"context"
	"regexp"
	"time"

	"ppchat/data/database/mgo/mongoutil"
	"ppchat/module/message/model"
	"ppchat/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	CollectionCursors = "message_cursors"

	maxCASRetries = 5
)

// MongoStore 基于 MongoDB 的实现。幂等靠 idem_key 唯一索引，跨实例同样生效。
type MongoStore struct {
	msgs    *mongo.Collection
	cursors *mongo.Collection
	now     func() time.Time
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		msgs:    db.Collection(model.CollectionMessages),
		cursors: db.Collection(CollectionCursors),
		now:     time.Now,
	}
}

var _ Store = (*MongoStore)(nil)

// EnsureIndexes 启动时调用一次
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	return mongoutil.EnsureIndexes(ctx, s.msgs.Database(), map[string][]mongo.IndexModel{
		model.CollectionMessages: {
			{
				Keys:    bson.D{{Key: model.FieldIdemKey, Value: 1}},
				Options: options.Index().SetUnique(true).SetName("uniq_idem_key"),
			},
			{
				Keys: bson.D{{Key: model.FieldChatID, Value: 1},
					{Key: model.FieldCreatedAt, Value: 1},
					{Key: model.FieldID, Value: 1}},
				Options: options.Index().SetName("ix_chat_pos"),
			},
			{
				Keys: bson.D{{Key: model.FieldRecipients, Value: 1},
					{Key: model.FieldCreatedAt, Value: 1},
					{Key: model.FieldID, Value: 1}},
				Options: options.Index().SetName("ix_recipient_pos"),
			},
			{
				Keys: bson.D{{Key: model.FieldSenderID, Value: 1},
					{Key: model.FieldCreatedAt, Value: 1}},
				Options: options.Index().SetName("ix_sender_pos"),
			},
		},
	})
}

func (s *MongoStore) Persist(ctx context.Context, m *model.Message) (*model.Message, bool, error) {
	if m == nil || m.ID == "" || m.IdemKey == "" {
		return nil, false, errs.ErrInvalidPayload.WrapMsg("message id and idem key are required")
	}
	c := m.Clone()
	if c.DeliveredTo == nil {
		c.DeliveredTo = []string{}
	}
	if c.ReadBy == nil {
		c.ReadBy = []string{}
	}
	_, err := s.msgs.InsertOne(ctx, c)
	if err == nil {
		return c, true, nil
	}
	if mongoutil.IsDuplicateKey(err) {
		existing, ferr := s.FindByIdemKey(ctx, m.IdemKey)
		if ferr != nil {
			return nil, false, errs.WrapMsg(err, "duplicate key without idem match", "id", m.ID)
		}
		return existing, false, nil
	}
	return nil, false, errs.WrapMsg(err, "insert message", "id", m.ID)
}

func (s *MongoStore) FindByID(ctx context.Context, id string) (*model.Message, error) {
	return s.findOne(ctx, bson.M{model.FieldID: id}, "id", id)
}

func (s *MongoStore) FindByIdemKey(ctx context.Context, key string) (*model.Message, error) {
	return s.findOne(ctx, bson.M{model.FieldIdemKey: key}, "idemKey", key)
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M, k, v string) (*model.Message, error) {
	var m model.Message
	if err := s.msgs.FindOne(ctx, filter).Decode(&m); err != nil {
		if mongoutil.IsNoDocuments(err) {
			return nil, errs.ErrNotFound.WrapMsg("message not found", k, v)
		}
		return nil, errs.WrapMsg(err, "find message", k, v)
	}
	return &m, nil
}

func (s *MongoStore) UpdateState(ctx context.Context, id string, next model.State) error {
	for i := 0; i < maxCASRetries; i++ {
		cur, err := s.FindByID(ctx, id)
		if err != nil {
			return err
		}
		switch model.Classify(cur.State, next) {
		case model.Ignore:
			return nil
		case model.Invalid:
			return errs.ErrInvalidTransition.WrapMsg("update state", "id", id, "from", cur.State, "to", next)
		}
		res, err := s.msgs.UpdateOne(ctx,
			bson.M{model.FieldID: id, model.FieldState: cur.State},
			bson.M{"$set": bson.M{model.FieldState: next}})
		if err != nil {
			return errs.WrapMsg(err, "update state", "id", id)
		}
		if res.MatchedCount == 1 {
			return nil
		}
	}
	return errs.ErrInternal.WrapMsg("update state contention", "id", id)
}

func (s *MongoStore) ApplyReceipt(ctx context.Context, id, userID string, next model.State) (*model.Message, model.Decision, error) {
	for i := 0; i < maxCASRetries; i++ {
		cur, err := s.FindByID(ctx, id)
		if err != nil {
			return nil, model.Invalid, err
		}
		probe := cur.Clone()
		if d := probe.ApplyReceipt(userID, next); d != model.Apply {
			return cur, d, nil
		}

		field := model.FieldDeliveredTo
		filter := bson.M{model.FieldID: id, model.FieldRecipients: userID}
		if next == model.StateRead {
			field = model.FieldReadBy
			filter[model.FieldDeliveredTo] = userID
		}
		filter[field] = bson.M{"$ne": userID}

		var updated model.Message
		err = s.msgs.FindOneAndUpdate(ctx, filter,
			bson.M{"$addToSet": bson.M{field: userID}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&updated)
		if mongoutil.IsNoDocuments(err) {
			continue // 并发回执抢先，重新判定
		}
		if err != nil {
			return nil, model.Invalid, errs.WrapMsg(err, "apply receipt", "id", id, "user", userID)
		}

		agg := updated.AggregateState()
		if agg != updated.State && model.Classify(updated.State, agg) != model.Ignore {
			if _, err := s.msgs.UpdateOne(ctx,
				bson.M{model.FieldID: id, model.FieldState: bson.M{"$in": model.StatesBefore(agg)}},
				bson.M{"$set": bson.M{model.FieldState: agg}}); err != nil {
				return nil, model.Invalid, errs.WrapMsg(err, "update aggregate state", "id", id)
			}
			updated.State = agg
		}
		return &updated, model.Apply, nil
	}
	return nil, model.Invalid, errs.ErrInternal.WrapMsg("receipt contention", "id", id)
}

func (s *MongoStore) Edit(ctx context.Context, id, content string, editedAt int64) (*model.Message, error) {
	var m model.Message
	err := s.msgs.FindOneAndUpdate(ctx,
		bson.M{model.FieldID: id, model.FieldDeleted: false},
		bson.M{"$set": bson.M{model.FieldContent: content, model.FieldEditedAt: editedAt}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if mongoutil.IsNoDocuments(err) {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "id", id)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "edit message", "id", id)
	}
	return &m, nil
}

func (s *MongoStore) SoftDelete(ctx context.Context, id string, deletedAt int64) (*model.Message, error) {
	var m model.Message
	err := s.msgs.FindOneAndUpdate(ctx,
		bson.M{model.FieldID: id, model.FieldDeleted: false},
		bson.M{"$set": bson.M{model.FieldDeleted: true, model.FieldDeletedAt: deletedAt, model.FieldContent: ""}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if mongoutil.IsNoDocuments(err) {
		// 已删除则原样返回
		return s.FindByID(ctx, id)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "delete message", "id", id)
	}
	return &m, nil
}

func (s *MongoStore) GetHistory(ctx context.Context, chatID string, q HistoryQuery) ([]*model.Message, error) {
	filter := bson.M{model.FieldChatID: chatID}
	if q.BeforeID != "" {
		b, err := s.FindByID(ctx, q.BeforeID)
		if err != nil {
			return nil, err
		}
		if b.ChatID != chatID {
			return nil, errs.ErrNotFound.WrapMsg("before message not found", "id", q.BeforeID)
		}
		filter = bson.M{"$and": bson.A{filter, beforePos(b.Position())}}
	}
	out, err := s.find(ctx, filter, -1, q.Limit)
	if err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (s *MongoStore) GetUndelivered(ctx context.Context, userID string, after model.Position, limit int) ([]*model.Message, error) {
	filter := bson.M{
		model.FieldRecipients:  userID,
		model.FieldDeliveredTo: bson.M{"$ne": userID},
		model.FieldDeleted:     false,
	}
	if !after.IsZero() {
		filter = bson.M{"$and": bson.A{filter, afterPos(after)}}
	}
	return s.find(ctx, filter, 1, limit)
}

func (s *MongoStore) After(ctx context.Context, q ReplayQuery) ([]*model.Message, error) {
	rooms := q.RoomIDs
	if rooms == nil {
		rooms = []string{}
	}
	participates := bson.M{"$or": bson.A{
		bson.M{model.FieldRoomID: bson.M{"$in": rooms}},
		bson.M{model.FieldRoomID: bson.M{"$exists": false}, model.FieldSenderID: q.UserID},
		bson.M{model.FieldRoomID: bson.M{"$exists": false}, model.FieldRecipientID: q.UserID},
	}}
	return s.find(ctx, bson.M{"$and": bson.A{participates, afterPos(q.After)}}, 1, q.Limit)
}

func (s *MongoStore) Search(ctx context.Context, q SearchQuery) ([]*model.Message, error) {
	filter := bson.M{
		model.FieldChatID:  bson.M{"$in": q.ChatIDs},
		model.FieldDeleted: false,
		model.FieldContent: bson.M{"$regex": regexp.QuoteMeta(q.Text), "$options": "i"},
	}
	out, err := s.find(ctx, filter, -1, q.Limit)
	if err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (s *MongoStore) UnreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			model.FieldRecipients: userID,
			model.FieldReadBy:     bson.M{"$ne": userID},
			model.FieldDeleted:    false,
		}}},
		{{Key: "$group", Value: bson.M{"_id": "$" + model.FieldChatID, "n": bson.M{"$sum": 1}}}},
	}
	cur, err := s.msgs.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, errs.WrapMsg(err, "unread counts", "user", userID)
	}
	defer cur.Close(ctx)

	out := make(map[string]int)
	for cur.Next(ctx) {
		var row struct {
			ChatID string `bson:"_id"`
			N      int    `bson:"n"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, errs.WrapMsg(err, "decode unread row")
		}
		out[row.ChatID] = row.N
	}
	return out, cur.Err()
}

func (s *MongoStore) GetCursor(ctx context.Context, chatID, userID string) (*Cursor, error) {
	var c Cursor
	err := s.cursors.FindOne(ctx, bson.M{"_id": cursorKey(chatID, userID)}).Decode(&c)
	if mongoutil.IsNoDocuments(err) {
		return &Cursor{ChatID: chatID, UserID: userID}, nil
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "get cursor", "chat", chatID, "user", userID)
	}
	return &c, nil
}

// AdvanceCursor 以 rev 做乐观并发，保证游标不会被并发写回退
func (s *MongoStore) AdvanceCursor(ctx context.Context, chatID, userID string, kind CursorKind, pos model.Position) (*Cursor, bool, error) {
	key := cursorKey(chatID, userID)
	for i := 0; i < maxCASRetries; i++ {
		c, err := s.GetCursor(ctx, chatID, userID)
		if err != nil {
			return nil, false, err
		}
		oldRev := c.Rev
		if !advance(c, kind, pos) {
			return c, false, nil
		}
		c.Rev = oldRev + 1
		c.UpdatedAt = s.now().UnixMilli()

		_, err = s.cursors.UpdateOne(ctx,
			bson.M{"_id": key, "rev": oldRev},
			bson.M{"$set": c},
			options.Update().SetUpsert(true))
		if err == nil {
			return c, true, nil
		}
		if !mongoutil.IsDuplicateKey(err) {
			return nil, false, errs.WrapMsg(err, "advance cursor", "chat", chatID, "user", userID)
		}
		// rev 已被别人推进，upsert 撞上 _id，重读后再试
	}
	return nil, false, errs.ErrInternal.WrapMsg("cursor contention", "chat", chatID, "user", userID)
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, dir int, limit int) ([]*model.Message, error) {
	opts := options.Find().SetSort(bson.D{
		{Key: model.FieldCreatedAt, Value: dir},
		{Key: model.FieldID, Value: dir},
	})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.msgs.Find(ctx, filter, opts)
	if err != nil {
		return nil, errs.WrapMsg(err, "find messages")
	}
	defer cur.Close(ctx)

	var out []*model.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.WrapMsg(err, "decode messages")
	}
	return out, nil
}

func afterPos(p model.Position) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{model.FieldCreatedAt: bson.M{"$gt": p.At}},
		bson.M{model.FieldCreatedAt: p.At, model.FieldID: bson.M{"$gt": p.ID}},
	}}
}

func beforePos(p model.Position) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{model.FieldCreatedAt: bson.M{"$lt": p.At}},
		bson.M{model.FieldCreatedAt: p.At, model.FieldID: bson.M{"$lt": p.ID}},
	}}
}

func reverse(list []*model.Message) {
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
}
