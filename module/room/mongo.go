package room

import (
	"context"

	"ppchat/data/database/mgo/mongoutil"
	"ppchat/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection(CollectionRooms)}
}

var _ Store = (*MongoStore)(nil)

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	return mongoutil.EnsureIndexes(ctx, s.coll.Database(), map[string][]mongo.IndexModel{
		CollectionRooms: {{
			Keys:    bson.D{{Key: "members", Value: 1}, {Key: "deleted", Value: 1}},
			Options: options.Index().SetName("ix_members"),
		}},
	})
}

func (s *MongoStore) Create(ctx context.Context, r *Room) error {
	if _, err := s.coll.InsertOne(ctx, r); err != nil {
		if mongoutil.IsDuplicateKey(err) {
			return errs.ErrInvalidPayload.WrapMsg("room already exists", "id", r.ID)
		}
		return errs.WrapMsg(err, "create room", "id", r.ID)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*Room, error) {
	var r Room
	err := s.coll.FindOne(ctx, bson.M{"_id": id, "deleted": false}).Decode(&r)
	if mongoutil.IsNoDocuments(err) {
		return nil, errs.ErrNotFound.WrapMsg("room not found", "id", id)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "get room", "id", id)
	}
	return &r, nil
}

// ApplyMutation 读当前快照、本地应用 patch，再以 {_id, version} 为条件整体替换
func (s *MongoStore) ApplyMutation(ctx context.Context, id string, patch Patch, expectedVersion int64, now int64) (*Room, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return cur, errs.ErrVersionConflict.WrapMsg("stale room version", "id", id, "expected", expectedVersion, "current", cur.Version)
	}
	next := patch.Apply(cur, now)

	var stored Room
	err = s.coll.FindOneAndReplace(ctx,
		bson.M{"_id": id, "version": expectedVersion, "deleted": false},
		next,
		options.FindOneAndReplace().SetReturnDocument(options.After),
	).Decode(&stored)
	if mongoutil.IsNoDocuments(err) {
		latest, gerr := s.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return latest, errs.ErrVersionConflict.WrapMsg("room changed concurrently", "id", id, "expected", expectedVersion, "current", latest.Version)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "apply room mutation", "id", id)
	}
	return &stored, nil
}

func (s *MongoStore) ListForUser(ctx context.Context, userID string) ([]*Room, error) {
	cur, err := s.coll.Find(ctx, bson.M{"members": userID, "deleted": false})
	if err != nil {
		return nil, errs.WrapMsg(err, "list rooms", "user", userID)
	}
	defer cur.Close(ctx)
	var out []*Room
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.WrapMsg(err, "decode rooms", "user", userID)
	}
	return out, nil
}
