package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"ppchat/data/database/mgo/mongoutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// 需要真实 MongoDB：CHAT_TEST_MONGO_URI=mongodb://localhost:27017 go test ./module/message/store/
func TestMongoStore(t *testing.T) {
	uri := os.Getenv("CHAT_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CHAT_TEST_MONGO_URI not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		db := "ppchat_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		cli, err := mongoutil.NewMongoDB(ctx, &mongoutil.Config{Uri: uri, Database: db, MaxRetry: 1})
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = cli.GetDB().Drop(context.Background())
			_ = cli.Close(context.Background())
		})

		s := NewMongoStore(cli.GetDB())
		require.NoError(t, s.EnsureIndexes(ctx))
		return s
	})
}
