package kafka

import (
	"encoding/json"
	"testing"

	"ppchat/module/message/model"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiverSendsRecords(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	var got [][]byte
	for i := 0; i < 2; i++ {
		mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			got = append(got, val)
			return nil
		})
	}
	a := NewArchiver(mp, "chat.archive", 8, nil)
	a.Start()

	m := &model.Message{ID: "1", ChatID: "dm:a:b", SenderID: "a", RecipientID: "b", Content: "hi", State: model.StateSent}
	require.True(t, a.Archive("created", m))
	require.True(t, a.Archive("state", m))
	require.NoError(t, a.Close())

	require.Len(t, got, 2)
	var rec Record
	require.NoError(t, json.Unmarshal(got[0], &rec))
	assert.Equal(t, "created", rec.Op)
	assert.Equal(t, "hi", rec.Message.Content)
	assert.Equal(t, "dm:a:b", rec.Message.ChatID)

	assert.False(t, a.Archive("created", m), "closed archiver drops")
}

func TestArchiverDropsWhenFull(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	drops := 0
	a := NewArchiver(mp, "t", 1, func() { drops++ })
	m := &model.Message{ID: "1", ChatID: "room:r"}
	assert.True(t, a.Archive("created", m))
	assert.False(t, a.Archive("created", m))
	assert.Equal(t, 1, drops)

	mp.ExpectSendMessageAndSucceed()
	a.Start()
	require.NoError(t, a.Close())
}

func TestBuildBaseConfig(t *testing.T) {
	cfg := BuildBaseConfig(Config{Compression: "lz4"})
	assert.Equal(t, sarama.CompressionLZ4, cfg.Producer.Compression)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.True(t, cfg.Producer.Return.Successes)
}
