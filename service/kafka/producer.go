package kafka

import (
	"encoding/json"
	"sync"

	"ppchat/logger"
	"ppchat/module/message/model"
	"ppchat/tools/errs"
	"ppchat/tools/safe"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// Record 归档记录，对下游只读
type Record struct {
	Op      string         `json:"op"` // created/state/edited/deleted
	Message *model.Message `json:"message"`
}

// Archiver 把消息变更异步写进 Kafka。队列满直接丢弃并计数，不阻塞投递
type Archiver struct {
	producer sarama.SyncProducer
	topic    string
	ch       chan Record
	onDrop   func()

	closeOnce sync.Once
	done      chan struct{}
}

// NewSyncProducer 按配置建客户端，需要时先确保 topic 存在
func NewSyncProducer(c Config, ensureTopic bool) (sarama.SyncProducer, error) {
	c.withDefaults()
	cfg := BuildBaseConfig(c)
	client, err := sarama.NewClient(c.Brokers, cfg)
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka client", "brokers", c.Brokers)
	}
	if ensureTopic {
		admin, err := sarama.NewClusterAdminFromClient(client)
		if err != nil {
			_ = client.Close()
			return nil, errs.WrapMsg(err, "kafka admin")
		}
		if err := EnsureTopic(admin, c); err != nil {
			logger.Warn("[Kafka] ensure topic failed", zap.Error(err))
		}
	}
	p, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errs.WrapMsg(err, "kafka sync producer")
	}
	return p, nil
}

func NewArchiver(p sarama.SyncProducer, topic string, queueSize int, onDrop func()) *Archiver {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Archiver{
		producer: p,
		topic:    topic,
		ch:       make(chan Record, queueSize),
		onDrop:   onDrop,
		done:     make(chan struct{}),
	}
}

func (a *Archiver) Start() {
	safe.Go("kafka-archiver", a.loop)
}

func (a *Archiver) loop() {
	defer close(a.done)
	for rec := range a.ch {
		a.send(rec)
	}
}

func (a *Archiver) send(rec Record) {
	body, err := json.Marshal(rec)
	if err != nil {
		logger.Error("[Archive] marshal failed", zap.String("id", rec.Message.ID), zap.Error(err))
		return
	}
	_, _, err = a.producer.SendMessage(&sarama.ProducerMessage{
		Topic: a.topic,
		Key:   sarama.StringEncoder(rec.Message.ChatID),
		Value: sarama.ByteEncoder(body),
	})
	if err != nil {
		logger.Warn("[Archive] send failed", zap.String("id", rec.Message.ID), zap.Error(err))
	}
}

// Archive 非阻塞入队，返回是否入队成功
func (a *Archiver) Archive(op string, m *model.Message) (ok bool) {
	if a == nil || m == nil {
		return false
	}
	defer func() {
		// 关闭后入队会 panic，当作丢弃
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case a.ch <- Record{Op: op, Message: m.Clone()}:
		return true
	default:
		if a.onDrop != nil {
			a.onDrop()
		}
		return false
	}
}

// Close 停止接收，等待队列发完后关闭 producer
func (a *Archiver) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.ch)
		<-a.done
		err = a.producer.Close()
	})
	return err
}
