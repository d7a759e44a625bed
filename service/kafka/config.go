package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"
)

// Config 归档流配置
type Config struct {
	Brokers           []string
	Topic             string
	Compression       string // none/snappy/lz4/zstd
	Retries           int
	QueueSize         int
	Partitions        int32 // 自动建 topic 时使用
	ReplicationFactor int16
	Version           sarama.KafkaVersion
}

func (c *Config) withDefaults() {
	if c.Topic == "" {
		c.Topic = "chat.archive"
	}
	if c.Retries <= 0 {
		c.Retries = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.Partitions <= 0 {
		c.Partitions = 8
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.Version == (sarama.KafkaVersion{}) {
		c.Version = sarama.V2_1_0_0
	}
}

func BuildBaseConfig(c Config) *sarama.Config {
	c.withDefaults()
	cfg := sarama.NewConfig()
	cfg.Version = c.Version

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = c.Retries
	// 以 chatId 为 key，同一会话落同一分区，保证归档顺序
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	switch strings.ToLower(c.Compression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}
