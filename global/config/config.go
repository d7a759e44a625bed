package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

// 默认值；所有阈值都可以通过 YAML 或 CHAT_* 环境变量覆盖
const (
	DefaultAddr     = ":8080"
	DefaultGrpcAddr = ":50051"

	DefaultMaxConnsPerUser    = 5
	DefaultMaxConnsPerSession = 3
	DefaultMaxConnsPerIP      = 50
	DefaultMaxFrameBytes      = 64 * 1024
	DefaultMaxContentLength   = 4000
	DefaultMaxRoomMembers     = 500
	DefaultResumeMaxMessages  = 500
	DefaultHistoryMaxLimit    = 100
	DefaultPresenceGrace      = 5 * time.Second
	DefaultPingInterval       = 25 * time.Second
	DefaultIdleTimeout        = 60 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultReceiptRetries     = 3
	DefaultReceiptRetryBase   = 200 * time.Millisecond

	DefaultRateMax         = 30
	DefaultRateWindow      = 10 * time.Second
	DefaultWarnRatio       = 0.8
	DefaultViolationWindow = 30 * time.Second
	DefaultThrottleAt      = 5
	DefaultCloseAt         = 20

	DefaultMaxQueueDepth           = 256
	DefaultMaxBufferedBytes        = 1 << 20
	DefaultMaxConsecutiveOverflows = 3

	DefaultBusDedupTTL      = 2 * time.Minute
	DefaultBusRetryAttempts = 10
	DefaultBusRetryBase     = time.Second
	DefaultBusRetryMax      = 30 * time.Second
	DefaultBusRetryPoll     = 500 * time.Millisecond

	DefaultPresenceTTL = 90 * time.Second
)

type Config struct {
	Env        string `yaml:"env"`
	InstanceID string `yaml:"instance_id"` // 空则启动时生成
	NodeID     int64  `yaml:"node_id"`     // snowflake 节点号

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Server struct {
		Addr           string   `yaml:"addr"`
		GrpcAddr       string   `yaml:"grpc_addr"`
		AdminToken     string   `yaml:"admin_token"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`

	Auth struct {
		Secret string `yaml:"secret"`
		Alg    string `yaml:"alg"`
		Issuer string `yaml:"issuer"`
	} `yaml:"auth"`

	Limits       Limits       `yaml:"limits"`
	Rate         Rate         `yaml:"rate"`
	Backpressure Backpressure `yaml:"backpressure"`
	Bus          Bus          `yaml:"bus"`

	Redis struct {
		Enabled     bool          `yaml:"enabled"`
		Addr        string        `yaml:"addr"`
		Password    string        `yaml:"password"`
		DB          int           `yaml:"db"`
		PoolSize    int           `yaml:"pool_size"`
		PresenceTTL time.Duration `yaml:"presence_ttl"`
	} `yaml:"redis"`

	Mongo struct {
		Enabled     bool     `yaml:"enabled"`
		Uri         string   `yaml:"uri"`
		Address     []string `yaml:"address"`
		Database    string   `yaml:"database"`
		Username    string   `yaml:"username"`
		Password    string   `yaml:"password"`
		AuthSource  string   `yaml:"auth_source"`
		MaxPoolSize int      `yaml:"max_pool_size"`
		MaxRetry    int      `yaml:"max_retry"`
	} `yaml:"mongo"`

	Postgres struct {
		Enabled bool   `yaml:"enabled"`
		DSN     string `yaml:"dsn"`
	} `yaml:"postgres"`

	Kafka struct {
		Enabled     bool     `yaml:"enabled"`
		Brokers     []string `yaml:"brokers"`
		Topic       string   `yaml:"topic"`
		Compression string   `yaml:"compression"`
		Retries     int      `yaml:"retries"`
		QueueSize   int      `yaml:"queue_size"`
	} `yaml:"kafka"`
}

type Limits struct {
	MaxConnsPerUser    int           `yaml:"max_conns_per_user"`
	MaxConnsPerSession int           `yaml:"max_conns_per_session"`
	MaxConnsPerIP      int           `yaml:"max_conns_per_ip"`
	MaxFrameBytes      int64         `yaml:"max_frame_bytes"`
	MaxContentLength   int           `yaml:"max_content_length"`
	MaxRoomMembers     int           `yaml:"max_room_members"`
	ResumeMaxMessages  int           `yaml:"resume_max_messages"`
	HistoryMaxLimit    int           `yaml:"history_max_limit"`
	PresenceGrace      time.Duration `yaml:"presence_grace"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	// 先读后送达的回执按退避重试的次数与初始间隔
	ReceiptRetries   int           `yaml:"receipt_retries"`
	ReceiptRetryBase time.Duration `yaml:"receipt_retry_base"`
}

// Rate 限流 + 违规分级（warn / throttle / close）
type Rate struct {
	Max             int           `yaml:"max"`
	Window          time.Duration `yaml:"window"`
	WarnRatio       float64       `yaml:"warn_ratio"`
	ViolationWindow time.Duration `yaml:"violation_window"`
	ThrottleAt      int           `yaml:"throttle_at"`
	CloseAt         int           `yaml:"close_at"`
}

type Backpressure struct {
	MaxQueueDepth           int `yaml:"max_queue_depth"`
	MaxBufferedBytes        int `yaml:"max_buffered_bytes"`
	MaxConsecutiveOverflows int `yaml:"max_consecutive_overflows"`
}

type Bus struct {
	Enabled       bool          `yaml:"enabled"`
	Servers       []string      `yaml:"servers"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	DedupTTL      time.Duration `yaml:"dedup_ttl"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBase     time.Duration `yaml:"retry_base"`
	RetryMax      time.Duration `yaml:"retry_max"`
	RetryPoll     time.Duration `yaml:"retry_poll"`
}

// Default 返回一份填好默认值的配置
func Default() *Config {
	c := &Config{Env: EnvDevelopment, NodeID: 1}
	c.Log.Level = "info"
	c.Server.Addr = DefaultAddr
	c.Server.GrpcAddr = DefaultGrpcAddr
	c.Auth.Alg = "HS256"
	c.Limits = Limits{
		MaxConnsPerUser:    DefaultMaxConnsPerUser,
		MaxConnsPerSession: DefaultMaxConnsPerSession,
		MaxConnsPerIP:      DefaultMaxConnsPerIP,
		MaxFrameBytes:      DefaultMaxFrameBytes,
		MaxContentLength:   DefaultMaxContentLength,
		MaxRoomMembers:     DefaultMaxRoomMembers,
		ResumeMaxMessages:  DefaultResumeMaxMessages,
		HistoryMaxLimit:    DefaultHistoryMaxLimit,
		PresenceGrace:      DefaultPresenceGrace,
		PingInterval:       DefaultPingInterval,
		IdleTimeout:        DefaultIdleTimeout,
		WriteTimeout:       DefaultWriteTimeout,
		ReceiptRetries:     DefaultReceiptRetries,
		ReceiptRetryBase:   DefaultReceiptRetryBase,
	}
	c.Rate = Rate{
		Max:             DefaultRateMax,
		Window:          DefaultRateWindow,
		WarnRatio:       DefaultWarnRatio,
		ViolationWindow: DefaultViolationWindow,
		ThrottleAt:      DefaultThrottleAt,
		CloseAt:         DefaultCloseAt,
	}
	c.Backpressure = Backpressure{
		MaxQueueDepth:           DefaultMaxQueueDepth,
		MaxBufferedBytes:        DefaultMaxBufferedBytes,
		MaxConsecutiveOverflows: DefaultMaxConsecutiveOverflows,
	}
	c.Bus = Bus{
		Servers:       []string{"nats://127.0.0.1:4222"},
		SubjectPrefix: "",
		DedupTTL:      DefaultBusDedupTTL,
		RetryAttempts: DefaultBusRetryAttempts,
		RetryBase:     DefaultBusRetryBase,
		RetryMax:      DefaultBusRetryMax,
		RetryPoll:     DefaultBusRetryPoll,
	}
	c.Redis.Addr = "127.0.0.1:6379"
	c.Redis.PoolSize = 20
	c.Redis.PresenceTTL = DefaultPresenceTTL
	c.Mongo.Uri = "mongodb://localhost:27017"
	c.Mongo.Database = "ppchat"
	c.Mongo.MaxPoolSize = 20
	c.Mongo.MaxRetry = 3
	c.Kafka.Brokers = []string{"127.0.0.1:9092"}
	c.Kafka.Topic = "chat.archive"
	c.Kafka.Compression = "snappy"
	c.Kafka.Retries = 5
	c.Kafka.QueueSize = 1024
	return c
}

func (c *Config) IsProduction() bool { return c.Env == EnvProduction }

// Load 读取 .env（存在时）、YAML 文件（path 非空时），再叠加 CHAT_* 环境变量
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, err
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv 用环境变量覆盖配置
func ApplyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		var parts []string
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				parts = append(parts, s)
			}
		}
		*dst = parts
	}
	var firstErr error
	num := func(key string, dst *int) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", key, err)
			}
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", key, err)
			}
			return
		}
		*dst = d
	}
	flag := func(key string, dst *bool) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", key, err)
			}
			return
		}
		*dst = b
	}

	str("CHAT_ENV", &cfg.Env)
	str("CHAT_INSTANCE_ID", &cfg.InstanceID)
	str("CHAT_LOG_LEVEL", &cfg.Log.Level)
	str("CHAT_ADDR", &cfg.Server.Addr)
	str("CHAT_GRPC_ADDR", &cfg.Server.GrpcAddr)
	str("CHAT_ADMIN_TOKEN", &cfg.Server.AdminToken)
	list("CHAT_ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)
	str("CHAT_JWT_SECRET", &cfg.Auth.Secret)
	str("CHAT_JWT_ISSUER", &cfg.Auth.Issuer)

	num("CHAT_MAX_CONNS_PER_USER", &cfg.Limits.MaxConnsPerUser)
	num("CHAT_MAX_CONNS_PER_SESSION", &cfg.Limits.MaxConnsPerSession)
	num("CHAT_MAX_CONNS_PER_IP", &cfg.Limits.MaxConnsPerIP)
	num("CHAT_MAX_CONTENT_LENGTH", &cfg.Limits.MaxContentLength)
	num("CHAT_MAX_ROOM_MEMBERS", &cfg.Limits.MaxRoomMembers)
	num("CHAT_RESUME_MAX_MESSAGES", &cfg.Limits.ResumeMaxMessages)
	dur("CHAT_PRESENCE_GRACE", &cfg.Limits.PresenceGrace)
	dur("CHAT_IDLE_TIMEOUT", &cfg.Limits.IdleTimeout)

	num("CHAT_RATE_MAX", &cfg.Rate.Max)
	dur("CHAT_RATE_WINDOW", &cfg.Rate.Window)
	dur("CHAT_RATE_VIOLATION_WINDOW", &cfg.Rate.ViolationWindow)
	num("CHAT_RATE_THROTTLE_AT", &cfg.Rate.ThrottleAt)
	num("CHAT_RATE_CLOSE_AT", &cfg.Rate.CloseAt)

	num("CHAT_MAX_QUEUE_DEPTH", &cfg.Backpressure.MaxQueueDepth)
	num("CHAT_MAX_BUFFERED_BYTES", &cfg.Backpressure.MaxBufferedBytes)
	num("CHAT_MAX_CONSECUTIVE_OVERFLOWS", &cfg.Backpressure.MaxConsecutiveOverflows)

	flag("CHAT_BUS_ENABLED", &cfg.Bus.Enabled)
	list("CHAT_NATS_URLS", &cfg.Bus.Servers)
	str("CHAT_NATS_USER", &cfg.Bus.User)
	str("CHAT_NATS_PASSWORD", &cfg.Bus.Password)

	flag("CHAT_REDIS_ENABLED", &cfg.Redis.Enabled)
	str("CHAT_REDIS_ADDR", &cfg.Redis.Addr)
	str("CHAT_REDIS_PASSWORD", &cfg.Redis.Password)

	flag("CHAT_MONGO_ENABLED", &cfg.Mongo.Enabled)
	str("CHAT_MONGO_URI", &cfg.Mongo.Uri)
	str("CHAT_MONGO_DATABASE", &cfg.Mongo.Database)

	flag("CHAT_PG_ENABLED", &cfg.Postgres.Enabled)
	str("CHAT_PG_DSN", &cfg.Postgres.DSN)
	if cfg.Postgres.DSN == "" {
		str("DATABASE_URL", &cfg.Postgres.DSN)
	}

	flag("CHAT_KAFKA_ENABLED", &cfg.Kafka.Enabled)
	list("CHAT_KAFKA_BROKERS", &cfg.Kafka.Brokers)
	str("CHAT_KAFKA_TOPIC", &cfg.Kafka.Topic)

	return firstErr
}

// Validate 校验相互依赖的阈值
func (c *Config) Validate() error {
	switch c.Env {
	case EnvProduction, EnvDevelopment, EnvTest:
	default:
		return fmt.Errorf("env must be production|development|test, got %q", c.Env)
	}
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return fmt.Errorf("server.addr: %w", err)
	}
	l := c.Limits
	if l.MaxConnsPerUser <= 0 || l.MaxConnsPerSession <= 0 || l.MaxConnsPerIP <= 0 {
		return fmt.Errorf("connection caps must be positive")
	}
	if l.MaxConnsPerSession > l.MaxConnsPerUser {
		return fmt.Errorf("max_conns_per_session (%d) must not exceed max_conns_per_user (%d)",
			l.MaxConnsPerSession, l.MaxConnsPerUser)
	}
	if l.MaxContentLength <= 0 || l.MaxFrameBytes <= 0 {
		return fmt.Errorf("content and frame limits must be positive")
	}
	if l.ResumeMaxMessages <= 0 || l.MaxRoomMembers <= 1 {
		return fmt.Errorf("resume_max_messages must be positive and max_room_members > 1")
	}
	r := c.Rate
	if r.Max <= 0 || r.Window <= 0 || r.ViolationWindow <= 0 {
		return fmt.Errorf("rate max/window must be positive")
	}
	if r.WarnRatio <= 0 || r.WarnRatio > 1 {
		return fmt.Errorf("rate.warn_ratio must be in (0,1]")
	}
	if r.ThrottleAt <= 0 || r.CloseAt <= r.ThrottleAt {
		return fmt.Errorf("rate.close_at (%d) must be greater than rate.throttle_at (%d)", r.CloseAt, r.ThrottleAt)
	}
	b := c.Backpressure
	if b.MaxQueueDepth <= 0 || b.MaxBufferedBytes <= 0 || b.MaxConsecutiveOverflows <= 0 {
		return fmt.Errorf("backpressure limits must be positive")
	}
	if c.IsProduction() && c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required in production")
	}
	if c.Bus.Enabled && len(c.Bus.Servers) == 0 {
		return fmt.Errorf("bus.servers required when bus is enabled")
	}
	// 生产环境必须跨实例一致
	if c.IsProduction() && !c.Bus.Enabled {
		return fmt.Errorf("bus.enabled is required in production")
	}
	return nil
}
