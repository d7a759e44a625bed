package global

import (
	"context"
	"os"
	"time"

	"ppchat/data/database/mgo/mongoutil"
	"ppchat/global/config"
	"ppchat/logger"
	mid "ppchat/middleware"
	"ppchat/module/message/store"
	"ppchat/module/room"
	"ppchat/module/user/session"
	"ppchat/service/bus"
	ka "ppchat/service/kafka"
	"ppchat/service/metrics"
	"ppchat/service/natsx"
	"ppchat/service/storage"
	rds "ppchat/service/storage/redis"
	"ppchat/tools/errs"
	"ppchat/tools/ids"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Resources 启动期建立的外部连接，Close 时逆序释放
type Resources struct {
	Redis    *redis.Client
	Mongo    *mongoutil.Client
	Postgres *session.PgStore
	Archiver *ka.Archiver
	Bus      *bus.Bus
}

func (r *Resources) Close(ctx context.Context) {
	if r.Bus != nil {
		_ = r.Bus.Close()
	}
	if r.Archiver != nil {
		if err := r.Archiver.Close(); err != nil {
			logger.Warn("[Boot] archiver close", zap.Error(err))
		}
	}
	if r.Postgres != nil {
		r.Postgres.Close()
	}
	if r.Mongo != nil {
		_ = r.Mongo.Close(ctx)
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
}

func ConfigLogger(cfg *config.Config) {
	logger.Init(cfg.Log.Level)
}

func ConfigIds(cfg *config.Config) {
	ids.SetNodeID(cfg.NodeID)
}

// ConfigInstanceID 未配置时生成一个，进程生命周期内不变
func ConfigInstanceID(cfg *config.Config) string {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "inst-" + ids.GenerateString()
	}
	return cfg.InstanceID
}

func ConfigMiddleware() *mid.MiddlewareManager {
	return mid.Config()
}

// ConfigRedis redis 未启用时返回 nil
func ConfigRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	return rds.NewClient(ctx, rds.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
}

// ConfigMgo mongo 未启用时返回 nil
func ConfigMgo(ctx context.Context, cfg *config.Config) (*mongoutil.Client, error) {
	if !cfg.Mongo.Enabled {
		return nil, nil
	}
	return mongoutil.NewMongoDB(ctx, &mongoutil.Config{
		Uri:         cfg.Mongo.Uri,
		Address:     cfg.Mongo.Address,
		Database:    cfg.Mongo.Database,
		Username:    cfg.Mongo.Username,
		Password:    cfg.Mongo.Password,
		AuthSource:  cfg.Mongo.AuthSource,
		MaxPoolSize: cfg.Mongo.MaxPoolSize,
		MaxRetry:    cfg.Mongo.MaxRetry,
	})
}

// ConfigStores 有 mongo 用 mongo（并建索引），否则内存实现
func ConfigStores(ctx context.Context, mc *mongoutil.Client) (store.Store, room.Store, error) {
	if mc == nil {
		logger.Warn("[Boot] mongo disabled, using in-memory message and room stores")
		return store.NewMemoryStore(), room.NewMemoryStore(), nil
	}
	ms := store.NewMongoStore(mc.GetDB())
	if err := ms.EnsureIndexes(ctx); err != nil {
		return nil, nil, err
	}
	rs := room.NewMongoStore(mc.GetDB())
	if err := rs.EnsureIndexes(ctx); err != nil {
		return nil, nil, err
	}
	return ms, rs, nil
}

// ConfigSessions postgres 未启用时用内存会话表
func ConfigSessions(ctx context.Context, cfg *config.Config) (session.Store, *session.PgStore, error) {
	if !cfg.Postgres.Enabled {
		return session.NewMemoryStore(), nil, nil
	}
	pg, err := session.NewPgStore(ctx, cfg.Postgres.DSN, !cfg.IsProduction())
	if err != nil {
		return nil, nil, err
	}
	return pg, pg, nil
}

// ConfigKafka 归档未启用时返回 nil
func ConfigKafka(cfg *config.Config) (*ka.Archiver, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	kc := ka.Config{
		Brokers:     cfg.Kafka.Brokers,
		Topic:       cfg.Kafka.Topic,
		Compression: cfg.Kafka.Compression,
		Retries:     cfg.Kafka.Retries,
		QueueSize:   cfg.Kafka.QueueSize,
	}
	p, err := ka.NewSyncProducer(kc, !cfg.IsProduction())
	if err != nil {
		return nil, err
	}
	topic := kc.Topic
	if topic == "" {
		topic = "chat.archive"
	}
	a := ka.NewArchiver(p, topic, kc.QueueSize, nil)
	a.Start()
	return a, nil
}

// ConfigBus 总线未启用时返回 nil（单实例）；有 redis 时去重表放 redis
func ConfigBus(cfg *config.Config, instanceID string, rdb *redis.Client, m *metrics.Metrics) *bus.Bus {
	if !cfg.Bus.Enabled {
		return nil
	}
	var idem natsx.IdemStore
	if rdb != nil {
		idem = storage.NewRedisIdem(rdb, "im:bus:idem:")
	}
	dial := bus.NatsDialer(natsx.NatsxConfig{
		Servers:       cfg.Bus.Servers,
		Name:          instanceID,
		User:          cfg.Bus.User,
		Password:      cfg.Bus.Password,
		ReconnectWait: time.Second,
		Timeout:       3 * time.Second,
	}, cfg.Bus.SubjectPrefix, 3, 100*time.Millisecond)
	return bus.New(bus.Options{
		InstanceID:    instanceID,
		Production:    cfg.IsProduction(),
		DedupTTL:      cfg.Bus.DedupTTL,
		RetryAttempts: cfg.Bus.RetryAttempts,
		RetryBase:     cfg.Bus.RetryBase,
		RetryMax:      cfg.Bus.RetryMax,
		RetryPoll:     cfg.Bus.RetryPoll,
	}, dial, idem, m)
}

// ConfigDirectory 跨实例在线目录；没有 redis 时为 nil，只看本地连接
func ConfigDirectory(cfg *config.Config, rdb *redis.Client) storage.Directory {
	if rdb == nil {
		return nil
	}
	return storage.NewRedisDirectory(rdb, cfg.Redis.PresenceTTL)
}

// MustStart 启动期错误统一包装
func MustStart(step string, err error) {
	if err != nil {
		logger.Error("[Boot] startup failed", zap.String("step", step), zap.Error(errs.WrapMsg(err, step)))
		logger.Sync()
		os.Exit(1)
	}
}
