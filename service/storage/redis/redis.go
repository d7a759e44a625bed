package redis

import (
	"context"
	"time"

	"ppchat/logger"
	"ppchat/tools/errs"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config 用于初始化 Redis
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewClient 建立连接并 ping（3s 超时），失败时关闭客户端
func NewClient(ctx context.Context, c Config) (*redis.Client, error) {
	if c.Addr == "" {
		return nil, errs.New("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errs.WrapMsg(err, "redis ping failed", "addr", c.Addr)
	}
	logger.Info("[Redis] connected", zap.String("addr", c.Addr), zap.Int("db", c.DB))
	return rdb, nil
}
