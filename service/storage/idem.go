package storage

import (
	"context"
	"time"

	"ppchat/tools/errs"

	"github.com/redis/go-redis/v9"
)

// RedisIdem 基于 SET NX 的跨实例去重，key 形如 im:idem:<key>
type RedisIdem struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisIdem(rdb redis.UniversalClient, prefix string) *RedisIdem {
	if prefix == "" {
		prefix = "im:idem:"
	}
	return &RedisIdem{rdb: rdb, prefix: prefix}
}

func (r *RedisIdem) SeenOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, errs.WrapMsg(err, "idem setnx", "key", key)
	}
	// 写入成功说明第一次见到
	return !ok, nil
}
