package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"ppchat/tools/errs"

	"github.com/redis/go-redis/v9"
)

// Directory 跨实例在线目录：用户 -> 持有其连接的实例 id
type Directory interface {
	// Online 标记 user 在 instance 上在线，同时续期
	Online(ctx context.Context, userID, instanceID string) error
	Offline(ctx context.Context, userID, instanceID string) error
	// Instances 返回仍在有效期内的实例
	Instances(ctx context.Context, userID string) ([]string, error)
	// TTL 条目有效期，持有连接的实例需在此之前续期
	TTL() time.Duration
}

// presence key: im:presence:{<user>}
// ZSET member = 实例 id，score = 过期时间（unix ms）
func presenceKey(user string) string { return "im:presence:{" + user + "}" }

// KEYS[1] = presence zset
// ARGV[1] = instance id, ARGV[2] = expireAtMs, ARGV[3] = key ttl ms
const luaPresenceOnline = `
redis.call("ZADD", KEYS[1], tonumber(ARGV[2]), ARGV[1])
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[3]))
return 1
`

// KEYS[1] = presence zset, ARGV[1] = nowMs
// 先清掉过期成员，再返回剩余成员
const luaPresenceActive = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
return redis.call("ZRANGE", KEYS[1], 0, -1)
`

type RedisDirectory struct {
	rdb       redis.UniversalClient
	ttl       time.Duration
	now       func() time.Time
	luaOnline *redis.Script
	luaActive *redis.Script
}

var _ Directory = (*RedisDirectory)(nil)

func NewRedisDirectory(rdb redis.UniversalClient, ttl time.Duration) *RedisDirectory {
	return &RedisDirectory{
		rdb:       rdb,
		ttl:       ttl,
		now:       time.Now,
		luaOnline: redis.NewScript(luaPresenceOnline),
		luaActive: redis.NewScript(luaPresenceActive),
	}
}

func (d *RedisDirectory) Online(ctx context.Context, userID, instanceID string) error {
	exp := d.now().Add(d.ttl).UnixMilli()
	err := d.luaOnline.Run(ctx, d.rdb, []string{presenceKey(userID)}, instanceID, exp, (2 * d.ttl).Milliseconds()).Err()
	if err != nil {
		return errs.WrapMsg(err, "presence online", "user", userID)
	}
	return nil
}

func (d *RedisDirectory) TTL() time.Duration { return d.ttl }

func (d *RedisDirectory) Offline(ctx context.Context, userID, instanceID string) error {
	if err := d.rdb.ZRem(ctx, presenceKey(userID), instanceID).Err(); err != nil {
		return errs.WrapMsg(err, "presence offline", "user", userID)
	}
	return nil
}

func (d *RedisDirectory) Instances(ctx context.Context, userID string) ([]string, error) {
	out, err := d.luaActive.Run(ctx, d.rdb, []string{presenceKey(userID)}, d.now().UnixMilli()).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, errs.WrapMsg(err, "presence lookup", "user", userID)
	}
	return out, nil
}

// MemoryDirectory 单进程实现，测试和未启用 Redis 时使用
type MemoryDirectory struct {
	mu  sync.Mutex
	m   map[string]map[string]time.Time
	ttl time.Duration
	now func() time.Time
}

var _ Directory = (*MemoryDirectory)(nil)

func NewMemoryDirectory(ttl time.Duration) *MemoryDirectory {
	return &MemoryDirectory{m: make(map[string]map[string]time.Time), ttl: ttl, now: time.Now}
}

func (d *MemoryDirectory) Online(_ context.Context, userID, instanceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.m[userID]
	if !ok {
		set = make(map[string]time.Time)
		d.m[userID] = set
	}
	set[instanceID] = d.now().Add(d.ttl)
	return nil
}

func (d *MemoryDirectory) TTL() time.Duration { return d.ttl }

func (d *MemoryDirectory) Offline(_ context.Context, userID, instanceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set, ok := d.m[userID]; ok {
		delete(set, instanceID)
		if len(set) == 0 {
			delete(d.m, userID)
		}
	}
	return nil
}

func (d *MemoryDirectory) Instances(_ context.Context, userID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	var out []string
	for inst, exp := range d.m[userID] {
		if exp.After(now) {
			out = append(out, inst)
		} else {
			delete(d.m[userID], inst)
		}
	}
	sort.Strings(out)
	return out, nil
}
