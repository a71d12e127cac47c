package session

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "x402:session:"

const (
	redisReusable  = "reusable"
	redisSingleUse = "single"
)

// KEYS[1] = grant key. Returns 1 if a grant existed; single-use grants are
// deleted in the same step.
var redisConsumeScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
    return 0
end
if v == "single" then
    redis.call("DEL", KEYS[1])
end
return 1
`)

// RedisStore shares grants between gateway replicas. Expiry is delegated to
// Redis key TTLs.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string, password string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Revoke matches on the caller prefix. Resource ids may contain colons and
// are hex-encoded.
func redisKey(callerID, key, resourceID string) string {
	return fmt.Sprintf("%s%s:%s:%s", redisKeyPrefix, callerID, key, hex.EncodeToString([]byte(resourceID)))
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Grant(ctx context.Context, g Grant) error {
	ttl := time.Until(g.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	value := redisReusable
	if g.SingleUse {
		value = redisSingleUse
	}
	return r.client.Set(ctx, redisKey(g.CallerID, g.Key, g.ResourceID), value, ttl).Err()
}

func (r *RedisStore) Check(ctx context.Context, callerID string, key string, resourceID string) (bool, error) {
	n, err := redisConsumeScript.Run(ctx, r.client, []string{redisKey(callerID, key, resourceID)}).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisStore) Revoke(ctx context.Context, callerID string) error {
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+callerID+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
