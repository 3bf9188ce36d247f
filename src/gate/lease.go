package gate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease keeps two service instances from working the same proposal at once.
// It only narrows the race; the intent row is what guarantees exactly once.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLease is a SET NX lease with owner-checked release.
type RedisLease struct {
	rdb *redis.Client
}

func NewRedisLease(rdb *redis.Client) *RedisLease {
	return &RedisLease{rdb: rdb}
}

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return func() {}, false, err
	}
	return func() {
		// detached so a cancelled run still frees the key
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		releaseScript.Run(ctx, l.rdb, []string{key}, token) //nolint:errcheck
	}, true, nil
}
