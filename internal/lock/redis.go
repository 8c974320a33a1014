package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	defaultTTL   = 5 * time.Minute
	pollInterval = 100 * time.Millisecond
)

// unlockScript deletes the key only if it still carries our token.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// Redis is a distributed Locker for multi-instance deployments. Goroutines
// of the same process first queue on a local KeyedMutex so only one of them
// polls Redis per key.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	local  *KeyedMutex
}

// NewRedis creates a Redis-backed locker. The TTL bounds how long a crashed
// holder can block a key; it must exceed the longest execution.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if prefix == "" {
		prefix = "mirror:lock:"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, local: NewKeyedMutex()}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := r.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	redisKey := r.prefix + key
	token := newToken()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			unlockLocal()
			return nil, fmt.Errorf("lock: redis setnx %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.unlock(key, redisKey, token) })
		unlockLocal()
	}, nil
}

func (r *Redis) unlock(key, redisKey, token string) {
	// Release even if the caller's context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := unlockScript.Run(ctx, r.client, []string{redisKey}, token).Int64()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("lock: redis unlock failed")
	} else if res == 0 {
		log.Warn().Str("key", key).Msg("lock: redis lock expired before unlock")
	}
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
