package lock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexus-trading/mirror/internal/chain"
)

// Locker serializes work on a key. Lock blocks until the key is free or
// ctx is done and returns the function that releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Key builds the position key for (user, network, token). EVM checksum
// variants share a key; Solana mints keep their case.
func Key(userID, network, token string) string {
	n := strings.ToLower(network)
	return userID + "|" + n + "|" + chain.NormalizeToken(chain.Network(n), token)
}

// Config selects a backend.
type Config struct {
	Backend   string // local | redis
	RedisAddr string
	RedisDB   int
	Password  string
	TTL       time.Duration
	Prefix    string
}

// New creates the configured Locker.
func New(cfg Config) (Locker, error) {
	switch cfg.Backend {
	case "", "local":
		return NewKeyedMutex(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.Password,
			DB:       cfg.RedisDB,
		})
		return NewRedis(client, cfg.Prefix, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("lock: unsupported backend %q", cfg.Backend)
	}
}

// ---------------------------------------------------------------------------
// In-process keyed mutex
// ---------------------------------------------------------------------------

// KeyedMutex is a set of mutexes created on demand and dropped when no
// goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{} // holds one token while the key is locked
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
