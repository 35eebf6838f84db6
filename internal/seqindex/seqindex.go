// Package seqindex persists per-session sequence counters so a session that
// logs on without resetting can resume from where the previous connection
// stopped.
package seqindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/internal/session"
)

// ErrNotFound reports a session key with no stored counters.
var ErrNotFound = errors.New("seqindex: session not indexed")

const keyPattern = "fixgate:seq:%s" // composite session key

// Counters are the last sequence numbers used on each side of a session.
type Counters struct {
	LastSent     int `json:"last_sent"`
	LastReceived int `json:"last_received"`
}

// Index stores and recalls sequence counters by session key.
type Index interface {
	Save(ctx context.Context, key session.Key, counters Counters) error
	Load(ctx context.Context, key session.Key) (Counters, error)
	Delete(ctx context.Context, key session.Key) error
}

// RedisIndex keeps counters in Redis so they survive gateway restarts and
// are visible to every node of the cluster.
type RedisIndex struct {
	client redis.UniversalClient
	log    *zap.Logger
}

// NewRedisIndex wraps an existing client. The caller owns the client's
// lifecycle.
func NewRedisIndex(client redis.UniversalClient, log *zap.Logger) *RedisIndex {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisIndex{client: client, log: log}
}

func redisKey(key session.Key) string {
	return fmt.Sprintf(keyPattern, key.String())
}

// Save overwrites the counters for the session. Counters only ever advance,
// so last writer wins is safe.
func (i *RedisIndex) Save(ctx context.Context, key session.Key, counters Counters) error {
	data, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("marshaling counters: %w", err)
	}
	if err := i.client.Set(ctx, redisKey(key), data, 0).Err(); err != nil {
		return fmt.Errorf("saving counters for %s: %w", key, err)
	}
	return nil
}

// Load returns the stored counters or ErrNotFound.
func (i *RedisIndex) Load(ctx context.Context, key session.Key) (Counters, error) {
	data, err := i.client.Get(ctx, redisKey(key)).Result()
	if err == redis.Nil {
		return Counters{}, ErrNotFound
	}
	if err != nil {
		return Counters{}, fmt.Errorf("loading counters for %s: %w", key, err)
	}
	var counters Counters
	if err := json.Unmarshal([]byte(data), &counters); err != nil {
		return Counters{}, fmt.Errorf("unmarshaling counters for %s: %w", key, err)
	}
	return counters, nil
}

// Delete removes the counters, used when a logon resets sequence numbers.
func (i *RedisIndex) Delete(ctx context.Context, key session.Key) error {
	return i.client.Del(ctx, redisKey(key)).Err()
}

// MemoryIndex is a process-local Index for single-node runs and tests.
type MemoryIndex struct {
	mu       sync.RWMutex
	counters map[session.Key]Counters
}

// NewMemoryIndex builds an empty in-process index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{counters: make(map[session.Key]Counters)}
}

// Save overwrites the counters for the session.
func (i *MemoryIndex) Save(ctx context.Context, key session.Key, counters Counters) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.counters[key] = counters
	return nil
}

// Load returns the stored counters or ErrNotFound.
func (i *MemoryIndex) Load(ctx context.Context, key session.Key) (Counters, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	counters, ok := i.counters[key]
	if !ok {
		return Counters{}, ErrNotFound
	}
	return counters, nil
}

// Delete removes the counters.
func (i *MemoryIndex) Delete(ctx context.Context, key session.Key) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.counters, key)
	return nil
}
