package denialcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed denial cache, for deployments running more
// than one accounting process in front of a shared Redis instance. It
// satisfies the same Store interface as Memory; Get/Set/Evict block on
// network I/O, unlike Memory's pure in-process lookups.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore returns a denial cache backed by client. keyPrefix
// namespaces keys (e.g. "quota:denial:") so the cache can share a Redis
// instance with unrelated data.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "quota:denial:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

type redisEntry struct {
	Reason       string    `json:"reason"`
	ResetInstant time.Time `json:"reset_instant"`
}

func (r *RedisStore) redisKey(key Key) string {
	return fmt.Sprintf("%s%s|%s|%s|%s", r.keyPrefix, key.Model, key.Username, key.CallerName, key.Project)
}

// Get returns the memoized denial for key, evicting it first if it has
// already expired. Redis' own TTL (set alongside the value in Set) means
// an expired entry is usually already gone by the time Get runs; the
// explicit reset-instant check here only matters for clock skew between
// the process that set the TTL and the one reading it now.
func (r *RedisStore) Get(key Key, now time.Time) (Entry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if err != nil {
		return Entry{}, false
	}
	var e redisEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false
	}
	if !now.Before(e.ResetInstant) {
		r.Evict(key)
		return Entry{}, false
	}
	return Entry{Reason: e.Reason, ResetInstant: e.ResetInstant}, true
}

// Set memoizes entry for key with a TTL matching its reset instant, so
// Redis itself reclaims the key once the denial would lift.
func (r *RedisStore) Set(key Key, entry Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ttl := time.Until(entry.ResetInstant)
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(redisEntry{Reason: entry.Reason, ResetInstant: entry.ResetInstant})
	if err != nil {
		return
	}
	r.client.Set(ctx, r.redisKey(key), raw, ttl)
}

// Evict removes any memoized denial for key.
func (r *RedisStore) Evict(key Key) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.client.Del(ctx, r.redisKey(key))
}
