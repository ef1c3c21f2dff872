package promptcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joeycumines/promptbridge/bridgeerr"
	"github.com/joeycumines/promptbridge/fingerprint"
)

// currentVersion is bumped whenever persistedEntry's shape changes in a way
// that isn't backward compatible; entries read back with a different
// version are treated as a miss rather than decoded.
const currentVersion = 1

// persistedEntry is the JSON schema written to the L2 store, per spec
// §4.8.
type persistedEntry struct {
	Fingerprint fingerprint.Digest `json:"fingerprint"`
	Value       any                `json:"value"`
	ExpiresAt   time.Time          `json:"expires_at"`
	Version     int                `json:"version"`
}

// RedisStore implements Store over a redis/go-redis/v9 client.
type RedisStore struct {
	rdb       *redis.Client
	keyPrefix string
}

// NewRedisStore wraps rdb. keyPrefix namespaces keys (e.g. "promptbridge:cache:").
func NewRedisStore(rdb *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{rdb: rdb, keyPrefix: keyPrefix}
}

func (s *RedisStore) redisKey(key fingerprint.Digest) string {
	return s.keyPrefix + key.String()
}

func (s *RedisStore) Get(ctx context.Context, key fingerprint.Digest) (persistedEntry, bool, error) {
	raw, err := s.rdb.Get(ctx, s.redisKey(key)).Bytes()
	if err == redis.Nil {
		return persistedEntry{}, false, nil
	}
	if err != nil {
		return persistedEntry{}, false, bridgeerr.Wrap(bridgeerr.KindCache, "redis GET failed", err)
	}

	var entry persistedEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt or forward-incompatible entry is a miss, not an error:
		// it will simply be recomputed and overwritten.
		return persistedEntry{}, false, nil
	}
	if entry.Version == 0 {
		return persistedEntry{}, false, nil
	}
	return entry, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key fingerprint.Digest, entry persistedEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindEncoding, "marshaling cache entry", err)
	}

	var ttl time.Duration
	if !entry.ExpiresAt.IsZero() {
		ttl = time.Until(entry.ExpiresAt)
		if ttl <= 0 {
			return nil // already expired, don't bother writing it
		}
	}

	if err := s.rdb.Set(ctx, s.redisKey(key), raw, ttl).Err(); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindCache, "redis SET failed", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key fingerprint.Digest) error {
	if err := s.rdb.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindCache, "redis DEL failed", err)
	}
	return nil
}

// DeletePrefix removes every key in this store whose fingerprint starts
// with the given byte, used by Cache.Flush.
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix byte) error {
	pattern := fmt.Sprintf("%s%02x*", s.keyPrefix, prefix)

	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindCache, "redis SCAN failed", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindCache, "redis DEL (flush) failed", err)
	}
	return nil
}
