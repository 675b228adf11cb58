package reconnect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes per §6.4's cache layout: a primary record keyed by player and
// instance, plus a per-player pointer to the player's instanceId. The pointer
// is written and deleted alongside the record; no method of this store reads
// it, and every lookup takes both playerId and instanceId.
const (
	sessionKeyPrefix = "session:"
	playerKeyPrefix  = "player:"
	confirmKeyPrefix = "confirm:"
)

// defaultOrphanTTL is the fallback applied to a session/player key found
// with no expiry at all (§4.15 phase 4).
const defaultOrphanTTL = time.Hour

// RedisStore is the production Store, grounded on the same SET-with-TTL and
// key-partitioning pattern used by the pack's Redis session store (player
// and session keys with independently managed TTLs, corrupt payloads treated
// as absent rather than surfaced to callers).
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing go-redis client. The caller owns the
// client's lifecycle (dial options, TLS, auth).
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func sessionRedisKey(playerID, instanceID string) string {
	return fmt.Sprintf("%s%s:%s", sessionKeyPrefix, playerID, instanceID)
}

func playerRedisKey(playerID string) string {
	return playerKeyPrefix + playerID
}

func confirmRedisKey(userID, instanceID string) string {
	return fmt.Sprintf("%s%s:%s", confirmKeyPrefix, userID, instanceID)
}

// Put writes the record under session:{playerId}:{instanceId} and refreshes
// the player:{playerId} pointer, both with
// the same TTL so they expire together.
func (r *RedisStore) Put(ctx context.Context, rec Record, ttl time.Duration) error {
	data, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, sessionRedisKey(rec.PlayerID, rec.InstanceID), data, ttl).Err(); err != nil {
		return err
	}
	return r.client.Set(ctx, playerRedisKey(rec.PlayerID), rec.InstanceID, ttl).Err()
}

// Get reads a record, purging and reporting not-found if the cached payload
// fails to decode (§4.14: corrupt JSON at a known key is treated as absent
// and purged).
func (r *RedisStore) Get(ctx context.Context, playerID, instanceID string) (Record, bool, error) {
	data, err := r.client.Get(ctx, sessionRedisKey(playerID, instanceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	rec, err := unmarshalRecord(data)
	if errors.Is(err, ErrCorruptRecord) {
		_ = r.Delete(ctx, playerID, instanceID)
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Delete removes both the session record and its player pointer.
func (r *RedisStore) Delete(ctx context.Context, playerID, instanceID string) error {
	return r.client.Del(ctx, sessionRedisKey(playerID, instanceID), playerRedisKey(playerID)).Err()
}

// ListByInstance scans for session:*:{instanceId} keys. SCAN is used instead
// of KEYS so a large reconnect population does not block the server.
func (r *RedisStore) ListByInstance(ctx context.Context, instanceID string) ([]Record, error) {
	return r.scanRecords(ctx, sessionKeyPrefix+"*:"+instanceID)
}

// ListAll scans every session:* key.
func (r *RedisStore) ListAll(ctx context.Context) ([]Record, error) {
	return r.scanRecords(ctx, sessionKeyPrefix+"*")
}

func (r *RedisStore) scanRecords(ctx context.Context, pattern string) ([]Record, error) {
	var (
		out    []Record
		cursor uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			data, err := r.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, err
			}
			rec, err := unmarshalRecord(data)
			if errors.Is(err, ErrCorruptRecord) {
				_ = r.client.Del(ctx, key).Err()
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// PutConfirmationToken writes a one-shot replacement-confirmation token
// under confirm:{userId}:{instanceId} with the caller-supplied TTL (30s
// default per Open Question Decision 2).
func (r *RedisStore) PutConfirmationToken(ctx context.Context, userID, instanceID, token string, ttl time.Duration) error {
	return r.client.Set(ctx, confirmRedisKey(userID, instanceID), token, ttl).Err()
}

// AuditTTLs implements the Janitor's orphan key reaper (§4.15 phase 4):
// session/player keys with no TTL are given defaultOrphanTTL rather than
// living forever; confirm keys with no TTL are deleted outright since a
// confirmation token with an indefinite lifetime is a security hazard, not
// a cache-hygiene one.
func (r *RedisStore) AuditTTLs(ctx context.Context) (fixed, purged int, err error) {
	for _, prefix := range []string{sessionKeyPrefix, playerKeyPrefix} {
		n, auditErr := r.auditPrefixTTL(ctx, prefix+"*", defaultOrphanTTL)
		if auditErr != nil {
			return fixed, purged, auditErr
		}
		fixed += n
	}

	n, auditErr := r.purgePrefixWithoutTTL(ctx, confirmKeyPrefix+"*")
	if auditErr != nil {
		return fixed, purged, auditErr
	}
	purged += n
	return fixed, purged, nil
}

func (r *RedisStore) auditPrefixTTL(ctx context.Context, pattern string, ttl time.Duration) (int, error) {
	fixed := 0
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fixed, err
		}
		for _, key := range keys {
			remaining, err := r.client.TTL(ctx, key).Result()
			if err != nil {
				return fixed, err
			}
			if remaining < 0 {
				if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
					return fixed, err
				}
				fixed++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return fixed, nil
}

func (r *RedisStore) purgePrefixWithoutTTL(ctx context.Context, pattern string) (int, error) {
	purged := 0
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return purged, err
		}
		for _, key := range keys {
			remaining, err := r.client.TTL(ctx, key).Result()
			if err != nil {
				return purged, err
			}
			if remaining < 0 {
				if err := r.client.Del(ctx, key).Err(); err != nil {
					return purged, err
				}
				purged++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return purged, nil
}

// ConsumeConfirmationToken validates and deletes the token: it issues a GET
// and then a DEL only when the stored value equals token. The two calls are
// separate round trips and are not atomic.
func (r *RedisStore) ConsumeConfirmationToken(ctx context.Context, userID, instanceID, token string) (bool, error) {
	key := confirmRedisKey(userID, instanceID)
	stored, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if stored != token {
		return false, nil
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return false, err
	}
	return true, nil
}
