// Package redis implements keystore.Store on Redis. Every conditional
// mutation runs as a Lua script so the check and the write are one atomic
// server-side step.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"pkt.systems/keyd/internal/keystore"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "keyd"

var insertScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return "duplicate"
end
if ARGV[2] ~= "" then
  local held = redis.call("HGET", KEYS[2], "expires_ms")
  if held and tonumber(held) > tonumber(ARGV[5]) then
    return "throttled"
  end
  redis.call("HSET", KEYS[2], "key", ARGV[1], "expires_ms", ARGV[3])
end
redis.call("HSET", KEYS[1], "key", ARGV[1], "origin", ARGV[2], "client", "", "used", "0", "expires_ms", ARGV[3], "created_ms", ARGV[4])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
return "ok"
`)

var bindScript = goredis.NewScript(`
local exp = redis.call("HGET", KEYS[1], "expires_ms")
if not exp or tonumber(exp) <= tonumber(ARGV[2]) then
  return "not_found"
end
local client = redis.call("HGET", KEYS[1], "client")
if client and client ~= "" then
  return "claimed"
end
redis.call("HSET", KEYS[1], "client", ARGV[1])
return "ok"
`)

var markUsedScript = goredis.NewScript(`
local vals = redis.call("HMGET", KEYS[1], "expires_ms", "client", "used")
if not vals[1] then
  return "not_found"
end
if tonumber(vals[1]) <= tonumber(ARGV[2]) or vals[3] == "1" or ARGV[1] == "" or vals[2] ~= ARGV[1] then
  return "not_eligible"
end
redis.call("HSET", KEYS[1], "used", "1")
return "ok"
`)

var deleteExpiredScript = goredis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
local removed = 0
for _, k in ipairs(due) do
  local rk = ARGV[2] .. k
  local origin = redis.call("HGET", rk, "origin")
  if origin and origin ~= "" then
    local ok = ARGV[3] .. origin
    if redis.call("HGET", ok, "key") == k then
      redis.call("DEL", ok)
    end
  end
  removed = removed + redis.call("DEL", rk)
  redis.call("ZREM", KEYS[1], k)
end
return removed
`)

// Config configures the Redis key store.
type Config struct {
	// URL is a redis:// or rediss:// connection string.
	URL    string
	Prefix string
}

// Store implements keystore.Store backed by Redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
	owned  bool
}

// Open dials Redis described by cfg and verifies connectivity.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	store := New(client, cfg.Prefix)
	store.owned = true
	return store, nil
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Close closes the client when the store dialled it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *Store) recordPrefix() string { return s.prefix + ":key:" }
func (s *Store) originPrefix() string { return s.prefix + ":origin:" }
func (s *Store) expiryIndex() string  { return s.prefix + ":expiry" }

// Insert creates rec and claims its origin slot in one script run.
func (s *Store) Insert(ctx context.Context, rec keystore.Record, now time.Time) error {
	origin := rec.Origin()
	status, err := insertScript.Run(ctx, s.client,
		[]string{s.recordPrefix() + rec.Key, s.originPrefix() + origin, s.expiryIndex()},
		rec.Key, origin, rec.ExpiresAt.UnixMilli(), rec.CreatedAt.UnixMilli(), now.UnixMilli(),
	).Text()
	if err != nil {
		return fmt.Errorf("redis: insert: %w", err)
	}
	switch status {
	case "ok":
		return nil
	case "duplicate":
		return keystore.ErrDuplicateKey
	case "throttled":
		return keystore.ErrOriginThrottled
	default:
		return fmt.Errorf("redis: insert: unexpected status %q", status)
	}
}

// Get reads the record hash for key.
func (s *Store) Get(ctx context.Context, key string) (keystore.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recordPrefix()+key).Result()
	if err != nil {
		return keystore.Record{}, fmt.Errorf("redis: get: %w", err)
	}
	if len(fields) == 0 {
		return keystore.Record{}, keystore.ErrNotFound
	}
	return decodeRecord(fields)
}

// Bind claims key for clientID.
func (s *Store) Bind(ctx context.Context, key, clientID string, now time.Time) error {
	status, err := bindScript.Run(ctx, s.client, []string{s.recordPrefix() + key}, clientID, now.UnixMilli()).Text()
	if err != nil {
		return fmt.Errorf("redis: bind: %w", err)
	}
	switch status {
	case "ok":
		return nil
	case "not_found":
		return keystore.ErrNotFound
	case "claimed":
		return keystore.ErrAlreadyClaimed
	default:
		return fmt.Errorf("redis: bind: unexpected status %q", status)
	}
}

// MarkUsed consumes key when it is verifiable for clientID.
func (s *Store) MarkUsed(ctx context.Context, key, clientID string, now time.Time) error {
	status, err := markUsedScript.Run(ctx, s.client, []string{s.recordPrefix() + key}, clientID, now.UnixMilli()).Text()
	if err != nil {
		return fmt.Errorf("redis: mark used: %w", err)
	}
	switch status {
	case "ok":
		return nil
	case "not_found":
		return keystore.ErrNotFound
	case "not_eligible":
		return keystore.ErrNotEligible
	default:
		return fmt.Errorf("redis: mark used: unexpected status %q", status)
	}
}

// DeleteExpired removes records whose expiry score is strictly before now.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := deleteExpiredScript.Run(ctx, s.client, []string{s.expiryIndex()},
		now.UnixMilli(), s.recordPrefix(), s.originPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("redis: delete expired: %w", err)
	}
	return n, nil
}

func decodeRecord(fields map[string]string) (keystore.Record, error) {
	expires, err := strconv.ParseInt(fields["expires_ms"], 10, 64)
	if err != nil {
		return keystore.Record{}, fmt.Errorf("redis: decode expires_ms: %w", err)
	}
	created, err := strconv.ParseInt(fields["created_ms"], 10, 64)
	if err != nil {
		return keystore.Record{}, fmt.Errorf("redis: decode created_ms: %w", err)
	}
	return keystore.Record{
		Key:               fields["key"],
		IssuedToOrigin:    keystore.StringPtr(fields["origin"]),
		ClaimedByClientID: keystore.StringPtr(fields["client"]),
		Used:              fields["used"] == "1",
		ExpiresAt:         time.UnixMilli(expires).UTC(),
		CreatedAt:         time.UnixMilli(created).UTC(),
	}, nil
}
