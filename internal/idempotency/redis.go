package idempotency

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var beginScript = redis.NewScript(`
local key = KEYS[1]
local fingerprint = ARGV[1]
local ttl_ms = ARGV[2]

if redis.call("EXISTS", key) == 0 then
  redis.call("HSET", key, "fingerprint", fingerprint, "status", "in_progress")
  redis.call("PEXPIRE", key, ttl_ms)
  return {"new"}
end

local existing_fp = redis.call("HGET", key, "fingerprint")
if existing_fp ~= fingerprint then
  return {"conflict"}
end

local status = redis.call("HGET", key, "status")
if status == "completed" then
  return {"replay", redis.call("HGET", key, "status_code") or "", redis.call("HGET", key, "body") or ""}
end

return {"in_progress"}
`)

var completeScript = redis.NewScript(`
local key = KEYS[1]
local fingerprint = ARGV[1]
local ttl_ms = ARGV[2]
local status_code = ARGV[3]
local body = ARGV[4]

if redis.call("EXISTS", key) == 0 then
  return 0
end
if redis.call("HGET", key, "fingerprint") ~= fingerprint then
  return -1
end

redis.call("HSET", key, "status", "completed", "status_code", status_code, "body", body)
redis.call("PEXPIRE", key, ttl_ms)
return 1
`)

// RedisStore is the shared-cache variant of the Store, for deployments
// running more than one engine instance. Claims and completions are atomic
// via Lua scripts; expiry rides on the key TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "idem"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) redisKey(scope, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, scope, key)
}

func (s *RedisStore) Begin(ctx context.Context, scope, key, fingerprint string, ttl time.Duration) (BeginResult, error) {
	raw, err := beginScript.Run(
		ctx, s.client,
		[]string{s.redisKey(scope, key)},
		fingerprint,
		int(ttl/time.Millisecond),
	).Result()
	if err != nil {
		return BeginResult{}, err
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) == 0 {
		return BeginResult{}, fmt.Errorf("unexpected redis begin result type")
	}

	switch State(asString(values[0])) {
	case StateNew:
		return BeginResult{State: StateNew}, nil
	case StateConflict:
		return BeginResult{State: StateConflict}, nil
	case StateInProgress:
		return BeginResult{State: StateInProgress}, nil
	case StateReplay:
		if len(values) < 3 {
			return BeginResult{}, fmt.Errorf("unexpected replay payload")
		}
		statusCode, parseErr := strconv.Atoi(asString(values[1]))
		if parseErr != nil {
			return BeginResult{}, fmt.Errorf("parse replay status: %w", parseErr)
		}
		body, decodeErr := base64.StdEncoding.DecodeString(asString(values[2]))
		if decodeErr != nil {
			return BeginResult{}, fmt.Errorf("decode replay body: %w", decodeErr)
		}
		return BeginResult{
			State:  StateReplay,
			Cached: &CachedResult{StatusCode: statusCode, Body: body},
		}, nil
	default:
		return BeginResult{}, fmt.Errorf("unknown idempotency state %q", asString(values[0]))
	}
}

func (s *RedisStore) Complete(ctx context.Context, scope, key, fingerprint string, result CachedResult, ttl time.Duration) error {
	_, err := completeScript.Run(
		ctx, s.client,
		[]string{s.redisKey(scope, key)},
		fingerprint,
		int(ttl/time.Millisecond),
		result.StatusCode,
		base64.StdEncoding.EncodeToString(result.Body),
	).Result()
	return err
}

var abandonScript = redis.NewScript(`
local key = KEYS[1]
local fingerprint = ARGV[1]

if redis.call("EXISTS", key) == 0 then
  return 0
end
if redis.call("HGET", key, "fingerprint") ~= fingerprint then
  return -1
end
if redis.call("HGET", key, "status") ~= "in_progress" then
  return -2
end
redis.call("DEL", key)
return 1
`)

func (s *RedisStore) Abandon(ctx context.Context, scope, key, fingerprint string) error {
	_, err := abandonScript.Run(ctx, s.client, []string{s.redisKey(scope, key)}, fingerprint).Result()
	return err
}

func asString(v interface{}) string {
	switch typed := v.(type) {
	case string:
		return typed
	case []byte:
		return string(typed)
	default:
		return fmt.Sprint(v)
	}
}
