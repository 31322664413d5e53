package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces ledger keys.
const DefaultRedisPrefix = "paybridge:ledger:"

// handOffScript moves the record at KEYS[1] to handed_off when it is leased
// under ARGV[1]. The key TTL becomes the retention so the record outlives the
// lease. ARGV: token, now, retention in milliseconds.
var handOffScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return 0
end
local rec = cjson.decode(cur)
if (rec.token or '') ~= ARGV[1] or (rec.state ~= 'in_flight' and rec.state ~= 'processing') then
  return 0
end
rec.state = 'handed_off'
rec.lease_expires_at = ARGV[2]
rec.lease_until_ms = nil
redis.call('SET', KEYS[1], cjson.encode(rec), 'PX', ARGV[3])
return 1
`)

// claimScript takes a handed_off record, or a processing record whose lease
// passed, for a new holder. lease_until_ms mirrors lease_expires_at as a
// number Lua can compare. ARGV: token, now in ms, lease end in ms, lease end,
// retention in milliseconds. Returns {claimed, state}.
var claimScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return {0, ''}
end
local rec = cjson.decode(cur)
local expired = rec.state == 'processing' and tonumber(rec.lease_until_ms or 0) <= tonumber(ARGV[2])
if rec.state ~= 'handed_off' and not expired then
  return {0, rec.state}
end
rec.state = 'processing'
rec.token = ARGV[1]
rec.lease_expires_at = ARGV[4]
rec.lease_until_ms = tonumber(ARGV[3])
redis.call('SET', KEYS[1], cjson.encode(rec), 'PX', ARGV[5])
return {1, 'processing'}
`)

// commitScript turns the record at KEYS[1] into a committed record, creating
// it when the reservation already expired. Returns 1 on commit, 0 when
// already committed and -1 when another token holds the record. ARGV:
// outcome, committed_at, retention in milliseconds, key, token.
var commitScript = redis.NewScript(`
local rec
local cur = redis.call('GET', KEYS[1])
if cur then
  rec = cjson.decode(cur)
  if rec.state == 'committed' then
    return 0
  end
  if (rec.token or '') ~= ARGV[5] then
    return -1
  end
else
  rec = {key = ARGV[4], token = ARGV[5], reserved_at = ARGV[2], lease_expires_at = ARGV[2]}
end
rec.state = 'committed'
rec.outcome = ARGV[1]
rec.committed_at = ARGV[2]
rec.lease_until_ms = nil
redis.call('SET', KEYS[1], cjson.encode(rec), 'PX', ARGV[3])
return 1
`)

// releaseScript deletes KEYS[1] while it is uncommitted and held under
// ARGV[1].
var releaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return 0
end
local rec = cjson.decode(cur)
if rec.state ~= 'committed' and (rec.token or '') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisOptions configures the Redis ledger.
type RedisOptions struct {
	Options
	Prefix string
	// Retention is the TTL of committed records. Prune also removes records
	// older than its cutoff.
	Retention time.Duration
}

// Redis is a Ledger shared by every process pointing at the same Redis.
//
// Reserve is SET NX PX: the lease is the key TTL, so an expired reservation
// disappears on its own and the next Reserve succeeds. HandOff, Claim and
// Commit rewrite the key with the retention TTL through Lua scripts.
type Redis struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	opts      Options
}

// NewRedis creates a Redis ledger on an existing client.
func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = DefaultRedisPrefix
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	return &Redis{
		client:    client,
		prefix:    opts.Prefix,
		retention: opts.Retention,
		opts:      opts.Options.withDefaults(),
	}
}

func (r *Redis) key(k string) string { return r.prefix + k }

func (r *Redis) Reserve(ctx context.Context, key string) (Reservation, error) {
	if key == "" {
		return Reservation{}, ErrEmptyKey
	}
	now := r.opts.Now().UTC()
	token := NewToken()
	data, err := json.Marshal(Record{
		Key:            key,
		State:          StateInFlight,
		Token:          token,
		ReservedAt:     now,
		LeaseExpiresAt: now.Add(r.opts.LeaseTTL),
	})
	if err != nil {
		return Reservation{}, err
	}

	ok, err := r.client.SetNX(ctx, r.key(key), data, r.opts.LeaseTTL).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("redis reserve %s: %w", key, err)
	}
	if !ok {
		return Reservation{Result: Duplicate}, nil
	}
	return Reservation{Result: Fresh, Token: token}, nil
}

func (r *Redis) HandOff(ctx context.Context, key, token string) error {
	if key == "" {
		return ErrEmptyKey
	}
	now := r.opts.Now().UTC().Format(time.RFC3339Nano)
	moved, err := handOffScript.Run(ctx, r.client, []string{r.key(key)},
		token, now, r.retention.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis hand off %s: %w", key, err)
	}
	if moved == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *Redis) Claim(ctx context.Context, key string) (Claim, error) {
	if key == "" {
		return Claim{}, ErrEmptyKey
	}
	now := r.opts.Now().UTC()
	until := now.Add(r.opts.LeaseTTL)
	token := NewToken()

	reply, err := claimScript.Run(ctx, r.client, []string{r.key(key)},
		token, now.UnixMilli(), until.UnixMilli(), until.Format(time.RFC3339Nano), r.retention.Milliseconds(),
	).Slice()
	if err != nil {
		return Claim{}, fmt.Errorf("redis claim %s: %w", key, err)
	}
	if len(reply) != 2 {
		return Claim{}, fmt.Errorf("redis claim %s: unexpected reply %v", key, reply)
	}
	claimed, _ := reply[0].(int64)
	state, _ := reply[1].(string)
	if claimed == 1 {
		return Claim{Token: token, State: StateProcessing}, nil
	}
	return Claim{State: State(state)}, nil
}

func (r *Redis) Commit(ctx context.Context, key, token, outcome string) error {
	if key == "" {
		return ErrEmptyKey
	}
	now := r.opts.Now().UTC().Format(time.RFC3339Nano)
	res, err := commitScript.Run(ctx, r.client, []string{r.key(key)},
		outcome, now, r.retention.Milliseconds(), key, token,
	).Int()
	if err != nil {
		return fmt.Errorf("redis commit %s: %w", key, err)
	}
	if res < 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(key)}, token).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) (*Record, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode ledger record %s: %w", key, err)
	}
	return &rec, nil
}

// Prune scans the key prefix. Key TTLs already enforce the lease and the
// configured retention; Prune only matters for a shorter ad-hoc cutoff.
func (r *Redis) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		data, err := r.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("redis prune get %s: %w", k, err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil || !prunable(&rec, olderThan) {
			continue
		}
		deleted, err := r.client.Del(ctx, k).Result()
		if err != nil {
			return n, fmt.Errorf("redis prune del %s: %w", k, err)
		}
		n += deleted
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("redis prune scan: %w", err)
	}
	return n, nil
}
