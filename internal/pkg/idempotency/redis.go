package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "idem:"

const (
	statePending   = "pending"
	stateCommitted = "committed"
)

// reserveScript creates the pending record only when the key is absent.
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'pending', 'fingerprint', ARGV[1], 'owner', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// commitScript stores the result if the caller still owns the pending record.
var commitScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] or redis.call('HGET', KEYS[1], 'state') ~= 'pending' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'committed', 'result', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// abortScript deletes the pending record if the caller still owns it.
var abortScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] or redis.call('HGET', KEYS[1], 'state') ~= 'pending' then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// RedisStore keeps reservations in Redis so every API node shares them
type RedisStore struct {
	client *redis.Client
	cfg    Config
}

// NewRedisStore creates an idempotency store on the given client
func NewRedisStore(client *redis.Client, cfg Config) *RedisStore {
	return &RedisStore{client: client, cfg: cfg.withDefaults()}
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string) (*Reservation, error) {
	redisKey := keyPrefix + key
	for {
		owner := uuid.NewString()
		ok, err := reserveScript.Run(ctx, s.client, []string{redisKey},
			fingerprint, owner, s.cfg.PendingLease.Milliseconds()).Int()
		if err != nil {
			return nil, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if ok == 1 {
			return &Reservation{Key: key, Owner: owner, IsNew: true}, nil
		}

		fields, err := s.client.HGetAll(ctx, redisKey).Result()
		if err != nil {
			return nil, fmt.Errorf("read idempotency key: %w", err)
		}
		if len(fields) == 0 {
			// aborted or expired between the two calls
			continue
		}
		if fields["fingerprint"] != fingerprint {
			return nil, ErrConflict
		}
		if fields["state"] == stateCommitted {
			return &Reservation{Key: key, Prior: []byte(fields["result"])}, nil
		}
		if err := waitPoll(ctx); err != nil {
			return nil, err
		}
	}
}

func (s *RedisStore) Commit(ctx context.Context, res *Reservation, result []byte) error {
	ok, err := commitScript.Run(ctx, s.client, []string{keyPrefix + res.Key},
		res.Owner, result, s.cfg.TTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("commit idempotency key: %w", err)
	}
	if ok != 1 {
		log.Warnf("[Idempotency] Commit for %s lost ownership", res.Key)
		return ErrNotOwner
	}
	return nil
}

func (s *RedisStore) Abort(ctx context.Context, res *Reservation) error {
	ok, err := abortScript.Run(ctx, s.client, []string{keyPrefix + res.Key}, res.Owner).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotOwner
		}
		return fmt.Errorf("abort idempotency key: %w", err)
	}
	if ok != 1 {
		return ErrNotOwner
	}
	return nil
}

func (s *RedisStore) Lease() time.Duration {
	return s.cfg.PendingLease
}
