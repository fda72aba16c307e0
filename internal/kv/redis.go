package kv

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"docstore/internal/storeerr"
)

// viewAttempts bounds the retries of a read-only transaction whose watched
// keys changed while it was reading
const viewAttempts = 5

// RedisStore is a Store over a Redis server
type RedisStore struct {
	client redis.UniversalClient
	log    *logrus.Entry
}

var (
	_ Store      = (*RedisStore)(nil)
	_ SetScanner = (*RedisStore)(nil)
)

// NewRedisStore wraps a client. Closing the store closes the client.
func NewRedisStore(client redis.UniversalClient, logger *logrus.Entry) *RedisStore {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisStore{
		client: client,
		log:    logger.WithField("component", "kv").WithField("store", "redis"),
	}
}

// View runs fn with keys watched and checks at EXEC time that none of them
// changed, retrying a few times when they did
func (s *RedisStore) View(ctx context.Context, keys []string, fn func(Tx) error) error {
	var err error
	for attempt := 0; attempt < viewAttempts; attempt++ {
		err = s.run(ctx, keys, fn)
		if !errors.Is(err, redis.TxFailedErr) {
			return mapRedisError("kv view", err)
		}
		s.log.WithField("attempt", attempt+1).Debug("snapshot changed during read, retrying")
	}
	return mapRedisError("kv view", err)
}

// Update runs fn with keys watched and applies its writes in MULTI/EXEC.
// A change to a watched key fails with ErrConcurrentUpdate.
func (s *RedisStore) Update(ctx context.Context, keys []string, fn func(Tx) error) error {
	return mapRedisError("kv update", s.run(ctx, keys, fn))
}

func (s *RedisStore) run(ctx context.Context, keys []string, fn func(Tx) error) error {
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		rt := &redisTx{ctx: ctx, tx: tx}
		if err := fn(rt); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			// EXEC is what validates the watched keys, so even a read-only
			// transaction sends one command
			p.Ping(ctx)
			for _, w := range rt.writes {
				w(p)
			}
			return nil
		})
		return err
	}, keys...)
}

// SScan iterates over a set with SSCAN
func (s *RedisStore) SScan(ctx context.Context, key string, cursor uint64, count int64) ([]string, uint64, error) {
	members, next, err := s.client.SScan(ctx, key, cursor, "", count).Result()
	if err != nil {
		return nil, 0, mapRedisError("kv sscan", err)
	}
	return members, next, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func mapRedisError(op string, err error) error {
	var netErr net.Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return storeerr.New(op, "", fmt.Errorf("%w: watched key changed", storeerr.ErrConcurrentUpdate))
	case errors.Is(err, redis.ErrClosed):
		return storeerr.New(op, "", storeerr.ErrClosed)
	case errors.As(err, &netErr):
		return storeerr.New(op, "", fmt.Errorf("%w: %v", storeerr.ErrConnectionReset, err))
	}
	return err
}

// ============================================================================
// Transaction
// ============================================================================

// redisTx reads through the watching connection and queues its writes for
// the EXEC
type redisTx struct {
	ctx    context.Context
	tx     *redis.Tx
	writes []func(redis.Pipeliner)
}

func (t *redisTx) queue(w func(redis.Pipeliner)) error {
	t.writes = append(t.writes, w)
	return nil
}

func toArgs(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func (t *redisTx) HGet(key, field string) (string, bool, error) {
	v, err := t.tx.HGet(t.ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (t *redisTx) HSet(key, field, value string) error {
	return t.queue(func(p redis.Pipeliner) { p.HSet(t.ctx, key, field, value) })
}

func (t *redisTx) HDel(key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return t.queue(func(p redis.Pipeliner) { p.HDel(t.ctx, key, fields...) })
}

func (t *redisTx) LRange(key string) ([]string, error) {
	return t.tx.LRange(t.ctx, key, 0, -1).Result()
}

func (t *redisTx) LLen(key string) (int64, error) {
	return t.tx.LLen(t.ctx, key).Result()
}

func (t *redisTx) RPush(key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	return t.queue(func(p redis.Pipeliner) { p.RPush(t.ctx, key, toArgs(values)...) })
}

// LPop trims the head instead of popping it, so an empty list is not a redis.Nil
func (t *redisTx) LPop(key string) error {
	return t.queue(func(p redis.Pipeliner) { p.LTrim(t.ctx, key, 1, -1) })
}

func (t *redisTx) LRem(key, value string) error {
	return t.queue(func(p redis.Pipeliner) { p.LRem(t.ctx, key, 0, value) })
}

func (t *redisTx) SAdd(key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return t.queue(func(p redis.Pipeliner) { p.SAdd(t.ctx, key, toArgs(members)...) })
}

func (t *redisTx) SRem(key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return t.queue(func(p redis.Pipeliner) { p.SRem(t.ctx, key, toArgs(members)...) })
}

func (t *redisTx) SMembers(key string) ([]string, error) {
	return t.tx.SMembers(t.ctx, key).Result()
}

func (t *redisTx) SCard(key string) (int64, error) {
	return t.tx.SCard(t.ctx, key).Result()
}

func (t *redisTx) SIsMember(key, member string) (bool, error) {
	return t.tx.SIsMember(t.ctx, key, member).Result()
}

func (t *redisTx) Keys(prefix string) ([]string, error) {
	match := escapeGlob(prefix) + "*"
	seen := make(map[string]bool)
	var out []string
	var cursor uint64
	for {
		keys, next, err := t.tx.Scan(t.ctx, cursor, match, 1000).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (t *redisTx) Del(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return t.queue(func(p redis.Pipeliner) { p.Del(t.ctx, keys...) })
}
