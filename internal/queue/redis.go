// Package queue holds alternative backends for the deferred-match queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	rd "github.com/go-redis/redis/v9"

	"github.com/rendis/hireflow/internal/store"
	"github.com/rendis/hireflow/pkg/schema"
)

// Config locates the Redis server.
type Config struct {
	Addr      string
	Password  string
	DB        int
	Namespace string // key prefix, default "hireflow"
}

// RedisDeferredQueue stores deferred matches in Redis: a sorted set of match
// IDs scored by due time, a hash of encoded matches, and a hash mapping the
// (workflow, event) pair to its match ID for dedupe.
type RedisDeferredQueue struct {
	client    rd.UniversalClient
	namespace string
}

var _ store.DeferredStore = (*RedisDeferredQueue)(nil)

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*RedisDeferredQueue, error) {
	client := rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return NewRedisDeferredQueue(client, cfg.Namespace), nil
}

func NewRedisDeferredQueue(client rd.UniversalClient, namespace string) *RedisDeferredQueue {
	if namespace == "" {
		namespace = "hireflow"
	}
	return &RedisDeferredQueue{client: client, namespace: namespace}
}

func (q *RedisDeferredQueue) Close() error { return q.client.Close() }

func (q *RedisDeferredQueue) key(args ...string) string {
	return fmt.Sprintf("%s:%s", q.namespace, strings.Join(args, ":"))
}

func (q *RedisDeferredQueue) dueKey() string     { return q.key("deferred", "due") }
func (q *RedisDeferredQueue) matchesKey() string { return q.key("deferred", "matches") }
func (q *RedisDeferredQueue) dedupeKey() string  { return q.key("deferred", "dedupe") }

func dedupeField(workflowID, eventID string) string {
	return workflowID + "\x00" + eventID
}

// EnqueueDeferred stores m unless the same (workflow, event) pair is already queued.
func (q *RedisDeferredQueue) EnqueueDeferred(ctx context.Context, m *store.DeferredMatch) error {
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now()
	}
	m.EnqueuedAt = m.EnqueuedAt.UTC()
	if m.DueAt.IsZero() {
		m.DueAt = m.EnqueuedAt
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal deferred match: %w", err)
	}

	_, err = enqueueScript.Run(ctx, q.client,
		[]string{q.dedupeKey(), q.matchesKey(), q.dueKey()},
		dedupeField(m.WorkflowID, m.Event.ID), m.ID, raw, m.DueAt.UnixMilli(),
	).Result()
	if err != nil {
		return storageError("enqueue deferred match", err)
	}
	return nil
}

// enqueueScript claims the (workflow, event) pair and writes the match body
// and due index in one step, so a failed write never leaves a claim behind.
// Returns 0 when the pair is already queued.
var enqueueScript = rd.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
return 1
`)

// DueDeferred returns matches due at or before now, earliest first.
func (q *RedisDeferredQueue) DueDeferred(ctx context.Context, now time.Time, limit int) ([]*store.DeferredMatch, error) {
	opt := &rd.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := q.client.ZRangeByScore(ctx, q.dueKey(), opt).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, storageError("list due deferred matches", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := q.client.HMGet(ctx, q.matchesKey(), ids...).Result()
	if err != nil {
		return nil, storageError("load deferred matches", err)
	}
	out := make([]*store.DeferredMatch, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Index entry without a body; a concurrent delete won the race.
			q.client.ZRem(ctx, q.dueKey(), ids[i])
			continue
		}
		m := &store.DeferredMatch{}
		if err := json.Unmarshal([]byte(s), m); err != nil {
			return nil, fmt.Errorf("unmarshal deferred match %s: %w", ids[i], err)
		}
		out = append(out, m)
	}
	return out, nil
}

// RescheduleDeferred pushes a match's due time forward and counts the attempt.
func (q *RedisDeferredQueue) RescheduleDeferred(ctx context.Context, id string, dueAt time.Time) error {
	m, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	m.DueAt = dueAt.UTC()
	m.Attempts++
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal deferred match: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		pipe.HSet(ctx, q.matchesKey(), id, raw)
		pipe.ZAdd(ctx, q.dueKey(), rd.Z{Score: float64(m.DueAt.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return storageError("reschedule deferred match", err)
	}
	return nil
}

// DeleteDeferred removes a match. Deleting an unknown ID is a no-op.
func (q *RedisDeferredQueue) DeleteDeferred(ctx context.Context, id string) error {
	m, err := q.get(ctx, id)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		pipe.ZRem(ctx, q.dueKey(), id)
		pipe.HDel(ctx, q.matchesKey(), id)
		pipe.HDel(ctx, q.dedupeKey(), dedupeField(m.WorkflowID, m.Event.ID))
		return nil
	})
	if err != nil {
		return storageError("delete deferred match", err)
	}
	return nil
}

// Len returns the number of queued matches.
func (q *RedisDeferredQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.dueKey()).Result()
	if err != nil {
		return 0, storageError("count deferred matches", err)
	}
	return n, nil
}

func (q *RedisDeferredQueue) get(ctx context.Context, id string) (*store.DeferredMatch, error) {
	raw, err := q.client.HGet(ctx, q.matchesKey(), id).Result()
	if errors.Is(err, rd.Nil) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "deferred match %q not found", id)
	}
	if err != nil {
		return nil, storageError("load deferred match", err)
	}
	m := &store.DeferredMatch{}
	if err := json.Unmarshal([]byte(raw), m); err != nil {
		return nil, fmt.Errorf("unmarshal deferred match %s: %w", id, err)
	}
	return m, nil
}

func storageError(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}
