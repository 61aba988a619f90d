package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue hands pending item ids to distributed workers. A leased entry
// sits in the processing list until acked; entries whose lease deadline has
// passed are moved back by RequeueStale.
type RedisQueue struct {
	cli      redis.UniversalClient
	queueKey string
	procKey  string
	leaseKey string
	leaseTTL time.Duration
	block    time.Duration
}

// Entry is the queued payload.
type Entry struct {
	ItemID  string `json:"item_id"`
	Source  string `json:"source"`
	TS      int64  `json:"ts"`
	Attempt int    `json:"attempt"`
}

// NewRedis returns a work queue stored under key, leasing items for lease.
func NewRedis(cli redis.UniversalClient, key string, lease time.Duration) *RedisQueue {
	return &RedisQueue{
		cli:      cli,
		queueKey: key,
		procKey:  key + ":processing",
		leaseKey: key + ":leases",
		leaseTTL: lease,
		block:    5 * time.Second,
	}
}

// Lease blocks briefly for the next entry. An empty ItemID means the queue
// was idle.
func (q *RedisQueue) Lease(ctx context.Context) (Entry, func() error, error) {
	noop := func() error { return nil }
	res, err := q.cli.BRPopLPush(ctx, q.queueKey, q.procKey, q.block).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, noop, nil
	}
	if err != nil {
		return Entry{}, noop, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(res), &e); err != nil {
		// unreadable payloads are dropped from the processing list
		_ = q.cli.LRem(ctx, q.procKey, 1, res).Err()
		return Entry{}, noop, fmt.Errorf("decode queue entry: %w", err)
	}
	deadline := time.Now().Add(q.leaseTTL).Unix()
	if err := q.cli.ZAdd(ctx, q.leaseKey, redis.Z{Score: float64(deadline), Member: res}).Err(); err != nil {
		return Entry{}, noop, err
	}
	ack := func() error {
		ackCtx := context.WithoutCancel(ctx)
		if err := q.cli.LRem(ackCtx, q.procKey, 1, res).Err(); err != nil {
			return err
		}
		return q.cli.ZRem(ackCtx, q.leaseKey, res).Err()
	}
	return e, ack, nil
}

// Seed pushes an item id into the queue
func (q *RedisQueue) Seed(ctx context.Context, itemID, source string) error {
	b, _ := json.Marshal(Entry{ItemID: itemID, Source: source, TS: time.Now().UTC().Unix()})
	return q.cli.LPush(ctx, q.queueKey, string(b)).Err()
}

// RequeueStale moves entries whose lease expired back onto the queue and
// returns how many were moved.
func (q *RedisQueue) RequeueStale(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	stale, err := q.cli.ZRangeByScore(ctx, q.leaseKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, raw := range stale {
		removed, err := q.cli.ZRem(ctx, q.leaseKey, raw).Result()
		if err != nil {
			return moved, err
		}
		if removed == 0 {
			// another worker requeued or acked it first
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		e.Attempt++
		b, _ := json.Marshal(e)
		pipe := q.cli.TxPipeline()
		pipe.LRem(ctx, q.procKey, 1, raw)
		pipe.RPush(ctx, q.queueKey, string(b))
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Len reports queued and in-flight entries.
func (q *RedisQueue) Len(ctx context.Context) (queued, inflight int64, err error) {
	if queued, err = q.cli.LLen(ctx, q.queueKey).Result(); err != nil {
		return 0, 0, err
	}
	inflight, err = q.cli.LLen(ctx, q.procKey).Result()
	return queued, inflight, err
}
