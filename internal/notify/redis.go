package notify

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gustycube/osintd/internal/types"
)

const streamMaxLen = 10000

// RedisStream appends notifications to a capped Redis stream.
type RedisStream struct {
	cli    redis.UniversalClient
	stream string
}

// NewRedisStream returns a sink appending to stream with XADD.
func NewRedisStream(cli redis.UniversalClient, stream string) *RedisStream {
	return &RedisStream{cli: cli, stream: stream}
}

func (r *RedisStream) Name() string { return "redis" }

func (r *RedisStream) Send(ctx context.Context, n types.Notification) error {
	return r.cli.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"id":        n.ID,
			"alert":     n.AlertName,
			"severity":  string(n.Severity),
			"item_id":   n.MatchedItemID,
			"condition": n.MatchedCondition,
			"evidence":  n.Evidence,
			"timestamp": n.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
}
