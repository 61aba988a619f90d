package dedup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSeen shares the exact fingerprint set across workers and processes.
type RedisSeen struct {
	cli    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisSeen returns a seen set shared through Redis, expiring entries after ttl.
func NewRedisSeen(cli redis.UniversalClient, ttl time.Duration) *RedisSeen {
	return &RedisSeen{cli: cli, ttl: ttl, prefix: "osintd:seen:"}
}

func (r *RedisSeen) Mark(ctx context.Context, fingerprint, itemID string) (string, bool, error) {
	key := r.prefix + fingerprint
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := r.cli.SetNX(ctx, key, itemID, r.ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("seen setnx: %w", err)
		}
		if ok {
			return itemID, false, nil
		}
		owner, err := r.cli.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			// expired between SETNX and GET
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("seen get: %w", err)
		}
		return owner, owner != itemID, nil
	}
	return itemID, false, nil
}

// nearScript compares ARGV[1] against the window list and pushes it when no
// entry owned by another item is within the threshold. Entries are "hex|id".
var nearScript = redis.NewScript(`
local sig = ARGV[1]
local id = ARGV[2]
local threshold = tonumber(ARGV[3])
local size = tonumber(ARGV[4])
local pop = {[0]=0,1,1,2,1,2,2,3,1,2,2,3,2,3,3,4}
local entries = redis.call('LRANGE', KEYS[1], 0, size - 1)
local best = 65
local owner = ''
local self = false
for _, e in ipairs(entries) do
  local sep = string.find(e, '|', 1, true)
  if sep then
    local esig = string.sub(e, 1, sep - 1)
    local eid = string.sub(e, sep + 1)
    if eid == id then
      self = true
    else
      local d = 0
      for i = 1, 16 do
        local a = tonumber(string.sub(sig, i, i), 16)
        local b = tonumber(string.sub(esig, i, i), 16)
        d = d + pop[bit.bxor(a, b)]
      end
      if d < best then
        best = d
        owner = eid
      end
    end
  end
end
if best <= threshold then
  return {1, best, owner}
end
if not self then
  redis.call('LPUSH', KEYS[1], sig .. '|' .. id)
  redis.call('LTRIM', KEYS[1], 0, size - 1)
end
return {0, best, ''}
`)

// RedisWindow is the shared near-duplicate window. The check and the insert
// run as one script so concurrent workers cannot both accept a near-duplicate.
type RedisWindow struct {
	cli  redis.UniversalClient
	key  string
	size int
}

// NewRedisWindow returns a signature window of size entries shared through Redis.
func NewRedisWindow(cli redis.UniversalClient, size int) *RedisWindow {
	if size <= 0 {
		size = 2000
	}
	return &RedisWindow{cli: cli, key: "osintd:simhash", size: size}
}

func (r *RedisWindow) CheckAndAdd(ctx context.Context, sig uint64, itemID string, threshold int) (int, string, bool, error) {
	res, err := nearScript.Run(ctx, r.cli, []string{r.key},
		SignatureHex(sig), itemID, strconv.Itoa(threshold), strconv.Itoa(r.size)).Slice()
	if err != nil {
		return 0, "", false, fmt.Errorf("simhash window: %w", err)
	}
	if len(res) != 3 {
		return 0, "", false, fmt.Errorf("simhash window: unexpected reply %v", res)
	}
	dup, _ := res[0].(int64)
	best, _ := res[1].(int64)
	owner, _ := res[2].(string)
	return int(best), owner, dup == 1, nil
}
