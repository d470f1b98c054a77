package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is a lease-based queue on Redis. Keys live under the queue name:
//
//	<queue>:ready     list of job ids (LPUSH in, RPOP out)
//	<queue>:leases    sorted set of tokens scored by lease deadline (ms)
//	<queue>:tokens    hash token -> job id
//	<queue>:attempts  hash job id -> deliveries so far
//	<queue>:dead      list of dead-letter records
//
// Every state change is a Lua script, so a claim and its lease are atomic.
type Redis struct {
	client *redis.Client
	opts   Options
}

var _ Broker = (*Redis)(nil)

// claimScript returns expired leases to the ready list, then pops one job id
// and leases it.
var claimScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, token in ipairs(expired) do
	local job = redis.call("HGET", KEYS[3], token)
	redis.call("ZREM", KEYS[2], token)
	redis.call("HDEL", KEYS[3], token)
	if job then
		redis.call("LPUSH", KEYS[1], job)
	end
end
local job = redis.call("RPOP", KEYS[1])
if not job then
	return false
end
local attempt = redis.call("HINCRBY", KEYS[4], job, 1)
redis.call("ZADD", KEYS[2], tonumber(ARGV[1]) + tonumber(ARGV[2]), ARGV[3])
redis.call("HSET", KEYS[3], ARGV[3], job)
return {job, attempt}
`)

// settleScript releases a lease. ARGV[2] selects the follow-up:
// "ack" forgets the job, "nack" requeues it, "dead" records it on the dead list.
var settleScript = redis.NewScript(`
local job = redis.call("HGET", KEYS[2], ARGV[1])
if not job then
	return 0
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
if ARGV[2] == "ack" then
	redis.call("HDEL", KEYS[3], job)
elseif ARGV[2] == "nack" then
	redis.call("LPUSH", KEYS[4], job)
elseif ARGV[2] == "dead" then
	redis.call("HDEL", KEYS[3], job)
	redis.call("LPUSH", KEYS[5], ARGV[3])
end
return 1
`)

var extendScript = redis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
	redis.call("ZADD", KEYS[1], "XX", ARGV[2], ARGV[1])
	return 1
end
return 0
`)

// NewRedis connects to url and pings it.
func NewRedis(ctx context.Context, url string, opts Options) (*Redis, error) {
	parsed, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(parsed)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client, opts: opts.withDefaults()}, nil
}

func (b *Redis) key(suffix string) string { return b.opts.Queue + ":" + suffix }

func (b *Redis) Enqueue(ctx context.Context, jobID string) error {
	if err := b.client.LPush(ctx, b.key("ready"), jobID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return nil
}

func (b *Redis) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		d, err := b.claim(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		if err := sleep(ctx, b.opts.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (b *Redis) claim(ctx context.Context) (*Delivery, error) {
	token := uuid.NewString()
	keys := []string{b.key("ready"), b.key("leases"), b.key("tokens"), b.key("attempts")}
	res, err := claimScript.Run(ctx, b.client, keys,
		time.Now().UnixMilli(), b.opts.Visibility.Milliseconds(), token).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim delivery: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("claim delivery: unexpected reply %v", res)
	}
	jobID, _ := res[0].(string)
	attempt, _ := res[1].(int64)
	return &Delivery{JobID: jobID, Token: token, Attempt: int(attempt)}, nil
}

type deadRecord struct {
	JobID   string    `json:"job_id"`
	Reason  string    `json:"reason"`
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
}

func (b *Redis) settle(ctx context.Context, d *Delivery, action, payload string) error {
	keys := []string{b.key("leases"), b.key("tokens"), b.key("attempts"), b.key("ready"), b.key("dead")}
	n, err := settleScript.Run(ctx, b.client, keys, d.Token, action, payload).Int()
	if err != nil {
		return fmt.Errorf("%s delivery: %w", action, err)
	}
	if n == 0 {
		return fmt.Errorf("%s delivery: %w", action, ErrLeaseLost)
	}
	return nil
}

func (b *Redis) Ack(ctx context.Context, d *Delivery) error {
	return b.settle(ctx, d, "ack", "")
}

func (b *Redis) Nack(ctx context.Context, d *Delivery) error {
	return b.settle(ctx, d, "nack", "")
}

func (b *Redis) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	record, err := json.Marshal(deadRecord{JobID: d.JobID, Reason: reason, Attempt: d.Attempt, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	return b.settle(ctx, d, "dead", string(record))
}

func (b *Redis) Extend(ctx context.Context, d *Delivery) error {
	deadline := time.Now().Add(b.opts.Visibility).UnixMilli()
	n, err := extendScript.Run(ctx, b.client, []string{b.key("leases")}, d.Token, deadline).Int()
	if err != nil {
		return fmt.Errorf("extend delivery: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("extend delivery: %w", ErrLeaseLost)
	}
	return nil
}

func (b *Redis) Stats(ctx context.Context) (Stats, error) {
	pipe := b.client.Pipeline()
	ready := pipe.LLen(ctx, b.key("ready"))
	leased := pipe.ZCard(ctx, b.key("leases"))
	dead := pipe.LLen(ctx, b.key("dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{Ready: int(ready.Val()), Leased: int(leased.Val()), Dead: int(dead.Val())}, nil
}

func (b *Redis) Close() error {
	return b.client.Close()
}
