package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"meshqueue/internal/jobs"
)

const redisWatchRetries = 8

// Redis keeps job records on the broker's Redis deployment:
//
//	<prefix>:job:<id>       JSON record
//	<prefix>:jobs           sorted set of ids scored by creation time
//	<prefix>:state:<STATE>  set of ids per state
//
// Mutations run under WATCH so concurrent writers serialize on the record key.
type Redis struct {
	client *redis.Client
	prefix string
}

var _ jobs.Store = (*Redis)(nil)

// NewRedis connects to url (redis://...) and pings it.
func NewRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func (s *Redis) jobKey(id string) string          { return s.prefix + ":job:" + id }
func (s *Redis) indexKey() string                 { return s.prefix + ":jobs" }
func (s *Redis) stateKey(state jobs.State) string { return s.prefix + ":state:" + string(state) }

func (s *Redis) Create(ctx context.Context, job *jobs.Job) error {
	created := job.Clone()
	created.Version = 1
	payload, err := json.Marshal(created)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.jobKey(job.ID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if !ok {
		return fmt.Errorf("insert job: job %s already exists", job.ID)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(job.CreatedAt.UnixMilli()), Member: job.ID})
		pipe.SAdd(ctx, s.stateKey(job.State), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("index job: %w", err)
	}
	job.Version = 1
	return nil
}

func (s *Redis) Get(ctx context.Context, id string) (*jobs.Job, error) {
	return s.get(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Redis) get(ctx context.Context, c getter, id string) (*jobs.Job, error) {
	payload, err := c.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	var job jobs.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// update runs mutate against the stored record under WATCH and writes the
// result back, retrying when another writer touched the key in between.
func (s *Redis) update(ctx context.Context, id string, mutate func(stored *jobs.Job) (*jobs.Job, error)) (*jobs.Job, error) {
	key := s.jobKey(id)
	var result *jobs.Job
	for attempt := 0; attempt < redisWatchRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			stored, err := s.get(ctx, tx, id)
			if err != nil {
				return err
			}
			next, err := mutate(stored)
			if err != nil {
				return err
			}
			payload, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("encode job: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				if next.State != stored.State {
					pipe.SRem(ctx, s.stateKey(stored.State), id)
					pipe.SAdd(ctx, s.stateKey(next.State), id)
				}
				return nil
			})
			if err == nil {
				result = next
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("%w: job %s kept changing", jobs.ErrConflict, id)
}

func (s *Redis) Save(ctx context.Context, job *jobs.Job) error {
	saved, err := s.update(ctx, job.ID, func(stored *jobs.Job) (*jobs.Job, error) {
		if err := jobs.CheckSave(stored, job); err != nil {
			return nil, err
		}
		next := job.Clone()
		jobs.Prepare(stored, next)
		return next, nil
	})
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	*job = *saved
	return nil
}

func (s *Redis) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := s.update(ctx, id, func(stored *jobs.Job) (*jobs.Job, error) {
		if !stored.State.Terminal() {
			stored.LastHeartbeat = at.UTC()
		}
		return stored, nil
	})
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

func (s *Redis) RequestCancel(ctx context.Context, id string) error {
	_, err := s.update(ctx, id, func(stored *jobs.Job) (*jobs.Job, error) {
		if stored.State.Terminal() {
			return nil, fmt.Errorf("%w: job %s", jobs.ErrTerminal, id)
		}
		stored.CancelRequested = true
		stored.UpdatedAt = time.Now().UTC()
		return stored, nil
	})
	return err
}

func (s *Redis) List(ctx context.Context, states ...jobs.State) ([]*jobs.Job, error) {
	var (
		ids []string
		err error
	)
	if len(states) == 0 {
		ids, err = s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	} else {
		keys := make([]string, len(states))
		for i, state := range states {
			keys[i] = s.stateKey(state)
		}
		ids, err = s.client.SUnion(ctx, keys...).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("list job ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	slices.Sort(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	out := make([]*jobs.Job, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var job jobs.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", ids[i], err)
		}
		out = append(out, &job)
	}
	return out, nil
}

func (s *Redis) Stats(ctx context.Context) (map[jobs.State]int, error) {
	states := jobs.States()
	cmds := make([]*redis.IntCmd, len(states))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, state := range states {
			cmds[i] = pipe.SCard(ctx, s.stateKey(state))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	out := emptyStats()
	for i, state := range states {
		out[state] = int(cmds[i].Val())
	}
	return out, nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}
