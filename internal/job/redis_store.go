package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "meshport:job:"
	redisOrderKey  = "meshport:jobs"
	redisTimeout   = 5 * time.Second
	// completed and failed jobs are only kept for a day
	redisTerminalTTL = 24 * time.Hour
)

// RedisStore lets several backend instances share one job table. Jobs
// carry their owner instance, since uploads and models live on that
// instance's disk.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisTimeout)
}

func (s *RedisStore) Add(j *Job) error {
	ctx, cancel := s.ctx()
	defer cancel()

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisKeyPrefix+j.ID, data, 0)
		pipe.ZAdd(ctx, redisOrderKey, redis.Z{Score: float64(j.CreatedAt.UnixMicro()), Member: j.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(id string) (*Job, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	return s.get(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c getter, id string) (*Job, error) {
	data, err := c.Get(ctx, redisKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}

	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &j, nil
}

// ordered returns every job, oldest first.
func (s *RedisStore) ordered() ([]*Job, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	ids, err := s.client.ZRange(ctx, redisOrderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.get(ctx, s.client, id)
		if errors.Is(err, ErrNotFound) {
			// expired terminal job
			s.client.ZRem(ctx, redisOrderKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *RedisStore) ListPending() ([]*Job, error) {
	all, err := s.ordered()
	if err != nil {
		return nil, err
	}
	var pending []*Job
	for _, j := range all {
		if j.Status == StatusPending {
			pending = append(pending, j)
		}
	}
	return pending, nil
}

// Claim is safe across instances: the WATCH transaction lets exactly one
// of them move a job out of pending.
func (s *RedisStore) Claim(owner string) *Job {
	pending, err := s.ListPending()
	if err != nil {
		return nil
	}
	for _, candidate := range pending {
		if !candidate.claimableBy(owner) {
			continue
		}
		var claimed *Job
		err := s.mutate(candidate.ID, func(j *Job) error {
			if !j.claimableBy(owner) {
				return errNotPending
			}
			j.claim(owner)
			claimed = j.clone()
			return nil
		})
		if err == nil {
			return claimed
		}
	}
	return nil
}

var errNotPending = errors.New("job no longer pending")

func (s *RedisStore) List(limit, offset int, status string) ([]*Job, int) {
	all, err := s.ordered()
	if err != nil {
		return []*Job{}, 0
	}
	var filtered []*Job
	for _, j := range all {
		if status == "" || string(j.Status) == status {
			filtered = append(filtered, j)
		}
	}
	return page(filtered, limit, offset)
}

func (s *RedisStore) Stats() Stats {
	var st Stats
	all, err := s.ordered()
	if err != nil {
		return st
	}
	for _, j := range all {
		st.count(j.Status)
	}
	return st
}

func (s *RedisStore) SetProgress(id string, status Status, progress int) error {
	return s.mutate(id, func(j *Job) error { return j.advance(status, progress) })
}

func (s *RedisStore) Complete(id string, modelURL string) error {
	return s.mutate(id, func(j *Job) error { return j.complete(modelURL) })
}

func (s *RedisStore) Fail(id string, errMsg string) error {
	return s.mutate(id, func(j *Job) error { return j.fail(errMsg) })
}

// mutate runs fn inside an optimistic WATCH transaction on the job key.
func (s *RedisStore) mutate(id string, fn func(*Job) error) error {
	ctx, cancel := s.ctx()
	defer cancel()

	key := redisKeyPrefix + id
	txf := func(tx *redis.Tx) error {
		j, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(j); err != nil {
			return err
		}
		data, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		ttl := time.Duration(0)
		if j.Status.IsTerminal() {
			ttl = redisTerminalTTL
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update job %s: too much contention", id)
}
