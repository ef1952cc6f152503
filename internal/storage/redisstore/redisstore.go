// Package redisstore stores jobs, checkpoints and events in Redis.
//
// Keys, under a configurable prefix:
//
//	<prefix>:job:<jobId>             job JSON
//	<prefix>:cp:<jobId>:<id>         checkpoint JSON
//	<prefix>:cps:<jobId>             sorted set of checkpoint ids by creation time
//	<prefix>:events:<jobId>          list of event records
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/event"
	"github.com/vinayprograms/agentrun/internal/storage"
)

// Config describes the Redis connection.
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// Store implements storage.Backend on Redis.
type Store struct {
	client *redis.Client
	prefix string
}

// New connects and pings the server.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agentrun"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Store{client: client, prefix: prefix}, nil
}

func (s *Store) jobKey(jobID string) string { return s.prefix + ":job:" + jobID }
func (s *Store) cpKey(jobID, id string) string { return s.prefix + ":cp:" + jobID + ":" + id }
func (s *Store) cpIndexKey(jobID string) string { return s.prefix + ":cps:" + jobID }
func (s *Store) eventsKey(jobID string) string { return s.prefix + ":events:" + jobID }

func (s *Store) StoreCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.cpKey(cp.JobID, cp.ID), data, 0)
		pipe.ZAdd(ctx, s.cpIndexKey(cp.JobID), redis.Z{Score: float64(cp.CreatedAt.UnixNano()), Member: cp.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) RetrieveCheckpoint(ctx context.Context, jobID, checkpointID string) (*checkpoint.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.cpKey(jobID, checkpointID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var cp checkpoint.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, jobID string) ([]*checkpoint.Checkpoint, error) {
	ids, err := s.client.ZRange(ctx, s.cpIndexKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.cpKey(jobID, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}

	out := make([]*checkpoint.Checkpoint, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var cp checkpoint.Checkpoint
		if err := json.Unmarshal([]byte(raw), &cp); err != nil {
			return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
		}
		out = append(out, &cp)
	}
	storage.SortCheckpoints(out)
	return out, nil
}

func (s *Store) StoreJob(ctx context.Context, job *checkpoint.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := s.client.Set(ctx, s.jobKey(job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *Store) RetrieveJob(ctx context.Context, jobID string) (*checkpoint.Job, error) {
	data, err := s.client.Get(ctx, s.jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	var job checkpoint.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse job: %w", err)
	}
	return &job, nil
}

// CreateJob uses SETNX so two processes cannot both create the same job.
func (s *Store) CreateJob(ctx context.Context, jobID, expertKey string, maxSteps int) (*checkpoint.Job, error) {
	job := checkpoint.NewJob(jobID, expertKey, maxSteps)
	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	ok, err := s.client.SetNX(ctx, s.jobKey(jobID), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("job %s already exists", jobID)
	}
	return job, nil
}

func (s *Store) StoreEvent(ctx context.Context, rec event.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.client.RPush(ctx, s.eventsKey(rec.JobID), data).Err(); err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, jobID string) ([]event.Record, error) {
	values, err := s.client.LRange(ctx, s.eventsKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	out := make([]event.Record, 0, len(values))
	for _, v := range values {
		var rec event.Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
