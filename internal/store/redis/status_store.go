// Package redis provides a Redis-based implementation of store.StatusStore.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"jobqueue/internal/config"
	"jobqueue/internal/store"
)

// Key prefixes for different data types in Redis.
const (
	prefixJob     = "jobqueue:job:"
	prefixProject = "jobqueue:project:"
)

var _ store.StatusStore = (*StatusStore)(nil)

// StatusStore implements store.StatusStore using Redis. Each status is a
// JSON string; a per-project set indexes job ids.
type StatusStore struct {
	client *redis.Client
}

// NewStatusStore creates a new Redis-backed status store.
func NewStatusStore(cfg *config.RedisConfig) (*StatusStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &StatusStore{client: client}, nil
}

// jobKey generates the Redis key for a job status.
func jobKey(id string) string {
	return prefixJob + id
}

// projectKey generates the Redis key for a project's job index.
func projectKey(projectID string) string {
	return prefixProject + projectID + ":jobs"
}

// Get retrieves the status of a job.
func (s *StatusStore) Get(ctx context.Context, id string) (*store.JobStatus, error) {
	data, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job status: %w", err)
	}

	var status store.JobStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job status: %w", err)
	}
	return &status, nil
}

// Put stores a status and indexes it under its project.
func (s *StatusStore) Put(ctx context.Context, status *store.JobStatus, ttl time.Duration) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal job status: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKey(status.Job.ID), data, ttl)
	if status.Job.ProjectID != "" {
		idx := projectKey(status.Job.ProjectID)
		pipe.SAdd(ctx, idx, status.Job.ID)
		if ttl > 0 {
			pipe.Expire(ctx, idx, ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set job status: %w", err)
	}
	return nil
}

// Delete removes a job status. The project index entry is pruned lazily
// by ListByProject.
func (s *StatusStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, jobKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete job status: %w", err)
	}
	return nil
}

// ListByProject returns the live statuses of a project, newest first.
// Index entries whose status expired are removed.
func (s *StatusStore) ListByProject(ctx context.Context, projectID string) ([]store.JobStatus, error) {
	idx := projectKey(projectID)
	ids, err := s.client.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list project jobs: %w", err)
	}
	if len(ids) == 0 {
		return []store.JobStatus{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job statuses: %w", err)
	}

	result := make([]store.JobStatus, 0, len(values))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var status store.JobStatus
		if err := json.Unmarshal([]byte(raw), &status); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job status: %w", err)
		}
		result = append(result, status)
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, idx, stale...).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune project index: %w", err)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ObservedAt.After(result[j].ObservedAt)
	})
	return result, nil
}

// Close closes the Redis client.
func (s *StatusStore) Close() error {
	return s.client.Close()
}
