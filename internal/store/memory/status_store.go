// Package memory provides an in-memory implementation of store.StatusStore.
// It is useful for testing and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"jobqueue/internal/store"
)

var _ store.StatusStore = (*StatusStore)(nil)

// StatusStore keeps statuses in a map protected by a RWMutex.
// TTL expiration is checked on access (lazy expiration).
type StatusStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// entry wraps JobStatus with expiration tracking.
type entry struct {
	status    store.JobStatus
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewStatusStore creates a new in-memory status store.
func NewStatusStore() *StatusStore {
	return &StatusStore{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Get returns a copy of the stored status.
func (s *StatusStore) Get(_ context.Context, id string) (*store.JobStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok || e.expired(s.now()) {
		return nil, nil
	}

	result := e.status
	result.Job = e.status.Job.Clone()
	return &result, nil
}

// Put stores a copy of status.
func (s *StatusStore) Put(_ context.Context, status *store.JobStatus, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{status: *status}
	e.status.Job = status.Job.Clone()
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[status.Job.ID] = e
	return nil
}

// Delete removes the entry for id.
func (s *StatusStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, id)
	return nil
}

// ListByProject returns live entries of a project, newest first.
func (s *StatusStore) ListByProject(_ context.Context, projectID string) ([]store.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	result := []store.JobStatus{}
	for id, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, id)
			continue
		}
		if e.status.Job.ProjectID != projectID {
			continue
		}
		st := e.status
		st.Job = e.status.Job.Clone()
		result = append(result, st)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ObservedAt.After(result[j].ObservedAt)
	})
	return result, nil
}

// Close releases any resources (no-op for in-memory store).
func (s *StatusStore) Close() error {
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *StatusStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
