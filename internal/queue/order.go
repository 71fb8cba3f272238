package queue

import (
	"slices"

	"jobqueue/internal/domain"
)

// Filter restricts which jobs List and ReserveNext consider.
// Zero values match everything.
type Filter struct {
	ProjectID string
	Types     []domain.Kind
}

// Matches reports whether j passes the filter.
func (f Filter) Matches(j *domain.Job) bool {
	if f.ProjectID != "" && j.ProjectID != f.ProjectID {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, j.Type) {
		return false
	}
	return true
}

// Less is the dispatch order shared by all backends: priority descending,
// then creation time ascending, then sequence ascending.
func Less(a, b *domain.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Sequence < b.Sequence
}

// Compare adapts Less for slices.SortFunc and slices.BinarySearchFunc.
func Compare(a, b *domain.Job) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	default:
		return 0
	}
}
