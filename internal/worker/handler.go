package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"jobqueue/internal/domain"
)

// ErrNoHandler is the failure recorded for jobs of an unregistered kind.
var ErrNoHandler = errors.New("no handler registered for job type")

// Handler executes one job. Returning nil completes the job; any other
// error releases it for retry unless it is Permanent or attempts ran out.
type Handler func(ctx context.Context, job domain.Job) error

// Handlers maps job kinds to handlers. It is safe for concurrent use.
type Handlers struct {
	mu       sync.RWMutex
	handlers map[domain.Kind]Handler
}

// NewHandlers creates an empty handler set.
func NewHandlers() *Handlers {
	return &Handlers{handlers: make(map[domain.Kind]Handler)}
}

// Register binds h to kind, replacing any previous handler.
func (hs *Handlers) Register(kind domain.Kind, h Handler) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.handlers[kind] = h
}

// Get returns the handler for kind.
func (hs *Handlers) Get(kind domain.Kind) (Handler, bool) {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	h, ok := hs.handlers[kind]
	return h, ok
}

// Kinds returns the registered kinds.
func (hs *Handlers) Kinds() []domain.Kind {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	kinds := make([]domain.Kind, 0, len(hs.handlers))
	for k := range hs.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// PanicError is returned for a handler that panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}
