// Package payload validates job payloads against the schema registered
// for their kind. Validation happens once, at enqueue time; stored payloads
// are trusted afterwards.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"jobqueue/internal/domain"
)

// Payload is implemented by every typed job payload.
type Payload interface {
	// Validate checks the decoded payload and returns a *ValidationError
	// (or any error) describing the first violated constraint.
	Validate() error
}

// validateFunc decodes raw JSON into the kind's payload type, validates it
// and returns the caller's JSON, compacted.
type validateFunc func(kind domain.Kind, data []byte) (json.RawMessage, error)

// Registry maps job kinds to payload schemas.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[domain.Kind]validateFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[domain.Kind]validateFunc),
	}
}

// DefaultRegistry returns a registry holding the schemas of all built-in kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	Register[CrawlPayload](r, domain.KindCrawl)
	Register[KeywordDiscoveryPayload](r, domain.KindKeywordDiscovery)
	Register[ContentPlanPayload](r, domain.KindContentPlan)
	Register[ContentGenerationPayload](r, domain.KindContentGeneration)
	Register[PublishPayload](r, domain.KindPublish)
	return r
}

// Register binds the payload type T to kind. Registering a kind twice
// replaces the previous schema.
//
// This is a package-level function because Go does not allow generic
// methods.
func Register[T Payload](r *Registry, kind domain.Kind) {
	fn := func(kind domain.Kind, data []byte) (json.RawMessage, error) {
		var p T
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return nil, decodeError(kind, err)
		}
		if dec.More() {
			return nil, &ValidationError{Kind: kind, Reason: "unexpected data after payload object"}
		}

		if err := p.Validate(); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				verr.Kind = kind
				return nil, verr
			}
			return nil, &ValidationError{Kind: kind, Reason: err.Error(), Err: err}
		}

		// Keep the caller's fields verbatim; re-encoding p would drop
		// explicit zero values behind omitempty tags.
		var out bytes.Buffer
		if err := json.Compact(&out, data); err != nil {
			return nil, fmt.Errorf("failed to compact %s payload: %w", kind, err)
		}
		return out.Bytes(), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[kind] = fn
}

// Validate checks v against the schema registered for kind and returns the
// payload as compacted JSON. v may be raw JSON ([]byte, json.RawMessage) or any
// value encodable as JSON.
func (r *Registry) Validate(kind domain.Kind, v any) (json.RawMessage, error) {
	r.mu.RLock()
	fn, ok := r.schemas[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownJobTypeError{Kind: kind}
	}

	var data []byte
	switch p := v.(type) {
	case nil:
		data = []byte("null")
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, &ValidationError{Kind: kind, Reason: "payload is not JSON encodable", Err: err}
		}
		data = encoded
	}

	return fn(kind, data)
}

// ValidateProjectID rejects project ids that are not a single topic routing
// word. Jobs routed under such ids never match the project.* binding.
func ValidateProjectID(kind domain.Kind, projectID string) error {
	if i := strings.IndexAny(projectID, ".*#"); i >= 0 {
		return &ValidationError{
			Kind:   kind,
			Field:  "projectId",
			Reason: fmt.Sprintf("must not contain %q", projectID[i]),
		}
	}
	return nil
}

// Has reports whether kind has a registered schema.
func (r *Registry) Has(kind domain.Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[kind]
	return ok
}

// Kinds returns all registered kinds in lexical order.
func (r *Registry) Kinds() []domain.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]domain.Kind, 0, len(r.schemas))
	for k := range r.schemas {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// decodeError converts a json decoding failure into a ValidationError.
func decodeError(kind domain.Kind, err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &ValidationError{
			Kind:   kind,
			Field:  typeErr.Field,
			Reason: fmt.Sprintf("must be %s, got %s", typeErr.Type, typeErr.Value),
			Err:    err,
		}
	}
	return &ValidationError{Kind: kind, Reason: err.Error(), Err: err}
}
