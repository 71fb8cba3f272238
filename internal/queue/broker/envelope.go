package broker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"jobqueue/internal/domain"
)

// RoutingKeyPrefix is prepended to the project id to form the routing key.
const RoutingKeyPrefix = "project."

// RoutingKey returns the routing key for jobs of a project.
func RoutingKey(projectID string) string {
	return RoutingKeyPrefix + projectID
}

// envelope is the JSON wire representation of a job.
type envelope struct {
	ID        string          `json:"id"`
	Type      domain.Kind     `json:"type"`
	ProjectID string          `json:"projectId"`
	Payload   json.RawMessage `json:"payload"`
	Priority  wirePriority    `json:"priority"`
	RunAt     time.Time       `json:"runAt"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Attempts  int             `json:"attempts"`
}

// wirePriority accepts any JSON number, a numeric string, or null.
// Non-finite and unparseable values decode to 0; the result is clamped.
type wirePriority int

func (p *wirePriority) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = 0
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*p = wirePriority(domain.PriorityFromFloat(f))
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("priority must be a number: %w", err)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*p = 0
		return nil
	}
	*p = wirePriority(domain.PriorityFromFloat(f))
	return nil
}

func encodeEnvelope(j *domain.Job) ([]byte, error) {
	env := envelope{
		ID:        j.ID,
		Type:      j.Type,
		ProjectID: j.ProjectID,
		Payload:   j.Payload,
		Priority:  wirePriority(j.Priority),
		RunAt:     j.RunAt,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
		Attempts:  j.Attempts,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// decodeEnvelope parses a delivery body into a queued job record.
// Missing timestamps default to now; a missing runAt defaults to createdAt.
func decodeEnvelope(body []byte, now time.Time) (*domain.Job, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.ID == "" {
		return nil, errors.New("envelope has no id")
	}
	if env.Type == "" {
		return nil, errors.New("envelope has no type")
	}
	if env.Attempts < 0 {
		env.Attempts = 0
	}

	createdAt := env.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	runAt := env.RunAt
	if runAt.IsZero() {
		runAt = createdAt
	}
	updatedAt := env.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	payload := env.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	return &domain.Job{
		ID:        env.ID,
		Type:      env.Type,
		ProjectID: env.ProjectID,
		Payload:   payload,
		Status:    domain.StatusQueued,
		Priority:  int(env.Priority),
		Attempts:  env.Attempts,
		RunAt:     runAt.UTC(),
		CreatedAt: createdAt.UTC(),
		UpdatedAt: updatedAt.UTC(),
	}, nil
}
