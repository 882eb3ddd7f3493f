package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/olajaido/platform-hub/pkg/domain"
)

// Timestamp accepts the timestamp layouts the backend emits, including naive
// ISO-8601 values without a zone (read as UTC) and null.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("timestamp: unsupported format %q", raw)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// DeploymentStatus is a point-in-time view of one deployment.
type DeploymentStatus struct {
	ID           string         `json:"deployment_id"`
	ResourceType string         `json:"resource_type,omitempty"`
	Name         string         `json:"name,omitempty"`
	Environment  string         `json:"environment,omitempty"`
	Region       string         `json:"region,omitempty"`
	Status       domain.Status  `json:"status"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	CreatedAt    Timestamp      `json:"created_at"`
	CompletedAt  *Timestamp     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// UnmarshalJSON accepts either "deployment_id" or "id" as the identifier.
func (d *DeploymentStatus) UnmarshalJSON(data []byte) error {
	type plain DeploymentStatus
	var wire struct {
		plain
		LegacyID string `json:"id"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*d = DeploymentStatus(wire.plain)
	if d.ID == "" {
		d.ID = wire.LegacyID
	}
	if d.CompletedAt != nil && d.CompletedAt.IsZero() {
		d.CompletedAt = nil
	}
	return nil
}

// Terminal reports whether the deployment reached completed or failed.
func (d DeploymentStatus) Terminal() bool {
	return d.Status.Terminal()
}

// Merge overlays the fields present in patch onto d and returns the result.
// Fields absent from patch keep their values; d itself is not modified.
func (d DeploymentStatus) Merge(patch json.RawMessage) (DeploymentStatus, error) {
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return d, fmt.Errorf("decode status patch: %w", err)
	}
	current, err := json.Marshal(d)
	if err != nil {
		return d, fmt.Errorf("encode status: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(current, &fields); err != nil {
		return d, fmt.Errorf("decode status: %w", err)
	}
	for key, value := range overlay {
		if key == "id" {
			key = "deployment_id"
		}
		fields[key] = value
	}
	combined, err := json.Marshal(fields)
	if err != nil {
		return d, fmt.Errorf("encode merged status: %w", err)
	}
	var merged DeploymentStatus
	if err := json.Unmarshal(combined, &merged); err != nil {
		return d, fmt.Errorf("decode merged status: %w", err)
	}
	return merged, nil
}

// TokenResponse is returned by the token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// User reflects the authenticated principal.
type User struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role"`
}

// Health is the API liveness payload.
type Health struct {
	Status string `json:"status"`
}

// CreateResponse acknowledges a provisioning request.
type CreateResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// StackResourceStatus is one member of a stack status payload.
type StackResourceStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	ResourceType string        `json:"resource_type"`
	Status       domain.Status `json:"status"`
	Dependencies []string      `json:"dependencies,omitempty"`
}

func (r StackResourceStatus) DependencyKey() string   { return r.ID }
func (r StackResourceStatus) DependencyName() string  { return r.Name }
func (r StackResourceStatus) DependencyIDs() []string { return r.Dependencies }

// StackStatus describes a group of related deployments.
type StackStatus struct {
	ID          string                `json:"stack_id"`
	Status      domain.Status         `json:"status"`
	CreatedAt   Timestamp             `json:"created_at"`
	CompletedAt *Timestamp            `json:"completed_at,omitempty"`
	Outputs     map[string]any        `json:"outputs,omitempty"`
	Resources   []StackResourceStatus `json:"resources"`
}
