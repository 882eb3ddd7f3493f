// Package webhook reports deployment progress from a provisioning pipeline
// back to the API.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/olajaido/platform-hub/pkg/domain"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
	endpointPath     = "/api/webhook/deployment"
)

// ErrForbidden indicates the API rejected the shared secret.
var ErrForbidden = errors.New("webhook secret rejected")

// ErrInvalidArgument indicates the API rejected the payload.
var ErrInvalidArgument = errors.New("webhook invalid argument")

// Update is one status report for a deployment.
type Update struct {
	DeploymentID string
	ResourceType string
	Name         string
	Environment  string
	Region       string
	Status       domain.Status
	Outputs      map[string]any
	ErrorMessage string
	CreatedAt    time.Time
	CompletedAt  time.Time
}

// Reporter posts updates to the deployment webhook.
type Reporter struct {
	baseURL string
	secret  string
	client  *http.Client
	now     func() time.Time
}

// NewReporter creates a reporter for the API at baseURL authenticating with secret.
func NewReporter(baseURL, secret string, client *http.Client) (*Reporter, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("webhook base url required")
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("webhook secret required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Reporter{
		baseURL: trimmed,
		secret:  strings.TrimSpace(secret),
		client:  client,
		now:     time.Now,
	}, nil
}

// Report sends u. Terminal updates without a completion time are stamped now.
func (r *Reporter) Report(ctx context.Context, u Update) error {
	if r == nil {
		return errors.New("webhook reporter not initialised")
	}
	if strings.TrimSpace(u.DeploymentID) == "" {
		return errors.New("webhook update requires deployment_id")
	}
	status := domain.ParseStatus(string(u.Status))
	if !status.Known() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, u.Status)
	}
	body, err := json.Marshal(buildPayload(r.secret, u, status, r.now))
	if err != nil {
		return fmt.Errorf("marshal webhook update: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+endpointPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	var detail struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(buf, &detail) == nil && detail.Detail != "" {
		summary = detail.Detail
	}
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, summary)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	default:
		return fmt.Errorf("webhook request failed: %s", summary)
	}
}

func buildPayload(secret string, u Update, status domain.Status, nowFn func() time.Time) map[string]any {
	payload := map[string]any{
		"secret":        secret,
		"deployment_id": strings.TrimSpace(u.DeploymentID),
		"status":        string(status),
	}
	optional := map[string]string{
		"resource_type": u.ResourceType,
		"name":          u.Name,
		"environment":   u.Environment,
		"region":        u.Region,
	}
	for key, value := range optional {
		if v := strings.TrimSpace(value); v != "" {
			payload[key] = v
		}
	}
	if !u.CreatedAt.IsZero() {
		payload["created_at"] = u.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if status.Terminal() {
		completed := u.CompletedAt
		if completed.IsZero() {
			completed = nowFn()
		}
		payload["completed_at"] = completed.UTC().Format(time.RFC3339Nano)
		outputs := u.Outputs
		if outputs == nil {
			outputs = map[string]any{}
		}
		payload["outputs"] = outputs
	}
	if status == domain.StatusFailed && strings.TrimSpace(u.ErrorMessage) != "" {
		payload["error_message"] = strings.TrimSpace(u.ErrorMessage)
	}
	return payload
}
