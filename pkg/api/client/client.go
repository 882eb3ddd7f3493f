package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/olajaido/platform-hub/pkg/credentials"
)

const (
	// DefaultBaseURL is used when New receives an empty address.
	DefaultBaseURL   = "http://localhost:8000"
	defaultTimeout   = 15 * time.Second
	maxErrorBodySize = 4096
	tracerName       = "github.com/olajaido/platform-hub/pkg/api/client"
)

var (
	// ErrUnauthorized indicates the API rejected the bearer token.
	ErrUnauthorized = errors.New("api unauthorized")
	// ErrNotFound indicates the referenced resource does not exist.
	ErrNotFound = errors.New("api resource not found")
	// ErrMissingCredential indicates no bearer token was available for an authenticated call.
	ErrMissingCredential = errors.New("authentication token not found")
)

// Client provides typed access to the provisioning API.
type Client struct {
	baseURL        *url.URL
	httpClient     *http.Client
	dialer         *websocket.Dialer
	tokens         credentials.Source
	onUnauthorized func()
	tracer         trace.Tracer
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(src credentials.Source) Option {
	return func(c *Client) {
		c.tokens = src
	}
}

// WithDialer overrides the websocket dialer used for push channels.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithUnauthorizedHook registers fn to run whenever an authenticated call gets a 401.
func WithUnauthorizedHook(fn func()) Option {
	return func(c *Client) {
		c.onUnauthorized = fn
	}
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	parsed, err := url.Parse(strings.TrimRight(trimmed, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("invalid api base url: missing host in %q", base)
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	cli := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: defaultTimeout},
		dialer:     &dialer,
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// BaseURL returns the normalised API address.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// Is lets callers match status classes with errors.Is.
func (e APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", ErrMissingCredential
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, credentials.ErrNoToken) {
			return "", ErrMissingCredential
		}
		return "", fmt.Errorf("%w: %v", ErrMissingCredential, err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingCredential
	}
	return token, nil
}

// do performs a request. A url.Values body is form encoded, anything else is sent as JSON.
func (c *Client) do(ctx context.Context, op, method, path string, body any, auth bool, v any) (err error) {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := c.tracer.Start(ctx, "platformhub.api "+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("http.request.method", method),
		attribute.String("url.path", path),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var token string
	if auth {
		token, err = c.token(ctx)
		if err != nil {
			return err
		}
	}

	endpoint := c.baseURL.String() + path
	var reader io.Reader
	contentType := ""
	switch payload := body.(type) {
	case nil:
	case url.Values:
		reader = strings.NewReader(payload.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
		contentType = "application/json"
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode >= http.StatusBadRequest {
		if auth && resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		msg := extractError(io.LimitReader(resp.Body, maxErrorBodySize))
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// extractError reads {"error": "..."} or FastAPI style {"detail": ...} bodies.
func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error  string          `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	if msg := strings.TrimSpace(payload.Error); msg != "" {
		return msg
	}
	if len(payload.Detail) > 0 {
		var detail string
		if err := json.Unmarshal(payload.Detail, &detail); err == nil {
			return strings.TrimSpace(detail)
		}
		return strings.TrimSpace(string(payload.Detail))
	}
	return strings.TrimSpace(string(data))
}

var errStackIDRequired = errors.New("stack id is required")

func deploymentPath(deploymentID, suffix string) (string, error) {
	id := strings.TrimSpace(deploymentID)
	if id == "" {
		return "", errors.New("deployment id is required")
	}
	return "/api/deployments/" + url.PathEscape(id) + suffix, nil
}
