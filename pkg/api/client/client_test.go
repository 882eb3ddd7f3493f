package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/olajaido/platform-hub/pkg/credentials"
	"github.com/olajaido/platform-hub/pkg/domain"
)

func TestNewNormalisesBaseURL(t *testing.T) {
	cli, err := New(" api.example.com/ ")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if cli.BaseURL() != "http://api.example.com" {
		t.Fatalf("unexpected base url %q", cli.BaseURL())
	}
	cli, err = New("")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if cli.BaseURL() != DefaultBaseURL {
		t.Fatalf("expected default base url, got %q", cli.BaseURL())
	}
}

func TestDeploymentStatusSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/api/deployments/dep-123/status" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"deployment_id": "dep-123",
			"resource_type": "s3_bucket",
			"name": "assets",
			"environment": "dev",
			"region": "eu-west-2",
			"status": "pending",
			"parameters": {"versioning": true},
			"created_at": "2025-03-01T10:00:00.123456"
		}`))
	}))
	defer srv.Close()

	cli, err := New(srv.URL, WithTokenSource(credentials.Static("tok")))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	status, err := cli.DeploymentStatus(context.Background(), "dep-123")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.ID != "dep-123" || status.Status != domain.StatusPending {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Parameters["versioning"] != true {
		t.Fatalf("unexpected parameters %v", status.Parameters)
	}
	want := time.Date(2025, time.March, 1, 10, 0, 0, 123456000, time.UTC)
	if !status.CreatedAt.Equal(want) {
		t.Fatalf("unexpected created_at %v", status.CreatedAt)
	}
	if status.CompletedAt != nil {
		t.Fatalf("expected completed_at nil, got %v", status.CompletedAt)
	}
}

func TestDeploymentStatusAcceptsLegacyID(t *testing.T) {
	var status DeploymentStatus
	if err := json.Unmarshal([]byte(`{"id":"dep-9","status":"completed","completed_at":null}`), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.ID != "dep-9" || !status.Terminal() {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestMissingCredentialAbortsRequest(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	cli, err := New(srv.URL, WithTokenSource(credentials.Static("")))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = cli.DeploymentLogs(context.Background(), "dep-1")
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no request to be sent, got %d", calls)
	}
}

func TestUnauthorizedInvokesHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Could not validate credentials"}`))
	}))
	defer srv.Close()

	hooked := 0
	cli, err := New(srv.URL, WithTokenSource(credentials.Static("stale")), WithUnauthorizedHook(func() { hooked++ }))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = cli.Me(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "Could not validate credentials" {
		t.Fatalf("unexpected api error %v", err)
	}
	if hooked != 1 {
		t.Fatalf("expected hook once, got %d", hooked)
	}
}

func TestLoginPostsForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/token" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Fatalf("unexpected content type %s", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "pw" {
			t.Fatalf("unexpected form %v", r.PostForm)
		}
		if r.Header.Get("Authorization") != "" {
			t.Fatal("login must not send a bearer token")
		}
		_, _ = w.Write([]byte(`{"access_token":"abc","token_type":"bearer"}`))
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	resp, err := cli.Login(context.Background(), "admin", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.AccessToken != "abc" {
		t.Fatalf("unexpected token %q", resp.AccessToken)
	}
}

func TestDeploymentLogsDistinguishesMissingField(t *testing.T) {
	body := `{"logs":[]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	cli, err := New(srv.URL, WithTokenSource(credentials.Static("tok")))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	logs, err := cli.DeploymentLogs(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if logs == nil || len(logs) != 0 {
		t.Fatalf("expected empty non-nil logs, got %#v", logs)
	}
	body = `{}`
	logs, err = cli.DeploymentLogs(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if logs != nil {
		t.Fatalf("expected nil logs when field missing, got %#v", logs)
	}
}

func TestCreateDeploymentValidatesBeforeSending(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload["region"] != domain.DefaultRegion {
			t.Fatalf("expected default region, got %v", payload["region"])
		}
		_, _ = w.Write([]byte(`{"request_id":"dep-1","status":"pending","message":"Deployment initiated successfully"}`))
	}))
	defer srv.Close()

	cli, err := New(srv.URL, WithTokenSource(credentials.Static("tok")))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := cli.CreateDeployment(context.Background(), domain.DeploymentRequest{Name: "x"}); err == nil {
		t.Fatal("expected validation error")
	}
	resp, err := cli.CreateDeployment(context.Background(), domain.DeploymentRequest{
		ResourceType: domain.ResourceS3Bucket,
		Name:         "assets",
		Environment:  "dev",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.RequestID != "dep-1" || calls != 1 {
		t.Fatalf("unexpected response %+v calls=%d", resp, calls)
	}
}

func TestMergeKeepsAbsentFields(t *testing.T) {
	base := DeploymentStatus{
		ID:           "dep-123",
		ResourceType: "ec2_instance",
		Name:         "web",
		Status:       domain.StatusPending,
		Parameters:   map[string]any{"size": "t3.micro"},
	}
	merged, err := base.Merge(json.RawMessage(`{"status":"in_progress"}`))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged.Status != domain.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", merged.Status)
	}
	if merged.Name != "web" || merged.ResourceType != "ec2_instance" || merged.Parameters["size"] != "t3.micro" {
		t.Fatalf("merge dropped fields: %+v", merged)
	}
	if base.Status != domain.StatusPending {
		t.Fatal("merge mutated the receiver")
	}
	if _, err := base.Merge(json.RawMessage(`[1,2]`)); err == nil {
		t.Fatal("expected error for non-object patch")
	}
}

func TestStreamURL(t *testing.T) {
	cases := map[string]string{
		"https://hub.example.com":     "wss://hub.example.com/ws/deployments/dep-1",
		"http://localhost:8000/":      "ws://localhost:8000/ws/deployments/dep-1",
		"http://localhost:8000/api/x": "ws://localhost:8000/ws/deployments/dep-1",
	}
	for base, want := range cases {
		cli, err := New(base)
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		got, err := cli.StreamURL("dep-1")
		if err != nil {
			t.Fatalf("stream url: %v", err)
		}
		if got != want {
			t.Fatalf("StreamURL(%s) = %s, want %s", base, got, want)
		}
	}
}

func TestDecodeStreamMessage(t *testing.T) {
	msg, err := DecodeStreamMessage([]byte(`{"type":"status_update","data":{"status":"in_progress"}}`))
	if err != nil || msg.Type != MessageStatusUpdate {
		t.Fatalf("unexpected decode result %+v %v", msg, err)
	}
	if _, err := DecodeStreamMessage([]byte(`{"type":"deployment_finished"}`)); err != nil {
		t.Fatalf("finished: %v", err)
	}
	if msg, err := DecodeStreamMessage([]byte(`{"error":"boom"}`)); err != nil || msg.Error != "boom" {
		t.Fatalf("error message: %+v %v", msg, err)
	}
	for _, raw := range []string{`not json`, `{"type":"status_update"}`, `{"type":"mystery"}`, `{}`} {
		if _, err := DecodeStreamMessage([]byte(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestDialDeploymentStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/deployments/dep-1" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("expected bearer token on dial, got %q", r.Header.Get("Authorization"))
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0x1})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"deployment_finished"}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	cli, err := New(srv.URL, WithTokenSource(credentials.Static("tok")))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	stream, err := cli.DialDeploymentStream(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	payload, err := stream.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(payload), MessageDeploymentFinished) {
		t.Fatalf("unexpected payload %s", payload)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = stream.Close()

	if _, err := cli.DialDeploymentStream(context.Background(), "missing"); err == nil {
		t.Fatal("expected dial failure for unknown path")
	}
}
