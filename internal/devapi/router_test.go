package devapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/olajaido/platform-hub/pkg/api/client"
	"github.com/olajaido/platform-hub/pkg/credentials"
	"github.com/olajaido/platform-hub/pkg/deploystatus"
	"github.com/olajaido/platform-hub/pkg/domain"
)

const testWebhookSecret = "pipeline-secret"

type testServer struct {
	router *Router
	server *httptest.Server
}

func newTestServer(t *testing.T, mutate func(*Options)) *testServer {
	t.Helper()
	opts := Options{
		JWTSecret:     "test-secret",
		TokenTTL:      time.Minute,
		WebhookSecret: testWebhookSecret,
		Users: map[string]string{
			"alice":  "wonderland:developer",
			"victor": "viewer-pass:viewer",
		},
		PasswordCost: bcrypt.MinCost,
	}
	if mutate != nil {
		mutate(&opts)
	}
	router, err := NewRouter(opts)
	require.NoError(t, err)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		router.Close()
	})
	return &testServer{router: router, server: srv}
}

func (ts *testServer) login(t *testing.T, username, password string) string {
	t.Helper()
	form := url.Values{"username": {username}, "password": {password}}
	resp, err := http.PostForm(ts.server.URL+"/api/token", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var token client.TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&token))
	assert.Equal(t, "bearer", token.TokenType)
	return token.AccessToken
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	}
	req, err := http.NewRequest(method, ts.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (ts *testServer) wsURL(id string) string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/ws/deployments/" + id
}

func (ts *testServer) dialStream(id, token string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DefaultDialer.Dial(ts.wsURL(id), header)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, body := ts.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	resp, _ = ts.do(t, http.MethodPost, "/api/health", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestTokenAndMe(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.login(t, "alice", "wonderland")

	resp, body := ts.do(t, http.MethodGet, "/api/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", body["username"])
	assert.Equal(t, "developer", body["role"])

	form := url.Values{"username": {"alice"}, "password": {"wrong"}}
	bad, err := http.PostForm(ts.server.URL+"/api/token", form)
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, bad.StatusCode)
	assert.Equal(t, "Bearer", bad.Header.Get("WWW-Authenticate"))
	var detail map[string]string
	require.NoError(t, json.NewDecoder(bad.Body).Decode(&detail))
	assert.Equal(t, "Incorrect username or password", detail["detail"])
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, body := ts.do(t, http.MethodGet, "/api/deployments", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Not authenticated", body["detail"])

	resp, body = ts.do(t, http.MethodGet, "/api/deployments", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Could not validate credentials", body["detail"])
}

func TestCreateDeploymentFlow(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.login(t, "alice", "wonderland")

	resp, body := ts.do(t, http.MethodPost, "/api/deployments/create", token, map[string]any{
		"resource_type": "s3_bucket",
		"name":          "Bad_Name",
		"environment":   "dev",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body["detail"], "resource_name")

	resp, body = ts.do(t, http.MethodPost, "/api/deployments/create", token, map[string]any{
		"resource_type": "s3_bucket",
		"name":          "assets",
		"environment":   "dev",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "Deployment initiated successfully", body["message"])
	id, _ := body["request_id"].(string)
	require.NotEmpty(t, id)

	resp, body = ts.do(t, http.MethodGet, "/api/deployments/"+id+"/status", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["deployment_id"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, domain.DefaultRegion, body["region"])

	resp, body = ts.do(t, http.MethodGet, "/api/deployments/"+id+"/logs", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	logs, _ := body["logs"].([]any)
	assert.Len(t, logs, 1)

	resp, body = ts.do(t, http.MethodGet, "/api/deployments", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list, _ := body["deployments"].([]any)
	assert.Len(t, list, 1)

	resp, body = ts.do(t, http.MethodGet, "/api/deployments/unknown/status", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Deployment not found", body["detail"])
}

func TestCreateDeploymentRequiresProvisioningRole(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.login(t, "victor", "viewer-pass")
	resp, body := ts.do(t, http.MethodPost, "/api/deployments/create", token, map[string]any{
		"resource_type": "s3_bucket",
		"name":          "assets",
		"environment":   "dev",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Not authorized to provision resources", body["detail"])
}

func TestCreateStackAndStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.login(t, "alice", "wonderland")

	resp, body := ts.do(t, http.MethodPost, "/api/deployments/create-stack", token, map[string]any{
		"resources": []map[string]any{
			{"id": "web", "resource_type": "ec2_instance", "name": "web", "environment": "dev", "dependencies": []string{"bucket"}},
			{"id": "bucket", "resource_type": "s3_bucket", "name": "web-assets", "environment": "dev"},
		},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, "ec2 cannot depend on s3")
	assert.Contains(t, body["detail"], "cannot depend on")

	resp, body = ts.do(t, http.MethodPost, "/api/deployments/create-stack", token, map[string]any{
		"resources": []map[string]any{
			{"id": "web", "resource_type": "ec2_instance", "name": "web", "environment": "dev", "dependencies": []string{"sg"}},
			{"id": "sg", "resource_type": "security_group", "name": "web-sg", "environment": "dev"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stackID, _ := body["request_id"].(string)
	require.NotEmpty(t, stackID)

	var stack client.StackStatus
	req, err := http.NewRequest(http.MethodGet, ts.server.URL+"/api/stacks/"+stackID+"/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	require.NoError(t, json.NewDecoder(raw.Body).Decode(&stack))
	assert.Equal(t, domain.StatusPending, stack.Status)
	require.Len(t, stack.Resources, 2)
	assert.Equal(t, "sg", stack.Resources[0].ID)

	resp, _ = ts.do(t, http.MethodGet, "/api/stacks/missing/status", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookRequiresSecret(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, body := ts.do(t, http.MethodPost, "/api/webhook/deployment", "", map[string]any{
		"secret":        "nope",
		"deployment_id": "pipeline-1",
		"status":        "completed",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Invalid webhook secret", body["detail"])

	resp, _ = ts.do(t, http.MethodPost, "/api/webhook/deployment", "", map[string]any{
		"secret": testWebhookSecret,
		"status": "completed",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func readPush(t *testing.T, conn *websocket.Conn) client.StreamMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := client.DecodeStreamMessage(raw)
	require.NoError(t, err)
	return msg
}

func TestWebhookPushesToSubscribers(t *testing.T) {
	ts := newTestServer(t, nil)
	created := ts.router.store.CreateDeployment(bucketRequest("pushed"))
	token := ts.login(t, "victor", "viewer-pass")

	conn, _, err := ts.dialStream(created.ID, token)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return ts.router.hub.Subscribers(created.ID) == 1 }, time.Second, 10*time.Millisecond)

	resp, _ := ts.do(t, http.MethodPost, "/api/webhook/deployment", "", map[string]any{
		"secret":        testWebhookSecret,
		"deployment_id": created.ID,
		"status":        "in_progress",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msg := readPush(t, conn)
	assert.Equal(t, client.MessageStatusUpdate, msg.Type)
	assert.JSONEq(t, `{"status":"in_progress"}`, string(msg.Data))

	resp, _ = ts.do(t, http.MethodPost, "/api/webhook/deployment", "", map[string]any{
		"secret":        testWebhookSecret,
		"deployment_id": created.ID,
		"status":        "completed",
		"outputs":       map[string]any{"bucket_name": "pushed"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	msg = readPush(t, conn)
	assert.Equal(t, client.MessageStatusUpdate, msg.Type)
	var data map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Equal(t, "completed", data["status"])
	assert.NotEmpty(t, data["completed_at"])

	msg = readPush(t, conn)
	assert.Equal(t, client.MessageDeploymentFinished, msg.Type)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestStreamOfFinishedDeployment(t *testing.T) {
	ts := newTestServer(t, nil)
	created := ts.router.store.CreateDeployment(bucketRequest("old"))
	_, err := ts.router.store.Transition(created.ID, domain.StatusFailed, nil, "boom")
	require.NoError(t, err)

	conn, _, err := ts.dialStream(created.ID, ts.login(t, "victor", "viewer-pass"))
	require.NoError(t, err)
	defer conn.Close()
	msg := readPush(t, conn)
	assert.Equal(t, client.MessageDeploymentFinished, msg.Type)
}

func TestStreamUnknownDeployment(t *testing.T) {
	ts := newTestServer(t, nil)
	_, resp, err := ts.dialStream("missing", ts.login(t, "victor", "viewer-pass"))
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamRequiresToken(t *testing.T) {
	ts := newTestServer(t, nil)
	created := ts.router.store.CreateDeployment(bucketRequest("private"))

	_, resp, err := ts.dialStream(created.ID, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))

	_, resp, err = ts.dialStream(created.ID, "forged")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, ts.router.hub.Subscribers(created.ID))
}

func TestLoginRateLimited(t *testing.T) {
	ts := newTestServer(t, nil)
	form := url.Values{"username": {"nobody"}, "password": {"x"}}
	var last int
	for i := 0; i <= policyLogin.limit; i++ {
		resp, err := http.PostForm(ts.server.URL+"/api/token", form)
		require.NoError(t, err)
		last = resp.StatusCode
		resp.Body.Close()
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodGet, "/api/health", "", nil)

	resp, err := http.Get(ts.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `platformhub_devapi_http_requests_total{method="GET",route="/api/health",status="200"}`)
}

func TestObserveSimulatedDeployment(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		o.Simulate = true
		o.SimulateStep = 20 * time.Millisecond
	})
	token := ts.login(t, "alice", "wonderland")

	api, err := client.New(ts.server.URL, client.WithTokenSource(credentials.Static(token)))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	created, err := api.CreateDeployment(ctx, domain.DeploymentRequest{
		ResourceType: domain.ResourceS3Bucket,
		Name:         "observed",
		Environment:  "dev",
	})
	require.NoError(t, err)

	obs, err := deploystatus.Observe(ctx, deploystatus.FromClient(api), created.RequestID,
		deploystatus.WithPollingInterval(time.Second))
	require.NoError(t, err)
	defer obs.Stop()

	require.Eventually(t, func() bool {
		snap := obs.Snapshot()
		return snap.Terminal() && len(snap.Logs) > 0
	}, 5*time.Second, 20*time.Millisecond)

	snap := obs.Snapshot()
	require.NotNil(t, snap.Status)
	assert.Equal(t, domain.StatusCompleted, snap.Status.Status)
	assert.Equal(t, "observed", snap.Status.Outputs["bucket_name"])
	assert.Equal(t, deploystatus.PhaseTerminal, snap.Phase)
	assert.NoError(t, snap.Err)
}
