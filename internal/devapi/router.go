package devapi

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/olajaido/platform-hub/internal/ws"
	"github.com/olajaido/platform-hub/pkg/api/client"
	"github.com/olajaido/platform-hub/pkg/domain"
)

var (
	policyLogin    = ratePolicy{name: "login", limit: 12, window: time.Minute}
	policyRead     = ratePolicy{name: "read", limit: 240, window: time.Minute}
	policyWrite    = ratePolicy{name: "write", limit: 60, window: time.Minute}
	policyWebhook  = ratePolicy{name: "webhook", limit: 600, window: time.Minute}
	policyRealtime = ratePolicy{name: "realtime", limit: 30, window: 30 * time.Second}
)

// Options configures the development API.
type Options struct {
	Logger        *slog.Logger
	JWTSecret     string
	TokenTTL      time.Duration
	WebhookSecret string
	// Users maps usernames to "password:role".
	Users        map[string]string
	Simulate     bool
	SimulateStep time.Duration
	LogLimit     int
	Limiter      RateLimiter
	// PasswordCost is the bcrypt cost; zero selects the library default.
	PasswordCost int
}

// Router serves the provisioning API surface backed by an in-memory store.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	auth          *Authenticator
	store         *Store
	hub           *ws.Hub
	sim           *Simulator
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	webhookSecret string
	metrics       *metrics
}

// NewRouter assembles routes with dependencies.
func NewRouter(opts Options) (*Router, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	auth, err := NewAuthenticator(opts.Users, opts.JWTSecret, opts.TokenTTL, opts.PasswordCost)
	if err != nil {
		return nil, err
	}
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		auth:   auth,
		store:  NewStore(opts.LogLimit),
		hub:    ws.NewHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       opts.Limiter,
		webhookSecret: strings.TrimSpace(opts.WebhookSecret),
		metrics:       newMetrics(),
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if opts.Simulate {
		r.sim = NewSimulator(r.store, opts.SimulateStep, logger, r.publish)
	}
	r.register()
	return r, nil
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close stops simulations, disconnects push clients and releases the limiter.
func (r *Router) Close() {
	if r.sim != nil {
		r.sim.Close()
	}
	r.hub.Close()
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.handle("/api/token", r.limit(policyLogin, r.handleToken))
	r.handle("/api/health", r.handleHealth)
	r.handle("/api/me", r.authed(policyRead, r.handleMe))
	r.handle("/api/deployments", r.authed(policyRead, r.handleListDeployments))
	r.handle("/api/deployments/create", r.authed(policyWrite, r.handleCreateDeployment))
	r.handle("/api/deployments/create-stack", r.authed(policyWrite, r.handleCreateStack))
	r.handle("/api/deployments/{id}/status", r.authed(policyRead, r.handleDeploymentStatus))
	r.handle("/api/deployments/{id}/logs", r.authed(policyRead, r.handleDeploymentLogs))
	r.handle("/api/stacks/{id}/status", r.authed(policyRead, r.handleStackStatus))
	r.handle("/api/webhook/deployment", r.limit(policyWebhook, r.handleWebhook))
	r.handle("/ws/deployments/{id}", r.limit(policyRealtime, r.handleDeploymentWS))
	r.mux.Handle("/metrics", r.metrics.handler())
}

func (r *Router) handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.audit(pattern, h))
}

func (r *Router) handleToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := req.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	token, err := r.auth.Login(req.PostForm.Get("username"), req.PostForm.Get("password"))
	if err != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, ErrInvalidCredentials.Error())
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, client.Health{Status: "healthy"})
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	user, ok := userFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (r *Router) handleListDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": r.store.List()})
}

func (r *Router) handleCreateDeployment(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.canProvision(w, req) {
		return
	}
	var payload domain.DeploymentRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	payload.Normalize()
	if err := payload.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, validationMessage(err))
		return
	}
	created := r.store.CreateDeployment(payload)
	r.logger.Info("deployment requested", "deployment_id", created.ID, "resource_type", created.ResourceType, "name", created.Name)
	if r.sim != nil {
		r.sim.Run(created.ID)
	}
	writeJSON(w, http.StatusOK, client.CreateResponse{
		RequestID: created.ID,
		Status:    string(domain.StatusPending),
		Message:   "Deployment initiated successfully",
	})
}

func (r *Router) handleCreateStack(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.canProvision(w, req) {
		return
	}
	var payload domain.StackRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	payload.Normalize()
	if err := payload.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, validationMessage(err))
		return
	}
	stackID, created, err := r.store.CreateStack(payload)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	ids := make([]string, 0, len(created))
	for _, dep := range created {
		ids = append(ids, dep.ID)
	}
	r.logger.Info("stack requested", "stack_id", stackID, "resources", len(ids))
	if r.sim != nil {
		r.sim.Run(ids...)
	}
	writeJSON(w, http.StatusOK, client.CreateResponse{
		RequestID: stackID,
		Status:    string(domain.StatusPending),
		Message:   "Stack deployment initiated successfully",
	})
}

func (r *Router) handleDeploymentStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	status, err := r.store.Deployment(req.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Deployment not found")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Router) handleDeploymentLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	logs, err := r.store.Logs(req.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Deployment not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (r *Router) handleStackStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	stack, err := r.store.Stack(req.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Stack not found")
		return
	}
	writeJSON(w, http.StatusOK, stack)
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.webhookSecret == "" {
		r.logger.Error("webhook secret not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "webhook authentication misconfigured")
		return
	}
	var update WebhookUpdate
	if err := json.NewDecoder(req.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	secret := strings.TrimSpace(update.Secret)
	if len(secret) != len(r.webhookSecret) || subtle.ConstantTimeCompare([]byte(secret), []byte(r.webhookSecret)) != 1 {
		r.logger.Warn("webhook secret mismatch", "path", req.URL.Path)
		writeError(w, http.StatusForbidden, "Invalid webhook secret")
		return
	}
	if err := domain.Validator().Struct(update); err != nil {
		writeError(w, http.StatusUnprocessableEntity, validationMessage(err))
		return
	}
	status, created, err := r.store.Upsert(update)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	r.logger.Info("deployment webhook", "deployment_id", status.ID, "status", status.Status, "created", created)
	r.publish(status, "webhook")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleDeploymentWS(w http.ResponseWriter, req *http.Request) {
	if _, _, ok := r.ensureAuth(w, req); !ok {
		return
	}
	id := req.PathValue("id")
	if _, err := r.store.Deployment(id); err != nil {
		writeError(w, http.StatusNotFound, "Deployment not found")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	sub := ws.NewClient(conn, r.logger)
	r.metrics.pushClients.Inc()
	r.hub.Register(id, sub)

	// A deployment that finished before the channel opened gets the final
	// signal right away.
	if status, err := r.store.Deployment(id); err == nil && status.Terminal() {
		if payload, err := finishedMessage(); err == nil && sub.Send(payload) == nil {
			r.metrics.pushed(client.MessageDeploymentFinished)
		}
		r.hub.Unregister(id, sub)
		sub.Close()
		r.metrics.pushClients.Dec()
		return
	}
	go func() {
		defer func() {
			r.hub.Unregister(id, sub)
			sub.Close()
			r.metrics.pushClients.Dec()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// publish announces a status change on the deployment's push channel and
// hangs up subscribers once the deployment is terminal.
func (r *Router) publish(status client.DeploymentStatus, source string) {
	r.metrics.statusEvent(string(status.Status), source)
	payload, err := statusUpdateMessage(status)
	if err != nil {
		r.logger.Error("encode status update", "deployment_id", status.ID, "error", err)
		return
	}
	r.hub.Broadcast(status.ID, payload)
	r.metrics.pushed(client.MessageStatusUpdate)
	if !status.Terminal() {
		return
	}
	finished, err := finishedMessage()
	if err != nil {
		r.logger.Error("encode finished message", "deployment_id", status.ID, "error", err)
		return
	}
	r.hub.Broadcast(status.ID, finished)
	r.metrics.pushed(client.MessageDeploymentFinished)
	r.hub.HangUp(status.ID)
}

func statusUpdateMessage(status client.DeploymentStatus) ([]byte, error) {
	fields := map[string]any{"status": status.Status}
	if status.Terminal() {
		fields["outputs"] = status.Outputs
		fields["completed_at"] = status.CompletedAt
		if status.ErrorMessage != "" {
			fields["error_message"] = status.ErrorMessage
		}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return json.Marshal(client.StreamMessage{Type: client.MessageStatusUpdate, Data: data})
}

func finishedMessage() ([]byte, error) {
	return json.Marshal(client.StreamMessage{Type: client.MessageDeploymentFinished})
}

func (r *Router) canProvision(w http.ResponseWriter, req *http.Request) bool {
	user, ok := userFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return false
	}
	if !CanProvision(user) {
		writeError(w, http.StatusForbidden, "Not authorized to provision resources")
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
		return strings.Join(parts, "; ")
	}
	return err.Error()
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.metrics.request(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if user, ok := userFromContext(ctx); ok {
			fields = append(fields, "user", user.Username, "role", user.Role)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Debug("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
}
