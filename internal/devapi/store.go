package devapi

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/olajaido/platform-hub/pkg/api/client"
	"github.com/olajaido/platform-hub/pkg/domain"
)

var (
	// ErrNotFound indicates an unknown deployment or stack.
	ErrNotFound = errors.New("not found")
	// ErrTerminal indicates a transition out of completed or failed.
	ErrTerminal = errors.New("deployment already finished")
)

const defaultLogLimit = 500

type record struct {
	status       client.DeploymentStatus
	logs         []string
	stackID      string
	resourceID   string
	dependencies []string
}

type stackRecord struct {
	id          string
	createdAt   time.Time
	deployments []string
}

// Store keeps deployments, their logs and stacks in memory.
type Store struct {
	mu          sync.RWMutex
	deployments map[string]*record
	stacks      map[string]*stackRecord
	logLimit    int
	now         func() time.Time
}

// NewStore creates an empty store keeping at most logLimit lines per deployment.
func NewStore(logLimit int) *Store {
	if logLimit <= 0 {
		logLimit = defaultLogLimit
	}
	return &Store{
		deployments: make(map[string]*record),
		stacks:      make(map[string]*stackRecord),
		logLimit:    logLimit,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateDeployment records a pending deployment for req.
func (s *Store) CreateDeployment(req domain.DeploymentRequest) client.DeploymentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.newRecordLocked(req.ResourceType, req.Name, req.Environment, req.Region, req.Parameters)
	return cloneStatus(rec.status)
}

// CreateStack records a pending deployment per stack resource and returns the
// stack id with the deployments in dependency order.
func (s *Store) CreateStack(req domain.StackRequest) (string, []client.DeploymentStatus, error) {
	ordered, err := domain.OrderByDependencies(req.Resources)
	if err != nil {
		return "", nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := &stackRecord{id: uuid.NewString(), createdAt: s.now()}
	created := make([]client.DeploymentStatus, 0, len(ordered))
	for _, res := range ordered {
		rec := s.newRecordLocked(res.ResourceType, res.Name, res.Environment, res.Region, res.Parameters)
		rec.stackID = stack.id
		rec.resourceID = res.ID
		rec.dependencies = append([]string(nil), res.Dependencies...)
		stack.deployments = append(stack.deployments, rec.status.ID)
		created = append(created, cloneStatus(rec.status))
	}
	s.stacks[stack.id] = stack
	return stack.id, created, nil
}

func (s *Store) newRecordLocked(kind domain.ResourceType, name, env, region string, params map[string]any) *record {
	rec := &record{
		status: client.DeploymentStatus{
			ID:           uuid.NewString(),
			ResourceType: string(kind),
			Name:         name,
			Environment:  env,
			Region:       region,
			Status:       domain.StatusPending,
			Parameters:   maps.Clone(params),
			CreatedAt:    client.Timestamp{Time: s.now()},
		},
	}
	rec.logs = []string{fmt.Sprintf("%s deployment %q requested in %s", kind.Label(), name, region)}
	s.deployments[rec.status.ID] = rec
	return rec
}

// Deployment returns the current status of id.
func (s *Store) Deployment(id string) (client.DeploymentStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.deployments[id]
	if !ok {
		return client.DeploymentStatus{}, ErrNotFound
	}
	return cloneStatus(rec.status), nil
}

// List returns every deployment, newest first.
func (s *Store) List() []client.DeploymentStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]client.DeploymentStatus, 0, len(s.deployments))
	for _, rec := range s.deployments {
		out = append(out, cloneStatus(rec.status))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt.Time) {
			return out[i].CreatedAt.After(out[j].CreatedAt.Time)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Logs returns a copy of the log lines of id.
func (s *Store) Logs(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]string{}, rec.logs...), nil
}

// AppendLog adds lines to the log of id, dropping the oldest beyond the limit.
func (s *Store) AppendLog(id string, lines ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.deployments[id]
	if !ok {
		return ErrNotFound
	}
	s.appendLocked(rec, lines...)
	return nil
}

func (s *Store) appendLocked(rec *record, lines ...string) {
	rec.logs = append(rec.logs, lines...)
	if over := len(rec.logs) - s.logLimit; over > 0 {
		rec.logs = append([]string{}, rec.logs[over:]...)
	}
}

// Transition moves id to status. Terminal statuses stamp completed_at and
// outputs; only failed keeps an error message.
func (s *Store) Transition(id string, status domain.Status, outputs map[string]any, errMsg string) (client.DeploymentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.deployments[id]
	if !ok {
		return client.DeploymentStatus{}, ErrNotFound
	}
	if rec.status.Terminal() {
		return cloneStatus(rec.status), ErrTerminal
	}
	s.applyLocked(rec, status, outputs, errMsg, time.Time{})
	s.appendLocked(rec, fmt.Sprintf("status changed to %s", status))
	return cloneStatus(rec.status), nil
}

func (s *Store) applyLocked(rec *record, status domain.Status, outputs map[string]any, errMsg string, completedAt time.Time) {
	rec.status.Status = status
	if !status.Terminal() {
		rec.status.Outputs = nil
		rec.status.CompletedAt = nil
		rec.status.ErrorMessage = ""
		return
	}
	if completedAt.IsZero() {
		completedAt = s.now()
	}
	rec.status.CompletedAt = &client.Timestamp{Time: completedAt.UTC()}
	rec.status.Outputs = maps.Clone(outputs)
	if rec.status.Outputs == nil {
		rec.status.Outputs = map[string]any{}
	}
	if status == domain.StatusFailed {
		rec.status.ErrorMessage = errMsg
	} else {
		rec.status.ErrorMessage = ""
	}
}

// WebhookUpdate is the payload the provisioning pipeline posts back.
type WebhookUpdate struct {
	Secret       string           `json:"secret"`
	DeploymentID string           `json:"deployment_id" validate:"required"`
	ResourceType string           `json:"resource_type"`
	Name         string           `json:"name"`
	Environment  string           `json:"environment"`
	Region       string           `json:"region"`
	Status       string           `json:"status" validate:"required"`
	Outputs      map[string]any   `json:"outputs"`
	ErrorMessage string           `json:"error_message"`
	CreatedAt    client.Timestamp `json:"created_at"`
	CompletedAt  client.Timestamp `json:"completed_at"`
}

// Upsert creates or updates a deployment from a pipeline callback. It
// reports whether the deployment was created.
func (s *Store) Upsert(u WebhookUpdate) (client.DeploymentStatus, bool, error) {
	id := strings.TrimSpace(u.DeploymentID)
	if id == "" {
		return client.DeploymentStatus{}, false, errors.New("deployment_id is required")
	}
	status := domain.ParseStatus(u.Status)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.deployments[id]
	created := !ok
	if created {
		createdAt := u.CreatedAt.Time
		if createdAt.IsZero() {
			createdAt = s.now()
		}
		rec = &record{status: client.DeploymentStatus{ID: id, CreatedAt: client.Timestamp{Time: createdAt.UTC()}}}
		s.deployments[id] = rec
	}
	if v := strings.TrimSpace(u.ResourceType); v != "" {
		rec.status.ResourceType = v
	}
	if v := strings.TrimSpace(u.Name); v != "" {
		rec.status.Name = v
	}
	if v := strings.TrimSpace(u.Environment); v != "" {
		rec.status.Environment = v
	}
	if v := strings.TrimSpace(u.Region); v != "" {
		rec.status.Region = v
	}
	s.applyLocked(rec, status, u.Outputs, u.ErrorMessage, u.CompletedAt.Time)
	s.appendLocked(rec, fmt.Sprintf("pipeline reported status %s", status))
	return cloneStatus(rec.status), created, nil
}

// Stack aggregates the status of a stack from its deployments.
func (s *Store) Stack(id string) (client.StackStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stack, ok := s.stacks[id]
	if !ok {
		return client.StackStatus{}, ErrNotFound
	}
	out := client.StackStatus{
		ID:        stack.id,
		CreatedAt: client.Timestamp{Time: stack.createdAt},
		Outputs:   map[string]any{},
	}
	statuses := make([]domain.Status, 0, len(stack.deployments))
	var latest time.Time
	for _, depID := range stack.deployments {
		rec := s.deployments[depID]
		out.Resources = append(out.Resources, client.StackResourceStatus{
			ID:           rec.resourceID,
			Name:         rec.status.Name,
			ResourceType: rec.status.ResourceType,
			Status:       rec.status.Status,
			Dependencies: append([]string(nil), rec.dependencies...),
		})
		statuses = append(statuses, rec.status.Status)
		if len(rec.status.Outputs) > 0 {
			out.Outputs[rec.resourceID] = maps.Clone(rec.status.Outputs)
		}
		if rec.status.CompletedAt != nil && rec.status.CompletedAt.After(latest) {
			latest = rec.status.CompletedAt.Time
		}
	}
	out.Status = aggregateStatus(statuses)
	if out.Status.Terminal() && !latest.IsZero() {
		out.CompletedAt = &client.Timestamp{Time: latest}
	}
	return out, nil
}

// aggregateStatus folds member statuses: any failure fails the stack, all
// completed completes it and any progress marks it in progress.
func aggregateStatus(statuses []domain.Status) domain.Status {
	if len(statuses) == 0 {
		return domain.StatusPending
	}
	completed := 0
	started := false
	for _, st := range statuses {
		switch st {
		case domain.StatusFailed:
			return domain.StatusFailed
		case domain.StatusCompleted:
			completed++
			started = true
		case domain.StatusInProgress:
			started = true
		}
	}
	switch {
	case completed == len(statuses):
		return domain.StatusCompleted
	case started:
		return domain.StatusInProgress
	}
	return domain.StatusPending
}

func cloneStatus(st client.DeploymentStatus) client.DeploymentStatus {
	st.Outputs = maps.Clone(st.Outputs)
	st.Parameters = maps.Clone(st.Parameters)
	if st.CompletedAt != nil {
		ts := *st.CompletedAt
		st.CompletedAt = &ts
	}
	return st
}
