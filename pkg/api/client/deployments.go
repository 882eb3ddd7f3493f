package client

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/olajaido/platform-hub/pkg/domain"
)

// Login exchanges credentials for an access token using the form-encoded token endpoint.
func (c *Client) Login(ctx context.Context, username, password string) (TokenResponse, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	var resp TokenResponse
	if err := c.do(ctx, "login", http.MethodPost, "/api/token", form, false, &resp); err != nil {
		return TokenResponse{}, err
	}
	return resp, nil
}

// Me returns the user the current token belongs to.
func (c *Client) Me(ctx context.Context) (User, error) {
	var user User
	if err := c.do(ctx, "me", http.MethodGet, "/api/me", nil, true, &user); err != nil {
		return User{}, err
	}
	return user, nil
}

// Health reports API liveness. It does not require a token.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var health Health
	if err := c.do(ctx, "health", http.MethodGet, "/api/health", nil, false, &health); err != nil {
		return Health{}, err
	}
	return health, nil
}

// ListDeployments returns every deployment visible to the caller.
func (c *Client) ListDeployments(ctx context.Context) ([]DeploymentStatus, error) {
	var resp struct {
		Deployments []DeploymentStatus `json:"deployments"`
	}
	if err := c.do(ctx, "deployments.list", http.MethodGet, "/api/deployments", nil, true, &resp); err != nil {
		return nil, err
	}
	return resp.Deployments, nil
}

// CreateDeployment requests provisioning of a single resource.
func (c *Client) CreateDeployment(ctx context.Context, req domain.DeploymentRequest) (CreateResponse, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return CreateResponse{}, err
	}
	var resp CreateResponse
	if err := c.do(ctx, "deployments.create", http.MethodPost, "/api/deployments/create", req, true, &resp); err != nil {
		return CreateResponse{}, err
	}
	return resp, nil
}

// CreateStack requests provisioning of related resources.
func (c *Client) CreateStack(ctx context.Context, req domain.StackRequest) (CreateResponse, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return CreateResponse{}, err
	}
	var resp CreateResponse
	if err := c.do(ctx, "stacks.create", http.MethodPost, "/api/deployments/create-stack", req, true, &resp); err != nil {
		return CreateResponse{}, err
	}
	return resp, nil
}

// DeploymentStatus fetches the authoritative status of a deployment.
func (c *Client) DeploymentStatus(ctx context.Context, deploymentID string) (DeploymentStatus, error) {
	path, err := deploymentPath(deploymentID, "/status")
	if err != nil {
		return DeploymentStatus{}, err
	}
	var status DeploymentStatus
	if err := c.do(ctx, "deployments.status", http.MethodGet, path, nil, true, &status); err != nil {
		return DeploymentStatus{}, err
	}
	if status.ID == "" {
		status.ID = strings.TrimSpace(deploymentID)
	}
	return status, nil
}

// DeploymentLogs fetches the full log list of a deployment. A nil slice means
// the response carried no logs field.
func (c *Client) DeploymentLogs(ctx context.Context, deploymentID string) ([]string, error) {
	path, err := deploymentPath(deploymentID, "/logs")
	if err != nil {
		return nil, err
	}
	var resp struct {
		Logs []string `json:"logs"`
	}
	if err := c.do(ctx, "deployments.logs", http.MethodGet, path, nil, true, &resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

// StackStatus fetches the status of a stack and its member resources.
func (c *Client) StackStatus(ctx context.Context, stackID string) (StackStatus, error) {
	id := strings.TrimSpace(stackID)
	if id == "" {
		return StackStatus{}, errStackIDRequired
	}
	var status StackStatus
	if err := c.do(ctx, "stacks.status", http.MethodGet, "/api/stacks/"+url.PathEscape(id)+"/status", nil, true, &status); err != nil {
		return StackStatus{}, err
	}
	return status, nil
}
