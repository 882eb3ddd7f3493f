package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Push channel message types.
const (
	MessageStatusUpdate       = "status_update"
	MessageDeploymentFinished = "deployment_finished"
)

// ErrUnknownMessage indicates a push payload that matches none of the known shapes.
var ErrUnknownMessage = errors.New("unknown push message")

// StreamMessage is the tagged union carried on the deployment push channel:
// {"type":"status_update","data":{...}}, {"type":"deployment_finished"} or {"error":"..."}.
type StreamMessage struct {
	Type  string          `json:"type,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// DecodeStreamMessage parses and classifies a push payload.
func DecodeStreamMessage(raw []byte) (StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return StreamMessage{}, fmt.Errorf("decode push message: %w", err)
	}
	switch {
	case msg.Type == MessageStatusUpdate:
		if len(msg.Data) == 0 || string(msg.Data) == "null" {
			return StreamMessage{}, fmt.Errorf("%w: status_update without data", ErrUnknownMessage)
		}
	case msg.Type == MessageDeploymentFinished:
	case msg.Type == "" && msg.Error != "":
	default:
		return StreamMessage{}, fmt.Errorf("%w: type %q", ErrUnknownMessage, msg.Type)
	}
	return msg, nil
}

// StreamURL derives the push channel address for a deployment from the API
// base address: same host, wss for https and ws for http.
func (c *Client) StreamURL(deploymentID string) (string, error) {
	id := strings.TrimSpace(deploymentID)
	if id == "" {
		return "", errors.New("deployment id is required")
	}
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/deployments/" + id
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// DeploymentStream is an open push channel for one deployment.
type DeploymentStream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// DialDeploymentStream opens the push channel for deploymentID. The bearer
// token is attached when one is available; its absence does not prevent dialing.
func (c *Client) DialDeploymentStream(ctx context.Context, deploymentID string) (*DeploymentStream, error) {
	endpoint, err := c.StreamURL(deploymentID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if token, err := c.token(ctx); err == nil {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, fmt.Errorf("dial push channel: %w", APIError{Status: resp.StatusCode, Message: extractError(resp.Body)})
		}
		return nil, fmt.Errorf("dial push channel: %w", err)
	}
	return &DeploymentStream{conn: conn}, nil
}

// ReadMessage blocks until the next text payload arrives. Non-text frames are skipped.
func (s *DeploymentStream) ReadMessage() ([]byte, error) {
	for {
		kind, payload, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage {
			return payload, nil
		}
	}
}

// Close sends a close frame and releases the connection. It is safe to call more than once.
func (s *DeploymentStream) Close() error {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
