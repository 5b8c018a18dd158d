package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EventEnvelope is the wire form of one outbox event posted to a node agent.
type EventEnvelope struct {
	EventID        string          `json:"event_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
}

// AgentResponse is the agent's reply to POST /v1/events.
type AgentResponse struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate"`
	Message   string `json:"message"`
}

// AgentClient posts event envelopes to node agents.
type AgentClient struct {
	httpClient *http.Client
	token      string
}

func NewAgentClient(token string, timeout time.Duration) *AgentClient {
	return &AgentClient{
		httpClient: &http.Client{Timeout: timeout},
		token:      token,
	}
}

// Send posts the envelope to the agent at baseURL. Any non-2xx status is an
// error; the body (truncated) becomes the error text so it lands in the
// delivery's last_error.
func (c *AgentClient) Send(ctx context.Context, baseURL string, env EventEnvelope) (AgentResponse, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return AgentResponse{}, fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/events", bytes.NewReader(body))
	if err != nil {
		return AgentResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-agent-token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return AgentResponse{}, fmt.Errorf("post %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return AgentResponse{}, fmt.Errorf("agent %s returned %d: %s", baseURL, resp.StatusCode, truncate(string(respBody), 200))
	}

	var out AgentResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return AgentResponse{}, fmt.Errorf("decode agent response: %w", err)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
