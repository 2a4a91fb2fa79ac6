package handoff

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// AgentsStatus is the agents-online API response.
type AgentsStatus struct {
	HasOnlineAgents bool   `json:"has_online_agents"`
	DialString      string `json:"dial_string"`
}

// Ticket is the pending-ticket payload posted after a failed or impossible
// live transfer.
type Ticket struct {
	Tenant           string `json:"company_id"`
	CallID           string `json:"call_id"`
	SecretaryID      string `json:"secretary_id"`
	QueueID          string `json:"queue_id"`
	Caller           string `json:"caller"`
	Provider         string `json:"provider"`
	Reason           string `json:"reason"`
	Summary          string `json:"summary"`
	Transcript       string `json:"transcript"`
	DurationSeconds  int    `json:"duration_seconds"`
	AverageLatencyMs int    `json:"average_latency_ms"`
	RecordingURL     string `json:"recording_url,omitempty"`
}

// APIClient talks to the orchestrator's voice endpoints.
type APIClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewAPIClient builds a client for the orchestrator API. httpClient nil
// uses a 10 s default.
func NewAPIClient(baseURL, token string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &APIClient{baseURL: baseURL, token: token, client: httpClient}
}

// OnlineAgents asks whether a human is available on the queue.
func (c *APIClient) OnlineAgents(ctx context.Context, queueID string) (AgentsStatus, error) {
	u := c.baseURL + "/api/voice/agents/online"
	if queueID != "" {
		u += "?queue_id=" + url.QueryEscape(queueID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return AgentsStatus{}, err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return AgentsStatus{}, fmt.Errorf("handoff: agents request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return AgentsStatus{}, fmt.Errorf("handoff: agents request: status %d", resp.StatusCode)
	}

	var status AgentsStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&status); err != nil {
		return AgentsStatus{}, fmt.Errorf("handoff: decode agents response: %w", err)
	}
	return status, nil
}

// CreateTicket files the pending ticket.
func (c *APIClient) CreateTicket(ctx context.Context, t Ticket) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/tickets/realtime-handoff", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("handoff: ticket request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("handoff: ticket request: status %d", resp.StatusCode)
	}
	return nil
}

func (c *APIClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
