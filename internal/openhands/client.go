package openhands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// Client talks to the backend's REST API: conversation creation and the
// health probe. The event stream is AgentChannel's job.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a REST client for the backend at baseURL.
// apiKey may be empty when the backend runs without auth.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type createConversationResponse struct {
	ConversationID string `json:"conversation_id"`
}

// CreateConversation asks the backend for a new conversation and returns its
// id. A refused connection maps to ErrBackendDown, HTTP 401/403 to ErrAuth.
func (c *Client) CreateConversation(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]any{})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/conversations", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Session-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isConnRefused(err) {
			return "", fmt.Errorf("create conversation: %w", ErrBackendDown)
		}
		return "", fmt.Errorf("create conversation: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("create conversation: %w", ErrAuth)
	case resp.StatusCode >= 300:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("create conversation: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out createConversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if out.ConversationID == "" {
		return "", errors.New("create conversation: empty conversation_id in response")
	}
	return out.ConversationID, nil
}

// Health probes GET /api/options/config. A nil return means the backend is
// up and answering.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/options/config", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isConnRefused(err) {
			return fmt.Errorf("health check: %w", ErrBackendDown)
		}
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("health check: status %d", resp.StatusCode)
	}
	return nil
}

func isConnRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}
