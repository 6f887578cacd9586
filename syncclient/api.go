package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"planningpoker/models"
)

// APIClient calls the session REST endpoints. It backs polling and the
// fallbacks used while the realtime channel is down.
type APIClient struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		headers: map[string]string{"Content-Type": "application/json"},
	}
}

func (c *APIClient) SetHeader(key, value string) {
	c.headers[key] = value
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned status code: %d, response: %s", e.StatusCode, e.Body)
}

func (c *APIClient) do(ctx context.Context, method, endpoint string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(responseBody)}
	}

	if out != nil {
		if err := json.Unmarshal(responseBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func gamePath(sessionID string) string {
	return "/api/games/" + url.PathEscape(sessionID)
}

func (c *APIClient) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var sess models.Session
	if err := c.do(ctx, http.MethodGet, gamePath(sessionID), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *APIClient) Heartbeat(ctx context.Context, sessionID, participantID, username string, isAdmin bool) error {
	body := map[string]interface{}{
		"userId":   participantID,
		"username": username,
		"isAdmin":  isAdmin,
	}
	return c.do(ctx, http.MethodPost, gamePath(sessionID)+"/heartbeat", body, nil)
}

func (c *APIClient) Notify(ctx context.Context, sessionID, participantID string) error {
	return c.do(ctx, http.MethodPost, gamePath(sessionID)+"/notify", map[string]string{"userId": participantID}, nil)
}

func (c *APIClient) Leave(ctx context.Context, sessionID, participantID string) error {
	return c.do(ctx, http.MethodPost, gamePath(sessionID)+"/leave", map[string]string{"userId": participantID}, nil)
}

func (c *APIClient) Join(ctx context.Context, sessionID, username string) (*models.Participant, error) {
	var p models.Participant
	if err := c.do(ctx, http.MethodPost, gamePath(sessionID)+"/join", map[string]string{"username": username}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
