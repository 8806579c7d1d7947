// Package client is a Go client for the run-session REST API and WebSocket stream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fwdslsh/dispatch/internal/domain"
)

// Client is an HTTP client for the /v1/run-sessions API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a client for the server at baseURL (http:// or https://).
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Create starts a new run session.
func (c *Client) Create(ctx context.Context, req *domain.CreateRunSessionRequest) (*domain.CreateRunSessionResponse, error) {
	var resp domain.CreateRunSessionResponse
	if err := c.do(ctx, http.MethodPost, "/v1/run-sessions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List returns persisted sessions, optionally filtered by kind.
func (c *Client) List(ctx context.Context, kind domain.SessionKind) ([]domain.SessionStatus, error) {
	path := "/v1/run-sessions"
	if kind != "" {
		path += "?kind=" + url.QueryEscape(string(kind))
	}
	var resp domain.ListRunSessionsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Get returns one session's status.
func (c *Client) Get(ctx context.Context, runID string) (*domain.SessionStatus, error) {
	var resp domain.SessionStatus
	if err := c.do(ctx, http.MethodGet, "/v1/run-sessions/"+url.PathEscape(runID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Events returns up to limit events with seq > afterSeq. limit <= 0 uses the server default.
func (c *Client) Events(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.SessionEvent, error) {
	q := url.Values{}
	q.Set("after_seq", strconv.FormatInt(afterSeq, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp domain.GetEventsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/run-sessions/"+url.PathEscape(runID)+"/events?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// SendInput forwards input to a live session.
func (c *Client) SendInput(ctx context.Context, runID, data string) error {
	return c.do(ctx, http.MethodPost, "/v1/run-sessions/"+url.PathEscape(runID)+"/input", &domain.SendInputRequest{Data: data}, nil)
}

// Operation invokes a kind-specific operation.
func (c *Client) Operation(ctx context.Context, runID, op string, params json.RawMessage) (*domain.OperationResult, error) {
	var resp domain.OperationResult
	path := "/v1/run-sessions/" + url.PathEscape(runID) + "/operations/" + url.PathEscape(op)
	if err := c.do(ctx, http.MethodPost, path, params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resume brings a persisted session back to life.
func (c *Client) Resume(ctx context.Context, runID string) (*domain.ResumeResult, error) {
	var resp domain.ResumeResult
	if err := c.do(ctx, http.MethodPost, "/v1/run-sessions/"+url.PathEscape(runID)+"/resume", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close stops a session.
func (c *Client) Close(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/run-sessions/"+url.PathEscape(runID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		if len(b) > 0 {
			reader = bytes.NewReader(b)
		}
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
