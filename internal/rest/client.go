// ============================================================================
// Livesync REST Client
// ============================================================================
//
// Package: internal/rest
// File: client.go
// Purpose: The polling-side collaborator: snapshot fetches and the REST
//          fallback for mutations. Carries the same bearer token the push
//          channel authenticates with.
//
// The client never interprets server payload shapes itself; every response
// body goes through the adapter (adapter.go) so shape guessing stays in
// one place.
//
// ============================================================================

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/umuve/livesync/pkg/types"
)

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the backend root, e.g. "http://localhost:5001".
	BaseURL string
	// Token is the bearer token; rotate with SetToken.
	Token string
	// HTTPClient is used for all requests. If nil, http.DefaultClient.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// Client is the REST collaborator consumed by the reconciler, the polling
// scheduler and the mutation queue.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.RWMutex
	token string
}

// APIError is a non-2xx response decoded from the server's JSON error
// envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// NewClient creates a REST client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("rest: BaseURL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		token:      cfg.Token,
	}, nil
}

// SetToken swaps the bearer token after a rotation. Subsequent requests
// use the new token; in-flight requests are unaffected.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// MapData fetches the live map snapshot (GET /admin/map-data) and
// normalizes it. FetchStart is stamped before the request is issued.
func (c *Client) MapData(ctx context.Context) (types.MapData, error) {
	fetchStart := time.Now().UnixMilli()
	body, err := c.get(ctx, "/admin/map-data")
	if err != nil {
		return types.MapData{}, err
	}
	return NormalizeMapData(body, fetchStart)
}

// AvailableJobs fetches the open-job list (GET /jobs/available).
func (c *Client) AvailableJobs(ctx context.Context) ([]types.JobRecord, error) {
	body, err := c.get(ctx, "/jobs/available")
	if err != nil {
		return nil, err
	}
	return NormalizeJobList(body)
}

// ChatMessages fetches a page of chat history
// (GET /chat/:jobId/messages?before&limit). before=0 means newest page.
func (c *Client) ChatMessages(ctx context.Context, jobID string, before int64, limit int) (types.ChatHistory, error) {
	fetchStart := time.Now().UnixMilli()
	path := "/chat/" + jobID + "/messages"
	var params []string
	if before > 0 {
		params = append(params, "before="+strconv.FormatInt(before, 10))
	}
	if limit > 0 {
		params = append(params, "limit="+strconv.Itoa(limit))
	}
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}
	body, err := c.get(ctx, path)
	if err != nil {
		return types.ChatHistory{}, err
	}
	return NormalizeChatHistory(body, jobID, fetchStart)
}

// SendChatMessage posts a message (POST /chat/:jobId/messages), the REST
// leg of the optimistic send. The server echoes the stored message,
// including the caller's local_id.
func (c *Client) SendChatMessage(ctx context.Context, jobID string, msg types.ChatMessage) (types.ChatMessage, error) {
	body, err := c.post(ctx, "/chat/"+jobID+"/messages", msg)
	if err != nil {
		return types.ChatMessage{}, err
	}
	var stored types.ChatMessage
	if err := json.Unmarshal(body, &stored); err != nil {
		return types.ChatMessage{}, fmt.Errorf("decode chat message response: %w", err)
	}
	return stored, nil
}

// MarkChatRead posts a read receipt (POST /chat/:jobId/read).
func (c *Client) MarkChatRead(ctx context.Context, jobID string, role types.SenderRole) error {
	_, err := c.post(ctx, "/chat/"+jobID+"/read", map[string]string{"reader_role": string(role)})
	return err
}

// AcceptJob posts a driver's job acceptance, the REST leg of the
// optimistic accept.
func (c *Client) AcceptJob(ctx context.Context, jobID, contractorID string) error {
	_, err := c.post(ctx, "/jobs/"+jobID+"/accept", map[string]string{"contractor_id": contractorID})
	return err
}

// SetAvailability posts a driver's online toggle.
func (c *Client) SetAvailability(ctx context.Context, contractorID string, online bool) error {
	_, err := c.post(ctx, "/drivers/"+contractorID+"/availability", map[string]bool{"online": online})
	return err
}

// ============================================================================
// HTTP plumbing
// ============================================================================

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}

	return data, nil
}
