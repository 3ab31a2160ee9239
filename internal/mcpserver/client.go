package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the fraudguard API.
type Config struct {
	APIURL   string // Base URL, e.g. "http://localhost:8080"
	ClientID string // Sent as X-Client-ID, the rate limit key
}

// Client is a pure HTTP client for the fraudguard API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the fraudguard API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TransactionInput is the body of the scoring and explanation endpoints.
type TransactionInput struct {
	TransactionID    string  `json:"transaction_id,omitempty"`
	UserID           string  `json:"user_id"`
	Amount           string  `json:"amount"`
	MerchantName     string  `json:"merchant_name"`
	MerchantCategory string  `json:"merchant_category"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	Timestamp        string  `json:"timestamp,omitempty"`
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.ClientID != "" {
		req.Header.Set("X-Client-ID", c.cfg.ClientID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// /health answers 503 with a full report when unhealthy
	if resp.StatusCode >= 400 && path != "/health" {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// Predict scores a transaction and records the decision.
func (c *Client) Predict(ctx context.Context, in TransactionInput) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/predict", nil, in)
}

// Explain computes features for a transaction without recording anything.
func (c *Client) Explain(ctx context.Context, in TransactionInput) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/features", nil, in)
}

// GetDecision fetches one recorded decision.
func (c *Client) GetDecision(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/decisions/"+url.PathEscape(id), nil, nil)
}

// ListDecisions lists a user's decisions, newest first.
func (c *Client) ListDecisions(ctx context.Context, userID, cursor string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/decisions", q, nil)
}

// Health returns the dependency health report.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/health", nil, nil)
}
