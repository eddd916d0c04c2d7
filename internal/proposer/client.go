package proposer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ClientConfig holds configuration for the HTTP proposal client.
type ClientConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	Retry          RetryPolicy
}

// DefaultClientConfig returns default client configuration.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:        baseURL,
		RequestTimeout: 60 * time.Second,
		Retry:          DefaultRetryPolicy(),
	}
}

// Client calls the fix-proposal service over HTTP JSON.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a proposal client. The per-call deadline comes from
// ClientConfig.RequestTimeout combined with the caller's context.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger,
	}
}

// Propose requests a candidate patch. Transient unreachability and rate
// limits are retried per the policy; a non-empty patch is required for the
// call to count as success.
func (c *Client) Propose(ctx context.Context, req Request) (*Proposal, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.Retry.Delay(attempt - 1)
			c.logger.Debug("Retrying proposal call", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
			case <-time.After(delay):
			}
		}

		proposal, err := c.proposeOnce(ctx, req)
		if err == nil {
			return proposal, nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		c.logger.Warn("Proposal call failed", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (c *Client) proposeOnce(ctx context.Context, req Request) (*Proposal, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal proposal request: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/v1/propose"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create proposal request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close proposal response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var proposal Proposal
	if err := json.NewDecoder(resp.Body).Decode(&proposal); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidResponse, err)
	}
	if strings.TrimSpace(proposal.Patch) == "" {
		return nil, fmt.Errorf("%w: empty patch", ErrInvalidResponse)
	}
	return &proposal, nil
}
