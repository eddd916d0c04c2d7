// Package retrieval queries the optional context-retrieval capability for
// repository files relevant to an error.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"
)

// DefaultDenyPatterns is the sensitive-file denylist applied when the caller
// supplies none. Matched candidates never reach the proposal context.
var DefaultDenyPatterns = []string{
	".env",
	".env.*",
	"*.pem",
	"*.key",
	"*.p12",
	"id_rsa*",
	"*secret*",
	"*credential*",
	"*.tfstate",
}

// Candidate is one ranked repository file.
type Candidate struct {
	Path    string  `json:"path"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet,omitempty"`
}

// Request identifies what to search for and where.
type Request struct {
	ErrorMessage string `json:"error_message"`
	CodeSnippet  string `json:"code_snippet"`
	RepoRoot     string `json:"repo_root"`
}

// Retriever returns candidate files relevant to a failure, most relevant
// first.
type Retriever interface {
	Retrieve(ctx context.Context, req Request) ([]Candidate, error)
}

// Client calls a context-retrieval service over HTTP JSON and filters its
// answers through the denylist.
type Client struct {
	baseURL      string
	denyPatterns []string
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewClient creates a retrieval client. denyPatterns supplements nothing:
// pass nil to use DefaultDenyPatterns.
func NewClient(baseURL string, denyPatterns []string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if denyPatterns == nil {
		denyPatterns = DefaultDenyPatterns
	}
	return &Client{
		baseURL:      baseURL,
		denyPatterns: denyPatterns,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		logger:       logger,
	}
}

// Retrieve queries the service. Denylisted paths are removed from the answer
// before it is returned; order is preserved otherwise.
func (c *Client) Retrieve(ctx context.Context, req Request) ([]Candidate, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal retrieval request: %w", err)
	}

	url := strings.TrimSuffix(c.baseURL, "/") + "/v1/retrieve"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create retrieval request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("retrieval service: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close retrieval response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("retrieval service returned status %d", resp.StatusCode)
	}

	var candidates []Candidate
	if err := json.NewDecoder(resp.Body).Decode(&candidates); err != nil {
		return nil, fmt.Errorf("decode retrieval response: %w", err)
	}

	filtered := FilterSensitive(candidates, c.denyPatterns)
	if dropped := len(candidates) - len(filtered); dropped > 0 {
		c.logger.Info("Denylist removed sensitive candidates", "dropped", dropped)
	}
	return filtered, nil
}

// FilterSensitive removes candidates whose path matches any denylist glob.
// Patterns match against the base name and against each path segment, so
// "config/.env" is caught by the ".env" pattern.
func FilterSensitive(candidates []Candidate, patterns []string) []Candidate {
	filtered := make([]Candidate, 0, len(candidates))
	for _, cand := range candidates {
		if !matchesAny(cand.Path, patterns) {
			filtered = append(filtered, cand)
		}
	}
	return filtered
}

func matchesAny(filePath string, patterns []string) bool {
	normalized := strings.ToLower(strings.ReplaceAll(filePath, "\\", "/"))
	segments := strings.Split(normalized, "/")
	for _, pattern := range patterns {
		p := strings.ToLower(pattern)
		for _, seg := range segments {
			if ok, err := path.Match(p, seg); err == nil && ok {
				return true
			}
		}
	}
	return false
}
