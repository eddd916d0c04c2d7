package proposer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/remedylabs/remedy/internal/domain"
)

func noRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond}
}

func TestClient_ProposeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/propose" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.ErrorMessage == "" {
			t.Error("Expected error_message in request")
		}
		_ = json.NewEncoder(w).Encode(Proposal{
			Patch: "def divide(a,b):\n    if b == 0:\n        return 0\n    return a/b",
			Model: "test-model",
			Usage: domain.Usage{InputTokens: 10, OutputTokens: 20, EstimatedCost: 0.001},
		})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, Retry: noRetry()}, nil)
	proposal, err := c.Propose(context.Background(), Request{
		ErrorMessage: "ZeroDivisionError: division by zero",
		CodeSnippet:  "def divide(a,b): return a/b",
		Language:     "python",
	})
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if proposal.Patch == "" {
		t.Error("Expected non-empty patch")
	}
	if proposal.Usage.OutputTokens != 20 {
		t.Errorf("Expected usage to round-trip, got %+v", proposal.Usage)
	}
}

func TestClient_ClassifiesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, Retry: noRetry()}, nil)
	_, err := c.Propose(context.Background(), Request{ErrorMessage: "x", CodeSnippet: "y"})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited, got %v", err)
	}
}

func TestClient_ClassifiesServerErrorAsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, Retry: noRetry()}, nil)
	_, err := c.Propose(context.Background(), Request{ErrorMessage: "x", CodeSnippet: "y"})
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("Expected ErrUnreachable, got %v", err)
	}
}

func TestClient_ConnectionRefusedIsUnreachable(t *testing.T) {
	c := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1", Retry: noRetry()}, nil)
	_, err := c.Propose(context.Background(), Request{ErrorMessage: "x", CodeSnippet: "y"})
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("Expected ErrUnreachable, got %v", err)
	}
}

func TestClient_EmptyPatchIsInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Proposal{Patch: "   "})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, Retry: noRetry()}, nil)
	_, err := c.Propose(context.Background(), Request{ErrorMessage: "x", CodeSnippet: "y"})
	if !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Expected ErrInvalidResponse, got %v", err)
	}
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(Proposal{Patch: "fixed"})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{
		BaseURL: srv.URL,
		Retry:   RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, BackoffMultiplier: 1},
	}, nil)
	proposal, err := c.Propose(context.Background(), Request{ErrorMessage: "x", CodeSnippet: "y"})
	if err != nil {
		t.Fatalf("Propose failed after retry: %v", err)
	}
	if proposal.Patch != "fixed" {
		t.Errorf("Unexpected patch %q", proposal.Patch)
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
}

func TestClient_InvalidResponseNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{
		BaseURL: srv.URL,
		Retry:   RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, BackoffMultiplier: 1},
	}, nil)
	_, err := c.Propose(context.Background(), Request{ErrorMessage: "x", CodeSnippet: "y"})
	if !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Expected ErrInvalidResponse, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected exactly 1 call, got %d", calls)
	}
}

func TestRetryPolicy_DelayGrows(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, BackoffMultiplier: 2}
	if d0, d1 := p.Delay(0), p.Delay(1); d1 <= d0 {
		t.Errorf("Expected growing delay, got %v then %v", d0, d1)
	}
	capped := RetryPolicy{BaseDelay: time.Second, MaxDelay: 2 * time.Second, BackoffMultiplier: 10}
	if d := capped.Delay(5); d > 2*time.Second {
		t.Errorf("Delay %v exceeds cap", d)
	}
}
