package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFilterSensitive(t *testing.T) {
	candidates := []Candidate{
		{Path: "src/app.py", Score: 0.9},
		{Path: ".env", Score: 0.8},
		{Path: "config/.env.production", Score: 0.7},
		{Path: "certs/server.pem", Score: 0.6},
		{Path: "src/utils.py", Score: 0.5},
		{Path: "deploy/id_rsa.pub", Score: 0.4},
		{Path: "docs/secrets-policy.md", Score: 0.3},
	}

	filtered := FilterSensitive(candidates, DefaultDenyPatterns)

	want := []string{"src/app.py", "src/utils.py"}
	if len(filtered) != len(want) {
		t.Fatalf("Expected %d candidates, got %d: %+v", len(want), len(filtered), filtered)
	}
	for i, cand := range filtered {
		if cand.Path != want[i] {
			t.Errorf("filtered[%d] = %q, want %q", i, cand.Path, want[i])
		}
	}
}

func TestFilterSensitive_PreservesOrder(t *testing.T) {
	candidates := []Candidate{
		{Path: "b.py", Score: 0.2},
		{Path: "a.py", Score: 0.9},
	}
	filtered := FilterSensitive(candidates, DefaultDenyPatterns)
	if filtered[0].Path != "b.py" || filtered[1].Path != "a.py" {
		t.Errorf("Order not preserved: %+v", filtered)
	}
}

func TestClient_RetrieveFiltersDenylist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/retrieve" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode([]Candidate{
			{Path: "src/divide.py", Score: 0.95},
			{Path: ".env", Score: 0.4},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	candidates, err := c.Retrieve(context.Background(), Request{
		ErrorMessage: "ZeroDivisionError: division by zero",
		RepoRoot:     "/repo",
	})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Path != "src/divide.py" {
		t.Errorf("Expected only src/divide.py, got %+v", candidates)
	}
}

func TestClient_RetrieveServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	if _, err := c.Retrieve(context.Background(), Request{}); err == nil {
		t.Error("Expected error for 500 response")
	}
}
