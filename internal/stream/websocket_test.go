package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/remedylabs/remedy/internal/bus"
	"github.com/remedylabs/remedy/internal/domain"
	"github.com/remedylabs/remedy/internal/orchestrator"
	"github.com/remedylabs/remedy/internal/proposer"
	"github.com/remedylabs/remedy/internal/sandbox"
)

type memoryRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	attempts map[string][]domain.Attempt
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		sessions: make(map[string]*domain.Session),
		attempts: make(map[string][]domain.Attempt),
	}
}

func (m *memoryRepo) CreateSession(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.sessions[s.ID] = &copied
	return nil
}

func (m *memoryRepo) UpdateSession(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.sessions[s.ID]; ok {
		stored.Status = s.Status
		stored.Usage = s.Usage
		stored.Fallback = s.Fallback
		stored.UpdatedAt = s.UpdatedAt
	}
	return nil
}

func (m *memoryRepo) AppendAttempt(_ context.Context, sessionID string, a *domain.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[sessionID] = append(m.attempts[sessionID], *a)
	return nil
}

func (m *memoryRepo) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	copied := *stored
	copied.Attempts = append([]domain.Attempt(nil), m.attempts[sessionID]...)
	return &copied, nil
}

func (m *memoryRepo) ListSessions(context.Context, int) ([]*domain.Session, error) { return nil, nil }

func (m *memoryRepo) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *memoryRepo) CleanupTerminalSessions(context.Context, time.Duration) ([]string, error) {
	return nil, nil
}

func (m *memoryRepo) Ping(context.Context) error { return nil }
func (m *memoryRepo) Close() error               { return nil }

type proposeFunc func(ctx context.Context, req proposer.Request) (*proposer.Proposal, error)

func (f proposeFunc) Propose(ctx context.Context, req proposer.Request) (*proposer.Proposal, error) {
	return f(ctx, req)
}

type runFunc func(ctx context.Context, req sandbox.Request) (*domain.SandboxResult, error)

func (f runFunc) Run(ctx context.Context, req sandbox.Request) (*domain.SandboxResult, error) {
	return f(ctx, req)
}

func newStreamServer(t *testing.T) (*httptest.Server, *orchestrator.Orchestrator) {
	t.Helper()

	prop := proposeFunc(func(_ context.Context, _ proposer.Request) (*proposer.Proposal, error) {
		return &proposer.Proposal{Patch: "print(1 / 2)", Model: "proposer-test"}, nil
	})
	runner := runFunc(func(_ context.Context, _ sandbox.Request) (*domain.SandboxResult, error) {
		return &domain.SandboxResult{ExitCode: 0}, nil
	})

	eventBus := bus.New(bus.Options{})
	orch := orchestrator.New(orchestrator.DefaultConfig(), newMemoryRepo(), runner, prop, nil, eventBus, nil)

	server := httptest.NewServer(NewHandler(orch, eventBus, "*", true))
	t.Cleanup(server.Close)
	return server, orch
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, strings.Replace(url, "http", "ws", 1), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "test done") })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMessage(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return payload
}

// readUntilType consumes messages until one of the wanted type arrives.
func readUntilType(t *testing.T, ws *websocket.Conn, wanted string) map[string]interface{} {
	t.Helper()
	for i := 0; i < 100; i++ {
		payload := readMessage(t, ws)
		if payload["type"] == wanted {
			return payload
		}
	}
	t.Fatalf("no %q message within 100 reads", wanted)
	return nil
}

func TestStream_AnalyzeDeliversThoughtStream(t *testing.T) {
	server, _ := newStreamServer(t)
	ws := dial(t, server.URL)

	send(t, ws, clientMessage{
		Action: "analyze",
		Request: &orchestrator.StartRequest{
			ErrorMessage: "ZeroDivisionError: division by zero",
			CodeSnippet:  "print(1 / 0)",
			Language:     "python",
		},
	})

	started := readMessage(t, ws)
	if started["type"] != "session_started" {
		t.Fatalf("first message type = %v", started["type"])
	}
	if started["session_id"] == "" {
		t.Fatal("session_started must carry a session_id")
	}

	result := readUntilType(t, ws, string(domain.EventResult))
	data, _ := result["data"].(map[string]interface{})
	if success, _ := data["success"].(bool); !success {
		t.Fatalf("result should report success: %v", result)
	}
}

func TestStream_PingPong(t *testing.T) {
	server, _ := newStreamServer(t)
	ws := dial(t, server.URL)

	send(t, ws, clientMessage{Action: "ping"})
	if payload := readMessage(t, ws); payload["type"] != "pong" {
		t.Fatalf("reply type = %v, want pong", payload["type"])
	}
}

func TestStream_UnknownActionReportsError(t *testing.T) {
	server, _ := newStreamServer(t)
	ws := dial(t, server.URL)

	send(t, ws, clientMessage{Action: "explode"})
	payload := readMessage(t, ws)
	if payload["type"] != string(domain.EventError) {
		t.Fatalf("reply type = %v, want error", payload["type"])
	}
}

func TestStream_SubscribeReplaysExistingSession(t *testing.T) {
	server, orch := newStreamServer(t)

	session, err := orch.Start(context.Background(), orchestrator.StartRequest{
		ErrorMessage: "ZeroDivisionError: division by zero",
		CodeSnippet:  "print(1 / 0)",
		Language:     "python",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitTerminal(t, orch, session.ID)

	ws := dial(t, server.URL+"?session_id="+session.ID)

	result := readUntilType(t, ws, string(domain.EventResult))
	if result["session_id"] != session.ID {
		t.Fatalf("session_id = %v, want %s", result["session_id"], session.ID)
	}
}

func TestStream_PerSessionRouteReplays(t *testing.T) {
	server, orch := newStreamServer(t)

	router := chi.NewRouter()
	router.Get("/ws/sessions/{sessionID}/events", server.Config.Handler.ServeHTTP)
	routed := httptest.NewServer(router)
	t.Cleanup(routed.Close)

	session, err := orch.Start(context.Background(), orchestrator.StartRequest{
		ErrorMessage: "ZeroDivisionError: division by zero",
		CodeSnippet:  "print(1 / 0)",
		Language:     "python",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitTerminal(t, orch, session.ID)

	ws := dial(t, routed.URL+"/ws/sessions/"+session.ID+"/events")

	result := readUntilType(t, ws, string(domain.EventResult))
	if result["session_id"] != session.ID {
		t.Fatalf("session_id = %v, want %s", result["session_id"], session.ID)
	}
}

func TestStream_ApproveOverSocket(t *testing.T) {
	server, orch := newStreamServer(t)
	ws := dial(t, server.URL)

	send(t, ws, clientMessage{
		Action: "analyze",
		Request: &orchestrator.StartRequest{
			ErrorMessage:    "ZeroDivisionError: division by zero",
			CodeSnippet:     "print(1 / 0)",
			Language:        "python",
			RequireApproval: true,
		},
	})

	started := readMessage(t, ws)
	sessionID, _ := started["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("no session id in %v", started)
	}

	readUntilType(t, ws, string(domain.EventApprovalRequest))
	send(t, ws, clientMessage{Action: "approve", SessionID: sessionID})

	result := readUntilType(t, ws, string(domain.EventResult))
	data, _ := result["data"].(map[string]interface{})
	if success, _ := data["success"].(bool); !success {
		t.Fatalf("approved session should succeed: %v", result)
	}

	final := waitTerminal(t, orch, sessionID)
	if final.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", final.Status)
	}
}

func TestStream_DisconnectCancelsOwnedSession(t *testing.T) {
	server, orch := newStreamServer(t)
	ws := dial(t, server.URL)

	send(t, ws, clientMessage{
		Action: "analyze",
		Request: &orchestrator.StartRequest{
			ErrorMessage:    "ZeroDivisionError: division by zero",
			CodeSnippet:     "print(1 / 0)",
			Language:        "python",
			RequireApproval: true,
		},
	})

	started := readMessage(t, ws)
	sessionID, _ := started["session_id"].(string)
	readUntilType(t, ws, string(domain.EventApprovalRequest))

	if err := ws.Close(websocket.StatusNormalClosure, "leaving"); err != nil {
		t.Fatalf("close: %v", err)
	}

	final := waitTerminal(t, orch, sessionID)
	if final.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed after disconnect", final.Status)
	}
}

func waitTerminal(t *testing.T, orch *orchestrator.Orchestrator, sessionID string) *domain.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		session, err := orch.Get(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if session.Status.IsTerminal() {
			return session
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never finished", sessionID)
	return nil
}
