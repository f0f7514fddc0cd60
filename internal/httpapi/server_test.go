package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/solvertalk/sonicbridge/internal/agent"
	"github.com/solvertalk/sonicbridge/internal/config"
	"github.com/solvertalk/sonicbridge/internal/observability"
	"github.com/solvertalk/sonicbridge/internal/session"
)

type stubRunner struct {
	mu     sync.Mutex
	params []agent.RunParams
	err    error
}

func (r *stubRunner) Run(_ context.Context, p agent.RunParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params = append(r.params, p)
	return r.err
}

func (r *stubRunner) calls() []agent.RunParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]agent.RunParams, len(r.params))
	copy(out, r.params)
	return out
}

func newTestServer(t *testing.T, runner Runner) (*Server, *session.Manager) {
	t.Helper()
	cfg := config.Config{VoiceID: "tiffany"}
	sessions := session.NewManager(time.Minute)
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", time.Now().UnixNano()))
	return New(cfg, sessions, runner, metrics, observability.NewStageWindow(16)), sessions
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	res, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func TestInvokeRunsSession(t *testing.T) {
	runner := &stubRunner{}
	srv, _ := newTestServer(t, runner)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res := postJSON(t, ts.URL+"/v1/agent/invoke", map[string]string{
		"eventType":         "session-start",
		"userId":            "user-1",
		"sessionId":         "sess-1",
		"systemPrompt":      "You are a friendly interviewer.",
		"sessionExternalId": "ext-1",
	})
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	calls := runner.calls()
	if len(calls) != 1 {
		t.Fatalf("runner calls = %d, want 1", len(calls))
	}
	p := calls[0]
	if p.SessionID != "sess-1" || p.UserID != "user-1" || p.ExternalID != "ext-1" {
		t.Fatalf("unexpected params: %+v", p)
	}
	if p.VoiceID != "tiffany" {
		t.Fatalf("VoiceID = %q, want configured default", p.VoiceID)
	}
}

func TestInvokeIgnoresOtherEventTypes(t *testing.T) {
	runner := &stubRunner{}
	srv, _ := newTestServer(t, runner)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res := postJSON(t, ts.URL+"/v1/agent/invoke", map[string]string{
		"eventType": "session-heartbeat",
		"userId":    "user-1",
		"sessionId": "sess-1",
	})
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["status"] != "ignored" {
		t.Fatalf("status = %v, want ignored", payload["status"])
	}
	if len(runner.calls()) != 0 {
		t.Fatal("runner should not be invoked for non session-start events")
	}
}

func TestInvokeValidatesRequest(t *testing.T) {
	runner := &stubRunner{}
	srv, _ := newTestServer(t, runner)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res := postJSON(t, ts.URL+"/v1/agent/invoke", map[string]string{
		"eventType": "session-start",
		"userId":    "user-1",
	})
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestInvokeReportsActiveSessionConflict(t *testing.T) {
	runner := &stubRunner{err: fmt.Errorf("begin session sess-1: %w", session.ErrActive)}
	srv, _ := newTestServer(t, runner)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res := postJSON(t, ts.URL+"/v1/agent/invoke", map[string]string{
		"eventType": "session-start",
		"userId":    "user-1",
		"sessionId": "sess-1",
	})
	defer res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestGetSession(t *testing.T) {
	srv, sessions := newTestServer(t, &stubRunner{})
	if _, err := sessions.Begin("sess-1", "user-1", "ext-1", "tiffany"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/agent/session/sess-1")
	if err != nil {
		t.Fatalf("GET session error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got session.Session
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != "sess-1" || got.UserID != "user-1" {
		t.Fatalf("unexpected session: %+v", got)
	}

	missing, err := http.Get(ts.URL + "/v1/agent/session/nope")
	if err != nil {
		t.Fatalf("GET missing session error = %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status = %d, want %d", missing.StatusCode, http.StatusNotFound)
	}
}

func TestStatsSnapshot(t *testing.T) {
	srv, _ := newTestServer(t, &stubRunner{})
	srv.stages.Observe("stream_open", 120)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/agent/stats")
	if err != nil {
		t.Fatalf("GET stats error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var snap observability.StageSnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(snap.Stages) != 1 || snap.Stages[0].Stage != "stream_open" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
