package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nyxandro/remote-vibe-station-sub000/pkg/agentclient"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/routes"
)

// fakeAgent records reply calls and serves a canned session list.
type fakeAgent struct {
	mu       sync.Mutex
	replies  []string
	fail     bool
	sessions []agentclient.SessionInfo
}

func (f *fakeAgent) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/session":
			json.NewEncoder(w).Encode(f.sessions)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/reply"):
			if f.fail {
				http.Error(w, "request no longer pending", http.StatusConflict)
				return
			}
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			f.replies = append(f.replies, r.URL.Path+"|"+body["option"])
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}
}

type fakeWatcher struct {
	mu      sync.Mutex
	dirs    []string
	watches []string
}

func (f *fakeWatcher) EnsureDirectory(dir string) {
	f.mu.Lock()
	f.dirs = append(f.dirs, dir)
	f.mu.Unlock()
}

func (f *fakeWatcher) WatchPermissionOnce(dir, sessionID string, _ time.Duration) {
	f.mu.Lock()
	f.watches = append(f.watches, dir+"|"+sessionID)
	f.mu.Unlock()
}

func newTestHandler(t *testing.T, agent *fakeAgent) (*Handler, *routes.Table, *fakeWatcher) {
	t.Helper()
	ts := httptest.NewServer(agent.handler())
	t.Cleanup(ts.Close)

	table, err := routes.NewTable(time.Hour)
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	watcher := &fakeWatcher{}
	return NewHandler(table, agentclient.New(ts.URL, ""), watcher), table, watcher
}

func TestPayload_RoundTrip(t *testing.T) {
	cases := []struct {
		kind  string
		token string
		idx   int
	}{
		{KindQuestion, "abcd1234abcd1234", 0},
		{KindPermission, "abcd1234abcd1234", 2},
		{KindSession, "abcd1234abcd1234", -1},
	}
	for _, c := range cases {
		p := Payload(c.kind, c.token, c.idx)
		if len(p) > 64 {
			t.Errorf("payload %q exceeds 64 bytes", p)
		}
		kind, token, idx, err := ParsePayload(p)
		if err != nil {
			t.Errorf("parse %q: %v", p, err)
			continue
		}
		if kind != c.kind || token != c.token || idx != c.idx {
			t.Errorf("round trip %q: got (%s, %s, %d)", p, kind, token, idx)
		}
	}
}

func TestParsePayload_Malformed(t *testing.T) {
	for _, p := range []string{"", "q", "x:tok:0", "q:tok:extra:part", "q:tok:-1", "q:tok:NaN"} {
		if _, _, _, err := ParsePayload(p); err == nil {
			t.Errorf("expected error for %q", p)
		}
	}
}

func TestHandleCallback_AnswerQuestion(t *testing.T) {
	agent := &fakeAgent{}
	h, table, _ := newTestHandler(t, agent)
	tok := table.BindQuestion("q_1", "ses_1", "alice", "/work", []string{"merge", "abort"})

	ack, err := h.HandleCallback(context.Background(), "alice", Payload(KindQuestion, tok, 1))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if ack != "Answered: abort" {
		t.Errorf("ack: got %q", ack)
	}

	agent.mu.Lock()
	if len(agent.replies) != 1 || agent.replies[0] != "/question/q_1/reply|abort" {
		t.Errorf("agent calls: %v", agent.replies)
	}
	agent.mu.Unlock()

	// The route is consumed: answering twice fails.
	if _, err := h.HandleCallback(context.Background(), "alice", Payload(KindQuestion, tok, 1)); err == nil {
		t.Error("expected error for consumed question")
	}
}

func TestHandleCallback_PermissionDecision(t *testing.T) {
	agent := &fakeAgent{}
	h, table, _ := newTestHandler(t, agent)
	tok := table.BindPermission("perm_1", "ses_1", "alice", "/work", []string{"allow", "deny"})

	ack, err := h.HandleCallback(context.Background(), "alice", Payload(KindPermission, tok, 0))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if ack != "Permission: allow" {
		t.Errorf("ack: got %q", ack)
	}
}

func TestHandleCallback_ForeignOwnerRejected(t *testing.T) {
	agent := &fakeAgent{}
	h, table, _ := newTestHandler(t, agent)
	tok := table.BindQuestion("q_1", "ses_1", "alice", "/work", []string{"yes"})

	if _, err := h.HandleCallback(context.Background(), "mallory", Payload(KindQuestion, tok, 0)); err == nil {
		t.Fatal("expected rejection for foreign owner")
	}
	// The route survives a rejected attempt.
	if _, _, ok := table.ResolveQuestion(tok); !ok {
		t.Error("route consumed by rejected attempt")
	}
}

func TestHandleCallback_OptionOutOfRange(t *testing.T) {
	agent := &fakeAgent{}
	h, table, _ := newTestHandler(t, agent)
	tok := table.BindQuestion("q_1", "ses_1", "alice", "/work", []string{"only"})

	if _, err := h.HandleCallback(context.Background(), "alice", Payload(KindQuestion, tok, 5)); err == nil {
		t.Error("expected out-of-range error")
	}
}

func TestHandleCallback_UpstreamFailureKeepsRoute(t *testing.T) {
	agent := &fakeAgent{fail: true}
	h, table, _ := newTestHandler(t, agent)
	tok := table.BindPermission("perm_1", "ses_1", "alice", "/work", []string{"allow"})

	_, err := h.HandleCallback(context.Background(), "alice", Payload(KindPermission, tok, 0))
	if err == nil {
		t.Fatal("expected upstream error")
	}
	if !strings.Contains(err.Error(), "no longer pending") {
		t.Errorf("agent message lost: %v", err)
	}
	// Not consumed: the operator may retry once the agent recovers.
	if _, _, ok := table.ResolvePermission(tok); !ok {
		t.Error("route consumed despite upstream failure")
	}
}

func TestHandleCallback_ExpiredToken(t *testing.T) {
	agent := &fakeAgent{}
	h, _, _ := newTestHandler(t, agent)
	if _, err := h.HandleCallback(context.Background(), "alice", "q:deadbeefdeadbeef:0"); err == nil {
		t.Error("expected error for unknown token")
	}
}

func TestHandleCallback_SelectSession(t *testing.T) {
	agent := &fakeAgent{}
	h, table, watcher := newTestHandler(t, agent)
	tok := table.BindSessionToken("ses_9", "alice", "/repo")

	ack, err := h.HandleCallback(context.Background(), "alice", Payload(KindSession, tok, -1))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(ack, "/repo") {
		t.Errorf("ack: got %q", ack)
	}
	if r, ok := table.Resolve("ses_9"); !ok || r.OwnerID != "alice" {
		t.Errorf("session not bound: ok=%v route=%+v", ok, r)
	}
	watcher.mu.Lock()
	if len(watcher.dirs) != 1 || watcher.dirs[0] != "/repo" {
		t.Errorf("watcher dirs: %v", watcher.dirs)
	}
	if len(watcher.watches) != 1 || watcher.watches[0] != "/repo|ses_9" {
		t.Errorf("permission watches: %v", watcher.watches)
	}
	watcher.mu.Unlock()
	if _, ok := table.ResolveSessionToken(tok); ok {
		t.Error("picker token not consumed")
	}
}

func TestSessionPicker(t *testing.T) {
	agent := &fakeAgent{sessions: []agentclient.SessionInfo{
		{ID: "ses_1", Directory: "/work/api", Title: "API refactor"},
		{ID: "ses_2", Directory: "/work/ui"},
	}}
	h, table, _ := newTestHandler(t, agent)

	text, rows, err := h.SessionPicker(context.Background(), "alice")
	if err != nil {
		t.Fatalf("picker: %v", err)
	}
	if text != "Pick a session:" {
		t.Errorf("text: got %q", text)
	}
	if len(rows) != 2 {
		t.Fatalf("rows: got %d", len(rows))
	}
	if rows[0][0].Label != "API refactor" {
		t.Errorf("titled label: got %q", rows[0][0].Label)
	}
	if rows[1][0].Label != "/work/ui" {
		t.Errorf("fallback label: got %q", rows[1][0].Label)
	}
	// Every row's token must resolve.
	for _, row := range rows {
		_, tok, _, err := ParsePayload(row[0].Data)
		if err != nil {
			t.Fatalf("payload %q: %v", row[0].Data, err)
		}
		if _, ok := table.ResolveSessionToken(tok); !ok {
			t.Errorf("token %q not bound", tok)
		}
	}
}

func TestSessionPicker_Empty(t *testing.T) {
	agent := &fakeAgent{}
	h, _, _ := newTestHandler(t, agent)
	text, rows, err := h.SessionPicker(context.Background(), "alice")
	if err != nil {
		t.Fatalf("picker: %v", err)
	}
	if rows != nil {
		t.Errorf("expected no rows, got %d", len(rows))
	}
	if text != "No active sessions." {
		t.Errorf("text: got %q", text)
	}
}
