package translate

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nyxandro/remote-vibe-station-sub000/pkg/events"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/outbox"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/previews"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/routes"
)

type harness struct {
	translator *Translator
	store      *outbox.Store
	table      *routes.Table
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := outbox.NewStore(outbox.StoreConfig{Path: filepath.Join(dir, "outbox.json")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	table, err := routes.NewTable(time.Hour)
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	previewStore := previews.NewStore(filepath.Join(dir, "previews.json"), time.Hour)
	dests := DestinationMap{"alice": "chat-42"}
	tr := New(table, outbox.NewDelivery(store, 0), previewStore, dests, "https://t.me/bot")

	table.Bind("ses_1", "alice", "/work")
	return &harness{translator: tr, store: store, table: table}
}

func (h *harness) agentEvent(ev events.AgentEvent) events.Envelope {
	return events.NewEnvelope(events.TypeAgentEvent, events.StreamEvent{
		Directory: "/work",
		Event:     ev,
	})
}

func (h *harness) pending(t *testing.T) []outbox.Item {
	t.Helper()
	items, err := h.store.Pull("alice", 100, "test")
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	return items
}

func TestTranslator_UnroutedSessionDropped(t *testing.T) {
	h := newHarness(t)
	h.translator.OnEnvelope(h.agentEvent(&events.IdleEvent{SessionID: "ses_unknown"}))
	h.translator.OnEnvelope(h.agentEvent(&events.ToolStateEvent{
		SessionID: "ses_unknown", Status: events.ToolRunning, Command: "make",
	}))

	if items := h.pending(t); len(items) != 0 {
		t.Errorf("unrouted events produced %d items", len(items))
	}
}

func TestTranslator_ToolProgressReplaceKeyStable(t *testing.T) {
	h := newHarness(t)
	base := time.Now()
	now := base
	h.translator.now = func() time.Time { return now }

	// The call id rotates between updates; the command does not.
	h.translator.OnEnvelope(h.agentEvent(&events.ToolStateEvent{
		SessionID: "ses_1", CallID: "c1", Status: events.ToolRunning, Command: "go test ./...",
	}))
	now = base.Add(2 * time.Second)
	h.translator.OnEnvelope(h.agentEvent(&events.ToolStateEvent{
		SessionID: "ses_1", CallID: "c2", Status: events.ToolRunning, Command: "go test ./...",
	}))

	items := h.pending(t)
	if len(items) != 2 {
		t.Fatalf("expected 2 progress items, got %d", len(items))
	}
	if items[0].ReplaceKey != items[1].ReplaceKey {
		t.Errorf("replace keys differ: %q vs %q", items[0].ReplaceKey, items[1].ReplaceKey)
	}
	if items[0].Mode != outbox.ModeReplace {
		t.Errorf("mode: got %q", items[0].Mode)
	}
}

func TestTranslator_ToolProgressRateLimited(t *testing.T) {
	h := newHarness(t)
	base := time.Now()
	now := base
	h.translator.now = func() time.Time { return now }

	run := func() {
		h.translator.OnEnvelope(h.agentEvent(&events.ToolStateEvent{
			SessionID: "ses_1", Status: events.ToolRunning, Command: "npm install",
		}))
	}
	run()
	now = base.Add(200 * time.Millisecond)
	run()
	now = base.Add(400 * time.Millisecond)
	run()

	if items := h.pending(t); len(items) != 1 {
		t.Errorf("burst produced %d items, want 1", len(items))
	}
}

func TestTranslator_TerminalToolAlwaysFlushes(t *testing.T) {
	h := newHarness(t)
	base := time.Now()
	now := base
	h.translator.now = func() time.Time { return now }

	h.translator.OnEnvelope(h.agentEvent(&events.ToolStateEvent{
		SessionID: "ses_1", Status: events.ToolRunning, Command: "make build",
	}))
	// Terminal state lands inside the rate window but must not be dropped.
	now = base.Add(100 * time.Millisecond)
	h.translator.OnEnvelope(h.agentEvent(&events.ToolStateEvent{
		SessionID: "ses_1", Status: events.ToolCompleted, Command: "make build",
	}))

	items := h.pending(t)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if !strings.HasPrefix(items[1].Text, "✓") {
		t.Errorf("terminal text: got %q", items[1].Text)
	}
}

func TestTranslator_ToolErrorIncludesOutput(t *testing.T) {
	h := newHarness(t)
	h.translator.OnEnvelope(h.agentEvent(&events.ToolStateEvent{
		SessionID: "ses_1", Status: events.ToolError, Command: "go vet ./...",
		Output: "pkg/x.go:10: unreachable code",
	}))

	items := h.pending(t)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if !strings.HasPrefix(items[0].Text, "✗") || !strings.Contains(items[0].Text, "unreachable code") {
		t.Errorf("error text: got %q", items[0].Text)
	}
}

func TestTranslator_VersionProbesFiltered(t *testing.T) {
	h := newHarness(t)
	for _, cmd := range []string{"go version", "node --version", "python -V", "rustc -v"} {
		h.translator.OnEnvelope(h.agentEvent(&events.ToolStateEvent{
			SessionID: "ses_1", Status: events.ToolRunning, Command: cmd,
		}))
	}
	if items := h.pending(t); len(items) != 0 {
		t.Errorf("version probes produced %d items", len(items))
	}
}

func TestTranslator_ThinkingEdgeTriggered(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 4; i++ {
		h.translator.OnEnvelope(h.agentEvent(&events.ReasoningEvent{SessionID: "ses_1"}))
	}

	items := h.pending(t)
	if len(items) != 1 {
		t.Fatalf("expected single indicator control, got %d items", len(items))
	}
	if items[0].Control != outbox.ControlTypingOn {
		t.Errorf("control: got %q", items[0].Control)
	}
}

func TestTranslator_IdleFlushesAssembledReply(t *testing.T) {
	h := newHarness(t)
	h.translator.OnEnvelope(h.agentEvent(&events.SessionEvent{
		SessionID: "ses_1", Status: "started", Model: "big-model", TokensUsed: 2048, ContextPercent: 17,
	}))
	h.translator.OnEnvelope(h.agentEvent(&events.TextPartEvent{SessionID: "ses_1", Text: "Fixed the "}))
	h.translator.OnEnvelope(h.agentEvent(&events.TextPartEvent{SessionID: "ses_1", Text: "race condition."}))
	h.translator.OnEnvelope(h.agentEvent(&events.IdleEvent{SessionID: "ses_1"}))

	items := h.pending(t)
	var reply *outbox.Item
	for i := range items {
		if items[i].Control == "" && items[i].Text != "" {
			reply = &items[i]
		}
	}
	if reply == nil {
		t.Fatal("no reply item enqueued")
	}
	if !strings.Contains(reply.Text, "Fixed the race condition.") {
		t.Errorf("reply body: got %q", reply.Text)
	}
	if !strings.Contains(reply.Text, "2048 tok (17%)") || !strings.Contains(reply.Text, "big-model") {
		t.Errorf("footer missing usage data: %q", reply.Text)
	}

	// The reply buffer resets after flush.
	h.translator.OnEnvelope(h.agentEvent(&events.IdleEvent{SessionID: "ses_1"}))
	if extra := h.pending(t); len(extra) != 0 {
		t.Errorf("second idle produced %d items", len(extra))
	}
}

func TestTranslator_IdleWithoutReplyStopsIndicator(t *testing.T) {
	h := newHarness(t)
	h.translator.OnEnvelope(h.agentEvent(&events.ReasoningEvent{SessionID: "ses_1"}))
	h.translator.OnEnvelope(h.agentEvent(&events.IdleEvent{SessionID: "ses_1"}))

	items := h.pending(t)
	if len(items) != 2 {
		t.Fatalf("expected on/off pair, got %d items", len(items))
	}
	if items[0].Control != outbox.ControlTypingOn || items[1].Control != outbox.ControlTypingOff {
		t.Errorf("controls: got %q then %q", items[0].Control, items[1].Control)
	}
}

func TestTranslator_IdleWhileQuietIsSilent(t *testing.T) {
	h := newHarness(t)
	h.translator.OnEnvelope(h.agentEvent(&events.IdleEvent{SessionID: "ses_1"}))
	if items := h.pending(t); len(items) != 0 {
		t.Errorf("idle without activity produced %d items", len(items))
	}
}

func TestTranslator_QuestionBindsRouteAndKeyboard(t *testing.T) {
	h := newHarness(t)
	h.translator.OnEnvelope(h.agentEvent(&events.QuestionEvent{
		ID: "q_1", SessionID: "ses_1", Text: "Deploy to prod?", Options: []string{"yes", "no"},
	}))

	items := h.pending(t)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	it := items[0]
	if !strings.Contains(it.Text, "Deploy to prod?") {
		t.Errorf("text: got %q", it.Text)
	}
	if len(it.Keyboard) != 2 {
		t.Fatalf("keyboard rows: got %d", len(it.Keyboard))
	}
	tok := routes.Token("q_1")
	if it.Keyboard[0][0].Data != "q:"+tok+":0" {
		t.Errorf("callback data: got %q", it.Keyboard[0][0].Data)
	}
	if _, _, ok := h.table.ResolveQuestion(tok); !ok {
		t.Error("question route not bound")
	}
}

func TestTranslator_QuestionWithoutOptionsIsPlainNotice(t *testing.T) {
	h := newHarness(t)
	h.translator.OnEnvelope(h.agentEvent(&events.QuestionEvent{
		ID: "q_2", SessionID: "ses_1", Text: "Anything else?",
	}))

	items := h.pending(t)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if len(items[0].Keyboard) != 0 {
		t.Error("optionless question got a keyboard")
	}
	if items[0].Mode == outbox.ModeReplace {
		t.Error("optionless question enqueued as replace")
	}
}

func TestTranslator_PermissionPrompt(t *testing.T) {
	h := newHarness(t)
	h.translator.OnEnvelope(h.agentEvent(&events.PermissionEvent{
		ID: "perm_1", SessionID: "ses_1", Tool: "bash", Title: "Run rm -rf build/",
		Options: []string{"allow", "deny"},
	}))

	items := h.pending(t)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	it := items[0]
	if !strings.Contains(it.Text, "Run rm -rf build/") {
		t.Errorf("text: got %q", it.Text)
	}
	tok := routes.Token("perm_1")
	if it.Keyboard[1][0].Data != "p:"+tok+":1" {
		t.Errorf("callback data: got %q", it.Keyboard[1][0].Data)
	}
	if _, _, ok := h.table.ResolvePermission(tok); !ok {
		t.Error("permission route not bound")
	}
}

func TestTranslator_FileChangeNoticeWithPreviewLink(t *testing.T) {
	h := newHarness(t)
	h.translator.OnEnvelope(h.agentEvent(&events.FileChangeEvent{
		SessionID: "ses_1", Kind: events.FileEdited, Path: "pkg/api/server.go",
		Additions: 5, Deletions: 2, Diff: "+new\n-old",
	}))

	items := h.pending(t)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	text := items[0].Text
	if !strings.Contains(text, "edited pkg/api/server.go") || !strings.Contains(text, "(+5/−2)") {
		t.Errorf("notice: got %q", text)
	}
	if !strings.Contains(text, "https://t.me/bot?start=") {
		t.Errorf("preview link missing: %q", text)
	}
}

func TestTranslator_FileChangeComputesDiffFromSnapshots(t *testing.T) {
	h := newHarness(t)
	h.translator.OnEnvelope(h.agentEvent(&events.FileChangeEvent{
		SessionID: "ses_1", Kind: events.FileEdited, Path: "a.txt",
		Before: "one\ntwo\n", After: "one\nthree\n",
	}))

	items := h.pending(t)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if !strings.Contains(items[0].Text, "(+1/−1)") {
		t.Errorf("computed counts missing: %q", items[0].Text)
	}
}

func TestTranslator_IgnoresNonAgentEnvelopes(t *testing.T) {
	h := newHarness(t)
	h.translator.OnEnvelope(events.NewEnvelope(events.TypeStreamError, events.StreamError{
		Directory: "/work", Err: "connection refused",
	}))
	if items := h.pending(t); len(items) != 0 {
		t.Errorf("stream error produced %d items", len(items))
	}
}

func TestRenderDiff(t *testing.T) {
	diff, adds, dels := renderDiff("a\nb\nc\n", "a\nx\nc\n")
	if adds != 1 || dels != 1 {
		t.Errorf("counts: got +%d/-%d", adds, dels)
	}
	if !strings.Contains(diff, "+x") || !strings.Contains(diff, "-b") {
		t.Errorf("diff: got %q", diff)
	}
	if !strings.Contains(diff, " a") {
		t.Errorf("context line missing: %q", diff)
	}
}
