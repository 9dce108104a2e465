// Package translate consumes raw agent events from the bus, resolves
// which operator owns them, and turns them into formatted outbound
// messages through the outbox.
package translate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nyxandro/remote-vibe-station-sub000/pkg/actions"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/bus"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/events"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/logger"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/outbox"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/previews"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/routes"
)

// progressInterval caps intermediate progress edits per tool call.
// Terminal states bypass the cap and always flush.
const progressInterval = time.Second

// progressEntries bounds the replace-key map; entries also age out after
// progressEntryTTL in case a tool call never reaches a terminal state.
const (
	progressEntries  = 512
	progressEntryTTL = 30 * time.Minute
)

// versionProbe matches known low-signal commands that are pure noise in
// chat (bare version checks the agent runs while orienting itself).
var versionProbe = regexp.MustCompile(`^\s*\S+\s+(--version|-v|-V|version)\s*$`)

// Destinations resolves an operator to their chat destination.
type Destinations interface {
	DestinationFor(ownerID string) (string, bool)
}

// DestinationMap is the plain map implementation of Destinations.
type DestinationMap map[string]string

func (m DestinationMap) DestinationFor(ownerID string) (string, bool) {
	d, ok := m[ownerID]
	return d, ok
}

type progressEntry struct {
	replaceKey string
	lastUpdate time.Time
}

// sessionState tracks per-session reply assembly and the thinking flag.
type sessionState struct {
	thinking bool
	reply    strings.Builder
	trace    outbox.Trace
	meta     outbox.ReplyMeta
}

// Translator is the runtime event translator.
type Translator struct {
	table    *routes.Table
	delivery *outbox.Delivery
	previews *previews.Store
	dests    Destinations

	previewBaseURL string

	mu       sync.Mutex
	progress *expirable.LRU[string, progressEntry]
	sessions map[string]*sessionState

	unsubscribe func()
	now         func() time.Time
}

// New creates a translator. Call Attach to start consuming bus events.
func New(table *routes.Table, delivery *outbox.Delivery, previewStore *previews.Store, dests Destinations, previewBaseURL string) *Translator {
	return &Translator{
		table:          table,
		delivery:       delivery,
		previews:       previewStore,
		dests:          dests,
		previewBaseURL: previewBaseURL,
		progress:       expirable.NewLRU[string, progressEntry](progressEntries, nil, progressEntryTTL),
		sessions:       make(map[string]*sessionState),
		now:            time.Now,
	}
}

// Attach subscribes the translator to the bus.
func (t *Translator) Attach(eventBus *bus.EventBus) {
	t.unsubscribe = eventBus.Subscribe(t.OnEnvelope)
}

// Detach unsubscribes from the bus.
func (t *Translator) Detach() {
	if t.unsubscribe != nil {
		t.unsubscribe()
		t.unsubscribe = nil
	}
}

// OnEnvelope demultiplexes a bus envelope by agent event kind.
func (t *Translator) OnEnvelope(env events.Envelope) {
	if env.Type != events.TypeAgentEvent {
		return
	}
	se, ok := env.Data.(events.StreamEvent)
	if !ok {
		return
	}

	switch ev := se.Event.(type) {
	case *events.ToolStateEvent:
		t.onTool(se.Directory, ev)
	case *events.FileChangeEvent:
		t.onFileChange(se.Directory, ev)
	case *events.TextPartEvent:
		t.onTextPart(ev)
	case *events.ReasoningEvent:
		t.onThinking(ev.SessionID)
	case *events.IdleEvent:
		t.onIdle(ev)
	case *events.QuestionEvent:
		t.onQuestion(ev)
	case *events.PermissionEvent:
		t.onPermission(ev)
	case *events.SessionEvent:
		t.onSession(ev)
	}
}

// resolveOwner maps a session to its operator and chat destination.
// Events for sessions nobody owns are dropped silently.
func (t *Translator) resolveOwner(sessionID string) (routes.SessionRoute, string, bool) {
	route, ok := t.table.Resolve(sessionID)
	if !ok {
		return routes.SessionRoute{}, "", false
	}
	dest, ok := t.dests.DestinationFor(route.OwnerID)
	if !ok {
		logger.DebugCF("translate", "No destination for owner", map[string]any{
			"owner": route.OwnerID,
		})
		return routes.SessionRoute{}, "", false
	}
	return route, dest, true
}

// stableKey derives the progress-message identity for a tool call. The
// upstream call id rotates across partial updates, so identity binds to
// (owner, session, command text) instead: the same chat message keeps
// being edited as the command progresses.
func stableKey(ownerID, sessionID, command string) string {
	sum := sha256.Sum256([]byte(ownerID + "|" + sessionID + "|" + command))
	return hex.EncodeToString(sum[:])[:16]
}

func (t *Translator) onTool(dir string, ev *events.ToolStateEvent) {
	command := strings.TrimSpace(ev.Command)
	if command == "" && ev.Tool != "" {
		command = ev.Tool
	}
	if versionProbe.MatchString(command) {
		return
	}

	route, dest, ok := t.resolveOwner(ev.SessionID)
	if !ok {
		return
	}

	key := stableKey(route.OwnerID, ev.SessionID, command)
	now := t.now()

	t.mu.Lock()
	entry, seen := t.progress.Get(key)
	if !ev.Terminal() && seen && now.Sub(entry.lastUpdate) < progressInterval {
		t.mu.Unlock()
		return
	}
	if !seen {
		entry = progressEntry{replaceKey: "prog:" + key}
	}
	entry.lastUpdate = now
	if ev.Terminal() {
		t.progress.Remove(key)
	} else {
		t.progress.Add(key, entry)
	}
	t.mu.Unlock()

	t.trackTraceCommand(ev.SessionID, command, ev.Terminal())

	var text string
	switch ev.Status {
	case events.ToolCompleted:
		text = fmt.Sprintf("✓ %s", command)
	case events.ToolError:
		text = fmt.Sprintf("✗ %s", command)
		if out := strings.TrimSpace(ev.Output); out != "" {
			text += "\n" + truncate(out, 300)
		}
	default:
		text = fmt.Sprintf("⏳ %s", command)
	}

	if _, err := t.delivery.SendProgress(route.OwnerID, dest, text, entry.replaceKey, nil); err != nil {
		logger.ErrorCF("translate", "Progress enqueue failed", map[string]any{
			"session": ev.SessionID,
			"error":   err.Error(),
		})
	}
}

func (t *Translator) onFileChange(dir string, ev *events.FileChangeEvent) {
	route, dest, ok := t.resolveOwner(ev.SessionID)
	if !ok {
		return
	}

	diff, adds, dels := ev.Diff, ev.Additions, ev.Deletions
	if diff == "" && (ev.Before != "" || ev.After != "") {
		diff, adds, dels = renderDiff(ev.Before, ev.After)
	}

	token := t.previews.Put(previews.Record{
		OwnerID:   route.OwnerID,
		Directory: route.Directory,
		Path:      ev.Path,
		Kind:      ev.Kind,
		Additions: adds,
		Deletions: dels,
		Diff:      diff,
	})

	var verb string
	switch ev.Kind {
	case events.FileCreated:
		verb = "created"
	case events.FileDeleted:
		verb = "deleted"
	default:
		verb = "edited"
	}

	text := fmt.Sprintf("📝 %s %s (+%d/−%d)\n%s",
		verb, ev.Path, adds, dels, previews.DeepLink(t.previewBaseURL, token))

	t.trackTraceFile(ev.SessionID, fmt.Sprintf("%s %s", verb, ev.Path))

	if _, err := t.delivery.SendNotice(route.OwnerID, dest, text, nil); err != nil {
		logger.ErrorCF("translate", "File notice enqueue failed", map[string]any{
			"session": ev.SessionID,
			"error":   err.Error(),
		})
	}
}

func (t *Translator) onTextPart(ev *events.TextPartEvent) {
	t.onThinking(ev.SessionID)
	t.mu.Lock()
	st := t.session(ev.SessionID)
	st.reply.WriteString(ev.Text)
	t.mu.Unlock()
}

// onThinking sets the per-session thinking flag and emits the start
// control only on the off-to-on transition. Repeated identical state
// never re-emits: the indicator must not flicker.
func (t *Translator) onThinking(sessionID string) {
	route, dest, ok := t.resolveOwner(sessionID)
	if !ok {
		return
	}

	t.mu.Lock()
	st := t.session(sessionID)
	transition := !st.thinking
	st.thinking = true
	t.mu.Unlock()

	if transition {
		if err := t.delivery.SendControl(route.OwnerID, dest, outbox.ControlTypingOn); err != nil {
			logger.ErrorCF("translate", "Control enqueue failed", map[string]any{
				"session": sessionID,
				"error":   err.Error(),
			})
		}
	}
}

// onIdle forces the thinking indicator off and flushes the assembled
// assistant reply, if any.
func (t *Translator) onIdle(ev *events.IdleEvent) {
	route, dest, ok := t.resolveOwner(ev.SessionID)
	if !ok {
		return
	}

	t.mu.Lock()
	st := t.session(ev.SessionID)
	wasThinking := st.thinking
	st.thinking = false
	body := strings.TrimSpace(st.reply.String())
	trace := st.trace
	meta := st.meta
	st.reply.Reset()
	st.trace = outbox.Trace{}
	t.mu.Unlock()

	if body != "" {
		// SendReply emits the stop-thinking control itself.
		if _, err := t.delivery.SendReply(route.OwnerID, dest, body, meta, trace); err != nil {
			logger.ErrorCF("translate", "Reply enqueue failed", map[string]any{
				"session": ev.SessionID,
				"error":   err.Error(),
			})
		}
		return
	}
	if wasThinking {
		if err := t.delivery.SendControl(route.OwnerID, dest, outbox.ControlTypingOff); err != nil {
			logger.ErrorCF("translate", "Control enqueue failed", map[string]any{
				"session": ev.SessionID,
				"error":   err.Error(),
			})
		}
	}
}

func (t *Translator) onQuestion(ev *events.QuestionEvent) {
	route, dest, ok := t.resolveOwner(ev.SessionID)
	if !ok {
		return
	}

	if len(ev.Options) == 0 {
		text := "❓ " + ev.Text
		if _, err := t.delivery.SendNotice(route.OwnerID, dest, text, nil); err != nil {
			logger.ErrorCF("translate", "Question notice failed", map[string]any{
				"session": ev.SessionID,
				"error":   err.Error(),
			})
		}
		return
	}

	token := t.table.BindQuestion(ev.ID, ev.SessionID, route.OwnerID, route.Directory, ev.Options)
	keyboard := optionKeyboard(actions.KindQuestion, token, ev.Options)

	text := "❓ " + ev.Text
	if _, err := t.delivery.SendProgress(route.OwnerID, dest, text, "question:"+token, keyboard); err != nil {
		logger.ErrorCF("translate", "Question enqueue failed", map[string]any{
			"session": ev.SessionID,
			"error":   err.Error(),
		})
	}
}

func (t *Translator) onPermission(ev *events.PermissionEvent) {
	route, dest, ok := t.resolveOwner(ev.SessionID)
	if !ok {
		return
	}

	token := t.table.BindPermission(ev.ID, ev.SessionID, route.OwnerID, route.Directory, ev.Options)
	keyboard := optionKeyboard(actions.KindPermission, token, ev.Options)

	title := ev.Title
	if title == "" {
		title = ev.Tool
	}
	text := "🔐 Permission requested: " + title
	if _, err := t.delivery.SendProgress(route.OwnerID, dest, text, "permission:"+token, keyboard); err != nil {
		logger.ErrorCF("translate", "Permission enqueue failed", map[string]any{
			"session": ev.SessionID,
			"error":   err.Error(),
		})
	}
}

// onSession refreshes reply metadata from session updates so the footer
// reflects the latest usage numbers at flush time.
func (t *Translator) onSession(ev *events.SessionEvent) {
	if _, _, ok := t.resolveOwner(ev.SessionID); !ok {
		return
	}
	t.mu.Lock()
	st := t.session(ev.SessionID)
	if ev.Model != "" {
		st.meta.Model = ev.Model
	}
	if ev.TokensUsed > 0 {
		st.meta.TokensUsed = ev.TokensUsed
	}
	if ev.ContextPercent > 0 {
		st.meta.ContextPercent = ev.ContextPercent
	}
	if ev.Effort != "" {
		st.meta.Effort = ev.Effort
	}
	if ev.Agent != "" {
		st.meta.Agent = ev.Agent
	}
	t.mu.Unlock()
}

// session returns the state for a session id. Callers must hold t.mu.
func (t *Translator) session(id string) *sessionState {
	st, ok := t.sessions[id]
	if !ok {
		st = &sessionState{}
		t.sessions[id] = st
	}
	return st
}

func (t *Translator) trackTraceCommand(sessionID, command string, terminal bool) {
	if !terminal {
		return
	}
	t.mu.Lock()
	st := t.session(sessionID)
	st.trace.Commands = append(st.trace.Commands, truncate(command, 80))
	t.mu.Unlock()
}

func (t *Translator) trackTraceFile(sessionID, line string) {
	t.mu.Lock()
	st := t.session(sessionID)
	st.trace.FileChanges = append(st.trace.FileChanges, line)
	t.mu.Unlock()
}

func optionKeyboard(kind, token string, options []string) [][]outbox.Button {
	rows := make([][]outbox.Button, 0, len(options))
	for i, opt := range options {
		rows = append(rows, []outbox.Button{{
			Label: opt,
			Data:  actions.Payload(kind, token, i),
		}})
	}
	return rows
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
