// Package actions executes operator decisions arriving as callback
// payloads: question answers, permission decisions and session picks.
// It is the only place that reads the routing table and talks back to
// the agent.
package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/nyxandro/remote-vibe-station-sub000/pkg/agentclient"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/logger"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/outbox"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/routes"
)

// permissionWatchWindow covers the gap between picking a session and the
// directory's long-lived stream loop being connected: a permission prompt
// fired in that window must still reach the operator.
const permissionWatchWindow = 2 * time.Minute

// Watcher is the slice of the stream ingestor the handler needs: picking
// a session must start watching its directory and catch any immediate
// permission prompt.
type Watcher interface {
	EnsureDirectory(dir string)
	WatchPermissionOnce(dir, sessionID string, timeout time.Duration)
}

// Handler resolves callback payloads against the routing table and
// forwards the decision to the agent.
type Handler struct {
	table   *routes.Table
	agent   *agentclient.Client
	watcher Watcher
}

// NewHandler creates an action handler.
func NewHandler(table *routes.Table, agent *agentclient.Client, watcher Watcher) *Handler {
	return &Handler{table: table, agent: agent, watcher: watcher}
}

// HandleCallback executes one callback payload for the given operator
// and returns a short acknowledgement. Expired or foreign routes come
// back as errors; upstream failures keep the agent's own message.
func (h *Handler) HandleCallback(ctx context.Context, ownerID, payload string) (string, error) {
	kind, token, idx, err := ParsePayload(payload)
	if err != nil {
		return "", err
	}

	switch kind {
	case KindQuestion:
		return h.answerQuestion(ctx, ownerID, token, idx)
	case KindPermission:
		return h.decidePermission(ctx, ownerID, token, idx)
	case KindSession:
		return h.selectSession(ownerID, token)
	}
	return "", fmt.Errorf("unknown callback kind %q", kind)
}

func (h *Handler) answerQuestion(ctx context.Context, ownerID, token string, idx int) (string, error) {
	id, route, ok := h.table.ResolveQuestion(token)
	if !ok {
		return "", fmt.Errorf("question expired")
	}
	if route.OwnerID != ownerID {
		return "", fmt.Errorf("question belongs to another operator")
	}
	if idx < 0 || idx >= len(route.Options) {
		return "", fmt.Errorf("option %d out of range", idx)
	}
	option := route.Options[idx]

	if err := h.agent.ReplyQuestion(ctx, route.Directory, id, option); err != nil {
		return "", fmt.Errorf("action failed: %w", err)
	}
	h.table.ConsumeQuestion(token)
	logger.InfoCF("actions", "Question answered", map[string]any{
		"owner":  ownerID,
		"option": option,
	})
	return "Answered: " + option, nil
}

func (h *Handler) decidePermission(ctx context.Context, ownerID, token string, idx int) (string, error) {
	id, route, ok := h.table.ResolvePermission(token)
	if !ok {
		return "", fmt.Errorf("permission request expired")
	}
	if route.OwnerID != ownerID {
		return "", fmt.Errorf("permission request belongs to another operator")
	}
	if idx < 0 || idx >= len(route.Options) {
		return "", fmt.Errorf("option %d out of range", idx)
	}
	option := route.Options[idx]

	if err := h.agent.ReplyPermission(ctx, route.Directory, id, option); err != nil {
		return "", fmt.Errorf("action failed: %w", err)
	}
	h.table.ConsumePermission(token)
	logger.InfoCF("actions", "Permission decided", map[string]any{
		"owner":  ownerID,
		"option": option,
	})
	return "Permission: " + option, nil
}

// selectSession binds the picked session to the operator, starts
// watching its directory and consumes the picker token.
func (h *Handler) selectSession(ownerID, token string) (string, error) {
	route, ok := h.table.ResolveSessionToken(token)
	if !ok {
		return "", fmt.Errorf("session picker expired")
	}
	if route.OwnerID != ownerID {
		return "", fmt.Errorf("session belongs to another operator")
	}

	h.table.Bind(route.SessionID, ownerID, route.Directory)
	if h.watcher != nil {
		h.watcher.EnsureDirectory(route.Directory)
		h.watcher.WatchPermissionOnce(route.Directory, route.SessionID, permissionWatchWindow)
	}
	h.table.ConsumeSessionToken(token)
	return "Session selected: " + route.Directory, nil
}

// SessionPicker lists the agent's live sessions and builds an inline
// keyboard of picker tokens for the operator.
func (h *Handler) SessionPicker(ctx context.Context, ownerID string) (string, [][]outbox.Button, error) {
	sessions, err := h.agent.ListSessions(ctx, "")
	if err != nil {
		return "", nil, fmt.Errorf("action failed: %w", err)
	}
	if len(sessions) == 0 {
		return "No active sessions.", nil, nil
	}

	rows := make([][]outbox.Button, 0, len(sessions))
	for _, s := range sessions {
		tok := h.table.BindSessionToken(s.ID, ownerID, s.Directory)
		label := s.Title
		if label == "" {
			label = s.Directory
		}
		rows = append(rows, []outbox.Button{{
			Label: label,
			Data:  Payload(KindSession, tok, -1),
		}})
	}
	return "Pick a session:", rows, nil
}
