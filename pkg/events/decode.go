package events

import "encoding/json"

// head is the minimal shape peeked at before picking a concrete variant.
type head struct {
	Type string `json:"type"`
}

// rawFileChange covers the differently-shaped file mutation payloads:
// some carry a ready-made diff with counters, others only before/after
// snapshots, delete events carry neither.
type rawFileChange struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	File      string `json:"file"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Diff      string `json:"diff"`
	Patch     string `json:"patch"`
	Before    string `json:"before"`
	After     string `json:"after"`
	Content   string `json:"content"`
}

type rawStatus struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// Decode maps a raw agent payload onto one of the closed event variants.
// It returns false for event types this system does not model; callers
// must drop those frames rather than poke at the raw JSON downstream.
func Decode(raw []byte) (AgentEvent, bool) {
	var h head
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, false
	}

	switch h.Type {
	case "tool", "tool.state":
		var e ToolStateEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, false
		}
		return &e, true

	case "file.created":
		return decodeFileChange(raw, FileCreated)
	case "file.edited", "file.change":
		return decodeFileChange(raw, FileEdited)
	case "file.deleted":
		return decodeFileChange(raw, FileDeleted)

	case "text", "message.part.text":
		var e TextPartEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, false
		}
		return &e, true

	case "reasoning", "message.part.reasoning":
		var e ReasoningEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, false
		}
		return &e, true

	case "idle", "session.idle":
		var e IdleEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, false
		}
		return &e, true

	case "session.status":
		// Only the idle status is modeled; other statuses are noise.
		var s rawStatus
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, false
		}
		if s.Status != "idle" {
			return nil, false
		}
		return &IdleEvent{SessionID: s.SessionID}, true

	case "question", "question.asked":
		var e QuestionEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, false
		}
		return &e, true

	case "permission", "permission.asked":
		var e PermissionEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, false
		}
		if len(e.Options) == 0 {
			e.Options = []string{"allow", "deny"}
		}
		return &e, true

	case "session", "session.started", "session.updated":
		var e SessionEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, false
		}
		if e.Status == "" && h.Type == "session.started" {
			e.Status = "started"
		}
		return &e, true
	}

	return nil, false
}

func decodeFileChange(raw []byte, kind string) (AgentEvent, bool) {
	var r rawFileChange
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, false
	}

	e := FileChangeEvent{
		SessionID: r.SessionID,
		Kind:      kind,
		Path:      r.Path,
		Additions: r.Additions,
		Deletions: r.Deletions,
		Diff:      r.Diff,
		Before:    r.Before,
		After:     r.After,
	}
	if e.Path == "" {
		e.Path = r.File
	}
	if e.Diff == "" {
		e.Diff = r.Patch
	}
	if kind == FileCreated && e.After == "" {
		e.After = r.Content
	}
	if e.Path == "" {
		return nil, false
	}
	return &e, true
}
