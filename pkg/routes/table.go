// Package routes maps opaque agent identifiers (sessions, questions,
// permission requests) back to the operator that owns them, and derives
// the short callback tokens exposed to chat clients.
package routes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// DefaultTTL is the retention window for routes that are never refreshed.
const DefaultTTL = 6 * time.Hour

// TokenLength is the number of hex characters kept from the digest. The
// resulting callback payload (prefix + token + option index) stays well
// under the 64-byte inline-button data ceiling.
const TokenLength = 16

// SessionRoute ties an agent session to its operator and working directory.
type SessionRoute struct {
	OwnerID   string
	Directory string
	UpdatedAt time.Time
}

// RequestRoute ties a question or permission request to its session,
// operator and the selectable options presented to them.
type RequestRoute struct {
	SessionID string
	OwnerID   string
	Directory string
	Options   []string
	UpdatedAt time.Time
}

// Table is the routing table. All maps are swept lazily on every
// operation: entries older than the TTL are dropped, primaries first,
// then secondary token indexes whose primary is gone.
type Table struct {
	mu  sync.Mutex
	ttl time.Duration

	sessions map[string]SessionRoute

	questions      map[string]RequestRoute
	questionTokens map[string]string // token -> request id

	permissions      map[string]RequestRoute
	permissionTokens map[string]string

	sessionTokens map[string]RequestRoute // picker tokens, keyed directly by token

	now func() time.Time
}

// NewTable creates a routing table with the given TTL.
// A non-positive TTL is a configuration error and fails fast.
func NewTable(ttl time.Duration) (*Table, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("routes: invalid TTL %v, must be positive", ttl)
	}
	return &Table{
		ttl:              ttl,
		sessions:         make(map[string]SessionRoute),
		questions:        make(map[string]RequestRoute),
		questionTokens:   make(map[string]string),
		permissions:      make(map[string]RequestRoute),
		permissionTokens: make(map[string]string),
		sessionTokens:    make(map[string]RequestRoute),
		now:              time.Now,
	}, nil
}

// Token derives the short callback token for a primary key: a truncated
// one-way hash, deterministic so re-binding after expiry reissues the
// same token against a fresh route.
func Token(primaryKey string) string {
	sum := sha256.Sum256([]byte(primaryKey))
	return hex.EncodeToString(sum[:])[:TokenLength]
}

// sweep drops expired entries. Callers must hold t.mu.
func (t *Table) sweep() {
	cutoff := t.now().Add(-t.ttl)

	for id, r := range t.sessions {
		if r.UpdatedAt.Before(cutoff) {
			delete(t.sessions, id)
		}
	}
	for id, r := range t.questions {
		if r.UpdatedAt.Before(cutoff) {
			delete(t.questions, id)
		}
	}
	for id, r := range t.permissions {
		if r.UpdatedAt.Before(cutoff) {
			delete(t.permissions, id)
		}
	}
	for tok, r := range t.sessionTokens {
		if r.UpdatedAt.Before(cutoff) {
			delete(t.sessionTokens, tok)
		}
	}

	// Secondary indexes after primaries, so dangling tokens are caught
	// in the same sweep.
	for tok, id := range t.questionTokens {
		if _, ok := t.questions[id]; !ok {
			delete(t.questionTokens, tok)
		}
	}
	for tok, id := range t.permissionTokens {
		if _, ok := t.permissions[id]; !ok {
			delete(t.permissionTokens, tok)
		}
	}
}

// Bind creates or refreshes the route for an agent session.
func (t *Table) Bind(sessionID, ownerID, directory string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	t.sessions[sessionID] = SessionRoute{
		OwnerID:   ownerID,
		Directory: directory,
		UpdatedAt: t.now(),
	}
}

// Resolve returns the route for a session, if still live.
func (t *Table) Resolve(sessionID string) (SessionRoute, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	r, ok := t.sessions[sessionID]
	return r, ok
}

// BindQuestion registers a question route and returns its callback token.
func (t *Table) BindQuestion(requestID, sessionID, ownerID, directory string, options []string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	tok := Token(requestID)
	t.questions[requestID] = RequestRoute{
		SessionID: sessionID,
		OwnerID:   ownerID,
		Directory: directory,
		Options:   options,
		UpdatedAt: t.now(),
	}
	t.questionTokens[tok] = requestID
	return tok
}

// ResolveQuestion looks a question up by its callback token.
func (t *Table) ResolveQuestion(token string) (string, RequestRoute, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	id, ok := t.questionTokens[token]
	if !ok {
		return "", RequestRoute{}, false
	}
	r, ok := t.questions[id]
	return id, r, ok
}

// ConsumeQuestion removes a question route and every token pointing at it.
func (t *Table) ConsumeQuestion(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	id, ok := t.questionTokens[token]
	if !ok {
		return
	}
	delete(t.questions, id)
	for tok, rid := range t.questionTokens {
		if rid == id {
			delete(t.questionTokens, tok)
		}
	}
}

// BindPermission registers a permission route and returns its callback token.
func (t *Table) BindPermission(requestID, sessionID, ownerID, directory string, options []string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	tok := Token(requestID)
	t.permissions[requestID] = RequestRoute{
		SessionID: sessionID,
		OwnerID:   ownerID,
		Directory: directory,
		Options:   options,
		UpdatedAt: t.now(),
	}
	t.permissionTokens[tok] = requestID
	return tok
}

// ResolvePermission looks a permission request up by its callback token.
func (t *Table) ResolvePermission(token string) (string, RequestRoute, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	id, ok := t.permissionTokens[token]
	if !ok {
		return "", RequestRoute{}, false
	}
	r, ok := t.permissions[id]
	return id, r, ok
}

// ConsumePermission removes a permission route and its tokens.
func (t *Table) ConsumePermission(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	id, ok := t.permissionTokens[token]
	if !ok {
		return
	}
	delete(t.permissions, id)
	for tok, rid := range t.permissionTokens {
		if rid == id {
			delete(t.permissionTokens, tok)
		}
	}
}

// BindSessionToken registers a session-picker token. Unlike question and
// permission routes these are not request-scoped; the token itself is the
// primary key.
func (t *Table) BindSessionToken(sessionID, ownerID, directory string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	tok := Token(sessionID)
	t.sessionTokens[tok] = RequestRoute{
		SessionID: sessionID,
		OwnerID:   ownerID,
		Directory: directory,
		UpdatedAt: t.now(),
	}
	return tok
}

// ResolveSessionToken returns the picker route for a token and refreshes
// its timestamp, keeping an actively used picker alive.
func (t *Table) ResolveSessionToken(token string) (RequestRoute, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	r, ok := t.sessionTokens[token]
	if !ok {
		return RequestRoute{}, false
	}
	r.UpdatedAt = t.now()
	t.sessionTokens[token] = r
	return r, true
}

// ConsumeSessionToken removes a picker token once it has been acted upon.
func (t *Table) ConsumeSessionToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	delete(t.sessionTokens, token)
}
