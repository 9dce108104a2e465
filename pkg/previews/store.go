// Package previews stores diff-preview records referenced by deep links
// from file-change notifications. Unlike the outbox, a damaged preview
// cache is low stakes and resets to empty instead of failing startup.
package previews

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nyxandro/remote-vibe-station-sub000/pkg/logger"
)

// DefaultMaxAge is the retention window for preview records.
const DefaultMaxAge = 24 * time.Hour

// Record is one stored diff preview.
type Record struct {
	Token     string    `json:"token"`
	OwnerID   string    `json:"owner_id"`
	Directory string    `json:"directory"`
	Path      string    `json:"path"`
	Kind      string    `json:"kind"`
	Additions int       `json:"additions"`
	Deletions int       `json:"deletions"`
	Diff      string    `json:"diff"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a file-backed preview cache keyed by opaque token.
type Store struct {
	mu      sync.Mutex
	path    string
	maxAge  time.Duration
	records map[string]Record
}

// NewStore loads the cache at path, resetting silently if unreadable.
func NewStore(path string, maxAge time.Duration) *Store {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	s := &Store{path: path, maxAge: maxAge, records: make(map[string]Record)}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &s.records); err != nil {
			logger.WarnCF("previews", "Resetting unreadable preview cache", map[string]any{
				"path":  path,
				"error": err.Error(),
			})
			s.records = make(map[string]Record)
		}
	}
	return s
}

// Put stores a record and returns its token.
func (s *Store) Put(rec Record) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	rec.Token = uuid.New().String()
	rec.CreatedAt = time.Now()
	s.records[rec.Token] = rec
	s.persist()
	return rec.Token
}

// Get returns the record for a token.
func (s *Store) Get(token string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	rec, ok := s.records[token]
	return rec, ok
}

// prune drops expired records. Callers must hold s.mu.
func (s *Store) prune() {
	cutoff := time.Now().Add(-s.maxAge)
	for tok, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.records, tok)
		}
	}
}

func (s *Store) persist() {
	data, err := json.Marshal(s.records)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err == nil {
		_ = os.Rename(tmp, s.path)
	}
}

// DeepLink builds the companion-app URL that resumes the web surface on
// a preview record, using the single opaque start parameter.
func DeepLink(baseURL, token string) string {
	return fmt.Sprintf("%s?start=%s", baseURL, url.QueryEscape(token))
}
