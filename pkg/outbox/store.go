package outbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nyxandro/remote-vibe-station-sub000/pkg/logger"
)

// Store defaults.
const (
	DefaultLeaseDuration  = 30 * time.Second
	DefaultMaxAttempts    = 20
	DefaultBackoffBase    = time.Second
	DefaultBackoffCeiling = 5 * time.Minute
	DefaultDeadMaxAge     = 72 * time.Hour
)

// StoreConfig configures the outbox store. Zero values fall back to the
// package defaults; negative values are configuration errors.
type StoreConfig struct {
	Path           string
	LeaseDuration  time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
	DeadMaxAge     time.Duration
}

func (c *StoreConfig) applyDefaults() error {
	if c.Path == "" {
		return fmt.Errorf("outbox: store path is required")
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCeiling == 0 {
		c.BackoffCeiling = DefaultBackoffCeiling
	}
	if c.DeadMaxAge == 0 {
		c.DeadMaxAge = DefaultDeadMaxAge
	}
	if c.LeaseDuration < 0 || c.MaxAttempts < 0 || c.BackoffBase < 0 ||
		c.BackoffCeiling < 0 || c.DeadMaxAge < 0 {
		return fmt.Errorf("outbox: negative durations or limits in store config")
	}
	return nil
}

// storeFile is the on-disk representation. Items keep enqueue order.
type storeFile struct {
	Items []Item `json:"items"`
}

// Store is the persistent outbound queue. It assumes a single writer
// process for the backing file; concurrent delivery workers are made
// safe only through the lease mechanism, not through file locking.
type Store struct {
	mu    sync.Mutex
	cfg   StoreConfig
	items []Item
	now   func() time.Time
}

// NewStore loads (or creates) the store at cfg.Path. An unreadable or
// unparseable file is surfaced as an error rather than silently reset:
// the outbox holds undelivered operator messages.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	s := &Store{cfg: cfg, now: time.Now}

	data, err := os.ReadFile(cfg.Path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("outbox: reading %s: %w", cfg.Path, err)
	}
	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("outbox: corrupted store file %s: %w", cfg.Path, err)
	}
	s.items = f.Items
	return s, nil
}

// persist writes the store atomically. Callers must hold s.mu.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(storeFile{Items: s.items}, "", "  ")
	if err != nil {
		return fmt.Errorf("outbox: encoding store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
		return fmt.Errorf("outbox: creating store dir: %w", err)
	}
	tmp := s.cfg.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("outbox: writing store: %w", err)
	}
	if err := os.Rename(tmp, s.cfg.Path); err != nil {
		return fmt.Errorf("outbox: replacing store: %w", err)
	}
	return nil
}

// Enqueue creates a pending item due immediately and persists it.
func (s *Store) Enqueue(ownerID, destinationID, text string, opts Options) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mode := opts.Mode
	if mode == "" {
		mode = ModeSend
	}
	now := s.now()
	item := Item{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		DestinationID: destinationID,
		Text:          text,
		RenderHint:    opts.RenderHint,
		Silent:        opts.Silent,
		Mode:          mode,
		ReplaceKey:    opts.ReplaceKey,
		Control:       opts.Control,
		Keyboard:      opts.Keyboard,
		CreatedAt:     now,
		Status:        StatusPending,
		NextAttemptAt: now,
	}
	s.items = append(s.items, item)
	if err := s.persist(); err != nil {
		return Item{}, err
	}
	return item, nil
}

// Pull returns up to limit due, unleased pending items for the owner in
// enqueue order and leases them to the holder. Items still under another
// holder's unexpired lease are invisible even when due.
func (s *Store) Pull(ownerID string, limit int, leaseHolder string) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	now := s.now()
	var out []Item
	for i := range s.items {
		if len(out) == limit {
			break
		}
		it := &s.items[i]
		if it.OwnerID != ownerID || it.Status != StatusPending {
			continue
		}
		if it.NextAttemptAt.After(now) {
			continue
		}
		if !it.LeaseUntil.IsZero() && it.LeaseUntil.After(now) {
			continue
		}
		it.LeaseUntil = now.Add(s.cfg.LeaseDuration)
		it.LeaseHolder = leaseHolder
		out = append(out, *it)
	}
	if len(out) == 0 {
		return nil, nil
	}
	if err := s.persist(); err != nil {
		return nil, err
	}
	return out, nil
}

// Report applies delivery outcomes. Results for items that are no longer
// pending, belong to a different owner, or are leased by a different
// holder are dropped silently, which makes duplicate and stale reports
// safe. Lease fields are cleared on every accepted report.
func (s *Store) Report(ownerID, leaseHolder string, results []Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	changed := false
	for _, res := range results {
		it := s.find(res.ID)
		if it == nil || it.Status != StatusPending || it.OwnerID != ownerID {
			continue
		}
		if it.LeaseHolder != "" && it.LeaseHolder != leaseHolder {
			// Lease expired and the item was re-leased elsewhere.
			continue
		}

		if res.OK {
			it.Status = StatusDelivered
			it.DeliveredAt = now
			it.ExternalMessageID = res.ExternalMessageID
			it.LastError = ""
		} else {
			it.Attempts++
			it.LastError = res.Error
			if it.Attempts >= s.cfg.MaxAttempts {
				it.Status = StatusDead
				logger.WarnCF("outbox", "Item dead-lettered", map[string]any{
					"item":     it.ID,
					"owner":    it.OwnerID,
					"attempts": it.Attempts,
					"error":    res.Error,
				})
			} else {
				it.NextAttemptAt = now.Add(backoff(
					it.Attempts, res.RetryAfterHint,
					s.cfg.BackoffBase, s.cfg.BackoffCeiling))
			}
		}
		it.LeaseUntil = time.Time{}
		it.LeaseHolder = ""
		changed = true
	}
	if !changed {
		return nil
	}
	return s.persist()
}

func (s *Store) find(id string) *Item {
	for i := range s.items {
		if s.items[i].ID == id {
			return &s.items[i]
		}
	}
	return nil
}

// HasPendingControl reports whether an identical control signal is
// already queued for the destination. Used to coalesce indicator
// on/off churn.
func (s *Store) HasPendingControl(ownerID, destinationID, control string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		it := &s.items[i]
		if it.Status == StatusPending && it.OwnerID == ownerID &&
			it.DestinationID == destinationID && it.Control == control {
			return true
		}
	}
	return false
}

// Get returns a copy of an item by id.
func (s *Store) Get(id string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it := s.find(id); it != nil {
		return *it, true
	}
	return Item{}, false
}

// PruneDelivered keeps the keep most recently delivered items and drops
// older delivered ones, plus dead items past the retention age.
func (s *Store) PruneDelivered(keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var delivered []time.Time
	for i := range s.items {
		if s.items[i].Status == StatusDelivered {
			delivered = append(delivered, s.items[i].DeliveredAt)
		}
	}
	var cutoff time.Time
	dropAllDelivered := keep == 0 && len(delivered) > 0
	if keep > 0 && len(delivered) > keep {
		sort.Slice(delivered, func(a, b int) bool { return delivered[a].After(delivered[b]) })
		cutoff = delivered[keep-1]
	}

	deadCutoff := s.now().Add(-s.cfg.DeadMaxAge)
	kept := s.items[:0]
	removed := 0
	for _, it := range s.items {
		drop := false
		switch it.Status {
		case StatusDelivered:
			drop = dropAllDelivered || (!cutoff.IsZero() && it.DeliveredAt.Before(cutoff))
		case StatusDead:
			drop = it.CreatedAt.Before(deadCutoff)
		}
		if drop {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	s.items = kept
	if removed == 0 {
		return 0, nil
	}
	if err := s.persist(); err != nil {
		return removed, err
	}
	return removed, nil
}
