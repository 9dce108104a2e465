// Package stream maintains the long-lived SSE connections to the coding
// agent and republishes parsed frames onto the event bus. Connection
// failures are never fatal: every watched directory gets a reconnect
// loop that retries forever with a fixed delay.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nyxandro/remote-vibe-station-sub000/pkg/bus"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/events"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/logger"
)

// DefaultReconnectDelay is the fixed sleep between connection attempts.
const DefaultReconnectDelay = 2 * time.Second

// connectedPollInterval is the WaitUntilConnected polling cadence.
const connectedPollInterval = 100 * time.Millisecond

// Config configures the ingestor.
type Config struct {
	BaseURL        string
	Token          string
	ReconnectDelay time.Duration
	Client         *http.Client
}

type watch struct {
	cancel    context.CancelFunc
	connected atomic.Bool
}

// Ingestor owns one reconnect loop per watched directory plus any number
// of transient permission watchers.
type Ingestor struct {
	cfg Config
	bus *bus.EventBus

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	watched      map[string]*watch
	permWatchers map[string]struct{}
}

// NewIngestor creates an ingestor publishing onto the given bus.
func NewIngestor(cfg Config, eventBus *bus.EventBus) *Ingestor {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Client == nil {
		// The stream stays open indefinitely, so no overall timeout.
		cfg.Client = &http.Client{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Ingestor{
		cfg:          cfg,
		bus:          eventBus,
		ctx:          ctx,
		cancel:       cancel,
		watched:      make(map[string]*watch),
		permWatchers: make(map[string]struct{}),
	}
}

// EnsureDirectory adds dir to the watched set and starts its reconnect
// loop if one is not already running. Idempotent.
func (i *Ingestor) EnsureDirectory(dir string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.watched[dir]; ok {
		return
	}
	ctx, cancel := context.WithCancel(i.ctx)
	w := &watch{cancel: cancel}
	i.watched[dir] = w
	go i.runLoop(ctx, dir, w)
	logger.InfoCF("stream", "Watching directory", map[string]any{"dir": dir})
}

// RemoveDirectory stops the reconnect loop for dir.
func (i *Ingestor) RemoveDirectory(dir string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if w, ok := i.watched[dir]; ok {
		w.cancel()
		delete(i.watched, dir)
	}
}

// Watched reports whether dir is currently in the watched set.
func (i *Ingestor) Watched(dir string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.watched[dir]
	return ok
}

// Stop cancels every loop and watcher.
func (i *Ingestor) Stop() {
	i.cancel()
}

// WaitUntilConnected polls the connected flag for dir until it is set or
// the timeout elapses. Best-effort readiness: it returns either way, so
// callers right after triggering agent activity do not miss first events
// but are never blocked indefinitely.
func (i *Ingestor) WaitUntilConnected(dir string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		i.mu.Lock()
		w, ok := i.watched[dir]
		i.mu.Unlock()
		if ok && w.connected.Load() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(connectedPollInterval)
	}
}

// runLoop is the per-directory reconnect loop. Cancellation is checked
// at loop head before each connection attempt and again before the
// retry sleep.
func (i *Ingestor) runLoop(ctx context.Context, dir string, w *watch) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := i.streamOnce(ctx, dir, w)
		w.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			i.bus.Publish(events.NewEnvelope(events.TypeStreamError, events.StreamError{
				Directory: dir,
				Err:       err.Error(),
			}))
			logger.DebugCF("stream", "Stream disconnected", map[string]any{
				"dir":   dir,
				"error": err.Error(),
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(i.cfg.ReconnectDelay):
		}
	}
}

// streamOnce opens one connection and pumps frames until it ends.
func (i *Ingestor) streamOnce(ctx context.Context, dir string, w *watch) error {
	resp, err := i.connect(ctx, dir)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	w.connected.Store(true)
	i.bus.Publish(events.NewEnvelope(events.TypeStreamState, map[string]string{
		"directory": dir,
		"state":     "connected",
	}))

	return readFrames(resp.Body, func(f Frame) {
		i.handleFrame(dir, f)
	})
}

func (i *Ingestor) connect(ctx context.Context, dir string) (*http.Response, error) {
	u := i.cfg.BaseURL + "/event"
	if dir != "" {
		u += "?directory=" + url.QueryEscape(dir)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if i.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+i.cfg.Token)
	}

	resp, err := i.cfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream returned %s", resp.Status)
	}
	return resp, nil
}

// handleFrame unwraps the global envelope, filters by directory and
// republishes decoded events. Frames for other directories and unmodeled
// event types are dropped here, at the boundary.
func (i *Ingestor) handleFrame(dir string, f Frame) {
	payload := []byte(f.Data)

	var wrapped events.StreamFrame
	if err := json.Unmarshal(payload, &wrapped); err == nil && len(wrapped.Payload) > 0 {
		if wrapped.Directory != "" && wrapped.Directory != dir {
			return
		}
		payload = wrapped.Payload
	}

	ev, ok := events.Decode(payload)
	if !ok {
		return
	}
	i.bus.Publish(events.NewEnvelope(events.TypeAgentEvent, events.StreamEvent{
		Directory: dir,
		Event:     ev,
	}))
}

// WatchPermissionOnce opens a dedicated short-lived connection whose
// sole purpose is to catch a permission prompt for one session, without
// racing the long-lived loop's reconnect window. Deduplicated by
// (directory, session): a second call while one watcher is active is a
// no-op. The watcher self-cancels on first match or timeout.
func (i *Ingestor) WatchPermissionOnce(dir, sessionID string, timeout time.Duration) {
	key := dir + "|" + sessionID

	i.mu.Lock()
	if _, active := i.permWatchers[key]; active {
		i.mu.Unlock()
		return
	}
	i.permWatchers[key] = struct{}{}
	i.mu.Unlock()

	go func() {
		defer func() {
			i.mu.Lock()
			delete(i.permWatchers, key)
			i.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(i.ctx, timeout)
		defer cancel()

		resp, err := i.connect(ctx, dir)
		if err != nil {
			logger.DebugCF("stream", "Permission watcher connect failed", map[string]any{
				"dir":   dir,
				"error": err.Error(),
			})
			return
		}
		defer resp.Body.Close()

		_ = readFrames(resp.Body, func(f Frame) {
			payload := []byte(f.Data)
			var wrapped events.StreamFrame
			if err := json.Unmarshal(payload, &wrapped); err == nil && len(wrapped.Payload) > 0 {
				if wrapped.Directory != "" && wrapped.Directory != dir {
					return
				}
				payload = wrapped.Payload
			}
			ev, ok := events.Decode(payload)
			if !ok {
				return
			}
			perm, ok := ev.(*events.PermissionEvent)
			if !ok || perm.SessionID != sessionID {
				return
			}
			i.bus.Publish(events.NewEnvelope(events.TypeAgentEvent, events.StreamEvent{
				Directory: dir,
				Event:     perm,
			}))
			cancel()
		})
	}()
}
