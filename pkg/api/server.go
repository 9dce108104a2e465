// Package api exposes the worker-facing HTTP surface: outbox pull and
// report for delivery workers, a WebSocket mirror of the event bus for
// the companion web app, diff-preview lookups and health probes.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nyxandro/remote-vibe-station-sub000/pkg/bus"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/events"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/logger"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/outbox"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/previews"
)

// PullRequest is the worker pull call.
type PullRequest struct {
	OwnerID  string `json:"owner_id"`
	WorkerID string `json:"worker_id"`
	Limit    int    `json:"limit"`
}

// PullItem is the wire shape of one pulled item.
type PullItem struct {
	ID            string            `json:"id"`
	DestinationID string            `json:"destination_id"`
	Text          string            `json:"text"`
	RenderHint    string            `json:"render_hint,omitempty"`
	Silent        bool              `json:"silent,omitempty"`
	Mode          string            `json:"mode"`
	ReplaceKey    string            `json:"replace_key,omitempty"`
	Control       string            `json:"control,omitempty"`
	Keyboard      [][]outbox.Button `json:"keyboard,omitempty"`
}

// PullResponse is the pull reply.
type PullResponse struct {
	Items []PullItem `json:"items"`
}

// ReportRequest is the worker report call. Reporting the same payload
// twice is safe: stale results are dropped by the store.
type ReportRequest struct {
	OwnerID  string          `json:"owner_id"`
	WorkerID string          `json:"worker_id"`
	Results  []outbox.Result `json:"results"`
}

// ReportResponse acknowledges a report.
type ReportResponse struct {
	Acknowledged int `json:"acknowledged"`
}

// Server is the HTTP server.
type Server struct {
	host        string
	port        int
	workerToken string

	store    *outbox.Store
	bus      *bus.EventBus
	previews *previews.Store

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer creates the API server.
func NewServer(host string, port int, workerToken string, store *outbox.Store, eventBus *bus.EventBus, previewStore *previews.Store) *Server {
	return &Server{
		host:        host,
		port:        port,
		workerToken: workerToken,
		store:       store,
		bus:         eventBus,
		previews:    previewStore,
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /outbox/pull", s.auth(s.handlePull))
	mux.HandleFunc("POST /outbox/report", s.auth(s.handleReport))
	mux.HandleFunc("GET /events", s.auth(s.handleEvents))
	mux.HandleFunc("GET /preview/{token}", s.handlePreview)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleHealth)
	return mux
}

// Start blocks serving HTTP until Stop or a listener error.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.workerToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.workerToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" || req.WorkerID == "" {
		http.Error(w, "owner_id and worker_id are required", http.StatusBadRequest)
		return
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	items, err := s.store.Pull(req.OwnerID, req.Limit, req.WorkerID)
	if err != nil {
		logger.ErrorCF("api", "Pull failed", map[string]any{"error": err.Error()})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := PullResponse{Items: make([]PullItem, 0, len(items))}
	for _, it := range items {
		resp.Items = append(resp.Items, PullItem{
			ID:            it.ID,
			DestinationID: it.DestinationID,
			Text:          it.Text,
			RenderHint:    it.RenderHint,
			Silent:        it.Silent,
			Mode:          it.Mode,
			ReplaceKey:    it.ReplaceKey,
			Control:       it.Control,
			Keyboard:      it.Keyboard,
		})
	}
	writeJSON(w, resp)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" || req.WorkerID == "" {
		http.Error(w, "owner_id and worker_id are required", http.StatusBadRequest)
		return
	}

	if err := s.store.Report(req.OwnerID, req.WorkerID, req.Results); err != nil {
		logger.ErrorCF("api", "Report failed", map[string]any{"error": err.Error()})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, ReportResponse{Acknowledged: len(req.Results)})
}

// handleEvents upgrades to WebSocket, replays the bus history and then
// streams live envelopes until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for _, env := range s.bus.Replay() {
		if err := conn.WriteJSON(env); err != nil {
			return
		}
	}

	// Buffered so a slow client never stalls bus publishing.
	ch := make(chan events.Envelope, 256)
	unsubscribe := s.bus.Subscribe(func(env events.Envelope) {
		select {
		case ch <- env:
		default:
		}
	})
	defer unsubscribe()

	done := r.Context().Done()
	for {
		select {
		case env := <-ch:
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.previews.Get(r.PathValue("token"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
