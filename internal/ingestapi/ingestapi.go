// Package ingestapi is the thin net/http boundary a capture client
// talks to: POST a URL, get back a subject id. It writes the
// link.added fact through the ledger directly, bypassing the bus
// entirely — the outbox picks it up on its next cycle — and upserts an
// optimistic subject/link row so a concurrent duplicate POST still
// reports the same subject id even before the materializer catches
// up. One mux, one logging middleware, Start/Shutdown lifecycle
// methods.
package ingestapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/homelab/lifestream/internal/identity"
	"github.com/homelab/lifestream/internal/ledger"
)

// ledgerAppender is the subset of ledger.Store the endpoint depends on
// to append link.added facts.
type ledgerAppender interface {
	Append(ctx context.Context, e ledger.Event) (bool, error)
}

// optimisticUpserter is the subset of materializer.Store the endpoint
// uses to make a subject/link row visible immediately, ahead of the
// materializer's own processing of the event it just appended.
type optimisticUpserter interface {
	UpsertLinkOptimistic(ctx context.Context, subjectID, url, urlNorm string) error
}

// readModel is the subset of materializer.Store the read endpoints
// query.
type readModel interface {
	LinkByID(ctx context.Context, subjectID string) (LinkView, bool, error)
	LinksByStatus(ctx context.Context, status string, limit int) ([]LinkView, error)
}

// LinkView is the projection the read endpoints return.
type LinkView struct {
	SubjectID  string    `json:"subject_id"`
	URL        string    `json:"url"`
	URLNorm    string    `json:"url_norm"`
	Status     string    `json:"status"`
	Visibility string    `json:"visibility"`
	Pinned     bool      `json:"pinned"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Server serves the capture and read-model HTTP surface.
type Server struct {
	address string
	port    int
	ledger  ledgerAppender
	store   optimisticUpserter
	reads   readModel
	logger  *slog.Logger
	server  *http.Server
}

// New builds a Server. store and reads may be the same
// *materializer.Store instance in production wiring; they are split
// here so tests can fake each independently.
func New(address string, port int, ledgerStore ledgerAppender, store optimisticUpserter, reads readModel, logger *slog.Logger) *Server {
	return &Server{address: address, port: port, ledger: ledgerStore, store: store, reads: reads, logger: logger}
}

// Start begins serving HTTP requests, blocking until the server stops.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /links", s.handleCreateLink)
	mux.HandleFunc("GET /links/{id}", s.handleGetLink)
	mux.HandleFunc("GET /links", s.handleListLinks)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.logger.Info("ingestapi: starting", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("ingestapi: write response failed", "error", err)
	}
}

type createLinkRequest struct {
	URL    string `json:"url"`
	Source string `json:"source,omitempty"`
}

type createLinkResponse struct {
	Success   bool   `json:"success"`
	SubjectID string `json:"subject_id"`
	URLNorm   string `json:"url_norm"`
}

func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	var req createLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"}, s.logger)
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"}, s.logger)
		return
	}

	subjectID, urlNorm := identity.SubjectIDForURL(req.URL)
	ctx := r.Context()

	if s.store != nil {
		if err := s.store.UpsertLinkOptimistic(ctx, subjectID, req.URL, urlNorm); err != nil {
			s.logger.Error("ingestapi: optimistic upsert failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"}, s.logger)
			return
		}
	}

	source := req.Source
	if source == "" {
		source = "ingestapi"
	}
	eventID, err := uuid.NewV7()
	if err != nil {
		s.logger.Error("ingestapi: mint event id failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"}, s.logger)
		return
	}
	payload, _ := json.Marshal(struct {
		URL     string `json:"url"`
		URLNorm string `json:"url_norm"`
	}{URL: req.URL, URLNorm: urlNorm})

	_, err = s.ledger.Append(ctx, ledger.Event{
		EventID:     eventID,
		OccurredAt:  time.Now().UTC(),
		Source:      source,
		SubjectKind: "link",
		SubjectID:   subjectID,
		EventType:   "link.added",
		Payload:     payload,
	})
	if err != nil {
		s.logger.Error("ingestapi: append link.added failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"}, s.logger)
		return
	}

	writeJSON(w, http.StatusOK, createLinkResponse{Success: true, SubjectID: subjectID, URLNorm: urlNorm}, s.logger)
}

func (s *Server) handleGetLink(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	link, found, err := s.reads.LinkByID(r.Context(), "link:"+id)
	if err != nil {
		s.logger.Error("ingestapi: read link failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"}, s.logger)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"}, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, link, s.logger)
}

func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	links, err := s.reads.LinksByStatus(r.Context(), status, 100)
	if err != nil {
		s.logger.Error("ingestapi: list links failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"}, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": links}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}
