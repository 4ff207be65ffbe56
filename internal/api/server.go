// Package api implements the HTTP surface: the chat endpoint that
// streams a turn's events over SSE, thread inspection, and a WebSocket
// feed of the operational event bus.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/openbloom/cryptochat/internal/buildinfo"
	"github.com/openbloom/cryptochat/internal/checkpoint"
	"github.com/openbloom/cryptochat/internal/events"
	"github.com/openbloom/cryptochat/internal/graph"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	engine  *graph.Engine
	store   *checkpoint.Store
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates an API server.
func NewServer(address string, port int, engine *graph.Engine, store *checkpoint.Store, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		engine:  engine,
		store:   store,
		bus:     bus,
		logger:  logger.With("component", "api"),
	}
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)

	mux.HandleFunc("GET /v1/threads", s.handleThreadList)
	mux.HandleFunc("GET /v1/threads/{id}", s.handleThreadGet)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE and WebSocket connections are long-lived
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
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
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": message}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "cryptochat",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// ChatRequest submits one user message to a thread.
type ChatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id,omitempty"`
}

// handleChat accepts a user message and streams the turn's events
// back as SSE. Each event is one JSON object: token, summary_point,
// or error. A meta event carrying the thread ID is sent first so new
// threads learn their generated ID.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}

	stream, err := s.engine.SubmitTurn(r.Context(), threadID, req.Message)
	if err != nil {
		if errors.Is(err, graph.ErrThreadBusy) {
			s.errorResponse(w, http.StatusConflict, "thread is already processing a turn")
			return
		}
		s.logger.Error("submit turn failed", "thread_id", threadID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	s.writeSSE(w, events.StreamEvent{Type: "meta", Payload: threadID})
	flusher.Flush()

	for ev := range stream.Events() {
		s.writeSSE(w, ev)
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) writeSSE(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal SSE event", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func (s *Server) handleThreadList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.Threads(0)
	if err != nil {
		s.logger.Error("list threads failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list threads")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"threads": ids}, s.logger)
}

func (s *Server) handleThreadGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	cp, err := s.store.Load(id)
	if err != nil {
		s.logger.Error("load thread failed", "thread_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load thread")
		return
	}
	if cp == nil {
		s.errorResponse(w, http.StatusNotFound, "thread not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, cp, s.logger)
}
