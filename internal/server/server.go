// Package server exposes the runtime over a local HTTP API. Chat turns
// stream back as Server-Sent Events; everything else is plain JSON.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pith-agent/pith/internal/config"
	. "github.com/pith-agent/pith/internal/logging"
	"github.com/pith-agent/pith/internal/runtime"
)

// eventBuffer bounds the per-turn event queue between the chat loop and
// the SSE writer.
const eventBuffer = 64

// Server is the HTTP front end.
type Server struct {
	server *http.Server
	rt     *runtime.Runtime
	wg     sync.WaitGroup
}

// New creates the server on the configured host and port.
func New(cfg config.ServerConfig, rt *runtime.Runtime) *Server {
	s := &Server{rt: rt}
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.routes(),
		// No WriteTimeout: a chat stream legitimately outlives any fixed
		// deadline while tools run or a secret prompt waits.
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Handler returns the routed handler, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("server: listening", "addr", s.server.Addr)

		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			L_error("server: serve failed", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		L_error("server: shutdown error", "error", err)
		return err
	}
	s.wg.Wait()
	L_info("server: stopped")
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.logRequest(s.handleHealth))
	mux.HandleFunc("/chat", s.logRequest(s.handleChat))
	mux.HandleFunc("/session/new", s.logRequest(s.handleSessionNew))
	mux.HandleFunc("/session/compact", s.logRequest(s.handleSessionCompact))
	mux.HandleFunc("/session/info", s.logRequest(s.handleSessionInfo))
	mux.HandleFunc("/secret/provide", s.logRequest(s.handleSecretProvide))

	return mux
}

// logRequest wraps a handler to log method, path, status and duration.
func (s *Server) logRequest(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(lw, r)

		L_trace("server: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"duration", time.Since(start))
	}
}

// loggingResponseWriter wraps ResponseWriter to capture the status code.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support.
func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleSessionNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID, err := s.rt.NewSession(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"session_id": sessionID})
}

func (s *Server) handleSessionCompact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := s.rt.Compact(r.Context(), body.SessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"result": result})
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	info, err := s.rt.Info(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, info)
}

func (s *Server) handleSecretProvide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		RequestID string `json:"request_id"`
		Value     string `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.RequestID == "" {
		http.Error(w, "request_id is required", http.StatusBadRequest)
		return
	}
	s.rt.ProvideSecret(body.RequestID, body.Value)
	writeJSON(w, map[string]bool{"ok": true})
}

// handleChat runs one agent turn, streaming events as SSE frames. Closing
// the connection cancels the turn through the request context.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Message   string `json:"message"`
		SessionID string `json:"session_id"`
		Channel   string `json:"channel"`
	}
	if err := decodeBody(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}
	if body.Channel == "" {
		body.Channel = "http"
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events := make(chan runtime.ChatEvent, eventBuffer)
	go s.rt.Chat(r.Context(), runtime.ChatRequest{
		Message:     body.Message,
		SessionID:   body.SessionID,
		Channel:     body.Channel,
		Interactive: true,
	}, events)

	for ev := range events {
		name, payload := frame(ev)
		data, err := json.Marshal(payload)
		if err != nil {
			L_error("server: failed to marshal event", "event", name, "error", err)
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
		flusher.Flush()
	}
}

// frame maps a chat event to its SSE name and payload.
func frame(ev runtime.ChatEvent) (string, any) {
	switch e := ev.(type) {
	case runtime.TextDelta:
		return "text", map[string]string{"delta": e.Delta}
	case runtime.ToolCallEvent:
		return "tool", map[string]any{"name": e.Name, "args": e.Args}
	case runtime.ToolResultEvent:
		return "tool_result", map[string]any{"name": e.Name, "success": e.Success}
	case runtime.SecretRequest:
		return "secret_request", map[string]string{"request_id": e.RequestID, "name": e.Name}
	case runtime.Done:
		return "done", map[string]string{"text": e.Text}
	case runtime.Error:
		return "error", map[string]string{"message": e.Message}
	default:
		return "unknown", map[string]any{}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L_error("server: failed to write response", "error", err)
	}
}

// decodeBody parses an optional JSON body; an empty body is fine.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid request body: %w", err)
}
