// Package server exposes the RAG backend over HTTP and hosts the chat widget
// over a websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/comigor/jackbot/internal/config"
	"github.com/comigor/jackbot/internal/logger"
	"github.com/comigor/jackbot/internal/rag"
)

const notReadyDetail = "Service not initialized."

// Asker is the RAG service as the HTTP layer sees it.
type Asker interface {
	Ready() bool
	Ask(ctx context.Context, text, systemPrompt string) (string, error)
	AddDocument(ctx context.Context, id, text string) error
}

// Server wires the RAG service and the chat widget to HTTP routes.
type Server struct {
	rag  Asker
	chat config.ChatConfig
}

// New creates a Server. Widget sessions are built from chatCfg.
func New(svc Asker, chatCfg config.ChatConfig) *Server {
	return &Server{rag: svc, chat: chatCfg}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(accessLog)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/add-document", s.addDocument)
		r.Post("/ask-jackbot", s.askJackbot)
	})

	r.Get("/ws", s.widget)

	return r
}

type addDocumentRequest struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type askRequest struct {
	Text         string `json:"text"`
	SystemPrompt string `json:"system_prompt"`
}

type askResponse struct {
	Response string `json:"response"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) addDocument(w http.ResponseWriter, r *http.Request) {
	if !s.rag.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Detail: notReadyDetail})
		return
	}

	var req addDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "id and text are required"})
		return
	}

	if err := s.rag.AddDocument(r.Context(), req.ID, req.Text); err != nil {
		s.fail(w, "add document", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "id": req.ID})
}

func (s *Server) askJackbot(w http.ResponseWriter, r *http.Request) {
	if !s.rag.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Detail: notReadyDetail})
		return
	}

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "text is required"})
		return
	}

	answer, err := s.rag.Ask(r.Context(), req.Text, req.SystemPrompt)
	if err != nil {
		s.fail(w, "ask", err)
		return
	}
	writeJSON(w, http.StatusOK, askResponse{Response: answer})
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, rag.ErrNotReady):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Detail: notReadyDetail})
	case errors.Is(err, rag.ErrEmptyText):
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: err.Error()})
	default:
		logger.L.Error(op+" failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.L.Warn("write response", "error", err)
	}
}

// accessLog logs one line per request through the shared logger.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			logger.L.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimiddleware.GetReqID(r.Context()),
				"remote", r.RemoteAddr,
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
