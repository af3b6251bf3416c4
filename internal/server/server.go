// Package server provides the HTTP server and middleware shared by the API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/coachllm/internal/core/domain"
)

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	http   *http.Server
}

// New creates a server with the standard middleware stack. The request
// timeout bounds how long handlers wait; zero disables it.
func New(port int, logger *slog.Logger, requestTimeout time.Duration) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	if requestTimeout > 0 {
		r.Use(TimeoutMiddleware(requestTimeout))
	}
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "coachd")
	})

	return &Server{
		Router: r,
		Port:   port,
		logger: logger,
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes err as a JSON error with the status its type maps to.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)
	var pe *domain.PipelineError
	if !errors.As(err, &pe) {
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	var body errorBody
	body.Error.Type = string(pe.Type)
	body.Error.Code = string(pe.Code)
	body.Error.Message = pe.Message
	WriteJSON(w, pe.HTTPStatusCode(), body)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	var body errorBody
	body.Error.Type = errType
	body.Error.Message = message
	WriteJSON(w, status, body)
}
