package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/coachllm/internal/auth"
)

// RequestIDKey is the context key for request IDs
type contextKey string

const RequestIDKey contextKey = "request_id"

type principalKey struct{}

// RequestIDMiddleware assigns each request an ID, reusing a well-formed
// X-Request-ID sent by the client. The ID is echoed in the response header.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID from context.
// Returns an empty string if no request ID is set.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// TimeoutMiddleware bounds the request context. Handlers that wait on the
// dispatcher stop waiting when it expires; the dispatch itself continues.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthMiddleware validates the bearer API key and stores its principal in
// the request context.
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, err := auth.ExtractAPIKey(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "authentication_error", err.Error())
				return
			}
			p, err := authenticator.ValidateAPIKey(apiKey)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "authentication_error", "Invalid API key")
				return
			}
			AddLogField(r.Context(), "user_id", p.UserID)
			ctx := context.WithValue(r.Context(), principalKey{}, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipal retrieves the authenticated principal from context.
// Returns nil when authentication is disabled.
func GetPrincipal(ctx context.Context) *auth.Principal {
	if p, ok := ctx.Value(principalKey{}).(*auth.Principal); ok {
		return p
	}
	return nil
}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// CanActFor reports whether the request may read or act on userID's data.
// Without authentication every request may.
func CanActFor(ctx context.Context, userID string) bool {
	p := GetPrincipal(ctx)
	return p == nil || p.Admin || p.UserID == userID
}
