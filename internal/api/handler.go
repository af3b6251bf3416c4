// Package api exposes the pipeline over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
	"github.com/tjfontaine/coachllm/internal/rag"
	"github.com/tjfontaine/coachllm/internal/server"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Dispatcher runs single inference requests.
type Dispatcher interface {
	Do(ctx context.Context, req domain.Request) *domain.Response
}

// Orchestrator runs multi-perspective requests.
type Orchestrator interface {
	Orchestrate(ctx context.Context, req domain.OrchestrationRequest) (*domain.OrchestrationResult, error)
}

// ContextRetriever builds augmented context.
type ContextRetriever interface {
	Retrieve(ctx context.Context, q domain.RAGQuery) (*domain.RAGContext, error)
}

// AuditLedger reads and verifies audit chains.
type AuditLedger interface {
	Events(ctx context.Context, chainKey string, opts ports.ListOptions) ([]*domain.AuditEvent, error)
	Verify(ctx context.Context, chainKey string) (*domain.ChainVerification, error)
}

// PolicyRouter reads and updates the routing policy.
type PolicyRouter interface {
	Policy() domain.RoutingPolicy
	UpdatePolicy(ctx context.Context, p domain.RoutingPolicy) error
	Providers() []domain.ProviderConfig
}

// UserData stores the on-device data the context aggregator reads.
type UserData interface {
	ports.ProfileStore
	ports.JournalStore
}

// Handler serves the API routes.
type Handler struct {
	Dispatcher   Dispatcher
	Orchestrator Orchestrator
	Retriever    ContextRetriever
	Ledger       AuditLedger
	Router       PolicyRouter
	Users        UserData
}

// Mount registers the routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/v1/dispatch", h.dispatch)
	r.Post("/v1/orchestrate", h.orchestrate)
	r.Post("/v1/context", h.context)
	r.Get("/v1/audit/{userID}/events", h.auditEvents)
	r.Get("/v1/audit/{userID}/verify", h.auditVerify)
	r.Get("/v1/routing/policy", h.getPolicy)
	r.Put("/v1/routing/policy", h.putPolicy)
	r.Get("/v1/routing/providers", h.providers)
	r.Put("/v1/users/{userID}/profile", h.putProfile)
	r.Post("/v1/users/{userID}/journal", h.addJournalEntry)
}

// dispatchRequest is the wire form of a dispatch. Input is decoded into the
// variant for the feature.
type dispatchRequest struct {
	TraceID   string                 `json:"traceId,omitempty"`
	UserID    string                 `json:"userId"`
	SessionID string                 `json:"sessionId,omitempty"`
	Feature   domain.Feature         `json:"feature"`
	Input     json.RawMessage        `json:"input"`
	Context   string                 `json:"context,omitempty"`
	Options   domain.DispatchOptions `json:"options"`
	Privacy   domain.PrivacySettings `json:"privacy"`
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	var body dispatchRequest
	if err := decode(r, &body); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if !body.Feature.Valid() {
		server.WriteError(w, r, domain.ErrInvalidRequest("unknown feature "+strconv.Quote(string(body.Feature))))
		return
	}
	if !authorized(w, r, body.UserID) {
		return
	}
	in, err := domain.DecodeInput(body.Feature, body.Input)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "feature", string(body.Feature))

	resp := h.Dispatcher.Do(r.Context(), domain.Request{
		TraceID:   body.TraceID,
		UserID:    body.UserID,
		SessionID: body.SessionID,
		Feature:   body.Feature,
		Input:     in,
		Context:   body.Context,
		Options:   body.Options,
		Privacy:   body.Privacy,
	})
	server.AddLogField(r.Context(), "trace_id", resp.Metadata.TraceID)
	server.AddLogField(r.Context(), "processing_method", string(resp.Metadata.ProcessingMethod))

	status := http.StatusOK
	if !resp.Success && resp.Error != nil {
		server.AddLogField(r.Context(), "error_type", string(resp.Error.Type))
		status = domain.NewError(resp.Error.Type, resp.Error.Message).HTTPStatusCode()
	}
	server.WriteJSON(w, status, resp)
}

func (h *Handler) orchestrate(w http.ResponseWriter, r *http.Request) {
	var req domain.OrchestrationRequest
	if err := decode(r, &req); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if !authorized(w, r, req.UserID) {
		return
	}
	res, err := h.Orchestrator.Orchestrate(r.Context(), req)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "trace_id", res.TraceID)
	server.AddLogField(r.Context(), "mode", string(res.Mode))
	server.WriteJSON(w, http.StatusOK, res)
}

type contextResponse struct {
	Context *domain.RAGContext `json:"context"`
	Prompt  string             `json:"prompt"`
}

func (h *Handler) context(w http.ResponseWriter, r *http.Request) {
	var q domain.RAGQuery
	if err := decode(r, &q); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if !authorized(w, r, q.UserID) {
		return
	}
	rc, err := h.Retriever.Retrieve(r.Context(), q)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, contextResponse{Context: rc, Prompt: rag.RenderPrompt(rc, q.UserInput)})
}

type eventsResponse struct {
	ChainKey string               `json:"chainKey"`
	Events   []*domain.AuditEvent `json:"events"`
}

func (h *Handler) auditEvents(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !authorized(w, r, userID) {
		return
	}
	opts := ports.ListOptions{}
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			server.WriteError(w, r, domain.ErrInvalidRequest("from must be a non-negative integer"))
			return
		}
		opts.FromPosition = n
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			server.WriteError(w, r, domain.ErrInvalidRequest("limit must be a non-negative integer"))
			return
		}
		opts.Limit = n
	}
	key := domain.ChainKeyFor(userID, "")
	events, err := h.Ledger.Events(r.Context(), key, opts)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	if events == nil {
		events = []*domain.AuditEvent{}
	}
	server.WriteJSON(w, http.StatusOK, eventsResponse{ChainKey: key, Events: events})
}

func (h *Handler) auditVerify(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !authorized(w, r, userID) {
		return
	}
	res, err := h.Ledger.Verify(r.Context(), domain.ChainKeyFor(userID, ""))
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Valid {
		status = http.StatusConflict
	}
	server.WriteJSON(w, status, res)
}

func (h *Handler) getPolicy(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, h.Router.Policy())
}

func (h *Handler) putPolicy(w http.ResponseWriter, r *http.Request) {
	var p domain.RoutingPolicy
	if err := decode(r, &p); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if err := h.Router.UpdatePolicy(r.Context(), p); err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, h.Router.Policy())
}

func (h *Handler) providers(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, map[string]any{"providers": h.Router.Providers()})
}

func (h *Handler) putProfile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !authorized(w, r, userID) {
		return
	}
	var p domain.UserProfile
	if err := decode(r, &p); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if p.MBTIType != "" && !domain.ValidMBTIType(p.MBTIType) {
		server.WriteError(w, r, domain.ErrInvalidRequest("mbtiType is not a personality type code"))
		return
	}
	p.UserID = userID
	if err := h.Users.SaveProfile(r.Context(), &p); err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) addJournalEntry(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !authorized(w, r, userID) {
		return
	}
	var e domain.JournalEntry
	if err := decode(r, &e); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if e.Content == "" {
		server.WriteError(w, r, domain.ErrInvalidRequest("content is required"))
		return
	}
	e.UserID = userID
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := h.Users.AddEntry(r.Context(), &e); err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusCreated, e)
}

func authorized(w http.ResponseWriter, r *http.Request, userID string) bool {
	if userID == "" {
		server.WriteError(w, r, domain.ErrInvalidRequest("userId is required"))
		return false
	}
	if !server.CanActFor(r.Context(), userID) {
		server.WriteError(w, r, domain.NewError(domain.ErrorTypeInvalidRequest, "API key may not act for this user").
			WithStatusCode(http.StatusForbidden))
		return false
	}
	return true
}

// decode reads a JSON body strictly: unknown fields and trailing data are
// rejected.
func decode(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return domain.ErrInvalidRequest("could not read request body").WithCause(err)
	}
	if len(data) > maxBodyBytes {
		return domain.ErrInvalidRequest("request body too large").WithStatusCode(http.StatusRequestEntityTooLarge)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.ErrInvalidRequest("malformed JSON body").WithCause(err)
	}
	if dec.More() {
		return domain.ErrInvalidRequest("unexpected data after JSON body")
	}
	return nil
}
