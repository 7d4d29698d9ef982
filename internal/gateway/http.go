package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/polyglotcast/polyglotcast/internal/metrics"
	"github.com/polyglotcast/polyglotcast/internal/quota"
	"github.com/polyglotcast/polyglotcast/internal/session"
	"github.com/polyglotcast/polyglotcast/pkg/events"
)

// Directory is the external tenant/onboarding collaborator behind the
// /api routes.
type Directory interface {
	Authenticate(r *http.Request) (tenantID string, err error)
	CreateTenant(r *http.Request, name string) (tenantID string, err error)
	Profile(r *http.Request, tenantID string) (any, error)
}

// API serves the HTTP control surface and the websocket endpoint.
type API struct {
	Registry  *session.Registry
	Gate      *quota.Gate
	Hub       *events.Hub
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Directory Directory

	WS *Handler

	// Defaults applied to new sessions.
	Provider   map[string]string
	SampleRate int
}

// Routes builds the router for the broadcast server.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/session/start", a.handleStart)
	r.Post("/session/join", a.handleJoin)
	r.Post("/api/churches/create", a.handleCreateChurch)
	r.Get("/api/me", a.handleMe)
	if a.WS != nil {
		r.Get("/ws", a.WS.ServeHTTP)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

type startRequest struct {
	SourceLang string `json:"sourceLang"`
	Tier       string `json:"tier"`
	Replace    bool   `json:"replace"`
}

type sessionResponse struct {
	Success     bool   `json:"success"`
	SessionID   string `json:"sessionId,omitempty"`
	SessionCode string `json:"sessionCode,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	tenant, err := a.tenant(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, sessionResponse{Error: "unauthorized"})
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SourceLang == "" {
		writeJSON(w, http.StatusBadRequest, sessionResponse{Error: "sourceLang is required"})
		return
	}
	if req.Tier == "" {
		req.Tier = "basic"
	}

	if a.Gate != nil {
		dec, err := a.Gate.Admit(r.Context(), tenant)
		if err == nil && !dec.Allowed {
			writeJSON(w, http.StatusPaymentRequired, sessionResponse{Error: dec.Message})
			return
		}
	}

	sess, err := a.Registry.Create(tenant, req.SourceLang, req.Tier, req.Replace)
	if err != nil {
		writeJSON(w, http.StatusConflict, sessionResponse{Error: err.Error()})
		return
	}

	// The pipeline outlives the request; its lifetime is the session's.
	_, err = session.NewTask(context.Background(), session.TaskConfig{
		SessionID:  sess.ID,
		Tenant:     tenant,
		SourceLang: req.SourceLang,
		Tier:       req.Tier,
		SampleRate: a.SampleRate,
		Provider:   a.Provider,
		Registry:   a.Registry,
		Gate:       a.Gate,
		Hub:        a.Hub,
		Logger:     a.Logger,
		Metrics:    a.Metrics,
	})
	if err != nil {
		a.Registry.End(sess.ID)
		a.logger().Error("pipeline start failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, sessionResponse{Error: "speech pipeline unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		Success:     true,
		SessionID:   sess.ID,
		SessionCode: sess.Code,
	})
}

type joinRequest struct {
	SessionCode string `json:"sessionCode"`
	TargetLang  string `json:"targetLang"`
	UserName    string `json:"userName"`
}

func (a *API) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionCode == "" || req.TargetLang == "" {
		writeJSON(w, http.StatusBadRequest, sessionResponse{Error: "sessionCode and targetLang are required"})
		return
	}
	sess, ok := a.Registry.LookupByCode(req.SessionCode)
	if !ok {
		writeJSON(w, http.StatusNotFound, sessionResponse{Error: "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Success:     true,
		SessionID:   sess.ID,
		SessionCode: sess.Code,
	})
}

func (a *API) handleCreateChurch(w http.ResponseWriter, r *http.Request) {
	if a.Directory == nil {
		http.Error(w, "not configured", http.StatusNotImplemented)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "name is required"})
		return
	}
	id, err := a.Directory.CreateTenant(r, req.Name)
	if err != nil {
		writeJSON(w, http.StatusForbidden, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tenantId": id})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if a.Directory == nil {
		http.Error(w, "not configured", http.StatusNotImplemented)
		return
	}
	tenant, err := a.tenant(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	profile, err := a.Directory.Profile(r, tenant)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// tenant resolves the caller's tenant, falling back to a header when no
// directory collaborator is wired (single-tenant deployments).
func (a *API) tenant(r *http.Request) (string, error) {
	if a.Directory != nil {
		return a.Directory.Authenticate(r)
	}
	if t := r.Header.Get("X-Tenant-ID"); t != "" {
		return t, nil
	}
	return "default", nil
}

func (a *API) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
