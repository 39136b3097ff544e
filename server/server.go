package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ssod/sso"
)

// App bundles runtime dependencies for the HTTP facade. All flow logic lives
// in the manager; handlers only translate between HTTP and engine calls.
type App struct {
	Config  sso.Config
	Logger  *slog.Logger
	Manager *sso.Manager
}

// NewApp wires the facade to a loaded manager.
func NewApp(cfg sso.Config, manager *sso.Manager, logger *slog.Logger) *App {
	return &App{Config: cfg, Logger: logger, Manager: manager}
}

// Routes constructs the HTTP router with all flow endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))

	r.Get("/sso/providers", a.handleProviders)
	r.Get("/sso/callback", a.handleCallback)
	r.Route("/sso/{provider}", func(r chi.Router) {
		r.Get("/start", a.handleStart)
		r.Post("/device/start", a.handleDeviceStart)
		r.Post("/device/poll", a.handleDevicePoll)
	})

	return r
}

func (a *App) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": a.Manager.EnabledProviders(),
	})
}

// handleStart begins the browser flow and redirects to the IdP.
func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	redirectURI := r.URL.Query().Get("redirect_uri")
	if redirectURI == "" {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request", "redirect_uri is required")
		return
	}
	nonce := r.URL.Query().Get("nonce")

	authURL, err := a.Manager.StartAuthorizationFlow(r.Context(), providerID, redirectURI, nonce)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback finishes the browser flow. The IdP redirects here with
// either state+code or an OAuth error pair.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if oauthErr := q.Get("error"); oauthErr != "" {
		if oauthErr == "access_denied" {
			a.writeError(w, r, sso.ErrAccessDenied)
			return
		}
		writeErrorBody(w, http.StatusBadGateway, oauthErr, q.Get("error_description"))
		return
	}

	state := q.Get("state")
	code := q.Get("code")
	if state == "" || code == "" {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request", "state and code are required")
		return
	}

	result, err := a.Manager.HandleCallback(r.Context(), state, code)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *App) handleDeviceStart(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")

	session, err := a.Manager.StartDeviceFlow(r.Context(), providerID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleDevicePoll performs one poll on behalf of the caller. Terminal
// failures arrive as statuses, not errors, so clients can stop cleanly.
func (a *App) handleDevicePoll(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	deviceCode := r.FormValue("device_code")
	if deviceCode == "" {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request", "device_code is required")
		return
	}

	poll, err := a.Manager.PollDeviceFlow(r.Context(), providerID, deviceCode)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	switch poll.Status {
	case sso.PollSuccess:
		writeJSON(w, http.StatusOK, map[string]any{
			"status": poll.Status.String(),
			"result": poll.Result,
		})
	case sso.PollDenied:
		a.writeError(w, r, sso.ErrAccessDenied)
	case sso.PollExpired:
		a.writeError(w, r, sso.ErrDeviceCodeExpired)
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status": poll.Status.String(),
		})
	}
}

// writeError maps engine error kinds to HTTP statuses in one place.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := sso.KindOf(err)

	var status int
	switch kind {
	case sso.KindFlowState:
		status = http.StatusBadRequest
	case sso.KindValidation:
		status = http.StatusUnauthorized
	case sso.KindUserDenied:
		status = http.StatusForbidden
	case sso.KindConfig:
		status = http.StatusNotFound
	case sso.KindNetwork, sso.KindProtocol:
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
	}

	a.Logger.Warn("request failed",
		"request_id", RequestIDFromContext(r.Context()),
		"kind", string(kind),
		"status", status,
		"error", err,
	)
	writeErrorBody(w, status, string(kind), err.Error())
}

func writeErrorBody(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
