// Package api exposes the account service over JSON HTTP. The chat
// front-end runs as a separate process and talks to this surface.
package api

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"subbridge/internal/errors"
	"subbridge/internal/service"
)

// Router handles HTTP routing for the bridge API.
type Router struct {
	mux     *http.ServeMux
	svc     *service.Service
	version string
}

// NewRouter creates a new router instance.
func NewRouter(svc *service.Service, version string) http.Handler {
	r := &Router{
		mux:     http.NewServeMux(),
		svc:     svc,
		version: version,
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("GET /api/health", r.handleHealth)
	r.mux.HandleFunc("GET /api/version", r.handleVersion)

	r.mux.HandleFunc("POST /api/identities/{id}/login", r.handleLogin)
	r.mux.HandleFunc("DELETE /api/identities/{id}", r.handleLogout)
	r.mux.HandleFunc("GET /api/identities/{id}/profile", r.handleProfile)
	r.mux.HandleFunc("GET /api/identities/{id}/subscription", r.handleSubscription)
	r.mux.HandleFunc("GET /api/identities/{id}/plans", r.handlePlans)
	r.mux.HandleFunc("GET /api/identities/{id}/orders", r.handleOrders)
	r.mux.HandleFunc("POST /api/identities/{id}/media", r.handleProvisionMedia)
	r.mux.HandleFunc("GET /api/identities/{id}/media", r.handleMediaAccount)
	r.mux.HandleFunc("DELETE /api/identities/{id}/media", r.handleRemoveMedia)
}

// ServeHTTP implements http.Handler with security headers and request
// logging.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")

	start := time.Now()
	r.mux.ServeHTTP(w, req)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Dur("elapsed", time.Since(start)).
		Msg("Handled API request")
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": r.version})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	id, ok := identityID(w, req)
	if !ok {
		return
	}

	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	sess, err := r.svc.Login(req.Context(), id, body.Email, body.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"email":     sess.Record.Email,
		"has_media": sess.Record.Media != nil,
	})
}

func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	id, ok := identityID(w, req)
	if !ok {
		return
	}
	if err := r.svc.Logout(req.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleProfile(w http.ResponseWriter, req *http.Request) {
	id, ok := identityID(w, req)
	if !ok {
		return
	}
	profile, err := r.svc.Profile(req.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (r *Router) handleSubscription(w http.ResponseWriter, req *http.Request) {
	id, ok := identityID(w, req)
	if !ok {
		return
	}
	sub, err := r.svc.Subscription(req.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (r *Router) handlePlans(w http.ResponseWriter, req *http.Request) {
	id, ok := identityID(w, req)
	if !ok {
		return
	}
	plans, err := r.svc.Plans(req.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

func (r *Router) handleOrders(w http.ResponseWriter, req *http.Request) {
	id, ok := identityID(w, req)
	if !ok {
		return
	}
	orders, err := r.svc.Orders(req.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (r *Router) handleProvisionMedia(w http.ResponseWriter, req *http.Request) {
	id, ok := identityID(w, req)
	if !ok {
		return
	}
	info, err := r.svc.ProvisionMedia(req.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mediaResponse(info))
}

func (r *Router) handleMediaAccount(w http.ResponseWriter, req *http.Request) {
	id, ok := identityID(w, req)
	if !ok {
		return
	}
	info, err := r.svc.MediaAccount(req.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mediaResponse(info))
}

func (r *Router) handleRemoveMedia(w http.ResponseWriter, req *http.Request) {
	id, ok := identityID(w, req)
	if !ok {
		return
	}
	if err := r.svc.RemoveMedia(req.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func mediaResponse(info *service.MediaInfo) map[string]string {
	return map[string]string{
		"username":   info.Username,
		"password":   info.Password,
		"server_url": info.ServerURL,
	}
}

func identityID(w http.ResponseWriter, req *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(req.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid identity id"})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode API response")
	}
}

// writeError maps the structured error model to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var bridgeErr *errors.BridgeError
	if stderrors.As(err, &bridgeErr) {
		switch bridgeErr.Type {
		case errors.ErrorTypeNotFound:
			status = http.StatusNotFound
		case errors.ErrorTypeAuth:
			status = http.StatusUnauthorized
		case errors.ErrorTypeEntitle:
			status = http.StatusForbidden
		case errors.ErrorTypeConflict:
			status = http.StatusConflict
		case errors.ErrorTypeValidation:
			status = http.StatusBadRequest
		case errors.ErrorTypeConnection, errors.ErrorTypeAPI:
			status = http.StatusBadGateway
		}
	}
	if status >= 500 {
		log.Error().Err(err).Msg("API request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
