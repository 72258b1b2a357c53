package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/mozilla-services/wimms/internal/lifecycle"
	"github.com/mozilla-services/wimms/internal/store"
	"github.com/mozilla-services/wimms/internal/wimms"
)

type handlers struct {
	manager *lifecycle.Manager
	backend backendStore
	logger  *zap.Logger
}

// httpStatusFor maps the domain error taxonomy onto HTTP statuses.
// Backend faults and capacity exhaustion are both 503: either may clear
// on retry, once the database recovers or the cluster grows.
func httpStatusFor(err error) int {
	var backendErr *wimms.BackendError
	switch {
	case errors.Is(err, wimms.ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, wimms.ErrNoNodeAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, wimms.ErrUserRetired):
		return http.StatusGone
	case errors.Is(err, wimms.ErrNotRetired), errors.Is(err, wimms.ErrStaleClientState):
		return http.StatusConflict
	case errors.Is(err, wimms.ErrInvalidGeneration):
		return http.StatusBadRequest
	case errors.As(err, &backendErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, event string, err error) {
	status := httpStatusFor(err)
	level := h.logger.Warn
	var backendErr *wimms.BackendError
	if errors.As(err, &backendErr) {
		level = h.logger.Error
	}
	level(event,
		zap.String("request_id", requestIDFromHTTP(r)),
		zap.Int("status_code", status),
		zap.Error(err))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *handlers) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.Warn("request_decode_error",
			zap.String("request_id", requestIDFromHTTP(r)),
			zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
}

func requestIDFromHTTP(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-ID")); id != "" {
		return id
	}
	return wimms.NewRequestID()
}

type addServiceRequest struct {
	Service string `json:"service"`
	Pattern string `json:"pattern"`
}

func (h *handlers) services(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		patterns, err := h.manager.Patterns(r.Context())
		if err != nil {
			h.fail(w, r, "services_list", err)
			return
		}
		writeJSON(w, http.StatusOK, patterns)
	case http.MethodPost:
		var req addServiceRequest
		if !h.decodeJSON(w, r, &req) {
			return
		}
		if err := h.backend.AddService(r.Context(), req.Service, req.Pattern); err != nil {
			h.fail(w, r, "services_add", err)
			return
		}
		h.logger.Info("services_add",
			zap.String("service", req.Service),
			zap.String("pattern", req.Pattern))
		writeJSON(w, http.StatusCreated, wimms.ServicePattern{Service: req.Service, Pattern: req.Pattern})
	default:
		methodNotAllowed(w)
	}
}

type addNodeRequest struct {
	Service     string `json:"service"`
	Node        string `json:"node"`
	Capacity    int    `json:"capacity"`
	Available   *int   `json:"available,omitempty"`
	CurrentLoad int    `json:"current_load,omitempty"`
	Downed      bool   `json:"downed,omitempty"`
	Backoff     bool   `json:"backoff,omitempty"`
}

func (h *handlers) nodes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		service := strings.TrimSpace(r.URL.Query().Get("service"))
		if service == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "service required"})
			return
		}
		nodes, err := h.backend.ListNodes(r.Context(), service)
		if err != nil {
			h.fail(w, r, "nodes_list", err)
			return
		}
		writeJSON(w, http.StatusOK, nodes)
	case http.MethodPost:
		var req addNodeRequest
		if !h.decodeJSON(w, r, &req) {
			return
		}
		opts := store.NodeOptions{
			Available:   req.Available,
			CurrentLoad: req.CurrentLoad,
			Downed:      req.Downed,
			Backoff:     req.Backoff,
		}
		if err := h.backend.AddNode(r.Context(), req.Service, req.Node, req.Capacity, opts); err != nil {
			h.fail(w, r, "nodes_add", err)
			return
		}
		h.logger.Info("nodes_add",
			zap.String("service", req.Service),
			zap.String("node", req.Node),
			zap.Int("capacity", req.Capacity))
		writeJSON(w, http.StatusCreated, map[string]string{"status": "ok", "node": req.Node})
	default:
		methodNotAllowed(w)
	}
}

type updateNodeRequest struct {
	Service string `json:"service"`
	Node    string `json:"node"`
	store.NodeFields
}

func (h *handlers) updateNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req updateNodeRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := h.backend.UpdateNode(r.Context(), req.Service, req.Node, req.NodeFields); err != nil {
		h.fail(w, r, "nodes_update", err)
		return
	}
	h.logger.Info("nodes_update",
		zap.String("service", req.Service),
		zap.String("node", req.Node))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "node": req.Node})
}

type decommissionRequest struct {
	Service string   `json:"service"`
	Node    string   `json:"node"`
	Emails  []string `json:"emails,omitempty"`
}

func (h *handlers) decommissionNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req decommissionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Service) == "" || strings.TrimSpace(req.Node) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "service and node required"})
		return
	}
	replaced, err := h.manager.DecommissionNode(r.Context(), req.Service, req.Node, req.Emails)
	if err != nil {
		h.fail(w, r, "nodes_decommission", err)
		return
	}
	h.logger.Info("nodes_decommission",
		zap.String("service", req.Service),
		zap.String("node", req.Node),
		zap.Int64("replaced", replaced))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "replaced": replaced})
}

func (h *handlers) getUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	service, email, ok := userKeyFromQuery(w, r)
	if !ok {
		return
	}
	user, err := h.manager.GetUser(r.Context(), service, email)
	if err != nil {
		h.fail(w, r, "user_get", err)
		return
	}
	if user == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type createUserRequest struct {
	Service     string `json:"service"`
	Email       string `json:"email"`
	Generation  int64  `json:"generation,omitempty"`
	ClientState string `json:"client_state,omitempty"`
}

func (h *handlers) createUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req createUserRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Service) == "" || strings.TrimSpace(req.Email) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "service and email required"})
		return
	}
	user, err := h.manager.CreateUser(r.Context(), req.Service, req.Email, lifecycle.CreateOptions{
		Generation:  req.Generation,
		ClientState: req.ClientState,
	})
	if err != nil {
		h.fail(w, r, "user_create", err)
		return
	}
	h.logger.Info("user_create",
		zap.String("service", req.Service),
		zap.Int64("uid", user.UID),
		zap.String("node", user.Node))
	writeJSON(w, http.StatusCreated, user)
}

type updateUserRequest struct {
	Service     string  `json:"service"`
	Email       string  `json:"email"`
	Generation  *int64  `json:"generation,omitempty"`
	ClientState *string `json:"client_state,omitempty"`
}

func (h *handlers) updateUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req updateUserRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	user, err := h.manager.GetUser(r.Context(), req.Service, req.Email)
	if err != nil {
		h.fail(w, r, "user_update", err)
		return
	}
	if user == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
		return
	}
	err = h.manager.UpdateUser(r.Context(), user, lifecycle.UpdateOptions{
		Generation:  req.Generation,
		ClientState: req.ClientState,
	})
	if err != nil {
		h.fail(w, r, "user_update", err)
		return
	}
	h.logger.Info("user_update",
		zap.String("service", req.Service),
		zap.Int64("uid", user.UID))
	writeJSON(w, http.StatusOK, user)
}

type userKeyRequest struct {
	Service string `json:"service"`
	Email   string `json:"email"`
}

func (h *handlers) retireUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req userKeyRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Service) == "" || strings.TrimSpace(req.Email) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "service and email required"})
		return
	}
	if err := h.manager.RetireUser(r.Context(), req.Service, req.Email); err != nil {
		h.fail(w, r, "user_retire", err)
		return
	}
	h.logger.Info("user_retire", zap.String("service", req.Service))
	writeJSON(w, http.StatusOK, map[string]string{"status": "retired"})
}

func (h *handlers) purgeUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req userKeyRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Service) == "" || strings.TrimSpace(req.Email) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "service and email required"})
		return
	}
	purged, err := h.manager.PurgeRetiredUser(r.Context(), req.Service, req.Email)
	if err != nil {
		h.fail(w, r, "user_purge", err)
		return
	}
	h.logger.Info("user_purge",
		zap.String("service", req.Service),
		zap.Int64("purged", purged))
	writeJSON(w, http.StatusOK, map[string]any{"status": "purged", "records": purged})
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func userKeyFromQuery(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	service := strings.TrimSpace(r.URL.Query().Get("service"))
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if service == "" || email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "service and email required"})
		return "", "", false
	}
	return service, email, true
}
