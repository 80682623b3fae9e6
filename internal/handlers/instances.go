package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/neomello/FlowCloser-EVOLUTION/internal/auth"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/database"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/instance"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/middleware"
)

// InstanceHandlers exposes the lifecycle operations over HTTP. All policy
// lives in the service; handlers only translate requests and errors.
type InstanceHandlers struct {
	Service *instance.Service
}

func NewInstanceHandlers(svc *instance.Service) *InstanceHandlers {
	return &InstanceHandlers{Service: svc}
}

func (h *InstanceHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var spec instance.CreateSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.Service.Create(r.Context(), spec)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *InstanceHandlers) Fetch(w http.ResponseWriter, r *http.Request) {
	cred := middleware.GetCredential(r)

	// An instance token sees exactly its own instance; the global key
	// sees everything, optionally filtered.
	if cred != nil && cred.Tier == auth.TierInstance {
		details, err := h.Service.FetchOwn(cred.Instance.Token)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, details)
		return
	}

	filter := database.InstanceFilter{
		Name: r.URL.Query().Get("instanceName"),
		ID:   r.URL.Query().Get("instanceId"),
	}
	details, err := h.Service.FetchAll(filter)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (h *InstanceHandlers) Connect(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	number := r.URL.Query().Get("number")

	result, err := h.Service.Connect(r.Context(), name, number)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *InstanceHandlers) ConnectionState(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	info, err := h.Service.ConnectionState(name)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instance": info})
}

func (h *InstanceHandlers) Restart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	result, err := h.Service.Restart(r.Context(), name)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *InstanceHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := h.Service.Logout(r.Context(), name); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "Instance logged out"})
}

func (h *InstanceHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := h.Service.Delete(r.Context(), name); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "Instance deleted"})
}
