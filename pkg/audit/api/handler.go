// Package api serves the audit event query endpoints and the attribution
// middleware that feeds the auditor chain.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fieldaudit/pkg/audit"
	"fieldaudit/pkg/audit/store"
)

// Handler exposes read-only audit event queries. It delegates to the store
// and keeps transport concerns out of the engine.
type Handler struct {
	store    *store.SQLStore
	registry *audit.Registry
	logger   *slog.Logger
}

func NewHandler(st *store.SQLStore, registry *audit.Registry, logger *slog.Logger) *Handler {
	return &Handler{store: st, registry: registry, logger: logger}
}

// NewRouter wires the query endpoints, the attribution middleware and the
// Prometheus scrape endpoint.
func NewRouter(h *Handler, tokens *TokenService, promReg *prometheus.Registry, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(Attribution(tokens, logger))

	r.Get("/healthz", h.HandleHealth)
	r.Get("/events", h.HandleListEvents)
	r.Get("/events/system/{username}", h.HandleSystemUserEvents)
	r.Get("/registrations", h.HandleRegistrations)
	if promReg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	}
	return r
}

func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleListEvents handles GET /events. Supported query parameters:
// class_path, user_type, username, since, until (RFC 3339) and limit.
func (h *Handler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := store.Filter{
		ClassPath: q.Get("class_path"),
		UserType:  q.Get("user_type"),
		Username:  q.Get("username"),
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be RFC 3339")
			return
		}
		filter.Until = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	events, err := h.store.List(ctx, filter)
	if err != nil {
		h.logger.ErrorContext(ctx, "event query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: toResponses(events)})
}

// HandleSystemUserEvents handles GET /events/system/{username}: events
// attributed to either system auditor for one OS user.
func (h *Handler) HandleSystemUserEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username := chi.URLParam(r, "username")

	events, err := h.store.BySystemUser(ctx, username)
	if err != nil {
		h.logger.ErrorContext(ctx, "system user event query failed",
			"username", username,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: toResponses(events)})
}

// HandleRegistrations handles GET /registrations: the audited class paths.
func (h *Handler) HandleRegistrations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"class_paths": h.registry.ClassPaths(),
	})
}

type eventsResponse struct {
	Events []eventResponse `json:"events"`
}

type eventResponse struct {
	ID              int64               `json:"id"`
	EventDate       time.Time           `json:"event_date"`
	ObjectClassPath string              `json:"object_class_path"`
	ObjectPK        any                 `json:"object_pk"`
	ChangeContext   audit.ChangeContext `json:"change_context"`
	IsCreate        bool                `json:"is_create,omitempty"`
	IsDelete        bool                `json:"is_delete,omitempty"`
	IsBootstrap     bool                `json:"is_bootstrap,omitempty"`
	Delta           audit.Delta         `json:"delta"`
}

func toResponses(events []audit.Event) []eventResponse {
	out := make([]eventResponse, len(events))
	for i, e := range events {
		out[i] = eventResponse{
			ID:              e.ID,
			EventDate:       e.EventDate,
			ObjectClassPath: e.ObjectClassPath,
			ObjectPK:        e.ObjectPK,
			ChangeContext:   e.ChangeContext,
			IsCreate:        e.IsCreate,
			IsDelete:        e.IsDelete,
			IsBootstrap:     e.IsBootstrap,
			Delta:           e.Delta,
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
