package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/guildgate/guildgate/internal/onboarding"
	"github.com/guildgate/guildgate/internal/platform/httpx"
	"github.com/guildgate/guildgate/jobs"
)

// MappingReloader refreshes the mapping table from its backing file.
type MappingReloader interface {
	Reload() error
}

// Reconciler repairs one member's mapped-role state on one target server.
type Reconciler interface {
	Reconcile(ctx context.Context, memberID, targetServerID string) error
}

// AdminHandler serves the operator API.
type AdminHandler struct {
	store      MappingReloader
	service    *onboarding.Service
	reconciler Reconciler
	client     *jobs.Client
	maxAge     time.Duration
	logger     *slog.Logger
}

// NewAdminHandler constructs the operator handler.
func NewAdminHandler(store MappingReloader, service *onboarding.Service, reconciler Reconciler, client *jobs.Client, maxAge time.Duration, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{store: store, service: service, reconciler: reconciler, client: client, maxAge: maxAge, logger: logger}
}

// MountRoutes attaches operator routes.
func (h *AdminHandler) MountRoutes(r chi.Router) {
	r.Post("/mappings/reload", h.reloadMappings)
	r.Get("/pending", h.listPending)
	r.Post("/reconcile", h.reconcileMember)
	r.Post("/cleanup", h.enqueueCleanup)
}

type reconcileRequest struct {
	MemberID string `json:"member_id"`
	ServerID string `json:"server_id"`
}

func (h *AdminHandler) reconcileMember(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || req.MemberID == "" || req.ServerID == "" {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "member_id and server_id are required")
		return
	}
	if err := h.reconciler.Reconcile(r.Context(), req.MemberID, req.ServerID); err != nil {
		h.logger.Error("operator reconcile failed",
			slog.String("member_id", req.MemberID),
			slog.String("server_id", req.ServerID),
			slog.Any("error", err),
		)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
}

func (h *AdminHandler) reloadMappings(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Reload(); err != nil {
		h.logger.Error("mapping reload failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusUnprocessableEntity, "Reload failed", err.Error())
		return
	}
	h.logger.Info("mapping table reloaded")
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (h *AdminHandler) listPending(w http.ResponseWriter, r *http.Request) {
	grants, err := h.service.Pending(r.Context())
	if err != nil {
		h.logger.Error("list pending grants", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if grants == nil {
		grants = []onboarding.PendingGrant{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"pending": grants})
}

func (h *AdminHandler) enqueueCleanup(w http.ResponseWriter, r *http.Request) {
	info, err := h.client.EnqueuePendingGrantCleanup(r.Context(), h.maxAge)
	if err != nil {
		h.logger.Error("enqueue cleanup", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Queue unavailable", "could not enqueue cleanup task")
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"task_id": info.ID, "queue": info.Queue})
}
