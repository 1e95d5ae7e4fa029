package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guildgate/guildgate/internal/gateway"
	"github.com/guildgate/guildgate/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger       *slog.Logger
	Config       *Config
	Hub          *gateway.Hub
	AdminHandler *AdminHandler
	JobHandler   *jobs.Handler
}

// NewRouter constructs the chi.Router with application defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Hub != nil {
		r.Post("/webhook/events", params.Hub.HandleEvent)
	}

	if params.AdminHandler != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminAuth(params.Config.AdminTokenHash, params.Logger))
			params.AdminHandler.MountRoutes(r)
		})
	}

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
