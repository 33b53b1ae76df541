package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/labstock/labstock/internal/catalog"
	"github.com/labstock/labstock/internal/ledger"
	"github.com/labstock/labstock/internal/location"
	"github.com/labstock/labstock/internal/observability"
	"github.com/labstock/labstock/internal/rbac"
	"github.com/labstock/labstock/internal/request"
	"github.com/labstock/labstock/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	RequestHandler  *request.Handler
	StockHandler    *ledger.Handler
	CatalogHandler  *catalog.Handler
	LocationHandler *location.Handler
	AdminHandler    *rbac.Handler
	JobsHandler     *jobs.Handler
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with the default stack.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		params.RequestHandler.MountRoutes(r)
		params.StockHandler.MountRoutes(r)
		if params.CatalogHandler != nil {
			params.CatalogHandler.MountRoutes(r)
		}
		if params.LocationHandler != nil {
			params.LocationHandler.MountRoutes(r)
		}
		if params.AdminHandler != nil {
			params.AdminHandler.MountRoutes(r)
		}
		if params.JobsHandler != nil {
			r.Route("/jobs", func(r chi.Router) {
				params.JobsHandler.MountRoutes(r)
			})
		}
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
