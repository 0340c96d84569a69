package app

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cardledger/cardledger/internal/acquisition"
	"github.com/cardledger/cardledger/internal/audit"
	"github.com/cardledger/cardledger/internal/consignment"
	"github.com/cardledger/cardledger/internal/grading"
	"github.com/cardledger/cardledger/internal/inventory"
	"github.com/cardledger/cardledger/internal/observability"
	"github.com/cardledger/cardledger/internal/platform/httpx"
	"github.com/cardledger/cardledger/internal/sales"
	"github.com/cardledger/cardledger/internal/shared"
	"github.com/cardledger/cardledger/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Keys               shared.KeyStore
	InventoryHandler   *inventory.Handler
	AcquisitionHandler *acquisition.Handler
	SalesHandler       *sales.Handler
	ConsignmentHandler *consignment.Handler
	GradingHandler     *grading.Handler
	AuditHandler       *audit.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
	// Ping reports backing store health for /healthz; nil means always healthy.
	Ping func(ctx context.Context) error
}

// NewRouter constructs the chi.Router with CardLedger defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Keys:    params.Keys,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if params.Ping != nil {
			if err := params.Ping(r.Context()); err != nil {
				if params.Logger != nil {
					params.Logger.Warn("health check", slog.Any("error", err))
				}
				httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if params.InventoryHandler != nil {
		r.Route("/inventory", params.InventoryHandler.MountRoutes)
	}
	if params.AcquisitionHandler != nil {
		r.Route("/purchases", params.AcquisitionHandler.MountRoutes)
	}
	if params.SalesHandler != nil {
		r.Route("/sales", params.SalesHandler.MountRoutes)
	}
	if params.ConsignmentHandler != nil {
		r.Route("/consignments", params.ConsignmentHandler.MountRoutes)
	}
	if params.GradingHandler != nil {
		r.Route("/grading", params.GradingHandler.MountRoutes)
	}
	if params.AuditHandler != nil {
		r.Route("/audit", params.AuditHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}
