package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/easygst/easygst/internal/gst"
	"github.com/easygst/easygst/internal/ledger"
	"github.com/easygst/easygst/internal/observability"
	"github.com/easygst/easygst/internal/payments"
	"github.com/easygst/easygst/internal/periods"
	"github.com/easygst/easygst/internal/sequence"
	"github.com/easygst/easygst/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	Pool            *pgxpool.Pool
	LedgerHandler   *ledger.Handler
	PaymentsHandler *payments.Handler
	PeriodsHandler  *periods.Handler
	GstHandler      *gst.Handler
	SequenceHandler *sequence.Handler
	JobsHandler     *jobs.Handler
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with application defaults.
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
		if params.Pool != nil {
			if err := params.Pool.Ping(r.Context()); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded"}`))
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(params.Config, params.Logger))
		if params.LedgerHandler != nil {
			params.LedgerHandler.MountRoutes(r)
		}
		if params.PaymentsHandler != nil {
			params.PaymentsHandler.MountRoutes(r)
		}
		if params.PeriodsHandler != nil {
			params.PeriodsHandler.MountRoutes(r)
		}
		if params.GstHandler != nil {
			params.GstHandler.MountRoutes(r)
		}
		if params.SequenceHandler != nil {
			params.SequenceHandler.MountRoutes(r)
		}
		if params.JobsHandler != nil {
			params.JobsHandler.MountRoutes(r)
		}
	})

	return r
}
