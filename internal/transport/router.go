package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/flowpipe/internal/config"
	"github.com/pitabwire/flowpipe/internal/observability"
	"github.com/pitabwire/flowpipe/model"
)

// RunIntake is the storage the webhook routes need. store.Store satisfies it.
type RunIntake interface {
	WorkflowOwner(ctx context.Context, workflowID string) (string, error)
	CreateRun(ctx context.Context, workflowID string, metaData map[string]any) (string, error)
	GetRun(ctx context.Context, runID string) (model.WorkflowRun, error)
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Server  config.ServerConfig
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// Runs enables the webhook route, and the run lookup route when
	// Server.RunLookup is set. Processes that only work leave it nil and
	// serve the ops endpoints alone.
	Runs RunIntake

	HealthHandler  http.Handler
	ReadyHandler   http.Handler
	MetricsHandler http.Handler
	MetricsPath    string
}

// NewRouter creates a chi.Router with the middleware pipeline and all route
// registrations. Health, readiness and metrics skip CORS, the handler
// timeout and request logging.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)

	if deps.HealthHandler != nil {
		r.Method(http.MethodGet, "/healthz", deps.HealthHandler)
	}
	if deps.ReadyHandler != nil {
		r.Method(http.MethodGet, "/readyz", deps.ReadyHandler)
	}
	if deps.MetricsHandler != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.MetricsHandler)
	}

	if deps.Runs == nil {
		return r
	}

	r.Group(func(r chi.Router) {
		r.Use(CORS(deps.Server.CORS))
		r.Use(HandlerTimeout(deps.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		hooks := hookHandlers{runs: deps.Runs, metrics: deps.Metrics, logger: logger, maxBody: deps.Server.MaxBodyBytes}
		r.HandleFunc("/hooks/catch/{userId}/{workflowId}", hooks.catch)
		if deps.Server.RunLookup {
			r.Get("/runs/{runId}", hooks.getRun)
		}
	})

	return r
}
