// Package runapi exposes the operational HTTP surface: a manual run
// trigger and the last-run status report.
package runapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/firewatch/internal/reconcile"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// RunService defines the business operations runapi needs.
type RunService interface {
	Run(ctx context.Context) (*reconcile.Summary, error)
	Last() *reconcile.Summary
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    RunService
}

// New creates a new API handler.
func New(logger log.Logger, svc RunService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("run service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/run", a.handleTriggerRun)
		r.Get("/status", a.handleGetStatus)
	})
}

// handleTriggerRun executes one reconciliation run synchronously and
// returns its summary. A concurrent scheduled run makes the trigger wait
// its turn; the run still happens.
func (a *API) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	sum, err := a.svc.Run(r.Context())

	span := trace.SpanFromContext(r.Context())
	if sum != nil {
		span.SetAttributes(attribute.String("firewatch.run.id", sum.RunID))
	}

	if err != nil {
		a.logger.Error(r.Context(), err, "manual run failed")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(sum)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sum)
}

// handleGetStatus reports the most recent run summary, completed or failed.
func (a *API) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	sum := a.svc.Last()
	if sum == nil {
		http.Error(w, `{"error":"no runs yet"}`, http.StatusNotFound)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("firewatch.run.id", sum.RunID))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sum)
}
