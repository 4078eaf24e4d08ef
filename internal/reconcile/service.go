package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/firewatch/internal/feed"
	"github.com/linnemanlabs/firewatch/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/firewatch/internal/reconcile")

// Source produces a decrypted feed snapshot. Implemented by feed.Client;
// tests inject fixtures.
type Source interface {
	FetchFeed(ctx context.Context) (*feed.Feed, error)
}

// Service is the business boundary for reconciliation runs: it owns the
// fetch-decrypt-normalize-reconcile pipeline, serializes concurrent
// triggers, and remembers the most recent run summary for the status
// endpoint.
type Service struct {
	source  Source
	engine  *Engine
	logger  log.Logger
	metrics *Metrics

	runMu  sync.Mutex // serializes whole runs; overlapping triggers queue up
	lastMu sync.RWMutex
	last   *Summary
}

// NewService creates a reconciliation service. metrics may be nil.
func NewService(source Source, engine *Engine, logger log.Logger, metrics *Metrics) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		source:  source,
		engine:  engine,
		logger:  logger,
		metrics: metrics,
	}
}

// Run executes one reconciliation run to completion. Runs are serialized:
// a second trigger arriving mid-run blocks until the first finishes, so
// two runs can never both observe the same incident as new. The returned
// Summary is also retained for Last.
func (s *Service) Run(ctx context.Context) (*Summary, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	ctx, span := tracer.Start(ctx, "reconcile.Run")
	defer span.End()

	sum := &Summary{
		RunID:     ulid.Make().String(),
		StartedAt: time.Now(),
	}
	span.SetAttributes(attribute.String("firewatch.run.id", sum.RunID))

	L := s.logger.With("run_id", sum.RunID)

	f, err := s.source.FetchFeed(ctx)
	if err != nil {
		return s.finish(ctx, span, L, sum, err)
	}

	incidents := incident.Normalize(f)
	sum.Total = len(incidents)
	if s.metrics != nil {
		s.metrics.FeedIncidents.Set(float64(len(incidents)))
	}

	if err := s.engine.Reconcile(ctx, incidents, sum); err != nil {
		return s.finish(ctx, span, L, sum, err)
	}

	return s.finish(ctx, span, L, sum, nil)
}

// Last returns a copy of the most recent run summary, or nil if no run
// has completed yet.
func (s *Service) Last() *Summary {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	return &cp
}

// RunEvery runs immediately and then on every tick until ctx is
// cancelled. Run failures are logged and do not stop the loop.
func (s *Service) RunEvery(ctx context.Context, interval time.Duration) {
	if _, err := s.Run(ctx); err != nil {
		s.logger.Error(ctx, err, "scheduled run failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil {
				s.logger.Error(ctx, err, "scheduled run failed")
			}
		}
	}
}

// finish stamps the summary, records metrics and the span status, stores
// the summary for the status endpoint, and logs the outcome.
func (s *Service) finish(ctx context.Context, span trace.Span, L log.Logger, sum *Summary, err error) (*Summary, error) {
	sum.FinishedAt = time.Now()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		sum.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if s.metrics != nil {
		s.metrics.RunsTotal.WithLabelValues(outcome).Inc()
		s.metrics.RunDuration.Observe(sum.FinishedAt.Sub(sum.StartedAt).Seconds())
		s.metrics.LastRunTime.Set(float64(sum.FinishedAt.Unix()))
	}

	s.lastMu.Lock()
	s.last = sum
	s.lastMu.Unlock()

	if err != nil {
		L.Error(ctx, err, "run failed",
			"duration", sum.FinishedAt.Sub(sum.StartedAt).Seconds(),
		)
		return sum, err
	}

	L.Info(ctx, "run complete",
		"duration", sum.FinishedAt.Sub(sum.StartedAt).Seconds(),
		"total", sum.Total,
		"tracked", sum.Tracked,
		"new", sum.New,
		"updated", sum.Updated,
		"closed", sum.Closed,
		"expired", sum.Expired,
		"pruned", sum.Pruned,
		"notify_failures", sum.NotifyFailures,
		"store_failures", sum.StoreFailures,
	)
	return sum, nil
}
