package sync

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope = "penpalsync/sync"

	spanFetch  = "sync.fetch"
	spanMutate = "sync.mutate"
	spanTick   = "sync.tick"

	metricFallbacks   = "penpalsync.sync.fetch.fallbacks"
	metricRowsWritten = "penpalsync.sync.rows.written"
	metricSkipped     = "penpalsync.sync.decode.skipped"
	metricRequeued    = "penpalsync.sync.requeued"
	metricRetried     = "penpalsync.sync.retried"
	metricEvicted     = "penpalsync.sync.evicted"
)

// instruments holds the OTel handles shared by coordinators and the engine.
// Every field is non-nil (no-op when telemetry is disabled).
type instruments struct {
	tracer      trace.Tracer
	fallbacks   metric.Int64Counter
	rowsWritten metric.Int64Counter
	skipped     metric.Int64Counter
	requeued    metric.Int64Counter
	retried     metric.Int64Counter
	evicted     metric.Int64Counter
}

func newInstruments(logger *slog.Logger) instruments {
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return instruments{
		tracer:      otel.Tracer(otelScope),
		fallbacks:   mustCounter(metricFallbacks, "Fetches answered from the cache after a transient remote failure"),
		rowsWritten: mustCounter(metricRowsWritten, "Rows written to the local cache from remote data"),
		skipped:     mustCounter(metricSkipped, "Remote documents or cache rows skipped as malformed"),
		requeued:    mustCounter(metricRequeued, "Local mutations kept over an older remote version and re-queued"),
		retried:     mustCounter(metricRetried, "Unsynced entities re-issued by the retry pass"),
		evicted:     mustCounter(metricEvicted, "Cache rows purged by TTL eviction"),
	}
}
