// Package analytics records product events (swipe blocked, offline consume,
// ...) as OpenTelemetry log records. With telemetry disabled the global
// logger provider is a no-op and events are only visible at debug level in
// the structured log.
package analytics

import (
	"context"
	"log/slog"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

const otelScope = "penpalsync/analytics"

// Event names.
const (
	SwipeBlocked        = "swipe_blocked"
	SwipeOfflineConsume = "swipe_offline_consume"
	QuotaGranted        = "quota_granted"
	SessionLogout       = "session_logout"
)

// Recorder emits analytics events.
type Recorder struct {
	logger otellog.Logger
	log    *slog.Logger
	now    func() time.Time
}

// New returns a Recorder using the global OTel logger provider.
func New(logger *slog.Logger) *Recorder {
	return NewWithProvider(global.GetLoggerProvider(), logger)
}

// NewWithProvider returns a Recorder emitting through p.
func NewWithProvider(p otellog.LoggerProvider, logger *slog.Logger) *Recorder {
	return &Recorder{
		logger: p.Logger(otelScope),
		log:    logger,
		now:    time.Now,
	}
}

// Log emits event with attrs.
func (r *Recorder) Log(ctx context.Context, event string, attrs ...otellog.KeyValue) {
	var rec otellog.Record
	rec.SetTimestamp(r.now())
	rec.SetEventName(event)
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetSeverityText("INFO")
	rec.SetBody(otellog.StringValue(event))
	rec.AddAttributes(attrs...)
	r.logger.Emit(ctx, rec)

	r.log.Debug("analytics event", "event", event, "attrs", len(attrs))
}
