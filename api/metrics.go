package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	viewSpanName    = "tasksync.view.request"
	viewEventName   = "view.request"
	viewEventDomain = "tasksync"
	tracerName      = "tasksync/api"
)

// viewRequestMetrics accumulates per-request timings for the merged-view
// endpoint and emits them once, as both a span and a structured log record.
type viewRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	authDuration   time.Duration
	viewDuration   time.Duration
	encodeDuration time.Duration
	kind           string
	entitiesCount  int
	errorStage     string
}

func newViewRequestMetrics(ctx context.Context, logger *log.Logger) (*viewRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, viewSpanName)
	return &viewRequestMetrics{logger: logger, span: span, start: time.Now()}, spanCtx
}

func (m *viewRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *viewRequestMetrics) ObserveView(d time.Duration) {
	if d > 0 {
		m.viewDuration = d
	}
}

func (m *viewRequestMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDuration = d
	}
}

func (m *viewRequestMetrics) SetKind(kind string) { m.kind = kind }

func (m *viewRequestMetrics) SetEntitiesReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.entitiesCount = count
}

func (m *viewRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log finalizes the span and writes one observability.event record. Safe to
// call exactly once, from a deferred handler epilogue.
func (m *viewRequestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	attrs := map[string]any{
		"http.route":             "/api/view",
		"tasksync.view.kind":     m.kind,
		"tasksync.view.entities": m.entitiesCount,
		"tasksync.view.total_ms": durationToMillis(time.Since(m.start)),
	}
	spanAttrs := []attribute.KeyValue{
		attribute.String("http.route", "/api/view"),
		attribute.Int("http.status_code", status),
		attribute.String("tasksync.view.kind", m.kind),
		attribute.Int("tasksync.view.entities", m.entitiesCount),
		attribute.Float64("tasksync.view.total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.authDuration > 0 {
		attrs["tasksync.view.auth_ms"] = durationToMillis(m.authDuration)
		spanAttrs = append(spanAttrs, attribute.Float64("tasksync.view.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.viewDuration > 0 {
		attrs["tasksync.view.fetch_ms"] = durationToMillis(m.viewDuration)
		spanAttrs = append(spanAttrs, attribute.Float64("tasksync.view.fetch_ms", durationToMillis(m.viewDuration)))
	}
	if m.encodeDuration > 0 {
		attrs["tasksync.view.encode_ms"] = durationToMillis(m.encodeDuration)
		spanAttrs = append(spanAttrs, attribute.Float64("tasksync.view.encode_ms", durationToMillis(m.encodeDuration)))
	}
	if m.errorStage != "" {
		attrs["tasksync.view.error_stage"] = m.errorStage
		spanAttrs = append(spanAttrs, attribute.String("tasksync.view.error_stage", m.errorStage))
	}

	if m.span != nil {
		m.span.SetAttributes(spanAttrs...)
		m.span.AddEvent(observabilityEventName)
		if err != nil || m.errorStage != "" {
			m.span.SetStatus(codes.Error, m.errorStage)
			if err != nil {
				m.span.RecordError(err)
			}
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	severityText, severityNumber := severityForStatus(status, err)
	fields := log.Fields{
		"event.name":      viewEventName,
		"event.domain":    viewEventDomain,
		"attributes":      attrs,
		"status":          status,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.span != nil {
		sc := m.span.SpanContext()
		if sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
		if sc.HasSpanID() {
			fields["span_id"] = sc.SpanID().String()
		}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info(observabilityEventName)
}

const observabilityEventName = "observability.event"

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= 500:
		return "ERROR", 17
	case status >= 400:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
