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
	tracerName        = "billing-pipeline/api"
	eventsSpanName    = "api.events.submit"
	eventsEventName   = "events.request.metrics"
	eventsEventDomain = "billing"
	eventsRoute       = "/api/events"
)

// eventRequestMetrics tracks the hot submission path: one span per request
// plus an observability.event log record correlated by trace id.
type eventRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	authDuration     time.Duration
	decodeDuration   time.Duration
	enqueueDuration  time.Duration
	dedupKeyProvided bool
	fieldChanges     int
	duplicate        bool
	errorStage       string
}

func newEventRequestMetrics(ctx context.Context, logger *log.Logger) (*eventRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, eventsSpanName,
		trace.WithSpanKind(trace.SpanKindServer))
	return &eventRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}, spanCtx
}

func (m *eventRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *eventRequestMetrics) ObserveDecode(d time.Duration) {
	if d > 0 {
		m.decodeDuration = d
	}
}

func (m *eventRequestMetrics) ObserveEnqueue(d time.Duration) {
	if d > 0 {
		m.enqueueDuration = d
	}
}

func (m *eventRequestMetrics) SetDedupKeyProvided(provided bool) {
	m.dedupKeyProvided = provided
}

func (m *eventRequestMetrics) SetFieldChanges(count int) {
	if count < 0 {
		count = 0
	}
	m.fieldChanges = count
}

func (m *eventRequestMetrics) SetDuplicate(duplicate bool) {
	m.duplicate = duplicate
}

func (m *eventRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log ends the span and emits the correlated log record. Call exactly once
// per request, after the response status is known.
func (m *eventRequestMetrics) Log(status int, err error) {
	if m == nil || m.span == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("http.route", eventsRoute),
		attribute.Int("http.status_code", status),
		attribute.Float64("billing.events.total_ms", durationToMillis(time.Since(m.start))),
		attribute.Bool("billing.events.dedup_key_provided", m.dedupKeyProvided),
		attribute.Int("billing.events.field_changes", m.fieldChanges),
		attribute.Bool("billing.events.duplicate", m.duplicate),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("billing.events.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.decodeDuration > 0 {
		attrs = append(attrs, attribute.Float64("billing.events.decode_ms", durationToMillis(m.decodeDuration)))
	}
	if m.enqueueDuration > 0 {
		attrs = append(attrs, attribute.Float64("billing.events.enqueue_ms", durationToMillis(m.enqueueDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("billing.events.error_stage", m.errorStage))
	}

	m.span.SetAttributes(attrs...)
	m.span.AddEvent("observability.event", trace.WithAttributes(attrs...))
	if err != nil || status >= 500 {
		m.span.SetStatus(codes.Error, m.errorStage)
		if err != nil {
			m.span.RecordError(err)
		}
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	spanCtx := m.span.SpanContext()
	m.span.End()

	if m.logger == nil {
		return
	}
	severityText, severityNumber := severityForStatus(status, err)
	attrMap := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attrMap[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      eventsEventName,
		"event.domain":    eventsEventDomain,
		"attributes":      attrMap,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if spanCtx.HasTraceID() {
		fields["trace_id"] = spanCtx.TraceID().String()
	}
	if spanCtx.HasSpanID() {
		fields["span_id"] = spanCtx.SpanID().String()
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info("observability.event")
}

// severityForStatus maps the response outcome to log record severity,
// following the OpenTelemetry severity number scale.
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
