package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	dashboardRoute       = "/api/dashboard"
	dashboardSpanName    = "GET " + dashboardRoute
	dashboardEventName   = "dashboard.request"
	dashboardEventDomain = "oikion.dashboard"
	observabilityEvent   = "observability.event"
	tracerName           = "oikion-live/api"
)

// dashboardRequestMetrics times one dashboard read and reports it as a
// structured log entry and a span event.
type dashboardRequestMetrics struct {
	logger          *log.Logger
	span            trace.Span
	start           time.Time
	authDuration    time.Duration
	computeDuration time.Duration
	encodeDuration  time.Duration
	page            int
	pageSize        int
	partial         bool
	activities      int
	errorStage      string
}

func newDashboardRequestMetrics(ctx context.Context, logger *log.Logger) (*dashboardRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, dashboardSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", dashboardRoute)),
	)
	return &dashboardRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}, spanCtx
}

func (m *dashboardRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *dashboardRequestMetrics) ObserveCompute(d time.Duration) {
	if d > 0 {
		m.computeDuration = d
	}
}

func (m *dashboardRequestMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDuration = d
	}
}

func (m *dashboardRequestMetrics) SetPage(page, size int) {
	m.page = page
	m.pageSize = size
}

func (m *dashboardRequestMetrics) SetResult(partial bool, activities int) {
	m.partial = partial
	m.activities = activities
}

func (m *dashboardRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// severityForStatus maps a response to an OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func (m *dashboardRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	total := time.Since(m.start)
	severityText, severityNumber := severityForStatus(status, err)

	attrs := []attribute.KeyValue{
		attribute.String("http.route", dashboardRoute),
		attribute.Int("http.status_code", status),
		attribute.Float64("oikion.dashboard.total_ms", durationToMillis(total)),
		attribute.Int("oikion.dashboard.page", m.page),
		attribute.Int("oikion.dashboard.page_size", m.pageSize),
		attribute.Bool("oikion.dashboard.partial", m.partial),
		attribute.Int("oikion.dashboard.activities_returned", m.activities),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("oikion.dashboard.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.computeDuration > 0 {
		attrs = append(attrs, attribute.Float64("oikion.dashboard.compute_ms", durationToMillis(m.computeDuration)))
	}
	if m.encodeDuration > 0 {
		attrs = append(attrs, attribute.Float64("oikion.dashboard.encode_ms", durationToMillis(m.encodeDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("oikion.dashboard.error_stage", m.errorStage))
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", dashboardEventName),
			attribute.String("event.domain", dashboardEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		}, attrs...)
		if err != nil {
			eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
		}
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
		if err != nil || status >= http.StatusInternalServerError {
			desc := http.StatusText(status)
			if err != nil {
				m.span.RecordError(err)
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	attributes := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attributes[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      dashboardEventName,
		"event.domain":    dashboardEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attributes,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info(observabilityEvent)
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
