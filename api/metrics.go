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
	commandsRoute       = "/api/progress/commands"
	commandsSpanName    = "progress.commands.request"
	commandsEventName   = "progress-commands-request"
	commandsEventDomain = "worklenz.progress"
	tracerName          = "worklenz-progress/api"
)

type commandRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	decodeDuration time.Duration
	handleDuration time.Duration
	encodeDuration time.Duration
	commandCount   int
	duplicateCount int
	errorStage     string
}

func newCommandRequestMetrics(ctx context.Context, logger *log.Logger) (*commandRequestMetrics, context.Context) {
	tracer := otel.GetTracerProvider().Tracer(tracerName)
	spanCtx, span := tracer.Start(ctx, commandsSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &commandRequestMetrics{logger: logger, span: span, start: time.Now()}, spanCtx
}

func (m *commandRequestMetrics) ObserveDecode(d time.Duration) {
	if d <= 0 {
		return
	}
	m.decodeDuration = d
}

func (m *commandRequestMetrics) ObserveHandle(d time.Duration) {
	if d <= 0 {
		return
	}
	m.handleDuration = d
}

func (m *commandRequestMetrics) ObserveEncode(d time.Duration) {
	if d <= 0 {
		return
	}
	m.encodeDuration = d
}

func (m *commandRequestMetrics) SetCommandCount(n int) {
	if n < 0 {
		n = 0
	}
	m.commandCount = n
}

func (m *commandRequestMetrics) SetDuplicateCount(n int) {
	if n < 0 {
		n = 0
	}
	m.duplicateCount = n
}

func (m *commandRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log finishes the request span and emits a single observability event
// carrying the request's timings and counters.
func (m *commandRequestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("http.route", commandsRoute),
		attribute.Float64("worklenz.progress.total_ms", durationToMillis(time.Since(m.start))),
		attribute.Int("worklenz.progress.commands", m.commandCount),
		attribute.Int("worklenz.progress.duplicates", m.duplicateCount),
	}
	if m.decodeDuration > 0 {
		attrs = append(attrs, attribute.Float64("worklenz.progress.decode_ms", durationToMillis(m.decodeDuration)))
	}
	if m.handleDuration > 0 {
		attrs = append(attrs, attribute.Float64("worklenz.progress.handle_ms", durationToMillis(m.handleDuration)))
	}
	if m.encodeDuration > 0 {
		attrs = append(attrs, attribute.Float64("worklenz.progress.encode_ms", durationToMillis(m.encodeDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("worklenz.progress.error_stage", m.errorStage))
	}

	severityText, severityNumber := severityForStatus(status, err)

	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", commandsEventName),
		attribute.String("event.domain", commandsEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	}, attrs...)
	if err != nil {
		eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
	}

	if m.span != nil {
		m.span.SetAttributes(append(attrs, attribute.Int("http.status_code", status))...)
		m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))
		if err != nil || status >= 500 {
			desc := "request failed"
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
	}

	attrMap := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attrMap[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      commandsEventName,
		"event.domain":    commandsEventDomain,
		"attributes":      attrMap,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
	}
	if err != nil {
		fields["error.message"] = err.Error()
	}

	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error("observability.event")
	case "WARN":
		entry.Warn("observability.event")
	default:
		entry.Info("observability.event")
	}

	if m.span != nil {
		m.span.End()
	}
}

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
