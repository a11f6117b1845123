package consumer

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
	tracerName         = "notification-relay/consumer"
	messageSpanName    = "consumer.process_message"
	observabilityEvent = "observability.event"
	messageEventName   = "relay.message.processed"
	messageEventDomain = "notification-relay"
)

const (
	outcomeProcessed   = "processed"
	outcomeDuplicate   = "duplicate"
	outcomeMalformed   = "malformed"
	outcomeStoreFailed = "store_failed"
)

type messageMetrics struct {
	logger    *log.Logger
	span      trace.Span
	start     time.Time
	messageID string
	outcome   string
	action    string
	kind      string
	delivered int
	failed    int
	persist   time.Duration
}

func newMessageMetrics(ctx context.Context, logger *log.Logger, messageID string) (*messageMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, messageSpanName, trace.WithSpanKind(trace.SpanKindConsumer))
	return &messageMetrics{
		logger:    logger,
		span:      span,
		start:     time.Now(),
		messageID: messageID,
	}, spanCtx
}

func (m *messageMetrics) SetOutcome(outcome string) {
	m.outcome = outcome
}

func (m *messageMetrics) SetEvent(action, kind string) {
	m.action = action
	m.kind = kind
}

func (m *messageMetrics) ObservePersist(d time.Duration) {
	if d > 0 {
		m.persist = d
	}
}

func (m *messageMetrics) SetFanout(delivered, failed int) {
	m.delivered = delivered
	m.failed = failed
}

func severityForOutcome(outcome string, err error) (string, int) {
	switch {
	case outcome == outcomeStoreFailed || err != nil:
		return "ERROR", 17
	case outcome == outcomeMalformed:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func levelForSeverity(number int) log.Level {
	switch {
	case number >= 17:
		return log.ErrorLevel
	case number >= 13:
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

// End closes the span and writes the observability log entry for the message.
func (m *messageMetrics) End(err error) {
	if m == nil {
		return
	}
	severityText, severityNumber := severityForOutcome(m.outcome, err)

	attrs := []attribute.KeyValue{
		attribute.String("relay.message_id", m.messageID),
		attribute.String("relay.outcome", m.outcome),
		attribute.Float64("relay.total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.action != "" {
		attrs = append(attrs,
			attribute.String("relay.action", m.action),
			attribute.String("relay.kind", m.kind),
		)
	}
	if m.outcome == outcomeProcessed {
		attrs = append(attrs,
			attribute.Int("relay.deliveries", m.delivered),
			attribute.Int("relay.delivery_failures", m.failed),
		)
	}
	if m.persist > 0 {
		attrs = append(attrs, attribute.Float64("relay.persist_ms", durationToMillis(m.persist)))
	}

	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", messageEventName),
		attribute.String("event.domain", messageEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	}, attrs...)
	if err != nil {
		eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
	}

	m.span.SetAttributes(attrs...)
	m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
	if err != nil {
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	sc := m.span.SpanContext()
	m.span.End()

	if m.logger == nil {
		return
	}
	attributes := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attributes[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      messageEventName,
		"event.domain":    messageEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attributes,
	}
	if sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Log(levelForSeverity(severityNumber), observabilityEvent)
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
