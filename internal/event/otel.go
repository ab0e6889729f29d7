package event

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	otellog "go.opentelemetry.io/otel/log"
)

var severityOverrides = map[string]otellog.Severity{}

// SetSeverity overrides the OTel severity used for eventType. It must be
// called before buses start publishing.
func SetSeverity(eventType string, severity otellog.Severity) {
	severityOverrides[eventType] = severity
}

func severityForEvent(eventName string) (otellog.Severity, string) {
	severity, ok := severityOverrides[eventName]
	if !ok {
		return otellog.SeverityInfo, "info"
	}
	switch {
	case severity >= otellog.SeverityError:
		return severity, "error"
	case severity >= otellog.SeverityWarn:
		return severity, "warn"
	case severity >= otellog.SeverityInfo:
		return severity, "info"
	default:
		return severity, "debug"
	}
}

func (b *Bus[T]) emitOTelEvent(event T, eventType string) {
	if b.otelLogger == nil {
		return
	}
	if eventType == "" || eventType == "unknown" {
		return
	}

	severity, severityText := severityForEvent(eventType)
	ctx := context.Background()
	if !b.otelLogger.Enabled(ctx, otellog.EnabledParameters{Severity: severity, EventName: eventType}) {
		return
	}

	eventTime := time.Now().UTC()
	if typed, ok := any(event).(Event); ok && !typed.Timestamp().IsZero() {
		eventTime = typed.Timestamp()
	}
	body := eventType
	if described, ok := any(event).(Described); ok {
		if text := strings.TrimSpace(described.Description()); text != "" {
			body = text
		}
	}

	var record otellog.Record
	record.SetEventName(eventType)
	record.SetTimestamp(eventTime)
	record.SetObservedTimestamp(time.Now().UTC())
	record.SetSeverity(severity)
	record.SetSeverityText(severityText)
	record.SetBody(otellog.StringValue(body))
	record.AddAttributes(eventAttributes(event, eventType, b.name)...)
	b.otelLogger.Emit(ctx, record)
}

func eventAttributes[T any](event T, eventType, busName string) []otellog.KeyValue {
	attrs := []otellog.KeyValue{
		otellog.String("event.bus", busName),
		otellog.String("event.type", eventType),
		otellog.String("event.kind", fmt.Sprintf("%T", event)),
	}
	attributed, ok := any(event).(Attributed)
	if !ok {
		return attrs
	}
	values := attributed.Attributes()
	keys := make([]string, 0, len(values))
	for key := range values {
		if strings.TrimSpace(key) == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		attrs = append(attrs, otellog.String(key, values[key]))
	}
	return attrs
}
