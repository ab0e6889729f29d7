package otel

import (
	"context"

	"bundlewatch/internal/logging"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// LoggerProcessor mirrors SDK log records into the process logger so event
// records show up in the local log buffer even without a collector.
type LoggerProcessor struct {
	logger *logging.Logger
}

func NewLoggerProcessor(logger *logging.Logger) *LoggerProcessor {
	return &LoggerProcessor{logger: logger.Component("otel")}
}

func (processor *LoggerProcessor) OnEmit(_ context.Context, record *sdklog.Record) error {
	if processor == nil || processor.logger == nil || record == nil {
		return nil
	}
	fields := make(map[string]string, record.AttributesLen()+1)
	record.WalkAttributes(func(kv otellog.KeyValue) bool {
		if kv.Key != "" {
			fields[kv.Key] = kv.Value.String()
		}
		return true
	})
	if name := record.EventName(); name != "" {
		fields["event.name"] = name
	}

	message := record.Body().String()
	if message == "" {
		message = record.EventName()
	}
	switch severity := record.Severity(); {
	case severity >= otellog.SeverityError:
		processor.logger.Error(message, fields)
	case severity >= otellog.SeverityWarn:
		processor.logger.Warn(message, fields)
	default:
		processor.logger.Debug(message, fields)
	}
	return nil
}

func (processor *LoggerProcessor) Shutdown(context.Context) error {
	return nil
}

func (processor *LoggerProcessor) ForceFlush(context.Context) error {
	return nil
}
