package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bundlewatch/internal/logging"
	"bundlewatch/internal/otel"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultSSEHeartbeatInterval = 15 * time.Second
	defaultSSERetryInterval     = 5 * time.Second
	sseConnectSpanName          = "sse.connect"
)

var errSSENoFlusher = errors.New("sse response writer does not support flushing")

type sseError struct {
	Status  int
	Message string
	Err     error
}

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
}

// handleEventsSSE streams lifecycle events, one SSE event per watch event
// named after its code.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	if !validateToken(r, s.authToken) {
		writeSSEHTTPError(w, r, s.logger, sseError{
			Status:  http.StatusUnauthorized,
			Message: "unauthorized",
		})
		return
	}
	if s.watcher == nil {
		writeSSEHTTPError(w, r, s.logger, sseError{
			Status:  http.StatusServiceUnavailable,
			Message: "watcher unavailable",
		})
		return
	}

	ctx := otelapi.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := otelapi.Tracer("bundlewatch/sse").Start(ctx, sseConnectSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(streamSpanAttributes(r, "/api/events/stream")...),
	)
	defer span.End()
	r = r.WithContext(ctx)

	backlog := s.replay(r)
	output, cancel := s.subscribe(r)
	defer cancel()
	span.SetAttributes(attribute.Int("bundlewatch.replay", len(backlog)))

	writer, err := startSSEWriter(w)
	if err != nil {
		writeSSEHTTPError(w, r, s.logger, sseError{
			Status:  http.StatusInternalServerError,
			Message: "sse stream unavailable",
			Err:     err,
		})
		return
	}
	if err := writer.WriteRetry(defaultSSERetryInterval); err != nil {
		return
	}
	for _, ev := range backlog {
		if err := writer.WriteEvent(string(ev.Code), ev); err != nil {
			otel.RecordSpanError(ctx, err)
			return
		}
	}

	heartbeat := time.NewTicker(defaultSSEHeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := writer.WriteComment("ping"); err != nil {
				return
			}
		case ev, ok := <-output:
			if !ok {
				otel.RecordSpanEvent(ctx, "watcher.closed")
				return
			}
			if err := writer.WriteEvent(string(ev.Code), ev); err != nil {
				otel.RecordSpanError(ctx, err)
				return
			}
		}
	}
}

func startSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errSSENoFlusher
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", cacheControlNoStore)
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher.Flush()
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (writer *sseWriter) WriteRetry(retry time.Duration) error {
	if retry <= 0 {
		return nil
	}
	if _, err := io.WriteString(writer.writer, "retry: "+strconv.FormatInt(retry.Milliseconds(), 10)+"\n\n"); err != nil {
		return err
	}
	writer.flusher.Flush()
	return nil
}

func (writer *sseWriter) WriteComment(comment string) error {
	if _, err := io.WriteString(writer.writer, ": "+strings.TrimSpace(comment)+"\n\n"); err != nil {
		return err
	}
	writer.flusher.Flush()
	return nil
}

func (writer *sseWriter) WriteEvent(eventName string, payload any) error {
	if eventName != "" {
		if _, err := io.WriteString(writer.writer, "event: "+eventName+"\n"); err != nil {
			return err
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := writeSSEData(writer.writer, data); err != nil {
		return err
	}
	writer.flusher.Flush()
	return nil
}

func writeSSEData(writer io.Writer, data []byte) error {
	if len(data) == 0 {
		_, err := io.WriteString(writer, "data:\n\n")
		return err
	}

	for _, line := range bytes.Split(data, []byte("\n")) {
		if _, err := io.WriteString(writer, "data: "); err != nil {
			return err
		}
		if _, err := writer.Write(line); err != nil {
			return err
		}
		if _, err := io.WriteString(writer, "\n"); err != nil {
			return err
		}
	}
	_, err := io.WriteString(writer, "\n")
	return err
}

func writeSSEHTTPError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, sseErr sseError) {
	status := sseErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	reason := strings.TrimSpace(sseErr.Message)
	if reason == "" {
		reason = http.StatusText(status)
	}

	fields := map[string]string{
		"path":    r.URL.Path,
		"status":  strconv.Itoa(status),
		"message": reason,
	}
	if r.RemoteAddr != "" {
		fields["remote_addr"] = r.RemoteAddr
	}
	if sseErr.Err != nil {
		fields["error"] = sseErr.Err.Error()
	}
	if status >= http.StatusInternalServerError {
		logger.Error("sse error", fields)
	} else {
		logger.Warn("sse error", fields)
	}

	http.Error(w, reason, status)
}
