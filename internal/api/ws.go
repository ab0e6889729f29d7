package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bundlewatch/internal/logging"
	"bundlewatch/internal/otel"
	"bundlewatch/internal/watch"

	"github.com/gorilla/websocket"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsWriteTimeout    = 10 * time.Second
	wsConnectSpanName = "websocket.connect"
)

type wsError struct {
	Status    int
	CloseCode int
	Message   string
	Err       error
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if !validateToken(r, s.authToken) {
		writeWSError(w, r, s.logger, wsError{
			Status:    http.StatusUnauthorized,
			CloseCode: websocket.ClosePolicyViolation,
			Message:   "unauthorized",
		})
		return
	}
	if s.watcher == nil {
		writeWSError(w, r, s.logger, wsError{
			Status:  http.StatusServiceUnavailable,
			Message: "watcher unavailable",
		})
		return
	}

	backlog := s.replay(r)
	output, cancel := s.subscribe(r)
	defer cancel()

	conn, err := upgradeWebSocket(w, r, s.allowedOrigins)
	if err != nil {
		logWSError(s.logger, r, wsError{
			Status:  http.StatusBadRequest,
			Message: "websocket upgrade failed",
			Err:     err,
		})
		return
	}
	defer conn.Close()

	spanCtx, span := startWebSocketSpan(r, "/api/events",
		attribute.Int("bundlewatch.replay", len(backlog)),
	)
	defer span.End()

	for _, ev := range backlog {
		if err := writeWSEvent(conn, ev); err != nil {
			otel.RecordSpanError(spanCtx, err)
			return
		}
	}

	ctx, stop := context.WithCancel(spanCtx)
	defer stop()
	go func() {
		// Reads only detect the peer going away.
		defer stop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-output:
			if !ok {
				otel.RecordSpanEvent(spanCtx, "watcher.closed")
				deadline := time.Now().Add(wsWriteTimeout)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "watcher closed"), deadline)
				return
			}
			if err := writeWSEvent(conn, ev); err != nil {
				otel.RecordSpanError(spanCtx, err)
				return
			}
		}
	}
}

func writeWSEvent(conn *websocket.Conn, ev watch.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(ev)
}

func upgradeWebSocket(w http.ResponseWriter, r *http.Request, allowedOrigins []string) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, allowedOrigins)
		},
	}
	return upgrader.Upgrade(w, r, nil)
}

// writeWSError rejects a request before the upgrade.
func writeWSError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, wsErr wsError) {
	status := wsErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	reason := strings.TrimSpace(wsErr.Message)
	if reason == "" {
		reason = http.StatusText(status)
	}
	logWSError(logger, r, wsError{
		Status:    status,
		CloseCode: wsErr.CloseCode,
		Message:   reason,
		Err:       wsErr.Err,
	})
	http.Error(w, reason, status)
}

func logWSError(logger *logging.Logger, r *http.Request, wsErr wsError) {
	if logger == nil || r == nil {
		return
	}

	closeCode := wsErr.CloseCode
	if closeCode == 0 {
		closeCode = closeCodeForStatus(wsErr.Status)
	}

	fields := map[string]string{
		"path":       r.URL.Path,
		"status":     strconv.Itoa(wsErr.Status),
		"close_code": strconv.Itoa(closeCode),
		"message":    wsErr.Message,
	}
	if r.RemoteAddr != "" {
		fields["remote_addr"] = r.RemoteAddr
	}
	if wsErr.Err != nil {
		fields["error"] = wsErr.Err.Error()
	}

	if wsErr.Status >= http.StatusInternalServerError {
		logger.Error("websocket error", fields)
	} else {
		logger.Warn("websocket error", fields)
	}
}

func closeCodeForStatus(status int) int {
	switch {
	case status == http.StatusBadRequest:
		return websocket.CloseProtocolError
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return websocket.ClosePolicyViolation
	case status == http.StatusServiceUnavailable:
		return websocket.CloseTryAgainLater
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}

func startWebSocketSpan(r *http.Request, route string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx := otelapi.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	baseAttrs := append(streamSpanAttributes(r, route), attrs...)
	return otelapi.Tracer("bundlewatch/ws").Start(ctx, wsConnectSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(baseAttrs...),
	)
}

func streamSpanAttributes(r *http.Request, route string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("http.method", r.Method),
		attribute.String("http.target", sanitizeTarget(r)),
		attribute.String("http.route", route),
		attribute.String("user_agent", r.UserAgent()),
	}
}

// sanitizeTarget drops the token query parameter before it reaches a span.
func sanitizeTarget(r *http.Request) string {
	if r.URL == nil {
		return ""
	}
	copyURL := *r.URL
	query := copyURL.Query()
	query.Del("token")
	copyURL.RawQuery = query.Encode()
	return copyURL.RequestURI()
}
