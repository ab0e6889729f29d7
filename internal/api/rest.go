package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"bundlewatch/internal/logging"
	"bundlewatch/internal/metrics"
	"bundlewatch/internal/version"
	"bundlewatch/internal/watch"
)

const recentLogLimit = 20

type statusResponse struct {
	Running      bool               `json:"running"`
	Pending      bool               `json:"pending"`
	Closed       bool               `json:"closed"`
	WatchedPaths []string           `json:"watched_paths"`
	Version      version.Info       `json:"version"`
	Metrics      metrics.Snapshot   `json:"metrics"`
	RecentLogs   []logging.LogEntry `json:"recent_logs,omitempty"`
	ServerTime   time.Time          `json:"server_time"`
}

type invalidateResponse struct {
	Accepted bool `json:"accepted"`
}

func (s *Server) requireWatcher() *apiError {
	if s.watcher == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "watcher unavailable"}
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	if err := s.requireWatcher(); err != nil {
		return err
	}

	watched := s.watcher.WatchedPaths()
	if watched == nil {
		watched = []string{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Running:      s.watcher.Running(),
		Pending:      s.watcher.Pending(),
		Closed:       s.watcher.Emitter().Closed(),
		WatchedPaths: watched,
		Version:      version.Get(),
		Metrics:      s.registry.Snapshot(),
		RecentLogs:   s.logger.Buffer().Recent(recentLogLimit, logging.LevelWarning),
		ServerTime:   time.Now().UTC(),
	})
	return nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	if err := s.requireWatcher(); err != nil {
		return err
	}

	history := s.watcher.Emitter().History()
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return &apiError{Status: http.StatusBadRequest, Message: "limit must be a non-negative integer"}
		}
		if limit > 0 && len(history) > limit {
			history = history[len(history)-limit:]
		}
	}
	if history == nil {
		history = []watch.Event{}
	}
	writeJSON(w, http.StatusOK, history)
	return nil
}

// handleInvalidate queues a rebuild. The build runs in the background; the
// outcome arrives on the event streams.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, "POST")
	}
	if err := s.requireWatcher(); err != nil {
		return err
	}
	if s.watcher.Emitter().Closed() {
		return &apiError{Status: http.StatusConflict, Message: "watcher closed"}
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.watcher.Invalidate(s.ctx); err != nil {
			s.logger.Warn("rebuild request failed", map[string]string{
				"error": err.Error(),
			})
		}
	}()
	writeJSON(w, http.StatusAccepted, invalidateResponse{Accepted: true})
	return nil
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !validateToken(r, s.authToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := s.registry.WritePrometheus(w); err != nil {
		s.logger.Warn("metrics write failed", map[string]string{
			"error": err.Error(),
		})
	}
}
