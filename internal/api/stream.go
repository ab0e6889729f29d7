package api

import (
	"net/http"
	"strconv"
	"strings"

	"bundlewatch/internal/watch"

	"golang.org/x/time/rate"
)

const maxReplay = 256

// codeFilter narrows a stream to the event codes named in ?codes=a,b.
type codeFilter struct {
	enabled bool
	codes   map[watch.Code]struct{}
}

func newCodeFilter(values []string) codeFilter {
	parsed := make(map[watch.Code]struct{})
	for _, value := range values {
		for _, entry := range strings.Split(value, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			parsed[watch.Code(entry)] = struct{}{}
		}
	}
	if len(parsed) == 0 {
		return codeFilter{}
	}
	return codeFilter{enabled: true, codes: parsed}
}

func (filter codeFilter) Allows(code watch.Code) bool {
	if !filter.enabled {
		return true
	}
	_, ok := filter.codes[code]
	return ok
}

func (s *Server) newStreamLimiter() *rate.Limiter {
	if s.streamRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := s.streamBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.streamRate), burst)
}

// subscribe opens a filtered subscription for one stream connection. Change
// events beyond the connection's rate are dropped; lifecycle events always
// pass.
func (s *Server) subscribe(r *http.Request) (<-chan watch.Event, func()) {
	filter := newCodeFilter(r.URL.Query()["codes"])
	limiter := s.newStreamLimiter()
	return s.watcher.Emitter().SubscribeFiltered(func(ev watch.Event) bool {
		if !filter.Allows(ev.Code) {
			return false
		}
		if ev.Code == watch.CodeChange {
			return limiter.Allow()
		}
		return true
	})
}

// replay returns the history tail requested with ?replay=n, filtered like the
// live stream.
func (s *Server) replay(r *http.Request) []watch.Event {
	raw := strings.TrimSpace(r.URL.Query().Get("replay"))
	if raw == "" {
		return nil
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count <= 0 {
		return nil
	}
	if count > maxReplay {
		count = maxReplay
	}
	filter := newCodeFilter(r.URL.Query()["codes"])
	history := s.watcher.Emitter().History()
	selected := make([]watch.Event, 0, count)
	for i := len(history) - 1; i >= 0 && len(selected) < count; i-- {
		if filter.Allows(history[i].Code) {
			selected = append(selected, history[i])
		}
	}
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}
	return selected
}
