package rpc

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fblgit/claudebench/internal/bus"
)

// handleEvents streams bus events as Server-Sent Events. Query params:
// types (comma-separated event types or domain prefixes like task.*) and
// heartbeat (seconds between keepalive frames).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var patterns []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				patterns = append(patterns, t)
			}
		}
	}
	heartbeat := s.opts.SSEHeartbeat
	if raw := r.URL.Query().Get("heartbeat"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			heartbeat = time.Duration(secs) * time.Second
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.bus.Subscribe(patterns...)
	defer sub.Close()

	connID := uuid.New().String()
	connected := bus.Event{
		ID:        connID,
		Type:      "connected",
		Payload:   map[string]any{"subscriptionId": connID, "types": patterns},
		Timestamp: time.Now(),
	}
	if frame, err := connected.SSEFormat(); err == nil {
		w.Write(frame)
		flusher.Flush()
	}
	slog.Info("[RPC] SSE subscriber connected", "id", connID, "types", patterns)

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("[RPC] SSE subscriber disconnected", "id", connID)
			return
		case ev, open := <-sub.C():
			if !open {
				return
			}
			frame, err := ev.SSEFormat()
			if err != nil {
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, "event: heartbeat\ndata: {\"ts\":%d}\n\n", time.Now().UnixMilli()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
