// Package rpc is the HTTP surface: JSON-RPC 2.0 dispatch, the SSE event
// stream, health, and Prometheus metrics.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fblgit/claudebench/internal/bus"
	"github.com/fblgit/claudebench/internal/registry"
)

// Options configures the server.
type Options struct {
	Port         string
	SSEHeartbeat time.Duration
	MaxBatch     int
}

// Server routes transport requests onto the registry and the bus.
type Server struct {
	registry *registry.Registry
	bus      *bus.Bus
	opts     Options

	http *http.Server
}

func NewServer(reg *registry.Registry, b *bus.Bus, opts Options) *Server {
	if opts.Port == "" {
		opts.Port = "8080"
	}
	if opts.SSEHeartbeat <= 0 {
		opts.SSEHeartbeat = 15 * time.Second
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 50
	}
	return &Server{registry: reg, bus: b, opts: opts}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Actor")
			if req.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.HandleFunc("/rpc", s.handleRPC).Methods("POST")
	r.HandleFunc("/events", s.handleEvents).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              ":" + s.opts.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("[RPC] Listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, errorResponse(nil, registry.Errorf(registry.KindInvalidInput, "unreadable body")))
		return
	}
	actor := r.Header.Get("X-Actor")

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		s.handleBatch(w, r, trimmed, actor)
		return
	}

	var req request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		writeJSON(w, response{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeParse, Message: "parse error"},
		})
		return
	}
	resp, notification := s.dispatch(r.Context(), req, actor)
	if notification {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, body []byte, actor string) {
	var reqs []request
	if err := json.Unmarshal(body, &reqs); err != nil || len(reqs) == 0 {
		writeJSON(w, response{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeInvalidRequest, Message: "invalid batch"},
		})
		return
	}
	if len(reqs) > s.opts.MaxBatch {
		writeJSON(w, response{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeInvalidRequest, Message: "batch too large"},
		})
		return
	}
	out := make([]response, 0, len(reqs))
	for _, req := range reqs {
		resp, notification := s.dispatch(r.Context(), req, actor)
		if !notification {
			out = append(out, resp)
		}
	}
	if len(out) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, out)
}

// dispatch runs one request. Requests without an id are notifications and
// produce no response.
func (s *Server) dispatch(ctx context.Context, req request, actor string) (response, bool) {
	notification := len(req.ID) == 0 || string(req.ID) == "null"

	if req.JSONRPC != "2.0" || req.Method == "" {
		return response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: codeInvalidRequest, Message: "invalid request"},
		}, notification
	}

	result, err := s.registry.Dispatch(ctx, req.Method, req.Params, actor)
	if err != nil {
		return errorResponse(req.ID, err), notification
	}
	return response{JSONRPC: "2.0", Result: result, ID: req.ID}, notification
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out, err := s.registry.Dispatch(r.Context(), "system.health", nil, "health-probe")
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]any{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[RPC] Response write failed", "error", err)
	}
}
