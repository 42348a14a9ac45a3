// Package server exposes the runtime over HTTP: an SSE streaming turn
// endpoint, approval submission, read-only conversation inspection, health,
// and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/loom/internal/mcp"
	"github.com/haasonsaas/loom/internal/runtime"
)

// Options configures the HTTP server.
type Options struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// MCP, when set, contributes server status to /healthz.
	MCP *mcp.Manager
}

// Server serves the runtime's HTTP surface. The orchestrator sits behind an
// atomic pointer so config reloads can swap in a rebuilt one between
// requests.
type Server struct {
	orch   atomic.Pointer[runtime.Orchestrator]
	mcpMgr *mcp.Manager
	logger *slog.Logger
	addr   string

	httpServer *http.Server
	listener   net.Listener
}

// New creates a server around an orchestrator.
func New(orch *runtime.Orchestrator, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	addr := opts.Addr
	if addr == "" {
		addr = ":8080"
	}
	s := &Server{
		mcpMgr: opts.MCP,
		logger: logger.With("component", "server"),
		addr:   addr,
	}
	s.orch.Store(orch)
	return s
}

// SwapOrchestrator replaces the orchestrator. In-flight turns finish on the
// old one; new requests see the replacement.
func (s *Server) SwapOrchestrator(orch *runtime.Orchestrator) {
	s.orch.Store(orch)
}

func (s *Server) runtime() *runtime.Orchestrator {
	return s.orch.Load()
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /v1/turns", s.handleTurn)
	mux.HandleFunc("POST /v1/approvals", s.handleApproval)
	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)

	return mux
}

// Start begins serving in the background. It returns once the listener is
// bound.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	s.listener = nil
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.mcpMgr != nil {
		resp["mcp"] = s.mcpMgr.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}
