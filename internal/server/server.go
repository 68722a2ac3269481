// Package server implements the ingress HTTP router: JSON-RPC POST routes,
// the bearer-token authorization gate, and the health/readiness/status
// management endpoints (spec.md §6). These are explicitly out of the
// spec's hard-engineering core but are carried as the ambient ingress
// layer, grounded on the teacher's web_server.go/router.go.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/riverbend/rpc-gateway/internal/cache"
	"github.com/riverbend/rpc-gateway/internal/dispatch"
	"github.com/riverbend/rpc-gateway/internal/jsonrpc"
	"github.com/riverbend/rpc-gateway/internal/metrics"
	"github.com/riverbend/rpc-gateway/internal/upstream"
)

const defaultReadHeaderTimeout = 10 * time.Second

// Server is the ingress HTTP server: it owns the mux and delegates all
// JSON-RPC work to a Dispatcher and all status reporting to an
// upstream.Manager and cache.Store.
type Server struct {
	httpServer *http.Server
	dispatcher *dispatch.Dispatcher
	manager    *upstream.Manager
	store      *cache.Store
	authToken  string
	logger     *zap.Logger
}

func NewServer(port int, dispatcher *dispatch.Dispatcher, manager *upstream.Manager, store *cache.Store, authToken string, logger *zap.Logger) *Server {
	s := &Server{
		dispatcher: dispatcher,
		manager:    manager,
		store:      store,
		authToken:  authToken,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.handleRoot)
	mux.HandleFunc("POST /{token}", s.handleTokenPath)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.requireAuth(s.handleReadiness))
	mux.HandleFunc("GET /status", s.requireAuth(s.handleStatus))

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           metrics.InstrumentHandler(mux),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}

	return s
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleRoot serves POST / only when no token is configured, per spec.md §6.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if s.authToken != "" {
		s.writeUnauthorized(w)
		return
	}

	s.handleRPC(w, r)
}

// handleTokenPath serves POST /<token> only when the path segment matches
// the configured token, per spec.md §6.
func (s *Server) handleTokenPath(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if s.authToken == "" || token != s.authToken {
		s.writeUnauthorized(w)
		return
	}

	s.handleRPC(w, r)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.logger.Warn("Failed to read request body.", zap.Error(err))
		s.writeJSON(w, http.StatusOK, jsonrpc.NewErrorResponse(json.RawMessage("null"), jsonrpc.ParseErrorCode, "Parse error"))
		return
	}

	result := s.dispatcher.HandleBody(r.Context(), body)

	// HTTP status is always 200 for any well-formed JSON-RPC answer
	// (spec.md §4.6), including per-request errors.
	s.writeJSON(w, http.StatusOK, result)
}

// writeUnauthorized returns HTTP 401 with a JSON-RPC error body whose id
// is null, per spec.md §6.
func (s *Server) writeUnauthorized(w http.ResponseWriter) {
	resp := jsonrpc.NewErrorResponse(json.RawMessage("null"), jsonrpc.UnauthorizedCode, "Unauthorized")
	s.writeJSON(w, http.StatusUnauthorized, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to write response body.", zap.Error(err))
	}
}
