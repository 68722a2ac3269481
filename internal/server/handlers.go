package server

import (
	"io"
	"net/http"

	"github.com/riverbend/rpc-gateway/internal/backend"
)

const maxRequestBodyBytes = 5 << 20 // 5 MiB

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
}

// BackendItem is the wire shape of one entry in a status/readiness
// response's backends array, per spec.md §6.
type BackendItem struct {
	LatestBlock   *uint64 `json:"latest_block"`
	URL           string  `json:"url"`
	State         string  `json:"state"`
	Priority      int     `json:"priority"`
	LatencyMS     float64 `json:"latency_ms"`
	TotalRequests uint64  `json:"total_requests"`
	TotalErrors   uint64  `json:"total_errors"`
	UptimeSecs    float64 `json:"uptime_secs"`
}

func (s *Server) backendItems() []BackendItem {
	backends := s.manager.Backends()
	items := make([]BackendItem, 0, len(backends))

	for _, b := range backends {
		snap := b.Status.Snapshot()
		items = append(items, BackendItem{
			URL:           snap.URL,
			Priority:      snap.Priority,
			State:         string(snap.State),
			LatencyMS:     snap.AvgLatencyMS,
			LatestBlock:   snap.LatestBlock,
			TotalRequests: snap.TotalRequests,
			TotalErrors:   snap.TotalErrors,
			UptimeSecs:    snap.UptimeSecs,
		})
	}

	return items
}

// isServing reports the condition shared by /health and /readiness:
// at least one backend is Healthy and has reported a latest_block.
func (s *Server) isServing() bool {
	for _, b := range s.manager.Backends() {
		if b.Status.State() != backend.Healthy {
			continue
		}

		if _, ok := b.Status.LatestBlock(); ok {
			return true
		}
	}

	return false
}

// handleHealth serves GET /health, unauthenticated, per spec.md §6.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.isServing() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("unavailable"))
}

type readinessResponse struct {
	Status   string        `json:"status"`
	Backends []BackendItem `json:"backends"`
}

// handleReadiness serves GET /readiness, per spec.md §6.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	resp := readinessResponse{Backends: s.backendItems()}

	if s.isServing() {
		resp.Status = "ok"
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Status = "unavailable"
	s.writeJSON(w, http.StatusServiceUnavailable, resp)
}

type statusResponse struct {
	HealthyBackends int           `json:"healthy_backends"`
	TotalBackends   int           `json:"total_backends"`
	CacheEntries    int           `json:"cache_entries"`
	Backends        []BackendItem `json:"backends"`
}

// handleStatus serves GET /status, always 200, per spec.md §6.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	items := s.backendItems()

	healthy := 0
	for _, item := range items {
		if item.State == string(backend.Healthy) {
			healthy++
		}
	}

	resp := statusResponse{
		HealthyBackends: healthy,
		TotalBackends:   len(items),
		CacheEntries:    s.store.Len(),
		Backends:        items,
	}

	s.writeJSON(w, http.StatusOK, resp)
}
