// Package upstream implements priority-ordered multi-backend dispatch with
// failover, last-resort retry, and the reactive health signal, per spec.md §4.4.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/riverbend/rpc-gateway/internal/backend"
	"github.com/riverbend/rpc-gateway/internal/client"
	"github.com/riverbend/rpc-gateway/internal/jsonrpc"
	"github.com/riverbend/rpc-gateway/internal/metrics"
)

// ErrAllUpstreamsFailed is returned when every backend, including the
// last-resort retry, failed to serve a request.
var ErrAllUpstreamsFailed = errors.New("all upstreams failed")

// Backend wraps a single backend's Status record. The URL dispatch uses is
// stored on Status itself as an immutable field, so it can be read without
// holding the lock across the network call (spec.md §5).
type Backend struct {
	Status *backend.Status
}

// Manager dispatches requests across configured backends in priority order,
// tracks their health, and emits a reactive signal on every Down
// transition.
type Manager struct {
	httpClient client.HTTPClient
	backends   []*Backend
	signal     chan struct{}
	logger     *zap.Logger
}

// NewManager builds a Manager for the given ordered backend URLs (index 0 is
// highest priority) with the given HTTP client, which should already be
// configured with the shared idle-connection pool and request timeout
// (spec.md §5).
func NewManager(urls []string, httpClient client.HTTPClient, logger *zap.Logger) *Manager {
	backends := make([]*Backend, 0, len(urls))
	for i, url := range urls {
		backends = append(backends, &Backend{Status: backend.NewStatus(url, i)})
	}

	return &Manager{
		httpClient: httpClient,
		backends:   backends,
		// Unbuffered so a send only succeeds when a waiter is actively
		// receiving; emitSignal's non-blocking select makes this edge-triggered
		// and coalescing (spec.md §4.5's Design Notes).
		signal: make(chan struct{}),
		logger: logger,
	}
}

// Backends returns the manager's backend records in configured priority order.
func (m *Manager) Backends() []*Backend {
	return m.backends
}

// Signal returns the channel the Health Supervisor listens on to be woken
// immediately after any backend transitions to Down.
func (m *Manager) Signal() <-chan struct{} {
	return m.signal
}

// emitSignal performs a non-blocking, coalescing send: if nobody is
// currently receiving, the signal is simply dropped since a sweep resulting
// from this transition (or a later one) will happen anyway once a listener
// is ready.
func (m *Manager) emitSignal() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// SendRequest dispatches req across non-Down backends in priority order,
// failing over on transport error, non-2xx, or undecodable body. If every
// non-Down backend fails, it makes one last-resort attempt against the
// first configured backend regardless of its state (spec.md §4.4).
func (m *Manager) SendRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if len(m.backends) == 0 {
		return nil, ErrAllUpstreamsFailed
	}

	for _, b := range m.backends {
		if b.Status.IsDown() {
			continue
		}

		if resp, err := m.attempt(ctx, b, req); err == nil {
			return resp, nil
		}
	}

	// Last-resort retry always targets the first configured backend, not
	// the most-recently-healthy one — the primary is the operator's chosen
	// canonical source (spec.md §9, an intentional, preserved design choice).
	primary := m.backends[0]

	resp, err := m.attempt(ctx, primary, req)
	if err != nil {
		return nil, ErrAllUpstreamsFailed
	}

	return resp, nil
}

// attempt performs a single HTTP round trip to b and records the outcome on
// its Status, emitting the reactive signal exactly once if this attempt is
// what pushes it from not-Down into Down.
func (m *Manager) attempt(ctx context.Context, b *Backend, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	wasDown := b.Status.IsDown()
	url := b.Status.URL()

	metrics.RecordUpstreamRequest(url, req.Method)

	body, err := json.Marshal(req)
	if err != nil {
		b.Status.RecordError()
		metrics.RecordUpstreamError(url, req.Method)
		m.maybeEmitSignal(b, wasDown)
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		b.Status.RecordError()
		metrics.RecordUpstreamError(url, req.Method)
		m.maybeEmitSignal(b, wasDown)
		return nil, fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()

	httpResp, err := m.httpClient.Do(httpReq)
	if err != nil {
		m.logger.Warn("Upstream request failed.", zap.String("url", url), zap.Error(err))
		b.Status.RecordError()
		metrics.RecordUpstreamError(url, req.Method)
		m.maybeEmitSignal(b, wasDown)

		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer httpResp.Body.Close()

	latencyMS := float64(time.Since(start).Microseconds()) / 1000.0
	metrics.ObserveUpstreamLatency(url, latencyMS/1000.0)

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		m.logger.Warn("Upstream returned non-2xx.", zap.String("url", url), zap.Int("status", httpResp.StatusCode))
		b.Status.RecordError()
		metrics.RecordUpstreamError(url, req.Method)
		m.maybeEmitSignal(b, wasDown)

		return nil, fmt.Errorf("upstream http status %d", httpResp.StatusCode)
	}

	rawBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		b.Status.RecordError()
		metrics.RecordUpstreamError(url, req.Method)
		m.maybeEmitSignal(b, wasDown)

		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal(rawBody, &resp); err != nil {
		m.logger.Warn("Upstream response did not decode.", zap.String("url", url), zap.Error(err))
		b.Status.RecordError()
		metrics.RecordUpstreamError(url, req.Method)
		m.maybeEmitSignal(b, wasDown)

		return nil, fmt.Errorf("decode upstream response: %w", err)
	}

	b.Status.RecordSuccess(latencyMS)
	metrics.SetBackendState(url, string(b.Status.State()))

	return &resp, nil
}

func (m *Manager) maybeEmitSignal(b *Backend, wasDown bool) {
	metrics.SetBackendState(b.Status.URL(), string(b.Status.State()))

	if !wasDown && b.Status.IsDown() {
		m.emitSignal()
	}
}
