// Package health implements the periodic and reactive health sweep that
// probes every configured backend and demotes stale-but-Healthy backends,
// per spec.md §4.5.
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/riverbend/rpc-gateway/internal/backend"
	"github.com/riverbend/rpc-gateway/internal/client"
	"github.com/riverbend/rpc-gateway/internal/jsonrpc"
	"github.com/riverbend/rpc-gateway/internal/metrics"
	"github.com/riverbend/rpc-gateway/internal/upstream"
)

// staleBlockThreshold is how many blocks behind the observed best block a
// Healthy backend can be before it is demoted to Degraded (spec.md §4.5).
const staleBlockThreshold = 10

// probeTimeout bounds a single eth_blockNumber probe, independent of the
// Upstream Manager's per-request timeout (spec.md §4.5).
const probeTimeout = 5 * time.Second

// Supervisor runs the periodic and reactive health sweep against a
// Manager's backends.
type Supervisor struct {
	manager    *upstream.Manager
	httpClient client.HTTPClient
	logger     *zap.Logger
	interval   time.Duration
}

func NewSupervisor(manager *upstream.Manager, httpClient client.HTTPClient, interval time.Duration, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		manager:    manager,
		httpClient: httpClient,
		interval:   interval,
		logger:     logger,
	}
}

// Run blocks, sweeping every interval and also immediately whenever the
// Manager's reactive signal fires, until ctx is cancelled. A sweep
// triggered reactively resets the periodic ticker so a Down transition
// right before a scheduled sweep doesn't produce two sweeps back to back.
func (s *Supervisor) Run(ctx context.Context) {
	s.logger.Info("Starting health supervisor.", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping health supervisor.")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.manager.Signal():
			s.logger.Debug("Reactive health signal received, sweeping early.")
			s.Sweep(ctx)
			ticker.Reset(s.interval)
		}
	}
}

// Sweep probes every backend once, computes the best observed block, and
// demotes any Healthy backend more than staleBlockThreshold behind it.
func (s *Supervisor) Sweep(ctx context.Context) {
	backends := s.manager.Backends()

	var bestBlock uint64

	for _, b := range backends {
		s.probe(ctx, b)

		if block, ok := b.Status.LatestBlock(); ok && block > bestBlock {
			bestBlock = block
		}
	}

	for _, b := range backends {
		if block, ok := b.Status.LatestBlock(); ok {
			metrics.SetBackendBlockHeight(b.Status.URL(), block)
		}

		if b.Status.State() != backend.Healthy {
			metrics.SetBackendState(b.Status.URL(), string(b.Status.State()))
			continue
		}

		block, ok := b.Status.LatestBlock()
		if !ok {
			metrics.SetBackendState(b.Status.URL(), string(b.Status.State()))
			continue
		}

		if bestBlock > block && bestBlock-block > staleBlockThreshold {
			s.logger.Warn("Backend is stale relative to its peers, demoting.",
				zap.String("url", b.Status.URL()),
				zap.Uint64("block", block),
				zap.Uint64("bestBlock", bestBlock))
			b.Status.Demote()
		}

		metrics.SetBackendState(b.Status.URL(), string(b.Status.State()))
	}
}

// probe issues a single eth_blockNumber request against b and records the
// outcome directly on its Status, bypassing the Upstream Manager's
// failover dispatch since each backend must be probed independently.
func (s *Supervisor) probe(ctx context.Context, b *upstream.Backend) {
	reqBody, err := json.Marshal(&jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		Method:  "eth_blockNumber",
		ID:      json.RawMessage(`1`),
	})
	if err != nil {
		b.Status.RecordError()
		metrics.RecordProbeError(b.Status.URL())
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(probeCtx, http.MethodPost, b.Status.URL(), bytes.NewReader(reqBody))
	if err != nil {
		s.logger.Error("Failed to build health probe request.", zap.String("url", b.Status.URL()), zap.Error(err))
		b.Status.RecordError()
		metrics.RecordProbeError(b.Status.URL())
		return
	}

	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		s.logger.Warn("Health probe failed.", zap.String("url", b.Status.URL()), zap.Error(err))
		b.Status.RecordError()
		metrics.RecordProbeError(b.Status.URL())
		return
	}
	defer httpResp.Body.Close()

	metrics.ObserveProbeLatency(b.Status.URL(), time.Since(start).Seconds())

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		s.logger.Warn("Health probe returned non-2xx.", zap.String("url", b.Status.URL()), zap.Int("status", httpResp.StatusCode))
		b.Status.RecordError()
		metrics.RecordProbeError(b.Status.URL())
		return
	}

	rawBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		b.Status.RecordError()
		metrics.RecordProbeError(b.Status.URL())
		return
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal(rawBody, &resp); err != nil {
		s.logger.Warn("Health probe response did not decode.", zap.String("url", b.Status.URL()), zap.Error(err))
		b.Status.RecordError()
		metrics.RecordProbeError(b.Status.URL())
		return
	}

	if resp.Error != nil {
		s.logger.Warn("Health probe returned a JSON-RPC error.", zap.String("url", b.Status.URL()), zap.Int("code", resp.Error.Code))
		b.Status.RecordError()
		metrics.RecordProbeError(b.Status.URL())
		return
	}

	var hexBlock string
	if err := json.Unmarshal(resp.Result, &hexBlock); err != nil {
		b.Status.RecordError()
		metrics.RecordProbeError(b.Status.URL())
		return
	}

	block, err := hexutil.DecodeUint64(hexBlock)
	if err != nil {
		s.logger.Warn("Health probe returned an undecodable block number.", zap.String("url", b.Status.URL()), zap.String("result", hexBlock), zap.Error(err))
		b.Status.RecordError()
		metrics.RecordProbeError(b.Status.URL())
		return
	}

	// Probe latency isn't meaningful for user-request pacing, so the EWMA
	// seed on a probe success uses 0 (spec.md §4.3).
	b.Status.RecordSuccess(0)
	b.Status.SetLatestBlock(block)
}
