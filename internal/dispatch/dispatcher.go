// Package dispatch implements the request dispatcher: the glue that drives
// the cache, the single-flight coalescer, and the Upstream Manager for each
// incoming request, per spec.md §4.6.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/riverbend/rpc-gateway/internal/cache"
	"github.com/riverbend/rpc-gateway/internal/jsonrpc"
	"github.com/riverbend/rpc-gateway/internal/metrics"
	"github.com/riverbend/rpc-gateway/internal/upstream"
)

// Dispatcher wires together the cache policy, the bounded store, the
// in-flight registry, and the Upstream Manager.
type Dispatcher struct {
	store      *cache.Store
	inflight   *cache.InFlightRegistry
	policy     *cache.Policy
	manager    *upstream.Manager
	defaultTTL time.Duration
	logger     *zap.Logger
}

func NewDispatcher(store *cache.Store, inflight *cache.InFlightRegistry, policy *cache.Policy, manager *upstream.Manager, defaultTTL time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:      store,
		inflight:   inflight,
		policy:     policy,
		manager:    manager,
		defaultTTL: defaultTTL,
		logger:     logger,
	}
}

// HandleSingleRequest implements spec.md §4.6's per-request algorithm:
// validity check, cache lookup, in-flight subscription, upstream dispatch,
// and cache publish — always returning a response with id restored to the
// caller's original id.
func (d *Dispatcher) HandleSingleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	originalID := req.ID

	if !req.IsValid() {
		return jsonrpc.NewErrorResponse(originalID, jsonrpc.InvalidRequestCode, "Invalid request")
	}

	key := jsonrpc.Fingerprint(req.Method, req.Params)
	cacheable := d.policy.ShouldCache(req.Method)

	if cacheable {
		if hit := d.store.Get(key); hit != nil {
			metrics.RecordCacheHit()
			return hit.WithID(originalID)
		}

		if wait, ok := d.inflight.Subscribe(key); ok {
			if resp := wait(); resp != nil {
				metrics.RecordCacheHit()
				return resp.WithID(originalID)
			}
			// Owner failed; fall through and issue our own upstream call.
		}

		metrics.RecordCacheMiss()
	}

	var sender *cache.Sender
	if cacheable {
		sender = d.inflight.Register(key)
	}

	resp, err := d.manager.SendRequest(ctx, req)
	if err != nil {
		d.logger.Warn("All upstreams failed for request.", zap.String("method", req.Method), zap.Error(err))

		if sender != nil {
			d.inflight.Remove(key)
		}

		return jsonrpc.NewErrorResponse(originalID, jsonrpc.InternalErrorCode, "Internal error")
	}

	resp = resp.WithID(originalID)

	if cacheable && resp.Error == nil {
		ttl := d.policy.TTLFor(req.Method, req.Params, d.defaultTTL)
		d.store.Insert(key, resp, ttl)
		metrics.SetCacheEntries(d.store.Len())

		if sender != nil {
			sender.Publish(resp)
			d.inflight.Remove(key)
		}
	} else if sender != nil {
		d.inflight.Remove(key)
	}

	return resp
}

// HandleBatch evaluates each request in reqs in order and returns responses
// in the same order (spec.md §4.6). Independent elements are fanned out
// concurrently since nothing in the spec requires serial execution, but
// results are collected back into input order.
func (d *Dispatcher) HandleBatch(ctx context.Context, reqs []jsonrpc.Request) []*jsonrpc.Response {
	responses := make([]*jsonrpc.Response, len(reqs))

	type result struct {
		index int
		resp  *jsonrpc.Response
	}

	results := make(chan result, len(reqs))

	for i := range reqs {
		go func(i int, req jsonrpc.Request) {
			results <- result{index: i, resp: d.HandleSingleRequest(ctx, &req)}
		}(i, reqs[i])
	}

	for range reqs {
		r := <-results
		responses[r.index] = r.resp
	}

	return responses
}

// HandleBody parses raw JSON-RPC request bytes and dispatches to
// HandleSingleRequest or HandleBatch as appropriate. A body that fails to
// parse at all produces a single parse-error response with id=null, per
// spec.md §4.6.
func (d *Dispatcher) HandleBody(ctx context.Context, raw []byte) any {
	body, err := jsonrpc.DecodeBody(raw)
	if err != nil {
		d.logger.Debug("Failed to decode request body.", zap.Error(err))
		return jsonrpc.NewErrorResponse(json.RawMessage("null"), jsonrpc.ParseErrorCode, "Parse error")
	}

	if body.IsBatch() {
		return d.HandleBatch(ctx, body.Batch)
	}

	return d.HandleSingleRequest(ctx, body.Single)
}
