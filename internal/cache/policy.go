// Package cache implements the result cache: the cacheability/TTL policy,
// the bounded TTL store, and the single-flight in-flight registry.
package cache

import (
	"encoding/json"
	"time"

	"github.com/samber/lo"
)

const ImmutableTTL = 1 * time.Hour

// neverCacheMethods are writes, signing, admin, and tracing calls. Requests
// for these methods must bypass the store entirely and must never register
// an in-flight slot.
var neverCacheMethods = []string{
	"eth_sendRawTransaction",
	"eth_sendTransaction",
	"personal_sign",
	"personal_unlockAccount",
	"personal_sendTransaction",
	"admin_addPeer",
	"admin_removePeer",
	"miner_start",
	"miner_stop",
	"debug_traceTransaction",
}

// immutableMethods never change their answer once produced.
var immutableMethods = []string{
	"eth_getBlockByHash",
	"eth_getTransactionByHash",
	"eth_getTransactionReceipt",
	"eth_getTransactionByBlockHashAndIndex",
	"eth_getTransactionByBlockNumberAndIndex",
	"eth_getUncleByBlockHashAndIndex",
	"eth_getBlockTransactionCountByHash",
	"eth_getUncleCountByBlockHash",
	"net_version",
	"eth_chainId",
	"web3_clientVersion",
}

// Policy decides cacheability and TTL for a request, per spec.md §4.1.
// It is a pure function of method/params; it never inspects the response.
type Policy struct{}

func NewPolicy() *Policy {
	return &Policy{}
}

// ShouldCache reports whether method is ever eligible for the cache or the
// in-flight registry at all. Methods that fail this must bypass both.
func (p *Policy) ShouldCache(method string) bool {
	return !lo.Contains(neverCacheMethods, method)
}

// TTLFor returns the TTL to assign a cacheable response to method/params,
// falling back to defaultTTL when no special rule applies.
func (p *Policy) TTLFor(method string, params json.RawMessage, defaultTTL time.Duration) time.Duration {
	if lo.Contains(immutableMethods, method) {
		return ImmutableTTL
	}

	switch method {
	case "eth_getBlockByNumber":
		if isSpecificBlockNumber(params) {
			return ImmutableTTL
		}
	case "eth_getLogs":
		if hasBlockHashFilter(params) {
			return ImmutableTTL
		}
	}

	return defaultTTL
}

// isSpecificBlockNumber reports whether the first eth_getBlockByNumber
// parameter is a concrete "0x..." block number rather than a tag such as
// "latest", "pending", or "earliest".
func isSpecificBlockNumber(params json.RawMessage) bool {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil || len(args) == 0 {
		return false
	}

	var first string
	if err := json.Unmarshal(args[0], &first); err != nil {
		return false
	}

	if first == "latest" || first == "pending" || first == "earliest" {
		return false
	}

	return len(first) > 2 && first[0:2] == "0x"
}

// hasBlockHashFilter reports whether the first eth_getLogs parameter is a
// filter object containing a blockHash key.
func hasBlockHashFilter(params json.RawMessage) bool {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil || len(args) == 0 {
		return false
	}

	var filter map[string]json.RawMessage
	if err := json.Unmarshal(args[0], &filter); err != nil {
		return false
	}

	_, ok := filter["blockHash"]

	return ok
}
