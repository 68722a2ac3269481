package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/riverbend/rpc-gateway/internal/cache"
	"github.com/riverbend/rpc-gateway/internal/jsonrpc"
	"github.com/riverbend/rpc-gateway/internal/upstream"
)

// countingHTTPClient counts calls across all URLs and optionally delays each
// response, to exercise single-flight coalescing under concurrency.
type countingHTTPClient struct {
	mu     sync.Mutex
	calls  int32
	body   string
	status int
	delay  time.Duration
}

func (c *countingHTTPClient) Do(req *http.Request) (*http.Response, error) {
	atomic.AddInt32(&c.calls, 1)

	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	status := c.status
	if status == 0 {
		status = http.StatusOK
	}

	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(c.body)),
	}, nil
}

func newDispatcher(client *countingHTTPClient, urls []string, maxEntries int) *Dispatcher {
	manager := upstream.NewManager(urls, client, zap.NewNop())
	store := cache.NewStore(maxEntries)
	inflight := cache.NewInFlightRegistry()
	policy := cache.NewPolicy()

	return NewDispatcher(store, inflight, policy, manager, 2*time.Second, zap.NewNop())
}

func TestHandleSingleRequestInvalid(t *testing.T) {
	d := newDispatcher(&countingHTTPClient{}, []string{"http://a"}, 10)

	req := &jsonrpc.Request{Method: "eth_blockNumber", ID: json.RawMessage(`1`)}
	resp := d.HandleSingleRequest(context.Background(), req)

	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.InvalidRequestCode, resp.Error.Code)
	assert.Equal(t, json.RawMessage(`1`), resp.ID)
}

func TestHandleSingleRequestCachesAndRestoresID(t *testing.T) {
	client := &countingHTTPClient{body: `{"jsonrpc":"2.0","id":1,"result":"0x1"}`}
	d := newDispatcher(client, []string{"http://a"}, 10)

	req1 := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "eth_chainId", ID: json.RawMessage(`1`)}
	resp1 := d.HandleSingleRequest(context.Background(), req1)
	require.Nil(t, resp1.Error)
	assert.Equal(t, json.RawMessage(`1`), resp1.ID)

	req2 := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "eth_chainId", ID: json.RawMessage(`2`)}
	resp2 := d.HandleSingleRequest(context.Background(), req2)
	require.Nil(t, resp2.Error)
	assert.Equal(t, json.RawMessage(`2`), resp2.ID)
	assert.Equal(t, resp1.Result, resp2.Result)

	assert.EqualValues(t, 1, client.calls, "second identical request must be served from cache")
}

func TestHandleSingleRequestNeverCacheBypassesStoreAndInflight(t *testing.T) {
	client := &countingHTTPClient{body: `{"jsonrpc":"2.0","id":1,"result":null}`}
	d := newDispatcher(client, []string{"http://a"}, 10)

	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "eth_sendRawTransaction", Params: json.RawMessage(`["0xdead"]`), ID: json.RawMessage(`1`)}

	d.HandleSingleRequest(context.Background(), req)
	d.HandleSingleRequest(context.Background(), req)

	assert.EqualValues(t, 2, client.calls, "never-cache methods must hit upstream every time")
}

func TestHandleSingleRequestUpstreamErrorDoesNotCache(t *testing.T) {
	client := &countingHTTPClient{status: http.StatusInternalServerError}
	d := newDispatcher(client, []string{"http://a"}, 10)

	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "eth_chainId", ID: json.RawMessage(`1`)}
	resp := d.HandleSingleRequest(context.Background(), req)

	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.InternalErrorCode, resp.Error.Code)
	assert.Equal(t, 0, d.store.Len(), "a failed upstream call must not be cached")
}

func TestHandleSingleRequestUpstreamJSONRPCErrorNotCached(t *testing.T) {
	client := &countingHTTPClient{body: `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"nope"}}`}
	d := newDispatcher(client, []string{"http://a"}, 10)

	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "eth_chainId", ID: json.RawMessage(`1`)}

	resp1 := d.HandleSingleRequest(context.Background(), req)
	require.NotNil(t, resp1.Error)

	resp2 := d.HandleSingleRequest(context.Background(), req)
	require.NotNil(t, resp2.Error)

	assert.EqualValues(t, 2, client.calls, "upstream JSON-RPC errors must not be cached")
}

func TestHandleBatchPreservesOrder(t *testing.T) {
	client := &countingHTTPClient{body: `{"jsonrpc":"2.0","id":1,"result":"0x1"}`}
	d := newDispatcher(client, []string{"http://a"}, 10)

	reqs := []jsonrpc.Request{
		{JSONRPC: jsonrpc.Version, Method: "eth_chainId", ID: json.RawMessage(`1`)},
		{JSONRPC: jsonrpc.Version, Method: "eth_chainId", ID: json.RawMessage(`2`)},
		{JSONRPC: jsonrpc.Version, Method: "eth_chainId", ID: json.RawMessage(`3`)},
	}

	resps := d.HandleBatch(context.Background(), reqs)

	require.Len(t, resps, 3)
	assert.Equal(t, json.RawMessage(`1`), resps[0].ID)
	assert.Equal(t, json.RawMessage(`2`), resps[1].ID)
	assert.Equal(t, json.RawMessage(`3`), resps[2].ID)
}

func TestHandleBodyParseFailureReturnsParseError(t *testing.T) {
	d := newDispatcher(&countingHTTPClient{}, []string{"http://a"}, 10)

	result := d.HandleBody(context.Background(), []byte("not json"))

	resp, ok := result.(*jsonrpc.Response)
	require.True(t, ok)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ParseErrorCode, resp.Error.Code)
	assert.Equal(t, json.RawMessage("null"), resp.ID)
}

func TestHandleBodySingleVsBatch(t *testing.T) {
	client := &countingHTTPClient{body: `{"jsonrpc":"2.0","id":1,"result":"0x1"}`}
	d := newDispatcher(client, []string{"http://a"}, 10)

	single := d.HandleBody(context.Background(), []byte(`{"jsonrpc":"2.0","method":"eth_chainId","id":1}`))
	_, isResp := single.(*jsonrpc.Response)
	assert.True(t, isResp)

	batch := d.HandleBody(context.Background(), []byte(`[{"jsonrpc":"2.0","method":"eth_chainId","id":1}]`))
	_, isSlice := batch.([]*jsonrpc.Response)
	assert.True(t, isSlice)
}

func TestSingleFlightCoalescesConcurrentIdenticalRequests(t *testing.T) {
	client := &countingHTTPClient{body: `{"jsonrpc":"2.0","id":1,"result":"0x1"}`, delay: 50 * time.Millisecond}
	d := newDispatcher(client, []string{"http://a"}, 10)

	var wg sync.WaitGroup

	results := make([]*jsonrpc.Response, 5)

	for i := 0; i < 5; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "eth_chainId", ID: json.RawMessage(fmt.Sprintf("%d", i+1))}
			results[i] = d.HandleSingleRequest(context.Background(), req)
		}(i)
	}

	wg.Wait()

	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, json.RawMessage(`"0x1"`), r.Result)
	}

	assert.EqualValues(t, 1, client.calls, "concurrent identical requests must coalesce into one upstream call")
}
