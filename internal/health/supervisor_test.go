package health

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/riverbend/rpc-gateway/internal/backend"
	"github.com/riverbend/rpc-gateway/internal/upstream"
)

type scriptedHTTPClient struct {
	mu        sync.Mutex
	responses map[string]string
	statuses  map[string]int
}

func newScriptedHTTPClient() *scriptedHTTPClient {
	return &scriptedHTTPClient{
		responses: make(map[string]string),
		statuses:  make(map[string]int),
	}
}

func (c *scriptedHTTPClient) set(url, body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[url] = body
	c.statuses[url] = http.StatusOK
}

func (c *scriptedHTTPClient) fail(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[url] = http.StatusInternalServerError
}

func (c *scriptedHTTPClient) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	url := req.URL.String()
	status := c.statuses[url]
	if status == 0 {
		status = http.StatusOK
	}

	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(c.responses[url])),
	}, nil
}

func TestSweepRecordsBlockNumberAndSuccess(t *testing.T) {
	fc := newScriptedHTTPClient()
	fc.set("http://a", `{"jsonrpc":"2.0","id":1,"result":"0x64"}`)

	m := upstream.NewManager([]string{"http://a"}, fc, zap.NewNop())
	s := NewSupervisor(m, fc, time.Hour, zap.NewNop())

	s.Sweep(context.Background())

	block, ok := m.Backends()[0].Status.LatestBlock()
	require.True(t, ok)
	assert.EqualValues(t, 100, block)
	assert.Equal(t, backend.Healthy, m.Backends()[0].Status.State())
}

func TestSweepDemotesStaleHealthyBackend(t *testing.T) {
	fc := newScriptedHTTPClient()
	fc.set("http://fresh", `{"jsonrpc":"2.0","id":1,"result":"0x64"}`)  // 100
	fc.set("http://stale", `{"jsonrpc":"2.0","id":1,"result":"0x1"}`) // 1, 99 behind

	m := upstream.NewManager([]string{"http://fresh", "http://stale"}, fc, zap.NewNop())
	s := NewSupervisor(m, fc, time.Hour, zap.NewNop())

	s.Sweep(context.Background())

	assert.Equal(t, backend.Healthy, m.Backends()[0].Status.State())
	assert.Equal(t, backend.Degraded, m.Backends()[1].Status.State())
}

func TestSweepDoesNotDemoteWithinThreshold(t *testing.T) {
	fc := newScriptedHTTPClient()
	fc.set("http://a", `{"jsonrpc":"2.0","id":1,"result":"0x64"}`) // 100
	fc.set("http://b", `{"jsonrpc":"2.0","id":1,"result":"0x5c"}`) // 92, 8 behind

	m := upstream.NewManager([]string{"http://a", "http://b"}, fc, zap.NewNop())
	s := NewSupervisor(m, fc, time.Hour, zap.NewNop())

	s.Sweep(context.Background())

	assert.Equal(t, backend.Healthy, m.Backends()[0].Status.State())
	assert.Equal(t, backend.Healthy, m.Backends()[1].Status.State())
}

func TestSweepRecordsErrorOnProbeFailure(t *testing.T) {
	fc := newScriptedHTTPClient()
	fc.fail("http://a")

	m := upstream.NewManager([]string{"http://a"}, fc, zap.NewNop())
	s := NewSupervisor(m, fc, time.Hour, zap.NewNop())

	s.Sweep(context.Background())

	assert.Equal(t, backend.Degraded, m.Backends()[0].Status.State())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	fc := newScriptedHTTPClient()
	fc.set("http://a", `{"jsonrpc":"2.0","id":1,"result":"0x1"}`)

	m := upstream.NewManager([]string{"http://a"}, fc, zap.NewNop())
	s := NewSupervisor(m, fc, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
