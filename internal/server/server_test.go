package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/preflight/internal/config"
	"github.com/mbd888/preflight/internal/preflight"
	"github.com/mbd888/preflight/internal/snapshots"
	"github.com/mbd888/preflight/internal/solrpc"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeNode answers every call successfully.
type fakeNode struct {
	lamports uint64
}

func (f *fakeNode) SimulateTransaction(context.Context, string, string) (*solrpc.SimulateResult, error) {
	return &solrpc.SimulateResult{Accounts: []*solrpc.Account{{Lamports: f.lamports}}}, nil
}

func (f *fakeNode) GetLatestBlockhash(context.Context) (*solrpc.Blockhash, error) {
	return &solrpc.Blockhash{Blockhash: "11111111111111111111111111111111", LastValidBlockHeight: 1}, nil
}

func (f *fakeNode) GetRecentPrioritizationFees(context.Context) ([]solrpc.PrioritizationFee, error) {
	return []solrpc.PrioritizationFee{{Slot: 1, PrioritizationFee: 5000}}, nil
}

func (f *fakeNode) Close() {}

func fakeDialer(lamports uint64) solrpc.Dialer {
	return func(context.Context, string) (solrpc.API, error) {
		return &fakeNode{lamports: lamports}, nil
	}
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                    "0",
		Env:                     "test",
		LogLevel:                "error",
		LogFormat:               "text",
		RPCPrimaryURL:           "http://rpc.test",
		Network:                 "devnet",
		MinSOLBuffer:            0.01,
		FeeSpikeMultiplier:      3,
		RPCErrorRateMax:         0.03,
		RPCP95MsMax:             1200,
		TrendRatioThreshold:     3,
		WorkerInterval:          time.Minute,
		SnapshotStaleMultiplier: 3,
		RateLimitRPM:            1000,
		InternalSecret:          "secret",
		CORSAllowedOrigins:      []string{"*"},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDialer(fakeDialer(2_000_000_000)),
		WithDrainDelay(0),
	}
	s, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	return s
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func systemTransfer(payer byte) string {
	var key [32]byte
	for i := range key {
		key[i] = payer
	}
	out := []byte{1}
	out = append(out, make([]byte, 64)...)
	out = append(out, 1, 0, 1, 2)
	out = append(out, key[:]...)
	out = append(out, solana.SystemProgramID[:]...)
	out = append(out, make([]byte, 32)...)
	out = append(out, 1, 1, 0, 0)
	return base64.StdEncoding.EncodeToString(out)
}

func TestNew_SelectsMemoryStore(t *testing.T) {
	s := newTestServer(t, testConfig())
	assert.Equal(t, "memory", s.storeName)
	assert.Nil(t, s.db)
}

func TestNew_SelectsSQLiteStore(t *testing.T) {
	cfg := testConfig()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "data", "preflight.db")

	s := newTestServer(t, cfg)
	t.Cleanup(func() { _ = s.closeStore() })

	assert.Equal(t, "sqlite", s.storeName)
	assert.NotNil(t, s.db)
	assert.NoError(t, s.ping(context.Background()))
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := get(s, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status, "worker has not run")
	assert.Equal(t, "memory", resp.Store)
	require.Len(t, resp.Checks, 4)
	assert.True(t, resp.Checks[0].Healthy)
	assert.Equal(t, "worker", resp.Checks[1].Name)
	assert.Equal(t, "no snapshot yet", resp.Checks[2].Detail)
	assert.Equal(t, "rpc_circuits", resp.Checks[3].Name)
	assert.True(t, resp.Checks[3].Healthy)

	assert.Equal(t, http.StatusOK, get(s, "/health/live").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(s, "/health/ready").Code)

	s.ready.Store(true)
	assert.Equal(t, http.StatusOK, get(s, "/health/ready").Code)
}

func TestMiddleware_RequestIDAndHeaders(t *testing.T) {
	s := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/demo/sample", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = get(s, "/demo/sample")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestNoRoute(t *testing.T) {
	s := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	req.Header.Set("X-Request-ID", "trace-me")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":{"code":"not_found","message":"Route not found","trace_id":"trace-me"}}`, w.Body.String())
}

func TestPreflightEndToEnd(t *testing.T) {
	s := newTestServer(t, testConfig())

	snap, err := s.Worker().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, snap.RPCErrorRate1m)

	w := get(s, "/solana/status")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := `{"tx_base64":"` + systemTransfer(4) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/tx/preflight", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res preflight.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 0, res.RiskScore)
	assert.False(t, res.Partial)
	require.Len(t, res.Flags, 5)
	assert.False(t, res.Flags[0].Skipped, "simulation answered")
	assert.False(t, res.Flags[3].Skipped, "fresh snapshot available")

	w = get(s, "/tx/preflight/"+res.RequestID)
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(s, "/health")
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Checks[2].Healthy, "snapshot now fresh")
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPM = 2
	s := newTestServer(t, cfg)

	assert.Equal(t, http.StatusOK, get(s, "/demo/sample").Code)
	assert.Equal(t, http.StatusOK, get(s, "/demo/sample").Code)

	w := get(s, "/demo/sample")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), `"retry_after":60`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := snapshots.NewMemoryStore()
	s := newTestServer(t, testConfig(), WithStore(store))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.ready.Load() && store.Len() > 0 },
		5*time.Second, 10*time.Millisecond, "server ready and first snapshot written")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, s.ready.Load())
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://user:hunter2@db:5432/preflight")
	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "user:")
	assert.Contains(t, masked, "@db:5432/preflight")
	assert.Equal(t, "***", maskDSN("://bad"))
}

func TestThresholdsFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.ProgramBlacklist = []string{"Bad1111"}
	th := thresholds(cfg)
	assert.Equal(t, 0.01, th.MinSOLBuffer)
	assert.Equal(t, []string{"Bad1111"}, th.ProgramBlacklist)
}
