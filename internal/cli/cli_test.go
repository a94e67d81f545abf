package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/preflight/internal/config"
	"github.com/mbd888/preflight/internal/preflight"
	"github.com/mbd888/preflight/internal/server"
	"github.com/mbd888/preflight/internal/solrpc"
)

type fakeNode struct{}

func (fakeNode) SimulateTransaction(context.Context, string, string) (*solrpc.SimulateResult, error) {
	return &solrpc.SimulateResult{Accounts: []*solrpc.Account{{Lamports: 2_000_000_000}}}, nil
}

func (fakeNode) GetLatestBlockhash(context.Context) (*solrpc.Blockhash, error) {
	return &solrpc.Blockhash{Blockhash: "11111111111111111111111111111111", LastValidBlockHeight: 1}, nil
}

func (fakeNode) GetRecentPrioritizationFees(context.Context) ([]solrpc.PrioritizationFee, error) {
	return []solrpc.PrioritizationFee{{Slot: 1, PrioritizationFee: 5000}}, nil
}

func (fakeNode) Close() {}

func testConfig(sqlitePath string) *config.Config {
	return &config.Config{
		Port:                    "0",
		Env:                     "test",
		LogLevel:                "error",
		LogFormat:               "text",
		SQLitePath:              sqlitePath,
		RPCPrimaryURL:           "http://rpc.test",
		Network:                 "devnet",
		MinSOLBuffer:            0.01,
		FeeSpikeMultiplier:      3,
		RPCErrorRateMax:         0.03,
		RPCP95MsMax:             1200,
		TrendRatioThreshold:     3,
		WorkerInterval:          time.Minute,
		SnapshotStaleMultiplier: 3,
	}
}

func testOpener(cfg *config.Config, _ *slog.Logger) (*server.Server, error) {
	return server.New(cfg,
		server.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		server.WithDialer(func(context.Context, string) (solrpc.API, error) { return fakeNode{}, nil }),
		server.WithDrainDelay(0),
	)
}

// run executes preflightctl with args and returns stdout.
func run(t *testing.T, cfg *config.Config, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCmd(
		WithIO(strings.NewReader(stdin), &out, &errOut),
		WithConfig(func() (*config.Config, error) { return cfg, nil }),
		WithOpener(testOpener),
	)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func transferTx() string {
	var key [32]byte
	for i := range key {
		key[i] = 7
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

func TestSampleJSON(t *testing.T) {
	out, err := run(t, testConfig(""), "", "sample", "--format", "json")
	require.NoError(t, err)

	var res preflight.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 55, res.RiskScore)
	assert.Len(t, res.Flags, 5)
}

func TestSampleText(t *testing.T) {
	out, err := run(t, testConfig(""), "", "sample")
	require.NoError(t, err)
	assert.Contains(t, out, "risk_score:  55")
	assert.Contains(t, out, "RPC_DEGRADATION")
	assert.Contains(t, out, "TRIGGERED")
}

func TestUnknownFormat(t *testing.T) {
	_, err := run(t, testConfig(""), "", "sample", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}

func TestVersion(t *testing.T) {
	out, err := run(t, testConfig(""), "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "preflightctl dev")
	assert.Contains(t, out, "api "+server.Version)
}

func TestEvaluateFromArg(t *testing.T) {
	out, err := run(t, testConfig(""), "", "evaluate", transferTx(), "-f", "json")
	require.NoError(t, err)

	var res preflight.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.NotEmpty(t, res.RequestID)
	assert.Len(t, res.Flags, 5)
	assert.False(t, res.Flags[0].Skipped, "simulation answered")
}

func TestEvaluateFromStdinAndFile(t *testing.T) {
	tx := transferTx()

	out, err := run(t, testConfig(""), tx+"\n", "evaluate")
	require.NoError(t, err)
	assert.Contains(t, out, "risk_score:")

	path := filepath.Join(t.TempDir(), "tx.b64")
	require.NoError(t, os.WriteFile(path, []byte(tx), 0o600))
	out, err = run(t, testConfig(""), "", "evaluate", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "RULE")
}

func TestEvaluateRejectsBadInput(t *testing.T) {
	_, err := run(t, testConfig(""), "", "evaluate", "not base64!!")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tx_base64")

	_, err = run(t, testConfig(""), "", "evaluate", "   ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is required")

	_, err = run(t, testConfig(""), "", "evaluate", base64.StdEncoding.EncodeToString([]byte{1, 2, 3}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid transaction")
}

func TestStatusWithoutSnapshot(t *testing.T) {
	_, err := run(t, testConfig(""), "", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no network health data")
}

func TestProbeEvaluateShowAgainstSQLite(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "preflight.db"))

	out, err := run(t, cfg, "", "probe", "-f", "json")
	require.NoError(t, err)
	var st preflight.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 1.0, st.RPCOkRate1m)

	out, err = run(t, cfg, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "rpc_error_rate_1m:  0")

	out, err = run(t, cfg, "", "evaluate", transferTx(), "-f", "json")
	require.NoError(t, err)
	var res preflight.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Flags[3].Skipped, "snapshot written by probe is fresh")

	out, err = run(t, cfg, "", "show", res.RequestID)
	require.NoError(t, err)
	assert.Contains(t, out, "run_id:      "+res.RequestID)
	assert.Contains(t, out, "payer:")
}

func TestShowErrors(t *testing.T) {
	_, err := run(t, testConfig(""), "", "show", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a UUID")

	_, err = run(t, testConfig(""), "", "show", "9b2f8c1e-0000-4000-8000-000000000000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
