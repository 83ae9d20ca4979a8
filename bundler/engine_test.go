package bundler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/chainio/signer"
	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/core/testutil"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

type fixture struct {
	chain  *testutil.FakeChain
	engine *Engine
	srv    *echo.Echo
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	key, err := signer.ParsePrivateKey(testutil.BundlerKeyHex)
	require.NoError(t, err)

	cfg := &config.Config{
		Environment:       sdklogging.Development,
		Logger:            testutil.GetLogger(),
		BundlerPrivateKey: key,
		Beneficiary:       testutil.Beneficiary,
		EntryPoints:       []common.Address{testutil.EntryPoint},
		DebugRpc:          true,
		Mempool:           config.DefaultMempoolConfig(),
		Reputation:        config.DefaultReputationConfig(),
		Bundle:            config.DefaultBundleConfig(),
		Execution:         config.DefaultExecutionConfig(),
		Events:            config.DefaultEventsConfig(),
	}
	cfg.Execution.Mode = "manual"
	cfg.Bundle.ReceiptPollInterval = 10 * time.Millisecond
	cfg.Bundle.ReceiptTimeout = time.Second
	cfg.Events.ConfirmationDepth = 0
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()

	chain := testutil.NewFakeChain()
	engine, err := NewEngine(cfg, Deps{
		Client:  chain,
		ChainID: testutil.ChainID,
		DB:      testutil.TestMustDB(),
	})
	require.NoError(t, err)

	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { _ = engine.Stop() })

	return &fixture{
		chain:  chain,
		engine: engine,
		srv:    engine.newHttpServer(),
	}
}

func (f *fixture) post(t *testing.T, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	return rec
}

func (f *fixture) call(t *testing.T, method string, params ...any) *jsonrpcResponse {
	t.Helper()
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	var resp jsonrpcResponse
	require.NoError(t, json.Unmarshal(f.post(t, "/rpc", body).Body.Bytes(), &resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	return &resp
}

// result calls method, requires success and decodes the result into out.
func (f *fixture) result(t *testing.T, out any, method string, params ...any) {
	t.Helper()
	resp := f.call(t, method, params...)
	require.Nil(t, resp.Error, "%s failed: %+v", method, resp.Error)
	if out != nil {
		require.NoError(t, json.Unmarshal(resp.Result, out))
	}
}

func (f *fixture) send(t *testing.T, op *userop.UserOperation) common.Hash {
	t.Helper()
	var hash common.Hash
	f.result(t, &hash, "eth_sendUserOperation", op, testutil.EntryPoint)
	return hash
}

func TestChainIdAndSupportedEntryPoints(t *testing.T) {
	f := newFixture(t, testConfig(t))

	var chainID hexutil.Big
	f.result(t, &chainID, "eth_chainId")
	assert.Equal(t, testutil.ChainID, chainID.ToInt())

	var entryPoints []string
	f.result(t, &entryPoints, "eth_supportedEntryPoints")
	assert.Equal(t, []string{testutil.EntryPoint.Hex()}, entryPoints)
}

func TestSendUserOperationReturnsHash(t *testing.T) {
	f := newFixture(t, testConfig(t))
	op := testutil.NewUserOp(testutil.Address(1), 0, 10)

	hash := f.send(t, op)
	assert.Equal(t, testutil.NewEntry(op).Hash, hash)

	var pending []*model.MempoolEntry
	f.result(t, &pending, "eth_getUserOperations", testutil.Address(1))
	require.Len(t, pending, 1)
	assert.Equal(t, hash, pending[0].Hash)
	assert.Equal(t, int64(10), pending[0].UserOp.MaxPriorityFeePerGas.Int64())
}

func TestSendUserOperationRejections(t *testing.T) {
	f := newFixture(t, testConfig(t))

	t.Run("unsupported entry point", func(t *testing.T) {
		resp := f.call(t, "eth_sendUserOperation", testutil.NewUserOp(testutil.Address(1), 0, 10), testutil.Address(99))
		require.NotNil(t, resp.Error)
		assert.Equal(t, model.CodeInvalidParams, resp.Error.Code)
	})

	t.Run("simulation failure", func(t *testing.T) {
		f.chain.FailSimulation(testutil.Address(2), "AA21 didn't pay prefund")
		resp := f.call(t, "eth_sendUserOperation", testutil.NewUserOp(testutil.Address(2), 0, 10), testutil.EntryPoint)
		require.NotNil(t, resp.Error)
		assert.Equal(t, model.CodeRejectedByEntryPoint, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "AA21")
	})

	t.Run("priority fee above max fee", func(t *testing.T) {
		op := testutil.NewUserOp(testutil.Address(3), 0, 10)
		op.MaxFeePerGas.SetInt64(5)
		resp := f.call(t, "eth_sendUserOperation", op, testutil.EntryPoint)
		require.NotNil(t, resp.Error)
		assert.Equal(t, model.CodeInvalidParams, resp.Error.Code)
	})

	t.Run("preVerificationGas too low", func(t *testing.T) {
		op := testutil.NewUserOp(testutil.Address(4), 0, 10)
		op.PreVerificationGas.SetInt64(21_000)
		resp := f.call(t, "eth_sendUserOperation", op, testutil.EntryPoint)
		require.NotNil(t, resp.Error)
		assert.Equal(t, model.CodeInvalidParams, resp.Error.Code)
	})

	t.Run("wrong parameter count", func(t *testing.T) {
		resp := f.call(t, "eth_sendUserOperation", testutil.NewUserOp(testutil.Address(5), 0, 10))
		require.NotNil(t, resp.Error)
		assert.Equal(t, model.CodeInvalidParams, resp.Error.Code)
	})

	assert.Equal(t, 0, f.engine.mempool.Size())
}

func TestEstimateUserOperationGas(t *testing.T) {
	f := newFixture(t, testConfig(t))
	op := testutil.NewUserOp(testutil.Address(1), 0, 10)

	var estimate GasEstimate
	f.result(t, &estimate, "eth_estimateUserOperationGas", op, testutil.EntryPoint)

	pvg, err := userop.CalcPreVerificationGas(op, userop.DefaultGasOverheads)
	require.NoError(t, err)
	assert.Equal(t, pvg, estimate.PreVerificationGas.ToInt())
	// the fake entry point reports preOpGas = pvg + verificationGasLimit
	assert.Equal(t, int64(50_000), estimate.VerificationGasLimit.ToInt().Int64())
	assert.Equal(t, int64(21_000+16*len(op.CallData)), estimate.CallGasLimit.ToInt().Int64())

	assert.Equal(t, 0, f.engine.mempool.Size())
}

func TestUnknownMethodAndMalformedRequests(t *testing.T) {
	f := newFixture(t, testConfig(t))

	resp := f.call(t, "eth_sendTransaction")
	require.NotNil(t, resp.Error)
	assert.Equal(t, model.CodeMethodNotFound, resp.Error.Code)

	var parseErr jsonrpcResponse
	require.NoError(t, json.Unmarshal(f.post(t, "/", []byte(`{"jsonrpc":`)).Body.Bytes(), &parseErr))
	require.NotNil(t, parseErr.Error)
	assert.Equal(t, model.CodeParseError, parseErr.Error.Code)

	var invalid jsonrpcResponse
	require.NoError(t, json.Unmarshal(f.post(t, "/", []byte(`{"jsonrpc":"1.0","id":7,"method":"eth_chainId"}`)).Body.Bytes(), &invalid))
	require.NotNil(t, invalid.Error)
	assert.Equal(t, model.CodeInvalidRequest, invalid.Error.Code)
	assert.JSONEq(t, `7`, string(invalid.ID))

	var emptyBatch jsonrpcResponse
	require.NoError(t, json.Unmarshal(f.post(t, "/", []byte(`[]`)).Body.Bytes(), &emptyBatch))
	require.NotNil(t, emptyBatch.Error)
	assert.Equal(t, model.CodeInvalidRequest, emptyBatch.Error.Code)
}

func TestBatchRequest(t *testing.T) {
	f := newFixture(t, testConfig(t))

	body := []byte(`[
		{"jsonrpc":"2.0","id":1,"method":"eth_chainId","params":[]},
		{"jsonrpc":"2.0","id":"two","method":"eth_nope","params":[]},
		{"jsonrpc":"2.0","id":3,"method":"eth_supportedEntryPoints"}
	]`)

	var responses []jsonrpcResponse
	require.NoError(t, json.Unmarshal(f.post(t, "/", body).Body.Bytes(), &responses))
	require.Len(t, responses, 3)

	assert.JSONEq(t, `1`, string(responses[0].ID))
	assert.JSONEq(t, `"0x539"`, string(responses[0].Result))

	assert.JSONEq(t, `"two"`, string(responses[1].ID))
	require.NotNil(t, responses[1].Error)
	assert.Equal(t, model.CodeMethodNotFound, responses[1].Error.Code)

	assert.JSONEq(t, `3`, string(responses[2].ID))
	assert.Nil(t, responses[2].Error)
}

func TestDebugMethodsCanBeDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.DebugRpc = false
	f := newFixture(t, cfg)

	resp := f.call(t, "debug_bundler_dumpMempool")
	require.NotNil(t, resp.Error)
	assert.Equal(t, model.CodeMethodNotFound, resp.Error.Code)
}

func TestUpAndMetricsEndpoints(t *testing.T) {
	f := newFixture(t, testConfig(t))
	f.send(t, testutil.NewUserOp(testutil.Address(1), 0, 10))

	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/up", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "up", rec.Body.String())

	rec = httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mempool_size")
}

func TestDebugDumpAndClearState(t *testing.T) {
	f := newFixture(t, testConfig(t))
	h1 := f.send(t, testutil.NewUserOp(testutil.Address(1), 0, 10))
	f.send(t, testutil.NewUserOp(testutil.Address(2), 0, 10))

	var dump []*model.MempoolEntry
	f.result(t, &dump, "debug_bundler_dumpMempool", testutil.EntryPoint)
	require.Len(t, dump, 2)
	assert.Contains(t, []common.Hash{dump[0].Hash, dump[1].Hash}, h1)

	var reputation []model.ReputationEntry
	f.result(t, &reputation, "debug_bundler_dumpReputation")
	assert.Len(t, reputation, 2)

	var ok string
	f.result(t, &ok, "debug_bundler_clearState")
	assert.Equal(t, "ok", ok)
	assert.Equal(t, 0, f.engine.mempool.Size())

	f.result(t, &reputation, "debug_bundler_dumpReputation")
	assert.Empty(t, reputation)
}

func TestDebugSetReputationBansSender(t *testing.T) {
	f := newFixture(t, testConfig(t))

	var updated []model.ReputationEntry
	f.result(t, &updated, "debug_bundler_setReputation", []map[string]any{
		{"address": testutil.Address(1).Hex(), "opsSeen": 1000, "opsIncluded": 0, "status": "banned"},
	}, testutil.EntryPoint)
	require.Len(t, updated, 1)
	assert.Equal(t, testutil.Address(1), updated[0].Address)
	assert.Equal(t, uint64(1000), updated[0].OpsSeen)
	assert.Equal(t, model.StatusBanned, updated[0].Status)

	resp := f.call(t, "eth_sendUserOperation", testutil.NewUserOp(testutil.Address(1), 0, 10), testutil.EntryPoint)
	require.NotNil(t, resp.Error)
	assert.Equal(t, model.CodeThrottledOrBanned, resp.Error.Code)

	f.result(t, nil, "debug_bundler_clearReputation")
	f.send(t, testutil.NewUserOp(testutil.Address(1), 0, 10))
}

func TestDebugGetStakeStatus(t *testing.T) {
	f := newFixture(t, testConfig(t))

	var status model.StakeStatus
	f.result(t, &status, "debug_bundler_getStakeStatus", testutil.Address(1), testutil.EntryPoint)
	assert.False(t, status.IsStaked)
	assert.Equal(t, testutil.Address(1), status.StakeInfo.Addr)
}

func TestDebugSetBundlingModes(t *testing.T) {
	f := newFixture(t, testConfig(t))

	f.result(t, nil, "debug_bundler_setBundlingMode", "auto")
	mode, _, _ := f.engine.scheduler.Mode()
	assert.Equal(t, "auto", string(mode))

	f.result(t, nil, "debug_bundler_setBundleInterval", 3, 7)
	mode, interval, maxPoolSize := f.engine.scheduler.Mode()
	assert.Equal(t, "interval", string(mode))
	assert.Equal(t, 3*time.Second, interval)
	assert.Equal(t, 7, maxPoolSize)

	f.result(t, nil, "debug_bundler_setBundleInterval", "manual")
	mode, _, _ = f.engine.scheduler.Mode()
	assert.Equal(t, "manual", string(mode))

	resp := f.call(t, "debug_bundler_setBundleInterval", 0)
	require.NotNil(t, resp.Error)
	assert.Equal(t, model.CodeInvalidParams, resp.Error.Code)
}

func TestDroppedReasonNotFound(t *testing.T) {
	f := newFixture(t, testConfig(t))

	resp := f.call(t, "debug_bundler_getDroppedReason", common.HexToHash("0xdead"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, model.CodeInvalidParams, resp.Error.Code)
}

// An underpriced same-key op is rejected, a strictly higher priority fee replaces.
func TestScenarioReplacementOverRpc(t *testing.T) {
	f := newFixture(t, testConfig(t))
	sender := testutil.Address(1)

	h1 := f.send(t, testutil.NewUserOp(sender, 0, 10))

	resp := f.call(t, "eth_sendUserOperation", testutil.NewUserOp(sender, 0, 5), testutil.EntryPoint)
	require.NotNil(t, resp.Error)
	assert.Equal(t, model.CodeInvalidParams, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "replacement underpriced")

	h3 := f.send(t, testutil.NewUserOp(sender, 0, 20))

	var pending []*model.MempoolEntry
	f.result(t, &pending, "eth_getUserOperations", sender)
	require.Len(t, pending, 1)
	assert.Equal(t, h3, pending[0].Hash)

	var record model.DropRecord
	f.result(t, &record, "debug_bundler_getDroppedReason", h1)
	assert.Contains(t, record.Reason, "replaced by "+h3.Hex())
}

// In interval mode, reaching maxPoolSize starts an attempt without waiting for the tick.
func TestScenarioPoolSizeTrigger(t *testing.T) {
	f := newFixture(t, testConfig(t))

	f.result(t, nil, "debug_bundler_setBundleInterval", 1, 5)

	for i := 1; i <= 4; i++ {
		f.send(t, testutil.NewUserOp(testutil.Address(i), 0, int64(10*i)))
	}
	assert.Empty(t, f.chain.SentBundles())

	f.send(t, testutil.NewUserOp(testutil.Address(5), 0, 50))

	require.Eventually(t, func() bool {
		return len(f.chain.SentBundles()) > 0
	}, 800*time.Millisecond, 10*time.Millisecond)
	assert.Len(t, f.chain.SentBundles()[0], 5)
}

// A bundle whose second op reverts on chain is resubmitted without it.
func TestScenarioOnChainFailureDropsOp(t *testing.T) {
	f := newFixture(t, testConfig(t))

	h1 := f.send(t, testutil.NewUserOp(testutil.Address(1), 0, 30))
	h2 := f.send(t, testutil.NewUserOp(testutil.Address(2), 0, 20))
	h3 := f.send(t, testutil.NewUserOp(testutil.Address(3), 0, 10))
	f.chain.FailOnChain(testutil.Address(2), "AA23 reverted (or OOG)")

	var results []model.BundleResult
	f.result(t, &results, "debug_bundler_sendBundleNow")
	require.Len(t, results, 1)
	result := results[0]
	assert.Equal(t, []common.Hash{h1, h3}, result.IncludedHashes)

	sent := f.chain.SentBundles()
	require.Len(t, sent, 2)
	require.Len(t, sent[1], 2)
	assert.Equal(t, testutil.Address(1), sent[1][0].Sender)
	assert.Equal(t, testutil.Address(3), sent[1][1].Sender)

	// included ops are reconciled right after the attempt
	assert.Equal(t, 0, f.engine.mempool.Size())

	var record model.DropRecord
	f.result(t, &record, "debug_bundler_getDroppedReason", h2)
	assert.Equal(t, "AA23 reverted (or OOG)", record.Reason)
	assert.Equal(t, result.AttemptID, record.AttemptID)
}
