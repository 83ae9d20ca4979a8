package bundler

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/execution"
	"github.com/AvaProtocol/ap-bundler/model"
)

func rpcCode(t *testing.T, err error) model.ErrorCode {
	t.Helper()
	var rpcErr *model.RpcError
	require.True(t, errors.As(err, &rpcErr), "expected an rpc error, got %v", err)
	return rpcErr.Code
}

func TestParseDebugRequestUnknownMethod(t *testing.T) {
	_, err := ParseDebugRequest("debug_bundler_nope", nil)
	assert.Equal(t, model.CodeMethodNotFound, rpcCode(t, err))
	assert.False(t, IsDebugMethod("debug_bundler_nope"))
	assert.True(t, IsDebugMethod("debug_bundler_dumpMempool"))
}

func TestParseDebugRequestSetBundlingMode(t *testing.T) {
	req, err := ParseDebugRequest("debug_bundler_setBundlingMode", json.RawMessage(`["manual"]`))
	require.NoError(t, err)
	assert.Equal(t, &SetBundlingModeRequest{Mode: "manual"}, req)

	_, err = ParseDebugRequest("debug_bundler_setBundlingMode", json.RawMessage(`["sometimes"]`))
	assert.Equal(t, model.CodeInvalidParams, rpcCode(t, err))

	_, err = ParseDebugRequest("debug_bundler_setBundlingMode", json.RawMessage(`[]`))
	assert.Equal(t, model.CodeInvalidParams, rpcCode(t, err))

	_, err = ParseDebugRequest("debug_bundler_setBundlingMode", json.RawMessage(`["auto", 1]`))
	assert.Equal(t, model.CodeInvalidParams, rpcCode(t, err))
}

func TestParseDebugRequestSetBundleInterval(t *testing.T) {
	req, err := ParseDebugRequest("debug_bundler_setBundleInterval", json.RawMessage(`[2.5, 5]`))
	require.NoError(t, err)
	assert.Equal(t, &SetBundleIntervalRequest{Interval: "2.5", MaxPoolSize: 5}, req)

	// maxPoolSize defaults to 100
	req, err = ParseDebugRequest("debug_bundler_setBundleInterval", json.RawMessage(`["auto"]`))
	require.NoError(t, err)
	assert.Equal(t, &SetBundleIntervalRequest{Interval: "auto", MaxPoolSize: 100}, req)
}

func TestParseInterval(t *testing.T) {
	mode, d, err := parseInterval("2.5")
	require.NoError(t, err)
	assert.Equal(t, execution.ModeInterval, mode)
	assert.Equal(t, 2500*time.Millisecond, d)

	mode, _, err = parseInterval("manual")
	require.NoError(t, err)
	assert.Equal(t, execution.ModeManual, mode)

	for _, bad := range []string{"0", "-1", "soon"} {
		_, _, err = parseInterval(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseDebugRequestSetReputation(t *testing.T) {
	params := json.RawMessage(`[
		[
			{"address": "0x0000000000000000000000000000000000001001", "opsSeen": 20, "opsIncluded": "0x2", "status": "throttled"},
			{"address": "0x0000000000000000000000000000000000001002", "opsSeen": 1, "opsIncluded": 1}
		],
		"0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"
	]`)

	req, err := ParseDebugRequest("debug_bundler_setReputation", params)
	require.NoError(t, err)

	set, ok := req.(*SetReputationRequest)
	require.True(t, ok)
	require.Len(t, set.Entries, 2)
	assert.Equal(t, common.HexToAddress("0x1001"), set.Entries[0].Address)
	assert.Equal(t, uint64(20), set.Entries[0].OpsSeen)
	assert.Equal(t, uint64(2), set.Entries[0].OpsIncluded)
	require.NotNil(t, set.Entries[0].Status)
	assert.Equal(t, model.StatusThrottled, *set.Entries[0].Status)
	assert.Nil(t, set.Entries[1].Status)
	assert.Equal(t, common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"), set.EntryPoint)
}

func TestParseDebugRequestSetReputationRejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"empty list":      `[[]]`,
		"missing address": `[[{"opsSeen": 1}]]`,
		"unknown field":   `[[{"address": "0x0000000000000000000000000000000000001001", "reputation": 1}]]`,
		"bad status":      `[[{"address": "0x0000000000000000000000000000000000001001", "status": "great"}]]`,
	}
	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDebugRequest("debug_bundler_setReputation", json.RawMessage(params))
			assert.Equal(t, model.CodeInvalidParams, rpcCode(t, err))
		})
	}
}

func TestParseDebugRequestGetStakeStatus(t *testing.T) {
	_, err := ParseDebugRequest("debug_bundler_getStakeStatus", json.RawMessage(`["0x0000000000000000000000000000000000001001"]`))
	assert.Equal(t, model.CodeInvalidParams, rpcCode(t, err))

	req, err := ParseDebugRequest("debug_bundler_getStakeStatus",
		json.RawMessage(`["0x0000000000000000000000000000000000001001", "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"]`))
	require.NoError(t, err)
	assert.Equal(t, &GetStakeStatusRequest{
		Address:    common.HexToAddress("0x1001"),
		EntryPoint: common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"),
	}, req)
}

func TestParseDebugRequestNoParams(t *testing.T) {
	for _, params := range []json.RawMessage{nil, json.RawMessage(`null`), json.RawMessage(`[]`)} {
		req, err := ParseDebugRequest("debug_bundler_clearState", params)
		require.NoError(t, err)
		assert.Equal(t, "debug_bundler_clearState", req.Method())
	}

	_, err := ParseDebugRequest("debug_bundler_sendBundleNow", json.RawMessage(`{"force": true}`))
	assert.Equal(t, model.CodeInvalidParams, rpcCode(t, err))
}

func TestParseDebugRequestDumpMempoolOptionalEntryPoint(t *testing.T) {
	req, err := ParseDebugRequest("debug_bundler_dumpMempool", nil)
	require.NoError(t, err)
	assert.Equal(t, &DumpMempoolRequest{}, req)

	req, err = ParseDebugRequest("debug_bundler_dumpMempool", json.RawMessage(`[null]`))
	require.NoError(t, err)
	assert.Equal(t, &DumpMempoolRequest{}, req)
}
