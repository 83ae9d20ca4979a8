package bundle

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/testutil"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

const transferSig = "Transfer(address,address,uint256)"

func advancedEntry(adv *userop.AdvancedUserOperation) *model.MempoolEntry {
	op := testutil.NewUserOp(testutil.Address(1), 0, 10)
	op.Advanced = adv
	return testutil.NewEntry(op)
}

func transferLog(token common.Address, amount int64, block uint64) types.Log {
	return types.Log{
		Address:     token,
		Topics:      []common.Hash{crypto.Keccak256Hash([]byte(transferSig))},
		Data:        common.BigToHash(big.NewInt(amount)).Bytes(),
		BlockNumber: block,
	}
}

func TestEligibilityPlainOp(t *testing.T) {
	el := NewEligibility(nil, nil)
	assert.True(t, el.Filter(testutil.NewEntry(testutil.NewUserOp(testutil.Address(1), 0, 10))))
}

func TestEligibilityExecutionWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	el := NewEligibility(nil, nil)
	el.now = func() time.Time { return now }

	entry := advancedEntry(&userop.AdvancedUserOperation{
		ExecutionTimeWindow: &userop.ExecutionTimeWindow{
			Start: userop.Uint64(now.Unix() + 10),
			End:   userop.Uint64(now.Unix() + 20),
		},
	})

	assert.False(t, el.Filter(entry), "window not open yet")
	now = now.Add(15 * time.Second)
	assert.True(t, el.Filter(entry))
	now = now.Add(10 * time.Second)
	assert.False(t, el.Filter(entry), "window closed")
}

func TestEligibilityTriggerEvent(t *testing.T) {
	token := common.HexToAddress("0x1c7d4b196cb0c7b01d743fbc6116a902379c7238")
	el := NewEligibility(nil, nil)

	entry := advancedEntry(&userop.AdvancedUserOperation{
		TriggerEvent: &userop.TriggerEvent{
			ContractAddress:     token,
			EventSignature:      transferSig,
			EvaluationStatement: `bigCmp(word(0), toBigInt("1000")) >= 0`,
		},
	})
	assert.False(t, el.Filter(entry), "no log observed")

	el.ObserveLog(transferLog(token, 999, 10))
	assert.False(t, el.Filter(entry), "statement not satisfied")

	el.ObserveLog(transferLog(common.HexToAddress("0x02"), 5000, 11))
	assert.False(t, el.Filter(entry), "log from another contract")

	el.ObserveLog(transferLog(token, 1500, 12))
	assert.True(t, el.Filter(entry))

	el.Forget(12)
	assert.False(t, el.Filter(entry), "orphaned log forgotten")
}

func TestEligibilityTriggerWithoutStatement(t *testing.T) {
	token := common.HexToAddress("0x1c7d4b196cb0c7b01d743fbc6116a902379c7238")
	el := NewEligibility(nil, nil)
	entry := advancedEntry(&userop.AdvancedUserOperation{
		TriggerEvent: &userop.TriggerEvent{ContractAddress: token, EventSignature: transferSig},
	})

	el.ObserveLog(transferLog(token, 1, 3))
	assert.True(t, el.Filter(entry))
}

func TestEligibilityDependency(t *testing.T) {
	now := time.Unix(1_700_000_100, 0)
	el := NewEligibility(nil, nil)
	el.now = func() time.Time { return now }

	dep := common.HexToHash("0xdead")
	entry := advancedEntry(&userop.AdvancedUserOperation{
		UserOpDependency: &userop.UserOpDependency{UserOpHash: dep, BufferTime: 60},
	})
	assert.False(t, el.Filter(entry))

	el.ObserveInclusion(dep, uint64(now.Unix())-30)
	assert.False(t, el.Filter(entry), "buffer time not elapsed")

	now = now.Add(30 * time.Second)
	assert.True(t, el.Filter(entry))
}

func TestTriggerWatches(t *testing.T) {
	token := common.HexToAddress("0x1c7d4b196cb0c7b01d743fbc6116a902379c7238")
	entries := []*model.MempoolEntry{
		advancedEntry(&userop.AdvancedUserOperation{TriggerEvent: &userop.TriggerEvent{ContractAddress: token, EventSignature: transferSig}}),
		advancedEntry(&userop.AdvancedUserOperation{TriggerEvent: &userop.TriggerEvent{ContractAddress: token, EventSignature: transferSig}}),
		testutil.NewEntry(testutil.NewUserOp(testutil.Address(2), 0, 10)),
	}
	el := NewEligibility(func() []*model.MempoolEntry { return entries }, nil)

	addrs, topics := el.TriggerWatches()
	assert.Equal(t, []common.Address{token}, addrs)
	assert.Equal(t, []common.Hash{crypto.Keccak256Hash([]byte(transferSig))}, topics)
}

func TestValidateStatement(t *testing.T) {
	assert.NoError(t, ValidateStatement(""))
	assert.NoError(t, ValidateStatement(`blockNumber > 10 && len(topics) == 3`))
	assert.Error(t, ValidateStatement(`word(0) +`))
	assert.Error(t, ValidateStatement(`"not a bool"`))
}

func TestParseUnit(t *testing.T) {
	v, err := parseUnit("1.5", 18)
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", v.String())

	_, err = parseUnit("0.0001", 2)
	assert.Error(t, err)
}

func TestBuilderHoldsBackIneligibleOps(t *testing.T) {
	el := NewEligibility(nil, nil)
	f := newFixture(t, testBundleConfig(), WithEligibility(el))

	token := common.HexToAddress("0x1c7d4b196cb0c7b01d743fbc6116a902379c7238")
	op := testutil.NewUserOp(testutil.Address(1), 0, 10)
	op.Advanced = &userop.AdvancedUserOperation{
		TriggerEvent: &userop.TriggerEvent{ContractAddress: token, EventSignature: transferSig},
	}
	hash := f.add(t, op)

	result, err := f.builder.BuildAndSubmit(context.Background(), true)
	require.NoError(t, err)
	assert.Nil(t, result)

	el.ObserveLog(transferLog(token, 1, f.chain.Head()))
	result, err = f.builder.BuildAndSubmit(context.Background(), true)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, []common.Hash{hash}, result.IncludedHashes)
}
