package aa

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

type dataError struct {
	data any
}

func (e *dataError) Error() string          { return "execution reverted" }
func (e *dataError) ErrorData() interface{} { return e.data }

func sampleOp() *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               common.HexToAddress("0x7c3a76086588230c7B3f4839A4c1F5BBafcd57C6"),
		Nonce:                big.NewInt(3),
		InitCode:             []byte{},
		CallData:             []byte{0x01, 0x02},
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(60_000),
		PreVerificationGas:   big.NewInt(45_000),
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		PaymasterAndData:     []byte{},
		Signature:            []byte{0xaa, 0xbb},
	}
}

func TestDecodeFailedOp(t *testing.T) {
	data, err := EncodeFailedOp(2, "AA21 didn't pay prefund")
	require.NoError(t, err)

	decoded, err := DecodeRevert(data)
	require.NoError(t, err)

	failed, ok := decoded.(*FailedOpError)
	require.True(t, ok)
	assert.Equal(t, 2, failed.OpIndex)
	assert.Equal(t, "AA21 didn't pay prefund", failed.Reason)
}

func TestDecodeValidationResult(t *testing.T) {
	res := &ValidationResult{
		ReturnInfo: ReturnInfo{
			PreOpGas:         big.NewInt(70_000),
			Prefund:          big.NewInt(1_000),
			SigFailed:        false,
			ValidAfter:       big.NewInt(10),
			ValidUntil:       big.NewInt(20),
			PaymasterContext: []byte{},
		},
		SenderInfo:    StakeInfo{Stake: big.NewInt(0), UnstakeDelaySec: big.NewInt(0)},
		FactoryInfo:   StakeInfo{Stake: big.NewInt(0), UnstakeDelaySec: big.NewInt(0)},
		PaymasterInfo: StakeInfo{Stake: big.NewInt(5), UnstakeDelaySec: big.NewInt(86400)},
	}

	data, err := EncodeValidationResult(res)
	require.NoError(t, err)

	decoded, err := DecodeRevert(data)
	require.NoError(t, err)
	got, ok := decoded.(*ValidationResult)
	require.True(t, ok)
	assert.Equal(t, int64(70_000), got.ReturnInfo.PreOpGas.Int64())
	assert.Equal(t, int64(20), got.ReturnInfo.ValidUntil.Int64())
	assert.Equal(t, int64(86400), got.PaymasterInfo.UnstakeDelaySec.Int64())
	assert.Nil(t, got.Aggregator)

	res.Aggregator = &AggregatorStakeInfo{
		Aggregator: common.HexToAddress("0xa99"),
		StakeInfo:  StakeInfo{Stake: big.NewInt(1), UnstakeDelaySec: big.NewInt(2)},
	}
	data, err = EncodeValidationResult(res)
	require.NoError(t, err)
	decoded, err = DecodeRevert(data)
	require.NoError(t, err)
	got = decoded.(*ValidationResult)
	require.NotNil(t, got.Aggregator)
	assert.Equal(t, common.HexToAddress("0xa99"), got.Aggregator.Aggregator)
}

func TestDecodeRevertUnknown(t *testing.T) {
	_, err := DecodeRevert([]byte{0x08, 0xc3, 0x79, 0xa0, 0x00})
	assert.ErrorIs(t, err, ErrUnknownRevert)

	_, err = DecodeRevert([]byte{0x01})
	assert.ErrorIs(t, err, ErrUnknownRevert)
}

func TestHandleOpsRoundTrip(t *testing.T) {
	ops := []*userop.UserOperation{sampleOp(), sampleOp()}
	ops[1].Nonce = big.NewInt(4)
	beneficiary := common.HexToAddress("0xbeef")

	data, err := PackHandleOps(ops, beneficiary)
	require.NoError(t, err)

	decoded, gotBeneficiary, err := UnpackHandleOps(data)
	require.NoError(t, err)
	assert.Equal(t, beneficiary, gotBeneficiary)
	require.Len(t, decoded, 2)
	assert.Equal(t, int64(4), decoded[1].Nonce.Int64())
	assert.Equal(t, ops[0].Signature, decoded[0].Signature)

	_, _, err = UnpackHandleOps([]byte{0x00, 0x01, 0x02, 0x03})
	assert.Error(t, err)
}

func TestDepositInfoRoundTrip(t *testing.T) {
	out, err := PackDepositInfoResult(IStakeManagerDepositInfo{
		Deposit:         big.NewInt(10),
		Staked:          true,
		Stake:           big.NewInt(7),
		UnstakeDelaySec: 86400,
		WithdrawTime:    big.NewInt(0),
	})
	require.NoError(t, err)

	info, err := UnpackDepositInfo(out)
	require.NoError(t, err)
	assert.True(t, info.Staked)
	assert.Equal(t, int64(7), info.Stake.Int64())
	assert.Equal(t, uint32(86400), info.UnstakeDelaySec)
}

func TestParseUserOperationEvent(t *testing.T) {
	hash := common.HexToHash("0x1234")
	sender := common.HexToAddress("0x5e4de2")
	data, err := PackUserOperationEventData(big.NewInt(9), true, big.NewInt(1000), big.NewInt(50_000))
	require.NoError(t, err)

	log := types.Log{
		Topics: []common.Hash{
			EventTopic("UserOperationEvent"),
			hash,
			common.BytesToHash(sender.Bytes()),
			{},
		},
		Data: data,
	}

	ev, err := ParseUserOperationEvent(log)
	require.NoError(t, err)
	assert.Equal(t, hash, ev.UserOpHash)
	assert.Equal(t, sender, ev.Sender)
	assert.Equal(t, common.Address{}, ev.Paymaster)
	assert.Equal(t, int64(9), ev.Nonce.Int64())
	assert.True(t, ev.Success)

	_, err = ParseAccountDeployed(log)
	assert.Error(t, err)
}

func TestParseAccountDeployed(t *testing.T) {
	factory := common.HexToAddress("0xfac")
	data, err := PackAccountDeployedData(factory, common.Address{})
	require.NoError(t, err)

	ev, err := ParseAccountDeployed(types.Log{
		Topics: []common.Hash{EventTopic("AccountDeployed"), common.HexToHash("0x01"), common.HexToHash("0x02")},
		Data:   data,
	})
	require.NoError(t, err)
	assert.Equal(t, factory, ev.Factory)
	assert.Equal(t, common.HexToAddress("0x02"), ev.Sender)
}

func TestRevertData(t *testing.T) {
	payload := []byte{0x22, 0x02, 0x66, 0xb6}

	b, ok := RevertData(fmt.Errorf("call: %w", &dataError{data: hexutil.Encode(payload)}))
	require.True(t, ok)
	assert.Equal(t, payload, b)

	_, ok = RevertData(&dataError{data: "not hex"})
	assert.False(t, ok)

	_, ok = RevertData(errors.New("connection refused"))
	assert.False(t, ok)
}
