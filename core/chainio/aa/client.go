package aa

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// ErrNoRevertData means the node failed the call without returning revert bytes, which we treat
// as a transport problem rather than a verdict on the op.
var ErrNoRevertData = errors.New("call failed without revert data")

// EntryPoint issues read-only calls against one deployed entry point contract.
type EntryPoint struct {
	Address common.Address
	client  chainio.ChainClient
}

func NewEntryPoint(address common.Address, client chainio.ChainClient) *EntryPoint {
	return &EntryPoint{
		Address: address,
		client:  client,
	}
}

// SimulateValidation runs simulateValidation through eth_call. A decoded FailedOp comes back as a
// *FailedOpError.
func (ep *EntryPoint) SimulateValidation(ctx context.Context, op *userop.UserOperation) (*ValidationResult, error) {
	data, err := PackSimulateValidation(op)
	if err != nil {
		return nil, err
	}

	_, err = ep.client.CallContract(ctx, ethereum.CallMsg{To: &ep.Address, Data: data}, nil)
	if err == nil {
		return nil, fmt.Errorf("%w: simulateValidation returned without revert", ErrUnknownRevert)
	}

	decoded, err := decodeCallError(err)
	if err != nil {
		return nil, err
	}

	switch v := decoded.(type) {
	case *ValidationResult:
		return v, nil
	case *FailedOpError:
		return nil, v
	}
	return nil, ErrUnknownRevert
}

// GetDepositInfo reads the deposit and stake of an entity.
func (ep *EntryPoint) GetDepositInfo(ctx context.Context, account common.Address) (*IStakeManagerDepositInfo, error) {
	data, err := PackGetDepositInfo(account)
	if err != nil {
		return nil, err
	}

	out, err := ep.client.CallContract(ctx, ethereum.CallMsg{To: &ep.Address, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return UnpackDepositInfo(out)
}

// EstimateHandleOps runs eth_estimateGas for a handleOps call from the bundler. When the batch
// would revert with FailedOp the error is a *FailedOpError naming the offending index.
func (ep *EntryPoint) EstimateHandleOps(ctx context.Context, from common.Address, ops []*userop.UserOperation, beneficiary common.Address) (uint64, error) {
	data, err := PackHandleOps(ops, beneficiary)
	if err != nil {
		return 0, err
	}

	gas, err := ep.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &ep.Address, Data: data})
	if err == nil {
		return gas, nil
	}

	return 0, failedOpOr(err)
}

// ReplayHandleOps re-executes handleOps with eth_call at the given block to recover the revert
// reason of a mined transaction.
func (ep *EntryPoint) ReplayHandleOps(ctx context.Context, from common.Address, ops []*userop.UserOperation, beneficiary common.Address, block *big.Int) error {
	data, err := PackHandleOps(ops, beneficiary)
	if err != nil {
		return err
	}

	_, err = ep.client.CallContract(ctx, ethereum.CallMsg{From: from, To: &ep.Address, Data: data}, block)
	if err == nil {
		return nil
	}
	return failedOpOr(err)
}

func failedOpOr(callErr error) error {
	decoded, err := decodeCallError(callErr)
	if err != nil {
		return err
	}
	if failed, ok := decoded.(*FailedOpError); ok {
		return failed
	}
	return fmt.Errorf("%w: %v", ErrUnknownRevert, callErr)
}

func decodeCallError(callErr error) (any, error) {
	revert, ok := RevertData(callErr)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNoRevertData, callErr)
	}
	return DecodeRevert(revert)
}

// RevertData extracts the revert bytes carried by a JSON-RPC error, if any.
func RevertData(err error) ([]byte, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, false
	}

	switch v := dataErr.ErrorData().(type) {
	case string:
		if !strings.HasPrefix(v, "0x") {
			return nil, false
		}
		b, err := hexutil.Decode(v)
		if err != nil || len(b) == 0 {
			return nil, false
		}
		return b, true
	case []byte:
		return v, len(v) > 0
	}
	return nil, false
}
