package aa

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// ToUserOp converts the on-chain tuple back into the bundler's representation.
func (u UserOperation) ToUserOp() *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               u.Sender,
		Nonce:                u.Nonce,
		InitCode:             u.InitCode,
		CallData:             u.CallData,
		CallGasLimit:         u.CallGasLimit,
		VerificationGasLimit: u.VerificationGasLimit,
		PreVerificationGas:   u.PreVerificationGas,
		MaxFeePerGas:         u.MaxFeePerGas,
		MaxPriorityFeePerGas: u.MaxPriorityFeePerGas,
		PaymasterAndData:     u.PaymasterAndData,
		Signature:            u.Signature,
	}
}

// UnpackHandleOps decodes handleOps calldata, selector included.
func UnpackHandleOps(data []byte) ([]*userop.UserOperation, common.Address, error) {
	method := EntryPointABI().Methods["handleOps"]
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return nil, common.Address{}, fmt.Errorf("not a handleOps call")
	}

	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, common.Address{}, err
	}

	tuples := *abi.ConvertType(values[0], new([]UserOperation)).(*[]UserOperation)
	ops := make([]*userop.UserOperation, len(tuples))
	for i, t := range tuples {
		ops[i] = t.ToUserOp()
	}
	return ops, values[1].(common.Address), nil
}

// EncodeFailedOp builds FailedOp revert data, selector included.
func EncodeFailedOp(opIndex int, reason string) ([]byte, error) {
	e := EntryPointABI().Errors["FailedOp"]
	args, err := e.Inputs.Pack(big.NewInt(int64(opIndex)), reason)
	if err != nil {
		return nil, err
	}
	return append(common.CopyBytes(e.ID[:4]), args...), nil
}

// EncodeValidationResult builds ValidationResult (or ValidationResultWithAggregation when an
// aggregator is set) revert data, selector included.
func EncodeValidationResult(res *ValidationResult) ([]byte, error) {
	name := "ValidationResult"
	values := []any{res.ReturnInfo, res.SenderInfo, res.FactoryInfo, res.PaymasterInfo}
	if res.Aggregator != nil {
		name = "ValidationResultWithAggregation"
		values = append(values, *res.Aggregator)
	}

	e := EntryPointABI().Errors[name]
	args, err := e.Inputs.Pack(values...)
	if err != nil {
		return nil, err
	}
	return append(common.CopyBytes(e.ID[:4]), args...), nil
}

// PackDepositInfoResult encodes the return data of getDepositInfo.
func PackDepositInfoResult(info IStakeManagerDepositInfo) ([]byte, error) {
	return EntryPointABI().Methods["getDepositInfo"].Outputs.Pack(info)
}

// PackUserOperationEventData encodes the non-indexed part of a UserOperationEvent.
func PackUserOperationEventData(nonce *big.Int, success bool, actualGasCost, actualGasUsed *big.Int) ([]byte, error) {
	return EntryPointABI().Events["UserOperationEvent"].Inputs.NonIndexed().Pack(nonce, success, actualGasCost, actualGasUsed)
}

// PackAccountDeployedData encodes the non-indexed part of an AccountDeployed event.
func PackAccountDeployedData(factory, paymaster common.Address) ([]byte, error) {
	return EntryPointABI().Events["AccountDeployed"].Inputs.NonIndexed().Pack(factory, paymaster)
}
