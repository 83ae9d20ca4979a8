package aa

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// EntryPointV06ABI is the subset of the v0.6 EntryPoint interface the bundler talks to.
const EntryPointV06ABI = `
[
	{"inputs":[{"name":"opIndex","type":"uint256"},{"name":"reason","type":"string"}],"name":"FailedOp","type":"error"},
	{"inputs":[{"name":"aggregator","type":"address"}],"name":"SignatureValidationFailed","type":"error"},
	{"inputs":[{"components":[{"name":"preOpGas","type":"uint256"},{"name":"prefund","type":"uint256"},{"name":"sigFailed","type":"bool"},{"name":"validAfter","type":"uint48"},{"name":"validUntil","type":"uint48"},{"name":"paymasterContext","type":"bytes"}],"name":"returnInfo","type":"tuple"},{"components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}],"name":"senderInfo","type":"tuple"},{"components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}],"name":"factoryInfo","type":"tuple"},{"components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}],"name":"paymasterInfo","type":"tuple"}],"name":"ValidationResult","type":"error"},
	{"inputs":[{"components":[{"name":"preOpGas","type":"uint256"},{"name":"prefund","type":"uint256"},{"name":"sigFailed","type":"bool"},{"name":"validAfter","type":"uint48"},{"name":"validUntil","type":"uint48"},{"name":"paymasterContext","type":"bytes"}],"name":"returnInfo","type":"tuple"},{"components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}],"name":"senderInfo","type":"tuple"},{"components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}],"name":"factoryInfo","type":"tuple"},{"components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}],"name":"paymasterInfo","type":"tuple"},{"components":[{"name":"aggregator","type":"address"},{"components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}],"name":"stakeInfo","type":"tuple"}],"name":"aggregatorInfo","type":"tuple"}],"name":"ValidationResultWithAggregation","type":"error"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"userOpHash","type":"bytes32"},{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"factory","type":"address"},{"indexed":false,"name":"paymaster","type":"address"}],"name":"AccountDeployed","type":"event"},
	{"anonymous":false,"inputs":[],"name":"BeforeExecution","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"aggregator","type":"address"}],"name":"SignatureAggregatorChanged","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"userOpHash","type":"bytes32"},{"indexed":true,"name":"sender","type":"address"},{"indexed":true,"name":"paymaster","type":"address"},{"indexed":false,"name":"nonce","type":"uint256"},{"indexed":false,"name":"success","type":"bool"},{"indexed":false,"name":"actualGasCost","type":"uint256"},{"indexed":false,"name":"actualGasUsed","type":"uint256"}],"name":"UserOperationEvent","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"userOpHash","type":"bytes32"},{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"nonce","type":"uint256"},{"indexed":false,"name":"revertReason","type":"bytes"}],"name":"UserOperationRevertReason","type":"event"},
	{"inputs":[{"name":"account","type":"address"}],"name":"getDepositInfo","outputs":[{"components":[{"name":"deposit","type":"uint112"},{"name":"staked","type":"bool"},{"name":"stake","type":"uint112"},{"name":"unstakeDelaySec","type":"uint32"},{"name":"withdrawTime","type":"uint48"}],"name":"info","type":"tuple"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"components":[{"name":"sender","type":"address"},{"name":"nonce","type":"uint256"},{"name":"initCode","type":"bytes"},{"name":"callData","type":"bytes"},{"name":"callGasLimit","type":"uint256"},{"name":"verificationGasLimit","type":"uint256"},{"name":"preVerificationGas","type":"uint256"},{"name":"maxFeePerGas","type":"uint256"},{"name":"maxPriorityFeePerGas","type":"uint256"},{"name":"paymasterAndData","type":"bytes"},{"name":"signature","type":"bytes"}],"name":"userOp","type":"tuple"}],"name":"getUserOpHash","outputs":[{"name":"","type":"bytes32"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"components":[{"name":"sender","type":"address"},{"name":"nonce","type":"uint256"},{"name":"initCode","type":"bytes"},{"name":"callData","type":"bytes"},{"name":"callGasLimit","type":"uint256"},{"name":"verificationGasLimit","type":"uint256"},{"name":"preVerificationGas","type":"uint256"},{"name":"maxFeePerGas","type":"uint256"},{"name":"maxPriorityFeePerGas","type":"uint256"},{"name":"paymasterAndData","type":"bytes"},{"name":"signature","type":"bytes"}],"name":"ops","type":"tuple[]"},{"name":"beneficiary","type":"address"}],"name":"handleOps","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"components":[{"name":"sender","type":"address"},{"name":"nonce","type":"uint256"},{"name":"initCode","type":"bytes"},{"name":"callData","type":"bytes"},{"name":"callGasLimit","type":"uint256"},{"name":"verificationGasLimit","type":"uint256"},{"name":"preVerificationGas","type":"uint256"},{"name":"maxFeePerGas","type":"uint256"},{"name":"maxPriorityFeePerGas","type":"uint256"},{"name":"paymasterAndData","type":"bytes"},{"name":"signature","type":"bytes"}],"name":"userOp","type":"tuple"}],"name":"simulateValidation","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var (
	entryPointABI     abi.ABI
	entryPointABIErr  error
	entryPointABIOnce sync.Once
)

// EntryPointABI returns the parsed entry point ABI. It panics on a malformed ABI constant, which
// can only happen at development time.
func EntryPointABI() *abi.ABI {
	entryPointABIOnce.Do(func() {
		entryPointABI, entryPointABIErr = abi.JSON(strings.NewReader(EntryPointV06ABI))
	})
	if entryPointABIErr != nil {
		panic(fmt.Errorf("cannot parse entrypoint abi: %w", entryPointABIErr))
	}
	return &entryPointABI
}

// UserOperation is the on-chain tuple layout of a v0.6 UserOperation.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

// IStakeManagerDepositInfo is the getDepositInfo return value.
type IStakeManagerDepositInfo struct {
	Deposit         *big.Int
	Staked          bool
	Stake           *big.Int
	UnstakeDelaySec uint32
	WithdrawTime    *big.Int
}

type ReturnInfo struct {
	PreOpGas         *big.Int
	Prefund          *big.Int
	SigFailed        bool
	ValidAfter       *big.Int
	ValidUntil       *big.Int
	PaymasterContext []byte
}

type StakeInfo struct {
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

type AggregatorStakeInfo struct {
	Aggregator common.Address
	StakeInfo  StakeInfo
}

// ValidationResult is the successful outcome of simulateValidation, which always reverts.
type ValidationResult struct {
	ReturnInfo    ReturnInfo
	SenderInfo    StakeInfo
	FactoryInfo   StakeInfo
	PaymasterInfo StakeInfo
	// Aggregator is only set when the account uses a signature aggregator.
	Aggregator *AggregatorStakeInfo
}

// FailedOpError is the FailedOp(opIndex, reason) revert raised by handleOps and simulateValidation.
type FailedOpError struct {
	OpIndex int
	Reason  string
}

func (e *FailedOpError) Error() string {
	return fmt.Sprintf("FailedOp(%d, %s)", e.OpIndex, e.Reason)
}

var ErrUnknownRevert = errors.New("unknown entrypoint revert")

func toTuple(op *userop.UserOperation) UserOperation {
	orZero := func(v *big.Int) *big.Int {
		if v == nil {
			return new(big.Int)
		}
		return v
	}
	orEmpty := func(b []byte) []byte {
		if b == nil {
			return []byte{}
		}
		return b
	}

	return UserOperation{
		Sender:               op.Sender,
		Nonce:                orZero(op.Nonce),
		InitCode:             orEmpty(op.InitCode),
		CallData:             orEmpty(op.CallData),
		CallGasLimit:         orZero(op.CallGasLimit),
		VerificationGasLimit: orZero(op.VerificationGasLimit),
		PreVerificationGas:   orZero(op.PreVerificationGas),
		MaxFeePerGas:         orZero(op.MaxFeePerGas),
		MaxPriorityFeePerGas: orZero(op.MaxPriorityFeePerGas),
		PaymasterAndData:     orEmpty(op.PaymasterAndData),
		Signature:            orEmpty(op.Signature),
	}
}

// PackHandleOps encodes handleOps(ops, beneficiary).
func PackHandleOps(ops []*userop.UserOperation, beneficiary common.Address) ([]byte, error) {
	tuples := make([]UserOperation, len(ops))
	for i, op := range ops {
		tuples[i] = toTuple(op)
	}
	return EntryPointABI().Pack("handleOps", tuples, beneficiary)
}

// PackSimulateValidation encodes simulateValidation(op).
func PackSimulateValidation(op *userop.UserOperation) ([]byte, error) {
	return EntryPointABI().Pack("simulateValidation", toTuple(op))
}

// PackGetDepositInfo encodes getDepositInfo(account).
func PackGetDepositInfo(account common.Address) ([]byte, error) {
	return EntryPointABI().Pack("getDepositInfo", account)
}

func UnpackDepositInfo(data []byte) (*IStakeManagerDepositInfo, error) {
	out, err := EntryPointABI().Unpack("getDepositInfo", data)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected getDepositInfo output length %d", len(out))
	}
	info := *abi.ConvertType(out[0], new(IStakeManagerDepositInfo)).(*IStakeManagerDepositInfo)
	return &info, nil
}

// DecodeRevert turns entry point revert data into a *FailedOpError or a *ValidationResult.
// Anything else yields ErrUnknownRevert wrapped with the raw selector.
func DecodeRevert(data []byte) (any, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: revert data too short (%d bytes)", ErrUnknownRevert, len(data))
	}

	parsed := EntryPointABI()
	for name, e := range parsed.Errors {
		if !bytesHasSelector(data, e.ID) {
			continue
		}

		values, err := e.Inputs.Unpack(data[4:])
		if err != nil {
			return nil, fmt.Errorf("cannot decode %s: %w", name, err)
		}

		switch name {
		case "FailedOp":
			return &FailedOpError{
				OpIndex: int(values[0].(*big.Int).Int64()),
				Reason:  values[1].(string),
			}, nil
		case "ValidationResult", "ValidationResultWithAggregation":
			res := &ValidationResult{
				ReturnInfo:    *abi.ConvertType(values[0], new(ReturnInfo)).(*ReturnInfo),
				SenderInfo:    *abi.ConvertType(values[1], new(StakeInfo)).(*StakeInfo),
				FactoryInfo:   *abi.ConvertType(values[2], new(StakeInfo)).(*StakeInfo),
				PaymasterInfo: *abi.ConvertType(values[3], new(StakeInfo)).(*StakeInfo),
			}
			if len(values) > 4 {
				res.Aggregator = abi.ConvertType(values[4], new(AggregatorStakeInfo)).(*AggregatorStakeInfo)
			}
			return res, nil
		case "SignatureValidationFailed":
			return &FailedOpError{OpIndex: 0, Reason: "AA24 signature error"}, nil
		}
	}

	return nil, fmt.Errorf("%w: selector 0x%x", ErrUnknownRevert, data[:4])
}

func bytesHasSelector(data []byte, id common.Hash) bool {
	return len(data) >= 4 && data[0] == id[0] && data[1] == id[1] && data[2] == id[2] && data[3] == id[3]
}

// UserOperationEvent is emitted once per op executed by handleOps.
type UserOperationEvent struct {
	UserOpHash    common.Hash
	Sender        common.Address
	Paymaster     common.Address
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
	Raw           types.Log
}

// AccountDeployed is emitted when an op's initCode created the sender.
type AccountDeployed struct {
	UserOpHash common.Hash
	Sender     common.Address
	Factory    common.Address
	Paymaster  common.Address
	Raw        types.Log
}

func EventTopic(name string) common.Hash {
	return EntryPointABI().Events[name].ID
}

func ParseUserOperationEvent(log types.Log) (*UserOperationEvent, error) {
	if len(log.Topics) < 4 || log.Topics[0] != EventTopic("UserOperationEvent") {
		return nil, fmt.Errorf("log is not a UserOperationEvent")
	}

	var body struct {
		Nonce         *big.Int
		Success       bool
		ActualGasCost *big.Int
		ActualGasUsed *big.Int
	}
	if err := EntryPointABI().UnpackIntoInterface(&body, "UserOperationEvent", log.Data); err != nil {
		return nil, fmt.Errorf("cannot decode UserOperationEvent: %w", err)
	}

	return &UserOperationEvent{
		UserOpHash:    log.Topics[1],
		Sender:        common.BytesToAddress(log.Topics[2].Bytes()),
		Paymaster:     common.BytesToAddress(log.Topics[3].Bytes()),
		Nonce:         body.Nonce,
		Success:       body.Success,
		ActualGasCost: body.ActualGasCost,
		ActualGasUsed: body.ActualGasUsed,
		Raw:           log,
	}, nil
}

func ParseAccountDeployed(log types.Log) (*AccountDeployed, error) {
	if len(log.Topics) < 3 || log.Topics[0] != EventTopic("AccountDeployed") {
		return nil, fmt.Errorf("log is not an AccountDeployed event")
	}

	var body struct {
		Factory   common.Address
		Paymaster common.Address
	}
	if err := EntryPointABI().UnpackIntoInterface(&body, "AccountDeployed", log.Data); err != nil {
		return nil, fmt.Errorf("cannot decode AccountDeployed: %w", err)
	}

	return &AccountDeployed{
		UserOpHash: log.Topics[1],
		Sender:     common.BytesToAddress(log.Topics[2].Bytes()),
		Factory:    body.Factory,
		Paymaster:  body.Paymaster,
		Raw:        log,
	}, nil
}

// ParseSignatureAggregatorChanged returns the aggregator that signs the ops following this log in
// the same transaction. The zero address ends an aggregated group.
func ParseSignatureAggregatorChanged(log types.Log) (common.Address, error) {
	if len(log.Topics) < 2 || log.Topics[0] != EventTopic("SignatureAggregatorChanged") {
		return common.Address{}, fmt.Errorf("log is not a SignatureAggregatorChanged event")
	}
	return common.BytesToAddress(log.Topics[1].Bytes()), nil
}

// UserOperationRevertReason carries the revert data of an op whose execution failed after it was
// included.
type UserOperationRevertReason struct {
	UserOpHash   common.Hash
	Sender       common.Address
	Nonce        *big.Int
	RevertReason []byte
	Raw          types.Log
}

func ParseUserOperationRevertReason(log types.Log) (*UserOperationRevertReason, error) {
	if len(log.Topics) < 3 || log.Topics[0] != EventTopic("UserOperationRevertReason") {
		return nil, fmt.Errorf("log is not a UserOperationRevertReason event")
	}

	var body struct {
		Nonce        *big.Int
		RevertReason []byte
	}
	if err := EntryPointABI().UnpackIntoInterface(&body, "UserOperationRevertReason", log.Data); err != nil {
		return nil, fmt.Errorf("cannot decode UserOperationRevertReason: %w", err)
	}

	return &UserOperationRevertReason{
		UserOpHash:   log.Topics[1],
		Sender:       common.BytesToAddress(log.Topics[2].Bytes()),
		Nonce:        body.Nonce,
		RevertReason: body.RevertReason,
		Raw:          log,
	}, nil
}
