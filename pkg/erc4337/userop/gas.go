package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// GasOverheads are the calldata and per-op costs charged by handleOps that are not covered by the
// op's own gas limits.
type GasOverheads struct {
	Fixed         uint64
	PerUserOp     uint64
	PerUserOpWord uint64
	ZeroByte      uint64
	NonZeroByte   uint64
	BundleSize    uint64
	SigSize       int
}

var DefaultGasOverheads = GasOverheads{
	Fixed:         21000,
	PerUserOp:     18300,
	PerUserOpWord: 4,
	ZeroByte:      4,
	NonZeroByte:   16,
	BundleSize:    1,
	SigSize:       65,
}

var userOpTupleT, _ = abi.NewType("tuple", "", []abi.ArgumentMarshaling{
	{Name: "sender", Type: "address"},
	{Name: "nonce", Type: "uint256"},
	{Name: "initCode", Type: "bytes"},
	{Name: "callData", Type: "bytes"},
	{Name: "callGasLimit", Type: "uint256"},
	{Name: "verificationGasLimit", Type: "uint256"},
	{Name: "preVerificationGas", Type: "uint256"},
	{Name: "maxFeePerGas", Type: "uint256"},
	{Name: "maxPriorityFeePerGas", Type: "uint256"},
	{Name: "paymasterAndData", Type: "bytes"},
	{Name: "signature", Type: "bytes"},
})

type packedOp struct {
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

// CalcPreVerificationGas estimates the preVerificationGas an op must pay for, using a dummy
// signature when the op is not signed yet.
func CalcPreVerificationGas(op *UserOperation, ov GasOverheads) (*big.Int, error) {
	sig := op.Signature
	if len(sig) == 0 {
		sig = make([]byte, ov.SigSize)
		for i := range sig {
			sig[i] = 1
		}
	}

	packed, err := abi.Arguments{{Type: userOpTupleT}}.Pack(packedOp{
		Sender:               op.Sender,
		Nonce:                orZero(op.Nonce),
		InitCode:             orEmpty(op.InitCode),
		CallData:             orEmpty(op.CallData),
		CallGasLimit:         orZero(op.CallGasLimit),
		VerificationGasLimit: orZero(op.VerificationGasLimit),
		PreVerificationGas:   big.NewInt(int64(ov.Fixed)),
		MaxFeePerGas:         orZero(op.MaxFeePerGas),
		MaxPriorityFeePerGas: orZero(op.MaxPriorityFeePerGas),
		PaymasterAndData:     orEmpty(op.PaymasterAndData),
		Signature:            sig,
	})
	if err != nil {
		return nil, err
	}

	var callDataCost uint64
	for _, b := range packed {
		if b == 0 {
			callDataCost += ov.ZeroByte
		} else {
			callDataCost += ov.NonZeroByte
		}
	}
	words := uint64(len(packed)+31) / 32

	total := callDataCost + ov.Fixed/ov.BundleSize + ov.PerUserOp + ov.PerUserOpWord*words
	return new(big.Int).SetUint64(total), nil
}
