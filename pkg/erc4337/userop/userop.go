// Package userop holds the ERC-4337 (EntryPoint v0.6) UserOperation type, its hashing and its JSON
// wire format as used by eth_sendUserOperation.
package userop

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	addressT, _ = abi.NewType("address", "", nil)
	uint256T, _ = abi.NewType("uint256", "", nil)
	bytes32T, _ = abi.NewType("bytes32", "", nil)

	// sender, nonce, keccak(initCode), keccak(callData), callGasLimit, verificationGasLimit,
	// preVerificationGas, maxFeePerGas, maxPriorityFeePerGas, keccak(paymasterAndData)
	packForHashArgs = abi.Arguments{
		{Name: "sender", Type: addressT},
		{Name: "nonce", Type: uint256T},
		{Name: "initCode", Type: bytes32T},
		{Name: "callData", Type: bytes32T},
		{Name: "callGasLimit", Type: uint256T},
		{Name: "verificationGasLimit", Type: uint256T},
		{Name: "preVerificationGas", Type: uint256T},
		{Name: "maxFeePerGas", Type: uint256T},
		{Name: "maxPriorityFeePerGas", Type: uint256T},
		{Name: "paymasterAndData", Type: bytes32T},
	}

	hashArgs = abi.Arguments{
		{Name: "userOpHash", Type: bytes32T},
		{Name: "entryPoint", Type: addressT},
		{Name: "chainId", Type: uint256T},
	}
)

// UserOperation is an intent submitted to the bundler. Gas and fee fields are never nil after
// decoding; missing values decode as zero.
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

	// Advanced is off-chain scheduling metadata. It is not part of the hash and is never sent to
	// the entry point.
	Advanced *AdvancedUserOperation
}

type userOperationJSON struct {
	Sender               common.Address         `json:"sender"`
	Nonce                *hexutil.Big           `json:"nonce"`
	InitCode             hexutil.Bytes          `json:"initCode"`
	CallData             hexutil.Bytes          `json:"callData"`
	CallGasLimit         *hexutil.Big           `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big           `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big           `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big           `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big           `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes          `json:"paymasterAndData"`
	Signature            hexutil.Bytes          `json:"signature"`
	Advanced             *AdvancedUserOperation `json:"advancedUserOperation,omitempty"`
}

func (op *UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(&userOperationJSON{
		Sender:               op.Sender,
		Nonce:                (*hexutil.Big)(orZero(op.Nonce)),
		InitCode:             orEmpty(op.InitCode),
		CallData:             orEmpty(op.CallData),
		CallGasLimit:         (*hexutil.Big)(orZero(op.CallGasLimit)),
		VerificationGasLimit: (*hexutil.Big)(orZero(op.VerificationGasLimit)),
		PreVerificationGas:   (*hexutil.Big)(orZero(op.PreVerificationGas)),
		MaxFeePerGas:         (*hexutil.Big)(orZero(op.MaxFeePerGas)),
		MaxPriorityFeePerGas: (*hexutil.Big)(orZero(op.MaxPriorityFeePerGas)),
		PaymasterAndData:     orEmpty(op.PaymasterAndData),
		Signature:            orEmpty(op.Signature),
		Advanced:             op.Advanced,
	})
}

func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var raw userOperationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	op.Sender = raw.Sender
	op.Nonce = fromHexBig(raw.Nonce)
	op.InitCode = raw.InitCode
	op.CallData = raw.CallData
	op.CallGasLimit = fromHexBig(raw.CallGasLimit)
	op.VerificationGasLimit = fromHexBig(raw.VerificationGasLimit)
	op.PreVerificationGas = fromHexBig(raw.PreVerificationGas)
	op.MaxFeePerGas = fromHexBig(raw.MaxFeePerGas)
	op.MaxPriorityFeePerGas = fromHexBig(raw.MaxPriorityFeePerGas)
	op.PaymasterAndData = raw.PaymasterAndData
	op.Signature = raw.Signature
	op.Advanced = raw.Advanced
	return nil
}

// Hash computes the v0.6 userOpHash: keccak256(abi.encode(keccak256(pack(op)), entryPoint, chainId)).
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := op.packForHash()
	if err != nil {
		return common.Hash{}, err
	}

	encoded, err := hashArgs.Pack(crypto.Keccak256Hash(packed), entryPoint, orZero(chainID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode userop hash: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

func (op *UserOperation) packForHash() ([]byte, error) {
	packed, err := packForHashArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		orZero(op.CallGasLimit),
		orZero(op.VerificationGasLimit),
		orZero(op.PreVerificationGas),
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack userop: %w", err)
	}
	return packed, nil
}

// Factory returns the account factory encoded in the first 20 bytes of initCode, or the zero
// address when the account is already deployed.
func (op *UserOperation) Factory() common.Address {
	if len(op.InitCode) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(op.InitCode[:common.AddressLength])
}

// Paymaster returns the paymaster encoded in the first 20 bytes of paymasterAndData.
func (op *UserOperation) Paymaster() common.Address {
	if len(op.PaymasterAndData) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(op.PaymasterAndData[:common.AddressLength])
}

// NonceKey returns the upper 192 bits of the nonce.
func (op *UserOperation) NonceKey() *big.Int {
	return new(big.Int).Rsh(orZero(op.Nonce), 64)
}

// GasLimit is the worst case gas the op can consume inside handleOps. Verification is charged up
// to three times when a paymaster is involved (validateUserOp, validatePaymasterUserOp, postOp).
func (op *UserOperation) GasLimit() *big.Int {
	mul := int64(1)
	if op.Paymaster() != (common.Address{}) {
		mul = 3
	}

	total := new(big.Int).Mul(orZero(op.VerificationGasLimit), big.NewInt(mul))
	total.Add(total, orZero(op.CallGasLimit))
	total.Add(total, orZero(op.PreVerificationGas))
	return total
}

// Copy returns a deep copy of the operation.
func (op *UserOperation) Copy() *UserOperation {
	cp := &UserOperation{
		Sender:               op.Sender,
		Nonce:                copyBig(op.Nonce),
		InitCode:             common.CopyBytes(op.InitCode),
		CallData:             common.CopyBytes(op.CallData),
		CallGasLimit:         copyBig(op.CallGasLimit),
		VerificationGasLimit: copyBig(op.VerificationGasLimit),
		PreVerificationGas:   copyBig(op.PreVerificationGas),
		MaxFeePerGas:         copyBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: copyBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     common.CopyBytes(op.PaymasterAndData),
		Signature:            common.CopyBytes(op.Signature),
	}
	if op.Advanced != nil {
		adv := *op.Advanced
		cp.Advanced = &adv
	}
	return cp
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func orEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func fromHexBig(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return (*big.Int)(v)
}
