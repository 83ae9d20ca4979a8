package testutil

import (
	"math/big"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/storage"
)

var (
	ChainID    = big.NewInt(1337)
	EntryPoint = config.EntryPointV06
	// anvil account #0
	BundlerKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	Beneficiary   = common.HexToAddress("0x000000000000000000000000000000000000bEEF")
)

// Shortcut to initialize an in-memory storage, panic if we cannot create db
func TestMustDB() storage.Storage {
	db, err := storage.New(&storage.Config{InMemory: true})
	if err != nil {
		panic(err)
	}
	return db
}

func GetLogger() sdklogging.Logger {
	logger, err := sdklogging.NewZapLogger("development")
	if err != nil {
		panic(err)
	}
	return logger
}

// Address returns a deterministic, non-zero address for index i.
func Address(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x1000 + i)))
}

// NewUserOp builds a plausible, already deployed op. Gas values add up to 200k.
func NewUserOp(sender common.Address, nonce int64, priorityFee int64) *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               sender,
		Nonce:                big.NewInt(nonce),
		InitCode:             []byte{},
		CallData:             []byte{0xb6, 0x1d, 0x27, 0xf6},
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(50_000),
		PreVerificationGas:   big.NewInt(50_000),
		MaxFeePerGas:         big.NewInt(priorityFee + 1_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(priorityFee),
		PaymasterAndData:     []byte{},
		Signature:            []byte{0x01},
	}
}

// WithPaymaster sets paymasterAndData to the paymaster address followed by some data.
func WithPaymaster(op *userop.UserOperation, paymaster common.Address) *userop.UserOperation {
	op.PaymasterAndData = append(paymaster.Bytes(), 0xca, 0xfe)
	return op
}

// WithFactory sets initCode to the factory address followed by some calldata.
func WithFactory(op *userop.UserOperation, factory common.Address) *userop.UserOperation {
	op.InitCode = append(factory.Bytes(), 0x5f, 0xbf, 0xb9, 0xcf)
	return op
}

func NewEntry(op *userop.UserOperation) *model.MempoolEntry {
	e, err := model.NewMempoolEntry(op, EntryPoint, ChainID, time.Now())
	if err != nil {
		panic(err)
	}
	return e
}
