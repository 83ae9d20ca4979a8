package model

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// KeyMode selects how two ops of the same sender collide in the mempool.
type KeyMode string

const (
	// KeyModeNonce keys entries by (sender, nonce).
	KeyModeNonce KeyMode = "nonce"
	// KeyModeNonceKey keys entries by (sender, nonce >> 64), one pending op per nonce lane.
	KeyModeNonceKey KeyMode = "nonce_key"
)

// EntryKey identifies the mempool slot an op competes for. Nonces are tracked per entry point, so
// ops of one sender at different entry points never collide.
type EntryKey struct {
	EntryPoint common.Address
	Sender     common.Address
	Key        string
}

type MempoolEntry struct {
	ChainID         uint64                `json:"chainId"`
	UserOp          *userop.UserOperation `json:"userOp"`
	EntryPoint      common.Address        `json:"entryPoint"`
	Hash            common.Hash           `json:"hash"`
	Aggregator      *common.Address       `json:"aggregator,omitempty"`
	LastUpdatedTime time.Time             `json:"lastUpdatedTime"`

	// Factory and paymaster addresses referenced by the op, zero when absent
	Factory   common.Address `json:"factory,omitempty"`
	Paymaster common.Address `json:"paymaster,omitempty"`

	// monotonically increasing admission order, used as fee tie-break
	Seq uint64 `json:"-"`
}

// NewMempoolEntry wraps op for the given entry point and computes its identity hash.
func NewMempoolEntry(op *userop.UserOperation, entryPoint common.Address, chainID *big.Int, now time.Time) (*MempoolEntry, error) {
	hash, err := op.Hash(entryPoint, chainID)
	if err != nil {
		return nil, err
	}

	return &MempoolEntry{
		ChainID:         chainID.Uint64(),
		UserOp:          op,
		EntryPoint:      entryPoint,
		Hash:            hash,
		LastUpdatedTime: now,
		Factory:         op.Factory(),
		Paymaster:       op.Paymaster(),
	}, nil
}

func (e *MempoolEntry) Sender() common.Address {
	return e.UserOp.Sender
}

func (e *MempoolEntry) Key(mode KeyMode) EntryKey {
	if mode == KeyModeNonceKey {
		return EntryKey{EntryPoint: e.EntryPoint, Sender: e.UserOp.Sender, Key: e.UserOp.NonceKey().String()}
	}
	return EntryKey{EntryPoint: e.EntryPoint, Sender: e.UserOp.Sender, Key: e.UserOp.Nonce.String()}
}

// Entities lists every address whose reputation is involved in admitting this entry, sender first.
func (e *MempoolEntry) Entities() []common.Address {
	entities := []common.Address{e.UserOp.Sender}
	if e.Factory != (common.Address{}) {
		entities = append(entities, e.Factory)
	}
	if e.Paymaster != (common.Address{}) {
		entities = append(entities, e.Paymaster)
	}
	if e.Aggregator != nil && *e.Aggregator != (common.Address{}) {
		entities = append(entities, *e.Aggregator)
	}
	return entities
}

func (e *MempoolEntry) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
