package model

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// GenerateAttemptID returns a sortable id for one bundling attempt, used to correlate logs and
// drop records.
func GenerateAttemptID() string {
	return ulid.Make().String()
}

type Bundle struct {
	AttemptID   string
	EntryPoint  common.Address
	Entries     []*MempoolEntry
	GasEstimate uint64
	Beneficiary common.Address
}

func (b *Bundle) Ops() []*userop.UserOperation {
	return lo.Map(b.Entries, func(e *MempoolEntry, _ int) *userop.UserOperation {
		return e.UserOp
	})
}

func (b *Bundle) Hashes() []common.Hash {
	return lo.Map(b.Entries, func(e *MempoolEntry, _ int) common.Hash {
		return e.Hash
	})
}

type BundleResult struct {
	AttemptID       string         `json:"attemptId"`
	EntryPoint      common.Address `json:"entryPoint"`
	TransactionHash common.Hash    `json:"transactionHash"`
	IncludedHashes  []common.Hash  `json:"userOpHashes"`
	BlockNumber     uint64         `json:"blockNumber"`
	Dropped         []*DropRecord  `json:"dropped,omitempty"`
}

// DropRecord explains why an op left the mempool without being included.
type DropRecord struct {
	Hash      common.Hash    `json:"hash"`
	Sender    common.Address `json:"sender"`
	Nonce     *hexutil.Big   `json:"nonce"`
	Reason    string         `json:"reason"`
	AttemptID string         `json:"attemptId,omitempty"`
	DroppedAt time.Time      `json:"droppedAt"`
}

func NewDropRecord(entry *MempoolEntry, reason, attemptID string, now time.Time) *DropRecord {
	return &DropRecord{
		Hash:      entry.Hash,
		Sender:    entry.UserOp.Sender,
		Nonce:     (*hexutil.Big)(entry.UserOp.Nonce),
		Reason:    reason,
		AttemptID: attemptID,
		DroppedAt: now,
	}
}

func (d *DropRecord) ToJSON() ([]byte, error) {
	return json.Marshal(d)
}
