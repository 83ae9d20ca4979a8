package userop

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// AdvancedUserOperation carries optional scheduling conditions. An op carrying one is only handed
// to the bundle builder once every condition it declares is satisfied.
type AdvancedUserOperation struct {
	ExecutionTimeWindow *ExecutionTimeWindow `json:"executionTimeWindow,omitempty"`
	TriggerEvent        *TriggerEvent        `json:"triggerEvent,omitempty"`
	UserOpDependency    *UserOpDependency    `json:"userOpDependency,omitempty"`
}

// ExecutionTimeWindow bounds, in unix seconds, when the op may be bundled. A zero End leaves the
// window open ended.
type ExecutionTimeWindow struct {
	Start Uint64 `json:"executionWindowStart"`
	End   Uint64 `json:"executionWindowEnd"`
}

func (w *ExecutionTimeWindow) Opened(now time.Time) bool {
	return uint64(now.Unix()) >= uint64(w.Start)
}

func (w *ExecutionTimeWindow) Expired(now time.Time) bool {
	return w.End != 0 && uint64(now.Unix()) > uint64(w.End)
}

// TriggerEvent makes the op wait for a log emitted by ContractAddress. EventSignature is either a
// canonical signature such as "Transfer(address,address,uint256)" or the topic hash itself.
type TriggerEvent struct {
	ContractAddress     common.Address `json:"contractAddress"`
	EventSignature      string         `json:"eventSignature"`
	EvaluationStatement string         `json:"evaluationStatement,omitempty"`
}

func (t *TriggerEvent) Topic() common.Hash {
	sig := strings.TrimSpace(t.EventSignature)
	if strings.HasPrefix(sig, "0x") && len(sig) == 2+2*common.HashLength {
		return common.HexToHash(sig)
	}
	return crypto.Keccak256Hash([]byte(sig))
}

// UserOpDependency delays the op until another op has been included for at least BufferTime
// seconds.
type UserOpDependency struct {
	UserOpHash common.Hash `json:"userOpHash"`
	BufferTime Uint64      `json:"bufferTime"`
}

// Uint64 decodes from a JSON number, a decimal string or a 0x-prefixed hex string.
type Uint64 uint64

func (u Uint64) MarshalJSON() ([]byte, error) {
	return json.Marshal(uint64(u))
}

func (u *Uint64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*u = 0
		return nil
	}

	v, ok := math.ParseUint64(s)
	if !ok {
		return fmt.Errorf("invalid uint64 value %q", s)
	}
	*u = Uint64(v)
	return nil
}
