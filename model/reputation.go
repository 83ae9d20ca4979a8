package model

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type ReputationStatus int

const (
	StatusOK ReputationStatus = iota
	StatusThrottled
	StatusBanned
)

func (s ReputationStatus) String() string {
	switch s {
	case StatusThrottled:
		return "throttled"
	case StatusBanned:
		return "banned"
	}
	return "ok"
}

func (s ReputationStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ReputationStatus) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "ok", "0":
		*s = StatusOK
	case "throttled", "1":
		*s = StatusThrottled
	case "banned", "2":
		*s = StatusBanned
	default:
		return fmt.Errorf("unknown reputation status %q", string(text))
	}
	return nil
}

type ReputationEntry struct {
	Address     common.Address   `json:"address"`
	OpsSeen     uint64           `json:"opsSeen"`
	OpsIncluded uint64           `json:"opsIncluded"`
	Status      ReputationStatus `json:"status"`
	Stake       *StakeInfo       `json:"stake,omitempty"`
}

// ReputationParam is one row of a setReputation override.
type ReputationParam struct {
	Address     common.Address    `json:"address" mapstructure:"address" validate:"required"`
	OpsSeen     uint64            `json:"opsSeen" mapstructure:"opsSeen"`
	OpsIncluded uint64            `json:"opsIncluded" mapstructure:"opsIncluded"`
	Status      *ReputationStatus `json:"status,omitempty" mapstructure:"status"`
}

type StakeInfo struct {
	Addr            common.Address `json:"addr"`
	Stake           *hexutil.Big   `json:"stake"`
	UnstakeDelaySec uint64         `json:"unstakeDelaySec"`
}

func NewStakeInfo(addr common.Address, stake *big.Int, unstakeDelaySec uint64) StakeInfo {
	if stake == nil {
		stake = new(big.Int)
	}
	return StakeInfo{
		Addr:            addr,
		Stake:           (*hexutil.Big)(new(big.Int).Set(stake)),
		UnstakeDelaySec: unstakeDelaySec,
	}
}

func (s StakeInfo) StakeInt() *big.Int {
	if s.Stake == nil {
		return new(big.Int)
	}
	return s.Stake.ToInt()
}

type StakeStatus struct {
	StakeInfo StakeInfo `json:"stakeInfo"`
	IsStaked  bool      `json:"isStaked"`
}
