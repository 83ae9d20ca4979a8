// Package reputation keeps per-entity inclusion counters and derives whether an entity may keep
// submitting operations.
package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

// DepositReader fetches an entity's deposit and stake from an entry point.
type DepositReader interface {
	GetDepositInfo(ctx context.Context, entryPoint, account common.Address) (*aa.IStakeManagerDepositInfo, error)
}

// ChainDepositReader reads deposits with eth_call against the live chain.
type ChainDepositReader struct {
	Client chainio.ChainClient
}

func (r ChainDepositReader) GetDepositInfo(ctx context.Context, entryPoint, account common.Address) (*aa.IStakeManagerDepositInfo, error) {
	return aa.NewEntryPoint(entryPoint, r.Client).GetDepositInfo(ctx, account)
}

type entry struct {
	opsSeen     uint64
	opsIncluded uint64
	// banned latches once the derivation says BANNED and is only re-evaluated on decay or override
	banned bool
	// explicit status from SetReputation, wins over the derivation
	override *model.ReputationStatus
	stake    *model.StakeInfo
}

type Store struct {
	mu      sync.RWMutex
	entries map[common.Address]*entry

	params     config.ReputationConfig
	stakeCache *bigcache.BigCache
	deposits   DepositReader
	logger     logger.Logger
}

func NewStore(params config.ReputationConfig, deposits DepositReader, log logger.Logger) (*Store, error) {
	cacheConfig := bigcache.DefaultConfig(params.StakeCacheTTL)
	cacheConfig.Shards = 64
	cacheConfig.CleanWindow = params.StakeCacheTTL / 2
	if cacheConfig.CleanWindow < time.Second {
		cacheConfig.CleanWindow = time.Second
	}
	cacheConfig.MaxEntriesInWindow = 10_000
	cacheConfig.MaxEntrySize = 256
	cacheConfig.Verbose = false

	cache, err := bigcache.New(context.Background(), cacheConfig)
	if err != nil {
		return nil, fmt.Errorf("cannot create stake cache: %w", err)
	}

	if params.MinInclusionDenominator == 0 {
		params.MinInclusionDenominator = 1
	}
	if params.MinStake == nil {
		params.MinStake = new(big.Int)
	}

	return &Store{
		entries:    make(map[common.Address]*entry),
		params:     params,
		stakeCache: cache,
		deposits:   deposits,
		logger:     logger.ForComponent(log, "reputation"),
	}, nil
}

// Close releases the stake cache.
func (s *Store) Close() error {
	return s.stakeCache.Close()
}

func (s *Store) getOrCreate(addr common.Address) *entry {
	e, ok := s.entries[addr]
	if !ok {
		e = &entry{}
		s.entries[addr] = e
	}
	return e
}

func (s *Store) RecordSeen(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.getOrCreate(addr)
	e.opsSeen++
	s.latch(addr, e)
}

func (s *Store) RecordIncluded(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.getOrCreate(addr).opsIncluded++
}

// RevertIncluded takes back an inclusion whose block was orphaned.
func (s *Store) RevertIncluded(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[addr]; ok && e.opsIncluded > 0 {
		e.opsIncluded--
	}
}

// Status returns the current status of addr. Unknown entities are OK.
func (s *Store) Status(addr common.Address) model.ReputationStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[addr]
	if !ok {
		return model.StatusOK
	}
	return s.status(e)
}

func (s *Store) status(e *entry) model.ReputationStatus {
	if e.override != nil {
		return *e.override
	}
	if e.banned {
		return model.StatusBanned
	}
	return s.derive(e)
}

func (s *Store) latch(addr common.Address, e *entry) {
	if e.override == nil && !e.banned && s.derive(e) == model.StatusBanned {
		e.banned = true
		s.logger.Warn("entity banned", "address", addr.Hex(), "opsSeen", e.opsSeen, "opsIncluded", e.opsIncluded)
	}
}

// derive applies the status table. An entity below the inclusion ratio is THROTTLED when its stake
// is adequate and BANNED when it is unstaked and past the seen cap. An unstaked entity under the
// cap stays OK.
func (s *Store) derive(e *entry) model.ReputationStatus {
	expected := e.opsSeen / s.params.MinInclusionDenominator
	if expected <= e.opsIncluded+s.params.ThrottlingSlack {
		return model.StatusOK
	}
	if s.stakeAdequate(e.stake) {
		return model.StatusThrottled
	}
	if e.opsSeen > s.params.BanSeenCap {
		return model.StatusBanned
	}
	return model.StatusOK
}

func (s *Store) stakeAdequate(stake *model.StakeInfo) bool {
	if stake == nil {
		return false
	}
	return stake.StakeInt().Cmp(s.params.MinStake) >= 0 && stake.UnstakeDelaySec >= s.params.MinUnstakeDelay
}

func (s *Store) Entry(addr common.Address) model.ReputationEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[addr]
	if !ok {
		return model.ReputationEntry{Address: addr, Status: model.StatusOK}
	}
	return s.toModel(addr, e)
}

func (s *Store) toModel(addr common.Address, e *entry) model.ReputationEntry {
	out := model.ReputationEntry{
		Address:     addr,
		OpsSeen:     e.opsSeen,
		OpsIncluded: e.opsIncluded,
		Status:      s.status(e),
	}
	if e.stake != nil {
		stake := *e.stake
		out.Stake = &stake
	}
	return out
}

func stakeCacheKey(entryPoint, addr common.Address) string {
	return strings.ToLower(entryPoint.Hex() + ":" + addr.Hex())
}

// GetStakeStatus returns the on-chain stake of addr at entryPoint, served from the cache when
// possible.
func (s *Store) GetStakeStatus(ctx context.Context, addr, entryPoint common.Address) (*model.StakeStatus, error) {
	key := stakeCacheKey(entryPoint, addr)
	if raw, err := s.stakeCache.Get(key); err == nil {
		var info model.StakeInfo
		if err := json.Unmarshal(raw, &info); err == nil {
			return s.stakeStatus(info), nil
		}
	} else if !errors.Is(err, bigcache.ErrEntryNotFound) {
		s.logger.Warn("stake cache read failed", "key", key, "error", err)
	}

	if s.deposits == nil {
		return nil, fmt.Errorf("no deposit reader configured")
	}

	deposit, err := s.deposits.GetDepositInfo(ctx, entryPoint, addr)
	if err != nil {
		return nil, model.ChainError("getDepositInfo", err)
	}

	info := model.NewStakeInfo(addr, deposit.Stake, uint64(deposit.UnstakeDelaySec))
	s.UpdateStake(entryPoint, info)

	return s.stakeStatus(info), nil
}

func (s *Store) stakeStatus(info model.StakeInfo) *model.StakeStatus {
	return &model.StakeStatus{
		StakeInfo: info,
		IsStaked:  s.stakeAdequate(&info),
	}
}

// UpdateStake records a stake observed elsewhere, e.g. returned by simulateValidation.
func (s *Store) UpdateStake(entryPoint common.Address, info model.StakeInfo) {
	if raw, err := json.Marshal(info); err == nil {
		if err := s.stakeCache.Set(stakeCacheKey(entryPoint, info.Addr), raw); err != nil {
			s.logger.Warn("stake cache write failed", "address", info.Addr.Hex(), "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreate(info.Addr).stake = &info
}

// InvalidateStake forgets the cached stake so the next lookup goes to the chain.
func (s *Store) InvalidateStake(addr, entryPoint common.Address) {
	_ = s.stakeCache.Delete(stakeCacheKey(entryPoint, addr))

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[addr]; ok {
		e.stake = nil
	}
}

// Decay halves every counter. Entries left with nothing to remember are dropped.
func (s *Store) Decay() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for addr, e := range s.entries {
		e.opsSeen /= 2
		e.opsIncluded /= 2

		if e.banned && s.derive(e) != model.StatusBanned {
			e.banned = false
			s.logger.Info("entity unbanned after decay", "address", addr.Hex())
		}

		if e.opsSeen == 0 && e.opsIncluded == 0 && e.override == nil && e.stake == nil {
			delete(s.entries, addr)
		}
	}
}

// SetReputation overwrites counters, and optionally the status, for the given entities.
func (s *Store) SetReputation(params []model.ReputationParam) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range params {
		e := s.getOrCreate(p.Address)
		e.opsSeen = p.OpsSeen
		e.opsIncluded = p.OpsIncluded
		e.banned = false
		e.override = nil
		if p.Status != nil {
			status := *p.Status
			e.override = &status
		}
		s.latch(p.Address, e)
	}
}

// Dump lists every tracked entity ordered by address.
func (s *Store) Dump() []model.ReputationEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ReputationEntry, 0, len(s.entries))
	for addr, e := range s.entries {
		out = append(out, s.toModel(addr, e))
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].Address.Hex(), out[j].Address.Hex()) < 0
	})
	return out
}

func (s *Store) ClearState() {
	s.mu.Lock()
	s.entries = make(map[common.Address]*entry)
	s.mu.Unlock()

	if err := s.stakeCache.Reset(); err != nil {
		s.logger.Warn("cannot reset stake cache", "error", err)
	}
}

// CountByStatus is used by the metrics collector.
func (s *Store) CountByStatus() map[string]int {
	dump := s.Dump()
	return lo.CountValuesBy(dump, func(e model.ReputationEntry) string {
		return e.Status.String()
	})
}

// MinStake exposes the configured stake floor, in wei.
func (s *Store) MinStake() *big.Int {
	return new(big.Int).Set(s.params.MinStake)
}
