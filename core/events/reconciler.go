// Package events reconciles the mempool and the reputation store with what the entry points
// actually executed on chain.
package events

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/storage"
	"github.com/AvaProtocol/ap-bundler/storage/schema"
)

// Pool is the part of the mempool the reconciler mutates.
type Pool interface {
	Remove(hash common.Hash) bool
	RemoveStale(entryPoint, sender common.Address, nonce *big.Int) []common.Hash
}

type InclusionRecorder interface {
	RecordIncluded(addr common.Address)
	RevertIncluded(addr common.Address)
}

// credits older than this many blocks below the watermark are forgotten
const creditWindow = 256

// credit remembers who was credited for an op so a rescan does not count it twice and a rollback
// can take it back.
type credit struct {
	entryPoint common.Address
	block      uint64
	entities   []common.Address
}

// Observer is fed trigger logs and inclusions for advanced op scheduling.
type Observer interface {
	ObserveLog(l types.Log)
	ObserveInclusion(hash common.Hash, blockTime uint64)
	Forget(fromBlock uint64)
	TriggerWatches() ([]common.Address, []common.Hash)
}

type Reconciler struct {
	mu sync.Mutex

	cfg         config.EventsConfig
	client      chainio.ChainClient
	entryPoints []common.Address
	db          storage.Storage

	pool       Pool
	reputation InclusionRecorder
	observer   Observer

	watermarks map[common.Address]uint64
	credited   map[common.Hash]credit
	// trigger logs are only needed while the process runs, their cursor is not persisted
	triggerWatermark uint64
	initialized      bool

	metrics metrics.MetricsGenerator
	logger  logger.Logger
}

type Option func(*Reconciler)

func WithMetrics(m metrics.MetricsGenerator) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func WithLogger(l logger.Logger) Option {
	return func(r *Reconciler) { r.logger = logger.ForComponent(l, "events") }
}

func WithObserver(o Observer) Option {
	return func(r *Reconciler) { r.observer = o }
}

func NewReconciler(cfg config.EventsConfig, client chainio.ChainClient, entryPoints []common.Address, db storage.Storage, pool Pool, rep InclusionRecorder, opts ...Option) *Reconciler {
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = config.DefaultEventsConfig().MaxBlockRange
	}

	r := &Reconciler{
		cfg:         cfg,
		client:      client,
		entryPoints: entryPoints,
		db:          db,
		pool:        pool,
		reputation:  rep,
		watermarks:  make(map[common.Address]uint64),
		credited:    make(map[common.Hash]credit),
		metrics:     metrics.NewNoopMetrics(),
		logger:      logger.ForComponent(nil, "events"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init loads persisted watermarks. Entry points without one start at the configured block, or at
// the current confirmed head when none is configured.
func (r *Reconciler) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.init(ctx)
}

func (r *Reconciler) init(ctx context.Context) error {
	if r.initialized {
		return nil
	}

	head, err := r.client.BlockNumber(ctx)
	if err != nil {
		return model.ChainError("blockNumber", err)
	}
	safe := r.safeHead(head)

	start := safe
	if r.cfg.StartBlock > 0 {
		start = r.cfg.StartBlock - 1
	}

	for _, ep := range r.entryPoints {
		key := schema.WatermarkKey(ep)
		found, err := r.db.Exist(key)
		if err != nil {
			return fmt.Errorf("cannot look up watermark of %s: %w", ep.Hex(), err)
		}
		if !found {
			if err := r.db.SetCounter(key, start); err != nil {
				return fmt.Errorf("cannot persist watermark of %s: %w", ep.Hex(), err)
			}
			r.watermarks[ep] = start
			r.logger.Info("event watermark initialized", "entrypoint", ep.Hex(), "block", start)
			continue
		}

		wm, err := r.db.GetCounter(key)
		if err != nil {
			return fmt.Errorf("cannot load watermark of %s: %w", ep.Hex(), err)
		}
		r.watermarks[ep] = wm
		r.logger.Info("event watermark loaded", "entrypoint", ep.Hex(), "block", wm)
	}
	r.triggerWatermark = safe
	r.initialized = true
	return nil
}

func (r *Reconciler) safeHead(head uint64) uint64 {
	if head < r.cfg.ConfirmationDepth {
		return 0
	}
	return head - r.cfg.ConfirmationDepth
}

// Watermark returns the last reconciled block of an entry point.
func (r *Reconciler) Watermark(entryPoint common.Address) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watermarks[entryPoint]
}

// HandlePastEvents scans every block confirmed since the last call, removes included ops from the
// mempool and credits the entities involved.
func (r *Reconciler) HandlePastEvents(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.init(ctx); err != nil {
		return err
	}

	head, err := r.client.BlockNumber(ctx)
	if err != nil {
		return model.ChainError("blockNumber", err)
	}
	safe := r.safeHead(head)

	var errs []error
	for _, ep := range r.entryPoints {
		if err := r.scanEntryPoint(ctx, ep, safe); err != nil {
			errs = append(errs, fmt.Errorf("entrypoint %s: %w", ep.Hex(), err))
		}
	}
	if err := r.scanTriggers(ctx, safe); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Reconciler) scanEntryPoint(ctx context.Context, ep common.Address, safe uint64) error {
	if err := r.checkReorg(ctx, ep); err != nil {
		return err
	}

	topics := []common.Hash{
		aa.EventTopic("UserOperationEvent"),
		aa.EventTopic("AccountDeployed"),
		aa.EventTopic("SignatureAggregatorChanged"),
		aa.EventTopic("UserOperationRevertReason"),
	}

	for from := r.watermarks[ep] + 1; from <= safe; {
		to := min(from+r.cfg.MaxBlockRange-1, safe)

		logs, err := r.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{ep},
			Topics:    [][]common.Hash{topics},
		})
		if err != nil {
			return model.ChainError("getLogs", err)
		}
		if err := r.handleLogs(ctx, ep, logs); err != nil {
			return err
		}
		if err := r.saveWatermark(ctx, ep, to); err != nil {
			return err
		}
		from = to + 1
	}
	return nil
}

// checkReorg compares the stored hash of the watermark block with the chain. On mismatch the
// watermark moves back by the confirmation depth so the affected range is scanned again.
func (r *Reconciler) checkReorg(ctx context.Context, ep common.Address) error {
	wm := r.watermarks[ep]
	stored, err := r.db.GetKey(schema.WatermarkHashKey(ep))
	if err != nil || len(stored) != common.HashLength {
		// nothing recorded yet
		return nil
	}

	header, err := r.client.HeaderByNumber(ctx, new(big.Int).SetUint64(wm))
	switch {
	case errors.Is(err, ethereum.NotFound):
		// the chain is now shorter than our watermark
	case err != nil:
		return model.ChainError("headerByNumber", err)
	case header.Hash() == common.BytesToHash(stored):
		return nil
	}

	rollback := max(r.cfg.ConfirmationDepth, 1)
	newWatermark := uint64(0)
	if wm > rollback {
		newWatermark = wm - rollback
	}

	r.metrics.IncReorg(ep.Hex())
	r.logger.Warn("chain reorganization detected",
		"entrypoint", ep.Hex(),
		"error", fmt.Errorf("%w: block %d hash changed", model.ErrReorgDetected, wm),
		"from", wm, "to", newWatermark)

	r.uncredit(ep, newWatermark)
	if r.observer != nil {
		r.observer.Forget(newWatermark + 1)
	}
	if r.triggerWatermark > newWatermark {
		r.triggerWatermark = newWatermark
	}
	if err := r.db.Delete(schema.WatermarkHashKey(ep)); err != nil {
		return err
	}
	if err := r.db.SetCounter(schema.WatermarkKey(ep), newWatermark); err != nil {
		return err
	}
	r.watermarks[ep] = newWatermark
	return nil
}

func (r *Reconciler) saveWatermark(ctx context.Context, ep common.Address, block uint64) error {
	header, err := r.client.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return model.ChainError("headerByNumber", err)
	}

	hash := header.Hash()
	if err := r.db.BatchWrite(map[string][]byte{
		string(schema.WatermarkKey(ep)):     []byte(strconv.FormatUint(block, 10)),
		string(schema.WatermarkHashKey(ep)): hash.Bytes(),
	}); err != nil {
		return fmt.Errorf("cannot persist watermark: %w", err)
	}

	r.watermarks[ep] = block
	r.metrics.SetLastScannedBlock(ep.Hex(), block)
	for hash, c := range r.credited {
		if c.entryPoint == ep && c.block+creditWindow < block {
			delete(r.credited, hash)
		}
	}
	return nil
}

// uncredit takes back the inclusions credited above watermark. A rescan credits them again if
// they are still on the canonical chain.
func (r *Reconciler) uncredit(ep common.Address, watermark uint64) {
	for hash, c := range r.credited {
		if c.entryPoint != ep || c.block <= watermark {
			continue
		}
		for _, addr := range c.entities {
			r.reputation.RevertIncluded(addr)
		}
		delete(r.credited, hash)
		r.logger.Info("inclusion credit reverted", "hash", hash.Hex(), "block", c.block)
	}
}

func (r *Reconciler) handleLogs(ctx context.Context, ep common.Address, logs []types.Log) error {
	blockTimes := make(map[uint64]uint64)
	blockTime := func(number uint64) (uint64, error) {
		if t, ok := blockTimes[number]; ok {
			return t, nil
		}
		header, err := r.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return 0, model.ChainError("headerByNumber", err)
		}
		blockTimes[number] = header.Time
		return header.Time, nil
	}

	// factories of accounts deployed by an op, emitted before its UserOperationEvent
	deployedBy := make(map[common.Hash]common.Address)
	// SignatureAggregatorChanged applies to the following ops of the same transaction
	aggregators := make(map[common.Hash]common.Address)

	for _, l := range logs {
		if len(l.Topics) == 0 {
			continue
		}

		switch l.Topics[0] {
		case aa.EventTopic("AccountDeployed"):
			ev, err := aa.ParseAccountDeployed(l)
			if err != nil {
				r.logger.Warn("cannot parse AccountDeployed", "tx", l.TxHash.Hex(), "error", err)
				continue
			}
			deployedBy[ev.UserOpHash] = ev.Factory

		case aa.EventTopic("SignatureAggregatorChanged"):
			agg, err := aa.ParseSignatureAggregatorChanged(l)
			if err != nil {
				continue
			}
			aggregators[l.TxHash] = agg

		case aa.EventTopic("UserOperationRevertReason"):
			ev, err := aa.ParseUserOperationRevertReason(l)
			if err == nil {
				r.logger.Info("user operation execution reverted", "hash", ev.UserOpHash.Hex(), "sender", ev.Sender.Hex(), "reason", fmt.Sprintf("0x%x", ev.RevertReason))
			}

		case aa.EventTopic("UserOperationEvent"):
			ev, err := aa.ParseUserOperationEvent(l)
			if err != nil {
				r.logger.Warn("cannot parse UserOperationEvent", "tx", l.TxHash.Hex(), "error", err)
				continue
			}

			ts, err := blockTime(l.BlockNumber)
			if err != nil {
				return err
			}
			r.handleInclusion(ep, ev, deployedBy[ev.UserOpHash], aggregators[l.TxHash], ts)
		}
	}
	return nil
}

func (r *Reconciler) handleInclusion(ep common.Address, ev *aa.UserOperationEvent, factory, aggregator common.Address, blockTime uint64) {
	removed := r.pool.Remove(ev.UserOpHash)
	stale := r.pool.RemoveStale(ep, ev.Sender, ev.Nonce)

	_, seen := r.credited[ev.UserOpHash]
	if !seen {
		c := credit{entryPoint: ep, block: ev.Raw.BlockNumber}
		for _, addr := range []common.Address{ev.Sender, ev.Paymaster, factory, aggregator} {
			if addr != (common.Address{}) {
				r.reputation.RecordIncluded(addr)
				c.entities = append(c.entities, addr)
			}
		}
		r.credited[ev.UserOpHash] = c
	}
	if r.observer != nil {
		r.observer.ObserveInclusion(ev.UserOpHash, blockTime)
	}

	kind := "included"
	if !ev.Success {
		kind = "execution_failed"
	}
	r.metrics.IncReconciledEvent(kind)
	r.logger.Info("user operation included",
		"hash", ev.UserOpHash.Hex(),
		"sender", ev.Sender.Hex(),
		"nonce", ev.Nonce,
		"success", ev.Success,
		"block", ev.Raw.BlockNumber,
		"tx", ev.Raw.TxHash.Hex(),
		"entrypoint", ep.Hex(),
		"pooled", removed,
		"stale_removed", len(stale),
		"rescanned", seen)
}

func (r *Reconciler) scanTriggers(ctx context.Context, safe uint64) error {
	if r.observer == nil {
		return nil
	}

	addrs, topics := r.observer.TriggerWatches()
	if len(addrs) == 0 {
		r.triggerWatermark = max(r.triggerWatermark, safe)
		return nil
	}

	for from := r.triggerWatermark + 1; from <= safe; {
		to := min(from+r.cfg.MaxBlockRange-1, safe)

		logs, err := r.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: addrs,
			Topics:    [][]common.Hash{topics},
		})
		if err != nil {
			return model.ChainError("getLogs", err)
		}
		for _, l := range logs {
			r.observer.ObserveLog(l)
			r.metrics.IncReconciledEvent("trigger")
		}
		r.triggerWatermark = to
		from = to + 1
	}
	return nil
}
