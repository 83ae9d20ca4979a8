// Package bundle turns mempool entries into handleOps transactions.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/chainio/signer"
	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

// StakeRecorder receives the stake infos returned by simulateValidation.
type StakeRecorder interface {
	UpdateStake(entryPoint common.Address, info model.StakeInfo)
}

// Builder assembles, submits and retries bundles for one entry point. Calls to BuildAndSubmit are
// serialized.
type Builder struct {
	mu sync.Mutex

	cfg         config.BundleConfig
	chainID     *big.Int
	client      chainio.ChainClient
	entryPoint  *aa.EntryPoint
	signer      *signer.Signer
	beneficiary common.Address

	mempool     *mempool.Mempool
	stakes      StakeRecorder
	eligibility *Eligibility

	// handleOps transactions without a receipt, by transaction nonce
	inflight map[uint64]*inflightTx
	// ops of mined bundles the reconciler has not removed yet
	mined map[model.EntryKey]minedOp

	metrics metrics.MetricsGenerator
	logger  logger.Logger
	now     func() time.Time
}

type Option func(*Builder)

func WithMetrics(m metrics.MetricsGenerator) Option {
	return func(b *Builder) { b.metrics = m }
}

func WithLogger(l logger.Logger) Option {
	return func(b *Builder) { b.logger = logger.ForComponent(l, "bundle") }
}

func WithEligibility(el *Eligibility) Option {
	return func(b *Builder) { b.eligibility = el }
}

func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

func NewBuilder(
	cfg config.BundleConfig,
	chainID *big.Int,
	client chainio.ChainClient,
	entryPoint common.Address,
	s *signer.Signer,
	beneficiary common.Address,
	pool *mempool.Mempool,
	stakes StakeRecorder,
	opts ...Option,
) *Builder {
	b := &Builder{
		cfg:         cfg,
		chainID:     chainID,
		client:      client,
		entryPoint:  aa.NewEntryPoint(entryPoint, client),
		signer:      s,
		beneficiary: beneficiary,
		mempool:     pool,
		stakes:      stakes,
		inflight:    make(map[uint64]*inflightTx),
		mined:       make(map[model.EntryKey]minedOp),
		metrics:     metrics.NewNoopMetrics(),
		logger:      logger.ForComponent(nil, "bundle"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.eligibility == nil {
		b.eligibility = NewEligibility(nil, b.logger)
	}
	if b.beneficiary == (common.Address{}) {
		b.beneficiary = s.Address
	}
	return b
}

func (b *Builder) EntryPoint() common.Address {
	return b.entryPoint.Address
}

// BuildAndSubmit simulates the best candidates, submits them as one handleOps transaction and
// waits for its receipt. It returns nil without touching the chain when nothing is ready to be
// bundled. Unless force is set, fewer ready ops than the configured minimum also yield nil.
func (b *Builder) BuildAndSubmit(ctx context.Context, force bool) (*model.BundleResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	attemptID := model.GenerateAttemptID()
	log := b.logger.With("attempt", attemptID, "entrypoint", b.entryPoint.Address.Hex())
	if err := b.checkInflight(ctx, log); err != nil {
		b.metrics.IncBundleAttempt("failed")
		return nil, err
	}
	b.releaseMined()

	candidates := b.mempool.GetSortedForBundle(b.cfg.MaxBundleSize*2, b.forEntryPoint, b.notReserved, b.eligibility.Filter)
	if len(candidates) == 0 {
		b.metrics.IncBundleAttempt("empty")
		return nil, nil
	}

	bundle, dropped, err := b.selectValid(ctx, candidates, attemptID)
	if err != nil {
		b.metrics.IncBundleAttempt("failed")
		log.Warn("bundle simulation aborted", "error", err)
		return nil, err
	}
	if len(bundle.Entries) == 0 || (!force && len(bundle.Entries) < b.cfg.MinBundleSize) {
		b.metrics.IncBundleAttempt("empty")
		log.Debug("nothing to bundle", "candidates", len(candidates), "valid", len(bundle.Entries), "dropped", len(dropped))
		return nil, nil
	}
	bundle.AttemptID = attemptID

	result, err := b.submit(ctx, bundle, log)
	if result != nil {
		result.Dropped = append(dropped, result.Dropped...)
	}
	return result, err
}

func (b *Builder) forEntryPoint(e *model.MempoolEntry) bool {
	return e.EntryPoint == b.entryPoint.Address
}

// notReserved keeps out every (sender, nonce) already carried by a pending or freshly mined
// bundle, whatever the hash of the pooled op now is.
func (b *Builder) notReserved(e *model.MempoolEntry) bool {
	k := keyOf(e)
	if _, ok := b.mined[k]; ok {
		return false
	}
	for _, tx := range b.inflight {
		if _, ok := tx.keys[k]; ok {
			return false
		}
	}
	return true
}

// releaseMined forgets mined ops that left the mempool. Ops the reconciler never removes are
// released after resubmit_after and fail simulation on their used nonce.
func (b *Builder) releaseMined() {
	now := b.now()
	for k, m := range b.mined {
		if _, ok := b.mempool.Get(m.hash); !ok || now.Sub(m.at) > b.cfg.ResubmitAfter {
			delete(b.mined, k)
		}
	}
}

// selectValid simulates candidates in order and keeps the valid ones that fit the gas ceiling.
// Ops failing validation are dropped from the mempool. A sender whose op is dropped or skipped
// contributes nothing after it, which would only leave a nonce gap.
func (b *Builder) selectValid(ctx context.Context, candidates []*model.MempoolEntry, attemptID string) (*model.Bundle, []*model.DropRecord, error) {
	bundle := &model.Bundle{
		EntryPoint:  b.entryPoint.Address,
		Beneficiary: b.beneficiary,
	}
	var dropped []*model.DropRecord
	blocked := make(map[common.Address]bool)

	for _, e := range candidates {
		if len(bundle.Entries) >= b.cfg.MaxBundleSize {
			break
		}
		if blocked[e.Sender()] {
			continue
		}

		res, err := b.entryPoint.SimulateValidation(ctx, e.UserOp)
		var failed *aa.FailedOpError
		switch {
		case errors.As(err, &failed):
			blocked[e.Sender()] = true
			if r := b.mempool.Drop(e.Hash, failed.Reason, attemptID); r != nil {
				dropped = append(dropped, r)
			}
			continue
		case errors.Is(err, aa.ErrUnknownRevert):
			blocked[e.Sender()] = true
			if r := b.mempool.Drop(e.Hash, err.Error(), attemptID); r != nil {
				dropped = append(dropped, r)
			}
			continue
		case err != nil:
			return nil, dropped, model.ChainError("simulateValidation", err)
		}

		if reason, drop := b.checkValidity(res); reason != "" {
			blocked[e.Sender()] = true
			if drop {
				if r := b.mempool.Drop(e.Hash, reason, attemptID); r != nil {
					dropped = append(dropped, r)
				}
			}
			continue
		}
		b.recordStakes(e, res)

		opGas := e.UserOp.GasLimit().Uint64()
		if bundle.GasEstimate+opGas > b.cfg.MaxBundleGas {
			if opGas > b.cfg.MaxBundleGas {
				if r := b.mempool.Drop(e.Hash, fmt.Sprintf("gas limit %d exceeds max bundle gas %d", opGas, b.cfg.MaxBundleGas), attemptID); r != nil {
					dropped = append(dropped, r)
				}
			}
			blocked[e.Sender()] = true
			continue
		}

		bundle.Entries = append(bundle.Entries, e)
		bundle.GasEstimate += opGas
	}
	return bundle, dropped, nil
}

// checkValidity inspects a successful simulation. It returns a reason when the op cannot go into
// this bundle, and whether the op should also leave the mempool.
func (b *Builder) checkValidity(res *aa.ValidationResult) (string, bool) {
	info := res.ReturnInfo
	if info.SigFailed {
		return "AA24 signature error", true
	}

	now := big.NewInt(b.now().Unix())
	if info.ValidUntil != nil && info.ValidUntil.Sign() > 0 && info.ValidUntil.Cmp(now) < 0 {
		return "AA22 expired or not due", true
	}
	if info.ValidAfter != nil && info.ValidAfter.Cmp(now) > 0 {
		return "not valid yet", false
	}
	return "", false
}

func (b *Builder) recordStakes(e *model.MempoolEntry, res *aa.ValidationResult) {
	if b.stakes == nil {
		return
	}

	record := func(addr common.Address, info aa.StakeInfo) {
		if addr == (common.Address{}) || info.Stake == nil || info.UnstakeDelaySec == nil {
			return
		}
		b.stakes.UpdateStake(b.entryPoint.Address, model.NewStakeInfo(addr, info.Stake, info.UnstakeDelaySec.Uint64()))
	}

	record(e.Sender(), res.SenderInfo)
	record(e.Factory, res.FactoryInfo)
	record(e.Paymaster, res.PaymasterInfo)
	if res.Aggregator != nil {
		record(res.Aggregator.Aggregator, res.Aggregator.StakeInfo)
	}
}

// submit sends the bundle, dropping the op named by a FailedOp revert and retrying without it, up
// to the configured number of attempts.
func (b *Builder) submit(ctx context.Context, bundle *model.Bundle, log logger.Logger) (*model.BundleResult, error) {
	var dropped []*model.DropRecord
	dropAt := func(i int, reason string) error {
		if i < 0 || i >= len(bundle.Entries) {
			return fmt.Errorf("%w: FailedOp index %d out of range", model.ErrSubmissionReverted, i)
		}
		e := bundle.Entries[i]
		if r := b.mempool.Drop(e.Hash, reason, bundle.AttemptID); r != nil {
			dropped = append(dropped, r)
		}
		// later ops of the same sender would fail on the nonce gap
		kept := append([]*model.MempoolEntry{}, bundle.Entries[:i]...)
		for _, next := range bundle.Entries[i+1:] {
			if next.Sender() != e.Sender() {
				kept = append(kept, next)
			}
		}
		bundle.Entries = kept
		return nil
	}

	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		if len(bundle.Entries) == 0 {
			b.metrics.IncBundleAttempt("empty")
			log.Info("every op of the bundle was dropped", "dropped", len(dropped))
			return nil, nil
		}

		ops := bundle.Ops()
		estimate, err := b.entryPoint.EstimateHandleOps(ctx, b.signer.Address, ops, bundle.Beneficiary)
		var failed *aa.FailedOpError
		if errors.As(err, &failed) {
			log.Warn("handleOps estimation failed", "index", failed.OpIndex, "reason", failed.Reason, "attempt_no", attempt)
			if err := dropAt(failed.OpIndex, failed.Reason); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			b.metrics.IncBundleAttempt("failed")
			return nil, model.ChainError("estimateGas", err)
		}

		tx, err := b.send(ctx, bundle, estimate)
		if err != nil {
			b.metrics.IncBundleAttempt("failed")
			return nil, model.ChainError("sendTransaction", err)
		}
		hashes := bundle.Hashes()
		pending := newInflightTx(tx, bundle, b.now())
		b.inflight[tx.Nonce()] = pending
		log.Info("bundle submitted", "tx", tx.Hash().Hex(), "ops", len(hashes), "gas", tx.Gas(),
			"max_fee_gwei", toGwei(tx.GasFeeCap()), "tip_gwei", toGwei(tx.GasTipCap()))

		receipt, err := b.waitReceipt(ctx, tx.Hash())
		if err != nil {
			// the transaction may still land, its ops stay reserved while it is pending
			b.metrics.IncBundleAttempt("failed")
			return nil, model.ChainError("transactionReceipt", err)
		}

		delete(b.inflight, tx.Nonce())
		if receipt.Status == types.ReceiptStatusSuccessful {
			b.markMined(pending)
			b.metrics.IncBundleAttempt("mined")
			b.metrics.ObserveBundleSize(len(hashes))
			log.Info("bundle mined", "tx", tx.Hash().Hex(), "block", receipt.BlockNumber, "ops", len(hashes),
				"explorer", config.ExplorerTxURL(b.chainID.Uint64(), tx.Hash()))
			return &model.BundleResult{
				AttemptID:       bundle.AttemptID,
				EntryPoint:      bundle.EntryPoint,
				TransactionHash: tx.Hash(),
				IncludedHashes:  hashes,
				BlockNumber:     receipt.BlockNumber.Uint64(),
				Dropped:         dropped,
			}, nil
		}

		b.metrics.IncBundleAttempt("reverted")

		err = b.entryPoint.ReplayHandleOps(ctx, b.signer.Address, ops, bundle.Beneficiary, receipt.BlockNumber)
		if !errors.As(err, &failed) {
			log.Error("bundle reverted without a FailedOp", "tx", tx.Hash().Hex(), "error", err)
			return nil, fmt.Errorf("%w: transaction %s reverted: %v", model.ErrSubmissionReverted, tx.Hash().Hex(), err)
		}
		log.Warn("bundle reverted on chain", "tx", tx.Hash().Hex(), "index", failed.OpIndex, "reason", failed.Reason, "attempt_no", attempt)
		if err := dropAt(failed.OpIndex, failed.Reason); err != nil {
			return nil, err
		}
	}

	log.Error("bundle abandoned", "attempts", b.cfg.MaxAttempts, "dropped", len(dropped))
	return nil, fmt.Errorf("%w: abandoned after %d attempts", model.ErrSubmissionReverted, b.cfg.MaxAttempts)
}

func (b *Builder) send(ctx context.Context, bundle *model.Bundle, estimate uint64) (*types.Transaction, error) {
	data, err := aa.PackHandleOps(bundle.Ops(), bundle.Beneficiary)
	if err != nil {
		return nil, err
	}

	nonce, err := b.client.PendingNonceAt(ctx, b.signer.Address)
	if err != nil {
		return nil, err
	}
	// stay above our own pending transactions even if the node dropped them
	for n := range b.inflight {
		if n >= nonce {
			nonce = n + 1
		}
	}

	maxFee, tip, err := eip1559.SuggestFee(ctx, b.client)
	if err != nil {
		return nil, err
	}

	to := b.entryPoint.Address
	tx, err := b.signer.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		// 20% headroom over the estimate
		Gas:  estimate * 12 / 10,
		To:   &to,
		Data: data,
	}))
	if err != nil {
		return nil, err
	}

	if err := b.client.SendTransaction(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func (b *Builder) waitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(b.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := b.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no receipt for %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func toGwei(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -9).String()
}
