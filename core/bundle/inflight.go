package bundle

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

// keyOf names an op by what the entry point executes at most once.
func keyOf(e *model.MempoolEntry) model.EntryKey {
	return e.Key(model.KeyModeNonce)
}

type minedOp struct {
	hash common.Hash
	at   time.Time
}

// inflightTx is a handleOps transaction sent without a receipt yet. Replacements reuse its nonce,
// so at most one of txHashes can ever be mined.
type inflightTx struct {
	tx       *types.Transaction
	txHashes []common.Hash
	bundle   *model.Bundle
	keys     map[model.EntryKey]struct{}
	sentAt   time.Time
}

func newInflightTx(tx *types.Transaction, bundle *model.Bundle, sentAt time.Time) *inflightTx {
	keys := make(map[model.EntryKey]struct{}, len(bundle.Entries))
	for _, e := range bundle.Entries {
		keys[keyOf(e)] = struct{}{}
	}
	return &inflightTx{
		tx:       tx,
		txHashes: []common.Hash{tx.Hash()},
		bundle:   bundle,
		keys:     keys,
		sentAt:   sentAt,
	}
}

func (b *Builder) markMined(p *inflightTx) {
	at := b.now()
	for _, e := range p.bundle.Entries {
		b.mined[keyOf(e)] = minedOp{hash: e.Hash, at: at}
	}
}

// checkInflight settles pending transactions from an earlier call. A mined one moves its ops to the
// mined set, a reverted one or one whose nonce was taken by another transaction releases them, and
// one pending longer than resubmit_after is replaced at the same nonce with higher fees.
func (b *Builder) checkInflight(ctx context.Context, log logger.Logger) error {
	if len(b.inflight) == 0 {
		return nil
	}

	// read the nonce before the receipts so a transaction mined in between is seen as mined
	confirmed, err := b.client.NonceAt(ctx, b.signer.Address, nil)
	if err != nil {
		return model.ChainError("getTransactionCount", err)
	}

	nonces := lo.Keys(b.inflight)
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	for _, nonce := range nonces {
		p := b.inflight[nonce]

		receipt, err := b.findReceipt(ctx, p)
		if err != nil {
			return model.ChainError("transactionReceipt", err)
		}
		switch {
		case receipt != nil && receipt.Status == types.ReceiptStatusSuccessful:
			delete(b.inflight, nonce)
			b.markMined(p)
			b.metrics.IncBundleAttempt("mined")
			b.metrics.ObserveBundleSize(len(p.bundle.Entries))
			log.Info("pending bundle mined", "tx", receipt.TxHash.Hex(), "block", receipt.BlockNumber, "ops", len(p.bundle.Entries))

		case receipt != nil:
			// the ops stay pooled and get simulated again
			delete(b.inflight, nonce)
			b.metrics.IncBundleAttempt("reverted")
			log.Warn("pending bundle reverted", "tx", receipt.TxHash.Hex(), "block", receipt.BlockNumber, "ops", len(p.bundle.Entries))

		case confirmed > nonce:
			delete(b.inflight, nonce)
			log.Warn("pending bundle nonce used by another transaction", "nonce", nonce, "ops", len(p.bundle.Entries))

		case b.now().Sub(p.sentAt) >= b.cfg.ResubmitAfter:
			if err := b.replace(ctx, p, log); err != nil {
				return model.ChainError("sendTransaction", err)
			}
		}
	}
	return nil
}

func (b *Builder) findReceipt(ctx context.Context, p *inflightTx) (*types.Receipt, error) {
	for _, h := range p.txHashes {
		receipt, err := b.client.TransactionReceipt(ctx, h)
		if errors.Is(err, ethereum.NotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return receipt, nil
	}
	return nil, nil
}

// replace resends the pending transaction with the same nonce and payload. Both fee caps rise by
// at least an eighth, above the 10% nodes require to accept a replacement.
func (b *Builder) replace(ctx context.Context, p *inflightTx, log logger.Logger) error {
	suggestedFee, suggestedTip, err := eip1559.SuggestFee(ctx, b.client)
	if err != nil {
		return err
	}
	prev := p.tx
	tip := lo.Ternary(suggestedTip.Cmp(bump(prev.GasTipCap())) > 0, suggestedTip, bump(prev.GasTipCap()))
	maxFee := lo.Ternary(suggestedFee.Cmp(bump(prev.GasFeeCap())) > 0, suggestedFee, bump(prev.GasFeeCap()))
	if maxFee.Cmp(tip) < 0 {
		maxFee = new(big.Int).Set(tip)
	}

	tx, err := b.signer.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.chainID,
		Nonce:     prev.Nonce(),
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       prev.Gas(),
		To:        prev.To(),
		Data:      prev.Data(),
	}))
	if err != nil {
		return err
	}
	if err := b.client.SendTransaction(ctx, tx); err != nil {
		return err
	}

	p.tx = tx
	p.txHashes = append(p.txHashes, tx.Hash())
	p.sentAt = b.now()
	b.metrics.IncBundleAttempt("replaced")
	log.Info("pending bundle replaced", "nonce", tx.Nonce(), "tx", tx.Hash().Hex(), "replaced", prev.Hash().Hex(),
		"max_fee_gwei", toGwei(maxFee), "tip_gwei", toGwei(tip))
	return nil
}

func bump(v *big.Int) *big.Int {
	return new(big.Int).Add(v, new(big.Int).Div(v, big.NewInt(8)))
}
