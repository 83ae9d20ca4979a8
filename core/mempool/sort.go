package mempool

import (
	"errors"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/model"
)

// GetSortedForBundle returns up to maxCount bundle candidates. Each sender contributes its
// lowest-nonce entry, optionally followed by entries with consecutive nonces up to the per-sender
// limit. Senders are ordered by their head's priority fee, highest first, then by admission order.
// A sender whose lowest-nonce entry fails a filter contributes nothing. Nonces are per entry
// point, so a sender's entries at different entry points form separate chains.
func (mp *Mempool) GetSortedForBundle(maxCount int, filters ...Filter) []*model.MempoolEntry {
	if maxCount <= 0 {
		return nil
	}

	type senderAt struct {
		entryPoint common.Address
		sender     common.Address
	}

	mp.mu.Lock()
	bySender := make(map[senderAt][]*model.MempoolEntry)
	for _, e := range mp.byHash {
		k := senderAt{entryPoint: e.EntryPoint, sender: e.Sender()}
		bySender[k] = append(bySender[k], e)
	}
	perSender := mp.cfg.MaxSenderOpsPerBundle
	mp.mu.Unlock()

	eligible := func(e *model.MempoolEntry) bool {
		for _, f := range filters {
			if !f(e) {
				return false
			}
		}
		return true
	}

	type chain struct {
		head    *model.MempoolEntry
		entries []*model.MempoolEntry
	}

	chains := make([]chain, 0, len(bySender))
	for _, entries := range bySender {
		sortByNonce(entries)

		head := entries[0]
		if !eligible(head) {
			continue
		}

		c := chain{head: head, entries: []*model.MempoolEntry{head}}
		for _, next := range entries[1:] {
			if len(c.entries) >= perSender {
				break
			}
			prev := c.entries[len(c.entries)-1]
			if next.UserOp.Nonce.Cmp(new(big.Int).Add(prev.UserOp.Nonce, common.Big1)) != 0 || !eligible(next) {
				break
			}
			c.entries = append(c.entries, next)
		}
		chains = append(chains, c)
	}

	sort.Slice(chains, func(i, j int) bool {
		if c := cmpFee(chains[i].head.UserOp.MaxPriorityFeePerGas, chains[j].head.UserOp.MaxPriorityFeePerGas); c != 0 {
			return c > 0
		}
		return chains[i].head.Seq < chains[j].head.Seq
	})

	out := make([]*model.MempoolEntry, 0, maxCount)
	for _, c := range chains {
		for _, e := range c.entries {
			if len(out) == maxCount {
				return out
			}
			out = append(out, e)
		}
	}
	return out
}

func sortByNonce(entries []*model.MempoolEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if c := entries[i].UserOp.Nonce.Cmp(entries[j].UserOp.Nonce); c != 0 {
			return c < 0
		}
		return entries[i].Seq < entries[j].Seq
	})
}

func cmpFee(a, b *big.Int) int {
	if a == nil {
		a = common.Big0
	}
	if b == nil {
		b = common.Big0
	}
	return a.Cmp(b)
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func admissionLabel(err error) string {
	switch {
	case errors.Is(err, model.ErrReplacementUnderpriced):
		return "underpriced"
	case strings.Contains(err.Error(), "banned"):
		return "banned"
	case strings.Contains(err.Error(), "throttled"):
		return "throttled"
	case strings.Contains(err.Error(), "mempool full"):
		return "full"
	}
	return "rejected"
}

// reasonClass keeps the metric label space small: entry point error codes such as AA21 are kept,
// anything else is bucketed by its first word.
func reasonClass(reason string) string {
	if len(reason) >= 4 && strings.HasPrefix(reason, "AA") {
		return reason[:4]
	}
	if i := strings.IndexAny(reason, " :"); i > 0 {
		return reason[:i]
	}
	if reason == "" {
		return "unknown"
	}
	return reason
}
