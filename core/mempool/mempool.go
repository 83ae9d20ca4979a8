// Package mempool holds admitted user operations until they are included on chain or evicted.
package mempool

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

// ReputationChecker is the part of the reputation store admission depends on.
type ReputationChecker interface {
	Status(addr common.Address) model.ReputationStatus
	RecordSeen(addr common.Address)
}

// Filter reports whether an entry may be bundled right now.
type Filter func(e *model.MempoolEntry) bool

type Mempool struct {
	mu sync.Mutex

	byHash map[common.Hash]*model.MempoolEntry
	byKey  map[model.EntryKey]*model.MempoolEntry
	// number of pending entries referencing an address as sender, factory, paymaster or aggregator
	entityCount map[common.Address]int
	seq         uint64

	onAdded []func(size int)

	cfg        config.MempoolConfig
	reputation ReputationChecker
	drops      *DropLog
	metrics    metrics.MetricsGenerator
	logger     logger.Logger

	now func() time.Time
}

type Option func(*Mempool)

func WithMetrics(m metrics.MetricsGenerator) Option {
	return func(mp *Mempool) { mp.metrics = m }
}

func WithLogger(l logger.Logger) Option {
	return func(mp *Mempool) { mp.logger = logger.ForComponent(l, "mempool") }
}

func WithDropLog(d *DropLog) Option {
	return func(mp *Mempool) { mp.drops = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(mp *Mempool) { mp.now = now }
}

func New(cfg config.MempoolConfig, reputation ReputationChecker, opts ...Option) *Mempool {
	if cfg.KeyMode == "" {
		cfg.KeyMode = model.KeyModeNonce
	}
	if cfg.MaxSenderOpsPerBundle < 1 {
		cfg.MaxSenderOpsPerBundle = 1
	}

	mp := &Mempool{
		byHash:      make(map[common.Hash]*model.MempoolEntry),
		byKey:       make(map[model.EntryKey]*model.MempoolEntry),
		entityCount: make(map[common.Address]int),
		cfg:         cfg,
		reputation:  reputation,
		metrics:     metrics.NewNoopMetrics(),
		logger:      logger.ForComponent(nil, "mempool"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(mp)
	}
	if mp.drops == nil {
		mp.drops = NewDropLog(nil, 0, 0, mp.logger)
	}
	return mp
}

// OnAdded registers a hook called, outside the lock, after every successful admission.
func (mp *Mempool) OnAdded(fn func(size int)) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.onAdded = append(mp.onAdded, fn)
}

// Add admits entry, replacing a same-key entry when the new one pays a strictly higher
// priority fee.
func (mp *Mempool) Add(entry *model.MempoolEntry) (common.Hash, error) {
	mp.mu.Lock()

	hash, replaced, err := mp.admit(entry)
	if err != nil {
		mp.mu.Unlock()
		mp.metrics.IncAdmission(admissionLabel(err))
		mp.logger.Debug("user operation rejected", "hash", entry.Hash.Hex(), "sender", entry.Sender().Hex(), "error", err)
		return common.Hash{}, err
	}

	size := len(mp.byHash)
	hooks := append([]func(int){}, mp.onAdded...)
	mp.mu.Unlock()

	if replaced != nil {
		mp.metrics.IncAdmission("replaced")
		mp.logger.Info("user operation replaced", "hash", hash.Hex(), "replaced", replaced.Hash.Hex(), "sender", entry.Sender().Hex())
	} else {
		mp.metrics.IncAdmission("accepted")
		mp.logger.Info("user operation admitted", "hash", hash.Hex(), "sender", entry.Sender().Hex(), "nonce", entry.UserOp.Nonce, "size", size)
	}

	for _, fn := range hooks {
		fn(size)
	}
	return hash, nil
}

func (mp *Mempool) admit(entry *model.MempoolEntry) (common.Hash, *model.MempoolEntry, error) {
	// the hash covers sender and nonce, so a resubmitted identical op lands on its own key and
	// fails the fee comparison below
	key := entry.Key(mp.cfg.KeyMode)
	existing := mp.byKey[key]

	for _, addr := range entry.Entities() {
		switch mp.reputation.Status(addr) {
		case model.StatusBanned:
			return common.Hash{}, nil, model.NewAdmissionRejected(model.CodeThrottledOrBanned, "%s %s is banned", mp.role(entry, addr), addr.Hex())
		case model.StatusThrottled:
			pending := mp.entityCount[addr]
			if existing != nil && references(existing, addr) {
				pending--
			}
			if pending > 0 {
				return common.Hash{}, nil, model.NewAdmissionRejected(model.CodeThrottledOrBanned, "%s %s is throttled and already has a pending operation", mp.role(entry, addr), addr.Hex())
			}
		}
	}

	if existing != nil {
		oldFee := existing.UserOp.MaxPriorityFeePerGas
		newFee := entry.UserOp.MaxPriorityFeePerGas
		if cmpFee(newFee, oldFee) <= 0 {
			return common.Hash{}, nil, model.NewReplacementUnderpriced(
				"maxPriorityFeePerGas %s must exceed %s of %s", bigString(newFee), bigString(oldFee), existing.Hash.Hex(),
			).WithData(map[string]string{"existing": existing.Hash.Hex()})
		}
	} else if mp.cfg.MaxSize > 0 && len(mp.byHash) >= mp.cfg.MaxSize {
		return common.Hash{}, nil, model.NewAdmissionRejected(model.CodeInternal, "mempool full (%d entries)", len(mp.byHash))
	}

	if existing != nil {
		mp.unindex(existing)
		mp.drops.Record(model.NewDropRecord(existing, "replaced by "+entry.Hash.Hex(), "", mp.now()))
	}

	mp.seq++
	entry.Seq = mp.seq
	entry.LastUpdatedTime = mp.now()
	mp.index(entry)

	for _, addr := range entry.Entities() {
		mp.reputation.RecordSeen(addr)
	}

	return entry.Hash, existing, nil
}

func (mp *Mempool) role(entry *model.MempoolEntry, addr common.Address) string {
	switch addr {
	case entry.Sender():
		return "sender"
	case entry.Factory:
		return "factory"
	case entry.Paymaster:
		return "paymaster"
	}
	return "aggregator"
}

func references(e *model.MempoolEntry, addr common.Address) bool {
	for _, a := range e.Entities() {
		if a == addr {
			return true
		}
	}
	return false
}

func (mp *Mempool) index(e *model.MempoolEntry) {
	mp.byHash[e.Hash] = e
	mp.byKey[e.Key(mp.cfg.KeyMode)] = e
	for _, addr := range e.Entities() {
		mp.entityCount[addr]++
	}
}

func (mp *Mempool) unindex(e *model.MempoolEntry) {
	delete(mp.byHash, e.Hash)
	key := e.Key(mp.cfg.KeyMode)
	if cur, ok := mp.byKey[key]; ok && cur.Hash == e.Hash {
		delete(mp.byKey, key)
	}
	for _, addr := range e.Entities() {
		mp.entityCount[addr]--
		if mp.entityCount[addr] <= 0 {
			delete(mp.entityCount, addr)
		}
	}
}

// Remove deletes the entry with the given hash. Removing an unknown hash is a no-op.
func (mp *Mempool) Remove(hash common.Hash) bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	e, ok := mp.byHash[hash]
	if !ok {
		return false
	}
	mp.unindex(e)
	return true
}

// RemoveStale removes the sender's entries at entryPoint in the same nonce lane at or below nonce,
// which can no longer execute once an op with that nonce was included.
func (mp *Mempool) RemoveStale(entryPoint, sender common.Address, nonce *big.Int) []common.Hash {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	lane := new(big.Int).Rsh(nonce, 64)
	var removed []common.Hash
	for _, e := range mp.byHash {
		if e.EntryPoint != entryPoint || e.Sender() != sender || e.UserOp.NonceKey().Cmp(lane) != 0 || e.UserOp.Nonce.Cmp(nonce) > 0 {
			continue
		}
		mp.unindex(e)
		removed = append(removed, e.Hash)
	}
	return removed
}

// Drop removes an entry that will not be included and records why.
func (mp *Mempool) Drop(hash common.Hash, reason, attemptID string) *model.DropRecord {
	mp.mu.Lock()
	e, ok := mp.byHash[hash]
	if ok {
		mp.unindex(e)
	}
	mp.mu.Unlock()

	if !ok {
		return nil
	}

	record := model.NewDropRecord(e, reason, attemptID, mp.now())
	mp.drops.Record(record)
	mp.metrics.IncDroppedOp(reasonClass(reason))
	mp.logger.Warn("user operation dropped", "hash", hash.Hex(), "sender", e.Sender().Hex(), "reason", reason, "attempt", attemptID)
	return record
}

// EvictEntity drops every entry that references addr.
func (mp *Mempool) EvictEntity(addr common.Address, reason string) []*model.DropRecord {
	mp.mu.Lock()
	var hashes []common.Hash
	for _, e := range mp.byHash {
		if references(e, addr) {
			hashes = append(hashes, e.Hash)
		}
	}
	mp.mu.Unlock()

	var records []*model.DropRecord
	for _, h := range hashes {
		if r := mp.Drop(h, reason, ""); r != nil {
			records = append(records, r)
		}
	}
	return records
}

// Sweep evicts entries past their TTL, past their execution window, or referencing a banned entity.
// A throttled entity is trimmed back to its lowest-nonce entry.
func (mp *Mempool) Sweep(now time.Time) []*model.DropRecord {
	type eviction struct {
		hash   common.Hash
		reason string
	}

	mp.mu.Lock()
	var evictions []eviction
	evicted := make(map[common.Hash]bool)
	evict := func(e *model.MempoolEntry, reason string) {
		evictions = append(evictions, eviction{e.Hash, reason})
		evicted[e.Hash] = true
	}
	throttled := make(map[common.Address][]*model.MempoolEntry)

	for _, e := range mp.byHash {
		switch {
		case mp.cfg.EntryTTL > 0 && now.Sub(e.LastUpdatedTime) > mp.cfg.EntryTTL:
			evict(e, "expired after "+mp.cfg.EntryTTL.String())
		case e.UserOp.Advanced != nil && e.UserOp.Advanced.ExecutionTimeWindow != nil && e.UserOp.Advanced.ExecutionTimeWindow.Expired(now):
			evict(e, "execution window expired")
		default:
			for _, addr := range e.Entities() {
				status := mp.reputation.Status(addr)
				if status == model.StatusBanned {
					evict(e, "entity "+addr.Hex()+" is banned")
					break
				}
				if status == model.StatusThrottled {
					throttled[addr] = append(throttled[addr], e)
				}
			}
		}
	}

	for addr, entries := range throttled {
		entries = lo.Filter(entries, func(e *model.MempoolEntry, _ int) bool { return !evicted[e.Hash] })
		if len(entries) < 2 {
			continue
		}
		sortByNonce(entries)
		for _, e := range entries[1:] {
			evict(e, "entity "+addr.Hex()+" is throttled")
		}
	}
	mp.mu.Unlock()

	var records []*model.DropRecord
	for _, ev := range evictions {
		if r := mp.Drop(ev.hash, ev.reason, ""); r != nil {
			records = append(records, r)
		}
	}
	return records
}

func (mp *Mempool) Get(hash common.Hash) (*model.MempoolEntry, bool) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	e, ok := mp.byHash[hash]
	return e, ok
}

// GetBySender returns the sender's pending entries in nonce order.
func (mp *Mempool) GetBySender(sender common.Address) []*model.MempoolEntry {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	var out []*model.MempoolEntry
	for _, e := range mp.byHash {
		if e.Sender() == sender {
			out = append(out, e)
		}
	}
	sortByNonce(out)
	return out
}

func (mp *Mempool) Size() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return len(mp.byHash)
}

// Dump returns all entries in admission order.
func (mp *Mempool) Dump() []*model.MempoolEntry {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	out := make([]*model.MempoolEntry, 0, len(mp.byHash))
	for _, e := range mp.byHash {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// ClearState removes every entry. Drop records are kept.
func (mp *Mempool) ClearState() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.byHash = make(map[common.Hash]*model.MempoolEntry)
	mp.byKey = make(map[model.EntryKey]*model.MempoolEntry)
	mp.entityCount = make(map[common.Address]int)
}

// DroppedReason looks up why an op left the mempool without inclusion.
func (mp *Mempool) DroppedReason(hash common.Hash) (*model.DropRecord, bool) {
	return mp.drops.Get(hash)
}
