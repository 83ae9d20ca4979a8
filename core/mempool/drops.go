package mempool

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/storage"
	"github.com/AvaProtocol/ap-bundler/storage/schema"
)

const defaultDropLogSize = 1000

// DropLog remembers why operations were dropped. Recent records stay in memory; when a storage is
// given they are also persisted with a TTL so operators can look them up after a restart.
type DropLog struct {
	mu      sync.Mutex
	records map[common.Hash]*model.DropRecord
	order   []common.Hash
	size    int

	db     storage.Storage
	ttl    time.Duration
	logger logger.Logger
}

func NewDropLog(db storage.Storage, size int, ttl time.Duration, log logger.Logger) *DropLog {
	if size <= 0 {
		size = defaultDropLogSize
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &DropLog{
		records: make(map[common.Hash]*model.DropRecord),
		size:    size,
		db:      db,
		ttl:     ttl,
		logger:  logger.ForComponent(log, "droplog"),
	}
}

func (d *DropLog) Record(r *model.DropRecord) {
	d.mu.Lock()
	if _, ok := d.records[r.Hash]; !ok {
		d.order = append(d.order, r.Hash)
	}
	d.records[r.Hash] = r
	for len(d.order) > d.size {
		delete(d.records, d.order[0])
		d.order = d.order[1:]
	}
	d.mu.Unlock()

	if d.db == nil {
		return
	}
	data, err := r.ToJSON()
	if err != nil {
		return
	}
	if err := d.db.SetWithTTL(schema.DropKey(r.Hash), data, d.ttl); err != nil {
		d.logger.Warn("cannot persist drop record", "hash", r.Hash.Hex(), "error", err)
	}
}

func (d *DropLog) Get(hash common.Hash) (*model.DropRecord, bool) {
	d.mu.Lock()
	r, ok := d.records[hash]
	d.mu.Unlock()
	if ok {
		return r, true
	}

	if d.db == nil {
		return nil, false
	}
	data, err := d.db.GetKey(schema.DropKey(hash))
	if err != nil {
		if !errors.Is(err, storage.ErrKeyNotFound) {
			d.logger.Warn("cannot read drop record", "hash", hash.Hex(), "error", err)
		}
		return nil, false
	}

	var record model.DropRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, false
	}
	return &record, true
}

// Recent returns up to limit records, newest first.
func (d *DropLog) Recent(limit int) []*model.DropRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	if limit <= 0 || limit > len(d.order) {
		limit = len(d.order)
	}
	out := make([]*model.DropRecord, 0, limit)
	for i := len(d.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, d.records[d.order[i]])
	}
	return out
}
