package bundler

import (
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/testutil"
)

func jobNames(e *Engine) []string {
	return lo.Map(e.maintenanceJobs(), func(j maintenanceJob, _ int) string { return j.name })
}

func TestMaintenanceJobs(t *testing.T) {
	f := newFixture(t, testConfig(t))
	assert.Equal(t, []string{"reputation_decay", "mempool_sweep", "event_poll"}, jobNames(f.engine))

	cfg := testConfig(t)
	cfg.DbVacuumInterval = time.Hour
	cfg.Backup.Dir = t.TempDir()
	cfg.Backup.Interval = time.Hour
	f = newFixture(t, cfg)
	assert.Equal(t, []string{"reputation_decay", "mempool_sweep", "event_poll", "db_vacuum", "db_backup"}, jobNames(f.engine))

	f.engine.snapshot()
	files, err := f.engine.backup.Snapshots()
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestSweepEvictsExpiredEntries(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mempool.EntryTTL = time.Millisecond
	f := newFixture(t, cfg)

	hash := f.send(t, testutil.NewUserOp(testutil.Address(1), 0, 10))
	time.Sleep(5 * time.Millisecond)
	f.engine.sweepMempool()

	assert.Equal(t, 0, f.engine.mempool.Size())
	_, dropped := f.engine.mempool.DroppedReason(hash)
	assert.True(t, dropped)
}

func TestPollEventsRemovesConfirmedOps(t *testing.T) {
	cfg := testConfig(t)
	cfg.Events.ConfirmationDepth = 1
	f := newFixture(t, cfg)

	f.send(t, testutil.NewUserOp(testutil.Address(1), 0, 10))
	f.result(t, nil, "debug_bundler_sendBundleNow")
	require.Len(t, f.chain.SentBundles(), 1)

	// mined but not confirmed yet
	assert.Equal(t, 1, f.engine.mempool.Size())

	f.chain.MineEmpty(1)
	f.engine.pollEvents()
	assert.Equal(t, 0, f.engine.mempool.Size())
}
