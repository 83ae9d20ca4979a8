package execution

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/core/testutil"
	"github.com/AvaProtocol/ap-bundler/model"
)

type step struct {
	name  string
	force bool
}

// recorder plays both pipeline stages and remembers the order they ran in.
type recorder struct {
	mu    sync.Mutex
	steps []step

	active    atomic.Int32
	maxActive atomic.Int32
	calls     atomic.Int32

	// when set, BuildAndSubmit waits on it
	gate chan struct{}
	// closed on first BuildAndSubmit
	started chan struct{}
	once    sync.Once
}

func newRecorder() *recorder {
	return &recorder{started: make(chan struct{})}
}

func (r *recorder) BuildAndSubmit(ctx context.Context, force bool) ([]*model.BundleResult, error) {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		cur := r.maxActive.Load()
		if n <= cur || r.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	r.calls.Add(1)
	r.once.Do(func() { close(r.started) })

	if r.gate != nil {
		<-r.gate
	}

	r.mu.Lock()
	r.steps = append(r.steps, step{name: "bundle", force: force})
	r.mu.Unlock()
	return nil, nil
}

func (r *recorder) HandlePastEvents(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step{name: "events"})
	return nil
}

func (r *recorder) recorded() []step {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]step{}, r.steps...)
}

func newTestScheduler(t *testing.T, cfg config.ExecutionConfig, r *recorder) *Scheduler {
	t.Helper()
	s, err := NewScheduler(cfg, r, r, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func manualConfig() config.ExecutionConfig {
	cfg := config.DefaultExecutionConfig()
	cfg.Mode = string(ModeManual)
	return cfg
}

func TestPoolSizeTriggersBeforeInterval(t *testing.T) {
	r := newRecorder()
	s := newTestScheduler(t, manualConfig(), r)
	require.NoError(t, s.SetInterval(1000*time.Millisecond, 5))

	rep, err := reputation.NewStore(config.DefaultReputationConfig(), nil, nil)
	require.NoError(t, err)
	defer rep.Close()
	pool := mempool.New(config.DefaultMempoolConfig(), rep)
	pool.OnAdded(s.OnPoolSize)

	start := time.Now()
	for i := 0; i < 4; i++ {
		_, err := pool.Add(testutil.NewEntry(testutil.NewUserOp(testutil.Address(i), 0, 10)))
		require.NoError(t, err)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), r.calls.Load(), "below max pool size")

	_, err = pool.Add(testutil.NewEntry(testutil.NewUserOp(testutil.Address(4), 0, 10)))
	require.NoError(t, err)

	select {
	case <-r.started:
		assert.Less(t, time.Since(start), 1000*time.Millisecond)
	case <-time.After(900 * time.Millisecond):
		t.Fatal("pool size did not trigger a bundling attempt")
	}
}

func TestIntervalTickFiresAttempt(t *testing.T) {
	r := newRecorder()
	s := newTestScheduler(t, manualConfig(), r)
	require.NoError(t, s.SetInterval(50*time.Millisecond, 1000))

	select {
	case <-r.started:
	case <-time.After(2 * time.Second):
		t.Fatal("interval job never ran")
	}

	mode, interval, maxPoolSize := s.Mode()
	assert.Equal(t, ModeInterval, mode)
	assert.Equal(t, 50*time.Millisecond, interval)
	assert.Equal(t, 1000, maxPoolSize)
}

func TestManualModeIgnoresTriggers(t *testing.T) {
	r := newRecorder()
	s := newTestScheduler(t, manualConfig(), r)

	s.OnPoolSize(10_000)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), r.calls.Load())

	_, err := s.SendBundleNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []step{{name: "bundle", force: true}, {name: "events"}}, r.recorded())
}

func TestAutoModeTriggersOnEveryAdmission(t *testing.T) {
	r := newRecorder()
	cfg := manualConfig()
	cfg.Mode = string(ModeAuto)
	s := newTestScheduler(t, cfg, r)

	s.OnPoolSize(1)
	assert.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTriggersCoalesceWhileBundling(t *testing.T) {
	r := newRecorder()
	r.gate = make(chan struct{})
	s := newTestScheduler(t, manualConfig(), r)

	s.Trigger()
	<-r.started
	for i := 0; i < 5; i++ {
		s.Trigger()
	}
	close(r.gate)

	assert.Eventually(t, func() bool { return len(r.recorded()) == 4 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), r.calls.Load(), "five triggers during an attempt yield one follow-up")
	assert.Equal(t, []step{{name: "bundle"}, {name: "events"}, {name: "bundle"}, {name: "events"}}, r.recorded())
}

func TestAttemptsNeverOverlap(t *testing.T) {
	r := newRecorder()
	s := newTestScheduler(t, manualConfig(), r)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Trigger()
		}()
		go func() {
			defer wg.Done()
			_, _ = s.SendBundleNow(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), r.maxActive.Load())

	// every bundle step is directly followed by its events step
	steps := r.recorded()
	for i := 0; i+1 < len(steps); i += 2 {
		assert.Equal(t, "bundle", steps[i].name)
		assert.Equal(t, "events", steps[i+1].name)
	}
}

func TestStopWaitsForInFlightAttempt(t *testing.T) {
	r := newRecorder()
	r.gate = make(chan struct{})
	s, err := NewScheduler(manualConfig(), r, r, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	s.Trigger()
	<-r.started

	stopped := make(chan struct{})
	go func() {
		_ = s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while an attempt was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(r.gate)
	<-stopped
	assert.Len(t, r.recorded(), 2)

	_, err = s.SendBundleNow(context.Background())
	assert.Error(t, err)
	s.Trigger()
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestSetModeValidation(t *testing.T) {
	r := newRecorder()
	s := newTestScheduler(t, manualConfig(), r)

	assert.Error(t, s.SetMode(ModeInterval))
	assert.Error(t, s.SetInterval(0, 5))
	assert.Error(t, s.SetInterval(time.Second, 0))
	require.NoError(t, s.SetMode(ModeAuto))

	mode, _, _ := s.Mode()
	assert.Equal(t, ModeAuto, mode)

	_, err := ParseMode("sometimes")
	assert.Error(t, err)
}
