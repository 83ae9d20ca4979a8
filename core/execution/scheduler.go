// Package execution decides when bundling attempts run.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/gosafe"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

type Mode string

const (
	// ModeManual bundles only on SendBundleNow.
	ModeManual Mode = "manual"
	// ModeAuto bundles after every admission.
	ModeAuto Mode = "auto"
	// ModeInterval bundles on a timer, or as soon as the pool reaches maxPoolSize.
	ModeInterval Mode = "interval"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeManual, ModeAuto, ModeInterval:
		return m, nil
	}
	return "", fmt.Errorf("unknown bundling mode %q", s)
}

type BundleBuilder interface {
	BuildAndSubmit(ctx context.Context, force bool) ([]*model.BundleResult, error)
}

type EventHandler interface {
	HandlePastEvents(ctx context.Context) error
}

// Scheduler runs the bundle-then-reconcile pipeline. At most one attempt runs at a time; triggers
// arriving during an attempt collapse into a single follow-up attempt.
type Scheduler struct {
	mu sync.Mutex

	mode        Mode
	interval    time.Duration
	maxPoolSize int

	// running is set while the trigger loop owns the pipeline, pending records a trigger that
	// arrived meanwhile
	running bool
	pending bool
	stopped bool

	// held for the duration of one attempt
	attempt sync.Mutex
	wg      sync.WaitGroup

	builder BundleBuilder
	events  EventHandler

	cron gocron.Scheduler
	job  gocron.Job

	ctx    context.Context
	cancel context.CancelFunc
	logger logger.Logger
}

func NewScheduler(cfg config.ExecutionConfig, builder BundleBuilder, events EventHandler, log logger.Logger) (*Scheduler, error) {
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	cron, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create bundling scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		mode:        mode,
		interval:    cfg.Interval,
		maxPoolSize: cfg.MaxPoolSize,
		builder:     builder,
		events:      events,
		cron:        cron,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.ForComponent(log, "execution"),
	}, nil
}

func (s *Scheduler) Start() error {
	s.cron.Start()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("bundling scheduler started", "mode", s.mode, "interval", s.interval, "max_pool_size", s.maxPoolSize)
	return s.rescheduleLocked()
}

// Stop halts the timer and waits for the in-flight attempt to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.pending = false
	s.mu.Unlock()

	err := s.cron.Shutdown()
	s.wg.Wait()
	s.cancel()

	s.logger.Info("bundling scheduler stopped")
	return err
}

func (s *Scheduler) Mode() (Mode, time.Duration, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode, s.interval, s.maxPoolSize
}

// SetMode switches between manual and auto. Use SetInterval for interval mode.
func (s *Scheduler) SetMode(mode Mode) error {
	if mode != ModeManual && mode != ModeAuto {
		return fmt.Errorf("mode %q needs an interval", mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	s.logger.Info("bundling mode changed", "mode", mode)
	return s.rescheduleLocked()
}

// SetInterval switches to interval mode: an attempt every interval, or as soon as the mempool
// holds maxPoolSize entries.
func (s *Scheduler) SetInterval(interval time.Duration, maxPoolSize int) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", interval)
	}
	if maxPoolSize < 1 {
		return fmt.Errorf("max pool size must be positive, got %d", maxPoolSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = ModeInterval
	s.interval = interval
	s.maxPoolSize = maxPoolSize
	s.logger.Info("bundling mode changed", "mode", ModeInterval, "interval", interval, "max_pool_size", maxPoolSize)
	return s.rescheduleLocked()
}

func (s *Scheduler) rescheduleLocked() error {
	if s.job != nil {
		if err := s.cron.RemoveJob(s.job.ID()); err != nil {
			s.logger.Warn("cannot remove interval job", "error", err)
		}
		s.job = nil
	}
	if s.mode != ModeInterval || s.stopped {
		return nil
	}

	job, err := s.cron.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.Trigger),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("cannot schedule interval bundling: %w", err)
	}
	s.job = job
	return nil
}

// OnPoolSize is the mempool admission hook.
func (s *Scheduler) OnPoolSize(size int) {
	s.mu.Lock()
	mode, maxPoolSize := s.mode, s.maxPoolSize
	s.mu.Unlock()

	switch {
	case mode == ModeAuto:
		s.Trigger()
	case mode == ModeInterval && size >= maxPoolSize:
		s.Trigger()
	}
}

// Trigger requests an attempt without waiting for it. A trigger during an attempt schedules
// exactly one more attempt once the current one ends.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.running {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	gosafe.Go(s.loop)
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	for {
		if _, err := s.run(s.ctx, false); err != nil {
			s.logger.Warn("bundling attempt failed", "error", err)
		}

		s.mu.Lock()
		if !s.pending || s.stopped {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.mu.Unlock()
	}
}

// SendBundleNow runs a forced attempt and waits for it, including event reconciliation.
func (s *Scheduler) SendBundleNow(ctx context.Context) ([]*model.BundleResult, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, fmt.Errorf("bundling scheduler is stopped")
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	return s.run(ctx, true)
}

// run is one pipeline pass: submission first, then reconciliation of whatever it produced.
func (s *Scheduler) run(ctx context.Context, force bool) ([]*model.BundleResult, error) {
	s.attempt.Lock()
	defer s.attempt.Unlock()

	results, err := s.builder.BuildAndSubmit(ctx, force)
	for _, result := range results {
		s.logger.Info("bundling attempt finished", "attempt", result.AttemptID, "entrypoint", result.EntryPoint.Hex(),
			"tx", result.TransactionHash.Hex(), "ops", len(result.IncludedHashes))
	}

	if evErr := s.events.HandlePastEvents(ctx); evErr != nil {
		s.logger.Warn("event reconciliation failed", "error", evErr)
	}
	return results, err
}
