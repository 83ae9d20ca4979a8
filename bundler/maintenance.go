package bundler

import (
	"context"
	"fmt"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
)

const eventPollTimeout = time.Minute

type maintenanceJob struct {
	name  string
	every time.Duration
	run   func()
}

func (e *Engine) maintenanceJobs() []maintenanceJob {
	jobs := []maintenanceJob{
		{name: "reputation_decay", every: e.config.Reputation.DecayInterval, run: e.decayReputation},
		{name: "mempool_sweep", every: e.config.Mempool.SweepInterval, run: e.sweepMempool},
		{name: "event_poll", every: e.config.Events.PollInterval, run: e.pollEvents},
	}
	if e.config.DbVacuumInterval > 0 {
		jobs = append(jobs, maintenanceJob{name: "db_vacuum", every: e.config.DbVacuumInterval, run: e.vacuum})
	}
	if e.backup != nil {
		jobs = append(jobs, maintenanceJob{name: "db_backup", every: e.config.Backup.Interval, run: e.snapshot})
	}
	return jobs
}

func (e *Engine) startMaintenance() error {
	for _, job := range e.maintenanceJobs() {
		if job.every <= 0 {
			e.jobLogger.Warn("maintenance job disabled", "job", job.name)
			continue
		}

		_, err := e.cron.NewJob(
			gocron.DurationJob(job.every),
			gocron.NewTask(job.run),
			gocron.WithName(job.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("cannot schedule %s: %w", job.name, err)
		}
		e.jobLogger.Debug("maintenance job scheduled", "job", job.name, "every", job.every.String())
	}

	e.cron.Start()
	return nil
}

func (e *Engine) decayReputation() {
	e.reputation.Decay()
	e.jobLogger.Debug("reputation decayed", "entities", len(e.reputation.Dump()))
}

func (e *Engine) sweepMempool() {
	dropped := e.mempool.Sweep(time.Now())
	if len(dropped) > 0 {
		e.jobLogger.Info("mempool swept", "evicted", len(dropped), "size", e.mempool.Size())
	}
}

// pollEvents catches inclusions of ops mined by other bundlers, and trigger logs, between
// bundling attempts.
func (e *Engine) pollEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), eventPollTimeout)
	defer cancel()

	if err := e.reconciler.HandlePastEvents(ctx); err != nil {
		e.jobLogger.Warn("event poll failed", "error", err)
	}
}

func (e *Engine) vacuum() {
	if err := e.db.Vacuum(); err != nil {
		e.jobLogger.Error("database vacuum failed", "error", err)
	}
}

func (e *Engine) snapshot() {
	if _, err := e.backup.PerformBackup(context.Background()); err != nil {
		e.jobLogger.Error("database backup failed", "error", err)
	}
}
