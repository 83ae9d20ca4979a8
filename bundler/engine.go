// Package bundler wires the mempool, reputation store, bundle builders, execution scheduler and
// event reconciler into one engine, and serves it over JSON-RPC.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocron "github.com/go-co-op/gocron/v2"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/core/backup"
	"github.com/AvaProtocol/ap-bundler/core/bundle"
	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/chainio/signer"
	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/core/events"
	"github.com/AvaProtocol/ap-bundler/core/execution"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/pkg/gosafe"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/storage"
	"github.com/AvaProtocol/ap-bundler/version"
)

type EngineStatus string

const (
	initStatus     EngineStatus = "init"
	runningStatus  EngineStatus = "running"
	shutdownStatus EngineStatus = "shutdown"
)

// Deps are the external resources the engine runs against. The engine takes ownership of DB.
type Deps struct {
	Client  chainio.ChainClient
	ChainID *big.Int
	DB      storage.Storage
	// Registry receives the bundler metrics, a private registry is created when nil
	Registry *prometheus.Registry
}

// Engine is the bundler context object. Every component is created once here and handed its
// collaborators explicitly.
type Engine struct {
	config    *config.Config
	logger    logger.Logger
	rpcLogger logger.Logger
	jobLogger logger.Logger

	client  chainio.ChainClient
	chainID *big.Int
	db      storage.Storage

	reputation *reputation.Store
	mempool    *mempool.Mempool
	scheduler  *execution.Scheduler
	reconciler *events.Reconciler

	registry *prometheus.Registry

	// nil unless backup.dir is configured
	backup *backup.Service

	// maintenance jobs: decay, sweep, event poll, vacuum, backup
	cron gocron.Scheduler
	http *echo.Echo

	statusMu sync.RWMutex
	status   EngineStatus
}

// RunWithConfig loads the config file, runs the bundler until SIGINT or SIGTERM and shuts it down.
func RunWithConfig(configPath string) error {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s, make sure it exists and is a valid yaml file: %w", configPath, err)
	}

	ctx := context.Background()
	client, chainID, err := chainio.Dial(ctx, cfg.EthRpcUrl)
	if err != nil {
		return err
	}
	defer client.Close()

	db, err := storage.NewWithPath(cfg.DbPath)
	if err != nil {
		return fmt.Errorf("cannot open database at %s: %w", cfg.DbPath, err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine, err := NewEngine(cfg, Deps{
		Client:   client,
		ChainID:  chainID,
		DB:       db,
		Registry: registry,
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("cannot initialize bundler: %w", err)
	}

	if err := engine.Start(ctx); err != nil {
		_ = engine.Stop()
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	cfg.Logger.Infof("Shutting down...")
	return engine.Stop()
}

func NewEngine(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Client == nil || deps.ChainID == nil || deps.DB == nil {
		return nil, errors.New("engine needs a chain client, a chain id and a database")
	}
	log := logger.EnsureLogger(cfg.Logger)

	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := metrics.NewBundlerMetrics(registry)

	rep, err := reputation.NewStore(cfg.Reputation, reputation.ChainDepositReader{Client: deps.Client}, log)
	if err != nil {
		return nil, err
	}

	drops := mempool.NewDropLog(deps.DB, 0, cfg.Mempool.DropRecordTTL, log)
	pool := mempool.New(cfg.Mempool, rep,
		mempool.WithMetrics(m),
		mempool.WithLogger(log),
		mempool.WithDropLog(drops),
	)
	eligibility := bundle.NewEligibility(pool.Dump, log)

	s, err := signer.New(cfg.BundlerPrivateKey, deps.ChainID)
	if err != nil {
		rep.Close()
		return nil, fmt.Errorf("cannot create bundler signer: %w", err)
	}

	builders := bundle.Group(lo.Map(cfg.EntryPoints, func(ep common.Address, _ int) *bundle.Builder {
		return bundle.NewBuilder(cfg.Bundle, deps.ChainID, deps.Client, ep, s, cfg.Beneficiary, pool, rep,
			bundle.WithMetrics(m),
			bundle.WithLogger(log),
			bundle.WithEligibility(eligibility),
		)
	}))

	reconciler := events.NewReconciler(cfg.Events, deps.Client, cfg.EntryPoints, deps.DB, pool, rep,
		events.WithMetrics(m),
		events.WithLogger(log),
		events.WithObserver(eligibility),
	)

	scheduler, err := execution.NewScheduler(cfg.Execution, builders, reconciler, log)
	if err != nil {
		rep.Close()
		return nil, err
	}
	pool.OnAdded(scheduler.OnPoolSize)

	cron, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		rep.Close()
		return nil, fmt.Errorf("failed to create maintenance scheduler: %w", err)
	}

	e := &Engine{
		config:     cfg,
		logger:     logger.ForComponent(log, "engine"),
		rpcLogger:  logger.ForComponent(log, "rpc"),
		jobLogger:  logger.ForComponent(log, "maintenance"),
		client:     deps.Client,
		chainID:    deps.ChainID,
		db:         deps.DB,
		reputation: rep,
		mempool:    pool,
		scheduler:  scheduler,
		reconciler: reconciler,
		registry:   registry,
		cron:       cron,
		status:     initStatus,
	}
	if cfg.Backup.Dir != "" {
		e.backup = backup.NewService(log, deps.DB, cfg.Backup.Dir, cfg.Backup.Keep)
	}

	registry.MustRegister(metrics.NewPoolCollector(func() metrics.PoolSnapshot {
		return metrics.PoolSnapshot{
			MempoolSize:        pool.Size(),
			ReputationByStatus: rep.CountByStatus(),
		}
	}))

	return e, nil
}

// Start loads the reconciler watermarks, then starts the bundling scheduler, the maintenance jobs
// and the RPC server.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Infof("Starting bundler %s on chain %s", version.Get(), e.chainID)

	if err := e.reconciler.Init(ctx); err != nil {
		return fmt.Errorf("cannot initialize event reconciler: %w", err)
	}

	if err := e.scheduler.Start(); err != nil {
		return fmt.Errorf("cannot start bundling scheduler: %w", err)
	}

	if err := e.startMaintenance(); err != nil {
		return err
	}

	e.startHttpServer(ctx)
	e.setStatus(runningStatus)

	e.logger.Info("bundler started",
		"bundler", e.config.BundlerAddress.Hex(),
		"beneficiary", e.config.Beneficiary.Hex(),
		"entrypoints", e.SupportedEntryPoints(),
	)
	return nil
}

// Stop waits for the in-flight bundling attempt, then releases every resource the engine owns.
func (e *Engine) Stop() error {
	e.setStatus(shutdownStatus)

	var errs []error
	if e.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, e.http.Shutdown(ctx))
		cancel()
	}

	errs = append(errs,
		e.scheduler.Stop(),
		e.cron.Shutdown(),
		e.reputation.Close(),
		e.db.Close(),
	)

	gosafe.Flush(2 * time.Second)
	return errors.Join(errs...)
}

func (e *Engine) setStatus(s EngineStatus) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	e.status = s
}

func (e *Engine) Status() EngineStatus {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

func (e *Engine) IsShutdown() bool {
	return e.Status() == shutdownStatus
}
