// Package app wires the reward layer services together.
package app

import (
	"context"
	"fmt"

	"github.com/FitChain-Labs/reward_layer/internal/app/services/daemonpool"
	ledgersvc "github.com/FitChain-Labs/reward_layer/internal/app/services/ledger"
	"github.com/FitChain-Labs/reward_layer/internal/app/services/mining"
	"github.com/FitChain-Labs/reward_layer/internal/app/services/sessions"
	"github.com/FitChain-Labs/reward_layer/internal/app/services/signal"
	"github.com/FitChain-Labs/reward_layer/internal/app/storage"
	"github.com/FitChain-Labs/reward_layer/internal/app/storage/memory"
	"github.com/FitChain-Labs/reward_layer/internal/app/system"
	"github.com/FitChain-Labs/reward_layer/internal/config"
	"github.com/FitChain-Labs/reward_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Sessions storage.SessionStore
	Daemons  storage.DaemonStore
	Ledger   storage.LedgerStore
}

// Options tunes the application beyond the stores.
type Options struct {
	Config  *config.Config
	Backend mining.Backend
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Sessions *sessions.Service
	Pool     *daemonpool.Service
	Miner    *mining.Service
	Ledger   *ledgersvc.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}

	mem := memory.New()
	if stores.Sessions == nil {
		stores.Sessions = mem
	}
	if stores.Daemons == nil {
		stores.Daemons = mem
	}
	if stores.Ledger == nil {
		stores.Ledger = mem
	}

	manager := system.NewManager()

	validator := signal.New(signal.Config{
		MinRate:                 cfg.Signal.MinRate,
		MaxRate:                 cfg.Signal.MaxRate,
		MinDurationSeconds:      cfg.Signal.MinDurationSeconds,
		VarianceThreshold:       cfg.Signal.VarianceThreshold,
		MaxConsecutiveIdentical: cfg.Signal.MaxConsecutiveIdentical,
		AccelerationThreshold:   cfg.Signal.AccelerationThreshold,
		MiningRatio:             cfg.Signal.MiningRatio,
	})

	pool := daemonpool.New(stores.Daemons, daemonpool.Config{
		BasePort: cfg.Pool.BasePort,
		PoolSize: cfg.Pool.PoolSize,
	}, log)

	ledgerService := ledgersvc.New(stores.Ledger, log)

	miner := mining.New(stores.Daemons, pool, opts.Backend, mining.Config{
		CoinsPerMiningMinute: cfg.Mining.CoinsPerMiningMinute,
		BlockReward:          cfg.Mining.BlockReward,
		BackendTimeout:       cfg.Mining.BackendTimeout(),
	}, log)

	sessionService := sessions.New(stores.Sessions, validator, miner, ledgerService, sessions.Config{
		MaxMiningMinutesPerSession: cfg.Sessions.MaxMiningMinutesPerSession,
		StaleSessionAge:            cfg.Sessions.StaleSessionAge(),
	}, log)

	watchdog := mining.NewWatchdog(stores.Daemons, log)
	sweeper := sessions.NewSweeper(stores.Sessions, cfg.Sessions.SweepSchedule, cfg.Sessions.StaleSessionAge(), log)

	for _, svc := range []system.Service{watchdog, sweeper} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:  manager,
		log:      log,
		Sessions: sessionService,
		Pool:     pool,
		Miner:    miner,
		Ledger:   ledgerService,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start restores the daemon pool and begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	if err := a.Pool.Restore(ctx); err != nil {
		return fmt.Errorf("restore daemon pool: %w", err)
	}
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
