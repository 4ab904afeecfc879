// Package mining simulates the reward-generating backend attached to a user's
// daemon and converts eligible exercise time into coins.
package mining

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/FitChain-Labs/reward_layer/internal/app/domain/daemon"
	"github.com/FitChain-Labs/reward_layer/internal/app/metrics"
	"github.com/FitChain-Labs/reward_layer/internal/app/services/daemonpool"
	"github.com/FitChain-Labs/reward_layer/internal/app/storage"
	"github.com/FitChain-Labs/reward_layer/pkg/logger"
)

// ExecutionError signals that the simulated mining backend failed. The caller
// keeps the session completed and does not retry.
type ExecutionError struct {
	UserID string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("mining execution failed for user %s: %v", e.UserID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Job describes one unit of simulated mining work.
type Job struct {
	UserID          string
	Port            int
	WalletAddress   string
	DurationSeconds int
}

// Yield is what the backend reports for a job.
type Yield struct {
	Variance float64
}

// Backend performs the mining work. Implementations must honor ctx
// cancellation; production uses SimulatedBackend, tests inject stubs.
type Backend interface {
	Mine(ctx context.Context, job Job) (Yield, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, job Job) (Yield, error)

func (f BackendFunc) Mine(ctx context.Context, job Job) (Yield, error) { return f(ctx, job) }

// Config tunes the reward computation and the backend bounds.
type Config struct {
	CoinsPerMiningMinute float64
	BlockReward          float64
	BackendTimeout       time.Duration
}

// DefaultConfig returns the production reward parameters.
func DefaultConfig() Config {
	return Config{
		CoinsPerMiningMinute: 5.13,
		BlockReward:          25.0,
		BackendTimeout:       10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CoinsPerMiningMinute <= 0 {
		c.CoinsPerMiningMinute = def.CoinsPerMiningMinute
	}
	if c.BlockReward <= 0 {
		c.BlockReward = def.BlockReward
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = def.BackendTimeout
	}
	return c
}

// Result is the outcome of one mining run.
type Result struct {
	CoinsEarned     float64 `json:"coins_earned"`
	BlocksFound     float64 `json:"blocks_found"`
	MiningMinutes   float64 `json:"mining_minutes"`
	DurationSeconds int     `json:"duration_seconds"`
}

// Service runs the bounded mining simulation for a user's daemon.
type Service struct {
	store   storage.DaemonStore
	pool    *daemonpool.Service
	backend Backend
	cfg     Config
	log     *logger.Logger
}

// New constructs the simulator. A nil backend defaults to SimulatedBackend.
func New(store storage.DaemonStore, pool *daemonpool.Service, backend Backend, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("mining")
	}
	if backend == nil {
		backend = NewSimulatedBackend()
	}
	return &Service{
		store:   store,
		pool:    pool,
		backend: backend,
		cfg:     cfg.withDefaults(),
		log:     log,
	}
}

// Mine runs the simulation for durationSeconds of eligible exercise. It
// requires a running daemon (allocating one if needed), flags it as mining for
// the duration of the call, and always clears the flag on exit.
func (s *Service) Mine(ctx context.Context, userID string, durationSeconds int) (Result, error) {
	if durationSeconds <= 0 {
		return Result{}, &ExecutionError{UserID: userID, Err: fmt.Errorf("duration must be positive, got %d", durationSeconds)}
	}

	rec, err := s.pool.Allocate(ctx, userID)
	if err != nil {
		return Result{}, &ExecutionError{UserID: userID, Err: err}
	}

	start := time.Now()
	rec.MiningActive = true
	rec.MiningStartedAt = start.UTC()
	rec.MiningDuration = durationSeconds
	if rec, err = s.store.PutDaemon(ctx, rec); err != nil {
		return Result{}, &ExecutionError{UserID: userID, Err: fmt.Errorf("flag mining start: %w", err)}
	}

	// The flag must come back down on every exit path, including backend
	// failure and cancellation.
	defer s.clearMiningFlag(rec)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.BackendTimeout)
	defer cancel()

	yield, err := s.backend.Mine(runCtx, Job{
		UserID:          userID,
		Port:            rec.Port,
		WalletAddress:   rec.WalletAddress,
		DurationSeconds: durationSeconds,
	})
	if err != nil {
		metrics.RecordMiningRun("failed", time.Since(start))
		s.log.WithError(err).WithField("user_id", userID).Warn("mining backend failed")
		return Result{}, &ExecutionError{UserID: userID, Err: err}
	}

	miningMinutes := float64(durationSeconds) / 60.0
	baseReward := miningMinutes * s.cfg.CoinsPerMiningMinute
	coins := round2(baseReward * yield.Variance)

	metrics.RecordMiningRun("succeeded", time.Since(start))
	s.log.WithField("user_id", userID).
		WithField("mining_minutes", miningMinutes).
		WithField("coins_earned", coins).
		Info("mining run completed")

	return Result{
		CoinsEarned:     coins,
		BlocksFound:     coins / s.cfg.BlockReward,
		MiningMinutes:   miningMinutes,
		DurationSeconds: durationSeconds,
	}, nil
}

// clearMiningFlag resets mining state with a fresh context so cleanup still
// runs when the caller's context is already cancelled.
func (s *Service) clearMiningFlag(rec daemon.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	current, err := s.store.GetDaemon(ctx, rec.UserID)
	if err != nil {
		s.log.WithError(err).WithField("user_id", rec.UserID).Warn("reset mining flag: load daemon")
		return
	}
	if !current.MiningActive {
		return
	}
	current.MiningActive = false
	if _, err := s.store.PutDaemon(ctx, current); err != nil {
		s.log.WithError(err).WithField("user_id", rec.UserID).Warn("reset mining flag: persist daemon")
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// SimulatedBackend stands in for the external mining daemon. Its wall-clock
// cost scales with the job but is capped, so a long session never blocks the
// caller for the full exercise duration.
type SimulatedBackend struct {
	maxDelay time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedBackend returns a backend with a 500ms work cap.
func NewSimulatedBackend() *SimulatedBackend {
	return &SimulatedBackend{
		maxDelay: 500 * time.Millisecond,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Mine waits a bounded interval and reports a variance in [0.9, 1.1).
func (b *SimulatedBackend) Mine(ctx context.Context, job Job) (Yield, error) {
	delay := time.Duration(job.DurationSeconds) * time.Millisecond
	if delay > b.maxDelay {
		delay = b.maxDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Yield{}, ctx.Err()
	case <-timer.C:
	}

	b.mu.Lock()
	variance := 0.9 + b.rng.Float64()*0.2
	b.mu.Unlock()

	return Yield{Variance: variance}, nil
}
