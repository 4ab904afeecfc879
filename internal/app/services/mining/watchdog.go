package mining

import (
	"context"
	"sync"
	"time"

	"github.com/FitChain-Labs/reward_layer/internal/app/storage"
	"github.com/FitChain-Labs/reward_layer/internal/app/system"
	"github.com/FitChain-Labs/reward_layer/pkg/logger"
)

// Watchdog clears miningActive flags whose deadline has long passed. A crash
// between flagging a daemon and the deferred reset would otherwise leave the
// flag stuck forever.
type Watchdog struct {
	store    storage.DaemonStore
	interval time.Duration
	grace    time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Watchdog)(nil)

// NewWatchdog creates a lifecycle-managed mining flag watchdog.
func NewWatchdog(store storage.DaemonStore, log *logger.Logger) *Watchdog {
	if log == nil {
		log = logger.NewDefault("mining-watchdog")
	}
	return &Watchdog{
		store:    store,
		interval: 15 * time.Second,
		grace:    2 * time.Minute,
		log:      log,
	}
}

func (w *Watchdog) Name() string { return "mining-watchdog" }

func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				w.tick(runCtx)
			}
		}
	}()

	w.log.Info("mining watchdog started")
	return nil
}

func (w *Watchdog) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

func (w *Watchdog) tick(ctx context.Context) {
	records, err := w.store.ListMiningDaemons(ctx)
	if err != nil {
		w.log.WithError(err).Warn("list mining daemons failed")
		return
	}

	now := time.Now().UTC()
	for _, rec := range records {
		// A mining run finishes within the backend timeout regardless of the
		// recorded exercise duration, so flag age alone identifies a stuck run.
		if now.Before(rec.MiningStartedAt.Add(w.grace)) {
			continue
		}
		rec.MiningActive = false
		if _, err := w.store.PutDaemon(ctx, rec); err != nil {
			w.log.WithError(err).WithField("user_id", rec.UserID).Warn("reset stuck mining flag failed")
			continue
		}
		w.log.WithField("user_id", rec.UserID).Warn("cleared stuck mining flag")
	}
}

// Sweep runs one watchdog pass immediately. Exposed for tests and manual
// intervention.
func (w *Watchdog) Sweep(ctx context.Context) { w.tick(ctx) }
