package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/FitChain-Labs/reward_layer/internal/app/domain/session"
	"github.com/FitChain-Labs/reward_layer/internal/app/metrics"
	"github.com/FitChain-Labs/reward_layer/internal/app/storage"
	"github.com/FitChain-Labs/reward_layer/internal/app/system"
	"github.com/FitChain-Labs/reward_layer/pkg/logger"
)

// Sweeper invalidates sessions left active with no incoming samples. An
// abandoned session would otherwise hold the user's single active slot
// forever.
type Sweeper struct {
	store    storage.SessionStore
	schedule string
	maxAge   time.Duration
	log      *logger.Logger
	cron     *cron.Cron
}

var _ system.Service = (*Sweeper)(nil)

// NewSweeper creates a cron-scheduled stale session sweeper. An empty schedule
// defaults to every ten minutes.
func NewSweeper(store storage.SessionStore, schedule string, maxAge time.Duration, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("session-sweeper")
	}
	if schedule == "" {
		schedule = "@every 10m"
	}
	if maxAge <= 0 {
		maxAge = DefaultConfig().StaleSessionAge
	}
	return &Sweeper{
		store:    store,
		schedule: schedule,
		maxAge:   maxAge,
		log:      log,
	}
}

func (s *Sweeper) Name() string { return "session-sweeper" }

func (s *Sweeper) Start(ctx context.Context) error {
	if s.cron != nil {
		return nil
	}
	runner := cron.New()
	if _, err := runner.AddFunc(s.schedule, func() { s.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("schedule %q: %w", s.schedule, err)
	}
	runner.Start()
	s.cron = runner
	s.log.WithField("schedule", s.schedule).Info("session sweeper started")
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	stopped := s.cron.Stop()
	s.cron = nil

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep invalidates every active session idle longer than the threshold.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.maxAge)
	stale, err := s.store.ListStaleActiveSessions(ctx, cutoff)
	if err != nil {
		s.log.WithError(err).Warn("list stale sessions failed")
		return
	}

	for _, sess := range stale {
		sess.Status = session.StatusInvalid
		sess.InvalidReason = fmt.Sprintf("session abandoned: no samples for %s", s.maxAge)
		if _, err := s.store.UpdateSession(ctx, sess); err != nil {
			s.log.WithError(err).WithField("session_id", sess.ID).Warn("invalidate stale session failed")
			continue
		}
		metrics.RecordSessionFinalized(string(session.StatusInvalid))
		s.log.WithField("session_id", sess.ID).WithField("user_id", sess.UserID).Info("stale session invalidated")
	}
}
