// Package sessions owns the exercise session lifecycle: start, step batches,
// and the end-of-session validation, mining and crediting sequence.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FitChain-Labs/reward_layer/internal/app/domain/session"
	"github.com/FitChain-Labs/reward_layer/internal/app/metrics"
	ledgersvc "github.com/FitChain-Labs/reward_layer/internal/app/services/ledger"
	"github.com/FitChain-Labs/reward_layer/internal/app/services/mining"
	"github.com/FitChain-Labs/reward_layer/internal/app/services/signal"
	"github.com/FitChain-Labs/reward_layer/internal/app/storage"
	"github.com/FitChain-Labs/reward_layer/pkg/logger"
)

// maxSampleRate is the transport-level ceiling for a single reading; anything
// above it is a malformed payload, not a signal-analysis concern.
const maxSampleRate = 20.0

// ConflictError is returned when a user starts a session while another is
// active. It carries the existing id so clients can resume it.
type ConflictError struct {
	SessionID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("active session %s already exists", e.SessionID)
}

// Config tunes the orchestrator.
type Config struct {
	MaxMiningMinutesPerSession int
	StaleSessionAge            time.Duration
}

// DefaultConfig returns the production session limits.
func DefaultConfig() Config {
	return Config{
		MaxMiningMinutesPerSession: 60,
		StaleSessionAge:            6 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxMiningMinutesPerSession <= 0 {
		c.MaxMiningMinutesPerSession = def.MaxMiningMinutesPerSession
	}
	if c.StaleSessionAge <= 0 {
		c.StaleSessionAge = def.StaleSessionAge
	}
	return c
}

// Service orchestrates the session state machine.
type Service struct {
	store     storage.SessionStore
	validator *signal.Validator
	miner     *mining.Service
	ledger    *ledgersvc.Service
	cfg       Config
	log       *logger.Logger
}

// New constructs the orchestrator.
func New(store storage.SessionStore, validator *signal.Validator, miner *mining.Service, ledger *ledgersvc.Service, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("sessions")
	}
	return &Service{
		store:     store,
		validator: validator,
		miner:     miner,
		ledger:    ledger,
		cfg:       cfg.withDefaults(),
		log:       log,
	}
}

// Start opens a new active session for the user. While one is already active
// the call fails with a ConflictError carrying the existing id.
func (s *Service) Start(ctx context.Context, userID string) (session.Session, error) {
	if userID == "" {
		return session.Session{}, fmt.Errorf("user id is required")
	}

	sess, err := s.store.CreateSession(ctx, session.Session{
		UserID:    userID,
		StartTime: time.Now().UTC(),
	})
	if errors.Is(err, storage.ErrActiveSessionExists) {
		existing, lookupErr := s.store.GetActiveSession(ctx, userID)
		if lookupErr != nil {
			return session.Session{}, err
		}
		return session.Session{}, &ConflictError{SessionID: existing.ID}
	}
	if err != nil {
		return session.Session{}, err
	}

	s.log.WithField("user_id", userID).WithField("session_id", sess.ID).Info("session started")
	return sess, nil
}

// RecordSteps appends a batch of motion samples to an active session and
// returns the updated session. Samples already recorded (client retries) are
// dropped silently; malformed samples reject the whole batch.
func (s *Service) RecordSteps(ctx context.Context, sessionID string, batch []session.MotionSample) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, fmt.Errorf("session id is required")
	}
	if len(batch) == 0 {
		return session.Session{}, fmt.Errorf("step batch is empty")
	}
	for i, sample := range batch {
		if sample.Timestamp.IsZero() {
			return session.Session{}, fmt.Errorf("sample %d: timestamp is required", i)
		}
		if sample.StepCount < 0 {
			return session.Session{}, fmt.Errorf("sample %d: step count must be non-negative", i)
		}
		if sample.StepsPerSecond < 0 || sample.StepsPerSecond > maxSampleRate {
			return session.Session{}, fmt.Errorf("sample %d: steps per second %.2f outside [0, %.0f]", i, sample.StepsPerSecond, maxSampleRate)
		}
		if i > 0 && batch[i].Timestamp.Before(batch[i-1].Timestamp) {
			return session.Session{}, fmt.Errorf("sample %d: batch timestamps must be ascending", i)
		}
	}

	return s.store.AppendSamples(ctx, sessionID, batch)
}

// End finalizes the session: validates the motion data, runs the bounded
// mining simulation when eligible, credits the ledger, and performs the single
// transition out of the active status.
func (s *Service) End(ctx context.Context, sessionID string) (session.Summary, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return session.Summary{}, err
	}
	if sess.Status != session.StatusActive {
		return session.Summary{}, fmt.Errorf("session %s is %s and cannot be ended", sessionID, sess.Status)
	}

	sess.EndTime = time.Now().UTC()
	sess.DurationSeconds = int(sess.EndTime.Sub(sess.StartTime) / time.Second)

	verdict := s.validator.Validate(sess.Samples)
	sess.ValidExerciseSeconds = verdict.ValidSeconds

	if !verdict.Valid || verdict.MiningSeconds == 0 {
		return s.finalizeInvalid(ctx, sess, verdict)
	}

	miningSeconds := verdict.MiningSeconds
	if limit := s.cfg.MaxMiningMinutesPerSession * 60; miningSeconds > limit {
		miningSeconds = limit
	}
	sess.MiningDurationSeconds = miningSeconds
	sess.MiningTriggered = true

	result, err := s.miner.Mine(ctx, sess.UserID, miningSeconds)
	if err != nil || result.CoinsEarned <= 0 {
		if err != nil {
			s.log.WithError(err).WithField("session_id", sess.ID).Warn("mining failed; session left completed")
		}
		return s.finalizeCompleted(ctx, sess)
	}

	return s.finalizeRewarded(ctx, sess, result)
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, sessionID string) (session.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

func (s *Service) finalizeInvalid(ctx context.Context, sess session.Session, verdict signal.Result) (session.Summary, error) {
	sess.Status = session.StatusInvalid
	sess.InvalidReason = verdict.Reason
	if verdict.Valid && verdict.MiningSeconds == 0 {
		sess.InvalidReason = "no reward-eligible exercise time"
	}

	sess, err := s.store.UpdateSession(ctx, sess)
	if err != nil {
		return session.Summary{}, err
	}

	// The effort still counts toward lifetime totals even without a reward.
	if _, err := s.ledger.RecordExercise(ctx, sess.UserID, ledgersvc.ExerciseStats{
		Steps:                sess.TotalSteps,
		ValidExerciseSeconds: sess.ValidExerciseSeconds,
	}); err != nil {
		s.log.WithError(err).WithField("session_id", sess.ID).Warn("record exercise counters failed")
	}

	metrics.RecordSessionFinalized(string(session.StatusInvalid))
	s.log.WithField("session_id", sess.ID).WithField("reason", sess.InvalidReason).Info("session invalid")
	return sess.Summarize(), nil
}

func (s *Service) finalizeCompleted(ctx context.Context, sess session.Session) (session.Summary, error) {
	sess.Status = session.StatusCompleted
	sess.MiningTriggered = false

	sess, err := s.store.UpdateSession(ctx, sess)
	if err != nil {
		return session.Summary{}, err
	}

	if _, err := s.ledger.RecordExercise(ctx, sess.UserID, ledgersvc.ExerciseStats{
		Steps:                sess.TotalSteps,
		ValidExerciseSeconds: sess.ValidExerciseSeconds,
	}); err != nil {
		s.log.WithError(err).WithField("session_id", sess.ID).Warn("record exercise counters failed")
	}

	metrics.RecordSessionFinalized(string(session.StatusCompleted))
	return sess.Summarize(), nil
}

func (s *Service) finalizeRewarded(ctx context.Context, sess session.Session, result mining.Result) (session.Summary, error) {
	tx, err := s.ledger.CreditMiningReward(ctx, sess.UserID, sess.ID, result.CoinsEarned, ledgersvc.ExerciseStats{
		Steps:                sess.TotalSteps,
		ValidExerciseSeconds: sess.ValidExerciseSeconds,
		MiningSeconds:        result.DurationSeconds,
	})
	if err != nil {
		// The ledger write is atomic: nothing was credited, so the session
		// must not claim a reward.
		s.log.WithError(err).WithField("session_id", sess.ID).Error("ledger credit failed; session left completed")
		return s.finalizeCompleted(ctx, sess)
	}

	sess.Status = session.StatusRewarded
	sess.CoinsEarned = result.CoinsEarned
	sess.TransactionRef = tx.ID

	sess, err = s.store.UpdateSession(ctx, sess)
	if err != nil {
		return session.Summary{}, err
	}

	metrics.RecordSessionFinalized(string(session.StatusRewarded))
	s.log.WithField("session_id", sess.ID).
		WithField("user_id", sess.UserID).
		WithField("coins_earned", sess.CoinsEarned).
		Info("session rewarded")
	return sess.Summarize(), nil
}
