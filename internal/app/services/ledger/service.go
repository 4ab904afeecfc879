// Package ledger is the single write path for balance-affecting events and
// the user aggregate counters. No other component mutates the counters.
package ledger

import (
	"context"
	"fmt"
	"strconv"

	"github.com/FitChain-Labs/reward_layer/internal/app/domain/ledger"
	"github.com/FitChain-Labs/reward_layer/internal/app/metrics"
	"github.com/FitChain-Labs/reward_layer/internal/app/storage"
	"github.com/FitChain-Labs/reward_layer/pkg/logger"
)

// ExerciseStats carries the non-monetary counters a finalized session earns.
type ExerciseStats struct {
	Steps                int
	ValidExerciseSeconds int
	MiningSeconds        int
}

// Service exposes the ledger operations.
type Service struct {
	store storage.LedgerStore
	log   *logger.Logger
}

// New constructs the ledger service.
func New(store storage.LedgerStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{store: store, log: log}
}

// CreditMiningReward inserts a confirmed mining_reward transaction and applies
// the matching counter increments as one atomic unit. Replaying the same
// session id returns the original transaction and changes nothing.
func (s *Service) CreditMiningReward(ctx context.Context, userID, sessionID string, coins float64, stats ExerciseStats) (ledger.Transaction, error) {
	if userID == "" || sessionID == "" {
		return ledger.Transaction{}, fmt.Errorf("user id and session id are required")
	}
	if coins <= 0 {
		return ledger.Transaction{}, fmt.Errorf("reward amount must be positive, got %v", coins)
	}

	tx := ledger.Transaction{
		UserID:    userID,
		SessionID: sessionID,
		Type:      ledger.TypeMiningReward,
		Amount:    coins,
		Status:    ledger.StatusConfirmed,
		Metadata: map[string]string{
			"session_id":     sessionID,
			"mining_seconds": strconv.Itoa(stats.MiningSeconds),
		},
	}
	delta := ledger.Delta{
		Balance:              coins,
		CoinsEarned:          coins,
		Steps:                stats.Steps,
		ValidExerciseSeconds: stats.ValidExerciseSeconds,
		MiningSeconds:        stats.MiningSeconds,
		Sessions:             1,
	}

	tx, err := s.store.CreditReward(ctx, tx, delta)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("credit mining reward: %w", err)
	}

	metrics.AddCoinsMinted(coins)
	s.log.WithField("user_id", userID).
		WithField("session_id", sessionID).
		WithField("amount", tx.Amount).
		Info("mining reward credited")
	return tx, nil
}

// RecordExercise applies counter increments with no monetary movement. Used
// for sessions that finished without a reward so the effort still counts.
func (s *Service) RecordExercise(ctx context.Context, userID string, stats ExerciseStats) (ledger.Aggregate, error) {
	if userID == "" {
		return ledger.Aggregate{}, fmt.Errorf("user id is required")
	}
	agg, err := s.store.ApplyDelta(ctx, userID, ledger.Delta{
		Steps:                stats.Steps,
		ValidExerciseSeconds: stats.ValidExerciseSeconds,
		Sessions:             1,
	})
	if err != nil {
		return ledger.Aggregate{}, fmt.Errorf("record exercise: %w", err)
	}
	return agg, nil
}

// Record appends a transaction for the features outside the mining core
// (transfers, withdrawals) and, when confirmed, moves the balance in the same
// atomic discipline.
func (s *Service) Record(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if tx.UserID == "" {
		return ledger.Transaction{}, fmt.Errorf("user id is required")
	}
	if tx.Amount == 0 {
		return ledger.Transaction{}, fmt.Errorf("amount must be non-zero")
	}
	switch tx.Type {
	case ledger.TypeTransferIn, ledger.TypeTransferOut, ledger.TypeWithdrawal:
	default:
		return ledger.Transaction{}, fmt.Errorf("unsupported transaction type %s", tx.Type)
	}
	if tx.Status == "" {
		tx.Status = ledger.StatusPending
	}

	if tx.Status == ledger.StatusConfirmed {
		// Confirmed entries move the balance atomically with the insert.
		return s.store.CreditReward(ctx, tx, ledger.Delta{Balance: signedAmount(tx)})
	}
	return s.store.CreateTransaction(ctx, tx)
}

// Balance returns the user's aggregate counters. Unknown users get a zero
// aggregate, never an error.
func (s *Service) Balance(ctx context.Context, userID string) (ledger.Aggregate, error) {
	return s.store.GetAggregate(ctx, userID)
}

// Transactions lists the user's ledger entries in insertion order.
func (s *Service) Transactions(ctx context.Context, userID string) ([]ledger.Transaction, error) {
	return s.store.ListTransactions(ctx, userID)
}

func signedAmount(tx ledger.Transaction) float64 {
	switch tx.Type {
	case ledger.TypeTransferOut, ledger.TypeWithdrawal:
		return -tx.Amount
	default:
		return tx.Amount
	}
}
