package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/FitChain-Labs/reward_layer/internal/app/domain/ledger"
	"github.com/FitChain-Labs/reward_layer/internal/app/domain/session"
	"github.com/FitChain-Labs/reward_layer/internal/app/storage"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

// uniqueViolation mimics the lib/pq error surface for code 23505.
type uniqueViolation struct{}

func (uniqueViolation) Error() string    { return "duplicate key value violates unique constraint" }
func (uniqueViolation) SQLState() string { return "23505" }

func TestApplyRunsEveryMigration(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	for range migrations {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	if err := Apply(context.Background(), db); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateSessionMapsUniqueViolationToActiveConflict(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("INSERT INTO exercise_sessions").
		WillReturnError(uniqueViolation{})

	_, err := store.CreateSession(context.Background(), session.Session{
		UserID:    "user-1",
		StartTime: time.Now().UTC(),
	})
	if !errors.Is(err, storage.ErrActiveSessionExists) {
		t.Fatalf("expected ErrActiveSessionExists, got %v", err)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("SELECT (.+) FROM exercise_sessions").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetSession(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateSessionRefusesFinalizedSession(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM exercise_sessions").
		WithArgs("sess-1").
		WillReturnRows(sessionRow("sess-1", "user-1", string(session.StatusRewarded), now))

	_, err := store.UpdateSession(context.Background(), session.Session{ID: "sess-1"})
	if err == nil {
		t.Fatal("terminal session must be immutable")
	}
}

func TestCreditRewardFreshSessionCommitsAtomically(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM ledger_transactions").
		WithArgs("session-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO ledger_transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO user_aggregates").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	entry, err := store.CreditReward(context.Background(), ledger.Transaction{
		UserID:    "user-1",
		SessionID: "session-1",
		Type:      ledger.TypeMiningReward,
		Amount:    5.13,
		Status:    ledger.StatusConfirmed,
	}, ledger.Delta{Balance: 5.13, CoinsEarned: 5.13, Sessions: 1})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if entry.ID == "" {
		t.Fatal("transaction id not assigned")
	}
}

func TestCreditRewardReplayReturnsExistingWithoutWrites(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM ledger_transactions").
		WithArgs("session-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "session_id", "type", "amount", "status", "metadata", "created_at", "updated_at",
		}).AddRow("tx-1", "user-1", "session-1", "mining_reward", 5.13, "confirmed", []byte(`{}`), now, now))
	mock.ExpectRollback()

	entry, err := store.CreditReward(context.Background(), ledger.Transaction{
		UserID:    "user-1",
		SessionID: "session-1",
		Type:      ledger.TypeMiningReward,
		Amount:    5.13,
		Status:    ledger.StatusConfirmed,
	}, ledger.Delta{Balance: 5.13, CoinsEarned: 5.13, Sessions: 1})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if entry.ID != "tx-1" {
		t.Fatalf("expected original transaction tx-1, got %s", entry.ID)
	}
}

func TestCreditRewardRequiresSessionForMiningType(t *testing.T) {
	store, _ := newMock(t)

	_, err := store.CreditReward(context.Background(), ledger.Transaction{
		UserID: "user-1",
		Type:   ledger.TypeMiningReward,
		Amount: 5.13,
	}, ledger.Delta{Balance: 5.13})
	if err == nil {
		t.Fatal("mining reward without session id must fail")
	}
}

func TestGetAggregateUnknownUserIsZero(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("SELECT (.+) FROM user_aggregates").
		WithArgs("nobody").
		WillReturnError(sql.ErrNoRows)

	agg, err := store.GetAggregate(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("get aggregate: %v", err)
	}
	if agg.UserID != "nobody" || agg.Balance != 0 {
		t.Fatalf("expected zero aggregate, got %+v", agg)
	}
}

func TestAppendSamplesLocksRowAndDedupes(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM exercise_sessions (.+) FOR UPDATE").
		WithArgs("sess-1").
		WillReturnRows(sessionRow("sess-1", "user-1", string(session.StatusActive), now))
	mock.ExpectExec("UPDATE exercise_sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sess, err := store.AppendSamples(context.Background(), "sess-1", []session.MotionSample{
		{Timestamp: now, StepCount: 2, StepsPerSecond: 2.0},
		{Timestamp: now, StepCount: 2, StepsPerSecond: 2.0},
		{Timestamp: now.Add(time.Second), StepCount: 3, StepsPerSecond: 3.0},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	// The duplicate timestamp is dropped.
	if len(sess.Samples) != 2 {
		t.Fatalf("samples = %d, want 2", len(sess.Samples))
	}
	if sess.TotalSteps != 5 {
		t.Fatalf("total steps = %d, want 5", sess.TotalSteps)
	}
}

func sessionRow(id, userID, status string, now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "start_time", "end_time", "samples", "total_steps",
		"duration_seconds", "status", "valid_exercise_seconds", "invalid_reason",
		"mining_triggered", "mining_duration_seconds", "coins_earned", "transaction_ref",
		"created_at", "updated_at",
	}).AddRow(id, userID, now, nil, []byte(`[]`), 0, 0, status, 0, "", false, 0, 0.0, "", now, now)
}
