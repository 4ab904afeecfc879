package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/FitChain-Labs/reward_layer/internal/app/domain/daemon"
	"github.com/FitChain-Labs/reward_layer/internal/app/domain/ledger"
	"github.com/FitChain-Labs/reward_layer/internal/app/domain/session"
	"github.com/FitChain-Labs/reward_layer/internal/app/storage"
)

func TestCreateSessionEnforcesSingleActivePerUser(t *testing.T) {
	store := New()
	ctx := context.Background()

	first, err := store.CreateSession(ctx, session.Session{UserID: "user-1", StartTime: time.Now().UTC()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = store.CreateSession(ctx, session.Session{UserID: "user-1", StartTime: time.Now().UTC()})
	if !errors.Is(err, storage.ErrActiveSessionExists) {
		t.Fatalf("expected ErrActiveSessionExists, got %v", err)
	}

	active, err := store.GetActiveSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != first.ID {
		t.Fatalf("active id %s, want %s", active.ID, first.ID)
	}

	// Finalizing frees the slot.
	first.Status = session.StatusInvalid
	if _, err := store.UpdateSession(ctx, first); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := store.GetActiveSession(ctx, "user-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after finalize, got %v", err)
	}
	if _, err := store.CreateSession(ctx, session.Session{UserID: "user-1", StartTime: time.Now().UTC()}); err != nil {
		t.Fatalf("create after finalize: %v", err)
	}
}

func TestUpdateSessionRejectsTerminalSessions(t *testing.T) {
	store := New()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, session.Session{UserID: "user-1", StartTime: time.Now().UTC()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sess.Status = session.StatusRewarded
	if sess, err = store.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	sess.CoinsEarned = 9999
	if _, err := store.UpdateSession(ctx, sess); err == nil {
		t.Fatal("terminal session must be immutable")
	}
}

func TestAppendSamplesDropsRetransmissions(t *testing.T) {
	store := New()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, session.Session{UserID: "user-1", StartTime: time.Now().UTC()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	base := time.Now().UTC()
	batch := []session.MotionSample{
		{Timestamp: base, StepCount: 2, StepsPerSecond: 2.0},
		{Timestamp: base.Add(time.Second), StepCount: 3, StepsPerSecond: 3.0},
	}
	if _, err := store.AppendSamples(ctx, sess.ID, batch); err != nil {
		t.Fatalf("append: %v", err)
	}

	// A retry of the same batch plus one genuinely new sample.
	retry := append(batch, session.MotionSample{
		Timestamp: base.Add(2 * time.Second), StepCount: 2, StepsPerSecond: 2.0,
	})
	updated, err := store.AppendSamples(ctx, sess.ID, retry)
	if err != nil {
		t.Fatalf("append retry: %v", err)
	}

	if len(updated.Samples) != 3 {
		t.Fatalf("samples = %d, want 3", len(updated.Samples))
	}
	if updated.TotalSteps != 7 {
		t.Fatalf("total steps = %d, want 7", updated.TotalSteps)
	}
}

func TestAppendSamplesRequiresActiveSession(t *testing.T) {
	store := New()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, session.Session{UserID: "user-1", StartTime: time.Now().UTC()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sess.Status = session.StatusCompleted
	if _, err := store.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	_, err = store.AppendSamples(ctx, sess.ID, []session.MotionSample{
		{Timestamp: time.Now().UTC(), StepCount: 1, StepsPerSecond: 1.0},
	})
	if err == nil {
		t.Fatal("append to finalized session must fail")
	}
}

func TestListStaleActiveSessions(t *testing.T) {
	store := New()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, session.Session{UserID: "user-1", StartTime: time.Now().UTC()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	stale, err := store.ListStaleActiveSessions(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("fresh session listed as stale")
	}

	stale, err = store.ListStaleActiveSessions(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != sess.ID {
		t.Fatalf("expected session %s stale, got %v", sess.ID, stale)
	}
}

func TestPutDaemonKeepsWalletImmutable(t *testing.T) {
	store := New()
	ctx := context.Background()

	rec, err := store.PutDaemon(ctx, daemon.Record{
		UserID:        "user-1",
		Port:          18501,
		Status:        daemon.StatusRunning,
		WalletAddress: "0xabc",
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	rec.WalletAddress = "0xdef"
	if _, err := store.PutDaemon(ctx, rec); err == nil {
		t.Fatal("wallet address change must be rejected")
	}

	// Updating other fields while keeping the wallet is fine.
	rec.WalletAddress = "0xabc"
	rec.MiningActive = true
	if _, err := store.PutDaemon(ctx, rec); err != nil {
		t.Fatalf("put update: %v", err)
	}
}

func TestListMiningDaemonsFiltersByFlag(t *testing.T) {
	store := New()
	ctx := context.Background()

	records := []daemon.Record{
		{UserID: "a", Port: 18501, Status: daemon.StatusRunning, MiningActive: true},
		{UserID: "b", Port: 18502, Status: daemon.StatusRunning},
	}
	for _, rec := range records {
		if _, err := store.PutDaemon(ctx, rec); err != nil {
			t.Fatalf("put %s: %v", rec.UserID, err)
		}
	}

	mining, err := store.ListMiningDaemons(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mining) != 1 || mining[0].UserID != "a" {
		t.Fatalf("expected only daemon a, got %v", mining)
	}
}

func TestCreditRewardIsAtomicAndIdempotent(t *testing.T) {
	store := New()
	ctx := context.Background()

	tx := ledger.Transaction{
		UserID:    "user-1",
		SessionID: "session-1",
		Type:      ledger.TypeMiningReward,
		Amount:    5.13,
		Status:    ledger.StatusConfirmed,
	}
	delta := ledger.Delta{Balance: 5.13, CoinsEarned: 5.13, Sessions: 1}

	first, err := store.CreditReward(ctx, tx, delta)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	replay, err := store.CreditReward(ctx, tx, delta)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.ID != first.ID {
		t.Fatalf("replay created transaction %s, want %s", replay.ID, first.ID)
	}

	agg, err := store.GetAggregate(ctx, "user-1")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.Balance != 5.13 || agg.SessionsFinalized != 1 {
		t.Fatalf("replay moved counters: %+v", agg)
	}
}

func TestCreditRewardRequiresSessionForMiningType(t *testing.T) {
	store := New()

	_, err := store.CreditReward(context.Background(), ledger.Transaction{
		UserID: "user-1",
		Type:   ledger.TypeMiningReward,
		Amount: 5.13,
	}, ledger.Delta{Balance: 5.13})
	if err == nil {
		t.Fatal("mining reward without session id must fail")
	}
}

func TestClonedReadsDoNotAliasStoreState(t *testing.T) {
	store := New()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, session.Session{UserID: "user-1", StartTime: time.Now().UTC()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.AppendSamples(ctx, sess.ID, []session.MotionSample{
		{Timestamp: time.Now().UTC(), StepCount: 2, StepsPerSecond: 2.0},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Samples[0].StepCount = 999

	again, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Samples[0].StepCount != 2 {
		t.Fatal("caller mutation leaked into the store")
	}
}
