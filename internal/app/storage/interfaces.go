package storage

import (
	"context"
	"errors"
	"time"

	"github.com/FitChain-Labs/reward_layer/internal/app/domain/daemon"
	"github.com/FitChain-Labs/reward_layer/internal/app/domain/ledger"
	"github.com/FitChain-Labs/reward_layer/internal/app/domain/session"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrActiveSessionExists is returned by CreateSession while the user already
// holds an active session.
var ErrActiveSessionExists = errors.New("active session exists")

// SessionStore persists exercise sessions.
//
// CreateSession must atomically enforce the one-active-session-per-user rule:
// it fails with ErrActiveSessionExists while an active session for the same
// user exists. AppendSamples must apply batches in call order, drop samples at
// or before the last stored timestamp, and recompute TotalSteps from the full
// stored sequence. UpdateSession must refuse to mutate a session whose stored
// status is terminal.
type SessionStore interface {
	CreateSession(ctx context.Context, sess session.Session) (session.Session, error)
	UpdateSession(ctx context.Context, sess session.Session) (session.Session, error)
	GetSession(ctx context.Context, id string) (session.Session, error)
	GetActiveSession(ctx context.Context, userID string) (session.Session, error)
	AppendSamples(ctx context.Context, sessionID string, samples []session.MotionSample) (session.Session, error)
	ListStaleActiveSessions(ctx context.Context, idleSince time.Time) ([]session.Session, error)
}

// DaemonStore persists per-user mining daemon records.
type DaemonStore interface {
	GetDaemon(ctx context.Context, userID string) (daemon.Record, error)
	PutDaemon(ctx context.Context, rec daemon.Record) (daemon.Record, error)
	ListDaemons(ctx context.Context) ([]daemon.Record, error)
	ListMiningDaemons(ctx context.Context) ([]daemon.Record, error)
}

// LedgerStore persists transactions and user aggregates.
//
// CreditReward inserts the transaction and applies the delta as one atomic
// unit, keyed by the transaction's SessionID: a replay for an already-credited
// session returns the original transaction with no further effect. Entries
// without a session id skip the replay guard.
type LedgerStore interface {
	CreditReward(ctx context.Context, tx ledger.Transaction, delta ledger.Delta) (ledger.Transaction, error)
	CreateTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error)
	ApplyDelta(ctx context.Context, userID string, delta ledger.Delta) (ledger.Aggregate, error)
	GetAggregate(ctx context.Context, userID string) (ledger.Aggregate, error)
	ListTransactions(ctx context.Context, userID string) ([]ledger.Transaction, error)
}
