package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FitChain-Labs/reward_layer/internal/app/domain/daemon"
	"github.com/FitChain-Labs/reward_layer/internal/app/domain/ledger"
	"github.com/FitChain-Labs/reward_layer/internal/app/domain/session"
	"github.com/FitChain-Labs/reward_layer/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu     sync.RWMutex
	nextID int64

	sessions     map[string]session.Session
	activeByUser map[string]string

	daemons map[string]daemon.Record

	transactions     map[string]ledger.Transaction
	txIDsByUser      map[string][]string
	rewardsBySession map[string]string
	aggregates       map[string]ledger.Aggregate
}

var _ storage.SessionStore = (*Store)(nil)
var _ storage.DaemonStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:           1,
		sessions:         make(map[string]session.Session),
		activeByUser:     make(map[string]string),
		daemons:          make(map[string]daemon.Record),
		transactions:     make(map[string]ledger.Transaction),
		txIDsByUser:      make(map[string][]string),
		rewardsBySession: make(map[string]string),
		aggregates:       make(map[string]ledger.Aggregate),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// SessionStore implementation -------------------------------------------------

func (s *Store) CreateSession(_ context.Context, sess session.Session) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.activeByUser[sess.UserID]; ok {
		return session.Session{}, fmt.Errorf("user %s session %s: %w", sess.UserID, existing, storage.ErrActiveSessionExists)
	}
	if sess.ID == "" {
		sess.ID = s.nextIDLocked()
	} else if _, exists := s.sessions[sess.ID]; exists {
		return session.Session{}, fmt.Errorf("session %s already exists", sess.ID)
	}

	now := time.Now().UTC()
	sess.Status = session.StatusActive
	sess.CreatedAt = now
	sess.UpdatedAt = now
	sess.Samples = cloneSamples(sess.Samples)
	sess.TotalSteps = sumSteps(sess.Samples)

	s.sessions[sess.ID] = sess
	s.activeByUser[sess.UserID] = sess.ID
	return cloneSession(sess), nil
}

func (s *Store) UpdateSession(_ context.Context, sess session.Session) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.sessions[sess.ID]
	if !ok {
		return session.Session{}, fmt.Errorf("session %s: %w", sess.ID, storage.ErrNotFound)
	}
	if original.Status.Terminal() {
		return session.Session{}, fmt.Errorf("session %s is %s and cannot change", sess.ID, original.Status)
	}

	sess.UserID = original.UserID
	sess.CreatedAt = original.CreatedAt
	sess.UpdatedAt = time.Now().UTC()
	sess.Samples = cloneSamples(sess.Samples)
	sess.TotalSteps = sumSteps(sess.Samples)

	s.sessions[sess.ID] = sess
	if sess.Status != session.StatusActive {
		delete(s.activeByUser, sess.UserID)
	}
	return cloneSession(sess), nil
}

func (s *Store) GetSession(_ context.Context, id string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return cloneSession(sess), nil
}

func (s *Store) GetActiveSession(_ context.Context, userID string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.activeByUser[userID]
	if !ok {
		return session.Session{}, fmt.Errorf("active session for user %s: %w", userID, storage.ErrNotFound)
	}
	return cloneSession(s.sessions[id]), nil
}

func (s *Store) AppendSamples(_ context.Context, sessionID string, samples []session.MotionSample) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	if sess.Status != session.StatusActive {
		return session.Session{}, fmt.Errorf("session %s is %s; samples are only accepted while active", sessionID, sess.Status)
	}

	last := time.Time{}
	if n := len(sess.Samples); n > 0 {
		last = sess.Samples[n-1].Timestamp
	}
	for _, sample := range samples {
		// Retransmitted or out-of-order samples are dropped so retries
		// cannot inflate the step totals.
		if !sample.Timestamp.After(last) {
			continue
		}
		sess.Samples = append(sess.Samples, sample)
		last = sample.Timestamp
	}
	sess.TotalSteps = sumSteps(sess.Samples)
	sess.UpdatedAt = time.Now().UTC()

	s.sessions[sessionID] = sess
	return cloneSession(sess), nil
}

func (s *Store) ListStaleActiveSessions(_ context.Context, idleSince time.Time) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]session.Session, 0)
	for _, id := range s.activeByUser {
		sess := s.sessions[id]
		if sess.UpdatedAt.Before(idleSince) {
			result = append(result, cloneSession(sess))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// DaemonStore implementation --------------------------------------------------

func (s *Store) GetDaemon(_ context.Context, userID string) (daemon.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.daemons[userID]
	if !ok {
		return daemon.Record{}, fmt.Errorf("daemon for user %s: %w", userID, storage.ErrNotFound)
	}
	return rec, nil
}

func (s *Store) PutDaemon(_ context.Context, rec daemon.Record) (daemon.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.UserID == "" {
		return daemon.Record{}, fmt.Errorf("daemon record requires a user id")
	}

	original, exists := s.daemons[rec.UserID]
	now := time.Now().UTC()
	if exists {
		if original.WalletAddress != "" && rec.WalletAddress != original.WalletAddress {
			return daemon.Record{}, fmt.Errorf("wallet address for user %s is immutable", rec.UserID)
		}
		rec.CreatedAt = original.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	s.daemons[rec.UserID] = rec
	return rec, nil
}

func (s *Store) ListDaemons(_ context.Context) ([]daemon.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]daemon.Record, 0, len(s.daemons))
	for _, rec := range s.daemons {
		result = append(result, rec)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (s *Store) ListMiningDaemons(_ context.Context) ([]daemon.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]daemon.Record, 0)
	for _, rec := range s.daemons {
		if rec.MiningActive {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) CreditReward(_ context.Context, tx ledger.Transaction, delta ledger.Delta) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.Type == ledger.TypeMiningReward && tx.SessionID == "" {
		return ledger.Transaction{}, fmt.Errorf("reward transaction requires a session id")
	}
	if tx.SessionID != "" {
		if existing, ok := s.rewardsBySession[tx.SessionID]; ok {
			return cloneTransaction(s.transactions[existing]), nil
		}
	}

	tx, err := s.insertTransactionLocked(tx)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if tx.SessionID != "" {
		s.rewardsBySession[tx.SessionID] = tx.ID
	}
	s.applyDeltaLocked(tx.UserID, delta)
	return cloneTransaction(tx), nil
}

func (s *Store) CreateTransaction(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.insertTransactionLocked(tx)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return cloneTransaction(tx), nil
}

func (s *Store) ApplyDelta(_ context.Context, userID string, delta ledger.Delta) (ledger.Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if userID == "" {
		return ledger.Aggregate{}, fmt.Errorf("aggregate delta requires a user id")
	}
	return s.applyDeltaLocked(userID, delta), nil
}

func (s *Store) GetAggregate(_ context.Context, userID string) (ledger.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg, ok := s.aggregates[userID]
	if !ok {
		return ledger.Aggregate{UserID: userID}, nil
	}
	return agg, nil
}

func (s *Store) ListTransactions(_ context.Context, userID string) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.txIDsByUser[userID]
	result := make([]ledger.Transaction, 0, len(ids))
	for _, id := range ids {
		result = append(result, cloneTransaction(s.transactions[id]))
	}
	return result, nil
}

func (s *Store) insertTransactionLocked(tx ledger.Transaction) (ledger.Transaction, error) {
	if tx.UserID == "" {
		return ledger.Transaction{}, fmt.Errorf("transaction requires a user id")
	}
	if tx.ID == "" {
		tx.ID = s.nextIDLocked()
	} else if _, exists := s.transactions[tx.ID]; exists {
		return ledger.Transaction{}, fmt.Errorf("transaction %s already exists", tx.ID)
	}

	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	tx.Metadata = cloneMap(tx.Metadata)

	s.transactions[tx.ID] = tx
	s.txIDsByUser[tx.UserID] = append(s.txIDsByUser[tx.UserID], tx.ID)
	return tx, nil
}

func (s *Store) applyDeltaLocked(userID string, delta ledger.Delta) ledger.Aggregate {
	agg, ok := s.aggregates[userID]
	if !ok {
		agg = ledger.Aggregate{UserID: userID}
	}
	agg.Apply(delta)
	agg.UpdatedAt = time.Now().UTC()
	s.aggregates[userID] = agg
	return agg
}

// Helpers --------------------------------------------------------------------

func cloneMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneSamples(src []session.MotionSample) []session.MotionSample {
	if len(src) == 0 {
		return nil
	}
	return append([]session.MotionSample(nil), src...)
}

func cloneSession(sess session.Session) session.Session {
	sess.Samples = cloneSamples(sess.Samples)
	return sess
}

func cloneTransaction(tx ledger.Transaction) ledger.Transaction {
	tx.Metadata = cloneMap(tx.Metadata)
	return tx
}

func sumSteps(samples []session.MotionSample) int {
	total := 0
	for _, sample := range samples {
		total += sample.StepCount
	}
	return total
}
