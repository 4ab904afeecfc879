package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/FitChain-Labs/reward_layer/internal/app/domain/daemon"
	"github.com/FitChain-Labs/reward_layer/internal/app/domain/ledger"
	"github.com/FitChain-Labs/reward_layer/internal/app/domain/session"
	"github.com/FitChain-Labs/reward_layer/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.SessionStore = (*Store)(nil)
var _ storage.DaemonStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- SessionStore -----------------------------------------------------------

const sessionColumns = `id, user_id, start_time, end_time, samples, total_steps,
	duration_seconds, status, valid_exercise_seconds, invalid_reason,
	mining_triggered, mining_duration_seconds, coins_earned, transaction_ref,
	created_at, updated_at`

func (s *Store) CreateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sess.Status = session.StatusActive
	sess.CreatedAt = now
	sess.UpdatedAt = now
	sess.TotalSteps = sumSteps(sess.Samples)

	samplesJSON, err := json.Marshal(samplesOrEmpty(sess.Samples))
	if err != nil {
		return session.Session{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO exercise_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, sess.ID, sess.UserID, sess.StartTime, nullTime(sess.EndTime), samplesJSON,
		sess.TotalSteps, sess.DurationSeconds, sess.Status, sess.ValidExerciseSeconds,
		sess.InvalidReason, sess.MiningTriggered, sess.MiningDurationSeconds,
		sess.CoinsEarned, sess.TransactionRef, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return session.Session{}, fmt.Errorf("user %s: %w", sess.UserID, storage.ErrActiveSessionExists)
		}
		return session.Session{}, err
	}
	return sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	existing, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		return session.Session{}, err
	}
	if existing.Status.Terminal() {
		return session.Session{}, fmt.Errorf("session %s is %s and cannot change", sess.ID, existing.Status)
	}

	sess.UserID = existing.UserID
	sess.CreatedAt = existing.CreatedAt
	sess.UpdatedAt = time.Now().UTC()
	sess.TotalSteps = sumSteps(sess.Samples)

	samplesJSON, err := json.Marshal(samplesOrEmpty(sess.Samples))
	if err != nil {
		return session.Session{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE exercise_sessions
		SET end_time = $2, samples = $3, total_steps = $4, duration_seconds = $5,
			status = $6, valid_exercise_seconds = $7, invalid_reason = $8,
			mining_triggered = $9, mining_duration_seconds = $10, coins_earned = $11,
			transaction_ref = $12, updated_at = $13
		WHERE id = $1 AND status = 'active'
	`, sess.ID, nullTime(sess.EndTime), samplesJSON, sess.TotalSteps,
		sess.DurationSeconds, sess.Status, sess.ValidExerciseSeconds,
		sess.InvalidReason, sess.MiningTriggered, sess.MiningDurationSeconds,
		sess.CoinsEarned, sess.TransactionRef, sess.UpdatedAt)
	if err != nil {
		return session.Session{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return session.Session{}, fmt.Errorf("session %s is no longer active", sess.ID)
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM exercise_sessions
		WHERE id = $1
	`, id)
	return scanSession(row, id)
}

func (s *Store) GetActiveSession(ctx context.Context, userID string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM exercise_sessions
		WHERE user_id = $1 AND status = 'active'
	`, userID)
	return scanSession(row, userID)
}

func (s *Store) AppendSamples(ctx context.Context, sessionID string, samples []session.MotionSample) (session.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return session.Session{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM exercise_sessions
		WHERE id = $1
		FOR UPDATE
	`, sessionID)
	sess, err := scanSession(row, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if sess.Status != session.StatusActive {
		return session.Session{}, fmt.Errorf("session %s is %s; samples are only accepted while active", sessionID, sess.Status)
	}

	last := time.Time{}
	if n := len(sess.Samples); n > 0 {
		last = sess.Samples[n-1].Timestamp
	}
	for _, sample := range samples {
		if !sample.Timestamp.After(last) {
			continue
		}
		sess.Samples = append(sess.Samples, sample)
		last = sample.Timestamp
	}
	sess.TotalSteps = sumSteps(sess.Samples)
	sess.UpdatedAt = time.Now().UTC()

	samplesJSON, err := json.Marshal(samplesOrEmpty(sess.Samples))
	if err != nil {
		return session.Session{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE exercise_sessions
		SET samples = $2, total_steps = $3, updated_at = $4
		WHERE id = $1
	`, sess.ID, samplesJSON, sess.TotalSteps, sess.UpdatedAt); err != nil {
		return session.Session{}, err
	}

	if err := tx.Commit(); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (s *Store) ListStaleActiveSessions(ctx context.Context, idleSince time.Time) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM exercise_sessions
		WHERE status = 'active' AND updated_at < $1
		ORDER BY updated_at
	`, idleSince)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []session.Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// --- DaemonStore ------------------------------------------------------------

const daemonColumns = `user_id, port, status, wallet_address, mining_active,
	mining_started_at, mining_duration_seconds, created_at, updated_at`

func (s *Store) GetDaemon(ctx context.Context, userID string) (daemon.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+daemonColumns+`
		FROM mining_daemons
		WHERE user_id = $1
	`, userID)
	return scanDaemon(row, userID)
}

func (s *Store) PutDaemon(ctx context.Context, rec daemon.Record) (daemon.Record, error) {
	if rec.UserID == "" {
		return daemon.Record{}, fmt.Errorf("daemon record requires a user id")
	}

	existing, err := s.GetDaemon(ctx, rec.UserID)
	now := time.Now().UTC()
	switch {
	case err == nil:
		if existing.WalletAddress != "" && rec.WalletAddress != existing.WalletAddress {
			return daemon.Record{}, fmt.Errorf("wallet address for user %s is immutable", rec.UserID)
		}
		rec.CreatedAt = existing.CreatedAt
	case errors.Is(err, storage.ErrNotFound):
		rec.CreatedAt = now
	default:
		return daemon.Record{}, err
	}
	rec.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mining_daemons (`+daemonColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			port = EXCLUDED.port,
			status = EXCLUDED.status,
			wallet_address = EXCLUDED.wallet_address,
			mining_active = EXCLUDED.mining_active,
			mining_started_at = EXCLUDED.mining_started_at,
			mining_duration_seconds = EXCLUDED.mining_duration_seconds,
			updated_at = EXCLUDED.updated_at
	`, rec.UserID, rec.Port, rec.Status, rec.WalletAddress, rec.MiningActive,
		nullTime(rec.MiningStartedAt), rec.MiningDuration, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return daemon.Record{}, err
	}
	return rec, nil
}

func (s *Store) ListDaemons(ctx context.Context) ([]daemon.Record, error) {
	return s.listDaemons(ctx, `
		SELECT `+daemonColumns+`
		FROM mining_daemons
		ORDER BY user_id
	`)
}

func (s *Store) ListMiningDaemons(ctx context.Context) ([]daemon.Record, error) {
	return s.listDaemons(ctx, `
		SELECT `+daemonColumns+`
		FROM mining_daemons
		WHERE mining_active
		ORDER BY user_id
	`)
}

func (s *Store) listDaemons(ctx context.Context, query string) ([]daemon.Record, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []daemon.Record
	for rows.Next() {
		var (
			rec     daemon.Record
			started sql.NullTime
		)
		if err := rows.Scan(&rec.UserID, &rec.Port, &rec.Status, &rec.WalletAddress,
			&rec.MiningActive, &started, &rec.MiningDuration, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if started.Valid {
			rec.MiningStartedAt = started.Time
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// --- LedgerStore ------------------------------------------------------------

const txColumns = `id, user_id, session_id, type, amount, status, metadata, created_at, updated_at`

func (s *Store) CreditReward(ctx context.Context, entry ledger.Transaction, delta ledger.Delta) (ledger.Transaction, error) {
	if entry.Type == ledger.TypeMiningReward && entry.SessionID == "" {
		return ledger.Transaction{}, fmt.Errorf("reward transaction requires a session id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if entry.SessionID != "" {
		row := tx.QueryRowContext(ctx, `
			SELECT `+txColumns+`
			FROM ledger_transactions
			WHERE session_id = $1
		`, entry.SessionID)
		existing, err := scanTransaction(row)
		if err == nil {
			// Already credited; the replay guard makes this call a no-op.
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return ledger.Transaction{}, err
		}
	}

	entry, err = insertTransaction(ctx, tx, entry)
	if err != nil {
		return ledger.Transaction{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_aggregates (user_id, balance, coins_earned, total_steps,
			valid_exercise_seconds, mining_seconds, sessions_finalized, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			balance = user_aggregates.balance + EXCLUDED.balance,
			coins_earned = user_aggregates.coins_earned + EXCLUDED.coins_earned,
			total_steps = user_aggregates.total_steps + EXCLUDED.total_steps,
			valid_exercise_seconds = user_aggregates.valid_exercise_seconds + EXCLUDED.valid_exercise_seconds,
			mining_seconds = user_aggregates.mining_seconds + EXCLUDED.mining_seconds,
			sessions_finalized = user_aggregates.sessions_finalized + EXCLUDED.sessions_finalized,
			updated_at = EXCLUDED.updated_at
	`, entry.UserID, delta.Balance, delta.CoinsEarned, delta.Steps,
		delta.ValidExerciseSeconds, delta.MiningSeconds, delta.Sessions, time.Now().UTC()); err != nil {
		return ledger.Transaction{}, err
	}

	if err := tx.Commit(); err != nil {
		return ledger.Transaction{}, err
	}
	return entry, nil
}

func (s *Store) CreateTransaction(ctx context.Context, entry ledger.Transaction) (ledger.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	entry, err = insertTransaction(ctx, tx, entry)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Transaction{}, err
	}
	return entry, nil
}

func (s *Store) ApplyDelta(ctx context.Context, userID string, delta ledger.Delta) (ledger.Aggregate, error) {
	if userID == "" {
		return ledger.Aggregate{}, fmt.Errorf("aggregate delta requires a user id")
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO user_aggregates (user_id, balance, coins_earned, total_steps,
			valid_exercise_seconds, mining_seconds, sessions_finalized, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			balance = user_aggregates.balance + EXCLUDED.balance,
			coins_earned = user_aggregates.coins_earned + EXCLUDED.coins_earned,
			total_steps = user_aggregates.total_steps + EXCLUDED.total_steps,
			valid_exercise_seconds = user_aggregates.valid_exercise_seconds + EXCLUDED.valid_exercise_seconds,
			mining_seconds = user_aggregates.mining_seconds + EXCLUDED.mining_seconds,
			sessions_finalized = user_aggregates.sessions_finalized + EXCLUDED.sessions_finalized,
			updated_at = EXCLUDED.updated_at
		RETURNING user_id, balance, coins_earned, total_steps, valid_exercise_seconds,
			mining_seconds, sessions_finalized, updated_at
	`, userID, delta.Balance, delta.CoinsEarned, delta.Steps,
		delta.ValidExerciseSeconds, delta.MiningSeconds, delta.Sessions, time.Now().UTC())

	return scanAggregate(row)
}

func (s *Store) GetAggregate(ctx context.Context, userID string) (ledger.Aggregate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, balance, coins_earned, total_steps, valid_exercise_seconds,
			mining_seconds, sessions_finalized, updated_at
		FROM user_aggregates
		WHERE user_id = $1
	`, userID)

	agg, err := scanAggregate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Aggregate{UserID: userID}, nil
	}
	return agg, err
}

func (s *Store) ListTransactions(ctx context.Context, userID string) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM ledger_transactions
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.Transaction
	for rows.Next() {
		entry, err := scanTransactionRows(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// --- helpers ----------------------------------------------------------------

func insertTransaction(ctx context.Context, tx *sql.Tx, entry ledger.Transaction) (ledger.Transaction, error) {
	if entry.UserID == "" {
		return ledger.Transaction{}, fmt.Errorf("transaction requires a user id")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now

	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return ledger.Transaction{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.UserID, nullString(entry.SessionID), entry.Type, entry.Amount,
		entry.Status, metadataJSON, entry.CreatedAt, entry.UpdatedAt); err != nil {
		return ledger.Transaction{}, err
	}
	return entry, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row *sql.Row, key string) (session.Session, error) {
	sess, err := scanSessionRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, fmt.Errorf("session %s: %w", key, storage.ErrNotFound)
	}
	return sess, err
}

func scanSessionRows(scanner rowScanner) (session.Session, error) {
	var (
		sess       session.Session
		endTime    sql.NullTime
		samplesRaw []byte
	)
	if err := scanner.Scan(&sess.ID, &sess.UserID, &sess.StartTime, &endTime, &samplesRaw,
		&sess.TotalSteps, &sess.DurationSeconds, &sess.Status, &sess.ValidExerciseSeconds,
		&sess.InvalidReason, &sess.MiningTriggered, &sess.MiningDurationSeconds,
		&sess.CoinsEarned, &sess.TransactionRef, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return session.Session{}, err
	}
	if endTime.Valid {
		sess.EndTime = endTime.Time
	}
	if len(samplesRaw) > 0 {
		_ = json.Unmarshal(samplesRaw, &sess.Samples)
	}
	return sess, nil
}

func scanDaemon(row *sql.Row, userID string) (daemon.Record, error) {
	var (
		rec     daemon.Record
		started sql.NullTime
	)
	err := row.Scan(&rec.UserID, &rec.Port, &rec.Status, &rec.WalletAddress,
		&rec.MiningActive, &started, &rec.MiningDuration, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return daemon.Record{}, fmt.Errorf("daemon for user %s: %w", userID, storage.ErrNotFound)
	}
	if err != nil {
		return daemon.Record{}, err
	}
	if started.Valid {
		rec.MiningStartedAt = started.Time
	}
	return rec, nil
}

func scanTransaction(row *sql.Row) (ledger.Transaction, error) {
	return scanTransactionRows(row)
}

func scanTransactionRows(scanner rowScanner) (ledger.Transaction, error) {
	var (
		entry       ledger.Transaction
		sessionID   sql.NullString
		metadataRaw []byte
	)
	if err := scanner.Scan(&entry.ID, &entry.UserID, &sessionID, &entry.Type, &entry.Amount,
		&entry.Status, &metadataRaw, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
		return ledger.Transaction{}, err
	}
	if sessionID.Valid {
		entry.SessionID = sessionID.String
	}
	if len(metadataRaw) > 0 {
		_ = json.Unmarshal(metadataRaw, &entry.Metadata)
	}
	return entry, nil
}

func scanAggregate(row *sql.Row) (ledger.Aggregate, error) {
	var agg ledger.Aggregate
	if err := row.Scan(&agg.UserID, &agg.Balance, &agg.CoinsEarned, &agg.TotalSteps,
		&agg.ValidExerciseSeconds, &agg.MiningSeconds, &agg.SessionsFinalized, &agg.UpdatedAt); err != nil {
		return ledger.Aggregate{}, err
	}
	return agg, nil
}

func sumSteps(samples []session.MotionSample) int {
	total := 0
	for _, sample := range samples {
		total += sample.StepCount
	}
	return total
}

func samplesOrEmpty(samples []session.MotionSample) []session.MotionSample {
	if samples == nil {
		return []session.MotionSample{}
	}
	return samples
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueViolation matches the lib/pq unique_violation error code without
// importing the driver here.
func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var pqErr coder
	if errors.As(err, &pqErr) {
		return pqErr.SQLState() == "23505"
	}
	return false
}
