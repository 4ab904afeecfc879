package ledger

import "time"

// TransactionType classifies balance-affecting events.
type TransactionType string

const (
	TypeMiningReward TransactionType = "mining_reward"
	TypeTransferIn   TransactionType = "transfer_in"
	TypeTransferOut  TransactionType = "transfer_out"
	TypeWithdrawal   TransactionType = "withdrawal"
)

// TransactionStatus is the settlement state of a ledger entry.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusConfirmed TransactionStatus = "confirmed"
	StatusFailed    TransactionStatus = "failed"
)

// Transaction is an immutable ledger entry. Only the status may change after
// creation, and only pending -> confirmed|failed.
type Transaction struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	SessionID string            `json:"session_id,omitempty"`
	Type      TransactionType   `json:"type"`
	Amount    float64           `json:"amount"`
	Status    TransactionStatus `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Aggregate holds the per-user lifetime counters kept in lockstep with the
// confirmed ledger entries.
type Aggregate struct {
	UserID               string    `json:"user_id"`
	Balance              float64   `json:"balance"`
	CoinsEarned          float64   `json:"coins_earned"`
	TotalSteps           int       `json:"total_steps"`
	ValidExerciseSeconds int       `json:"valid_exercise_seconds"`
	MiningSeconds        int       `json:"mining_seconds"`
	SessionsFinalized    int       `json:"sessions_finalized"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Delta is a commutative increment applied to an Aggregate. Balance and
// CoinsEarned are tracked separately: transfers move Balance without touching
// the lifetime earned counter.
type Delta struct {
	Balance              float64
	CoinsEarned          float64
	Steps                int
	ValidExerciseSeconds int
	MiningSeconds        int
	Sessions             int
}

// Apply adds the delta to the aggregate.
func (a *Aggregate) Apply(d Delta) {
	a.Balance += d.Balance
	a.CoinsEarned += d.CoinsEarned
	a.TotalSteps += d.Steps
	a.ValidExerciseSeconds += d.ValidExerciseSeconds
	a.MiningSeconds += d.MiningSeconds
	a.SessionsFinalized += d.Sessions
}
