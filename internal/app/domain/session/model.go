package session

import "time"

// Status describes where a session is in its lifecycle. A session leaves
// StatusActive exactly once and the target status is terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusInvalid   Status = "invalid"
	StatusRewarded  Status = "rewarded"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusInvalid || s == StatusRewarded
}

// MotionSample is one client-reported motion reading.
type MotionSample struct {
	Timestamp      time.Time `json:"timestamp"`
	StepCount      int       `json:"step_count"`
	StepsPerSecond float64   `json:"steps_per_second"`
}

// Session represents one exercise session and the reward state derived from
// it. Samples are append-only and ordered by timestamp.
type Session struct {
	ID                    string         `json:"id"`
	UserID                string         `json:"user_id"`
	StartTime             time.Time      `json:"start_time"`
	EndTime               time.Time      `json:"end_time,omitempty"`
	Samples               []MotionSample `json:"samples,omitempty"`
	TotalSteps            int            `json:"total_steps"`
	DurationSeconds       int            `json:"duration_seconds"`
	Status                Status         `json:"status"`
	ValidExerciseSeconds  int            `json:"valid_exercise_seconds"`
	InvalidReason         string         `json:"invalid_reason,omitempty"`
	MiningTriggered       bool           `json:"mining_triggered"`
	MiningDurationSeconds int            `json:"mining_duration_seconds"`
	CoinsEarned           float64        `json:"coins_earned"`
	TransactionRef        string         `json:"transaction_ref,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// Summary is the finalized view returned to clients when a session ends.
type Summary struct {
	ID                    string  `json:"id"`
	Status                Status  `json:"status"`
	DurationSeconds       int     `json:"duration_seconds"`
	TotalSteps            int     `json:"total_steps"`
	ValidExerciseSeconds  int     `json:"valid_exercise_seconds"`
	InvalidReason         string  `json:"invalid_reason,omitempty"`
	MiningTriggered       bool    `json:"mining_triggered"`
	MiningDurationSeconds int     `json:"mining_duration_seconds"`
	CoinsEarned           float64 `json:"coins_earned"`
}

// Summarize projects the client-facing summary.
func (s Session) Summarize() Summary {
	return Summary{
		ID:                    s.ID,
		Status:                s.Status,
		DurationSeconds:       s.DurationSeconds,
		TotalSteps:            s.TotalSteps,
		ValidExerciseSeconds:  s.ValidExerciseSeconds,
		InvalidReason:         s.InvalidReason,
		MiningTriggered:       s.MiningTriggered,
		MiningDurationSeconds: s.MiningDurationSeconds,
		CoinsEarned:           s.CoinsEarned,
	}
}
