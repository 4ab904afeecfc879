package daemon

import "time"

// Status is the daemon lifecycle state.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Record is the per-user mining daemon. At most one exists per user and its
// port is unique across all records while held.
type Record struct {
	UserID          string    `json:"user_id"`
	Port            int       `json:"port"`
	Status          Status    `json:"status"`
	WalletAddress   string    `json:"wallet_address,omitempty"`
	MiningActive    bool      `json:"mining_active"`
	MiningStartedAt time.Time `json:"mining_started_at,omitempty"`
	MiningDuration  int       `json:"mining_duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
