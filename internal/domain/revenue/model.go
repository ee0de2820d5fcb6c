package revenue

import "time"

// Source labels where platform revenue came from.
type Source string

const (
	SourceSpawnFee       Source = "spawn_fee"
	SourceDepositFee     Source = "deposit_fee"
	SourcePerformanceFee Source = "performance_fee"
	SourceWithdrawalFee  Source = "withdrawal_fee"
)

// Record is one append-only platform revenue entry. Platform-owned, never
// user-owned.
type Record struct {
	ID        string
	Source    Source
	Amount    float64
	AgentID   string
	UserID    string
	CreatedAt time.Time
}
