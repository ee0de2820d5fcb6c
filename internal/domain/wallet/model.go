package wallet

import "time"

// CustodialWallet tracks one deposit address. User-level wallets are unique
// per user; agent-bound wallets carry the agent id and route credited
// deposits to that agent instead of the user.
type CustodialWallet struct {
	ID             string
	UserID         string
	AgentID        string // empty for the user-level wallet
	WalletHandle   string // opaque upstream wallet reference, used for transfers
	DepositAddress string

	// BalanceStable is the last observed on-chain balance: the reconciler's
	// low-water mark. A deposit exists only when the chain reads above it.
	BalanceStable float64

	// DustCarry accumulates deltas below the minimum deposit. The watermark
	// still advances past them; the carry is added to the next real deposit.
	DustCarry float64

	CreditedTotal  float64
	TotalDeposited float64
	TotalSpent     float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DepositRecord is written exactly once per detected on-chain increase and
// never mutated afterwards.
type DepositRecord struct {
	ID             string
	WalletID       string
	UserID         string
	GrossAmount    float64
	PlatformFee    float64
	CreditedAmount float64
	Confirmations  int
	DetectedAt     time.Time
}
