package agent

import "time"

// Status is the stored lifecycle state. Death is never stored directly: it is
// implied by a derived survival tier of TierDead.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
)

// SurvivalTier classifies an agent's credit balance. It is a pure function of
// the balance, recomputed on every read.
type SurvivalTier string

const (
	TierNormal     SurvivalTier = "normal"
	TierLowCompute SurvivalTier = "low_compute"
	TierCritical   SurvivalTier = "critical"
	TierDead       SurvivalTier = "dead"
)

// Kind labels a ledger transaction.
type Kind string

const (
	KindSpawn          Kind = "spawn"
	KindDeposit        Kind = "deposit"
	KindEarn           Kind = "earn"
	KindSpend          Kind = "spend"
	KindPerformanceFee Kind = "performance_fee"
	KindLineageShare   Kind = "lineage_share"
)

// Agent is a rented trading automaton and the canonical owner of its credit
// balance.
type Agent struct {
	ID             string
	UserID         string
	Name           string
	WalletHandle   string // opaque upstream wallet reference
	DepositAddress string

	CreditBalance float64
	Status        Status

	TotalEarnings     float64
	TotalExpenses     float64
	TotalChildRevenue float64

	ParentID string // back-reference only, no ownership

	CreatedAt    time.Time
	LastActiveAt time.Time
	UpdatedAt    time.Time
}

// NetProfit is realized earnings minus expenses; the fee basis.
func (a Agent) NetProfit() float64 {
	return a.TotalEarnings - a.TotalExpenses
}

// LedgerTransaction is one append-only balance mutation. Amount is signed:
// credits in, debits out. The sum of balance-affecting transactions for an
// agent equals its current balance. The spawn record is provenance for the
// user-level debit and does not count toward the agent's own balance.
type LedgerTransaction struct {
	ID          string
	AgentID     string
	Kind        Kind
	Amount      float64
	Description string
	CreatedAt   time.Time
}

// AffectsBalance reports whether the transaction kind moves the agent's own
// credit balance.
func (t LedgerTransaction) AffectsBalance() bool {
	return t.Kind != KindSpawn
}

// TierRule is one row of the table-driven tier classification.
type TierRule struct {
	Tier             SurvivalTier
	MinBalance       float64
	DailyConsumption float64
}

// Classify returns the survival tier and daily consumption for a balance.
// Rules must be ordered by descending MinBalance; the last rule is the
// catch-all.
func Classify(balance float64, rules []TierRule) (SurvivalTier, float64) {
	if len(rules) == 0 {
		return TierDead, 0
	}
	for _, r := range rules {
		if balance >= r.MinBalance {
			return r.Tier, r.DailyConsumption
		}
	}
	last := rules[len(rules)-1]
	return last.Tier, last.DailyConsumption
}

// RuntimeDays estimates how long the balance lasts at the tier's consumption
// rate. Zero consumption (dead tier) yields zero.
func RuntimeDays(balance, dailyConsumption float64) float64 {
	if dailyConsumption <= 0 {
		return 0
	}
	return balance / dailyConsumption
}
