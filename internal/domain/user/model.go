package user

import "time"

// PremiumTier is the user's paid tier.
type PremiumTier string

const (
	TierNone     PremiumTier = "none"
	TierPremium  PremiumTier = "premium"
	TierLifetime PremiumTier = "lifetime"
)

// User owns custodial wallets and agents. The chat front-end mutates the
// entitlement flag; the ledger mutates the credit balance.
type User struct {
	ID            string
	Premium       PremiumTier
	CreditBalance float64
	HasAutomaton  bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
