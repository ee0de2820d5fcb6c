// Package storage declares the persistence interfaces of the credit engine.
// Implementations must make every Commit* method atomic: either all of its
// writes land or none do.
package storage

import (
	"context"
	"errors"

	"github.com/AgentHive-Network/credit_layer/internal/domain/agent"
	"github.com/AgentHive-Network/credit_layer/internal/domain/revenue"
	"github.com/AgentHive-Network/credit_layer/internal/domain/user"
	"github.com/AgentHive-Network/credit_layer/internal/domain/wallet"
)

// ErrNotFound is returned by Get* methods for unknown ids.
var ErrNotFound = errors.New("not found")

// UserStore persists users.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	UpdateUser(ctx context.Context, u user.User) (user.User, error)
}

// DepositCommit bundles the effects of one detected deposit so the store can
// apply them as a single unit. A dust-only poll carries a nil Deposit.
type DepositCommit struct {
	Wallet  wallet.CustodialWallet
	Deposit *wallet.DepositRecord
	Ledger  *agent.LedgerTransaction
	Revenue *revenue.Record

	// Exactly one of these is non-zero for a credited deposit: agent-bound
	// wallets credit the agent, user-level wallets credit the user.
	AgentCredit float64
	UserCredit  float64
}

// WalletStore persists custodial wallets and deposit records.
type WalletStore interface {
	// EnsureWallet creates the user-level wallet if absent and returns the
	// stored row either way. The bool reports whether a row was created.
	// Implementations must guarantee at most one user-level wallet per user.
	EnsureWallet(ctx context.Context, w wallet.CustodialWallet) (wallet.CustodialWallet, bool, error)

	CreateWallet(ctx context.Context, w wallet.CustodialWallet) (wallet.CustodialWallet, error)
	GetWallet(ctx context.Context, id string) (wallet.CustodialWallet, error)
	GetUserWallet(ctx context.Context, userID string) (wallet.CustodialWallet, error)
	ListWallets(ctx context.Context) ([]wallet.CustodialWallet, error)
	UpdateWallet(ctx context.Context, w wallet.CustodialWallet) (wallet.CustodialWallet, error)

	CommitDeposit(ctx context.Context, c DepositCommit) error
	ListDeposits(ctx context.Context, walletID string) ([]wallet.DepositRecord, error)
}

// AgentStore persists agents.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (agent.Agent, error)
	UpdateAgent(ctx context.Context, a agent.Agent) (agent.Agent, error)
	ListAgents(ctx context.Context) ([]agent.Agent, error)
	ListAgentsByUser(ctx context.Context, userID string) ([]agent.Agent, error)
	ListActiveAgents(ctx context.Context) ([]agent.Agent, error)
}

// LedgerStore owns the append-only transaction log and the multi-entity
// commits that must move money and append its record together.
type LedgerStore interface {
	AppendTransaction(ctx context.Context, tx agent.LedgerTransaction) (agent.LedgerTransaction, error)
	ListTransactions(ctx context.Context, agentID string) ([]agent.LedgerTransaction, error)
	// SumTransactions returns the signed sum of amounts for one kind.
	SumTransactions(ctx context.Context, agentID string, kind agent.Kind) (float64, error)

	// CommitSpawn debits the user, creates the agent and its bound wallet,
	// and appends the spawn transaction and revenue record.
	CommitSpawn(ctx context.Context, u user.User, a agent.Agent, w wallet.CustodialWallet, tx agent.LedgerTransaction, rev revenue.Record) (agent.Agent, error)

	// CommitActivity stores the refreshed agent and appends its earn/spend
	// transactions.
	CommitActivity(ctx context.Context, a agent.Agent, txs []agent.LedgerTransaction) error

	// CommitFee debits the agent and appends the performance-fee transaction
	// and revenue record.
	CommitFee(ctx context.Context, a agent.Agent, tx agent.LedgerTransaction, rev revenue.Record) error

	// CommitShare adds share to the ancestor's credit balance and child
	// revenue total and appends the lineage transaction. The credit is an
	// in-place increment, never a row overwrite, so it composes with writes
	// the caller does not serialize against.
	CommitShare(ctx context.Context, ancestorID string, share float64, tx agent.LedgerTransaction) error
}

// RevenueStore persists platform revenue records.
type RevenueStore interface {
	CreateRevenueRecord(ctx context.Context, rec revenue.Record) (revenue.Record, error)
	// ListRevenueRecords filters by source; the empty source lists all.
	ListRevenueRecords(ctx context.Context, source revenue.Source) ([]revenue.Record, error)
}
