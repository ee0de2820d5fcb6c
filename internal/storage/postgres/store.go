// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AgentHive-Network/credit_layer/internal/domain/agent"
	"github.com/AgentHive-Network/credit_layer/internal/domain/revenue"
	"github.com/AgentHive-Network/credit_layer/internal/domain/user"
	"github.com/AgentHive-Network/credit_layer/internal/domain/wallet"
	"github.com/AgentHive-Network/credit_layer/internal/storage"
)

// Store implements the storage interfaces using the provided database handle.
type Store struct {
	db *sql.DB
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.WalletStore = (*Store)(nil)
var _ storage.AgentStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.RevenueStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- UserStore --------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	if u.Premium == "" {
		u.Premium = user.TierNone
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_users (id, premium, credit_balance, has_automaton, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.ID, string(u.Premium), u.CreditBalance, u.HasAutomaton, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, premium, credit_balance, has_automaton, created_at, updated_at
		FROM credit_users
		WHERE id = $1
	`, id)
	return scanUser(row)
}

func (s *Store) UpdateUser(ctx context.Context, u user.User) (user.User, error) {
	u.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE credit_users
		SET premium = $2, credit_balance = $3, has_automaton = $4, updated_at = $5
		WHERE id = $1
	`, u.ID, string(u.Premium), u.CreditBalance, u.HasAutomaton, u.UpdatedAt)
	if err != nil {
		return user.User{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return user.User{}, fmt.Errorf("user %s: %w", u.ID, storage.ErrNotFound)
	}
	return u, nil
}

// --- WalletStore ------------------------------------------------------------

const walletColumns = `id, user_id, agent_id, wallet_handle, deposit_address, balance_stable, dust_carry, credited_total, total_deposited, total_spent, created_at, updated_at`

func (s *Store) EnsureWallet(ctx context.Context, w wallet.CustodialWallet) (wallet.CustodialWallet, bool, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.AgentID = ""
	w.CreatedAt = now
	w.UpdatedAt = now

	// Insert-if-absent against the partial unique index on user-level
	// wallets. A losing insert leaves the existing row untouched.
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_wallets (`+walletColumns+`)
		VALUES ($1, $2, NULL, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id) WHERE agent_id IS NULL DO NOTHING
	`, w.ID, w.UserID, w.WalletHandle, w.DepositAddress, w.BalanceStable, w.DustCarry,
		w.CreditedTotal, w.TotalDeposited, w.TotalSpent, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return wallet.CustodialWallet{}, false, err
	}

	inserted, _ := result.RowsAffected()
	stored, err := s.GetUserWallet(ctx, w.UserID)
	if err != nil {
		return wallet.CustodialWallet{}, false, err
	}
	return stored, inserted > 0, nil
}

func (s *Store) CreateWallet(ctx context.Context, w wallet.CustodialWallet) (wallet.CustodialWallet, error) {
	return s.createWalletTx(ctx, s.db, w)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) createWalletTx(ctx context.Context, ex execer, w wallet.CustodialWallet) (wallet.CustodialWallet, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	_, err := ex.ExecContext(ctx, `
		INSERT INTO credit_wallets (`+walletColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, w.ID, w.UserID, toNullString(w.AgentID), w.WalletHandle, w.DepositAddress, w.BalanceStable,
		w.DustCarry, w.CreditedTotal, w.TotalDeposited, w.TotalSpent, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return wallet.CustodialWallet{}, err
	}
	return w, nil
}

func (s *Store) GetWallet(ctx context.Context, id string) (wallet.CustodialWallet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+walletColumns+` FROM credit_wallets WHERE id = $1
	`, id)
	return scanWallet(row)
}

func (s *Store) GetUserWallet(ctx context.Context, userID string) (wallet.CustodialWallet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+walletColumns+` FROM credit_wallets
		WHERE user_id = $1 AND agent_id IS NULL
	`, userID)
	return scanWallet(row)
}

func (s *Store) ListWallets(ctx context.Context) ([]wallet.CustodialWallet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+walletColumns+` FROM credit_wallets ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []wallet.CustodialWallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func (s *Store) UpdateWallet(ctx context.Context, w wallet.CustodialWallet) (wallet.CustodialWallet, error) {
	updated, err := s.updateWalletTx(ctx, s.db, w)
	if err != nil {
		return wallet.CustodialWallet{}, err
	}
	return updated, nil
}

func (s *Store) updateWalletTx(ctx context.Context, ex execer, w wallet.CustodialWallet) (wallet.CustodialWallet, error) {
	w.UpdatedAt = time.Now().UTC()
	result, err := ex.ExecContext(ctx, `
		UPDATE credit_wallets
		SET balance_stable = $2, dust_carry = $3, credited_total = $4,
		    total_deposited = $5, total_spent = $6, updated_at = $7
		WHERE id = $1
	`, w.ID, w.BalanceStable, w.DustCarry, w.CreditedTotal, w.TotalDeposited, w.TotalSpent, w.UpdatedAt)
	if err != nil {
		return wallet.CustodialWallet{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return wallet.CustodialWallet{}, fmt.Errorf("wallet %s: %w", w.ID, storage.ErrNotFound)
	}
	return w, nil
}

func (s *Store) CommitDeposit(ctx context.Context, c storage.DepositCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := s.updateWalletTx(ctx, tx, c.Wallet); err != nil {
		return err
	}

	if c.Deposit != nil {
		rec := *c.Deposit
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.DetectedAt.IsZero() {
			rec.DetectedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credit_deposit_records (id, wallet_id, user_id, gross_amount, platform_fee, credited_amount, confirmations, detected_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, rec.ID, rec.WalletID, rec.UserID, rec.GrossAmount, rec.PlatformFee, rec.CreditedAmount, rec.Confirmations, rec.DetectedAt); err != nil {
			return err
		}
	}

	if c.Ledger != nil {
		if _, err := s.appendTransactionTx(ctx, tx, *c.Ledger); err != nil {
			return err
		}
	}

	if c.Revenue != nil {
		if err := s.insertRevenueTx(ctx, tx, *c.Revenue); err != nil {
			return err
		}
	}

	if c.AgentCredit != 0 {
		result, err := tx.ExecContext(ctx, `
			UPDATE credit_agents
			SET credit_balance = credit_balance + $2, updated_at = $3
			WHERE id = $1
		`, c.Wallet.AgentID, c.AgentCredit, time.Now().UTC())
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return fmt.Errorf("agent %s: %w", c.Wallet.AgentID, storage.ErrNotFound)
		}
	}

	if c.UserCredit != 0 {
		result, err := tx.ExecContext(ctx, `
			UPDATE credit_users
			SET credit_balance = credit_balance + $2, updated_at = $3
			WHERE id = $1
		`, c.Wallet.UserID, c.UserCredit, time.Now().UTC())
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return fmt.Errorf("user %s: %w", c.Wallet.UserID, storage.ErrNotFound)
		}
	}

	return tx.Commit()
}

func (s *Store) ListDeposits(ctx context.Context, walletID string) ([]wallet.DepositRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet_id, user_id, gross_amount, platform_fee, credited_amount, confirmations, detected_at
		FROM credit_deposit_records
		WHERE wallet_id = $1
		ORDER BY detected_at
	`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []wallet.DepositRecord
	for rows.Next() {
		var rec wallet.DepositRecord
		if err := rows.Scan(&rec.ID, &rec.WalletID, &rec.UserID, &rec.GrossAmount, &rec.PlatformFee, &rec.CreditedAmount, &rec.Confirmations, &rec.DetectedAt); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// --- AgentStore -------------------------------------------------------------

const agentColumns = `id, user_id, name, wallet_handle, deposit_address, credit_balance, status, total_earnings, total_expenses, total_child_revenue, parent_id, created_at, last_active_at, updated_at`

func (s *Store) GetAgent(ctx context.Context, id string) (agent.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM credit_agents WHERE id = $1
	`, id)
	return scanAgent(row)
}

func (s *Store) UpdateAgent(ctx context.Context, a agent.Agent) (agent.Agent, error) {
	updated, err := s.updateAgentTx(ctx, s.db, a)
	if err != nil {
		return agent.Agent{}, err
	}
	return updated, nil
}

func (s *Store) updateAgentTx(ctx context.Context, ex execer, a agent.Agent) (agent.Agent, error) {
	a.UpdatedAt = time.Now().UTC()
	result, err := ex.ExecContext(ctx, `
		UPDATE credit_agents
		SET credit_balance = $2, status = $3, total_earnings = $4, total_expenses = $5,
		    total_child_revenue = $6, last_active_at = $7, updated_at = $8
		WHERE id = $1
	`, a.ID, a.CreditBalance, string(a.Status), a.TotalEarnings, a.TotalExpenses,
		a.TotalChildRevenue, a.LastActiveAt, a.UpdatedAt)
	if err != nil {
		return agent.Agent{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return agent.Agent{}, fmt.Errorf("agent %s: %w", a.ID, storage.ErrNotFound)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]agent.Agent, error) {
	return s.listAgents(ctx, `SELECT `+agentColumns+` FROM credit_agents ORDER BY created_at`)
}

func (s *Store) ListAgentsByUser(ctx context.Context, userID string) ([]agent.Agent, error) {
	return s.listAgents(ctx, `SELECT `+agentColumns+` FROM credit_agents WHERE user_id = $1 ORDER BY created_at`, userID)
}

func (s *Store) ListActiveAgents(ctx context.Context) ([]agent.Agent, error) {
	return s.listAgents(ctx, `SELECT `+agentColumns+` FROM credit_agents WHERE status = 'active' ORDER BY created_at`)
}

func (s *Store) listAgents(ctx context.Context, query string, args ...interface{}) ([]agent.Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// --- LedgerStore ------------------------------------------------------------

func (s *Store) AppendTransaction(ctx context.Context, tx agent.LedgerTransaction) (agent.LedgerTransaction, error) {
	return s.appendTransactionTx(ctx, s.db, tx)
}

func (s *Store) appendTransactionTx(ctx context.Context, ex execer, tx agent.LedgerTransaction) (agent.LedgerTransaction, error) {
	if tx.AgentID == "" {
		return agent.LedgerTransaction{}, fmt.Errorf("ledger transaction requires agent id")
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO credit_ledger_transactions (id, agent_id, kind, amount, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, tx.ID, tx.AgentID, string(tx.Kind), tx.Amount, tx.Description, tx.CreatedAt)
	if err != nil {
		return agent.LedgerTransaction{}, err
	}
	return tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, agentID string) ([]agent.LedgerTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, kind, amount, description, created_at
		FROM credit_ledger_transactions
		WHERE agent_id = $1
		ORDER BY created_at, id
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []agent.LedgerTransaction
	for rows.Next() {
		var tx agent.LedgerTransaction
		var kind string
		if err := rows.Scan(&tx.ID, &tx.AgentID, &kind, &tx.Amount, &tx.Description, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.Kind = agent.Kind(kind)
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (s *Store) SumTransactions(ctx context.Context, agentID string, kind agent.Kind) (float64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM credit_ledger_transactions
		WHERE agent_id = $1 AND kind = $2
	`, agentID, string(kind))

	var sum float64
	if err := row.Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

func (s *Store) CommitSpawn(ctx context.Context, u user.User, a agent.Agent, w wallet.CustodialWallet, ltx agent.LedgerTransaction, rev revenue.Record) (agent.Agent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return agent.Agent{}, err
	}
	defer tx.Rollback()

	u.UpdatedAt = time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		UPDATE credit_users
		SET credit_balance = $2, updated_at = $3
		WHERE id = $1
	`, u.ID, u.CreditBalance, u.UpdatedAt)
	if err != nil {
		return agent.Agent{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return agent.Agent{}, fmt.Errorf("user %s: %w", u.ID, storage.ErrNotFound)
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.LastActiveAt = now
	a.UpdatedAt = now

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, a.ID, a.UserID, a.Name, a.WalletHandle, a.DepositAddress, a.CreditBalance,
		string(a.Status), a.TotalEarnings, a.TotalExpenses, a.TotalChildRevenue,
		toNullString(a.ParentID), a.CreatedAt, a.LastActiveAt, a.UpdatedAt); err != nil {
		return agent.Agent{}, err
	}

	w.AgentID = a.ID
	if _, err := s.createWalletTx(ctx, tx, w); err != nil {
		return agent.Agent{}, err
	}

	ltx.AgentID = a.ID
	if _, err := s.appendTransactionTx(ctx, tx, ltx); err != nil {
		return agent.Agent{}, err
	}

	rev.AgentID = a.ID
	if err := s.insertRevenueTx(ctx, tx, rev); err != nil {
		return agent.Agent{}, err
	}

	if err := tx.Commit(); err != nil {
		return agent.Agent{}, err
	}
	return a, nil
}

func (s *Store) CommitActivity(ctx context.Context, a agent.Agent, txs []agent.LedgerTransaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := s.updateAgentTx(ctx, tx, a); err != nil {
		return err
	}
	for _, ltx := range txs {
		if _, err := s.appendTransactionTx(ctx, tx, ltx); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) CommitFee(ctx context.Context, a agent.Agent, ltx agent.LedgerTransaction, rev revenue.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := s.updateAgentTx(ctx, tx, a); err != nil {
		return err
	}
	if _, err := s.appendTransactionTx(ctx, tx, ltx); err != nil {
		return err
	}
	if err := s.insertRevenueTx(ctx, tx, rev); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CommitShare(ctx context.Context, ancestorID string, share float64, ltx agent.LedgerTransaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Increment in place so a concurrent write to the same agent row is
	// never clobbered by a stale copy.
	result, err := tx.ExecContext(ctx, `
		UPDATE credit_agents
		SET credit_balance = credit_balance + $2,
		    total_child_revenue = total_child_revenue + $2,
		    updated_at = $3
		WHERE id = $1
	`, ancestorID, share, time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("agent %s: %w", ancestorID, storage.ErrNotFound)
	}
	if _, err := s.appendTransactionTx(ctx, tx, ltx); err != nil {
		return err
	}
	return tx.Commit()
}

// --- RevenueStore -----------------------------------------------------------

func (s *Store) CreateRevenueRecord(ctx context.Context, rec revenue.Record) (revenue.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := s.insertRevenueTx(ctx, s.db, rec); err != nil {
		return revenue.Record{}, err
	}
	return rec, nil
}

func (s *Store) insertRevenueTx(ctx context.Context, ex execer, rec revenue.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO credit_revenue_records (id, source, amount, agent_id, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, string(rec.Source), rec.Amount, toNullString(rec.AgentID), toNullString(rec.UserID), rec.CreatedAt)
	return err
}

func (s *Store) ListRevenueRecords(ctx context.Context, source revenue.Source) ([]revenue.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, amount, agent_id, user_id, created_at
		FROM credit_revenue_records
		WHERE $1 = '' OR source = $1
		ORDER BY created_at
	`, string(source))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []revenue.Record
	for rows.Next() {
		var (
			rec         revenue.Record
			src         string
			agentID     sql.NullString
			recordOwner sql.NullString
		)
		if err := rows.Scan(&rec.ID, &src, &rec.Amount, &agentID, &recordOwner, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Source = revenue.Source(src)
		rec.AgentID = agentID.String
		rec.UserID = recordOwner.String
		result = append(result, rec)
	}
	return result, rows.Err()
}

// --- helpers ----------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (user.User, error) {
	var (
		u       user.User
		premium string
	)
	if err := row.Scan(&u.ID, &premium, &u.CreditBalance, &u.HasAutomaton, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return user.User{}, mapNoRows(err)
	}
	u.Premium = user.PremiumTier(premium)
	return u, nil
}

func scanWallet(row rowScanner) (wallet.CustodialWallet, error) {
	var (
		w       wallet.CustodialWallet
		agentID sql.NullString
	)
	if err := row.Scan(&w.ID, &w.UserID, &agentID, &w.WalletHandle, &w.DepositAddress, &w.BalanceStable,
		&w.DustCarry, &w.CreditedTotal, &w.TotalDeposited, &w.TotalSpent, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return wallet.CustodialWallet{}, mapNoRows(err)
	}
	w.AgentID = agentID.String
	return w, nil
}

func scanAgent(row rowScanner) (agent.Agent, error) {
	var (
		a        agent.Agent
		status   string
		parentID sql.NullString
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.WalletHandle, &a.DepositAddress,
		&a.CreditBalance, &status, &a.TotalEarnings, &a.TotalExpenses, &a.TotalChildRevenue,
		&parentID, &a.CreatedAt, &a.LastActiveAt, &a.UpdatedAt); err != nil {
		return agent.Agent{}, mapNoRows(err)
	}
	a.Status = agent.Status(status)
	a.ParentID = parentID.String
	return a, nil
}

func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

func toNullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
