// Package memory is an in-memory implementation of the storage interfaces.
// It is safe for concurrent use and is primarily intended for tests and
// local development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AgentHive-Network/credit_layer/internal/domain/agent"
	"github.com/AgentHive-Network/credit_layer/internal/domain/revenue"
	"github.com/AgentHive-Network/credit_layer/internal/domain/user"
	"github.com/AgentHive-Network/credit_layer/internal/domain/wallet"
	"github.com/AgentHive-Network/credit_layer/internal/storage"
)

// Store holds everything behind one mutex so the Commit* methods are
// trivially atomic.
type Store struct {
	mu     sync.RWMutex
	nextID int64

	users           map[string]user.User
	wallets         map[string]wallet.CustodialWallet
	userWallets     map[string]string // userID -> user-level wallet id
	agents          map[string]agent.Agent
	transactions    map[string][]agent.LedgerTransaction // agentID -> ordered log
	deposits        map[string][]wallet.DepositRecord    // walletID -> records
	revenueRecords  []revenue.Record
	transactionByID map[string]agent.LedgerTransaction
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.WalletStore = (*Store)(nil)
var _ storage.AgentStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.RevenueStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:          1,
		users:           make(map[string]user.User),
		wallets:         make(map[string]wallet.CustodialWallet),
		userWallets:     make(map[string]string),
		agents:          make(map[string]agent.Agent),
		transactions:    make(map[string][]agent.LedgerTransaction),
		deposits:        make(map[string][]wallet.DepositRecord),
		transactionByID: make(map[string]agent.LedgerTransaction),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// UserStore implementation ----------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = s.nextIDLocked()
	} else if _, exists := s.users[u.ID]; exists {
		return user.User{}, fmt.Errorf("user %s already exists", u.ID)
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return user.User{}, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return u, nil
}

func (s *Store) UpdateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateUserLocked(u)
}

func (s *Store) updateUserLocked(u user.User) (user.User, error) {
	original, ok := s.users[u.ID]
	if !ok {
		return user.User{}, fmt.Errorf("user %s: %w", u.ID, storage.ErrNotFound)
	}
	u.CreatedAt = original.CreatedAt
	u.UpdatedAt = time.Now().UTC()
	s.users[u.ID] = u
	return u, nil
}

// WalletStore implementation --------------------------------------------------

func (s *Store) EnsureWallet(_ context.Context, w wallet.CustodialWallet) (wallet.CustodialWallet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.userWallets[w.UserID]; ok {
		return s.wallets[id], false, nil
	}

	if w.ID == "" {
		w.ID = s.nextIDLocked()
	}
	now := time.Now().UTC()
	w.AgentID = ""
	w.CreatedAt = now
	w.UpdatedAt = now
	s.wallets[w.ID] = w
	s.userWallets[w.UserID] = w.ID
	return w, true, nil
}

func (s *Store) CreateWallet(_ context.Context, w wallet.CustodialWallet) (wallet.CustodialWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createWalletLocked(w)
}

func (s *Store) createWalletLocked(w wallet.CustodialWallet) (wallet.CustodialWallet, error) {
	if w.ID == "" {
		w.ID = s.nextIDLocked()
	} else if _, exists := s.wallets[w.ID]; exists {
		return wallet.CustodialWallet{}, fmt.Errorf("wallet %s already exists", w.ID)
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	s.wallets[w.ID] = w
	return w, nil
}

func (s *Store) GetWallet(_ context.Context, id string) (wallet.CustodialWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[id]
	if !ok {
		return wallet.CustodialWallet{}, fmt.Errorf("wallet %s: %w", id, storage.ErrNotFound)
	}
	return w, nil
}

func (s *Store) GetUserWallet(_ context.Context, userID string) (wallet.CustodialWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.userWallets[userID]
	if !ok {
		return wallet.CustodialWallet{}, fmt.Errorf("wallet for user %s: %w", userID, storage.ErrNotFound)
	}
	return s.wallets[id], nil
}

func (s *Store) ListWallets(_ context.Context) ([]wallet.CustodialWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]wallet.CustodialWallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		result = append(result, w)
	}
	return result, nil
}

func (s *Store) UpdateWallet(_ context.Context, w wallet.CustodialWallet) (wallet.CustodialWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateWalletLocked(w)
}

func (s *Store) updateWalletLocked(w wallet.CustodialWallet) (wallet.CustodialWallet, error) {
	original, ok := s.wallets[w.ID]
	if !ok {
		return wallet.CustodialWallet{}, fmt.Errorf("wallet %s: %w", w.ID, storage.ErrNotFound)
	}
	w.CreatedAt = original.CreatedAt
	w.UpdatedAt = time.Now().UTC()
	s.wallets[w.ID] = w
	return w, nil
}

func (s *Store) CommitDeposit(_ context.Context, c storage.DepositCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.updateWalletLocked(c.Wallet); err != nil {
		return err
	}

	if c.Deposit != nil {
		rec := *c.Deposit
		if rec.ID == "" {
			rec.ID = s.nextIDLocked()
		}
		if rec.DetectedAt.IsZero() {
			rec.DetectedAt = time.Now().UTC()
		}
		s.deposits[rec.WalletID] = append(s.deposits[rec.WalletID], rec)
	}

	if c.Ledger != nil {
		if _, err := s.appendTransactionLocked(*c.Ledger); err != nil {
			return err
		}
	}

	if c.Revenue != nil {
		s.appendRevenueLocked(*c.Revenue)
	}

	if c.AgentCredit != 0 {
		a, ok := s.agents[c.Wallet.AgentID]
		if !ok {
			return fmt.Errorf("agent %s: %w", c.Wallet.AgentID, storage.ErrNotFound)
		}
		a.CreditBalance += c.AgentCredit
		a.UpdatedAt = time.Now().UTC()
		s.agents[a.ID] = a
	}

	if c.UserCredit != 0 {
		u, ok := s.users[c.Wallet.UserID]
		if !ok {
			return fmt.Errorf("user %s: %w", c.Wallet.UserID, storage.ErrNotFound)
		}
		u.CreditBalance += c.UserCredit
		u.UpdatedAt = time.Now().UTC()
		s.users[u.ID] = u
	}

	return nil
}

func (s *Store) ListDeposits(_ context.Context, walletID string) ([]wallet.DepositRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.deposits[walletID]
	result := make([]wallet.DepositRecord, len(records))
	copy(result, records)
	return result, nil
}

// AgentStore implementation ---------------------------------------------------

func (s *Store) GetAgent(_ context.Context, id string) (agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return agent.Agent{}, fmt.Errorf("agent %s: %w", id, storage.ErrNotFound)
	}
	return a, nil
}

func (s *Store) UpdateAgent(_ context.Context, a agent.Agent) (agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateAgentLocked(a)
}

func (s *Store) updateAgentLocked(a agent.Agent) (agent.Agent, error) {
	original, ok := s.agents[a.ID]
	if !ok {
		return agent.Agent{}, fmt.Errorf("agent %s: %w", a.ID, storage.ErrNotFound)
	}
	a.CreatedAt = original.CreatedAt
	a.UpdatedAt = time.Now().UTC()
	s.agents[a.ID] = a
	return a, nil
}

func (s *Store) ListAgents(_ context.Context) ([]agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		result = append(result, a)
	}
	return result, nil
}

func (s *Store) ListAgentsByUser(_ context.Context, userID string) ([]agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []agent.Agent
	for _, a := range s.agents {
		if a.UserID == userID {
			result = append(result, a)
		}
	}
	return result, nil
}

func (s *Store) ListActiveAgents(_ context.Context) ([]agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []agent.Agent
	for _, a := range s.agents {
		if a.Status == agent.StatusActive {
			result = append(result, a)
		}
	}
	return result, nil
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) AppendTransaction(_ context.Context, tx agent.LedgerTransaction) (agent.LedgerTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendTransactionLocked(tx)
}

func (s *Store) appendTransactionLocked(tx agent.LedgerTransaction) (agent.LedgerTransaction, error) {
	if tx.AgentID == "" {
		return agent.LedgerTransaction{}, fmt.Errorf("ledger transaction requires agent id")
	}
	if tx.ID == "" {
		tx.ID = s.nextIDLocked()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	s.transactions[tx.AgentID] = append(s.transactions[tx.AgentID], tx)
	s.transactionByID[tx.ID] = tx
	return tx, nil
}

func (s *Store) ListTransactions(_ context.Context, agentID string) ([]agent.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.transactions[agentID]
	result := make([]agent.LedgerTransaction, len(log))
	copy(result, log)
	return result, nil
}

func (s *Store) SumTransactions(_ context.Context, agentID string, kind agent.Kind) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum float64
	for _, tx := range s.transactions[agentID] {
		if tx.Kind == kind {
			sum += tx.Amount
		}
	}
	return sum, nil
}

func (s *Store) CommitSpawn(_ context.Context, u user.User, a agent.Agent, w wallet.CustodialWallet, tx agent.LedgerTransaction, rev revenue.Record) (agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.updateUserLocked(u); err != nil {
		return agent.Agent{}, err
	}

	if a.ID == "" {
		a.ID = s.nextIDLocked()
	} else if _, exists := s.agents[a.ID]; exists {
		return agent.Agent{}, fmt.Errorf("agent %s already exists", a.ID)
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.LastActiveAt = now
	a.UpdatedAt = now
	s.agents[a.ID] = a

	w.AgentID = a.ID
	if _, err := s.createWalletLocked(w); err != nil {
		return agent.Agent{}, err
	}

	tx.AgentID = a.ID
	if _, err := s.appendTransactionLocked(tx); err != nil {
		return agent.Agent{}, err
	}

	rev.AgentID = a.ID
	s.appendRevenueLocked(rev)

	return a, nil
}

func (s *Store) CommitActivity(_ context.Context, a agent.Agent, txs []agent.LedgerTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.updateAgentLocked(a); err != nil {
		return err
	}
	for _, tx := range txs {
		if _, err := s.appendTransactionLocked(tx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CommitFee(_ context.Context, a agent.Agent, tx agent.LedgerTransaction, rev revenue.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.updateAgentLocked(a); err != nil {
		return err
	}
	if _, err := s.appendTransactionLocked(tx); err != nil {
		return err
	}
	s.appendRevenueLocked(rev)
	return nil
}

func (s *Store) CommitShare(_ context.Context, ancestorID string, share float64, tx agent.LedgerTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[ancestorID]
	if !ok {
		return fmt.Errorf("agent %s: %w", ancestorID, storage.ErrNotFound)
	}
	a.CreditBalance += share
	a.TotalChildRevenue += share
	a.UpdatedAt = time.Now().UTC()
	s.agents[ancestorID] = a

	if _, err := s.appendTransactionLocked(tx); err != nil {
		return err
	}
	return nil
}

// RevenueStore implementation -------------------------------------------------

func (s *Store) CreateRevenueRecord(_ context.Context, rec revenue.Record) (revenue.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendRevenueLocked(rec), nil
}

func (s *Store) appendRevenueLocked(rec revenue.Record) revenue.Record {
	if rec.ID == "" {
		rec.ID = s.nextIDLocked()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.revenueRecords = append(s.revenueRecords, rec)
	return rec
}

func (s *Store) ListRevenueRecords(_ context.Context, source revenue.Source) ([]revenue.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []revenue.Record
	for _, rec := range s.revenueRecords {
		if source == "" || rec.Source == source {
			result = append(result, rec)
		}
	}
	return result, nil
}
