// Package wallet implements custodial wallet issuance, deposit crediting and
// withdrawals.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/AgentHive-Network/credit_layer/internal/config"
	"github.com/AgentHive-Network/credit_layer/internal/crediterr"
	"github.com/AgentHive-Network/credit_layer/internal/domain/revenue"
	walletdom "github.com/AgentHive-Network/credit_layer/internal/domain/wallet"
	"github.com/AgentHive-Network/credit_layer/internal/metrics"
	"github.com/AgentHive-Network/credit_layer/internal/ratelimit"
	"github.com/AgentHive-Network/credit_layer/internal/storage"
	"github.com/AgentHive-Network/credit_layer/internal/upstream"
	"github.com/AgentHive-Network/credit_layer/pkg/keymutex"
	"github.com/AgentHive-Network/credit_layer/pkg/logger"
)

// balances below epsilon are treated as zero to absorb float noise
const epsilon = 1e-9

// Custodian is the slice of the upstream API the wallet service needs.
type Custodian interface {
	IssueAddress(ctx context.Context, subject string) (upstream.AddressGrant, error)
	Transfer(ctx context.Context, handle, destination string, amount float64) (string, error)
}

// Service owns wallet issuance and withdrawals.
type Service struct {
	users     storage.UserStore
	wallets   storage.WalletStore
	custodian Custodian
	limiter   *ratelimit.Limiter
	fees      config.FeeConfig
	locks     *keymutex.KeyMutex
	log       *logger.Logger
}

// New creates the wallet service.
func New(users storage.UserStore, wallets storage.WalletStore, custodian Custodian, limiter *ratelimit.Limiter, fees config.FeeConfig, locks *keymutex.KeyMutex, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("wallet")
	}
	if locks == nil {
		locks = keymutex.New()
	}
	return &Service{
		users:     users,
		wallets:   wallets,
		custodian: custodian,
		limiter:   limiter,
		fees:      fees,
		locks:     locks,
		log:       log,
	}
}

// EnsureWallet returns the user-level custodial wallet, creating it through
// the upstream custody service on first call. Safe to call repeatedly; at
// most one wallet per user ever exists.
func (s *Service) EnsureWallet(ctx context.Context, userID string) (walletdom.CustodialWallet, error) {
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return walletdom.CustodialWallet{}, fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
		}
		return walletdom.CustodialWallet{}, err
	}

	unlock := s.locks.Lock("wallet:" + userID)
	defer unlock()

	existing, err := s.wallets.GetUserWallet(ctx, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return walletdom.CustodialWallet{}, err
	}

	grant, err := s.custodian.IssueAddress(ctx, userID)
	if err != nil {
		return walletdom.CustodialWallet{}, err
	}

	w, created, err := s.wallets.EnsureWallet(ctx, walletdom.CustodialWallet{
		UserID:         userID,
		WalletHandle:   grant.WalletHandle,
		DepositAddress: grant.DepositAddress,
	})
	if err != nil {
		return walletdom.CustodialWallet{}, err
	}
	if created {
		s.log.WithFields(map[string]interface{}{
			"user_id": userID,
			"address": grant.DepositAddress,
		}).Info("custodial wallet issued")
	}
	return w, nil
}

// Withdrawal reports the outcome of a completed withdrawal.
type Withdrawal struct {
	TxID         string
	GrossCredits float64
	FeeCredits   float64
	NetTokens    float64
}

// RequestWithdrawal converts amount credits from the user's balance into
// stable tokens and transfers them to destination. The withdrawal fee is
// retained as platform revenue.
func (s *Service) RequestWithdrawal(ctx context.Context, userID, destination string, amount float64) (Withdrawal, error) {
	if amount <= 0 {
		return Withdrawal{}, fmt.Errorf("withdrawal amount must be positive")
	}
	if err := s.limiter.Allow(ctx, "withdrawal", userID); err != nil {
		var throttled *crediterr.Throttled
		if errors.As(err, &throttled) {
			metrics.RecordThrottled("withdrawal")
		}
		return Withdrawal{}, err
	}

	unlock := s.locks.Lock("user:" + userID)
	defer unlock()

	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return Withdrawal{}, err
	}
	if u.CreditBalance < amount {
		return Withdrawal{}, &crediterr.InsufficientCredits{Needed: amount, Available: u.CreditBalance}
	}

	w, err := s.wallets.GetUserWallet(ctx, userID)
	if err != nil {
		return Withdrawal{}, err
	}

	feeCredits := amount * s.fees.WithdrawalFeeRate
	netTokens := (amount - feeCredits) / s.fees.ConversionRate

	// Transfer before mutating state: a failed transfer leaves the balance
	// intact and the user free to retry after the upstream recovers.
	txid, err := s.custodian.Transfer(ctx, w.WalletHandle, destination, netTokens)
	if err != nil {
		return Withdrawal{}, err
	}

	w.TotalSpent += netTokens
	err = s.wallets.CommitDeposit(ctx, storage.DepositCommit{
		Wallet: w,
		Revenue: &revenue.Record{
			Source: revenue.SourceWithdrawalFee,
			Amount: feeCredits,
			UserID: userID,
		},
		UserCredit: -amount,
	})
	if err != nil {
		// The tokens moved but the debit did not land. This needs an
		// operator, not a silent retry.
		s.log.WithError(err).WithFields(map[string]interface{}{
			"user_id": userID,
			"txid":    txid,
			"amount":  amount,
		}).Error("withdrawal transferred but not debited")
		return Withdrawal{}, err
	}

	metrics.RecordRevenue(string(revenue.SourceWithdrawalFee), feeCredits)
	s.log.WithFields(map[string]interface{}{
		"user_id": userID,
		"txid":    txid,
		"credits": amount,
		"tokens":  netTokens,
	}).Info("withdrawal completed")

	return Withdrawal{
		TxID:         txid,
		GrossCredits: amount,
		FeeCredits:   feeCredits,
		NetTokens:    netTokens,
	}, nil
}
