package wallet

import (
	"context"

	"github.com/AgentHive-Network/credit_layer/internal/config"
	"github.com/AgentHive-Network/credit_layer/internal/crediterr"
	agentdom "github.com/AgentHive-Network/credit_layer/internal/domain/agent"
	"github.com/AgentHive-Network/credit_layer/internal/domain/revenue"
	walletdom "github.com/AgentHive-Network/credit_layer/internal/domain/wallet"
	"github.com/AgentHive-Network/credit_layer/internal/metrics"
	"github.com/AgentHive-Network/credit_layer/internal/notify"
	"github.com/AgentHive-Network/credit_layer/internal/storage"
	"github.com/AgentHive-Network/credit_layer/pkg/keymutex"
	"github.com/AgentHive-Network/credit_layer/pkg/logger"
)

// BalanceSource reads the current stable-token balance of a deposit address.
// The bool is false when the source has no record of the address.
type BalanceSource interface {
	Balance(ctx context.Context, address string) (float64, bool, error)
}

// CreditPusher mirrors credits onto the agent's upstream wallet. Agent-bound
// deposits must land upstream as well as in the local ledger, otherwise the
// next balance refresh reads the unchanged upstream balance and books the
// local credit as spending.
type CreditPusher interface {
	TransferCredits(ctx context.Context, agentWallet string, amount float64) (float64, error)
}

// Reconciler detects deposits by comparing observed balances against each
// wallet's watermark and credits the difference.
type Reconciler struct {
	wallets  storage.WalletStore
	balances BalanceSource
	pusher   CreditPusher
	notifier notify.Notifier
	fees     config.FeeConfig
	locks    *keymutex.KeyMutex
	log      *logger.Logger
}

// NewReconciler creates the deposit reconciler.
func NewReconciler(wallets storage.WalletStore, balances BalanceSource, pusher CreditPusher, notifier notify.Notifier, fees config.FeeConfig, locks *keymutex.KeyMutex, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewDefault("deposit-reconciler")
	}
	if locks == nil {
		locks = keymutex.New()
	}
	return &Reconciler{
		wallets:  wallets,
		balances: balances,
		pusher:   pusher,
		notifier: notifier,
		fees:     fees,
		locks:    locks,
		log:      log,
	}
}

// PollOnce runs one reconciliation sweep over all wallets. Transient
// upstream faults skip the affected wallet and leave its watermark alone, so
// the next sweep sees the same deposit. Credited deposits advance the
// watermark in the same commit, which makes re-crediting impossible.
func (r *Reconciler) PollOnce(ctx context.Context) error {
	wallets, err := r.wallets.ListWallets(ctx)
	if err != nil {
		return err
	}

	for _, w := range wallets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.reconcileWallet(ctx, w); err != nil {
			if crediterr.IsTransient(err) {
				r.log.WithField("wallet_id", w.ID).WithError(err).Debug("skipping wallet this sweep")
				continue
			}
			r.log.WithField("wallet_id", w.ID).WithError(err).Error("wallet reconciliation failed")
		}
	}
	return nil
}

func (r *Reconciler) reconcileWallet(ctx context.Context, stale walletdom.CustodialWallet) error {
	unlock := r.locks.Lock("wallet:" + stale.ID)
	defer unlock()

	// Re-read under the lock; another sweep may have advanced the watermark.
	w, err := r.wallets.GetWallet(ctx, stale.ID)
	if err != nil {
		return err
	}

	observed, exists, err := r.balances.Balance(ctx, w.DepositAddress)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	delta := observed - w.BalanceStable
	switch {
	case delta < -epsilon:
		// Funds left custody (withdrawal). Follow the balance down so the
		// next inbound transfer is measured from the right base.
		w.BalanceStable = observed
		return r.wallets.CommitDeposit(ctx, storage.DepositCommit{Wallet: w})
	case delta <= epsilon:
		return nil
	}

	gross := delta + w.DustCarry
	if gross < r.fees.MinDeposit {
		// Below the crediting minimum. Advance the watermark anyway and
		// carry the remainder into the next deposit.
		w.BalanceStable = observed
		w.DustCarry = gross
		return r.wallets.CommitDeposit(ctx, storage.DepositCommit{Wallet: w})
	}

	fee := gross * r.fees.DepositFeeRate
	credits := (gross - fee) * r.fees.ConversionRate

	w.BalanceStable = observed
	w.DustCarry = 0
	w.CreditedTotal += credits
	w.TotalDeposited += gross

	commit := storage.DepositCommit{
		Wallet: w,
		Deposit: &walletdom.DepositRecord{
			WalletID:       w.ID,
			UserID:         w.UserID,
			GrossAmount:    gross,
			PlatformFee:    fee,
			CreditedAmount: credits,
		},
		Revenue: &revenue.Record{
			Source:  revenue.SourceDepositFee,
			Amount:  fee,
			AgentID: w.AgentID,
			UserID:  w.UserID,
		},
	}
	if w.AgentID != "" {
		// Mirror the credit upstream before the local commit. If the push
		// fails, nothing is written and the untouched watermark retries the
		// whole deposit next sweep.
		if r.pusher != nil {
			if _, err := r.pusher.TransferCredits(ctx, w.WalletHandle, credits); err != nil {
				return err
			}
		}
		commit.Ledger = &agentdom.LedgerTransaction{
			AgentID:     w.AgentID,
			Kind:        agentdom.KindDeposit,
			Amount:      credits,
			Description: "custodial deposit credit",
		}
		commit.AgentCredit = credits
	} else {
		commit.UserCredit = credits
	}

	if err := r.wallets.CommitDeposit(ctx, commit); err != nil {
		return err
	}

	metrics.RecordDeposit(gross)
	metrics.RecordRevenue(string(revenue.SourceDepositFee), fee)
	if r.notifier != nil {
		r.notifier.Notify(ctx, notify.Event{
			Type:    notify.TypeDepositLanded,
			AgentID: w.AgentID,
			UserID:  w.UserID,
			Detail: map[string]interface{}{
				"gross":   gross,
				"credits": credits,
			},
		})
	}
	r.log.WithFields(map[string]interface{}{
		"wallet_id": w.ID,
		"gross":     gross,
		"fee":       fee,
		"credits":   credits,
	}).Info("deposit credited")
	return nil
}
