// Package fees collects performance fees and distributes lineage revenue
// shares.
package fees

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/AgentHive-Network/credit_layer/internal/config"
	"github.com/AgentHive-Network/credit_layer/internal/crediterr"
	agentdom "github.com/AgentHive-Network/credit_layer/internal/domain/agent"
	"github.com/AgentHive-Network/credit_layer/internal/domain/revenue"
	"github.com/AgentHive-Network/credit_layer/internal/metrics"
	"github.com/AgentHive-Network/credit_layer/internal/notify"
	"github.com/AgentHive-Network/credit_layer/internal/storage"
	"github.com/AgentHive-Network/credit_layer/pkg/keymutex"
	"github.com/AgentHive-Network/credit_layer/pkg/logger"
)

const epsilon = 1e-9

// Collector takes the platform's cut of realized agent profit. Collection is
// difference-based: the fee owed is a fraction of lifetime net profit, minus
// what previous cycles already collected, so a skipped or deferred cycle
// catches up on the next one.
type Collector struct {
	agents      storage.AgentStore
	ledger      storage.LedgerStore
	distributor *Distributor
	notifier    notify.Notifier
	fees        config.FeeConfig
	locks       *keymutex.KeyMutex
	log         *logger.Logger
}

// NewCollector creates the fee collector. distributor may be nil to disable
// lineage shares.
func NewCollector(agents storage.AgentStore, ledgerStore storage.LedgerStore, distributor *Distributor, notifier notify.Notifier, fees config.FeeConfig, locks *keymutex.KeyMutex, log *logger.Logger) *Collector {
	if log == nil {
		log = logger.NewDefault("fee-collector")
	}
	if locks == nil {
		locks = keymutex.New()
	}
	return &Collector{
		agents:      agents,
		ledger:      ledgerStore,
		distributor: distributor,
		notifier:    notifier,
		fees:        fees,
		locks:       locks,
		log:         log,
	}
}

// Outcome reports what one collection attempt did.
type Outcome struct {
	AgentID   string
	Collected float64
	Deferred  float64
	Shares    int
}

// CollectAgent collects the fee currently owed by one agent. An agent whose
// balance cannot cover the owed amount defers in full; nothing is partially
// taken.
func (c *Collector) CollectAgent(ctx context.Context, agentID string) (Outcome, error) {
	unlock := c.locks.Lock("agent:" + agentID)
	defer unlock()

	a, err := c.agents.GetAgent(ctx, agentID)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{AgentID: agentID}

	if err := c.checkLedger(ctx, a); err != nil {
		return Outcome{}, err
	}

	profit := a.NetProfit()
	if profit <= epsilon {
		metrics.RecordFeeCollection("skipped")
		return out, nil
	}

	collected, err := c.ledger.SumTransactions(ctx, agentID, agentdom.KindPerformanceFee)
	if err != nil {
		return Outcome{}, err
	}
	// Fee transactions are debits, so the running total is their negation.
	alreadyTaken := -collected

	owed := profit*c.fees.PerformanceFeeRate - alreadyTaken
	if owed <= epsilon {
		metrics.RecordFeeCollection("skipped")
		return out, nil
	}

	if a.CreditBalance < owed {
		out.Deferred = owed
		metrics.RecordFeeCollection("deferred")
		if c.notifier != nil {
			c.notifier.Notify(ctx, notify.Event{
				Type:    notify.TypeFeeDeferred,
				AgentID: a.ID,
				UserID:  a.UserID,
				Detail:  map[string]interface{}{"owed": owed, "balance": a.CreditBalance},
			})
		}
		c.log.WithFields(map[string]interface{}{
			"agent_id": a.ID,
			"owed":     owed,
			"balance":  a.CreditBalance,
		}).Info("fee collection deferred")
		return out, &crediterr.PendingInsufficientFunds{AgentID: a.ID, Owed: owed, Balance: a.CreditBalance}
	}

	a.CreditBalance -= owed
	tx := agentdom.LedgerTransaction{
		AgentID:     a.ID,
		Kind:        agentdom.KindPerformanceFee,
		Amount:      -owed,
		Description: "performance fee",
	}
	rec := revenue.Record{
		Source:  revenue.SourcePerformanceFee,
		Amount:  owed,
		AgentID: a.ID,
		UserID:  a.UserID,
	}
	if err := c.ledger.CommitFee(ctx, a, tx, rec); err != nil {
		return Outcome{}, err
	}
	out.Collected = owed
	metrics.RecordFeeCollection("collected")
	metrics.RecordRevenue(string(revenue.SourcePerformanceFee), owed)

	if c.distributor != nil {
		// Shares are paid on the profit increment this collection covered.
		increment := owed / c.fees.PerformanceFeeRate
		shares, err := c.distributor.Distribute(ctx, a, increment)
		if err != nil {
			var fault *crediterr.DataIntegrityFault
			if errors.As(err, &fault) {
				c.log.WithField("agent_id", a.ID).WithError(err).Error("lineage chain corrupted, shares withheld")
				return out, err
			}
			return out, err
		}
		out.Shares = shares
	}

	c.log.WithFields(map[string]interface{}{
		"agent_id":  a.ID,
		"collected": owed,
		"shares":    out.Shares,
	}).Info("performance fee collected")
	return out, nil
}

// checkLedger recomputes the agent's balance from its transaction log before
// any fee is taken. A collection never runs on an agent whose ledger the
// balance no longer matches.
func (c *Collector) checkLedger(ctx context.Context, a agentdom.Agent) error {
	txs, err := c.ledger.ListTransactions(ctx, a.ID)
	if err != nil {
		return err
	}
	var sum float64
	for _, tx := range txs {
		if tx.AffectsBalance() {
			sum += tx.Amount
		}
	}
	if math.Abs(sum-a.CreditBalance) >= 1e-6 {
		return &crediterr.DataIntegrityFault{
			Entity: "agent",
			ID:     a.ID,
			Detail: fmt.Sprintf("balance %.6f does not match ledger sum %.6f", a.CreditBalance, sum),
		}
	}
	return nil
}

// CollectAll runs one collection cycle over every active agent. Deferrals
// and per-agent faults are absorbed; the cycle always finishes the list.
func (c *Collector) CollectAll(ctx context.Context) error {
	agents, err := c.agents.ListActiveAgents(ctx)
	if err != nil {
		return err
	}
	for _, a := range agents {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.CollectAgent(ctx, a.ID); err != nil {
			var pending *crediterr.PendingInsufficientFunds
			if errors.As(err, &pending) {
				continue
			}
			c.log.WithField("agent_id", a.ID).WithError(err).Error("fee collection failed")
		}
	}
	return nil
}
