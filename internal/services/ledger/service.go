// Package ledger implements agent spawning, status refresh and ledger
// verification. Every balance mutation flows through an append-only
// transaction so an agent's balance can always be reproduced from its log.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AgentHive-Network/credit_layer/internal/config"
	"github.com/AgentHive-Network/credit_layer/internal/crediterr"
	agentdom "github.com/AgentHive-Network/credit_layer/internal/domain/agent"
	"github.com/AgentHive-Network/credit_layer/internal/domain/revenue"
	"github.com/AgentHive-Network/credit_layer/internal/domain/user"
	walletdom "github.com/AgentHive-Network/credit_layer/internal/domain/wallet"
	"github.com/AgentHive-Network/credit_layer/internal/metrics"
	"github.com/AgentHive-Network/credit_layer/internal/notify"
	"github.com/AgentHive-Network/credit_layer/internal/ratelimit"
	"github.com/AgentHive-Network/credit_layer/internal/storage"
	"github.com/AgentHive-Network/credit_layer/internal/upstream"
	"github.com/AgentHive-Network/credit_layer/pkg/keymutex"
	"github.com/AgentHive-Network/credit_layer/pkg/logger"
)

const epsilon = 1e-9

// AgentPlatform is the slice of the upstream API the ledger service needs.
type AgentPlatform interface {
	IssueAddress(ctx context.Context, subject string) (upstream.AddressGrant, error)
	GetAgentStatus(ctx context.Context, handle string) (upstream.AgentStatus, error)
}

// Service owns the agent lifecycle and its ledger.
type Service struct {
	users    storage.UserStore
	agents   storage.AgentStore
	ledger   storage.LedgerStore
	platform AgentPlatform
	limiter  *ratelimit.Limiter
	notifier notify.Notifier
	fees     config.FeeConfig
	tiers    []agentdom.TierRule
	locks    *keymutex.KeyMutex
	log      *logger.Logger
}

// New creates the ledger service. tiers must be ordered by descending
// minimum balance, the way config.Validate enforces.
func New(users storage.UserStore, agents storage.AgentStore, ledgerStore storage.LedgerStore, platform AgentPlatform, limiter *ratelimit.Limiter, notifier notify.Notifier, fees config.FeeConfig, tiers []config.TierConfig, locks *keymutex.KeyMutex, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	if locks == nil {
		locks = keymutex.New()
	}
	rules := make([]agentdom.TierRule, 0, len(tiers))
	for _, t := range tiers {
		rules = append(rules, agentdom.TierRule{
			Tier:             agentdom.SurvivalTier(t.Name),
			MinBalance:       t.MinBalance,
			DailyConsumption: t.DailyConsumption,
		})
	}
	return &Service{
		users:    users,
		agents:   agents,
		ledger:   ledgerStore,
		platform: platform,
		limiter:  limiter,
		notifier: notifier,
		fees:     fees,
		tiers:    rules,
		locks:    locks,
		log:      log,
	}
}

// Spawn creates a new agent for userID, debiting the spawn fee from the
// user's credit balance. The upstream wallet is provisioned before any money
// moves, so an unavailable platform never costs the user anything.
func (s *Service) Spawn(ctx context.Context, userID, name, parentID string) (agentdom.Agent, error) {
	if err := s.limiter.Allow(ctx, "spawn", userID); err != nil {
		var throttled *crediterr.Throttled
		if errors.As(err, &throttled) {
			metrics.RecordThrottled("spawn")
		}
		return agentdom.Agent{}, err
	}

	unlock := s.locks.Lock("user:" + userID)
	defer unlock()

	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return agentdom.Agent{}, err
	}
	if !u.HasAutomaton {
		return agentdom.Agent{}, crediterr.ErrEntitlementRequired
	}
	if u.Premium != user.TierPremium && u.Premium != user.TierLifetime {
		return agentdom.Agent{}, crediterr.ErrPremiumRequired
	}
	if u.CreditBalance < s.fees.SpawnFee {
		return agentdom.Agent{}, &crediterr.InsufficientCredits{Needed: s.fees.SpawnFee, Available: u.CreditBalance}
	}
	if parentID != "" {
		if _, err := s.agents.GetAgent(ctx, parentID); err != nil {
			return agentdom.Agent{}, fmt.Errorf("parent agent %s: %w", parentID, err)
		}
	}

	grant, err := s.platform.IssueAddress(ctx, userID)
	if err != nil {
		return agentdom.Agent{}, err
	}

	u.CreditBalance -= s.fees.SpawnFee
	a := agentdom.Agent{
		UserID:         userID,
		Name:           name,
		WalletHandle:   grant.WalletHandle,
		DepositAddress: grant.DepositAddress,
		CreditBalance:  0,
		Status:         agentdom.StatusActive,
		ParentID:       parentID,
	}
	w := walletdom.CustodialWallet{
		UserID:         userID,
		WalletHandle:   grant.WalletHandle,
		DepositAddress: grant.DepositAddress,
	}
	tx := agentdom.LedgerTransaction{
		Kind:        agentdom.KindSpawn,
		Amount:      -s.fees.SpawnFee,
		Description: "spawn fee",
	}
	rec := revenue.Record{
		Source: revenue.SourceSpawnFee,
		Amount: s.fees.SpawnFee,
		UserID: userID,
	}

	created, err := s.ledger.CommitSpawn(ctx, u, a, w, tx, rec)
	if err != nil {
		return agentdom.Agent{}, err
	}

	metrics.RecordRevenue(string(revenue.SourceSpawnFee), s.fees.SpawnFee)
	s.log.WithFields(map[string]interface{}{
		"user_id":  userID,
		"agent_id": created.ID,
		"parent":   parentID,
	}).Info("agent spawned")
	return created, nil
}

// Report is the derived view of an agent's survival state.
type Report struct {
	Agent       agentdom.Agent
	Tier        agentdom.SurvivalTier
	RuntimeDays float64
}

// Describe classifies an agent without touching the upstream.
func (s *Service) Describe(ctx context.Context, agentID string) (Report, error) {
	a, err := s.agents.GetAgent(ctx, agentID)
	if err != nil {
		return Report{}, err
	}
	return s.report(a), nil
}

func (s *Service) report(a agentdom.Agent) Report {
	tier, consumption := agentdom.Classify(a.CreditBalance, s.tiers)
	return Report{
		Agent:       a,
		Tier:        tier,
		RuntimeDays: agentdom.RuntimeDays(a.CreditBalance, consumption),
	}
}

// RefreshStatus pulls the agent's live state from the upstream platform and
// folds the balance movement into the ledger as earn/spend transactions.
func (s *Service) RefreshStatus(ctx context.Context, agentID string) (Report, error) {
	unlock := s.locks.Lock("agent:" + agentID)
	defer unlock()

	a, err := s.agents.GetAgent(ctx, agentID)
	if err != nil {
		return Report{}, err
	}

	status, err := s.platform.GetAgentStatus(ctx, a.WalletHandle)
	if err != nil {
		return Report{}, err
	}

	oldTier, _ := agentdom.Classify(a.CreditBalance, s.tiers)

	var txs []agentdom.LedgerTransaction
	delta := status.Balance - a.CreditBalance
	switch {
	case delta > epsilon:
		txs = append(txs, agentdom.LedgerTransaction{
			AgentID:     a.ID,
			Kind:        agentdom.KindEarn,
			Amount:      delta,
			Description: "upstream balance sync",
		})
		a.TotalEarnings += delta
	case delta < -epsilon:
		txs = append(txs, agentdom.LedgerTransaction{
			AgentID:     a.ID,
			Kind:        agentdom.KindSpend,
			Amount:      delta,
			Description: "upstream balance sync",
		})
		a.TotalExpenses += -delta
	}
	a.CreditBalance = status.Balance
	if status.Alive {
		a.LastActiveAt = time.Now().UTC()
	}

	// Death is never stored: a dead tier is a derived read, and the next
	// refresh revives the agent if its balance recovers.
	newTier, _ := agentdom.Classify(a.CreditBalance, s.tiers)

	if err := s.ledger.CommitActivity(ctx, a, txs); err != nil {
		return Report{}, err
	}

	s.notifyTierChange(ctx, a, oldTier, newTier)
	return s.report(a), nil
}

// RefreshAll refreshes every active agent. Transient upstream faults skip
// the agent until the next cycle.
func (s *Service) RefreshAll(ctx context.Context) error {
	agents, err := s.agents.ListActiveAgents(ctx)
	if err != nil {
		return err
	}
	for _, a := range agents {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.RefreshStatus(ctx, a.ID); err != nil {
			if crediterr.IsTransient(err) {
				s.log.WithField("agent_id", a.ID).WithError(err).Debug("skipping agent this cycle")
				continue
			}
			s.log.WithField("agent_id", a.ID).WithError(err).Error("agent refresh failed")
		}
	}
	return nil
}

// RecordActivity applies an earn/spend pair reported directly by the agent
// runtime, for deployments where the engine is pushed to instead of polling.
func (s *Service) RecordActivity(ctx context.Context, agentID string, earned, spent float64) (agentdom.Agent, error) {
	if earned < 0 || spent < 0 {
		return agentdom.Agent{}, fmt.Errorf("activity amounts must not be negative")
	}

	unlock := s.locks.Lock("agent:" + agentID)
	defer unlock()

	a, err := s.agents.GetAgent(ctx, agentID)
	if err != nil {
		return agentdom.Agent{}, err
	}

	oldTier, _ := agentdom.Classify(a.CreditBalance, s.tiers)

	var txs []agentdom.LedgerTransaction
	if earned > epsilon {
		txs = append(txs, agentdom.LedgerTransaction{
			AgentID: a.ID, Kind: agentdom.KindEarn, Amount: earned, Description: "reported earnings",
		})
		a.TotalEarnings += earned
		a.CreditBalance += earned
	}
	if spent > epsilon {
		txs = append(txs, agentdom.LedgerTransaction{
			AgentID: a.ID, Kind: agentdom.KindSpend, Amount: -spent, Description: "reported expenses",
		})
		a.TotalExpenses += spent
		a.CreditBalance -= spent
	}
	a.LastActiveAt = time.Now().UTC()

	newTier, _ := agentdom.Classify(a.CreditBalance, s.tiers)

	if err := s.ledger.CommitActivity(ctx, a, txs); err != nil {
		return agentdom.Agent{}, err
	}
	s.notifyTierChange(ctx, a, oldTier, newTier)
	return a, nil
}

// Verification compares an agent's stored balance against the sum of its
// balance-affecting ledger transactions.
type Verification struct {
	AgentID    string
	Balance    float64
	LedgerSum  float64
	Consistent bool
}

// VerifyAgent recomputes the agent's balance from its ledger. An
// inconsistent agent yields both the verification numbers and a
// DataIntegrityFault.
func (s *Service) VerifyAgent(ctx context.Context, agentID string) (Verification, error) {
	a, err := s.agents.GetAgent(ctx, agentID)
	if err != nil {
		return Verification{}, err
	}
	txs, err := s.ledger.ListTransactions(ctx, agentID)
	if err != nil {
		return Verification{}, err
	}

	var sum float64
	for _, tx := range txs {
		if tx.AffectsBalance() {
			sum += tx.Amount
		}
	}

	v := Verification{
		AgentID:   agentID,
		Balance:   a.CreditBalance,
		LedgerSum: sum,
	}
	diff := v.Balance - v.LedgerSum
	v.Consistent = diff < 1e-6 && diff > -1e-6
	if !v.Consistent {
		return v, &crediterr.DataIntegrityFault{
			Entity: "agent",
			ID:     agentID,
			Detail: fmt.Sprintf("balance %.2f does not match ledger sum %.2f", v.Balance, v.LedgerSum),
		}
	}
	return v, nil
}

var tierRank = map[agentdom.SurvivalTier]int{
	agentdom.TierNormal:     0,
	agentdom.TierLowCompute: 1,
	agentdom.TierCritical:   2,
	agentdom.TierDead:       3,
}

func (s *Service) notifyTierChange(ctx context.Context, a agentdom.Agent, from, to agentdom.SurvivalTier) {
	if from == to || tierRank[to] <= tierRank[from] {
		return
	}
	eventType := notify.TypeTierDegraded
	if to == agentdom.TierDead {
		eventType = notify.TypeAgentDead
	}
	if s.notifier != nil {
		s.notifier.Notify(ctx, notify.Event{
			Type:    eventType,
			AgentID: a.ID,
			UserID:  a.UserID,
			Detail: map[string]interface{}{
				"from":    string(from),
				"to":      string(to),
				"balance": a.CreditBalance,
			},
		})
	}
	s.log.WithFields(map[string]interface{}{
		"agent_id": a.ID,
		"from":     string(from),
		"to":       string(to),
	}).Warn("survival tier degraded")
}
