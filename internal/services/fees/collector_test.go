package fees

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/AgentHive-Network/credit_layer/internal/config"
	"github.com/AgentHive-Network/credit_layer/internal/crediterr"
	agentdom "github.com/AgentHive-Network/credit_layer/internal/domain/agent"
	"github.com/AgentHive-Network/credit_layer/internal/domain/revenue"
	"github.com/AgentHive-Network/credit_layer/internal/domain/user"
	walletdom "github.com/AgentHive-Network/credit_layer/internal/domain/wallet"
	"github.com/AgentHive-Network/credit_layer/internal/storage/memory"
	"github.com/AgentHive-Network/credit_layer/pkg/keymutex"
	"github.com/AgentHive-Network/credit_layer/pkg/logger"
)

func approx(a, b float64) bool {
	d := a - b
	return d < 1e-6 && d > -1e-6
}

// seedAgent creates an agent with the given profit figures already applied.
func seedAgent(t *testing.T, store *memory.Store, parentID string, earnings, expenses, balance float64) agentdom.Agent {
	t.Helper()
	ctx := context.Background()

	u, err := store.CreateUser(ctx, user.User{Premium: user.TierPremium, HasAutomaton: true})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	a, err := store.CommitSpawn(ctx, u,
		agentdom.Agent{UserID: u.ID, Status: agentdom.StatusActive, ParentID: parentID},
		walletdom.CustodialWallet{UserID: u.ID, DepositAddress: fmt.Sprintf("0x%s", u.ID)},
		agentdom.LedgerTransaction{Kind: agentdom.KindSpawn, Amount: 0, Description: "spawn"},
		revenue.Record{Source: revenue.SourceSpawnFee, UserID: u.ID},
	)
	if err != nil {
		t.Fatalf("commit spawn: %v", err)
	}

	a.TotalEarnings = earnings
	a.TotalExpenses = expenses
	if _, err := store.UpdateAgent(ctx, a); err != nil {
		t.Fatalf("update agent: %v", err)
	}
	if balance != 0 {
		fundAgent(t, store, a.ID, balance)
	}
	a, _ = store.GetAgent(ctx, a.ID)
	return a
}

// fundAgent moves the agent balance with a matching ledger entry so the
// transaction log stays the source of truth.
func fundAgent(t *testing.T, store *memory.Store, agentID string, amount float64) {
	t.Helper()
	ctx := context.Background()

	a, err := store.GetAgent(ctx, agentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	a.CreditBalance += amount
	tx := agentdom.LedgerTransaction{
		AgentID:     agentID,
		Kind:        agentdom.KindEarn,
		Amount:      amount,
		Description: "test funding",
	}
	if err := store.CommitActivity(ctx, a, []agentdom.LedgerTransaction{tx}); err != nil {
		t.Fatalf("fund agent: %v", err)
	}
}

func newCollector(store *memory.Store, withLineage bool) *Collector {
	fees := config.Default().Fees
	var distributor *Distributor
	if withLineage {
		distributor = NewDistributor(store, store, fees.LineageShareRate, fees.MaxLineageDepth, logger.NewDefault("lineage-test"))
	}
	return NewCollector(store, store, distributor, nil, fees, keymutex.New(), logger.NewDefault("collector-test"))
}

func TestCollectTwentyPercentOfNetProfit(t *testing.T) {
	store := memory.New()
	collector := newCollector(store, false)
	ctx := context.Background()

	a := seedAgent(t, store, "", 1500, 500, 5000)

	out, err := collector.CollectAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	// Net profit 1000, fee 200.
	if !approx(out.Collected, 200) {
		t.Fatalf("expected 200 collected, got %v", out.Collected)
	}

	got, _ := store.GetAgent(ctx, a.ID)
	if !approx(got.CreditBalance, 4800) {
		t.Fatalf("expected balance 4800, got %v", got.CreditBalance)
	}

	recs, _ := store.ListRevenueRecords(ctx, revenue.SourcePerformanceFee)
	if len(recs) != 1 || !approx(recs[0].Amount, 200) {
		t.Fatalf("expected one fee revenue record of 200, got %+v", recs)
	}
}

func TestCollectionIsResumable(t *testing.T) {
	store := memory.New()
	collector := newCollector(store, false)
	ctx := context.Background()

	a := seedAgent(t, store, "", 1000, 0, 5000)

	out, err := collector.CollectAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("first collect: %v", err)
	}
	if !approx(out.Collected, 200) {
		t.Fatalf("expected 200 on first cycle, got %v", out.Collected)
	}

	// The same profit collects nothing more.
	out, err = collector.CollectAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("repeat collect: %v", err)
	}
	if out.Collected != 0 {
		t.Fatalf("unchanged profit must collect nothing, got %v", out.Collected)
	}

	// Profit grows to 1500: total owed 300, 200 already taken.
	got, _ := store.GetAgent(ctx, a.ID)
	got.TotalEarnings = 1500
	if _, err := store.UpdateAgent(ctx, got); err != nil {
		t.Fatalf("update agent: %v", err)
	}
	out, err = collector.CollectAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("incremental collect: %v", err)
	}
	if !approx(out.Collected, 100) {
		t.Fatalf("expected incremental 100, got %v", out.Collected)
	}
}

func TestCollectionDefersOnLowBalance(t *testing.T) {
	store := memory.New()
	collector := newCollector(store, false)
	ctx := context.Background()

	a := seedAgent(t, store, "", 1000, 0, 50)

	out, err := collector.CollectAgent(ctx, a.ID)
	var pending *crediterr.PendingInsufficientFunds
	if !errors.As(err, &pending) {
		t.Fatalf("expected PendingInsufficientFunds, got %v", err)
	}
	if !approx(out.Deferred, 200) || out.Collected != 0 {
		t.Fatalf("expected full deferral of 200, got %+v", out)
	}

	got, _ := store.GetAgent(ctx, a.ID)
	if got.CreditBalance != 50 {
		t.Fatalf("deferral must not debit, got %v", got.CreditBalance)
	}

	// Once the balance recovers the full arrears collect.
	fundAgent(t, store, a.ID, 950)
	out, err = collector.CollectAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("collect after recovery: %v", err)
	}
	if !approx(out.Collected, 200) {
		t.Fatalf("expected deferred 200 to collect, got %v", out.Collected)
	}
}

func TestUnprofitableAgentPaysNothing(t *testing.T) {
	store := memory.New()
	collector := newCollector(store, false)
	ctx := context.Background()

	a := seedAgent(t, store, "", 500, 800, 5000)

	out, err := collector.CollectAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if out.Collected != 0 || out.Deferred != 0 {
		t.Fatalf("loss-making agent must pay nothing, got %+v", out)
	}
}

func TestCollectRefusesTamperedLedger(t *testing.T) {
	store := memory.New()
	collector := newCollector(store, false)
	ctx := context.Background()

	a := seedAgent(t, store, "", 1000, 0, 5000)

	// Move the balance without a ledger entry.
	a, _ = store.GetAgent(ctx, a.ID)
	a.CreditBalance += 777
	if _, err := store.UpdateAgent(ctx, a); err != nil {
		t.Fatalf("update agent: %v", err)
	}

	_, err := collector.CollectAgent(ctx, a.ID)
	var fault *crediterr.DataIntegrityFault
	if !errors.As(err, &fault) {
		t.Fatalf("expected DataIntegrityFault, got %v", err)
	}

	recs, _ := store.ListRevenueRecords(ctx, revenue.SourcePerformanceFee)
	if len(recs) != 0 {
		t.Fatalf("no fee may be taken from a tampered ledger, got %+v", recs)
	}
}

func TestCollectAllAbsorbsDeferrals(t *testing.T) {
	store := memory.New()
	collector := newCollector(store, false)
	ctx := context.Background()

	rich := seedAgent(t, store, "", 1000, 0, 5000)
	seedAgent(t, store, "", 1000, 0, 10) // will defer

	if err := collector.CollectAll(ctx); err != nil {
		t.Fatalf("collect all: %v", err)
	}
	got, _ := store.GetAgent(ctx, rich.ID)
	if !approx(got.CreditBalance, 4800) {
		t.Fatalf("rich agent should have paid, got %v", got.CreditBalance)
	}
}
