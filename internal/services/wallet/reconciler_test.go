package wallet

import (
	"context"
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

type stubBalances struct {
	balances map[string]float64
	err      error
}

func (s *stubBalances) Balance(_ context.Context, address string) (float64, bool, error) {
	if s.err != nil {
		return 0, false, s.err
	}
	b, ok := s.balances[address]
	return b, ok, nil
}

type pushedCredit struct {
	handle string
	amount float64
}

type stubPusher struct {
	pushes []pushedCredit
	err    error
}

func (s *stubPusher) TransferCredits(_ context.Context, agentWallet string, amount float64) (float64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.pushes = append(s.pushes, pushedCredit{handle: agentWallet, amount: amount})
	return amount, nil
}

func approx(a, b float64) bool {
	d := a - b
	return d < 1e-6 && d > -1e-6
}

func newReconciler(store *memory.Store, balances *stubBalances) *Reconciler {
	return NewReconciler(store, balances, nil, nil, config.Default().Fees, keymutex.New(), logger.NewDefault("reconciler-test"))
}

func seedAgentWallet(t *testing.T, store *memory.Store, address, handle string) agentdom.Agent {
	t.Helper()
	ctx := context.Background()
	u, err := store.CreateUser(ctx, user.User{})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	a, err := store.CommitSpawn(ctx, u,
		agentdom.Agent{UserID: u.ID, Status: agentdom.StatusActive},
		walletdom.CustodialWallet{UserID: u.ID, WalletHandle: handle, DepositAddress: address},
		agentdom.LedgerTransaction{Kind: agentdom.KindSpawn, Description: "spawn"},
		revenue.Record{Source: revenue.SourceSpawnFee, UserID: u.ID},
	)
	if err != nil {
		t.Fatalf("commit spawn: %v", err)
	}
	return a
}

func seedUserWallet(t *testing.T, store *memory.Store, address string) (user.User, walletdom.CustodialWallet) {
	t.Helper()
	ctx := context.Background()
	u, err := store.CreateUser(ctx, user.User{})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	w, _, err := store.EnsureWallet(ctx, walletdom.CustodialWallet{UserID: u.ID, DepositAddress: address})
	if err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}
	return u, w
}

func TestReconcilerCreditsOnlyBalanceIncreases(t *testing.T) {
	store := memory.New()
	balances := &stubBalances{balances: map[string]float64{}}
	rec := newReconciler(store, balances)
	ctx := context.Background()

	_, w := seedUserWallet(t, store, "0xa")

	// Observed balance over four sweeps: 0, 10, 10, 25. Only the two
	// increases are deposits: 10 and 15.
	for _, observed := range []float64{0, 10, 10, 25} {
		balances.balances["0xa"] = observed
		if err := rec.PollOnce(ctx); err != nil {
			t.Fatalf("poll at %v: %v", observed, err)
		}
	}

	deposits, err := store.ListDeposits(ctx, w.ID)
	if err != nil {
		t.Fatalf("list deposits: %v", err)
	}
	if len(deposits) != 2 {
		t.Fatalf("expected 2 deposits, got %d: %+v", len(deposits), deposits)
	}
	if deposits[0].GrossAmount != 10 || deposits[1].GrossAmount != 15 {
		t.Fatalf("expected gross 10 and 15, got %+v", deposits)
	}

	got, _ := store.GetWallet(ctx, w.ID)
	if got.BalanceStable != 25 {
		t.Fatalf("watermark should be 25, got %v", got.BalanceStable)
	}
	if got.TotalDeposited != 25 {
		t.Fatalf("total deposited should be 25, got %v", got.TotalDeposited)
	}
}

func TestReconcilerFeeAndConversionMath(t *testing.T) {
	store := memory.New()
	balances := &stubBalances{balances: map[string]float64{"0xa": 100}}
	rec := newReconciler(store, balances)
	ctx := context.Background()

	u, w := seedUserWallet(t, store, "0xa")

	if err := rec.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	deposits, _ := store.ListDeposits(ctx, w.ID)
	if len(deposits) != 1 {
		t.Fatalf("expected one deposit, got %d", len(deposits))
	}
	d := deposits[0]
	// 100 tokens: 2 fee, 98 net, 9800 credits at rate 100.
	if d.PlatformFee != 2 {
		t.Fatalf("expected fee 2, got %v", d.PlatformFee)
	}
	if d.CreditedAmount != 9800 {
		t.Fatalf("expected 9800 credits, got %v", d.CreditedAmount)
	}

	gotUser, _ := store.GetUser(ctx, u.ID)
	if gotUser.CreditBalance != 9800 {
		t.Fatalf("user-level wallet should credit the user, got %v", gotUser.CreditBalance)
	}
}

func TestReconcilerIsIdempotentAcrossSweeps(t *testing.T) {
	store := memory.New()
	balances := &stubBalances{balances: map[string]float64{"0xa": 100}}
	rec := newReconciler(store, balances)
	ctx := context.Background()

	u, w := seedUserWallet(t, store, "0xa")

	for i := 0; i < 5; i++ {
		if err := rec.PollOnce(ctx); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
	}

	deposits, _ := store.ListDeposits(ctx, w.ID)
	if len(deposits) != 1 {
		t.Fatalf("unchanged balance must credit exactly once, got %d deposits", len(deposits))
	}
	gotUser, _ := store.GetUser(ctx, u.ID)
	if gotUser.CreditBalance != 9800 {
		t.Fatalf("expected 9800 credits exactly once, got %v", gotUser.CreditBalance)
	}
}

func TestReconcilerDustCarriesIntoNextDeposit(t *testing.T) {
	store := memory.New()
	balances := &stubBalances{balances: map[string]float64{"0xa": 0.4}}
	rec := newReconciler(store, balances)
	ctx := context.Background()

	_, w := seedUserWallet(t, store, "0xa")

	// 0.4 is below the 1-token minimum: watermark advances, nothing credits.
	if err := rec.PollOnce(ctx); err != nil {
		t.Fatalf("dust poll: %v", err)
	}
	got, _ := store.GetWallet(ctx, w.ID)
	if got.BalanceStable != 0.4 || got.DustCarry != 0.4 {
		t.Fatalf("expected watermark and dust carry 0.4, got %+v", got)
	}
	if deposits, _ := store.ListDeposits(ctx, w.ID); len(deposits) != 0 {
		t.Fatalf("dust must not create a deposit record")
	}

	// The next increase of 2 brings gross to 2.4 including the carry.
	balances.balances["0xa"] = 2.4
	if err := rec.PollOnce(ctx); err != nil {
		t.Fatalf("followup poll: %v", err)
	}
	deposits, _ := store.ListDeposits(ctx, w.ID)
	if len(deposits) != 1 || !approx(deposits[0].GrossAmount, 2.4) {
		t.Fatalf("expected one deposit of gross 2.4, got %+v", deposits)
	}
	got, _ = store.GetWallet(ctx, w.ID)
	if got.DustCarry != 0 {
		t.Fatalf("dust carry should reset after crediting, got %v", got.DustCarry)
	}
}

func TestReconcilerFollowsBalanceDown(t *testing.T) {
	store := memory.New()
	balances := &stubBalances{balances: map[string]float64{"0xa": 100}}
	rec := newReconciler(store, balances)
	ctx := context.Background()

	u, w := seedUserWallet(t, store, "0xa")
	if err := rec.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// Funds leave custody; the watermark follows without crediting.
	balances.balances["0xa"] = 60
	if err := rec.PollOnce(ctx); err != nil {
		t.Fatalf("poll after outflow: %v", err)
	}
	got, _ := store.GetWallet(ctx, w.ID)
	if got.BalanceStable != 60 {
		t.Fatalf("watermark should follow down to 60, got %v", got.BalanceStable)
	}

	// A later inflow is measured from the lowered base.
	balances.balances["0xa"] = 70
	if err := rec.PollOnce(ctx); err != nil {
		t.Fatalf("poll after inflow: %v", err)
	}
	deposits, _ := store.ListDeposits(ctx, w.ID)
	if len(deposits) != 2 || !approx(deposits[1].GrossAmount, 10) {
		t.Fatalf("expected second deposit of 10, got %+v", deposits)
	}

	gotUser, _ := store.GetUser(ctx, u.ID)
	want := 9800.0 + 10*0.98*100
	if !approx(gotUser.CreditBalance, want) {
		t.Fatalf("expected %v credits, got %v", want, gotUser.CreditBalance)
	}
}

func TestReconcilerSkipsWalletOnTransientFault(t *testing.T) {
	store := memory.New()
	balances := &stubBalances{err: crediterr.ErrUpstreamUnavailable}
	rec := newReconciler(store, balances)
	ctx := context.Background()

	_, w := seedUserWallet(t, store, "0xa")

	if err := rec.PollOnce(ctx); err != nil {
		t.Fatalf("sweep should absorb transient faults: %v", err)
	}
	got, _ := store.GetWallet(ctx, w.ID)
	if got.BalanceStable != 0 {
		t.Fatalf("watermark must not move on a failed read, got %v", got.BalanceStable)
	}
}

func agentWalletOf(t *testing.T, store *memory.Store, agentID string) walletdom.CustodialWallet {
	t.Helper()
	wallets, err := store.ListWallets(context.Background())
	if err != nil {
		t.Fatalf("list wallets: %v", err)
	}
	for _, w := range wallets {
		if w.AgentID == agentID {
			return w
		}
	}
	t.Fatalf("no wallet for agent %s", agentID)
	return walletdom.CustodialWallet{}
}

func TestReconcilerPushesAgentDepositsUpstream(t *testing.T) {
	store := memory.New()
	balances := &stubBalances{balances: map[string]float64{"0xa": 100}}
	pusher := &stubPusher{}
	rec := NewReconciler(store, balances, pusher, nil, config.Default().Fees, keymutex.New(), logger.NewDefault("reconciler-test"))
	ctx := context.Background()

	a := seedAgentWallet(t, store, "0xa", "h-agent")

	if err := rec.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// 100 tokens net of the 2% fee is 9800 credits, mirrored upstream so
	// the next status refresh sees the same balance on both sides.
	if len(pusher.pushes) != 1 {
		t.Fatalf("expected one upstream credit push, got %d", len(pusher.pushes))
	}
	if pusher.pushes[0].handle != "h-agent" || !approx(pusher.pushes[0].amount, 9800) {
		t.Fatalf("expected 9800 credits pushed to h-agent, got %+v", pusher.pushes[0])
	}
	gotAgent, _ := store.GetAgent(ctx, a.ID)
	if !approx(gotAgent.CreditBalance, 9800) {
		t.Fatalf("expected local agent balance 9800, got %v", gotAgent.CreditBalance)
	}
}

func TestReconcilerPushFailureDefersCredit(t *testing.T) {
	store := memory.New()
	balances := &stubBalances{balances: map[string]float64{"0xa": 100}}
	pusher := &stubPusher{err: crediterr.ErrUpstreamUnavailable}
	rec := NewReconciler(store, balances, pusher, nil, config.Default().Fees, keymutex.New(), logger.NewDefault("reconciler-test"))
	ctx := context.Background()

	a := seedAgentWallet(t, store, "0xa", "h-agent")

	if err := rec.PollOnce(ctx); err != nil {
		t.Fatalf("sweep should absorb the failed push: %v", err)
	}
	w := agentWalletOf(t, store, a.ID)
	if w.BalanceStable != 0 {
		t.Fatalf("failed push must leave the watermark, got %v", w.BalanceStable)
	}
	gotAgent, _ := store.GetAgent(ctx, a.ID)
	if gotAgent.CreditBalance != 0 {
		t.Fatalf("failed push must not credit locally, got %v", gotAgent.CreditBalance)
	}

	// Once the upstream recovers the same deposit credits exactly once.
	pusher.err = nil
	if err := rec.PollOnce(ctx); err != nil {
		t.Fatalf("followup poll: %v", err)
	}
	if len(pusher.pushes) != 1 || !approx(pusher.pushes[0].amount, 9800) {
		t.Fatalf("expected one deferred push of 9800, got %+v", pusher.pushes)
	}
	gotAgent, _ = store.GetAgent(ctx, a.ID)
	if !approx(gotAgent.CreditBalance, 9800) {
		t.Fatalf("expected 9800 credits after recovery, got %v", gotAgent.CreditBalance)
	}
}
