package wallet

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/AgentHive-Network/credit_layer/internal/config"
	"github.com/AgentHive-Network/credit_layer/internal/crediterr"
	"github.com/AgentHive-Network/credit_layer/internal/domain/revenue"
	"github.com/AgentHive-Network/credit_layer/internal/domain/user"
	"github.com/AgentHive-Network/credit_layer/internal/ratelimit"
	"github.com/AgentHive-Network/credit_layer/internal/storage"
	"github.com/AgentHive-Network/credit_layer/internal/storage/memory"
	"github.com/AgentHive-Network/credit_layer/internal/upstream"
	"github.com/AgentHive-Network/credit_layer/pkg/keymutex"
	"github.com/AgentHive-Network/credit_layer/pkg/logger"
)

type stubCustodian struct {
	issued     int
	transfers  int
	lastHandle string
	failIssue  error
	failXfer   error
}

func (s *stubCustodian) IssueAddress(_ context.Context, subject string) (upstream.AddressGrant, error) {
	if s.failIssue != nil {
		return upstream.AddressGrant{}, s.failIssue
	}
	s.issued++
	return upstream.AddressGrant{
		WalletHandle:   "handle-" + subject,
		DepositAddress: fmt.Sprintf("0xaddr-%s-%d", subject, s.issued),
	}, nil
}

func (s *stubCustodian) Transfer(_ context.Context, handle, destination string, amount float64) (string, error) {
	if s.failXfer != nil {
		return "", s.failXfer
	}
	s.transfers++
	s.lastHandle = handle
	return fmt.Sprintf("tx-%d", s.transfers), nil
}

func newWalletService(t *testing.T, store *memory.Store, custodian *stubCustodian) *Service {
	t.Helper()
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), map[string]ratelimit.WindowRule{
		"withdrawal": {Limit: 3, Window: 24 * time.Hour},
	}, time.Second, time.Minute)
	return New(store, store, custodian, limiter, config.Default().Fees, keymutex.New(), logger.NewDefault("wallet-test"))
}

func TestEnsureWalletIssuesOnce(t *testing.T) {
	store := memory.New()
	custodian := &stubCustodian{}
	svc := newWalletService(t, store, custodian)
	ctx := context.Background()

	u, err := store.CreateUser(ctx, user.User{Premium: user.TierPremium})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	first, err := svc.EnsureWallet(ctx, u.ID)
	if err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}
	second, err := svc.EnsureWallet(ctx, u.ID)
	if err != nil {
		t.Fatalf("ensure wallet again: %v", err)
	}
	if first.ID != second.ID || first.DepositAddress != second.DepositAddress {
		t.Fatalf("expected the same wallet, got %+v and %+v", first, second)
	}
	if first.WalletHandle != "handle-"+u.ID {
		t.Fatalf("upstream wallet handle must be persisted, got %q", first.WalletHandle)
	}
	if custodian.issued != 1 {
		t.Fatalf("expected one upstream issuance, got %d", custodian.issued)
	}
}

func TestEnsureWalletUnknownUser(t *testing.T) {
	svc := newWalletService(t, memory.New(), &stubCustodian{})

	_, err := svc.EnsureWallet(context.Background(), "nobody")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnsureWalletUpstreamFailureLeavesNoWallet(t *testing.T) {
	store := memory.New()
	custodian := &stubCustodian{failIssue: crediterr.ErrUpstreamUnavailable}
	svc := newWalletService(t, store, custodian)
	ctx := context.Background()

	u, _ := store.CreateUser(ctx, user.User{})
	if _, err := svc.EnsureWallet(ctx, u.ID); !errors.Is(err, crediterr.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if _, err := store.GetUserWallet(ctx, u.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("no wallet should exist after a failed issuance, got %v", err)
	}
}

func TestRequestWithdrawalDebitsAndRecordsFee(t *testing.T) {
	store := memory.New()
	custodian := &stubCustodian{}
	svc := newWalletService(t, store, custodian)
	ctx := context.Background()

	u, _ := store.CreateUser(ctx, user.User{CreditBalance: 10000})
	if _, err := svc.EnsureWallet(ctx, u.ID); err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}

	out, err := svc.RequestWithdrawal(ctx, u.ID, "0xdest", 1000)
	if err != nil {
		t.Fatalf("request withdrawal: %v", err)
	}
	// 1% fee on 1000 credits leaves 990 credits, 9.9 tokens at rate 100.
	if out.FeeCredits != 10 {
		t.Fatalf("expected fee 10, got %v", out.FeeCredits)
	}
	if out.NetTokens != 9.9 {
		t.Fatalf("expected 9.9 tokens, got %v", out.NetTokens)
	}
	if custodian.lastHandle != "handle-"+u.ID {
		t.Fatalf("transfer must address the upstream wallet handle, got %q", custodian.lastHandle)
	}

	got, _ := store.GetUser(ctx, u.ID)
	if got.CreditBalance != 9000 {
		t.Fatalf("expected balance 9000 after debit, got %v", got.CreditBalance)
	}

	recs, err := store.ListRevenueRecords(ctx, revenue.SourceWithdrawalFee)
	if err != nil {
		t.Fatalf("list revenue: %v", err)
	}
	if len(recs) != 1 || recs[0].Amount != 10 {
		t.Fatalf("expected one withdrawal fee record of 10, got %+v", recs)
	}
}

func TestRequestWithdrawalInsufficientCredits(t *testing.T) {
	store := memory.New()
	svc := newWalletService(t, store, &stubCustodian{})
	ctx := context.Background()

	u, _ := store.CreateUser(ctx, user.User{CreditBalance: 50})
	if _, err := svc.EnsureWallet(ctx, u.ID); err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}

	_, err := svc.RequestWithdrawal(ctx, u.ID, "0xdest", 100)
	var insufficient *crediterr.InsufficientCredits
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCredits, got %v", err)
	}
	if insufficient.Needed != 100 || insufficient.Available != 50 {
		t.Fatalf("unexpected numbers %+v", insufficient)
	}

	got, _ := store.GetUser(ctx, u.ID)
	if got.CreditBalance != 50 {
		t.Fatalf("balance must be untouched, got %v", got.CreditBalance)
	}
}

func TestRequestWithdrawalWindowLimit(t *testing.T) {
	store := memory.New()
	svc := newWalletService(t, store, &stubCustodian{})
	ctx := context.Background()

	u, _ := store.CreateUser(ctx, user.User{CreditBalance: 100000})
	if _, err := svc.EnsureWallet(ctx, u.ID); err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := svc.RequestWithdrawal(ctx, u.ID, "0xdest", 100); err != nil {
			t.Fatalf("withdrawal %d: %v", i+1, err)
		}
	}
	_, err := svc.RequestWithdrawal(ctx, u.ID, "0xdest", 100)
	var throttled *crediterr.Throttled
	if !errors.As(err, &throttled) {
		t.Fatalf("expected Throttled on fourth withdrawal, got %v", err)
	}
}

func TestRequestWithdrawalTransferFailureLeavesBalance(t *testing.T) {
	store := memory.New()
	custodian := &stubCustodian{}
	svc := newWalletService(t, store, custodian)
	ctx := context.Background()

	u, _ := store.CreateUser(ctx, user.User{CreditBalance: 1000})
	if _, err := svc.EnsureWallet(ctx, u.ID); err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}

	custodian.failXfer = crediterr.ErrUpstreamUnavailable
	if _, err := svc.RequestWithdrawal(ctx, u.ID, "0xdest", 500); !errors.Is(err, crediterr.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	got, _ := store.GetUser(ctx, u.ID)
	if got.CreditBalance != 1000 {
		t.Fatalf("failed transfer must not debit, got %v", got.CreditBalance)
	}
}
