package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AgentHive-Network/credit_layer/internal/config"
	"github.com/AgentHive-Network/credit_layer/internal/crediterr"
	"github.com/AgentHive-Network/credit_layer/internal/ratelimit"
	"github.com/AgentHive-Network/credit_layer/pkg/logger"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	limiter := ratelimit.New(ratelimit.NewMemoryStore(), nil, time.Millisecond, time.Second)
	client := New(config.UpstreamConfig{
		BaseURL:           srv.URL,
		Token:             "test-token",
		Timeout:           2 * time.Second,
		MaxAttempts:       3,
		RequestsPerSecond: 1000,
	}, limiter, logger.NewDefault("upstream-test"))
	return client, srv
}

func TestGetBalanceSendsBearerToken(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("unexpected authorization header %q", got)
		}
		w.Write([]byte(`{"balance": 125.5}`))
	}))

	balance, exists, err := client.GetBalance(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if !exists || balance != 125.5 {
		t.Fatalf("expected (125.5, true), got (%v, %v)", balance, exists)
	}
}

func TestGetBalanceUnknownAddress(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, exists, err := client.GetBalance(context.Background(), "0xmissing")
	if err != nil {
		t.Fatalf("404 should not be an error for balance lookups: %v", err)
	}
	if exists {
		t.Fatal("expected exists=false for unknown address")
	}
}

func TestRejectedRequestIsTerminal(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"bad destination"}`))
	}))

	_, err := client.Transfer(context.Background(), "h-1", "0xdead", 10)
	var rejected *crediterr.RequestRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RequestRejected, got %v", err)
	}
	if rejected.Status != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status %d", rejected.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("4xx must not be retried, server saw %d calls", got)
	}
}

func TestServerErrorsRetryThenExhaust(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, _, err := client.GetBalance(context.Background(), "0xabc")
	if !errors.Is(err, crediterr.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, server saw %d", got)
	}
}

func TestRetriesWaitOutTheBackoff(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	limiter := ratelimit.New(ratelimit.NewMemoryStore(), nil, 30*time.Millisecond, time.Second)
	client := New(config.UpstreamConfig{
		BaseURL:           srv.URL,
		Timeout:           2 * time.Second,
		MaxAttempts:       3,
		RequestsPerSecond: 1000,
	}, limiter, logger.NewDefault("upstream-test"))

	start := time.Now()
	_, _, err := client.GetBalance(context.Background(), "0xabc")
	elapsed := time.Since(start)

	if !errors.Is(err, crediterr.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, server saw %d", got)
	}
	// Two inter-attempt waits: 30ms after the first failure, 60ms after the
	// second. Nothing is waited after the final attempt.
	if elapsed < 90*time.Millisecond {
		t.Fatalf("attempts fired back to back: elapsed %v, want at least 90ms", elapsed)
	}
}

func TestBackoffWaitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	limiter := ratelimit.New(ratelimit.NewMemoryStore(), nil, time.Minute, time.Hour)
	client := New(config.UpstreamConfig{
		BaseURL:           srv.URL,
		Timeout:           2 * time.Second,
		MaxAttempts:       3,
		RequestsPerSecond: 1000,
	}, limiter, logger.NewDefault("upstream-test"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := client.GetBalance(ctx, "0xabc")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded during backoff wait, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancelled context must cut the backoff wait short")
	}
}

func TestRecoveredCallClearsBackoff(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"balance": 7}`))
	}))

	balance, exists, err := client.GetBalance(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("get balance with one transient failure: %v", err)
	}
	if !exists || balance != 7 {
		t.Fatalf("expected (7, true), got (%v, %v)", balance, exists)
	}

	// The success reset the streak, so the next call is not gated.
	if _, _, err := client.GetBalance(context.Background(), "0xabc"); err != nil {
		t.Fatalf("follow-up call: %v", err)
	}
}

func TestGetAgentStatusTolerantExtraction(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"balance": 4200,
			"state": "running",
			"runtime": "container-v2",
			"stats": {"earnings": 900, "expenses": 300},
			"extra_field_we_ignore": {"deep": true}
		}`))
	}))

	status, err := client.GetAgentStatus(context.Background(), "agent-h1")
	if err != nil {
		t.Fatalf("get agent status: %v", err)
	}
	if !status.Alive {
		t.Fatal("state=running should imply alive")
	}
	if status.Balance != 4200 || status.Earnings != 900 || status.Expenses != 300 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestTransferCreditsPostsWalletAndAmount(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/credits/transfer" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			AgentWallet string  `json:"agent_wallet"`
			Amount      float64 `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.AgentWallet != "h-agent" || req.Amount != 9800 {
			t.Errorf("unexpected payload %+v", req)
		}
		w.Write([]byte(`{"new_balance": 12300}`))
	}))

	newBalance, err := client.TransferCredits(context.Background(), "h-agent", 9800)
	if err != nil {
		t.Fatalf("transfer credits: %v", err)
	}
	if newBalance != 12300 {
		t.Fatalf("expected new balance 12300, got %v", newBalance)
	}
}

func TestIssueAddressRejectsEmptyGrant(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))

	if _, err := client.IssueAddress(context.Background(), "u-1"); err == nil {
		t.Fatal("expected error for empty deposit address")
	}
}
