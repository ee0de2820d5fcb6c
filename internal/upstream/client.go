// Package upstream talks to the agent-platform credit API. Every call is
// paced, gated by the shared failure backoff, and retried on transient
// faults before the caller sees an error.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/AgentHive-Network/credit_layer/internal/crediterr"
	"github.com/AgentHive-Network/credit_layer/internal/metrics"
	"github.com/AgentHive-Network/credit_layer/internal/ratelimit"

	"github.com/AgentHive-Network/credit_layer/internal/config"
	"github.com/AgentHive-Network/credit_layer/pkg/logger"
)

// Client is the HTTP client for the upstream credit API.
type Client struct {
	baseURL     string
	token       string
	maxAttempts int

	httpClient *http.Client
	pacer      *rate.Limiter
	limiter    *ratelimit.Limiter
	log        *logger.Logger
}

// New creates a Client from cfg. limiter carries the failure backoff shared
// with the rest of the engine.
func New(cfg config.UpstreamConfig, limiter *ratelimit.Limiter, log *logger.Logger) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		maxAttempts: cfg.MaxAttempts,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		pacer:       rate.NewLimiter(rate.Limit(rps), 1),
		limiter:     limiter,
		log:         log,
	}
}

// AddressGrant is the upstream response to an address issuance request.
type AddressGrant struct {
	WalletHandle   string `json:"wallet_handle"`
	DepositAddress string `json:"deposit_address"`
}

// IssueAddress asks the upstream custody service for a deposit address owned
// by subject.
func (c *Client) IssueAddress(ctx context.Context, subject string) (AddressGrant, error) {
	var grant AddressGrant
	body, err := c.do(ctx, "issue_address", http.MethodPost, "/v1/addresses",
		map[string]string{"subject": subject})
	if err != nil {
		return AddressGrant{}, err
	}
	if err := json.Unmarshal(body, &grant); err != nil {
		return AddressGrant{}, fmt.Errorf("decode address grant: %w", err)
	}
	if grant.DepositAddress == "" {
		return AddressGrant{}, fmt.Errorf("upstream returned empty deposit address")
	}
	return grant, nil
}

// GetBalance fetches the stable-token balance of address. The bool is false
// when the upstream has no record of the address.
func (c *Client) GetBalance(ctx context.Context, address string) (float64, bool, error) {
	body, err := c.do(ctx, "balance", http.MethodGet, "/v1/balances/"+address, nil)
	if err != nil {
		if errors.Is(err, crediterr.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	balance := gjson.GetBytes(body, "balance")
	if !balance.Exists() {
		return 0, false, fmt.Errorf("balance missing from upstream response")
	}
	return balance.Float(), true, nil
}

// Transfer moves amount of the stable token from the custodial wallet
// identified by handle to destination. Used for withdrawals.
func (c *Client) Transfer(ctx context.Context, handle, destination string, amount float64) (string, error) {
	body, err := c.do(ctx, "transfer", http.MethodPost, "/v1/transfers",
		map[string]interface{}{
			"wallet_handle": handle,
			"destination":   destination,
			"amount":        amount,
		})
	if err != nil {
		return "", err
	}
	txid := gjson.GetBytes(body, "txid").String()
	if txid == "" {
		return "", fmt.Errorf("transfer accepted without txid")
	}
	return txid, nil
}

// TransferCredits pushes amount credits onto the upstream wallet identified
// by agentWallet, returning the wallet's new upstream balance. Used to
// mirror locally detected agent deposits into the agent runtime.
func (c *Client) TransferCredits(ctx context.Context, agentWallet string, amount float64) (float64, error) {
	body, err := c.do(ctx, "credit_transfer", http.MethodPost, "/v1/credits/transfer",
		map[string]interface{}{
			"agent_wallet": agentWallet,
			"amount":       amount,
		})
	if err != nil {
		return 0, err
	}
	return gjson.GetBytes(body, "new_balance").Float(), nil
}

// AgentStatus is the subset of the upstream agent report the engine uses.
// The upstream payload varies by agent runtime, so extraction is tolerant.
type AgentStatus struct {
	Balance  float64
	Alive    bool
	Runtime  string
	Earnings float64
	Expenses float64
}

// GetAgentStatus fetches the live status of an upstream agent.
func (c *Client) GetAgentStatus(ctx context.Context, handle string) (AgentStatus, error) {
	body, err := c.do(ctx, "agent_status", http.MethodGet, "/v1/agents/"+handle, nil)
	if err != nil {
		return AgentStatus{}, err
	}

	doc := gjson.ParseBytes(body)
	status := AgentStatus{
		Balance:  doc.Get("balance").Float(),
		Alive:    doc.Get("alive").Bool(),
		Runtime:  doc.Get("runtime").String(),
		Earnings: doc.Get("stats.earnings").Float(),
		Expenses: doc.Get("stats.expenses").Float(),
	}
	// Some runtimes report liveness as a state string instead of a flag.
	if !status.Alive && doc.Get("state").String() == "running" {
		status.Alive = true
	}
	return status, nil
}

// do performs one upstream call with pacing, backoff gating, and bounded
// retries. Transient faults (5xx, transport errors) consume retry attempts;
// 4xx responses are terminal.
func (c *Client) do(ctx context.Context, op, method, path string, payload interface{}) ([]byte, error) {
	if err := c.limiter.Gate(ctx, op); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, err
		}

		body, status, err := c.roundTrip(ctx, method, path, payload)
		if err != nil {
			lastErr = err
			if err := c.backOff(ctx, op, attempt, err); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case status >= 200 && status < 300:
			metrics.RecordUpstreamCall(op, "success")
			if err := c.limiter.RecordSuccess(ctx, op); err != nil {
				c.log.WithError(err).Warn("failed to clear backoff state")
			}
			return body, nil
		case status == http.StatusNotFound:
			metrics.RecordUpstreamCall(op, "not_found")
			return nil, crediterr.ErrNotFound
		case status >= 400 && status < 500:
			metrics.RecordUpstreamCall(op, "rejected")
			return nil, &crediterr.RequestRejected{Operation: op, Status: status, Body: truncate(string(body), 200)}
		default:
			lastErr = fmt.Errorf("upstream status %d", status)
			if err := c.backOff(ctx, op, attempt, lastErr); err != nil {
				return nil, err
			}
		}
	}

	metrics.RecordUpstreamCall(op, "unavailable")
	c.log.WithFields(map[string]interface{}{
		"operation": op,
		"attempts":  c.maxAttempts,
	}).WithError(lastErr).Warn("upstream retries exhausted")
	return nil, crediterr.ErrUpstreamUnavailable
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload interface{}) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

// backOff records the failed attempt and, when a retry remains, waits out
// the computed backoff. It returns an error only when the context ends
// before the delay does.
func (c *Client) backOff(ctx context.Context, op string, attempt int, cause error) error {
	metrics.RecordUpstreamCall(op, "failure")
	delay, err := c.limiter.RecordFailure(ctx, op)
	if err != nil {
		c.log.WithError(err).Warn("failed to record backoff failure")
		return nil
	}
	c.log.WithFields(map[string]interface{}{
		"operation": op,
		"attempt":   attempt,
		"backoff":   delay.String(),
	}).WithError(cause).Debug("upstream call failed")

	if attempt >= c.maxAttempts || delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
