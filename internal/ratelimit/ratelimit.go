// Package ratelimit enforces per-operation request windows and exponential
// backoff for upstream failures. State lives behind StateStore so a single
// instance can run on process memory while a fleet shares Redis.
package ratelimit

import (
	"context"
	"time"

	"github.com/AgentHive-Network/credit_layer/internal/crediterr"
)

// WindowRule caps an operation at Limit occurrences per rolling Window.
type WindowRule struct {
	Limit  int
	Window time.Duration
}

// StateStore holds limiter state. All methods must be safe for concurrent
// use and atomic per key.
type StateStore interface {
	// Reserve consumes one slot for key if the window allows it. When the
	// window is full it reports false and how long until a slot frees.
	Reserve(ctx context.Context, key string, rule WindowRule) (bool, time.Duration, error)

	// Fail records one failure for key and returns the backoff delay now in
	// force, doubling per consecutive failure from base up to max.
	Fail(ctx context.Context, key string, base, max time.Duration) (time.Duration, error)

	// Reset clears the failure streak for key.
	Reset(ctx context.Context, key string) error

	// Delay reports the backoff still remaining for key, zero when clear.
	Delay(ctx context.Context, key string) (time.Duration, error)
}

// Limiter applies configured window rules and failure backoff.
type Limiter struct {
	store StateStore
	rules map[string]WindowRule
	base  time.Duration
	max   time.Duration
}

// New builds a Limiter over store. rules maps operation names to their
// windows; operations without a rule pass Allow unconditionally.
func New(store StateStore, rules map[string]WindowRule, base, max time.Duration) *Limiter {
	return &Limiter{store: store, rules: rules, base: base, max: max}
}

// Allow reserves one slot for op on behalf of subject. A full window yields
// crediterr.Throttled carrying the time until the next slot.
func (l *Limiter) Allow(ctx context.Context, op, subject string) error {
	rule, ok := l.rules[op]
	if !ok || rule.Limit <= 0 {
		return nil
	}
	allowed, retryAfter, err := l.store.Reserve(ctx, op+":"+subject, rule)
	if err != nil {
		return err
	}
	if !allowed {
		return &crediterr.Throttled{Operation: op, RetryAfter: retryAfter}
	}
	return nil
}

// Gate reports whether op is currently held in backoff, as
// crediterr.Throttled when it is.
func (l *Limiter) Gate(ctx context.Context, op string) error {
	remaining, err := l.store.Delay(ctx, "backoff:"+op)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return &crediterr.Throttled{Operation: op, RetryAfter: remaining}
	}
	return nil
}

// RecordFailure extends the backoff for op and returns the delay now in
// force.
func (l *Limiter) RecordFailure(ctx context.Context, op string) (time.Duration, error) {
	return l.store.Fail(ctx, "backoff:"+op, l.base, l.max)
}

// RecordSuccess clears the failure streak for op.
func (l *Limiter) RecordSuccess(ctx context.Context, op string) error {
	return l.store.Reset(ctx, "backoff:"+op)
}
