// Package crediterr defines the error taxonomy shared by the credit engine.
//
// Transient conditions (Throttled, UpstreamUnavailable) are safe to retry on
// the next cycle; business-rule failures (InsufficientCredits,
// EntitlementRequired) are terminal for the request and carry the concrete
// numbers needed for a user-facing message.
package crediterr

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for conditions that need no extra context.
var (
	// ErrUpstreamUnavailable marks an exhausted retry ceiling against the
	// upstream credit API. The caller retries on its next scheduled run.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrEntitlementRequired marks a spawn attempt without automaton access.
	ErrEntitlementRequired = errors.New("automaton entitlement required")

	// ErrPremiumRequired marks a spawn attempt without a premium tier.
	ErrPremiumRequired = errors.New("premium tier required")

	// ErrNotFound is returned when an upstream 404 means "no resource".
	ErrNotFound = errors.New("resource not found")
)

// Throttled reports that a rate limit or backoff window is active.
type Throttled struct {
	Operation  string
	RetryAfter time.Duration
}

func (e *Throttled) Error() string {
	return fmt.Sprintf("throttled: %s blocked for %s", e.Operation, e.RetryAfter.Round(time.Second))
}

// RequestRejected reports a terminal upstream 4xx response.
type RequestRejected struct {
	Operation string
	Status    int
	Body      string
}

func (e *RequestRejected) Error() string {
	return fmt.Sprintf("upstream rejected %s: status %d: %s", e.Operation, e.Status, e.Body)
}

// InsufficientCredits reports a business precondition failure on a credit
// debit. No mutation has been performed.
type InsufficientCredits struct {
	Needed    float64
	Available float64
}

func (e *InsufficientCredits) Error() string {
	return fmt.Sprintf("insufficient credits: need %.0f, have %.0f", e.Needed, e.Available)
}

// PendingInsufficientFunds reports a performance fee that is owed but not
// collectible yet. It is recorded as deferred, not surfaced loudly.
type PendingInsufficientFunds struct {
	AgentID string
	Owed    float64
	Balance float64
}

func (e *PendingInsufficientFunds) Error() string {
	return fmt.Sprintf("fee collection deferred for agent %s: owed %.2f, balance %.2f", e.AgentID, e.Owed, e.Balance)
}

// DataIntegrityFault reports corrupted state such as a cycle in the lineage
// chain. The offending operation is aborted without partial mutation.
type DataIntegrityFault struct {
	Entity string
	ID     string
	Detail string
}

func (e *DataIntegrityFault) Error() string {
	return fmt.Sprintf("data integrity fault on %s %s: %s", e.Entity, e.ID, e.Detail)
}

// IsTransient reports whether the error is safe to retry on a later cycle.
func IsTransient(err error) bool {
	if errors.Is(err, ErrUpstreamUnavailable) {
		return true
	}
	var throttled *Throttled
	return errors.As(err, &throttled)
}
