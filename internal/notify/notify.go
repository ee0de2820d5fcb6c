// Package notify delivers operational events such as survival-tier
// degradations and deferred fee collections.
package notify

import (
	"context"
	"time"

	"github.com/AgentHive-Network/credit_layer/pkg/logger"
)

// Event is one notification payload.
type Event struct {
	Type      string                 `json:"type"`
	AgentID   string                 `json:"agent_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Event types emitted by the engine.
const (
	TypeTierDegraded  = "tier_degraded"
	TypeAgentDead     = "agent_dead"
	TypeFeeDeferred   = "fee_deferred"
	TypeDepositLanded = "deposit_landed"
)

// Notifier delivers events. Delivery failures must not fail the business
// operation that raised the event.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// LogNotifier writes events to the structured log. It is the default sink
// when no broker is configured.
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, event Event) {
	n.log.WithFields(map[string]interface{}{
		"event_type": event.Type,
		"agent_id":   event.AgentID,
		"user_id":    event.UserID,
		"detail":     event.Detail,
	}).Info("notification")
}
