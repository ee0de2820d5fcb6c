package fees

import (
	"context"
	"errors"
	"fmt"

	"github.com/AgentHive-Network/credit_layer/internal/crediterr"
	agentdom "github.com/AgentHive-Network/credit_layer/internal/domain/agent"
	"github.com/AgentHive-Network/credit_layer/internal/metrics"
	"github.com/AgentHive-Network/credit_layer/internal/storage"
	"github.com/AgentHive-Network/credit_layer/pkg/logger"
)

// Distributor pays lineage shares: every ancestor of a profitable agent, up
// to the configured depth, receives a flat share of the realized profit.
type Distributor struct {
	agents   storage.AgentStore
	ledger   storage.LedgerStore
	rate     float64
	maxDepth int
	log      *logger.Logger
}

// NewDistributor creates a lineage distributor.
func NewDistributor(agents storage.AgentStore, ledgerStore storage.LedgerStore, rate float64, maxDepth int, log *logger.Logger) *Distributor {
	if log == nil {
		log = logger.NewDefault("lineage")
	}
	return &Distributor{
		agents:   agents,
		ledger:   ledgerStore,
		rate:     rate,
		maxDepth: maxDepth,
		log:      log,
	}
}

// Distribute credits each ancestor of child with rate*profit, walking the
// parent chain to at most maxDepth ancestors. The whole chain is resolved
// before any credit lands: a cycle or dangling parent reference aborts with
// a DataIntegrityFault and zero mutation.
func (d *Distributor) Distribute(ctx context.Context, child agentdom.Agent, profit float64) (int, error) {
	if profit <= 0 || child.ParentID == "" || d.rate <= 0 {
		return 0, nil
	}

	ancestors, err := d.resolveChain(ctx, child)
	if err != nil {
		return 0, err
	}

	share := profit * d.rate
	for i, ancestor := range ancestors {
		tx := agentdom.LedgerTransaction{
			AgentID:     ancestor.ID,
			Kind:        agentdom.KindLineageShare,
			Amount:      share,
			Description: fmt.Sprintf("lineage share from agent %s", child.ID),
		}
		if err := d.ledger.CommitShare(ctx, ancestor.ID, share, tx); err != nil {
			return i, fmt.Errorf("credit ancestor %s: %w", ancestor.ID, err)
		}
	}

	metrics.RecordLineageShares(len(ancestors))
	if len(ancestors) > 0 {
		d.log.WithFields(map[string]interface{}{
			"agent_id":  child.ID,
			"ancestors": len(ancestors),
			"share":     share,
		}).Info("lineage shares distributed")
	}
	return len(ancestors), nil
}

// resolveChain walks the parent chain and returns the ancestors in
// child-to-root order.
func (d *Distributor) resolveChain(ctx context.Context, child agentdom.Agent) ([]agentdom.Agent, error) {
	seen := map[string]bool{child.ID: true}
	var chain []agentdom.Agent

	parentID := child.ParentID
	for parentID != "" && len(chain) < d.maxDepth {
		if seen[parentID] {
			return nil, &crediterr.DataIntegrityFault{
				Entity: "agent",
				ID:     child.ID,
				Detail: fmt.Sprintf("lineage cycle through agent %s", parentID),
			}
		}
		seen[parentID] = true

		parent, err := d.agents.GetAgent(ctx, parentID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, &crediterr.DataIntegrityFault{
					Entity: "agent",
					ID:     child.ID,
					Detail: fmt.Sprintf("dangling parent reference %s", parentID),
				}
			}
			return nil, err
		}
		chain = append(chain, parent)
		parentID = parent.ParentID
	}
	return chain, nil
}
