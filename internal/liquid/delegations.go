package liquid

import (
	"context"
	"fmt"
	"strings"

	"github.com/terminal-bench/govmesh/pkg/store"
)

// Delegations records per-proposal weight delegation between agents in the
// shared store. One sorted set per proposal, member "from->to", score =
// delegated weight.
type Delegations struct {
	store store.Store
}

// NewDelegations creates a store-backed delegation provider.
func NewDelegations(st store.Store) *Delegations {
	return &Delegations{store: st}
}

func delegationKey(proposalID string) string {
	return "governance:delegations:" + proposalID
}

// Delegate records that from delegates weight to to for one proposal.
// Re-delegating replaces the previous weight.
func (d *Delegations) Delegate(ctx context.Context, proposalID, from, to string, weight float64) error {
	if from == to {
		return fmt.Errorf("agent %s cannot delegate to itself", from)
	}
	return d.store.ZAdd(ctx, delegationKey(proposalID), weight, from+"->"+to)
}

// Revoke removes a delegation.
func (d *Delegations) Revoke(ctx context.Context, proposalID, from, to string) error {
	return d.store.ZRem(ctx, delegationKey(proposalID), from+"->"+to)
}

// DelegatedWeight sums the weight delegated to an agent for a proposal.
func (d *Delegations) DelegatedWeight(ctx context.Context, agentID, proposalID string) (float64, error) {
	members, err := d.store.ZRevRangeWithScores(ctx, delegationKey(proposalID), 0, -1)
	if err != nil {
		return 0, err
	}

	var total float64
	for _, m := range members {
		if strings.HasSuffix(m.Member, "->"+agentID) {
			total += m.Score
		}
	}
	return total, nil
}
