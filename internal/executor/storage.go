package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/terminal-bench/govmesh/pkg/store"
)

const executionQueueKey = "governance:execution_queue"

func proposalKey(id string) string { return "governance:proposal:" + id }
func clusterKey(id string) string  { return "governance:cluster:" + id }

// ActiveProposalsKey is the set of active proposal IDs for a cluster.
func ActiveProposalsKey(clusterID string) string {
	return "governance:cluster:" + clusterID + ":active"
}

// LoadProposal reads a proposal from the shared store. Shared with the sync
// engine so both sides decode identically.
func LoadProposal(ctx context.Context, st store.Store, id string) (*Proposal, error) {
	raw, err := st.Get(ctx, proposalKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrProposalNotFound
	}
	if err != nil {
		return nil, err
	}

	var p Proposal
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode proposal %s: %w", id, err)
	}
	return &p, nil
}

// SaveProposal writes a proposal to the shared store.
func SaveProposal(ctx context.Context, st store.Store, p *Proposal) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return st.Set(ctx, proposalKey(p.ID), raw)
}

// LoadCluster reads a governance cluster definition.
func LoadCluster(ctx context.Context, st store.Store, id string) (*GovernanceCluster, error) {
	raw, err := st.Get(ctx, clusterKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrClusterNotFound
	}
	if err != nil {
		return nil, err
	}

	var c GovernanceCluster
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to decode cluster %s: %w", id, err)
	}
	return &c, nil
}

// SaveCluster writes a governance cluster definition.
func SaveCluster(ctx context.Context, st store.Store, c *GovernanceCluster) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return st.Set(ctx, clusterKey(c.ID), raw)
}

// ListActiveProposals loads every proposal in the cluster's active index.
// Index entries whose proposal record is unreadable are skipped.
func ListActiveProposals(ctx context.Context, st store.Store, clusterID string) ([]*Proposal, error) {
	ids, err := st.SMembers(ctx, ActiveProposalsKey(clusterID))
	if err != nil {
		return nil, err
	}

	proposals := make([]*Proposal, 0, len(ids))
	for _, id := range ids {
		p, err := LoadProposal(ctx, st, id)
		if err != nil {
			continue
		}
		proposals = append(proposals, p)
	}
	return proposals, nil
}
