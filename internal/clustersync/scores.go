package clustersync

import (
	"context"
	"fmt"

	"github.com/terminal-bench/govmesh/internal/registry"
)

// ScoreAdapter derives the weight calculator's trust and participation
// inputs from the agent registry and this engine's consensus state. Trust is
// the agent's reputation scaled to [0,1]; participation comes from the last
// computed sync cycle for the configured cluster.
type ScoreAdapter struct {
	registry  *registry.Registry
	engine    *Engine
	clusterID string
}

// NewScoreAdapter creates an adapter scoped to one cluster.
func NewScoreAdapter(reg *registry.Registry, engine *Engine, clusterID string) *ScoreAdapter {
	return &ScoreAdapter{registry: reg, engine: engine, clusterID: clusterID}
}

func (a *ScoreAdapter) TrustScore(ctx context.Context, agentID string) (float64, error) {
	reputation, err := a.registry.GetAgentReputation(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return reputation / 100, nil
}

func (a *ScoreAdapter) ParticipationRate(ctx context.Context, agentID string) (float64, error) {
	state, err := a.engine.GetConsensusState(ctx, a.clusterID)
	if err != nil {
		return 0, err
	}
	pct, ok := state.AgentParticipation[agentID]
	if !ok {
		return 0, fmt.Errorf("agent %s has no participation record in cluster %s", agentID, a.clusterID)
	}
	return pct / 100, nil
}
