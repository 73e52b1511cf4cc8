package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/terminal-bench/govmesh/pkg/messaging"
	"github.com/terminal-bench/govmesh/pkg/store"
)

var ErrAgentNotFound = errors.New("agent not found")

// NeutralReputation is assumed for agents that never registered, so weight
// calculation never blocks on registration state.
const NeutralReputation = 50.0

// DefaultRole is the role assumed for unregistered agents.
const DefaultRole = "member"

// historyLimit bounds the per-agent audit log.
const historyLimit = 100

// Agent is a registered participant identified by its DID.
type Agent struct {
	DID          string    `json:"did"`
	Role         string    `json:"role"`
	Reputation   float64   `json:"reputation"`
	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HistoryEntry is one audit record of a role or reputation change.
type HistoryEntry struct {
	Kind       string    `json:"kind"` // "registered", "reputation", "role"
	Reputation float64   `json:"reputation,omitempty"`
	Delta      float64   `json:"delta,omitempty"`
	Role       string    `json:"role,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Registry is the reputation and role facade over the shared store.
type Registry struct {
	store  store.Store
	events messaging.Publisher
	logger zerolog.Logger
}

// NewRegistry creates a registry.
func NewRegistry(st store.Store, events messaging.Publisher, logger zerolog.Logger) *Registry {
	return &Registry{store: st, events: events, logger: logger}
}

func agentKey(did string) string   { return "governance:agent:" + did }
func historyKey(did string) string { return "governance:agent:" + did + ":history" }

// RegisterAgent creates an agent record with a neutral reputation. Already
// registered agents keep their record but get their role updated.
func (r *Registry) RegisterAgent(ctx context.Context, did, role string) (*Agent, error) {
	if did == "" {
		return nil, fmt.Errorf("agent DID is required")
	}
	if role == "" {
		role = DefaultRole
	}

	now := time.Now()
	agent, err := r.getAgent(ctx, did)
	if errors.Is(err, ErrAgentNotFound) {
		agent = &Agent{
			DID:          did,
			Role:         role,
			Reputation:   NeutralReputation,
			RegisteredAt: now,
		}
	} else if err != nil {
		return nil, err
	} else {
		agent.Role = role
	}
	agent.UpdatedAt = now

	if err := r.putAgent(ctx, agent); err != nil {
		return nil, err
	}
	r.appendHistory(ctx, did, HistoryEntry{Kind: "registered", Role: role, Reputation: agent.Reputation, Timestamp: now})
	r.publish(ctx, messaging.EventTypeAgentRegistered, messaging.RoleEvent{AgentDID: did, NewRole: role})
	return agent, nil
}

// GetAgentReputation returns the agent's reputation, or the neutral midpoint
// for unregistered agents.
func (r *Registry) GetAgentReputation(ctx context.Context, did string) (float64, error) {
	agent, err := r.getAgent(ctx, did)
	if errors.Is(err, ErrAgentNotFound) {
		return NeutralReputation, nil
	}
	if err != nil {
		return 0, err
	}
	return agent.Reputation, nil
}

// AdjustAgentReputation applies a delta, clamped to [0,100]. Unregistered
// agents are adjusted from the neutral midpoint and registered implicitly.
func (r *Registry) AdjustAgentReputation(ctx context.Context, did string, delta float64, reason string) (float64, error) {
	now := time.Now()
	agent, err := r.getAgent(ctx, did)
	if errors.Is(err, ErrAgentNotFound) {
		agent = &Agent{DID: did, Role: DefaultRole, Reputation: NeutralReputation, RegisteredAt: now}
	} else if err != nil {
		return 0, err
	}

	agent.Reputation = clampReputation(agent.Reputation + delta)
	agent.UpdatedAt = now
	if err := r.putAgent(ctx, agent); err != nil {
		return 0, err
	}

	r.appendHistory(ctx, did, HistoryEntry{Kind: "reputation", Delta: delta, Reputation: agent.Reputation, Reason: reason, Timestamp: now})
	r.publish(ctx, messaging.EventTypeReputationAdjusted, messaging.ReputationEvent{
		AgentDID:   did,
		Delta:      delta,
		Reputation: agent.Reputation,
		Reason:     reason,
	})
	return agent.Reputation, nil
}

// GetCurrentRole returns the agent's role, or the default role for
// unregistered agents.
func (r *Registry) GetCurrentRole(ctx context.Context, did string) (string, error) {
	agent, err := r.getAgent(ctx, did)
	if errors.Is(err, ErrAgentNotFound) {
		return DefaultRole, nil
	}
	if err != nil {
		return "", err
	}
	return agent.Role, nil
}

// UpdateAgentRole changes the agent's role.
func (r *Registry) UpdateAgentRole(ctx context.Context, did, role string) error {
	agent, err := r.getAgent(ctx, did)
	if err != nil {
		return err
	}

	oldRole := agent.Role
	agent.Role = role
	agent.UpdatedAt = time.Now()
	if err := r.putAgent(ctx, agent); err != nil {
		return err
	}

	r.appendHistory(ctx, did, HistoryEntry{Kind: "role", Role: role, Timestamp: agent.UpdatedAt})
	r.publish(ctx, messaging.EventTypeAgentRoleChanged, messaging.RoleEvent{AgentDID: did, OldRole: oldRole, NewRole: role})
	return nil
}

// GetAgent returns the full agent record.
func (r *Registry) GetAgent(ctx context.Context, did string) (*Agent, error) {
	return r.getAgent(ctx, did)
}

// History returns the most recent audit entries, newest first.
func (r *Registry) History(ctx context.Context, did string, limit int64) ([]HistoryEntry, error) {
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}
	members, err := r.store.ZRevRangeWithScores(ctx, historyKey(did), 0, limit-1)
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(members))
	for _, m := range members {
		var entry HistoryEntry
		if err := json.Unmarshal([]byte(m.Member), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *Registry) getAgent(ctx context.Context, did string) (*Agent, error) {
	raw, err := r.store.Get(ctx, agentKey(did))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}

	var agent Agent
	if err := json.Unmarshal(raw, &agent); err != nil {
		return nil, fmt.Errorf("failed to decode agent %s: %w", did, err)
	}
	return &agent, nil
}

func (r *Registry) putAgent(ctx context.Context, agent *Agent) error {
	raw, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, agentKey(agent.DID), raw)
}

func (r *Registry) appendHistory(ctx context.Context, did string, entry HistoryEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	key := historyKey(did)
	if err := r.store.ZAdd(ctx, key, float64(entry.Timestamp.UnixMilli()), string(raw)); err != nil {
		r.logger.Warn().Err(err).Str("agent_did", did).Msg("failed to append agent history")
		return
	}
	// Trim everything below the newest historyLimit entries.
	if err := r.store.ZRemRangeByRank(ctx, key, 0, -int64(historyLimit)-1); err != nil {
		r.logger.Warn().Err(err).Str("agent_did", did).Msg("failed to trim agent history")
	}
}

func (r *Registry) publish(ctx context.Context, eventType string, data interface{}) {
	event, err := messaging.NewEvent(eventType, "", "registry", data)
	if err != nil {
		return
	}
	if err := r.events.PublishEvent(ctx, event); err != nil {
		r.logger.Warn().Err(err).Str("event_type", eventType).Msg("failed to publish registry event")
	}
}

func clampReputation(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
