// Package policy provides the built-in proposal type handlers: risk
// parameter changes, strategy approval, and role changes.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/govmesh/internal/executor"
	"github.com/terminal-bench/govmesh/internal/registry"
	"github.com/terminal-bench/govmesh/pkg/store"
)

// Proposal types handled by this package.
const (
	TypeRiskParameterChange = "risk_parameter_change"
	TypeStrategyApproval    = "strategy_approval"
	TypeRoleChange          = "role_change"
)

// RiskParameterChange adjusts one risk parameter to an exact value, bounded
// by an optional allowed range.
type RiskParameterChange struct {
	Parameter string          `json:"parameter"`
	Value     decimal.Decimal `json:"value"`
	MinValue  decimal.Decimal `json:"min_value,omitempty"`
	MaxValue  decimal.Decimal `json:"max_value,omitempty"`
}

// StrategyApproval approves a trading strategy proposed by an agent.
type StrategyApproval struct {
	StrategyID  string `json:"strategy_id"`
	ProposerDID string `json:"proposer_did"`
}

// RoleChange reassigns an agent's governance role.
type RoleChange struct {
	AgentDID string `json:"agent_did"`
	NewRole  string `json:"new_role"`
}

// RiskParameterHandler applies accepted risk-parameter changes to the
// shared store.
type RiskParameterHandler struct {
	store  store.Store
	logger zerolog.Logger
}

func NewRiskParameterHandler(st store.Store, logger zerolog.Logger) *RiskParameterHandler {
	return &RiskParameterHandler{store: st, logger: logger}
}

func (h *RiskParameterHandler) Decode(raw json.RawMessage) (interface{}, error) {
	var change RiskParameterChange
	if err := json.Unmarshal(raw, &change); err != nil {
		return nil, err
	}
	if change.Parameter == "" {
		return nil, fmt.Errorf("risk parameter name is required")
	}
	if !change.MinValue.IsZero() || !change.MaxValue.IsZero() {
		if change.Value.LessThan(change.MinValue) || change.Value.GreaterThan(change.MaxValue) {
			return nil, fmt.Errorf("value %s outside allowed range [%s, %s]",
				change.Value, change.MinValue, change.MaxValue)
		}
	}
	return &change, nil
}

func (h *RiskParameterHandler) Execute(ctx context.Context, payload interface{}, votes []executor.ProposalVote) error {
	change, ok := payload.(*RiskParameterChange)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", payload)
	}

	key := "governance:risk:" + change.Parameter
	if err := h.store.Set(ctx, key, []byte(change.Value.String())); err != nil {
		return fmt.Errorf("failed to apply risk parameter %s: %w", change.Parameter, err)
	}
	h.logger.Info().Str("parameter", change.Parameter).Str("value", change.Value.String()).Msg("risk parameter updated")
	return nil
}

// StrategyApprovalHandler records strategy approvals and rewards the
// proposer's reputation.
type StrategyApprovalHandler struct {
	store    store.Store
	registry *registry.Registry
	logger   zerolog.Logger

	// ProposerReward is the reputation delta granted on approval.
	ProposerReward float64
}

func NewStrategyApprovalHandler(st store.Store, reg *registry.Registry, logger zerolog.Logger) *StrategyApprovalHandler {
	return &StrategyApprovalHandler{store: st, registry: reg, logger: logger, ProposerReward: 5}
}

func (h *StrategyApprovalHandler) Decode(raw json.RawMessage) (interface{}, error) {
	var approval StrategyApproval
	if err := json.Unmarshal(raw, &approval); err != nil {
		return nil, err
	}
	if approval.StrategyID == "" {
		return nil, fmt.Errorf("strategy ID is required")
	}
	return &approval, nil
}

func (h *StrategyApprovalHandler) Execute(ctx context.Context, payload interface{}, votes []executor.ProposalVote) error {
	approval, ok := payload.(*StrategyApproval)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", payload)
	}

	if err := h.store.SAdd(ctx, "governance:approved_strategies", approval.StrategyID); err != nil {
		return fmt.Errorf("failed to record strategy approval: %w", err)
	}

	if approval.ProposerDID != "" {
		if _, err := h.registry.AdjustAgentReputation(ctx, approval.ProposerDID, h.ProposerReward, "strategy approved"); err != nil {
			h.logger.Warn().Err(err).Str("agent_did", approval.ProposerDID).Msg("failed to reward proposer")
		}
	}
	h.logger.Info().Str("strategy_id", approval.StrategyID).Msg("strategy approved")
	return nil
}

// RoleChangeHandler applies role changes through the agent registry.
type RoleChangeHandler struct {
	registry *registry.Registry
	logger   zerolog.Logger
}

func NewRoleChangeHandler(reg *registry.Registry, logger zerolog.Logger) *RoleChangeHandler {
	return &RoleChangeHandler{registry: reg, logger: logger}
}

func (h *RoleChangeHandler) Decode(raw json.RawMessage) (interface{}, error) {
	var change RoleChange
	if err := json.Unmarshal(raw, &change); err != nil {
		return nil, err
	}
	if change.AgentDID == "" || change.NewRole == "" {
		return nil, fmt.Errorf("agent DID and new role are required")
	}
	return &change, nil
}

func (h *RoleChangeHandler) Execute(ctx context.Context, payload interface{}, votes []executor.ProposalVote) error {
	change, ok := payload.(*RoleChange)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", payload)
	}

	err := h.registry.UpdateAgentRole(ctx, change.AgentDID, change.NewRole)
	if errors.Is(err, registry.ErrAgentNotFound) {
		_, err = h.registry.RegisterAgent(ctx, change.AgentDID, change.NewRole)
	}
	if err != nil {
		return fmt.Errorf("failed to change role for %s: %w", change.AgentDID, err)
	}
	return nil
}

// RegisterAll registers the built-in handlers on an executor.
func RegisterAll(exec *executor.Executor, st store.Store, reg *registry.Registry, logger zerolog.Logger) error {
	if err := exec.RegisterHandler(TypeRiskParameterChange, NewRiskParameterHandler(st, logger)); err != nil {
		return err
	}
	if err := exec.RegisterHandler(TypeStrategyApproval, NewStrategyApprovalHandler(st, reg, logger)); err != nil {
		return err
	}
	return exec.RegisterHandler(TypeRoleChange, NewRoleChangeHandler(reg, logger))
}
