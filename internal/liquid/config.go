package liquid

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/terminal-bench/govmesh/pkg/store"
)

// DecayModel selects how a vote's age maps to a weight multiplier.
type DecayModel string

const (
	DecayNone        DecayModel = "none"
	DecayLinear      DecayModel = "linear"
	DecayExponential DecayModel = "exponential"
	DecayStep        DecayModel = "step"
	DecayCliff       DecayModel = "cliff"
)

// DecayStepRule is one threshold of the step model: once a vote is older
// than TimeMs, Multiplier applies. Rules are ordered by TimeMs ascending and
// the largest crossed threshold wins.
type DecayStepRule struct {
	TimeMs     int64   `json:"time_ms"`
	Multiplier float64 `json:"multiplier"`
}

// VoteDecayConfig parameterizes time decay of vote weight.
type VoteDecayConfig struct {
	Model      DecayModel `json:"model"`
	HalfLifeMs int64      `json:"half_life_ms"`
	// DecayRate is per millisecond. Zero means derive from HalfLifeMs.
	DecayRate float64 `json:"decay_rate"`
	MinWeight float64 `json:"min_weight"`

	Steps []DecayStepRule `json:"steps,omitempty"`

	CliffTimeMs         int64   `json:"cliff_time_ms,omitempty"`
	CliffDropMultiplier float64 `json:"cliff_drop_multiplier,omitempty"`
}

// Rate returns the effective per-millisecond decay rate.
func (c *VoteDecayConfig) Rate() float64 {
	if c.DecayRate > 0 {
		return c.DecayRate
	}
	if c.HalfLifeMs > 0 {
		return math.Ln2 / float64(c.HalfLifeMs)
	}
	return 0
}

// NeuralQuorumConfig parameterizes the dampening blend applied on top of
// time decay, plus the delegation multiplier and quorum floor.
type NeuralQuorumConfig struct {
	TrustScoreWeight    float64 `json:"trust_score_weight"`
	ParticipationWeight float64 `json:"participation_weight"`
	RecencyWeight       float64 `json:"recency_weight"`
	DelegationWeight    float64 `json:"delegation_weight"`
	MinimumQuorum       float64 `json:"minimum_quorum"`

	RecencyHalfLifeMs int64   `json:"recency_half_life_ms"`
	RecencyMaxAgeMs   int64   `json:"recency_max_age_ms"`
	RecencyFloor      float64 `json:"recency_floor"`
	// RecencyCurve is "exponential" (default) or "linear".
	RecencyCurve string `json:"recency_curve,omitempty"`

	TrustScoreMin float64 `json:"trust_score_min"`
	TrustScoreMax float64 `json:"trust_score_max"`
}

const (
	decayConfigKey  = "governance:config:decay"
	quorumConfigKey = "governance:config:quorum"
)

// DefaultDecayConfig is used when no configuration is stored.
func DefaultDecayConfig() *VoteDecayConfig {
	return &VoteDecayConfig{
		Model:      DecayExponential,
		HalfLifeMs: 7 * 24 * 60 * 60 * 1000,
		MinWeight:  0.01,
	}
}

// DefaultQuorumConfig is used when no configuration is stored.
func DefaultQuorumConfig() *NeuralQuorumConfig {
	return &NeuralQuorumConfig{
		TrustScoreWeight:    0.3,
		ParticipationWeight: 0.2,
		RecencyWeight:       0.2,
		DelegationWeight:    0.1,
		MinimumQuorum:       0.5,
		RecencyHalfLifeMs:   24 * 60 * 60 * 1000,
		RecencyMaxAgeMs:     7 * 24 * 60 * 60 * 1000,
		RecencyFloor:        0.1,
		TrustScoreMin:       0,
		TrustScoreMax:       1,
	}
}

// ConfigCache holds immutable decay/quorum config snapshots, swapped
// atomically on refresh so concurrent weight calculations never see a torn
// config.
type ConfigCache struct {
	store  store.Store
	logger zerolog.Logger

	decay  atomic.Pointer[VoteDecayConfig]
	quorum atomic.Pointer[NeuralQuorumConfig]
}

// NewConfigCache loads configuration from the store, substituting defaults
// for anything missing or unreadable.
func NewConfigCache(ctx context.Context, st store.Store, logger zerolog.Logger) *ConfigCache {
	c := &ConfigCache{store: st, logger: logger}
	c.decay.Store(DefaultDecayConfig())
	c.quorum.Store(DefaultQuorumConfig())
	if err := c.Refresh(ctx); err != nil {
		logger.Warn().Err(err).Msg("using default governance config")
	}
	return c
}

// Decay returns the current decay config snapshot.
func (c *ConfigCache) Decay() *VoteDecayConfig {
	return c.decay.Load()
}

// Quorum returns the current quorum config snapshot.
func (c *ConfigCache) Quorum() *NeuralQuorumConfig {
	return c.quorum.Load()
}

// Refresh reloads both snapshots from the store. Missing keys keep the
// current snapshot; parse failures are reported.
func (c *ConfigCache) Refresh(ctx context.Context) error {
	var firstErr error

	if raw, err := c.store.Get(ctx, decayConfigKey); err == nil {
		cfg := DefaultDecayConfig()
		if err := json.Unmarshal(raw, cfg); err != nil {
			firstErr = err
		} else {
			c.decay.Store(cfg)
		}
	} else if !errors.Is(err, store.ErrNotFound) && firstErr == nil {
		firstErr = err
	}

	if raw, err := c.store.Get(ctx, quorumConfigKey); err == nil {
		cfg := DefaultQuorumConfig()
		if err := json.Unmarshal(raw, cfg); err != nil && firstErr == nil {
			firstErr = err
		} else if err == nil {
			c.quorum.Store(cfg)
		}
	} else if !errors.Is(err, store.ErrNotFound) && firstErr == nil {
		firstErr = err
	}

	return firstErr
}
