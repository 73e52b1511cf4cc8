package liquid

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/terminal-bench/govmesh/pkg/circuit"
)

// Neutral scores substituted when an external lookup fails or an agent is
// unknown to the scoring service.
const (
	DefaultTrustScore        = 0.5
	DefaultParticipationRate = 0.5
)

// LiquidVote is the decay-aware view of a cast vote's influence.
// CurrentWeight is derived cache; OriginalWeight, Timestamp and Active are
// the source of truth.
type LiquidVote struct {
	AgentID        string    `json:"agent_id"`
	OriginalWeight float64   `json:"original_weight"`
	CurrentWeight  float64   `json:"current_weight"`
	Timestamp      time.Time `json:"timestamp"`
	Active         bool      `json:"active"`
	LastUpdated    time.Time `json:"last_updated"`
}

// ScoreProvider supplies per-agent trust and participation scores in [0,1].
// Implementations must tolerate unknown agents by returning an error (the
// calculator substitutes defaults) rather than panicking.
type ScoreProvider interface {
	TrustScore(ctx context.Context, agentID string) (float64, error)
	ParticipationRate(ctx context.Context, agentID string) (float64, error)
}

// DelegationProvider reports the total weight delegated to an agent for a
// proposal.
type DelegationProvider interface {
	DelegatedWeight(ctx context.Context, agentID, proposalID string) (float64, error)
}

// Calculator computes decay-aware vote weights. It is deterministic given
// (vote, now, config snapshot, external scores) and holds no other state.
type Calculator struct {
	config      *ConfigCache
	scores      ScoreProvider
	delegations DelegationProvider
	breaker     *circuit.Breaker
	logger      zerolog.Logger
}

// NewCalculator creates a calculator. The breaker guards score lookups so a
// dead scoring service degrades to default scores without waiting out
// timeouts on every call.
func NewCalculator(config *ConfigCache, scores ScoreProvider, delegations DelegationProvider, logger zerolog.Logger) *Calculator {
	return &Calculator{
		config:      config,
		scores:      scores,
		delegations: delegations,
		breaker: circuit.NewBreaker(circuit.Config{
			MaxFailures: 5,
			Cooldown:    15 * time.Second,
		}),
		logger: logger,
	}
}

// CalculateVoteWeight returns a copy of the vote with CurrentWeight and
// LastUpdated set for the given evaluation time. OriginalWeight is never
// modified. Inactive votes weigh zero regardless of age or scores.
func (c *Calculator) CalculateVoteWeight(ctx context.Context, vote LiquidVote, now time.Time) LiquidVote {
	out := vote
	out.LastUpdated = now

	if !vote.Active {
		out.CurrentWeight = 0
		return out
	}

	decay := c.config.Decay()
	quorum := c.config.Quorum()

	age := now.Sub(vote.Timestamp).Milliseconds()
	weight := applyTimeDecay(vote.OriginalWeight, age, decay)

	trust := c.fetchTrustScore(ctx, vote.AgentID, quorum)
	weight = blend(weight, trust, quorum.TrustScoreWeight)

	participation := c.fetchParticipationRate(ctx, vote.AgentID)
	weight = blend(weight, participation, quorum.ParticipationWeight)

	weight = blend(weight, recencyScore(age, quorum), quorum.RecencyWeight)

	out.CurrentWeight = weight
	return out
}

// DelegationFactor returns 1 + (weight delegated to the agent for this
// proposal) * delegationWeight. It is a separate multiplier on top of the
// decayed weight; the proposal executor's quorum arithmetic never uses it.
func (c *Calculator) DelegationFactor(ctx context.Context, agentID, proposalID string) float64 {
	quorum := c.config.Quorum()
	if c.delegations == nil || quorum.DelegationWeight == 0 {
		return 1
	}

	delegated, err := c.delegations.DelegatedWeight(ctx, agentID, proposalID)
	if err != nil {
		c.logger.Warn().Err(err).Str("agent_id", agentID).Msg("delegation lookup failed, ignoring delegated weight")
		return 1
	}
	return 1 + delegated*quorum.DelegationWeight
}

// EffectiveInfluence is the decayed, dampened weight including delegation,
// for governance callers that need "what is this vote worth right now".
func (c *Calculator) EffectiveInfluence(ctx context.Context, vote LiquidVote, proposalID string, now time.Time) float64 {
	updated := c.CalculateVoteWeight(ctx, vote, now)
	return updated.CurrentWeight * c.DelegationFactor(ctx, vote.AgentID, proposalID)
}

func (c *Calculator) fetchTrustScore(ctx context.Context, agentID string, cfg *NeuralQuorumConfig) float64 {
	score := DefaultTrustScore
	err := c.breaker.Execute(func() error {
		s, err := c.scores.TrustScore(ctx, agentID)
		if err != nil {
			return err
		}
		score = s
		return nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("agent_id", agentID).Msg("trust score unavailable, using default")
		return DefaultTrustScore
	}
	return clamp(score, cfg.TrustScoreMin, cfg.TrustScoreMax)
}

func (c *Calculator) fetchParticipationRate(ctx context.Context, agentID string) float64 {
	rate := DefaultParticipationRate
	err := c.breaker.Execute(func() error {
		r, err := c.scores.ParticipationRate(ctx, agentID)
		if err != nil {
			return err
		}
		rate = r
		return nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("agent_id", agentID).Msg("participation rate unavailable, using default")
		return DefaultParticipationRate
	}
	return clamp(rate, 0, 1)
}

// applyTimeDecay maps vote age to a decayed weight under the configured
// model. A non-positive age (clock skew) short-circuits to no decay.
func applyTimeDecay(weight float64, ageMs int64, cfg *VoteDecayConfig) float64 {
	if ageMs <= 0 {
		return weight
	}
	age := float64(ageMs)

	switch cfg.Model {
	case DecayNone:
		return weight

	case DecayLinear:
		decayed := weight * math.Max(1-age*cfg.Rate(), 0)
		return floored(decayed, weight, cfg.MinWeight)

	case DecayExponential:
		decayed := weight * math.Exp(-cfg.Rate()*age)
		return floored(decayed, weight, cfg.MinWeight)

	case DecayStep:
		multiplier := 1.0
		steps := make([]DecayStepRule, len(cfg.Steps))
		copy(steps, cfg.Steps)
		sort.Slice(steps, func(i, j int) bool { return steps[i].TimeMs < steps[j].TimeMs })
		for _, step := range steps {
			if ageMs >= step.TimeMs {
				multiplier = step.Multiplier
			}
		}
		return floored(weight*multiplier, weight, cfg.MinWeight)

	case DecayCliff:
		if ageMs < cfg.CliffTimeMs {
			return weight
		}
		decayed := weight * cfg.CliffDropMultiplier
		if postCliff := age - float64(cfg.CliffTimeMs); postCliff > 0 {
			decayed *= math.Exp(-cfg.Rate() * postCliff)
		}
		return floored(decayed, weight, cfg.MinWeight)

	default:
		return weight
	}
}

// blend applies the dampening formula weight * (score*w + (1-w)). A factor
// weight of 0 leaves the weight untouched; 1 gates it entirely by the score.
func blend(weight, score, factorWeight float64) float64 {
	w := clamp(factorWeight, 0, 1)
	return weight * (score*w + (1 - w))
}

// recencyScore maps vote age to [floor, 1]: floor + (1-floor)*curve.
func recencyScore(ageMs int64, cfg *NeuralQuorumConfig) float64 {
	floor := cfg.RecencyFloor
	if ageMs <= 0 {
		return 1
	}
	if cfg.RecencyMaxAgeMs > 0 && ageMs >= cfg.RecencyMaxAgeMs {
		return floor
	}

	age := float64(ageMs)
	var curve float64
	if cfg.RecencyCurve == "linear" && cfg.RecencyMaxAgeMs > 0 {
		curve = math.Max(1-age/float64(cfg.RecencyMaxAgeMs), 0)
	} else {
		halfLife := float64(cfg.RecencyHalfLifeMs)
		if halfLife <= 0 {
			return 1
		}
		curve = math.Exp(-math.Ln2 * age / halfLife)
	}
	return floor + (1-floor)*curve
}

// floored clamps a decayed weight to the configured floor, but never above
// the pre-decay weight (a floor larger than the original weight must not
// inflate it).
func floored(decayed, original, minWeight float64) float64 {
	floor := math.Min(minWeight, original)
	return math.Max(decayed, floor)
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
