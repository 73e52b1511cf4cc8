package executor

import (
	"encoding/json"
	"time"
)

// VoteChoice is an agent's position on a proposal.
type VoteChoice string

const (
	VoteYes     VoteChoice = "yes"
	VoteNo      VoteChoice = "no"
	VoteAbstain VoteChoice = "abstain"
)

// Valid reports whether the choice is one of yes/no/abstain.
func (v VoteChoice) Valid() bool {
	return v == VoteYes || v == VoteNo || v == VoteAbstain
}

// ProposalStatus is the proposal lifecycle state. Transitions are one-way:
// active -> executed or active -> failed.
type ProposalStatus string

const (
	StatusActive   ProposalStatus = "active"
	StatusExecuted ProposalStatus = "executed"
	StatusFailed   ProposalStatus = "failed"
)

// ProposalVote is one agent's authenticated vote. Weight is fixed at cast
// time; quorum arithmetic uses it as-is.
type ProposalVote struct {
	AgentDID  string     `json:"agent_did"`
	Vote      VoteChoice `json:"vote"`
	Signature string     `json:"signature"`
	Role      string     `json:"role,omitempty"`
	Weight    float64    `json:"weight"`
	Timestamp time.Time  `json:"timestamp"`
}

// Proposal is a governance decision under consideration. Proposals are never
// deleted; terminal ones only leave the cluster's active index.
type Proposal struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	ClusterID  string          `json:"cluster_id"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"created_at"`
	Status     ProposalStatus  `json:"status"`
	Votes      []ProposalVote  `json:"votes"`
	ExecutedAt *time.Time      `json:"executed_at,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// VoteFor returns the recorded vote for an agent, if any.
func (p *Proposal) VoteFor(agentDID string) *ProposalVote {
	for i := range p.Votes {
		if p.Votes[i].AgentDID == agentDID {
			return &p.Votes[i]
		}
	}
	return nil
}

// ClusterMember is one agent in a governance cluster.
type ClusterMember struct {
	DID  string `json:"did"`
	Role string `json:"role"`
}

// DecisionProtocol selects the quorum formula parameters for a cluster.
type DecisionProtocol struct {
	Kind         string `json:"kind"` // "weighted_majority"
	MinimumVotes int    `json:"minimum_votes,omitempty"`
}

// GovernanceCluster is a named group of agents sharing a quorum rule.
type GovernanceCluster struct {
	ID               string           `json:"id"`
	Members          []ClusterMember  `json:"members"`
	QuorumThreshold  float64          `json:"quorum_threshold"` // percentage, 0-100
	DecisionProtocol DecisionProtocol `json:"decision_protocol"`
	ExecutionDelayMs int64            `json:"execution_delay_ms"`
}

// HasMember reports whether the DID belongs to the cluster.
func (c *GovernanceCluster) HasMember(did string) bool {
	for _, m := range c.Members {
		if m.DID == did {
			return true
		}
	}
	return false
}

// ExecutionDelay returns the delay before automatic execution.
func (c *GovernanceCluster) ExecutionDelay() time.Duration {
	return time.Duration(c.ExecutionDelayMs) * time.Millisecond
}

// VoteMessage is the gossip wire format carried on a cluster's broadcast
// channel.
type VoteMessage struct {
	ProposalID  string       `json:"proposal_id"`
	ClusterID   string       `json:"cluster_id"`
	Vote        ProposalVote `json:"vote"`
	OriginAgent string       `json:"origin_agent"`
	ForwardedBy string       `json:"forwarded_by,omitempty"`
	SentAt      time.Time    `json:"sent_at"`
}

// VoteChannel is the pub/sub channel carrying a cluster's vote gossip.
func VoteChannel(clusterID string) string {
	return "governance:votes:" + clusterID
}
