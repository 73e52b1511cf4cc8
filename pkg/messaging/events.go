package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types published for external observers and dashboards.
const (
	EventTypeProposalCreated  = "governance.proposal.created"
	EventTypeProposalUpdated  = "governance.proposal.updated"
	EventTypeProposalExecuted = "governance.proposal.executed"
	EventTypeProposalFailed   = "governance.proposal.failed"

	EventTypeConsensusUpdated  = "governance.cluster.consensus_updated"
	EventTypeVoteSyncCompleted = "governance.cluster.vote_sync_completed"

	EventTypeAgentRegistered    = "governance.agent.registered"
	EventTypeReputationAdjusted = "governance.agent.reputation_adjusted"
	EventTypeAgentRoleChanged   = "governance.agent.role_changed"
)

// Event is the envelope every governance event is published in.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	ClusterID string          `json:"cluster_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Source    string          `json:"source"`
}

// ProposalEvent carries proposal lifecycle data.
type ProposalEvent struct {
	ProposalID  string  `json:"proposal_id"`
	ClusterID   string  `json:"cluster_id"`
	Type        string  `json:"type"`
	Status      string  `json:"status"`
	VoteCount   int     `json:"vote_count"`
	ApprovalPct float64 `json:"approval_pct"`
	Error       string  `json:"error,omitempty"`
}

// ConsensusEvent carries a recomputed cluster consensus view.
type ConsensusEvent struct {
	ClusterID       string    `json:"cluster_id"`
	ActiveProposals int       `json:"active_proposals"`
	HealthScore     float64   `json:"health_score"`
	SyncedAt        time.Time `json:"synced_at"`
}

// ReputationEvent carries an agent reputation change.
type ReputationEvent struct {
	AgentDID   string  `json:"agent_did"`
	Delta      float64 `json:"delta"`
	Reputation float64 `json:"reputation"`
	Reason     string  `json:"reason,omitempty"`
}

// RoleEvent carries an agent role change.
type RoleEvent struct {
	AgentDID string `json:"agent_did"`
	OldRole  string `json:"old_role"`
	NewRole  string `json:"new_role"`
}

// NewEvent wraps a payload in an event envelope.
func NewEvent(eventType, clusterID, source string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		ClusterID: clusterID,
		Timestamp: time.Now(),
		Data:      dataBytes,
		Source:    source,
	}, nil
}

// ParseEventData parses an event payload into the specified type.
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
