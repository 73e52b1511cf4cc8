package messaging

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	t.Run("should stamp the envelope", func(t *testing.T) {
		event, err := NewEvent(EventTypeProposalCreated, "cluster-1", "agent-a", ProposalEvent{
			ProposalID: "p1",
			ClusterID:  "cluster-1",
			Status:     "active",
		})
		require.NoError(t, err)

		assert.NotEqual(t, uuid.Nil, event.ID)
		assert.Equal(t, EventTypeProposalCreated, event.Type)
		assert.Equal(t, "cluster-1", event.ClusterID)
		assert.Equal(t, "agent-a", event.Source)
		assert.False(t, event.Timestamp.IsZero())
	})

	t.Run("should reject unmarshalable payloads", func(t *testing.T) {
		_, err := NewEvent(EventTypeProposalCreated, "cluster-1", "agent-a", make(chan int))
		assert.Error(t, err)
	})
}

func TestParseEventData(t *testing.T) {
	t.Run("should round-trip a typed payload", func(t *testing.T) {
		event, err := NewEvent(EventTypeReputationAdjusted, "", "registry", ReputationEvent{
			AgentDID:   "did:agent:1",
			Delta:      -10,
			Reputation: 40,
			Reason:     "missed settlement",
		})
		require.NoError(t, err)

		parsed, err := ParseEventData[ReputationEvent](event)
		require.NoError(t, err)
		assert.Equal(t, "did:agent:1", parsed.AgentDID)
		assert.Equal(t, -10.0, parsed.Delta)
		assert.Equal(t, 40.0, parsed.Reputation)
	})

	t.Run("should fail on mismatched payload shapes", func(t *testing.T) {
		event := &Event{Data: []byte(`"just a string"`)}
		_, err := ParseEventData[ProposalEvent](event)
		assert.Error(t, err)
	})
}
