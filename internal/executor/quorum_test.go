package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func vote(did string, choice VoteChoice, weight float64) ProposalVote {
	return ProposalVote{AgentDID: did, Vote: choice, Weight: weight, Timestamp: time.Now()}
}

func TestApprovalPct(t *testing.T) {
	t.Run("should return no quorum basis with zero votes", func(t *testing.T) {
		_, ok := ApprovalPct(nil)
		assert.False(t, ok)
	})

	t.Run("should return no quorum basis with only abstains", func(t *testing.T) {
		_, ok := ApprovalPct([]ProposalVote{
			vote("a", VoteAbstain, 100),
			vote("b", VoteAbstain, 50),
		})
		assert.False(t, ok)
	})

	t.Run("should weight yes over yes-plus-no", func(t *testing.T) {
		pct, ok := ApprovalPct([]ProposalVote{
			vote("a", VoteYes, 40),
			vote("b", VoteYes, 35),
			vote("c", VoteNo, 25),
		})
		assert.True(t, ok)
		assert.InDelta(t, 75.0, pct, 0.0001)
	})

	t.Run("should ignore abstain weight entirely", func(t *testing.T) {
		withAbstain, _ := ApprovalPct([]ProposalVote{
			vote("a", VoteYes, 40),
			vote("b", VoteNo, 35),
			vote("c", VoteAbstain, 1000),
		})
		without, _ := ApprovalPct([]ProposalVote{
			vote("a", VoteYes, 40),
			vote("b", VoteNo, 35),
		})
		assert.Equal(t, without, withAbstain)
	})

	t.Run("should treat zero-weight votes as neutral", func(t *testing.T) {
		pct, ok := ApprovalPct([]ProposalVote{
			vote("a", VoteYes, 50),
			vote("b", VoteNo, 0),
		})
		assert.True(t, ok)
		assert.InDelta(t, 100.0, pct, 0.0001)
	})
}

func TestQuorumReached(t *testing.T) {
	t.Run("should be monotone in added yes weight", func(t *testing.T) {
		votes := []ProposalVote{
			vote("a", VoteYes, 40),
			vote("b", VoteNo, 40),
		}
		assert.False(t, QuorumReached(votes, 60))

		votes = append(votes, vote("c", VoteYes, 80))
		assert.True(t, QuorumReached(votes, 60))
	})

	t.Run("should meet the threshold exactly at the boundary", func(t *testing.T) {
		votes := []ProposalVote{
			vote("a", VoteYes, 60),
			vote("b", VoteNo, 40),
		}
		assert.True(t, QuorumReached(votes, 60))
		assert.False(t, QuorumReached(votes, 60.0001))
	})
}

func TestTallyVotes(t *testing.T) {
	t.Run("should summarize counts and weights per choice", func(t *testing.T) {
		tally := TallyVotes([]ProposalVote{
			vote("a", VoteYes, 40),
			vote("b", VoteYes, 35),
			vote("c", VoteNo, 25),
			vote("d", VoteAbstain, 10),
		}, 60)

		assert.Equal(t, 2, tally.Counts[VoteYes])
		assert.Equal(t, 1, tally.Counts[VoteNo])
		assert.Equal(t, 1, tally.Counts[VoteAbstain])
		assert.Equal(t, 4, tally.TotalVotes)
		assert.InDelta(t, 110.0, tally.TotalWeight, 0.0001)
		assert.InDelta(t, 75.0, tally.ApprovalPct, 0.0001)
		assert.True(t, tally.QuorumReached)
	})
}

func TestMergeVoteOrderIndependence(t *testing.T) {
	t.Run("should converge to the same vote regardless of arrival order", func(t *testing.T) {
		t1 := time.Now()
		older := ProposalVote{AgentDID: "a", Vote: VoteNo, Weight: 10, Timestamp: t1}
		newer := ProposalVote{AgentDID: "a", Vote: VoteYes, Weight: 20, Timestamp: t1.Add(time.Second)}

		forward, _ := MergeVote(nil, older)
		forward, applied := MergeVote(forward, newer)
		assert.True(t, applied)

		reverse, _ := MergeVote(nil, newer)
		reverse, applied = MergeVote(reverse, older)
		assert.False(t, applied)

		assert.Equal(t, forward, reverse)
	})

	t.Run("should keep distinct agents side by side", func(t *testing.T) {
		votes, _ := MergeVote(nil, vote("a", VoteYes, 10))
		votes, applied := MergeVote(votes, vote("b", VoteNo, 20))
		assert.True(t, applied)
		assert.Len(t, votes, 2)
	})
}
