package executor

// ApprovalPct computes the weighted approval percentage over non-abstain
// votes. The second return is false when there are no non-abstain votes.
// Abstain votes count toward neither numerator nor denominator.
func ApprovalPct(votes []ProposalVote) (float64, bool) {
	var yes, total float64
	for _, v := range votes {
		switch v.Vote {
		case VoteYes:
			yes += v.Weight
			total += v.Weight
		case VoteNo:
			total += v.Weight
		}
	}
	if total == 0 {
		return 0, false
	}
	return 100 * yes / total, true
}

// QuorumReached reports whether the weighted approval meets the cluster
// threshold. No non-abstain votes means no quorum.
func QuorumReached(votes []ProposalVote, threshold float64) bool {
	pct, ok := ApprovalPct(votes)
	if !ok {
		return false
	}
	return pct >= threshold
}

// VoteTally summarizes votes per choice for observers.
type VoteTally struct {
	Counts        map[VoteChoice]int     `json:"counts"`
	Weights       map[VoteChoice]float64 `json:"weights"`
	TotalVotes    int                    `json:"total_votes"`
	TotalWeight   float64                `json:"total_weight"`
	ApprovalPct   float64                `json:"approval_pct"`
	QuorumReached bool                   `json:"quorum_reached"`
}

// TallyVotes builds a per-choice summary with quorum status against the
// given threshold.
func TallyVotes(votes []ProposalVote, threshold float64) VoteTally {
	tally := VoteTally{
		Counts:  make(map[VoteChoice]int),
		Weights: make(map[VoteChoice]float64),
	}
	for _, v := range votes {
		tally.Counts[v.Vote]++
		tally.Weights[v.Vote] += v.Weight
		tally.TotalVotes++
		tally.TotalWeight += v.Weight
	}
	tally.ApprovalPct, _ = ApprovalPct(votes)
	tally.QuorumReached = QuorumReached(votes, threshold)
	return tally
}

// MergeVote applies last-write-wins per agent: a newer-timestamped vote from
// the same agent replaces the recorded one, an older or equal-timestamped
// one is dropped. Returns the resulting slice and whether the incoming vote
// was applied. Both the executor's vote path and gossip merging use this, so
// the two paths agree on conflicts.
func MergeVote(votes []ProposalVote, incoming ProposalVote) ([]ProposalVote, bool) {
	for i := range votes {
		if votes[i].AgentDID != incoming.AgentDID {
			continue
		}
		if !incoming.Timestamp.After(votes[i].Timestamp) {
			return votes, false
		}
		votes[i] = incoming
		return votes, true
	}
	return append(votes, incoming), true
}
