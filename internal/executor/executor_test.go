package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/govmesh/internal/executor"
	"github.com/terminal-bench/govmesh/pkg/messaging"
	"github.com/terminal-bench/govmesh/pkg/store"
)

type acceptAllVerifier struct{}

func (acceptAllVerifier) Verify(proposalID string, vote *executor.ProposalVote) bool { return true }

type rejectAllVerifier struct{}

func (rejectAllVerifier) Verify(proposalID string, vote *executor.ProposalVote) bool { return false }

type eventRecorder struct {
	mu     sync.Mutex
	events []*messaging.Event
}

func (r *eventRecorder) PublishEvent(ctx context.Context, event *messaging.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) byType(eventType string) []*messaging.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*messaging.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// countingHandler accepts any payload and counts executions.
type countingHandler struct {
	mu    sync.Mutex
	count int
	fail  error
	panic bool
}

func (h *countingHandler) Decode(raw json.RawMessage) (interface{}, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (h *countingHandler) Execute(ctx context.Context, payload interface{}, votes []executor.ProposalVote) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	if h.panic {
		panic("handler exploded")
	}
	return h.fail
}

func (h *countingHandler) executions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func newTestExecutor(t *testing.T, verify executor.SignatureVerifier) (*executor.Executor, *store.MemStore, *eventRecorder, *countingHandler) {
	t.Helper()
	mem := store.NewMemStore()
	recorder := &eventRecorder{}
	handler := &countingHandler{}

	exec := executor.NewExecutor(mem, recorder, verify, nil, executor.Config{
		AgentID:        "agent-test",
		HandlerTimeout: 2 * time.Second,
	}, zerolog.Nop())
	require.NoError(t, exec.RegisterHandler("policy_change", handler))
	return exec, mem, recorder, handler
}

func testCluster(delayMs int64, threshold float64) *executor.GovernanceCluster {
	return &executor.GovernanceCluster{
		ID: "cluster-1",
		Members: []executor.ClusterMember{
			{DID: "did:agent:1", Role: "trader"},
			{DID: "did:agent:2", Role: "trader"},
			{DID: "did:agent:3", Role: "risk"},
		},
		QuorumThreshold:  threshold,
		DecisionProtocol: executor.DecisionProtocol{Kind: "weighted_majority"},
		ExecutionDelayMs: delayMs,
	}
}

func castVote(did string, choice executor.VoteChoice, weight float64, ts time.Time) executor.ProposalVote {
	return executor.ProposalVote{
		AgentDID:  did,
		Vote:      choice,
		Signature: "sig",
		Weight:    weight,
		Timestamp: ts,
	}
}

func TestSubmitProposal(t *testing.T) {
	ctx := context.Background()

	t.Run("should persist an active proposal and index it", func(t *testing.T) {
		exec, mem, recorder, _ := newTestExecutor(t, acceptAllVerifier{})
		require.NoError(t, exec.CreateCluster(ctx, testCluster(0, 60)))

		p, err := exec.SubmitProposal(ctx, "cluster-1", "policy_change", json.RawMessage(`{"k":"v"}`))
		require.NoError(t, err)
		assert.Equal(t, executor.StatusActive, p.Status)

		active, err := mem.SMembers(ctx, executor.ActiveProposalsKey("cluster-1"))
		require.NoError(t, err)
		assert.Contains(t, active, p.ID)
		assert.Len(t, recorder.byType(messaging.EventTypeProposalCreated), 1)
	})

	t.Run("should reject unknown proposal types", func(t *testing.T) {
		exec, _, _, _ := newTestExecutor(t, acceptAllVerifier{})
		require.NoError(t, exec.CreateCluster(ctx, testCluster(0, 60)))

		_, err := exec.SubmitProposal(ctx, "cluster-1", "nonexistent", json.RawMessage(`{}`))
		assert.ErrorIs(t, err, executor.ErrUnknownProposalType)
	})

	t.Run("should reject payloads the handler cannot decode", func(t *testing.T) {
		exec, _, _, _ := newTestExecutor(t, acceptAllVerifier{})
		require.NoError(t, exec.CreateCluster(ctx, testCluster(0, 60)))

		_, err := exec.SubmitProposal(ctx, "cluster-1", "policy_change", json.RawMessage(`not json`))
		assert.ErrorIs(t, err, executor.ErrInvalidPayload)
	})

	t.Run("should reject unknown clusters", func(t *testing.T) {
		exec, _, _, _ := newTestExecutor(t, acceptAllVerifier{})
		_, err := exec.SubmitProposal(ctx, "ghost", "policy_change", json.RawMessage(`{}`))
		assert.ErrorIs(t, err, executor.ErrClusterNotFound)
	})
}

func TestVote(t *testing.T) {
	ctx := context.Background()

	t.Run("should reach quorum and execute with yes-heavy weights", func(t *testing.T) {
		// Threshold 60, weights {40 yes, 35 yes, 25 no} -> 75%.
		exec, _, recorder, handler := newTestExecutor(t, acceptAllVerifier{})
		require.NoError(t, exec.CreateCluster(ctx, testCluster(3600000, 60)))
		p, err := exec.SubmitProposal(ctx, "cluster-1", "policy_change", json.RawMessage(`{}`))
		require.NoError(t, err)

		now := time.Now()
		_, err = exec.Vote(ctx, p.ID, castVote("did:agent:1", executor.VoteYes, 40, now))
		require.NoError(t, err)
		_, err = exec.Vote(ctx, p.ID, castVote("did:agent:3", executor.VoteNo, 25, now.Add(time.Millisecond)))
		require.NoError(t, err)
		_, err = exec.Vote(ctx, p.ID, castVote("did:agent:2", executor.VoteYes, 35, now.Add(2*time.Millisecond)))
		require.NoError(t, err)

		require.NoError(t, exec.ExecuteProposal(ctx, p.ID))

		final, err := exec.GetProposal(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, executor.StatusExecuted, final.Status)
		assert.Equal(t, 1, handler.executions())
		assert.Len(t, recorder.byType(messaging.EventTypeProposalExecuted), 1)
	})

	t.Run("should not reach quorum when abstain dilutes nothing", func(t *testing.T) {
		// Threshold 60, {40 yes, 35 no, 25 abstain} -> 53.3%.
		exec, _, _, handler := newTestExecutor(t, acceptAllVerifier{})
		require.NoError(t, exec.CreateCluster(ctx, testCluster(3600000, 60)))
		p, err := exec.SubmitProposal(ctx, "cluster-1", "policy_change", json.RawMessage(`{}`))
		require.NoError(t, err)

		now := time.Now()
		_, err = exec.Vote(ctx, p.ID, castVote("did:agent:1", executor.VoteYes, 40, now))
		require.NoError(t, err)
		_, err = exec.Vote(ctx, p.ID, castVote("did:agent:2", executor.VoteNo, 35, now))
		require.NoError(t, err)
		_, err = exec.Vote(ctx, p.ID, castVote("did:agent:3", executor.VoteAbstain, 25, now))
		require.NoError(t, err)

		tally, err := exec.Tally(ctx, p.ID)
		require.NoError(t, err)
		assert.InDelta(t, 100.0*40/75, tally.ApprovalPct, 0.01)
		assert.False(t, tally.QuorumReached)

		require.NoError(t, exec.ExecuteProposal(ctx, p.ID))

		final, err := exec.GetProposal(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, executor.StatusFailed, final.Status)
		assert.Equal(t, "quorum not reached", final.Error)
		assert.Equal(t, 0, handler.executions())
	})

	t.Run("should apply last-write-wins for repeat votes in either order", func(t *testing.T) {
		exec, _, _, _ := newTestExecutor(t, acceptAllVerifier{})
		require.NoError(t, exec.CreateCluster(ctx, testCluster(1000000, 99)))

		t1 := time.Now()
		t2 := t1.Add(time.Second)

		// Newer then older: older is dropped.
		p1, err := exec.SubmitProposal(ctx, "cluster-1", "policy_change", json.RawMessage(`{}`))
		require.NoError(t, err)
		_, err = exec.Vote(ctx, p1.ID, castVote("did:agent:1", executor.VoteYes, 10, t2))
		require.NoError(t, err)
		_, err = exec.Vote(ctx, p1.ID, castVote("did:agent:1", executor.VoteNo, 20, t1))
		require.NoError(t, err)

		got, err := exec.GetProposal(ctx, p1.ID)
		require.NoError(t, err)
		require.Len(t, got.Votes, 1)
		assert.Equal(t, executor.VoteYes, got.Votes[0].Vote)
		assert.Equal(t, t2.UnixMilli(), got.Votes[0].Timestamp.UnixMilli())

		// Older then newer: newer replaces.
		p2, err := exec.SubmitProposal(ctx, "cluster-1", "policy_change", json.RawMessage(`{}`))
		require.NoError(t, err)
		_, err = exec.Vote(ctx, p2.ID, castVote("did:agent:1", executor.VoteNo, 20, t1))
		require.NoError(t, err)
		_, err = exec.Vote(ctx, p2.ID, castVote("did:agent:1", executor.VoteYes, 10, t2))
		require.NoError(t, err)

		got, err = exec.GetProposal(ctx, p2.ID)
		require.NoError(t, err)
		require.Len(t, got.Votes, 1)
		assert.Equal(t, executor.VoteYes, got.Votes[0].Vote)
	})

	t.Run("should keep the existing vote on a timestamp tie", func(t *testing.T) {
		exec, _, _, _ := newTestExecutor(t, acceptAllVerifier{})
		require.NoError(t, exec.CreateCluster(ctx, testCluster(1000000, 99)))
		p, err := exec.SubmitProposal(ctx, "cluster-1", "policy_change", json.RawMessage(`{}`))
		require.NoError(t, err)

		ts := time.Now()
		_, err = exec.Vote(ctx, p.ID, castVote("did:agent:1", executor.VoteYes, 10, ts))
		require.NoError(t, err)
		_, err = exec.Vote(ctx, p.ID, castVote("did:agent:1", executor.VoteNo, 10, ts))
		require.NoError(t, err)

		got, err := exec.GetProposal(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, got.Votes, 1)
		assert.Equal(t, executor.VoteYes, got.Votes[0].Vote)
	})

	t.Run("should reject votes on missing proposals", func(t *testing.T) {
		exec, _, _, _ := newTestExecutor(t, acceptAllVerifier{})
		_, err := exec.Vote(ctx, "ghost", castVote("did:agent:1", executor.VoteYes, 1, time.Now()))
		assert.ErrorIs(t, err, executor.ErrProposalNotFound)
	})

	t.Run("should reject votes with invalid signatures", func(t *testing.T) {
		exec, _, _, _ := newTestExecutor(t, rejectAllVerifier{})
		require.NoError(t, exec.CreateCluster(ctx, testCluster(0, 60)))
		p, err := exec.SubmitProposal(ctx, "cluster-1", "policy_change", json.RawMessage(`{}`))
		require.NoError(t, err)

		_, err = exec.Vote(ctx, p.ID, castVote("did:agent:1", executor.VoteYes, 1, time.Now()))
		assert.ErrorIs(t, err, executor.ErrInvalidSignature)
	})

	t.Run("should reject votes from non-members", func(t *testing.T) {
		exec, _, _, _ := newTestExecutor(t, acceptAllVerifier{})
		require.NoError(t, exec.CreateCluster(ctx, testCluster(0, 60)))
		p, err := exec.SubmitProposal(ctx, "cluster-1", "policy_change", json.RawMessage(`{}`))
		require.NoError(t, err)

		_, err = exec.Vote(ctx, p.ID, castVote("did:agent:99", executor.VoteYes, 1, time.Now()))
		assert.ErrorIs(t, err, executor.ErrNotClusterMember)
	})

	t.Run("should reject votes on terminal proposals", func(t *testing.T) {
		exec, _, _, _ := newTestExecutor(t, acceptAllVerifier{})
		require.NoError(t, exec.CreateCluster(ctx, testCluster(0, 60)))
		p, err := exec.SubmitProposal(ctx, "cluster-1", "policy_change", json.RawMessage(`{}`))
		require.NoError(t, err)

		// No votes: execution fails the proposal.
		require.NoError(t, exec.ExecuteProposal(ctx, p.ID))

		_, err = exec.Vote(ctx, p.ID, castVote("did:agent:1", executor.VoteYes, 1, time.Now()))
		assert.ErrorIs(t, err, executor.ErrProposalNotActive)
	})
}

func TestExecuteProposal(t *testing.T) {
	ctx := context.Background()

	t.Run("should fail a proposal without quorum and not retry", func(t *testing.T) {
		exec, mem, recorder, handler := newTestExecutor(t, acceptAllVerifier{})
		require.NoError(t, exec.CreateCluster(ctx, testCluster(0, 60)))
		p, err := exec.SubmitProposal(ctx, "cluster-1", "policy_change", json.RawMessage(`{}`))
		require.NoError(t, err)

		require.NoError(t, exec.ExecuteProposal(ctx, p.ID))

		got, err := exec.GetProposal(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, executor.StatusFailed, got.Status)
		assert.Equal(t, "quorum not reached", got.Error)
		assert.Equal(t, 0, handler.executions())
		assert.Len(t, recorder.byType(messaging.EventTypeProposalFailed), 1)

		// Terminal proposals leave the active index but are retained.
		active, err := mem.SMembers(ctx, executor.ActiveProposalsKey("cluster-1"))
		require.NoError(t, err)
		assert.NotContains(t, active, p.ID)
	})

	t.Run("should be idempotent for executed proposals", func(t *testing.T) {
		exec, _, _, handler := newTestExecutor(t, acceptAllVerifier{})
		require.NoError(t, exec.CreateCluster(ctx, testCluster(0, 60)))
		p, err := exec.SubmitProposal(ctx, "cluster-1", "policy_change", json.RawMessage(`{}`))
		require.NoError(t, err)

		_, err = exec.Vote(ctx, p.ID, castVote("did:agent:1", executor.VoteYes, 100, time.Now()))
		require.NoError(t, err)

		got, err := exec.GetProposal(ctx, p.ID)
		require.NoError(t, err)
		require.Equal(t, executor.StatusExecuted, got.Status)
		require.Equal(t, 1, handler.executions())

		require.NoError(t, exec.ExecuteProposal(ctx, p.ID))
		require.NoError(t, exec.ExecuteProposal(ctx, p.ID))
		assert.Equal(t, 1, handler.executions())
	})

	t.Run("should capture handler failures on the proposal", func(t *testing.T) {
		exec, _, _, handler := newTestExecutor(t, acceptAllVerifier{})
		handler.fail = fmt.Errorf("risk engine rejected change")
		require.NoError(t, exec.CreateCluster(ctx, testCluster(0, 60)))
		p, err := exec.SubmitProposal(ctx, "cluster-1", "policy_change", json.RawMessage(`{}`))
		require.NoError(t, err)

		_, err = exec.Vote(ctx, p.ID, castVote("did:agent:1", executor.VoteYes, 100, time.Now()))
		require.NoError(t, err)

		got, err := exec.GetProposal(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, executor.StatusFailed, got.Status)
		assert.Contains(t, got.Error, "risk engine rejected change")
	})

	t.Run("should contain handler panics", func(t *testing.T) {
		exec, _, _, handler := newTestExecutor(t, acceptAllVerifier{})
		handler.panic = true
		require.NoError(t, exec.CreateCluster(ctx, testCluster(0, 60)))
		p, err := exec.SubmitProposal(ctx, "cluster-1", "policy_change", json.RawMessage(`{}`))
		require.NoError(t, err)

		_, err = exec.Vote(ctx, p.ID, castVote("did:agent:1", executor.VoteYes, 100, time.Now()))
		require.NoError(t, err)

		got, err := exec.GetProposal(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, executor.StatusFailed, got.Status)
		assert.Contains(t, got.Error, "handler panic")
	})
}

func TestProcessExecutionQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("should execute due proposals and skip future ones", func(t *testing.T) {
		exec, _, _, _ := newTestExecutor(t, acceptAllVerifier{})

		// Due immediately vs. due in an hour.
		require.NoError(t, exec.CreateCluster(ctx, testCluster(0, 60)))
		due, err := exec.SubmitProposal(ctx, "cluster-1", "policy_change", json.RawMessage(`{}`))
		require.NoError(t, err)

		delayed := testCluster(3600000, 60)
		delayed.ID = "cluster-2"
		require.NoError(t, exec.CreateCluster(ctx, delayed))
		future, err := exec.SubmitProposal(ctx, "cluster-2", "policy_change", json.RawMessage(`{}`))
		require.NoError(t, err)

		processed, err := exec.ProcessExecutionQueue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, processed)

		gotDue, err := exec.GetProposal(ctx, due.ID)
		require.NoError(t, err)
		assert.Equal(t, executor.StatusFailed, gotDue.Status)

		gotFuture, err := exec.GetProposal(ctx, future.ID)
		require.NoError(t, err)
		assert.Equal(t, executor.StatusActive, gotFuture.Status)
	})

	t.Run("should tolerate concurrent votes on one proposal", func(t *testing.T) {
		exec, _, _, _ := newTestExecutor(t, acceptAllVerifier{})
		require.NoError(t, exec.CreateCluster(ctx, testCluster(1000000, 99)))
		p, err := exec.SubmitProposal(ctx, "cluster-1", "policy_change", json.RawMessage(`{}`))
		require.NoError(t, err)

		var wg sync.WaitGroup
		agents := []string{"did:agent:1", "did:agent:2", "did:agent:3"}
		for i := 0; i < 30; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				vote := castVote(agents[i%3], executor.VoteYes, 10, time.Now().Add(time.Duration(i)*time.Microsecond))
				_, _ = exec.Vote(ctx, p.ID, vote)
			}(i)
		}
		wg.Wait()

		got, err := exec.GetProposal(ctx, p.ID)
		require.NoError(t, err)
		assert.Len(t, got.Votes, 3)
	})
}

func TestMergeRemoteVote(t *testing.T) {
	ctx := context.Background()

	t.Run("should drop stale remote votes", func(t *testing.T) {
		exec, _, _, _ := newTestExecutor(t, acceptAllVerifier{})
		require.NoError(t, exec.CreateCluster(ctx, testCluster(1000000, 99)))
		p, err := exec.SubmitProposal(ctx, "cluster-1", "policy_change", json.RawMessage(`{}`))
		require.NoError(t, err)

		t1 := time.Now()
		t2 := t1.Add(time.Second)
		_, err = exec.Vote(ctx, p.ID, castVote("did:agent:1", executor.VoteYes, 10, t2))
		require.NoError(t, err)

		applied, err := exec.MergeRemoteVote(ctx, p.ID, castVote("did:agent:1", executor.VoteNo, 10, t1))
		require.NoError(t, err)
		assert.False(t, applied)

		got, err := exec.GetProposal(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, executor.VoteYes, got.Votes[0].Vote)
	})

	t.Run("should drop votes for terminal proposals", func(t *testing.T) {
		exec, _, _, _ := newTestExecutor(t, acceptAllVerifier{})
		require.NoError(t, exec.CreateCluster(ctx, testCluster(0, 60)))
		p, err := exec.SubmitProposal(ctx, "cluster-1", "policy_change", json.RawMessage(`{}`))
		require.NoError(t, err)
		require.NoError(t, exec.ExecuteProposal(ctx, p.ID)) // fails, terminal

		applied, err := exec.MergeRemoteVote(ctx, p.ID, castVote("did:agent:1", executor.VoteYes, 10, time.Now()))
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("should trigger immediate execution when quorum lands via gossip", func(t *testing.T) {
		exec, _, _, handler := newTestExecutor(t, acceptAllVerifier{})
		require.NoError(t, exec.CreateCluster(ctx, testCluster(0, 60)))
		p, err := exec.SubmitProposal(ctx, "cluster-1", "policy_change", json.RawMessage(`{}`))
		require.NoError(t, err)

		applied, err := exec.MergeRemoteVote(ctx, p.ID, castVote("did:agent:1", executor.VoteYes, 100, time.Now()))
		require.NoError(t, err)
		assert.True(t, applied)

		got, err := exec.GetProposal(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, executor.StatusExecuted, got.Status)
		assert.Equal(t, 1, handler.executions())
	})
}

func TestInvalidVotes(t *testing.T) {
	exec, _, _, _ := newTestExecutor(t, acceptAllVerifier{})

	t.Run("should reject malformed votes outright", func(t *testing.T) {
		_, err := exec.Vote(context.Background(), "any", executor.ProposalVote{AgentDID: "", Vote: executor.VoteYes})
		assert.ErrorIs(t, err, executor.ErrInvalidVote)

		_, err = exec.Vote(context.Background(), "any", executor.ProposalVote{AgentDID: "did:agent:1", Vote: "maybe"})
		assert.ErrorIs(t, err, executor.ErrInvalidVote)
	})
}

func TestErrorsAreSentinel(t *testing.T) {
	t.Run("should wrap sentinel errors for callers to match", func(t *testing.T) {
		err := fmt.Errorf("context: %w", executor.ErrProposalNotActive)
		assert.True(t, errors.Is(err, executor.ErrProposalNotActive))
	})
}
