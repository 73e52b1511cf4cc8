// Package clustersync replicates vote state across agent processes and
// recomputes cluster-wide consensus health. Two propagation paths: a
// periodic full resync (pull) and real-time gossip over the store's pub/sub
// channels (push). Convergence relies on last-write-wins vote merging being
// commutative and idempotent; no coordinator or leader is involved.
package clustersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/govmesh/internal/executor"
	"github.com/terminal-bench/govmesh/pkg/messaging"
	"github.com/terminal-bench/govmesh/pkg/store"
)

var (
	ErrUnknownCluster = errors.New("unknown cluster")
	ErrNotMember      = errors.New("vote from agent outside cluster")
)

// ClusterConsensusState is the engine's computed view of cluster health.
// It is recomputed wholesale on every sync cycle, never patched in place.
type ClusterConsensusState struct {
	ClusterID           string             `json:"cluster_id"`
	ActiveProposals     int                `json:"active_proposals"`
	LatestSyncTimestamp time.Time          `json:"latest_sync_timestamp"`
	QuorumStatus        map[string]bool    `json:"quorum_status"`
	AgentParticipation  map[string]float64 `json:"agent_participation"`
	HealthScore         float64            `json:"health_score"`
}

// MetricsSink receives cluster health measurements. Optional.
type MetricsSink interface {
	RecordClusterHealth(ctx context.Context, state *ClusterConsensusState)
}

// Config holds sync engine settings.
type Config struct {
	// AgentID identifies this process in forwarded gossip.
	AgentID string
	// DefaultSyncInterval applies to clusters processed via gossip before
	// InitializeClusterSync was called for them.
	DefaultSyncInterval time.Duration
}

// Engine maintains the eventually-consistent replicated view of proposal
// votes for the clusters this agent participates in. Cluster state is
// mutated only through SyncClusterVotes and ProcessVoteMessage.
type Engine struct {
	store   store.Store
	exec    *executor.Executor
	events  messaging.Publisher
	metrics MetricsSink
	logger  zerolog.Logger
	agentID string

	defaultInterval time.Duration

	mu        sync.Mutex
	intervals map[string]time.Duration
	lastSync  map[string]time.Time
	lastSeen  map[string]time.Time
	cancels   map[string]context.CancelFunc

	group errgroup.Group
}

// NewEngine creates a sync engine. metrics may be nil.
func NewEngine(st store.Store, exec *executor.Executor, events messaging.Publisher, metrics MetricsSink, cfg Config, logger zerolog.Logger) *Engine {
	interval := cfg.DefaultSyncInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Engine{
		store:           st,
		exec:            exec,
		events:          events,
		metrics:         metrics,
		logger:          logger,
		agentID:         cfg.AgentID,
		defaultInterval: interval,
		intervals:       make(map[string]time.Duration),
		lastSync:        make(map[string]time.Time),
		lastSeen:        make(map[string]time.Time),
		cancels:         make(map[string]context.CancelFunc),
	}
}

func consensusKey(clusterID string) string {
	return "governance:cluster:" + clusterID + ":consensus"
}

// InitializeClusterSync starts the periodic full resync for a cluster. The
// first sync runs immediately. Re-initializing replaces the previous timer.
func (e *Engine) InitializeClusterSync(ctx context.Context, clusterID string, interval time.Duration) error {
	if interval <= 0 {
		interval = e.defaultInterval
	}

	e.mu.Lock()
	if cancel, ok := e.cancels[clusterID]; ok {
		cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancels[clusterID] = cancel
	e.intervals[clusterID] = interval
	e.mu.Unlock()

	e.group.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		if _, err := e.SyncClusterVotes(loopCtx, clusterID); err != nil {
			e.logger.Warn().Err(err).Str("cluster_id", clusterID).Msg("initial cluster sync failed")
		}
		for {
			select {
			case <-loopCtx.Done():
				return nil
			case <-ticker.C:
				if _, err := e.SyncClusterVotes(loopCtx, clusterID); err != nil {
					e.logger.Warn().Err(err).Str("cluster_id", clusterID).Msg("cluster sync failed")
				}
			}
		}
	})
	return nil
}

// StopClusterSync stops the periodic resync for a cluster.
func (e *Engine) StopClusterSync(clusterID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.cancels[clusterID]; ok {
		cancel()
		delete(e.cancels, clusterID)
	}
}

// Close stops every timer and subscription loop and waits for them.
func (e *Engine) Close() error {
	e.mu.Lock()
	for id, cancel := range e.cancels {
		cancel()
		delete(e.cancels, id)
	}
	e.mu.Unlock()
	return e.group.Wait()
}

// SyncClusterVotes recomputes the cluster's consensus state from every
// active proposal and overwrites it wholesale: per-proposal quorum status
// (same formula as the executor), per-agent participation, and the health
// score as mean participation. A cluster with no active proposals reports
// every member at 100% participation and full health: with nothing to vote
// on, no one is behind.
func (e *Engine) SyncClusterVotes(ctx context.Context, clusterID string) (*ClusterConsensusState, error) {
	cluster, err := executor.LoadCluster(ctx, e.store, clusterID)
	if err != nil {
		return nil, err
	}

	proposals, err := executor.ListActiveProposals(ctx, e.store, clusterID)
	if err != nil {
		return nil, err
	}

	state := &ClusterConsensusState{
		ClusterID:           clusterID,
		ActiveProposals:     len(proposals),
		LatestSyncTimestamp: time.Now(),
		QuorumStatus:        make(map[string]bool, len(proposals)),
		AgentParticipation:  make(map[string]float64, len(cluster.Members)),
	}

	for _, p := range proposals {
		state.QuorumStatus[p.ID] = executor.QuorumReached(p.Votes, cluster.QuorumThreshold)
	}

	var totalParticipation float64
	for _, member := range cluster.Members {
		pct := 100.0
		if len(proposals) > 0 {
			cast := 0
			for _, p := range proposals {
				if p.VoteFor(member.DID) != nil {
					cast++
				}
			}
			pct = 100 * float64(cast) / float64(len(proposals))
		}
		state.AgentParticipation[member.DID] = pct
		totalParticipation += pct
	}
	if len(cluster.Members) > 0 {
		state.HealthScore = totalParticipation / float64(len(cluster.Members))
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	if err := e.store.Set(ctx, consensusKey(clusterID), raw); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.lastSync[clusterID] = state.LatestSyncTimestamp
	e.mu.Unlock()

	e.publishConsensusEvents(ctx, state)
	if e.metrics != nil {
		e.metrics.RecordClusterHealth(ctx, state)
	}

	e.logger.Debug().Str("cluster_id", clusterID).Int("active_proposals", state.ActiveProposals).
		Float64("health_score", state.HealthScore).Msg("cluster votes synced")
	return state, nil
}

// ProcessVoteMessage handles a vote arriving from a peer agent: membership
// validation, last-write-wins merge, transitive republish of merged votes,
// and an out-of-cycle resync when the periodic sync is stale.
func (e *Engine) ProcessVoteMessage(ctx context.Context, msg *executor.VoteMessage) error {
	if msg.OriginAgent == e.agentID {
		return nil
	}

	cluster, err := executor.LoadCluster(ctx, e.store, msg.ClusterID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownCluster, msg.ClusterID)
	}
	if !cluster.HasMember(msg.Vote.AgentDID) {
		return fmt.Errorf("%w: %s in cluster %s", ErrNotMember, msg.Vote.AgentDID, msg.ClusterID)
	}

	applied, err := e.exec.MergeRemoteVote(ctx, msg.ProposalID, msg.Vote)
	if err != nil {
		return err
	}

	e.trackLastSeen(msg)

	// Republish only votes we merged: a stale or duplicate vote has already
	// propagated, so dropping it here terminates the re-broadcast.
	if applied {
		forward := *msg
		forward.ForwardedBy = e.agentID
		forward.SentAt = time.Now()
		if raw, err := json.Marshal(&forward); err == nil {
			if err := e.store.Publish(ctx, executor.VoteChannel(msg.ClusterID), raw); err != nil {
				e.logger.Warn().Err(err).Str("proposal_id", msg.ProposalID).Msg("failed to republish vote")
			}
		}
	}

	if e.syncIsStale(msg.ClusterID) {
		if _, err := e.SyncClusterVotes(ctx, msg.ClusterID); err != nil {
			e.logger.Warn().Err(err).Str("cluster_id", msg.ClusterID).Msg("out-of-cycle sync failed")
		}
	}
	return nil
}

// StartVotePubSub subscribes to a cluster's gossip channel, or to every
// cluster's channel when clusterID is empty, and feeds inbound messages to
// ProcessVoteMessage. Malformed messages are logged and dropped.
func (e *Engine) StartVotePubSub(ctx context.Context, clusterID string) error {
	var sub store.Subscription
	if clusterID == "" {
		sub = e.store.PSubscribe(ctx, executor.VoteChannel("*"))
	} else {
		sub = e.store.Subscribe(ctx, executor.VoteChannel(clusterID))
	}

	e.group.Go(func() error {
		<-ctx.Done()
		sub.Close()
		return nil
	})

	e.group.Go(func() error {
		for msg := range sub.Messages() {
			var vote executor.VoteMessage
			if err := json.Unmarshal(msg.Payload, &vote); err != nil {
				e.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed vote message")
				continue
			}
			if err := e.ProcessVoteMessage(ctx, &vote); err != nil {
				e.logger.Warn().Err(err).Str("proposal_id", vote.ProposalID).Msg("failed to process vote message")
			}
		}
		return nil
	})
	return nil
}

// GetConsensusState reads the last computed consensus state for a cluster.
func (e *Engine) GetConsensusState(ctx context.Context, clusterID string) (*ClusterConsensusState, error) {
	raw, err := e.store.Get(ctx, consensusKey(clusterID))
	if err != nil {
		return nil, err
	}

	var state ClusterConsensusState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to decode consensus state for %s: %w", clusterID, err)
	}
	return &state, nil
}

// LastSeen returns when gossip from an agent was last observed. Zero time
// means never. Observability only; quorum never reads this.
func (e *Engine) LastSeen(agentID string) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeen[agentID]
}

func (e *Engine) trackLastSeen(msg *executor.VoteMessage) {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if msg.OriginAgent != "" {
		e.lastSeen[msg.OriginAgent] = now
	}
	e.lastSeen[msg.Vote.AgentDID] = now
}

// syncIsStale is the cheap staleness heuristic: more than half the resync
// interval has elapsed since the last full sync.
func (e *Engine) syncIsStale(clusterID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	interval, ok := e.intervals[clusterID]
	if !ok {
		interval = e.defaultInterval
	}
	last, ok := e.lastSync[clusterID]
	if !ok {
		return true
	}
	return time.Since(last) > interval/2
}

func (e *Engine) publishConsensusEvents(ctx context.Context, state *ClusterConsensusState) {
	consensus, err := messaging.NewEvent(messaging.EventTypeConsensusUpdated, state.ClusterID, e.agentID, messaging.ConsensusEvent{
		ClusterID:       state.ClusterID,
		ActiveProposals: state.ActiveProposals,
		HealthScore:     state.HealthScore,
		SyncedAt:        state.LatestSyncTimestamp,
	})
	if err == nil {
		if err := e.events.PublishEvent(ctx, consensus); err != nil {
			e.logger.Warn().Err(err).Msg("failed to publish consensus event")
		}
	}

	completed, err := messaging.NewEvent(messaging.EventTypeVoteSyncCompleted, state.ClusterID, e.agentID, messaging.ConsensusEvent{
		ClusterID: state.ClusterID,
		SyncedAt:  state.LatestSyncTimestamp,
	})
	if err == nil {
		if err := e.events.PublishEvent(ctx, completed); err != nil {
			e.logger.Warn().Err(err).Msg("failed to publish vote-sync event")
		}
	}
}
