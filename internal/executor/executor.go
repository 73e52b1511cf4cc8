package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/terminal-bench/govmesh/pkg/messaging"
	"github.com/terminal-bench/govmesh/pkg/store"
)

var (
	ErrProposalNotFound    = errors.New("proposal not found")
	ErrProposalNotActive   = errors.New("proposal is not active")
	ErrClusterNotFound     = errors.New("cluster not found")
	ErrNotClusterMember    = errors.New("agent is not a cluster member")
	ErrInvalidSignature    = errors.New("invalid vote signature")
	ErrInvalidVote         = errors.New("invalid vote")
	ErrUnknownProposalType = errors.New("unknown proposal type")
	ErrInvalidPayload      = errors.New("invalid proposal payload")
	ErrHandlerRegistered   = errors.New("handler already registered for type")
)

// SignatureVerifier authenticates a vote's authorship. External collaborator.
type SignatureVerifier interface {
	Verify(proposalID string, vote *ProposalVote) bool
}

// ProposalHandler carries out an accepted proposal's effect. Decode maps the
// opaque payload to the handler's variant struct; registration binds the
// proposal type to exactly one variant.
type ProposalHandler interface {
	Decode(raw json.RawMessage) (interface{}, error)
	Execute(ctx context.Context, payload interface{}, votes []ProposalVote) error
}

// AuditSink archives terminal proposals. Optional.
type AuditSink interface {
	RecordProposal(ctx context.Context, p *Proposal) error
}

// Config holds executor settings.
type Config struct {
	// AgentID identifies this process in gossip messages.
	AgentID string
	// HandlerTimeout bounds a single handler execution so a hung handler
	// cannot stall the queue sweep.
	HandlerTimeout time.Duration
}

// Executor owns the proposal lifecycle for governance clusters: submit,
// vote, quorum check, execute or expire.
type Executor struct {
	store   store.Store
	events  messaging.Publisher
	verify  SignatureVerifier
	audit   AuditSink
	logger  zerolog.Logger
	agentID string

	handlerTimeout time.Duration

	handlersMu sync.RWMutex
	handlers   map[string]ProposalHandler

	// Per-proposal mutexes serialize concurrent votes within this process.
	// Cross-process conflicts are reconciled by last-write-wins merging.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewExecutor creates an executor. audit may be nil.
func NewExecutor(st store.Store, events messaging.Publisher, verify SignatureVerifier, audit AuditSink, cfg Config, logger zerolog.Logger) *Executor {
	timeout := cfg.HandlerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{
		store:          st,
		events:         events,
		verify:         verify,
		audit:          audit,
		logger:         logger,
		agentID:        cfg.AgentID,
		handlerTimeout: timeout,
		handlers:       make(map[string]ProposalHandler),
		locks:          make(map[string]*sync.Mutex),
	}
}

// RegisterHandler binds a proposal type to its handler. One handler per
// type; rebinding is an error.
func (e *Executor) RegisterHandler(proposalType string, handler ProposalHandler) error {
	if proposalType == "" || handler == nil {
		return fmt.Errorf("proposal type and handler are required")
	}

	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()

	if _, exists := e.handlers[proposalType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerRegistered, proposalType)
	}
	e.handlers[proposalType] = handler
	return nil
}

func (e *Executor) handler(proposalType string) (ProposalHandler, bool) {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	h, ok := e.handlers[proposalType]
	return h, ok
}

// SubmitProposal creates an active proposal, indexes it in the cluster's
// active set, and schedules its execution-queue entry.
func (e *Executor) SubmitProposal(ctx context.Context, clusterID, proposalType string, data json.RawMessage) (*Proposal, error) {
	cluster, err := LoadCluster(ctx, e.store, clusterID)
	if err != nil {
		return nil, err
	}

	handler, ok := e.handler(proposalType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProposalType, proposalType)
	}
	if _, err := handler.Decode(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	now := time.Now()
	p := &Proposal{
		ID:        uuid.New().String(),
		Type:      proposalType,
		ClusterID: clusterID,
		Data:      data,
		CreatedAt: now,
		Status:    StatusActive,
		Votes:     []ProposalVote{},
	}

	if err := SaveProposal(ctx, e.store, p); err != nil {
		return nil, err
	}
	if err := e.store.SAdd(ctx, ActiveProposalsKey(clusterID), p.ID); err != nil {
		return nil, err
	}

	scheduledAt := now.Add(cluster.ExecutionDelay())
	if err := e.store.ZAdd(ctx, executionQueueKey, float64(scheduledAt.UnixMilli()), p.ID); err != nil {
		return nil, err
	}

	e.publishProposalEvent(ctx, messaging.EventTypeProposalCreated, p)
	e.logger.Info().Str("proposal_id", p.ID).Str("cluster_id", clusterID).Str("type", proposalType).Msg("proposal submitted")
	return p, nil
}

// Vote records an agent's vote on an active proposal. The same agent voting
// again replaces its earlier vote if the new timestamp is later. When the
// cluster has no execution delay and quorum is reached, the proposal
// executes immediately. The vote is also gossiped on the cluster channel.
func (e *Executor) Vote(ctx context.Context, proposalID string, vote ProposalVote) (*Proposal, error) {
	if !vote.Vote.Valid() || vote.AgentDID == "" || vote.Weight < 0 {
		return nil, ErrInvalidVote
	}
	if vote.Timestamp.IsZero() {
		vote.Timestamp = time.Now()
	}

	mu := e.proposalLock(proposalID)
	mu.Lock()
	defer mu.Unlock()

	p, err := LoadProposal(ctx, e.store, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusActive {
		return nil, fmt.Errorf("cannot vote on %s proposal: %w", p.Status, ErrProposalNotActive)
	}

	cluster, err := LoadCluster(ctx, e.store, p.ClusterID)
	if err != nil {
		return nil, err
	}
	if !cluster.HasMember(vote.AgentDID) {
		return nil, fmt.Errorf("agent %s: %w", vote.AgentDID, ErrNotClusterMember)
	}
	if !e.verify.Verify(proposalID, &vote) {
		return nil, ErrInvalidSignature
	}

	merged, applied := MergeVote(p.Votes, vote)
	p.Votes = merged
	if applied {
		if err := SaveProposal(ctx, e.store, p); err != nil {
			return nil, err
		}
		e.gossipVote(ctx, p, vote)
		e.publishProposalEvent(ctx, messaging.EventTypeProposalUpdated, p)
	}

	if cluster.ExecutionDelayMs == 0 && QuorumReached(p.Votes, cluster.QuorumThreshold) {
		if err := e.executeLocked(ctx, p, cluster); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// MergeRemoteVote merges a vote received via gossip using the same
// last-write-wins rule and per-proposal lock as the local vote path. Votes
// for terminal proposals are dropped (votes are frozen once a proposal
// leaves active). Returns whether the vote was applied.
func (e *Executor) MergeRemoteVote(ctx context.Context, proposalID string, vote ProposalVote) (bool, error) {
	mu := e.proposalLock(proposalID)
	mu.Lock()
	defer mu.Unlock()

	p, err := LoadProposal(ctx, e.store, proposalID)
	if err != nil {
		return false, err
	}
	if p.Status != StatusActive {
		return false, nil
	}

	merged, applied := MergeVote(p.Votes, vote)
	p.Votes = merged
	if !applied {
		return false, nil
	}
	if err := SaveProposal(ctx, e.store, p); err != nil {
		return false, err
	}
	e.publishProposalEvent(ctx, messaging.EventTypeProposalUpdated, p)

	cluster, err := LoadCluster(ctx, e.store, p.ClusterID)
	if err != nil {
		return true, err
	}
	if cluster.ExecutionDelayMs == 0 && QuorumReached(p.Votes, cluster.QuorumThreshold) {
		if err := e.executeLocked(ctx, p, cluster); err != nil {
			return true, err
		}
	}
	return true, nil
}

// ExecuteProposal runs the terminal transition for a proposal: dispatch to
// its handler when quorum holds, otherwise mark it failed. Already-terminal
// proposals are a no-op.
func (e *Executor) ExecuteProposal(ctx context.Context, proposalID string) error {
	mu := e.proposalLock(proposalID)
	mu.Lock()
	defer mu.Unlock()

	p, err := LoadProposal(ctx, e.store, proposalID)
	if err != nil {
		return err
	}
	if p.Status != StatusActive {
		return nil
	}

	cluster, err := LoadCluster(ctx, e.store, p.ClusterID)
	if err != nil {
		return err
	}
	return e.executeLocked(ctx, p, cluster)
}

// executeLocked performs the active -> executed/failed transition. The
// caller holds the proposal lock and p.Status is active.
func (e *Executor) executeLocked(ctx context.Context, p *Proposal, cluster *GovernanceCluster) error {
	if !QuorumReached(p.Votes, cluster.QuorumThreshold) {
		return e.finalize(ctx, p, StatusFailed, "quorum not reached")
	}

	handler, ok := e.handler(p.Type)
	if !ok {
		return e.finalize(ctx, p, StatusFailed, fmt.Sprintf("no handler registered for type %s", p.Type))
	}

	payload, err := handler.Decode(p.Data)
	if err != nil {
		return e.finalize(ctx, p, StatusFailed, fmt.Sprintf("payload decode failed: %v", err))
	}

	if err := e.runHandler(ctx, handler, payload, p.Votes); err != nil {
		e.logger.Warn().Err(err).Str("proposal_id", p.ID).Msg("proposal handler failed")
		return e.finalize(ctx, p, StatusFailed, err.Error())
	}
	return e.finalize(ctx, p, StatusExecuted, "")
}

// runHandler isolates one handler execution: bounded by the handler timeout
// and recovered on panic, so one bad handler cannot stall or crash the
// queue sweep.
func (e *Executor) runHandler(ctx context.Context, handler ProposalHandler, payload interface{}, votes []ProposalVote) error {
	hctx, cancel := context.WithTimeout(ctx, e.handlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- handler.Execute(hctx, payload, votes)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		return fmt.Errorf("handler execution: %w", hctx.Err())
	}
}

func (e *Executor) finalize(ctx context.Context, p *Proposal, status ProposalStatus, failure string) error {
	now := time.Now()
	p.Status = status
	p.Error = failure
	if status == StatusExecuted {
		p.ExecutedAt = &now
	}

	if err := SaveProposal(ctx, e.store, p); err != nil {
		return err
	}
	if err := e.store.SRem(ctx, ActiveProposalsKey(p.ClusterID), p.ID); err != nil {
		e.logger.Warn().Err(err).Str("proposal_id", p.ID).Msg("failed to remove proposal from active index")
	}
	if err := e.store.ZRem(ctx, executionQueueKey, p.ID); err != nil {
		e.logger.Warn().Err(err).Str("proposal_id", p.ID).Msg("failed to remove proposal from execution queue")
	}

	eventType := messaging.EventTypeProposalExecuted
	if status == StatusFailed {
		eventType = messaging.EventTypeProposalFailed
	}
	e.publishProposalEvent(ctx, eventType, p)

	if e.audit != nil {
		if err := e.audit.RecordProposal(ctx, p); err != nil {
			e.logger.Warn().Err(err).Str("proposal_id", p.ID).Msg("failed to archive proposal")
		}
	}

	e.logger.Info().Str("proposal_id", p.ID).Str("status", string(status)).Str("failure", failure).Msg("proposal finalized")
	return nil
}

// ProcessExecutionQueue executes every proposal whose scheduled time has
// elapsed. This is the fallback path that guarantees termination even if no
// further votes arrive. Returns the number of due entries processed.
func (e *Executor) ProcessExecutionQueue(ctx context.Context) (int, error) {
	now := float64(time.Now().UnixMilli())
	due, err := e.store.ZRangeByScore(ctx, executionQueueKey, math.Inf(-1), now)
	if err != nil {
		return 0, err
	}

	for _, id := range due {
		if err := e.ExecuteProposal(ctx, id); err != nil {
			if errors.Is(err, ErrProposalNotFound) {
				// Stale queue entry.
				e.store.ZRem(ctx, executionQueueKey, id)
				continue
			}
			e.logger.Warn().Err(err).Str("proposal_id", id).Msg("queued execution failed")
		}
	}
	return len(due), nil
}

// RunQueueSweeper processes the execution queue on a fixed interval until
// the context is cancelled.
func (e *Executor) RunQueueSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.ProcessExecutionQueue(ctx); err != nil {
				e.logger.Warn().Err(err).Msg("execution queue sweep failed")
			}
		}
	}
}

// GetProposal returns a proposal by ID.
func (e *Executor) GetProposal(ctx context.Context, proposalID string) (*Proposal, error) {
	return LoadProposal(ctx, e.store, proposalID)
}

// Tally summarizes a proposal's votes against its cluster threshold.
func (e *Executor) Tally(ctx context.Context, proposalID string) (*VoteTally, error) {
	p, err := LoadProposal(ctx, e.store, proposalID)
	if err != nil {
		return nil, err
	}
	cluster, err := LoadCluster(ctx, e.store, p.ClusterID)
	if err != nil {
		return nil, err
	}
	tally := TallyVotes(p.Votes, cluster.QuorumThreshold)
	return &tally, nil
}

// CreateCluster persists a governance cluster definition.
func (e *Executor) CreateCluster(ctx context.Context, cluster *GovernanceCluster) error {
	if cluster.ID == "" {
		return fmt.Errorf("cluster ID is required")
	}
	if cluster.QuorumThreshold < 0 || cluster.QuorumThreshold > 100 {
		return fmt.Errorf("quorum threshold must be within 0-100")
	}
	return SaveCluster(ctx, e.store, cluster)
}

// GetCluster returns a cluster definition.
func (e *Executor) GetCluster(ctx context.Context, clusterID string) (*GovernanceCluster, error) {
	return LoadCluster(ctx, e.store, clusterID)
}

func (e *Executor) gossipVote(ctx context.Context, p *Proposal, vote ProposalVote) {
	msg := VoteMessage{
		ProposalID:  p.ID,
		ClusterID:   p.ClusterID,
		Vote:        vote,
		OriginAgent: e.agentID,
		SentAt:      time.Now(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := e.store.Publish(ctx, VoteChannel(p.ClusterID), raw); err != nil {
		e.logger.Warn().Err(err).Str("proposal_id", p.ID).Msg("failed to gossip vote")
	}
}

func (e *Executor) publishProposalEvent(ctx context.Context, eventType string, p *Proposal) {
	pct, _ := ApprovalPct(p.Votes)
	event, err := messaging.NewEvent(eventType, p.ClusterID, e.agentID, messaging.ProposalEvent{
		ProposalID:  p.ID,
		ClusterID:   p.ClusterID,
		Type:        p.Type,
		Status:      string(p.Status),
		VoteCount:   len(p.Votes),
		ApprovalPct: pct,
		Error:       p.Error,
	})
	if err != nil {
		return
	}
	if err := e.events.PublishEvent(ctx, event); err != nil {
		e.logger.Warn().Err(err).Str("event_type", eventType).Msg("failed to publish proposal event")
	}
}

func (e *Executor) proposalLock(proposalID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()

	mu, ok := e.locks[proposalID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[proposalID] = mu
	}
	return mu
}
