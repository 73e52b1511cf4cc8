// Package audit archives terminal proposals and reputation snapshots in
// Postgres for long-term audit, separate from the shared store's operational
// state.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/terminal-bench/govmesh/internal/executor"
)

// Archive writes governance audit records. Expects the following schema:
//
//	CREATE TABLE proposal_archive (
//	    id          TEXT PRIMARY KEY,
//	    cluster_id  TEXT NOT NULL,
//	    type        TEXT NOT NULL,
//	    status      TEXT NOT NULL,
//	    error       TEXT,
//	    payload     JSONB,
//	    votes       JSONB,
//	    created_at  TIMESTAMPTZ NOT NULL,
//	    executed_at TIMESTAMPTZ,
//	    archived_at TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE reputation_snapshots (
//	    agent_did   TEXT NOT NULL,
//	    reputation  DOUBLE PRECISION NOT NULL,
//	    recorded_at TIMESTAMPTZ NOT NULL
//	);
type Archive struct {
	db *sql.DB
}

// NewArchive creates an archive over an open database handle.
func NewArchive(db *sql.DB) *Archive {
	return &Archive{db: db}
}

// RecordProposal archives a terminal proposal. Re-archiving the same
// proposal updates the record, so retried finalization stays idempotent.
func (a *Archive) RecordProposal(ctx context.Context, p *executor.Proposal) error {
	votes, err := json.Marshal(p.Votes)
	if err != nil {
		return err
	}

	_, err = a.db.ExecContext(ctx,
		`INSERT INTO proposal_archive (id, cluster_id, type, status, error, payload, votes, created_at, executed_at, archived_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET status = $4, error = $5, votes = $7, executed_at = $9, archived_at = $10`,
		p.ID, p.ClusterID, p.Type, string(p.Status), p.Error,
		[]byte(p.Data), votes, p.CreatedAt, p.ExecutedAt, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive proposal %s: %w", p.ID, err)
	}
	return nil
}

// RecordReputation stores a point-in-time reputation snapshot.
func (a *Archive) RecordReputation(ctx context.Context, agentDID string, reputation float64) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO reputation_snapshots (agent_did, reputation, recorded_at) VALUES ($1, $2, $3)`,
		agentDID, reputation, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to snapshot reputation for %s: %w", agentDID, err)
	}
	return nil
}

// ListFailures returns the most recent failed proposals for a cluster.
func (a *Archive) ListFailures(ctx context.Context, clusterID string, limit int) ([]FailureRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, type, error, archived_at FROM proposal_archive
		 WHERE cluster_id = $1 AND status = 'failed'
		 ORDER BY archived_at DESC LIMIT $2`,
		clusterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []FailureRecord
	for rows.Next() {
		var r FailureRecord
		if err := rows.Scan(&r.ProposalID, &r.Type, &r.Error, &r.ArchivedAt); err != nil {
			continue
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// FailureRecord describes one archived failed proposal.
type FailureRecord struct {
	ProposalID string    `json:"proposal_id"`
	Type       string    `json:"type"`
	Error      string    `json:"error"`
	ArchivedAt time.Time `json:"archived_at"`
}
