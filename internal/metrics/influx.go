// Package metrics writes cluster health measurements to InfluxDB for
// dashboards. Writes are best-effort; a down metrics store never blocks
// governance.
package metrics

import (
	"context"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/rs/zerolog"

	"github.com/terminal-bench/govmesh/internal/clustersync"
)

// InfluxSink implements clustersync.MetricsSink against InfluxDB.
type InfluxSink struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	logger zerolog.Logger
}

// Config holds InfluxDB connection settings.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewInfluxSink creates a sink.
func NewInfluxSink(cfg Config, logger zerolog.Logger) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger: logger,
	}
}

// RecordClusterHealth writes one point per sync cycle plus one per agent
// participation rate.
func (s *InfluxSink) RecordClusterHealth(ctx context.Context, state *clustersync.ClusterConsensusState) {
	point := influxdb2.NewPoint("cluster_health",
		map[string]string{"cluster_id": state.ClusterID},
		map[string]interface{}{
			"health_score":     state.HealthScore,
			"active_proposals": state.ActiveProposals,
		},
		state.LatestSyncTimestamp,
	)
	if err := s.write.WritePoint(ctx, point); err != nil {
		s.logger.Warn().Err(err).Str("cluster_id", state.ClusterID).Msg("failed to write cluster health point")
		return
	}

	for agentID, pct := range state.AgentParticipation {
		point := influxdb2.NewPoint("agent_participation",
			map[string]string{"cluster_id": state.ClusterID, "agent_id": agentID},
			map[string]interface{}{"participation_pct": pct},
			state.LatestSyncTimestamp,
		)
		if err := s.write.WritePoint(ctx, point); err != nil {
			s.logger.Warn().Err(err).Str("agent_id", agentID).Msg("failed to write participation point")
			return
		}
	}
}

// Close closes the client.
func (s *InfluxSink) Close() {
	s.client.Close()
}
