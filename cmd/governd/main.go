package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/terminal-bench/govmesh/internal/audit"
	"github.com/terminal-bench/govmesh/internal/clustersync"
	"github.com/terminal-bench/govmesh/internal/executor"
	"github.com/terminal-bench/govmesh/internal/gateway"
	"github.com/terminal-bench/govmesh/internal/identity"
	"github.com/terminal-bench/govmesh/internal/liquid"
	"github.com/terminal-bench/govmesh/internal/metrics"
	"github.com/terminal-bench/govmesh/internal/policy"
	"github.com/terminal-bench/govmesh/internal/registry"
	"github.com/terminal-bench/govmesh/pkg/messaging"
	"github.com/terminal-bench/govmesh/pkg/store"
)

func main() {
	_ = godotenv.Load()

	agentID := envOr("AGENT_ID", "agent-local")
	port := envOr("PORT", "8080")
	redisAddr := envOr("REDIS_ADDR", "localhost:6379")
	natsURL := os.Getenv("NATS_URL")
	dbURL := os.Getenv("DATABASE_URL")
	influxURL := os.Getenv("INFLUX_URL")
	jwtSecret := envOr("JWT_SECRET", "dev-secret")
	voteSecret := envOr("VOTE_SIGNING_SECRET", "dev-vote-secret")
	syncInterval := durationOr("SYNC_INTERVAL", 30*time.Second)
	sweepInterval := durationOr("SWEEP_INTERVAL", 5*time.Second)
	clusterIDs := splitList(os.Getenv("CLUSTER_IDS"))

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("agent_id", agentID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewRedisStore(ctx, store.Config{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer st.Close()

	var events messaging.Publisher = messaging.NopPublisher{}
	var natsClient *messaging.Client
	if natsURL != "" {
		natsClient, err = messaging.NewClient(messaging.ClientConfig{
			URL:            natsURL,
			Name:           "governd-" + agentID,
			ReconnectWait:  time.Second,
			MaxReconnects:  5,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer natsClient.Close()
		events = natsClient
	}

	var auditSink executor.AuditSink
	if dbURL != "" {
		db, err := sql.Open("postgres", dbURL)
		if err != nil {
			log.Fatalf("Failed to open audit database: %v", err)
		}
		defer db.Close()
		auditSink = audit.NewArchive(db)
	}

	reg := registry.NewRegistry(st, events, logger.With().Str("component", "registry").Logger())

	exec := executor.NewExecutor(st, events, identity.NewHMACVerifier(voteSecret), auditSink, executor.Config{
		AgentID:        agentID,
		HandlerTimeout: durationOr("HANDLER_TIMEOUT", 30*time.Second),
	}, logger.With().Str("component", "executor").Logger())

	if err := policy.RegisterAll(exec, st, reg, logger.With().Str("component", "policy").Logger()); err != nil {
		log.Fatalf("Failed to register proposal handlers: %v", err)
	}

	var metricsSink clustersync.MetricsSink
	if influxURL != "" {
		sink := metrics.NewInfluxSink(metrics.Config{
			URL:    influxURL,
			Token:  os.Getenv("INFLUX_TOKEN"),
			Org:    envOr("INFLUX_ORG", "govmesh"),
			Bucket: envOr("INFLUX_BUCKET", "governance"),
		}, logger.With().Str("component", "metrics").Logger())
		defer sink.Close()
		metricsSink = sink
	}

	engine := clustersync.NewEngine(st, exec, events, metricsSink, clustersync.Config{
		AgentID:             agentID,
		DefaultSyncInterval: syncInterval,
	}, logger.With().Str("component", "clustersync").Logger())
	defer engine.Close()

	if len(clusterIDs) == 0 {
		// No clusters pinned: listen on every cluster channel.
		if err := engine.StartVotePubSub(ctx, ""); err != nil {
			log.Fatalf("Failed to start vote pub/sub: %v", err)
		}
	}
	for _, clusterID := range clusterIDs {
		if err := engine.StartVotePubSub(ctx, clusterID); err != nil {
			log.Fatalf("Failed to start vote pub/sub for %s: %v", clusterID, err)
		}
		if err := engine.InitializeClusterSync(ctx, clusterID, syncInterval); err != nil {
			log.Fatalf("Failed to start cluster sync for %s: %v", clusterID, err)
		}
	}

	go func() {
		if err := exec.RunQueueSweeper(ctx, sweepInterval); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("queue sweeper stopped")
		}
	}()

	configs := liquid.NewConfigCache(ctx, st, logger.With().Str("component", "liquid").Logger())
	scoreCluster := ""
	if len(clusterIDs) > 0 {
		scoreCluster = clusterIDs[0]
	}
	calc := liquid.NewCalculator(configs,
		clustersync.NewScoreAdapter(reg, engine, scoreCluster),
		liquid.NewDelegations(st),
		logger.With().Str("component", "liquid").Logger())

	gw := gateway.NewGateway(gateway.Config{JWTSecret: jwtSecret}, exec, engine, reg, calc,
		logger.With().Str("component", "gateway").Logger())

	if natsClient != nil {
		if err := natsClient.SubscribeEvents("governance.>", gw.BroadcastEvent); err != nil {
			logger.Warn().Err(err).Msg("event stream subscription unavailable")
		}
	}

	logger.Info().Str("port", port).Msg("governd started")
	if err := gw.Serve(ctx, ":"+port); err != nil {
		log.Fatalf("Server shutdown: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
