// Package gateway exposes the governance API over HTTP: proposal submission
// and voting, cluster and consensus reads, agent registry access, and a
// websocket event stream for dashboards.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/terminal-bench/govmesh/internal/clustersync"
	"github.com/terminal-bench/govmesh/internal/executor"
	"github.com/terminal-bench/govmesh/internal/liquid"
	"github.com/terminal-bench/govmesh/internal/registry"
	"github.com/terminal-bench/govmesh/pkg/messaging"
	"github.com/terminal-bench/govmesh/pkg/store"
)

// Config holds gateway settings.
type Config struct {
	JWTSecret    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Gateway is the governance HTTP API.
type Gateway struct {
	router    *gin.Engine
	exec      *executor.Executor
	engine    *clustersync.Engine
	registry  *registry.Registry
	calc      *liquid.Calculator
	jwtSecret string
	logger    zerolog.Logger

	upgrader  websocket.Upgrader
	wsMu      sync.RWMutex
	wsClients map[uuid.UUID]*wsClient
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// NewGateway creates the gateway and installs its routes.
func NewGateway(cfg Config, exec *executor.Executor, engine *clustersync.Engine, reg *registry.Registry, calc *liquid.Calculator, logger zerolog.Logger) *Gateway {
	g := &Gateway{
		router:    gin.Default(),
		exec:      exec,
		engine:    engine,
		registry:  reg,
		calc:      calc,
		jwtSecret: cfg.JWTSecret,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		wsClients: make(map[uuid.UUID]*wsClient),
	}
	g.setupRoutes()
	return g
}

// Router exposes the underlying handler for serving and tests.
func (g *Gateway) Router() http.Handler {
	return g.router
}

func (g *Gateway) setupRoutes() {
	g.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	g.router.GET("/ws/events", g.handleEventStream)

	api := g.router.Group("/api/v1")
	api.Use(g.authMiddleware())

	api.POST("/clusters", g.handleCreateCluster)
	api.GET("/clusters/:cluster_id", g.handleGetCluster)
	api.GET("/clusters/:cluster_id/consensus", g.handleGetConsensus)

	api.POST("/proposals", g.handleSubmitProposal)
	api.GET("/proposals/:proposal_id", g.handleGetProposal)
	api.GET("/proposals/:proposal_id/tally", g.handleGetTally)
	api.POST("/proposals/:proposal_id/votes", g.handleVote)
	api.GET("/proposals/:proposal_id/votes/:agent_did/weight", g.handleVoteWeight)

	api.POST("/agents", g.handleRegisterAgent)
	api.GET("/agents/:did", g.handleGetAgent)
	api.GET("/agents/:did/history", g.handleAgentHistory)
}

func (g *Gateway) handleCreateCluster(c *gin.Context) {
	var cluster executor.GovernanceCluster
	if err := c.ShouldBindJSON(&cluster); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := g.exec.CreateCluster(c.Request.Context(), &cluster); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, cluster)
}

func (g *Gateway) handleGetCluster(c *gin.Context) {
	cluster, err := g.exec.GetCluster(c.Request.Context(), c.Param("cluster_id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cluster)
}

func (g *Gateway) handleGetConsensus(c *gin.Context) {
	state, err := g.engine.GetConsensusState(c.Request.Context(), c.Param("cluster_id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (g *Gateway) handleSubmitProposal(c *gin.Context) {
	var req struct {
		ClusterID string          `json:"cluster_id"`
		Type      string          `json:"type"`
		Data      json.RawMessage `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	proposal, err := g.exec.SubmitProposal(c.Request.Context(), req.ClusterID, req.Type, req.Data)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, proposal)
}

func (g *Gateway) handleGetProposal(c *gin.Context) {
	proposal, err := g.exec.GetProposal(c.Request.Context(), c.Param("proposal_id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, proposal)
}

func (g *Gateway) handleGetTally(c *gin.Context) {
	tally, err := g.exec.Tally(c.Request.Context(), c.Param("proposal_id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tally)
}

func (g *Gateway) handleVote(c *gin.Context) {
	var req struct {
		Vote      executor.VoteChoice `json:"vote"`
		Signature string              `json:"signature"`
		Weight    float64             `json:"weight"`
		Timestamp time.Time           `json:"timestamp"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims := claimsFrom(c)
	vote := executor.ProposalVote{
		AgentDID:  claims.AgentDID,
		Vote:      req.Vote,
		Signature: req.Signature,
		Role:      claims.Role,
		Weight:    req.Weight,
		Timestamp: req.Timestamp,
	}

	proposal, err := g.exec.Vote(c.Request.Context(), c.Param("proposal_id"), vote)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, proposal)
}

// handleVoteWeight answers "what is this vote worth right now": the
// decay-aware weight including delegation, distinct from the weight frozen
// for quorum.
func (g *Gateway) handleVoteWeight(c *gin.Context) {
	proposalID := c.Param("proposal_id")
	agentDID := c.Param("agent_did")

	proposal, err := g.exec.GetProposal(c.Request.Context(), proposalID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	recorded := proposal.VoteFor(agentDID)
	if recorded == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent has not voted on this proposal"})
		return
	}

	now := time.Now()
	lv := liquid.LiquidVote{
		AgentID:        agentDID,
		OriginalWeight: recorded.Weight,
		Timestamp:      recorded.Timestamp,
		Active:         proposal.Status == executor.StatusActive,
	}
	updated := g.calc.CalculateVoteWeight(c.Request.Context(), lv, now)
	influence := g.calc.EffectiveInfluence(c.Request.Context(), lv, proposalID, now)

	c.JSON(http.StatusOK, gin.H{
		"agent_did":       agentDID,
		"original_weight": lv.OriginalWeight,
		"current_weight":  updated.CurrentWeight,
		"influence":       influence,
		"evaluated_at":    now,
	})
}

func (g *Gateway) handleRegisterAgent(c *gin.Context) {
	var req struct {
		DID  string `json:"did"`
		Role string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agent, err := g.registry.RegisterAgent(c.Request.Context(), req.DID, req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (g *Gateway) handleGetAgent(c *gin.Context) {
	did := c.Param("did")
	agent, err := g.registry.GetAgent(c.Request.Context(), did)
	if errors.Is(err, registry.ErrAgentNotFound) {
		// Unregistered agents still have a neutral standing.
		c.JSON(http.StatusOK, gin.H{
			"did":        did,
			"role":       registry.DefaultRole,
			"reputation": registry.NeutralReputation,
			"registered": false,
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (g *Gateway) handleAgentHistory(c *gin.Context) {
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	entries, err := g.registry.History(c.Request.Context(), c.Param("did"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// BroadcastEvent fans a bus event out to connected websocket observers.
// Wired as the NATS subscription callback.
func (g *Gateway) BroadcastEvent(event *messaging.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	g.wsMu.RLock()
	defer g.wsMu.RUnlock()
	for _, client := range g.wsClients {
		select {
		case client.send <- payload:
		default:
			// Slow observer: drop rather than block the bus callback.
		}
	}
}

func (g *Gateway) handleEventStream(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 32),
		done: make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.id] = client
	g.wsMu.Unlock()

	go g.writeLoop(client)
	go g.readLoop(client)
}

func (g *Gateway) writeLoop(client *wsClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.id)
		g.wsMu.Unlock()
		client.conn.Close()
	}()

	for {
		select {
		case payload := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

func (g *Gateway) readLoop(client *wsClient) {
	defer close(client.done)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Serve runs the HTTP server until the context is cancelled.
func (g *Gateway) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: g.router,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, executor.ErrProposalNotFound),
		errors.Is(err, executor.ErrClusterNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, executor.ErrProposalNotActive):
		return http.StatusConflict
	case errors.Is(err, executor.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, executor.ErrNotClusterMember):
		return http.StatusForbidden
	case errors.Is(err, executor.ErrInvalidVote),
		errors.Is(err, executor.ErrInvalidPayload),
		errors.Is(err, executor.ErrUnknownProposalType):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
