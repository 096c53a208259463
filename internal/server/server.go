// Package server exposes the relay over HTTP: the streaming chat endpoint
// re-renders normalized turn events in the agent wire vocabulary, plus
// thread history, agent listing, health, and metrics routes.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jura/internal/conversation"
	"jura/internal/logging"
	"jura/internal/orchestrator"
	"jura/internal/persistence"
)

// HistoryReader serves persisted turns for threads no longer cached in
// memory. *persistence.FileStore satisfies it.
type HistoryReader interface {
	History(ctx context.Context, threadID string) ([]persistence.TurnRecord, error)
}

// AgentInfo describes one selectable agent for the listing endpoint.
type AgentInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Options configures the HTTP surface.
type Options struct {
	Addr         string
	AllowOrigins []string
	Agents       []AgentInfo
	History      HistoryReader
	Registry     *prometheus.Registry
}

// Server is the relay's HTTP front.
type Server struct {
	orch   *orchestrator.Orchestrator
	opts   Options
	logger logging.Logger

	engine *gin.Engine
	http   *http.Server
}

// New builds the server and its routes.
func New(orch *orchestrator.Orchestrator, opts Options, logger logging.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(opts.AllowOrigins) == 1 && opts.AllowOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else if len(opts.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = opts.AllowOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	engine.Use(cors.New(corsConfig))

	s := &Server{
		orch:   orch,
		opts:   opts,
		logger: logging.OrNop(logger),
		engine: engine,
	}

	engine.POST("/stream/chat", s.handleStreamChat)
	engine.GET("/threads/:id/messages", s.handleThreadMessages)
	engine.GET("/agents", s.handleAgents)
	engine.GET("/healthz", s.handleHealth)
	if opts.Registry != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})))
	}

	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route tree, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleAgents(c *gin.Context) {
	agents := s.opts.Agents
	if agents == nil {
		agents = []AgentInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

type messageView struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Status    string         `json:"status"`
	ToolCalls []toolCallView `json:"tool_calls,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type toolCallView struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Result string `json:"result,omitempty"`
}

// handleThreadMessages answers from the in-memory cache first and falls
// back to the persisted turn log for threads that aged out.
func (s *Server) handleThreadMessages(c *gin.Context) {
	threadID := c.Param("id")

	if msgs, ok := s.orch.Transcript(conversation.ConfirmedRef(threadID)); ok {
		views := make([]messageView, 0, len(msgs))
		for _, m := range msgs {
			view := messageView{
				ID:        m.ID,
				Role:      string(m.Role),
				Content:   m.Content,
				Status:    string(m.Status),
				CreatedAt: m.CreatedAt,
			}
			for _, tc := range m.ToolCalls {
				view.ToolCalls = append(view.ToolCalls, toolCallView{
					ID: tc.ID, Name: tc.Name, State: string(tc.State), Result: tc.Result,
				})
			}
			views = append(views, view)
		}
		c.JSON(http.StatusOK, gin.H{"thread_id": threadID, "messages": views, "source": "cache"})
		return
	}

	if s.opts.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return
	}
	turns, err := s.opts.History.History(c.Request.Context(), threadID)
	if err != nil {
		s.logger.Error("history %s: %v", threadID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	if len(turns) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": threadID, "turns": turns, "source": "log"})
}
