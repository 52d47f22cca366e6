// Package api serves the optional read-only status API: session state,
// queue contents and audit history for dashboards and scripts. It never
// mutates a session.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/swarm/pkg/audit"
	"github.com/codeready-toolchain/swarm/pkg/bus"
	"github.com/codeready-toolchain/swarm/pkg/models"
	"github.com/codeready-toolchain/swarm/pkg/session"
	"github.com/codeready-toolchain/swarm/pkg/version"
	"github.com/codeready-toolchain/swarm/pkg/workflow"
)

// SessionSource is the narrow view of the controller the API reads from.
type SessionSource interface {
	GetSession() (*session.Session, bool)
	IsRunning() bool
	Result() (*workflow.Result, bool)
}

// Server is the read-only HTTP surface.
type Server struct {
	source SessionSource
	store  *audit.Store
	queues *bus.Store
	http   *http.Server
}

// NewServer builds the API server bound to addr.
func NewServer(addr string, source SessionSource, store *audit.Store, queues *bus.Store) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{source: source, store: store, queues: queues}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", s.health)

	v1 := router.Group("/api/v1")
	v1.GET("/session", s.getSession)
	v1.GET("/messages/:role", s.getMessages)
	v1.GET("/history", s.getHistory)
	v1.GET("/errors", s.getErrors)

	s.http = &http.Server{Addr: addr, Handler: router}
	return s
}

// Start serves until Shutdown. Blocks; run it in a goroutine.
func (s *Server) Start() error {
	slog.Info("Status API listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Full(),
		"running": s.source.IsRunning(),
	})
}

func (s *Server) getSession(c *gin.Context) {
	sess, ok := s.source.GetSession()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session"})
		return
	}
	body := gin.H{
		"id":          sess.ID,
		"workflow":    sess.WorkflowType,
		"goal":        sess.Goal,
		"status":      sess.Status(),
		"startedAt":   sess.StartedAt(),
		"agents":      sess.AgentSummaries(),
		"degradation": sess.Degradation(),
	}
	if state := sess.WorkflowState(); state != nil {
		body["currentStage"] = state.CurrentStage
		body["completedStages"] = state.CompletedStages()
	}
	if ended := sess.EndedAt(); ended != nil {
		body["endedAt"] = ended
	}
	if result, ok := s.source.Result(); ok {
		body["result"] = result
	}
	c.JSON(http.StatusOK, body)
}

// getMessages returns the live inbox and outbox for one role.
func (s *Server) getMessages(c *gin.Context) {
	role := models.Role(c.Param("role"))
	if !models.IsQueueRole(role) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	inbox, err := s.queues.Read(bus.Inbox, role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	outbox, err := s.queues.Read(bus.Outbox, role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"role": role, "inbox": inbox, "outbox": outbox})
}

// getHistory returns recent sessions from the audit store.
func (s *Server) getHistory(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	sessions, err := s.store.ListSessions(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// getErrors returns the audit error log for the live or named session.
func (s *Server) getErrors(c *gin.Context) {
	sessionID := c.Query("session")
	if sessionID == "" {
		sess, ok := s.source.GetSession()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no session"})
			return
		}
		sessionID = sess.ID
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	errs, err := s.store.Errors(ctx, sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "errors": errs})
}
