package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"soloist/pkg/api/middleware"
	"soloist/pkg/coordination"
)

// healthCheck handles GET /health. A lost session is unhealthy; a
// suspended one is degraded but still serving.
func (s *Server) healthCheck(c *gin.Context) {
	state := s.session.State()

	status, code := "healthy", http.StatusOK
	switch state {
	case coordination.StateSuspended, coordination.StateConnecting:
		status = "degraded"
	case coordination.StateLost:
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"session":   state.String(),
		"timestamp": time.Now().UTC(),
	})
}

// getLeadership handles GET /api/v1/leadership
func (s *Server) getLeadership(c *gin.Context) {
	status := s.leadership.Status()

	leader, err := s.leadership.Leader(c.Request.Context())
	switch {
	case errors.Is(err, coordination.ErrNoLeader):
		leader = ""
	case err != nil:
		s.logger.Warn("Leader lookup failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"status":       status,
			"leader":       nil,
			"leader_error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"leader": leader,
	})
}

// relinquish handles POST /api/v1/leadership/relinquish
func (s *Server) relinquish(c *gin.Context) {
	if !s.leadership.Relinquish() {
		c.JSON(http.StatusConflict, gin.H{"error": "not the leader"})
		return
	}
	s.logger.Info("Leadership relinquish requested",
		zap.String("client", c.ClientIP()),
		zap.String("request_id", c.GetString(middleware.RequestIDKey)))
	c.JSON(http.StatusAccepted, gin.H{"message": "stepping down"})
}
