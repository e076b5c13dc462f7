package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SubmitRunRequest is the body of a run submission
type SubmitRunRequest struct {
	Input     string            `json:"input"`
	Variables map[string]string `json:"variables"`
}

// SubmitRunResponse is returned for an accepted run
type SubmitRunResponse struct {
	RunID  string           `json:"runId"`
	Status domain.RunStatus `json:"status"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func abortWithError(c *gin.Context, status int, code, message string, details interface{}) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// writeError maps an application error onto the error envelope
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		abortWithError(c, http.StatusNotFound, "NOT_FOUND", "run not found", nil)
	case errors.Is(err, domain.ErrPipelineNotFound):
		abortWithError(c, http.StatusNotFound, "NOT_FOUND", "pipeline not found", nil)
	default:
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	workers := "disabled"
	if s.health != nil {
		workers = "ok"
		if !s.health.IsHealthy() {
			workers = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}

	c.JSON(status, gin.H{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks": gin.H{
			"workers": workers,
		},
	})
}

// handleSubmitRun creates a pending run and enqueues it
func (s *Server) handleSubmitRun(c *gin.Context) {
	var req SubmitRunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body", err.Error())
			return
		}
	}

	runID, err := s.manager.SubmitRun(c.Request.Context(), c.Param("id"), UserID(c), req.Input, req.Variables)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, SubmitRunResponse{
		RunID:  runID,
		Status: domain.RunStatusPending,
	})
}

// handleListRuns lists the caller's most recent runs
func (s *Server) handleListRuns(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
			return
		}
		limit = min(n, maxListLimit)
	}

	runs, err := s.manager.ListRuns(c.Request.Context(), UserID(c), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if runs == nil {
		runs = []*domain.Run{}
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"limit": limit,
	})
}

// handleGetRun returns one run
func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.manager.GetRun(c.Request.Context(), c.Param("id"), UserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// handleListSteps returns a run's steps in order
func (s *Server) handleListSteps(c *gin.Context) {
	steps, err := s.manager.ListSteps(c.Request.Context(), c.Param("id"), UserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if steps == nil {
		steps = []*domain.RunStep{}
	}

	c.JSON(http.StatusOK, gin.H{
		"runId": c.Param("id"),
		"steps": steps,
	})
}

