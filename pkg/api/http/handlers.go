package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/maxxentropy/claudeops/internal/orchestrator"
	"github.com/maxxentropy/claudeops/pkg/domain"
)

// ExecutionRequest is an execution submission.
type ExecutionRequest struct {
	Phases []domain.Phase `json:"phases" binding:"required"`
	Mode   domain.Mode    `json:"mode"`
}

// ErrorResponse wraps an API error.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error code and message.
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks": gin.H{
			"orchestrator": map[bool]string{true: "running", false: "idle"}[s.orchestrator.IsRunning()],
		},
	})
}

// handleSubmitExecution accepts a phase list and mode. Validate and
// dry-run execute synchronously; normal and resume start in the
// background and are followed via the progress endpoint.
func (s *Server) handleSubmitExecution(c *gin.Context) {
	var req ExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Error("invalid request", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{Code: "INVALID_REQUEST", Message: err.Error()},
		})
		return
	}
	if req.Mode == "" {
		req.Mode = domain.ModeNormal
	}
	switch req.Mode {
	case domain.ModeNormal, domain.ModeResume, domain.ModeDryRun, domain.ModeValidate:
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{Code: "INVALID_MODE", Message: "mode must be normal, resume, dry_run or validate"},
		})
		return
	}

	if req.Mode == domain.ModeDryRun || req.Mode == domain.ModeValidate {
		result, err := s.orchestrator.ExecuteProject(c.Request.Context(), req.Phases, req.Mode)
		if err != nil && result == nil {
			c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
				Error: ErrorDetail{Code: "PLANNING_FAILED", Message: err.Error()},
			})
			return
		}
		c.JSON(http.StatusOK, result)
		return
	}

	if s.orchestrator.IsRunning() {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: ErrorDetail{Code: "ALREADY_RUNNING", Message: "an execution is already in progress"},
		})
		return
	}

	go func() {
		// Detached from the request context; the execution outlives it.
		if _, err := s.orchestrator.ExecuteProject(context.Background(), req.Phases, req.Mode); err != nil {
			s.logger.Error("execution failed", zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"status":       "accepted",
		"mode":         req.Mode,
		"phases":       len(req.Phases),
		"submitted_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleGetProgress(c *gin.Context) {
	progress, err := s.orchestrator.GetProgress()
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{Code: "NOT_RUNNING", Message: err.Error()},
		})
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (s *Server) handleGetResult(c *gin.Context) {
	result := s.orchestrator.LastResult()
	if result == nil {
		if s.orchestrator.IsRunning() {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error: ErrorDetail{Code: "NOT_COMPLETED", Message: "execution not yet completed"},
			})
			return
		}
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{Code: "NOT_FOUND", Message: "no execution result available"},
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetState(c *gin.Context) {
	state := s.orchestrator.ExecutionState()
	if state == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{Code: "NOT_FOUND", Message: "no execution state available"},
		})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) handlePause(c *gin.Context) {
	s.controlResponse(c, "paused", s.orchestrator.Pause())
}

func (s *Server) handleResume(c *gin.Context) {
	s.controlResponse(c, "resumed", s.orchestrator.Resume())
}

func (s *Server) handleStop(c *gin.Context) {
	s.controlResponse(c, "stopping", s.orchestrator.Stop())
}

func (s *Server) controlResponse(c *gin.Context, status string, err error) {
	if err != nil {
		code := "CONTROL_FAILED"
		httpStatus := http.StatusConflict
		if errors.Is(err, orchestrator.ErrNotRunning) {
			code = "NOT_RUNNING"
		}
		c.JSON(httpStatus, ErrorResponse{
			Error: ErrorDetail{Code: code, Message: err.Error()},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLockStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"statistics": s.coordinator.GetStatistics(),
		"conflicts":  s.coordinator.Conflicts(),
		"deadlocks":  s.coordinator.Deadlocks(),
	})
}
