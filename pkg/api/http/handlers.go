package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/businessdeveloper69/agyc/internal/dispatcher"
)

// TaskSubmitRequest represents a task submission request.
type TaskSubmitRequest struct {
	Payload   json.RawMessage `json:"payload" binding:"required"`
	TimeoutMs int64           `json:"timeout_ms"`
	Policy    string          `json:"policy"`
	WorkerID  string          `json:"worker_id"`
}

// TaskSubmitResponse represents a completed task submission.
type TaskSubmitResponse struct {
	TaskID string          `json:"task_id"`
	Result json.RawMessage `json:"result"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c *gin.Context) {
	snap := s.dispatcher.Snapshot()
	eligible := 0
	for _, w := range snap.Workers {
		switch w.State {
		case dispatcher.StateHealthy, dispatcher.StateDegraded, dispatcher.StateRecovering:
			eligible++
		}
	}

	status := http.StatusOK
	healthy := eligible > 0
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy":          healthy,
		"eligible_workers": eligible,
		"total_workers":    len(snap.Workers),
		"queue_depth":      snap.QueueDepth,
	})
}

// handleSubmitTask submits a task and waits for its outcome.
func (s *Server) handleSubmitTask(c *gin.Context) {
	var req TaskSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	opts := dispatcher.SubmitOptions{
		Hint: dispatcher.Hint{
			Policy:   req.Policy,
			WorkerID: req.WorkerID,
		},
	}
	if req.TimeoutMs > 0 {
		opts.Deadline = time.Now().Add(time.Duration(req.TimeoutMs) * time.Millisecond)
	}

	task, err := s.dispatcher.Submit(req.Payload, opts)
	if err != nil {
		status, code := statusFor(err)
		c.JSON(status, ErrorResponse{
			Error: ErrorDetail{
				Code:    code,
				Message: err.Error(),
			},
		})
		return
	}

	result, err := task.Wait(c.Request.Context())
	if err != nil {
		status, code := statusFor(err)
		s.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.String("code", code),
			zap.Error(err))
		c.JSON(status, ErrorResponse{
			Error: ErrorDetail{
				Code:    code,
				Message: err.Error(),
				TaskID:  task.ID,
			},
		})
		return
	}

	c.JSON(http.StatusOK, TaskSubmitResponse{
		TaskID: task.ID,
		Result: result,
	})
}

// handleGetTask returns the archived record of a completed task.
func (s *Server) handleGetTask(c *gin.Context) {
	record, err := s.history.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Code:    "NOT_FOUND",
				Message: "task record not found",
			},
		})
		return
	}
	c.JSON(http.StatusOK, record)
}

// handleCancelTask cancels a pending task.
func (s *Server) handleCancelTask(c *gin.Context) {
	taskID := c.Param("id")
	if err := s.dispatcher.Cancel(taskID); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Code:    "NOT_FOUND",
				Message: err.Error(),
			},
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"task_id": taskID,
		"status":  "cancelled",
	})
}

// handleListWorkers returns per-worker introspection snapshots.
func (s *Server) handleListWorkers(c *gin.Context) {
	snap := s.dispatcher.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"workers": snap.Workers,
		"total":   len(snap.Workers),
	})
}

// handleGetQueue returns the global queue snapshot.
func (s *Server) handleGetQueue(c *gin.Context) {
	snap := s.dispatcher.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"queue_depth":    snap.QueueDepth,
		"max_queue_size": snap.MaxQueueSize,
	})
}

// statusFor maps dispatcher errors to HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, dispatcher.ErrCapacityExceeded):
		return http.StatusTooManyRequests, "CAPACITY_EXCEEDED"
	case errors.Is(err, dispatcher.ErrQueueTimeout):
		return http.StatusGatewayTimeout, "QUEUE_TIMEOUT"
	case errors.Is(err, dispatcher.ErrNoEligibleWorker):
		return http.StatusServiceUnavailable, "NO_ELIGIBLE_WORKER"
	case errors.Is(err, dispatcher.ErrCancelled):
		return http.StatusConflict, "CANCELLED"
	case errors.Is(err, dispatcher.ErrExecutionFailed):
		return http.StatusBadGateway, "EXECUTION_FAILED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
