package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/speakertune/backend/internal/domain"
	"github.com/speakertune/backend/internal/service"
	"github.com/speakertune/backend/internal/service/orchestrator"
)

type TrainingHandler struct {
	runs *service.TrainingRunService
}

func NewTrainingHandler(runs *service.TrainingRunService) *TrainingHandler {
	return &TrainingHandler{runs: runs}
}

type trainRequest struct {
	Speaker string `json:"speaker" binding:"required"`
}

// Train POST /train，同步训练直到适配器写出
func (h *TrainingHandler) Train(c *gin.Context) {
	var req trainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Field required: speaker"})
		return
	}

	run, err := h.runs.RunNow(c.Request.Context(), req.Speaker)
	if err != nil {
		kind := domain.KindOf(err)
		if kind == domain.KindInvalidSpeaker {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"detail":     "Training failed: " + err.Error(),
			"error_kind": kind,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "output_dir": run.OutputDir})
}

// Enqueue POST /api/training-runs
func (h *TrainingHandler) Enqueue(c *gin.Context) {
	var req trainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "speaker is required"})
		return
	}

	run, err := h.runs.Enqueue(c.Request.Context(), req.Speaker)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidSpeaker):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, orchestrator.ErrQueueFull), errors.Is(err, orchestrator.ErrOrchestratorStopped):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, run)
}

// List GET /api/training-runs?speaker=&limit=
func (h *TrainingHandler) List(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	runs, err := h.runs.List(c.Request.Context(), c.Query("speaker"), limit)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSpeaker) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (h *TrainingHandler) Get(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	run, err := h.runs.Get(c.Request.Context(), uint(id))
	if err != nil {
		if errors.Is(err, service.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "training run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *TrainingHandler) Cancel(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	run, err := h.runs.Cancel(c.Request.Context(), uint(id))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRunNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "training run not found"})
		case errors.Is(err, service.ErrRunNotCancelable):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "cancel requested", "run": run})
}

// QueueStatus GET /api/training-runs/status
func (h *TrainingHandler) QueueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.runs.QueueStatus())
}
