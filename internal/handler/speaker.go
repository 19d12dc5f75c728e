package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/speakertune/backend/internal/domain"
	"github.com/speakertune/backend/internal/model"
	"github.com/speakertune/backend/internal/repository"
	"github.com/speakertune/backend/internal/service"
	"k8s.io/klog/v2"
)

type SpeakerHandler struct {
	speakers   *service.SpeakerService
	statusRepo repository.SpeakerStatusRepository
}

func NewSpeakerHandler(speakers *service.SpeakerService, statusRepo repository.SpeakerStatusRepository) *SpeakerHandler {
	return &SpeakerHandler{
		speakers:   speakers,
		statusRepo: statusRepo,
	}
}

// UploadText POST /upload-text
// multipart 字段：file（对话 JSON）、speaker
func (h *SpeakerHandler) UploadText(c *gin.Context) {
	speaker, ok := c.GetPostForm("speaker")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Field required: speaker"})
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Field required: file"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid JSON file"})
		return
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid JSON file"})
		return
	}

	savedPath, err := h.speakers.Ingest(c.Request.Context(), raw, speaker)
	if err != nil {
		switch domain.KindOf(err) {
		case domain.KindInvalidSpeaker, domain.KindMalformedInput:
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		default:
			klog.Errorf("保存说话人消息失败: speaker=%s, error=%v", speaker, err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "saved_path": savedPath})
}

type speakerSummary struct {
	Speaker string               `json:"speaker"`
	Status  *model.SpeakerStatus `json:"status"`
}

// List GET /api/speakers
func (h *SpeakerHandler) List(c *gin.Context) {
	statuses, err := h.statusRepo.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	bySpeaker := make(map[string]*model.SpeakerStatus, len(statuses))
	for i := range statuses {
		bySpeaker[statuses[i].Speaker] = &statuses[i]
	}

	allowed := h.speakers.Allowed()
	resp := make([]speakerSummary, 0, len(allowed))
	for _, speaker := range allowed {
		resp = append(resp, speakerSummary{Speaker: speaker, Status: bySpeaker[speaker]})
	}
	c.JSON(http.StatusOK, resp)
}

// GetRecord GET /api/speakers/:speaker/record
func (h *SpeakerHandler) GetRecord(c *gin.Context) {
	record, err := h.speakers.Record(c.Request.Context(), c.Param("speaker"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidSpeaker):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, record)
}
