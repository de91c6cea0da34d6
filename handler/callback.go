package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/AnTengye/coitrack/pkg/logger"
	"github.com/AnTengye/coitrack/service"
	"github.com/gin-gonic/gin"
)

// CallbackSource verifies and resolves extractor callbacks
type CallbackSource interface {
	VerifyCallback(checksum, content, uid string) bool
	FetchResult(ctx context.Context, resultURL string) (*service.ExtractionResult, error)
}

type CallbackHandler struct {
	source       CallbackSource
	certificates *service.CertificateService
}

func NewCallbackHandler(source CallbackSource, certificates *service.CertificateService) *CallbackHandler {
	return &CallbackHandler{source: source, certificates: certificates}
}

type CallbackRequest struct {
	Checksum string `json:"checksum"`
	Content  string `json:"content"`
}

// HandleCallback receives a finished task from the extractor. The checksum
// covers the task id and the raw content.
func (h *CallbackHandler) HandleCallback(c *gin.Context) {
	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	var content service.TaskStatus
	if err := json.Unmarshal([]byte(req.Content), &content); err != nil {
		badRequest(c, "Invalid content format")
		return
	}
	if !h.source.VerifyCallback(req.Checksum, req.Content, content.TaskID) {
		logger.Warn(c.Request.Context(), "Extractor callback checksum mismatch", "task_id", content.TaskID)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid checksum"})
		return
	}

	ctx := c.Request.Context()
	var (
		result     *service.ExtractionResult
		extractErr error
	)
	switch content.State {
	case "done":
		result, extractErr = h.source.FetchResult(ctx, content.ResultURL)
		if extractErr != nil {
			extractErr = fmt.Errorf("failed to fetch result: %w", extractErr)
		}
	case "failed":
		extractErr = fmt.Errorf("extraction task %s failed: %s", content.TaskID, content.ErrorMsg)
	default:
		c.JSON(http.StatusOK, gin.H{"message": "Callback received"})
		return
	}

	_, err := h.certificates.CompleteExtraction(ctx, content.DataID, result, extractErr)
	var extraction *service.ExtractionError
	switch {
	case err == nil, errors.As(err, &extraction):
		// a recorded failure is still a handled callback
	case errors.Is(err, service.ErrInvalidTransition):
		logger.Info(ctx, "Extractor callback after completion ignored", "certificate_id", content.DataID)
	default:
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Callback received"})
}
