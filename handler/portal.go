package handler

import (
	"net/http"

	"github.com/AnTengye/coitrack/service"
	"github.com/gin-gonic/gin"
)

// PortalHandler serves the unauthenticated upload portal. The link token in
// the path is the only credential.
type PortalHandler struct {
	portal         *service.PortalService
	maxUploadBytes int64
}

func NewPortalHandler(portal *service.PortalService, maxUploadBytes int64) *PortalHandler {
	return &PortalHandler{portal: portal, maxUploadBytes: maxUploadBytes}
}

// Describe handles GET /api/portal/:token
func (h *PortalHandler) Describe(c *gin.Context) {
	view, err := h.portal.Describe(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Upload handles POST /api/portal/:token/upload. The token and rate limit
// are checked before the body is read.
func (h *PortalHandler) Upload(c *gin.Context) {
	tok, err := h.portal.Admit(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, err)
		return
	}

	upload, closeFile, err := readMultipartFile(c, h.maxUploadBytes)
	if err != nil {
		respondError(c, err)
		return
	}
	defer closeFile()

	cert, err := h.portal.AcceptUpload(c.Request.Context(), tok, upload, c.PostForm("duplicate_confirmed") == "true")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"certificate_id":    cert.ID,
		"filename":          cert.Filename,
		"processing_status": cert.ProcessingStatus,
	})
}

// Extract handles POST /api/portal/:token/certificates/:id/extract
func (h *PortalHandler) Extract(c *gin.Context) {
	cert, err := h.portal.Extract(c.Request.Context(), c.Param("token"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"certificate_id":    cert.ID,
		"processing_status": cert.ProcessingStatus,
		"message":           "Thank you. Your certificate has been received.",
	})
}
