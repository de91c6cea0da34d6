package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/AnTengye/coitrack/pkg/logger"
	"github.com/AnTengye/coitrack/service"
	"github.com/gin-gonic/gin"
)

// respondError writes the HTTP form of a service error. Anything outside the
// domain taxonomy is logged and reported as a bare 500.
func respondError(c *gin.Context, err error) {
	var (
		verr       *service.ValidationError
		limited    *service.RateLimitError
		duplicate  *service.DuplicateWarning
		extraction *service.ExtractionError
	)

	switch {
	case errors.As(err, &verr):
		status := http.StatusBadRequest
		switch verr.Code {
		case service.CodeTooLarge:
			status = http.StatusRequestEntityTooLarge
		case service.CodeUnsupportedType:
			status = http.StatusUnsupportedMediaType
		}
		c.JSON(status, gin.H{"error": verr.Message, "field": verr.Field, "code": verr.Code})

	case errors.As(err, &limited):
		c.Header("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds())))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": limited.Error()})

	case errors.As(err, &duplicate):
		c.JSON(http.StatusConflict, gin.H{
			"error":                   duplicate.Error(),
			"duplicate":               true,
			"previous_certificate_id": duplicate.PreviousCertificateID,
			"uploaded_at":             duplicate.UploadedAt,
		})

	case errors.As(err, &extraction):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":          service.ExtractionFailedMessage,
			"certificate_id": extraction.CertificateID,
		})

	case errors.Is(err, service.ErrLinkUnavailable):
		c.JSON(http.StatusNotFound, gin.H{"error": service.ErrLinkUnavailable.Error()})

	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})

	case errors.Is(err, service.ErrCascadeConfirmationRequired):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "confirm_cascade_required": true})

	case errors.Is(err, service.ErrTemplateInUse), errors.Is(err, service.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})

	case errors.Is(err, service.ErrSystemTemplateReadOnly):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})

	default:
		logger.Error(c.Request.Context(), "Request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
