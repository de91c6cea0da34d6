package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AnTengye/coitrack/service"
	"github.com/gin-gonic/gin"
)

func TestRespondError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{"validation", &service.ValidationError{Field: "name", Code: service.CodeInvalid, Message: "Name is required."}, http.StatusBadRequest},
		{"too large", &service.ValidationError{Field: "file", Code: service.CodeTooLarge, Message: "too big"}, http.StatusRequestEntityTooLarge},
		{"unsupported type", &service.ValidationError{Field: "file", Code: service.CodeUnsupportedType, Message: "pdf only"}, http.StatusUnsupportedMediaType},
		{"rate limited", &service.RateLimitError{RetryAfter: 90 * time.Second}, http.StatusTooManyRequests},
		{"duplicate", &service.DuplicateWarning{PreviousCertificateID: "c-1", UploadedAt: time.Now()}, http.StatusConflict},
		{"extraction", &service.ExtractionError{CertificateID: "c-1", Cause: errors.New("ocr crashed")}, http.StatusUnprocessableEntity},
		{"link unavailable", service.ErrLinkUnavailable, http.StatusNotFound},
		{"not found", fmt.Errorf("load: %w", service.ErrNotFound), http.StatusNotFound},
		{"cascade", service.ErrCascadeConfirmationRequired, http.StatusConflict},
		{"in use", service.ErrTemplateInUse, http.StatusConflict},
		{"transition", service.ErrInvalidTransition, http.StatusConflict},
		{"read only", service.ErrSystemTemplateReadOnly, http.StatusForbidden},
		{"unexpected", errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.GET("/test", func(c *gin.Context) { respondError(c, tt.err) })

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestRespondErrorHidesInternals(t *testing.T) {
	router := gin.New()
	router.GET("/extraction", func(c *gin.Context) {
		respondError(c, &service.ExtractionError{CertificateID: "c-1", Cause: errors.New("ocr engine segfault")})
	})
	router.GET("/internal", func(c *gin.Context) {
		respondError(c, errors.New("pq: password authentication failed"))
	})
	router.GET("/limited", func(c *gin.Context) {
		respondError(c, &service.RateLimitError{RetryAfter: 90 * time.Second})
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/extraction", nil))
	var body map[string]string
	decode(t, w, &body)
	if body["error"] != service.ExtractionFailedMessage {
		t.Errorf("Expected the fixed extraction message, got %q", body["error"])
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/internal", nil))
	decode(t, w, &body)
	if body["error"] != "Internal server error" {
		t.Errorf("Expected a generic message, got %q", body["error"])
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/limited", nil))
	if got := w.Header().Get("Retry-After"); got != "90" {
		t.Errorf("Expected Retry-After 90, got %q", got)
	}
}
