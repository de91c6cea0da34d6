package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AnTengye/coitrack/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// echoRequestIDRouter reports the id seen through gin and through the request context
func echoRequestIDRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID())
	router.GET("/api/certificates/:id", func(c *gin.Context) {
		fromCtx, _ := c.Request.Context().Value(logger.RequestIDKey).(string)
		c.JSON(http.StatusOK, gin.H{"gin": GetRequestID(c), "ctx": fromCtx})
	})
	return router
}

func TestRequestIDFromProxy(t *testing.T) {
	router := echoRequestIDRouter()

	longest := strings.Repeat("a", 128)
	tooLong := strings.Repeat("b", 129)

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"missing header", "", false},
		{"proxy id", "lb-7f3e2a", true},
		{"longest accepted id", longest, true},
		{"oversized id", tooLong, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/certificates/c-1", nil)
			if tt.header != "" {
				req.Header.Set("X-Request-ID", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			got := w.Header().Get("X-Request-ID")
			if tt.keep {
				if got != tt.header {
					t.Errorf("Expected %q to be kept, got %q", tt.header, got)
				}
			} else {
				if _, err := uuid.Parse(got); err != nil {
					t.Errorf("Expected a generated uuid, got %q", got)
				}
			}

			body := w.Body.String()
			if !strings.Contains(body, `"gin":"`+got+`"`) || !strings.Contains(body, `"ctx":"`+got+`"`) {
				t.Errorf("Expected handlers and loggers to see %q, got %s", got, body)
			}
		})
	}
}

func TestRequestIDsAreNotReused(t *testing.T) {
	router := echoRequestIDRouter()

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/certificates/c-1", nil))
		id := w.Header().Get("X-Request-ID")
		if seen[id] {
			t.Fatalf("Request id %q issued twice", id)
		}
		seen[id] = true
	}
}

func TestGetRequestIDOutsideMiddleware(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if got := GetRequestID(c); got != "" {
		t.Errorf("Expected no request id, got %q", got)
	}
}
