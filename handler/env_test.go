package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/AnTengye/coitrack/config"
	"github.com/AnTengye/coitrack/middleware"
	"github.com/AnTengye/coitrack/model"
	"github.com/AnTengye/coitrack/pkg/ratelimit"
	"github.com/AnTengye/coitrack/service"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memStorage) Put(_ context.Context, objectName string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectName] = data
	return nil
}

func (s *memStorage) PresignedURL(_ context.Context, objectName string) (string, error) {
	return "https://storage.test/" + objectName, nil
}

func (s *memStorage) Remove(_ context.Context, objectName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectName)
	return nil
}

type stubExtractor struct {
	mu     sync.Mutex
	result *service.ExtractionResult
	err    error
}

func (e *stubExtractor) Extract(context.Context, string, string) (*service.ExtractionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	cp := *e.result
	return &cp, nil
}

type countingMailer struct {
	mu   sync.Mutex
	sent int
}

func (m *countingMailer) Send(context.Context, string, string, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent++
	return nil
}

type testEnv struct {
	router    *gin.Engine
	cfg       *config.Config
	store     *service.MemoryStore
	extractor *stubExtractor
	mailer    *countingMailer
	svc       Services

	token      string // org-1
	otherToken string // org-2
	property   *model.Property
	vendor     *model.Entity
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Auth:      config.AuthConfig{JWTSecret: "test-secret", TokenExpireHours: 1},
		Users:     []config.User{{Username: "pm", Password: "pass", Org: "org-1"}},
		Portal:    config.PortalConfig{MaxUploadMB: 1, InternalMaxUploadMB: 2, UploadsPerWindow: 3},
		Extractor: config.ExtractorConfig{Seed: "test-seed", TimeoutSeconds: 5, PollAttempts: 1},
	}

	e := &testEnv{
		cfg:       cfg,
		store:     service.NewMemoryStore(),
		extractor: &stubExtractor{},
		mailer:    &countingMailer{},
	}
	notifier := service.NewNotifier(e.store, e.mailer, service.NotifierConfig{
		EscalationRecipient: "pm@harbor.test",
		PortalBaseURL:       "https://coi.test",
	})
	compliance := service.NewComplianceService(e.store, notifier, nil, 30, time.UTC)
	certificates := service.NewCertificateService(e.store, &memStorage{objects: map[string][]byte{}}, e.extractor, compliance, 5*time.Second)
	templates := service.NewTemplateService(e.store, compliance)
	directory := service.NewDirectoryService(e.store, compliance)
	portal := service.NewPortalService(e.store, certificates, notifier, ratelimit.NewInMemory(time.Hour), service.PortalConfig{
		MaxUploadBytes:   cfg.Portal.MaxUploadBytes(),
		UploadsPerWindow: cfg.Portal.UploadsPerWindow,
	})
	e.svc = Services{
		Certificates: certificates,
		Compliance:   compliance,
		Notifier:     notifier,
		Portal:       portal,
		Templates:    templates,
		Directory:    directory,
		Callback:     service.NewHTTPExtractor(&cfg.Extractor),
	}
	e.router = NewRouter(cfg, e.svc)

	ctx := context.Background()
	if err := templates.SeedDefaults(ctx); err != nil {
		t.Fatalf("Failed to seed templates: %v", err)
	}
	var err error
	e.property, err = directory.CreateProperty(ctx, "org-1", &model.Property{
		Name:             "Harbor Plaza",
		VendorTemplateID: "system-vendor-standard",
		TenantTemplateID: "system-tenant-standard",
		Entities:         []model.PropertyEntity{{Kind: model.PropertyEntityCertificateHolder, Name: "Harbor Plaza LLC"}},
	})
	if err != nil {
		t.Fatalf("Failed to create property: %v", err)
	}
	e.vendor, err = directory.CreateEntity(ctx, "org-1", &model.Entity{
		Ref:          model.EntityRef{Kind: model.KindVendor},
		PropertyID:   e.property.ID,
		Name:         "Sparks Electric",
		ContactEmail: "ops@sparks.test",
	})
	if err != nil {
		t.Fatalf("Failed to create vendor: %v", err)
	}

	e.token, _, err = middleware.GenerateToken("pm", "org-1", &cfg.Auth)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	e.otherToken, _, err = middleware.GenerateToken("intruder", "org-2", &cfg.Auth)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	return e
}

func (e *testEnv) vendorPath(suffix string) string {
	return "/api/entities/vendor/" + e.vendor.Ref.ID + suffix
}

// do sends a JSON request; body may be nil
func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// upload posts a multipart form with a "file" part
func (e *testEnv) upload(path, token, filename string, content []byte, fields map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	part, _ := mw.CreateFormFile("file", filename)
	part.Write(content)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("Expected status %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

var pdfSeq int

func pdfBytes() []byte {
	pdfSeq++
	return []byte(fmt.Sprintf("%%PDF-1.7\n%% handler test %d\n", pdfSeq))
}

func ptr[T any](v T) *T { return &v }

// compliantResult meets every line of the standard vendor template
func compliantResult() *service.ExtractionResult {
	exp := time.Now().UTC().AddDate(1, 0, 0).Format("2006-01-02")
	return &service.ExtractionResult{
		Success: true,
		Coverages: []service.ExtractedLine{
			{CoverageType: "general_liability", LimitAmount: ptr(int64(2000000)), LimitType: "per_occurrence", ExpirationDate: exp, AdditionalInsuredListed: ptr(true)},
			{CoverageType: "automobile_liability", LimitAmount: ptr(int64(1000000)), LimitType: "combined_single_limit", ExpirationDate: exp},
			{CoverageType: "workers_compensation", LimitType: "statutory", ExpirationDate: exp, WaiverOfSubrogation: ptr(true)},
		},
		NamedEntities: model.NamedEntities{CertificateHolder: model.Party{Name: "Harbor Plaza LLC"}},
		Confidence:    0.9,
	}
}
