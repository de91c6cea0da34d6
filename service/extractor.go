package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/AnTengye/coitrack/config"
	"github.com/AnTengye/coitrack/model"
	"github.com/google/uuid"
)

// Extractor turns a certificate document into structured coverage data
type Extractor interface {
	Extract(ctx context.Context, documentURL, certID string) (*ExtractionResult, error)
}

// ExtractionResult is the extractor's answer for one document
type ExtractionResult struct {
	Success       bool                `json:"success"`
	Error         string              `json:"error,omitempty"`
	Coverages     []ExtractedLine     `json:"coverages"`
	NamedEntities model.NamedEntities `json:"named_entities"`
	Confidence    float64             `json:"confidence"`
}

// ExtractedLine is one coverage as reported by the extractor
type ExtractedLine struct {
	CoverageType            string `json:"coverage_type"`
	LimitAmount             *int64 `json:"limit_amount"`
	LimitType               string `json:"limit_type"`
	ExpirationDate          string `json:"expiration_date"` // YYYY-MM-DD
	AdditionalInsuredListed *bool  `json:"additional_insured_listed"`
	WaiverOfSubrogation     *bool  `json:"waiver_of_subrogation"`
}

// ErrNoCoverages is returned for documents that yielded no coverage lines
var ErrNoCoverages = errors.New("extractor returned no coverages")

// Check reports the extraction as failed when the extractor said so or found nothing usable
func (r *ExtractionResult) Check() error {
	if !r.Success {
		if r.Error == "" {
			return errors.New("extractor reported failure")
		}
		return fmt.Errorf("extractor reported failure: %s", r.Error)
	}
	if len(r.Coverages) == 0 {
		return ErrNoCoverages
	}
	return nil
}

// ToCoverages converts extractor lines into coverage rows for certID.
// Lines with an unknown coverage type are dropped; unreadable dates and limit
// types are stored as unknown.
func (r *ExtractionResult) ToCoverages(certID string) []model.ExtractedCoverage {
	out := make([]model.ExtractedCoverage, 0, len(r.Coverages))
	for i, line := range r.Coverages {
		ct := model.CoverageType(line.CoverageType)
		if !ct.Valid() {
			slog.Warn("Dropping unknown coverage type", "certificate_id", certID, "coverage_type", line.CoverageType)
			continue
		}
		cov := model.ExtractedCoverage{
			ID:                      uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%d", certID, i))).String(),
			CertificateID:           certID,
			CoverageType:            ct,
			LimitAmount:             line.LimitAmount,
			AdditionalInsuredListed: line.AdditionalInsuredListed,
			WaiverOfSubrogation:     line.WaiverOfSubrogation,
		}
		if lt := model.LimitType(line.LimitType); lt.Valid() {
			cov.LimitType = lt
		}
		if line.ExpirationDate != "" {
			if d, err := model.ParseDate(line.ExpirationDate); err == nil {
				cov.ExpirationDate = &d
			}
		}
		out = append(out, cov)
	}
	return out
}

// HTTPExtractor talks to the asynchronous extraction API: create a task,
// poll it, then download the JSON result.
type HTTPExtractor struct {
	config       *config.ExtractorConfig
	httpClient   *http.Client
	pollInterval time.Duration
}

var _ Extractor = (*HTTPExtractor)(nil)

// taskRequest represents the request to create an extraction task
type taskRequest struct {
	URL      string `json:"url"`
	DataID   string `json:"data_id"`
	Callback string `json:"callback,omitempty"`
	Seed     string `json:"seed,omitempty"`
}

type taskResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Data    struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
}

// TaskStatus is the state of one extraction task
type TaskStatus struct {
	TaskID    string `json:"task_id"`
	DataID    string `json:"data_id"`
	State     string `json:"state"` // pending, running, done, failed
	ResultURL string `json:"result_url,omitempty"`
	ErrorMsg  string `json:"err_msg,omitempty"`
}

type taskStatusResponse struct {
	Code    int        `json:"code"`
	Message string     `json:"msg"`
	Data    TaskStatus `json:"data"`
}

func NewHTTPExtractor(cfg *config.ExtractorConfig) *HTTPExtractor {
	interval := time.Duration(cfg.PollSeconds) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	return &HTTPExtractor{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		pollInterval: interval,
	}
}

// Extract submits the document and waits for the result. Running out of poll
// attempts or ctx expiring is an error like any other.
func (s *HTTPExtractor) Extract(ctx context.Context, documentURL, certID string) (*ExtractionResult, error) {
	taskID, err := s.CreateTask(ctx, documentURL, certID)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < s.config.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("extraction task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		}

		status, err := s.GetTaskStatus(ctx, taskID)
		if err != nil {
			return nil, err
		}
		switch status.State {
		case "done":
			return s.FetchResult(ctx, status.ResultURL)
		case "failed":
			return nil, fmt.Errorf("extraction task %s failed: %s", taskID, status.ErrorMsg)
		}
	}
	return nil, fmt.Errorf("extraction task %s did not finish after %d polls", taskID, s.config.PollAttempts)
}

// CreateTask creates a new extraction task and returns its id
func (s *HTTPExtractor) CreateTask(ctx context.Context, documentURL, dataID string) (string, error) {
	reqBody := taskRequest{
		URL:    documentURL,
		DataID: dataID,
	}
	if s.config.CallbackURL != "" {
		reqBody.Callback = s.config.CallbackURL
		reqBody.Seed = s.config.Seed
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIURL+"/extract/task", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result taskResponse
	if err := s.do(req, &result); err != nil {
		return "", err
	}
	if result.Code != 0 {
		return "", fmt.Errorf("extractor API error: %s", result.Message)
	}
	return result.Data.TaskID, nil
}

// GetTaskStatus queries the status of a task
func (s *HTTPExtractor) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/extract/task/%s", s.config.APIURL, taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var result taskStatusResponse
	if err := s.do(req, &result); err != nil {
		return nil, err
	}
	if result.Code != 0 {
		return nil, fmt.Errorf("extractor API error: %s", result.Message)
	}
	return &result.Data, nil
}

// FetchResult downloads the JSON result of a finished task
func (s *HTTPExtractor) FetchResult(ctx context.Context, resultURL string) (*ExtractionResult, error) {
	if resultURL == "" {
		return nil, errors.New("extraction finished without a result url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var result ExtractionResult
	if err := s.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// VerifyCallback verifies the callback checksum: SHA256(uid + seed + content)
func (s *HTTPExtractor) VerifyCallback(checksum, content, uid string) bool {
	hash := sha256.Sum256([]byte(uid + s.config.Seed + content))
	return checksum == hex.EncodeToString(hash[:])
}

func (s *HTTPExtractor) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+s.config.APIToken)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("extractor returned status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
