package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AnTengye/coitrack/model"
	"github.com/AnTengye/coitrack/pkg/logger"
	"github.com/AnTengye/coitrack/pkg/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// UploadRequest is a validated file ready to be stored for an entity
type UploadRequest struct {
	Ref                model.EntityRef
	Filename           string
	Content            []byte
	Source             model.UploadSource
	DuplicateConfirmed bool
}

// CertificateService drives a certificate through
// processing -> extracted -> review_confirmed (or failed).
type CertificateService struct {
	store          Store
	storage        ObjectStorage
	extractor      Extractor
	compliance     *ComplianceService
	extractTimeout time.Duration
	now            func() time.Time
}

func NewCertificateService(store Store, storage ObjectStorage, extractor Extractor, compliance *ComplianceService, extractTimeout time.Duration) *CertificateService {
	if extractTimeout <= 0 {
		extractTimeout = 5 * time.Minute
	}
	return &CertificateService{
		store:          store,
		storage:        storage,
		extractor:      extractor,
		compliance:     compliance,
		extractTimeout: extractTimeout,
		now:            time.Now,
	}
}

// Upload stores the file and records a certificate in processing. A file
// already uploaded for the same entity returns *DuplicateWarning unless the
// caller confirmed it.
func (s *CertificateService) Upload(ctx context.Context, req UploadRequest) (*model.Certificate, error) {
	if _, err := s.store.GetEntity(ctx, req.Ref); err != nil {
		return nil, err
	}

	hash := ContentHash(req.Content)
	if !req.DuplicateConfirmed {
		prev, err := s.store.FindCertificateByHash(ctx, req.Ref, hash)
		switch {
		case err == nil:
			return nil, &DuplicateWarning{PreviousCertificateID: prev.ID, UploadedAt: prev.UploadedAt}
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("failed to check for duplicates: %w", err)
		}
	}

	id := uuid.New().String()
	objectName := ObjectPath(req.Ref, id, req.Filename)
	if err := s.storage.Put(ctx, objectName, bytes.NewReader(req.Content), int64(len(req.Content)), "application/pdf"); err != nil {
		return nil, fmt.Errorf("failed to store certificate file: %w", err)
	}

	now := s.now()
	vendorID, tenantID := req.Ref.IDs()
	cert := &model.Certificate{
		ID:               id,
		VendorID:         vendorID,
		TenantID:         tenantID,
		Filename:         req.Filename,
		FilePath:         objectName,
		FileHash:         hash,
		UploadSource:     req.Source,
		ProcessingStatus: model.StatusProcessing,
		UploadedAt:       now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateCertificate(ctx, cert); err != nil {
		// nothing refers to the file yet
		if rmErr := s.storage.Remove(context.WithoutCancel(ctx), objectName); rmErr != nil {
			logger.Error(ctx, "Failed to remove orphaned certificate file", "object", objectName, "error", rmErr)
		}
		return nil, fmt.Errorf("failed to save certificate: %w", err)
	}

	metrics.CertificateUploadsTotal.WithLabelValues(string(req.Source)).Inc()
	logger.WithEntity(ctx, string(req.Ref.Kind), req.Ref.ID).Info("Certificate uploaded",
		"certificate_id", id,
		"source", req.Source,
		"size", len(req.Content),
	)
	return cert, nil
}

// Get returns a certificate with its extracted coverages
func (s *CertificateService) Get(ctx context.Context, id string) (*model.Certificate, []model.ExtractedCoverage, error) {
	cert, err := s.store.GetCertificate(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	covs, err := s.store.ListCoverages(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return cert, covs, nil
}

// Extract sends a processing certificate to the extractor and records the
// outcome. Failures return *ExtractionError after moving the certificate to failed.
func (s *CertificateService) Extract(ctx context.Context, certID string) (*model.Certificate, error) {
	cert, err := s.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, err
	}
	if cert.ProcessingStatus != model.StatusProcessing {
		return nil, ErrInvalidTransition
	}

	url, err := s.storage.PresignedURL(ctx, cert.FilePath)
	if err != nil {
		return nil, s.fail(ctx, cert, fmt.Errorf("presign: %w", err))
	}

	timer := prometheus.NewTimer(metrics.ExtractionDuration)
	extractCtx, cancel := context.WithTimeout(ctx, s.extractTimeout)
	result, err := s.extractor.Extract(extractCtx, url, cert.ID)
	cancel()
	timer.ObserveDuration()

	return s.CompleteExtraction(ctx, certID, result, err)
}

// CompleteExtraction records an extractor outcome for a processing
// certificate. It is shared by the synchronous path and the extractor callback.
func (s *CertificateService) CompleteExtraction(ctx context.Context, certID string, result *ExtractionResult, extractErr error) (*model.Certificate, error) {
	cert, err := s.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, err
	}

	if extractErr == nil && result == nil {
		extractErr = errors.New("extractor returned no result")
	}
	if extractErr == nil {
		extractErr = result.Check()
	}
	var coverages []model.ExtractedCoverage
	if extractErr == nil {
		coverages = result.ToCoverages(cert.ID)
		if len(coverages) == 0 {
			extractErr = ErrNoCoverages
		}
	}
	if extractErr != nil {
		return nil, s.fail(ctx, cert, extractErr)
	}

	err = s.store.SaveExtraction(ctx, cert.ID, result.NamedEntities, result.Confidence, coverages)
	if errors.Is(err, ErrInvalidTransition) {
		return nil, err
	}
	if err != nil {
		return nil, s.fail(ctx, cert, fmt.Errorf("failed to save extraction: %w", err))
	}
	metrics.ExtractionsTotal.WithLabelValues("extracted").Inc()
	logger.WithEntity(ctx, string(cert.Ref().Kind), cert.Ref().ID).Info("Certificate extracted",
		"certificate_id", cert.ID,
		"coverages", len(coverages),
		"confidence", result.Confidence,
	)

	// the portal has no review screen
	if cert.UploadSource == model.SourcePortalUpload {
		return s.Confirm(ctx, cert.ID)
	}
	return s.store.GetCertificate(ctx, cert.ID)
}

// fail moves cert to failed, keeping cause for operators
func (s *CertificateService) fail(ctx context.Context, cert *model.Certificate, cause error) error {
	// the request context may be the one that timed out
	ctx = context.WithoutCancel(ctx)
	if err := s.store.TransitionCertificate(ctx, cert.ID, model.StatusProcessing, model.StatusFailed, cause.Error()); err != nil {
		return err
	}
	metrics.ExtractionsTotal.WithLabelValues("failed").Inc()
	logger.WithEntity(ctx, string(cert.Ref().Kind), cert.Ref().ID).Warn("Certificate extraction failed",
		"certificate_id", cert.ID,
		"error", cause,
	)
	return &ExtractionError{CertificateID: cert.ID, Cause: cause}
}

// Confirm accepts an extraction and re-evaluates the entity against it
func (s *CertificateService) Confirm(ctx context.Context, certID string) (*model.Certificate, error) {
	cert, err := s.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, err
	}
	if err := s.store.TransitionCertificate(ctx, certID, model.StatusExtracted, model.StatusReviewConfirmed, ""); err != nil {
		return nil, err
	}

	if _, err := s.compliance.Reevaluate(ctx, cert.Ref()); err != nil {
		// the next sweep picks it up
		logger.Error(ctx, "Re-evaluation after confirmation failed", "certificate_id", certID, "error", err)
	}
	return s.store.GetCertificate(ctx, certID)
}
