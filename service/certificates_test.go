package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/AnTengye/coitrack/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadStoresFileAndStartsProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	content := pdfContent()

	cert, err := f.certificates.Upload(ctx, UploadRequest{
		Ref: f.vendor.Ref, Filename: "../../coi.pdf", Content: content, Source: model.SourcePMUpload,
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusProcessing, cert.ProcessingStatus)
	assert.Equal(t, f.vendor.Ref.ID, cert.VendorID)
	assert.Empty(t, cert.TenantID)
	assert.Equal(t, ContentHash(content), cert.FileHash)
	assert.Equal(t, ObjectPath(f.vendor.Ref, cert.ID, "coi.pdf"), cert.FilePath)
	assert.Equal(t, content, f.storage.objects[cert.FilePath])
}

func TestUploadDetectsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	content := pdfContent()
	req := UploadRequest{Ref: f.vendor.Ref, Filename: "coi.pdf", Content: content, Source: model.SourcePMUpload}

	first, err := f.certificates.Upload(ctx, req)
	require.NoError(t, err)

	_, err = f.certificates.Upload(ctx, req)
	var dup *DuplicateWarning
	require.True(t, errors.As(err, &dup), "expected DuplicateWarning, got %v", err)
	assert.Equal(t, first.ID, dup.PreviousCertificateID)
	assert.Contains(t, dup.Error(), "uploaded previously")

	req.DuplicateConfirmed = true
	second, err := f.certificates.Upload(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, f.storage.objects, 2)
}

func TestUploadSameFileForAnotherEntityIsNotDuplicate(t *testing.T) {
	f := newFixture(t)
	other := f.addVendor(t, "Bright Plumbing", "")
	ctx := context.Background()
	content := pdfContent()

	_, err := f.certificates.Upload(ctx, UploadRequest{Ref: f.vendor.Ref, Filename: "coi.pdf", Content: content, Source: model.SourcePMUpload})
	require.NoError(t, err)
	_, err = f.certificates.Upload(ctx, UploadRequest{Ref: other.Ref, Filename: "coi.pdf", Content: content, Source: model.SourcePMUpload})
	assert.NoError(t, err)
}

func TestUploadUnknownEntity(t *testing.T) {
	f := newFixture(t)
	_, err := f.certificates.Upload(context.Background(), UploadRequest{
		Ref: model.EntityRef{Kind: model.KindTenant, ID: "nobody"}, Filename: "coi.pdf", Content: pdfContent(),
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, f.storage.objects)
}

func TestUploadStorageFailure(t *testing.T) {
	f := newFixture(t)
	f.storage.putErr = errBoom
	_, err := f.certificates.Upload(context.Background(), UploadRequest{
		Ref: f.vendor.Ref, Filename: "coi.pdf", Content: pdfContent(), Source: model.SourcePMUpload,
	})
	assert.ErrorIs(t, err, errBoom)

	certs, err := f.store.ListCertificates(context.Background(), f.vendor.Ref)
	require.NoError(t, err)
	assert.Empty(t, certs, "no certificate row without a stored file")
}

// faultyStore fails selected writes
type faultyStore struct {
	*MemoryStore
	createCertErr error
	saveErr       error
}

func (s *faultyStore) CreateCertificate(ctx context.Context, c *model.Certificate) error {
	if s.createCertErr != nil {
		return s.createCertErr
	}
	return s.MemoryStore.CreateCertificate(ctx, c)
}

func (s *faultyStore) SaveExtraction(ctx context.Context, certID string, named model.NamedEntities, confidence float64, coverages []model.ExtractedCoverage) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemoryStore.SaveExtraction(ctx, certID, named, confidence, coverages)
}

func (f *fixture) certificatesOver(store Store) *CertificateService {
	s := NewCertificateService(store, f.storage, f.extractor, f.compliance, time.Second)
	s.now = func() time.Time { return f.clock }
	return s
}

func TestUploadRemovesFileWhenRecordFails(t *testing.T) {
	f := newFixture(t)
	certificates := f.certificatesOver(&faultyStore{MemoryStore: f.store, createCertErr: errBoom})

	_, err := certificates.Upload(context.Background(), UploadRequest{
		Ref: f.vendor.Ref, Filename: "coi.pdf", Content: pdfContent(), Source: model.SourcePMUpload,
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, f.storage.objects, "the stored file must not outlive its failed record")
}

func TestExtractionStoreFailureMarksCertificateFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.extractor.result = compliantResult(f.date(200))
	certificates := f.certificatesOver(&faultyStore{MemoryStore: f.store, saveErr: errBoom})

	cert, err := certificates.Upload(ctx, UploadRequest{Ref: f.vendor.Ref, Filename: "coi.pdf", Content: pdfContent(), Source: model.SourcePMUpload})
	require.NoError(t, err)

	_, err = certificates.Extract(ctx, cert.ID)
	var extractErr *ExtractionError
	require.True(t, errors.As(err, &extractErr), "expected ExtractionError, got %v", err)
	assert.ErrorIs(t, err, errBoom)

	stored, err := f.store.GetCertificate(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.ProcessingStatus, "a certificate must not stay in processing")
	assert.Contains(t, stored.ErrorMsg, "boom")
}

func TestExtractThenConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.extractor.result = compliantResult(f.date(300))

	cert, err := f.certificates.Upload(ctx, UploadRequest{Ref: f.vendor.Ref, Filename: "coi.pdf", Content: pdfContent(), Source: model.SourcePMUpload})
	require.NoError(t, err)

	extracted, err := f.certificates.Extract(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExtracted, extracted.ProcessingStatus)
	assert.Equal(t, "https://storage.test/"+cert.FilePath, f.extractor.lastURL)
	assert.Equal(t, "Harbor Plaza LLC", extracted.NamedEntities.CertificateHolder.Name)

	_, coverages, err := f.certificates.Get(ctx, cert.ID)
	require.NoError(t, err)
	assert.Len(t, coverages, 3)

	// extraction alone never changes compliance
	assert.Equal(t, model.CompliancePending, f.status(t, f.vendor.Ref))

	confirmed, err := f.certificates.Confirm(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReviewConfirmed, confirmed.ProcessingStatus)
	assert.Equal(t, model.ComplianceCompliant, f.status(t, f.vendor.Ref))

	_, err = f.certificates.Confirm(ctx, cert.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestExtractFailureMarksCertificateFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.extractor.err = errors.New("ocr engine crashed")

	cert, err := f.certificates.Upload(ctx, UploadRequest{Ref: f.vendor.Ref, Filename: "coi.pdf", Content: pdfContent(), Source: model.SourcePMUpload})
	require.NoError(t, err)

	_, err = f.certificates.Extract(ctx, cert.ID)
	var extractErr *ExtractionError
	require.True(t, errors.As(err, &extractErr), "expected ExtractionError, got %v", err)
	assert.Equal(t, ExtractionFailedMessage, err.Error())
	assert.NotContains(t, err.Error(), "ocr")

	stored, err := f.store.GetCertificate(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.ProcessingStatus)
	assert.Contains(t, stored.ErrorMsg, "ocr engine crashed")

	_, err = f.certificates.Extract(ctx, cert.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "failed is terminal")
	assert.Equal(t, 1, f.extractor.calls)
}

func TestExtractWithoutUsableCoverages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.extractor.result = &ExtractionResult{
		Success:   true,
		Coverages: []ExtractedLine{{CoverageType: "boat_insurance", LimitAmount: amount(100)}},
	}

	cert, err := f.certificates.Upload(ctx, UploadRequest{Ref: f.vendor.Ref, Filename: "coi.pdf", Content: pdfContent(), Source: model.SourcePMUpload})
	require.NoError(t, err)

	_, err = f.certificates.Extract(ctx, cert.ID)
	assert.ErrorIs(t, err, ErrNoCoverages)

	stored, err := f.store.GetCertificate(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.ProcessingStatus)
}

func TestExtractPresignFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.storage.presignErr = errBoom

	cert, err := f.certificates.Upload(ctx, UploadRequest{Ref: f.vendor.Ref, Filename: "coi.pdf", Content: pdfContent(), Source: model.SourcePMUpload})
	require.NoError(t, err)

	_, err = f.certificates.Extract(ctx, cert.ID)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 0, f.extractor.calls)
}

func TestCompleteExtractionFirstOutcomeWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cert, err := f.certificates.Upload(ctx, UploadRequest{Ref: f.vendor.Ref, Filename: "coi.pdf", Content: pdfContent(), Source: model.SourcePMUpload})
	require.NoError(t, err)

	_, err = f.certificates.CompleteExtraction(ctx, cert.ID, compliantResult(f.date(200)), nil)
	require.NoError(t, err)

	_, err = f.certificates.CompleteExtraction(ctx, cert.ID, compliantResult(f.date(100)), nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.certificates.CompleteExtraction(ctx, cert.ID, nil, errors.New("late timeout"))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, coverages, err := f.certificates.Get(ctx, cert.ID)
	require.NoError(t, err)
	require.NotEmpty(t, coverages)
	assert.Equal(t, f.date(200), coverages[0].ExpirationDate.Format("2006-01-02"))
}

func TestCompleteExtractionReportedFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cert, err := f.certificates.Upload(ctx, UploadRequest{Ref: f.vendor.Ref, Filename: "coi.pdf", Content: pdfContent(), Source: model.SourcePMUpload})
	require.NoError(t, err)

	_, err = f.certificates.CompleteExtraction(ctx, cert.ID, &ExtractionResult{Success: false, Error: "password protected"}, nil)
	var extractErr *ExtractionError
	require.True(t, errors.As(err, &extractErr))
	assert.True(t, strings.Contains(extractErr.Cause.Error(), "password protected"))
}

func TestPortalSourcedExtractionConfirmsAutomatically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.extractor.result = compliantResult(f.date(300))

	cert, err := f.certificates.Upload(ctx, UploadRequest{Ref: f.vendor.Ref, Filename: "coi.pdf", Content: pdfContent(), Source: model.SourcePortalUpload})
	require.NoError(t, err)

	got, err := f.certificates.Extract(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReviewConfirmed, got.ProcessingStatus)
	assert.Equal(t, model.ComplianceCompliant, f.status(t, f.vendor.Ref))
}

func TestConfirmRequiresExtraction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cert, err := f.certificates.Upload(ctx, UploadRequest{Ref: f.vendor.Ref, Filename: "coi.pdf", Content: pdfContent(), Source: model.SourcePMUpload})
	require.NoError(t, err)

	_, err = f.certificates.Confirm(ctx, cert.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.certificates.Confirm(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewestConfirmedCertificateDrivesStatus(t *testing.T) {
	f := newFixture(t)

	f.confirmCertificate(t, f.vendor.Ref, compliantResult(f.date(300)))
	assert.Equal(t, model.ComplianceCompliant, f.status(t, f.vendor.Ref))

	f.confirmCertificate(t, f.vendor.Ref, lowLimitResult(f.date(300)))
	assert.Equal(t, model.ComplianceNonCompliant, f.status(t, f.vendor.Ref))

	// an unconfirmed upload does not replace the confirmed one
	f.advance(time.Minute)
	f.extractor.result = compliantResult(f.date(300))
	cert, err := f.certificates.Upload(context.Background(), UploadRequest{Ref: f.vendor.Ref, Filename: "new.pdf", Content: pdfContent(), Source: model.SourcePMUpload})
	require.NoError(t, err)
	_, err = f.certificates.Extract(context.Background(), cert.ID)
	require.NoError(t, err)

	_, err = f.compliance.Reevaluate(context.Background(), f.vendor.Ref)
	require.NoError(t, err)
	assert.Equal(t, model.ComplianceNonCompliant, f.status(t, f.vendor.Ref))
}
