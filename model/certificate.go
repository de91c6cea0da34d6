package model

import (
	"time"
)

// ProcessingStatus is the lifecycle state of an uploaded certificate
type ProcessingStatus string

const (
	StatusProcessing      ProcessingStatus = "processing"
	StatusExtracted       ProcessingStatus = "extracted"
	StatusReviewConfirmed ProcessingStatus = "review_confirmed"
	StatusFailed          ProcessingStatus = "failed"
)

// CanTransition reports whether the certificate may move from s to next.
// review_confirmed and failed are terminal.
func (s ProcessingStatus) CanTransition(next ProcessingStatus) bool {
	switch s {
	case StatusProcessing:
		return next == StatusExtracted || next == StatusFailed
	case StatusExtracted:
		return next == StatusReviewConfirmed || next == StatusFailed
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible
func (s ProcessingStatus) IsTerminal() bool {
	return s == StatusReviewConfirmed || s == StatusFailed
}

// UploadSource records who uploaded a certificate
type UploadSource string

const (
	SourcePMUpload     UploadSource = "pm_upload"
	SourcePortalUpload UploadSource = "portal_upload"
)

// Certificate is one uploaded insurance document
type Certificate struct {
	ID               string           `json:"id"`
	VendorID         string           `json:"vendor_id,omitempty"`
	TenantID         string           `json:"tenant_id,omitempty"`
	Filename         string           `json:"filename"`
	FilePath         string           `json:"file_path"`
	FileHash         string           `json:"file_hash"`
	UploadSource     UploadSource     `json:"upload_source"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	ErrorMsg         string           `json:"-"` // operator diagnostics only
	NamedEntities    NamedEntities    `json:"named_entities"`
	Confidence       float64          `json:"confidence"`
	UploadedAt       time.Time        `json:"uploaded_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Ref returns the vendor or tenant the certificate belongs to
func (c *Certificate) Ref() EntityRef {
	ref, _ := RefOf(c.VendorID, c.TenantID)
	return ref
}

// NamedEntities are the parties stated on a certificate
type NamedEntities struct {
	InsuredName        string  `json:"insured_name,omitempty"`
	CertificateHolder  Party   `json:"certificate_holder"`
	AdditionalInsureds []Party `json:"additional_insureds,omitempty"`
}

// Party is a name and optional address as printed on a certificate
type Party struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

// ExtractedCoverage is one coverage line parsed from a certificate
type ExtractedCoverage struct {
	ID                      string       `json:"id"`
	CertificateID           string       `json:"certificate_id"`
	CoverageType            CoverageType `json:"coverage_type"`
	LimitAmount             *int64       `json:"limit_amount"`
	LimitType               LimitType    `json:"limit_type"`
	ExpirationDate          *time.Time   `json:"expiration_date"` // calendar date at UTC midnight
	AdditionalInsuredListed *bool        `json:"additional_insured_listed"`
	WaiverOfSubrogation     *bool        `json:"waiver_of_subrogation"`
}

// CalendarDay returns the calendar date of t as seen in loc, expressed at UTC
// midnight. All date comparisons in the service use this representation.
func CalendarDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses an ISO date (YYYY-MM-DD) into a calendar day
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", s, time.UTC)
}
