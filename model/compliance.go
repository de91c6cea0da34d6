package model

// CoverageStatus is the verdict for one requirement row
type CoverageStatus string

const (
	CoverageMet         CoverageStatus = "met"
	CoverageNotMet      CoverageStatus = "not_met"
	CoverageMissing     CoverageStatus = "missing"
	CoverageNotRequired CoverageStatus = "not_required"
)

// EntityMatchStatus is the verdict for one property entity
type EntityMatchStatus string

const (
	EntityMet          EntityMatchStatus = "met"
	EntityMissing      EntityMatchStatus = "missing"
	EntityPartialMatch EntityMatchStatus = "partial_match"
)

// ComplianceStatus is the aggregate status of a vendor or tenant
type ComplianceStatus string

const (
	CompliancePending      ComplianceStatus = "pending"
	ComplianceCompliant    ComplianceStatus = "compliant"
	ComplianceNonCompliant ComplianceStatus = "non_compliant"
	ComplianceExpiringSoon ComplianceStatus = "expiring_soon"
	ComplianceExpired      ComplianceStatus = "expired"
	ComplianceUnderReview  ComplianceStatus = "under_review"
)

// ComplianceResult is the verdict for one (certificate, requirement) pair
type ComplianceResult struct {
	ID                  string         `json:"id"`
	CertificateID       string         `json:"certificate_id"`
	RequirementID       string         `json:"requirement_id"`
	CoverageType        CoverageType   `json:"coverage_type"`
	LimitType           *LimitType     `json:"limit_type,omitempty"`
	IsRequired          bool           `json:"is_required"`
	Status              CoverageStatus `json:"status"`
	GapDescription      string         `json:"gap_description,omitempty"`
	FoundAmount         *int64         `json:"found_amount,omitempty"`
	RequiredAmount      *int64         `json:"required_amount,omitempty"`
	AdditionalInsured   *bool          `json:"additional_insured,omitempty"`
	WaiverOfSubrogation *bool          `json:"waiver_of_subrogation,omitempty"`
}

// SubChecksPassed reports whether every required endorsement check passed
func (r *ComplianceResult) SubChecksPassed() bool {
	if r.AdditionalInsured != nil && !*r.AdditionalInsured {
		return false
	}
	if r.WaiverOfSubrogation != nil && !*r.WaiverOfSubrogation {
		return false
	}
	return true
}

// Blocking reports whether this row prevents overall compliance
func (r *ComplianceResult) Blocking() bool {
	if !r.IsRequired {
		return false
	}
	return r.Status == CoverageMissing || r.Status == CoverageNotMet || !r.SubChecksPassed()
}

// EntityComplianceResult is the verdict for one (certificate, property entity) pair
type EntityComplianceResult struct {
	ID               string             `json:"id"`
	CertificateID    string             `json:"certificate_id"`
	PropertyEntityID string             `json:"property_entity_id"`
	EntityKind       PropertyEntityKind `json:"entity_kind"`
	Status           EntityMatchStatus  `json:"status"`
	MatchDetails     string             `json:"match_details"`
}
