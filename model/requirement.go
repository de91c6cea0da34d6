package model

import (
	"fmt"
	"time"
)

// CoverageType is a line of insurance coverage
type CoverageType string

const (
	CoverageGeneralLiability        CoverageType = "general_liability"
	CoverageAutomobileLiability     CoverageType = "automobile_liability"
	CoverageWorkersCompensation     CoverageType = "workers_compensation"
	CoverageEmployersLiability      CoverageType = "employers_liability"
	CoverageUmbrellaExcessLiability CoverageType = "umbrella_excess_liability"
	CoverageProfessionalLiabilityEO CoverageType = "professional_liability_eo"
	CoveragePropertyInlandMarine    CoverageType = "property_inland_marine"
	CoveragePollutionLiability      CoverageType = "pollution_liability"
	CoverageLiquorLiability         CoverageType = "liquor_liability"
	CoverageCyberLiability          CoverageType = "cyber_liability"
)

var coverageLabels = map[CoverageType]string{
	CoverageGeneralLiability:        "General Liability",
	CoverageAutomobileLiability:     "Automobile Liability",
	CoverageWorkersCompensation:     "Workers' Compensation",
	CoverageEmployersLiability:      "Employers' Liability",
	CoverageUmbrellaExcessLiability: "Umbrella/Excess Liability",
	CoverageProfessionalLiabilityEO: "Professional Liability (E&O)",
	CoveragePropertyInlandMarine:    "Property/Inland Marine",
	CoveragePollutionLiability:      "Pollution Liability",
	CoverageLiquorLiability:         "Liquor Liability",
	CoverageCyberLiability:          "Cyber Liability",
}

// Valid reports whether t is a known coverage type
func (t CoverageType) Valid() bool {
	_, ok := coverageLabels[t]
	return ok
}

// Label returns the display name of the coverage
func (t CoverageType) Label() string {
	if l, ok := coverageLabels[t]; ok {
		return l
	}
	return string(t)
}

// LimitType is how a coverage limit is expressed
type LimitType string

const (
	LimitPerOccurrence       LimitType = "per_occurrence"
	LimitAggregate           LimitType = "aggregate"
	LimitCombinedSingleLimit LimitType = "combined_single_limit"
	LimitStatutory           LimitType = "statutory"
	LimitPerPerson           LimitType = "per_person"
	LimitPerAccident         LimitType = "per_accident"
)

// Valid reports whether t is a known limit type
func (t LimitType) Valid() bool {
	switch t {
	case LimitPerOccurrence, LimitAggregate, LimitCombinedSingleLimit,
		LimitStatutory, LimitPerPerson, LimitPerAccident:
		return true
	}
	return false
}

// Label returns a human readable limit type, e.g. "per occurrence"
func (t LimitType) Label() string {
	switch t {
	case LimitPerOccurrence:
		return "per occurrence"
	case LimitAggregate:
		return "aggregate"
	case LimitCombinedSingleLimit:
		return "combined single limit"
	case LimitStatutory:
		return "statutory"
	case LimitPerPerson:
		return "per person"
	case LimitPerAccident:
		return "per accident"
	}
	return string(t)
}

// TemplateCategory is the kind of entity a template applies to
type TemplateCategory string

const (
	CategoryVendor TemplateCategory = "vendor"
	CategoryTenant TemplateCategory = "tenant"
)

// RequirementTemplate is a named, versioned set of coverage rules
type RequirementTemplate struct {
	ID              string                        `json:"id"`
	OrgID           string                        `json:"org_id"`
	Name            string                        `json:"name"`
	Category        TemplateCategory              `json:"category"`
	Version         int                           `json:"version"`
	IsSystemDefault bool                          `json:"is_system_default"`
	Coverages       []TemplateCoverageRequirement `json:"coverages"`
	CreatedAt       time.Time                     `json:"created_at"`
	UpdatedAt       time.Time                     `json:"updated_at"`
}

// TemplateCoverageRequirement is one coverage line of a template
type TemplateCoverageRequirement struct {
	ID                          string       `json:"id"`
	TemplateID                  string       `json:"template_id"`
	CoverageType                CoverageType `json:"coverage_type"`
	IsRequired                  bool         `json:"is_required"`
	MinimumLimit                *int64       `json:"minimum_limit"`
	LimitType                   *LimitType   `json:"limit_type"`
	RequiresAdditionalInsured   bool         `json:"requires_additional_insured"`
	RequiresWaiverOfSubrogation bool         `json:"requires_waiver_of_subrogation"`
}

// IsStatutory reports whether the requirement is presence-only
func (r *TemplateCoverageRequirement) IsStatutory() bool {
	return r.LimitType == nil || *r.LimitType == LimitStatutory
}

// Validate checks the row-level invariants of a requirement
func (r *TemplateCoverageRequirement) Validate() error {
	if !r.CoverageType.Valid() {
		return fmt.Errorf("unknown coverage type %q", r.CoverageType)
	}
	if r.LimitType != nil && !r.LimitType.Valid() {
		return fmt.Errorf("unknown limit type %q", *r.LimitType)
	}
	if r.IsStatutory() && r.MinimumLimit != nil {
		return fmt.Errorf("%s: minimum limit must be empty for statutory or untyped limits", r.CoverageType)
	}
	if r.MinimumLimit != nil && *r.MinimumLimit < 0 {
		return fmt.Errorf("%s: minimum limit must not be negative", r.CoverageType)
	}
	return nil
}

// Validate checks the template and all its coverage rows
func (t *RequirementTemplate) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if t.Category != CategoryVendor && t.Category != CategoryTenant {
		return fmt.Errorf("unknown template category %q", t.Category)
	}
	for i := range t.Coverages {
		if err := t.Coverages[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}
