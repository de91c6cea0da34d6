package compliance

import (
	"time"

	"github.com/AnTengye/coitrack/model"
	"github.com/google/uuid"
)

// DefaultLookaheadDays is the expiring_soon window
const DefaultLookaheadDays = 30

// resultNamespace seeds deterministic result ids, so re-evaluating identical
// inputs reproduces identical rows.
var resultNamespace = uuid.MustParse("6f1c7d3e-2a4b-4c1e-9b7a-53d0f2c8e914")

// Input is everything one evaluation looks at
type Input struct {
	Certificate      *model.Certificate // latest confirmed certificate; nil when none
	Requirements     []model.TemplateCoverageRequirement
	Coverages        []model.ExtractedCoverage
	PropertyEntities []model.PropertyEntity
	Today            time.Time // calendar day, see model.CalendarDay
	LookaheadDays    int
}

// Summary aggregates an evaluation for display and scheduling
type Summary struct {
	RequiredTotal      int        `json:"required_total"`
	RequiredMet        int        `json:"required_met"`
	OptionalTotal      int        `json:"optional_total"`
	OptionalMet        int        `json:"optional_met"`
	EntitiesTotal      int        `json:"entities_total"`
	EntitiesMet        int        `json:"entities_met"`
	CoverageCompliant  bool       `json:"coverage_compliant"`
	EntitiesCompliant  bool       `json:"entities_compliant"`
	EarliestExpiration *time.Time `json:"earliest_expiration,omitempty"`
	Expired            bool       `json:"expired"`
}

// Evaluation is the full verdict for one entity
type Evaluation struct {
	Results       []model.ComplianceResult       `json:"results"`
	EntityResults []model.EntityComplianceResult `json:"entity_results"`
	Status        model.ComplianceStatus         `json:"status"`
	Summary       Summary                        `json:"summary"`
}

// Evaluate runs the coverage matcher over every requirement and the entity
// matcher over every property entity, then derives the overall status.
func Evaluate(in Input) Evaluation {
	if in.Certificate == nil {
		return Evaluation{
			Results:       []model.ComplianceResult{},
			EntityResults: []model.EntityComplianceResult{},
			Status:        model.CompliancePending,
		}
	}
	if in.LookaheadDays <= 0 {
		in.LookaheadDays = DefaultLookaheadDays
	}

	reqs := dedupeRequirements(in.Requirements)
	ev := Evaluation{
		Results:       make([]model.ComplianceResult, 0, len(reqs)),
		EntityResults: make([]model.EntityComplianceResult, 0, len(in.PropertyEntities)),
	}
	sum := &ev.Summary
	sum.CoverageCompliant = true
	sum.EntitiesCompliant = true

	for _, req := range reqs {
		res := evaluateRequirement(in.Certificate.ID, req, in.Coverages)
		if req.IsRequired {
			sum.RequiredTotal++
			if res.Blocking() {
				sum.CoverageCompliant = false
			} else {
				sum.RequiredMet++
			}
		} else {
			sum.OptionalTotal++
			if res.Status == model.CoverageMet {
				sum.OptionalMet++
			}
		}
		ev.Results = append(ev.Results, res)
	}

	for _, pe := range in.PropertyEntities {
		status, details := MatchEntity(pe, in.Certificate.NamedEntities)
		sum.EntitiesTotal++
		if status == model.EntityMet {
			sum.EntitiesMet++
		} else {
			sum.EntitiesCompliant = false
		}
		ev.EntityResults = append(ev.EntityResults, model.EntityComplianceResult{
			ID:               resultID(in.Certificate.ID, "entity", pe.ID),
			CertificateID:    in.Certificate.ID,
			PropertyEntityID: pe.ID,
			EntityKind:       pe.Kind,
			Status:           status,
			MatchDetails:     details,
		})
	}

	sum.Expired = anyExpired(in.Coverages, in.Today)
	sum.EarliestExpiration = EarliestExpiration(reqs, in.Coverages)

	switch {
	case sum.Expired:
		ev.Status = model.ComplianceExpired
	case !sum.CoverageCompliant || !sum.EntitiesCompliant:
		ev.Status = model.ComplianceNonCompliant
	case sum.EarliestExpiration != nil && !sum.EarliestExpiration.After(in.Today.AddDate(0, 0, in.LookaheadDays)):
		ev.Status = model.ComplianceExpiringSoon
	default:
		ev.Status = model.ComplianceCompliant
	}
	return ev
}

func evaluateRequirement(certID string, req model.TemplateCoverageRequirement, coverages []model.ExtractedCoverage) model.ComplianceResult {
	m := MatchCoverage(req, coverages)
	res := model.ComplianceResult{
		ID:                  resultID(certID, "coverage", req.ID),
		CertificateID:       certID,
		RequirementID:       req.ID,
		CoverageType:        req.CoverageType,
		LimitType:           req.LimitType,
		IsRequired:          req.IsRequired,
		Status:              m.Status,
		GapDescription:      m.GapDescription,
		RequiredAmount:      req.MinimumLimit,
		AdditionalInsured:   m.AdditionalInsured,
		WaiverOfSubrogation: m.WaiverOfSubrogation,
	}
	if m.Coverage != nil {
		res.FoundAmount = m.Coverage.LimitAmount
	}
	if !req.IsRequired && m.Status == model.CoverageMissing {
		res.Status = model.CoverageNotRequired
	}
	return res
}

// dedupeRequirements keeps the first row per coverage type
func dedupeRequirements(reqs []model.TemplateCoverageRequirement) []model.TemplateCoverageRequirement {
	seen := make(map[model.CoverageType]bool, len(reqs))
	out := make([]model.TemplateCoverageRequirement, 0, len(reqs))
	for _, r := range reqs {
		if seen[r.CoverageType] {
			continue
		}
		seen[r.CoverageType] = true
		out = append(out, r)
	}
	return out
}

func anyExpired(coverages []model.ExtractedCoverage, today time.Time) bool {
	for _, c := range coverages {
		if c.ExpirationDate != nil && c.ExpirationDate.Before(today) {
			return true
		}
	}
	return false
}

// EarliestExpiration returns the earliest expiration date among coverages whose
// type appears in the requirement set, or among all coverages when there are
// no requirements.
func EarliestExpiration(reqs []model.TemplateCoverageRequirement, coverages []model.ExtractedCoverage) *time.Time {
	relevant := make(map[model.CoverageType]bool, len(reqs))
	for _, r := range reqs {
		relevant[r.CoverageType] = true
	}
	var earliest *time.Time
	for _, c := range coverages {
		if c.ExpirationDate == nil {
			continue
		}
		if len(relevant) > 0 && !relevant[c.CoverageType] {
			continue
		}
		if earliest == nil || c.ExpirationDate.Before(*earliest) {
			d := *c.ExpirationDate
			earliest = &d
		}
	}
	return earliest
}

func resultID(certID, kind, key string) string {
	return uuid.NewSHA1(resultNamespace, []byte(certID+"/"+kind+"/"+key)).String()
}

// ResolveStatus returns the status to present for an entity. A manual review
// hold always wins over the evaluated status.
func ResolveStatus(underReview bool, derived model.ComplianceStatus) model.ComplianceStatus {
	e := model.Entity{UnderReview: underReview, ComplianceStatus: derived}
	return e.EffectiveStatus()
}
