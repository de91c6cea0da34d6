// Package compliance compares extracted certificate coverages with requirement
// templates and property entities. Everything here is pure: the same inputs
// always produce the same outputs and missing data is a result, never an error.
package compliance

import (
	"strings"

	"github.com/AnTengye/coitrack/model"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var amountPrinter = message.NewPrinter(language.English)

// Match is the outcome of checking one requirement against a certificate
type Match struct {
	Status         model.CoverageStatus
	GapDescription string
	Coverage       *model.ExtractedCoverage // nil when no coverage matched

	// Endorsement sub-checks; nil when the requirement does not ask for them
	AdditionalInsured   *bool
	WaiverOfSubrogation *bool
}

// MatchCoverage decides met, not_met or missing for one requirement.
//
// Coverages match on coverage type and limit type; a statutory (or untyped)
// requirement matches any coverage of the same type and ignores amounts. The
// first matching coverage wins. An exact amount satisfies the minimum.
func MatchCoverage(req model.TemplateCoverageRequirement, extracted []model.ExtractedCoverage) Match {
	cov := findCoverage(req, extracted)
	if cov == nil {
		return Match{Status: model.CoverageMissing}
	}

	m := Match{
		Coverage:            cov,
		AdditionalInsured:   subCheck(req.RequiresAdditionalInsured, cov.AdditionalInsuredListed),
		WaiverOfSubrogation: subCheck(req.RequiresWaiverOfSubrogation, cov.WaiverOfSubrogation),
	}

	switch {
	case req.IsStatutory() || req.MinimumLimit == nil:
		m.Status = model.CoverageMet
	case cov.LimitAmount == nil:
		m.Status = model.CoverageMissing
	case *cov.LimitAmount >= *req.MinimumLimit:
		m.Status = model.CoverageMet
	default:
		m.Status = model.CoverageNotMet
		m.GapDescription = amountPrinter.Sprintf("%s (%s) limit of $%d is below the required minimum of $%d",
			req.CoverageType.Label(), cov.LimitType.Label(), *cov.LimitAmount, *req.MinimumLimit)
	}

	if notes := subCheckNotes(m); notes != "" {
		if m.GapDescription != "" {
			m.GapDescription += "; " + notes
		} else {
			m.GapDescription = req.CoverageType.Label() + ": " + notes
		}
	}
	return m
}

func findCoverage(req model.TemplateCoverageRequirement, extracted []model.ExtractedCoverage) *model.ExtractedCoverage {
	for i := range extracted {
		c := &extracted[i]
		if c.CoverageType != req.CoverageType {
			continue
		}
		if req.IsStatutory() || c.LimitType == *req.LimitType {
			return c
		}
	}
	return nil
}

// subCheck evaluates a required endorsement. Unknown counts as not shown.
func subCheck(required bool, listed *bool) *bool {
	if !required {
		return nil
	}
	ok := listed != nil && *listed
	return &ok
}

func subCheckNotes(m Match) string {
	var notes []string
	if m.AdditionalInsured != nil && !*m.AdditionalInsured {
		notes = append(notes, "additional insured endorsement not shown")
	}
	if m.WaiverOfSubrogation != nil && !*m.WaiverOfSubrogation {
		notes = append(notes, "waiver of subrogation not shown")
	}
	return strings.Join(notes, "; ")
}
