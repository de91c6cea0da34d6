package compliance

import (
	"testing"

	"github.com/AnTengye/coitrack/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func amount(v int64) *int64 { return &v }

func flag(v bool) *bool { return &v }

func limitType(t model.LimitType) *model.LimitType { return &t }

func glRequirement(min int64) model.TemplateCoverageRequirement {
	return model.TemplateCoverageRequirement{
		ID:           "req-gl",
		CoverageType: model.CoverageGeneralLiability,
		IsRequired:   true,
		MinimumLimit: amount(min),
		LimitType:    limitType(model.LimitPerOccurrence),
	}
}

func glCoverage(found *int64) model.ExtractedCoverage {
	return model.ExtractedCoverage{
		ID:           "cov-gl",
		CoverageType: model.CoverageGeneralLiability,
		LimitType:    model.LimitPerOccurrence,
		LimitAmount:  found,
	}
}

func TestMatchCoverageAmounts(t *testing.T) {
	tests := []struct {
		name  string
		found *int64
		want  model.CoverageStatus
	}{
		{"above minimum", amount(2000000), model.CoverageMet},
		{"exact boundary", amount(1000000), model.CoverageMet},
		{"one dollar short", amount(999999), model.CoverageNotMet},
		{"unknown amount", nil, model.CoverageMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := MatchCoverage(glRequirement(1000000), []model.ExtractedCoverage{glCoverage(tt.found)})
			assert.Equal(t, tt.want, m.Status)
		})
	}
}

func TestMatchCoverageGapDescriptionNamesBothAmounts(t *testing.T) {
	m := MatchCoverage(glRequirement(1000000), []model.ExtractedCoverage{glCoverage(amount(500000))})

	require.Equal(t, model.CoverageNotMet, m.Status)
	assert.Contains(t, m.GapDescription, "General Liability")
	assert.Contains(t, m.GapDescription, "$500,000")
	assert.Contains(t, m.GapDescription, "$1,000,000")
}

func TestMatchCoverageLimitTypesAreIndependent(t *testing.T) {
	aggregate := glCoverage(amount(5000000))
	aggregate.LimitType = model.LimitAggregate

	m := MatchCoverage(glRequirement(1000000), []model.ExtractedCoverage{aggregate})
	assert.Equal(t, model.CoverageMissing, m.Status)
	assert.Nil(t, m.Coverage)
}

func TestMatchCoverageStatutoryIgnoresAmounts(t *testing.T) {
	req := model.TemplateCoverageRequirement{
		CoverageType: model.CoverageWorkersCompensation,
		IsRequired:   true,
		LimitType:    limitType(model.LimitStatutory),
	}

	t.Run("present with any limit type", func(t *testing.T) {
		cov := model.ExtractedCoverage{CoverageType: model.CoverageWorkersCompensation, LimitType: model.LimitPerAccident}
		assert.Equal(t, model.CoverageMet, MatchCoverage(req, []model.ExtractedCoverage{cov}).Status)
	})

	t.Run("present without amount", func(t *testing.T) {
		cov := model.ExtractedCoverage{CoverageType: model.CoverageWorkersCompensation, LimitType: model.LimitStatutory}
		assert.Equal(t, model.CoverageMet, MatchCoverage(req, []model.ExtractedCoverage{cov}).Status)
	})

	t.Run("absent", func(t *testing.T) {
		assert.Equal(t, model.CoverageMissing, MatchCoverage(req, []model.ExtractedCoverage{glCoverage(amount(1))}).Status)
	})

	t.Run("minimum on statutory row is ignored", func(t *testing.T) {
		withMin := req
		withMin.MinimumLimit = amount(10000000)
		cov := model.ExtractedCoverage{CoverageType: model.CoverageWorkersCompensation, LimitType: model.LimitStatutory, LimitAmount: amount(1)}
		assert.Equal(t, model.CoverageMet, MatchCoverage(withMin, []model.ExtractedCoverage{cov}).Status)
	})
}

func TestMatchCoverageFirstMatchWins(t *testing.T) {
	low := glCoverage(amount(100))
	high := glCoverage(amount(5000000))

	m := MatchCoverage(glRequirement(1000000), []model.ExtractedCoverage{low, high})
	assert.Equal(t, model.CoverageNotMet, m.Status)
}

func TestMatchCoverageSubChecks(t *testing.T) {
	req := glRequirement(1000000)
	req.RequiresAdditionalInsured = true
	req.RequiresWaiverOfSubrogation = true

	t.Run("both shown", func(t *testing.T) {
		cov := glCoverage(amount(1000000))
		cov.AdditionalInsuredListed = flag(true)
		cov.WaiverOfSubrogation = flag(true)
		m := MatchCoverage(req, []model.ExtractedCoverage{cov})
		assert.Equal(t, model.CoverageMet, m.Status)
		assert.True(t, *m.AdditionalInsured)
		assert.True(t, *m.WaiverOfSubrogation)
		assert.Empty(t, m.GapDescription)
	})

	t.Run("amount met but endorsement unknown", func(t *testing.T) {
		cov := glCoverage(amount(1000000))
		cov.WaiverOfSubrogation = flag(true)
		m := MatchCoverage(req, []model.ExtractedCoverage{cov})
		assert.Equal(t, model.CoverageMet, m.Status, "sub-checks do not change the primary status")
		assert.False(t, *m.AdditionalInsured)
		assert.Contains(t, m.GapDescription, "additional insured")
	})

	t.Run("not requested", func(t *testing.T) {
		m := MatchCoverage(glRequirement(1), []model.ExtractedCoverage{glCoverage(amount(1))})
		assert.Nil(t, m.AdditionalInsured)
		assert.Nil(t, m.WaiverOfSubrogation)
	})
}
