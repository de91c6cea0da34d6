package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AnTengye/coitrack/model"
	"github.com/AnTengye/coitrack/pkg/logger"
	"github.com/google/uuid"
)

// TemplateService manages requirement templates. System templates are shared
// by every org and read-only; orgs duplicate them to customize.
type TemplateService struct {
	store      Store
	compliance *ComplianceService
	now        func() time.Time
}

func NewTemplateService(store Store, compliance *ComplianceService) *TemplateService {
	return &TemplateService{store: store, compliance: compliance, now: time.Now}
}

func (s *TemplateService) List(ctx context.Context, orgID string) ([]*model.RequirementTemplate, error) {
	return s.store.ListTemplates(ctx, orgID)
}

// Get returns a template visible to orgID
func (s *TemplateService) Get(ctx context.Context, orgID, id string) (*model.RequirementTemplate, error) {
	t, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsSystemDefault && t.OrgID != orgID {
		return nil, ErrNotFound
	}
	return t, nil
}

// Create stores a new org template at version 1
func (s *TemplateService) Create(ctx context.Context, orgID string, t *model.RequirementTemplate) (*model.RequirementTemplate, error) {
	now := s.now()
	t.ID = uuid.New().String()
	t.OrgID = orgID
	t.Version = 1
	t.IsSystemDefault = false
	t.CreatedAt = now
	t.UpdatedAt = now
	assignRequirementIDs(t)
	if err := validateTemplate(t); err != nil {
		return nil, err
	}
	if err := s.store.CreateTemplate(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to save template: %w", err)
	}
	return t, nil
}

// Update replaces a template's name and coverages and bumps its version.
// When the template is in use the caller must confirm the cascade; every
// affected entity is then re-evaluated.
func (s *TemplateService) Update(ctx context.Context, orgID, id string, in *model.RequirementTemplate, confirmCascade bool) (*model.RequirementTemplate, int, error) {
	current, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, 0, err
	}
	if current.IsSystemDefault {
		return nil, 0, ErrSystemTemplateReadOnly
	}

	updated := *current
	updated.Name = in.Name
	updated.Coverages = in.Coverages
	if in.Category != "" {
		updated.Category = in.Category
	}
	updated.Version = current.Version + 1
	updated.UpdatedAt = s.now()
	assignRequirementIDs(&updated)
	if err := validateTemplate(&updated); err != nil {
		return nil, 0, err
	}

	inUse, err := s.store.TemplateInUse(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if inUse && !confirmCascade {
		return nil, 0, ErrCascadeConfirmationRequired
	}
	if err := s.store.UpdateTemplate(ctx, &updated); err != nil {
		return nil, 0, fmt.Errorf("failed to save template: %w", err)
	}

	affected := 0
	if inUse {
		affected, err = s.compliance.ReevaluateTemplate(ctx, id)
		if err != nil {
			logger.Error(ctx, "Cascade re-evaluation incomplete", "template_id", id, "reevaluated", affected, "error", err)
		}
	}
	logger.Info(ctx, "Template updated", "template_id", id, "version", updated.Version, "reevaluated", affected)
	return &updated, affected, nil
}

// Duplicate copies any visible template into a new org template
func (s *TemplateService) Duplicate(ctx context.Context, orgID, id, name string) (*model.RequirementTemplate, error) {
	src, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	cp := *src
	cp.Coverages = append([]model.TemplateCoverageRequirement(nil), src.Coverages...)
	cp.Name = strings.TrimSpace(name)
	if cp.Name == "" {
		cp.Name = src.Name + " (copy)"
	}
	return s.Create(ctx, orgID, &cp)
}

// Delete removes an org template that nothing references
func (s *TemplateService) Delete(ctx context.Context, orgID, id string) error {
	t, err := s.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	if t.IsSystemDefault {
		return ErrSystemTemplateReadOnly
	}
	inUse, err := s.store.TemplateInUse(ctx, id)
	if err != nil {
		return err
	}
	if inUse {
		return ErrTemplateInUse
	}
	return s.store.DeleteTemplate(ctx, id)
}

// SeedDefaults installs the built-in system templates that are missing
func (s *TemplateService) SeedDefaults(ctx context.Context) error {
	for _, t := range DefaultTemplates() {
		_, err := s.store.GetTemplate(ctx, t.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		now := s.now()
		t.CreatedAt, t.UpdatedAt = now, now
		if err := s.store.CreateTemplate(ctx, t); err != nil {
			return fmt.Errorf("failed to seed template %s: %w", t.ID, err)
		}
	}
	return nil
}

func assignRequirementIDs(t *model.RequirementTemplate) {
	for i := range t.Coverages {
		t.Coverages[i].TemplateID = t.ID
		t.Coverages[i].ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/v%d/%d", t.ID, t.Version, i))).String()
	}
}

func validateTemplate(t *model.RequirementTemplate) error {
	t.Name = strings.TrimSpace(t.Name)
	if err := t.Validate(); err != nil {
		return &ValidationError{Field: "template", Code: CodeInvalid, Message: err.Error()}
	}
	return nil
}

// DefaultTemplates are the read-only system templates every org can use
func DefaultTemplates() []*model.RequirementTemplate {
	limit := func(v int64) *int64 { return &v }
	lt := func(v model.LimitType) *model.LimitType { return &v }

	vendor := &model.RequirementTemplate{
		ID:              "system-vendor-standard",
		Name:            "Standard Vendor",
		Category:        model.CategoryVendor,
		Version:         1,
		IsSystemDefault: true,
		Coverages: []model.TemplateCoverageRequirement{
			{CoverageType: model.CoverageGeneralLiability, IsRequired: true, MinimumLimit: limit(1000000), LimitType: lt(model.LimitPerOccurrence), RequiresAdditionalInsured: true},
			{CoverageType: model.CoverageAutomobileLiability, IsRequired: true, MinimumLimit: limit(1000000), LimitType: lt(model.LimitCombinedSingleLimit)},
			{CoverageType: model.CoverageWorkersCompensation, IsRequired: true, LimitType: lt(model.LimitStatutory), RequiresWaiverOfSubrogation: true},
			{CoverageType: model.CoverageUmbrellaExcessLiability, IsRequired: false, MinimumLimit: limit(2000000), LimitType: lt(model.LimitAggregate)},
		},
	}
	tenant := &model.RequirementTemplate{
		ID:              "system-tenant-standard",
		Name:            "Standard Tenant",
		Category:        model.CategoryTenant,
		Version:         1,
		IsSystemDefault: true,
		Coverages: []model.TemplateCoverageRequirement{
			{CoverageType: model.CoverageGeneralLiability, IsRequired: true, MinimumLimit: limit(1000000), LimitType: lt(model.LimitPerOccurrence), RequiresAdditionalInsured: true},
			{CoverageType: model.CoveragePropertyInlandMarine, IsRequired: false},
			{CoverageType: model.CoverageLiquorLiability, IsRequired: false, MinimumLimit: limit(1000000), LimitType: lt(model.LimitPerOccurrence)},
		},
	}
	assignRequirementIDs(vendor)
	assignRequirementIDs(tenant)
	return []*model.RequirementTemplate{vendor, tenant}
}
