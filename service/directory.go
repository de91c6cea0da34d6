package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/AnTengye/coitrack/model"
	"github.com/AnTengye/coitrack/pkg/logger"
	"github.com/google/uuid"
)

// DirectoryService manages properties and the vendors and tenants at them
type DirectoryService struct {
	store      Store
	compliance *ComplianceService
	now        func() time.Time
}

func NewDirectoryService(store Store, compliance *ComplianceService) *DirectoryService {
	return &DirectoryService{store: store, compliance: compliance, now: time.Now}
}

// CreateProperty stores a property with its default templates and entities
func (s *DirectoryService) CreateProperty(ctx context.Context, orgID string, p *model.Property) (*model.Property, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return nil, invalid("name", "Property name is required.")
	}
	if err := s.checkTemplate(ctx, orgID, p.VendorTemplateID, model.CategoryVendor); err != nil {
		return nil, err
	}
	if err := s.checkTemplate(ctx, orgID, p.TenantTemplateID, model.CategoryTenant); err != nil {
		return nil, err
	}

	p.ID = uuid.New().String()
	p.OrgID = orgID
	p.CreatedAt = s.now()
	entities, err := preparePropertyEntities(p.ID, p.Entities)
	if err != nil {
		return nil, err
	}
	p.Entities = entities

	if err := s.store.CreateProperty(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to save property: %w", err)
	}
	return p, nil
}

// GetProperty returns a property owned by orgID
func (s *DirectoryService) GetProperty(ctx context.Context, orgID, id string) (*model.Property, error) {
	p, err := s.store.GetProperty(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.OrgID != orgID {
		return nil, ErrNotFound
	}
	return p, nil
}

// ReplacePropertyEntities swaps the required certificate holder and
// additional insureds, then re-evaluates everyone at the property.
func (s *DirectoryService) ReplacePropertyEntities(ctx context.Context, orgID, id string, entities []model.PropertyEntity) (*model.Property, int, error) {
	if _, err := s.GetProperty(ctx, orgID, id); err != nil {
		return nil, 0, err
	}
	prepared, err := preparePropertyEntities(id, entities)
	if err != nil {
		return nil, 0, err
	}
	if err := s.store.ReplacePropertyEntities(ctx, id, prepared); err != nil {
		return nil, 0, fmt.Errorf("failed to save property entities: %w", err)
	}

	affected, err := s.compliance.ReevaluateProperty(ctx, id)
	if err != nil {
		logger.Error(ctx, "Property re-evaluation incomplete", "property_id", id, "reevaluated", affected, "error", err)
	}
	p, err := s.store.GetProperty(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	return p, affected, nil
}

// CreateEntity adds a vendor or tenant to a property. It starts pending.
func (s *DirectoryService) CreateEntity(ctx context.Context, orgID string, e *model.Entity) (*model.Entity, error) {
	if !e.Ref.Kind.Valid() {
		return nil, invalid("kind", "Kind must be vendor or tenant.")
	}
	e.Name = strings.TrimSpace(e.Name)
	if e.Name == "" {
		return nil, invalid("name", "Name is required.")
	}
	if _, err := mail.ParseAddress(e.ContactEmail); err != nil {
		return nil, invalid("contact_email", "A valid contact email is required.")
	}
	if _, err := s.GetProperty(ctx, orgID, e.PropertyID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalid("property_id", "Unknown property.")
		}
		return nil, err
	}
	category := model.CategoryVendor
	if e.Ref.Kind == model.KindTenant {
		category = model.CategoryTenant
	}
	if err := s.checkTemplate(ctx, orgID, e.TemplateID, category); err != nil {
		return nil, err
	}

	e.Ref.ID = uuid.New().String()
	e.OrgID = orgID
	e.ComplianceStatus = model.CompliancePending
	e.UnderReview = false
	e.LastEvaluatedAt = nil
	e.LastCompliantAt = nil
	e.CompliantCertificateID = ""
	e.CreatedAt = s.now()
	if err := s.store.CreateEntity(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to save entity: %w", err)
	}
	return e, nil
}

// GetEntity returns an entity owned by orgID
func (s *DirectoryService) GetEntity(ctx context.Context, orgID string, ref model.EntityRef) (*model.Entity, error) {
	e, err := s.store.GetEntity(ctx, ref)
	if err != nil {
		return nil, err
	}
	if e.OrgID != orgID {
		return nil, ErrNotFound
	}
	return e, nil
}

// Notifications lists an entity's notification history, oldest first
func (s *DirectoryService) Notifications(ctx context.Context, orgID string, ref model.EntityRef) ([]model.Notification, error) {
	if _, err := s.GetEntity(ctx, orgID, ref); err != nil {
		return nil, err
	}
	return s.store.ListNotifications(ctx, ref)
}

// Certificates lists an entity's certificates, newest first
func (s *DirectoryService) Certificates(ctx context.Context, orgID string, ref model.EntityRef) ([]*model.Certificate, error) {
	if _, err := s.GetEntity(ctx, orgID, ref); err != nil {
		return nil, err
	}
	return s.store.ListCertificates(ctx, ref)
}

func (s *DirectoryService) checkTemplate(ctx context.Context, orgID, id string, category model.TemplateCategory) error {
	if id == "" {
		return nil
	}
	t, err := s.store.GetTemplate(ctx, id)
	if errors.Is(err, ErrNotFound) || (err == nil && !t.IsSystemDefault && t.OrgID != orgID) {
		return invalid("template_id", "Unknown template %s.", id)
	}
	if err != nil {
		return err
	}
	if t.Category != category {
		return invalid("template_id", "Template %q is for %ss.", t.Name, t.Category)
	}
	return nil
}

func preparePropertyEntities(propertyID string, in []model.PropertyEntity) ([]model.PropertyEntity, error) {
	out := make([]model.PropertyEntity, 0, len(in))
	for i, pe := range in {
		pe.Name = strings.TrimSpace(pe.Name)
		if pe.Name == "" {
			return nil, invalid("entities", "Entity %d needs a name.", i+1)
		}
		if pe.Kind != model.PropertyEntityCertificateHolder && pe.Kind != model.PropertyEntityAdditionalInsured {
			return nil, invalid("entities", "Entity %q must be a certificate_holder or additional_insured.", pe.Name)
		}
		pe.Address = strings.TrimSpace(pe.Address)
		pe.ID = uuid.New().String()
		pe.PropertyID = propertyID
		out = append(out, pe)
	}
	return out, nil
}
