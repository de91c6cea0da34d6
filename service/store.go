package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AnTengye/coitrack/model"
)

type PropertyRepository interface {
	CreateProperty(ctx context.Context, p *model.Property) error
	GetProperty(ctx context.Context, id string) (*model.Property, error)
	ReplacePropertyEntities(ctx context.Context, propertyID string, entities []model.PropertyEntity) error
	ListPropertiesByTemplate(ctx context.Context, templateID string) ([]*model.Property, error)
}

// EntityFilter narrows ListEntities; empty fields match everything
type EntityFilter struct {
	OrgID      string
	PropertyID string
	TemplateID string // lease-specific override only
}

type EntityRepository interface {
	CreateEntity(ctx context.Context, e *model.Entity) error
	GetEntity(ctx context.Context, ref model.EntityRef) (*model.Entity, error)
	ListEntities(ctx context.Context, f EntityFilter) ([]*model.Entity, error)
	UpdateEntityStatus(ctx context.Context, ref model.EntityRef, status model.ComplianceStatus, evaluatedAt time.Time, compliantCertID string) error
	SetUnderReview(ctx context.Context, ref model.EntityRef, underReview bool) error
}

type TemplateRepository interface {
	CreateTemplate(ctx context.Context, t *model.RequirementTemplate) error
	GetTemplate(ctx context.Context, id string) (*model.RequirementTemplate, error)
	// ListTemplates returns the org's templates and the system defaults
	ListTemplates(ctx context.Context, orgID string) ([]*model.RequirementTemplate, error)
	UpdateTemplate(ctx context.Context, t *model.RequirementTemplate) error
	DeleteTemplate(ctx context.Context, id string) error
	TemplateInUse(ctx context.Context, id string) (bool, error)
}

type CertificateRepository interface {
	CreateCertificate(ctx context.Context, c *model.Certificate) error
	GetCertificate(ctx context.Context, id string) (*model.Certificate, error)
	ListCertificates(ctx context.Context, ref model.EntityRef) ([]*model.Certificate, error)
	// FindCertificateByHash returns the most recent certificate of ref with this content hash
	FindCertificateByHash(ctx context.Context, ref model.EntityRef, hash string) (*model.Certificate, error)
	// LatestConfirmedCertificate returns the newest review_confirmed certificate by upload time
	LatestConfirmedCertificate(ctx context.Context, ref model.EntityRef) (*model.Certificate, error)
	// TransitionCertificate moves a certificate from one status to another,
	// failing with ErrInvalidTransition when the stored status is not from.
	TransitionCertificate(ctx context.Context, id string, from, to model.ProcessingStatus, errMsg string) error
	// SaveExtraction stores coverages and parties and moves processing to
	// extracted as one unit.
	SaveExtraction(ctx context.Context, certID string, named model.NamedEntities, confidence float64, coverages []model.ExtractedCoverage) error
	ListCoverages(ctx context.Context, certID string) ([]model.ExtractedCoverage, error)
}

type ComplianceRepository interface {
	// ReplaceComplianceResults swaps the full result set of a certificate atomically
	ReplaceComplianceResults(ctx context.Context, certID string, results []model.ComplianceResult, entityResults []model.EntityComplianceResult) error
	ListComplianceResults(ctx context.Context, certID string) ([]model.ComplianceResult, []model.EntityComplianceResult, error)
}

type NotificationRepository interface {
	// InsertNotificationIfAbsent inserts n unless an active notification with
	// the same trigger exists, reporting whether it inserted.
	InsertNotificationIfAbsent(ctx context.Context, n *model.Notification) (bool, error)
	CreateNotification(ctx context.Context, n *model.Notification) error
	ListNotifications(ctx context.Context, ref model.EntityRef) ([]model.Notification, error)
	ListDueNotifications(ctx context.Context, day time.Time, limit int) ([]model.Notification, error)
	// ClaimNotification reserves a scheduled notification for sending. It
	// fails with ErrInvalidTransition when the row is no longer scheduled or
	// another dispatcher claimed it at or after staleBefore.
	ClaimNotification(ctx context.Context, id string, at, staleBefore time.Time) error
	// TransitionNotification moves a notification from one status to the
	// next. A claimed notification can no longer be cancelled.
	TransitionNotification(ctx context.Context, id string, from, to model.NotificationStatus, sentAt *time.Time, errMsg string) error
}

type TokenRepository interface {
	// CreateToken deactivates the entity's active tokens and stores t
	CreateToken(ctx context.Context, t *model.UploadPortalToken) error
	GetTokenByValue(ctx context.Context, token string) (*model.UploadPortalToken, error)
}

// Store is the full persistence surface of the service
type Store interface {
	PropertyRepository
	EntityRepository
	TemplateRepository
	CertificateRepository
	ComplianceRepository
	NotificationRepository
	TokenRepository
	Close()
}

// MemoryStore keeps everything in process. Used for development and tests;
// the data is lost on restart.
type MemoryStore struct {
	mu            sync.RWMutex
	properties    map[string]*model.Property
	entities      map[model.EntityRef]*model.Entity
	templates     map[string]*model.RequirementTemplate
	certificates  map[string]*model.Certificate
	coverages     map[string][]model.ExtractedCoverage
	results       map[string][]model.ComplianceResult
	entityResults map[string][]model.EntityComplianceResult
	notifications []*model.Notification
	tokens        map[string]*model.UploadPortalToken
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		properties:    make(map[string]*model.Property),
		entities:      make(map[model.EntityRef]*model.Entity),
		templates:     make(map[string]*model.RequirementTemplate),
		certificates:  make(map[string]*model.Certificate),
		coverages:     make(map[string][]model.ExtractedCoverage),
		results:       make(map[string][]model.ComplianceResult),
		entityResults: make(map[string][]model.EntityComplianceResult),
		tokens:        make(map[string]*model.UploadPortalToken),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) CreateProperty(_ context.Context, p *model.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.Entities = append([]model.PropertyEntity(nil), p.Entities...)
	s.properties[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProperty(_ context.Context, id string) (*model.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.properties[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	cp.Entities = append([]model.PropertyEntity(nil), p.Entities...)
	return &cp, nil
}

func (s *MemoryStore) ReplacePropertyEntities(_ context.Context, propertyID string, entities []model.PropertyEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.properties[propertyID]
	if !ok {
		return ErrNotFound
	}
	p.Entities = append([]model.PropertyEntity(nil), entities...)
	return nil
}

func (s *MemoryStore) ListPropertiesByTemplate(_ context.Context, templateID string) ([]*model.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Property
	for _, p := range s.properties {
		if p.VendorTemplateID == templateID || p.TenantTemplateID == templateID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateEntity(_ context.Context, e *model.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.entities[e.Ref] = &cp
	return nil
}

func (s *MemoryStore) GetEntity(_ context.Context, ref model.EntityRef) (*model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[ref]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ListEntities(_ context.Context, f EntityFilter) ([]*model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Entity
	for _, e := range s.entities {
		if f.OrgID != "" && e.OrgID != f.OrgID {
			continue
		}
		if f.PropertyID != "" && e.PropertyID != f.PropertyID {
			continue
		}
		if f.TemplateID != "" && e.TemplateID != f.TemplateID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.String() < out[j].Ref.String() })
	return out, nil
}

func (s *MemoryStore) UpdateEntityStatus(_ context.Context, ref model.EntityRef, status model.ComplianceStatus, evaluatedAt time.Time, compliantCertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[ref]
	if !ok {
		return ErrNotFound
	}
	e.ComplianceStatus = status
	e.LastEvaluatedAt = &evaluatedAt
	if compliantCertID != "" {
		t := evaluatedAt
		e.LastCompliantAt = &t
		e.CompliantCertificateID = compliantCertID
	}
	return nil
}

func (s *MemoryStore) SetUnderReview(_ context.Context, ref model.EntityRef, underReview bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[ref]
	if !ok {
		return ErrNotFound
	}
	e.UnderReview = underReview
	return nil
}

func copyTemplate(t *model.RequirementTemplate) *model.RequirementTemplate {
	cp := *t
	cp.Coverages = append([]model.TemplateCoverageRequirement(nil), t.Coverages...)
	return &cp
}

func (s *MemoryStore) CreateTemplate(_ context.Context, t *model.RequirementTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = copyTemplate(t)
	return nil
}

func (s *MemoryStore) GetTemplate(_ context.Context, id string) (*model.RequirementTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTemplate(t), nil
}

func (s *MemoryStore) ListTemplates(_ context.Context, orgID string) ([]*model.RequirementTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.RequirementTemplate
	for _, t := range s.templates {
		if t.IsSystemDefault || t.OrgID == orgID {
			out = append(out, copyTemplate(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsSystemDefault != out[j].IsSystemDefault {
			return out[i].IsSystemDefault
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *MemoryStore) UpdateTemplate(_ context.Context, t *model.RequirementTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[t.ID]; !ok {
		return ErrNotFound
	}
	s.templates[t.ID] = copyTemplate(t)
	return nil
}

func (s *MemoryStore) DeleteTemplate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return ErrNotFound
	}
	delete(s.templates, id)
	return nil
}

func (s *MemoryStore) TemplateInUse(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.properties {
		if p.VendorTemplateID == id || p.TenantTemplateID == id {
			return true, nil
		}
	}
	for _, e := range s.entities {
		if e.TemplateID == id {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) CreateCertificate(_ context.Context, c *model.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.certificates[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCertificate(_ context.Context, id string) (*model.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.certificates[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// certificatesOf returns ref's certificates, newest first. Must be called with lock held.
func (s *MemoryStore) certificatesOf(ref model.EntityRef) []*model.Certificate {
	var out []*model.Certificate
	for _, c := range s.certificates {
		if c.Ref() == ref {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].UploadedAt.After(out[j].UploadedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (s *MemoryStore) ListCertificates(_ context.Context, ref model.EntityRef) ([]*model.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.certificatesOf(ref), nil
}

func (s *MemoryStore) FindCertificateByHash(_ context.Context, ref model.EntityRef, hash string) (*model.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.certificatesOf(ref) {
		if c.FileHash == hash {
			return c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) LatestConfirmedCertificate(_ context.Context, ref model.EntityRef) (*model.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.certificatesOf(ref) {
		if c.ProcessingStatus == model.StatusReviewConfirmed {
			return c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) TransitionCertificate(_ context.Context, id string, from, to model.ProcessingStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certificates[id]
	if !ok {
		return ErrNotFound
	}
	if c.ProcessingStatus != from || !from.CanTransition(to) {
		return ErrInvalidTransition
	}
	c.ProcessingStatus = to
	c.ErrorMsg = errMsg
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SaveExtraction(_ context.Context, certID string, named model.NamedEntities, confidence float64, coverages []model.ExtractedCoverage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certificates[certID]
	if !ok {
		return ErrNotFound
	}
	if c.ProcessingStatus != model.StatusProcessing {
		return ErrInvalidTransition
	}
	c.ProcessingStatus = model.StatusExtracted
	c.NamedEntities = named
	c.Confidence = confidence
	c.UpdatedAt = time.Now()
	s.coverages[certID] = append([]model.ExtractedCoverage(nil), coverages...)
	return nil
}

func (s *MemoryStore) ListCoverages(_ context.Context, certID string) ([]model.ExtractedCoverage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.ExtractedCoverage(nil), s.coverages[certID]...), nil
}

func (s *MemoryStore) ReplaceComplianceResults(_ context.Context, certID string, results []model.ComplianceResult, entityResults []model.EntityComplianceResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[certID] = append([]model.ComplianceResult(nil), results...)
	s.entityResults[certID] = append([]model.EntityComplianceResult(nil), entityResults...)
	return nil
}

func (s *MemoryStore) ListComplianceResults(_ context.Context, certID string) ([]model.ComplianceResult, []model.EntityComplianceResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.ComplianceResult(nil), s.results[certID]...),
		append([]model.EntityComplianceResult(nil), s.entityResults[certID]...), nil
}

func (s *MemoryStore) InsertNotificationIfAbsent(_ context.Context, n *model.Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := n.TriggerKey()
	for _, existing := range s.notifications {
		if existing.Type.Deduplicated() && existing.Status.Active() && existing.TriggerKey() == key {
			return false, nil
		}
	}
	cp := *n
	s.notifications = append(s.notifications, &cp)
	return true, nil
}

func (s *MemoryStore) CreateNotification(_ context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.notifications = append(s.notifications, &cp)
	return nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, ref model.EntityRef) ([]model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Notification
	for _, n := range s.notifications {
		if n.Ref() == ref {
			out = append(out, *n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListDueNotifications(_ context.Context, day time.Time, limit int) ([]model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Notification
	for _, n := range s.notifications {
		if n.Status == model.NotificationScheduled && !n.ScheduledDate.After(day) {
			out = append(out, *n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledDate.Before(out[j].ScheduledDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimNotification(_ context.Context, id string, at, staleBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notifications {
		if n.ID != id {
			continue
		}
		if n.Status != model.NotificationScheduled || (n.ClaimedAt != nil && !n.ClaimedAt.Before(staleBefore)) {
			return ErrInvalidTransition
		}
		t := at
		n.ClaimedAt = &t
		return nil
	}
	return ErrNotFound
}

func (s *MemoryStore) TransitionNotification(_ context.Context, id string, from, to model.NotificationStatus, sentAt *time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notifications {
		if n.ID != id {
			continue
		}
		if n.Status != from || !from.CanTransition(to) {
			return ErrInvalidTransition
		}
		if to == model.NotificationCancelled && n.ClaimedAt != nil {
			return ErrInvalidTransition
		}
		n.Status = to
		n.SentDate = sentAt
		n.ErrorMsg = errMsg
		return nil
	}
	return ErrNotFound
}

func (s *MemoryStore) CreateToken(_ context.Context, t *model.UploadPortalToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := t.Ref()
	for _, existing := range s.tokens {
		if existing.IsActive && existing.Ref() == ref {
			existing.IsActive = false
		}
	}
	cp := *t
	s.tokens[t.Token] = &cp
	return nil
}

func (s *MemoryStore) GetTokenByValue(_ context.Context, token string) (*model.UploadPortalToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}
