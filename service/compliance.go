package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AnTengye/coitrack/compliance"
	"github.com/AnTengye/coitrack/model"
	"github.com/AnTengye/coitrack/pkg/events"
	"github.com/AnTengye/coitrack/pkg/logger"
	"github.com/AnTengye/coitrack/pkg/metrics"
)

// ComplianceReport is the stored verdict for one entity
type ComplianceReport struct {
	Entity        *model.Entity                  `json:"entity"`
	Status        model.ComplianceStatus         `json:"status"`
	Certificate   *model.Certificate             `json:"certificate,omitempty"`
	Coverages     []model.ExtractedCoverage      `json:"coverages"`
	Results       []model.ComplianceResult       `json:"results"`
	EntityResults []model.EntityComplianceResult `json:"entity_results"`
	Summary       *compliance.Summary            `json:"summary,omitempty"`
}

// ComplianceService re-evaluates entities and keeps their stored status,
// result rows and notification schedule in line with the latest certificate.
type ComplianceService struct {
	store     Store
	notifier  *Notifier
	publisher events.Publisher
	lookahead int
	loc       *time.Location
	now       func() time.Time
}

func NewComplianceService(store Store, notifier *Notifier, publisher events.Publisher, lookaheadDays int, loc *time.Location) *ComplianceService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &ComplianceService{
		store:     store,
		notifier:  notifier,
		publisher: publisher,
		lookahead: lookaheadDays,
		loc:       loc,
		now:       time.Now,
	}
}

// Today is the current calendar day in the configured timezone
func (s *ComplianceService) Today() time.Time {
	return model.CalendarDay(s.now(), s.loc)
}

// Reevaluate recomputes an entity's compliance from its latest confirmed
// certificate, replaces the stored results and plans notifications.
func (s *ComplianceService) Reevaluate(ctx context.Context, ref model.EntityRef) (*ComplianceReport, error) {
	return s.reevaluate(ctx, ref, "")
}

// reevaluate does the work of Reevaluate. A non-empty scheduleFrom replaces
// the stored status as the starting point for edge-triggered notices.
func (s *ComplianceService) reevaluate(ctx context.Context, ref model.EntityRef, scheduleFrom model.ComplianceStatus) (*ComplianceReport, error) {
	entity, err := s.store.GetEntity(ctx, ref)
	if err != nil {
		return nil, err
	}
	property, err := s.store.GetProperty(ctx, entity.PropertyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load property %s: %w", entity.PropertyID, err)
	}

	cert, err := s.store.LatestConfirmedCertificate(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		cert = nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load latest certificate: %w", err)
	}

	var reqs []model.TemplateCoverageRequirement
	if id := property.TemplateFor(entity); id != "" {
		tmpl, err := s.store.GetTemplate(ctx, id)
		switch {
		case err == nil:
			reqs = tmpl.Coverages
		case errors.Is(err, ErrNotFound):
			logger.Warn(ctx, "Assigned template not found", "template_id", id, "entity", ref.String())
		default:
			return nil, fmt.Errorf("failed to load template: %w", err)
		}
	}

	var coverages []model.ExtractedCoverage
	if cert != nil {
		if coverages, err = s.store.ListCoverages(ctx, cert.ID); err != nil {
			return nil, fmt.Errorf("failed to load coverages: %w", err)
		}
	}

	now := s.now()
	today := model.CalendarDay(now, s.loc)
	ev := compliance.Evaluate(compliance.Input{
		Certificate:      cert,
		Requirements:     reqs,
		Coverages:        coverages,
		PropertyEntities: property.Entities,
		Today:            today,
		LookaheadDays:    s.lookahead,
	})

	if cert != nil {
		if err := s.store.ReplaceComplianceResults(ctx, cert.ID, ev.Results, ev.EntityResults); err != nil {
			return nil, fmt.Errorf("failed to store compliance results: %w", err)
		}
	}

	// only a newly confirmed certificate restarts the escalation count
	var compliantCert string
	if cert != nil && cert.ID != entity.CompliantCertificateID &&
		(ev.Status == model.ComplianceCompliant || ev.Status == model.ComplianceExpiringSoon) {
		compliantCert = cert.ID
	}
	if err := s.store.UpdateEntityStatus(ctx, ref, ev.Status, now, compliantCert); err != nil {
		return nil, fmt.Errorf("failed to update entity status: %w", err)
	}

	previous := entity.ComplianceStatus
	metrics.EvaluationsTotal.WithLabelValues(string(ev.Status)).Inc()
	log := logger.WithEntity(ctx, string(ref.Kind), ref.ID)
	if previous != ev.Status {
		metrics.StatusTransitionsTotal.WithLabelValues(string(previous), string(ev.Status)).Inc()
		log.Info("Compliance status changed", "from", previous, "to", ev.Status)

		evt := events.StatusChanged{
			OrgID:      entity.OrgID,
			EntityKind: string(ref.Kind),
			EntityID:   ref.ID,
			From:       string(previous),
			To:         string(ev.Status),
			OccurredAt: now,
		}
		if cert != nil {
			evt.CertificateID = cert.ID
		}
		if err := s.publisher.PublishStatusChanged(ctx, evt); err != nil {
			log.Warn("Failed to publish status change", "error", err)
		}
	}

	if compliantCert != "" {
		entity.LastCompliantAt = &now
		entity.CompliantCertificateID = compliantCert
	}
	entity.ComplianceStatus = ev.Status
	entity.LastEvaluatedAt = &now

	// a manual review hold pauses automated notices
	if s.notifier != nil && !entity.UnderReview {
		if scheduleFrom == "" {
			scheduleFrom = previous
		}
		in := ScheduleInput{
			Entity:         entity,
			PreviousStatus: scheduleFrom,
			Status:         ev.Status,
			Today:          today,
			Now:            now,
		}
		if cert != nil {
			in.CertificateID = cert.ID
			in.Expiration = ev.Summary.EarliestExpiration
		}
		if err := s.notifier.Schedule(ctx, in); err != nil {
			log.Error("Failed to schedule notifications", "error", err)
		}
	}

	summary := ev.Summary
	return &ComplianceReport{
		Entity:        entity,
		Status:        compliance.ResolveStatus(entity.UnderReview, ev.Status),
		Certificate:   cert,
		Coverages:     coverages,
		Results:       ev.Results,
		EntityResults: ev.EntityResults,
		Summary:       &summary,
	}, nil
}

// Report returns the stored verdict without recomputing it
func (s *ComplianceService) Report(ctx context.Context, ref model.EntityRef) (*ComplianceReport, error) {
	entity, err := s.store.GetEntity(ctx, ref)
	if err != nil {
		return nil, err
	}
	report := &ComplianceReport{
		Entity:        entity,
		Status:        entity.EffectiveStatus(),
		Coverages:     []model.ExtractedCoverage{},
		Results:       []model.ComplianceResult{},
		EntityResults: []model.EntityComplianceResult{},
	}

	cert, err := s.store.LatestConfirmedCertificate(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return report, nil
	}
	if err != nil {
		return nil, err
	}
	report.Certificate = cert
	if report.Coverages, err = s.store.ListCoverages(ctx, cert.ID); err != nil {
		return nil, err
	}
	if report.Results, report.EntityResults, err = s.store.ListComplianceResults(ctx, cert.ID); err != nil {
		return nil, err
	}
	return report, nil
}

// SetUnderReview places or lifts a manual review hold. Lifting it
// re-evaluates so the entity shows a current status again, and notices
// held back during the review are raised as if the status had just changed.
func (s *ComplianceService) SetUnderReview(ctx context.Context, ref model.EntityRef, underReview bool) (*ComplianceReport, error) {
	entity, err := s.store.GetEntity(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetUnderReview(ctx, ref, underReview); err != nil {
		return nil, err
	}
	logger.WithEntity(ctx, string(ref.Kind), ref.ID).Info("Review hold changed", "under_review", underReview)
	if underReview {
		return s.Report(ctx, ref)
	}
	if !entity.UnderReview {
		return s.Reevaluate(ctx, ref)
	}
	return s.reevaluate(ctx, ref, model.ComplianceUnderReview)
}

// ReevaluateTemplate re-evaluates every entity the template applies to,
// whether through a property default or a lease-specific override.
func (s *ComplianceService) ReevaluateTemplate(ctx context.Context, templateID string) (int, error) {
	refs := make(map[model.EntityRef]bool)
	var ordered []model.EntityRef
	add := func(ref model.EntityRef) {
		if !refs[ref] {
			refs[ref] = true
			ordered = append(ordered, ref)
		}
	}

	overrides, err := s.store.ListEntities(ctx, EntityFilter{TemplateID: templateID})
	if err != nil {
		return 0, err
	}
	for _, e := range overrides {
		add(e.Ref)
	}

	properties, err := s.store.ListPropertiesByTemplate(ctx, templateID)
	if err != nil {
		return 0, err
	}
	for _, p := range properties {
		entities, err := s.store.ListEntities(ctx, EntityFilter{PropertyID: p.ID})
		if err != nil {
			return 0, err
		}
		for _, e := range entities {
			if p.TemplateFor(e) == templateID {
				add(e.Ref)
			}
		}
	}
	return s.reevaluateAll(ctx, ordered)
}

// ReevaluateProperty re-evaluates every entity at a property
func (s *ComplianceService) ReevaluateProperty(ctx context.Context, propertyID string) (int, error) {
	entities, err := s.store.ListEntities(ctx, EntityFilter{PropertyID: propertyID})
	if err != nil {
		return 0, err
	}
	refs := make([]model.EntityRef, 0, len(entities))
	for _, e := range entities {
		refs = append(refs, e.Ref)
	}
	return s.reevaluateAll(ctx, refs)
}

// ReevaluateAll re-evaluates every entity, or every entity of one org. Used
// by the periodic sweep so date-driven statuses advance without new uploads.
func (s *ComplianceService) ReevaluateAll(ctx context.Context, orgID string) (int, error) {
	entities, err := s.store.ListEntities(ctx, EntityFilter{OrgID: orgID})
	if err != nil {
		return 0, err
	}
	refs := make([]model.EntityRef, 0, len(entities))
	for _, e := range entities {
		refs = append(refs, e.Ref)
	}
	return s.reevaluateAll(ctx, refs)
}

// reevaluateAll keeps going past individual failures and reports them together
func (s *ComplianceService) reevaluateAll(ctx context.Context, refs []model.EntityRef) (int, error) {
	var errs []error
	done := 0
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := s.Reevaluate(ctx, ref); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ref, err))
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}
