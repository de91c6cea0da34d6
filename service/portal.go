package service

import (
	"context"
	"errors"
	"time"

	"github.com/AnTengye/coitrack/model"
	"github.com/AnTengye/coitrack/pkg/logger"
	"github.com/AnTengye/coitrack/pkg/metrics"
	"github.com/AnTengye/coitrack/pkg/ratelimit"
)

// PortalConfig bounds what a portal link may do
type PortalConfig struct {
	MaxUploadBytes   int64
	UploadsPerWindow int
}

// PortalService is the gatekeeper for uploads made through a portal link
type PortalService struct {
	store        Store
	certificates *CertificateService
	notifier     *Notifier
	limiter      ratelimit.Limiter
	cfg          PortalConfig
	now          func() time.Time
}

func NewPortalService(store Store, certificates *CertificateService, notifier *Notifier, limiter ratelimit.Limiter, cfg PortalConfig) *PortalService {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.UploadsPerWindow <= 0 {
		cfg.UploadsPerWindow = 10
	}
	return &PortalService{
		store:        store,
		certificates: certificates,
		notifier:     notifier,
		limiter:      limiter,
		cfg:          cfg,
		now:          time.Now,
	}
}

// PortalView is what the portal page shows about its link
type PortalView struct {
	EntityKind   model.EntityKind                    `json:"entity_kind"`
	EntityName   string                              `json:"entity_name"`
	PropertyName string                              `json:"property_name"`
	ExpiresAt    time.Time                           `json:"expires_at"`
	Requirements []model.TemplateCoverageRequirement `json:"requirements"`
}

// resolve returns the usable token for value. Unknown, expired and
// deactivated tokens all produce ErrLinkUnavailable.
func (s *PortalService) resolve(ctx context.Context, value string) (*model.UploadPortalToken, error) {
	tok, err := s.store.GetTokenByValue(ctx, value)
	if errors.Is(err, ErrNotFound) || (err == nil && !tok.Usable(s.now())) {
		metrics.PortalRejectionsTotal.WithLabelValues("link_unavailable").Inc()
		return nil, ErrLinkUnavailable
	}
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// Describe returns the portal page for a token
func (s *PortalService) Describe(ctx context.Context, token string) (*PortalView, error) {
	tok, err := s.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	entity, err := s.store.GetEntity(ctx, tok.Ref())
	if err != nil {
		return nil, err
	}
	view := &PortalView{
		EntityKind:   entity.Ref.Kind,
		EntityName:   entity.Name,
		ExpiresAt:    tok.ExpiresAt,
		Requirements: []model.TemplateCoverageRequirement{},
	}
	property, err := s.store.GetProperty(ctx, entity.PropertyID)
	if err != nil {
		return nil, err
	}
	view.PropertyName = property.Name
	if id := property.TemplateFor(entity); id != "" {
		if tmpl, err := s.store.GetTemplate(ctx, id); err == nil {
			view.Requirements = tmpl.Coverages
		}
	}
	return view, nil
}

// Admit runs the first two gatekeeper checks, token then rate limit, and
// counts the attempt against the link's window. Call it before reading the
// request body so that unreadable or oversized bodies are counted too.
func (s *PortalService) Admit(ctx context.Context, token string) (*model.UploadPortalToken, error) {
	tok, err := s.resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	d := s.limiter.Allow(ctx, "portal:"+tok.ID, s.cfg.UploadsPerWindow)
	if !d.Allowed {
		metrics.RateLimitRejectionsTotal.WithLabelValues("portal").Inc()
		metrics.PortalRejectionsTotal.WithLabelValues("rate_limited").Inc()
		logger.Warn(ctx, "Portal upload rate limited", "token_id", tok.ID, "count", d.Count)
		return nil, &RateLimitError{RetryAfter: d.RetryAfter(s.now())}
	}
	return tok, nil
}

// AcceptUpload finishes an admitted attempt: file checks, then duplicate
// detection. Only then is the certificate created.
func (s *PortalService) AcceptUpload(ctx context.Context, tok *model.UploadPortalToken, file UploadFile, duplicateConfirmed bool) (*model.Certificate, error) {
	data, err := ReadUpload(file, s.cfg.MaxUploadBytes)
	if err != nil {
		metrics.PortalRejectionsTotal.WithLabelValues("invalid_file").Inc()
		return nil, err
	}

	cert, err := s.certificates.Upload(ctx, UploadRequest{
		Ref:                tok.Ref(),
		Filename:           file.Name,
		Content:            data,
		Source:             model.SourcePortalUpload,
		DuplicateConfirmed: duplicateConfirmed,
	})
	var dup *DuplicateWarning
	if errors.As(err, &dup) {
		metrics.PortalRejectionsTotal.WithLabelValues("duplicate").Inc()
	}
	return cert, err
}

// Extract is the second portal round trip: extraction of a certificate the
// same link uploaded.
func (s *PortalService) Extract(ctx context.Context, token, certID string) (*model.Certificate, error) {
	tok, err := s.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	cert, err := s.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, err
	}
	if cert.Ref() != tok.Ref() {
		return nil, ErrNotFound
	}
	cert, err = s.certificates.Extract(ctx, certID)
	if err != nil {
		return nil, err
	}
	if s.notifier != nil {
		if _, err := s.notifier.NotifyPortalUpload(ctx, cert); err != nil {
			logger.Warn(ctx, "Failed to notify property manager of portal upload", "certificate_id", cert.ID, "error", err)
		}
	}
	return cert, nil
}
