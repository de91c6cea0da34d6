package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/AnTengye/coitrack/model"
	"github.com/AnTengye/coitrack/pkg/events"
	"github.com/AnTengye/coitrack/pkg/ratelimit"
	"github.com/AnTengye/coitrack/scheduling"
	"github.com/stretchr/testify/require"
)

type fakeStorage struct {
	mu         sync.Mutex
	objects    map[string][]byte
	putErr     error
	presignErr error
}

func (s *fakeStorage) Put(_ context.Context, objectName string, r io.Reader, _ int64, _ string) error {
	if s.putErr != nil {
		return s.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectName] = data
	return nil
}

func (s *fakeStorage) PresignedURL(_ context.Context, objectName string) (string, error) {
	if s.presignErr != nil {
		return "", s.presignErr
	}
	return "https://storage.test/" + objectName, nil
}

func (s *fakeStorage) Remove(_ context.Context, objectName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectName)
	return nil
}

type fakeExtractor struct {
	mu      sync.Mutex
	result  *ExtractionResult
	err     error
	calls   int
	lastURL string
}

func (e *fakeExtractor) Extract(_ context.Context, documentURL, _ string) (*ExtractionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.lastURL = documentURL
	if e.err != nil {
		return nil, e.err
	}
	cp := *e.result
	return &cp, nil
}

type sentMail struct {
	to, subject, body string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.StatusChanged
	err    error
}

func (p *recordingPublisher) PublishStatusChanged(_ context.Context, e events.StatusChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

// windowLimiter is a single fixed window that follows the fixture clock
type windowLimiter struct {
	mu     sync.Mutex
	now    func() time.Time
	window time.Duration
	counts map[string]int
	opened time.Time
}

func (l *windowLimiter) Allow(_ context.Context, key string, limit int) ratelimit.Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil || !l.now().Before(l.opened.Add(l.window)) {
		l.counts = make(map[string]int)
		l.opened = l.now()
	}
	l.counts[key]++
	n := l.counts[key]
	return ratelimit.Decision{Allowed: n <= limit, Count: n, Limit: limit, ResetAt: l.opened.Add(l.window)}
}

// fixture wires every service over a MemoryStore with a controllable clock
type fixture struct {
	store     *MemoryStore
	storage   *fakeStorage
	extractor *fakeExtractor
	mailer    *fakeMailer
	publisher *recordingPublisher

	notifier     *Notifier
	compliance   *ComplianceService
	certificates *CertificateService
	templates    *TemplateService
	directory    *DirectoryService
	portal       *PortalService

	clock    time.Time
	property *model.Property
	vendor   *model.Entity
}

const testOrg = "org-1"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     NewMemoryStore(),
		storage:   &fakeStorage{objects: make(map[string][]byte)},
		extractor: &fakeExtractor{},
		mailer:    &fakeMailer{},
		publisher: &recordingPublisher{},
		clock:     time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
	}
	now := func() time.Time { return f.clock }

	f.notifier = NewNotifier(f.store, f.mailer, NotifierConfig{
		Policy:              scheduling.DefaultPolicy(),
		EscalationRecipient: "pm@harbor.test",
		PortalBaseURL:       "https://coi.test/",
	})
	f.notifier.now = now
	f.compliance = NewComplianceService(f.store, f.notifier, f.publisher, 30, time.UTC)
	f.compliance.now = now
	f.certificates = NewCertificateService(f.store, f.storage, f.extractor, f.compliance, time.Second)
	f.certificates.now = now
	f.templates = NewTemplateService(f.store, f.compliance)
	f.templates.now = now
	f.directory = NewDirectoryService(f.store, f.compliance)
	f.directory.now = now
	f.portal = NewPortalService(f.store, f.certificates, f.notifier, &windowLimiter{now: now, window: time.Hour}, PortalConfig{
		MaxUploadBytes:   1 << 20,
		UploadsPerWindow: 3,
	})
	f.portal.now = now

	ctx := context.Background()
	require.NoError(t, f.templates.SeedDefaults(ctx))

	prop, err := f.directory.CreateProperty(ctx, testOrg, &model.Property{
		Name:             "Harbor Plaza",
		VendorTemplateID: "system-vendor-standard",
		TenantTemplateID: "system-tenant-standard",
		Entities: []model.PropertyEntity{
			{Kind: model.PropertyEntityCertificateHolder, Name: "Harbor Plaza LLC"},
		},
	})
	require.NoError(t, err)
	f.property = prop
	f.vendor = f.addVendor(t, "Sparks Electric", "")
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func (f *fixture) today() time.Time {
	return model.CalendarDay(f.clock, time.UTC)
}

// date returns today shifted by days, as YYYY-MM-DD
func (f *fixture) date(days int) string {
	return f.today().AddDate(0, 0, days).Format("2006-01-02")
}

func (f *fixture) addVendor(t *testing.T, name, templateID string) *model.Entity {
	t.Helper()
	e, err := f.directory.CreateEntity(context.Background(), testOrg, &model.Entity{
		Ref:          model.EntityRef{Kind: model.KindVendor},
		PropertyID:   f.property.ID,
		Name:         name,
		ContactEmail: "ops@" + name[:3] + ".test",
		TemplateID:   templateID,
	})
	require.NoError(t, err)
	return e
}

func amount(v int64) *int64 { return &v }
func flag(v bool) *bool     { return &v }

// compliantResult meets every requirement of the standard vendor template
func compliantResult(expiration string) *ExtractionResult {
	return &ExtractionResult{
		Success: true,
		Coverages: []ExtractedLine{
			{CoverageType: "general_liability", LimitAmount: amount(2000000), LimitType: "per_occurrence", ExpirationDate: expiration, AdditionalInsuredListed: flag(true)},
			{CoverageType: "automobile_liability", LimitAmount: amount(1000000), LimitType: "combined_single_limit", ExpirationDate: expiration},
			{CoverageType: "workers_compensation", LimitType: "statutory", ExpirationDate: expiration, WaiverOfSubrogation: flag(true)},
		},
		NamedEntities: model.NamedEntities{
			InsuredName:       "Sparks Electric",
			CertificateHolder: model.Party{Name: "Harbor Plaza LLC"},
		},
		Confidence: 0.95,
	}
}

// lowLimitResult is compliantResult with general liability under the minimum
func lowLimitResult(expiration string) *ExtractionResult {
	r := compliantResult(expiration)
	r.Coverages[0].LimitAmount = amount(500000)
	return r
}

var uploadSeq int

func pdfContent() []byte {
	uploadSeq++
	return []byte(fmt.Sprintf("%%PDF-1.7\n%% certificate %d\n", uploadSeq))
}

// confirmCertificate uploads, extracts and confirms a certificate for ref
func (f *fixture) confirmCertificate(t *testing.T, ref model.EntityRef, result *ExtractionResult) *model.Certificate {
	t.Helper()
	ctx := context.Background()
	f.advance(time.Minute)
	f.extractor.result = result
	f.extractor.err = nil

	cert, err := f.certificates.Upload(ctx, UploadRequest{
		Ref: ref, Filename: "coi.pdf", Content: pdfContent(), Source: model.SourcePMUpload,
	})
	require.NoError(t, err)
	_, err = f.certificates.Extract(ctx, cert.ID)
	require.NoError(t, err)
	cert, err = f.certificates.Confirm(ctx, cert.ID)
	require.NoError(t, err)
	return cert
}

func (f *fixture) notifications(t *testing.T, ref model.EntityRef, typ model.NotificationType) []model.Notification {
	t.Helper()
	all, err := f.store.ListNotifications(context.Background(), ref)
	require.NoError(t, err)
	var out []model.Notification
	for _, n := range all {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func (f *fixture) status(t *testing.T, ref model.EntityRef) model.ComplianceStatus {
	t.Helper()
	e, err := f.store.GetEntity(context.Background(), ref)
	require.NoError(t, err)
	return e.EffectiveStatus()
}

var errBoom = errors.New("boom")
