package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AnTengye/coitrack/model"
	"github.com/AnTengye/coitrack/pkg/logger"
	"github.com/AnTengye/coitrack/pkg/metrics"
	"github.com/AnTengye/coitrack/scheduling"
	"github.com/google/uuid"
)

// dispatchBatch bounds how many due notifications one DispatchDue call sends
const dispatchBatch = 500

// claimLease is how long a claim holds before a crashed dispatcher's rows
// can be picked up again
const claimLease = 15 * time.Minute

type NotifierConfig struct {
	Policy              scheduling.Policy
	EscalationRecipient string
	PortalBaseURL       string
	TokenTTL            time.Duration
	Location            *time.Location
}

// Notifier turns schedule plans into notification rows and delivers them
type Notifier struct {
	store  Store
	mailer Mailer
	cfg    NotifierConfig
	now    func() time.Time
}

func NewNotifier(store Store, mailer Mailer, cfg NotifierConfig) *Notifier {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 14 * 24 * time.Hour
	}
	if len(cfg.Policy.LeadDays) == 0 {
		cfg.Policy = scheduling.DefaultPolicy()
	}
	return &Notifier{store: store, mailer: mailer, cfg: cfg, now: time.Now}
}

// ScheduleInput is the outcome of one evaluation, as the notifier needs it
type ScheduleInput struct {
	Entity         *model.Entity
	PreviousStatus model.ComplianceStatus
	Status         model.ComplianceStatus
	CertificateID  string
	Expiration     *time.Time
	Today          time.Time
	Now            time.Time
}

// Schedule plans notifications for an entity and applies the plan. Inserts
// are guarded by the trigger key, so concurrent evaluations cannot schedule
// the same notice twice.
func (n *Notifier) Schedule(ctx context.Context, in ScheduleInput) error {
	ref := in.Entity.Ref
	history, err := n.store.ListNotifications(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to load notification history: %w", err)
	}

	plan := n.cfg.Policy.Plan(scheduling.Input{
		Entity:              ref,
		EntityName:          in.Entity.Name,
		Recipient:           in.Entity.ContactEmail,
		EscalationRecipient: n.cfg.EscalationRecipient,
		PreviousStatus:      in.PreviousStatus,
		CurrentStatus:       in.Status,
		CertificateID:       in.CertificateID,
		Expiration:          in.Expiration,
		LastCompliantAt:     in.Entity.LastCompliantAt,
		History:             history,
		Today:               in.Today,
		Now:                 in.Now,
	})

	log := logger.WithEntity(ctx, string(ref.Kind), ref.ID)
	for _, c := range plan.Cancel {
		err := n.store.TransitionNotification(ctx, c.ID, model.NotificationScheduled, model.NotificationCancelled, nil,
			"superseded by certificate "+in.CertificateID)
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			return fmt.Errorf("failed to cancel notification %s: %w", c.ID, err)
		}
		if err == nil {
			metrics.NotificationsTotal.WithLabelValues(string(c.Type), string(model.NotificationCancelled)).Inc()
		}
	}

	for i := range plan.Create {
		notif := plan.Create[i]
		notif.ID = uuid.New().String()
		inserted, err := n.store.InsertNotificationIfAbsent(ctx, &notif)
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", notif.Type, err)
		}
		if !inserted {
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(string(notif.Type), string(model.NotificationScheduled)).Inc()
		log.Info("Notification scheduled",
			"type", notif.Type,
			"scheduled_date", notif.ScheduledDate.Format("2006-01-02"),
			"lead_days", notif.LeadDays,
		)
	}
	return nil
}

// DispatchReport counts the outcome of one dispatch run
type DispatchReport struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// DispatchDue sends every scheduled notification whose date has arrived.
// Each row is claimed before it is sent, so a row cancelled meanwhile or
// taken by an overlapping run is skipped. A transport failure marks the row
// failed; nothing is retried.
func (n *Notifier) DispatchDue(ctx context.Context) (DispatchReport, error) {
	var report DispatchReport
	today := model.CalendarDay(n.now(), n.cfg.Location)
	due, err := n.store.ListDueNotifications(ctx, today, dispatchBatch)
	if err != nil {
		return report, fmt.Errorf("failed to list due notifications: %w", err)
	}

	for i := range due {
		notif := &due[i]
		entity, err := n.store.GetEntity(ctx, notif.Ref())
		if err != nil {
			logger.Error(ctx, "Notification entity not found", "notification_id", notif.ID, "error", err)
			continue
		}

		claimedAt := n.now()
		err = n.store.ClaimNotification(ctx, notif.ID, claimedAt, claimedAt.Add(-claimLease))
		if errors.Is(err, ErrInvalidTransition) {
			logger.Info(ctx, "Notification no longer due, skipping", "notification_id", notif.ID)
			continue
		}
		if err != nil {
			return report, fmt.Errorf("failed to claim notification %s: %w", notif.ID, err)
		}

		sendErr := n.deliver(ctx, notif, renderBody(notif, entity, ""))
		sentAt := n.now()
		status, errMsg := model.NotificationSent, ""
		if sendErr != nil {
			status, errMsg = model.NotificationFailed, sendErr.Error()
		}
		err = n.store.TransitionNotification(ctx, notif.ID, model.NotificationScheduled, status, &sentAt, errMsg)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return report, fmt.Errorf("failed to record notification %s: %w", notif.ID, err)
		}
		if sendErr != nil {
			report.Failed++
		} else {
			report.Sent++
		}
	}
	return report, nil
}

// FollowUpRequest is a manual reminder from a property manager
type FollowUpRequest struct {
	Message           string `json:"message"`
	IncludePortalLink bool   `json:"include_portal_link"`
}

// SendFollowUp sends a reminder immediately. Every call produces a new row,
// sent or failed, regardless of earlier notices.
func (n *Notifier) SendFollowUp(ctx context.Context, ref model.EntityRef, req FollowUpRequest) (*model.Notification, *PortalLink, error) {
	entity, err := n.store.GetEntity(ctx, ref)
	if err != nil {
		return nil, nil, err
	}

	var link *PortalLink
	if req.IncludePortalLink {
		if link, err = n.GeneratePortalLink(ctx, ref); err != nil {
			return nil, nil, err
		}
	}

	now := n.now()
	today := model.CalendarDay(now, n.cfg.Location)
	vendorID, tenantID := ref.IDs()
	notif := &model.Notification{
		ID:            uuid.New().String(),
		VendorID:      vendorID,
		TenantID:      tenantID,
		Type:          model.NotificationFollowUp,
		TargetDate:    today,
		ScheduledDate: today,
		Recipient:     entity.ContactEmail,
		EmailSubject:  fmt.Sprintf("Reminder: updated insurance certificate needed for %s", entity.Name),
		CreatedAt:     now,
	}
	if cert, err := n.store.LatestConfirmedCertificate(ctx, ref); err == nil {
		notif.CertificateID = cert.ID
	}

	url := ""
	if link != nil {
		url = link.URL
	}
	body := renderBody(notif, entity, url)
	if req.Message != "" {
		body = strings.TrimSpace(req.Message) + "\n\n" + body
	}

	sendErr := n.deliver(ctx, notif, body)
	sentAt := n.now()
	notif.SentDate = &sentAt
	notif.Status = model.NotificationSent
	if sendErr != nil {
		notif.Status = model.NotificationFailed
		notif.ErrorMsg = sendErr.Error()
	}
	if err := n.store.CreateNotification(ctx, notif); err != nil {
		return nil, nil, fmt.Errorf("failed to record follow-up: %w", err)
	}
	return notif, link, nil
}

// NotifyPortalUpload tells the property manager that a certificate arrived
// through the portal. Skipped when no manager address is configured.
func (n *Notifier) NotifyPortalUpload(ctx context.Context, cert *model.Certificate) (*model.Notification, error) {
	if n.cfg.EscalationRecipient == "" {
		return nil, nil
	}
	entity, err := n.store.GetEntity(ctx, cert.Ref())
	if err != nil {
		return nil, err
	}

	now := n.now()
	today := model.CalendarDay(now, n.cfg.Location)
	notif := &model.Notification{
		ID:            uuid.New().String(),
		VendorID:      cert.VendorID,
		TenantID:      cert.TenantID,
		CertificateID: cert.ID,
		Type:          model.NotificationPortalUpload,
		TargetDate:    today,
		ScheduledDate: today,
		Recipient:     n.cfg.EscalationRecipient,
		EmailSubject:  fmt.Sprintf("%s uploaded a new insurance certificate", entity.Name),
		CreatedAt:     now,
	}
	body := fmt.Sprintf("%s uploaded %q through the upload portal. Current status: %s.\n",
		entity.Name, cert.Filename, entity.EffectiveStatus())

	sendErr := n.deliver(ctx, notif, body)
	sentAt := n.now()
	notif.SentDate = &sentAt
	notif.Status = model.NotificationSent
	if sendErr != nil {
		notif.Status = model.NotificationFailed
		notif.ErrorMsg = sendErr.Error()
	}
	if err := n.store.CreateNotification(ctx, notif); err != nil {
		return nil, fmt.Errorf("failed to record portal upload notice: %w", err)
	}
	return notif, nil
}

func (n *Notifier) deliver(ctx context.Context, notif *model.Notification, body string) error {
	log := logger.WithContext(ctx).With("notification_id", notif.ID, "type", notif.Type)
	if notif.Recipient == "" {
		metrics.NotificationsTotal.WithLabelValues(string(notif.Type), string(model.NotificationFailed)).Inc()
		log.Warn("Notification has no recipient")
		return errors.New("no recipient")
	}
	if err := n.mailer.Send(ctx, notif.Recipient, notif.EmailSubject, body); err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(notif.Type), string(model.NotificationFailed)).Inc()
		log.Warn("Notification send failed", "error", err)
		return err
	}
	metrics.NotificationsTotal.WithLabelValues(string(notif.Type), string(model.NotificationSent)).Inc()
	log.Info("Notification sent")
	return nil
}

// PortalLink is a freshly issued upload link
type PortalLink struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GeneratePortalLink issues a new upload token for an entity and deactivates
// any token issued before it.
func (n *Notifier) GeneratePortalLink(ctx context.Context, ref model.EntityRef) (*PortalLink, error) {
	if _, err := n.store.GetEntity(ctx, ref); err != nil {
		return nil, err
	}
	value, err := newPortalToken()
	if err != nil {
		return nil, err
	}

	now := n.now()
	vendorID, tenantID := ref.IDs()
	tok := &model.UploadPortalToken{
		ID:        uuid.New().String(),
		Token:     value,
		VendorID:  vendorID,
		TenantID:  tenantID,
		ExpiresAt: now.Add(n.cfg.TokenTTL),
		IsActive:  true,
		CreatedAt: now,
	}
	if err := n.store.CreateToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("failed to save portal token: %w", err)
	}

	logger.WithEntity(ctx, string(ref.Kind), ref.ID).Info("Portal link generated", "expires_at", tok.ExpiresAt)
	return &PortalLink{
		Token:     value,
		URL:       strings.TrimRight(n.cfg.PortalBaseURL, "/") + "/portal/" + value,
		ExpiresAt: tok.ExpiresAt,
	}, nil
}

// newPortalToken returns 32 random bytes, url-safe encoded
func newPortalToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func renderBody(n *model.Notification, e *model.Entity, link string) string {
	var b strings.Builder
	switch n.Type {
	case model.NotificationExpirationWarning:
		fmt.Fprintf(&b, "The insurance certificate on file for %s expires on %s.\n", e.Name, n.TargetDate.Format("January 2, 2006"))
		b.WriteString("Please send an updated certificate before that date.\n")
	case model.NotificationGap:
		fmt.Fprintf(&b, "The insurance certificate on file for %s does not meet the property's requirements.\n", e.Name)
		b.WriteString("Please ask your insurance agent for a certificate that covers the missing items.\n")
	case model.NotificationEscalation:
		fmt.Fprintf(&b, "%s is still out of compliance after repeated notices.\n", e.Name)
		fmt.Fprintf(&b, "Current status: %s. Contact: %s.\n", e.EffectiveStatus(), e.ContactEmail)
	default:
		fmt.Fprintf(&b, "We still need an up-to-date insurance certificate for %s.\n", e.Name)
	}
	if link != "" {
		fmt.Fprintf(&b, "\nUpload it here: %s\n", link)
	}
	return b.String()
}
