package model

import (
	"fmt"
	"time"
)

// NotificationType is the reason a message is sent
type NotificationType string

const (
	NotificationExpirationWarning NotificationType = "expiration_warning"
	NotificationGap               NotificationType = "gap_notification"
	NotificationFollowUp          NotificationType = "follow_up_reminder"
	NotificationEscalation        NotificationType = "escalation"
	NotificationPortalUpload      NotificationType = "portal_upload"
)

// Deduplicated reports whether at most one live notification of this type may
// exist per trigger. Manual follow-ups and portal upload notices are exempt.
func (t NotificationType) Deduplicated() bool {
	return t != NotificationFollowUp && t != NotificationPortalUpload
}

// NotificationStatus is the delivery state of a notification
type NotificationStatus string

const (
	NotificationScheduled NotificationStatus = "scheduled"
	NotificationSent      NotificationStatus = "sent"
	NotificationFailed    NotificationStatus = "failed"
	NotificationCancelled NotificationStatus = "cancelled"
)

// CanTransition reports whether a notification may move from s to next.
// Only scheduled notifications change state.
func (s NotificationStatus) CanTransition(next NotificationStatus) bool {
	if s != NotificationScheduled {
		return false
	}
	return next == NotificationSent || next == NotificationFailed || next == NotificationCancelled
}

// Active reports whether the notification still counts for deduplication
func (s NotificationStatus) Active() bool {
	return s == NotificationScheduled || s == NotificationSent
}

// Notification is one scheduled or sent message about an entity
type Notification struct {
	ID            string             `json:"id"`
	VendorID      string             `json:"vendor_id,omitempty"`
	TenantID      string             `json:"tenant_id,omitempty"`
	CertificateID string             `json:"certificate_id,omitempty"`
	Type          NotificationType   `json:"type"`
	Status        NotificationStatus `json:"status"`
	TargetDate    time.Time          `json:"target_date"`
	LeadDays      int                `json:"lead_days"`
	ScheduledDate time.Time          `json:"scheduled_date"`
	SentDate      *time.Time         `json:"sent_date,omitempty"`
	Recipient     string             `json:"recipient,omitempty"`
	EmailSubject  string             `json:"email_subject"`
	ErrorMsg      string             `json:"error_msg,omitempty"`
	ClaimedAt     *time.Time         `json:"-"` // set while a dispatcher is sending it
	CreatedAt     time.Time          `json:"created_at"`
}

// Ref returns the vendor or tenant the notification concerns
func (n *Notification) Ref() EntityRef {
	ref, _ := RefOf(n.VendorID, n.TenantID)
	return ref
}

// TriggerKey identifies the trigger a notification was created for
func (n *Notification) TriggerKey() string {
	return fmt.Sprintf("%s|%s|%s|%d", n.Ref(), n.Type, n.TargetDate.Format("2006-01-02"), n.LeadDays)
}

// UploadPortalToken grants a vendor or tenant a self-service upload link
type UploadPortalToken struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	VendorID  string    `json:"vendor_id,omitempty"`
	TenantID  string    `json:"tenant_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Ref returns the vendor or tenant the token was issued for
func (t *UploadPortalToken) Ref() EntityRef {
	ref, _ := RefOf(t.VendorID, t.TenantID)
	return ref
}

// Usable reports whether the token currently grants access
func (t *UploadPortalToken) Usable(now time.Time) bool {
	return t.IsActive && now.Before(t.ExpiresAt)
}
