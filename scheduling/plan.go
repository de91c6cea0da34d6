// Package scheduling decides which notifications an entity should have, given
// its compliance state, the expiration of its latest certificate and what has
// already been scheduled or sent. It never sends anything itself.
package scheduling

import (
	"fmt"
	"sort"
	"time"

	"github.com/AnTengye/coitrack/model"
)

// Policy holds the tunable parts of the schedule
type Policy struct {
	LeadDays            []int // days before expiration, e.g. 30, 14, 7
	EscalationThreshold int   // sent gap/expiration notices before escalating
	// GapRepeatDays re-raises a gap notice while an entity stays non-compliant
	// or expired, counted from the last notice that went out. Zero disables it.
	GapRepeatDays int
}

// DefaultPolicy warns 30, 14 and 7 days ahead, repeats an unresolved gap
// weekly and escalates after three notices.
func DefaultPolicy() Policy {
	return Policy{LeadDays: []int{30, 14, 7}, EscalationThreshold: 3, GapRepeatDays: 7}
}

// Input describes one entity at the moment of planning
type Input struct {
	Entity              model.EntityRef
	EntityName          string
	Recipient           string
	EscalationRecipient string

	PreviousStatus model.ComplianceStatus // stored status before this evaluation
	CurrentStatus  model.ComplianceStatus

	CertificateID string     // latest confirmed certificate, "" when none
	Expiration    *time.Time // earliest relevant expiration on that certificate
	// LastCompliantAt is when a newly confirmed certificate last brought the
	// entity into compliance. Re-evaluating the same certificate leaves it alone.
	LastCompliantAt *time.Time

	History []model.Notification
	Today   time.Time // calendar day, see model.CalendarDay
	Now     time.Time
}

// Result lists new notifications to insert and scheduled ones to cancel
type Result struct {
	Create []model.Notification
	Cancel []model.Notification
}

// Plan computes the notification changes for one entity. Calling it twice
// with the same history yields no new rows the second time.
func (p Policy) Plan(in Input) Result {
	var res Result
	active := make(map[string]bool, len(in.History))
	for i := range in.History {
		if in.History[i].Status.Active() {
			active[in.History[i].TriggerKey()] = true
		}
	}
	add := func(n model.Notification) {
		key := n.TriggerKey()
		if active[key] {
			return
		}
		active[key] = true
		res.Create = append(res.Create, n)
	}

	for _, n := range p.expirationWarnings(in) {
		add(n)
	}
	enteredGap := in.CurrentStatus == model.ComplianceNonCompliant && in.PreviousStatus != model.ComplianceNonCompliant
	if enteredGap || p.gapDue(in) {
		add(p.notification(in, model.NotificationGap, in.Today, 0, in.Today, in.Recipient, gapSubject(in)))
	}
	if p.shouldEscalate(in) {
		recipient := in.EscalationRecipient
		if recipient == "" {
			recipient = in.Recipient
		}
		add(p.notification(in, model.NotificationEscalation, in.Today, 0, in.Today, recipient,
			fmt.Sprintf("Escalation: %s remains out of compliance", in.EntityName)))
	}

	res.Cancel = supersededWarnings(in)
	return res
}

// expirationWarnings returns one warning per lead time still ahead, plus a
// single catch-up warning for today when some lead times have already passed.
func (p Policy) expirationWarnings(in Input) []model.Notification {
	if in.Expiration == nil || in.Expiration.Before(in.Today) {
		return nil
	}
	exp := *in.Expiration

	var out []model.Notification
	catchUp := -1
	for _, lead := range p.leads() {
		at := exp.AddDate(0, 0, -lead)
		if at.Before(in.Today) {
			if catchUp < 0 || lead < catchUp {
				catchUp = lead
			}
			continue
		}
		out = append(out, p.notification(in, model.NotificationExpirationWarning, exp, lead, at, in.Recipient,
			expirationSubject(in.EntityName, lead, exp)))
	}
	if catchUp >= 0 {
		days := int(exp.Sub(in.Today).Hours() / 24)
		out = append(out, p.notification(in, model.NotificationExpirationWarning, exp, catchUp, in.Today, in.Recipient,
			expirationSubject(in.EntityName, days, exp)))
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ScheduledDate.Before(out[j].ScheduledDate)
	})
	return out
}

// leads returns the configured lead times, deduplicated and longest first
func (p Policy) leads() []int {
	seen := make(map[int]bool, len(p.LeadDays))
	var out []int
	for _, l := range p.LeadDays {
		if l < 0 || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

// gapDue reports whether an unresolved entity is owed a repeat gap notice.
// Only notices already due count: if one is still waiting to go out nothing
// is raised, otherwise the latest one must be GapRepeatDays old.
func (p Policy) gapDue(in Input) bool {
	if p.GapRepeatDays <= 0 || !unresolved(in.CurrentStatus) {
		return false
	}
	var last time.Time
	for i := range in.History {
		n := &in.History[i]
		if n.Type != model.NotificationGap && n.Type != model.NotificationExpirationWarning {
			continue
		}
		if n.ScheduledDate.After(in.Today) || n.Status == model.NotificationCancelled {
			continue
		}
		if n.Status == model.NotificationScheduled {
			return false
		}
		if n.ScheduledDate.After(last) {
			last = n.ScheduledDate
		}
	}
	if last.IsZero() {
		return false
	}
	return !last.AddDate(0, 0, p.GapRepeatDays).After(in.Today)
}

func unresolved(s model.ComplianceStatus) bool {
	return s == model.ComplianceNonCompliant || s == model.ComplianceExpired
}

// shouldEscalate counts sent gap and expiration notices since the later of the
// last escalation and the last time the entity was compliant.
func (p Policy) shouldEscalate(in Input) bool {
	if p.EscalationThreshold <= 0 {
		return false
	}
	if !unresolved(in.CurrentStatus) {
		return false
	}

	var since time.Time
	if in.LastCompliantAt != nil {
		since = *in.LastCompliantAt
	}
	for i := range in.History {
		n := &in.History[i]
		if n.Type == model.NotificationEscalation && n.Status != model.NotificationCancelled && n.CreatedAt.After(since) {
			since = n.CreatedAt
		}
	}

	count := 0
	for i := range in.History {
		n := &in.History[i]
		if n.Status != model.NotificationSent || n.SentDate == nil || !n.SentDate.After(since) {
			continue
		}
		if n.Type == model.NotificationGap || n.Type == model.NotificationExpirationWarning {
			count++
		}
	}
	return count >= p.EscalationThreshold
}

// supersededWarnings finds scheduled expiration warnings raised for an older
// certificate whose date the latest certificate no longer hits.
func supersededWarnings(in Input) []model.Notification {
	var out []model.Notification
	for _, n := range in.History {
		if n.Type != model.NotificationExpirationWarning || n.Status != model.NotificationScheduled {
			continue
		}
		if n.CertificateID == "" || n.CertificateID == in.CertificateID {
			continue
		}
		if in.Expiration == nil || in.Expiration.After(n.TargetDate) {
			out = append(out, n)
		}
	}
	return out
}

func (p Policy) notification(in Input, typ model.NotificationType, target time.Time, lead int, at time.Time, to, subject string) model.Notification {
	vendorID, tenantID := in.Entity.IDs()
	return model.Notification{
		VendorID:      vendorID,
		TenantID:      tenantID,
		CertificateID: in.CertificateID,
		Type:          typ,
		Status:        model.NotificationScheduled,
		TargetDate:    target,
		LeadDays:      lead,
		ScheduledDate: at,
		Recipient:     to,
		EmailSubject:  subject,
		CreatedAt:     in.Now,
	}
}

func gapSubject(in Input) string {
	if in.CurrentStatus == model.ComplianceExpired {
		return fmt.Sprintf("Insurance certificate for %s has expired", in.EntityName)
	}
	return fmt.Sprintf("Insurance certificate for %s does not meet requirements", in.EntityName)
}

func expirationSubject(name string, days int, exp time.Time) string {
	switch days {
	case 0:
		return fmt.Sprintf("Insurance for %s expires today (%s)", name, exp.Format("2006-01-02"))
	case 1:
		return fmt.Sprintf("Insurance for %s expires tomorrow (%s)", name, exp.Format("2006-01-02"))
	}
	return fmt.Sprintf("Insurance for %s expires in %d days (%s)", name, days, exp.Format("2006-01-02"))
}
