package model

import (
	"testing"
	"time"
)

func TestProcessingStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to ProcessingStatus
		want     bool
	}{
		{StatusProcessing, StatusExtracted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusReviewConfirmed, false},
		{StatusExtracted, StatusReviewConfirmed, true},
		{StatusExtracted, StatusFailed, true},
		{StatusExtracted, StatusProcessing, false},
		{StatusReviewConfirmed, StatusFailed, false},
		{StatusReviewConfirmed, StatusExtracted, false},
		{StatusFailed, StatusProcessing, false},
		{StatusFailed, StatusExtracted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestProcessingStatusTerminal(t *testing.T) {
	if StatusProcessing.IsTerminal() || StatusExtracted.IsTerminal() {
		t.Error("processing and extracted must not be terminal")
	}
	if !StatusReviewConfirmed.IsTerminal() || !StatusFailed.IsTerminal() {
		t.Error("review_confirmed and failed must be terminal")
	}
}

func TestRefOf(t *testing.T) {
	ref, err := RefOf("v1", "")
	if err != nil || ref.Kind != KindVendor || ref.ID != "v1" {
		t.Errorf("Expected vendor ref, got %v (%v)", ref, err)
	}
	ref, err = RefOf("", "t1")
	if err != nil || ref.Kind != KindTenant || ref.ID != "t1" {
		t.Errorf("Expected tenant ref, got %v (%v)", ref, err)
	}
	if _, err := RefOf("v1", "t1"); err != ErrEntityRef {
		t.Errorf("Expected ErrEntityRef for both ids, got %v", err)
	}
	if _, err := RefOf("", ""); err != ErrEntityRef {
		t.Errorf("Expected ErrEntityRef for no ids, got %v", err)
	}
}

func TestCalendarDay(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 02:00 UTC on the 5th is still the 4th in New York
	instant := time.Date(2026, 3, 5, 2, 0, 0, 0, time.UTC)

	if got := CalendarDay(instant, time.UTC); !got.Equal(time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("UTC calendar day = %v", got)
	}
	if got := CalendarDay(instant, ny); !got.Equal(time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("New York calendar day = %v", got)
	}
}

func TestNotificationStatusTransitions(t *testing.T) {
	for _, next := range []NotificationStatus{NotificationSent, NotificationFailed, NotificationCancelled} {
		if !NotificationScheduled.CanTransition(next) {
			t.Errorf("scheduled -> %s should be allowed", next)
		}
		if NotificationSent.CanTransition(next) || NotificationCancelled.CanTransition(next) {
			t.Errorf("terminal notification moved to %s", next)
		}
	}
	if NotificationScheduled.CanTransition(NotificationScheduled) {
		t.Error("scheduled -> scheduled should not be allowed")
	}
}

func TestRequirementValidate(t *testing.T) {
	limit := int64(1000000)
	statutory := LimitStatutory
	occurrence := LimitPerOccurrence

	tests := []struct {
		name    string
		req     TemplateCoverageRequirement
		wantErr bool
	}{
		{"amount with occurrence", TemplateCoverageRequirement{CoverageType: CoverageGeneralLiability, LimitType: &occurrence, MinimumLimit: &limit}, false},
		{"statutory without amount", TemplateCoverageRequirement{CoverageType: CoverageWorkersCompensation, LimitType: &statutory}, false},
		{"statutory with amount", TemplateCoverageRequirement{CoverageType: CoverageWorkersCompensation, LimitType: &statutory, MinimumLimit: &limit}, true},
		{"null limit type with amount", TemplateCoverageRequirement{CoverageType: CoverageCyberLiability, MinimumLimit: &limit}, true},
		{"unknown coverage", TemplateCoverageRequirement{CoverageType: "boat"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPortalTokenUsable(t *testing.T) {
	now := time.Now()
	tok := &UploadPortalToken{IsActive: true, ExpiresAt: now.Add(time.Hour)}
	if !tok.Usable(now) {
		t.Error("Expected active unexpired token to be usable")
	}
	tok.IsActive = false
	if tok.Usable(now) {
		t.Error("Expected inactive token to be unusable")
	}
	tok.IsActive = true
	tok.ExpiresAt = now.Add(-time.Second)
	if tok.Usable(now) {
		t.Error("Expected expired token to be unusable")
	}
}
