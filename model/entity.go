package model

import (
	"errors"
	"time"
)

// EntityKind distinguishes vendors from tenants
type EntityKind string

const (
	KindVendor EntityKind = "vendor"
	KindTenant EntityKind = "tenant"
)

// Valid reports whether k is a known entity kind
func (k EntityKind) Valid() bool {
	return k == KindVendor || k == KindTenant
}

// ErrEntityRef is returned when a record names both or neither of vendor/tenant
var ErrEntityRef = errors.New("exactly one of vendor_id or tenant_id must be set")

// EntityRef identifies one vendor or one tenant
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

func (r EntityRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

// IDs splits the reference into the vendor_id/tenant_id column pair
func (r EntityRef) IDs() (vendorID, tenantID string) {
	if r.Kind == KindVendor {
		return r.ID, ""
	}
	return "", r.ID
}

// RefOf builds a reference from a vendor_id/tenant_id pair, enforcing XOR
func RefOf(vendorID, tenantID string) (EntityRef, error) {
	switch {
	case vendorID != "" && tenantID == "":
		return EntityRef{Kind: KindVendor, ID: vendorID}, nil
	case tenantID != "" && vendorID == "":
		return EntityRef{Kind: KindTenant, ID: tenantID}, nil
	default:
		return EntityRef{}, ErrEntityRef
	}
}

// Entity is a vendor or tenant whose insurance is tracked at a property
type Entity struct {
	Ref                    EntityRef        `json:"ref"`
	OrgID                  string           `json:"org_id"`
	PropertyID             string           `json:"property_id"`
	Name                   string           `json:"name"`
	ContactEmail           string           `json:"contact_email"`
	TemplateID             string           `json:"template_id,omitempty"` // lease-specific override
	ComplianceStatus       ComplianceStatus `json:"compliance_status"`
	UnderReview            bool             `json:"under_review"`
	LastEvaluatedAt        *time.Time       `json:"last_evaluated_at,omitempty"`
	LastCompliantAt        *time.Time       `json:"last_compliant_at,omitempty"`
	// CompliantCertificateID is the certificate that last brought the entity
	// into compliance. LastCompliantAt only moves when it changes.
	CompliantCertificateID string           `json:"compliant_certificate_id,omitempty"`
	CreatedAt              time.Time        `json:"created_at"`
}

// EffectiveStatus is the status shown to users; the manual review flag wins
func (e *Entity) EffectiveStatus() ComplianceStatus {
	if e.UnderReview {
		return ComplianceUnderReview
	}
	if e.ComplianceStatus == "" {
		return CompliancePending
	}
	return e.ComplianceStatus
}

// PropertyEntityKind is the role a property entity must appear in on a certificate
type PropertyEntityKind string

const (
	PropertyEntityCertificateHolder PropertyEntityKind = "certificate_holder"
	PropertyEntityAdditionalInsured PropertyEntityKind = "additional_insured"
)

// Property is a managed property with its default templates and named entities
type Property struct {
	ID               string           `json:"id"`
	OrgID            string           `json:"org_id"`
	Name             string           `json:"name"`
	VendorTemplateID string           `json:"vendor_template_id,omitempty"`
	TenantTemplateID string           `json:"tenant_template_id,omitempty"`
	Entities         []PropertyEntity `json:"entities"`
	CreatedAt        time.Time        `json:"created_at"`
}

// TemplateFor returns the template that applies to an entity at this property
func (p *Property) TemplateFor(e *Entity) string {
	if e.TemplateID != "" {
		return e.TemplateID
	}
	if e.Ref.Kind == KindTenant {
		return p.TenantTemplateID
	}
	return p.VendorTemplateID
}

// PropertyEntity is a certificate holder or additional insured the property requires
type PropertyEntity struct {
	ID         string             `json:"id"`
	PropertyID string             `json:"property_id"`
	Kind       PropertyEntityKind `json:"kind"`
	Name       string             `json:"name"`
	Address    string             `json:"address,omitempty"`
}
