package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/AnTengye/coitrack/middleware"
	"github.com/AnTengye/coitrack/model"
	"github.com/AnTengye/coitrack/service"
	"github.com/gin-gonic/gin"
)

// DirectoryHandler serves properties, vendors and tenants, and the
// per-entity compliance and notification actions.
type DirectoryHandler struct {
	directory  *service.DirectoryService
	compliance *service.ComplianceService
	notifier   *service.Notifier
}

func NewDirectoryHandler(directory *service.DirectoryService, compliance *service.ComplianceService, notifier *service.Notifier) *DirectoryHandler {
	return &DirectoryHandler{directory: directory, compliance: compliance, notifier: notifier}
}

type propertyEntityInput struct {
	Kind    model.PropertyEntityKind `json:"kind"`
	Name    string                   `json:"name"`
	Address string                   `json:"address"`
}

type createPropertyRequest struct {
	Name             string                `json:"name"`
	VendorTemplateID string                `json:"vendor_template_id"`
	TenantTemplateID string                `json:"tenant_template_id"`
	Entities         []propertyEntityInput `json:"entities"`
}

type replaceEntitiesRequest struct {
	Entities []propertyEntityInput `json:"entities"`
}

type createEntityRequest struct {
	Kind         model.EntityKind `json:"kind"`
	PropertyID   string           `json:"property_id"`
	Name         string           `json:"name"`
	ContactEmail string           `json:"contact_email"`
	TemplateID   string           `json:"template_id"`
}

type reviewRequest struct {
	UnderReview *bool `json:"under_review"`
}

func toPropertyEntities(in []propertyEntityInput) []model.PropertyEntity {
	out := make([]model.PropertyEntity, 0, len(in))
	for _, e := range in {
		out = append(out, model.PropertyEntity{Kind: e.Kind, Name: e.Name, Address: e.Address})
	}
	return out
}

// entityRef reads /:kind/:id from the path
func entityRef(c *gin.Context) (model.EntityRef, bool) {
	ref := model.EntityRef{Kind: model.EntityKind(c.Param("kind")), ID: c.Param("id")}
	return ref, ref.Kind.Valid() && ref.ID != ""
}

// ownedEntity resolves the path entity within the caller's org, writing the
// error response itself when it cannot.
func (h *DirectoryHandler) ownedEntity(c *gin.Context) (*model.Entity, bool) {
	ref, ok := entityRef(c)
	if !ok {
		respondError(c, service.ErrNotFound)
		return nil, false
	}
	e, err := h.directory.GetEntity(c.Request.Context(), middleware.GetOrg(c), ref)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return e, true
}

// CreateProperty handles POST /api/properties
func (h *DirectoryHandler) CreateProperty(c *gin.Context) {
	var req createPropertyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	p, err := h.directory.CreateProperty(c.Request.Context(), middleware.GetOrg(c), &model.Property{
		Name:             req.Name,
		VendorTemplateID: req.VendorTemplateID,
		TenantTemplateID: req.TenantTemplateID,
		Entities:         toPropertyEntities(req.Entities),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// GetProperty handles GET /api/properties/:id
func (h *DirectoryHandler) GetProperty(c *gin.Context) {
	p, err := h.directory.GetProperty(c.Request.Context(), middleware.GetOrg(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// ReplacePropertyEntities handles PUT /api/properties/:id/entities
func (h *DirectoryHandler) ReplacePropertyEntities(c *gin.Context) {
	var req replaceEntitiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	p, affected, err := h.directory.ReplacePropertyEntities(c.Request.Context(), middleware.GetOrg(c), c.Param("id"), toPropertyEntities(req.Entities))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"property": p, "reevaluated": affected})
}

// CreateEntity handles POST /api/entities
func (h *DirectoryHandler) CreateEntity(c *gin.Context) {
	var req createEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	e, err := h.directory.CreateEntity(c.Request.Context(), middleware.GetOrg(c), &model.Entity{
		Ref:          model.EntityRef{Kind: req.Kind},
		PropertyID:   req.PropertyID,
		Name:         req.Name,
		ContactEmail: req.ContactEmail,
		TemplateID:   req.TemplateID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

// GetEntity handles GET /api/entities/:kind/:id
func (h *DirectoryHandler) GetEntity(c *gin.Context) {
	e, ok := h.ownedEntity(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"entity": e, "status": e.EffectiveStatus()})
}

// Compliance handles GET /api/entities/:kind/:id/compliance
func (h *DirectoryHandler) Compliance(c *gin.Context) {
	e, ok := h.ownedEntity(c)
	if !ok {
		return
	}
	report, err := h.compliance.Report(c.Request.Context(), e.Ref)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// SetReview handles PUT /api/entities/:kind/:id/review
func (h *DirectoryHandler) SetReview(c *gin.Context) {
	e, ok := h.ownedEntity(c)
	if !ok {
		return
	}
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UnderReview == nil {
		badRequest(c, "under_review is required")
		return
	}

	report, err := h.compliance.SetUnderReview(c.Request.Context(), e.Ref, *req.UnderReview)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// FollowUp handles POST /api/entities/:kind/:id/follow-up. The body is optional.
func (h *DirectoryHandler) FollowUp(c *gin.Context) {
	e, ok := h.ownedEntity(c)
	if !ok {
		return
	}
	var req service.FollowUpRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "Invalid request")
		return
	}

	n, link, err := h.notifier.SendFollowUp(c.Request.Context(), e.Ref, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notification": n, "portal_link": link})
}

// PortalLink handles POST /api/entities/:kind/:id/portal-link
func (h *DirectoryHandler) PortalLink(c *gin.Context) {
	e, ok := h.ownedEntity(c)
	if !ok {
		return
	}
	link, err := h.notifier.GeneratePortalLink(c.Request.Context(), e.Ref)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, link)
}

// Notifications handles GET /api/entities/:kind/:id/notifications
func (h *DirectoryHandler) Notifications(c *gin.Context) {
	e, ok := h.ownedEntity(c)
	if !ok {
		return
	}
	list, err := h.directory.Notifications(c.Request.Context(), e.OrgID, e.Ref)
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []model.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}

// Certificates handles GET /api/entities/:kind/:id/certificates
func (h *DirectoryHandler) Certificates(c *gin.Context) {
	e, ok := h.ownedEntity(c)
	if !ok {
		return
	}
	list, err := h.directory.Certificates(c.Request.Context(), e.OrgID, e.Ref)
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []*model.Certificate{}
	}
	c.JSON(http.StatusOK, gin.H{"certificates": list})
}
