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

type TemplateHandler struct {
	templates *service.TemplateService
}

func NewTemplateHandler(templates *service.TemplateService) *TemplateHandler {
	return &TemplateHandler{templates: templates}
}

type templateRequest struct {
	Name           string                              `json:"name"`
	Category       model.TemplateCategory              `json:"category"`
	Coverages      []model.TemplateCoverageRequirement `json:"coverages"`
	ConfirmCascade bool                                `json:"confirm_cascade"`
}

func (r *templateRequest) template() *model.RequirementTemplate {
	return &model.RequirementTemplate{Name: r.Name, Category: r.Category, Coverages: r.Coverages}
}

// List handles GET /api/templates
func (h *TemplateHandler) List(c *gin.Context) {
	list, err := h.templates.List(c.Request.Context(), middleware.GetOrg(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []*model.RequirementTemplate{}
	}
	c.JSON(http.StatusOK, gin.H{"templates": list})
}

// Create handles POST /api/templates
func (h *TemplateHandler) Create(c *gin.Context) {
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	t, err := h.templates.Create(c.Request.Context(), middleware.GetOrg(c), req.template())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// Get handles GET /api/templates/:id
func (h *TemplateHandler) Get(c *gin.Context) {
	t, err := h.templates.Get(c.Request.Context(), middleware.GetOrg(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// Update handles PUT /api/templates/:id. Editing a template in use needs
// confirm_cascade; the response reports how many entities were re-evaluated.
func (h *TemplateHandler) Update(c *gin.Context) {
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	t, affected, err := h.templates.Update(c.Request.Context(), middleware.GetOrg(c), c.Param("id"), req.template(), req.ConfirmCascade)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"template": t, "reevaluated": affected})
}

// Duplicate handles POST /api/templates/:id/duplicate
func (h *TemplateHandler) Duplicate(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "Invalid request")
		return
	}
	t, err := h.templates.Duplicate(c.Request.Context(), middleware.GetOrg(c), c.Param("id"), req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// Delete handles DELETE /api/templates/:id
func (h *TemplateHandler) Delete(c *gin.Context) {
	if err := h.templates.Delete(c.Request.Context(), middleware.GetOrg(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Template deleted"})
}
