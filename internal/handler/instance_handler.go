package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/erp-approval-api/internal/dto"
	"github.com/noah-isme/erp-approval-api/internal/models"
	"github.com/noah-isme/erp-approval-api/internal/service"
	appErrors "github.com/noah-isme/erp-approval-api/pkg/errors"
	"github.com/noah-isme/erp-approval-api/pkg/response"
)

// InstanceHandler exposes workflow instance lifecycle endpoints.
type InstanceHandler struct {
	service *service.WorkflowService
	metrics *service.MetricsService
}

// NewInstanceHandler creates a new handler.
func NewInstanceHandler(svc *service.WorkflowService, metrics *service.MetricsService) *InstanceHandler {
	return &InstanceHandler{service: svc, metrics: metrics}
}

// Create godoc
// @Summary Open workflow instance
// @Description Open a new instance from an active template, entering review at stage zero
// @Tags Instances
// @Accept json
// @Produce json
// @Param payload body dto.CreateInstanceRequest true "Instance payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Security BearerAuth
// @Router /instances [post]
func (h *InstanceHandler) Create(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.CreateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid instance payload"))
		return
	}
	if req.TemplateID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "template_id is required"))
		return
	}

	instance, err := h.service.CreateInstance(c.Request.Context(), req, claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.RecordTransition(string(instance.Status))
	response.Created(c, instance)
}

// Get godoc
// @Summary Get workflow instance
// @Description Fetch an instance with its approvals and current-stage SLA status
// @Tags Instances
// @Produce json
// @Param id path string true "Instance ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Security BearerAuth
// @Router /instances/{id} [get]
func (h *InstanceHandler) Get(c *gin.Context) {
	view, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view, nil)
}

// List godoc
// @Summary List workflow instances
// @Tags Instances
// @Produce json
// @Param requester_id query string false "Filter by requester"
// @Param template_id query string false "Filter by template"
// @Param status query []string false "Filter by status"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /instances [get]
func (h *InstanceHandler) List(c *gin.Context) {
	filter := models.InstanceFilter{
		RequesterID: c.Query("requester_id"),
		TemplateID:  c.Query("template_id"),
	}
	for _, raw := range c.QueryArray("status") {
		filter.Status = append(filter.Status, models.InstanceStatus(raw))
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	instances, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, instances, nil)
}

// Decide godoc
// @Summary Record approval decision
// @Description Apply the caller's vote to the instance's current stage
// @Tags Instances
// @Accept json
// @Produce json
// @Param id path string true "Instance ID"
// @Param payload body dto.DecisionRequest true "Decision payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Security BearerAuth
// @Router /instances/{id}/decisions [post]
func (h *InstanceHandler) Decide(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid decision payload"))
		return
	}
	if req.StageID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "stage_id is required"))
		return
	}

	instance, err := h.service.RecordDecision(c.Request.Context(), c.Param("id"), req, claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.RecordTransition(string(instance.Status))
	response.JSON(c, http.StatusOK, instance, nil)
}

// Delegate godoc
// @Summary Delegate approval slot
// @Description Reassign the caller's pending slot on the current stage to another actor
// @Tags Instances
// @Accept json
// @Produce json
// @Param id path string true "Instance ID"
// @Param payload body dto.DelegateRequest true "Delegation payload"
// @Success 204 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Security BearerAuth
// @Router /instances/{id}/delegate [post]
func (h *InstanceHandler) Delegate(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.DelegateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid delegation payload"))
		return
	}
	if req.StageID == "" || req.ToActorID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "stage_id and to_actor_id are required"))
		return
	}

	if err := h.service.Delegate(c.Request.Context(), c.Param("id"), req, claims.UserID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Cancel godoc
// @Summary Cancel workflow instance
// @Description Terminate a live instance; only the original requester may cancel
// @Tags Instances
// @Produce json
// @Param id path string true "Instance ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Security BearerAuth
// @Router /instances/{id}/cancel [post]
func (h *InstanceHandler) Cancel(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	instance, err := h.service.Cancel(c.Request.Context(), c.Param("id"), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.RecordTransition(string(instance.Status))
	response.JSON(c, http.StatusOK, instance, nil)
}

// Pending godoc
// @Summary List pending approvals
// @Description The caller's inbox: open slots on the current stage of live instances, including delegated slots
// @Tags Instances
// @Produce json
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /instances/pending [get]
func (h *InstanceHandler) Pending(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	pending, err := h.service.PendingFor(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, pending, nil)
}
