package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/erp-approval-api/internal/dto"
	"github.com/noah-isme/erp-approval-api/internal/models"
	"github.com/noah-isme/erp-approval-api/internal/service"
	appErrors "github.com/noah-isme/erp-approval-api/pkg/errors"
	"github.com/noah-isme/erp-approval-api/pkg/response"
)

// PermissionHandler exposes the evaluation endpoint.
type PermissionHandler struct {
	service *service.PermissionService
	metrics *service.MetricsService
}

// NewPermissionHandler creates a new handler.
func NewPermissionHandler(svc *service.PermissionService, metrics *service.MetricsService) *PermissionHandler {
	return &PermissionHandler{service: svc, metrics: metrics}
}

// Evaluate godoc
// @Summary Evaluate a permission
// @Description Decide whether the actor may perform a module action, optionally for a resource and amount
// @Tags Permissions
// @Accept json
// @Produce json
// @Param actor_id query string false "Evaluate on behalf of another actor (admin only)"
// @Param payload body dto.EvaluateRequest true "Evaluation payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Security BearerAuth
// @Router /permissions/evaluate [post]
func (h *PermissionHandler) Evaluate(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid evaluation payload"))
		return
	}
	if req.Module == "" || req.Action == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "module and action are required"))
		return
	}

	actorID := claims.UserID
	if override := c.Query("actor_id"); override != "" {
		if claims.Role != models.RoleAdmin && claims.Role != models.RoleSuperAdmin {
			response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "only admins may evaluate for other actors"))
			return
		}
		actorID = override
	}

	decision, err := h.service.Evaluate(c.Request.Context(), actorID, req.Module, req.Action, models.EvaluationContext{
		ResourceID: req.ResourceID,
		Amount:     req.Amount,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.RecordDecision(string(decision.Outcome))

	response.JSON(c, http.StatusOK, dto.EvaluateResponse{Decision: decision}, nil)
}
