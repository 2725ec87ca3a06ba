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

// AccessHandler exposes role and grant administration endpoints.
type AccessHandler struct {
	service *service.AccessService
}

// NewAccessHandler creates a new handler.
func NewAccessHandler(svc *service.AccessService) *AccessHandler {
	return &AccessHandler{service: svc}
}

// CreateRole godoc
// @Summary Create role
// @Tags Access
// @Accept json
// @Produce json
// @Param payload body dto.CreateRoleRequest true "Role payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Security BearerAuth
// @Router /roles [post]
func (h *AccessHandler) CreateRole(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.CreateRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid role payload"))
		return
	}
	if req.Code == "" || req.Name == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "code and name are required"))
		return
	}

	role, err := h.service.CreateRole(c.Request.Context(), req, claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, role)
}

// GetRole godoc
// @Summary Get role
// @Tags Access
// @Produce json
// @Param id path string true "Role ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Security BearerAuth
// @Router /roles/{id} [get]
func (h *AccessHandler) GetRole(c *gin.Context) {
	role, err := h.service.GetRole(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, role, nil)
}

// ListRoles godoc
// @Summary List roles
// @Tags Access
// @Produce json
// @Param active query bool false "Filter by active flag"
// @Param search query string false "Search code or name"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /roles [get]
func (h *AccessHandler) ListRoles(c *gin.Context) {
	filter := models.RoleFilter{Search: c.Query("search")}
	if raw := c.Query("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "active must be a boolean"))
			return
		}
		filter.Active = &active
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	roles, err := h.service.ListRoles(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, roles, nil)
}

// SetRoleActive godoc
// @Summary Activate or deactivate role
// @Tags Access
// @Accept json
// @Produce json
// @Param id path string true "Role ID"
// @Param payload body map[string]bool true "Active flag"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Security BearerAuth
// @Router /roles/{id}/active [patch]
func (h *AccessHandler) SetRoleActive(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var payload struct {
		Active bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	if err := h.service.SetRoleActive(c.Request.Context(), c.Param("id"), payload.Active, claims.UserID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// AssignRole godoc
// @Summary Assign role to actor
// @Tags Access
// @Accept json
// @Produce json
// @Param payload body dto.AssignRoleRequest true "Assignment payload"
// @Success 204 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Security BearerAuth
// @Router /roles/assignments [post]
func (h *AccessHandler) AssignRole(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.AssignRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid assignment payload"))
		return
	}
	if req.ActorID == "" || req.RoleID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "actor_id and role_id are required"))
		return
	}

	if err := h.service.AssignRole(c.Request.Context(), req, claims.UserID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// RevokeRole godoc
// @Summary Revoke role assignment
// @Tags Access
// @Produce json
// @Param actorId path string true "Actor ID"
// @Param roleId path string true "Role ID"
// @Success 204 {object} response.Envelope
// @Security BearerAuth
// @Router /roles/assignments/{actorId}/{roleId} [delete]
func (h *AccessHandler) RevokeRole(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.RevokeRole(c.Request.Context(), c.Param("actorId"), c.Param("roleId"), claims.UserID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// CreateGrant godoc
// @Summary Create permission grant
// @Description Create a grant for a (role, module, action) key, retiring any previous active grant
// @Tags Access
// @Accept json
// @Produce json
// @Param payload body dto.CreateGrantRequest true "Grant payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Security BearerAuth
// @Router /grants [post]
func (h *AccessHandler) CreateGrant(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.CreateGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid grant payload"))
		return
	}

	grant, err := h.service.CreateGrant(c.Request.Context(), req, claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, grant)
}

// ListGrants godoc
// @Summary List permission grants
// @Tags Access
// @Produce json
// @Param role_id query string false "Filter by role"
// @Param module query string false "Filter by module"
// @Param action query string false "Filter by action"
// @Param active query bool false "Filter by active flag"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /grants [get]
func (h *AccessHandler) ListGrants(c *gin.Context) {
	filter := models.GrantFilter{
		RoleID: c.Query("role_id"),
		Module: c.Query("module"),
		Action: c.Query("action"),
	}
	if raw := c.Query("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "active must be a boolean"))
			return
		}
		filter.Active = &active
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	grants, err := h.service.ListGrants(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, grants, nil)
}

// GetGrant godoc
// @Summary Get permission grant
// @Tags Access
// @Produce json
// @Param id path string true "Grant ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Security BearerAuth
// @Router /grants/{id} [get]
func (h *AccessHandler) GetGrant(c *gin.Context) {
	grant, err := h.service.GetGrant(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, grant, nil)
}

// DeactivateGrant godoc
// @Summary Deactivate permission grant
// @Tags Access
// @Produce json
// @Param id path string true "Grant ID"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Security BearerAuth
// @Router /grants/{id} [delete]
func (h *AccessHandler) DeactivateGrant(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.DeactivateGrant(c.Request.Context(), c.Param("id"), claims.UserID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
