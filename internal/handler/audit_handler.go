package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/erp-approval-api/internal/dto"
	"github.com/noah-isme/erp-approval-api/internal/service"
	appErrors "github.com/noah-isme/erp-approval-api/pkg/errors"
	"github.com/noah-isme/erp-approval-api/pkg/response"
)

// AuditHandler exposes the audit trail query and export endpoints.
type AuditHandler struct {
	audit  *service.AuditService
	export *service.ExportService
}

// NewAuditHandler creates a new handler.
func NewAuditHandler(audit *service.AuditService, export *service.ExportService) *AuditHandler {
	return &AuditHandler{audit: audit, export: export}
}

// List godoc
// @Summary Query audit trail
// @Description List audit entries oldest first so trails read in transition order
// @Tags Audit
// @Produce json
// @Param actor_id query string false "Filter by actor"
// @Param action query string false "Filter by action"
// @Param resource_id query string false "Filter by resource"
// @Param from query string false "Start date (YYYY-MM-DD)"
// @Param to query string false "End date (YYYY-MM-DD)"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /audit [get]
func (h *AuditHandler) List(c *gin.Context) {
	var query dto.AuditQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid audit query"))
		return
	}

	entries, err := h.audit.List(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}

// Export godoc
// @Summary Export audit trail
// @Description Download the audit entries matching the query as CSV or PDF
// @Tags Audit
// @Produce text/csv
// @Produce application/pdf
// @Param format query string true "Export format (csv or pdf)"
// @Param actor_id query string false "Filter by actor"
// @Param action query string false "Filter by action"
// @Param resource_id query string false "Filter by resource"
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Security BearerAuth
// @Router /audit/export [get]
func (h *AuditHandler) Export(c *gin.Context) {
	if h.export == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "export is disabled"))
		return
	}

	var query dto.AuditQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid audit query"))
		return
	}

	format := service.ExportFormat(c.DefaultQuery("format", "csv"))
	payload, contentType, err := h.export.AuditTrail(c.Request.Context(), query, format)
	if err != nil {
		response.Error(c, err)
		return
	}

	filename := fmt.Sprintf("audit-trail-%s.%s", time.Now().UTC().Format("20060102-150405"), format)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, contentType, payload)
}
