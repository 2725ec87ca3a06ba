package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/erp-approval-api/internal/dto"
	"github.com/noah-isme/erp-approval-api/internal/models"
	appErrors "github.com/noah-isme/erp-approval-api/pkg/errors"
	"github.com/noah-isme/erp-approval-api/pkg/export"
)

type csvRenderer interface {
	Render(table export.Table) ([]byte, error)
}

type pdfRenderer interface {
	Render(table export.Table, title string) ([]byte, error)
}

// ExportFormat selects the rendered output type.
type ExportFormat string

const (
	ExportCSV ExportFormat = "csv"
	ExportPDF ExportFormat = "pdf"
)

// ExportService renders audit trails into downloadable files. Entries are
// exported oldest first so a trail reads in transition order.
type ExportService struct {
	audit  auditLister
	csv    csvRenderer
	pdf    pdfRenderer
	logger *zap.Logger
}

type auditLister interface {
	List(ctx context.Context, query dto.AuditQuery) ([]models.AuditEntry, error)
}

// NewExportService constructs the service with default renderers.
func NewExportService(audit auditLister, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{
		audit:  audit,
		csv:    export.NewCSVExporter(),
		pdf:    export.NewPDFExporter(),
		logger: logger,
	}
}

// AuditTrail renders the audit entries matching the query. Returns the file
// bytes and the content type to serve them under.
func (s *ExportService) AuditTrail(ctx context.Context, query dto.AuditQuery, format ExportFormat) ([]byte, string, error) {
	entries, err := s.audit.List(ctx, query)
	if err != nil {
		return nil, "", err
	}

	table := auditTable(entries)
	switch format {
	case ExportCSV:
		payload, err := s.csv.Render(table)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
		}
		return payload, "text/csv", nil
	case ExportPDF:
		title := fmt.Sprintf("Audit Trail %s", time.Now().UTC().Format("2006-01-02"))
		payload, err := s.pdf.Render(table, title)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
		}
		return payload, "application/pdf", nil
	default:
		return nil, "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}
}

func auditTable(entries []models.AuditEntry) export.Table {
	table := export.Table{
		Headers: []string{"Timestamp", "Actor", "Action", "Resource", "Resource ID", "Outcome", "Reason", "Details"},
		Rows:    make([][]string, 0, len(entries)),
	}
	for _, entry := range entries {
		actor := ""
		if entry.ActorID != nil {
			actor = *entry.ActorID
		}
		resourceID := ""
		if entry.ResourceID != nil {
			resourceID = *entry.ResourceID
		}
		details := ""
		if len(entry.Details) > 0 && json.Valid(entry.Details) {
			details = string(entry.Details)
		}
		table.Rows = append(table.Rows, []string{
			entry.CreatedAt.UTC().Format(time.RFC3339),
			actor,
			entry.Action,
			entry.Resource,
			resourceID,
			entry.Outcome,
			entry.Reason,
			details,
		})
	}
	return table
}
