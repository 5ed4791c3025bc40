// Package processors contains the concrete job processors registered with
// the engine: CSV import, bulk update, and bulk delete.
package processors

import (
	"context"
	"fmt"
	"strings"

	"github.com/macrea/crmbatch/internal/crm"
	"github.com/macrea/crmbatch/internal/db/models"
	"github.com/macrea/crmbatch/internal/engine"
)

// fieldMapping translates common CSV headers (including the French exports
// our tenants upload) to CRM lead attributes. Unknown headers pass through
// unchanged.
var fieldMapping = map[string]string{
	"Email":       crm.EmailAttribute,
	"email":       crm.EmailAttribute,
	"Nom":         "lastName",
	"lastName":    "lastName",
	"name":        "name",
	"Prénom":      "firstName",
	"firstName":   "firstName",
	"Téléphone":   "phoneNumber",
	"phone":       "phoneNumber",
	"phoneNumber": "phoneNumber",
	"Entreprise":  "accountName",
	"company":     "accountName",
	"accountName": "accountName",
	"Ville":       "addressCity",
	"city":        "addressCity",
	"addressCity": "addressCity",
	"Status":      "status",
	"status":      "status",
	"Source":      "source",
	"source":      "source",
	"Website":     "website",
	"website":     "website",
	"Description": "description",
	"description": "description",
	"Industry":    "industry",
	"industry":    "industry",
}

// Import upserts CSV rows as leads, keyed by email address
type Import struct {
	crm crm.API
}

// NewImport creates the import processor
func NewImport(api crm.API) *Import {
	return &Import{crm: api}
}

// Type returns the job type this processor handles
func (p *Import) Type() models.JobType {
	return models.JobTypeImport
}

// ValidatePayload requires at least one row
func (p *Import) ValidatePayload(data *models.OperationData) error {
	if data == nil || len(data.Rows) == 0 {
		return fmt.Errorf("rows are required")
	}
	return nil
}

// CountItems returns the number of rows
func (p *Import) CountItems(data *models.OperationData) int {
	if data == nil {
		return 0
	}
	return len(data.Rows)
}

// ResolveItems maps each CSV row to CRM attributes, in original row order
func (p *Import) ResolveItems(_ context.Context, job *models.BatchJob) ([]engine.WorkItem, error) {
	if job.OperationData == nil {
		return nil, nil
	}
	items := make([]engine.WorkItem, 0, len(job.OperationData.Rows))
	for i, row := range job.OperationData.Rows {
		fields := mapFields(row)

		if fields["name"] == "" && (fields["firstName"] != "" || fields["lastName"] != "") {
			parts := make([]string, 0, 2)
			if fields["firstName"] != "" {
				parts = append(parts, fields["firstName"])
			}
			if fields["lastName"] != "" {
				parts = append(parts, fields["lastName"])
			}
			fields["name"] = strings.Join(parts, " ")
		}

		ref := fields[crm.EmailAttribute]
		if ref == "" {
			ref = fmt.Sprintf("row %d", i+1)
		}
		items = append(items, engine.WorkItem{Ref: ref, Fields: fields})
	}
	return items, nil
}

// ProcessOne upserts one lead. Rows without an email address cannot be keyed
// and are skipped, not failed.
func (p *Import) ProcessOne(ctx context.Context, job *models.BatchJob, item engine.WorkItem) (engine.Outcome, error) {
	if item.Fields[crm.EmailAttribute] == "" {
		return engine.OutcomeSkip, nil
	}
	if _, err := p.crm.UpsertLead(ctx, job.TenantID, item.Fields); err != nil {
		return "", fmt.Errorf("upsert failed: %w", err)
	}
	return engine.OutcomeSuccess, nil
}

// mapFields renames row keys per fieldMapping and drops empty values
func mapFields(row map[string]string) map[string]string {
	mapped := make(map[string]string, len(row))
	for key, value := range row {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		attr := key
		if renamed, ok := fieldMapping[key]; ok {
			attr = renamed
		}
		mapped[attr] = value
	}
	return mapped
}
