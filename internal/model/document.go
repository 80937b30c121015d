// Package model defines the core domain types for the document pipeline:
// received documents, their status state machine, tenants, and the
// notification events published on state changes.
package model

import "time"

// Document is a trade document received from a counterpart tenant, the unit
// of work for the processing pipeline.
type Document struct {
	ID             int64  `json:"id"`
	SourceTenantID int64  `json:"source_tenant_id"`
	TargetTenantID int64  `json:"target_tenant_id"`
	Status         Status `json:"status"`
	DocumentType   string `json:"document_type"`
	DocumentURL    string `json:"document_url,omitempty"`

	// RawData is the producer-supplied payload as received. ExtractedSchema
	// is set by the extraction stage, MappedData and ConfidenceScores by the
	// resolution stage.
	RawData          map[string]any `json:"raw_data"`
	ExtractedSchema  map[string]any `json:"extracted_schema,omitempty"`
	MappedData       map[string]any `json:"mapped_data,omitempty"`
	ConfidenceScores map[string]any `json:"confidence_scores,omitempty"`

	LinkedContractID  *int64 `json:"linked_contract_id,omitempty"`
	IsRead            bool   `json:"is_read"`
	ProcessedByUserID *int64 `json:"processed_by_user_id,omitempty"`

	ReceivedAt  time.Time  `json:"received_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// Tenant is an organizational unit that sources or receives documents.
// The pipeline references tenants but never mutates them.
type Tenant struct {
	ID      int64  `json:"id"`
	Code    string `json:"code"`
	Name    string `json:"name"`
	LogoURL string `json:"logo_url,omitempty"`
}

// AuditEntry is a write-only audit record. The pipeline appends entries for
// user-visible actions (retry, processing completion); nothing reads them back.
type AuditEntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	DocumentID int64     `json:"document_id"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Feedback is a human correction forwarded to the intelligence service for
// model retraining. Fire-and-forget, not part of the main stage chain.
type Feedback struct {
	SourceTenantCode string `json:"sourceTenantCode"`
	TargetTenantCode string `json:"targetTenantCode"`
	SourceField      string `json:"sourceField"`
	SourceValue      string `json:"sourceValue"`
	TargetField      string `json:"targetField"`
	CorrectedValue   string `json:"correctedValue"`
}
