// Package store persists documents, tenants, and the audit log. Two
// implementations exist: SQLite for local development and single-node
// deployments, PostgreSQL for everything else.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/qbilhub/docpipe/internal/model"
)

// ErrNotFound is returned when a document or tenant does not exist.
var ErrNotFound = eris.New("not found")

// InboxFilter specifies criteria for listing a tenant's inbox.
type InboxFilter struct {
	Status     model.Status `json:"status,omitempty"`
	UnreadOnly bool         `json:"unread_only,omitempty"`
	Limit      int          `json:"limit,omitempty"`
	Offset     int          `json:"offset,omitempty"`
}

// Store defines the persistence interface for the document pipeline.
//
// Stage-output writes (ApplyExtraction, ApplyResolution, MarkProcessed) set
// the payload and the follow-on status in a single statement so a crash
// between the two can never leave a document with data from one status and
// the label of another.
type Store interface {
	// Documents
	CreateDocument(ctx context.Context, doc *model.Document) (*model.Document, error)
	GetDocument(ctx context.Context, id int64) (*model.Document, error)
	ListInbox(ctx context.Context, targetTenantID int64, filter InboxFilter) ([]model.Document, error)
	UnreadCount(ctx context.Context, targetTenantID int64) (int, error)
	MarkRead(ctx context.Context, id int64) error

	// Status and stage outputs
	UpdateStatus(ctx context.Context, id int64, status model.Status) error
	ApplyExtraction(ctx context.Context, id int64, schema map[string]any) error
	ApplyResolution(ctx context.Context, id int64, mapped, scores map[string]any) error
	MarkProcessed(ctx context.Context, id int64, userID int64, linkedContractID *int64) error

	// Tenants
	CreateTenant(ctx context.Context, t *model.Tenant) (*model.Tenant, error)
	GetTenant(ctx context.Context, id int64) (*model.Tenant, error)

	// Audit
	AppendAudit(ctx context.Context, action string, documentID int64, detail string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
