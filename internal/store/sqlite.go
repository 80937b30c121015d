package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/qbilhub/docpipe/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tenants (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	code     TEXT NOT NULL UNIQUE,
	name     TEXT NOT NULL,
	logo_url TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS documents (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	source_tenant_id     INTEGER NOT NULL REFERENCES tenants(id),
	target_tenant_id     INTEGER NOT NULL REFERENCES tenants(id),
	status               TEXT NOT NULL DEFAULT 'new',
	document_type        TEXT NOT NULL,
	document_url         TEXT NOT NULL DEFAULT '',
	raw_data             TEXT NOT NULL,
	extracted_schema     TEXT,
	mapped_data          TEXT,
	confidence_scores    TEXT,
	linked_contract_id   INTEGER,
	is_read              INTEGER NOT NULL DEFAULT 0,
	processed_by_user_id INTEGER,
	received_at          DATETIME NOT NULL,
	created_at           DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at           DATETIME NOT NULL DEFAULT (datetime('now')),
	processed_at         DATETIME
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	action      TEXT NOT NULL,
	document_id INTEGER NOT NULL REFERENCES documents(id),
	detail      TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_documents_target_tenant ON documents(target_tenant_id);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE INDEX IF NOT EXISTS idx_documents_target_unread ON documents(target_tenant_id, is_read);
CREATE INDEX IF NOT EXISTS idx_audit_log_document ON audit_log(document_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteDocumentColumns = `id, source_tenant_id, target_tenant_id, status, document_type, document_url,
	raw_data, extracted_schema, mapped_data, confidence_scores,
	linked_contract_id, is_read, processed_by_user_id,
	received_at, created_at, updated_at, processed_at`

func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *model.Document) (*model.Document, error) {
	now := time.Now().UTC()

	rawJSON, err := marshalMap(doc.RawData)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal raw data")
	}

	status := doc.Status
	if status == "" {
		status = model.StatusNew
	}
	receivedAt := doc.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents
		 (source_tenant_id, target_tenant_id, status, document_type, document_url, raw_data, is_read, received_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		doc.SourceTenantID, doc.TargetTenantID, string(status), doc.DocumentType, doc.DocumentURL,
		rawJSON.String, receivedAt, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert document")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: last insert id")
	}

	created := *doc
	created.ID = id
	created.Status = status
	created.IsRead = false
	created.ReceivedAt = receivedAt
	created.CreatedAt = now
	created.UpdatedAt = now
	return &created, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id int64) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteDocumentColumns+` FROM documents WHERE id = ?`, id,
	)
	return scanDocument(row, id)
}

func (s *SQLiteStore) ListInbox(ctx context.Context, targetTenantID int64, filter InboxFilter) ([]model.Document, error) {
	query := `SELECT ` + sqliteDocumentColumns + ` FROM documents WHERE target_tenant_id = ?`
	args := []any{targetTenantID}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.UnreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY received_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list inbox")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		d, err := scanDocument(rows, 0)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, eris.Wrap(rows.Err(), "sqlite: list inbox iterate")
}

func (s *SQLiteStore) UnreadCount(ctx context.Context, targetTenantID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE target_tenant_id = ? AND is_read = 0`,
		targetTenantID,
	).Scan(&count)
	return count, eris.Wrap(err, "sqlite: unread count")
}

func (s *SQLiteStore) MarkRead(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET is_read = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark read %d", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id int64, status model.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update status %d", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) ApplyExtraction(ctx context.Context, id int64, schema map[string]any) error {
	schemaJSON, err := marshalMap(schema)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal extracted schema")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET extracted_schema = ?, status = ?, updated_at = ? WHERE id = ?`,
		schemaJSON, string(model.StatusResolvingEntities), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: apply extraction %d", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) ApplyResolution(ctx context.Context, id int64, mapped, scores map[string]any) error {
	mappedJSON, err := marshalMap(mapped)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal mapped data")
	}
	scoresJSON, err := marshalMap(scores)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal confidence scores")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET mapped_data = ?, confidence_scores = ?, status = ?, updated_at = ? WHERE id = ?`,
		mappedJSON, scoresJSON, string(model.StatusMapping), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: apply resolution %d", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, id int64, userID int64, linkedContractID *int64) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents
		 SET status = ?, processed_by_user_id = ?, linked_contract_id = ?, processed_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(model.StatusProcessed), userID, linkedContractID, now, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark processed %d", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) CreateTenant(ctx context.Context, t *model.Tenant) (*model.Tenant, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (code, name, logo_url) VALUES (?, ?, ?)`,
		t.Code, t.Name, t.LogoURL,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert tenant %s", t.Code)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: last insert id")
	}

	created := *t
	created.ID = id
	return &created, nil
}

func (s *SQLiteStore) GetTenant(ctx context.Context, id int64) (*model.Tenant, error) {
	var t model.Tenant
	err := s.db.QueryRowContext(ctx,
		`SELECT id, code, name, logo_url FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Code, &t.Name, &t.LogoURL)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "tenant %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get tenant %d", id)
	}
	return &t, nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, action string, documentID int64, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, action, document_id, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), action, documentID, detail, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: append audit")
}

// helpers

func checkRowsAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "document %d", id)
	}
	return nil
}

// marshalMap serializes a map to a nullable JSON column; nil maps stay NULL.
func marshalMap(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalMap(s sql.NullString, target *map[string]any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), target)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDocument(row scannable, id int64) (*model.Document, error) {
	var d model.Document
	var rawJSON, schemaJSON, mappedJSON, scoresJSON sql.NullString
	var processedAt sql.NullTime

	err := row.Scan(
		&d.ID, &d.SourceTenantID, &d.TargetTenantID, &d.Status, &d.DocumentType, &d.DocumentURL,
		&rawJSON, &schemaJSON, &mappedJSON, &scoresJSON,
		&d.LinkedContractID, &d.IsRead, &d.ProcessedByUserID,
		&d.ReceivedAt, &d.CreatedAt, &d.UpdatedAt, &processedAt,
	)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "document %d", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan document")
	}

	if err := unmarshalMap(rawJSON, &d.RawData); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal raw data")
	}
	if err := unmarshalMap(schemaJSON, &d.ExtractedSchema); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal extracted schema")
	}
	if err := unmarshalMap(mappedJSON, &d.MappedData); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal mapped data")
	}
	if err := unmarshalMap(scoresJSON, &d.ConfidenceScores); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal confidence scores")
	}
	if processedAt.Valid {
		t := processedAt.Time
		d.ProcessedAt = &t
	}
	return &d, nil
}
