package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/qbilhub/docpipe/internal/db"
	"github.com/qbilhub/docpipe/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const pgDocumentColumns = `id, source_tenant_id, target_tenant_id, status, document_type, document_url,
	raw_data, extracted_schema, mapped_data, confidence_scores,
	linked_contract_id, is_read, processed_by_user_id,
	received_at, created_at, updated_at, processed_at`

// preparedStatements lists queries to prepare on each new connection. The
// worker hits these on every job delivery.
var preparedStatements = map[string]string{
	"get_document":     `SELECT ` + pgDocumentColumns + ` FROM documents WHERE id = $1`,
	"update_status":    `UPDATE documents SET status = $1, updated_at = $2 WHERE id = $3`,
	"apply_extraction": `UPDATE documents SET extracted_schema = $1, status = $2, updated_at = $3 WHERE id = $4`,
	"apply_resolution": `UPDATE documents SET mapped_data = $1, confidence_scores = $2, status = $3, updated_at = $4 WHERE id = $5`,
	"mark_read":        `UPDATE documents SET is_read = true, updated_at = $1 WHERE id = $2`,
	"unread_count":     `SELECT COUNT(*) FROM documents WHERE target_tenant_id = $1 AND is_read = false`,
	"get_tenant":       `SELECT id, code, name, logo_url FROM tenants WHERE id = $1`,
	"append_audit":     `INSERT INTO audit_log (id, action, document_id, detail, created_at) VALUES ($1, $2, $3, $4, $5)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Tests pass a pgxmock pool here.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for use by subsystems that need
// direct query access (e.g., batch import).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS tenants (
	id       BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	code     TEXT NOT NULL UNIQUE,
	name     TEXT NOT NULL,
	logo_url TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS documents (
	id                   BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	source_tenant_id     BIGINT NOT NULL REFERENCES tenants(id),
	target_tenant_id     BIGINT NOT NULL REFERENCES tenants(id),
	status               TEXT NOT NULL DEFAULT 'new',
	document_type        TEXT NOT NULL,
	document_url         TEXT NOT NULL DEFAULT '',
	raw_data             JSONB NOT NULL,
	extracted_schema     JSONB,
	mapped_data          JSONB,
	confidence_scores    JSONB,
	linked_contract_id   BIGINT,
	is_read              BOOLEAN NOT NULL DEFAULT false,
	processed_by_user_id BIGINT,
	received_at          TIMESTAMPTZ NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at         TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	action      TEXT NOT NULL,
	document_id BIGINT NOT NULL REFERENCES documents(id),
	detail      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_documents_target_tenant ON documents(target_tenant_id);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE INDEX IF NOT EXISTS idx_documents_target_unread ON documents(target_tenant_id, is_read);
CREATE INDEX IF NOT EXISTS idx_documents_target_received ON documents(target_tenant_id, received_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_log_document ON audit_log(document_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *model.Document) (*model.Document, error) {
	now := time.Now().UTC()

	rawJSON, err := json.Marshal(doc.RawData)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal raw data")
	}

	status := doc.Status
	if status == "" {
		status = model.StatusNew
	}
	receivedAt := doc.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}

	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO documents
		 (source_tenant_id, target_tenant_id, status, document_type, document_url, raw_data, is_read, received_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, false, $7, $8, $9)
		 RETURNING id`,
		doc.SourceTenantID, doc.TargetTenantID, string(status), doc.DocumentType, doc.DocumentURL,
		rawJSON, receivedAt, now, now,
	).Scan(&id)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert document")
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

func (s *PostgresStore) GetDocument(ctx context.Context, id int64) (*model.Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgDocumentColumns+` FROM documents WHERE id = $1`, id,
	)
	return scanPgDocument(row, id)
}

func (s *PostgresStore) ListInbox(ctx context.Context, targetTenantID int64, filter InboxFilter) ([]model.Document, error) {
	query := `SELECT ` + pgDocumentColumns + ` FROM documents WHERE target_tenant_id = $1`
	args := []any{targetTenantID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.UnreadOnly {
		query += ` AND is_read = false`
	}
	query += ` ORDER BY received_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list inbox")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		d, err := scanPgDocument(rows, 0)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, eris.Wrap(rows.Err(), "postgres: list inbox iterate")
}

func (s *PostgresStore) UnreadCount(ctx context.Context, targetTenantID int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM documents WHERE target_tenant_id = $1 AND is_read = false`,
		targetTenantID,
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: unread count")
}

func (s *PostgresStore) MarkRead(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET is_read = true, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark read %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "document %d", id)
	}
	return nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id int64, status model.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update status %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "document %d", id)
	}
	return nil
}

func (s *PostgresStore) ApplyExtraction(ctx context.Context, id int64, schema map[string]any) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal extracted schema")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET extracted_schema = $1, status = $2, updated_at = $3 WHERE id = $4`,
		schemaJSON, string(model.StatusResolvingEntities), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: apply extraction %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "document %d", id)
	}
	return nil
}

func (s *PostgresStore) ApplyResolution(ctx context.Context, id int64, mapped, scores map[string]any) error {
	mappedJSON, err := json.Marshal(mapped)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal mapped data")
	}
	scoresJSON, err := json.Marshal(scores)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal confidence scores")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET mapped_data = $1, confidence_scores = $2, status = $3, updated_at = $4 WHERE id = $5`,
		mappedJSON, scoresJSON, string(model.StatusMapping), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: apply resolution %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "document %d", id)
	}
	return nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, id int64, userID int64, linkedContractID *int64) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents
		 SET status = $1, processed_by_user_id = $2, linked_contract_id = $3, processed_at = $4, updated_at = $5
		 WHERE id = $6`,
		string(model.StatusProcessed), userID, linkedContractID, now, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark processed %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "document %d", id)
	}
	return nil
}

func (s *PostgresStore) CreateTenant(ctx context.Context, t *model.Tenant) (*model.Tenant, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tenants (code, name, logo_url) VALUES ($1, $2, $3) RETURNING id`,
		t.Code, t.Name, t.LogoURL,
	).Scan(&id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert tenant %s", t.Code)
	}

	created := *t
	created.ID = id
	return &created, nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, id int64) (*model.Tenant, error) {
	var t model.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, code, name, logo_url FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Code, &t.Name, &t.LogoURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "tenant %d", id)
		}
		return nil, eris.Wrapf(err, "postgres: get tenant %d", id)
	}
	return &t, nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, action string, documentID int64, detail string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, action, document_id, detail, created_at) VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), action, documentID, detail, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: append audit")
}

func scanPgDocument(row pgx.Row, id int64) (*model.Document, error) {
	var d model.Document
	var rawJSON []byte
	var schemaJSON, mappedJSON, scoresJSON *[]byte

	err := row.Scan(
		&d.ID, &d.SourceTenantID, &d.TargetTenantID, &d.Status, &d.DocumentType, &d.DocumentURL,
		&rawJSON, &schemaJSON, &mappedJSON, &scoresJSON,
		&d.LinkedContractID, &d.IsRead, &d.ProcessedByUserID,
		&d.ReceivedAt, &d.CreatedAt, &d.UpdatedAt, &d.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "document %d", id)
		}
		return nil, eris.Wrap(err, "postgres: scan document")
	}

	if err := json.Unmarshal(rawJSON, &d.RawData); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal raw data")
	}
	for _, col := range []struct {
		src *[]byte
		dst *map[string]any
	}{
		{schemaJSON, &d.ExtractedSchema},
		{mappedJSON, &d.MappedData},
		{scoresJSON, &d.ConfidenceScores},
	} {
		if col.src == nil {
			continue
		}
		if err := json.Unmarshal(*col.src, col.dst); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal document json")
		}
	}
	return &d, nil
}
