// Package postgres provides a PostgreSQL implementation of sagalog.Store
// built on sqlx and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/jcmexdev/tenant-sagas/internal/coordinator/sagalog"
)

// Schema is the DDL the repository expects. Apply it with Migrate or an
// external migration tool.
const Schema = `
CREATE TABLE IF NOT EXISTS saga_instances (
    id          TEXT PRIMARY KEY,
    name        TEXT        NOT NULL,
    status      TEXT        NOT NULL,
    start_date  TIMESTAMPTZ,
    end_date    TIMESTAMPTZ,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_saga_instances_status ON saga_instances(status);

CREATE TABLE IF NOT EXISTS saga_steps (
    id                TEXT PRIMARY KEY,
    saga_instance_id  TEXT        NOT NULL,
    name              TEXT        NOT NULL,
    step_order        INTEGER     NOT NULL,
    status            TEXT        NOT NULL,
    start_date        TIMESTAMPTZ,
    end_date          TIMESTAMPTZ,
    error_message     TEXT,
    retry_count       INTEGER     NOT NULL DEFAULT 0,
    max_retries       INTEGER     NOT NULL DEFAULT 0,
    payload           JSONB,
    result            JSONB,
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL,
    UNIQUE (saga_instance_id, step_order)
);

CREATE TABLE IF NOT EXISTS saga_logs (
    seq               BIGSERIAL PRIMARY KEY,
    id                TEXT        NOT NULL UNIQUE,
    saga_instance_id  TEXT        NOT NULL,
    saga_step_id      TEXT        NOT NULL,
    type              TEXT        NOT NULL,
    message           TEXT        NOT NULL,
    trace_id          TEXT        NOT NULL DEFAULT '',
    span_id           TEXT        NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_saga_logs_instance ON saga_logs(saga_instance_id, seq);
`

// Repository is the PostgreSQL implementation of sagalog.Store.
type Repository struct {
	db *sqlx.DB
}

var _ sagalog.Store = (*Repository)(nil)

// Open connects with the given DSN and verifies the connection.
func Open(ctx context.Context, dsn string) (*Repository, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres: database DSN is empty")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return New(db), nil
}

// New wraps an existing connection pool.
func New(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Migrate applies Schema.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: apply schema: %w", err)
	}
	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

type instanceRow struct {
	ID        string       `db:"id"`
	Name      string       `db:"name"`
	Status    string       `db:"status"`
	StartDate sql.NullTime `db:"start_date"`
	EndDate   sql.NullTime `db:"end_date"`
	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt time.Time    `db:"updated_at"`
}

func (row instanceRow) toDomain() *sagalog.SagaInstance {
	return &sagalog.SagaInstance{
		ID:        row.ID,
		Name:      row.Name,
		Status:    sagalog.Status(row.Status),
		StartDate: fromNullTime(row.StartDate),
		EndDate:   fromNullTime(row.EndDate),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}

type stepRow struct {
	ID             string         `db:"id"`
	SagaInstanceID string         `db:"saga_instance_id"`
	Name           string         `db:"name"`
	Order          int            `db:"step_order"`
	Status         string         `db:"status"`
	StartDate      sql.NullTime   `db:"start_date"`
	EndDate        sql.NullTime   `db:"end_date"`
	ErrorMessage   sql.NullString `db:"error_message"`
	RetryCount     int            `db:"retry_count"`
	MaxRetries     int            `db:"max_retries"`
	Payload        []byte         `db:"payload"`
	Result         []byte         `db:"result"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (row stepRow) toDomain() *sagalog.SagaStep {
	st := &sagalog.SagaStep{
		ID:             row.ID,
		SagaInstanceID: row.SagaInstanceID,
		Name:           row.Name,
		Order:          row.Order,
		Status:         sagalog.StepStatus(row.Status),
		StartDate:      fromNullTime(row.StartDate),
		EndDate:        fromNullTime(row.EndDate),
		ErrorMessage:   row.ErrorMessage.String,
		RetryCount:     row.RetryCount,
		MaxRetries:     row.MaxRetries,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if len(row.Payload) > 0 {
		st.Payload = append([]byte(nil), row.Payload...)
	}
	if len(row.Result) > 0 {
		st.Result = append([]byte(nil), row.Result...)
	}
	return st
}

type logRow struct {
	ID             string    `db:"id"`
	SagaInstanceID string    `db:"saga_instance_id"`
	SagaStepID     string    `db:"saga_step_id"`
	Type           string    `db:"type"`
	Message        string    `db:"message"`
	TraceID        string    `db:"trace_id"`
	SpanID         string    `db:"span_id"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r *Repository) SaveInstance(ctx context.Context, inst *sagalog.SagaInstance) error {
	query := `INSERT INTO saga_instances (id, name, status, start_date, end_date, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          ON CONFLICT (id) DO UPDATE SET
	              name = EXCLUDED.name, status = EXCLUDED.status,
	              start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date,
	              updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		inst.ID, inst.Name, string(inst.Status),
		toNullTime(inst.StartDate), toNullTime(inst.EndDate),
		inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save instance %q: %w", inst.ID, err)
	}
	return nil
}

func (r *Repository) FindInstance(ctx context.Context, id string) (*sagalog.SagaInstance, error) {
	query := `SELECT id, name, status, start_date, end_date, created_at, updated_at
	          FROM saga_instances WHERE id = $1`

	var row instanceRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("postgres: instance %q: %w", id, sagalog.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: find instance %q: %w", id, err)
	}
	return row.toDomain(), nil
}

func (r *Repository) DeleteInstance(ctx context.Context, id string) error {
	return r.deleteByID(ctx, `DELETE FROM saga_instances WHERE id = $1`, "instance", id)
}

func (r *Repository) ListInstancesByStatus(ctx context.Context, status sagalog.Status) ([]*sagalog.SagaInstance, error) {
	query := `SELECT id, name, status, start_date, end_date, created_at, updated_at
	          FROM saga_instances WHERE status = $1 ORDER BY created_at`

	var rows []instanceRow
	if err := r.db.SelectContext(ctx, &rows, query, string(status)); err != nil {
		return nil, fmt.Errorf("postgres: list instances by status %s: %w", status, err)
	}
	out := make([]*sagalog.SagaInstance, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

func (r *Repository) SaveStep(ctx context.Context, st *sagalog.SagaStep) error {
	query := `INSERT INTO saga_steps
	              (id, saga_instance_id, name, step_order, status, start_date, end_date, error_message,
	               retry_count, max_retries, payload, result, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	          ON CONFLICT (id) DO UPDATE SET
	              status = EXCLUDED.status, start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date,
	              error_message = EXCLUDED.error_message, retry_count = EXCLUDED.retry_count,
	              max_retries = EXCLUDED.max_retries, payload = EXCLUDED.payload, result = EXCLUDED.result,
	              updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		st.ID, st.SagaInstanceID, st.Name, st.Order, string(st.Status),
		toNullTime(st.StartDate), toNullTime(st.EndDate), toNullString(st.ErrorMessage),
		st.RetryCount, st.MaxRetries, nullableJSON(st.Payload), nullableJSON(st.Result),
		st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save step %q: %w", st.ID, err)
	}
	return nil
}

const stepColumns = `id, saga_instance_id, name, step_order, status, start_date, end_date, error_message,
	retry_count, max_retries, payload, result, created_at, updated_at`

func (r *Repository) FindStep(ctx context.Context, id string) (*sagalog.SagaStep, error) {
	var row stepRow
	if err := r.db.GetContext(ctx, &row, `SELECT `+stepColumns+` FROM saga_steps WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("postgres: step %q: %w", id, sagalog.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: find step %q: %w", id, err)
	}
	return row.toDomain(), nil
}

func (r *Repository) DeleteStep(ctx context.Context, id string) error {
	return r.deleteByID(ctx, `DELETE FROM saga_steps WHERE id = $1`, "step", id)
}

func (r *Repository) ListSteps(ctx context.Context, instanceID string) ([]*sagalog.SagaStep, error) {
	var rows []stepRow
	query := `SELECT ` + stepColumns + ` FROM saga_steps WHERE saga_instance_id = $1 ORDER BY step_order`
	if err := r.db.SelectContext(ctx, &rows, query, instanceID); err != nil {
		return nil, fmt.Errorf("postgres: list steps for %q: %w", instanceID, err)
	}
	out := make([]*sagalog.SagaStep, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

func (r *Repository) Save(ctx context.Context, entry *sagalog.SagaLog) error {
	query := `INSERT INTO saga_logs (id, saga_instance_id, saga_step_id, type, message, trace_id, span_id, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.SagaInstanceID, entry.SagaStepID, string(entry.Type), entry.Message,
		entry.TraceID, entry.SpanID, entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save saga log for %q: %w", entry.SagaInstanceID, err)
	}
	return nil
}

func (r *Repository) ListLogs(ctx context.Context, instanceID string) ([]*sagalog.SagaLog, error) {
	query := `SELECT id, saga_instance_id, saga_step_id, type, message, trace_id, span_id, created_at, updated_at
	          FROM saga_logs WHERE saga_instance_id = $1 ORDER BY seq`

	var rows []logRow
	if err := r.db.SelectContext(ctx, &rows, query, instanceID); err != nil {
		return nil, fmt.Errorf("postgres: list logs for %q: %w", instanceID, err)
	}
	out := make([]*sagalog.SagaLog, len(rows))
	for i, row := range rows {
		out[i] = &sagalog.SagaLog{
			ID:             row.ID,
			SagaInstanceID: row.SagaInstanceID,
			SagaStepID:     row.SagaStepID,
			Type:           sagalog.LogType(row.Type),
			Message:        row.Message,
			TraceID:        row.TraceID,
			SpanID:         row.SpanID,
			CreatedAt:      row.CreatedAt,
			UpdatedAt:      row.UpdatedAt,
		}
	}
	return out, nil
}

func (r *Repository) deleteByID(ctx context.Context, query, kind, id string) error {
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: delete %s %q: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: delete %s %q: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("postgres: %s %q: %w", kind, id, sagalog.ErrNotFound)
	}
	return nil
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullableJSON passes raw JSON as a string so lib/pq sends it as text that
// JSONB accepts, and NULL when empty.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
