// Package sqlite provides a SQLite-backed implementation of sagalog.Store.
//
// WAL mode is enabled on Open so the HTTP status endpoint can read while a
// saga is writing.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jcmexdev/tenant-sagas/internal/coordinator/sagalog"

	// Pure-Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"
)

// schema is applied once on Open. Timestamps are RFC3339 TEXT, the SQLite
// idiom; nullable dates stay NULL until set.
const schema = `
CREATE TABLE IF NOT EXISTS saga_instances (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    status      TEXT NOT NULL,
    start_date  TEXT,
    end_date    TEXT,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_instances_status ON saga_instances(status);

CREATE TABLE IF NOT EXISTS saga_steps (
    id                TEXT PRIMARY KEY,
    saga_instance_id  TEXT    NOT NULL,
    name              TEXT    NOT NULL,
    step_order        INTEGER NOT NULL,
    status            TEXT    NOT NULL,
    start_date        TEXT,
    end_date          TEXT,
    error_message     TEXT,
    retry_count       INTEGER NOT NULL DEFAULT 0,
    max_retries       INTEGER NOT NULL DEFAULT 0,
    payload           TEXT,
    result            TEXT,
    created_at        TEXT    NOT NULL,
    updated_at        TEXT    NOT NULL,
    UNIQUE (saga_instance_id, step_order)
);

-- Append-only: rows are inserted, never updated.
CREATE TABLE IF NOT EXISTS saga_logs (
    seq               INTEGER PRIMARY KEY AUTOINCREMENT,
    id                TEXT NOT NULL UNIQUE,
    saga_instance_id  TEXT NOT NULL,
    saga_step_id      TEXT NOT NULL,
    type              TEXT NOT NULL,
    message           TEXT NOT NULL,
    trace_id          TEXT NOT NULL DEFAULT '',
    span_id           TEXT NOT NULL DEFAULT '',
    created_at        TEXT NOT NULL,
    updated_at        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_logs_instance ON saga_logs(saga_instance_id, seq);
CREATE INDEX IF NOT EXISTS idx_saga_logs_trace_id ON saga_logs(trace_id);
`

// Repository is the SQLite implementation of sagalog.Store.
type Repository struct {
	db *sql.DB
}

var _ sagalog.Store = (*Repository)(nil)

// Open opens (or creates) the database at path and applies the schema.
//
//	repo, err := sqlite.Open("./data/sagas.db")
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// One writer; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close releases the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) SaveInstance(ctx context.Context, inst *sagalog.SagaInstance) error {
	const q = `
		INSERT INTO saga_instances (id, name, status, start_date, end_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name       = excluded.name,
			status     = excluded.status,
			start_date = excluded.start_date,
			end_date   = excluded.end_date,
			updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, q,
		inst.ID,
		inst.Name,
		string(inst.Status),
		nullableTime(inst.StartDate),
		nullableTime(inst.EndDate),
		formatTime(inst.CreatedAt),
		formatTime(inst.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save instance %q: %w", inst.ID, err)
	}
	return nil
}

func (r *Repository) FindInstance(ctx context.Context, id string) (*sagalog.SagaInstance, error) {
	const q = `
		SELECT id, name, status, start_date, end_date, created_at, updated_at
		FROM   saga_instances
		WHERE  id = ?`

	inst, err := scanInstance(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: instance %q: %w", id, sagalog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find instance %q: %w", id, err)
	}
	return inst, nil
}

func (r *Repository) DeleteInstance(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "saga_instances", "instance", id)
}

func (r *Repository) ListInstancesByStatus(ctx context.Context, status sagalog.Status) ([]*sagalog.SagaInstance, error) {
	const q = `
		SELECT id, name, status, start_date, end_date, created_at, updated_at
		FROM   saga_instances
		WHERE  status = ?
		ORDER  BY created_at`

	rows, err := r.db.QueryContext(ctx, q, string(status))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list instances by status %s: %w", status, err)
	}
	defer rows.Close()

	var out []*sagalog.SagaInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (r *Repository) SaveStep(ctx context.Context, st *sagalog.SagaStep) error {
	const q = `
		INSERT INTO saga_steps
			(id, saga_instance_id, name, step_order, status, start_date, end_date, error_message,
			 retry_count, max_retries, payload, result, created_at, updated_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status        = excluded.status,
			start_date    = excluded.start_date,
			end_date      = excluded.end_date,
			error_message = excluded.error_message,
			retry_count   = excluded.retry_count,
			max_retries   = excluded.max_retries,
			payload       = excluded.payload,
			result        = excluded.result,
			updated_at    = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, q,
		st.ID,
		st.SagaInstanceID,
		st.Name,
		st.Order,
		string(st.Status),
		nullableTime(st.StartDate),
		nullableTime(st.EndDate),
		nullableString(st.ErrorMessage),
		st.RetryCount,
		st.MaxRetries,
		nullableString(string(st.Payload)),
		nullableString(string(st.Result)),
		formatTime(st.CreatedAt),
		formatTime(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save step %q: %w", st.ID, err)
	}
	return nil
}

const stepColumns = `id, saga_instance_id, name, step_order, status, start_date, end_date,
	COALESCE(error_message, ''), retry_count, max_retries, payload, result, created_at, updated_at`

func (r *Repository) FindStep(ctx context.Context, id string) (*sagalog.SagaStep, error) {
	q := `SELECT ` + stepColumns + ` FROM saga_steps WHERE id = ?`

	st, err := scanStep(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: step %q: %w", id, sagalog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find step %q: %w", id, err)
	}
	return st, nil
}

func (r *Repository) DeleteStep(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "saga_steps", "step", id)
}

func (r *Repository) ListSteps(ctx context.Context, instanceID string) ([]*sagalog.SagaStep, error) {
	q := `SELECT ` + stepColumns + ` FROM saga_steps WHERE saga_instance_id = ? ORDER BY step_order`

	rows, err := r.db.QueryContext(ctx, q, instanceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list steps for %q: %w", instanceID, err)
	}
	defer rows.Close()

	var out []*sagalog.SagaStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan step: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Save appends a log entry. It is safe to call concurrently.
func (r *Repository) Save(ctx context.Context, entry *sagalog.SagaLog) error {
	const q = `
		INSERT INTO saga_logs
			(id, saga_instance_id, saga_step_id, type, message, trace_id, span_id, created_at, updated_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, q,
		entry.ID,
		entry.SagaInstanceID,
		entry.SagaStepID,
		string(entry.Type),
		entry.Message,
		entry.TraceID,
		entry.SpanID,
		formatTime(entry.CreatedAt),
		formatTime(entry.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save saga log for %q: %w", entry.SagaInstanceID, err)
	}
	return nil
}

func (r *Repository) ListLogs(ctx context.Context, instanceID string) ([]*sagalog.SagaLog, error) {
	const q = `
		SELECT id, saga_instance_id, saga_step_id, type, message, trace_id, span_id, created_at, updated_at
		FROM   saga_logs
		WHERE  saga_instance_id = ?
		ORDER  BY seq`

	rows, err := r.db.QueryContext(ctx, q, instanceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list logs for %q: %w", instanceID, err)
	}
	defer rows.Close()

	var out []*sagalog.SagaLog
	for rows.Next() {
		var (
			entry                sagalog.SagaLog
			createdAt, updatedAt string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.SagaInstanceID,
			&entry.SagaStepID,
			&entry.Type,
			&entry.Message,
			&entry.TraceID,
			&entry.SpanID,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan log: %w", err)
		}
		if entry.CreatedAt, err = parseRFC3339(createdAt); err != nil {
			return nil, err
		}
		if entry.UpdatedAt, err = parseRFC3339(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

func (r *Repository) deleteByID(ctx context.Context, table, kind, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete %s %q: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: delete %s %q: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: %s %q: %w", kind, id, sagalog.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (*sagalog.SagaInstance, error) {
	var (
		inst                 sagalog.SagaInstance
		start, end           sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&inst.ID, &inst.Name, &inst.Status, &start, &end, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if inst.StartDate, err = parseNullable(start); err != nil {
		return nil, err
	}
	if inst.EndDate, err = parseNullable(end); err != nil {
		return nil, err
	}
	if inst.CreatedAt, err = parseRFC3339(createdAt); err != nil {
		return nil, err
	}
	if inst.UpdatedAt, err = parseRFC3339(updatedAt); err != nil {
		return nil, err
	}
	return &inst, nil
}

func scanStep(row scanner) (*sagalog.SagaStep, error) {
	var (
		st                   sagalog.SagaStep
		start, end           sql.NullString
		payload, result      sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&st.ID,
		&st.SagaInstanceID,
		&st.Name,
		&st.Order,
		&st.Status,
		&start,
		&end,
		&st.ErrorMessage,
		&st.RetryCount,
		&st.MaxRetries,
		&payload,
		&result,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if st.StartDate, err = parseNullable(start); err != nil {
		return nil, err
	}
	if st.EndDate, err = parseNullable(end); err != nil {
		return nil, err
	}
	if st.CreatedAt, err = parseRFC3339(createdAt); err != nil {
		return nil, err
	}
	if st.UpdatedAt, err = parseRFC3339(updatedAt); err != nil {
		return nil, err
	}
	if payload.Valid {
		st.Payload = []byte(payload.String)
	}
	if result.Valid {
		st.Result = []byte(result.String)
	}
	return &st, nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}

// nullableString stores NULL for empty strings.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
