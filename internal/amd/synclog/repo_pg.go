package synclog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/amdsync/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const entryCols = `id, sync_type, entity_id, entity_type, direction, status, endpoint,
	request_data, response_data, vendor_id, error_message, triggered_by, retry_count,
	started_at, completed_at, duration_ms`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var req, resp []byte
	err := row.Scan(&e.ID, &e.SyncType, &e.EntityID, &e.EntityType, &e.Direction, &e.Status, &e.Endpoint,
		&req, &resp, &e.VendorID, &e.ErrorMessage, &e.TriggeredBy, &e.RetryCount,
		&e.StartedAt, &e.CompletedAt, &e.DurationMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.RequestData = req
	e.ResponseData = resp
	return &e, nil
}

func (r *repoPG) Create(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO amd_sync_log (`+entryCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		e.ID, e.SyncType, e.EntityID, e.EntityType, e.Direction, e.Status, e.Endpoint,
		nullJSON(e.RequestData), nullJSON(e.ResponseData), e.VendorID, e.ErrorMessage, e.TriggeredBy, e.RetryCount,
		e.StartedAt, e.CompletedAt, e.DurationMs)
	if err != nil {
		return fmt.Errorf("insert sync log: %w", err)
	}
	return nil
}

// Finish writes the terminal fields. The WHERE clause keeps a closed entry
// from being overwritten.
func (r *repoPG) Finish(ctx context.Context, e *Entry) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE amd_sync_log SET status=$2, response_data=$3, vendor_id=$4, error_message=$5,
			retry_count=$6, completed_at=$7, duration_ms=$8
		WHERE id = $1 AND status = 'pending'`,
		e.ID, e.Status, nullJSON(e.ResponseData), e.VendorID, e.ErrorMessage,
		e.RetryCount, e.CompletedAt, e.DurationMs)
	if err != nil {
		return fmt.Errorf("finish sync log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClosed
	}
	return nil
}

func (r *repoPG) AttachVendorID(ctx context.Context, id uuid.UUID, vendorID string) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE amd_sync_log SET vendor_id = $2 WHERE id = $1`, id, vendorID)
	return err
}

func (r *repoPG) AttachResponse(ctx context.Context, id uuid.UUID, response any) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE amd_sync_log SET response_data = $2 WHERE id = $1`, id, nullJSON(marshal(response)))
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM amd_sync_log WHERE id = $1`, id))
}

func (r *repoPG) ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit int) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM amd_sync_log
		WHERE entity_type = $1 AND entity_id = $2 ORDER BY started_at DESC LIMIT $3`, entityType, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	where, args := f.where()

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM amd_sync_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`SELECT %s FROM amd_sync_log%s ORDER BY started_at DESC LIMIT $%d OFFSET $%d`,
		entryCols, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := collect(rows)
	return items, total, err
}

func (r *repoPG) Stats(ctx context.Context, since time.Time) ([]Stat, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT sync_type, status, COUNT(*), COALESCE(AVG(duration_ms), 0)
		FROM amd_sync_log WHERE started_at >= $1
		GROUP BY sync_type, status ORDER BY sync_type, status`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Stat
	for rows.Next() {
		var s Stat
		if err := rows.Scan(&s.SyncType, &s.Status, &s.Count, &s.AvgDurationMs); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (f Filter) where() (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(col string, v interface{}) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.SyncType != "" {
		add("sync_type", f.SyncType)
	}
	if f.Status != "" {
		add("status", f.Status)
	}
	if f.EntityType != "" {
		add("entity_type", f.EntityType)
	}
	if f.EntityID != uuid.Nil {
		add("entity_id", f.EntityID)
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		clauses = append(clauses, fmt.Sprintf("started_at >= $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func collect(rows pgx.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
