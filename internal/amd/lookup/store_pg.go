package lookup

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type pgStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) Store { return &pgStore{pool: pool} }

func (s *pgStore) Upsert(ctx context.Context, e *Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO amd_code_cache (code_type, code, vendor_id, description, cached_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code_type, code) DO UPDATE SET
			vendor_id = EXCLUDED.vendor_id,
			description = EXCLUDED.description,
			cached_at = EXCLUDED.cached_at,
			expires_at = EXCLUDED.expires_at`,
		string(e.Namespace), e.Code, e.VendorID, e.Description, e.CachedAt, e.ExpiresAt)
	return err
}

func (s *pgStore) ListValid(ctx context.Context, now time.Time) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT code_type, code, vendor_id, COALESCE(description, ''), cached_at, expires_at
		FROM amd_code_cache WHERE expires_at > $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		var (
			e  Entry
			ns string
		)
		if err := rows.Scan(&ns, &e.Code, &e.VendorID, &e.Description, &e.CachedAt, &e.ExpiresAt); err != nil {
			return nil, err
		}
		e.Namespace = Namespace(ns)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *pgStore) Delete(ctx context.Context, ns Namespace, code string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM amd_code_cache WHERE code_type = $1 AND code = $2`, string(ns), code)
	return err
}

func (s *pgStore) DeleteAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM amd_code_cache`)
	return err
}
