package ratelimit

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) Store { return &pgStore{pool: pool} }

const stateCols = `tier, endpoint, calls_this_minute, calls_this_hour, current_minute_start,
	current_hour_start, is_peak_hours, is_backing_off, backoff_until, backoff_retry_count,
	last_call_at, last_call_success, last_call_error`

func scanState(row pgx.Row) (*State, error) {
	var (
		st      State
		tier    string
		lastErr *string
	)
	err := row.Scan(&tier, &st.Endpoint, &st.CallsThisMinute, &st.CallsThisHour, &st.CurrentMinuteStart,
		&st.CurrentHourStart, &st.IsPeakHours, &st.IsBackingOff, &st.BackoffUntil, &st.BackoffRetryCount,
		&st.LastCallAt, &st.LastCallSuccess, &lastErr)
	if err != nil {
		return nil, err
	}
	st.Tier = Tier(tier)
	if lastErr != nil {
		st.LastCallError = *lastErr
	}
	return &st, nil
}

func (s *pgStore) Get(ctx context.Context, tier Tier, endpoint string) (*State, error) {
	st, err := scanState(s.pool.QueryRow(ctx,
		`SELECT `+stateCols+` FROM amd_rate_limit_state WHERE tier = $1 AND endpoint = $2`,
		string(tier), endpoint))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

func (s *pgStore) Save(ctx context.Context, st *State) error {
	var lastErr *string
	if st.LastCallError != "" {
		lastErr = &st.LastCallError
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO amd_rate_limit_state (`+stateCols+`, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13, NOW())
		ON CONFLICT (tier, endpoint) DO UPDATE SET
			calls_this_minute = EXCLUDED.calls_this_minute,
			calls_this_hour = EXCLUDED.calls_this_hour,
			current_minute_start = EXCLUDED.current_minute_start,
			current_hour_start = EXCLUDED.current_hour_start,
			is_peak_hours = EXCLUDED.is_peak_hours,
			is_backing_off = EXCLUDED.is_backing_off,
			backoff_until = EXCLUDED.backoff_until,
			backoff_retry_count = EXCLUDED.backoff_retry_count,
			last_call_at = EXCLUDED.last_call_at,
			last_call_success = EXCLUDED.last_call_success,
			last_call_error = EXCLUDED.last_call_error,
			updated_at = NOW()`,
		string(st.Tier), st.Endpoint, st.CallsThisMinute, st.CallsThisHour, st.CurrentMinuteStart,
		st.CurrentHourStart, st.IsPeakHours, st.IsBackingOff, st.BackoffUntil, st.BackoffRetryCount,
		st.LastCallAt, st.LastCallSuccess, lastErr)
	return err
}

func (s *pgStore) DeleteAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM amd_rate_limit_state`)
	return err
}

func (s *pgStore) List(ctx context.Context) ([]*State, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stateCols+` FROM amd_rate_limit_state ORDER BY tier, endpoint`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
