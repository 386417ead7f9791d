package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgStore struct{ pool *pgxpool.Pool }

// NewPGStore keeps configuration in the singleton amd_config row.
func NewPGStore(pool *pgxpool.Pool) Store { return &pgStore{pool: pool} }

func (s *pgStore) Load(ctx context.Context) (*StoredConfig, error) {
	var (
		cfg       StoredConfig
		token     *string
		expiresAt *time.Time
		refreshed *time.Time
		xmlrpc    *string
		restPM    *string
		restEHR   *string
		scheduler *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT office_key, partner_username, partner_password_enc, username, password_enc,
			app_name, environment, session_token, token_expires_at, token_refreshed_at,
			xmlrpc_url, rest_pm_url, rest_ehr_url, scheduler_url, updated_at
		FROM amd_config WHERE id = 1`).Scan(
		&cfg.OfficeKey, &cfg.PartnerUsername, &cfg.PartnerPasswordEnc, &cfg.Username, &cfg.PasswordEnc,
		&cfg.AppName, &cfg.Environment, &token, &expiresAt, &refreshed,
		&xmlrpc, &restPM, &restEHR, &scheduler, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("load amd config: %w", err)
	}

	if token != nil && expiresAt != nil {
		cfg.Session = &State{
			Token:        *token,
			ExpiresAt:    *expiresAt,
			XMLRPCURL:    deref(xmlrpc),
			RestPMURL:    deref(restPM),
			RestEHRURL:   deref(restEHR),
			SchedulerURL: deref(scheduler),
		}
		if refreshed != nil {
			cfg.Session.RefreshedAt = *refreshed
		}
	}
	return &cfg, nil
}

func (s *pgStore) SaveCredentials(ctx context.Context, cfg *StoredConfig) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO amd_config (id, office_key, partner_username, partner_password_enc,
			username, password_enc, app_name, environment, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			office_key = EXCLUDED.office_key,
			partner_username = EXCLUDED.partner_username,
			partner_password_enc = EXCLUDED.partner_password_enc,
			username = EXCLUDED.username,
			password_enc = EXCLUDED.password_enc,
			app_name = EXCLUDED.app_name,
			environment = EXCLUDED.environment,
			updated_at = NOW()`,
		cfg.OfficeKey, cfg.PartnerUsername, cfg.PartnerPasswordEnc,
		cfg.Username, cfg.PasswordEnc, cfg.AppName, cfg.Environment)
	return err
}

func (s *pgStore) SaveSession(ctx context.Context, st *State) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE amd_config SET session_token=$1, token_expires_at=$2, token_refreshed_at=$3,
			xmlrpc_url=$4, rest_pm_url=$5, rest_ehr_url=$6, scheduler_url=$7, updated_at=NOW()
		WHERE id = 1`,
		st.Token, st.ExpiresAt, st.RefreshedAt,
		st.XMLRPCURL, st.RestPMURL, st.RestEHRURL, st.SchedulerURL)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotConfigured
	}
	return nil
}

func (s *pgStore) ClearSession(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE amd_config SET session_token=NULL, token_expires_at=NULL, token_refreshed_at=NULL,
			updated_at=NOW()
		WHERE id = 1`)
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
