package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/amdsync/internal/amd/executor"
	"github.com/ehr/amdsync/internal/amd/lookup"
	"github.com/ehr/amdsync/internal/amd/ratelimit"
	"github.com/ehr/amdsync/internal/amd/session"
	"github.com/ehr/amdsync/internal/amd/synclog"
	"github.com/ehr/amdsync/internal/config"
	"github.com/ehr/amdsync/internal/domain/appointmentsync"
	"github.com/ehr/amdsync/internal/domain/chargesync"
	"github.com/ehr/amdsync/internal/domain/claims"
	"github.com/ehr/amdsync/internal/domain/eligibility"
	"github.com/ehr/amdsync/internal/domain/era"
	"github.com/ehr/amdsync/internal/domain/patientsync"
	"github.com/ehr/amdsync/internal/domain/practice"
	"github.com/ehr/amdsync/internal/domain/syncadmin"
	"github.com/ehr/amdsync/internal/platform/db"
	"github.com/ehr/amdsync/internal/platform/secure"
)

// app holds every long-lived service. serve and the one-shot commands share it.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool

	repos    practice.Repos
	logs     synclog.Repository
	session  *session.Manager
	limiter  *ratelimit.Service
	exec     *executor.Executor
	lookups  *lookup.Service
	profiles era.Profiles

	patients     *patientsync.Service
	appointments *appointmentsync.Service
	charges      *chargesync.Service
	claims       *claims.Service
	eligibility  *eligibility.Service
	era          *era.Service
	admin        *syncadmin.Service
}

// awsClients are nil unless the configuration needs AWS.
type awsClients struct {
	ssm *ssm.Client
	kms *kms.Client
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadAWS(ctx context.Context, cfg *config.Config) (*awsClients, error) {
	if !cfg.NeedsAWS() {
		return &awsClients{}, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &awsClients{ssm: ssm.NewFromConfig(awsCfg), kms: kms.NewFromConfig(awsCfg)}, nil
}

// resolver reads named secrets from SSM when a client is available and from
// AMD_-prefixed environment variables otherwise.
func resolver(clients *awsClients) secure.Resolver {
	if clients != nil && clients.ssm != nil {
		return secure.NewSSMResolver(clients.ssm)
	}
	return secure.EnvResolver{Prefix: "AMD_"}
}

// newCipher picks the credential cipher: KMS when a key ID is configured,
// otherwise AES with a key from SSM or the environment. Development without
// any key gets a random one, so stored credentials do not survive a restart.
func newCipher(ctx context.Context, cfg *config.Config, ssmClient secure.SSMClient, kmsClient secure.KMSClient, logger zerolog.Logger) (secure.Cipher, error) {
	if cfg.UseKMS() {
		if kmsClient == nil {
			return nil, errors.New("AMD_KMS_KEY_ID is set but no KMS client is available")
		}
		return secure.NewKMSCipher(kmsClient, cfg.KMSKeyID), nil
	}

	key := cfg.EncryptionKey
	if cfg.EncryptionKeyParam != "" {
		if ssmClient == nil {
			return nil, errors.New("AMD_ENCRYPTION_KEY_PARAM is set but no SSM client is available")
		}
		v, err := secure.NewSSMResolver(ssmClient).GetSecret(ctx, cfg.EncryptionKeyParam)
		if err != nil {
			return nil, err
		}
		key = v
	}

	if key == "" {
		if !cfg.IsDev() {
			return nil, errors.New("no credential encryption key configured")
		}
		b := make([]byte, 32)
		if _, err := crypto_rand.Read(b); err != nil {
			return nil, fmt.Errorf("generate encryption key: %w", err)
		}
		key = hex.EncodeToString(b)
		logger.Warn().Msg("AMD_ENCRYPTION_KEY not set; using an ephemeral key for development")
	}
	if err := config.ValidateEncryptionKey(key); err != nil {
		return nil, err
	}
	return secure.NewAESCipherFromHex(key)
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:              cfg.DatabaseURL,
		MaxConns:         cfg.DBMaxConns,
		MinConns:         cfg.DBMinConns,
		AppName:          appName,
		StatementTimeout: cfg.DBStatementTimeout,
	}
}

// openApp connects to the database and builds every service. It does not
// touch the vendor; call initSession for that.
func openApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	clients, err := loadAWS(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var (
		ssmClient secure.SSMClient
		kmsClient secure.KMSClient
	)
	if clients.ssm != nil {
		ssmClient, kmsClient = clients.ssm, clients.kms
	}
	cipher, err := newCipher(ctx, cfg, ssmClient, kmsClient, logger)
	if err != nil {
		return nil, err
	}

	profiles, err := era.LoadProfilesFile(cfg.ERAMappingsFile)
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, err
	}

	peak := ratelimit.DefaultPeakWindow()
	if loc, err := cfg.PeakLocation(); err == nil {
		peak.Location = loc
	}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		repos:    practice.NewReposPG(pool),
		logs:     synclog.NewRepoPG(pool),
		profiles: profiles,
	}
	a.session = session.NewManager(session.NewPGStore(pool), cipher, session.Options{
		PartnerLoginURL: cfg.PartnerLoginURL,
		AppName:         cfg.AppName,
		SessionTTL:      cfg.SessionTTL,
		RefreshBuffer:   cfg.RefreshBuffer,
		HTTPClient:      httpClient,
	}, logger)
	a.limiter = ratelimit.New(ratelimit.NewPGStore(pool), ratelimit.Options{Peak: peak}, logger)
	a.exec = executor.New(a.session, a.limiter, a.logs, executor.Options{
		MaxRetries: cfg.MaxRetries,
		HTTPClient: httpClient,
	}, logger)
	a.lookups = lookup.NewService(a.exec, lookup.NewPGStore(pool), lookup.Options{TTL: cfg.LookupTTL}, logger)

	a.patients = patientsync.NewService(a.exec, a.repos.Clients, a.logs, patientsync.Options{}, logger)
	a.appointments = appointmentsync.NewService(a.exec, a.repos.Appointments, a.repos.Clients, a.logs, appointmentsync.Options{}, logger)
	a.charges = chargesync.NewService(a.exec, a.lookups, a.repos, a.logs, chargesync.Options{}, logger)
	a.claims = claims.NewService(a.exec, a.repos, a.logs, claims.Options{}, logger)
	a.eligibility = eligibility.NewService(a.exec, a.repos, a.logs, eligibility.Options{}, logger)
	a.era = era.NewService(a.exec, a.repos, era.Options{
		Atomic: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.WithTx(ctx, pool, fn)
		},
	}, logger)
	a.admin = syncadmin.NewService(a.repos, a.logs, a.session, a.limiter, a.lookups, syncadmin.Options{}, logger)
	return a, nil
}

// initSession restores stored credentials. A missing configuration is not an
// error: the service runs and reports not-configured until credentials are
// supplied.
func (a *app) initSession(ctx context.Context) error {
	err := a.session.Initialize(ctx)
	if errors.Is(err, session.ErrNotConfigured) {
		a.logger.Warn().Msg("vendor credentials not configured")
		return nil
	}
	return err
}

func (a *app) Close() {
	a.pool.Close()
}
