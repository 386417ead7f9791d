// Package syncadmin is the operator surface of the integration: the sync
// dashboard, the sync log, the vendor session, rate-limit state and the code
// lookup cache.
package syncadmin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/amdsync/internal/amd/lookup"
	"github.com/ehr/amdsync/internal/amd/ratelimit"
	"github.com/ehr/amdsync/internal/amd/session"
	"github.com/ehr/amdsync/internal/amd/synclog"
	"github.com/ehr/amdsync/internal/domain/practice"
	"github.com/ehr/amdsync/pkg/pagination"
)

// ErrUnknownNamespace is returned for a lookup namespace that does not exist.
var ErrUnknownNamespace = errors.New("unknown lookup namespace")

const (
	recentErrorLimit = 10
	defaultLogLimit  = 50
	maxLogLimit      = 500
)

// Session is the part of session.Manager the admin surface drives.
type Session interface {
	Info() session.Info
	Configure(ctx context.Context, creds session.Credentials, environment string) error
	ForceReAuthenticate(ctx context.Context) error
}

// RateLimits is the part of ratelimit.Service the admin surface drives.
type RateLimits interface {
	IsPeak() bool
	Status(ctx context.Context, endpoint string) *ratelimit.Status
	StatusAll(ctx context.Context) ([]*ratelimit.Status, error)
	ResetAll(ctx context.Context) error
}

// Lookups is the part of lookup.Service the admin surface drives.
type Lookups interface {
	Lookup(ctx context.Context, ns lookup.Namespace, code string) (lookup.Result, error)
	Refresh(ctx context.Context, ns lookup.Namespace, code string) (lookup.Result, error)
	Batch(ctx context.Context, ns lookup.Namespace, codes []string) (map[string]lookup.Result, error)
	ClearAll(ctx context.Context) error
	Stats() []lookup.NamespaceStats
}

type Dashboard struct {
	Entities     map[string]practice.SyncCounts `json:"entities"`
	LastDay      []synclog.Stat                 `json:"last_24h"`
	RecentErrors []*synclog.Entry               `json:"recent_errors"`
	Session      session.Info                   `json:"session"`
	IsPeakHours  bool                           `json:"is_peak_hours"`
	GeneratedAt  time.Time                      `json:"generated_at"`
}

type ConnectionResult struct {
	Success   bool         `json:"success"`
	Message   string       `json:"message"`
	LatencyMs int64        `json:"latency_ms"`
	Session   session.Info `json:"session"`
}

type LogPage = pagination.Page[*synclog.Entry]

type Options struct {
	Now func() time.Time
}

type Service struct {
	repos   practice.Repos
	logs    synclog.Repository
	session Session
	limits  RateLimits
	lookups Lookups
	opts    Options
	logger  zerolog.Logger
}

func NewService(repos practice.Repos, logs synclog.Repository, sess Session, limits RateLimits, lookups Lookups, opts Options, logger zerolog.Logger) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		repos:   repos,
		logs:    logs,
		session: sess,
		limits:  limits,
		lookups: lookups,
		opts:    opts,
		logger:  logger.With().Str("component", "syncadmin").Logger(),
	}
}

// Dashboard gathers sync-status counts per entity type plus the last day of
// vendor traffic.
func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	now := s.opts.Now()
	out := &Dashboard{Entities: map[string]practice.SyncCounts{}, GeneratedAt: now}

	counters := []struct {
		name  string
		count func(context.Context) (practice.SyncCounts, error)
	}{
		{"client", s.repos.Clients.SyncCounts},
		{"appointment", s.repos.Appointments.SyncCounts},
		{"charge", s.repos.Charges.SyncCounts},
		{"claim", s.repos.Claims.SyncCounts},
	}
	for _, c := range counters {
		counts, err := c.count(ctx)
		if err != nil {
			return nil, fmt.Errorf("syncadmin: count %s: %w", c.name, err)
		}
		out.Entities[c.name] = counts
	}

	var err error
	if out.LastDay, err = s.logs.Stats(ctx, now.Add(-24*time.Hour)); err != nil {
		return nil, fmt.Errorf("syncadmin: log stats: %w", err)
	}
	if out.RecentErrors, _, err = s.logs.List(ctx, synclog.Filter{Status: synclog.StatusError}, recentErrorLimit, 0); err != nil {
		return nil, fmt.Errorf("syncadmin: recent errors: %w", err)
	}
	if out.RecentErrors == nil {
		out.RecentErrors = []*synclog.Entry{}
	}
	if s.session != nil {
		out.Session = s.session.Info()
	}
	if s.limits != nil {
		out.IsPeakHours = s.limits.IsPeak()
	}
	return out, nil
}

func (s *Service) ListLogs(ctx context.Context, f synclog.Filter, limit, offset int) (*LogPage, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	limit = min(limit, maxLogLimit)
	offset = max(offset, 0)
	list, total, err := s.logs.List(ctx, f, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("syncadmin: list sync log: %w", err)
	}
	return pagination.NewPage(list, total, pagination.Params{Limit: limit, Offset: offset}), nil
}

func (s *Service) GetLog(ctx context.Context, id uuid.UUID) (*synclog.Entry, error) {
	return s.logs.GetByID(ctx, id)
}

func (s *Service) EntityLogs(ctx context.Context, entityType string, entityID uuid.UUID, limit int) ([]*synclog.Entry, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	return s.logs.ListByEntity(ctx, entityType, entityID, min(limit, maxLogLimit))
}

// LogStats groups the sync log by type and status since the given time.
func (s *Service) LogStats(ctx context.Context, since time.Time) ([]synclog.Stat, error) {
	return s.logs.Stats(ctx, since)
}

func (s *Service) SessionInfo() session.Info {
	return s.session.Info()
}

func (s *Service) Reauthenticate(ctx context.Context) (session.Info, error) {
	if err := s.session.ForceReAuthenticate(ctx); err != nil {
		return s.session.Info(), err
	}
	s.logger.Info().Str("actor", synclog.Actor(ctx)).Msg("vendor session re-established")
	return s.session.Info(), nil
}

func (s *Service) Configure(ctx context.Context, creds session.Credentials, environment string) error {
	if err := s.session.Configure(ctx, creds, environment); err != nil {
		return err
	}
	s.logger.Info().Str("actor", synclog.Actor(ctx)).Str("office_key", creds.OfficeKey).Msg("vendor credentials updated")
	return nil
}

// TestConnection logs in afresh and reports how long the round trip took.
func (s *Service) TestConnection(ctx context.Context) ConnectionResult {
	start := time.Now()
	err := s.session.ForceReAuthenticate(ctx)
	out := ConnectionResult{LatencyMs: time.Since(start).Milliseconds(), Session: s.session.Info()}
	if err != nil {
		out.Message = err.Error()
		s.logger.Warn().Err(err).Msg("vendor connection test failed")
		return out
	}
	out.Success = true
	out.Message = "connected"
	return out
}

func (s *Service) RateLimitStatus(ctx context.Context, endpoint string) (any, error) {
	if endpoint != "" {
		return s.limits.Status(ctx, endpoint), nil
	}
	return s.limits.StatusAll(ctx)
}

func (s *Service) ResetRateLimits(ctx context.Context) error {
	if err := s.limits.ResetAll(ctx); err != nil {
		return err
	}
	s.logger.Warn().Str("actor", synclog.Actor(ctx)).Msg("rate limit state reset")
	return nil
}

func (s *Service) Lookup(ctx context.Context, namespace, code string, refresh bool) (lookup.Result, error) {
	ns, err := lookup.ParseNamespace(namespace)
	if err != nil {
		return lookup.Result{}, fmt.Errorf("%w %q", ErrUnknownNamespace, namespace)
	}
	if refresh {
		return s.lookups.Refresh(ctx, ns, code)
	}
	return s.lookups.Lookup(ctx, ns, code)
}

func (s *Service) LookupBatch(ctx context.Context, namespace string, codes []string) (map[string]lookup.Result, error) {
	ns, err := lookup.ParseNamespace(namespace)
	if err != nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownNamespace, namespace)
	}
	return s.lookups.Batch(ctx, ns, codes)
}

func (s *Service) LookupStats() []lookup.NamespaceStats {
	return s.lookups.Stats()
}

func (s *Service) ClearLookupCache(ctx context.Context) error {
	return s.lookups.ClearAll(ctx)
}
