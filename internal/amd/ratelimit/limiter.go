// Package ratelimit enforces the vendor's per-endpoint call quotas locally so
// requests are rejected before they reach the network.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/amdsync/internal/amd"
)

// State is the quota bookkeeping for one tier+endpoint pair.
type State struct {
	Tier               Tier       `json:"tier"`
	Endpoint           string     `json:"endpoint"`
	CallsThisMinute    int        `json:"calls_this_minute"`
	CallsThisHour      int        `json:"calls_this_hour"`
	CurrentMinuteStart time.Time  `json:"current_minute_start"`
	CurrentHourStart   time.Time  `json:"current_hour_start"`
	IsPeakHours        bool       `json:"is_peak_hours"`
	IsBackingOff       bool       `json:"is_backing_off"`
	BackoffUntil       *time.Time `json:"backoff_until,omitempty"`
	BackoffRetryCount  int        `json:"backoff_retry_count"`
	LastCallAt         *time.Time `json:"last_call_at,omitempty"`
	LastCallSuccess    bool       `json:"last_call_success"`
	LastCallError      string     `json:"last_call_error,omitempty"`
}

// Store persists State. Get returns nil, nil when no row exists.
type Store interface {
	Get(ctx context.Context, tier Tier, endpoint string) (*State, error)
	Save(ctx context.Context, s *State) error
	DeleteAll(ctx context.Context) error
	List(ctx context.Context) ([]*State, error)
}

// Limiter is the contract the request executor depends on.
type Limiter interface {
	Check(ctx context.Context, endpoint string) error
	RecordSuccess(ctx context.Context, endpoint string)
	RecordFailure(ctx context.Context, endpoint, msg string, isRateLimit bool)
}

// Status is the externally visible view of an endpoint's quota.
type Status struct {
	Endpoint        string     `json:"endpoint"`
	Tier            Tier       `json:"tier"`
	IsPeakHours     bool       `json:"is_peak_hours"`
	CurrentLimit    int        `json:"current_limit"`
	CallsThisMinute int        `json:"calls_this_minute"`
	CallsThisHour   int        `json:"calls_this_hour"`
	RemainingCalls  int        `json:"remaining_calls"`
	IsBackingOff    bool       `json:"is_backing_off"`
	BackoffUntil    *time.Time `json:"backoff_until,omitempty"`
	LastCallError   string     `json:"last_call_error,omitempty"`
}

type Options struct {
	Limits  map[Tier]Limits
	Peak    PeakWindow
	Backoff Backoff
	Now     func() time.Time
}

// Service keeps state in memory, mirrored to the Store after every change.
// Check-and-increment is atomic within the process; separate processes
// sharing one database can each admit a call before seeing the other's
// increment, so the quota is a soft limit across processes.
type Service struct {
	store  Store
	opts   Options
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]*State
}

func New(store Store, opts Options, logger zerolog.Logger) *Service {
	if opts.Limits == nil {
		opts.Limits = DefaultLimits
	}
	if opts.Peak.Location == nil && opts.Peak.EndHour == 0 {
		opts.Peak = DefaultPeakWindow()
	}
	if opts.Backoff.Initial == 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "amd.ratelimit").Logger(),
		cache:  make(map[string]*State),
	}
}

// IsPeak reports whether the current time is inside the peak window.
func (s *Service) IsPeak() bool { return s.opts.Peak.IsPeak(s.opts.Now()) }

// Check admits one call to endpoint or returns a rate-limit *amd.Error.
func (s *Service) Check(ctx context.Context, endpoint string) error {
	tier := s.classify(endpoint)
	now := s.opts.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(ctx, tier, endpoint, now)

	if st.IsBackingOff && st.BackoffUntil != nil {
		if now.Before(*st.BackoffUntil) {
			wait := st.BackoffUntil.Sub(now)
			return amd.NewRateLimitError(endpoint, string(tier),
				fmt.Sprintf("backing off for %s", wait.Round(time.Second)), *st.BackoffUntil, wait)
		}
		st.IsBackingOff = false
		st.BackoffUntil = nil
		st.BackoffRetryCount = 0
	}

	rollWindows(st, now)
	st.IsPeakHours = s.opts.Peak.IsPeak(now)
	limit := s.limitFor(tier, st.IsPeakHours)

	if st.CallsThisMinute >= limit {
		until, wait := s.startBackoff(st, now)
		s.save(ctx, st)
		return amd.NewRateLimitError(endpoint, string(tier),
			fmt.Sprintf("%s limit of %d calls/minute reached", tier, limit), until, wait)
	}

	st.CallsThisMinute++
	st.CallsThisHour++
	st.LastCallAt = &now
	s.save(ctx, st)
	return nil
}

func (s *Service) RecordSuccess(ctx context.Context, endpoint string) {
	tier := s.classify(endpoint)
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(ctx, tier, endpoint, s.opts.Now())
	st.LastCallSuccess = true
	st.LastCallError = ""
	s.save(ctx, st)
}

// RecordFailure notes a failed call. A vendor-reported rate limit starts
// backoff even though the local count admitted the call.
func (s *Service) RecordFailure(ctx context.Context, endpoint, msg string, isRateLimit bool) {
	tier := s.classify(endpoint)
	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(ctx, tier, endpoint, now)
	st.LastCallSuccess = false
	st.LastCallError = msg
	if isRateLimit {
		s.startBackoff(st, now)
	}
	s.save(ctx, st)
}

func (s *Service) Status(ctx context.Context, endpoint string) *Status {
	tier, _ := Classify(endpoint)
	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(ctx, tier, endpoint, now)
	return s.statusOf(st, now)
}

// StatusAll reports every endpoint that has been called.
func (s *Service) StatusAll(ctx context.Context) ([]*Status, error) {
	states, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rate limit state: %w", err)
	}
	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Status, 0, len(states))
	for _, st := range states {
		if cached, ok := s.cache[key(st.Tier, st.Endpoint)]; ok {
			st = cached
		}
		out = append(out, s.statusOf(st, now))
	}
	return out, nil
}

// ResetAll clears every counter and backoff.
func (s *Service) ResetAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*State)
	if err := s.store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("reset rate limit state: %w", err)
	}
	return nil
}

func (s *Service) statusOf(st *State, now time.Time) *Status {
	cp := *st
	rollWindows(&cp, now)
	peak := s.opts.Peak.IsPeak(now)
	limit := s.limitFor(st.Tier, peak)
	backingOff := cp.IsBackingOff && cp.BackoffUntil != nil && now.Before(*cp.BackoffUntil)

	remaining := limit - cp.CallsThisMinute
	if remaining < 0 || backingOff {
		remaining = 0
	}
	status := &Status{
		Endpoint:        cp.Endpoint,
		Tier:            cp.Tier,
		IsPeakHours:     peak,
		CurrentLimit:    limit,
		CallsThisMinute: cp.CallsThisMinute,
		CallsThisHour:   cp.CallsThisHour,
		RemainingCalls:  remaining,
		IsBackingOff:    backingOff,
		LastCallError:   cp.LastCallError,
	}
	if backingOff {
		status.BackoffUntil = cp.BackoffUntil
	}
	return status
}

func (s *Service) startBackoff(st *State, now time.Time) (time.Time, time.Duration) {
	wait := s.opts.Backoff.Delay(st.BackoffRetryCount)
	until := now.Add(wait)
	st.IsBackingOff = true
	st.BackoffUntil = &until
	st.BackoffRetryCount = s.opts.Backoff.Next(st.BackoffRetryCount)

	s.logger.Warn().
		Str("tier", string(st.Tier)).
		Str("endpoint", st.Endpoint).
		Time("backoff_until", until).
		Int("retry", st.BackoffRetryCount).
		Int("max_retries", s.opts.Backoff.MaxRetries).
		Msg("backing off")
	return until, wait
}

func (s *Service) limitFor(tier Tier, peak bool) int {
	l, ok := s.opts.Limits[tier]
	if !ok {
		l = DefaultLimits[Tier2]
	}
	if peak {
		return l.Peak
	}
	return l.OffPeak
}

func (s *Service) classify(endpoint string) Tier {
	tier, known := Classify(endpoint)
	if !known {
		s.logger.Warn().Str("endpoint", endpoint).Msg("unknown endpoint, defaulting to tier2")
	}
	return tier
}

// state returns the cached state, loading or creating it on first use. The
// caller holds s.mu.
func (s *Service) state(ctx context.Context, tier Tier, endpoint string, now time.Time) *State {
	endpoint = strings.ToUpper(endpoint)
	k := key(tier, endpoint)
	if st, ok := s.cache[k]; ok {
		return st
	}

	st, err := s.store.Get(ctx, tier, endpoint)
	if err != nil {
		s.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("failed to load rate limit state")
	}
	if st == nil {
		st = &State{
			Tier:               tier,
			Endpoint:           endpoint,
			CurrentMinuteStart: now.Truncate(time.Minute),
			CurrentHourStart:   now.Truncate(time.Hour),
			IsPeakHours:        s.opts.Peak.IsPeak(now),
			LastCallSuccess:    true,
		}
	}
	s.cache[k] = st
	return st
}

func (s *Service) save(ctx context.Context, st *State) {
	if err := s.store.Save(ctx, st); err != nil {
		s.logger.Warn().Err(err).Str("endpoint", st.Endpoint).Msg("failed to persist rate limit state")
	}
}

func rollWindows(st *State, now time.Time) {
	if minute := now.Truncate(time.Minute); !minute.Equal(st.CurrentMinuteStart) {
		st.CurrentMinuteStart = minute
		st.CallsThisMinute = 0
	}
	if hour := now.Truncate(time.Hour); !hour.Equal(st.CurrentHourStart) {
		st.CurrentHourStart = hour
		st.CallsThisHour = 0
	}
}

func key(tier Tier, endpoint string) string { return string(tier) + ":" + endpoint }
