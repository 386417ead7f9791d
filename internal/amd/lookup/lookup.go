// Package lookup translates local codes (CPT, ICD-10, modifiers, providers,
// facilities) into vendor-internal identifiers, caching answers in memory and
// in the database.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/amdsync/internal/amd/executor"
)

const (
	DefaultTTL = 24 * time.Hour
	// batchConcurrency bounds parallel vendor lookups in a batch.
	batchConcurrency = 4
)

// ErrNotFound is returned for a CPT code the vendor does not know.
var ErrNotFound = errors.New("code not found")

type Namespace string

const (
	CPT      Namespace = "CPT"
	ICD10    Namespace = "ICD10"
	Modifier Namespace = "MODIFIER"
	Provider Namespace = "PROVIDER"
	Facility Namespace = "FACILITY"
)

// Namespaces lists every namespace in a stable order.
var Namespaces = []Namespace{CPT, ICD10, Modifier, Provider, Facility}

// fallback is what a namespace does when the vendor has no answer.
type fallback int

const (
	failHard fallback = iota
	useRawCode
	notFound
)

type nsDef struct {
	endpoint  string
	param     string
	list      string
	idAttrs   []string
	descAttrs []string
	fallback  fallback
}

var defs = map[Namespace]nsDef{
	CPT:      {"LOOKUPPROCCODE", "@proccode", "ProcCode", []string{"@id", "@proccodeid"}, []string{"@description", "@name"}, failHard},
	ICD10:    {"LOOKUPDIAGCODE", "@diagcode", "DiagCode", []string{"@id", "@diagcodeid"}, []string{"@description", "@name"}, useRawCode},
	Modifier: {"LOOKUPMODCODE", "@modcode", "ModCode", []string{"@id", "@modcodeid"}, []string{"@description", "@name"}, useRawCode},
	Provider: {"LOOKUPPROVIDER", "@providername", "Provider", []string{"@id", "@providerid"}, []string{"@name", "@providername"}, notFound},
	Facility: {"LOOKUPFACILITY", "@facilityname", "Facility", []string{"@id", "@facilityid"}, []string{"@name", "@facilityname"}, notFound},
}

// ParseNamespace accepts the canonical names plus a few common spellings.
func ParseNamespace(s string) (Namespace, error) {
	switch strings.ToUpper(strings.ReplaceAll(s, "-", "")) {
	case "CPT", "PROC", "PROCCODE":
		return CPT, nil
	case "ICD10", "ICD", "DIAG", "DIAGCODE":
		return ICD10, nil
	case "MODIFIER", "MOD", "MODCODE":
		return Modifier, nil
	case "PROVIDER":
		return Provider, nil
	case "FACILITY":
		return Facility, nil
	}
	return "", fmt.Errorf("unknown lookup namespace %q", s)
}

// Result is the answer to one lookup.
type Result struct {
	Code        string `json:"code"`
	Found       bool   `json:"found"`
	VendorID    string `json:"vendor_id,omitempty"`
	Description string `json:"description,omitempty"`
	// Fallback is set when VendorID is the raw code because the vendor had no
	// answer.
	Fallback bool `json:"fallback,omitempty"`
	Cached   bool `json:"cached"`
}

// Entry is one cached translation.
type Entry struct {
	Namespace   Namespace
	Code        string
	VendorID    string
	Description string
	CachedAt    time.Time
	ExpiresAt   time.Time
}

// Store persists cache entries.
type Store interface {
	Upsert(ctx context.Context, e *Entry) error
	ListValid(ctx context.Context, now time.Time) ([]*Entry, error)
	Delete(ctx context.Context, ns Namespace, code string) error
	DeleteAll(ctx context.Context) error
}

// Resolver is what the charge and claim orchestrators depend on.
type Resolver interface {
	Lookup(ctx context.Context, ns Namespace, code string) (Result, error)
	CPT(ctx context.Context, code string) (Result, error)
	ICD10(ctx context.Context, code string) (Result, error)
	Modifier(ctx context.Context, code string) (Result, error)
}

// NamespaceStats summarises one namespace of the in-memory cache.
type NamespaceStats struct {
	Namespace Namespace `json:"namespace"`
	Entries   int       `json:"entries"`
	Expired   int       `json:"expired"`
	Hits      int64     `json:"hits"`
	Misses    int64     `json:"misses"`
}

type Options struct {
	TTL time.Duration
	Now func() time.Time
}

type Service struct {
	exec   executor.Doer
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu     sync.RWMutex
	cache  map[Namespace]map[string]*Entry
	hits   map[Namespace]int64
	misses map[Namespace]int64

	inflight singleflight.Group
}

func NewService(exec executor.Doer, store Store, opts Options, logger zerolog.Logger) *Service {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Service{
		exec:   exec,
		store:  store,
		ttl:    opts.TTL,
		now:    opts.Now,
		logger: logger.With().Str("component", "amd.lookup").Logger(),
		hits:   make(map[Namespace]int64),
		misses: make(map[Namespace]int64),
	}
	s.resetCache()
	return s
}

func (s *Service) CPT(ctx context.Context, code string) (Result, error) {
	return s.Lookup(ctx, CPT, code)
}

func (s *Service) ICD10(ctx context.Context, code string) (Result, error) {
	return s.Lookup(ctx, ICD10, code)
}

func (s *Service) Modifier(ctx context.Context, code string) (Result, error) {
	return s.Lookup(ctx, Modifier, code)
}

func (s *Service) Provider(ctx context.Context, name string) (Result, error) {
	return s.Lookup(ctx, Provider, name)
}

func (s *Service) Facility(ctx context.Context, name string) (Result, error) {
	return s.Lookup(ctx, Facility, name)
}

// Lookup answers from memory when a live entry exists, otherwise asks the
// vendor and caches the answer. Concurrent lookups of the same code share one
// vendor call.
func (s *Service) Lookup(ctx context.Context, ns Namespace, code string) (Result, error) {
	def, ok := defs[ns]
	if !ok {
		return Result{}, fmt.Errorf("unknown lookup namespace %q", ns)
	}
	key := normalize(code)
	if key == "" {
		return Result{}, fmt.Errorf("%s lookup: code is required", ns)
	}

	if e := s.cached(ns, key); e != nil {
		return Result{Code: key, Found: true, VendorID: e.VendorID, Description: e.Description, Cached: true}, nil
	}

	v, err, _ := s.inflight.Do(string(ns)+":"+key, func() (any, error) {
		return s.fetch(ctx, ns, def, key)
	})
	var e *Entry
	if err == nil {
		e, _ = v.(*Entry)
	}
	if e != nil {
		return Result{Code: key, Found: true, VendorID: e.VendorID, Description: e.Description}, nil
	}
	return s.fallback(ns, def, key, err)
}

// Refresh drops any cached entry for code and asks the vendor again.
func (s *Service) Refresh(ctx context.Context, ns Namespace, code string) (Result, error) {
	key := normalize(code)
	s.mu.Lock()
	if m := s.cache[ns]; m != nil {
		delete(m, key)
	}
	s.mu.Unlock()
	if err := s.store.Delete(ctx, ns, key); err != nil {
		s.logger.Warn().Err(err).Str("namespace", string(ns)).Str("code", key).Msg("failed to delete cached code")
	}
	return s.Lookup(ctx, ns, key)
}

// Batch looks up codes concurrently. Results are keyed by normalized code. For
// CPT the first hard failure is returned alongside the results gathered.
func (s *Service) Batch(ctx context.Context, ns Namespace, codes []string) (map[string]Result, error) {
	var (
		mu  sync.Mutex
		out = make(map[string]Result, len(codes))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for _, code := range dedupe(codes) {
		code := code
		g.Go(func() error {
			r, err := s.Lookup(gctx, ns, code)
			if err != nil {
				return fmt.Errorf("%s %s: %w", ns, code, err)
			}
			mu.Lock()
			out[code] = r
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return out, err
}

// Warm loads every unexpired entry from the store into memory.
func (s *Service) Warm(ctx context.Context) (int, error) {
	entries, err := s.store.ListValid(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("warm lookup cache: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range entries {
		m := s.cache[e.Namespace]
		if m == nil {
			continue
		}
		m[normalize(e.Code)] = e
		n++
	}
	s.logger.Info().Int("entries", n).Msg("lookup cache warmed")
	return n, nil
}

// ClearAll empties the memory cache and the store.
func (s *Service) ClearAll(ctx context.Context) error {
	s.resetCache()
	if err := s.store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("clear lookup cache: %w", err)
	}
	return nil
}

func (s *Service) Stats() []NamespaceStats {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NamespaceStats, 0, len(Namespaces))
	for _, ns := range Namespaces {
		st := NamespaceStats{Namespace: ns, Hits: s.hits[ns], Misses: s.misses[ns]}
		for _, e := range s.cache[ns] {
			if now.Before(e.ExpiresAt) {
				st.Entries++
			} else {
				st.Expired++
			}
		}
		out = append(out, st)
	}
	return out
}

func (s *Service) cached(ns Namespace, key string) *Entry {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.cache[ns][key]
	if e != nil && now.Before(e.ExpiresAt) {
		s.hits[ns]++
		return e
	}
	if e != nil {
		delete(s.cache[ns], key)
	}
	s.misses[ns]++
	return nil
}

// fetch returns (nil, nil) when the vendor answered but had no match.
func (s *Service) fetch(ctx context.Context, ns Namespace, def nsDef, key string) (*Entry, error) {
	req := executor.NewRequest(def.endpoint, map[string]any{def.param: key})
	res := s.exec.Execute(ctx, req)
	if !res.Success {
		return nil, res.Err
	}

	items := res.Data.List(def.list)
	if len(items) == 0 {
		return nil, nil
	}
	item := items[0]
	id := item.Str(def.idAttrs...)
	if id == "" {
		return nil, nil
	}

	now := s.now()
	e := &Entry{
		Namespace:   ns,
		Code:        key,
		VendorID:    id,
		Description: item.Str(def.descAttrs...),
		CachedAt:    now,
		ExpiresAt:   now.Add(s.ttl),
	}
	s.mu.Lock()
	s.cache[ns][key] = e
	s.mu.Unlock()
	if err := s.store.Upsert(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("namespace", string(ns)).Str("code", key).Msg("failed to persist cached code")
	}
	return e, nil
}

func (s *Service) fallback(ns Namespace, def nsDef, key string, err error) (Result, error) {
	switch def.fallback {
	case failHard:
		if err != nil {
			return Result{Code: key}, fmt.Errorf("%s lookup %s: %w", ns, key, err)
		}
		return Result{Code: key}, fmt.Errorf("%s lookup %s: %w", ns, key, ErrNotFound)
	case useRawCode:
		s.logWarn(ns, key, err, "using raw code")
		return Result{Code: key, VendorID: key, Fallback: true}, nil
	default:
		s.logWarn(ns, key, err, "not found")
		return Result{Code: key}, nil
	}
}

func (s *Service) logWarn(ns Namespace, key string, err error, msg string) {
	ev := s.logger.Warn().Str("namespace", string(ns)).Str("code", key)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg(msg)
}

func (s *Service) resetCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[Namespace]map[string]*Entry, len(Namespaces))
	for _, ns := range Namespaces {
		s.cache[ns] = make(map[string]*Entry)
	}
}

func normalize(code string) string { return strings.ToUpper(strings.TrimSpace(code)) }

func dedupe(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		k := normalize(c)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var _ Resolver = (*Service)(nil)
