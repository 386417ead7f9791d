// Package eligibility verifies a client's insurance coverage with the vendor
// (a 270/271 exchange behind CHECKELIGIBILITY) and keeps a short-lived cache
// of the answers.
package eligibility

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/amdsync/internal/amd"
	"github.com/ehr/amdsync/internal/amd/executor"
	"github.com/ehr/amdsync/internal/amd/synclog"
	"github.com/ehr/amdsync/internal/domain/practice"
)

const (
	EndpointCheck = "CHECKELIGIBILITY"

	DefaultCacheTTL = 24 * time.Hour
	// serviceTypeMentalHealth is the X12 service type code sent with every check.
	serviceTypeMentalHealth = "30"
	entityType              = "client"
	defaultHistory          = 10
)

// Benefits is the normalized coverage answer. Amounts the payer did not
// report are nil.
type Benefits struct {
	IsActive             bool     `json:"is_active"`
	IsEligible           bool     `json:"is_eligible"`
	PlanName             string   `json:"plan_name,omitempty"`
	PlanType             string   `json:"plan_type,omitempty"`
	CoverageLevel        string   `json:"coverage_level,omitempty"`
	Copay                *float64 `json:"copay,omitempty"`
	CoinsurancePercent   *float64 `json:"coinsurance_percent,omitempty"`
	Deductible           *float64 `json:"deductible,omitempty"`
	DeductibleMet        *float64 `json:"deductible_met,omitempty"`
	DeductibleRemaining  *float64 `json:"deductible_remaining,omitempty"`
	OutOfPocketMax       *float64 `json:"out_of_pocket_max,omitempty"`
	OutOfPocketMet       *float64 `json:"out_of_pocket_met,omitempty"`
	OutOfPocketRemaining *float64 `json:"out_of_pocket_remaining,omitempty"`
	RequiresAuth         bool     `json:"requires_authorization"`
	AuthorizationNumber  string   `json:"authorization_number,omitempty"`
	VisitLimit           *int     `json:"visit_limit,omitempty"`
	VisitsUsed           *int     `json:"visits_used,omitempty"`
	VisitsRemaining      *int     `json:"visits_remaining,omitempty"`
	EffectiveDate        string   `json:"effective_date,omitempty"`
	TerminationDate      string   `json:"termination_date,omitempty"`
}

type Result struct {
	Success     bool       `json:"success"`
	ClientID    uuid.UUID  `json:"client_id"`
	InsuranceID *uuid.UUID `json:"insurance_id,omitempty"`
	CarrierCode string     `json:"carrier_code,omitempty"`
	ServiceDate string     `json:"service_date"`
	Benefits    *Benefits  `json:"benefits,omitempty"`
	Error       string     `json:"error,omitempty"`
	Cached      bool       `json:"cached"`
	CheckedAt   time.Time  `json:"checked_at"`
}

func (r Result) IsNotFound() bool {
	return !r.Success && (strings.HasPrefix(r.Error, "client not found") || strings.HasPrefix(r.Error, "appointment not found"))
}

type BatchResult struct {
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Results   []Result `json:"results"`
}

// Record is one stored check, read back from the sync log.
type Record struct {
	ID          uuid.UUID      `json:"id"`
	Status      synclog.Status `json:"status"`
	CheckedAt   time.Time      `json:"checked_at"`
	ServiceDate string         `json:"service_date"`
	InsuranceID uuid.UUID      `json:"insurance_id"`
	CarrierCode string         `json:"carrier_code,omitempty"`
	Benefits    *Benefits      `json:"benefits,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// recorded is the response_data shape of an eligibility sync log entry.
type recorded struct {
	ServiceDate string    `json:"service_date"`
	InsuranceID uuid.UUID `json:"insurance_id"`
	CarrierCode string    `json:"carrier_code,omitempty"`
	Benefits    *Benefits `json:"benefits,omitempty"`
}

type CacheStats struct {
	Size int      `json:"size"`
	Keys []string `json:"keys"`
}

type Options struct {
	CacheTTL time.Duration
	Now      func() time.Time
}

type cacheEntry struct {
	benefits  *Benefits
	checkedAt time.Time
	expiresAt time.Time
}

type Service struct {
	exec         executor.Doer
	clients      practice.ClientRepository
	insurance    practice.InsuranceRepository
	appointments practice.AppointmentRepository
	logs         synclog.Repository
	opts         Options
	logger       zerolog.Logger

	mu       sync.Mutex
	cache    map[string]cacheEntry
	inflight singleflight.Group
}

func NewService(exec executor.Doer, repos practice.Repos, logs synclog.Repository, opts Options, logger zerolog.Logger) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		exec:         exec,
		clients:      repos.Clients,
		insurance:    repos.Insurance,
		appointments: repos.Appointments,
		logs:         logs,
		opts:         opts,
		logger:       logger.With().Str("component", "eligibility").Logger(),
		cache:        make(map[string]cacheEntry),
	}
}

// Check verifies coverage for the client on serviceDate (today when zero).
// insuranceID selects a policy; nil means the primary active one.
func (s *Service) Check(ctx context.Context, clientID uuid.UUID, insuranceID *uuid.UUID, serviceDate time.Time, skipCache bool) Result {
	if serviceDate.IsZero() {
		serviceDate = s.opts.Now()
	}
	res := Result{ClientID: clientID, ServiceDate: amd.FormatDate(serviceDate), CheckedAt: s.opts.Now()}

	client, err := s.clients.GetByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, practice.ErrNotFound) {
			res.Error = "client not found: " + clientID.String()
		} else {
			res.Error = fmt.Sprintf("eligibility: load client: %v", err)
		}
		return res
	}
	if !client.IsLinked() {
		res.Error = "client not synced to vendor; sync the patient first"
		return res
	}
	policy, msg := s.policy(ctx, clientID, insuranceID)
	if msg != "" {
		res.Error = msg
		return res
	}
	res.InsuranceID = &policy.ID
	res.CarrierCode = practice.Deref(policy.CarrierCode)
	if res.CarrierCode == "" {
		res.CarrierCode = policy.PayerName
	}
	if res.CarrierCode == "" {
		res.Error = "no carrier code (payer id) on insurance"
		return res
	}

	key := cacheKey(clientID, policy.ID, res.ServiceDate)
	if !skipCache {
		if e, ok := s.cached(key); ok {
			res.Success = true
			res.Benefits = e.benefits
			res.Cached = true
			res.CheckedAt = e.checkedAt
			return res
		}
	}

	v, _, _ := s.inflight.Do(key, func() (any, error) {
		return s.call(ctx, key, client.VendorIDValue(), res), nil
	})
	return v.(Result)
}

func (s *Service) call(ctx context.Context, key, patientID string, res Result) Result {
	req := executor.NewRequest(EndpointCheck, map[string]any{
		"@patientid":   patientID,
		"@carriercode": res.CarrierCode,
		"@servicedate": res.ServiceDate,
		"@servicetype": serviceTypeMentalHealth,
	})
	req.SyncLog = &synclog.Spec{
		SyncType:    synclog.TypeEligibility,
		EntityID:    res.ClientID,
		EntityType:  entityType,
		Direction:   synclog.FromVendor,
		TriggeredBy: synclog.Actor(ctx),
	}
	out := s.exec.Execute(ctx, req)
	res.CheckedAt = s.opts.Now()
	if !out.Success {
		res.Error = out.Message()
		s.record(ctx, out.SyncLogID, res)
		s.logger.Warn().Str("client_id", res.ClientID.String()).Str("error", res.Error).Msg("eligibility check failed")
		return res
	}

	node := out.Data.Get("eligibility")
	if node == nil {
		node = out.Data
	}
	res.Success = true
	res.Benefits = ParseBenefits(node)

	s.mu.Lock()
	s.cache[key] = cacheEntry{benefits: res.Benefits, checkedAt: res.CheckedAt, expiresAt: res.CheckedAt.Add(s.opts.CacheTTL)}
	s.mu.Unlock()
	s.record(ctx, out.SyncLogID, res)
	s.logger.Info().Str("client_id", res.ClientID.String()).Bool("active", res.Benefits.IsActive).Msg("eligibility checked")
	return res
}

// ParseBenefits reads both the attribute and the camelCase spellings the
// vendor uses for coverage fields.
func ParseBenefits(d amd.Doc) *Benefits {
	b := &Benefits{
		IsActive:            d.Bool("@coverageactive", "coverageActive"),
		IsEligible:          d.Bool("@eligibleforservice", "eligibleForService"),
		PlanName:            d.Str("@planname", "planName"),
		PlanType:            d.Str("@plantype", "planType"),
		CoverageLevel:       d.Str("@coveragelevel", "coverageLevel"),
		Copay:               amount(d, "@copay", "copay"),
		CoinsurancePercent:  amount(d, "@coinsurance", "coinsurance"),
		Deductible:          amount(d, "@deductible", "deductible"),
		DeductibleMet:       amount(d, "@deductiblemet", "deductibleMet"),
		OutOfPocketMax:      amount(d, "@outofpocketmax", "outOfPocketMax"),
		OutOfPocketMet:      amount(d, "@outofpocketmet", "outOfPocketMet"),
		RequiresAuth:        d.Bool("@requiresauth", "requiresAuth"),
		AuthorizationNumber: d.Str("@authnumber", "authNumber"),
		VisitLimit:          count(d, "@servicelimit", "serviceLimit"),
		VisitsUsed:          count(d, "@serviceused", "serviceUsed"),
		VisitsRemaining:     count(d, "@serviceremaining", "serviceRemaining"),
		EffectiveDate:       d.Str("@effectivedate", "effectiveDate"),
		TerminationDate:     d.Str("@terminationdate", "terminationDate"),
	}
	b.DeductibleRemaining = remaining(b.Deductible, b.DeductibleMet)
	b.OutOfPocketRemaining = remaining(b.OutOfPocketMax, b.OutOfPocketMet)
	return b
}

func amount(d amd.Doc, keys ...string) *float64 {
	s := strings.NewReplacer("$", "", ",", "", "%", "").Replace(strings.TrimSpace(d.Str(keys...)))
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func count(d amd.Doc, keys ...string) *int {
	if d.Str(keys...) == "" {
		return nil
	}
	v := d.Int(keys...)
	return &v
}

func remaining(total, used *float64) *float64 {
	if total == nil {
		return nil
	}
	r := *total
	if used != nil {
		r -= *used
	}
	r = amd.RoundCents(r)
	return &r
}

func (s *Service) policy(ctx context.Context, clientID uuid.UUID, insuranceID *uuid.UUID) (*practice.ClientInsurance, string) {
	if insuranceID != nil {
		p, err := s.insurance.GetByID(ctx, *insuranceID)
		if err != nil || p.ClientID != clientID {
			return nil, fmt.Sprintf("insurance %s not found for client", *insuranceID)
		}
		return p, ""
	}
	list, err := s.insurance.ListActiveByClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Sprintf("eligibility: load insurance: %v", err)
	}
	if len(list) == 0 {
		return nil, "no primary insurance found for client"
	}
	return list[0], ""
}

// record replaces the raw vendor response on the executor's closed entry
// with the normalized check so Last and History can read it back.
func (s *Service) record(ctx context.Context, logID uuid.UUID, res Result) {
	if s.logs == nil || logID == uuid.Nil || res.InsuranceID == nil {
		return
	}
	rec := recorded{ServiceDate: res.ServiceDate, InsuranceID: *res.InsuranceID, CarrierCode: res.CarrierCode, Benefits: res.Benefits}
	if err := s.logs.AttachResponse(ctx, logID, rec); err != nil {
		s.logger.Warn().Err(err).Stringer("sync_log_id", logID).Msg("store eligibility result failed")
	}
}

// CheckForAppointment checks the client's primary policy on the
// appointment's date.
func (s *Service) CheckForAppointment(ctx context.Context, appointmentID uuid.UUID) Result {
	appt, err := s.appointments.GetByID(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, practice.ErrNotFound) {
			return Result{Error: "appointment not found: " + appointmentID.String(), CheckedAt: s.opts.Now()}
		}
		return Result{Error: fmt.Sprintf("eligibility: load appointment: %v", err), CheckedAt: s.opts.Now()}
	}
	return s.Check(ctx, appt.ClientID, nil, appt.StartTime, false)
}

// CheckBatch checks clients one after another.
func (s *Service) CheckBatch(ctx context.Context, clientIDs []uuid.UUID, serviceDate time.Time) BatchResult {
	out := BatchResult{Results: []Result{}}
	for _, id := range clientIDs {
		if ctx.Err() != nil {
			break
		}
		r := s.Check(ctx, id, nil, serviceDate, false)
		out.Total++
		if r.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
		out.Results = append(out.Results, r)
	}
	return out
}

// CheckForDate checks every client with a scheduled or confirmed
// appointment on the calendar day of date, once per client.
func (s *Service) CheckForDate(ctx context.Context, date time.Time) (BatchResult, error) {
	y, m, d := date.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, date.Location())
	end := start.AddDate(0, 0, 1).Add(-time.Nanosecond)
	appts, err := s.appointments.ListByDateRange(ctx, start, end)
	if err != nil {
		return BatchResult{}, fmt.Errorf("eligibility: list appointments: %w", err)
	}
	seen := map[uuid.UUID]bool{}
	var clients []uuid.UUID
	for _, a := range appts {
		if a.Status != practice.ApptScheduled && a.Status != practice.ApptConfirmed {
			continue
		}
		if !seen[a.ClientID] {
			seen[a.ClientID] = true
			clients = append(clients, a.ClientID)
		}
	}
	return s.CheckBatch(ctx, clients, start), nil
}

// Last returns the most recent successful check for the client, optionally
// restricted to one policy. It returns nil when there is none.
func (s *Service) Last(ctx context.Context, clientID uuid.UUID, insuranceID *uuid.UUID) (*Record, error) {
	entries, _, err := s.logs.List(ctx, synclog.Filter{
		SyncType:   synclog.TypeEligibility,
		Status:     synclog.StatusSuccess,
		EntityType: entityType,
		EntityID:   clientID,
	}, 50, 0)
	if err != nil {
		return nil, fmt.Errorf("eligibility: last check: %w", err)
	}
	for _, e := range entries {
		rec := toRecord(e)
		if insuranceID != nil && rec.InsuranceID != *insuranceID {
			continue
		}
		return &rec, nil
	}
	return nil, nil
}

// History lists recent checks for the client, newest first, including
// failures.
func (s *Service) History(ctx context.Context, clientID uuid.UUID, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultHistory
	}
	entries, _, err := s.logs.List(ctx, synclog.Filter{
		SyncType:   synclog.TypeEligibility,
		EntityType: entityType,
		EntityID:   clientID,
	}, limit, 0)
	if err != nil {
		return nil, fmt.Errorf("eligibility: history: %w", err)
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, toRecord(e))
	}
	return out, nil
}

func toRecord(e *synclog.Entry) Record {
	var rec recorded
	if len(e.ResponseData) > 0 {
		_ = json.Unmarshal(e.ResponseData, &rec)
	}
	out := Record{
		ID:          e.ID,
		Status:      e.Status,
		CheckedAt:   e.StartedAt,
		ServiceDate: rec.ServiceDate,
		InsuranceID: rec.InsuranceID,
		CarrierCode: rec.CarrierCode,
		Benefits:    rec.Benefits,
	}
	if e.CompletedAt != nil {
		out.CheckedAt = *e.CompletedAt
	}
	if e.ErrorMessage != nil {
		out.Error = *e.ErrorMessage
	}
	return out
}

func cacheKey(clientID, insuranceID uuid.UUID, serviceDate string) string {
	return clientID.String() + ":" + insuranceID.String() + ":" + serviceDate
}

func (s *Service) cached(key string) (cacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	if !ok {
		return cacheEntry{}, false
	}
	if !s.opts.Now().Before(e.expiresAt) {
		delete(s.cache, key)
		return cacheEntry{}, false
	}
	return e, true
}

// ClearClientCache drops every cached answer for the client and reports how
// many were removed.
func (s *Service) ClearClientCache(clientID uuid.UUID) int {
	prefix := clientID.String() + ":"
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.cache {
		if strings.HasPrefix(k, prefix) {
			delete(s.cache, k)
			n++
		}
	}
	return n
}

func (s *Service) ClearAll() {
	s.mu.Lock()
	s.cache = make(map[string]cacheEntry)
	s.mu.Unlock()
}

func (s *Service) CacheStats() CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.cache))
	for k := range s.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return CacheStats{Size: len(keys), Keys: keys}
}
