// Package practicetest provides in-memory practice repositories for sync
// service tests.
package practicetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/amdsync/internal/domain/practice"
)

// Store holds every entity kind behind one mutex and hands out repository
// views over it.
type Store struct {
	mu           sync.Mutex
	clients      map[uuid.UUID]practice.Client
	insurance    map[uuid.UUID]practice.ClientInsurance
	appointments map[uuid.UUID]practice.Appointment
	charges      map[uuid.UUID]practice.Charge
	claims       map[uuid.UUID]practice.Claim
	payments     []practice.Payment
	pending      map[uuid.UUID]practice.PendingPayment
	seq          int
	created      map[uuid.UUID]int
}

func New() *Store {
	return &Store{
		clients:      map[uuid.UUID]practice.Client{},
		insurance:    map[uuid.UUID]practice.ClientInsurance{},
		appointments: map[uuid.UUID]practice.Appointment{},
		charges:      map[uuid.UUID]practice.Charge{},
		claims:       map[uuid.UUID]practice.Claim{},
		pending:      map[uuid.UUID]practice.PendingPayment{},
		created:      map[uuid.UUID]int{},
	}
}

// Repos returns repository views over s.
func (s *Store) Repos() practice.Repos {
	return practice.Repos{
		Clients:         clients{s},
		Insurance:       insurance{s},
		Appointments:    appointments{s},
		Charges:         charges{s},
		Claims:          claims{s},
		Payments:        payments{s},
		PendingPayments: pending{s},
	}
}

func (s *Store) stamp(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
	s.seq++
	s.created[*id] = s.seq
}

func (s *Store) order(a, b uuid.UUID) bool { return s.created[a] < s.created[b] }

// AddClient seeds a client and returns its id.
func (s *Store) AddClient(c practice.Client) uuid.UUID {
	_ = s.Repos().Clients.Create(context.Background(), &c)
	return c.ID
}

// AddInsurance seeds a policy and returns its id.
func (s *Store) AddInsurance(i practice.ClientInsurance) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamp(&i.ID)
	s.insurance[i.ID] = i
	return i.ID
}

func (s *Store) AddAppointment(a practice.Appointment) uuid.UUID {
	_ = s.Repos().Appointments.Create(context.Background(), &a)
	return a.ID
}

func (s *Store) AddCharge(c practice.Charge) uuid.UUID {
	_ = s.Repos().Charges.Create(context.Background(), &c)
	return c.ID
}

func (s *Store) AddClaim(c practice.Claim) uuid.UUID {
	_ = s.Repos().Claims.Create(context.Background(), &c)
	return c.ID
}

// Client returns a copy of the stored client.
func (s *Store) Client(id uuid.UUID) practice.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[id]
}

func (s *Store) Appointment(id uuid.UUID) practice.Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appointments[id]
}

func (s *Store) Charge(id uuid.UUID) practice.Charge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.charges[id]
}

func (s *Store) Claim(id uuid.UUID) practice.Claim {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimWithCharges(s.claims[id])
}

// Payments returns every stored payment in insertion order.
func (s *Store) Payments() []practice.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]practice.Payment(nil), s.payments...)
}

func (s *Store) Pending(id uuid.UUID) practice.PendingPayment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[id]
}

func (s *Store) claimWithCharges(c practice.Claim) practice.Claim {
	var ids []uuid.UUID
	for _, ch := range s.charges {
		if ch.ClaimID != nil && *ch.ClaimID == c.ID {
			ids = append(ids, ch.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return s.order(ids[i], ids[j]) })
	c.ChargeIDs = ids
	return c
}

func applySync(dst *practice.SyncFields, src practice.SyncFields) {
	if src.VendorID != nil {
		dst.VendorID = src.VendorID
	}
	if src.LastSyncedAt != nil {
		dst.LastSyncedAt = src.LastSyncedAt
	}
	dst.SyncStatus = src.SyncStatus
	dst.SyncError = src.SyncError
}

func counts() practice.SyncCounts {
	return practice.SyncCounts{practice.SyncUnsynced: 0, practice.SyncPending: 0, practice.SyncSynced: 0, practice.SyncError: 0}
}

type clients struct{ s *Store }

func (r clients) Create(_ context.Context, c *practice.Client) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.stamp(&c.ID)
	if c.SyncStatus == "" {
		c.SyncStatus = practice.SyncUnsynced
	}
	c.CreatedAt, c.UpdatedAt = time.Now(), time.Now()
	r.s.clients[c.ID] = *c
	return nil
}

func (r clients) GetByID(_ context.Context, id uuid.UUID) (*practice.Client, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.clients[id]
	if !ok {
		return nil, practice.ErrNotFound
	}
	return &c, nil
}

func (r clients) GetByVendorID(_ context.Context, vendorID string) (*practice.Client, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.clients {
		if c.VendorIDValue() == vendorID {
			return &c, nil
		}
	}
	return nil, practice.ErrNotFound
}

func (r clients) Update(_ context.Context, c *practice.Client) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	old, ok := r.s.clients[c.ID]
	if !ok {
		return practice.ErrNotFound
	}
	next := *c
	next.SyncFields = old.SyncFields
	next.SSN = old.SSN
	next.UpdatedAt = time.Now()
	r.s.clients[c.ID] = next
	return nil
}

func (r clients) UpdateSync(_ context.Context, id uuid.UUID, sf practice.SyncFields) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.clients[id]
	if !ok {
		return practice.ErrNotFound
	}
	applySync(&c.SyncFields, sf)
	r.s.clients[id] = c
	return nil
}

func (r clients) SyncCounts(context.Context) (practice.SyncCounts, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := counts()
	for _, c := range r.s.clients {
		out[c.SyncStatus]++
	}
	return out, nil
}

type insurance struct{ s *Store }

func (r insurance) GetByID(_ context.Context, id uuid.UUID) (*practice.ClientInsurance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.insurance[id]
	if !ok {
		return nil, practice.ErrNotFound
	}
	return &i, nil
}

func (r insurance) ListActiveByClient(_ context.Context, clientID uuid.UUID) ([]*practice.ClientInsurance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rank := map[string]int{"primary": 0, "secondary": 1}
	var out []*practice.ClientInsurance
	for _, i := range r.s.insurance {
		if i.ClientID == clientID && i.IsActive {
			out = append(out, &i)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		ra, oka := rank[out[a].Rank]
		rb, okb := rank[out[b].Rank]
		if !oka {
			ra = 2
		}
		if !okb {
			rb = 2
		}
		if ra != rb {
			return ra < rb
		}
		return r.s.order(out[a].ID, out[b].ID)
	})
	return out, nil
}

type appointments struct{ s *Store }

func (r appointments) Create(_ context.Context, a *practice.Appointment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.stamp(&a.ID)
	if a.SyncStatus == "" {
		a.SyncStatus = practice.SyncUnsynced
	}
	a.CreatedAt, a.UpdatedAt = time.Now(), time.Now()
	r.s.appointments[a.ID] = *a
	return nil
}

func (r appointments) GetByID(_ context.Context, id uuid.UUID) (*practice.Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.appointments[id]
	if !ok {
		return nil, practice.ErrNotFound
	}
	return &a, nil
}

func (r appointments) GetByVendorID(_ context.Context, vendorID string) (*practice.Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.appointments {
		if a.VendorIDValue() == vendorID {
			return &a, nil
		}
	}
	return nil, practice.ErrNotFound
}

func (r appointments) Update(_ context.Context, a *practice.Appointment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	old, ok := r.s.appointments[a.ID]
	if !ok {
		return practice.ErrNotFound
	}
	next := *a
	next.SyncFields = old.SyncFields
	next.ClientID = old.ClientID
	next.UpdatedAt = time.Now()
	r.s.appointments[a.ID] = next
	return nil
}

func (r appointments) UpdateSync(_ context.Context, id uuid.UUID, sf practice.SyncFields) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.appointments[id]
	if !ok {
		return practice.ErrNotFound
	}
	applySync(&a.SyncFields, sf)
	r.s.appointments[id] = a
	return nil
}

func (r appointments) ListByDateRange(_ context.Context, start, end time.Time) ([]*practice.Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*practice.Appointment
	for _, a := range r.s.appointments {
		if !a.StartTime.Before(start) && a.StartTime.Before(end) {
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r appointments) SyncCounts(context.Context) (practice.SyncCounts, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := counts()
	for _, a := range r.s.appointments {
		out[a.SyncStatus]++
	}
	return out, nil
}

type charges struct{ s *Store }

func (r charges) Create(_ context.Context, c *practice.Charge) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.stamp(&c.ID)
	if c.SyncStatus == "" {
		c.SyncStatus = practice.SyncUnsynced
	}
	if c.Status == "" {
		c.Status = practice.ChargePending
	}
	c.CreatedAt, c.UpdatedAt = time.Now(), time.Now()
	r.s.charges[c.ID] = *c
	return nil
}

func (r charges) GetByID(_ context.Context, id uuid.UUID) (*practice.Charge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.charges[id]
	if !ok {
		return nil, practice.ErrNotFound
	}
	return &c, nil
}

func (r charges) Update(_ context.Context, c *practice.Charge) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	old, ok := r.s.charges[c.ID]
	if !ok {
		return practice.ErrNotFound
	}
	next := *c
	next.SyncFields = old.SyncFields
	next.UpdatedAt = time.Now()
	r.s.charges[c.ID] = next
	return nil
}

func (r charges) UpdateSync(_ context.Context, id uuid.UUID, sf practice.SyncFields) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.charges[id]
	if !ok {
		return practice.ErrNotFound
	}
	applySync(&c.SyncFields, sf)
	r.s.charges[id] = c
	return nil
}

func (r charges) sorted(keep func(practice.Charge) bool) []*practice.Charge {
	var out []*practice.Charge
	for _, c := range r.s.charges {
		if keep(c) {
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return r.s.order(out[i].ID, out[j].ID) })
	return out
}

func (r charges) ListByIDs(_ context.Context, ids []uuid.UUID) ([]*practice.Charge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	want := map[uuid.UUID]bool{}
	for _, id := range ids {
		want[id] = true
	}
	return r.sorted(func(c practice.Charge) bool { return want[c.ID] }), nil
}

func (r charges) ListByAppointment(_ context.Context, appointmentID uuid.UUID) ([]*practice.Charge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.sorted(func(c practice.Charge) bool {
		return c.AppointmentID != nil && *c.AppointmentID == appointmentID
	}), nil
}

func (r charges) ListByClientAndDate(_ context.Context, clientID uuid.UUID, serviceDate time.Time) ([]*practice.Charge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	y, m, d := serviceDate.Date()
	return r.sorted(func(c practice.Charge) bool {
		cy, cm, cd := c.ServiceDate.Date()
		return c.ClientID == clientID && cy == y && cm == m && cd == d && c.Status != practice.ChargeVoid
	}), nil
}

func (r charges) ListByServiceDate(_ context.Context, serviceDate time.Time) ([]*practice.Charge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	y, m, d := serviceDate.Date()
	return r.sorted(func(c practice.Charge) bool {
		cy, cm, cd := c.ServiceDate.Date()
		return cy == y && cm == m && cd == d && c.Status != practice.ChargeVoid
	}), nil
}

func (r charges) CountByStatus(context.Context) (map[string]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := map[string]int{}
	for _, c := range r.s.charges {
		out[c.Status]++
	}
	return out, nil
}

func (r charges) SyncCounts(context.Context) (practice.SyncCounts, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := counts()
	for _, c := range r.s.charges {
		out[c.SyncStatus]++
	}
	return out, nil
}

type claims struct{ s *Store }

func (r claims) Create(_ context.Context, c *practice.Claim) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.stamp(&c.ID)
	if c.SyncStatus == "" {
		c.SyncStatus = practice.SyncUnsynced
	}
	c.CreatedAt, c.UpdatedAt = time.Now(), time.Now()
	r.s.claims[c.ID] = *c
	id := c.ID
	for _, chID := range c.ChargeIDs {
		if ch, ok := r.s.charges[chID]; ok {
			ch.ClaimID = &id
			r.s.charges[chID] = ch
		}
	}
	return nil
}

func (r claims) GetByID(_ context.Context, id uuid.UUID) (*practice.Claim, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.claims[id]
	if !ok {
		return nil, practice.ErrNotFound
	}
	c = r.s.claimWithCharges(c)
	return &c, nil
}

func (r claims) GetByNumber(_ context.Context, number string) (*practice.Claim, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.claims {
		if c.ClaimNumber == number {
			c = r.s.claimWithCharges(c)
			return &c, nil
		}
	}
	return nil, practice.ErrNotFound
}

func (r claims) Update(_ context.Context, c *practice.Claim) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	old, ok := r.s.claims[c.ID]
	if !ok {
		return practice.ErrNotFound
	}
	next := *c
	next.SyncFields = old.SyncFields
	next.UpdatedAt = time.Now()
	r.s.claims[c.ID] = next
	return nil
}

func (r claims) UpdateSync(_ context.Context, id uuid.UUID, sf practice.SyncFields) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.claims[id]
	if !ok {
		return practice.ErrNotFound
	}
	applySync(&c.SyncFields, sf)
	r.s.claims[id] = c
	return nil
}

func (r claims) list(keep func(practice.Claim) bool) []*practice.Claim {
	var out []*practice.Claim
	for _, c := range r.s.claims {
		if keep(c) {
			c = r.s.claimWithCharges(c)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return r.s.order(out[i].ID, out[j].ID) })
	return out
}

func (r claims) ListByStatus(_ context.Context, statuses []string, limit int) ([]*practice.Claim, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	want := map[string]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	out := r.list(func(c practice.Claim) bool { return want[c.Status] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r claims) ListByDateRange(_ context.Context, start, end time.Time, limit, offset int) ([]*practice.Claim, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := r.list(func(c practice.Claim) bool {
		return !c.ServiceStartDate.Before(start) && !c.ServiceStartDate.After(end)
	})
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (r claims) SyncCounts(context.Context) (practice.SyncCounts, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := counts()
	for _, c := range r.s.claims {
		out[c.SyncStatus]++
	}
	return out, nil
}

type payments struct{ s *Store }

func (r payments) Create(_ context.Context, p *practice.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.stamp(&p.ID)
	p.CreatedAt = time.Now()
	r.s.payments = append(r.s.payments, *p)
	return nil
}

func (r payments) ListByDateRange(_ context.Context, start, end time.Time) ([]*practice.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*practice.Payment
	for _, p := range r.s.payments {
		if !p.PaymentDate.Before(start) && !p.PaymentDate.After(end) {
			out = append(out, &p)
		}
	}
	return out, nil
}

type pending struct{ s *Store }

func (r pending) Create(_ context.Context, p *practice.PendingPayment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.stamp(&p.ID)
	if p.MatchStatus == "" {
		p.MatchStatus = practice.MatchUnmatched
	}
	p.CreatedAt, p.UpdatedAt = time.Now(), time.Now()
	r.s.pending[p.ID] = *p
	return nil
}

func (r pending) GetByID(_ context.Context, id uuid.UUID) (*practice.PendingPayment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.pending[id]
	if !ok {
		return nil, practice.ErrNotFound
	}
	return &p, nil
}

func (r pending) Update(_ context.Context, p *practice.PendingPayment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.pending[p.ID]; !ok {
		return practice.ErrNotFound
	}
	p.UpdatedAt = time.Now()
	r.s.pending[p.ID] = *p
	return nil
}

func (r pending) list(keep func(practice.PendingPayment) bool) []*practice.PendingPayment {
	var out []*practice.PendingPayment
	for _, p := range r.s.pending {
		if keep(p) {
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return r.s.order(out[i].ID, out[j].ID) })
	return out
}

func (r pending) ListByBatch(_ context.Context, batchID uuid.UUID) ([]*practice.PendingPayment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.list(func(p practice.PendingPayment) bool { return p.ImportBatchID == batchID }), nil
}

func (r pending) ListMatched(_ context.Context, minConfidence int) ([]*practice.PendingPayment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.list(func(p practice.PendingPayment) bool {
		return p.MatchStatus == practice.MatchMatched && p.PaymentID == nil && p.MatchConfidence >= minConfidence
	}), nil
}

func (r pending) CountByStatus(context.Context) (map[string]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := map[string]int{}
	for _, p := range r.s.pending {
		out[p.MatchStatus]++
	}
	return out, nil
}
