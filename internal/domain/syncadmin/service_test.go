package syncadmin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/amdsync/internal/amd"
	"github.com/ehr/amdsync/internal/amd/lookup"
	"github.com/ehr/amdsync/internal/amd/ratelimit"
	"github.com/ehr/amdsync/internal/amd/session"
	"github.com/ehr/amdsync/internal/amd/synclog"
	"github.com/ehr/amdsync/internal/amd/synclog/synclogtest"
	"github.com/ehr/amdsync/internal/domain/practice"
	"github.com/ehr/amdsync/internal/domain/practice/practicetest"
)

var fixedNow = time.Date(2024, 6, 4, 17, 0, 0, 0, time.UTC)

type fakeSession struct {
	info       session.Info
	reauthErr  error
	reauths    int
	configured *session.Credentials
}

func (f *fakeSession) Info() session.Info { return f.info }

func (f *fakeSession) Configure(_ context.Context, creds session.Credentials, _ string) error {
	if creds.OfficeKey == "" {
		return errors.New("office key, username and password are required")
	}
	f.configured = &creds
	return nil
}

func (f *fakeSession) ForceReAuthenticate(context.Context) error {
	f.reauths++
	if f.reauthErr == nil {
		f.info = session.Info{IsAuthenticated: true, ExpiresInMinutes: 1440}
	}
	return f.reauthErr
}

type fakeLimits struct {
	peak   bool
	resets int
}

func (f *fakeLimits) IsPeak() bool { return f.peak }

func (f *fakeLimits) Status(_ context.Context, endpoint string) *ratelimit.Status {
	return &ratelimit.Status{Endpoint: endpoint, Tier: ratelimit.Tier("tier1"), CurrentLimit: 20, RemainingCalls: 20}
}

func (f *fakeLimits) StatusAll(ctx context.Context) ([]*ratelimit.Status, error) {
	return []*ratelimit.Status{f.Status(ctx, "GETDEMOGRAPHIC")}, nil
}

func (f *fakeLimits) ResetAll(context.Context) error {
	f.resets++
	return nil
}

type fakeLookups struct {
	refreshed int
}

func (f *fakeLookups) Lookup(_ context.Context, ns lookup.Namespace, code string) (lookup.Result, error) {
	if code == "00000" {
		return lookup.Result{}, lookup.ErrNotFound
	}
	return lookup.Result{Code: code, Found: true, VendorID: string(ns) + "-" + code, Cached: true}, nil
}

func (f *fakeLookups) Refresh(ctx context.Context, ns lookup.Namespace, code string) (lookup.Result, error) {
	f.refreshed++
	res, err := f.Lookup(ctx, ns, code)
	res.Cached = false
	return res, err
}

func (f *fakeLookups) Batch(ctx context.Context, ns lookup.Namespace, codes []string) (map[string]lookup.Result, error) {
	out := map[string]lookup.Result{}
	for _, c := range codes {
		out[c], _ = f.Lookup(ctx, ns, c)
	}
	return out, nil
}

func (f *fakeLookups) ClearAll(context.Context) error { return nil }

func (f *fakeLookups) Stats() []lookup.NamespaceStats {
	return []lookup.NamespaceStats{{Namespace: lookup.CPT, Entries: 3}}
}

type fixture struct {
	svc     *Service
	store   *practicetest.Store
	logs    *synclogtest.Memory
	session *fakeSession
	limits  *fakeLimits
	lookups *fakeLookups
}

func newFixture() *fixture {
	f := &fixture{
		store:   practicetest.New(),
		logs:    synclogtest.NewMemory(),
		session: &fakeSession{},
		limits:  &fakeLimits{peak: true},
		lookups: &fakeLookups{},
	}
	f.svc = NewService(f.store.Repos(), f.logs, f.session, f.limits, f.lookups, Options{
		Now: func() time.Time { return fixedNow },
	}, zerolog.Nop())
	return f
}

func (f *fixture) log(t *testing.T, typ synclog.SyncType, fail bool) uuid.UUID {
	t.Helper()
	e := synclog.New(synclog.Spec{SyncType: typ, EntityID: uuid.New(), EntityType: string(typ), Direction: synclog.ToVendor}, "ADDPATIENT", nil, fixedNow.Add(-time.Hour))
	if err := f.logs.Create(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if fail {
		_ = e.Fail(fixedNow.Add(-time.Hour), nil, "vendor rejected")
	} else {
		_ = e.Succeed(fixedNow.Add(-time.Hour), nil, "V-1")
	}
	if err := f.logs.Finish(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	return e.ID
}

func TestDashboard(t *testing.T) {
	f := newFixture()
	f.store.AddClient(practice.Client{FirstName: "Jane", LastName: "Doe",
		SyncFields: practice.SyncFields{VendorID: practice.Str("PT-1"), SyncStatus: practice.SyncSynced}})
	f.store.AddClient(practice.Client{FirstName: "John", LastName: "Roe"})
	f.log(t, synclog.TypePatient, false)
	f.log(t, synclog.TypePatient, true)

	d, err := f.svc.Dashboard(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clients := d.Entities["client"]
	if clients[practice.SyncSynced] != 1 || clients[practice.SyncUnsynced] != 1 {
		t.Errorf("unexpected client counts: %v", clients)
	}
	if len(d.Entities) != 4 {
		t.Errorf("expected four entity types, got %v", d.Entities)
	}
	if len(d.RecentErrors) != 1 || d.RecentErrors[0].Status != synclog.StatusError {
		t.Errorf("expected one recent error, got %+v", d.RecentErrors)
	}
	if len(d.LastDay) != 2 || !d.IsPeakHours {
		t.Errorf("unexpected traffic summary: %+v peak=%v", d.LastDay, d.IsPeakHours)
	}
}

func TestListLogs_ClampsLimit(t *testing.T) {
	f := newFixture()
	f.log(t, synclog.TypeClaim, false)

	page, err := f.svc.ListLogs(context.Background(), synclog.Filter{}, 10_000, -5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Limit != maxLogLimit || page.Offset != 0 || page.Total != 1 || len(page.Data) != 1 {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestTestConnection(t *testing.T) {
	f := newFixture()
	if res := f.svc.TestConnection(context.Background()); !res.Success || !res.Session.IsAuthenticated {
		t.Errorf("expected success, got %+v", res)
	}

	f.session.reauthErr = amd.NewAuthError("LOGIN", "invalid credentials")
	res := f.svc.TestConnection(context.Background())
	if res.Success || res.Message == "" {
		t.Errorf("expected failure, got %+v", res)
	}
	if f.session.reauths != 2 {
		t.Errorf("expected two logins, got %d", f.session.reauths)
	}
}

func TestLookup(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	res, err := f.svc.Lookup(ctx, "cpt", "90834", false)
	if err != nil || res.VendorID != "CPT-90834" || !res.Cached {
		t.Errorf("unexpected result: %+v %v", res, err)
	}
	if res, _ := f.svc.Lookup(ctx, "proc", "90834", true); res.Cached || f.lookups.refreshed != 1 {
		t.Errorf("expected refresh, got %+v", res)
	}
	if _, err := f.svc.Lookup(ctx, "hcpcs", "A0001", false); !errors.Is(err, ErrUnknownNamespace) {
		t.Errorf("expected unknown namespace, got %v", err)
	}
}

func TestHandler_LookupStatuses(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	e := echo.New()

	tests := []struct {
		ns, code string
		want     int
	}{
		{"cpt", "90834", http.StatusOK},
		{"cpt", "00000", http.StatusNotFound},
		{"bogus", "1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
		c.SetParamNames("namespace", "code")
		c.SetParamValues(tt.ns, tt.code)

		err := h.Lookup(c)
		got := rec.Code
		if httpErr, ok := err.(*echo.HTTPError); ok {
			got = httpErr.Code
		}
		if got != tt.want {
			t.Errorf("%s/%s: expected %d, got %d", tt.ns, tt.code, tt.want, got)
		}
	}
}

func TestHandler_GetLogNotFound(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	e := echo.New()

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.NewString())

	err := h.GetLog(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestHandler_ResetRateLimits(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), rec)
	if err := h.ResetRateLimits(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent || f.limits.resets != 1 {
		t.Errorf("expected reset, got %d resets=%d", rec.Code, f.limits.resets)
	}
}
