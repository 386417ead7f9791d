package eligibility

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/amdsync/internal/amd"
	"github.com/ehr/amdsync/internal/amd/executor"
	"github.com/ehr/amdsync/internal/amd/executor/executortest"
	"github.com/ehr/amdsync/internal/amd/synclog"
	"github.com/ehr/amdsync/internal/amd/synclog/synclogtest"
	"github.com/ehr/amdsync/internal/domain/practice"
	"github.com/ehr/amdsync/internal/domain/practice/practicetest"
)

const activeBody = `{"eligibility":{"@coverageactive":"true","@eligibleforservice":"true","@planname":"Gold PPO",
"@copay":"$25.00","@coinsurance":"20%","@deductible":"1,500.00","@deductiblemet":"400","@outofpocketmax":"5000",
"@requiresauth":"false","@servicelimit":"30","@serviceused":"4"}}`

type fixture struct {
	svc    *Service
	store  *practicetest.Store
	logs   *synclogtest.Memory
	now    time.Time
	client uuid.UUID
	policy uuid.UUID
}

func newFixture(fake *executortest.Fake) *fixture {
	f := &fixture{store: practicetest.New(), logs: synclogtest.NewMemory(), now: time.Date(2024, 5, 7, 16, 0, 0, 0, time.UTC)}
	fake.WithSyncLog(f.logs)
	f.svc = NewService(fake, f.store.Repos(), f.logs, Options{
		Now: func() time.Time { return f.now },
	}, zerolog.Nop())
	f.client = f.store.AddClient(practice.Client{
		FirstName:  "Jane",
		LastName:   "Doe",
		SyncFields: practice.SyncFields{VendorID: practice.Str("PT-1"), SyncStatus: practice.SyncSynced},
	})
	f.policy = f.store.AddInsurance(practice.ClientInsurance{
		ClientID:    f.client,
		Rank:        "primary",
		PayerName:   "Acme Health",
		CarrierCode: practice.Str("CAR-7"),
		MemberID:    "M-100",
		IsActive:    true,
	})
	return f
}

func TestCheck_Success(t *testing.T) {
	fake := executortest.New().OK(EndpointCheck, activeBody)
	f := newFixture(fake)

	res := f.svc.Check(context.Background(), f.client, nil, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC), false)
	if !res.Success || res.Cached || res.CarrierCode != "CAR-7" || res.ServiceDate != "05/10/2024" {
		t.Fatalf("unexpected result: %+v", res)
	}
	b := res.Benefits
	if !b.IsActive || !b.IsEligible || b.PlanName != "Gold PPO" || b.RequiresAuth {
		t.Errorf("unexpected flags: %+v", b)
	}
	if *b.Copay != 25 || *b.CoinsurancePercent != 20 || *b.DeductibleRemaining != 1100 {
		t.Errorf("unexpected amounts: copay %v coins %v remaining %v", *b.Copay, *b.CoinsurancePercent, *b.DeductibleRemaining)
	}
	if *b.VisitLimit != 30 || *b.VisitsUsed != 4 || b.VisitsRemaining != nil {
		t.Errorf("unexpected visit counts: %+v", b)
	}
	if b.OutOfPocketRemaining == nil || *b.OutOfPocketRemaining != 5000 {
		t.Errorf("expected out of pocket remaining 5000, got %v", b.OutOfPocketRemaining)
	}

	req, _ := fake.Last(EndpointCheck)
	if req.Payload["@patientid"] != "PT-1" || req.Payload["@servicetype"] != "30" || req.Payload["@carriercode"] != "CAR-7" {
		t.Errorf("unexpected payload: %v", req.Payload)
	}
	entries := f.logs.All()
	if len(entries) != 1 || entries[0].SyncType != synclog.TypeEligibility || entries[0].Direction != synclog.FromVendor {
		t.Fatalf("expected one eligibility log entry, got %+v", entries)
	}
}

func TestCheck_LogEntryOpenBeforeVendorCall(t *testing.T) {
	fake := executortest.New()
	f := newFixture(fake)
	var during []*synclog.Entry
	fake.On(EndpointCheck, func(executor.Request) executor.Result {
		during = f.logs.All()
		return executortest.Success(activeBody)
	})

	res := f.svc.Check(context.Background(), f.client, nil, time.Time{}, true)
	if !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(during) != 1 || during[0].Status != synclog.StatusPending {
		t.Fatalf("expected one pending entry while the vendor call ran, got %+v", during)
	}
	after := f.logs.All()
	if len(after) != 1 || after[0].ID != during[0].ID || after[0].Status != synclog.StatusSuccess {
		t.Fatalf("expected the same entry closed as success, got %+v", after)
	}
	if after[0].EntityID != f.client || after[0].Direction != synclog.FromVendor {
		t.Errorf("unexpected entry: %+v", after[0])
	}
	last, err := f.svc.Last(context.Background(), f.client, &f.policy)
	if err != nil || last == nil || last.Benefits == nil || last.ID != after[0].ID {
		t.Errorf("expected normalized benefits on the entry, got %+v %v", last, err)
	}
}

func TestCheck_CachedWithinTTL(t *testing.T) {
	fake := executortest.New().OK(EndpointCheck, activeBody)
	f := newFixture(fake)
	ctx := context.Background()
	day := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)

	f.svc.Check(ctx, f.client, nil, day, false)
	res := f.svc.Check(ctx, f.client, nil, day, false)
	if !res.Success || !res.Cached {
		t.Fatalf("expected cached result, got %+v", res)
	}
	if fake.Count(EndpointCheck) != 1 {
		t.Errorf("expected one vendor call, got %d", fake.Count(EndpointCheck))
	}

	f.svc.Check(ctx, f.client, nil, day, true)
	if fake.Count(EndpointCheck) != 2 {
		t.Errorf("skip cache should call the vendor, got %d calls", fake.Count(EndpointCheck))
	}

	f.now = f.now.Add(DefaultCacheTTL + time.Minute)
	if res := f.svc.Check(ctx, f.client, nil, day, false); res.Cached {
		t.Error("expected expired entry to be refetched")
	}
	if fake.Count(EndpointCheck) != 3 {
		t.Errorf("expected three vendor calls, got %d", fake.Count(EndpointCheck))
	}
}

func TestCheck_UnlinkedClient(t *testing.T) {
	fake := executortest.New()
	f := newFixture(fake)
	id := f.store.AddClient(practice.Client{FirstName: "New", LastName: "Client"})

	res := f.svc.Check(context.Background(), id, nil, time.Time{}, false)
	if res.Success || res.Error != "client not synced to vendor; sync the patient first" {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.ServiceDate != "05/07/2024" {
		t.Errorf("expected today as service date, got %s", res.ServiceDate)
	}
	if len(fake.Calls()) != 0 {
		t.Error("expected no vendor call")
	}
}

func TestCheck_UnknownClient(t *testing.T) {
	f := newFixture(executortest.New())
	res := f.svc.Check(context.Background(), uuid.New(), nil, time.Time{}, false)
	if !res.IsNotFound() {
		t.Errorf("expected not found, got %+v", res)
	}
}

func TestCheck_VendorFailureIsRecorded(t *testing.T) {
	fake := executortest.New().Fail(EndpointCheck, amd.NewAPIError(EndpointCheck, "payer unavailable"))
	f := newFixture(fake)
	ctx := context.Background()

	res := f.svc.Check(ctx, f.client, nil, time.Time{}, false)
	if res.Success || res.Error != "payer unavailable" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if f.svc.CacheStats().Size != 0 {
		t.Error("failures must not be cached")
	}

	hist, err := f.svc.History(ctx, f.client, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].Status != synclog.StatusError || !strings.Contains(hist[0].Error, "payer unavailable") {
		t.Errorf("unexpected history: %+v", hist)
	}
	last, err := f.svc.Last(ctx, f.client, nil)
	if err != nil || last != nil {
		t.Errorf("expected no successful check, got %+v %v", last, err)
	}
}

func TestLast(t *testing.T) {
	fake := executortest.New().OK(EndpointCheck, activeBody)
	f := newFixture(fake)
	ctx := context.Background()
	f.svc.Check(ctx, f.client, nil, time.Time{}, false)

	last, err := f.svc.Last(ctx, f.client, &f.policy)
	if err != nil || last == nil {
		t.Fatalf("expected a record, got %v %v", last, err)
	}
	if last.InsuranceID != f.policy || last.Benefits == nil || last.Benefits.PlanName != "Gold PPO" {
		t.Errorf("unexpected record: %+v", last)
	}

	other := uuid.New()
	if rec, _ := f.svc.Last(ctx, f.client, &other); rec != nil {
		t.Error("expected no record for another policy")
	}
}

func TestCheckForDate_UniqueScheduledClients(t *testing.T) {
	fake := executortest.New().OK(EndpointCheck, activeBody)
	f := newFixture(fake)
	at := func(h int) time.Time { return time.Date(2024, 5, 10, h, 0, 0, 0, time.UTC) }
	f.store.AddAppointment(practice.Appointment{ClientID: f.client, StartTime: at(9), EndTime: at(10), Status: practice.ApptScheduled})
	f.store.AddAppointment(practice.Appointment{ClientID: f.client, StartTime: at(14), EndTime: at(15), Status: practice.ApptConfirmed})
	other := f.store.AddClient(practice.Client{FirstName: "John", LastName: "Roe"})
	f.store.AddAppointment(practice.Appointment{ClientID: other, StartTime: at(11), EndTime: at(12), Status: practice.ApptCancelled})

	res, err := f.svc.CheckForDate(context.Background(), at(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Total != 1 || res.Succeeded != 1 {
		t.Errorf("expected one client checked, got %+v", res)
	}
	if fake.Count(EndpointCheck) != 1 {
		t.Errorf("expected one vendor call, got %d", fake.Count(EndpointCheck))
	}
}

func TestClearClientCache(t *testing.T) {
	fake := executortest.New().OK(EndpointCheck, activeBody)
	f := newFixture(fake)
	ctx := context.Background()
	f.svc.Check(ctx, f.client, nil, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC), false)
	f.svc.Check(ctx, f.client, nil, time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC), false)

	if n := f.svc.ClearClientCache(uuid.New()); n != 0 {
		t.Errorf("expected nothing cleared for another client, got %d", n)
	}
	if n := f.svc.ClearClientCache(f.client); n != 2 {
		t.Errorf("expected 2 entries cleared, got %d", n)
	}
	if f.svc.CacheStats().Size != 0 {
		t.Error("expected empty cache")
	}
}
