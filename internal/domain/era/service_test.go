package era

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/amdsync/internal/amd"
	"github.com/ehr/amdsync/internal/amd/executor/executortest"
	"github.com/ehr/amdsync/internal/amd/synclog"
	"github.com/ehr/amdsync/internal/domain/practice"
	"github.com/ehr/amdsync/internal/domain/practice/practicetest"
)

var (
	fixedNow = time.Date(2024, 6, 12, 15, 0, 0, 0, time.UTC)
	dos      = time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	paidOn   = time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	svc    *Service
	store  *practicetest.Store
	client uuid.UUID
	charge uuid.UUID
	claim  uuid.UUID
}

func newFixture(fake *executortest.Fake) *fixture {
	store := practicetest.New()
	f := &fixture{store: store}
	f.svc = NewService(fake, store.Repos(), Options{Now: func() time.Time { return fixedNow }}, zerolog.Nop())
	f.client = store.AddClient(practice.Client{
		FirstName:  "Jane",
		LastName:   "Doe",
		SyncFields: practice.SyncFields{VendorID: practice.Str("PT-1"), SyncStatus: practice.SyncSynced},
	})
	f.charge = f.addCharge(f.client, dos, "90834", 150)
	f.claim = store.AddClaim(practice.Claim{
		ClaimNumber:      "CLM-ABC-1234",
		ClientID:         f.client,
		Status:           practice.ClaimSubmitted,
		ServiceStartDate: dos,
		ServiceEndDate:   dos,
		TotalAmount:      150,
		ChargeIDs:        []uuid.UUID{f.charge},
	})
	return f
}

func (f *fixture) addCharge(client uuid.UUID, day time.Time, cpt string, amount float64) uuid.UUID {
	return f.store.AddCharge(practice.Charge{
		ClientID:    client,
		ServiceDate: day,
		CPTCode:     cpt,
		Units:       1,
		Amount:      amount,
		Status:      practice.ChargeBilled,
	})
}

func remit(mod func(*Record)) Record {
	r := Record{
		CheckNumber: "CHK-555",
		PaymentDate: paidOn,
		PayerName:   "Acme Health",
		ServiceDate: dos,
		CPTCode:     "90834",
		PaidAmount:  100,
	}
	if mod != nil {
		mod(&r)
	}
	return r
}

func TestMatch_ClaimNumberAutoPosts(t *testing.T) {
	f := newFixture(executortest.New())
	ctx := context.Background()
	rec := remit(func(r *Record) {
		r.ClaimNumber = "CLM-ABC-1234"
		r.AdjustmentAmount = 30
		r.PatientResponsibility = 20
	})

	res, err := f.svc.Import(ctx, []Record{rec}, true, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Matched != 1 || res.Posted != 1 || len(res.Errors) != 0 {
		t.Fatalf("unexpected import result: %+v", res)
	}
	p := f.store.Pending(res.Records[0].ID)
	if p.MatchConfidence != ConfidenceClaimNumber || *p.MatchMethod != MethodClaimNumber || p.MatchStatus != practice.MatchPosted {
		t.Errorf("unexpected pending payment: %+v", p)
	}

	payments := f.store.Payments()
	if len(payments) != 1 || payments[0].Amount != 100 || payments[0].Source != practice.PaymentSourceERA || !payments[0].PaymentDate.Equal(paidOn) {
		t.Fatalf("unexpected payments: %+v", payments)
	}
	charge := f.store.Charge(f.charge)
	if charge.PaidAmount != 100 || charge.Status != practice.ChargePaid {
		t.Errorf("expected charge paid in full, got %+v", charge)
	}
	claim := f.store.Claim(f.claim)
	if claim.Status != practice.ClaimPaid || claim.PaidAmount != 100 || claim.AdjustmentAmount != 30 || claim.AdjudicatedAt == nil {
		t.Errorf("unexpected claim: %+v", claim)
	}
}

func TestMatch_PatientDateCPT(t *testing.T) {
	f := newFixture(executortest.New())
	f.addCharge(f.client, dos, "90837", 200)

	res, err := f.svc.Import(context.Background(), []Record{remit(func(r *Record) { r.PatientAccountNumber = "PT-1" })}, true, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := res.Records[0]
	if p.MatchConfidence != ConfidencePatientDateCPT || p.MatchStatus != practice.MatchMatched {
		t.Errorf("unexpected match: %+v", p)
	}
	if *p.MatchedChargeID != f.charge || p.MatchedClaimID == nil || *p.MatchedClaimID != f.claim {
		t.Errorf("expected the 90834 charge on the claim, got %+v", p)
	}
	if res.Posted != 0 {
		t.Error("confidence 90 must not auto-post")
	}
}

func TestMatch_PatientDateWithoutCPT(t *testing.T) {
	f := newFixture(executortest.New())
	res, _ := f.svc.Import(context.Background(), []Record{remit(func(r *Record) {
		r.PatientAccountNumber = "PT-1"
		r.CPTCode = ""
	})}, true, false)

	p := res.Records[0]
	if p.MatchConfidence != ConfidencePatientDate || p.MatchStatus != practice.MatchManualReview || res.ManualReview != 1 {
		t.Errorf("unexpected match: %+v", p)
	}
}

func TestMatch_BilledAmountDisambiguates(t *testing.T) {
	f := newFixture(executortest.New())
	second := f.addCharge(f.client, dos, "90834", 175)

	res, _ := f.svc.Import(context.Background(), []Record{remit(func(r *Record) {
		r.PatientAccountNumber = "PT-1"
		r.BilledAmount = 175
	})}, true, false)

	p := res.Records[0]
	if p.MatchConfidence != ConfidenceBilledAmount || *p.MatchedChargeID != second {
		t.Errorf("unexpected match: %+v", p)
	}
}

func TestMatch_PatientNameAndDate(t *testing.T) {
	f := newFixture(executortest.New())
	other := f.store.AddClient(practice.Client{FirstName: "John", LastName: "Roe"})
	f.addCharge(other, dos, "90834", 150)

	res, _ := f.svc.Import(context.Background(), []Record{remit(func(r *Record) { r.PatientName = "DOE, JANE" })}, true, false)

	p := res.Records[0]
	if p.MatchConfidence != ConfidencePatientNameDate || *p.MatchedChargeID != f.charge {
		t.Errorf("unexpected match: %+v", p)
	}
}

func TestImport_UnmatchedAndInvalid(t *testing.T) {
	f := newFixture(executortest.New())
	records := []Record{
		remit(func(r *Record) { r.ClaimNumber = "CLM-UNKNOWN" }),
		remit(func(r *Record) { r.PayerName = "" }),
	}
	res, err := f.svc.Import(context.Background(), records, true, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Total != 2 || res.Unmatched != 1 || len(res.Records) != 1 || len(res.Errors) != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	list, _ := f.svc.ListBatch(context.Background(), res.BatchID)
	if len(list) != 1 {
		t.Errorf("expected one stored record, got %d", len(list))
	}
}

func TestPost_Errors(t *testing.T) {
	f := newFixture(executortest.New())
	ctx := context.Background()

	if res := f.svc.Post(ctx, uuid.New()); !res.IsNotFound() {
		t.Errorf("expected not found, got %+v", res)
	}

	res, _ := f.svc.Import(ctx, []Record{remit(nil)}, true, false)
	unmatched := res.Records[0].ID
	if got := f.svc.Post(ctx, unmatched); got.Success || got.Error != "no matched charge to post payment to" {
		t.Errorf("unexpected result: %+v", got)
	}

	if _, err := f.svc.SetManualMatch(ctx, unmatched, f.charge); err != nil {
		t.Fatalf("manual match: %v", err)
	}
	p := f.store.Pending(unmatched)
	if p.MatchConfidence != ConfidenceManual || p.MatchStatus != practice.MatchMatched || *p.MatchedClaimID != f.claim {
		t.Errorf("unexpected manual match: %+v", p)
	}
	if got := f.svc.Post(ctx, unmatched); !got.Success {
		t.Fatalf("post failed: %+v", got)
	}
	if got := f.svc.Post(ctx, unmatched); got.Success || got.Error != "payment already posted" {
		t.Errorf("expected double post refused, got %+v", got)
	}
	if len(f.store.Payments()) != 1 {
		t.Errorf("expected one payment, got %d", len(f.store.Payments()))
	}
}

func TestPost_PartialPayment(t *testing.T) {
	f := newFixture(executortest.New())
	ctx := context.Background()
	res, _ := f.svc.Import(ctx, []Record{remit(func(r *Record) {
		r.ClaimNumber = "CLM-ABC-1234"
		r.PaidAmount = 40
	})}, true, true)
	if res.Posted != 1 {
		t.Fatalf("expected auto-post, got %+v", res)
	}
	if c := f.store.Claim(f.claim); c.Status != practice.ClaimPartialPaid || c.PaidAmount != 40 {
		t.Errorf("expected partial payment, got %+v", c)
	}
	if ch := f.store.Charge(f.charge); ch.Status != practice.ChargePartial || ch.Balance() != 110 {
		t.Errorf("expected partially paid charge with 110 open, got %s %.2f", ch.Status, ch.Balance())
	}
}

func TestPost_AccumulatesAcrossRemittances(t *testing.T) {
	f := newFixture(executortest.New())
	ctx := context.Background()

	first, err := f.svc.Import(ctx, []Record{remit(func(r *Record) {
		r.ClaimNumber = "CLM-ABC-1234"
		r.PaidAmount = 80
		r.AdjustmentAmount = 50
	})}, true, true)
	if err != nil || first.Posted != 1 {
		t.Fatalf("first remittance not posted: %+v %v", first, err)
	}
	if ch := f.store.Charge(f.charge); ch.Status != practice.ChargePartial {
		t.Fatalf("expected partial after first remittance, got %s", ch.Status)
	}

	second, err := f.svc.Import(ctx, []Record{remit(func(r *Record) {
		r.CheckNumber = "CHK-556"
		r.ClaimNumber = "CLM-ABC-1234"
		r.PaidAmount = 20
	})}, true, true)
	if err != nil || second.Posted != 1 {
		t.Fatalf("second remittance not posted: %+v %v", second, err)
	}

	claim := f.store.Claim(f.claim)
	if claim.Status != practice.ClaimPaid || claim.PaidAmount != 100 || claim.AdjustmentAmount != 50 {
		t.Errorf("unexpected claim: %+v", claim)
	}
	ch := f.store.Charge(f.charge)
	if ch.Status != practice.ChargePaid || ch.PaidAmount != 100 || ch.AdjustmentAmount != 50 {
		t.Errorf("charge should agree with its paid claim, got %+v", ch)
	}
}

func TestPostAllMatchedAndStats(t *testing.T) {
	f := newFixture(executortest.New())
	ctx := context.Background()
	records := []Record{
		remit(func(r *Record) { r.PatientAccountNumber = "PT-1" }),
		remit(func(r *Record) { r.PatientAccountNumber = "PT-1"; r.CPTCode = "" }),
		remit(func(r *Record) { r.ClaimNumber = "CLM-NONE" }),
	}
	if _, err := f.svc.Import(ctx, records, true, false); err != nil {
		t.Fatalf("import: %v", err)
	}

	stats, err := f.svc.ImportStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Matched != 1 || stats.ManualReview != 1 || stats.Unmatched != 1 || stats.PendingPost != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	batch, err := f.svc.PostAllMatched(ctx)
	if err != nil {
		t.Fatalf("post all: %v", err)
	}
	if batch.Total != 1 || batch.Succeeded != 1 {
		t.Errorf("unexpected batch: %+v", batch)
	}
	stats, _ = f.svc.ImportStats(ctx)
	if stats.Posted != 1 || stats.PendingPost != 0 {
		t.Errorf("unexpected stats after posting: %+v", stats)
	}
}

func TestReconcile(t *testing.T) {
	fake := executortest.New().OK(EndpointPaymentDetail, `{"payments":{"payment":[
		{"@checknumber":"CHK-555","@amount":"100.00"},
		{"@checknumber":"CHK-777","@amount":"60.00"}]}}`)
	f := newFixture(fake)
	ctx := context.Background()
	payments := f.store.Repos().Payments
	for _, p := range []practice.Payment{
		{Amount: 100, PaymentDate: paidOn, CheckNumber: practice.Str("CHK-555"), Source: practice.PaymentSourceERA},
		{Amount: 50, PaymentDate: paidOn, CheckNumber: practice.Str("CHK-777"), Source: practice.PaymentSourceERA},
		{Amount: 25, PaymentDate: paidOn, CheckNumber: practice.Str("CHK-999"), Source: practice.PaymentSourceManual},
	} {
		p := p
		if err := payments.Create(ctx, &p); err != nil {
			t.Fatal(err)
		}
	}

	report := f.svc.Reconcile(ctx, paidOn.AddDate(0, 0, -1), paidOn.AddDate(0, 0, 1))
	if !report.Success || report.LocalCount != 3 || report.VendorCount != 2 || report.Matched != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Discrepancies) != 2 {
		t.Fatalf("expected two discrepancies, got %+v", report.Discrepancies)
	}
	if d := report.Discrepancies[0]; d.Reference != "CHK-777" || d.Issue != "amount mismatch" || d.VendorAmount != 60 {
		t.Errorf("unexpected discrepancy: %+v", d)
	}
	if d := report.Discrepancies[1]; d.Reference != "CHK-999" || d.Issue != "not found in vendor" {
		t.Errorf("unexpected discrepancy: %+v", d)
	}

	req, _ := fake.Last(EndpointPaymentDetail)
	if req.Payload["@startdate"] != "06/09/2024" || req.SyncLog == nil || req.SyncLog.SyncType != synclog.TypePayment {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestReconcile_VendorFailure(t *testing.T) {
	fake := executortest.New().Fail(EndpointPaymentDetail, amd.NewAPIError(EndpointPaymentDetail, "report unavailable"))
	f := newFixture(fake)
	report := f.svc.Reconcile(context.Background(), paidOn, paidOn)
	if report.Success || report.Error != "report unavailable" {
		t.Errorf("unexpected report: %+v", report)
	}
}
