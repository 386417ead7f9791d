package era

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/amdsync/internal/amd"
	"github.com/ehr/amdsync/internal/amd/executor"
	"github.com/ehr/amdsync/internal/amd/synclog"
	"github.com/ehr/amdsync/internal/domain/practice"
)

const (
	EndpointPaymentDetail = "GETPAYMENTDETAILDATA"

	entityType = "payment"
	tolerance  = 0.01
)

type ImportResult struct {
	BatchID      uuid.UUID                  `json:"batch_id"`
	Total        int                        `json:"total"`
	Matched      int                        `json:"matched"`
	ManualReview int                        `json:"manual_review"`
	Unmatched    int                        `json:"unmatched"`
	Posted       int                        `json:"posted"`
	Errors       []string                   `json:"errors,omitempty"`
	Records      []*practice.PendingPayment `json:"records"`
}

type PostResult struct {
	Success          bool       `json:"success"`
	PendingPaymentID uuid.UUID  `json:"pending_payment_id"`
	PaymentID        *uuid.UUID `json:"payment_id,omitempty"`
	ChargeID         *uuid.UUID `json:"charge_id,omitempty"`
	ClaimID          *uuid.UUID `json:"claim_id,omitempty"`
	Amount           float64    `json:"amount"`
	Error            string     `json:"error,omitempty"`
}

func (r PostResult) IsNotFound() bool {
	return !r.Success && strings.HasPrefix(r.Error, "pending payment not found")
}

type BatchPostResult struct {
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Results   []PostResult `json:"results"`
}

type ImportStats struct {
	Total        int `json:"total"`
	Matched      int `json:"matched"`
	Unmatched    int `json:"unmatched"`
	ManualReview int `json:"manual_review"`
	Posted       int `json:"posted"`
	// PendingPost counts matches confident enough to post in bulk.
	PendingPost int `json:"pending_post"`
}

type Discrepancy struct {
	Reference    string  `json:"reference"`
	LocalAmount  float64 `json:"local_amount"`
	VendorAmount float64 `json:"vendor_amount"`
	Issue        string  `json:"issue"`
}

type ReconcileReport struct {
	Success       bool          `json:"success"`
	Start         string        `json:"start"`
	End           string        `json:"end"`
	LocalCount    int           `json:"local_count"`
	VendorCount   int           `json:"vendor_count"`
	LocalTotal    float64       `json:"local_total"`
	VendorTotal   float64       `json:"vendor_total"`
	Matched       int           `json:"matched"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	Error         string        `json:"error,omitempty"`
}

type Options struct {
	// Atomic runs fn so that its repository writes commit together. Nil runs
	// fn directly.
	Atomic func(ctx context.Context, fn func(ctx context.Context) error) error
	Now    func() time.Time
}

type Service struct {
	exec     executor.Doer
	match    matcher
	charges  practice.ChargeRepository
	claims   practice.ClaimRepository
	payments practice.PaymentRepository
	pending  practice.PendingPaymentRepository
	opts     Options
	logger   zerolog.Logger
}

func NewService(exec executor.Doer, repos practice.Repos, opts Options, logger zerolog.Logger) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Atomic == nil {
		opts.Atomic = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	}
	return &Service{
		exec:     exec,
		match:    matcher{clients: repos.Clients, charges: repos.Charges, claims: repos.Claims},
		charges:  repos.Charges,
		claims:   repos.Claims,
		payments: repos.Payments,
		pending:  repos.PendingPayments,
		opts:     opts,
		logger:   logger.With().Str("component", "era").Logger(),
	}
}

// Import stores each valid record as a pending payment under one batch.
// With autoMatch the record is matched on the way in; with autoPost matches
// at or above AutoPostConfidence are posted immediately.
func (s *Service) Import(ctx context.Context, records []Record, autoMatch, autoPost bool) (*ImportResult, error) {
	out := &ImportResult{BatchID: uuid.New(), Total: len(records)}
	for i, r := range records {
		if err := r.Validate(); err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("record %d: %v", i+1, err))
			continue
		}
		p := pendingFrom(out.BatchID, r)
		if autoMatch {
			m, err := s.match.match(ctx, r)
			if err != nil {
				return nil, fmt.Errorf("era: match record %d: %w", i+1, err)
			}
			apply(p, m)
		}
		if err := s.pending.Create(ctx, p); err != nil {
			return nil, fmt.Errorf("era: store record %d: %w", i+1, err)
		}

		switch p.MatchStatus {
		case practice.MatchMatched:
			out.Matched++
		case practice.MatchManualReview:
			out.ManualReview++
		default:
			out.Unmatched++
		}

		if autoPost && p.MatchStatus == practice.MatchMatched && p.MatchConfidence >= AutoPostConfidence {
			res := s.Post(ctx, p.ID)
			if res.Success {
				out.Posted++
				p.MatchStatus = practice.MatchPosted
				p.PaymentID = res.PaymentID
			} else {
				out.Errors = append(out.Errors, fmt.Sprintf("record %d: post: %s", i+1, res.Error))
			}
		}
		out.Records = append(out.Records, p)
	}
	s.logger.Info().Str("batch_id", out.BatchID.String()).Int("total", out.Total).Int("matched", out.Matched).
		Int("manual_review", out.ManualReview).Int("posted", out.Posted).Msg("remittance imported")
	return out, nil
}

func pendingFrom(batchID uuid.UUID, r Record) *practice.PendingPayment {
	p := &practice.PendingPayment{
		ImportBatchID:         batchID,
		ClaimNumber:           practice.Str(r.ClaimNumber),
		PatientName:           practice.Str(r.PatientName),
		PatientVendorID:       practice.Str(r.PatientAccountNumber),
		CPTCode:               practice.Str(r.CPTCode),
		BilledAmount:          r.BilledAmount,
		PaidAmount:            r.PaidAmount,
		AdjustmentAmount:      r.AdjustmentAmount,
		PatientResponsibility: r.PatientResponsibility,
		AdjustmentCodes:       r.AdjustmentCodes,
		CheckNumber:           practice.Str(r.reference()),
		PayerName:             practice.Str(r.PayerName),
		MatchStatus:           practice.MatchUnmatched,
	}
	if !r.ServiceDate.IsZero() {
		d := r.ServiceDate
		p.ServiceDate = &d
	}
	if !r.PaymentDate.IsZero() {
		d := r.PaymentDate
		p.PaymentDate = &d
	}
	return p
}

func apply(p *practice.PendingPayment, m *Match) {
	if m == nil {
		return
	}
	p.MatchedChargeID = &m.Charge.ID
	if m.Claim != nil {
		p.MatchedClaimID = &m.Claim.ID
	}
	p.MatchConfidence = m.Confidence
	p.MatchMethod = practice.Str(m.Method)
	if m.Confidence >= MatchedConfidence {
		p.MatchStatus = practice.MatchMatched
	} else {
		p.MatchStatus = practice.MatchManualReview
	}
}

// Post records the payment against its matched charge and rolls the amounts
// up to the charge and claim. Posting is local; the vendor learns of the
// payment from its own remittance feed.
func (s *Service) Post(ctx context.Context, pendingID uuid.UUID) PostResult {
	out := PostResult{PendingPaymentID: pendingID}
	err := s.opts.Atomic(ctx, func(ctx context.Context) error {
		return s.post(ctx, pendingID, &out)
	})
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Success = true
	s.logger.Info().Str("pending_payment_id", pendingID.String()).Str("payment_id", out.PaymentID.String()).
		Float64("amount", out.Amount).Msg("payment posted")
	return out
}

func (s *Service) post(ctx context.Context, pendingID uuid.UUID, out *PostResult) error {
	p, err := s.pending.GetByID(ctx, pendingID)
	if errors.Is(err, practice.ErrNotFound) {
		return fmt.Errorf("pending payment not found: %s", pendingID)
	}
	if err != nil {
		return fmt.Errorf("era: load pending payment: %w", err)
	}
	if p.PaymentID != nil || p.MatchStatus == practice.MatchPosted {
		return errors.New("payment already posted")
	}
	if p.MatchedChargeID == nil {
		return errors.New("no matched charge to post payment to")
	}
	charge, err := s.charges.GetByID(ctx, *p.MatchedChargeID)
	if err != nil {
		return fmt.Errorf("era: load charge: %w", err)
	}
	claimID := p.MatchedClaimID
	if claimID == nil {
		claimID = charge.ClaimID
	}

	paidOn := s.opts.Now()
	if p.PaymentDate != nil {
		paidOn = *p.PaymentDate
	}
	payment := &practice.Payment{
		ClaimID:               claimID,
		ChargeID:              &charge.ID,
		ClientID:              &charge.ClientID,
		Amount:                p.PaidAmount,
		AdjustmentAmount:      p.AdjustmentAmount,
		PatientResponsibility: p.PatientResponsibility,
		PaymentDate:           paidOn,
		CheckNumber:           p.CheckNumber,
		PayerName:             p.PayerName,
		Source:                practice.PaymentSourceERA,
		PendingPaymentID:      &p.ID,
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		return fmt.Errorf("era: create payment: %w", err)
	}

	charge.PaidAmount = amd.RoundCents(charge.PaidAmount + p.PaidAmount)
	charge.AdjustmentAmount = amd.RoundCents(charge.AdjustmentAmount + p.AdjustmentAmount)
	charge.PatientResponsibility = amd.RoundCents(charge.PatientResponsibility + p.PatientResponsibility)
	if charge.Balance() <= tolerance {
		charge.Status = practice.ChargePaid
	} else {
		charge.Status = practice.ChargePartial
	}
	if err := s.charges.Update(ctx, charge); err != nil {
		return fmt.Errorf("era: update charge: %w", err)
	}

	if claimID != nil {
		claim, err := s.claims.GetByID(ctx, *claimID)
		if err != nil {
			return fmt.Errorf("era: load claim: %w", err)
		}
		claim.PaidAmount = amd.RoundCents(claim.PaidAmount + p.PaidAmount)
		claim.AdjustmentAmount = amd.RoundCents(claim.AdjustmentAmount + p.AdjustmentAmount)
		claim.PatientResponsibility = amd.RoundCents(claim.PatientResponsibility + p.PatientResponsibility)
		if claim.PaidAmount+claim.AdjustmentAmount+claim.PatientResponsibility >= claim.TotalAmount-tolerance {
			claim.Status = practice.ClaimPaid
		} else {
			claim.Status = practice.ClaimPartialPaid
		}
		if claim.AdjudicatedAt == nil {
			now := s.opts.Now()
			claim.AdjudicatedAt = &now
		}
		if err := s.claims.Update(ctx, claim); err != nil {
			return fmt.Errorf("era: update claim: %w", err)
		}
	}

	p.MatchStatus = practice.MatchPosted
	p.PaymentID = &payment.ID
	if err := s.pending.Update(ctx, p); err != nil {
		return fmt.Errorf("era: mark posted: %w", err)
	}

	out.PaymentID = &payment.ID
	out.ChargeID = &charge.ID
	out.ClaimID = claimID
	out.Amount = p.PaidAmount
	return nil
}

// PostBatch posts each pending payment in turn; one failure does not stop
// the rest.
func (s *Service) PostBatch(ctx context.Context, ids []uuid.UUID) BatchPostResult {
	out := BatchPostResult{Total: len(ids)}
	for _, id := range ids {
		res := s.Post(ctx, id)
		if res.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
		out.Results = append(out.Results, res)
	}
	return out
}

// PostAllMatched posts every unposted match at or above MatchedConfidence.
func (s *Service) PostAllMatched(ctx context.Context) (BatchPostResult, error) {
	list, err := s.pending.ListMatched(ctx, MatchedConfidence)
	if err != nil {
		return BatchPostResult{}, fmt.Errorf("era: list matched: %w", err)
	}
	ids := make([]uuid.UUID, len(list))
	for i, p := range list {
		ids[i] = p.ID
	}
	return s.PostBatch(ctx, ids), nil
}

// SetManualMatch assigns a pending payment to a charge chosen by a person.
func (s *Service) SetManualMatch(ctx context.Context, pendingID, chargeID uuid.UUID) (*practice.PendingPayment, error) {
	p, err := s.pending.GetByID(ctx, pendingID)
	if err != nil {
		return nil, fmt.Errorf("era: load pending payment: %w", err)
	}
	if p.MatchStatus == practice.MatchPosted {
		return nil, errors.New("payment already posted")
	}
	charge, err := s.charges.GetByID(ctx, chargeID)
	if err != nil {
		return nil, fmt.Errorf("era: load charge: %w", err)
	}
	p.MatchedChargeID = &charge.ID
	p.MatchedClaimID = charge.ClaimID
	p.MatchConfidence = ConfidenceManual
	p.MatchMethod = practice.Str(MethodManual)
	p.MatchStatus = practice.MatchMatched
	if err := s.pending.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("era: save match: %w", err)
	}
	return p, nil
}

func (s *Service) ListBatch(ctx context.Context, batchID uuid.UUID) ([]*practice.PendingPayment, error) {
	return s.pending.ListByBatch(ctx, batchID)
}

func (s *Service) ImportStats(ctx context.Context) (ImportStats, error) {
	counts, err := s.pending.CountByStatus(ctx)
	if err != nil {
		return ImportStats{}, fmt.Errorf("era: count pending: %w", err)
	}
	ready, err := s.pending.ListMatched(ctx, MatchedConfidence)
	if err != nil {
		return ImportStats{}, fmt.Errorf("era: list matched: %w", err)
	}
	out := ImportStats{
		Matched:      counts[practice.MatchMatched],
		Unmatched:    counts[practice.MatchUnmatched],
		ManualReview: counts[practice.MatchManualReview],
		Posted:       counts[practice.MatchPosted],
		PendingPost:  len(ready),
	}
	for _, n := range counts {
		out.Total += n
	}
	return out, nil
}

// Reconcile compares payments posted locally in [start, end] with the
// vendor's payment detail for the same range, grouped by check number.
func (s *Service) Reconcile(ctx context.Context, start, end time.Time) ReconcileReport {
	out := ReconcileReport{Start: amd.FormatDate(start), End: amd.FormatDate(end), Discrepancies: []Discrepancy{}}

	local, err := s.payments.ListByDateRange(ctx, start, end)
	if err != nil {
		out.Error = fmt.Sprintf("era: list payments: %v", err)
		return out
	}

	req := executor.NewRequest(EndpointPaymentDetail, map[string]any{
		"@startdate": out.Start,
		"@enddate":   out.End,
	})
	req.SyncLog = &synclog.Spec{
		SyncType:    synclog.TypePayment,
		EntityType:  entityType,
		Direction:   synclog.FromVendor,
		TriggeredBy: synclog.Actor(ctx),
	}
	res := s.exec.Execute(ctx, req)
	if !res.Success {
		out.Error = res.Message()
		return out
	}

	localSums := map[string]float64{}
	for _, p := range local {
		ref := paymentReference(p)
		localSums[ref] = amd.RoundCents(localSums[ref] + p.Amount)
		out.LocalTotal += p.Amount
	}
	vendorSums := map[string]float64{}
	rows := res.Data.Get("payments").List("payment")
	if len(rows) == 0 {
		rows = res.Data.List("payment")
	}
	if len(rows) == 0 {
		rows = res.Data.List("payments")
	}
	for _, row := range rows {
		ref := row.Str("@checknumber", "checkNumber", "@paymentid", "paymentId", "@id")
		amount := row.Float("@amount", "amount", "@paymentamount", "paymentAmount")
		vendorSums[ref] = amd.RoundCents(vendorSums[ref] + amount)
		out.VendorTotal += amount
	}
	out.LocalCount, out.VendorCount = len(local), len(rows)
	out.LocalTotal, out.VendorTotal = amd.RoundCents(out.LocalTotal), amd.RoundCents(out.VendorTotal)

	refs := make([]string, 0, len(localSums))
	for ref := range localSums {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	for _, ref := range refs {
		mine := localSums[ref]
		theirs, ok := vendorSums[ref]
		switch {
		case !ok:
			out.Discrepancies = append(out.Discrepancies, Discrepancy{Reference: ref, LocalAmount: mine, Issue: "not found in vendor"})
		case math.Abs(mine-theirs) > tolerance:
			out.Discrepancies = append(out.Discrepancies, Discrepancy{Reference: ref, LocalAmount: mine, VendorAmount: theirs, Issue: "amount mismatch"})
		default:
			out.Matched++
		}
	}
	out.Success = true
	if len(out.Discrepancies) > 0 {
		s.logger.Warn().Int("discrepancies", len(out.Discrepancies)).Str("start", out.Start).Str("end", out.End).Msg("payment reconciliation found differences")
	}
	return out
}

func paymentReference(p *practice.Payment) string {
	switch {
	case p.CheckNumber != nil && *p.CheckNumber != "":
		return *p.CheckNumber
	case p.VendorPaymentID != nil:
		return *p.VendorPaymentID
	}
	return p.ID.String()
}
