// Package claims builds insurance claims from charges, submits them to the
// vendor and follows them through adjudication.
package claims

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
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
	EndpointSubmit      = "SUBMITCLAIM"
	EndpointCheckStatus = "CHECKCLAIMSTATUS"

	entityType     = "claim"
	claimType      = "Professional"
	pendingLimit   = 500
	statsPageSize  = 500
	base36Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

type CreateRequest struct {
	ChargeIDs []uuid.UUID `json:"charge_ids"`
	// InsuranceID selects the policy to bill; empty means the client's
	// primary active policy.
	InsuranceID *uuid.UUID `json:"insurance_id,omitempty"`
	AutoSubmit  bool       `json:"auto_submit"`
	Notes       string     `json:"notes,omitempty"`
}

type Result struct {
	Success          bool      `json:"success"`
	ClaimID          uuid.UUID `json:"claim_id"`
	ClaimNumber      string    `json:"claim_number,omitempty"`
	VendorID         string    `json:"vendor_id,omitempty"`
	Status           string    `json:"status,omitempty"`
	Error            string    `json:"error,omitempty"`
	ValidationErrors []string  `json:"validation_errors,omitempty"`
	SyncLogID        uuid.UUID `json:"sync_log_id"`
}

func (r Result) IsNotFound() bool {
	return !r.Success && strings.HasPrefix(r.Error, "claim not found")
}

type StatusResult struct {
	Success               bool      `json:"success"`
	ClaimID               uuid.UUID `json:"claim_id"`
	PreviousStatus        string    `json:"previous_status,omitempty"`
	Status                string    `json:"status,omitempty"`
	ClearinghouseStatus   string    `json:"clearinghouse_status,omitempty"`
	PayerStatus           string    `json:"payer_status,omitempty"`
	RejectionReason       string    `json:"rejection_reason,omitempty"`
	RejectionCode         string    `json:"rejection_code,omitempty"`
	TotalBilled           float64   `json:"total_billed"`
	TotalPaid             float64   `json:"total_paid"`
	TotalAdjustment       float64   `json:"total_adjustment"`
	PatientResponsibility float64   `json:"patient_responsibility"`
	Error                 string    `json:"error,omitempty"`
}

type BatchStatusResult struct {
	Total     int            `json:"total"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Results   []StatusResult `json:"results"`
}

// Corrections are applied to a rejected or denied claim before it is sent
// again.
type Corrections struct {
	DiagnosisCodes []string `json:"diagnosis_codes,omitempty"`
	Notes          string   `json:"notes,omitempty"`
}

type Stats struct {
	TotalClaims     int            `json:"total_claims"`
	ByStatus        map[string]int `json:"by_status"`
	TotalBilled     float64        `json:"total_billed"`
	TotalPaid       float64        `json:"total_paid"`
	TotalAdjustment float64        `json:"total_adjustment"`
	// CollectionRate is paid over billed, as a percentage.
	CollectionRate float64 `json:"collection_rate"`
}

type Options struct {
	Now func() time.Time
}

type Service struct {
	exec      executor.Doer
	claims    practice.ClaimRepository
	charges   practice.ChargeRepository
	clients   practice.ClientRepository
	insurance practice.InsuranceRepository
	logs      synclog.Repository
	opts      Options
	logger    zerolog.Logger
}

func NewService(exec executor.Doer, repos practice.Repos, logs synclog.Repository, opts Options, logger zerolog.Logger) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		exec:      exec,
		claims:    repos.Claims,
		charges:   repos.Charges,
		clients:   repos.Clients,
		insurance: repos.Insurance,
		logs:      logs,
		opts:      opts,
		logger:    logger.With().Str("component", "claims").Logger(),
	}
}

// NewClaimNumber renders CLM-<base36 milliseconds>-<4 random base36 chars>.
func NewClaimNumber(now time.Time) string {
	suffix := make([]byte, 4)
	for i := range suffix {
		suffix[i] = base36Alphabet[rand.IntN(len(base36Alphabet))]
	}
	return "CLM-" + strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36)) + "-" + string(suffix)
}

// Create groups charges of one client into a draft claim, optionally
// submitting it straight away.
func (s *Service) Create(ctx context.Context, req CreateRequest) Result {
	if len(req.ChargeIDs) == 0 {
		return Result{Error: "no charge ids provided"}
	}
	charges, err := s.charges.ListByIDs(ctx, req.ChargeIDs)
	if err != nil {
		return Result{Error: fmt.Sprintf("claims: load charges: %v", err)}
	}
	if len(charges) != len(dedupeIDs(req.ChargeIDs)) {
		return Result{Error: fmt.Sprintf("found %d of %d charges", len(charges), len(dedupeIDs(req.ChargeIDs)))}
	}

	clientID := charges[0].ClientID
	for _, c := range charges[1:] {
		if c.ClientID != clientID {
			return Result{Error: "all charges must belong to the same client"}
		}
	}
	if errs := validateCharges(charges); len(errs) > 0 {
		return Result{Error: "charge validation failed", ValidationErrors: errs}
	}

	client, err := s.clients.GetByID(ctx, clientID)
	if err != nil {
		return Result{Error: fmt.Sprintf("claims: load client: %v", err)}
	}
	if !client.IsLinked() {
		return Result{Error: "client not synced to vendor; sync the patient first"}
	}
	policy, msg := s.policy(ctx, clientID, req.InsuranceID)
	if msg != "" {
		return Result{Error: msg}
	}

	claim := buildClaim(charges, s.opts.Now())
	claim.ClientID = clientID
	claim.InsuranceID = &policy.ID
	claim.CorrectionNotes = practice.Str(req.Notes)
	if err := s.claims.Create(ctx, claim); err != nil {
		return Result{Error: fmt.Sprintf("claims: create claim: %v", err)}
	}
	s.logger.Info().Str("claim_id", claim.ID.String()).Str("claim_number", claim.ClaimNumber).Int("charges", len(charges)).Msg("claim created")

	if req.AutoSubmit {
		return s.Submit(ctx, claim.ID)
	}
	return Result{Success: true, ClaimID: claim.ID, ClaimNumber: claim.ClaimNumber, Status: claim.Status}
}

func buildClaim(charges []*practice.Charge, now time.Time) *practice.Claim {
	claim := &practice.Claim{
		ClaimNumber:      NewClaimNumber(now),
		Status:           practice.ClaimDraft,
		ServiceStartDate: charges[0].ServiceDate,
		ServiceEndDate:   charges[0].ServiceDate,
	}
	seen := map[string]bool{}
	var total float64
	for _, c := range charges {
		if c.ServiceDate.Before(claim.ServiceStartDate) {
			claim.ServiceStartDate = c.ServiceDate
		}
		if c.ServiceDate.After(claim.ServiceEndDate) {
			claim.ServiceEndDate = c.ServiceDate
		}
		total += c.Amount
		for _, dx := range c.DiagnosisCodes {
			key := strings.ToUpper(strings.TrimSpace(dx))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			claim.DiagnosisCodes = append(claim.DiagnosisCodes, key)
		}
		claim.ChargeIDs = append(claim.ChargeIDs, c.ID)
	}
	claim.TotalAmount = amd.RoundCents(total)
	return claim
}

func validateCharges(charges []*practice.Charge) []string {
	var errs []string
	for _, c := range charges {
		if strings.TrimSpace(c.CPTCode) == "" {
			errs = append(errs, fmt.Sprintf("charge %s: missing CPT code", c.ID))
		}
		if c.Amount <= 0 {
			errs = append(errs, fmt.Sprintf("charge %s: invalid charge amount", c.ID))
		}
		if len(c.DiagnosisCodes) == 0 {
			errs = append(errs, fmt.Sprintf("charge %s: missing diagnosis codes", c.ID))
		}
		switch c.Status {
		case practice.ChargeBilled, practice.ChargePartial, practice.ChargePaid:
			errs = append(errs, fmt.Sprintf("charge %s: already billed or paid", c.ID))
		case practice.ChargeVoid:
			errs = append(errs, fmt.Sprintf("charge %s: void", c.ID))
		}
		if c.ClaimID != nil {
			errs = append(errs, fmt.Sprintf("charge %s: already on claim %s", c.ID, *c.ClaimID))
		}
	}
	return errs
}

func (s *Service) policy(ctx context.Context, clientID uuid.UUID, insuranceID *uuid.UUID) (*practice.ClientInsurance, string) {
	if insuranceID != nil {
		p, err := s.insurance.GetByID(ctx, *insuranceID)
		if err != nil {
			return nil, fmt.Sprintf("load insurance %s: %v", *insuranceID, err)
		}
		if p.ClientID != clientID {
			return nil, "insurance does not belong to the claim's client"
		}
		return p, ""
	}
	list, err := s.insurance.ListActiveByClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Sprintf("claims: load insurance: %v", err)
	}
	if len(list) == 0 {
		return nil, "client has no active insurance"
	}
	return list[0], ""
}

// Submit sends a draft or rejected claim to the vendor. A vendor rejection
// moves the claim to rejected; transport failures leave the status alone.
func (s *Service) Submit(ctx context.Context, claimID uuid.UUID) Result {
	claim, err := s.claims.GetByID(ctx, claimID)
	if err != nil {
		return loadFailure(claimID, err)
	}
	if !CanSubmit(claim.Status) {
		return Result{ClaimID: claimID, ClaimNumber: claim.ClaimNumber, Status: claim.Status, Error: fmt.Sprintf("cannot submit claim with status %s", claim.Status)}
	}
	client, err := s.clients.GetByID(ctx, claim.ClientID)
	if err != nil {
		return s.fail(ctx, claim, uuid.Nil, fmt.Sprintf("load client: %v", err))
	}
	if !client.IsLinked() {
		return s.fail(ctx, claim, uuid.Nil, "client not synced to vendor")
	}
	charges, err := s.charges.ListByIDs(ctx, claim.ChargeIDs)
	if err != nil {
		return s.fail(ctx, claim, uuid.Nil, fmt.Sprintf("load charges: %v", err))
	}
	var policy *practice.ClientInsurance
	if claim.InsuranceID != nil {
		if policy, err = s.insurance.GetByID(ctx, *claim.InsuranceID); err != nil {
			return s.fail(ctx, claim, uuid.Nil, fmt.Sprintf("load insurance: %v", err))
		}
	}

	s.markPending(ctx, claim)
	req := executor.NewRequest(EndpointSubmit, submission(claim, client.VendorIDValue(), policy, charges))
	req.SyncLog = s.spec(ctx, claim.ID, synclog.ToVendor)
	res := s.exec.Execute(ctx, req)
	if !res.Success {
		if res.Err != nil && (res.Err.Kind == amd.KindAPI || res.Err.IsValidation()) {
			claim.Status = practice.ClaimRejected
			claim.DenialReason = practice.Str(res.Message())
			if err := s.claims.Update(ctx, claim); err != nil {
				s.logger.Warn().Err(err).Str("claim_id", claim.ID.String()).Msg("store rejection failed")
			}
		}
		return s.fail(ctx, claim, res.SyncLogID, res.Message())
	}

	vendorID := res.Data.Str("@claimid", "claimId")
	if vendorID == "" {
		vendorID = res.Data.Get("claim").Str("@claimid", "claimId", "@id")
	}
	if vendorID == "" {
		vendorID = claim.VendorIDValue()
	}
	now := s.opts.Now()
	claim.Status = practice.ClaimSubmitted
	claim.SubmittedAt = &now
	claim.DenialReason = nil
	if err := s.claims.Update(ctx, claim); err != nil {
		return Result{ClaimID: claim.ID, ClaimNumber: claim.ClaimNumber, Error: fmt.Sprintf("claims: save claim: %v", err), SyncLogID: res.SyncLogID}
	}
	for _, c := range charges {
		c.Status = practice.ChargeBilled
		c.ClaimID = &claim.ID
		if err := s.charges.Update(ctx, c); err != nil {
			s.logger.Warn().Err(err).Str("charge_id", c.ID.String()).Msg("mark charge billed failed")
		}
	}
	return s.succeed(ctx, claim, res.SyncLogID, vendorID)
}

func submission(claim *practice.Claim, patientID string, policy *practice.ClientInsurance, charges []*practice.Charge) map[string]any {
	p := map[string]any{
		"@patientid":        patientID,
		"@claimnumber":      claim.ClaimNumber,
		"@claimtype":        claimType,
		"@servicestartdate": amd.FormatDate(claim.ServiceStartDate),
		"@serviceenddate":   amd.FormatDate(claim.ServiceEndDate),
		"@totalamount":      amd.FormatAmount(claim.TotalAmount),
		"diagnoses":         map[string]any{"diagnosis": toAny(claim.DiagnosisCodes)},
	}
	if claim.IsLinked() {
		p["@claimid"] = claim.VendorIDValue()
	}
	if policy != nil {
		p["@memberid"] = policy.MemberID
		if cc := practice.Deref(policy.CarrierCode); cc != "" {
			p["@carriercode"] = cc
		}
	}
	items := make([]any, 0, len(charges))
	for _, c := range charges {
		item := map[string]any{
			"@servicedate": amd.FormatDate(c.ServiceDate),
			"@cptcode":     c.CPTCode,
			"@modifiers":   strings.Join(c.Modifiers, ","),
			"@units":       c.Units,
			"@amount":      amd.FormatAmount(c.Amount),
		}
		if c.IsLinked() {
			item["@chargeid"] = c.VendorIDValue()
		}
		if rp := practice.Deref(c.RenderingProvider); rp != "" {
			item["@renderingproviderid"] = rp
		}
		items = append(items, item)
	}
	p["charges"] = map[string]any{"charge": items}
	return p
}

// Resubmit corrects a rejected or denied claim, moves it back to draft and
// submits it again. Claims in any other status are left untouched.
func (s *Service) Resubmit(ctx context.Context, claimID uuid.UUID, fix Corrections) Result {
	claim, err := s.claims.GetByID(ctx, claimID)
	if err != nil {
		return loadFailure(claimID, err)
	}
	if !CanResubmit(claim.Status) {
		return Result{ClaimID: claimID, ClaimNumber: claim.ClaimNumber, Status: claim.Status, Error: fmt.Sprintf("cannot resubmit claim with status %s", claim.Status)}
	}
	if len(fix.DiagnosisCodes) > 0 {
		claim.DiagnosisCodes = fix.DiagnosisCodes
	}
	if fix.Notes != "" {
		claim.CorrectionNotes = practice.Str(fix.Notes)
	}
	claim.Status = practice.ClaimDraft
	claim.ResubmissionCount++
	if err := s.claims.Update(ctx, claim); err != nil {
		return Result{ClaimID: claimID, Error: fmt.Sprintf("claims: save claim: %v", err)}
	}
	s.logger.Info().Str("claim_id", claimID.String()).Int("resubmission", claim.ResubmissionCount).Msg("claim reset to draft for resubmission")
	return s.Submit(ctx, claimID)
}

// CheckStatus pulls the vendor's view of a submitted claim. Paid and denied
// outcomes cascade to the claim's charges.
func (s *Service) CheckStatus(ctx context.Context, claimID uuid.UUID) StatusResult {
	claim, err := s.claims.GetByID(ctx, claimID)
	if err != nil {
		if errors.Is(err, practice.ErrNotFound) {
			return StatusResult{ClaimID: claimID, Error: "claim not found: " + claimID.String()}
		}
		return StatusResult{ClaimID: claimID, Error: fmt.Sprintf("claims: load claim: %v", err)}
	}
	if !claim.IsLinked() {
		return StatusResult{ClaimID: claimID, Status: claim.Status, Error: "claim has not been submitted to vendor"}
	}

	req := executor.NewRequest(EndpointCheckStatus, map[string]any{"@claimid": claim.VendorIDValue()})
	req.SyncLog = s.spec(ctx, claim.ID, synclog.FromVendor)
	res := s.exec.Execute(ctx, req)
	if !res.Success {
		return StatusResult{ClaimID: claimID, Status: claim.Status, Error: res.Message()}
	}

	node := res.Data.Get("claims").Get("claim")
	if node == nil {
		node = res.Data.Get("claim")
	}
	if node == nil {
		node = res.Data
	}
	out := StatusResult{
		Success:               true,
		ClaimID:               claimID,
		PreviousStatus:        claim.Status,
		Status:                StatusFromVendor(node.Str("@status", "status")),
		ClearinghouseStatus:   node.Str("@clearinghousestatus", "clearinghouseStatus"),
		PayerStatus:           node.Str("@payerstatus", "payerStatus"),
		RejectionReason:       node.Str("@rejectionreason", "rejectionReason"),
		RejectionCode:         node.Str("@rejectioncode", "rejectionCode"),
		TotalBilled:           amd.RoundCents(node.Float("@totalbilled", "totalBilled")),
		TotalPaid:             amd.RoundCents(node.Float("@totalpaid", "totalPaid")),
		TotalAdjustment:       amd.RoundCents(node.Float("@totaladjustment", "totalAdjustment")),
		PatientResponsibility: amd.RoundCents(node.Float("@patientresponsibility", "patientResponsibility")),
	}
	if !CanTransition(claim.Status, out.Status) {
		if terminal(claim.Status) {
			msg := fmt.Sprintf("vendor reported %s for a %s claim; local status kept", out.Status, claim.Status)
			s.logger.Warn().Str("claim_id", claimID.String()).Str("from", claim.Status).Str("to", out.Status).Msg("refused claim status regression")
			claim.MarkError(msg)
			if err := s.claims.UpdateSync(ctx, claim.ID, claim.SyncFields); err != nil {
				s.logger.Warn().Err(err).Str("claim_id", claimID.String()).Msg("store sync state failed")
			}
			return StatusResult{ClaimID: claimID, PreviousStatus: claim.Status, Status: claim.Status, Error: msg}
		}
		s.logger.Warn().Str("claim_id", claimID.String()).Str("from", claim.Status).Str("to", out.Status).Msg("vendor reported an out-of-order claim status")
	}

	claim.Status = out.Status
	claim.PaidAmount = out.TotalPaid
	claim.AdjustmentAmount = out.TotalAdjustment
	claim.PatientResponsibility = out.PatientResponsibility
	if out.RejectionReason != "" {
		claim.DenialReason = practice.Str(out.RejectionReason)
	}
	if terminal(out.Status) && claim.AdjudicatedAt == nil {
		now := s.opts.Now()
		claim.AdjudicatedAt = &now
	}
	if err := s.claims.Update(ctx, claim); err != nil {
		return StatusResult{ClaimID: claimID, Error: fmt.Sprintf("claims: save claim: %v", err)}
	}
	if out.Status == practice.ClaimPaid || out.Status == practice.ClaimDenied {
		s.cascade(ctx, claim)
	}
	claim.MarkSynced("", s.opts.Now())
	if err := s.claims.UpdateSync(ctx, claim.ID, claim.SyncFields); err != nil {
		s.logger.Warn().Err(err).Str("claim_id", claimID.String()).Msg("store sync state failed")
	}
	return out
}

func (s *Service) cascade(ctx context.Context, claim *practice.Claim) {
	status := practice.ChargePaid
	if claim.Status == practice.ClaimDenied {
		status = practice.ChargeDenied
	}
	charges, err := s.charges.ListByIDs(ctx, claim.ChargeIDs)
	if err != nil {
		s.logger.Warn().Err(err).Str("claim_id", claim.ID.String()).Msg("load charges for cascade failed")
		return
	}
	for _, c := range charges {
		if c.Status == practice.ChargeVoid {
			continue
		}
		c.Status = status
		if status == practice.ChargePaid && claim.PaidAmount >= claim.TotalAmount {
			c.PaidAmount = c.Amount
		}
		if err := s.charges.Update(ctx, c); err != nil {
			s.logger.Warn().Err(err).Str("charge_id", c.ID.String()).Msg("cascade claim status failed")
		}
	}
}

// CheckBatch checks claims one after another.
func (s *Service) CheckBatch(ctx context.Context, ids []uuid.UUID) BatchStatusResult {
	out := BatchStatusResult{Results: []StatusResult{}}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		r := s.CheckStatus(ctx, id)
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

// CheckAllPending checks every submitted, accepted or in-process claim that
// has a vendor id.
func (s *Service) CheckAllPending(ctx context.Context) (BatchStatusResult, error) {
	list, err := s.claims.ListByStatus(ctx, Pending, pendingLimit)
	if err != nil {
		return BatchStatusResult{}, fmt.Errorf("claims: list pending: %w", err)
	}
	var ids []uuid.UUID
	for _, c := range list {
		if c.IsLinked() {
			ids = append(ids, c.ID)
		}
	}
	return s.CheckBatch(ctx, ids), nil
}

func (s *Service) ListByDateRange(ctx context.Context, start, end time.Time, limit, offset int) ([]*practice.Claim, int, error) {
	list, total, err := s.claims.ListByDateRange(ctx, start, end, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("claims: list by date: %w", err)
	}
	return list, total, nil
}

// Stats summarises claims whose service starts within the range.
func (s *Service) Stats(ctx context.Context, start, end time.Time) (Stats, error) {
	out := Stats{ByStatus: map[string]int{}}
	for offset := 0; ; offset += statsPageSize {
		page, total, err := s.claims.ListByDateRange(ctx, start, end, statsPageSize, offset)
		if err != nil {
			return Stats{}, fmt.Errorf("claims: stats: %w", err)
		}
		for _, c := range page {
			out.TotalClaims++
			out.ByStatus[c.Status]++
			out.TotalBilled += c.TotalAmount
			out.TotalPaid += c.PaidAmount
			out.TotalAdjustment += c.AdjustmentAmount
		}
		if len(page) == 0 || offset+len(page) >= total {
			break
		}
	}
	out.TotalBilled = amd.RoundCents(out.TotalBilled)
	out.TotalPaid = amd.RoundCents(out.TotalPaid)
	out.TotalAdjustment = amd.RoundCents(out.TotalAdjustment)
	if out.TotalBilled > 0 {
		out.CollectionRate = amd.RoundCents(out.TotalPaid / out.TotalBilled * 100)
	}
	return out, nil
}

func (s *Service) spec(ctx context.Context, claimID uuid.UUID, dir synclog.Direction) *synclog.Spec {
	return &synclog.Spec{
		SyncType:    synclog.TypeClaim,
		EntityID:    claimID,
		EntityType:  entityType,
		Direction:   dir,
		TriggeredBy: synclog.Actor(ctx),
	}
}

func (s *Service) markPending(ctx context.Context, c *practice.Claim) {
	c.MarkPending()
	if err := s.claims.UpdateSync(ctx, c.ID, c.SyncFields); err != nil {
		s.logger.Warn().Err(err).Str("claim_id", c.ID.String()).Msg("mark pending failed")
	}
}

func (s *Service) succeed(ctx context.Context, c *practice.Claim, logID uuid.UUID, vendorID string) Result {
	c.MarkSynced(vendorID, s.opts.Now())
	if err := s.claims.UpdateSync(ctx, c.ID, c.SyncFields); err != nil {
		return Result{ClaimID: c.ID, ClaimNumber: c.ClaimNumber, Error: fmt.Sprintf("claims: save sync state: %v", err), SyncLogID: logID}
	}
	if vendorID != "" && logID != uuid.Nil && s.logs != nil {
		if err := s.logs.AttachVendorID(ctx, logID, vendorID); err != nil {
			s.logger.Warn().Err(err).Str("sync_log_id", logID.String()).Msg("attach vendor id failed")
		}
	}
	s.logger.Info().Str("claim_id", c.ID.String()).Str("vendor_id", vendorID).Msg("claim submitted")
	return Result{Success: true, ClaimID: c.ID, ClaimNumber: c.ClaimNumber, VendorID: c.VendorIDValue(), Status: c.Status, SyncLogID: logID}
}

func (s *Service) fail(ctx context.Context, c *practice.Claim, logID uuid.UUID, msg string) Result {
	c.MarkError(msg)
	if err := s.claims.UpdateSync(ctx, c.ID, c.SyncFields); err != nil {
		s.logger.Warn().Err(err).Str("claim_id", c.ID.String()).Msg("record sync error failed")
	}
	s.logger.Error().Str("claim_id", c.ID.String()).Str("error", msg).Msg("claim sync failed")
	return Result{ClaimID: c.ID, ClaimNumber: c.ClaimNumber, Status: c.Status, Error: msg, SyncLogID: logID}
}

func loadFailure(id uuid.UUID, err error) Result {
	if errors.Is(err, practice.ErrNotFound) {
		return Result{ClaimID: id, Error: "claim not found: " + id.String()}
	}
	return Result{ClaimID: id, Error: fmt.Sprintf("claims: load claim: %v", err)}
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
