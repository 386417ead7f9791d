// Package chargesync submits local charges to the vendor and tracks their
// billing status.
package chargesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/amdsync/internal/amd"
	"github.com/ehr/amdsync/internal/amd/executor"
	"github.com/ehr/amdsync/internal/amd/lookup"
	"github.com/ehr/amdsync/internal/amd/synclog"
	"github.com/ehr/amdsync/internal/domain/practice"
)

const (
	EndpointSave       = "SAVECHARGES"
	EndpointUpdate     = "UPDVISITWITHNEWCHARGES"
	EndpointVoid       = "VOIDCHARGES"
	EndpointDetailData = "GETCHARGEDETAILDATA"

	entityType = "charge"
)

type Result struct {
	Success          bool      `json:"success"`
	ChargeID         uuid.UUID `json:"charge_id"`
	VendorID         string    `json:"vendor_id,omitempty"`
	VisitID          string    `json:"visit_id,omitempty"`
	Action           string    `json:"action,omitempty"`
	Error            string    `json:"error,omitempty"`
	ValidationErrors []string  `json:"validation_errors,omitempty"`
	SyncLogID        uuid.UUID `json:"sync_log_id"`
}

func (r Result) IsNotFound() bool {
	return !r.Success && strings.HasPrefix(r.Error, "charge not found")
}

type BatchResult struct {
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Results   []Result `json:"results"`
}

func (b *BatchResult) add(r Result) {
	b.Total++
	if r.Success {
		b.Succeeded++
	} else {
		b.Failed++
	}
	b.Results = append(b.Results, r)
}

type PullResult struct {
	Success bool   `json:"success"`
	VisitID string `json:"visit_id,omitempty"`
	Updated int    `json:"updated"`
	Error   string `json:"error,omitempty"`
}

type Stats struct {
	Total        int                 `json:"total"`
	BySyncStatus practice.SyncCounts `json:"by_sync_status"`
	ByStatus     map[string]int      `json:"by_status"`
}

type Options struct {
	Now func() time.Time
}

type Service struct {
	exec    executor.Doer
	codes   lookup.Resolver
	charges practice.ChargeRepository
	appts   practice.AppointmentRepository
	clients practice.ClientRepository
	logs    synclog.Repository
	opts    Options
	logger  zerolog.Logger
}

func NewService(exec executor.Doer, codes lookup.Resolver, repos practice.Repos, logs synclog.Repository, opts Options, logger zerolog.Logger) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		exec:    exec,
		codes:   codes,
		charges: repos.Charges,
		appts:   repos.Appointments,
		clients: repos.Clients,
		logs:    logs,
		opts:    opts,
		logger:  logger.With().Str("component", "chargesync").Logger(),
	}
}

// Validate lists what is missing before c can be billed.
func (s *Service) Validate(ctx context.Context, c *practice.Charge) []string {
	var errs []string
	if strings.TrimSpace(c.CPTCode) == "" {
		errs = append(errs, "CPT code is required")
	}
	if c.Amount <= 0 {
		errs = append(errs, "charge amount must be greater than 0")
	}
	if c.Units <= 0 {
		errs = append(errs, "units must be at least 1")
	}
	if practice.Deref(c.RenderingProvider) == "" {
		errs = append(errs, "rendering provider is required")
	}
	if c.ServiceDate.IsZero() {
		errs = append(errs, "service date is required")
	}
	if len(c.DiagnosisCodes) == 0 {
		errs = append(errs, "at least one diagnosis code is required")
	}
	client, err := s.clients.GetByID(ctx, c.ClientID)
	if err != nil || !client.IsLinked() {
		errs = append(errs, "patient not synced to vendor")
	}
	return errs
}

// Submit validates the charge, resolves its codes and saves it on the
// appointment's vendor visit. A charge that already has a vendor id is never
// submitted twice.
func (s *Service) Submit(ctx context.Context, chargeID uuid.UUID) Result {
	c, err := s.charges.GetByID(ctx, chargeID)
	if err != nil {
		return loadFailure(chargeID, err)
	}
	if c.IsLinked() {
		return Result{ChargeID: chargeID, VendorID: c.VendorIDValue(), Error: fmt.Sprintf("charge already submitted as vendor charge %s", c.VendorIDValue())}
	}
	if c.Status == practice.ChargeVoid {
		return Result{ChargeID: chargeID, Error: "charge is void"}
	}
	if errs := s.Validate(ctx, c); len(errs) > 0 {
		res := s.fail(ctx, c, uuid.Nil, "validation failed: "+strings.Join(errs, ", "))
		res.ValidationErrors = errs
		return res
	}

	visitID, msg := s.visitID(ctx, c)
	if msg != "" {
		return s.fail(ctx, c, uuid.Nil, msg)
	}
	item, msg := s.chargeItem(ctx, c)
	if msg != "" {
		return s.fail(ctx, c, uuid.Nil, msg)
	}
	item["visitId"] = visitID

	s.markPending(ctx, c)
	req := executor.NewRequest(EndpointSave, map[string]any{
		"@visitid":   visitID,
		"chargelist": map[string]any{"charge": []any{item}},
	})
	req.SyncLog = s.spec(ctx, c.ID, synclog.ToVendor)
	res := s.exec.Execute(ctx, req)
	if !res.Success {
		return s.fail(ctx, c, res.SyncLogID, res.Message())
	}

	vendorID := chargeIDFrom(res.Data)
	if vendorID == "" {
		return s.fail(ctx, c, res.SyncLogID, "charge saved but no charge id returned")
	}
	c.Status = practice.ChargeSubmitted
	if err := s.charges.Update(ctx, c); err != nil {
		s.logger.Warn().Err(err).Str("charge_id", c.ID.String()).Msg("store submitted status failed")
	}
	out := s.succeed(ctx, c, res.SyncLogID, vendorID, "submitted")
	out.VisitID = visitID
	return out
}

// SubmitBatch submits charges one after another.
func (s *Service) SubmitBatch(ctx context.Context, ids []uuid.UUID) BatchResult {
	out := BatchResult{Results: []Result{}}
	for _, id := range ids {
		if ctx.Err() != nil {
			out.add(Result{ChargeID: id, Error: ctx.Err().Error()})
			continue
		}
		out.add(s.Submit(ctx, id))
	}
	return out
}

// SubmitForAppointment submits every unsubmitted, non-void charge of the
// appointment.
func (s *Service) SubmitForAppointment(ctx context.Context, apptID uuid.UUID) (BatchResult, error) {
	list, err := s.charges.ListByAppointment(ctx, apptID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("chargesync: list charges: %w", err)
	}
	var ids []uuid.UUID
	for _, c := range list {
		if !c.IsLinked() && c.Status != practice.ChargeVoid {
			ids = append(ids, c.ID)
		}
	}
	return s.SubmitBatch(ctx, ids), nil
}

// Update resends a submitted charge with its current codes and amount.
func (s *Service) Update(ctx context.Context, chargeID uuid.UUID) Result {
	c, err := s.charges.GetByID(ctx, chargeID)
	if err != nil {
		return loadFailure(chargeID, err)
	}
	if !c.IsLinked() {
		return Result{ChargeID: chargeID, Error: "charge not submitted to vendor yet"}
	}
	if c.Status == practice.ChargeVoid {
		return Result{ChargeID: chargeID, VendorID: c.VendorIDValue(), Error: "charge is void"}
	}
	visitID, msg := s.visitID(ctx, c)
	if msg != "" {
		return s.fail(ctx, c, uuid.Nil, msg)
	}
	item, msg := s.chargeItem(ctx, c)
	if msg != "" {
		return s.fail(ctx, c, uuid.Nil, msg)
	}
	item["@chargeid"] = c.VendorIDValue()

	s.markPending(ctx, c)
	req := executor.NewRequest(EndpointUpdate, map[string]any{
		"@visitid":   visitID,
		"chargelist": map[string]any{"charge": []any{item}},
	})
	req.SyncLog = s.spec(ctx, c.ID, synclog.ToVendor)
	res := s.exec.Execute(ctx, req)
	if !res.Success {
		return s.fail(ctx, c, res.SyncLogID, res.Message())
	}
	out := s.succeed(ctx, c, res.SyncLogID, c.VendorIDValue(), "updated")
	out.VisitID = visitID
	return out
}

// Void voids the charge. A charge that never reached the vendor is voided
// locally; otherwise the local status changes only after the vendor accepts.
func (s *Service) Void(ctx context.Context, chargeID uuid.UUID, reason string) Result {
	c, err := s.charges.GetByID(ctx, chargeID)
	if err != nil {
		return loadFailure(chargeID, err)
	}
	if c.Status == practice.ChargeVoid {
		return Result{ChargeID: chargeID, VendorID: c.VendorIDValue(), Error: "charge is already void"}
	}
	if !c.IsLinked() {
		c.Status = practice.ChargeVoid
		if err := s.charges.Update(ctx, c); err != nil {
			return Result{ChargeID: chargeID, Error: fmt.Sprintf("chargesync: save charge: %v", err)}
		}
		return Result{Success: true, ChargeID: chargeID, Action: "voided_local"}
	}

	payload := map[string]any{"@chargeid": c.VendorIDValue()}
	if reason != "" {
		payload["@reason"] = reason
	}
	req := executor.NewRequest(EndpointVoid, payload)
	req.SyncLog = s.spec(ctx, c.ID, synclog.ToVendor)
	res := s.exec.Execute(ctx, req)
	if !res.Success {
		s.logger.Error().Str("charge_id", c.ID.String()).Str("error", res.Message()).Msg("void charge failed")
		return Result{ChargeID: chargeID, VendorID: c.VendorIDValue(), Error: res.Message(), SyncLogID: res.SyncLogID}
	}
	c.Status = practice.ChargeVoid
	if err := s.charges.Update(ctx, c); err != nil {
		return Result{ChargeID: chargeID, VendorID: c.VendorIDValue(), Error: fmt.Sprintf("chargesync: save charge: %v", err), SyncLogID: res.SyncLogID}
	}
	return s.succeed(ctx, c, res.SyncLogID, c.VendorIDValue(), "voided")
}

// PullStatus reads vendor charge detail for the appointment's visit and
// copies payment amounts and status onto the matching local charges.
func (s *Service) PullStatus(ctx context.Context, apptID uuid.UUID) PullResult {
	a, err := s.appts.GetByID(ctx, apptID)
	if err != nil {
		if errors.Is(err, practice.ErrNotFound) {
			return PullResult{Error: "appointment not found: " + apptID.String()}
		}
		return PullResult{Error: fmt.Sprintf("chargesync: load appointment: %v", err)}
	}
	if !a.IsLinked() {
		return PullResult{Error: "appointment not synced to vendor yet"}
	}
	visitID := a.VendorIDValue()

	req := executor.NewRequest(EndpointDetailData, map[string]any{"@visitid": visitID})
	req.SyncLog = &synclog.Spec{
		SyncType:    synclog.TypeCharge,
		EntityID:    apptID,
		EntityType:  "appointment",
		Direction:   synclog.FromVendor,
		TriggeredBy: synclog.Actor(ctx),
	}
	res := s.exec.Execute(ctx, req)
	if !res.Success {
		return PullResult{VisitID: visitID, Error: res.Message()}
	}

	nodes := res.Data.List("charge")
	if len(nodes) == 0 {
		nodes = res.Data.Get("charges").List("charge")
	}
	byVendor := make(map[string]amd.Doc, len(nodes))
	for _, n := range nodes {
		if id := n.Str("@chargeid", "@id", "chargeId"); id != "" {
			byVendor[id] = n
		}
	}

	local, err := s.charges.ListByAppointment(ctx, apptID)
	if err != nil {
		return PullResult{VisitID: visitID, Error: fmt.Sprintf("chargesync: list charges: %v", err)}
	}
	out := PullResult{Success: true, VisitID: visitID}
	for _, c := range local {
		n, ok := byVendor[c.VendorIDValue()]
		if !ok || !c.IsLinked() {
			continue
		}
		applyDetail(c, n)
		if err := s.charges.Update(ctx, c); err != nil {
			s.logger.Warn().Err(err).Str("charge_id", c.ID.String()).Msg("store charge detail failed")
			continue
		}
		c.MarkSynced("", s.opts.Now())
		if err := s.charges.UpdateSync(ctx, c.ID, c.SyncFields); err != nil {
			s.logger.Warn().Err(err).Str("charge_id", c.ID.String()).Msg("store sync state failed")
		}
		out.Updated++
	}
	return out
}

func applyDetail(c *practice.Charge, n amd.Doc) {
	if n.Has("@paymentamount") || n.Has("paymentAmount") {
		c.PaidAmount = amd.RoundCents(n.Float("@paymentamount", "paymentAmount"))
	}
	switch strings.ToLower(n.Str("@status", "status")) {
	case "paid":
		c.Status = practice.ChargePaid
	case "denied":
		c.Status = practice.ChargeDenied
	case "billed":
		c.Status = practice.ChargeBilled
	case "partial", "partial paid", "partially paid":
		c.Status = practice.ChargePartial
	case "void", "voided":
		c.Status = practice.ChargeVoid
	default:
		if c.PaidAmount > 0 && c.PaidAmount >= c.Amount {
			c.Status = practice.ChargePaid
		}
	}
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	bySync, err := s.charges.SyncCounts(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("chargesync: sync counts: %w", err)
	}
	byStatus, err := s.charges.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("chargesync: status counts: %w", err)
	}
	out := Stats{BySyncStatus: bySync, ByStatus: byStatus}
	for _, n := range bySync {
		out.Total += n
	}
	return out, nil
}

func (s *Service) visitID(ctx context.Context, c *practice.Charge) (string, string) {
	if c.AppointmentID == nil {
		return "", "charge has no appointment; cannot resolve vendor visit"
	}
	a, err := s.appts.GetByID(ctx, *c.AppointmentID)
	if err != nil {
		return "", fmt.Sprintf("load appointment %s: %v", *c.AppointmentID, err)
	}
	if !a.IsLinked() {
		return "", "no vendor visit for charge; sync the appointment first"
	}
	return a.VendorIDValue(), ""
}

// chargeItem resolves codes and builds one chargelist entry. A CPT code the
// vendor does not know fails the charge; diagnosis and modifier codes fall
// back to the raw code.
func (s *Service) chargeItem(ctx context.Context, c *practice.Charge) (map[string]any, string) {
	cpt, err := s.codes.CPT(ctx, c.CPTCode)
	if err != nil {
		return nil, fmt.Sprintf("CPT code %s not found in vendor: %v", c.CPTCode, err)
	}
	diags := make([]string, 0, len(c.DiagnosisCodes))
	for _, code := range c.DiagnosisCodes {
		r, err := s.codes.ICD10(ctx, code)
		if err != nil || r.VendorID == "" {
			diags = append(diags, code)
			continue
		}
		diags = append(diags, r.VendorID)
	}
	mods := make([]string, 0, len(c.Modifiers))
	for _, code := range c.Modifiers {
		r, err := s.codes.Modifier(ctx, code)
		if err != nil || r.VendorID == "" {
			mods = append(mods, code)
			continue
		}
		mods = append(mods, r.VendorID)
	}

	item := map[string]any{
		"procCode":    c.CPTCode,
		"procCodeId":  cpt.VendorID,
		"diagCodes":   strings.Join(diags, ","),
		"units":       c.Units,
		"amount":      amd.FormatAmount(c.Amount),
		"serviceDate": amd.FormatDate(c.ServiceDate),
	}
	if len(mods) > 0 {
		item["modifiers"] = strings.Join(mods, ",")
	}
	if pos := practice.Deref(c.PlaceOfService); pos != "" {
		item["placeOfService"] = pos
	}
	if p := practice.Deref(c.RenderingProvider); p != "" {
		item["renderingProvider"] = p
	}
	if p := practice.Deref(c.SupervisingProvider); p != "" {
		item["supervisingProvider"] = p
	}
	return item, ""
}

func chargeIDFrom(d amd.Doc) string {
	for _, n := range []amd.Doc{d.Get("charge"), d.Get("chargelist").Get("charge"), d} {
		if id := n.Str("@chargeid", "@id", "chargeId"); id != "" {
			return id
		}
	}
	return ""
}

func (s *Service) spec(ctx context.Context, chargeID uuid.UUID, dir synclog.Direction) *synclog.Spec {
	return &synclog.Spec{
		SyncType:    synclog.TypeCharge,
		EntityID:    chargeID,
		EntityType:  entityType,
		Direction:   dir,
		TriggeredBy: synclog.Actor(ctx),
	}
}

func (s *Service) markPending(ctx context.Context, c *practice.Charge) {
	c.MarkPending()
	if err := s.charges.UpdateSync(ctx, c.ID, c.SyncFields); err != nil {
		s.logger.Warn().Err(err).Str("charge_id", c.ID.String()).Msg("mark pending failed")
	}
}

func (s *Service) succeed(ctx context.Context, c *practice.Charge, logID uuid.UUID, vendorID, action string) Result {
	c.MarkSynced(vendorID, s.opts.Now())
	if err := s.charges.UpdateSync(ctx, c.ID, c.SyncFields); err != nil {
		return Result{ChargeID: c.ID, VendorID: vendorID, Error: fmt.Sprintf("chargesync: save sync state: %v", err), SyncLogID: logID}
	}
	if logID != uuid.Nil && s.logs != nil {
		if err := s.logs.AttachVendorID(ctx, logID, vendorID); err != nil {
			s.logger.Warn().Err(err).Str("sync_log_id", logID.String()).Msg("attach vendor id failed")
		}
	}
	s.logger.Info().Str("charge_id", c.ID.String()).Str("vendor_id", vendorID).Str("action", action).Msg("charge synced")
	return Result{Success: true, ChargeID: c.ID, VendorID: vendorID, Action: action, SyncLogID: logID}
}

func (s *Service) fail(ctx context.Context, c *practice.Charge, logID uuid.UUID, msg string) Result {
	c.MarkError(msg)
	if err := s.charges.UpdateSync(ctx, c.ID, c.SyncFields); err != nil {
		s.logger.Warn().Err(err).Str("charge_id", c.ID.String()).Msg("record sync error failed")
	}
	s.logger.Error().Str("charge_id", c.ID.String()).Str("error", msg).Msg("charge sync failed")
	return Result{ChargeID: c.ID, VendorID: c.VendorIDValue(), Error: msg, SyncLogID: logID}
}

func loadFailure(id uuid.UUID, err error) Result {
	if errors.Is(err, practice.ErrNotFound) {
		return Result{ChargeID: id, Error: "charge not found: " + id.String()}
	}
	return Result{ChargeID: id, Error: fmt.Sprintf("chargesync: load charge: %v", err)}
}
