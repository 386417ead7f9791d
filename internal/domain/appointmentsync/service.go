// Package appointmentsync mirrors local appointments as vendor visits.
package appointmentsync

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
	"github.com/ehr/amdsync/internal/amd/synclog"
	"github.com/ehr/amdsync/internal/domain/practice"
)

const (
	EndpointDateVisits    = "GETDATEVISITS"
	EndpointAppointments  = "GETAPPTS"
	EndpointUpdatedVisits = "GETUPDATEDVISITS"
	EndpointAddVisit      = "ADDVISIT"
	EndpointUpdateVisit   = "UPDVISITWITHNEWCHARGES"

	entityType = "appointment"
)

type Result struct {
	Success       bool      `json:"success"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	VendorID      string    `json:"vendor_id,omitempty"`
	Action        string    `json:"action,omitempty"`
	Error         string    `json:"error,omitempty"`
	SyncLogID     uuid.UUID `json:"sync_log_id"`
}

// IsNotFound reports whether the local appointment was missing.
func (r Result) IsNotFound() bool {
	return !r.Success && strings.HasPrefix(r.Error, "appointment not found")
}

type VisitsResult struct {
	Success bool    `json:"success"`
	Visits  []Visit `json:"visits"`
	Error   string  `json:"error,omitempty"`
}

type LookupResult struct {
	Found   bool    `json:"found"`
	Visit   *Visit  `json:"visit,omitempty"`
	Matches []Visit `json:"matches,omitempty"`
	Error   string  `json:"error,omitempty"`
}

type BulkResult struct {
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Results   []Result `json:"results"`
	Error     string   `json:"error,omitempty"`
}

type Options struct {
	Mapping MappingOptions
	// Location is the practice time zone visit dates and times are read and
	// written in. Defaults to UTC.
	Location *time.Location
	Now      func() time.Time
}

type Service struct {
	exec    executor.Doer
	appts   practice.AppointmentRepository
	clients practice.ClientRepository
	logs    synclog.Repository
	opts    Options
	logger  zerolog.Logger
}

func NewService(exec executor.Doer, appts practice.AppointmentRepository, clients practice.ClientRepository, logs synclog.Repository, opts Options, logger zerolog.Logger) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		exec:    exec,
		appts:   appts,
		clients: clients,
		logs:    logs,
		opts:    opts,
		logger:  logger.With().Str("component", "appointmentsync").Logger(),
	}
}

// List returns vendor visits between start and end, optionally for one
// provider.
func (s *Service) List(ctx context.Context, start, end time.Time, providerID string) VisitsResult {
	payload := map[string]any{
		"@startdate": amd.FormatDate(start.In(s.opts.Location)),
		"@enddate":   amd.FormatDate(end.In(s.opts.Location)),
	}
	if providerID != "" {
		payload["@providerid"] = providerID
	}
	res := s.exec.Execute(ctx, executor.NewRequest(EndpointDateVisits, payload))
	if !res.Success {
		return VisitsResult{Error: res.Message()}
	}
	return VisitsResult{Success: true, Visits: parseVisits(res.Data)}
}

// Get fetches one vendor visit.
func (s *Service) Get(ctx context.Context, visitID string) LookupResult {
	res := s.exec.Execute(ctx, executor.NewRequest(EndpointAppointments, map[string]any{"@visitid": visitID}))
	if !res.Success {
		return LookupResult{Error: res.Message()}
	}
	visits := parseVisits(res.Data)
	switch len(visits) {
	case 0:
		return LookupResult{}
	case 1:
		return LookupResult{Found: true, Visit: &visits[0]}
	}
	return LookupResult{Found: true, Matches: visits}
}

// UpdatedSince lists vendor visits changed after since.
func (s *Service) UpdatedSince(ctx context.Context, since time.Time, includeCharges bool) VisitsResult {
	payload := map[string]any{"@datechanged": amd.MsgTime(since.In(s.opts.Location))}
	if includeCharges {
		payload["@includecharges"] = "1"
	}
	res := s.exec.Execute(ctx, executor.NewRequest(EndpointUpdatedVisits, payload))
	if !res.Success {
		return VisitsResult{Error: res.Message()}
	}
	return VisitsResult{Success: true, Visits: parseVisits(res.Data)}
}

// Create adds the appointment to the vendor as a visit. providerID and
// facilityID fall back to the ids already stored on the appointment.
func (s *Service) Create(ctx context.Context, apptID uuid.UUID, providerID, facilityID string) Result {
	a, err := s.appts.GetByID(ctx, apptID)
	if err != nil {
		return loadFailure(apptID, err)
	}
	if a.IsLinked() {
		return Result{AppointmentID: apptID, VendorID: a.VendorIDValue(), Error: fmt.Sprintf("appointment already synced to vendor visit %s", a.VendorIDValue())}
	}
	if providerID == "" {
		providerID = practice.Deref(a.ProviderVendorID)
	}
	if facilityID == "" {
		facilityID = practice.Deref(a.FacilityVendorID)
	}
	if providerID == "" {
		return Result{AppointmentID: apptID, Error: "provider id is required to create a vendor visit"}
	}
	patientID, msg := s.patientID(ctx, a)
	if msg != "" {
		return s.fail(ctx, a, uuid.Nil, msg)
	}

	s.markPending(ctx, a)
	req := executor.NewRequest(EndpointAddVisit, map[string]any{
		"visit": ToVisit(a, patientID, providerID, facilityID, s.opts.Location, s.opts.Mapping),
	})
	req.SyncLog = s.spec(ctx, a.ID, synclog.ToVendor)
	res := s.exec.Execute(ctx, req)
	if !res.Success {
		return s.fail(ctx, a, res.SyncLogID, res.Message())
	}

	visitID := res.Data.Str("visitId", "@visitid")
	if visitID == "" {
		visitID = FromDoc(res.Data.Get("visit")).VisitID
	}
	if visitID == "" {
		return s.fail(ctx, a, res.SyncLogID, "visit created but no visit id returned")
	}

	a.ProviderVendorID = practice.Str(providerID)
	a.FacilityVendorID = practice.Str(facilityID)
	if err := s.appts.Update(ctx, a); err != nil {
		s.logger.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("store vendor provider failed")
	}
	return s.succeed(ctx, a, res.SyncLogID, visitID, "created")
}

// Update pushes the appointment to its linked vendor visit.
func (s *Service) Update(ctx context.Context, apptID uuid.UUID) Result {
	a, err := s.appts.GetByID(ctx, apptID)
	if err != nil {
		return loadFailure(apptID, err)
	}
	if !a.IsLinked() {
		return Result{AppointmentID: apptID, Error: "appointment not synced to vendor yet"}
	}
	return s.update(ctx, a)
}

func (s *Service) update(ctx context.Context, a *practice.Appointment) Result {
	patientID, msg := s.patientID(ctx, a)
	if msg != "" {
		return s.fail(ctx, a, uuid.Nil, msg)
	}
	visit := ToVisit(a, patientID, practice.Deref(a.ProviderVendorID), practice.Deref(a.FacilityVendorID), s.opts.Location, s.opts.Mapping)
	visit["visitId"] = a.VendorIDValue()

	s.markPending(ctx, a)
	req := executor.NewRequest(EndpointUpdateVisit, map[string]any{
		"@visitid":   a.VendorIDValue(),
		"visit":      visit,
		"chargelist": map[string]any{"charge": []any{}},
	})
	req.SyncLog = s.spec(ctx, a.ID, synclog.ToVendor)
	res := s.exec.Execute(ctx, req)
	if !res.Success {
		return s.fail(ctx, a, res.SyncLogID, res.Message())
	}
	return s.succeed(ctx, a, res.SyncLogID, a.VendorIDValue(), "updated")
}

// Cancel marks the appointment cancelled and pushes the change.
func (s *Service) Cancel(ctx context.Context, apptID uuid.UUID, reason string) Result {
	return s.transition(ctx, apptID, "cancelled", func(a *practice.Appointment) {
		a.Status = practice.ApptCancelled
		if reason != "" {
			a.CancelReason = practice.Str(reason)
		}
	})
}

func (s *Service) CheckIn(ctx context.Context, apptID uuid.UUID) Result {
	return s.transition(ctx, apptID, "checked_in", func(a *practice.Appointment) {
		now := s.opts.Now()
		a.Status = practice.ApptCheckedIn
		a.CheckedInAt = &now
	})
}

func (s *Service) CheckOut(ctx context.Context, apptID uuid.UUID) Result {
	return s.transition(ctx, apptID, "checked_out", func(a *practice.Appointment) {
		now := s.opts.Now()
		a.Status = practice.ApptCompleted
		a.CheckedOutAt = &now
	})
}

func (s *Service) MarkNoShow(ctx context.Context, apptID uuid.UUID) Result {
	return s.transition(ctx, apptID, "no_show", func(a *practice.Appointment) {
		a.Status = practice.ApptNoShow
	})
}

func (s *Service) MarkCompleted(ctx context.Context, apptID uuid.UUID) Result {
	return s.transition(ctx, apptID, "completed", func(a *practice.Appointment) {
		a.Status = practice.ApptCompleted
	})
}

// transition applies a local status change, then pushes it when the
// appointment is linked. Unlinked appointments change locally only.
func (s *Service) transition(ctx context.Context, apptID uuid.UUID, action string, apply func(*practice.Appointment)) Result {
	a, err := s.appts.GetByID(ctx, apptID)
	if err != nil {
		return loadFailure(apptID, err)
	}
	if a.Status == practice.ApptCancelled {
		return Result{AppointmentID: apptID, VendorID: a.VendorIDValue(), Error: "appointment is cancelled"}
	}
	apply(a)
	if err := s.appts.Update(ctx, a); err != nil {
		return Result{AppointmentID: apptID, Error: fmt.Sprintf("appointmentsync: save appointment: %v", err)}
	}
	if !a.IsLinked() {
		return Result{Success: true, AppointmentID: apptID, Action: action + "_local"}
	}
	res := s.update(ctx, a)
	if res.Success {
		res.Action = action
	}
	return res
}

// PullFromVendor fetches a vendor visit and upserts the local appointment
// keyed by the vendor visit id. The patient must already be linked locally.
func (s *Service) PullFromVendor(ctx context.Context, visitID string) Result {
	req := executor.NewRequest(EndpointAppointments, map[string]any{"@visitid": visitID})
	req.SyncLog = s.spec(ctx, uuid.Nil, synclog.FromVendor)
	res := s.exec.Execute(ctx, req)
	if !res.Success {
		return Result{VendorID: visitID, Error: res.Message(), SyncLogID: res.SyncLogID}
	}
	visits := parseVisits(res.Data)
	if len(visits) == 0 {
		return Result{VendorID: visitID, Error: fmt.Sprintf("visit %s not found in vendor", visitID), SyncLogID: res.SyncLogID}
	}
	v := visits[0]
	if v.VisitID == "" {
		v.VisitID = visitID
	}

	client, err := s.clients.GetByVendorID(ctx, v.PatientID)
	if err != nil {
		msg := fmt.Sprintf("appointmentsync: load client: %v", err)
		if errors.Is(err, practice.ErrNotFound) {
			msg = fmt.Sprintf("no local client linked to vendor patient %s", v.PatientID)
		}
		return Result{VendorID: visitID, Error: msg, SyncLogID: res.SyncLogID}
	}

	a, err := s.appts.GetByVendorID(ctx, v.VisitID)
	action := "pulled"
	switch {
	case errors.Is(err, practice.ErrNotFound):
		a = &practice.Appointment{ClientID: client.ID, Status: practice.ApptScheduled}
		v.ApplyTo(a, s.opts.Location)
		if a.StartTime.IsZero() {
			return Result{VendorID: visitID, Error: "vendor visit has no appointment date", SyncLogID: res.SyncLogID}
		}
		if err := s.appts.Create(ctx, a); err != nil {
			return Result{VendorID: visitID, Error: fmt.Sprintf("appointmentsync: create appointment: %v", err), SyncLogID: res.SyncLogID}
		}
		action = "imported"
	case err != nil:
		return Result{VendorID: visitID, Error: fmt.Sprintf("appointmentsync: load appointment: %v", err), SyncLogID: res.SyncLogID}
	default:
		v.ApplyTo(a, s.opts.Location)
		if err := s.appts.Update(ctx, a); err != nil {
			return Result{AppointmentID: a.ID, VendorID: visitID, Error: fmt.Sprintf("appointmentsync: save appointment: %v", err), SyncLogID: res.SyncLogID}
		}
	}
	return s.succeed(ctx, a, res.SyncLogID, v.VisitID, action)
}

// BulkSync pulls every vendor visit in the date range, one at a time.
func (s *Service) BulkSync(ctx context.Context, start, end time.Time) BulkResult {
	list := s.List(ctx, start, end, "")
	if !list.Success {
		return BulkResult{Results: []Result{}, Error: list.Error}
	}
	out := BulkResult{Results: []Result{}}
	for _, v := range list.Visits {
		if v.VisitID == "" {
			continue
		}
		if ctx.Err() != nil {
			out.Error = ctx.Err().Error()
			break
		}
		r := s.PullFromVendor(ctx, v.VisitID)
		out.Total++
		if r.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
		out.Results = append(out.Results, r)
	}
	s.logger.Info().Int("total", out.Total).Int("failed", out.Failed).Msg("bulk appointment sync finished")
	return out
}

func (s *Service) patientID(ctx context.Context, a *practice.Appointment) (string, string) {
	c, err := s.clients.GetByID(ctx, a.ClientID)
	if err != nil {
		return "", fmt.Sprintf("load client %s: %v", a.ClientID, err)
	}
	if !c.IsLinked() {
		return "", fmt.Sprintf("client %s not synced to vendor; sync the patient first", c.ID)
	}
	return c.VendorIDValue(), ""
}

func (s *Service) spec(ctx context.Context, apptID uuid.UUID, dir synclog.Direction) *synclog.Spec {
	return &synclog.Spec{
		SyncType:    synclog.TypeAppointment,
		EntityID:    apptID,
		EntityType:  entityType,
		Direction:   dir,
		TriggeredBy: synclog.Actor(ctx),
	}
}

func (s *Service) markPending(ctx context.Context, a *practice.Appointment) {
	a.MarkPending()
	if err := s.appts.UpdateSync(ctx, a.ID, a.SyncFields); err != nil {
		s.logger.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("mark pending failed")
	}
}

func (s *Service) succeed(ctx context.Context, a *practice.Appointment, logID uuid.UUID, visitID, action string) Result {
	a.MarkSynced(visitID, s.opts.Now())
	if err := s.appts.UpdateSync(ctx, a.ID, a.SyncFields); err != nil {
		return Result{AppointmentID: a.ID, VendorID: visitID, Error: fmt.Sprintf("appointmentsync: save sync state: %v", err), SyncLogID: logID}
	}
	if logID != uuid.Nil && s.logs != nil {
		if err := s.logs.AttachVendorID(ctx, logID, visitID); err != nil {
			s.logger.Warn().Err(err).Str("sync_log_id", logID.String()).Msg("attach vendor id failed")
		}
	}
	s.logger.Info().Str("appointment_id", a.ID.String()).Str("visit_id", visitID).Str("action", action).Msg("appointment synced")
	return Result{Success: true, AppointmentID: a.ID, VendorID: visitID, Action: action, SyncLogID: logID}
}

func (s *Service) fail(ctx context.Context, a *practice.Appointment, logID uuid.UUID, msg string) Result {
	a.MarkError(msg)
	if err := s.appts.UpdateSync(ctx, a.ID, a.SyncFields); err != nil {
		s.logger.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("record sync error failed")
	}
	s.logger.Error().Str("appointment_id", a.ID.String()).Str("error", msg).Msg("appointment sync failed")
	return Result{AppointmentID: a.ID, VendorID: a.VendorIDValue(), Error: msg, SyncLogID: logID}
}

func loadFailure(id uuid.UUID, err error) Result {
	if errors.Is(err, practice.ErrNotFound) {
		return Result{AppointmentID: id, Error: "appointment not found: " + id.String()}
	}
	return Result{AppointmentID: id, Error: fmt.Sprintf("appointmentsync: load appointment: %v", err)}
}
