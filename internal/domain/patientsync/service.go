// Package patientsync keeps local clients and vendor patients in step.
package patientsync

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
	EndpointLookup      = "LOOKUPPATIENT"
	EndpointAdd         = "ADDPATIENT"
	EndpointDemographic = "GETDEMOGRAPHIC"
	EndpointUpdated     = "GETUPDATEDPATIENTS"

	actionUpdate = "updatepatient"
	entityType   = "client"
)

// Result is the outcome of a write or pull for one client. Vendor failures
// are reported here, never as a Go error.
type Result struct {
	Success   bool      `json:"success"`
	ClientID  uuid.UUID `json:"client_id"`
	VendorID  string    `json:"vendor_id,omitempty"`
	Action    string    `json:"action,omitempty"`
	Error     string    `json:"error,omitempty"`
	SyncLogID uuid.UUID `json:"sync_log_id"`
}

// LookupQuery searches by vendor id when set, otherwise by name and birth date.
type LookupQuery struct {
	VendorID    string     `json:"vendor_id"`
	LastName    string     `json:"last_name"`
	FirstName   string     `json:"first_name"`
	DateOfBirth *time.Time `json:"date_of_birth"`
}

type LookupResult struct {
	Found    bool            `json:"found"`
	Multiple bool            `json:"multiple_matches"`
	Patient  *VendorPatient  `json:"patient,omitempty"`
	Matches  []VendorPatient `json:"matches,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type UpdatedResult struct {
	Success  bool            `json:"success"`
	Patients []VendorPatient `json:"patients"`
	Error    string          `json:"error,omitempty"`
}

type Options struct {
	Mapping MappingOptions
	// ProfileID is the vendor provider profile new patients are filed under
	// when the caller does not name one.
	ProfileID string
	Now       func() time.Time
}

type Service struct {
	exec    executor.Doer
	clients practice.ClientRepository
	logs    synclog.Repository
	opts    Options
	logger  zerolog.Logger
}

func NewService(exec executor.Doer, clients practice.ClientRepository, logs synclog.Repository, opts Options, logger zerolog.Logger) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		exec:    exec,
		clients: clients,
		logs:    logs,
		opts:    opts,
		logger:  logger.With().Str("component", "patientsync").Logger(),
	}
}

// Lookup searches the vendor roster.
func (s *Service) Lookup(ctx context.Context, q LookupQuery) LookupResult {
	payload := map[string]any{}
	switch {
	case q.VendorID != "":
		payload["@patientid"] = q.VendorID
	case q.LastName != "" && q.FirstName != "":
		payload["@lastname"] = q.LastName
		payload["@firstname"] = q.FirstName
		if q.DateOfBirth != nil {
			payload["@dob"] = amd.FormatDate(*q.DateOfBirth)
		}
	default:
		return LookupResult{Error: "vendor_id or first_name and last_name are required"}
	}

	res := s.exec.Execute(ctx, executor.NewRequest(EndpointLookup, payload))
	if !res.Success {
		return LookupResult{Error: res.Message()}
	}
	return parseLookup(res.Data)
}

func parseLookup(d amd.Doc) LookupResult {
	nodes := d.List("patient")
	if len(nodes) == 0 {
		nodes = d.Get("patients").List("patient")
	}
	switch len(nodes) {
	case 0:
		return LookupResult{}
	case 1:
		p := FromDoc(nodes[0])
		return LookupResult{Found: true, Patient: &p}
	}
	out := LookupResult{Found: true, Multiple: true}
	for _, n := range nodes {
		out.Matches = append(out.Matches, FromDoc(n))
	}
	return out
}

// Create adds the client to the vendor. A client that already has a vendor id
// is rejected without any vendor call.
func (s *Service) Create(ctx context.Context, clientID uuid.UUID, profileID string) Result {
	c, err := s.clients.GetByID(ctx, clientID)
	if err != nil {
		return s.loadFailure(clientID, err)
	}
	if c.IsLinked() {
		return Result{ClientID: clientID, VendorID: c.VendorIDValue(), Error: fmt.Sprintf("client already synced to vendor patient %s", c.VendorIDValue())}
	}
	return s.create(ctx, c, profileID)
}

func (s *Service) create(ctx context.Context, c *practice.Client, profileID string) Result {
	if profileID == "" {
		profileID = s.opts.ProfileID
	}
	if profileID == "" {
		return Result{ClientID: c.ID, Error: "profile id is required to create a vendor patient"}
	}
	node := ToDemographic(c, s.opts.Mapping)
	node["@profileid"] = profileID

	s.markPending(ctx, c)
	req := executor.NewRequest(EndpointAdd, map[string]any{"patient": node})
	req.SyncLog = s.spec(ctx, c.ID)
	res := s.exec.Execute(ctx, req)
	if !res.Success {
		return s.fail(ctx, c, res.SyncLogID, res.Message())
	}

	vendorID := FromDoc(res.Data.Get("patient")).VendorID
	if vendorID == "" {
		return s.fail(ctx, c, res.SyncLogID, "create patient response missing patient id")
	}
	return s.succeed(ctx, c, res.SyncLogID, vendorID, "created")
}

// Update pushes local demographics to the linked vendor patient.
func (s *Service) Update(ctx context.Context, clientID uuid.UUID) Result {
	c, err := s.clients.GetByID(ctx, clientID)
	if err != nil {
		return s.loadFailure(clientID, err)
	}
	if !c.IsLinked() {
		return Result{ClientID: clientID, Error: "client not synced to vendor yet"}
	}
	return s.update(ctx, c)
}

func (s *Service) update(ctx context.Context, c *practice.Client) Result {
	node := ToDemographic(c, s.opts.Mapping)
	node["@patientid"] = c.VendorIDValue()

	s.markPending(ctx, c)
	// Patient updates share the demographic quota.
	req := executor.NewRequest(EndpointDemographic, map[string]any{"patient": node})
	req.Action = actionUpdate
	req.SyncLog = s.spec(ctx, c.ID)
	res := s.exec.Execute(ctx, req)
	if !res.Success {
		return s.fail(ctx, c, res.SyncLogID, res.Message())
	}
	return s.succeed(ctx, c, res.SyncLogID, c.VendorIDValue(), "updated")
}

// Sync updates a linked client. An unlinked client is first matched against
// the vendor roster by name and birth date: a single match is linked and
// updated, several matches need a manual decision, none creates the patient.
func (s *Service) Sync(ctx context.Context, clientID uuid.UUID) Result {
	c, err := s.clients.GetByID(ctx, clientID)
	if err != nil {
		return s.loadFailure(clientID, err)
	}
	if c.IsLinked() {
		return s.update(ctx, c)
	}

	found := s.Lookup(ctx, LookupQuery{LastName: c.LastName, FirstName: c.FirstName, DateOfBirth: c.DateOfBirth})
	switch {
	case found.Error != "":
		return s.fail(ctx, c, uuid.Nil, "lookup before create failed: "+found.Error)
	case found.Multiple:
		return s.fail(ctx, c, uuid.Nil, fmt.Sprintf("%d vendor patients match; link manually", len(found.Matches)))
	case found.Found && found.Patient.VendorID != "":
		vid := found.Patient.VendorID
		c.VendorID = &vid
		s.logger.Info().Str("client_id", c.ID.String()).Str("vendor_id", vid).Msg("linked client to existing vendor patient")
		return s.update(ctx, c)
	}
	return s.create(ctx, c, "")
}

// PullFromVendor overwrites local demographics with the vendor copy.
func (s *Service) PullFromVendor(ctx context.Context, clientID uuid.UUID) Result {
	c, err := s.clients.GetByID(ctx, clientID)
	if err != nil {
		return s.loadFailure(clientID, err)
	}
	if !c.IsLinked() {
		return Result{ClientID: clientID, Error: "client not synced to vendor yet"}
	}

	req := executor.NewRequest(EndpointDemographic, map[string]any{"@patientid": c.VendorIDValue()})
	spec := s.spec(ctx, c.ID)
	spec.Direction = synclog.FromVendor
	req.SyncLog = spec
	res := s.exec.Execute(ctx, req)
	if !res.Success {
		return s.fail(ctx, c, res.SyncLogID, res.Message())
	}

	node := res.Data.Get("patient")
	if node == nil {
		return s.fail(ctx, c, res.SyncLogID, fmt.Sprintf("patient %s not found in vendor", c.VendorIDValue()))
	}
	FromDoc(node).ApplyTo(c)
	if err := s.clients.Update(ctx, c); err != nil {
		return Result{ClientID: clientID, Error: fmt.Sprintf("patientsync: save client: %v", err), SyncLogID: res.SyncLogID}
	}
	return s.succeed(ctx, c, res.SyncLogID, c.VendorIDValue(), "pulled")
}

// UpdatedSince lists vendor patients changed after since.
func (s *Service) UpdatedSince(ctx context.Context, since time.Time) UpdatedResult {
	res := s.exec.Execute(ctx, executor.NewRequest(EndpointUpdated, map[string]any{"@datechanged": amd.MsgTime(since)}))
	if !res.Success {
		return UpdatedResult{Error: res.Message()}
	}
	out := UpdatedResult{Success: true, Patients: []VendorPatient{}}
	for _, n := range res.Data.Get("patients").List("patient") {
		out.Patients = append(out.Patients, FromDoc(n))
	}
	return out
}

func (s *Service) spec(ctx context.Context, clientID uuid.UUID) *synclog.Spec {
	return &synclog.Spec{
		SyncType:    synclog.TypePatient,
		EntityID:    clientID,
		EntityType:  entityType,
		Direction:   synclog.ToVendor,
		TriggeredBy: synclog.Actor(ctx),
	}
}

func (s *Service) markPending(ctx context.Context, c *practice.Client) {
	c.MarkPending()
	if err := s.clients.UpdateSync(ctx, c.ID, c.SyncFields); err != nil {
		s.logger.Warn().Err(err).Str("client_id", c.ID.String()).Msg("mark pending failed")
	}
}

func (s *Service) succeed(ctx context.Context, c *practice.Client, logID uuid.UUID, vendorID, action string) Result {
	c.MarkSynced(vendorID, s.opts.Now())
	if err := s.clients.UpdateSync(ctx, c.ID, c.SyncFields); err != nil {
		return Result{ClientID: c.ID, VendorID: vendorID, Error: fmt.Sprintf("patientsync: save sync state: %v", err), SyncLogID: logID}
	}
	if logID != uuid.Nil && s.logs != nil {
		if err := s.logs.AttachVendorID(ctx, logID, vendorID); err != nil {
			s.logger.Warn().Err(err).Str("sync_log_id", logID.String()).Msg("attach vendor id failed")
		}
	}
	s.logger.Info().Str("client_id", c.ID.String()).Str("vendor_id", vendorID).Str("action", action).Msg("patient synced")
	return Result{Success: true, ClientID: c.ID, VendorID: vendorID, Action: action, SyncLogID: logID}
}

func (s *Service) fail(ctx context.Context, c *practice.Client, logID uuid.UUID, msg string) Result {
	c.MarkError(msg)
	if err := s.clients.UpdateSync(ctx, c.ID, c.SyncFields); err != nil {
		s.logger.Warn().Err(err).Str("client_id", c.ID.String()).Msg("record sync error failed")
	}
	s.logger.Error().Str("client_id", c.ID.String()).Str("error", msg).Msg("patient sync failed")
	return Result{ClientID: c.ID, VendorID: c.VendorIDValue(), Error: msg, SyncLogID: logID}
}

func (s *Service) loadFailure(clientID uuid.UUID, err error) Result {
	if errors.Is(err, practice.ErrNotFound) {
		return Result{ClientID: clientID, Error: "client not found: " + clientID.String()}
	}
	return Result{ClientID: clientID, Error: fmt.Sprintf("patientsync: load client: %v", err)}
}

// IsNotFound reports whether a Result failed because the client is unknown.
func (r Result) IsNotFound() bool {
	return !r.Success && strings.HasPrefix(r.Error, "client not found")
}
