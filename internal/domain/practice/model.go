// Package practice holds the local practice-management records the vendor
// sync reads and writes: clients, insurance, appointments, charges, claims and
// payments. Each synced record carries a SyncFields mirror of its vendor
// counterpart.
package practice

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

type SyncStatus string

const (
	SyncUnsynced SyncStatus = "unsynced"
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
	SyncError    SyncStatus = "error"
)

// SyncFields mirror the state of the vendor copy of a record.
type SyncFields struct {
	VendorID     *string    `json:"vendor_id,omitempty"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	SyncStatus   SyncStatus `json:"sync_status"`
	SyncError    *string    `json:"sync_error,omitempty"`
}

// IsLinked reports whether the record has a vendor id.
func (s *SyncFields) IsLinked() bool { return s.VendorID != nil && *s.VendorID != "" }

// VendorIDValue returns the vendor id or "".
func (s *SyncFields) VendorIDValue() string {
	if s.VendorID == nil {
		return ""
	}
	return *s.VendorID
}

func (s *SyncFields) MarkSynced(vendorID string, now time.Time) {
	if vendorID != "" {
		s.VendorID = &vendorID
	}
	s.LastSyncedAt = &now
	s.SyncStatus = SyncSynced
	s.SyncError = nil
}

func (s *SyncFields) MarkError(msg string) {
	s.SyncStatus = SyncError
	s.SyncError = &msg
}

func (s *SyncFields) MarkPending() {
	s.SyncStatus = SyncPending
	s.SyncError = nil
}

type Client struct {
	ID                uuid.UUID  `json:"id"`
	FirstName         string     `json:"first_name"`
	LastName          string     `json:"last_name"`
	MiddleName        *string    `json:"middle_name,omitempty"`
	DateOfBirth       *time.Time `json:"date_of_birth,omitempty"`
	Gender            *string    `json:"gender,omitempty"`
	SSN               *string    `json:"-"`
	Email             *string    `json:"email,omitempty"`
	HomePhone         *string    `json:"home_phone,omitempty"`
	CellPhone         *string    `json:"cell_phone,omitempty"`
	WorkPhone         *string    `json:"work_phone,omitempty"`
	Address1          *string    `json:"address1,omitempty"`
	Address2          *string    `json:"address2,omitempty"`
	City              *string    `json:"city,omitempty"`
	State             *string    `json:"state,omitempty"`
	ZipCode           *string    `json:"zip_code,omitempty"`
	MaritalStatus     *string    `json:"marital_status,omitempty"`
	Race              *string    `json:"race,omitempty"`
	Ethnicity         *string    `json:"ethnicity,omitempty"`
	PreferredLanguage *string    `json:"preferred_language,omitempty"`
	SyncFields
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FullName is "First Last".
func (c *Client) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

type ClientInsurance struct {
	ID                     uuid.UUID  `json:"id"`
	ClientID               uuid.UUID  `json:"client_id"`
	Rank                   string     `json:"rank"`
	PayerName              string     `json:"payer_name"`
	CarrierCode            *string    `json:"carrier_code,omitempty"`
	MemberID               string     `json:"member_id"`
	GroupNumber            *string    `json:"group_number,omitempty"`
	SubscriberName         *string    `json:"subscriber_name,omitempty"`
	SubscriberRelationship *string    `json:"subscriber_relationship,omitempty"`
	EffectiveDate          *time.Time `json:"effective_date,omitempty"`
	TerminationDate        *time.Time `json:"termination_date,omitempty"`
	IsActive               bool       `json:"is_active"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Appointment statuses.
const (
	ApptRequested   = "REQUESTED"
	ApptScheduled   = "SCHEDULED"
	ApptConfirmed   = "CONFIRMED"
	ApptCheckedIn   = "CHECKED_IN"
	ApptInSession   = "IN_SESSION"
	ApptCompleted   = "COMPLETED"
	ApptCancelled   = "CANCELLED"
	ApptNoShow      = "NO_SHOW"
	ApptRescheduled = "RESCHEDULED"
)

type Appointment struct {
	ID               uuid.UUID  `json:"id"`
	ClientID         uuid.UUID  `json:"client_id"`
	ProviderVendorID *string    `json:"provider_vendor_id,omitempty"`
	FacilityVendorID *string    `json:"facility_vendor_id,omitempty"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          time.Time  `json:"end_time"`
	AppointmentType  *string    `json:"appointment_type,omitempty"`
	ServiceLocation  *string    `json:"service_location,omitempty"`
	Status           string     `json:"status"`
	Notes            *string    `json:"notes,omitempty"`
	CancelReason     *string    `json:"cancel_reason,omitempty"`
	CheckedInAt      *time.Time `json:"checked_in_at,omitempty"`
	CheckedOutAt     *time.Time `json:"checked_out_at,omitempty"`
	SyncFields
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DurationMinutes is EndTime-StartTime in whole minutes.
func (a *Appointment) DurationMinutes() int {
	return int(a.EndTime.Sub(a.StartTime) / time.Minute)
}

// Charge statuses.
const (
	ChargePending   = "pending"
	ChargeSubmitted = "submitted"
	ChargeBilled    = "billed"
	ChargePartial   = "partial_paid"
	ChargePaid      = "paid"
	ChargeDenied    = "denied"
	ChargeVoid      = "void"
)

type Charge struct {
	ID                  uuid.UUID  `json:"id"`
	ClientID            uuid.UUID  `json:"client_id"`
	AppointmentID       *uuid.UUID `json:"appointment_id,omitempty"`
	ClaimID             *uuid.UUID `json:"claim_id,omitempty"`
	ServiceDate         time.Time  `json:"service_date"`
	CPTCode             string     `json:"cpt_code"`
	Modifiers           []string   `json:"modifiers,omitempty"`
	DiagnosisCodes      []string   `json:"diagnosis_codes"`
	Units               int        `json:"units"`
	Amount              float64    `json:"amount"`
	PlaceOfService      *string    `json:"place_of_service,omitempty"`
	RenderingProvider   *string    `json:"rendering_provider,omitempty"`
	SupervisingProvider *string    `json:"supervising_provider,omitempty"`
	Status              string     `json:"status"`
	PaidAmount          float64    `json:"paid_amount"`
	// Cumulative across every posted remittance.
	AdjustmentAmount      float64 `json:"adjustment_amount"`
	PatientResponsibility float64 `json:"patient_responsibility"`
	SyncFields
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Balance is what remains of the billed amount after payer payments,
// contractual adjustments and patient responsibility.
func (c *Charge) Balance() float64 {
	return c.Amount - c.PaidAmount - c.AdjustmentAmount - c.PatientResponsibility
}

// Claim statuses.
const (
	ClaimDraft       = "draft"
	ClaimSubmitted   = "submitted"
	ClaimAccepted    = "accepted"
	ClaimRejected    = "rejected"
	ClaimInProcess   = "in_process"
	ClaimPaid        = "paid"
	ClaimDenied      = "denied"
	ClaimPartialPaid = "partial_paid"
)

type Claim struct {
	ID                    uuid.UUID   `json:"id"`
	ClaimNumber           string      `json:"claim_number"`
	ClientID              uuid.UUID   `json:"client_id"`
	InsuranceID           *uuid.UUID  `json:"insurance_id,omitempty"`
	Status                string      `json:"status"`
	ServiceStartDate      time.Time   `json:"service_start_date"`
	ServiceEndDate        time.Time   `json:"service_end_date"`
	TotalAmount           float64     `json:"total_amount"`
	PaidAmount            float64     `json:"paid_amount"`
	AdjustmentAmount      float64     `json:"adjustment_amount"`
	PatientResponsibility float64     `json:"patient_responsibility"`
	DiagnosisCodes        []string    `json:"diagnosis_codes"`
	ChargeIDs             []uuid.UUID `json:"charge_ids"`
	SubmittedAt           *time.Time  `json:"submitted_at,omitempty"`
	AdjudicatedAt         *time.Time  `json:"adjudicated_at,omitempty"`
	DenialReason          *string     `json:"denial_reason,omitempty"`
	ResubmissionCount     int         `json:"resubmission_count"`
	CorrectionNotes       *string     `json:"correction_notes,omitempty"`
	SyncFields
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Payment sources.
const (
	PaymentSourceERA    = "era"
	PaymentSourceManual = "manual"
)

type Payment struct {
	ID                    uuid.UUID  `json:"id"`
	ClaimID               *uuid.UUID `json:"claim_id,omitempty"`
	ChargeID              *uuid.UUID `json:"charge_id,omitempty"`
	ClientID              *uuid.UUID `json:"client_id,omitempty"`
	Amount                float64    `json:"amount"`
	AdjustmentAmount      float64    `json:"adjustment_amount"`
	PatientResponsibility float64    `json:"patient_responsibility"`
	PaymentDate           time.Time  `json:"payment_date"`
	CheckNumber           *string    `json:"check_number,omitempty"`
	PayerName             *string    `json:"payer_name,omitempty"`
	Source                string     `json:"source"`
	VendorPaymentID       *string    `json:"vendor_payment_id,omitempty"`
	PendingPaymentID      *uuid.UUID `json:"pending_payment_id,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

// Pending payment match statuses.
const (
	MatchUnmatched    = "unmatched"
	MatchMatched      = "matched"
	MatchManualReview = "manual_review"
	MatchPosted       = "posted"
)

// PendingPayment is an imported remittance line awaiting a match and posting.
type PendingPayment struct {
	ID                    uuid.UUID  `json:"id"`
	ImportBatchID         uuid.UUID  `json:"import_batch_id"`
	ClaimNumber           *string    `json:"claim_number,omitempty"`
	PatientName           *string    `json:"patient_name,omitempty"`
	PatientVendorID       *string    `json:"patient_vendor_id,omitempty"`
	ServiceDate           *time.Time `json:"service_date,omitempty"`
	CPTCode               *string    `json:"cpt_code,omitempty"`
	BilledAmount          float64    `json:"billed_amount"`
	PaidAmount            float64    `json:"paid_amount"`
	AdjustmentAmount      float64    `json:"adjustment_amount"`
	PatientResponsibility float64    `json:"patient_responsibility"`
	AdjustmentCodes       []string   `json:"adjustment_codes,omitempty"`
	CheckNumber           *string    `json:"check_number,omitempty"`
	PaymentDate           *time.Time `json:"payment_date,omitempty"`
	PayerName             *string    `json:"payer_name,omitempty"`
	MatchStatus           string     `json:"match_status"`
	MatchedClaimID        *uuid.UUID `json:"matched_claim_id,omitempty"`
	MatchedChargeID       *uuid.UUID `json:"matched_charge_id,omitempty"`
	MatchConfidence       int        `json:"match_confidence"`
	MatchMethod           *string    `json:"match_method,omitempty"`
	PaymentID             *uuid.UUID `json:"payment_id,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// SyncCounts is the number of records per sync status for one entity type.
type SyncCounts map[SyncStatus]int

// Str returns a pointer to s, or nil when s is empty.
func Str(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns *p or "".
func Deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
