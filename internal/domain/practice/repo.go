package practice

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ClientRepository interface {
	Create(ctx context.Context, c *Client) error
	GetByID(ctx context.Context, id uuid.UUID) (*Client, error)
	GetByVendorID(ctx context.Context, vendorID string) (*Client, error)
	// Update writes the demographic fields, leaving sync fields alone.
	Update(ctx context.Context, c *Client) error
	UpdateSync(ctx context.Context, id uuid.UUID, s SyncFields) error
	SyncCounts(ctx context.Context) (SyncCounts, error)
}

type InsuranceRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*ClientInsurance, error)
	// ListActiveByClient returns active policies, primary first.
	ListActiveByClient(ctx context.Context, clientID uuid.UUID) ([]*ClientInsurance, error)
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetByVendorID(ctx context.Context, vendorID string) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	UpdateSync(ctx context.Context, id uuid.UUID, s SyncFields) error
	ListByDateRange(ctx context.Context, start, end time.Time) ([]*Appointment, error)
	SyncCounts(ctx context.Context) (SyncCounts, error)
}

type ChargeRepository interface {
	Create(ctx context.Context, c *Charge) error
	GetByID(ctx context.Context, id uuid.UUID) (*Charge, error)
	// Update writes status, paid amount, claim link and the billing fields.
	Update(ctx context.Context, c *Charge) error
	UpdateSync(ctx context.Context, id uuid.UUID, s SyncFields) error
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*Charge, error)
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Charge, error)
	// ListByClientAndDate returns non-void charges for the client on the
	// calendar day of serviceDate.
	ListByClientAndDate(ctx context.Context, clientID uuid.UUID, serviceDate time.Time) ([]*Charge, error)
	// ListByServiceDate is ListByClientAndDate across every client.
	ListByServiceDate(ctx context.Context, serviceDate time.Time) ([]*Charge, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
	SyncCounts(ctx context.Context) (SyncCounts, error)
}

type ClaimRepository interface {
	// Create inserts the claim and links its charges to it.
	Create(ctx context.Context, c *Claim) error
	GetByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	GetByNumber(ctx context.Context, number string) (*Claim, error)
	Update(ctx context.Context, c *Claim) error
	UpdateSync(ctx context.Context, id uuid.UUID, s SyncFields) error
	ListByStatus(ctx context.Context, statuses []string, limit int) ([]*Claim, error)
	ListByDateRange(ctx context.Context, start, end time.Time, limit, offset int) ([]*Claim, int, error)
	SyncCounts(ctx context.Context) (SyncCounts, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	ListByDateRange(ctx context.Context, start, end time.Time) ([]*Payment, error)
}

type PendingPaymentRepository interface {
	Create(ctx context.Context, p *PendingPayment) error
	GetByID(ctx context.Context, id uuid.UUID) (*PendingPayment, error)
	Update(ctx context.Context, p *PendingPayment) error
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*PendingPayment, error)
	// ListMatched returns matched, unposted records at or above minConfidence.
	ListMatched(ctx context.Context, minConfidence int) ([]*PendingPayment, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// Repos bundles every repository the sync services need.
type Repos struct {
	Clients         ClientRepository
	Insurance       InsuranceRepository
	Appointments    AppointmentRepository
	Charges         ChargeRepository
	Claims          ClaimRepository
	Payments        PaymentRepository
	PendingPayments PendingPaymentRepository
}
