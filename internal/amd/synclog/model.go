// Package synclog records every vendor interaction as an audit entry that is
// opened before the network call and closed exactly once afterwards.
package synclog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type SyncType string

const (
	TypePatient     SyncType = "patient"
	TypeAppointment SyncType = "appointment"
	TypeCharge      SyncType = "charge"
	TypeClaim       SyncType = "claim"
	TypeEligibility SyncType = "eligibility"
	TypePayment     SyncType = "payment"
	TypeLookup      SyncType = "lookup"
)

type Direction string

const (
	ToVendor   Direction = "to_vendor"
	FromVendor Direction = "from_vendor"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ErrClosed is returned when an entry that already reached a terminal status
// is closed again.
var ErrClosed = errors.New("sync log entry already closed")

// ErrNotFound is returned by GetByID for an unknown entry.
var ErrNotFound = errors.New("sync log entry not found")

// Spec describes the entry a caller wants recorded for a vendor call.
type Spec struct {
	SyncType    SyncType
	EntityID    uuid.UUID
	EntityType  string
	Direction   Direction
	TriggeredBy string
}

type Entry struct {
	ID           uuid.UUID       `json:"id"`
	SyncType     SyncType        `json:"sync_type"`
	EntityID     uuid.UUID       `json:"entity_id"`
	EntityType   string          `json:"entity_type"`
	Direction    Direction       `json:"direction"`
	Status       Status          `json:"status"`
	Endpoint     string          `json:"endpoint,omitempty"`
	RequestData  json.RawMessage `json:"request_data,omitempty"`
	ResponseData json.RawMessage `json:"response_data,omitempty"`
	VendorID     *string         `json:"vendor_id,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	TriggeredBy  *string         `json:"triggered_by,omitempty"`
	RetryCount   int             `json:"retry_count"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	DurationMs   *int64          `json:"duration_ms,omitempty"`
}

// New opens a pending entry for spec.
func New(spec Spec, endpoint string, request any, now time.Time) *Entry {
	e := &Entry{
		ID:         uuid.New(),
		SyncType:   spec.SyncType,
		EntityID:   spec.EntityID,
		EntityType: spec.EntityType,
		Direction:  spec.Direction,
		Status:     StatusPending,
		Endpoint:   endpoint,
		StartedAt:  now,
	}
	if e.Direction == "" {
		e.Direction = ToVendor
	}
	if spec.TriggeredBy != "" {
		tb := spec.TriggeredBy
		e.TriggeredBy = &tb
	}
	e.RequestData = marshal(request)
	return e
}

// Terminal reports whether the entry has left pending.
func (e *Entry) Terminal() bool { return e.Status != StatusPending }

// Succeed closes the entry as success.
func (e *Entry) Succeed(now time.Time, response any, vendorID string) error {
	if err := e.close(StatusSuccess, now, response); err != nil {
		return err
	}
	if vendorID != "" {
		e.VendorID = &vendorID
	}
	return nil
}

// Fail closes the entry as error.
func (e *Entry) Fail(now time.Time, response any, msg string) error {
	if err := e.close(StatusError, now, response); err != nil {
		return err
	}
	e.ErrorMessage = &msg
	return nil
}

func (e *Entry) close(status Status, now time.Time, response any) error {
	if e.Terminal() {
		return ErrClosed
	}
	e.Status = status
	e.CompletedAt = &now
	d := now.Sub(e.StartedAt).Milliseconds()
	e.DurationMs = &d
	e.ResponseData = marshal(response)
	return nil
}

func marshal(v any) json.RawMessage {
	switch t := v.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return t
	case []byte:
		if json.Valid(t) {
			return t
		}
		b, _ := json.Marshal(string(t))
		return b
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	SyncType   SyncType
	Status     Status
	EntityType string
	EntityID   uuid.UUID
	Since      *time.Time
}

// Stat is one sync_type/status bucket.
type Stat struct {
	SyncType      SyncType `json:"sync_type"`
	Status        Status   `json:"status"`
	Count         int      `json:"count"`
	AvgDurationMs float64  `json:"avg_duration_ms"`
}

// Writer is the part of the repository the executor needs.
type Writer interface {
	Create(ctx context.Context, e *Entry) error
	Finish(ctx context.Context, e *Entry) error
}

type Repository interface {
	Writer
	AttachVendorID(ctx context.Context, id uuid.UUID, vendorID string) error
	// AttachResponse replaces the stored response of a closed entry, for
	// callers that keep a normalized result instead of the raw payload.
	AttachResponse(ctx context.Context, id uuid.UUID, response any) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit int) ([]*Entry, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error)
	Stats(ctx context.Context, since time.Time) ([]Stat, error)
}

type actorKey struct{}

// WithActor records who triggered the vendor calls made under ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor returns the value stored by WithActor, or "system".
func Actor(ctx context.Context) string {
	if a, _ := ctx.Value(actorKey{}).(string); a != "" {
		return a
	}
	return "system"
}
