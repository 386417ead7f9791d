package synclog

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNew_Pending(t *testing.T) {
	now := time.Date(2024, 5, 7, 10, 0, 0, 0, time.UTC)
	id := uuid.New()
	e := New(Spec{SyncType: TypePatient, EntityID: id, EntityType: "Client", TriggeredBy: "u1"},
		"ADDPATIENT", map[string]string{"@name": "Doe,Jane"}, now)

	if e.Status != StatusPending {
		t.Errorf("expected pending, got %s", e.Status)
	}
	if e.Direction != ToVendor {
		t.Errorf("expected default direction to_vendor, got %s", e.Direction)
	}
	if e.TriggeredBy == nil || *e.TriggeredBy != "u1" {
		t.Errorf("expected triggered_by u1, got %v", e.TriggeredBy)
	}
	var req map[string]string
	if err := json.Unmarshal(e.RequestData, &req); err != nil {
		t.Fatalf("request data: %v", err)
	}
	if req["@name"] != "Doe,Jane" {
		t.Errorf("unexpected request data %s", e.RequestData)
	}
}

func TestEntry_SucceedOnce(t *testing.T) {
	start := time.Date(2024, 5, 7, 10, 0, 0, 0, time.UTC)
	e := New(Spec{SyncType: TypeCharge}, "SAVECHARGES", nil, start)

	if err := e.Succeed(start.Add(250*time.Millisecond), json.RawMessage(`{"ok":true}`), "V1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Status != StatusSuccess {
		t.Errorf("expected success, got %s", e.Status)
	}
	if e.DurationMs == nil || *e.DurationMs != 250 {
		t.Errorf("expected 250ms, got %v", e.DurationMs)
	}
	if e.VendorID == nil || *e.VendorID != "V1" {
		t.Errorf("expected vendor id V1, got %v", e.VendorID)
	}

	if err := e.Fail(start.Add(time.Second), nil, "late"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if e.Status != StatusSuccess {
		t.Errorf("terminal status must not change, got %s", e.Status)
	}
}

func TestEntry_Fail(t *testing.T) {
	start := time.Now()
	e := New(Spec{SyncType: TypeClaim}, "SUBMITCLAIM", nil, start)
	if err := e.Fail(start, []byte("not json"), "boom"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.ErrorMessage == nil || *e.ErrorMessage != "boom" {
		t.Errorf("expected error message, got %v", e.ErrorMessage)
	}
	if string(e.ResponseData) != `"not json"` {
		t.Errorf("non-JSON bytes should be stored as a JSON string, got %s", e.ResponseData)
	}
}

func TestFilter_Where(t *testing.T) {
	since := time.Now()
	where, args := Filter{SyncType: TypeCharge, Status: StatusError, Since: &since}.where()
	want := " WHERE sync_type = $1 AND status = $2 AND started_at >= $3"
	if where != want {
		t.Errorf("expected %q, got %q", want, where)
	}
	if len(args) != 3 {
		t.Errorf("expected 3 args, got %d", len(args))
	}

	where, args = Filter{}.where()
	if where != "" || args != nil {
		t.Errorf("empty filter should produce no clause, got %q %v", where, args)
	}
}
