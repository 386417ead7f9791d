package appointmentsync

import (
	"strings"
	"testing"
	"time"

	"github.com/ehr/amdsync/internal/amd"
	"github.com/ehr/amdsync/internal/domain/practice"
)

func TestStatusToVendor(t *testing.T) {
	tests := map[string]string{
		practice.ApptRequested:   "Scheduled",
		practice.ApptScheduled:   "Scheduled",
		practice.ApptConfirmed:   "Confirmed",
		practice.ApptCheckedIn:   "Checked In",
		practice.ApptInSession:   "In Progress",
		practice.ApptCompleted:   "Completed",
		practice.ApptCancelled:   "Cancelled",
		practice.ApptNoShow:      "No Show",
		practice.ApptRescheduled: "Rescheduled",
		"SOMETHING_ELSE":         "Scheduled",
	}
	for in, want := range tests {
		if got := StatusToVendor(in); got != want {
			t.Errorf("StatusToVendor(%s) = %q, want %q", in, got, want)
		}
	}
}

func TestStatusFromVendor(t *testing.T) {
	tests := map[string]string{
		"Scheduled":   practice.ApptScheduled,
		"checked in":  practice.ApptCheckedIn,
		"In Progress": practice.ApptInSession,
		"No Show":     practice.ApptNoShow,
		"":            practice.ApptScheduled,
		"Bogus":       practice.ApptScheduled,
	}
	for in, want := range tests {
		if got := StatusFromVendor(in); got != want {
			t.Errorf("StatusFromVendor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestToVisit(t *testing.T) {
	denver, _ := time.LoadLocation("America/Denver")
	start := time.Date(2024, 5, 7, 20, 30, 0, 0, time.UTC) // 14:30 MDT
	a := &practice.Appointment{
		StartTime:       start,
		EndTime:         start.Add(50 * time.Minute),
		Status:          practice.ApptConfirmed,
		AppointmentType: practice.Str("THERAPY"),
		Notes:           practice.Str(strings.Repeat("n", 300)),
	}

	v := ToVisit(a, "PT-1", "PR-1", "", denver, MappingOptions{})
	if v["appointmentDate"] != "05/07/2024" || v["appointmentTime"] != "02:30 PM" {
		t.Errorf("unexpected date/time: %v %v", v["appointmentDate"], v["appointmentTime"])
	}
	if v["status"] != "Confirmed" || v["duration"] != 50 || v["visitType"] != "THERAPY" {
		t.Errorf("unexpected visit: %v", v)
	}
	if _, ok := v["facilityId"]; ok {
		t.Error("empty facility must be omitted")
	}
	if _, ok := v["chiefComplaint"]; ok {
		t.Error("notes must not be sent without opting in")
	}

	v = ToVisit(a, "PT-1", "PR-1", "F-1", denver, MappingOptions{IncludeNotes: true})
	if got := v["chiefComplaint"].(string); len(got) != maxComplaintLen {
		t.Errorf("expected notes truncated to %d, got %d", maxComplaintLen, len(got))
	}
}

func TestVisitStart(t *testing.T) {
	v := FromDoc(amd.Doc{"@visitid": "V1", "@appointmentdate": "05/07/2024", "@appointmenttime": "02:30 PM", "@duration": "45"})
	start, ok := v.Start(time.UTC)
	if !ok {
		t.Fatal("expected a start time")
	}
	if want := time.Date(2024, 5, 7, 14, 30, 0, 0, time.UTC); !start.Equal(want) {
		t.Errorf("start = %v, want %v", start, want)
	}

	var a practice.Appointment
	v.ApplyTo(&a, time.UTC)
	if a.DurationMinutes() != 45 {
		t.Errorf("expected 45 minutes, got %d", a.DurationMinutes())
	}

	v.AppointmentTime = "garbage"
	start, _ = v.Start(time.UTC)
	if start.Hour() != 9 {
		t.Errorf("expected 09:00 fallback, got %v", start)
	}
}
