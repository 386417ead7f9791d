package appointmentsync

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ehr/amdsync/internal/amd"
	"github.com/ehr/amdsync/internal/domain/practice"
)

const (
	maxComplaintLen = 255
	clockLayout     = "03:04 PM"
	defaultDuration = 60 * time.Minute
)

type MappingOptions struct {
	// IncludeNotes sends appointment notes as the chief complaint.
	IncludeNotes bool `json:"include_notes"`
}

var statusToVendor = map[string]string{
	practice.ApptRequested:   "Scheduled",
	practice.ApptScheduled:   "Scheduled",
	practice.ApptConfirmed:   "Confirmed",
	practice.ApptCheckedIn:   "Checked In",
	practice.ApptInSession:   "In Progress",
	practice.ApptCompleted:   "Completed",
	practice.ApptCancelled:   "Cancelled",
	practice.ApptNoShow:      "No Show",
	practice.ApptRescheduled: "Rescheduled",
}

// StatusToVendor maps a local appointment status to the vendor label.
// Unknown statuses are sent as Scheduled.
func StatusToVendor(status string) string {
	if s, ok := statusToVendor[strings.ToUpper(status)]; ok {
		return s
	}
	return "Scheduled"
}

// StatusFromVendor maps a vendor label back to a local status.
func StatusFromVendor(label string) string {
	for local, vendor := range statusToVendor {
		if local != practice.ApptRequested && strings.EqualFold(vendor, strings.TrimSpace(label)) {
			return local
		}
	}
	return practice.ApptScheduled
}

// Visit is a vendor visit record.
type Visit struct {
	VisitID         string     `json:"visit_id"`
	PatientID       string     `json:"patient_id"`
	AppointmentDate *time.Time `json:"appointment_date,omitempty"`
	AppointmentTime string     `json:"appointment_time,omitempty"`
	Duration        int        `json:"duration,omitempty"`
	ProviderID      string     `json:"provider_id,omitempty"`
	FacilityID      string     `json:"facility_id,omitempty"`
	VisitType       string     `json:"visit_type,omitempty"`
	Status          string     `json:"status,omitempty"`
	ChiefComplaint  string     `json:"chief_complaint,omitempty"`
}

// ToVisit builds the vendor visit node. Times are rendered in loc.
func ToVisit(a *practice.Appointment, patientID, providerID, facilityID string, loc *time.Location, opts MappingOptions) map[string]any {
	start := a.StartTime.In(loc)
	v := map[string]any{
		"patientId":       patientID,
		"appointmentDate": amd.FormatDate(start),
		"appointmentTime": start.Format(clockLayout),
		"providerId":      providerID,
		"status":          StatusToVendor(a.Status),
	}
	if facilityID != "" {
		v["facilityId"] = facilityID
	}
	if t := practice.Deref(a.AppointmentType); t != "" {
		v["visitType"] = t
	}
	if d := a.DurationMinutes(); d > 0 {
		v["duration"] = d
	}
	if opts.IncludeNotes {
		if n := strings.TrimSpace(practice.Deref(a.Notes)); n != "" {
			v["chiefComplaint"] = truncate(n, maxComplaintLen)
		}
	}
	return v
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// FromDoc reads a visit node in either attribute or element spelling.
func FromDoc(d amd.Doc) Visit {
	v := Visit{
		VisitID:         d.Str("visitId", "@visitid", "@id"),
		PatientID:       d.Str("patientId", "@patientid"),
		AppointmentTime: d.Str("appointmentTime", "@appointmenttime", "@time"),
		Duration:        d.Int("duration", "@duration"),
		ProviderID:      d.Str("providerId", "@providerid"),
		FacilityID:      d.Str("facilityId", "@facilityid"),
		VisitType:       d.Str("visitType", "@visittype"),
		Status:          d.Str("status", "@status"),
		ChiefComplaint:  d.Str("chiefComplaint", "@chiefcomplaint"),
	}
	if s := d.Str("appointmentDate", "@appointmentdate", "@date"); s != "" {
		if t, err := amd.ParseDate(s); err == nil {
			v.AppointmentDate = &t
		}
	}
	return v
}

// Start combines the visit date and clock time in loc. A missing or
// unreadable time falls back to 09:00.
func (v Visit) Start(loc *time.Location) (time.Time, bool) {
	if v.AppointmentDate == nil {
		return time.Time{}, false
	}
	h, m := 9, 0
	for _, layout := range []string{clockLayout, "3:04 PM", "15:04", "15:04:05"} {
		if t, err := time.Parse(layout, strings.ToUpper(strings.TrimSpace(v.AppointmentTime))); err == nil {
			h, m = t.Hour(), t.Minute()
			break
		}
	}
	d := *v.AppointmentDate
	return time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, loc), true
}

// ApplyTo copies vendor schedule fields onto a.
func (v Visit) ApplyTo(a *practice.Appointment, loc *time.Location) {
	if start, ok := v.Start(loc); ok {
		dur := time.Duration(v.Duration) * time.Minute
		if dur <= 0 {
			dur = a.EndTime.Sub(a.StartTime)
		}
		if dur <= 0 {
			dur = defaultDuration
		}
		a.StartTime, a.EndTime = start, start.Add(dur)
	}
	if v.Status != "" {
		a.Status = StatusFromVendor(v.Status)
	}
	if v.ProviderID != "" {
		a.ProviderVendorID = practice.Str(v.ProviderID)
	}
	if v.FacilityID != "" {
		a.FacilityVendorID = practice.Str(v.FacilityID)
	}
	if v.VisitType != "" {
		a.AppointmentType = practice.Str(v.VisitType)
	}
}

func parseVisits(d amd.Doc) []Visit {
	nodes := d.List("visit")
	if len(nodes) == 0 {
		nodes = d.Get("visits").List("visit")
	}
	if len(nodes) == 0 {
		nodes = d.List("visits")
	}
	out := make([]Visit, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, FromDoc(n))
	}
	return out
}
