package ratelimit

import (
	"math"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"
)

// Tier classifies an endpoint by how expensive it is for the vendor.
type Tier string

const (
	Tier1 Tier = "tier1"
	Tier2 Tier = "tier2"
	Tier3 Tier = "tier3"
)

// Limits are calls per minute.
type Limits struct {
	Peak    int
	OffPeak int
}

// DefaultLimits are the vendor's published quotas.
var DefaultLimits = map[Tier]Limits{
	Tier1: {Peak: 1, OffPeak: 60},
	Tier2: {Peak: 12, OffPeak: 120},
	Tier3: {Peak: 24, OffPeak: 120},
}

var (
	tier1Endpoints = map[string]bool{
		"GETUPDATEDVISITS":   true,
		"GETUPDATEDPATIENTS": true,
	}
	tier2Endpoints = map[string]bool{
		"SAVECHARGES":            true,
		"GETDEMOGRAPHIC":         true,
		"GETDATEVISITS":          true,
		"UPDVISITWITHNEWCHARGES": true,
		"GETTXHISTORY":           true,
		"GETAPPTS":               true,
		"GETPAYMENTDETAILDATA":   true,
	}
	tier3Pattern = regexp.MustCompile(`^LOOKUP`)
)

// Classify returns the tier for endpoint and whether the endpoint is known.
// Unknown endpoints are treated as tier2.
func Classify(endpoint string) (Tier, bool) {
	e := strings.ToUpper(endpoint)
	switch {
	case tier1Endpoints[e]:
		return Tier1, true
	case tier2Endpoints[e]:
		return Tier2, true
	case tier3Pattern.MatchString(e):
		return Tier3, true
	}
	return Tier2, false
}

// PeakWindow is the weekday time range in which the stricter limits apply.
type PeakWindow struct {
	Location  *time.Location
	StartHour int
	EndHour   int
}

// DefaultPeakWindow is 06:00–18:00 Mountain Time, Monday through Friday.
func DefaultPeakWindow() PeakWindow {
	loc, err := time.LoadLocation("America/Denver")
	if err != nil {
		loc = time.FixedZone("MST", -7*60*60)
	}
	return PeakWindow{Location: loc, StartHour: 6, EndHour: 18}
}

// IsPeak reports whether t falls inside the window.
func (w PeakWindow) IsPeak(t time.Time) bool {
	if w.Location != nil {
		t = t.In(w.Location)
	}
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	h := t.Hour()
	return h >= w.StartHour && h < w.EndHour
}

// Backoff is an exponential backoff policy.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	MaxRetries int
}

var DefaultBackoff = Backoff{
	Initial:    time.Second,
	Max:        5 * time.Minute,
	Multiplier: 2,
	MaxRetries: 5,
}

// Delay returns min(Initial * Multiplier^retry, Max).
func (b Backoff) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(retry))
	if d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Next caps the retry counter at MaxRetries.
func (b Backoff) Next(retry int) int {
	if retry+1 > b.MaxRetries {
		return b.MaxRetries
	}
	return retry + 1
}
