package amd

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	msgTimeLayout = "01/02/2006 03:04:05 PM"
	dateLayout    = "01/02/2006"
)

var parseLayouts = []string{
	dateLayout,
	msgTimeLayout,
	"2006-01-02",
	time.RFC3339,
	"20060102",
	"1/2/2006",
}

// MsgTime formats the @msgtime attribute.
func MsgTime(t time.Time) string { return t.Format(msgTimeLayout) }

// FormatDate renders a calendar date the way the vendor expects.
func FormatDate(t time.Time) string { return t.Format(dateLayout) }

// ParseDate accepts the vendor format plus the ISO and EDI variants seen in
// payment files.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// FormatAmount renders a currency amount with two decimals.
func FormatAmount(v float64) string { return fmt.Sprintf("%.2f", v) }

// RoundCents rounds to the nearest cent.
func RoundCents(v float64) float64 { return math.Round(v*100) / 100 }

// SameDay reports whether a and b fall on the same calendar date.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
