package claims

import (
	"strings"

	"github.com/ehr/amdsync/internal/domain/practice"
)

// transitions is the claim lifecycle. Resubmission moves rejected and denied
// claims back to draft.
var transitions = map[string][]string{
	practice.ClaimDraft:       {practice.ClaimSubmitted},
	practice.ClaimSubmitted:   {practice.ClaimAccepted, practice.ClaimRejected, practice.ClaimInProcess, practice.ClaimPaid, practice.ClaimDenied, practice.ClaimPartialPaid},
	practice.ClaimAccepted:    {practice.ClaimInProcess, practice.ClaimPaid, practice.ClaimDenied, practice.ClaimPartialPaid},
	practice.ClaimRejected:    {practice.ClaimDraft, practice.ClaimSubmitted},
	practice.ClaimInProcess:   {practice.ClaimPaid, practice.ClaimDenied, practice.ClaimPartialPaid},
	practice.ClaimDenied:      {practice.ClaimDraft},
	practice.ClaimPartialPaid: {practice.ClaimPaid},
}

// CanTransition reports whether a claim may move from one status to another.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanSubmit reports whether a claim in status may be sent to the vendor.
func CanSubmit(status string) bool {
	return status == practice.ClaimDraft || status == practice.ClaimRejected
}

// CanResubmit reports whether a claim in status may be corrected and sent
// again.
func CanResubmit(status string) bool {
	return status == practice.ClaimRejected || status == practice.ClaimDenied
}

// Pending lists the statuses that still wait on the payer.
var Pending = []string{practice.ClaimSubmitted, practice.ClaimAccepted, practice.ClaimInProcess}

// StatusFromVendor normalises a vendor claim status. Anything unrecognised is
// treated as still in process.
func StatusFromVendor(s string) string {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_") {
	case "draft", "ready":
		return practice.ClaimDraft
	case "submitted":
		return practice.ClaimSubmitted
	case "accepted":
		return practice.ClaimAccepted
	case "rejected":
		return practice.ClaimRejected
	case "paid":
		return practice.ClaimPaid
	case "denied":
		return practice.ClaimDenied
	case "partial_paid", "partially_paid":
		return practice.ClaimPartialPaid
	}
	return practice.ClaimInProcess
}

func terminal(status string) bool {
	return status == practice.ClaimPaid || status == practice.ClaimDenied || status == practice.ClaimPartialPaid
}
