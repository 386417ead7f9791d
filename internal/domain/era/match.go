package era

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/ehr/amdsync/internal/domain/practice"
)

// Match confidences, highest first.
const (
	ConfidenceManual          = 100
	ConfidenceClaimNumber     = 95
	ConfidencePatientDateCPT  = 90
	ConfidencePatientDate     = 80
	ConfidenceBilledAmount    = 75
	ConfidencePatientNameDate = 70

	// AutoPostConfidence is the minimum confidence posted without review.
	AutoPostConfidence = ConfidenceClaimNumber
	// MatchedConfidence is the minimum confidence treated as matched; lower
	// matches go to manual review.
	MatchedConfidence = ConfidencePatientDateCPT
)

// Match methods recorded on the pending payment.
const (
	MethodClaimNumber     = "claim_number"
	MethodPatientDateCPT  = "patient_date_cpt"
	MethodPatientDate     = "patient_date"
	MethodBilledAmount    = "billed_amount"
	MethodPatientNameDate = "patient_name_date"
	MethodManual          = "manual"
)

// Match is the charge (and claim, when known) a remittance line pays.
type Match struct {
	Claim      *practice.Claim
	Charge     *practice.Charge
	Confidence int
	Method     string
}

type matcher struct {
	clients practice.ClientRepository
	charges practice.ChargeRepository
	claims  practice.ClaimRepository
}

// match tries each strategy in order of confidence. A nil match with a nil
// error means nothing local fits the record.
func (m matcher) match(ctx context.Context, r Record) (*Match, error) {
	if r.ClaimNumber != "" {
		found, err := m.byClaimNumber(ctx, r)
		if found != nil || err != nil {
			return found, err
		}
	}
	if r.PatientAccountNumber != "" && !r.ServiceDate.IsZero() {
		found, err := m.byPatientAndDate(ctx, r)
		if found != nil || err != nil {
			return found, err
		}
	}
	if r.PatientName != "" && !r.ServiceDate.IsZero() {
		return m.byNameAndDate(ctx, r)
	}
	return nil, nil
}

func (m matcher) byClaimNumber(ctx context.Context, r Record) (*Match, error) {
	claim, err := m.claims.GetByNumber(ctx, r.ClaimNumber)
	if errors.Is(err, practice.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	charges, err := m.charges.ListByIDs(ctx, claim.ChargeIDs)
	if err != nil {
		return nil, err
	}
	if len(charges) == 0 {
		return nil, nil
	}
	pick := charges[0]
	if r.CPTCode != "" {
		for _, c := range charges {
			if c.CPTCode == r.CPTCode {
				pick = c
				break
			}
		}
	}
	return &Match{Claim: claim, Charge: pick, Confidence: ConfidenceClaimNumber, Method: MethodClaimNumber}, nil
}

func (m matcher) byPatientAndDate(ctx context.Context, r Record) (*Match, error) {
	client, err := m.clients.GetByVendorID(ctx, r.PatientAccountNumber)
	if errors.Is(err, practice.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	charges, err := m.charges.ListByClientAndDate(ctx, client.ID, r.ServiceDate)
	if err != nil {
		return nil, err
	}
	if r.CPTCode != "" {
		charges = filterCPT(charges, r.CPTCode)
	}

	switch {
	case len(charges) == 1:
		if r.CPTCode != "" {
			return m.withClaim(ctx, charges[0], ConfidencePatientDateCPT, MethodPatientDateCPT)
		}
		return m.withClaim(ctx, charges[0], ConfidencePatientDate, MethodPatientDate)
	case len(charges) > 1 && r.BilledAmount > 0:
		for _, c := range charges {
			if math.Abs(c.Amount-r.BilledAmount) < 0.01 {
				return m.withClaim(ctx, c, ConfidenceBilledAmount, MethodBilledAmount)
			}
		}
	}
	return nil, nil
}

func (m matcher) byNameAndDate(ctx context.Context, r Record) (*Match, error) {
	charges, err := m.charges.ListByServiceDate(ctx, r.ServiceDate)
	if err != nil {
		return nil, err
	}
	if r.CPTCode != "" {
		charges = filterCPT(charges, r.CPTCode)
	}
	want := nameTokens(r.PatientName)
	if len(want) == 0 {
		return nil, nil
	}

	names := map[string][]string{}
	var hits []*practice.Charge
	for _, c := range charges {
		key := c.ClientID.String()
		tokens, ok := names[key]
		if !ok {
			client, err := m.clients.GetByID(ctx, c.ClientID)
			if err != nil && !errors.Is(err, practice.ErrNotFound) {
				return nil, err
			}
			if client != nil {
				tokens = nameTokens(client.FirstName + " " + client.LastName)
			}
			names[key] = tokens
		}
		if sameName(want, tokens) {
			hits = append(hits, c)
		}
	}
	if len(hits) != 1 {
		return nil, nil
	}
	return m.withClaim(ctx, hits[0], ConfidencePatientNameDate, MethodPatientNameDate)
}

func (m matcher) withClaim(ctx context.Context, c *practice.Charge, confidence int, method string) (*Match, error) {
	out := &Match{Charge: c, Confidence: confidence, Method: method}
	if c.ClaimID == nil {
		return out, nil
	}
	claim, err := m.claims.GetByID(ctx, *c.ClaimID)
	if err != nil && !errors.Is(err, practice.ErrNotFound) {
		return nil, err
	}
	out.Claim = claim
	return out, nil
}

func filterCPT(charges []*practice.Charge, cpt string) []*practice.Charge {
	var out []*practice.Charge
	for _, c := range charges {
		if c.CPTCode == cpt {
			out = append(out, c)
		}
	}
	return out
}

// nameTokens splits "Last, First" or "First Last" into lower-case words.
func nameTokens(name string) []string {
	return strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r == ',' || r == ' ' || r == '.'
	})
}

// sameName reports whether both names carry the same words in any order.
func sameName(a, b []string) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	seen := map[string]int{}
	for _, t := range a {
		seen[t]++
	}
	for _, t := range b {
		if seen[t] == 0 {
			return false
		}
		seen[t]--
	}
	return true
}
