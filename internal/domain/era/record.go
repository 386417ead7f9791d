// Package era imports remittance (ERA) payments from CSV exports and 835
// files, matches them to local claims and charges, posts them, and
// reconciles posted payments against the vendor's payment detail.
package era

import (
	"errors"
	"time"
)

// Record is one remittance line awaiting import.
type Record struct {
	CheckNumber           string    `json:"check_number,omitempty"`
	EFTNumber             string    `json:"eft_number,omitempty"`
	PaymentDate           time.Time `json:"payment_date"`
	PaymentAmount         float64   `json:"payment_amount"`
	PayerName             string    `json:"payer_name"`
	PayerID               string    `json:"payer_id,omitempty"`
	PatientAccountNumber  string    `json:"patient_account_number,omitempty"`
	PatientName           string    `json:"patient_name,omitempty"`
	ClaimNumber           string    `json:"claim_number,omitempty"`
	ServiceDate           time.Time `json:"service_date,omitempty"`
	CPTCode               string    `json:"cpt_code,omitempty"`
	BilledAmount          float64   `json:"billed_amount"`
	AllowedAmount         float64   `json:"allowed_amount"`
	PaidAmount            float64   `json:"paid_amount"`
	AdjustmentAmount      float64   `json:"adjustment_amount"`
	AdjustmentCodes       []string  `json:"adjustment_codes,omitempty"`
	PatientResponsibility float64   `json:"patient_responsibility"`
	RemarkCode            string    `json:"remark_code,omitempty"`
}

// Validate reports the first missing required field.
func (r Record) Validate() error {
	switch {
	case r.PaymentDate.IsZero():
		return errors.New("missing payment date")
	case r.PayerName == "":
		return errors.New("missing payer name")
	case r.PaidAmount < 0:
		return errors.New("negative paid amount")
	}
	return nil
}

// reference is the check or EFT trace number identifying the remittance.
func (r Record) reference() string {
	if r.CheckNumber != "" {
		return r.CheckNumber
	}
	return r.EFTNumber
}
