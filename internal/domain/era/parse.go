package era

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehr/amdsync/internal/amd"
)

// Mapping names the CSV header that carries each record field. Empty entries
// are not read.
type Mapping struct {
	CheckNumber           string `yaml:"check_number"`
	EFTNumber             string `yaml:"eft_number"`
	PaymentDate           string `yaml:"payment_date"`
	PaymentAmount         string `yaml:"payment_amount"`
	PayerName             string `yaml:"payer_name"`
	PayerID               string `yaml:"payer_id"`
	PatientAccountNumber  string `yaml:"patient_account_number"`
	PatientName           string `yaml:"patient_name"`
	ClaimNumber           string `yaml:"claim_number"`
	ServiceDate           string `yaml:"service_date"`
	CPTCode               string `yaml:"cpt_code"`
	BilledAmount          string `yaml:"billed_amount"`
	AllowedAmount         string `yaml:"allowed_amount"`
	PaidAmount            string `yaml:"paid_amount"`
	AdjustmentAmount      string `yaml:"adjustment_amount"`
	AdjustmentReasonCode  string `yaml:"adjustment_reason_code"`
	PatientResponsibility string `yaml:"patient_responsibility"`
	RemarkCode            string `yaml:"remark_code"`
}

// DefaultMapping matches the column headers of the vendor's payment export.
var DefaultMapping = Mapping{
	CheckNumber:           "Check Number",
	EFTNumber:             "EFT Number",
	PaymentDate:           "Payment Date",
	PaymentAmount:         "Payment Amount",
	PayerName:             "Payer Name",
	PayerID:               "Payer ID",
	PatientAccountNumber:  "Patient Account",
	PatientName:           "Patient Name",
	ClaimNumber:           "Claim Number",
	ServiceDate:           "Service Date",
	CPTCode:               "CPT",
	BilledAmount:          "Billed Amount",
	AllowedAmount:         "Allowed Amount",
	PaidAmount:            "Paid Amount",
	AdjustmentAmount:      "Adjustment Amount",
	AdjustmentReasonCode:  "Adjustment Reason",
	PatientResponsibility: "Patient Responsibility",
	RemarkCode:            "Remark Code",
}

// Profiles are named CSV mappings, loaded from YAML of the form
//
//	profiles:
//	  clearinghouse:
//	    paid_amount: Amount Paid
//	    ...
type Profiles map[string]Mapping

// LoadProfiles reads a YAML profile document. The built-in "default"
// profile is always present unless the document overrides it.
func LoadProfiles(r io.Reader) (Profiles, error) {
	var doc struct {
		Profiles map[string]Mapping `yaml:"profiles"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("era: decode profiles: %w", err)
	}
	out := Profiles{"default": DefaultMapping}
	for name, m := range doc.Profiles {
		out[strings.ToLower(name)] = m
	}
	return out, nil
}

// LoadProfilesFile is LoadProfiles on a file. An empty path yields only the
// default profile.
func LoadProfilesFile(path string) (Profiles, error) {
	if path == "" {
		return Profiles{"default": DefaultMapping}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("era: open profiles: %w", err)
	}
	defer f.Close()
	return LoadProfiles(f)
}

// Get returns the named profile, falling back to default for "".
func (p Profiles) Get(name string) (Mapping, error) {
	if name == "" {
		name = "default"
	}
	m, ok := p[strings.ToLower(name)]
	if !ok {
		return Mapping{}, fmt.Errorf("unknown CSV profile %q", name)
	}
	return m, nil
}

// ParseCSV reads a payment export with a header row. Rows whose column count
// does not match the header are skipped, as are rows with neither a payment
// nor an adjustment.
func ParseCSV(r io.Reader, m Mapping) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("era: read csv header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF")))] = i
	}

	var out []Record
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("era: read csv: %w", err)
		}
		if len(row) != len(header) {
			continue
		}
		col := func(name string) string {
			if name == "" {
				return ""
			}
			if i, ok := index[strings.ToLower(name)]; ok {
				return strings.TrimSpace(row[i])
			}
			return ""
		}
		rec := Record{
			CheckNumber:           col(m.CheckNumber),
			EFTNumber:             col(m.EFTNumber),
			PaymentDate:           date(col(m.PaymentDate)),
			PaymentAmount:         money(col(m.PaymentAmount)),
			PayerName:             col(m.PayerName),
			PayerID:               col(m.PayerID),
			PatientAccountNumber:  col(m.PatientAccountNumber),
			PatientName:           col(m.PatientName),
			ClaimNumber:           col(m.ClaimNumber),
			ServiceDate:           date(col(m.ServiceDate)),
			CPTCode:               col(m.CPTCode),
			BilledAmount:          money(col(m.BilledAmount)),
			AllowedAmount:         money(col(m.AllowedAmount)),
			PaidAmount:            money(col(m.PaidAmount)),
			AdjustmentAmount:      money(col(m.AdjustmentAmount)),
			PatientResponsibility: money(col(m.PatientResponsibility)),
			RemarkCode:            col(m.RemarkCode),
		}
		if rec.PayerName == "" {
			rec.PayerName = "Unknown"
		}
		if code := col(m.AdjustmentReasonCode); code != "" {
			rec.AdjustmentCodes = []string{code}
		}
		if rec.PaidAmount > 0 || rec.AdjustmentAmount != 0 {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Parse835 extracts one record per CLP (claim payment) loop from an X12 835
// document. It reads only the segments needed for matching and posting:
// BPR, TRN, N1*PR, CLP, NM1*QC, SVC, CAS and DTM (232 and 472).
func Parse835(r io.Reader) ([]Record, error) {
	content, err := io.ReadAll(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("era: read 835: %w", err)
	}

	var (
		out    []Record
		header Record
		cur    *Record
	)
	flush := func() {
		if cur != nil && (cur.PaidAmount != 0 || cur.AdjustmentAmount != 0) {
			out = append(out, *cur)
		}
		cur = nil
	}

	for _, seg := range strings.Split(string(content), "~") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		el := strings.Split(seg, "*")
		at := func(i int) string {
			if i < len(el) {
				return strings.TrimSpace(el[i])
			}
			return ""
		}

		switch el[0] {
		case "BPR":
			flush()
			header = Record{PaymentAmount: money(at(2)), PaymentDate: date(at(16))}
		case "TRN":
			header.CheckNumber = at(2)
		case "N1":
			if at(1) == "PR" {
				header.PayerName = at(2)
				if at(3) == "XV" || at(3) == "PI" {
					header.PayerID = at(4)
				}
			}
		case "CLP":
			flush()
			rec := header
			rec.ClaimNumber = at(1)
			rec.BilledAmount = money(at(3))
			rec.PaidAmount = money(at(4))
			rec.PatientResponsibility = money(at(5))
			cur = &rec
		case "NM1":
			if cur != nil && at(1) == "QC" {
				cur.PatientName = strings.TrimSpace(at(3) + ", " + at(4))
				cur.PatientName = strings.TrimSuffix(cur.PatientName, ",")
			}
		case "SVC":
			if cur != nil && cur.CPTCode == "" {
				if parts := strings.Split(at(1), ":"); len(parts) > 1 {
					cur.CPTCode = parts[1]
				}
			}
		case "CAS":
			if cur == nil {
				continue
			}
			// CAS carries up to six reason/amount/quantity triples.
			for i := 2; i+1 < len(el); i += 3 {
				if at(i) == "" {
					continue
				}
				cur.AdjustmentAmount += money(at(i + 1))
				cur.AdjustmentCodes = append(cur.AdjustmentCodes, at(1)+"-"+at(i))
			}
		case "DTM":
			if cur != nil && (at(1) == "232" || at(1) == "472") && cur.ServiceDate.IsZero() {
				cur.ServiceDate = date(at(2))
			}
		case "SE":
			flush()
		}
	}
	flush()

	for i := range out {
		out[i].AdjustmentAmount = amd.RoundCents(out[i].AdjustmentAmount)
	}
	return out, nil
}

func money(s string) float64 {
	s = strings.NewReplacer("$", "", ",", "").Replace(strings.TrimSpace(s))
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func date(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := amd.ParseDate(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Formats accepted by Parse.
const (
	FormatCSV = "csv"
	Format835 = "835"
)

// Parse reads data as the given format. An empty format is detected from
// the content: X12 interchanges open with an ISA or ST segment.
func Parse(data []byte, format string, m Mapping) ([]Record, error) {
	if format == "" {
		format = FormatCSV
		head := strings.TrimSpace(string(data[:min(len(data), 16)]))
		if strings.HasPrefix(head, "ISA*") || strings.HasPrefix(head, "ST*") {
			format = Format835
		}
	}
	switch strings.ToLower(format) {
	case FormatCSV:
		return ParseCSV(bytes.NewReader(data), m)
	case Format835, "x12":
		return Parse835(bytes.NewReader(data))
	}
	return nil, fmt.Errorf("unsupported remittance format %q", format)
}
