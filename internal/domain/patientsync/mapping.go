package patientsync

import (
	"strings"
	"time"

	"github.com/ehr/amdsync/internal/amd"
	"github.com/ehr/amdsync/internal/domain/practice"
)

// MappingOptions opt sensitive demographics into outbound payloads.
type MappingOptions struct {
	IncludeSSN   bool `json:"include_ssn"`
	IncludeEmail bool `json:"include_email"`
	IncludePhone bool `json:"include_phone"`
}

// VendorPatient is a patient record as the vendor returns it.
type VendorPatient struct {
	VendorID      string     `json:"vendor_id"`
	FirstName     string     `json:"first_name"`
	LastName      string     `json:"last_name"`
	MiddleName    string     `json:"middle_name,omitempty"`
	DateOfBirth   *time.Time `json:"date_of_birth,omitempty"`
	Gender        string     `json:"gender,omitempty"`
	Email         string     `json:"email,omitempty"`
	HomePhone     string     `json:"home_phone,omitempty"`
	CellPhone     string     `json:"cell_phone,omitempty"`
	WorkPhone     string     `json:"work_phone,omitempty"`
	Address1      string     `json:"address1,omitempty"`
	Address2      string     `json:"address2,omitempty"`
	City          string     `json:"city,omitempty"`
	State         string     `json:"state,omitempty"`
	Zip           string     `json:"zip,omitempty"`
	MaritalStatus string     `json:"marital_status,omitempty"`
	Race          string     `json:"race,omitempty"`
	Ethnicity     string     `json:"ethnicity,omitempty"`
	Language      string     `json:"language,omitempty"`
}

// GenderToVendor maps a local gender to M, F or U.
func GenderToVendor(g *string) string {
	switch strings.ToUpper(strings.TrimSpace(practice.Deref(g))) {
	case "M", "MALE":
		return "M"
	case "F", "FEMALE":
		return "F"
	}
	return "U"
}

// GenderFromVendor is the inverse of GenderToVendor.
func GenderFromVendor(g string) string {
	switch strings.ToUpper(g) {
	case "M":
		return "Male"
	case "F":
		return "Female"
	}
	return "Unknown"
}

// ToDemographic builds the vendor patient node for c. Empty fields are left
// out so an update never blanks a vendor value.
func ToDemographic(c *practice.Client, opts MappingOptions) map[string]any {
	d := map[string]any{
		"lastName":  c.LastName,
		"firstName": c.FirstName,
		"gender":    GenderToVendor(c.Gender),
	}
	if c.DateOfBirth != nil {
		d["dateOfBirth"] = amd.FormatDate(*c.DateOfBirth)
	}
	set := func(key string, v *string) {
		if s := strings.TrimSpace(practice.Deref(v)); s != "" {
			d[key] = s
		}
	}
	set("middleName", c.MiddleName)
	if opts.IncludeSSN {
		set("ssn", c.SSN)
	}
	if opts.IncludeEmail {
		set("email", c.Email)
	}
	if opts.IncludePhone {
		set("homePhone", c.HomePhone)
		set("cellPhone", c.CellPhone)
		set("workPhone", c.WorkPhone)
	}
	set("address1", c.Address1)
	set("address2", c.Address2)
	set("city", c.City)
	set("state", c.State)
	set("zip", c.ZipCode)
	set("maritalStatus", c.MaritalStatus)
	set("race", c.Race)
	set("ethnicity", c.Ethnicity)
	set("language", c.PreferredLanguage)
	return d
}

// FromDoc reads a patient node in either attribute or element spelling.
func FromDoc(d amd.Doc) VendorPatient {
	p := VendorPatient{
		VendorID:      d.Str("@patientid", "patientId", "@id"),
		FirstName:     d.Str("firstName", "@firstname"),
		LastName:      d.Str("lastName", "@lastname"),
		MiddleName:    d.Str("middleName", "@middlename"),
		Gender:        d.Str("gender", "@gender", "@sex"),
		Email:         d.Str("email", "@email"),
		HomePhone:     d.Str("homePhone", "@homephone"),
		CellPhone:     d.Str("cellPhone", "@cellphone"),
		WorkPhone:     d.Str("workPhone", "@workphone"),
		Address1:      d.Str("address1", "@address1"),
		Address2:      d.Str("address2", "@address2"),
		City:          d.Str("city", "@city"),
		State:         d.Str("state", "@state"),
		Zip:           d.Str("zip", "@zip"),
		MaritalStatus: d.Str("maritalStatus", "@maritalstatus"),
		Race:          d.Str("race", "@race"),
		Ethnicity:     d.Str("ethnicity", "@ethnicity"),
		Language:      d.Str("language", "@language"),
	}
	if dob := d.Str("dateOfBirth", "@dob"); dob != "" {
		if t, err := amd.ParseDate(dob); err == nil {
			p.DateOfBirth = &t
		}
	}
	return p
}

// ApplyTo copies vendor demographics onto c. SSN and sync fields are never
// touched.
func (p VendorPatient) ApplyTo(c *practice.Client) {
	if p.FirstName != "" {
		c.FirstName = p.FirstName
	}
	if p.LastName != "" {
		c.LastName = p.LastName
	}
	if p.DateOfBirth != nil {
		c.DateOfBirth = p.DateOfBirth
	}
	g := GenderFromVendor(p.Gender)
	c.Gender = &g
	c.MiddleName = practice.Str(p.MiddleName)
	c.Email = practice.Str(p.Email)
	c.HomePhone = practice.Str(p.HomePhone)
	c.CellPhone = practice.Str(p.CellPhone)
	c.WorkPhone = practice.Str(p.WorkPhone)
	c.Address1 = practice.Str(p.Address1)
	c.Address2 = practice.Str(p.Address2)
	c.City = practice.Str(p.City)
	c.State = practice.Str(p.State)
	c.ZipCode = practice.Str(p.Zip)
	c.MaritalStatus = practice.Str(p.MaritalStatus)
	c.Race = practice.Str(p.Race)
	c.Ethnicity = practice.Str(p.Ethnicity)
	c.PreferredLanguage = practice.Str(p.Language)
}
