package practice

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/amdsync/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type pgBase struct{ pool *pgxpool.Pool }

func (r pgBase) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// NewReposPG builds every practice repository on one pool.
func NewReposPG(pool *pgxpool.Pool) Repos {
	b := pgBase{pool: pool}
	return Repos{
		Clients:         &clientRepoPG{b},
		Insurance:       &insuranceRepoPG{b},
		Appointments:    &appointmentRepoPG{b},
		Charges:         &chargeRepoPG{b},
		Claims:          &claimRepoPG{b},
		Payments:        &paymentRepoPG{b},
		PendingPayments: &pendingPaymentRepoPG{b},
	}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func updateSync(ctx context.Context, q queryable, table string, id uuid.UUID, s SyncFields) error {
	tag, err := q.Exec(ctx, `
		UPDATE `+table+` SET vendor_id = COALESCE($2, vendor_id), last_synced_at = COALESCE($3, last_synced_at),
			sync_status = $4, sync_error = $5, updated_at = NOW()
		WHERE id = $1`,
		id, s.VendorID, s.LastSyncedAt, string(s.SyncStatus), s.SyncError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func syncCounts(ctx context.Context, q queryable, table string) (SyncCounts, error) {
	rows, err := q.Query(ctx, `SELECT sync_status, COUNT(*) FROM `+table+` GROUP BY sync_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := SyncCounts{SyncUnsynced: 0, SyncPending: 0, SyncSynced: 0, SyncError: 0}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[SyncStatus(status)] = n
	}
	return out, rows.Err()
}

func countBy(ctx context.Context, q queryable, sql string) (map[string]int, error) {
	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			k string
			n int
		)
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, rows.Err()
}

const syncCols = `vendor_id, last_synced_at, sync_status, sync_error`

// =========== Client Repository ===========

type clientRepoPG struct{ pgBase }

const clientCols = `id, first_name, last_name, middle_name, date_of_birth, gender, ssn, email,
	home_phone, cell_phone, work_phone, address1, address2, city, state, zip_code,
	marital_status, race, ethnicity, preferred_language, ` + syncCols + `, created_at, updated_at`

func scanClient(row pgx.Row) (*Client, error) {
	var c Client
	var status string
	err := row.Scan(&c.ID, &c.FirstName, &c.LastName, &c.MiddleName, &c.DateOfBirth, &c.Gender, &c.SSN, &c.Email,
		&c.HomePhone, &c.CellPhone, &c.WorkPhone, &c.Address1, &c.Address2, &c.City, &c.State, &c.ZipCode,
		&c.MaritalStatus, &c.Race, &c.Ethnicity, &c.PreferredLanguage,
		&c.VendorID, &c.LastSyncedAt, &status, &c.SyncError, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	c.SyncStatus = SyncStatus(status)
	return &c, nil
}

func (r *clientRepoPG) Create(ctx context.Context, c *Client) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.SyncStatus == "" {
		c.SyncStatus = SyncUnsynced
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO client (id, first_name, last_name, middle_name, date_of_birth, gender, ssn, email,
			home_phone, cell_phone, work_phone, address1, address2, city, state, zip_code,
			marital_status, race, ethnicity, preferred_language, `+syncCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		RETURNING created_at, updated_at`,
		c.ID, c.FirstName, c.LastName, c.MiddleName, c.DateOfBirth, c.Gender, c.SSN, c.Email,
		c.HomePhone, c.CellPhone, c.WorkPhone, c.Address1, c.Address2, c.City, c.State, c.ZipCode,
		c.MaritalStatus, c.Race, c.Ethnicity, c.PreferredLanguage,
		c.VendorID, c.LastSyncedAt, string(c.SyncStatus), c.SyncError).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *clientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Client, error) {
	return scanClient(r.conn(ctx).QueryRow(ctx, `SELECT `+clientCols+` FROM client WHERE id = $1`, id))
}

func (r *clientRepoPG) GetByVendorID(ctx context.Context, vendorID string) (*Client, error) {
	return scanClient(r.conn(ctx).QueryRow(ctx, `SELECT `+clientCols+` FROM client WHERE vendor_id = $1`, vendorID))
}

func (r *clientRepoPG) Update(ctx context.Context, c *Client) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE client SET first_name=$2, last_name=$3, middle_name=$4, date_of_birth=$5, gender=$6,
			email=$7, home_phone=$8, cell_phone=$9, work_phone=$10, address1=$11, address2=$12,
			city=$13, state=$14, zip_code=$15, marital_status=$16, race=$17, ethnicity=$18,
			preferred_language=$19, updated_at=NOW()
		WHERE id = $1`,
		c.ID, c.FirstName, c.LastName, c.MiddleName, c.DateOfBirth, c.Gender,
		c.Email, c.HomePhone, c.CellPhone, c.WorkPhone, c.Address1, c.Address2,
		c.City, c.State, c.ZipCode, c.MaritalStatus, c.Race, c.Ethnicity,
		c.PreferredLanguage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *clientRepoPG) UpdateSync(ctx context.Context, id uuid.UUID, s SyncFields) error {
	return updateSync(ctx, r.conn(ctx), "client", id, s)
}

func (r *clientRepoPG) SyncCounts(ctx context.Context) (SyncCounts, error) {
	return syncCounts(ctx, r.conn(ctx), "client")
}

// =========== Insurance Repository ===========

type insuranceRepoPG struct{ pgBase }

const insuranceCols = `id, client_id, rank, payer_name, carrier_code, member_id, group_number,
	subscriber_name, subscriber_relationship, effective_date, termination_date, is_active,
	created_at, updated_at`

func scanInsurance(row pgx.Row) (*ClientInsurance, error) {
	var i ClientInsurance
	err := row.Scan(&i.ID, &i.ClientID, &i.Rank, &i.PayerName, &i.CarrierCode, &i.MemberID, &i.GroupNumber,
		&i.SubscriberName, &i.SubscriberRelationship, &i.EffectiveDate, &i.TerminationDate, &i.IsActive,
		&i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &i, nil
}

func (r *insuranceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ClientInsurance, error) {
	return scanInsurance(r.conn(ctx).QueryRow(ctx, `SELECT `+insuranceCols+` FROM client_insurance WHERE id = $1`, id))
}

func (r *insuranceRepoPG) ListActiveByClient(ctx context.Context, clientID uuid.UUID) ([]*ClientInsurance, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+insuranceCols+` FROM client_insurance
		WHERE client_id = $1 AND is_active
		ORDER BY CASE rank WHEN 'primary' THEN 0 WHEN 'secondary' THEN 1 ELSE 2 END, created_at`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ClientInsurance
	for rows.Next() {
		i, err := scanInsurance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pgBase }

const apptCols = `id, client_id, provider_vendor_id, facility_vendor_id, start_time, end_time,
	appointment_type, service_location, status, notes, cancel_reason, checked_in_at, checked_out_at,
	` + syncCols + `, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status string
	err := row.Scan(&a.ID, &a.ClientID, &a.ProviderVendorID, &a.FacilityVendorID, &a.StartTime, &a.EndTime,
		&a.AppointmentType, &a.ServiceLocation, &a.Status, &a.Notes, &a.CancelReason, &a.CheckedInAt, &a.CheckedOutAt,
		&a.VendorID, &a.LastSyncedAt, &status, &a.SyncError, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	a.SyncStatus = SyncStatus(status)
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.SyncStatus == "" {
		a.SyncStatus = SyncUnsynced
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, client_id, provider_vendor_id, facility_vendor_id, start_time, end_time,
			appointment_type, service_location, status, notes, cancel_reason, checked_in_at, checked_out_at, `+syncCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING created_at, updated_at`,
		a.ID, a.ClientID, a.ProviderVendorID, a.FacilityVendorID, a.StartTime, a.EndTime,
		a.AppointmentType, a.ServiceLocation, a.Status, a.Notes, a.CancelReason, a.CheckedInAt, a.CheckedOutAt,
		a.VendorID, a.LastSyncedAt, string(a.SyncStatus), a.SyncError).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
}

func (r *appointmentRepoPG) GetByVendorID(ctx context.Context, vendorID string) (*Appointment, error) {
	return scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE vendor_id = $1`, vendorID))
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment SET provider_vendor_id=$2, facility_vendor_id=$3, start_time=$4, end_time=$5,
			appointment_type=$6, service_location=$7, status=$8, notes=$9, cancel_reason=$10,
			checked_in_at=$11, checked_out_at=$12, updated_at=NOW()
		WHERE id = $1`,
		a.ID, a.ProviderVendorID, a.FacilityVendorID, a.StartTime, a.EndTime,
		a.AppointmentType, a.ServiceLocation, a.Status, a.Notes, a.CancelReason,
		a.CheckedInAt, a.CheckedOutAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *appointmentRepoPG) UpdateSync(ctx context.Context, id uuid.UUID, s SyncFields) error {
	return updateSync(ctx, r.conn(ctx), "appointment", id, s)
}

func (r *appointmentRepoPG) ListByDateRange(ctx context.Context, start, end time.Time) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+apptCols+` FROM appointment
		WHERE start_time >= $1 AND start_time < $2 ORDER BY start_time`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *appointmentRepoPG) SyncCounts(ctx context.Context) (SyncCounts, error) {
	return syncCounts(ctx, r.conn(ctx), "appointment")
}

// =========== Charge Repository ===========

type chargeRepoPG struct{ pgBase }

const chargeCols = `id, client_id, appointment_id, claim_id, service_date, cpt_code, modifiers, diagnosis_codes,
	units, amount, place_of_service, rendering_provider, supervising_provider, status, paid_amount,
	adjustment_amount, patient_responsibility, ` + syncCols + `, created_at, updated_at`

func scanCharge(row pgx.Row) (*Charge, error) {
	var c Charge
	var status string
	err := row.Scan(&c.ID, &c.ClientID, &c.AppointmentID, &c.ClaimID, &c.ServiceDate, &c.CPTCode, &c.Modifiers, &c.DiagnosisCodes,
		&c.Units, &c.Amount, &c.PlaceOfService, &c.RenderingProvider, &c.SupervisingProvider, &c.Status, &c.PaidAmount,
		&c.AdjustmentAmount, &c.PatientResponsibility, &c.VendorID, &c.LastSyncedAt, &status, &c.SyncError, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	c.SyncStatus = SyncStatus(status)
	return &c, nil
}

func collectCharges(rows pgx.Rows) ([]*Charge, error) {
	defer rows.Close()
	var out []*Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *chargeRepoPG) Create(ctx context.Context, c *Charge) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.SyncStatus == "" {
		c.SyncStatus = SyncUnsynced
	}
	if c.Status == "" {
		c.Status = ChargePending
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO charge (id, client_id, appointment_id, claim_id, service_date, cpt_code, modifiers, diagnosis_codes,
			units, amount, place_of_service, rendering_provider, supervising_provider, status, paid_amount,
			adjustment_amount, patient_responsibility, `+syncCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		RETURNING created_at, updated_at`,
		c.ID, c.ClientID, c.AppointmentID, c.ClaimID, c.ServiceDate, c.CPTCode, c.Modifiers, c.DiagnosisCodes,
		c.Units, c.Amount, c.PlaceOfService, c.RenderingProvider, c.SupervisingProvider, c.Status, c.PaidAmount,
		c.AdjustmentAmount, c.PatientResponsibility, c.VendorID, c.LastSyncedAt, string(c.SyncStatus), c.SyncError).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *chargeRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Charge, error) {
	return scanCharge(r.conn(ctx).QueryRow(ctx, `SELECT `+chargeCols+` FROM charge WHERE id = $1`, id))
}

func (r *chargeRepoPG) Update(ctx context.Context, c *Charge) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE charge SET claim_id=$2, cpt_code=$3, modifiers=$4, diagnosis_codes=$5, units=$6, amount=$7,
			place_of_service=$8, rendering_provider=$9, supervising_provider=$10, status=$11, paid_amount=$12,
			adjustment_amount=$13, patient_responsibility=$14, updated_at=NOW()
		WHERE id = $1`,
		c.ID, c.ClaimID, c.CPTCode, c.Modifiers, c.DiagnosisCodes, c.Units, c.Amount,
		c.PlaceOfService, c.RenderingProvider, c.SupervisingProvider, c.Status, c.PaidAmount,
		c.AdjustmentAmount, c.PatientResponsibility)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *chargeRepoPG) UpdateSync(ctx context.Context, id uuid.UUID, s SyncFields) error {
	return updateSync(ctx, r.conn(ctx), "charge", id, s)
}

func (r *chargeRepoPG) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*Charge, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+chargeCols+` FROM charge WHERE id = ANY($1) ORDER BY service_date, id`, ids)
	if err != nil {
		return nil, err
	}
	return collectCharges(rows)
}

func (r *chargeRepoPG) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Charge, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+chargeCols+` FROM charge WHERE appointment_id = $1 ORDER BY created_at`, appointmentID)
	if err != nil {
		return nil, err
	}
	return collectCharges(rows)
}

func (r *chargeRepoPG) ListByClientAndDate(ctx context.Context, clientID uuid.UUID, serviceDate time.Time) ([]*Charge, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+chargeCols+` FROM charge
		WHERE client_id = $1 AND service_date::date = $2::date AND status <> 'void'
		ORDER BY created_at`, clientID, serviceDate)
	if err != nil {
		return nil, err
	}
	return collectCharges(rows)
}

func (r *chargeRepoPG) ListByServiceDate(ctx context.Context, serviceDate time.Time) ([]*Charge, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+chargeCols+` FROM charge
		WHERE service_date::date = $1::date AND status <> 'void'
		ORDER BY created_at`, serviceDate)
	if err != nil {
		return nil, err
	}
	return collectCharges(rows)
}

func (r *chargeRepoPG) CountByStatus(ctx context.Context) (map[string]int, error) {
	return countBy(ctx, r.conn(ctx), `SELECT status, COUNT(*) FROM charge GROUP BY status`)
}

func (r *chargeRepoPG) SyncCounts(ctx context.Context) (SyncCounts, error) {
	return syncCounts(ctx, r.conn(ctx), "charge")
}

// =========== Claim Repository ===========

type claimRepoPG struct{ pgBase }

const claimSelect = `SELECT c.id, c.claim_number, c.client_id, c.insurance_id, c.status,
	c.service_start_date, c.service_end_date, c.total_amount, c.paid_amount, c.adjustment_amount,
	c.patient_responsibility, c.diagnosis_codes, c.submitted_at, c.adjudicated_at, c.denial_reason,
	c.resubmission_count, c.correction_notes,
	c.vendor_id, c.last_synced_at, c.sync_status, c.sync_error, c.created_at, c.updated_at,
	ARRAY(SELECT ch.id FROM charge ch WHERE ch.claim_id = c.id ORDER BY ch.service_date, ch.id)
	FROM claim c`

func scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	var status string
	err := row.Scan(&c.ID, &c.ClaimNumber, &c.ClientID, &c.InsuranceID, &c.Status,
		&c.ServiceStartDate, &c.ServiceEndDate, &c.TotalAmount, &c.PaidAmount, &c.AdjustmentAmount,
		&c.PatientResponsibility, &c.DiagnosisCodes, &c.SubmittedAt, &c.AdjudicatedAt, &c.DenialReason,
		&c.ResubmissionCount, &c.CorrectionNotes,
		&c.VendorID, &c.LastSyncedAt, &status, &c.SyncError, &c.CreatedAt, &c.UpdatedAt,
		&c.ChargeIDs)
	if err != nil {
		return nil, notFound(err)
	}
	c.SyncStatus = SyncStatus(status)
	return &c, nil
}

func collectClaims(rows pgx.Rows) ([]*Claim, error) {
	defer rows.Close()
	var out []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *claimRepoPG) Create(ctx context.Context, c *Claim) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.SyncStatus == "" {
		c.SyncStatus = SyncUnsynced
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		err := q.QueryRow(ctx, `
			INSERT INTO claim (id, claim_number, client_id, insurance_id, status,
				service_start_date, service_end_date, total_amount, paid_amount, adjustment_amount,
				patient_responsibility, diagnosis_codes, submitted_at, adjudicated_at, denial_reason,
				resubmission_count, correction_notes, `+syncCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
			RETURNING created_at, updated_at`,
			c.ID, c.ClaimNumber, c.ClientID, c.InsuranceID, c.Status,
			c.ServiceStartDate, c.ServiceEndDate, c.TotalAmount, c.PaidAmount, c.AdjustmentAmount,
			c.PatientResponsibility, c.DiagnosisCodes, c.SubmittedAt, c.AdjudicatedAt, c.DenialReason,
			c.ResubmissionCount, c.CorrectionNotes,
			c.VendorID, c.LastSyncedAt, string(c.SyncStatus), c.SyncError).Scan(&c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return err
		}
		_, err = q.Exec(ctx, `UPDATE charge SET claim_id = $1, updated_at = NOW() WHERE id = ANY($2)`, c.ID, c.ChargeIDs)
		return err
	})
}

func (r *claimRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return scanClaim(r.conn(ctx).QueryRow(ctx, claimSelect+` WHERE c.id = $1`, id))
}

func (r *claimRepoPG) GetByNumber(ctx context.Context, number string) (*Claim, error) {
	return scanClaim(r.conn(ctx).QueryRow(ctx, claimSelect+` WHERE c.claim_number = $1`, number))
}

func (r *claimRepoPG) Update(ctx context.Context, c *Claim) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE claim SET status=$2, total_amount=$3, paid_amount=$4, adjustment_amount=$5,
			patient_responsibility=$6, diagnosis_codes=$7, submitted_at=$8, adjudicated_at=$9,
			denial_reason=$10, resubmission_count=$11, correction_notes=$12, updated_at=NOW()
		WHERE id = $1`,
		c.ID, c.Status, c.TotalAmount, c.PaidAmount, c.AdjustmentAmount,
		c.PatientResponsibility, c.DiagnosisCodes, c.SubmittedAt, c.AdjudicatedAt,
		c.DenialReason, c.ResubmissionCount, c.CorrectionNotes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *claimRepoPG) UpdateSync(ctx context.Context, id uuid.UUID, s SyncFields) error {
	return updateSync(ctx, r.conn(ctx), "claim", id, s)
}

func (r *claimRepoPG) ListByStatus(ctx context.Context, statuses []string, limit int) ([]*Claim, error) {
	rows, err := r.conn(ctx).Query(ctx, claimSelect+` WHERE c.status = ANY($1) ORDER BY c.submitted_at NULLS LAST, c.created_at LIMIT $2`,
		statuses, limit)
	if err != nil {
		return nil, err
	}
	return collectClaims(rows)
}

func (r *claimRepoPG) ListByDateRange(ctx context.Context, start, end time.Time, limit, offset int) ([]*Claim, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM claim WHERE service_start_date >= $1 AND service_start_date <= $2`, start, end).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, claimSelect+`
		WHERE c.service_start_date >= $1 AND c.service_start_date <= $2
		ORDER BY c.service_start_date DESC LIMIT $3 OFFSET $4`, start, end, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectClaims(rows)
	return items, total, err
}

func (r *claimRepoPG) SyncCounts(ctx context.Context) (SyncCounts, error) {
	return syncCounts(ctx, r.conn(ctx), "claim")
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pgBase }

const paymentCols = `id, claim_id, charge_id, client_id, amount, adjustment_amount, patient_responsibility,
	payment_date, check_number, payer_name, source, vendor_payment_id, pending_payment_id, created_at`

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payment (id, claim_id, charge_id, client_id, amount, adjustment_amount, patient_responsibility,
			payment_date, check_number, payer_name, source, vendor_payment_id, pending_payment_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at`,
		p.ID, p.ClaimID, p.ChargeID, p.ClientID, p.Amount, p.AdjustmentAmount, p.PatientResponsibility,
		p.PaymentDate, p.CheckNumber, p.PayerName, p.Source, p.VendorPaymentID, p.PendingPaymentID).Scan(&p.CreatedAt)
}

func (r *paymentRepoPG) ListByDateRange(ctx context.Context, start, end time.Time) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+paymentCols+` FROM payment
		WHERE payment_date >= $1 AND payment_date <= $2 ORDER BY payment_date`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.ClaimID, &p.ChargeID, &p.ClientID, &p.Amount, &p.AdjustmentAmount, &p.PatientResponsibility,
			&p.PaymentDate, &p.CheckNumber, &p.PayerName, &p.Source, &p.VendorPaymentID, &p.PendingPaymentID, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// =========== Pending Payment Repository ===========

type pendingPaymentRepoPG struct{ pgBase }

const pendingCols = `id, import_batch_id, claim_number, patient_name, patient_vendor_id, service_date, cpt_code,
	billed_amount, paid_amount, adjustment_amount, patient_responsibility, adjustment_codes,
	check_number, payment_date, payer_name, match_status, matched_claim_id, matched_charge_id,
	match_confidence, match_method, payment_id, created_at, updated_at`

func scanPending(row pgx.Row) (*PendingPayment, error) {
	var p PendingPayment
	err := row.Scan(&p.ID, &p.ImportBatchID, &p.ClaimNumber, &p.PatientName, &p.PatientVendorID, &p.ServiceDate, &p.CPTCode,
		&p.BilledAmount, &p.PaidAmount, &p.AdjustmentAmount, &p.PatientResponsibility, &p.AdjustmentCodes,
		&p.CheckNumber, &p.PaymentDate, &p.PayerName, &p.MatchStatus, &p.MatchedClaimID, &p.MatchedChargeID,
		&p.MatchConfidence, &p.MatchMethod, &p.PaymentID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func collectPending(rows pgx.Rows) ([]*PendingPayment, error) {
	defer rows.Close()
	var out []*PendingPayment
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *pendingPaymentRepoPG) Create(ctx context.Context, p *PendingPayment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.MatchStatus == "" {
		p.MatchStatus = MatchUnmatched
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO pending_payment (id, import_batch_id, claim_number, patient_name, patient_vendor_id, service_date, cpt_code,
			billed_amount, paid_amount, adjustment_amount, patient_responsibility, adjustment_codes,
			check_number, payment_date, payer_name, match_status, matched_claim_id, matched_charge_id,
			match_confidence, match_method, payment_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		RETURNING created_at, updated_at`,
		p.ID, p.ImportBatchID, p.ClaimNumber, p.PatientName, p.PatientVendorID, p.ServiceDate, p.CPTCode,
		p.BilledAmount, p.PaidAmount, p.AdjustmentAmount, p.PatientResponsibility, p.AdjustmentCodes,
		p.CheckNumber, p.PaymentDate, p.PayerName, p.MatchStatus, p.MatchedClaimID, p.MatchedChargeID,
		p.MatchConfidence, p.MatchMethod, p.PaymentID).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *pendingPaymentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*PendingPayment, error) {
	return scanPending(r.conn(ctx).QueryRow(ctx, `SELECT `+pendingCols+` FROM pending_payment WHERE id = $1`, id))
}

func (r *pendingPaymentRepoPG) Update(ctx context.Context, p *PendingPayment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE pending_payment SET match_status=$2, matched_claim_id=$3, matched_charge_id=$4,
			match_confidence=$5, match_method=$6, payment_id=$7, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.MatchStatus, p.MatchedClaimID, p.MatchedChargeID, p.MatchConfidence, p.MatchMethod, p.PaymentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pendingPaymentRepoPG) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*PendingPayment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+pendingCols+` FROM pending_payment WHERE import_batch_id = $1 ORDER BY created_at`, batchID)
	if err != nil {
		return nil, err
	}
	return collectPending(rows)
}

func (r *pendingPaymentRepoPG) ListMatched(ctx context.Context, minConfidence int) ([]*PendingPayment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+pendingCols+` FROM pending_payment
		WHERE match_status = 'matched' AND payment_id IS NULL AND match_confidence >= $1
		ORDER BY created_at`, minConfidence)
	if err != nil {
		return nil, err
	}
	return collectPending(rows)
}

func (r *pendingPaymentRepoPG) CountByStatus(ctx context.Context) (map[string]int, error) {
	return countBy(ctx, r.conn(ctx), `SELECT match_status, COUNT(*) FROM pending_payment GROUP BY match_status`)
}
