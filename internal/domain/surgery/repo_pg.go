package surgery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/caseregister/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type CaseRepoPG struct {
	pool *pgxpool.Pool
}

func NewCaseRepoPG(pool *pgxpool.Pool) *CaseRepoPG {
	return &CaseRepoPG{pool: pool}
}

func (r *CaseRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *CaseRepoPG) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, r.pool, fn)
}

const caseCols = `id, patient_name, age, sex, origin, place_of_residence,
	diagnoses, procedures, doctor, specialty, notes,
	to_char(date, 'YYYY-MM-DD'), time, fasting_time, contact_details,
	is_referral, referral_details, patient_type, ward_number, admission_source,
	priority, case_type, status, confirmed_on_ot_list,
	rebook_count, to_char(original_date, 'YYYY-MM-DD'),
	cancellation_reason, cancellation_history, deferral_reason,
	created_at, updated_at`

func scanCase(row pgx.Row) (*Case, error) {
	var c Case
	var history []byte
	err := row.Scan(
		&c.ID, &c.PatientName, &c.Age, &c.Sex, &c.Origin, &c.PlaceOfResidence,
		&c.Diagnoses, &c.Procedures, &c.Doctor, &c.Specialty, &c.Notes,
		&c.Date, &c.Time, &c.FastingTime, &c.ContactDetails,
		&c.IsReferral, &c.ReferralDetails, &c.PatientType, &c.WardNumber, &c.AdmissionSource,
		&c.Priority, &c.CaseType, &c.Status, &c.ConfirmedOnOTList,
		&c.RebookCount, &c.OriginalDate,
		&c.CancellationReason, &history, &c.DeferralReason,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.CancellationHistory = []CancellationEntry{}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &c.CancellationHistory); err != nil {
			return nil, fmt.Errorf("decode cancellation_history for %s: %w", c.ID, err)
		}
	}
	c.DeferralHistory = []DeferralEntry{}
	return &c, nil
}

func encodeHistory(h []CancellationEntry) ([]byte, error) {
	if h == nil {
		h = []CancellationEntry{}
	}
	return json.Marshal(h)
}

func (r *CaseRepoPG) Create(ctx context.Context, c *Case) (*Case, error) {
	history, err := encodeHistory(c.CancellationHistory)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`
		INSERT INTO surgical_cases (
			patient_name, age, sex, origin, place_of_residence,
			diagnoses, procedures, doctor, specialty, notes,
			date, time, fasting_time, contact_details,
			is_referral, referral_details, patient_type, ward_number, admission_source,
			priority, case_type, status, confirmed_on_ot_list,
			rebook_count, original_date,
			cancellation_reason, cancellation_history, deferral_reason
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11::date, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25::date, $26, $27, $28
		)
		RETURNING %s`, caseCols)
	return scanCase(r.conn(ctx).QueryRow(ctx, q,
		c.PatientName, c.Age, c.Sex, c.Origin, c.PlaceOfResidence,
		c.Diagnoses, c.Procedures, c.Doctor, c.Specialty, c.Notes,
		c.Date, c.Time, c.FastingTime, c.ContactDetails,
		c.IsReferral, c.ReferralDetails, c.PatientType, c.WardNumber, c.AdmissionSource,
		c.Priority, c.CaseType, c.Status, c.ConfirmedOnOTList,
		c.RebookCount, c.OriginalDate,
		c.CancellationReason, history, c.DeferralReason,
	))
}

func (r *CaseRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Case, error) {
	q := fmt.Sprintf("SELECT %s FROM surgical_cases WHERE id = $1", caseCols)
	c, err := scanCase(r.conn(ctx).QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// Update writes every column of c and refreshes updated_at.
func (r *CaseRepoPG) Update(ctx context.Context, c *Case) (*Case, error) {
	history, err := encodeHistory(c.CancellationHistory)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`
		UPDATE surgical_cases SET
			patient_name = $2, age = $3, sex = $4, origin = $5, place_of_residence = $6,
			diagnoses = $7, procedures = $8, doctor = $9, specialty = $10, notes = $11,
			date = $12::date, time = $13, fasting_time = $14, contact_details = $15,
			is_referral = $16, referral_details = $17, patient_type = $18,
			ward_number = $19, admission_source = $20,
			priority = $21, case_type = $22, status = $23, confirmed_on_ot_list = $24,
			rebook_count = $25, original_date = $26::date,
			cancellation_reason = $27, cancellation_history = $28, deferral_reason = $29,
			updated_at = now()
		WHERE id = $1
		RETURNING %s`, caseCols)
	out, err := scanCase(r.conn(ctx).QueryRow(ctx, q,
		c.ID,
		c.PatientName, c.Age, c.Sex, c.Origin, c.PlaceOfResidence,
		c.Diagnoses, c.Procedures, c.Doctor, c.Specialty, c.Notes,
		c.Date, c.Time, c.FastingTime, c.ContactDetails,
		c.IsReferral, c.ReferralDetails, c.PatientType,
		c.WardNumber, c.AdmissionSource,
		c.Priority, c.CaseType, c.Status, c.ConfirmedOnOTList,
		c.RebookCount, c.OriginalDate,
		c.CancellationReason, history, c.DeferralReason,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return out, err
}

// Delete removes the case; deferral_history rows cascade.
func (r *CaseRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, "DELETE FROM surgical_cases WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *CaseRepoPG) List(ctx context.Context) ([]*Case, error) {
	q := fmt.Sprintf("SELECT %s FROM surgical_cases ORDER BY date, time NULLS LAST, created_at", caseCols)
	rows, err := r.conn(ctx).Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

const deferralCols = `id, case_id, reason, to_char(original_date, 'YYYY-MM-DD'), deferred_at`

func scanDeferral(row pgx.Row) (DeferralEntry, error) {
	var d DeferralEntry
	err := row.Scan(&d.ID, &d.CaseID, &d.Reason, &d.OriginalDate, &d.DeferredAt)
	return d, err
}

func (r *CaseRepoPG) AddDeferral(ctx context.Context, d *DeferralEntry) (*DeferralEntry, error) {
	q := fmt.Sprintf(`
		INSERT INTO deferral_history (case_id, reason, original_date, deferred_at)
		VALUES ($1, $2, $3::date, $4)
		RETURNING %s`, deferralCols)
	out, err := scanDeferral(r.conn(ctx).QueryRow(ctx, q, d.CaseID, d.Reason, d.OriginalDate, d.DeferredAt))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *CaseRepoPG) ListDeferrals(ctx context.Context, caseID uuid.UUID) ([]DeferralEntry, error) {
	q := fmt.Sprintf("SELECT %s FROM deferral_history WHERE case_id = $1 ORDER BY deferred_at DESC", deferralCols)
	return r.queryDeferrals(ctx, q, caseID)
}

func (r *CaseRepoPG) ListAllDeferrals(ctx context.Context) ([]DeferralEntry, error) {
	q := fmt.Sprintf("SELECT %s FROM deferral_history ORDER BY deferred_at DESC", deferralCols)
	return r.queryDeferrals(ctx, q)
}

func (r *CaseRepoPG) queryDeferrals(ctx context.Context, q string, args ...interface{}) ([]DeferralEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []DeferralEntry{}
	for rows.Next() {
		d, err := scanDeferral(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}
