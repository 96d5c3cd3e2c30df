package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/revcycle/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const pgUniqueViolation = "23505"

// mapPGError translates driver errors into repository sentinels.
func mapPGError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s (%s)", ErrConflict, what, pgErr.ConstraintName)
	}
	return err
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// =========== Claim Repository ===========

type PGRepository struct{ pool *pgxpool.Pool }

func NewPGRepository(pool *pgxpool.Pool) *PGRepository { return &PGRepository{pool: pool} }

func (r *PGRepository) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const claimCols = `id, claim_number, patient_id, clinic_id, payer_name, payer_id,
	service_date, procedure_codes, diagnosis_codes,
	total_amount, allowed_amount, paid_amount, patient_responsibility, status,
	submission_date, response_date, payment_date,
	clearinghouse_id, clearinghouse_claim_id,
	original_claim_id, resubmitted_from_id, resubmission_attempt, version,
	created_at, updated_at`

func scanClaim(row pgx.Row) (*Claim, error) {
	var (
		c                           Claim
		total, paid, responsibility int64
		allowed                     *int64
		status                      string
		original, from              *string
	)
	err := row.Scan(&c.ID, &c.ClaimNumber, &c.PatientID, &c.ClinicID, &c.PayerName, &c.PayerID,
		&c.ServiceDate, &c.ProcedureCodes, &c.DiagnosisCodes,
		&total, &allowed, &paid, &responsibility, &status,
		&c.SubmissionDate, &c.ResponseDate, &c.PaymentDate,
		&c.ClearinghouseID, &c.ClearinghouseClaimID,
		&original, &from, &c.ResubmissionAttempt, &c.Version,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.TotalAmount = Money(total)
	c.PaidAmount = Money(paid)
	c.PatientResponsibility = Money(responsibility)
	if allowed != nil {
		c.AllowedAmount = moneyPtr(Money(*allowed))
	}
	c.Status = Status(status)
	c.OriginalClaimID = deref(original)
	c.ResubmittedFromID = deref(from)
	c.ServiceDate = c.ServiceDate.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	for _, t := range []*time.Time{c.SubmissionDate, c.ResponseDate, c.PaymentDate} {
		if t != nil {
			*t = t.UTC()
		}
	}
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

func allowedArg(c *Claim) *int64 {
	if c.AllowedAmount == nil {
		return nil
	}
	v := int64(*c.AllowedAmount)
	return &v
}

func insertClaim(ctx context.Context, q queryable, c *Claim) error {
	_, err := q.Exec(ctx, `
		INSERT INTO claim (`+claimCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`,
		c.ID, c.ClaimNumber, c.PatientID, c.ClinicID, c.PayerName, c.PayerID,
		c.ServiceDate, c.ProcedureCodes, c.DiagnosisCodes,
		int64(c.TotalAmount), allowedArg(c), int64(c.PaidAmount), int64(c.PatientResponsibility), string(c.Status),
		c.SubmissionDate, c.ResponseDate, c.PaymentDate,
		c.ClearinghouseID, c.ClearinghouseClaimID,
		nullIfEmpty(c.OriginalClaimID), nullIfEmpty(c.ResubmittedFromID), c.ResubmissionAttempt, c.Version,
		c.CreatedAt, c.UpdatedAt)
	return mapPGError(err, "claim "+c.ID)
}

const denialCols = `id, claim_id, denial_code, denial_date, priority_level, resolution_status, notes, updated_at`

func scanDenial(row pgx.Row) (*ClaimDenial, error) {
	var (
		d                    ClaimDenial
		priority, resolution string
	)
	if err := row.Scan(&d.ID, &d.ClaimID, &d.DenialCode, &d.DenialDate, &priority, &resolution, &d.Notes, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.PriorityLevel = Priority(priority)
	d.ResolutionStatus = ResolutionStatus(resolution)
	d.DenialDate = d.DenialDate.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func insertDenial(ctx context.Context, q queryable, d *ClaimDenial) error {
	_, err := q.Exec(ctx, `
		INSERT INTO claim_denial (`+denialCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		d.ID, d.ClaimID, d.DenialCode, d.DenialDate, string(d.PriorityLevel), string(d.ResolutionStatus), d.Notes, d.UpdatedAt)
	return mapPGError(err, "denial of claim "+d.ClaimID)
}

func updateDenial(ctx context.Context, q queryable, d *ClaimDenial) error {
	tag, err := q.Exec(ctx, `
		UPDATE claim_denial SET priority_level=$2, resolution_status=$3, notes=$4, updated_at=$5
		WHERE claim_id = $1`,
		d.ClaimID, string(d.PriorityLevel), string(d.ResolutionStatus), d.Notes, d.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: denial for claim %s", ErrNotFound, d.ClaimID)
	}
	return nil
}

func (r *PGRepository) CreateClaim(ctx context.Context, c *Claim, d *ClaimDenial) error {
	return db.RunInTx(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := insertClaim(ctx, tx, c); err != nil {
			return err
		}
		if d != nil {
			return insertDenial(ctx, tx, d)
		}
		return nil
	})
}

func (r *PGRepository) GetClaim(ctx context.Context, id string) (*Claim, error) {
	c, err := scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claim WHERE id = $1`, id))
	if err != nil {
		return nil, mapPGError(err, "claim "+id)
	}
	return c, nil
}

func (r *PGRepository) UpdateClaim(ctx context.Context, c *Claim, expectedVersion int, d *ClaimDenial) error {
	return db.RunInTx(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE claim SET status=$3, allowed_amount=$4, paid_amount=$5, patient_responsibility=$6,
				submission_date=$7, response_date=$8, payment_date=$9,
				clearinghouse_id=$10, clearinghouse_claim_id=$11,
				updated_at=$12, version = version + 1
			WHERE id = $1 AND version = $2`,
			c.ID, expectedVersion, string(c.Status), allowedArg(c), int64(c.PaidAmount), int64(c.PatientResponsibility),
			c.SubmissionDate, c.ResponseDate, c.PaymentDate,
			c.ClearinghouseID, c.ClearinghouseClaimID, c.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM claim WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: claim %s", ErrNotFound, c.ID)
			}
			return fmt.Errorf("%w: claim %s is no longer at version %d", ErrConflict, c.ID, expectedVersion)
		}
		if d != nil {
			if err := insertDenial(ctx, tx, d); err != nil {
				return err
			}
		}
		c.Version = expectedVersion + 1
		return nil
	})
}

func (r *PGRepository) ListChain(ctx context.Context, rootID string) ([]*Claim, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+claimCols+` FROM claim
		WHERE id = $1 OR original_claim_id = $1
		ORDER BY resubmission_attempt, seq`, rootID)
	if err != nil {
		return nil, err
	}
	chain, err := collectClaims(rows)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 || chain[0].ID != rootID {
		return nil, fmt.Errorf("%w: claim %s", ErrNotFound, rootID)
	}
	return chain, nil
}

func (r *PGRepository) GetDenial(ctx context.Context, claimID string) (*ClaimDenial, error) {
	d, err := scanDenial(r.conn(ctx).QueryRow(ctx, `SELECT `+denialCols+` FROM claim_denial WHERE claim_id = $1`, claimID))
	if err != nil {
		return nil, mapPGError(err, "denial for claim "+claimID)
	}
	return d, nil
}

func (r *PGRepository) UpdateDenial(ctx context.Context, d *ClaimDenial) error {
	return updateDenial(ctx, r.conn(ctx), d)
}

const resubCols = `id, original_claim_id, parent_claim_id, denial_id, resubmission_attempt,
	corrected_fields, resubmitted_by, resubmission_date, new_claim_id, status, outcome, outcome_date`

func scanResubmission(row pgx.Row) (*Resubmission, error) {
	var (
		rec     Resubmission
		fields  []byte
		status  string
		outcome *string
	)
	err := row.Scan(&rec.ID, &rec.OriginalClaimID, &rec.ParentClaimID, &rec.DenialID, &rec.ResubmissionAttempt,
		&fields, &rec.ResubmittedBy, &rec.ResubmissionDate, &rec.NewClaimID, &status, &outcome, &rec.OutcomeDate)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fields, &rec.CorrectedFields); err != nil {
		return nil, fmt.Errorf("decode corrected fields of %s: %w", rec.ID, err)
	}
	rec.Status = Status(status)
	rec.Outcome = ResubmissionOutcome(deref(outcome))
	rec.ResubmissionDate = rec.ResubmissionDate.UTC()
	if rec.OutcomeDate != nil {
		*rec.OutcomeDate = rec.OutcomeDate.UTC()
	}
	return &rec, nil
}

func (r *PGRepository) CreateResubmission(ctx context.Context, successor *Claim, rec *Resubmission, parentDenial *ClaimDenial) error {
	fields, err := json.Marshal(rec.CorrectedFields)
	if err != nil {
		return fmt.Errorf("encode corrected fields: %w", err)
	}
	return db.RunInTx(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := insertClaim(ctx, tx, successor); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO claim_resubmission (`+resubCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			rec.ID, rec.OriginalClaimID, rec.ParentClaimID, rec.DenialID, rec.ResubmissionAttempt,
			fields, rec.ResubmittedBy, rec.ResubmissionDate, rec.NewClaimID, string(rec.Status),
			nullIfEmpty(string(rec.Outcome)), rec.OutcomeDate)
		if err := mapPGError(err, fmt.Sprintf("attempt %d of claim %s", rec.ResubmissionAttempt, rec.OriginalClaimID)); err != nil {
			return err
		}
		if parentDenial != nil {
			return updateDenial(ctx, tx, parentDenial)
		}
		return nil
	})
}

func (r *PGRepository) GetResubmission(ctx context.Context, id string) (*Resubmission, error) {
	rec, err := scanResubmission(r.conn(ctx).QueryRow(ctx, `SELECT `+resubCols+` FROM claim_resubmission WHERE id = $1`, id))
	if err != nil {
		return nil, mapPGError(err, "resubmission "+id)
	}
	return rec, nil
}

func (r *PGRepository) FindResubmissionByParent(ctx context.Context, parentClaimID string) (*Resubmission, error) {
	rec, err := scanResubmission(r.conn(ctx).QueryRow(ctx,
		`SELECT `+resubCols+` FROM claim_resubmission WHERE parent_claim_id = $1`, parentClaimID))
	if err != nil {
		return nil, mapPGError(err, "resubmission of claim "+parentClaimID)
	}
	return rec, nil
}

func (r *PGRepository) ListResubmissions(ctx context.Context, rootID string) ([]*Resubmission, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+resubCols+` FROM claim_resubmission
		WHERE original_claim_id = $1 ORDER BY resubmission_attempt`, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Resubmission
	for rows.Next() {
		rec, err := scanResubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PGRepository) RecordOutcome(ctx context.Context, rec *Resubmission, parentDenial *ClaimDenial) error {
	return db.RunInTx(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE claim_resubmission SET outcome=$2, outcome_date=$3
			WHERE id = $1 AND outcome IS NULL`,
			rec.ID, string(rec.Outcome), rec.OutcomeDate)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			if _, err := scanResubmission(tx.QueryRow(ctx, `SELECT `+resubCols+` FROM claim_resubmission WHERE id = $1`, rec.ID)); err != nil {
				return mapPGError(err, "resubmission "+rec.ID)
			}
			return fmt.Errorf("%w: resubmission %s already has an outcome", ErrConflict, rec.ID)
		}
		if parentDenial != nil {
			return updateDenial(ctx, tx, parentDenial)
		}
		return nil
	})
}

// Snapshot reads claims and denials inside one read-only repeatable-read
// transaction so both sets reflect the same instant.
func (r *PGRepository) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Denials: make(map[string]*ClaimDenial)}
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := db.RunInTx(ctx, r.pool, opts, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+claimCols+` FROM claim ORDER BY seq`)
		if err != nil {
			return err
		}
		if snap.Claims, err = collectClaims(rows); err != nil {
			return err
		}

		drows, err := tx.Query(ctx, `SELECT `+denialCols+` FROM claim_denial`)
		if err != nil {
			return err
		}
		defer drows.Close()
		for drows.Next() {
			d, err := scanDenial(drows)
			if err != nil {
				return err
			}
			snap.Denials[d.ClaimID] = d
		}
		return drows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if snap.Claims == nil {
		snap.Claims = []*Claim{}
	}
	return snap, nil
}

// =========== Saved View Repository ===========

type PGViewRepository struct{ pool *pgxpool.Pool }

func NewPGViewRepository(pool *pgxpool.Pool) *PGViewRepository {
	return &PGViewRepository{pool: pool}
}

func (r *PGViewRepository) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const viewCols = `id, name, filter, is_default, created_by, created_at`

func scanView(row pgx.Row) (*SavedView, error) {
	var (
		v      SavedView
		filter []byte
	)
	if err := row.Scan(&v.ID, &v.Name, &filter, &v.IsDefault, &v.CreatedBy, &v.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(filter, &v.Filter); err != nil {
		return nil, fmt.Errorf("decode filter of view %s: %w", v.ID, err)
	}
	v.CreatedAt = v.CreatedAt.UTC()
	return &v, nil
}

func (r *PGViewRepository) CreateView(ctx context.Context, v *SavedView) error {
	filter, err := json.Marshal(v.Filter)
	if err != nil {
		return fmt.Errorf("encode filter: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO saved_view (`+viewCols+`) VALUES ($1,$2,$3,$4,$5,$6)`,
		v.ID, v.Name, filter, v.IsDefault, v.CreatedBy, v.CreatedAt)
	return mapPGError(err, "view "+v.Name)
}

func (r *PGViewRepository) GetView(ctx context.Context, id string) (*SavedView, error) {
	v, err := scanView(r.conn(ctx).QueryRow(ctx, `SELECT `+viewCols+` FROM saved_view WHERE id = $1`, id))
	if err != nil {
		return nil, mapPGError(err, "view "+id)
	}
	return v, nil
}

func (r *PGViewRepository) ListViews(ctx context.Context) ([]*SavedView, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+viewCols+` FROM saved_view ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*SavedView{}
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *PGViewRepository) DeleteView(ctx context.Context, id string) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM saved_view WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: view %s", ErrNotFound, id)
	}
	return nil
}

func (r *PGViewRepository) SetDefault(ctx context.Context, id string) error {
	return db.RunInTx(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM saved_view WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: view %s", ErrNotFound, id)
		}
		if _, err := tx.Exec(ctx, `UPDATE saved_view SET is_default = FALSE WHERE is_default AND id <> $1`, id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE saved_view SET is_default = TRUE WHERE id = $1`, id)
		return err
	})
}
