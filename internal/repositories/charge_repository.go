package repositories

import (
	"context"
	"database/sql"
	"time"

	"ledger-service/internal/database"
	"ledger-service/internal/models"
)

type ChargeRepository interface {
	Create(ctx context.Context, tx *sql.Tx, charge *models.Charge) error
	GetByID(ctx context.Context, q database.Querier, communityID, id int64) (*models.Charge, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, communityID, id int64) (*models.Charge, error)
	ListByRun(ctx context.Context, q database.Querier, runID int64) ([]*models.Charge, error)
	// ListOutstandingForUpdate locks the open charges of a unit in id order.
	ListOutstandingForUpdate(ctx context.Context, tx *sql.Tx, communityID, unitID int64) ([]*models.Charge, error)
	// ListByIDsForUpdate locks the given charges in id order.
	ListByIDsForUpdate(ctx context.Context, tx *sql.Tx, communityID int64, ids []int64) ([]*models.Charge, error)
	// ListAccrualCandidates returns ids of open charges past due and not yet
	// accrued through asOf.
	ListAccrualCandidates(ctx context.Context, q database.Querier, communityID int64, asOf time.Time) ([]int64, error)
	Update(ctx context.Context, tx *sql.Tx, charge *models.Charge) error
	VoidByRun(ctx context.Context, tx *sql.Tx, runID int64) (int64, error)
	CountAllocationsByRun(ctx context.Context, q database.Querier, runID int64) (int, error)
}

type chargeRepository struct{}

func NewChargeRepository() ChargeRepository {
	return &chargeRepository{}
}

const chargeColumns = `id, community_id, billing_run_id, unit_id, base_amount, interest_accrued,
		       total_due, amount_paid, status, due_date, last_accrued_date, created_at, updated_at`

func (r *chargeRepository) Create(ctx context.Context, tx *sql.Tx, c *models.Charge) error {
	query := `
		INSERT INTO charges (
			community_id, billing_run_id, unit_id, base_amount, interest_accrued,
			total_due, amount_paid, status, due_date, last_accrued_date
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := tx.ExecContext(ctx, query,
		c.CommunityID,
		c.BillingRunID,
		c.UnitID,
		c.BaseAmount,
		c.InterestAccrued,
		c.TotalDue,
		c.AmountPaid,
		c.Status,
		c.DueDate,
		c.LastAccruedDate,
	)
	if err != nil {
		return dbError(err, "failed to insert charge")
	}
	return dbError(lastInsertID(result, &c.ID), "failed to read charge id")
}

func (r *chargeRepository) GetByID(ctx context.Context, q database.Querier, communityID, id int64) (*models.Charge, error) {
	query := `SELECT ` + chargeColumns + `
		FROM charges
		WHERE id = ? AND community_id = ?
	`
	return r.get(ctx, q, query, communityID, id)
}

func (r *chargeRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, communityID, id int64) (*models.Charge, error) {
	query := `SELECT ` + chargeColumns + `
		FROM charges
		WHERE id = ? AND community_id = ?
		FOR UPDATE
	`
	return r.get(ctx, tx, query, communityID, id)
}

func (r *chargeRepository) get(ctx context.Context, q database.Querier, query string, communityID, id int64) (*models.Charge, error) {
	c, err := scanCharge(q.QueryRowContext(ctx, query, id, communityID))
	if err == sql.ErrNoRows {
		return nil, notFound("charge", id)
	}
	if err != nil {
		return nil, dbError(err, "failed to get charge")
	}
	return c, nil
}

func (r *chargeRepository) ListByRun(ctx context.Context, q database.Querier, runID int64) ([]*models.Charge, error) {
	query := `SELECT ` + chargeColumns + `
		FROM charges
		WHERE billing_run_id = ?
		ORDER BY unit_id
	`
	return r.list(ctx, q, query, runID)
}

func (r *chargeRepository) ListOutstandingForUpdate(ctx context.Context, tx *sql.Tx, communityID, unitID int64) ([]*models.Charge, error) {
	query := `SELECT ` + chargeColumns + `
		FROM charges
		WHERE community_id = ?
		AND unit_id = ?
		AND status IN (?, ?, ?)
		AND total_due > amount_paid
		ORDER BY id
		FOR UPDATE
	`
	return r.list(ctx, tx, query, communityID, unitID, models.ChargePending, models.ChargePartial, models.ChargeOverdue)
}

func (r *chargeRepository) ListByIDsForUpdate(ctx context.Context, tx *sql.Tx, communityID int64, ids []int64) ([]*models.Charge, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + chargeColumns + `
		FROM charges
		WHERE community_id = ?
		AND id IN (` + placeholders(len(ids)) + `)
		ORDER BY id
		FOR UPDATE
	`
	args := append([]any{communityID}, int64Args(ids)...)
	return r.list(ctx, tx, query, args...)
}

func (r *chargeRepository) ListAccrualCandidates(ctx context.Context, q database.Querier, communityID int64, asOf time.Time) ([]int64, error) {
	query := `
		SELECT id
		FROM charges
		WHERE community_id = ?
		AND status IN (?, ?, ?)
		AND total_due > amount_paid
		AND due_date < ?
		AND (last_accrued_date IS NULL OR last_accrued_date < ?)
		ORDER BY id
	`
	rows, err := q.QueryContext(ctx, query, communityID,
		models.ChargePending, models.ChargePartial, models.ChargeOverdue, asOf, asOf)
	if err != nil {
		return nil, dbError(err, "failed to list accrual candidates")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, dbError(err, "failed to scan charge id")
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, dbError(err, "failed to iterate charge ids")
	}
	return ids, nil
}

func (r *chargeRepository) Update(ctx context.Context, tx *sql.Tx, c *models.Charge) error {
	query := `
		UPDATE charges
		SET interest_accrued = ?,
		    total_due = ?,
		    amount_paid = ?,
		    status = ?,
		    last_accrued_date = ?
		WHERE id = ?
	`
	result, err := tx.ExecContext(ctx, query,
		c.InterestAccrued,
		c.TotalDue,
		c.AmountPaid,
		c.Status,
		c.LastAccruedDate,
		c.ID,
	)
	if err != nil {
		return dbError(err, "failed to update charge")
	}
	return expectOneRow(result, "charge", c.ID)
}

func (r *chargeRepository) VoidByRun(ctx context.Context, tx *sql.Tx, runID int64) (int64, error) {
	query := `
		UPDATE charges
		SET status = ?
		WHERE billing_run_id = ?
		AND status <> ?
	`
	result, err := tx.ExecContext(ctx, query, models.ChargeVoided, runID, models.ChargeVoided)
	if err != nil {
		return 0, dbError(err, "failed to void charges")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, dbError(err, "failed to read rows affected")
	}
	return n, nil
}

func (r *chargeRepository) CountAllocationsByRun(ctx context.Context, q database.Querier, runID int64) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM payment_allocations pa
		JOIN charges c ON c.id = pa.charge_id
		JOIN payments p ON p.id = pa.payment_id
		WHERE c.billing_run_id = ?
		AND p.status = ?
	`
	var n int
	if err := q.QueryRowContext(ctx, query, runID, models.PaymentApplied).Scan(&n); err != nil {
		return 0, dbError(err, "failed to count allocations")
	}
	return n, nil
}

func (r *chargeRepository) list(ctx context.Context, q database.Querier, query string, args ...any) ([]*models.Charge, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError(err, "failed to list charges")
	}
	defer rows.Close()

	var charges []*models.Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, dbError(err, "failed to scan charge")
		}
		charges = append(charges, c)
	}
	if err = rows.Err(); err != nil {
		return nil, dbError(err, "failed to iterate charges")
	}
	return charges, nil
}

func scanCharge(s rowScanner) (*models.Charge, error) {
	c := &models.Charge{}
	err := s.Scan(
		&c.ID,
		&c.CommunityID,
		&c.BillingRunID,
		&c.UnitID,
		&c.BaseAmount,
		&c.InterestAccrued,
		&c.TotalDue,
		&c.AmountPaid,
		&c.Status,
		&c.DueDate,
		&c.LastAccruedDate,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}
