package repositories

import (
	"context"
	"database/sql"

	"ledger-service/internal/database"
	"ledger-service/internal/models"
)

type BillingRunRepository interface {
	Create(ctx context.Context, tx *sql.Tx, run *models.BillingRun) error
	GetByID(ctx context.Context, q database.Querier, communityID, id int64) (*models.BillingRun, error)
	// GetForUpdate row-locks the run until tx ends.
	GetForUpdate(ctx context.Context, tx *sql.Tx, communityID, id int64) (*models.BillingRun, error)
	// HasLiveRun reports whether the period already has a run that is not
	// voided.
	HasLiveRun(ctx context.Context, q database.Querier, communityID int64, period string) (bool, error)
	Update(ctx context.Context, tx *sql.Tx, run *models.BillingRun) error
	ReplaceLineItems(ctx context.Context, tx *sql.Tx, runID int64, items []*models.BillingLineItem) error
	ListLineItems(ctx context.Context, q database.Querier, runID int64) ([]*models.BillingLineItem, error)
}

type billingRunRepository struct{}

func NewBillingRunRepository() BillingRunRepository {
	return &billingRunRepository{}
}

const billingRunColumns = `id, community_id, period, status, total_amount, distributable_amount,
		       surcharge_amount, due_date, created_at, updated_at`

func (r *billingRunRepository) Create(ctx context.Context, tx *sql.Tx, run *models.BillingRun) error {
	query := `
		INSERT INTO billing_runs (
			community_id, period, status, total_amount,
			distributable_amount, surcharge_amount, due_date
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := tx.ExecContext(ctx, query,
		run.CommunityID,
		run.Period,
		run.Status,
		run.TotalAmount,
		run.DistributableAmount,
		run.SurchargeAmount,
		run.DueDate,
	)
	if err != nil {
		return dbError(err, "failed to insert billing run")
	}
	return dbError(lastInsertID(result, &run.ID), "failed to read billing run id")
}

func (r *billingRunRepository) GetByID(ctx context.Context, q database.Querier, communityID, id int64) (*models.BillingRun, error) {
	query := `SELECT ` + billingRunColumns + `
		FROM billing_runs
		WHERE id = ? AND community_id = ?
	`
	return r.get(ctx, q, query, communityID, id)
}

func (r *billingRunRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, communityID, id int64) (*models.BillingRun, error) {
	query := `SELECT ` + billingRunColumns + `
		FROM billing_runs
		WHERE id = ? AND community_id = ?
		FOR UPDATE
	`
	return r.get(ctx, tx, query, communityID, id)
}

func (r *billingRunRepository) get(ctx context.Context, q database.Querier, query string, communityID, id int64) (*models.BillingRun, error) {
	run := &models.BillingRun{}
	err := q.QueryRowContext(ctx, query, id, communityID).Scan(
		&run.ID,
		&run.CommunityID,
		&run.Period,
		&run.Status,
		&run.TotalAmount,
		&run.DistributableAmount,
		&run.SurchargeAmount,
		&run.DueDate,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, notFound("billing_run", id)
	}
	if err != nil {
		return nil, dbError(err, "failed to get billing run")
	}
	return run, nil
}

func (r *billingRunRepository) HasLiveRun(ctx context.Context, q database.Querier, communityID int64, period string) (bool, error) {
	query := `
		SELECT COUNT(*)
		FROM billing_runs
		WHERE community_id = ? AND period = ? AND status <> ?
	`
	var n int
	if err := q.QueryRowContext(ctx, query, communityID, period, models.BillingRunVoided).Scan(&n); err != nil {
		return false, dbError(err, "failed to check billing runs")
	}
	return n > 0, nil
}

func (r *billingRunRepository) Update(ctx context.Context, tx *sql.Tx, run *models.BillingRun) error {
	query := `
		UPDATE billing_runs
		SET status = ?,
		    total_amount = ?,
		    distributable_amount = ?,
		    surcharge_amount = ?,
		    due_date = ?
		WHERE id = ?
	`
	result, err := tx.ExecContext(ctx, query,
		run.Status,
		run.TotalAmount,
		run.DistributableAmount,
		run.SurchargeAmount,
		run.DueDate,
		run.ID,
	)
	if err != nil {
		return dbError(err, "failed to update billing run")
	}
	return expectOneRow(result, "billing_run", run.ID)
}

func (r *billingRunRepository) ReplaceLineItems(ctx context.Context, tx *sql.Tx, runID int64, items []*models.BillingLineItem) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM billing_line_items WHERE billing_run_id = ?`, runID); err != nil {
		return dbError(err, "failed to clear line items")
	}

	query := `
		INSERT INTO billing_line_items (billing_run_id, expense_id, amount)
		VALUES (?, ?, ?)
	`
	for _, item := range items {
		item.BillingRunID = runID
		result, err := tx.ExecContext(ctx, query, runID, item.ExpenseID, item.Amount)
		if err != nil {
			return dbError(err, "failed to insert line item")
		}
		if err := lastInsertID(result, &item.ID); err != nil {
			return dbError(err, "failed to read line item id")
		}
	}
	return nil
}

func (r *billingRunRepository) ListLineItems(ctx context.Context, q database.Querier, runID int64) ([]*models.BillingLineItem, error) {
	query := `
		SELECT id, billing_run_id, expense_id, amount
		FROM billing_line_items
		WHERE billing_run_id = ?
		ORDER BY id
	`
	rows, err := q.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, dbError(err, "failed to list line items")
	}
	defer rows.Close()

	var items []*models.BillingLineItem
	for rows.Next() {
		item := &models.BillingLineItem{}
		if err := rows.Scan(&item.ID, &item.BillingRunID, &item.ExpenseID, &item.Amount); err != nil {
			return nil, dbError(err, "failed to scan line item")
		}
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return nil, dbError(err, "failed to iterate line items")
	}
	return items, nil
}
