package repositories

import (
	"context"
	"database/sql"
	"time"

	"ledger-service/internal/database"
	"ledger-service/internal/models"
)

type ExpenseRepository interface {
	// ListBillable returns approved expenses dated in [from, to) that are
	// not part of a live billing run other than excludeRunID.
	ListBillable(ctx context.Context, q database.Querier, communityID int64, from, to time.Time, excludeRunID int64) ([]*models.Expense, error)
	// LockForRun freezes the expenses included in a generated run.
	LockForRun(ctx context.Context, tx *sql.Tx, runID int64) error
	// UnlockForRun releases the expenses of a voided run.
	UnlockForRun(ctx context.Context, tx *sql.Tx, runID int64) error
}

type expenseRepository struct{}

func NewExpenseRepository() ExpenseRepository {
	return &expenseRepository{}
}

func (r *expenseRepository) ListBillable(ctx context.Context, q database.Querier, communityID int64, from, to time.Time, excludeRunID int64) ([]*models.Expense, error) {
	query := `
		SELECT e.id, e.community_id, e.category_id, e.cost_center_id, e.provider_id,
		       e.amount, e.date, e.is_extraordinary, e.status, e.locked
		FROM expenses e
		WHERE e.community_id = ?
		AND e.status = ?
		AND e.date >= ? AND e.date < ?
		AND NOT EXISTS (
			SELECT 1
			FROM billing_line_items li
			JOIN billing_runs br ON br.id = li.billing_run_id
			WHERE li.expense_id = e.id
			AND br.status <> ?
			AND br.id <> ?
		)
		ORDER BY e.date, e.id
	`
	rows, err := q.QueryContext(ctx, query, communityID, models.ExpenseStatusApproved, from, to, models.BillingRunVoided, excludeRunID)
	if err != nil {
		return nil, dbError(err, "failed to list billable expenses")
	}
	defer rows.Close()

	var expenses []*models.Expense
	for rows.Next() {
		e := &models.Expense{}
		err := rows.Scan(
			&e.ID,
			&e.CommunityID,
			&e.CategoryID,
			&e.CostCenterID,
			&e.ProviderID,
			&e.Amount,
			&e.Date,
			&e.IsExtraordinary,
			&e.Status,
			&e.Locked,
		)
		if err != nil {
			return nil, dbError(err, "failed to scan expense")
		}
		expenses = append(expenses, e)
	}
	if err = rows.Err(); err != nil {
		return nil, dbError(err, "failed to iterate expenses")
	}
	return expenses, nil
}

func (r *expenseRepository) LockForRun(ctx context.Context, tx *sql.Tx, runID int64) error {
	return r.setLocked(ctx, tx, runID, true)
}

func (r *expenseRepository) UnlockForRun(ctx context.Context, tx *sql.Tx, runID int64) error {
	return r.setLocked(ctx, tx, runID, false)
}

func (r *expenseRepository) setLocked(ctx context.Context, tx *sql.Tx, runID int64, locked bool) error {
	query := `
		UPDATE expenses e
		JOIN billing_line_items li ON li.expense_id = e.id
		SET e.locked = ?
		WHERE li.billing_run_id = ?
	`
	if _, err := tx.ExecContext(ctx, query, locked, runID); err != nil {
		return dbError(err, "failed to update expense lock")
	}
	return nil
}
