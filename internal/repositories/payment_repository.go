package repositories

import (
	"context"
	"database/sql"
	"time"

	"ledger-service/internal/database"
	"ledger-service/internal/models"
)

type PaymentRepository interface {
	Create(ctx context.Context, q database.Querier, p *models.Payment) error
	GetByID(ctx context.Context, q database.Querier, communityID, id int64) (*models.Payment, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, communityID, id int64) (*models.Payment, error)
	Update(ctx context.Context, q database.Querier, p *models.Payment) error
	// ListWithCreditForUpdate locks applied payments of a unit that still
	// hold unallocated credit, oldest first.
	ListWithCreditForUpdate(ctx context.Context, tx *sql.Tx, communityID, unitID int64) ([]*models.Payment, error)
	// ListForReconciliation returns applied payments dated in [from, to)
	// without a matched or disputed record.
	ListForReconciliation(ctx context.Context, q database.Querier, communityID int64, from, to time.Time) ([]*models.Payment, error)

	CreateAllocation(ctx context.Context, tx *sql.Tx, a *models.PaymentAllocation) error
	ListAllocations(ctx context.Context, q database.Querier, paymentID int64) ([]*models.PaymentAllocation, error)
	DeleteAllocations(ctx context.Context, tx *sql.Tx, paymentID int64) error
}

type paymentRepository struct{}

func NewPaymentRepository() PaymentRepository {
	return &paymentRepository{}
}

const paymentColumns = `id, community_id, unit_id, amount, unallocated_amount, date,
		       method, reference, status, created_at, updated_at`

func (r *paymentRepository) Create(ctx context.Context, q database.Querier, p *models.Payment) error {
	query := `
		INSERT INTO payments (
			community_id, unit_id, amount, unallocated_amount,
			date, method, reference, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := q.ExecContext(ctx, query,
		p.CommunityID,
		p.UnitID,
		p.Amount,
		p.UnallocatedAmount,
		p.Date,
		p.Method,
		p.Reference,
		p.Status,
	)
	if err != nil {
		return dbError(err, "failed to insert payment")
	}
	return dbError(lastInsertID(result, &p.ID), "failed to read payment id")
}

func (r *paymentRepository) GetByID(ctx context.Context, q database.Querier, communityID, id int64) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE id = ? AND community_id = ?
	`
	return r.get(ctx, q, query, communityID, id)
}

func (r *paymentRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, communityID, id int64) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE id = ? AND community_id = ?
		FOR UPDATE
	`
	return r.get(ctx, tx, query, communityID, id)
}

func (r *paymentRepository) get(ctx context.Context, q database.Querier, query string, communityID, id int64) (*models.Payment, error) {
	p, err := scanPayment(q.QueryRowContext(ctx, query, id, communityID))
	if err == sql.ErrNoRows {
		return nil, notFound("payment", id)
	}
	if err != nil {
		return nil, dbError(err, "failed to get payment")
	}
	return p, nil
}

func (r *paymentRepository) Update(ctx context.Context, q database.Querier, p *models.Payment) error {
	query := `
		UPDATE payments
		SET status = ?,
		    unallocated_amount = ?,
		    reference = ?
		WHERE id = ?
	`
	result, err := q.ExecContext(ctx, query, p.Status, p.UnallocatedAmount, p.Reference, p.ID)
	if err != nil {
		return dbError(err, "failed to update payment")
	}
	return expectOneRow(result, "payment", p.ID)
}

func (r *paymentRepository) ListWithCreditForUpdate(ctx context.Context, tx *sql.Tx, communityID, unitID int64) ([]*models.Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE community_id = ?
		AND unit_id = ?
		AND status = ?
		AND unallocated_amount > 0
		ORDER BY id
		FOR UPDATE
	`
	return r.list(ctx, tx, query, communityID, unitID, models.PaymentApplied)
}

func (r *paymentRepository) ListForReconciliation(ctx context.Context, q database.Querier, communityID int64, from, to time.Time) ([]*models.Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments p
		WHERE p.community_id = ?
		AND p.status = ?
		AND p.date >= ? AND p.date < ?
		AND NOT EXISTS (
			SELECT 1
			FROM reconciliation_records rr
			WHERE rr.payment_id = p.id
			AND rr.match_status IN (?, ?)
		)
		ORDER BY p.date, p.id
	`
	return r.list(ctx, q, query, communityID, models.PaymentApplied, from, to, models.MatchMatched, models.MatchDisputed)
}

func (r *paymentRepository) list(ctx context.Context, q database.Querier, query string, args ...any) ([]*models.Payment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError(err, "failed to list payments")
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, dbError(err, "failed to scan payment")
		}
		payments = append(payments, p)
	}
	if err = rows.Err(); err != nil {
		return nil, dbError(err, "failed to iterate payments")
	}
	return payments, nil
}

// CreateAllocation adds to an existing allocation of the same payment and
// charge, keeping the first snapshot.
func (r *paymentRepository) CreateAllocation(ctx context.Context, tx *sql.Tx, a *models.PaymentAllocation) error {
	query := `
		INSERT INTO payment_allocations (
			payment_id, charge_id, amount_allocated, prior_status, prior_amount_paid
		) VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			amount_allocated = amount_allocated + VALUES(amount_allocated),
			id = LAST_INSERT_ID(id)
	`
	result, err := tx.ExecContext(ctx, query,
		a.PaymentID,
		a.ChargeID,
		a.AmountAllocated,
		a.PriorStatus,
		a.PriorAmountPaid,
	)
	if err != nil {
		return dbError(err, "failed to insert payment allocation")
	}
	return dbError(lastInsertID(result, &a.ID), "failed to read allocation id")
}

func (r *paymentRepository) ListAllocations(ctx context.Context, q database.Querier, paymentID int64) ([]*models.PaymentAllocation, error) {
	query := `
		SELECT id, payment_id, charge_id, amount_allocated, prior_status, prior_amount_paid
		FROM payment_allocations
		WHERE payment_id = ?
		ORDER BY charge_id
	`
	rows, err := q.QueryContext(ctx, query, paymentID)
	if err != nil {
		return nil, dbError(err, "failed to list allocations")
	}
	defer rows.Close()

	var allocations []*models.PaymentAllocation
	for rows.Next() {
		a := &models.PaymentAllocation{}
		err := rows.Scan(
			&a.ID,
			&a.PaymentID,
			&a.ChargeID,
			&a.AmountAllocated,
			&a.PriorStatus,
			&a.PriorAmountPaid,
		)
		if err != nil {
			return nil, dbError(err, "failed to scan allocation")
		}
		allocations = append(allocations, a)
	}
	if err = rows.Err(); err != nil {
		return nil, dbError(err, "failed to iterate allocations")
	}
	return allocations, nil
}

func (r *paymentRepository) DeleteAllocations(ctx context.Context, tx *sql.Tx, paymentID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM payment_allocations WHERE payment_id = ?`, paymentID); err != nil {
		return dbError(err, "failed to delete allocations")
	}
	return nil
}

func scanPayment(s rowScanner) (*models.Payment, error) {
	p := &models.Payment{}
	err := s.Scan(
		&p.ID,
		&p.CommunityID,
		&p.UnitID,
		&p.Amount,
		&p.UnallocatedAmount,
		&p.Date,
		&p.Method,
		&p.Reference,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}
