package repositories

import (
	"context"
	"database/sql"

	"ledger-service/internal/database"
	ierr "ledger-service/internal/errors"
	"ledger-service/internal/models"
)

type ReconciliationRepository interface {
	CreateRun(ctx context.Context, tx *sql.Tx, run *models.ReconciliationRun) error
	GetRunByBatchID(ctx context.Context, q database.Querier, batchID string) (*models.ReconciliationRun, error)
	CreateRecord(ctx context.Context, tx *sql.Tx, rec *models.ReconciliationRecord) error
	// DeleteUnmatched drops unmatched records of a period; a newer run
	// re-evaluates those transactions and supersedes them.
	DeleteUnmatched(ctx context.Context, tx *sql.Tx, communityID int64, period string) error
	// DeleteUnmatchedForTransactions drops unmatched records of the given
	// transactions in any period, once a run has settled them.
	DeleteUnmatchedForTransactions(ctx context.Context, tx *sql.Tx, communityID int64, transactionIDs []int64) error
	ListRecords(ctx context.Context, q database.Querier, communityID int64, period string) ([]*models.ReconciliationRecord, error)
}

type reconciliationRepository struct{}

func NewReconciliationRepository() ReconciliationRepository {
	return &reconciliationRepository{}
}

func (r *reconciliationRepository) CreateRun(ctx context.Context, tx *sql.Tx, run *models.ReconciliationRun) error {
	query := `
		INSERT INTO reconciliation_runs (
			batch_id, community_id, period, matched, unmatched, disputed
		) VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := tx.ExecContext(ctx, query,
		run.BatchID,
		run.CommunityID,
		run.Period,
		run.Matched,
		run.Unmatched,
		run.Disputed,
	)
	if err != nil {
		return dbError(err, "failed to insert reconciliation run")
	}
	return dbError(lastInsertID(result, &run.ID), "failed to read reconciliation run id")
}

func (r *reconciliationRepository) GetRunByBatchID(ctx context.Context, q database.Querier, batchID string) (*models.ReconciliationRun, error) {
	run := &models.ReconciliationRun{}
	query := `
		SELECT id, batch_id, community_id, period, matched, unmatched, disputed, created_at
		FROM reconciliation_runs
		WHERE batch_id = ?
	`
	err := q.QueryRowContext(ctx, query, batchID).Scan(
		&run.ID,
		&run.BatchID,
		&run.CommunityID,
		&run.Period,
		&run.Matched,
		&run.Unmatched,
		&run.Disputed,
		&run.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ierr.NewErrorf("reconciliation run %s not found", batchID).
			WithHint("reconciliation run not found").
			WithReportableDetails(map[string]any{"batch_id": batchID}).
			Mark(ierr.ErrNotFound)
	}
	if err != nil {
		return nil, dbError(err, "failed to get reconciliation run")
	}
	return run, nil
}

func (r *reconciliationRepository) CreateRecord(ctx context.Context, tx *sql.Tx, rec *models.ReconciliationRecord) error {
	query := `
		INSERT INTO reconciliation_records (
			run_id, community_id, period, payment_id, bank_transaction_id,
			bank_reference, bank_amount, bank_date, match_status, match_criteria, note
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := tx.ExecContext(ctx, query,
		rec.RunID,
		rec.CommunityID,
		rec.Period,
		rec.PaymentID,
		rec.BankTransactionID,
		rec.BankReference,
		rec.BankAmount,
		rec.BankDate,
		rec.MatchStatus,
		rec.MatchCriteria,
		rec.Note,
	)
	if err != nil {
		return dbError(err, "failed to insert reconciliation record")
	}
	return dbError(lastInsertID(result, &rec.ID), "failed to read reconciliation record id")
}

func (r *reconciliationRepository) DeleteUnmatched(ctx context.Context, tx *sql.Tx, communityID int64, period string) error {
	query := `
		DELETE FROM reconciliation_records
		WHERE community_id = ? AND period = ? AND match_status = ?
	`
	if _, err := tx.ExecContext(ctx, query, communityID, period, models.MatchUnmatched); err != nil {
		return dbError(err, "failed to delete unmatched records")
	}
	return nil
}

func (r *reconciliationRepository) DeleteUnmatchedForTransactions(ctx context.Context, tx *sql.Tx, communityID int64, transactionIDs []int64) error {
	if len(transactionIDs) == 0 {
		return nil
	}
	query := `
		DELETE FROM reconciliation_records
		WHERE community_id = ? AND match_status = ? AND bank_transaction_id IN (` + placeholders(len(transactionIDs)) + `)
	`
	args := append([]any{communityID, models.MatchUnmatched}, int64Args(transactionIDs)...)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return dbError(err, "failed to delete superseded unmatched records")
	}
	return nil
}

func (r *reconciliationRepository) ListRecords(ctx context.Context, q database.Querier, communityID int64, period string) ([]*models.ReconciliationRecord, error) {
	query := `
		SELECT id, run_id, community_id, period, payment_id, bank_transaction_id,
		       bank_reference, bank_amount, bank_date, match_status, match_criteria,
		       note, created_at
		FROM reconciliation_records
		WHERE community_id = ? AND period = ?
		ORDER BY id
	`
	rows, err := q.QueryContext(ctx, query, communityID, period)
	if err != nil {
		return nil, dbError(err, "failed to list reconciliation records")
	}
	defer rows.Close()

	var records []*models.ReconciliationRecord
	for rows.Next() {
		rec := &models.ReconciliationRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.CommunityID,
			&rec.Period,
			&rec.PaymentID,
			&rec.BankTransactionID,
			&rec.BankReference,
			&rec.BankAmount,
			&rec.BankDate,
			&rec.MatchStatus,
			&rec.MatchCriteria,
			&rec.Note,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, dbError(err, "failed to scan reconciliation record")
		}
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, dbError(err, "failed to iterate reconciliation records")
	}
	return records, nil
}
