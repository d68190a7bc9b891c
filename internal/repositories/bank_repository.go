package repositories

import (
	"context"
	"database/sql"
	"time"

	"ledger-service/internal/database"
	ierr "ledger-service/internal/errors"
	"ledger-service/internal/models"
)

type BankRepository interface {
	// InsertBankTransaction returns a conflict error when the
	// (community, source, reference) triple was already ingested.
	InsertBankTransaction(ctx context.Context, q database.Querier, bt *models.BankTransaction) error
	GetBankTransactionByReference(ctx context.Context, q database.Querier, communityID int64, source, reference string) (*models.BankTransaction, error)
	// GetUnreconciledTransactions returns transactions dated in [from, to)
	// without a matched or disputed record. Previously unmatched ones are
	// offered again.
	GetUnreconciledTransactions(ctx context.Context, q database.Querier, communityID int64, from, to time.Time) ([]*models.BankTransaction, error)
}

type bankRepository struct{}

func NewBankRepository() BankRepository {
	return &bankRepository{}
}

func (r *bankRepository) InsertBankTransaction(ctx context.Context, q database.Querier, bt *models.BankTransaction) error {
	query := `
		INSERT INTO bank_transactions (
			community_id, source, reference, amount,
			transaction_date, description
		) VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := q.ExecContext(ctx, query,
		bt.CommunityID,
		bt.Source,
		bt.Reference,
		bt.Amount,
		bt.TransactionDate,
		bt.Description,
	)
	if database.IsDuplicate(err) {
		return ierr.WithError(err).
			WithHintf("Transaction %s from %s was already ingested", bt.Reference, bt.Source).
			WithReportableDetails(map[string]any{"source": bt.Source, "reference": bt.Reference}).
			Mark(ierr.ErrConflict)
	}
	if err != nil {
		return dbError(err, "failed to insert bank transaction")
	}
	return dbError(lastInsertID(result, &bt.ID), "failed to read bank transaction id")
}

func (r *bankRepository) GetBankTransactionByReference(ctx context.Context, q database.Querier, communityID int64, source, reference string) (*models.BankTransaction, error) {
	query := `
		SELECT id, community_id, source, reference, amount,
		       transaction_date, description, created_at
		FROM bank_transactions
		WHERE community_id = ? AND source = ? AND reference = ?
	`
	bt, err := scanBankTransaction(q.QueryRowContext(ctx, query, communityID, source, reference))
	if err == sql.ErrNoRows {
		return nil, ierr.NewErrorf("bank transaction %s/%s not found", source, reference).
			WithHint("bank transaction not found").
			Mark(ierr.ErrNotFound)
	}
	if err != nil {
		return nil, dbError(err, "failed to get bank transaction")
	}
	return bt, nil
}

func (r *bankRepository) GetUnreconciledTransactions(ctx context.Context, q database.Querier, communityID int64, from, to time.Time) ([]*models.BankTransaction, error) {
	query := `
		SELECT bt.id, bt.community_id, bt.source, bt.reference, bt.amount,
		       bt.transaction_date, bt.description, bt.created_at
		FROM bank_transactions bt
		WHERE bt.community_id = ?
		AND bt.transaction_date >= ? AND bt.transaction_date < ?
		AND NOT EXISTS (
			SELECT 1
			FROM reconciliation_records rr
			WHERE rr.bank_transaction_id = bt.id
			AND rr.match_status IN (?, ?)
		)
		ORDER BY bt.transaction_date, bt.id
	`
	rows, err := q.QueryContext(ctx, query, communityID, from, to, models.MatchMatched, models.MatchDisputed)
	if err != nil {
		return nil, dbError(err, "failed to list unreconciled transactions")
	}
	defer rows.Close()

	var transactions []*models.BankTransaction
	for rows.Next() {
		bt, err := scanBankTransaction(rows)
		if err != nil {
			return nil, dbError(err, "failed to scan bank transaction")
		}
		transactions = append(transactions, bt)
	}
	if err = rows.Err(); err != nil {
		return nil, dbError(err, "failed to iterate bank transactions")
	}
	return transactions, nil
}

func scanBankTransaction(s rowScanner) (*models.BankTransaction, error) {
	bt := &models.BankTransaction{}
	err := s.Scan(
		&bt.ID,
		&bt.CommunityID,
		&bt.Source,
		&bt.Reference,
		&bt.Amount,
		&bt.TransactionDate,
		&bt.Description,
		&bt.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return bt, nil
}
