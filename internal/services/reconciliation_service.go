package services

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"ledger-service/internal/config"
	"ledger-service/internal/database"
	ierr "ledger-service/internal/errors"
	"ledger-service/internal/matching"
	"ledger-service/internal/models"
	"ledger-service/internal/repositories"
)

type ReconciliationService struct {
	db                 *sql.DB
	log                *zap.Logger
	matchEngine        *matching.MatchEngine
	bankRepo           repositories.BankRepository
	paymentRepo        repositories.PaymentRepository
	reconciliationRepo repositories.ReconciliationRepository
	auditRepo          repositories.AuditRepository
}

func NewReconciliationService(
	db *sql.DB,
	log *zap.Logger,
	cfg config.ReconciliationConfig,
	bankRepo repositories.BankRepository,
	paymentRepo repositories.PaymentRepository,
	reconciliationRepo repositories.ReconciliationRepository,
	auditRepo repositories.AuditRepository,
) *ReconciliationService {
	return &ReconciliationService{
		db:                 db,
		log:                log,
		matchEngine:        matching.NewMatchEngine(cfg.DateWindowDays),
		bankRepo:           bankRepo,
		paymentRepo:        paymentRepo,
		reconciliationRepo: reconciliationRepo,
		auditRepo:          auditRepo,
	}
}

type ReconciliationResult struct {
	Run     *models.ReconciliationRun      `json:"run"`
	Records []*models.ReconciliationRecord `json:"records"`
	// PendingPayments are still inside the date window.
	PendingPayments []int64 `json:"pending_payments,omitempty"`
}

// Run matches the period's unreconciled bank transactions against applied
// payments and stores the outcome atomically. Payments and charges are never
// modified.
func (s *ReconciliationService) Run(ctx context.Context, communityID int64, period string, asOf time.Time) (*ReconciliationResult, error) {
	from, to, err := periodRange(period)
	if err != nil {
		return nil, err
	}

	result := &ReconciliationResult{}
	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		// Transactions are fetched a window beyond the period on both sides so
		// payments near a month boundary can still match.
		window := s.matchEngine.WindowDays()
		transactions, err := s.bankRepo.GetUnreconciledTransactions(ctx, tx, communityID,
			from.AddDate(0, 0, -window), to.AddDate(0, 0, window))
		if err != nil {
			return err
		}
		payments, err := s.paymentRepo.ListForReconciliation(ctx, tx, communityID, from, to)
		if err != nil {
			return err
		}

		matched := s.matchEngine.Process(transactions, payments, asOf)
		// Leftover transactions outside the period stay open for their own run.
		matched.Unmatched = lo.Filter(matched.Unmatched, func(bt *models.BankTransaction, _ int) bool {
			return !bt.TransactionDate.Before(from) && bt.TransactionDate.Before(to)
		})

		run := &models.ReconciliationRun{
			BatchID:     uuid.NewString(),
			CommunityID: communityID,
			Period:      period,
			Matched:     len(matched.Matches),
			Unmatched:   len(matched.Unmatched),
			Disputed:    len(matched.Disputed),
		}
		if err := s.reconciliationRepo.DeleteUnmatched(ctx, tx, communityID, period); err != nil {
			return err
		}
		if err := s.reconciliationRepo.DeleteUnmatchedForTransactions(ctx, tx, communityID, settledTransactions(matched)); err != nil {
			return err
		}
		if err := s.reconciliationRepo.CreateRun(ctx, tx, run); err != nil {
			return err
		}

		records := buildRecords(run, matched)
		for _, rec := range records {
			if err := s.reconciliationRepo.CreateRecord(ctx, tx, rec); err != nil {
				return err
			}
		}

		result.Run = run
		result.Records = records
		for _, p := range matched.Pending {
			result.PendingPayments = append(result.PendingPayments, p.ID)
		}
		return s.auditRepo.Record(ctx, tx, communityID, models.AuditEntityReconciliation, run.ID, models.AuditActionMatched, map[string]any{
			"batch_id":  run.BatchID,
			"period":    period,
			"matched":   run.Matched,
			"unmatched": run.Unmatched,
			"disputed":  run.Disputed,
			"pending":   len(matched.Pending),
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("reconciliation completed",
		zap.Int64("community_id", communityID),
		zap.String("period", period),
		zap.String("batch_id", result.Run.BatchID),
		zap.Int("matched", result.Run.Matched),
		zap.Int("unmatched", result.Run.Unmatched),
		zap.Int("disputed", result.Run.Disputed))
	return result, nil
}

// settledTransactions lists the transactions a run matched or disputed.
func settledTransactions(matched *matching.Result) []int64 {
	ids := lo.Map(matched.Matches, func(m matching.Match, _ int) int64 { return m.Transaction.ID })
	for _, d := range matched.Disputed {
		if d.Transaction != nil {
			ids = append(ids, d.Transaction.ID)
		}
	}
	return ids
}

func buildRecords(run *models.ReconciliationRun, matched *matching.Result) []*models.ReconciliationRecord {
	var records []*models.ReconciliationRecord
	newRecord := func(status string, bt *models.BankTransaction, p *models.Payment) *models.ReconciliationRecord {
		rec := &models.ReconciliationRecord{
			RunID:       run.ID,
			CommunityID: run.CommunityID,
			Period:      run.Period,
			MatchStatus: status,
		}
		if bt != nil {
			rec.BankTransactionID = sql.NullInt64{Int64: bt.ID, Valid: true}
			rec.BankReference = bt.Reference
			rec.BankAmount = bt.Amount
			rec.BankDate = sql.NullTime{Time: bt.TransactionDate, Valid: true}
		}
		if p != nil {
			rec.PaymentID = sql.NullInt64{Int64: p.ID, Valid: true}
		}
		return rec
	}

	for _, m := range matched.Matches {
		rec := newRecord(models.MatchMatched, m.Transaction, m.Payment)
		rec.MatchCriteria = strings.Join(m.Criteria, ",")
		records = append(records, rec)
	}
	for _, d := range matched.Disputed {
		rec := newRecord(models.MatchDisputed, d.Transaction, d.Payment)
		rec.Note = d.Reason
		records = append(records, rec)
	}
	for _, bt := range matched.Unmatched {
		records = append(records, newRecord(models.MatchUnmatched, bt, nil))
	}
	return records
}

func (s *ReconciliationService) ListRecords(ctx context.Context, communityID int64, period string) ([]*models.ReconciliationRecord, error) {
	if _, _, err := periodRange(period); err != nil {
		return nil, err
	}
	return s.reconciliationRepo.ListRecords(ctx, s.db, communityID, period)
}

func (s *ReconciliationService) GetRun(ctx context.Context, communityID int64, batchID string) (*models.ReconciliationRun, error) {
	run, err := s.reconciliationRepo.GetRunByBatchID(ctx, s.db, batchID)
	if err != nil {
		return nil, err
	}
	if run.CommunityID != communityID {
		return nil, ierr.NewErrorf("reconciliation run %s not found", batchID).
			WithHint("reconciliation run not found").
			Mark(ierr.ErrNotFound)
	}
	return run, nil
}
