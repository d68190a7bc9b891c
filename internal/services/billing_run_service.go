package services

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"ledger-service/internal/config"
	"ledger-service/internal/database"
	ierr "ledger-service/internal/errors"
	"ledger-service/internal/ledger"
	"ledger-service/internal/models"
	"ledger-service/internal/proration"
	"ledger-service/internal/repositories"
)

// CreditApplier settles unallocated payment credit against a unit's charges.
type CreditApplier interface {
	ApplyCredit(ctx context.Context, communityID, unitID int64) (*CreditResult, error)
}

type BillingRunService struct {
	db          *sql.DB
	log         *zap.Logger
	cfg         config.BillingConfig
	engine      *proration.Engine
	runRepo     repositories.BillingRunRepository
	expenseRepo repositories.ExpenseRepository
	unitRepo    repositories.UnitRepository
	chargeRepo  repositories.ChargeRepository
	auditRepo   repositories.AuditRepository
	credit      CreditApplier
}

func NewBillingRunService(
	db *sql.DB,
	log *zap.Logger,
	cfg config.BillingConfig,
	runRepo repositories.BillingRunRepository,
	expenseRepo repositories.ExpenseRepository,
	unitRepo repositories.UnitRepository,
	chargeRepo repositories.ChargeRepository,
	auditRepo repositories.AuditRepository,
	credit CreditApplier,
) *BillingRunService {
	return &BillingRunService{
		db:          db,
		log:         log,
		cfg:         cfg,
		engine:      proration.NewEngine(cfg.CoefficientTotal, cfg.CoefficientTolerance, cfg.RemainderPolicy),
		runRepo:     runRepo,
		expenseRepo: expenseRepo,
		unitRepo:    unitRepo,
		chargeRepo:  chargeRepo,
		auditRepo:   auditRepo,
		credit:      credit,
	}
}

type CreateBillingRunRequest struct {
	CommunityID int64      `json:"-" validate:"required,gt=0"`
	Period      string     `json:"period" validate:"required,period"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

type BillingRunDetail struct {
	Run       *models.BillingRun        `json:"billing_run"`
	LineItems []*models.BillingLineItem `json:"line_items"`
}

type PreviewResult struct {
	Run       *models.BillingRun `json:"billing_run"`
	Proration *proration.Result  `json:"proration"`
}

type GenerateResult struct {
	Run     *models.BillingRun `json:"billing_run"`
	Charges []*models.Charge   `json:"charges"`
}

// Create opens a draft run for the period with a snapshot of its billable
// expenses.
func (s *BillingRunService) Create(ctx context.Context, req CreateBillingRunRequest) (*BillingRunDetail, error) {
	from, _, err := periodRange(req.Period)
	if err != nil {
		return nil, err
	}

	dueDate := time.Date(from.Year(), from.Month()+1, s.cfg.DueDay, 0, 0, 0, 0, time.UTC)
	if req.DueDate != nil {
		dueDate = ledger.Day(*req.DueDate)
	}
	if dueDate.Before(from) {
		return nil, ierr.NewError("due date precedes period").
			WithHint("Due date must not be before the billed period").
			WithReportableDetails(map[string]any{"due_date": dueDate.Format(dateLayout), "period": req.Period}).
			Mark(ierr.ErrValidation)
	}

	detail := &BillingRunDetail{}
	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		live, err := s.runRepo.HasLiveRun(ctx, tx, req.CommunityID, req.Period)
		if err != nil {
			return err
		}
		if live {
			return ierr.NewErrorf("period %s already has a billing run", req.Period).
				WithHintf("Period %s already has a billing run; void it first", req.Period).
				WithReportableDetails(map[string]any{"period": req.Period}).
				Mark(ierr.ErrConflict)
		}

		run := &models.BillingRun{
			CommunityID: req.CommunityID,
			Period:      req.Period,
			Status:      models.BillingRunDraft,
			DueDate:     dueDate,
		}
		if err := s.runRepo.Create(ctx, tx, run); err != nil {
			return err
		}

		items, err := s.snapshot(ctx, tx, run)
		if err != nil {
			return err
		}
		if err := s.runRepo.Update(ctx, tx, run); err != nil {
			return err
		}

		detail.Run, detail.LineItems = run, items
		return s.auditRepo.Record(ctx, tx, run.CommunityID, models.AuditEntityBillingRun, run.ID, models.AuditActionCreated, map[string]any{
			"period":       run.Period,
			"expenses":     len(items),
			"total_amount": run.TotalAmount,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("billing run created",
		zap.Int64("community_id", detail.Run.CommunityID),
		zap.Int64("billing_run_id", detail.Run.ID),
		zap.String("period", detail.Run.Period),
		zap.Int64("total_amount", detail.Run.TotalAmount))
	return detail, nil
}

// Refresh re-aggregates the expenses of a draft run.
func (s *BillingRunService) Refresh(ctx context.Context, communityID, runID int64) (*BillingRunDetail, error) {
	detail := &BillingRunDetail{}
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		run, err := s.runRepo.GetForUpdate(ctx, tx, communityID, runID)
		if err != nil {
			return err
		}
		if run.Status != models.BillingRunDraft {
			return transitionError(run, "refreshed")
		}

		items, err := s.snapshot(ctx, tx, run)
		if err != nil {
			return err
		}
		if err := s.runRepo.Update(ctx, tx, run); err != nil {
			return err
		}

		detail.Run, detail.LineItems = run, items
		return s.auditRepo.Record(ctx, tx, communityID, models.AuditEntityBillingRun, run.ID, models.AuditActionRefreshed, map[string]any{
			"expenses":     len(items),
			"total_amount": run.TotalAmount,
		})
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// snapshot replaces the run's line items with the current billable
// expenses and updates its amounts.
func (s *BillingRunService) snapshot(ctx context.Context, tx *sql.Tx, run *models.BillingRun) ([]*models.BillingLineItem, error) {
	from, to, err := periodRange(run.Period)
	if err != nil {
		return nil, err
	}

	expenses, err := s.expenseRepo.ListBillable(ctx, tx, run.CommunityID, from, to, run.ID)
	if err != nil {
		return nil, err
	}
	surcharges, err := s.unitRepo.ListSurcharges(ctx, tx, run.CommunityID, run.Period)
	if err != nil {
		return nil, err
	}

	items := lo.Map(expenses, func(e *models.Expense, _ int) *models.BillingLineItem {
		return &models.BillingLineItem{ExpenseID: e.ID, Amount: e.Amount}
	})
	if err := s.runRepo.ReplaceLineItems(ctx, tx, run.ID, items); err != nil {
		return nil, err
	}

	run.DistributableAmount = lo.SumBy(expenses, func(e *models.Expense) int64 { return e.Amount })
	run.SurchargeAmount = lo.SumBy(surcharges, func(su *models.UnitSurcharge) int64 { return su.Amount })
	run.TotalAmount = run.DistributableAmount + run.SurchargeAmount
	return items, nil
}

func (s *BillingRunService) Get(ctx context.Context, communityID, runID int64) (*BillingRunDetail, error) {
	run, err := s.runRepo.GetByID(ctx, s.db, communityID, runID)
	if err != nil {
		return nil, err
	}
	items, err := s.runRepo.ListLineItems(ctx, s.db, run.ID)
	if err != nil {
		return nil, err
	}
	return &BillingRunDetail{Run: run, LineItems: items}, nil
}

// prorate computes per-unit base amounts from the current units and
// surcharges. Nothing is written.
func (s *BillingRunService) prorate(ctx context.Context, q database.Querier, run *models.BillingRun) (*proration.Result, error) {
	units, err := s.unitRepo.ListActive(ctx, q, run.CommunityID)
	if err != nil {
		return nil, err
	}
	surcharges, err := s.unitRepo.ListSurcharges(ctx, q, run.CommunityID, run.Period)
	if err != nil {
		return nil, err
	}

	shares := lo.Map(units, func(u *models.Unit, _ int) proration.UnitShare {
		return proration.UnitShare{UnitID: u.ID, Coefficient: u.Coefficient}
	})
	byUnit := make(map[int64]int64, len(surcharges))
	for _, su := range surcharges {
		byUnit[su.UnitID] += su.Amount
	}

	return s.engine.Prorate(run.DistributableAmount, shares, byUnit)
}

// Preview prorates the run and moves a draft to previewed. A failed
// proration leaves the run untouched.
func (s *BillingRunService) Preview(ctx context.Context, communityID, runID int64) (*PreviewResult, error) {
	result := &PreviewResult{}
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		run, err := s.runRepo.GetForUpdate(ctx, tx, communityID, runID)
		if err != nil {
			return err
		}
		if run.Status != models.BillingRunDraft && run.Status != models.BillingRunPreviewed {
			return transitionError(run, "previewed")
		}

		prorated, err := s.prorate(ctx, tx, run)
		if err != nil {
			return err
		}

		run.Status = models.BillingRunPreviewed
		run.SurchargeAmount = prorated.SurchargeTotal
		run.TotalAmount = prorated.Total
		if err := s.runRepo.Update(ctx, tx, run); err != nil {
			return err
		}

		result.Run, result.Proration = run, prorated
		return s.auditRepo.Record(ctx, tx, communityID, models.AuditEntityBillingRun, run.ID, models.AuditActionPreviewed, map[string]any{
			"units":        len(prorated.Lines),
			"total_amount": run.TotalAmount,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GenerateCharges creates one charge per unit of a previewed run in a single
// transaction. Calling it again returns ErrAlreadyGenerated together with
// the existing charges. Lock contention is retried with backoff.
func (s *BillingRunService) GenerateCharges(ctx context.Context, communityID, runID int64) (*GenerateResult, error) {
	var result *GenerateResult
	operation := func() error {
		var err error
		result, err = s.generate(ctx, communityID, runID)
		if err != nil && !(ierr.IsIntegrity(err) && database.IsRetryable(err)) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.cfg.GenerateRetries), ctx)
	notify := func(err error, wait time.Duration) {
		s.log.Warn("charge generation contended, retrying",
			zap.Int64("billing_run_id", runID),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err != nil {
		if ierr.IsIntegrity(err) && database.IsRetryable(err) {
			err = ierr.WithError(err).
				WithHintf("Charges for billing run %d could not be generated, try again later", runID).
				Mark(ierr.ErrIntegrity)
		}
		return result, err
	}

	s.log.Info("charges generated",
		zap.Int64("community_id", communityID),
		zap.Int64("billing_run_id", runID),
		zap.Int("charges", len(result.Charges)),
		zap.Int64("total_amount", result.Run.TotalAmount))

	if s.cfg.AutoApplyCredit && s.credit != nil {
		s.applyCredit(ctx, communityID, result.Charges)
	}
	return result, nil
}

func (s *BillingRunService) generate(ctx context.Context, communityID, runID int64) (*GenerateResult, error) {
	// existing is only reported with ErrAlreadyGenerated; generated only
	// once the transaction has committed.
	var existing, generated *GenerateResult
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		run, err := s.runRepo.GetForUpdate(ctx, tx, communityID, runID)
		if err != nil {
			return err
		}

		switch run.Status {
		case models.BillingRunGenerated, models.BillingRunClosed:
			charges, err := s.chargeRepo.ListByRun(ctx, tx, run.ID)
			if err != nil {
				return err
			}
			existing = &GenerateResult{Run: run, Charges: charges}
			return ierr.WithError(ierr.ErrAlreadyGenerated).
				WithHintf("Charges for billing run %d were already generated", run.ID).
				WithReportableDetails(map[string]any{
					"billing_run_id": run.ID,
					"status":         run.Status,
					"charges":        len(charges),
				}).
				Mark(ierr.ErrConflict)
		case models.BillingRunPreviewed:
		default:
			return transitionError(run, "generated")
		}

		prorated, err := s.prorate(ctx, tx, run)
		if err != nil {
			return err
		}
		base := prorated.BaseAmounts()
		if lo.Sum(lo.Values(base)) != prorated.Total {
			return ierr.WithError(ierr.ErrRemainderMismatch).
				WithReportableDetails(map[string]any{"billing_run_id": run.ID, "total_amount": prorated.Total}).
				Mark(ierr.ErrIntegrity)
		}

		charges := make([]*models.Charge, 0, len(prorated.Lines))
		for _, line := range prorated.Lines {
			if err := ctx.Err(); err != nil {
				return ierr.WithError(err).
					WithHint("Charge generation was cancelled; the billing run is unchanged").
					Mark(ierr.ErrSystem)
			}

			charge := ledger.NewCharge(run, line.UnitID, line.BaseAmount)
			if charge.BaseAmount == 0 {
				charge.Status = models.ChargePaid
			}
			if err := s.chargeRepo.Create(ctx, tx, charge); err != nil {
				return err
			}
			charges = append(charges, charge)
		}

		run.Status = models.BillingRunGenerated
		run.SurchargeAmount = prorated.SurchargeTotal
		run.TotalAmount = prorated.Total
		if err := s.runRepo.Update(ctx, tx, run); err != nil {
			return err
		}

		generated = &GenerateResult{Run: run, Charges: charges}
		return s.auditRepo.Record(ctx, tx, communityID, models.AuditEntityBillingRun, run.ID, models.AuditActionGenerated, map[string]any{
			"charges":      len(charges),
			"total_amount": run.TotalAmount,
		})
	})
	if ierr.Is(err, ierr.ErrAlreadyGenerated) {
		return existing, err
	}
	if err != nil {
		return nil, err
	}
	return generated, nil
}

// applyCredit runs after the generation commit; failures are logged and the
// credit stays available for an explicit call.
func (s *BillingRunService) applyCredit(ctx context.Context, communityID int64, charges []*models.Charge) {
	units := lo.Uniq(lo.Map(charges, func(c *models.Charge, _ int) int64 { return c.UnitID }))
	for _, unitID := range units {
		res, err := s.credit.ApplyCredit(ctx, communityID, unitID)
		if err != nil {
			s.log.Warn("auto apply credit failed",
				zap.Int64("community_id", communityID),
				zap.Int64("unit_id", unitID),
				zap.Error(err))
			continue
		}
		if res.Allocated > 0 {
			s.log.Info("credit applied to new charges",
				zap.Int64("community_id", communityID),
				zap.Int64("unit_id", unitID),
				zap.Int64("allocated", res.Allocated))
		}
	}
}

// Close freezes a generated run and its expenses.
func (s *BillingRunService) Close(ctx context.Context, communityID, runID int64) (*models.BillingRun, error) {
	var run *models.BillingRun
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		run, err = s.runRepo.GetForUpdate(ctx, tx, communityID, runID)
		if err != nil {
			return err
		}
		if run.Status != models.BillingRunGenerated {
			return transitionError(run, "closed")
		}

		if err := s.expenseRepo.LockForRun(ctx, tx, run.ID); err != nil {
			return err
		}
		run.Status = models.BillingRunClosed
		if err := s.runRepo.Update(ctx, tx, run); err != nil {
			return err
		}
		return s.auditRepo.Record(ctx, tx, communityID, models.AuditEntityBillingRun, run.ID, models.AuditActionClosed, map[string]any{
			"total_amount": run.TotalAmount,
		})
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Void cancels a run. Generated runs can only be voided while none of their
// charges has received a payment; closed runs never.
func (s *BillingRunService) Void(ctx context.Context, communityID, runID int64) (*models.BillingRun, error) {
	var run *models.BillingRun
	var voided int64
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		run, err = s.runRepo.GetForUpdate(ctx, tx, communityID, runID)
		if err != nil {
			return err
		}

		switch run.Status {
		case models.BillingRunDraft, models.BillingRunPreviewed:
		case models.BillingRunGenerated:
			n, err := s.chargeRepo.CountAllocationsByRun(ctx, tx, run.ID)
			if err != nil {
				return err
			}
			if n > 0 {
				return ierr.WithError(ierr.ErrChargeHasPayments).
					WithHintf("Billing run %d has %d payment allocations; reverse them first", run.ID, n).
					WithReportableDetails(map[string]any{"billing_run_id": run.ID, "status": run.Status, "allocations": n}).
					Mark(ierr.ErrState)
			}
			if voided, err = s.chargeRepo.VoidByRun(ctx, tx, run.ID); err != nil {
				return err
			}
		default:
			return transitionError(run, "voided")
		}

		if err := s.expenseRepo.UnlockForRun(ctx, tx, run.ID); err != nil {
			return err
		}
		run.Status = models.BillingRunVoided
		if err := s.runRepo.Update(ctx, tx, run); err != nil {
			return err
		}
		return s.auditRepo.Record(ctx, tx, communityID, models.AuditEntityBillingRun, run.ID, models.AuditActionVoided, map[string]any{
			"charges_voided": voided,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("billing run voided",
		zap.Int64("community_id", communityID),
		zap.Int64("billing_run_id", runID),
		zap.Int64("charges_voided", voided))
	return run, nil
}

func (s *BillingRunService) ListCharges(ctx context.Context, communityID, runID int64) ([]*models.Charge, error) {
	run, err := s.runRepo.GetByID(ctx, s.db, communityID, runID)
	if err != nil {
		return nil, err
	}
	return s.chargeRepo.ListByRun(ctx, s.db, run.ID)
}
