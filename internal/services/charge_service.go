package services

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"ledger-service/internal/config"
	"ledger-service/internal/database"
	ierr "ledger-service/internal/errors"
	"ledger-service/internal/ledger"
	"ledger-service/internal/models"
	"ledger-service/internal/repositories"
)

type ChargeService struct {
	db            *sql.DB
	log           *zap.Logger
	policy        ledger.InterestPolicy
	workers       int
	retries       int
	chargeRepo    repositories.ChargeRepository
	communityRepo repositories.CommunityRepository
	// retryWait is the first pause before retrying failed charges.
	retryWait time.Duration
}

func NewChargeService(
	db *sql.DB,
	log *zap.Logger,
	cfg config.BillingConfig,
	chargeRepo repositories.ChargeRepository,
	communityRepo repositories.CommunityRepository,
) *ChargeService {
	return &ChargeService{
		db:            db,
		log:           log,
		policy:        ledger.InterestPolicy{MonthlyRate: cfg.MonthlyInterestRate, GraceDays: cfg.GraceDays},
		workers:       max(cfg.AccrualWorkers, 1),
		retries:       max(cfg.AccrualRetries, 0),
		chargeRepo:    chargeRepo,
		communityRepo: communityRepo,
		retryWait:     200 * time.Millisecond,
	}
}

// AccrualOutcome is the result of accruing one charge.
type AccrualOutcome struct {
	ChargeID int64          `json:"charge_id"`
	Interest int64          `json:"interest"`
	Changed  bool           `json:"changed"`
	Charge   *models.Charge `json:"charge,omitempty"`
	Attempts int            `json:"attempts"`
	Error    string         `json:"error,omitempty"`
	err      error
}

type BatchAccrualResult struct {
	CommunityID int64            `json:"community_id"`
	AsOf        string           `json:"as_of"`
	Processed   int              `json:"processed"`
	Accrued     int              `json:"accrued"`
	Interest    int64            `json:"interest"`
	Failed      int              `json:"failed"`
	Outcomes    []AccrualOutcome `json:"outcomes"`
}

// RecalculateInterest accrues interest on one charge through asOf. Running it
// twice for the same day changes nothing.
func (s *ChargeService) RecalculateInterest(ctx context.Context, communityID, chargeID int64, asOf time.Time) (*AccrualOutcome, error) {
	outcome := s.accrue(ctx, communityID, chargeID, asOf)
	if outcome.err != nil {
		return nil, outcome.err
	}
	return &outcome, nil
}

func (s *ChargeService) accrue(ctx context.Context, communityID, chargeID int64, asOf time.Time) AccrualOutcome {
	outcome := AccrualOutcome{ChargeID: chargeID}
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		charge, err := s.chargeRepo.GetForUpdate(ctx, tx, communityID, chargeID)
		if err != nil {
			return err
		}

		outcome.Charge = charge
		outcome.Interest, outcome.Changed = ledger.Accrue(charge, asOf, s.policy)
		if !outcome.Changed {
			return nil
		}
		return s.chargeRepo.Update(ctx, tx, charge)
	})
	if err != nil {
		outcome.err = err
		outcome.Error = err.Error()
		outcome.Charge = nil
	}
	return outcome
}

// AccrueCommunity accrues every past-due charge of a community. Charges are
// processed independently; failures are retried on their own and reported
// per charge instead of failing the batch.
func (s *ChargeService) AccrueCommunity(ctx context.Context, communityID int64, asOf time.Time) (*BatchAccrualResult, error) {
	asOf = ledger.Day(asOf)
	ids, err := s.chargeRepo.ListAccrualCandidates(ctx, s.db, communityID, asOf)
	if err != nil {
		return nil, err
	}

	outcomes := make(map[int64]AccrualOutcome, len(ids))
	pending := ids
	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = s.retryWait

	for attempt := 1; len(pending) > 0 && attempt <= s.retries+1; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
			case <-time.After(wait.NextBackOff()):
			}
		}
		if ctx.Err() != nil {
			break
		}

		p := pool.NewWithResults[AccrualOutcome]().WithMaxGoroutines(s.workers)
		for _, id := range pending {
			p.Go(func() AccrualOutcome {
				return s.accrue(ctx, communityID, id, asOf)
			})
		}

		var failed []int64
		for _, o := range p.Wait() {
			o.Attempts = attempt
			outcomes[o.ChargeID] = o
			if o.err != nil {
				failed = append(failed, o.ChargeID)
			}
		}
		sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
		pending = failed
	}

	if err := ctx.Err(); err != nil {
		for _, id := range ids {
			if _, ok := outcomes[id]; !ok {
				outcomes[id] = AccrualOutcome{ChargeID: id, Error: err.Error(), err: err}
			}
		}
	}

	result := &BatchAccrualResult{CommunityID: communityID, AsOf: asOf.Format(dateLayout)}
	for _, id := range ids {
		o := outcomes[id]
		result.Processed++
		switch {
		case o.err != nil:
			result.Failed++
			s.log.Warn("interest accrual failed",
				zap.Int64("community_id", communityID),
				zap.Int64("charge_id", id),
				zap.Int("attempts", o.Attempts),
				zap.Error(o.err))
		case o.Changed:
			result.Accrued++
			result.Interest += o.Interest
		}
		result.Outcomes = append(result.Outcomes, o)
	}

	s.log.Info("community interest accrued",
		zap.Int64("community_id", communityID),
		zap.String("as_of", result.AsOf),
		zap.Int("processed", result.Processed),
		zap.Int("accrued", result.Accrued),
		zap.Int("failed", result.Failed))
	return result, nil
}

// AccrueAll runs AccrueCommunity for every active community. A community
// that cannot be listed is reported and skipped.
func (s *ChargeService) AccrueAll(ctx context.Context, asOf time.Time) ([]*BatchAccrualResult, error) {
	communities, err := s.communityRepo.ListActive(ctx, s.db)
	if err != nil {
		return nil, err
	}

	var results []*BatchAccrualResult
	var errs error
	for _, c := range communities {
		res, err := s.AccrueCommunity(ctx, c.ID, asOf)
		if err != nil {
			s.log.Error("community accrual aborted", zap.Int64("community_id", c.ID), zap.Error(err))
			errs = ierr.CombineErrors(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errs
}
