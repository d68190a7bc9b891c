package services

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"ledger-service/internal/allocation"
	"ledger-service/internal/database"
	ierr "ledger-service/internal/errors"
	"ledger-service/internal/gateway"
	"ledger-service/internal/ledger"
	"ledger-service/internal/models"
	"ledger-service/internal/repositories"
)

type PaymentService struct {
	db          *sql.DB
	log         *zap.Logger
	currency    string
	gateways    *gateway.Registry
	paymentRepo repositories.PaymentRepository
	chargeRepo  repositories.ChargeRepository
	unitRepo    repositories.UnitRepository
	auditRepo   repositories.AuditRepository
}

func NewPaymentService(
	db *sql.DB,
	log *zap.Logger,
	currency string,
	gateways *gateway.Registry,
	paymentRepo repositories.PaymentRepository,
	chargeRepo repositories.ChargeRepository,
	unitRepo repositories.UnitRepository,
	auditRepo repositories.AuditRepository,
) *PaymentService {
	return &PaymentService{
		db:          db,
		log:         log,
		currency:    currency,
		gateways:    gateways,
		paymentRepo: paymentRepo,
		chargeRepo:  chargeRepo,
		unitRepo:    unitRepo,
		auditRepo:   auditRepo,
	}
}

type RegisterPaymentRequest struct {
	CommunityID int64     `json:"-" validate:"required,gt=0"`
	UnitID      int64     `json:"unit_id" validate:"required,gt=0"`
	Amount      int64     `json:"amount" validate:"required,gt=0"`
	Date        time.Time `json:"date" validate:"required"`
	Method      string    `json:"method" validate:"required,max=32"`
	Reference   string    `json:"reference" validate:"max=128"`
	// Provider, when set, submits the payment to that gateway.
	Provider string `json:"provider,omitempty"`
}

type RegisterPaymentResult struct {
	Payment *models.Payment       `json:"payment"`
	Gateway *gateway.SubmitResult `json:"gateway,omitempty"`
}

type ApplyResult struct {
	Payment     *models.Payment             `json:"payment"`
	Allocations []*models.PaymentAllocation `json:"allocations"`
	Charges     []*models.Charge            `json:"charges"`
	Unallocated int64                       `json:"unallocated"`
}

type ReverseResult struct {
	Payment *models.Payment  `json:"payment"`
	Charges []*models.Charge `json:"charges"`
}

type CreditResult struct {
	UnitID      int64                       `json:"unit_id"`
	Allocated   int64                       `json:"allocated"`
	Allocations []*models.PaymentAllocation `json:"allocations"`
	Charges     []*models.Charge            `json:"charges"`
}

// Register records a pending payment. When a provider is named the payment
// is submitted after the insert commits and the gateway reference is stored
// with a separate update.
func (s *PaymentService) Register(ctx context.Context, req RegisterPaymentRequest) (*RegisterPaymentResult, error) {
	var g gateway.Gateway
	if req.Provider != "" {
		var err error
		if g, err = s.gateways.Get(req.Provider); err != nil {
			return nil, err
		}
	}

	if _, err := s.unitRepo.GetByID(ctx, s.db, req.CommunityID, req.UnitID); err != nil {
		return nil, err
	}

	payment := &models.Payment{
		CommunityID: req.CommunityID,
		UnitID:      req.UnitID,
		Amount:      req.Amount,
		Date:        ledger.Day(req.Date),
		Method:      req.Method,
		Reference:   req.Reference,
		Status:      models.PaymentPending,
	}
	if err := s.paymentRepo.Create(ctx, s.db, payment); err != nil {
		return nil, err
	}

	result := &RegisterPaymentResult{Payment: payment}
	if g == nil {
		return result, nil
	}

	submitted, err := g.Submit(ctx, gateway.SubmitRequest{
		CommunityID: payment.CommunityID,
		UnitID:      payment.UnitID,
		PaymentID:   payment.ID,
		Amount:      payment.Amount,
		Currency:    s.currency,
		Description: payment.Method,
	})
	if err != nil {
		s.log.Warn("gateway submit failed",
			zap.String("provider", g.Provider()),
			zap.Int64("payment_id", payment.ID),
			zap.Error(err))
		return nil, ierr.WithError(err).
			WithHintf("Payment %d was recorded but could not be submitted to %s", payment.ID, g.Provider()).
			WithReportableDetails(map[string]any{"payment_id": payment.ID, "provider": g.Provider()}).
			Mark(ierr.ErrSystem)
	}

	payment.Reference = submitted.Reference
	if err := s.paymentRepo.Update(ctx, s.db, payment); err != nil {
		return nil, err
	}
	result.Gateway = submitted
	return result, nil
}

func (s *PaymentService) Get(ctx context.Context, communityID, paymentID int64) (*models.Payment, error) {
	return s.paymentRepo.GetByID(ctx, s.db, communityID, paymentID)
}

// GatewayStatus asks the provider about a submitted payment.
func (s *PaymentService) GatewayStatus(ctx context.Context, communityID, paymentID int64, provider string) (*gateway.StatusResult, error) {
	g, err := s.gateways.Get(provider)
	if err != nil {
		return nil, err
	}
	payment, err := s.paymentRepo.GetByID(ctx, s.db, communityID, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Reference == "" {
		return nil, ierr.NewErrorf("payment %d has no gateway reference", paymentID).
			WithHint("Payment was not submitted to a gateway").
			Mark(ierr.ErrValidation)
	}
	return g.QueryStatus(ctx, payment.Reference)
}

// Apply allocates a pending payment to the given charges, or to the unit's
// outstanding charges oldest first. Any excess stays on the payment as
// unallocated credit.
func (s *PaymentService) Apply(ctx context.Context, communityID, paymentID int64, chargeIDs []int64) (*ApplyResult, error) {
	result := &ApplyResult{}
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		payment, err := s.paymentRepo.GetForUpdate(ctx, tx, communityID, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != models.PaymentPending {
			return ierr.WithError(ierr.ErrPaymentAlreadyApplied).
				WithHintf("Payment %d is %s", payment.ID, payment.Status).
				WithReportableDetails(map[string]any{"payment_id": payment.ID, "status": payment.Status}).
				Mark(ierr.ErrConflict)
		}

		charges, err := s.targets(ctx, tx, payment, chargeIDs)
		if err != nil {
			return err
		}

		plan, err := allocation.Allocate(payment.Amount, charges)
		if err != nil {
			return err
		}
		allocations, err := s.persist(ctx, tx, payment, plan)
		if err != nil {
			return err
		}

		payment.Status = models.PaymentApplied
		payment.UnallocatedAmount = plan.Remaining
		if err := s.paymentRepo.Update(ctx, tx, payment); err != nil {
			return err
		}

		result.Payment = payment
		result.Allocations = allocations
		result.Charges = lo.Map(plan.Allocations, func(a allocation.Allocation, _ int) *models.Charge { return a.Charge })
		result.Unallocated = plan.Remaining
		return s.auditRepo.Record(ctx, tx, communityID, models.AuditEntityPayment, payment.ID, models.AuditActionApplied, map[string]any{
			"allocated":   plan.Allocated,
			"unallocated": plan.Remaining,
			"charges":     lo.Map(allocations, func(a *models.PaymentAllocation, _ int) int64 { return a.ChargeID }),
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payment applied",
		zap.Int64("community_id", communityID),
		zap.Int64("payment_id", paymentID),
		zap.Int("allocations", len(result.Allocations)),
		zap.Int64("unallocated", result.Unallocated))
	return result, nil
}

// targets locks the charges a payment will be applied to. Explicit ids keep
// the caller's order; otherwise the unit's open charges are taken FIFO.
func (s *PaymentService) targets(ctx context.Context, tx *sql.Tx, payment *models.Payment, chargeIDs []int64) ([]*models.Charge, error) {
	if len(chargeIDs) == 0 {
		charges, err := s.chargeRepo.ListOutstandingForUpdate(ctx, tx, payment.CommunityID, payment.UnitID)
		if err != nil {
			return nil, err
		}
		allocation.OrderFIFO(charges)
		return charges, nil
	}

	ids := lo.Uniq(chargeIDs)
	locked, err := s.chargeRepo.ListByIDsForUpdate(ctx, tx, payment.CommunityID, ids)
	if err != nil {
		return nil, err
	}
	byID := lo.KeyBy(locked, func(c *models.Charge) int64 { return c.ID })

	charges := make([]*models.Charge, 0, len(ids))
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			return nil, ierr.NewErrorf("charge %d not found", id).
				WithHint("charge not found").
				WithReportableDetails(map[string]any{"charge_id": id}).
				Mark(ierr.ErrNotFound)
		}
		if c.UnitID != payment.UnitID {
			return nil, ierr.NewErrorf("charge %d belongs to unit %d, payment %d to unit %d", c.ID, c.UnitID, payment.ID, payment.UnitID).
				WithHint("Charges must belong to the paying unit").
				WithReportableDetails(map[string]any{"charge_id": c.ID, "unit_id": c.UnitID}).
				Mark(ierr.ErrValidation)
		}
		if !ledger.IsOutstanding(c) {
			return nil, ierr.NewErrorf("charge %d has no outstanding balance", c.ID).
				WithHintf("Charge %d is %s", c.ID, c.Status).
				WithReportableDetails(map[string]any{"charge_id": c.ID, "status": c.Status}).
				Mark(ierr.ErrState)
		}
		charges = append(charges, c)
	}
	return charges, nil
}

func (s *PaymentService) persist(ctx context.Context, tx *sql.Tx, payment *models.Payment, plan *allocation.Plan) ([]*models.PaymentAllocation, error) {
	allocations := make([]*models.PaymentAllocation, 0, len(plan.Allocations))
	for _, a := range plan.Allocations {
		if err := s.chargeRepo.Update(ctx, tx, a.Charge); err != nil {
			return nil, err
		}
		pa := &models.PaymentAllocation{
			PaymentID:       payment.ID,
			ChargeID:        a.Charge.ID,
			AmountAllocated: a.Amount,
			PriorStatus:     a.PriorStatus,
			PriorAmountPaid: a.PriorAmountPaid,
		}
		if err := s.paymentRepo.CreateAllocation(ctx, tx, pa); err != nil {
			return nil, err
		}
		allocations = append(allocations, pa)
	}
	return allocations, nil
}

// Reverse undoes every allocation of an applied payment in one transaction.
func (s *PaymentService) Reverse(ctx context.Context, communityID, paymentID int64) (*ReverseResult, error) {
	result := &ReverseResult{}
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		payment, err := s.paymentRepo.GetForUpdate(ctx, tx, communityID, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != models.PaymentApplied {
			return ierr.WithError(ierr.ErrPaymentNotApplied).
				WithHintf("Payment %d is %s", payment.ID, payment.Status).
				WithReportableDetails(map[string]any{"payment_id": payment.ID, "status": payment.Status}).
				Mark(ierr.ErrState)
		}

		allocations, err := s.paymentRepo.ListAllocations(ctx, tx, payment.ID)
		if err != nil {
			return err
		}
		ids := lo.Map(allocations, func(a *models.PaymentAllocation, _ int) int64 { return a.ChargeID })
		charges, err := s.chargeRepo.ListByIDsForUpdate(ctx, tx, communityID, ids)
		if err != nil {
			return err
		}
		byID := lo.KeyBy(charges, func(c *models.Charge) int64 { return c.ID })

		for _, a := range allocations {
			charge, ok := byID[a.ChargeID]
			if !ok {
				return ierr.NewErrorf("allocation %d references missing charge %d", a.ID, a.ChargeID).
					Mark(ierr.ErrIntegrity)
			}
			if err := ledger.RevertPayment(charge, a); err != nil {
				return err
			}
			if err := s.chargeRepo.Update(ctx, tx, charge); err != nil {
				return err
			}
		}

		if err := s.paymentRepo.DeleteAllocations(ctx, tx, payment.ID); err != nil {
			return err
		}
		payment.Status = models.PaymentReversed
		payment.UnallocatedAmount = 0
		if err := s.paymentRepo.Update(ctx, tx, payment); err != nil {
			return err
		}

		result.Payment, result.Charges = payment, charges
		return s.auditRepo.Record(ctx, tx, communityID, models.AuditEntityPayment, payment.ID, models.AuditActionReversed, map[string]any{
			"allocations": allocations,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payment reversed",
		zap.Int64("community_id", communityID),
		zap.Int64("payment_id", paymentID),
		zap.Int("charges", len(result.Charges)))
	return result, nil
}

// ApplyCredit spends the unallocated credit of a unit's applied payments on
// its outstanding charges, oldest payment and oldest charge first.
func (s *PaymentService) ApplyCredit(ctx context.Context, communityID, unitID int64) (*CreditResult, error) {
	result := &CreditResult{UnitID: unitID}
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		payments, err := s.paymentRepo.ListWithCreditForUpdate(ctx, tx, communityID, unitID)
		if err != nil || len(payments) == 0 {
			return err
		}
		charges, err := s.chargeRepo.ListOutstandingForUpdate(ctx, tx, communityID, unitID)
		if err != nil || len(charges) == 0 {
			return err
		}
		allocation.OrderFIFO(charges)

		touched := make(map[int64]*models.Charge)
		for _, payment := range payments {
			plan, err := allocation.Allocate(payment.UnallocatedAmount, charges)
			if err != nil {
				return err
			}
			if plan.Allocated == 0 {
				break
			}
			allocations, err := s.persist(ctx, tx, payment, plan)
			if err != nil {
				return err
			}
			payment.UnallocatedAmount = plan.Remaining
			if err := s.paymentRepo.Update(ctx, tx, payment); err != nil {
				return err
			}
			if err := s.auditRepo.Record(ctx, tx, communityID, models.AuditEntityPayment, payment.ID, models.AuditActionApplied, map[string]any{
				"credit_allocated": plan.Allocated,
				"unallocated":      plan.Remaining,
			}); err != nil {
				return err
			}

			result.Allocated += plan.Allocated
			result.Allocations = append(result.Allocations, allocations...)
			for _, a := range plan.Allocations {
				touched[a.Charge.ID] = a.Charge
			}
		}
		result.Charges = lo.Values(touched)
		sort.Slice(result.Charges, func(i, j int) bool { return result.Charges[i].ID < result.Charges[j].ID })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
