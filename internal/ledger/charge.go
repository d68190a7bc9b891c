package ledger

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	ierr "ledger-service/internal/errors"
	"ledger-service/internal/models"
)

// daysPerMonth converts the configured monthly rate into a daily one.
const daysPerMonth = 30

// InterestPolicy is simple interest on the outstanding balance.
type InterestPolicy struct {
	MonthlyRate decimal.Decimal
	GraceDays   int
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NewCharge builds a pending charge for one unit of a billing run.
func NewCharge(run *models.BillingRun, unitID, baseAmount int64) *models.Charge {
	return &models.Charge{
		CommunityID:  run.CommunityID,
		BillingRunID: run.ID,
		UnitID:       unitID,
		BaseAmount:   baseAmount,
		TotalDue:     baseAmount,
		Status:       models.ChargePending,
		DueDate:      Day(run.DueDate),
	}
}

// IsOutstanding reports whether the charge can still receive payments.
func IsOutstanding(c *models.Charge) bool {
	switch c.Status {
	case models.ChargePending, models.ChargePartial, models.ChargeOverdue:
		return c.Outstanding() > 0
	}
	return false
}

func stateError(c *models.Charge, msg string) error {
	return ierr.NewErrorf("charge %d: %s", c.ID, msg).
		WithHint(msg).
		WithReportableDetails(map[string]any{
			"charge_id":   c.ID,
			"status":      c.Status,
			"total_due":   c.TotalDue,
			"amount_paid": c.AmountPaid,
		}).
		Mark(ierr.ErrState)
}

// ApplyPayment credits up to amount to the charge and returns how much was
// taken. amount_paid never exceeds total_due.
func ApplyPayment(c *models.Charge, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ierr.NewError("allocation amount must be positive").
			Mark(ierr.ErrValidation)
	}
	if !IsOutstanding(c) {
		return 0, stateError(c, "charge has no outstanding balance")
	}

	applied := min(amount, c.Outstanding())
	c.AmountPaid += applied
	if c.Outstanding() == 0 {
		c.Status = models.ChargePaid
	} else {
		c.Status = models.ChargePartial
	}
	return applied, nil
}

// RevertPayment removes an allocation from the charge. When nothing else
// moved the charge since the allocation, the prior status is restored
// exactly; otherwise the status is derived from the remaining balance.
func RevertPayment(c *models.Charge, a *models.PaymentAllocation) error {
	if c.Status == models.ChargeVoided {
		return stateError(c, "charge is voided")
	}
	if a.AmountAllocated <= 0 || a.AmountAllocated > c.AmountPaid {
		return ierr.NewErrorf("allocation %d exceeds amount paid on charge %d", a.ID, c.ID).
			WithReportableDetails(map[string]any{
				"allocation_id":    a.ID,
				"amount_allocated": a.AmountAllocated,
				"amount_paid":      c.AmountPaid,
			}).
			Mark(ierr.ErrIntegrity)
	}

	c.AmountPaid -= a.AmountAllocated
	if c.AmountPaid == a.PriorAmountPaid && a.PriorStatus != "" && c.Status != models.ChargeOverdue {
		c.Status = a.PriorStatus
		return nil
	}
	c.Status = deriveStatus(c)
	return nil
}

func deriveStatus(c *models.Charge) string {
	switch {
	case c.Outstanding() <= 0:
		return models.ChargePaid
	case c.AmountPaid > 0:
		return models.ChargePartial
	case c.LastAccruedDate.Valid:
		return models.ChargeOverdue
	default:
		return models.ChargePending
	}
}

// Accrue adds simple interest for the days between the last accrual (or the
// due date plus grace) and asOf. Running it again for the same day is a
// no-op. It returns the interest added and whether the charge changed.
func Accrue(c *models.Charge, asOf time.Time, p InterestPolicy) (int64, bool) {
	if c.Status == models.ChargePaid || c.Status == models.ChargeVoided {
		return 0, false
	}

	today := Day(asOf)
	from := Day(c.DueDate).AddDate(0, 0, p.GraceDays)
	if c.LastAccruedDate.Valid && Day(c.LastAccruedDate.Time).After(from) {
		from = Day(c.LastAccruedDate.Time)
	}
	if !today.After(from) {
		return 0, false
	}

	days := int64(today.Sub(from).Hours() / 24)
	interest := Interest(c.Outstanding(), days, p.MonthlyRate)

	c.InterestAccrued += interest
	c.TotalDue += interest
	c.LastAccruedDate = sql.NullTime{Time: today, Valid: true}
	c.Status = models.ChargeOverdue
	return interest, true
}

// Interest is outstanding * monthlyRate * days / 30, rounded half up to a
// minor unit.
func Interest(outstanding, days int64, monthlyRate decimal.Decimal) int64 {
	if outstanding <= 0 || days <= 0 || !monthlyRate.IsPositive() {
		return 0
	}
	return decimal.NewFromInt(outstanding).
		Mul(monthlyRate).
		Mul(decimal.NewFromInt(days)).
		Div(decimal.NewFromInt(daysPerMonth)).
		Round(0).
		IntPart()
}

// Void cancels a charge that never received a payment.
func Void(c *models.Charge) error {
	if c.AmountPaid > 0 {
		return ierr.WithError(ierr.ErrChargeHasPayments).
			WithHintf("Charge %d has received payments", c.ID).
			WithReportableDetails(map[string]any{"charge_id": c.ID, "amount_paid": c.AmountPaid}).
			Mark(ierr.ErrState)
	}
	c.Status = models.ChargeVoided
	return nil
}
