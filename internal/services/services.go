package services

import (
	"time"

	ierr "ledger-service/internal/errors"
	"ledger-service/internal/models"
)

const (
	periodLayout = "2006-01"
	dateLayout   = "2006-01-02"
)

// periodRange returns [first day of period, first day of next period).
func periodRange(period string) (time.Time, time.Time, error) {
	start, err := time.Parse(periodLayout, period)
	if err != nil {
		return time.Time{}, time.Time{}, ierr.WithError(err).
			WithHintf("Period %q must be formatted as YYYY-MM", period).
			WithReportableDetails(map[string]any{"period": period}).
			Mark(ierr.ErrValidation)
	}
	return start, start.AddDate(0, 1, 0), nil
}

func transitionError(run *models.BillingRun, operation string) error {
	return ierr.WithError(ierr.ErrInvalidTransition).
		WithHintf("Billing run %d is %s and cannot be %s", run.ID, run.Status, operation).
		WithReportableDetails(map[string]any{
			"billing_run_id": run.ID,
			"status":         run.Status,
			"operation":      operation,
		}).
		Mark(ierr.ErrState)
}
