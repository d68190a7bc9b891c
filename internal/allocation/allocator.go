package allocation

import (
	"sort"

	ierr "ledger-service/internal/errors"
	"ledger-service/internal/ledger"
	"ledger-service/internal/models"
)

// Allocation is one charge's share of a payment, with the charge snapshot
// taken before it was credited.
type Allocation struct {
	Charge          *models.Charge
	Amount          int64
	PriorStatus     string
	PriorAmountPaid int64
}

// Plan is the outcome of allocating one amount across charges.
type Plan struct {
	Allocations []Allocation
	Allocated   int64
	Remaining   int64
}

// FullyPaid returns the ids of charges the plan settled.
func (p *Plan) FullyPaid() []int64 {
	var ids []int64
	for _, a := range p.Allocations {
		if a.Charge.Status == models.ChargePaid {
			ids = append(ids, a.Charge.ID)
		}
	}
	return ids
}

// OrderFIFO sorts charges oldest due date first, ties by charge id.
func OrderFIFO(charges []*models.Charge) {
	sort.SliceStable(charges, func(i, j int) bool {
		if !charges[i].DueDate.Equal(charges[j].DueDate) {
			return charges[i].DueDate.Before(charges[j].DueDate)
		}
		return charges[i].ID < charges[j].ID
	})
}

// Allocate credits amount to charges in the given order. Each charge takes
// min(remaining, outstanding); charges with nothing outstanding are skipped.
// Whatever is left is returned as Remaining rather than discarded.
// The charges are mutated in place.
func Allocate(amount int64, charges []*models.Charge) (*Plan, error) {
	if amount < 0 {
		return nil, ierr.NewError("allocation amount is negative").
			Mark(ierr.ErrValidation)
	}

	plan := &Plan{Remaining: amount}
	seen := make(map[int64]bool, len(charges))
	for _, c := range charges {
		if plan.Remaining == 0 {
			break
		}
		if seen[c.ID] || !ledger.IsOutstanding(c) {
			continue
		}
		seen[c.ID] = true

		priorStatus, priorPaid := c.Status, c.AmountPaid
		applied, err := ledger.ApplyPayment(c, plan.Remaining)
		if err != nil {
			return nil, err
		}
		plan.Allocations = append(plan.Allocations, Allocation{
			Charge:          c,
			Amount:          applied,
			PriorStatus:     priorStatus,
			PriorAmountPaid: priorPaid,
		})
		plan.Allocated += applied
		plan.Remaining -= applied
	}

	return plan, nil
}
