package proration

import (
	"sort"

	"github.com/shopspring/decimal"

	ierr "ledger-service/internal/errors"
)

// Remainder policies decide which units absorb the minor units lost to
// truncation.
const (
	// PolicyLargestRemainder gives the leftover units to the largest
	// truncated fractions, then to the largest coefficient, then to the
	// lowest unit id.
	PolicyLargestRemainder = "largest_remainder"
	// PolicyUnitID gives the leftover units by ascending unit id.
	PolicyUnitID = "unit_id"
)

// UnitShare is an active unit and its allocation coefficient.
type UnitShare struct {
	UnitID      int64
	Coefficient decimal.Decimal
}

// Line is the prorated result for one unit.
type Line struct {
	UnitID      int64           `json:"unit_id"`
	Coefficient decimal.Decimal `json:"coefficient"`
	Share       int64           `json:"share"`
	Remainder   int64           `json:"remainder"`
	Surcharge   int64           `json:"surcharge"`
	BaseAmount  int64           `json:"base_amount"`
}

// Result maps every unit to its base amount. Lines are ordered by unit id.
type Result struct {
	Distributable  int64  `json:"distributable"`
	SurchargeTotal int64  `json:"surcharge_total"`
	Total          int64  `json:"total"`
	Lines          []Line `json:"lines"`
}

// BaseAmounts returns unit id -> base amount.
func (r *Result) BaseAmounts() map[int64]int64 {
	out := make(map[int64]int64, len(r.Lines))
	for _, l := range r.Lines {
		out[l.UnitID] = l.BaseAmount
	}
	return out
}

type Engine struct {
	total     decimal.Decimal
	tolerance decimal.Decimal
	policy    string
}

func NewEngine(total, tolerance decimal.Decimal, policy string) *Engine {
	if policy != PolicyUnitID {
		policy = PolicyLargestRemainder
	}
	return &Engine{
		total:     total,
		tolerance: tolerance,
		policy:    policy,
	}
}

// ValidateCoefficients checks the unit set before any amount is computed.
func (e *Engine) ValidateCoefficients(units []UnitShare) (decimal.Decimal, error) {
	if len(units) == 0 {
		return decimal.Zero, ierr.ErrEmptyUnitSet
	}

	sum := decimal.Zero
	seen := make(map[int64]bool, len(units))
	for _, u := range units {
		if seen[u.UnitID] {
			return decimal.Zero, ierr.WithError(ierr.ErrInvalidCoefficients).
				WithHintf("Unit %d appears more than once", u.UnitID).
				Mark(ierr.ErrValidation)
		}
		seen[u.UnitID] = true
		if u.Coefficient.IsNegative() {
			return decimal.Zero, ierr.WithError(ierr.ErrInvalidCoefficients).
				WithHintf("Unit %d has a negative coefficient", u.UnitID).
				WithReportableDetails(map[string]any{"unit_id": u.UnitID}).
				Mark(ierr.ErrValidation)
		}
		sum = sum.Add(u.Coefficient)
	}

	if sum.Sub(e.total).Abs().GreaterThan(e.tolerance) {
		return decimal.Zero, ierr.WithError(ierr.ErrInvalidCoefficients).
			WithHintf("Coefficients add up to %s, expected %s", sum.String(), e.total.String()).
			WithReportableDetails(map[string]any{
				"sum":       sum.String(),
				"expected":  e.total.String(),
				"tolerance": e.tolerance.String(),
			}).
			Mark(ierr.ErrValidation)
	}
	if !sum.IsPositive() {
		return decimal.Zero, ierr.WithError(ierr.ErrInvalidCoefficients).
			WithHint("Coefficients add up to zero").
			Mark(ierr.ErrValidation)
	}
	return sum, nil
}

// Prorate splits distributable across units by coefficient and adds each
// unit's surcharge on top. The shares always add up to distributable.
func (e *Engine) Prorate(distributable int64, units []UnitShare, surcharges map[int64]int64) (*Result, error) {
	if distributable < 0 {
		return nil, ierr.NewError("distributable amount is negative").
			WithHint("Distributable amount must not be negative").
			Mark(ierr.ErrValidation)
	}

	sum, err := e.ValidateCoefficients(units)
	if err != nil {
		return nil, err
	}

	sorted := make([]UnitShare, len(units))
	copy(sorted, units)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UnitID < sorted[j].UnitID })

	index := make(map[int64]int, len(sorted))
	lines := make([]Line, len(sorted))
	fractions := make([]decimal.Decimal, len(sorted))
	amount := decimal.NewFromInt(distributable)

	var allocated int64
	for i, u := range sorted {
		// Normalising by the actual sum keeps floor(raw) <= distributable
		// even when the sum is within tolerance but above the total.
		raw := amount.Mul(u.Coefficient).Div(sum)
		floor := raw.Floor()
		lines[i] = Line{
			UnitID:      u.UnitID,
			Coefficient: u.Coefficient,
			Share:       floor.IntPart(),
		}
		fractions[i] = raw.Sub(floor)
		allocated += lines[i].Share
		index[u.UnitID] = i
	}

	remainder := distributable - allocated
	if remainder < 0 || remainder > int64(len(lines)) {
		return nil, ierr.WithError(ierr.ErrRemainderMismatch).
			WithReportableDetails(map[string]any{"remainder": remainder}).
			Mark(ierr.ErrIntegrity)
	}

	order := e.remainderOrder(lines, fractions)
	for i := int64(0); i < remainder; i++ {
		idx := order[int(i)%len(order)]
		lines[idx].Share++
		lines[idx].Remainder++
	}

	result := &Result{Distributable: distributable, Lines: lines}
	for unitID, s := range surcharges {
		if s < 0 {
			return nil, ierr.NewErrorf("negative surcharge for unit %d", unitID).
				WithHint("Surcharges must not be negative").
				Mark(ierr.ErrValidation)
		}
		idx, ok := index[unitID]
		if !ok {
			return nil, ierr.NewErrorf("surcharge for inactive unit %d", unitID).
				WithHint("Surcharge references a unit that is not active in the community").
				WithReportableDetails(map[string]any{"unit_id": unitID}).
				Mark(ierr.ErrValidation)
		}
		lines[idx].Surcharge += s
		result.SurchargeTotal += s
	}

	var shares int64
	for i := range lines {
		lines[i].BaseAmount = lines[i].Share + lines[i].Surcharge
		shares += lines[i].Share
		result.Total += lines[i].BaseAmount
	}
	if shares != distributable {
		return nil, ierr.WithError(ierr.ErrRemainderMismatch).
			WithReportableDetails(map[string]any{"distributable": distributable, "allocated": shares}).
			Mark(ierr.ErrIntegrity)
	}

	return result, nil
}

// remainderOrder returns the indexes of lines eligible for leftover units in
// the order they receive them. Units with a zero coefficient never do.
func (e *Engine) remainderOrder(lines []Line, fractions []decimal.Decimal) []int {
	order := make([]int, 0, len(lines))
	for i, l := range lines {
		if l.Coefficient.IsPositive() {
			order = append(order, i)
		}
	}

	if e.policy == PolicyLargestRemainder {
		sort.SliceStable(order, func(a, b int) bool {
			la, lb := order[a], order[b]
			if c := fractions[la].Cmp(fractions[lb]); c != 0 {
				return c > 0
			}
			if c := lines[la].Coefficient.Cmp(lines[lb].Coefficient); c != 0 {
				return c > 0
			}
			return lines[la].UnitID < lines[lb].UnitID
		})
	}
	return order
}
