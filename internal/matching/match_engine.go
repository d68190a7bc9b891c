package matching

import (
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"ledger-service/internal/ledger"
	"ledger-service/internal/models"
)

const (
	CriteriaReference = "reference"
	CriteriaAmount    = "amount"
	CriteriaDate      = "date"

	// DefaultDateWindowDays is the fallback amount+date tolerance.
	DefaultDateWindowDays = 2
)

const (
	ReasonAmountMismatch = "reference matches but amounts differ"
	ReasonWindowExpired  = "no bank transaction found within the date window"
)

type Match struct {
	Transaction  *models.BankTransaction
	Payment      *models.Payment
	Criteria     []string
	DateDiffDays int
}

// Dispute is a discrepancy a human has to resolve. Transaction is nil when
// a payment never showed up in the feed.
type Dispute struct {
	Transaction *models.BankTransaction
	Payment     *models.Payment
	Reason      string
}

type Result struct {
	Matches   []Match
	Unmatched []*models.BankTransaction
	Disputed  []Dispute
	// Pending payments are still inside the window and are left for a
	// later run.
	Pending []*models.Payment
}

type MatchEngine struct {
	windowDays int
}

func NewMatchEngine(windowDays int) *MatchEngine {
	if windowDays < 0 {
		windowDays = DefaultDateWindowDays
	}
	return &MatchEngine{windowDays: windowDays}
}

// WindowDays is the amount+date tolerance in days.
func (m *MatchEngine) WindowDays() int {
	return m.windowDays
}

// Process matches bank transactions to applied payments: exact reference
// first, then exact amount within the date window. It never mutates its
// inputs.
func (m *MatchEngine) Process(transactions []*models.BankTransaction, payments []*models.Payment, asOf time.Time) *Result {
	result := &Result{}

	txs := make([]*models.BankTransaction, len(transactions))
	copy(txs, transactions)
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].TransactionDate.Equal(txs[j].TransactionDate) {
			return txs[i].TransactionDate.Before(txs[j].TransactionDate)
		}
		return txs[i].ID < txs[j].ID
	})

	candidates := lo.Filter(payments, func(p *models.Payment, _ int) bool {
		return p.Status == models.PaymentApplied
	})
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	processedTx := make(map[int64]bool)
	processedPayments := make(map[int64]bool)

	for _, bt := range txs {
		ref := normalizeReference(bt.Reference)
		if ref == "" {
			continue
		}

		var best *models.Payment
		for _, p := range candidates {
			if processedPayments[p.ID] || normalizeReference(p.Reference) != ref {
				continue
			}
			if best == nil || (p.Amount == bt.Amount && best.Amount != bt.Amount) {
				best = p
			}
		}
		if best == nil {
			continue
		}

		processedTx[bt.ID] = true
		processedPayments[best.ID] = true
		if best.Amount != bt.Amount {
			result.Disputed = append(result.Disputed, Dispute{
				Transaction: bt,
				Payment:     best,
				Reason:      ReasonAmountMismatch,
			})
			continue
		}

		criteria := []string{CriteriaReference, CriteriaAmount}
		diff := dayDiff(bt.TransactionDate, best.Date)
		if diff <= m.windowDays {
			criteria = append(criteria, CriteriaDate)
		}
		result.Matches = append(result.Matches, Match{
			Transaction:  bt,
			Payment:      best,
			Criteria:     criteria,
			DateDiffDays: diff,
		})
	}

	for _, bt := range txs {
		if processedTx[bt.ID] {
			continue
		}

		var best *models.Payment
		bestDiff := 0
		for _, p := range candidates {
			if processedPayments[p.ID] || p.Amount != bt.Amount {
				continue
			}
			diff := dayDiff(bt.TransactionDate, p.Date)
			if diff > m.windowDays {
				continue
			}
			if best == nil || diff < bestDiff {
				best, bestDiff = p, diff
			}
		}
		if best == nil {
			continue
		}

		processedTx[bt.ID] = true
		processedPayments[best.ID] = true
		result.Matches = append(result.Matches, Match{
			Transaction:  bt,
			Payment:      best,
			Criteria:     []string{CriteriaAmount, CriteriaDate},
			DateDiffDays: bestDiff,
		})
	}

	result.Unmatched = lo.Filter(txs, func(bt *models.BankTransaction, _ int) bool {
		return !processedTx[bt.ID]
	})

	today := ledger.Day(asOf)
	for _, p := range candidates {
		if processedPayments[p.ID] {
			continue
		}
		if ledger.Day(p.Date).AddDate(0, 0, m.windowDays).Before(today) {
			result.Disputed = append(result.Disputed, Dispute{Payment: p, Reason: ReasonWindowExpired})
		} else {
			result.Pending = append(result.Pending, p)
		}
	}

	return result
}

func normalizeReference(ref string) string {
	return strings.ToUpper(strings.TrimSpace(ref))
}

func dayDiff(a, b time.Time) int {
	diff := int(ledger.Day(a).Sub(ledger.Day(b)).Hours() / 24)
	if diff < 0 {
		return -diff
	}
	return diff
}
