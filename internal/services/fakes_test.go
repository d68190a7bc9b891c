package services

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ledger-service/internal/database"
	ierr "ledger-service/internal/errors"
	"ledger-service/internal/models"
)

// store is an in-memory ledger shared by the fake repositories. Reads hand
// out copies so services cannot change state without calling an update.
type store struct {
	mu          sync.Mutex
	nextID      int64
	communities []*models.Community
	units       []*models.Unit
	surcharges  []*models.UnitSurcharge
	expenses    []*models.Expense
	runs        map[int64]*models.BillingRun
	lineItems   map[int64][]*models.BillingLineItem
	charges     map[int64]*models.Charge
	payments    map[int64]*models.Payment
	allocations map[int64][]*models.PaymentAllocation
	bank        []*models.BankTransaction
	recRuns     []*models.ReconciliationRun
	records     []*models.ReconciliationRecord
	audit       []*models.AuditEntry

	// failCharge makes the next n updates of a charge fail.
	failCharge map[int64]int
	// afterChargeCreate runs after each charge insert.
	afterChargeCreate func()
	// failAudit fails audit inserts of an action.
	failAudit map[string]error
}

func newStore() *store {
	return &store{
		nextID:      100,
		runs:        make(map[int64]*models.BillingRun),
		lineItems:   make(map[int64][]*models.BillingLineItem),
		charges:     make(map[int64]*models.Charge),
		payments:    make(map[int64]*models.Payment),
		allocations: make(map[int64][]*models.PaymentAllocation),
		failCharge:  make(map[int64]int),
		failAudit:   make(map[string]error),
	}
}

func (s *store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *store) charge(id int64) models.Charge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.charges[id]
}

func (s *store) payment(id int64) models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.payments[id]
}

func (s *store) run(id int64) models.BillingRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.runs[id]
}

func (s *store) addCharge(c models.Charge) *models.Charge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.id()
	}
	s.charges[c.ID] = &c
	return &c
}

func (s *store) addPayment(p models.Payment) *models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.id()
	}
	s.payments[p.ID] = &p
	return &p
}

func notFoundErr(entity string, id int64) error {
	return ierr.NewErrorf("%s %d not found", entity, id).Mark(ierr.ErrNotFound)
}

// billing runs

type fakeRunRepo struct{ s *store }

func (r *fakeRunRepo) Create(_ context.Context, _ *sql.Tx, run *models.BillingRun) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run.ID = r.s.id()
	cp := *run
	r.s.runs[run.ID] = &cp
	return nil
}

func (r *fakeRunRepo) GetByID(_ context.Context, _ database.Querier, communityID, id int64) (*models.BillingRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok || run.CommunityID != communityID {
		return nil, notFoundErr("billing_run", id)
	}
	cp := *run
	return &cp, nil
}

func (r *fakeRunRepo) GetForUpdate(ctx context.Context, tx *sql.Tx, communityID, id int64) (*models.BillingRun, error) {
	return r.GetByID(ctx, tx, communityID, id)
}

func (r *fakeRunRepo) HasLiveRun(_ context.Context, _ database.Querier, communityID int64, period string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, run := range r.s.runs {
		if run.CommunityID == communityID && run.Period == period && run.Status != models.BillingRunVoided {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRunRepo) Update(_ context.Context, _ *sql.Tx, run *models.BillingRun) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.runs[run.ID]; !ok {
		return notFoundErr("billing_run", run.ID)
	}
	cp := *run
	r.s.runs[run.ID] = &cp
	return nil
}

func (r *fakeRunRepo) ReplaceLineItems(_ context.Context, _ *sql.Tx, runID int64, items []*models.BillingLineItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var kept []*models.BillingLineItem
	for _, item := range items {
		item.ID = r.s.id()
		item.BillingRunID = runID
		cp := *item
		kept = append(kept, &cp)
	}
	r.s.lineItems[runID] = kept
	return nil
}

func (r *fakeRunRepo) ListLineItems(_ context.Context, _ database.Querier, runID int64) ([]*models.BillingLineItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.lineItems[runID], nil
}

// expenses and units

type fakeExpenseRepo struct{ s *store }

func (r *fakeExpenseRepo) ListBillable(_ context.Context, _ database.Querier, communityID int64, from, to time.Time, excludeRunID int64) ([]*models.Expense, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	billed := make(map[int64]bool)
	for runID, items := range r.s.lineItems {
		if runID == excludeRunID || r.s.runs[runID].Status == models.BillingRunVoided {
			continue
		}
		for _, item := range items {
			billed[item.ExpenseID] = true
		}
	}
	var out []*models.Expense
	for _, e := range r.s.expenses {
		if e.CommunityID == communityID && e.Status == models.ExpenseStatusApproved &&
			!e.Date.Before(from) && e.Date.Before(to) && !billed[e.ID] {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeExpenseRepo) setLocked(runID int64, locked bool) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, item := range r.s.lineItems[runID] {
		for _, e := range r.s.expenses {
			if e.ID == item.ExpenseID {
				e.Locked = locked
			}
		}
	}
}

func (r *fakeExpenseRepo) LockForRun(_ context.Context, _ *sql.Tx, runID int64) error {
	r.setLocked(runID, true)
	return nil
}

func (r *fakeExpenseRepo) UnlockForRun(_ context.Context, _ *sql.Tx, runID int64) error {
	r.setLocked(runID, false)
	return nil
}

type fakeUnitRepo struct{ s *store }

func (r *fakeUnitRepo) ListActive(_ context.Context, _ database.Querier, communityID int64) ([]*models.Unit, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Unit
	for _, u := range r.s.units {
		if u.CommunityID == communityID && u.Active {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeUnitRepo) GetByID(_ context.Context, _ database.Querier, communityID, unitID int64) (*models.Unit, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.units {
		if u.ID == unitID && u.CommunityID == communityID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, notFoundErr("unit", unitID)
}

func (r *fakeUnitRepo) ListSurcharges(_ context.Context, _ database.Querier, communityID int64, period string) ([]*models.UnitSurcharge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.UnitSurcharge
	for _, su := range r.s.surcharges {
		if su.CommunityID == communityID && su.Period == period {
			cp := *su
			out = append(out, &cp)
		}
	}
	return out, nil
}

// charges

type fakeChargeRepo struct{ s *store }

func (r *fakeChargeRepo) Create(_ context.Context, _ *sql.Tx, c *models.Charge) error {
	r.s.mu.Lock()
	c.ID = r.s.id()
	cp := *c
	r.s.charges[c.ID] = &cp
	hook := r.s.afterChargeCreate
	r.s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (r *fakeChargeRepo) GetByID(_ context.Context, _ database.Querier, communityID, id int64) (*models.Charge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.charges[id]
	if !ok || c.CommunityID != communityID {
		return nil, notFoundErr("charge", id)
	}
	cp := *c
	return &cp, nil
}

func (r *fakeChargeRepo) GetForUpdate(ctx context.Context, tx *sql.Tx, communityID, id int64) (*models.Charge, error) {
	return r.GetByID(ctx, tx, communityID, id)
}

func (r *fakeChargeRepo) filter(keep func(*models.Charge) bool) []*models.Charge {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Charge
	for _, c := range r.s.charges {
		if keep(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *fakeChargeRepo) ListByRun(_ context.Context, _ database.Querier, runID int64) ([]*models.Charge, error) {
	return r.filter(func(c *models.Charge) bool { return c.BillingRunID == runID }), nil
}

func (r *fakeChargeRepo) ListOutstandingForUpdate(_ context.Context, _ *sql.Tx, communityID, unitID int64) ([]*models.Charge, error) {
	return r.filter(func(c *models.Charge) bool {
		return c.CommunityID == communityID && c.UnitID == unitID && c.Status != models.ChargeVoided &&
			c.Status != models.ChargePaid && c.TotalDue > c.AmountPaid
	}), nil
}

func (r *fakeChargeRepo) ListByIDsForUpdate(_ context.Context, _ *sql.Tx, communityID int64, ids []int64) ([]*models.Charge, error) {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return r.filter(func(c *models.Charge) bool { return c.CommunityID == communityID && want[c.ID] }), nil
}

func (r *fakeChargeRepo) ListAccrualCandidates(_ context.Context, _ database.Querier, communityID int64, asOf time.Time) ([]int64, error) {
	var ids []int64
	for _, c := range r.filter(func(c *models.Charge) bool {
		open := c.Status == models.ChargePending || c.Status == models.ChargePartial || c.Status == models.ChargeOverdue
		return c.CommunityID == communityID && open && c.TotalDue > c.AmountPaid && c.DueDate.Before(asOf) &&
			(!c.LastAccruedDate.Valid || c.LastAccruedDate.Time.Before(asOf))
	}) {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (r *fakeChargeRepo) Update(_ context.Context, _ *sql.Tx, c *models.Charge) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if n := r.s.failCharge[c.ID]; n > 0 {
		r.s.failCharge[c.ID] = n - 1
		return ierr.NewErrorf("charge %d update failed", c.ID).Mark(ierr.ErrDatabase)
	}
	if _, ok := r.s.charges[c.ID]; !ok {
		return notFoundErr("charge", c.ID)
	}
	cp := *c
	r.s.charges[c.ID] = &cp
	return nil
}

func (r *fakeChargeRepo) VoidByRun(_ context.Context, _ *sql.Tx, runID int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, c := range r.s.charges {
		if c.BillingRunID == runID && c.Status != models.ChargeVoided {
			c.Status = models.ChargeVoided
			n++
		}
	}
	return n, nil
}

func (r *fakeChargeRepo) CountAllocationsByRun(_ context.Context, _ database.Querier, runID int64) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for paymentID, allocations := range r.s.allocations {
		if r.s.payments[paymentID].Status != models.PaymentApplied {
			continue
		}
		for _, a := range allocations {
			if r.s.charges[a.ChargeID].BillingRunID == runID {
				n++
			}
		}
	}
	return n, nil
}

// payments

type fakePaymentRepo struct{ s *store }

func (r *fakePaymentRepo) Create(_ context.Context, _ database.Querier, p *models.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p.ID = r.s.id()
	cp := *p
	r.s.payments[p.ID] = &cp
	return nil
}

func (r *fakePaymentRepo) GetByID(_ context.Context, _ database.Querier, communityID, id int64) (*models.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.payments[id]
	if !ok || p.CommunityID != communityID {
		return nil, notFoundErr("payment", id)
	}
	cp := *p
	return &cp, nil
}

func (r *fakePaymentRepo) GetForUpdate(ctx context.Context, tx *sql.Tx, communityID, id int64) (*models.Payment, error) {
	return r.GetByID(ctx, tx, communityID, id)
}

func (r *fakePaymentRepo) Update(_ context.Context, _ database.Querier, p *models.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *p
	r.s.payments[p.ID] = &cp
	return nil
}

func (r *fakePaymentRepo) ListWithCreditForUpdate(_ context.Context, _ *sql.Tx, communityID, unitID int64) ([]*models.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Payment
	for _, p := range r.s.payments {
		if p.CommunityID == communityID && p.UnitID == unitID && p.Status == models.PaymentApplied && p.UnallocatedAmount > 0 {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakePaymentRepo) ListForReconciliation(_ context.Context, _ database.Querier, communityID int64, from, to time.Time) ([]*models.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	settled := make(map[int64]bool)
	for _, rec := range r.s.records {
		if rec.PaymentID.Valid && rec.MatchStatus != models.MatchUnmatched {
			settled[rec.PaymentID.Int64] = true
		}
	}
	var out []*models.Payment
	for _, p := range r.s.payments {
		if p.CommunityID == communityID && p.Status == models.PaymentApplied &&
			!p.Date.Before(from) && p.Date.Before(to) && !settled[p.ID] {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakePaymentRepo) CreateAllocation(_ context.Context, _ *sql.Tx, a *models.PaymentAllocation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.allocations[a.PaymentID] {
		if existing.ChargeID == a.ChargeID {
			existing.AmountAllocated += a.AmountAllocated
			a.ID = existing.ID
			return nil
		}
	}
	a.ID = r.s.id()
	cp := *a
	r.s.allocations[a.PaymentID] = append(r.s.allocations[a.PaymentID], &cp)
	return nil
}

func (r *fakePaymentRepo) ListAllocations(_ context.Context, _ database.Querier, paymentID int64) ([]*models.PaymentAllocation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.PaymentAllocation
	for _, a := range r.s.allocations[paymentID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakePaymentRepo) DeleteAllocations(_ context.Context, _ *sql.Tx, paymentID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.allocations, paymentID)
	return nil
}

// audit, communities, bank feed, reconciliation

type fakeAuditRepo struct{ s *store }

func (r *fakeAuditRepo) CreateAuditEntry(_ context.Context, _ database.Querier, entry *models.AuditEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failAudit[entry.Action]; err != nil {
		return err
	}
	entry.ID = r.s.id()
	r.s.audit = append(r.s.audit, entry)
	return nil
}

func (r *fakeAuditRepo) Record(ctx context.Context, q database.Querier, communityID int64, entity string, entityID int64, action string, _ any) error {
	return r.CreateAuditEntry(ctx, q, &models.AuditEntry{CommunityID: communityID, Entity: entity, EntityID: entityID, Action: action})
}

func (s *store) actions(entity string, entityID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.audit {
		if e.Entity == entity && e.EntityID == entityID {
			out = append(out, e.Action)
		}
	}
	return out
}

type fakeCommunityRepo struct{ s *store }

func (r *fakeCommunityRepo) ListActive(_ context.Context, _ database.Querier) ([]*models.Community, error) {
	return r.s.communities, nil
}

type fakeBankRepo struct{ s *store }

func (r *fakeBankRepo) InsertBankTransaction(_ context.Context, _ database.Querier, bt *models.BankTransaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.bank {
		if existing.CommunityID == bt.CommunityID && existing.Source == bt.Source && existing.Reference == bt.Reference {
			return ierr.NewError("duplicate").Mark(ierr.ErrConflict)
		}
	}
	bt.ID = r.s.id()
	cp := *bt
	r.s.bank = append(r.s.bank, &cp)
	return nil
}

func (r *fakeBankRepo) GetBankTransactionByReference(_ context.Context, _ database.Querier, communityID int64, source, reference string) (*models.BankTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, bt := range r.s.bank {
		if bt.CommunityID == communityID && bt.Source == source && bt.Reference == reference {
			cp := *bt
			return &cp, nil
		}
	}
	return nil, notFoundErr("bank_transaction", 0)
}

func (r *fakeBankRepo) GetUnreconciledTransactions(_ context.Context, _ database.Querier, communityID int64, from, to time.Time) ([]*models.BankTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	settled := make(map[int64]bool)
	for _, rec := range r.s.records {
		if rec.BankTransactionID.Valid && rec.MatchStatus != models.MatchUnmatched {
			settled[rec.BankTransactionID.Int64] = true
		}
	}
	var out []*models.BankTransaction
	for _, bt := range r.s.bank {
		if bt.CommunityID == communityID && !bt.TransactionDate.Before(from) && bt.TransactionDate.Before(to) && !settled[bt.ID] {
			cp := *bt
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeReconciliationRepo struct{ s *store }

func (r *fakeReconciliationRepo) CreateRun(_ context.Context, _ *sql.Tx, run *models.ReconciliationRun) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run.ID = r.s.id()
	r.s.recRuns = append(r.s.recRuns, run)
	return nil
}

func (r *fakeReconciliationRepo) GetRunByBatchID(_ context.Context, _ database.Querier, batchID string) (*models.ReconciliationRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, run := range r.s.recRuns {
		if run.BatchID == batchID {
			return run, nil
		}
	}
	return nil, notFoundErr("reconciliation_run", 0)
}

func (r *fakeReconciliationRepo) CreateRecord(_ context.Context, _ *sql.Tx, rec *models.ReconciliationRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec.ID = r.s.id()
	r.s.records = append(r.s.records, rec)
	return nil
}

func (r *fakeReconciliationRepo) DeleteUnmatched(_ context.Context, _ *sql.Tx, communityID int64, period string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	kept := r.s.records[:0]
	for _, rec := range r.s.records {
		if rec.CommunityID == communityID && rec.Period == period && rec.MatchStatus == models.MatchUnmatched {
			continue
		}
		kept = append(kept, rec)
	}
	r.s.records = kept
	return nil
}

func (r *fakeReconciliationRepo) DeleteUnmatchedForTransactions(_ context.Context, _ *sql.Tx, communityID int64, transactionIDs []int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	drop := make(map[int64]bool, len(transactionIDs))
	for _, id := range transactionIDs {
		drop[id] = true
	}
	kept := r.s.records[:0]
	for _, rec := range r.s.records {
		if rec.CommunityID == communityID && rec.MatchStatus == models.MatchUnmatched &&
			rec.BankTransactionID.Valid && drop[rec.BankTransactionID.Int64] {
			continue
		}
		kept = append(kept, rec)
	}
	r.s.records = kept
	return nil
}

func (r *fakeReconciliationRepo) ListRecords(_ context.Context, _ database.Querier, communityID int64, period string) ([]*models.ReconciliationRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.ReconciliationRecord
	for _, rec := range r.s.records {
		if rec.CommunityID == communityID && rec.Period == period {
			out = append(out, rec)
		}
	}
	return out, nil
}

// newTxDB returns a mocked database that accepts any number of commits and
// rollbacks in any order.
func newTxDB(t *testing.T, commits, rollbacks int) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.MatchExpectationsInOrder(false)
	for i := 0; i < commits; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
	}
	for i := 0; i < rollbacks; i++ {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}
	return db, mock
}

var testLogger = zap.NewNop()
