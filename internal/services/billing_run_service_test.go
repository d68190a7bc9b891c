package services

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-service/internal/config"
	ierr "ledger-service/internal/errors"
	"ledger-service/internal/models"
	"ledger-service/internal/proration"
)

func testBillingConfig() config.BillingConfig {
	return config.BillingConfig{
		CoefficientTotal:     decimal.NewFromInt(1),
		CoefficientTolerance: decimal.RequireFromString("0.0001"),
		RemainderPolicy:      proration.PolicyLargestRemainder,
		MonthlyInterestRate:  decimal.RequireFromString("0.015"),
		DueDay:               10,
		GenerateRetries:      2,
		AccrualWorkers:       1,
		AccrualRetries:       2,
	}
}

func day(s string) time.Time {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

// seedCommunity adds three units and the March 2024 expenses adding up to
// 300,000.
func seedCommunity(s *store) {
	s.communities = []*models.Community{{ID: 1, Name: "Los Aromos", Currency: "CLP", Active: true}}
	s.units = []*models.Unit{
		{ID: 1, CommunityID: 1, Code: "A-101", Coefficient: decimal.RequireFromString("0.3333"), Active: true},
		{ID: 2, CommunityID: 1, Code: "A-102", Coefficient: decimal.RequireFromString("0.3333"), Active: true},
		{ID: 3, CommunityID: 1, Code: "A-103", Coefficient: decimal.RequireFromString("0.3334"), Active: true},
	}
	s.expenses = []*models.Expense{
		{ID: 11, CommunityID: 1, Amount: 200000, Date: day("2024-03-04"), Status: models.ExpenseStatusApproved},
		{ID: 12, CommunityID: 1, Amount: 100000, Date: day("2024-03-20"), Status: models.ExpenseStatusApproved},
		{ID: 13, CommunityID: 1, Amount: 55000, Date: day("2024-03-21"), Status: models.ExpenseStatusPending},
		{ID: 14, CommunityID: 1, Amount: 70000, Date: day("2024-04-02"), Status: models.ExpenseStatusApproved},
	}
}

type billingFixture struct {
	s      *store
	svc    *BillingRunService
	credit *recordingCredit
}

type recordingCredit struct {
	units []int64
}

func (c *recordingCredit) ApplyCredit(_ context.Context, _ int64, unitID int64) (*CreditResult, error) {
	c.units = append(c.units, unitID)
	return &CreditResult{UnitID: unitID}, nil
}

func newBillingFixture(t *testing.T, cfg config.BillingConfig) *billingFixture {
	s := newStore()
	seedCommunity(s)
	db, _ := newTxDB(t, 20, 20)
	credit := &recordingCredit{}
	svc := NewBillingRunService(db, testLogger, cfg,
		&fakeRunRepo{s}, &fakeExpenseRepo{s}, &fakeUnitRepo{s}, &fakeChargeRepo{s}, &fakeAuditRepo{s}, credit)
	return &billingFixture{s: s, svc: svc, credit: credit}
}

func (f *billingFixture) previewedRun(t *testing.T) *models.BillingRun {
	t.Helper()
	ctx := context.Background()
	detail, err := f.svc.Create(ctx, CreateBillingRunRequest{CommunityID: 1, Period: "2024-03"})
	require.NoError(t, err)
	_, err = f.svc.Preview(ctx, 1, detail.Run.ID)
	require.NoError(t, err)
	run := f.s.run(detail.Run.ID)
	return &run
}

func TestBillingRunLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newBillingFixture(t, testBillingConfig())

	detail, err := f.svc.Create(ctx, CreateBillingRunRequest{CommunityID: 1, Period: "2024-03"})
	require.NoError(t, err)
	assert.Equal(t, models.BillingRunDraft, detail.Run.Status)
	assert.Equal(t, int64(300000), detail.Run.TotalAmount)
	assert.Len(t, detail.LineItems, 2)
	assert.Equal(t, day("2024-04-10"), detail.Run.DueDate)
	runID := detail.Run.ID

	stored := f.s.run(runID)
	assert.Equal(t, int64(300000), stored.DistributableAmount)
	assert.Equal(t, int64(300000), stored.TotalAmount)

	preview, err := f.svc.Preview(ctx, 1, runID)
	require.NoError(t, err)
	assert.Equal(t, models.BillingRunPreviewed, preview.Run.Status)
	assert.Empty(t, f.s.charges, "preview must not create charges")
	base := preview.Proration.BaseAmounts()
	assert.Equal(t, map[int64]int64{1: 99990, 2: 99990, 3: 100020}, base)

	generated, err := f.svc.GenerateCharges(ctx, 1, runID)
	require.NoError(t, err)
	assert.Equal(t, models.BillingRunGenerated, generated.Run.Status)
	require.Len(t, generated.Charges, 3)

	var sum int64
	for _, c := range generated.Charges {
		assert.Equal(t, models.ChargePending, c.Status)
		assert.Equal(t, c.BaseAmount, c.TotalDue)
		assert.Equal(t, base[c.UnitID], c.BaseAmount)
		sum += c.BaseAmount
	}
	assert.Equal(t, generated.Run.TotalAmount, sum)

	closed, err := f.svc.Close(ctx, 1, runID)
	require.NoError(t, err)
	assert.Equal(t, models.BillingRunClosed, closed.Status)
	assert.True(t, f.s.expenses[0].Locked)
	assert.True(t, f.s.expenses[1].Locked)
	assert.False(t, f.s.expenses[3].Locked)

	_, err = f.svc.Void(ctx, 1, runID)
	require.Error(t, err)
	assert.True(t, ierr.Is(err, ierr.ErrInvalidTransition))

	assert.Equal(t, []string{
		models.AuditActionCreated,
		models.AuditActionPreviewed,
		models.AuditActionGenerated,
		models.AuditActionClosed,
	}, f.s.actions(models.AuditEntityBillingRun, runID))
}

func TestGenerateChargesTwice(t *testing.T) {
	ctx := context.Background()
	f := newBillingFixture(t, testBillingConfig())
	run := f.previewedRun(t)

	first, err := f.svc.GenerateCharges(ctx, 1, run.ID)
	require.NoError(t, err)

	second, err := f.svc.GenerateCharges(ctx, 1, run.ID)
	require.Error(t, err)
	assert.True(t, ierr.Is(err, ierr.ErrAlreadyGenerated))
	assert.True(t, ierr.IsConflict(err))
	require.NotNil(t, second)
	assert.Len(t, f.s.charges, 3, "no duplicate charges")

	firstIDs := make([]int64, 0, 3)
	for _, c := range first.Charges {
		firstIDs = append(firstIDs, c.ID)
	}
	secondIDs := make([]int64, 0, 3)
	for _, c := range second.Charges {
		secondIDs = append(secondIDs, c.ID)
	}
	assert.ElementsMatch(t, firstIDs, secondIDs)
}

func TestBillingRunTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("generate requires a preview", func(t *testing.T) {
		f := newBillingFixture(t, testBillingConfig())
		detail, err := f.svc.Create(ctx, CreateBillingRunRequest{CommunityID: 1, Period: "2024-03"})
		require.NoError(t, err)

		_, err = f.svc.GenerateCharges(ctx, 1, detail.Run.ID)
		require.Error(t, err)
		assert.True(t, ierr.IsState(err))
		assert.Equal(t, models.BillingRunDraft, f.s.run(detail.Run.ID).Status)
	})

	t.Run("refresh only while draft", func(t *testing.T) {
		f := newBillingFixture(t, testBillingConfig())
		run := f.previewedRun(t)

		_, err := f.svc.Refresh(ctx, 1, run.ID)
		assert.True(t, ierr.Is(err, ierr.ErrInvalidTransition))
	})

	t.Run("refresh picks up newly approved expenses", func(t *testing.T) {
		f := newBillingFixture(t, testBillingConfig())
		detail, err := f.svc.Create(ctx, CreateBillingRunRequest{CommunityID: 1, Period: "2024-03"})
		require.NoError(t, err)

		f.s.expenses[2].Status = models.ExpenseStatusApproved
		refreshed, err := f.svc.Refresh(ctx, 1, detail.Run.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(355000), refreshed.Run.TotalAmount)
		assert.Len(t, refreshed.LineItems, 3)
	})

	t.Run("one live run per period", func(t *testing.T) {
		f := newBillingFixture(t, testBillingConfig())
		_, err := f.svc.Create(ctx, CreateBillingRunRequest{CommunityID: 1, Period: "2024-03"})
		require.NoError(t, err)

		_, err = f.svc.Create(ctx, CreateBillingRunRequest{CommunityID: 1, Period: "2024-03"})
		assert.True(t, ierr.IsConflict(err))
	})

	t.Run("bad period", func(t *testing.T) {
		f := newBillingFixture(t, testBillingConfig())
		_, err := f.svc.Create(ctx, CreateBillingRunRequest{CommunityID: 1, Period: "2024-13"})
		assert.True(t, ierr.IsValidation(err))
	})

	t.Run("other community cannot see the run", func(t *testing.T) {
		f := newBillingFixture(t, testBillingConfig())
		run := f.previewedRun(t)

		_, err := f.svc.Get(ctx, 2, run.ID)
		assert.True(t, ierr.IsNotFound(err))
	})
}

func TestPreviewRejectsBadCoefficients(t *testing.T) {
	ctx := context.Background()
	f := newBillingFixture(t, testBillingConfig())
	f.s.units[2].Coefficient = decimal.RequireFromString("0.3000")

	detail, err := f.svc.Create(ctx, CreateBillingRunRequest{CommunityID: 1, Period: "2024-03"})
	require.NoError(t, err)

	_, err = f.svc.Preview(ctx, 1, detail.Run.ID)
	require.Error(t, err)
	assert.True(t, ierr.Is(err, ierr.ErrInvalidCoefficients))
	assert.Equal(t, models.BillingRunDraft, f.s.run(detail.Run.ID).Status)
}

func TestVoidBillingRun(t *testing.T) {
	ctx := context.Background()

	t.Run("generated run without payments", func(t *testing.T) {
		f := newBillingFixture(t, testBillingConfig())
		run := f.previewedRun(t)
		_, err := f.svc.GenerateCharges(ctx, 1, run.ID)
		require.NoError(t, err)

		voided, err := f.svc.Void(ctx, 1, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.BillingRunVoided, voided.Status)
		for _, c := range f.s.charges {
			assert.Equal(t, models.ChargeVoided, c.Status)
		}

		// The expenses become billable again.
		again, err := f.svc.Create(ctx, CreateBillingRunRequest{CommunityID: 1, Period: "2024-03"})
		require.NoError(t, err)
		assert.Equal(t, int64(300000), again.Run.TotalAmount)
	})

	t.Run("generated run with payments", func(t *testing.T) {
		f := newBillingFixture(t, testBillingConfig())
		run := f.previewedRun(t)
		generated, err := f.svc.GenerateCharges(ctx, 1, run.ID)
		require.NoError(t, err)

		p := f.s.addPayment(models.Payment{CommunityID: 1, UnitID: 1, Amount: 1000, Status: models.PaymentApplied})
		f.s.allocations[p.ID] = []*models.PaymentAllocation{{ID: 1, PaymentID: p.ID, ChargeID: generated.Charges[0].ID, AmountAllocated: 1000}}

		_, err = f.svc.Void(ctx, 1, run.ID)
		require.Error(t, err)
		assert.True(t, ierr.Is(err, ierr.ErrChargeHasPayments))
		assert.Equal(t, models.BillingRunGenerated, f.s.run(run.ID).Status)
	})

	t.Run("draft run", func(t *testing.T) {
		f := newBillingFixture(t, testBillingConfig())
		detail, err := f.svc.Create(ctx, CreateBillingRunRequest{CommunityID: 1, Period: "2024-03"})
		require.NoError(t, err)

		voided, err := f.svc.Void(ctx, 1, detail.Run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.BillingRunVoided, voided.Status)
	})
}

func TestGenerateChargesCancelled(t *testing.T) {
	f := newBillingFixture(t, testBillingConfig())
	run := f.previewedRun(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.s.afterChargeCreate = cancel

	_, err := f.svc.GenerateCharges(ctx, 1, run.ID)
	require.Error(t, err)
	assert.Equal(t, models.BillingRunPreviewed, f.s.run(run.ID).Status)
	assert.NotContains(t, f.s.actions(models.AuditEntityBillingRun, run.ID), models.AuditActionGenerated)
}

func TestGenerateChargesAppliesCredit(t *testing.T) {
	cfg := testBillingConfig()
	cfg.AutoApplyCredit = true
	f := newBillingFixture(t, cfg)
	run := f.previewedRun(t)

	_, err := f.svc.GenerateCharges(context.Background(), 1, run.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3}, f.credit.units)
}

func TestGenerateChargesWithSurcharges(t *testing.T) {
	ctx := context.Background()
	f := newBillingFixture(t, testBillingConfig())
	f.s.surcharges = []*models.UnitSurcharge{{ID: 1, CommunityID: 1, UnitID: 2, Period: "2024-03", Amount: 5000}}

	run := f.previewedRun(t)
	assert.Equal(t, int64(305000), run.TotalAmount)

	generated, err := f.svc.GenerateCharges(ctx, 1, run.ID)
	require.NoError(t, err)
	var sum int64
	for _, c := range generated.Charges {
		sum += c.BaseAmount
		if c.UnitID == 2 {
			assert.Equal(t, int64(104990), c.BaseAmount)
		}
	}
	assert.Equal(t, int64(305000), sum)
}

func TestGenerateChargesAuditFailure(t *testing.T) {
	ctx := context.Background()
	f := newBillingFixture(t, testBillingConfig())
	run := f.previewedRun(t)
	f.s.failAudit[models.AuditActionGenerated] = ierr.NewError("audit insert failed").Mark(ierr.ErrDatabase)

	result, err := f.svc.GenerateCharges(ctx, 1, run.ID)
	require.Error(t, err)
	assert.True(t, ierr.Is(err, ierr.ErrDatabase))
	assert.Nil(t, result, "uncommitted charges are not reported")
}
