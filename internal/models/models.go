package models

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Amounts are integer minor currency units throughout.

// Community is the tenant boundary.
type Community struct {
	ID       int64  `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	Currency string `db:"currency" json:"currency"`
	Active   bool   `db:"active" json:"active"`
}

// Expense is an approved community expense eligible for billing.
type Expense struct {
	ID              int64     `db:"id" json:"id"`
	CommunityID     int64     `db:"community_id" json:"community_id"`
	CategoryID      int64     `db:"category_id" json:"category_id"`
	CostCenterID    int64     `db:"cost_center_id" json:"cost_center_id"`
	ProviderID      int64     `db:"provider_id" json:"provider_id"`
	Amount          int64     `db:"amount" json:"amount"`
	Date            time.Time `db:"date" json:"date"`
	IsExtraordinary bool      `db:"is_extraordinary" json:"is_extraordinary"`
	Status          string    `db:"status" json:"status"`
	Locked          bool      `db:"locked" json:"locked"`
}

// Unit is a billable unit with its share of common expenses.
type Unit struct {
	ID          int64           `db:"id" json:"id"`
	CommunityID int64           `db:"community_id" json:"community_id"`
	BuildingID  int64           `db:"building_id" json:"building_id"`
	Code        string          `db:"code" json:"code"`
	Coefficient decimal.Decimal `db:"coefficient" json:"coefficient"`
	Active      bool            `db:"active" json:"active"`
}

// UnitSurcharge is a unit-specific amount billed outside proration.
type UnitSurcharge struct {
	ID          int64  `db:"id" json:"id"`
	CommunityID int64  `db:"community_id" json:"community_id"`
	UnitID      int64  `db:"unit_id" json:"unit_id"`
	Period      string `db:"period" json:"period"`
	Amount      int64  `db:"amount" json:"amount"`
	Description string `db:"description" json:"description"`
}

// BillingRun is a community-wide billing for one period ("emisión").
type BillingRun struct {
	ID                  int64     `db:"id" json:"id"`
	CommunityID         int64     `db:"community_id" json:"community_id"`
	Period              string    `db:"period" json:"period"`
	Status              string    `db:"status" json:"status"`
	TotalAmount         int64     `db:"total_amount" json:"total_amount"`
	DistributableAmount int64     `db:"distributable_amount" json:"distributable_amount"`
	SurchargeAmount     int64     `db:"surcharge_amount" json:"surcharge_amount"`
	DueDate             time.Time `db:"due_date" json:"due_date"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// BillingLineItem records an expense included in a billing run.
type BillingLineItem struct {
	ID           int64 `db:"id" json:"id"`
	BillingRunID int64 `db:"billing_run_id" json:"billing_run_id"`
	ExpenseID    int64 `db:"expense_id" json:"expense_id"`
	Amount       int64 `db:"amount" json:"amount"`
}

// Charge is the per-unit amount due for a billing run ("cargo").
type Charge struct {
	ID              int64        `db:"id" json:"id"`
	CommunityID     int64        `db:"community_id" json:"community_id"`
	BillingRunID    int64        `db:"billing_run_id" json:"billing_run_id"`
	UnitID          int64        `db:"unit_id" json:"unit_id"`
	BaseAmount      int64        `db:"base_amount" json:"base_amount"`
	InterestAccrued int64        `db:"interest_accrued" json:"interest_accrued"`
	TotalDue        int64        `db:"total_due" json:"total_due"`
	AmountPaid      int64        `db:"amount_paid" json:"amount_paid"`
	Status          string       `db:"status" json:"status"`
	DueDate         time.Time    `db:"due_date" json:"due_date"`
	LastAccruedDate sql.NullTime `db:"last_accrued_date" json:"-"`
	CreatedAt       time.Time    `db:"created_at" json:"-"`
	UpdatedAt       time.Time    `db:"updated_at" json:"-"`
}

// Outstanding is the amount still owed on the charge.
func (c *Charge) Outstanding() int64 {
	return c.TotalDue - c.AmountPaid
}

// Payment is money received from a unit ("pago").
type Payment struct {
	ID                int64     `db:"id" json:"id"`
	CommunityID       int64     `db:"community_id" json:"community_id"`
	UnitID            int64     `db:"unit_id" json:"unit_id"`
	Amount            int64     `db:"amount" json:"amount"`
	UnallocatedAmount int64     `db:"unallocated_amount" json:"unallocated_amount"`
	Date              time.Time `db:"date" json:"date"`
	Method            string    `db:"method" json:"method"`
	Reference         string    `db:"reference" json:"reference"`
	Status            string    `db:"status" json:"status"`
	CreatedAt         time.Time `db:"created_at" json:"-"`
	UpdatedAt         time.Time `db:"updated_at" json:"-"`
}

// PaymentAllocation is the part of a payment applied to one charge
// ("aplicación"). PriorStatus and PriorAmountPaid snapshot the charge before
// the allocation so a reversal can restore it exactly.
type PaymentAllocation struct {
	ID              int64  `db:"id" json:"id"`
	PaymentID       int64  `db:"payment_id" json:"payment_id"`
	ChargeID        int64  `db:"charge_id" json:"charge_id"`
	AmountAllocated int64  `db:"amount_allocated" json:"amount_allocated"`
	PriorStatus     string `db:"prior_status" json:"-"`
	PriorAmountPaid int64  `db:"prior_amount_paid" json:"-"`
}

// BankTransaction is an entry of an external bank or gateway feed.
type BankTransaction struct {
	ID              int64     `db:"id" json:"id"`
	CommunityID     int64     `db:"community_id" json:"community_id"`
	Source          string    `db:"source" json:"source"`
	Reference       string    `db:"reference" json:"reference"`
	Amount          int64     `db:"amount" json:"amount"`
	TransactionDate time.Time `db:"transaction_date" json:"transaction_date"`
	Description     string    `db:"description" json:"description"`
	CreatedAt       time.Time `db:"created_at" json:"-"`
}

// ReconciliationRun groups the records produced by one matcher execution.
type ReconciliationRun struct {
	ID          int64     `db:"id" json:"id"`
	BatchID     string    `db:"batch_id" json:"batch_id"`
	CommunityID int64     `db:"community_id" json:"community_id"`
	Period      string    `db:"period" json:"period"`
	Matched     int       `db:"matched" json:"matched"`
	Unmatched   int       `db:"unmatched" json:"unmatched"`
	Disputed    int       `db:"disputed" json:"disputed"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// ReconciliationRecord is the outcome for one bank transaction or payment.
type ReconciliationRecord struct {
	ID                int64         `db:"id" json:"id"`
	RunID             int64         `db:"run_id" json:"run_id"`
	CommunityID       int64         `db:"community_id" json:"community_id"`
	Period            string        `db:"period" json:"period"`
	PaymentID         sql.NullInt64 `db:"payment_id" json:"-"`
	BankTransactionID sql.NullInt64 `db:"bank_transaction_id" json:"-"`
	BankReference     string        `db:"bank_reference" json:"bank_reference"`
	BankAmount        int64         `db:"bank_amount" json:"bank_amount"`
	BankDate          sql.NullTime  `db:"bank_date" json:"-"`
	MatchStatus       string        `db:"match_status" json:"match_status"`
	MatchCriteria     string        `db:"match_criteria" json:"match_criteria,omitempty"`
	Note              string        `db:"note" json:"note,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
}

// AuditEntry is an append-only trail of ledger state changes.
type AuditEntry struct {
	ID          int64           `db:"id" json:"id"`
	CommunityID int64           `db:"community_id" json:"community_id"`
	Entity      string          `db:"entity" json:"entity"`
	EntityID    int64           `db:"entity_id" json:"entity_id"`
	Action      string          `db:"action" json:"action"`
	Details     json.RawMessage `db:"details" json:"details"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// Expense status constants
const (
	ExpenseStatusPending  = "pending"
	ExpenseStatusApproved = "approved"
	ExpenseStatusRejected = "rejected"
)

// BillingRun status constants
const (
	BillingRunDraft     = "draft"
	BillingRunPreviewed = "previewed"
	BillingRunGenerated = "generated"
	BillingRunClosed    = "closed"
	BillingRunVoided    = "voided"
)

// Charge status constants
const (
	ChargePending = "pending"
	ChargePartial = "partial"
	ChargePaid    = "paid"
	ChargeOverdue = "overdue"
	ChargeVoided  = "voided"
)

// Payment status constants
const (
	PaymentPending  = "pending"
	PaymentApplied  = "applied"
	PaymentReversed = "reversed"
)

// Reconciliation match status constants
const (
	MatchMatched   = "matched"
	MatchUnmatched = "unmatched"
	MatchDisputed  = "disputed"
)

// Audit entity and action constants
const (
	AuditEntityBillingRun     = "billing_run"
	AuditEntityPayment        = "payment"
	AuditEntityReconciliation = "reconciliation"

	AuditActionCreated   = "created"
	AuditActionRefreshed = "refreshed"
	AuditActionPreviewed = "previewed"
	AuditActionGenerated = "generated"
	AuditActionClosed    = "closed"
	AuditActionVoided    = "voided"
	AuditActionApplied   = "applied"
	AuditActionReversed  = "reversed"
	AuditActionMatched   = "matched"
)
