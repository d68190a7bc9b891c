package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	ierr "ledger-service/internal/errors"
	"ledger-service/internal/gateway"
	"ledger-service/internal/ledger"
	"ledger-service/internal/models"
	"ledger-service/internal/repositories"
	"ledger-service/internal/validator"
)

// SourceBank tags transactions loaded from a bank statement.
const SourceBank = "bank"

type DataIngestionService struct {
	db        *sql.DB
	log       *zap.Logger
	gateways  *gateway.Registry
	bankRepo  repositories.BankRepository
	auditRepo repositories.AuditRepository
}

func NewDataIngestionService(
	db *sql.DB,
	log *zap.Logger,
	gateways *gateway.Registry,
	bankRepo repositories.BankRepository,
	auditRepo repositories.AuditRepository,
) *DataIngestionService {
	return &DataIngestionService{
		db:        db,
		log:       log,
		gateways:  gateways,
		bankRepo:  bankRepo,
		auditRepo: auditRepo,
	}
}

type BankTransactionInput struct {
	Reference       string `json:"reference" validate:"required,max=128"`
	Amount          int64  `json:"amount" validate:"required,gt=0"`
	TransactionDate string `json:"transaction_date" validate:"required,datetime=2006-01-02"`
	Description     string `json:"description,omitempty" validate:"max=255"`
	Source          string `json:"source,omitempty" validate:"max=32"`
}

type IngestionResult struct {
	Success      bool     `json:"success"`
	RecordsCount int      `json:"records_count"`
	Duplicates   int      `json:"duplicates"`
	Errors       []string `json:"errors,omitempty"`
}

// IngestBankTransactions stores a bank feed. Each row is inserted on its
// own so an invalid or repeated row does not reject the rest; re-sending a
// feed is harmless.
func (s *DataIngestionService) IngestBankTransactions(ctx context.Context, communityID int64, transactions []BankTransactionInput) (*IngestionResult, error) {
	if len(transactions) == 0 {
		return nil, ierr.NewError("no transactions provided").
			WithHint("No transactions provided").
			Mark(ierr.ErrValidation)
	}

	result := &IngestionResult{}
	for i, input := range transactions {
		if err := validator.ValidateRequest(input); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("transaction %d (%s): %v", i, input.Reference, err))
			continue
		}
		date, _ := time.Parse(dateLayout, input.TransactionDate)

		source := input.Source
		if source == "" {
			source = SourceBank
		}
		bt := &models.BankTransaction{
			CommunityID:     communityID,
			Source:          source,
			Reference:       input.Reference,
			Amount:          input.Amount,
			TransactionDate: date,
			Description:     input.Description,
		}
		err := s.bankRepo.InsertBankTransaction(ctx, s.db, bt)
		switch {
		case ierr.IsConflict(err):
			result.Duplicates++
		case err != nil:
			result.Errors = append(result.Errors, fmt.Sprintf("transaction %d (%s): %v", i, input.Reference, err))
		default:
			result.RecordsCount++
		}
	}
	result.Success = len(result.Errors) == 0

	if result.RecordsCount > 0 {
		err := s.auditRepo.Record(ctx, s.db, communityID, models.AuditEntityReconciliation, 0, models.AuditActionCreated, map[string]any{
			"total_records": len(transactions),
			"successful":    result.RecordsCount,
			"duplicates":    result.Duplicates,
			"failed":        len(result.Errors),
		})
		if err != nil {
			return nil, err
		}
	}

	s.log.Info("bank feed ingested",
		zap.Int64("community_id", communityID),
		zap.Int("inserted", result.RecordsCount),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("failed", len(result.Errors)))
	return result, nil
}

type WebhookResult struct {
	Provider    string                  `json:"provider"`
	Accepted    bool                    `json:"accepted"`
	Duplicate   bool                    `json:"duplicate,omitempty"`
	Reference   string                  `json:"reference,omitempty"`
	Transaction *models.BankTransaction `json:"transaction,omitempty"`
}

// HandleWebhook verifies a provider notification and turns a successful
// payment into a feed transaction. Other events are acknowledged and
// ignored. Redelivered events are reported as duplicates.
func (s *DataIngestionService) HandleWebhook(ctx context.Context, provider string, payload []byte, signature string) (*WebhookResult, error) {
	g, err := s.gateways.Get(provider)
	if err != nil {
		return nil, err
	}

	event, err := g.VerifyWebhook(payload, signature)
	if err != nil {
		s.log.Warn("webhook rejected", zap.String("provider", provider), zap.Error(err))
		return nil, err
	}

	result := &WebhookResult{Provider: provider}
	if event == nil || event.Status != gateway.StatusSucceeded {
		if event != nil {
			result.Reference = event.Reference
			s.log.Info("webhook ignored",
				zap.String("provider", provider),
				zap.String("reference", event.Reference),
				zap.String("status", string(event.Status)))
		}
		return result, nil
	}
	if event.CommunityID <= 0 {
		return nil, ierr.NewErrorf("%s event %s carries no community", provider, event.Reference).
			WithHint("Webhook event is missing the community id").
			Mark(ierr.ErrValidation)
	}

	bt := &models.BankTransaction{
		CommunityID:     event.CommunityID,
		Source:          event.Provider,
		Reference:       event.Reference,
		Amount:          event.Amount,
		TransactionDate: ledger.Day(event.Date),
		Description:     event.Description,
	}
	result.Accepted = true
	result.Reference = event.Reference

	err = s.bankRepo.InsertBankTransaction(ctx, s.db, bt)
	if ierr.IsConflict(err) {
		result.Duplicate = true
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	result.Transaction = bt
	s.log.Info("gateway transaction recorded",
		zap.String("provider", provider),
		zap.Int64("community_id", bt.CommunityID),
		zap.String("reference", bt.Reference),
		zap.Int64("amount", bt.Amount))
	return result, nil
}
