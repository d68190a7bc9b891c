package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierr "ledger-service/internal/errors"
	"ledger-service/internal/gateway"
)

func newIngestionFixture(t *testing.T) (*store, *DataIngestionService, *gateway.TransferGateway) {
	s := newStore()
	db, _ := newTxDB(t, 0, 0)
	transfer := gateway.NewTransferGateway("secret")
	svc := NewDataIngestionService(db, testLogger, gateway.NewRegistry(transfer), &fakeBankRepo{s}, &fakeAuditRepo{s})
	return s, svc, transfer
}

func TestIngestBankTransactions(t *testing.T) {
	ctx := context.Background()
	s, svc, _ := newIngestionFixture(t)

	feed := []BankTransactionInput{
		{Reference: "R-1", Amount: 50000, TransactionDate: "2024-03-06"},
		{Reference: "R-2", Amount: 20000, TransactionDate: "2024-03-11", Description: "transfer"},
		{Reference: "R-3", Amount: 0, TransactionDate: "2024-03-11"},
		{Reference: "R-4", Amount: 100, TransactionDate: "11/03/2024"},
	}

	res, err := svc.IngestBankTransactions(ctx, 1, feed)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.RecordsCount)
	assert.Len(t, res.Errors, 2)
	assert.Len(t, s.bank, 2)
	assert.Equal(t, SourceBank, s.bank[0].Source)
	assert.Equal(t, day("2024-03-06"), s.bank[0].TransactionDate)

	res, err = svc.IngestBankTransactions(ctx, 1, feed[:2])
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.RecordsCount)
	assert.Equal(t, 2, res.Duplicates)
	assert.Len(t, s.bank, 2)

	_, err = svc.IngestBankTransactions(ctx, 1, nil)
	assert.True(t, ierr.IsValidation(err))
}

func TestHandleWebhook(t *testing.T) {
	ctx := context.Background()
	s, svc, transfer := newIngestionFixture(t)

	payload, err := json.Marshal(map[string]any{
		"reference":    "TRF-1-ABCD",
		"community_id": 1,
		"amount":       30000,
		"date":         "2024-03-07",
		"status":       "credited",
	})
	require.NoError(t, err)

	res, err := svc.HandleWebhook(ctx, gateway.ProviderTransfer, payload, transfer.Sign(payload))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, gateway.ProviderTransfer, res.Transaction.Source)
	assert.Equal(t, int64(30000), res.Transaction.Amount)

	redelivered, err := svc.HandleWebhook(ctx, gateway.ProviderTransfer, payload, transfer.Sign(payload))
	require.NoError(t, err)
	assert.True(t, redelivered.Duplicate)
	assert.Len(t, s.bank, 1)

	_, err = svc.HandleWebhook(ctx, gateway.ProviderTransfer, payload, "deadbeef")
	assert.Error(t, err)

	_, err = svc.HandleWebhook(ctx, "unknown", payload, "")
	assert.True(t, ierr.IsNotFound(err))

	rejected, err := json.Marshal(map[string]any{
		"reference": "TRF-1-EFGH", "community_id": 1, "amount": 100, "date": "2024-03-07", "status": "rejected",
	})
	require.NoError(t, err)
	res, err = svc.HandleWebhook(ctx, gateway.ProviderTransfer, rejected, transfer.Sign(rejected))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Len(t, s.bank, 1)
}
