package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	ierr "ledger-service/internal/errors"
)

type fakeIntents struct {
	created *stripe.PaymentIntentCreateParams
	pi      *stripe.PaymentIntent
	err     error
}

func (f *fakeIntents) Create(ctx context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error) {
	f.created = params
	return f.pi, f.err
}

func (f *fakeIntents) Retrieve(ctx context.Context, id string, params *stripe.PaymentIntentRetrieveParams) (*stripe.PaymentIntent, error) {
	return f.pi, f.err
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(NewTransferGateway("s"), &StripeGateway{})

	assert.Equal(t, []string{ProviderStripe, ProviderTransfer}, reg.Providers())

	g, err := reg.Get(ProviderTransfer)
	require.NoError(t, err)
	assert.Equal(t, ProviderTransfer, g.Provider())

	_, err = reg.Get("paypal")
	assert.True(t, ierr.IsNotFound(err))
}

func TestStripeGateway_Submit(t *testing.T) {
	intents := &fakeIntents{pi: &stripe.PaymentIntent{ID: "pi_123", Status: stripe.PaymentIntentStatusRequiresPaymentMethod, ClientSecret: "sec"}}
	g := &StripeGateway{intents: intents, currency: "clp"}

	res, err := g.Submit(context.Background(), SubmitRequest{CommunityID: 1, UnitID: 2, PaymentID: 3, Amount: 5000})
	require.NoError(t, err)

	assert.Equal(t, "pi_123", res.Reference)
	assert.Equal(t, StatusPending, res.Status)
	assert.Equal(t, "clp", *intents.created.Currency)
	assert.Equal(t, int64(5000), *intents.created.Amount)
	assert.Equal(t, "1", intents.created.Metadata["community_id"])

	t.Run("rejects non positive amounts", func(t *testing.T) {
		_, err := g.Submit(context.Background(), SubmitRequest{CommunityID: 1, UnitID: 2})
		assert.True(t, ierr.IsValidation(err))
	})

	t.Run("provider failures are system errors", func(t *testing.T) {
		failing := &StripeGateway{intents: &fakeIntents{err: errors.New("down")}}
		_, err := failing.Submit(context.Background(), SubmitRequest{CommunityID: 1, UnitID: 2, Amount: 1})
		assert.True(t, ierr.Is(err, ierr.ErrSystem))
	})
}

func TestStripeGateway_QueryStatus(t *testing.T) {
	g := &StripeGateway{intents: &fakeIntents{pi: &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusSucceeded, AmountReceived: 700}}}

	res, err := g.QueryStatus(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, int64(700), res.Amount)
}

func TestStripeGateway_VerifyWebhook(t *testing.T) {
	const secret = "whsec_test"
	g := &StripeGateway{webhookSecret: secret}

	payload, err := json.Marshal(map[string]any{
		"id":          "evt_1",
		"object":      "event",
		"type":        "payment_intent.succeeded",
		"created":     time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC).Unix(),
		"api_version": stripe.APIVersion,
		"data": map[string]any{
			"object": map[string]any{
				"id":       "pi_9",
				"object":   "payment_intent",
				"amount":   12000,
				"status":   "succeeded",
				"metadata": map[string]string{"community_id": "4"},
			},
		},
	})
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})

	event, err := g.VerifyWebhook(signed.Payload, signed.Header)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "pi_9", event.Reference)
	assert.Equal(t, int64(4), event.CommunityID)
	assert.Equal(t, int64(12000), event.Amount)
	assert.Equal(t, StatusSucceeded, event.Status)

	_, err = g.VerifyWebhook(signed.Payload, "t=1,v1=bad")
	assert.True(t, ierr.IsValidation(err))
}

func TestTransferGateway(t *testing.T) {
	g := NewTransferGateway("bank-secret")

	t.Run("submit issues a reference", func(t *testing.T) {
		res, err := g.Submit(context.Background(), SubmitRequest{CommunityID: 3, UnitID: 1, Amount: 100})
		require.NoError(t, err)
		assert.Contains(t, res.Reference, "TRF-3-")
		assert.Equal(t, StatusPending, res.Status)
	})

	t.Run("verifies signed notifications", func(t *testing.T) {
		body := []byte(`{"reference":"TRF-3-AB","community_id":3,"amount":4500,"date":"2026-04-03","status":"settled"}`)

		event, err := g.VerifyWebhook(body, g.Sign(body))
		require.NoError(t, err)
		assert.Equal(t, "TRF-3-AB", event.Reference)
		assert.Equal(t, int64(4500), event.Amount)
		assert.Equal(t, StatusSucceeded, event.Status)
		assert.Equal(t, time.Date(2026, 4, 3, 0, 0, 0, 0, time.UTC), event.Date)
	})

	t.Run("rejects bad signatures", func(t *testing.T) {
		body := []byte(`{"reference":"X","community_id":3,"amount":1,"date":"2026-04-03"}`)
		_, err := g.VerifyWebhook(body, NewTransferGateway("other").Sign(body))
		assert.True(t, ierr.IsValidation(err))
	})

	t.Run("refuses notifications without a secret", func(t *testing.T) {
		unset := NewTransferGateway("")
		body := []byte(`{"reference":"TRF-3-AB","community_id":3,"amount":4500,"date":"2026-04-03"}`)
		event, err := unset.VerifyWebhook(body, unset.Sign(body))
		require.Error(t, err)
		assert.Nil(t, event)
		assert.True(t, ierr.IsSystem(err))
	})

	t.Run("rejects incomplete notifications", func(t *testing.T) {
		body := []byte(`{"reference":"","community_id":3,"amount":1,"date":"2026-04-03"}`)
		_, err := g.VerifyWebhook(body, g.Sign(body))
		assert.True(t, ierr.IsValidation(err))
	})
}
