package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	ierr "ledger-service/internal/errors"
)

const ProviderStripe = "stripe"

// paymentIntents is the subset of the Stripe client this gateway uses.
type paymentIntents interface {
	Create(ctx context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error)
	Retrieve(ctx context.Context, id string, params *stripe.PaymentIntentRetrieveParams) (*stripe.PaymentIntent, error)
}

type StripeGateway struct {
	intents       paymentIntents
	webhookSecret string
	currency      string
}

func NewStripeGateway(secretKey, webhookSecret, currency string) *StripeGateway {
	client := stripe.NewClient(secretKey, nil)
	return &StripeGateway{
		intents:       client.V1PaymentIntents,
		webhookSecret: webhookSecret,
		currency:      currency,
	}
}

func (g *StripeGateway) Provider() string {
	return ProviderStripe
}

func (g *StripeGateway) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}
	currency := req.Currency
	if currency == "" {
		currency = g.currency
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(currency),
		Description: stripe.String(req.Description),
		Metadata: map[string]string{
			"community_id": strconv.FormatInt(req.CommunityID, 10),
			"unit_id":      strconv.FormatInt(req.UnitID, 10),
			"payment_id":   strconv.FormatInt(req.PaymentID, 10),
		},
	}
	params.SetIdempotencyKey(uuid.NewSHA1(uuid.NameSpaceOID, []byte(
		"payment:"+strconv.FormatInt(req.CommunityID, 10)+":"+strconv.FormatInt(req.PaymentID, 10),
	)).String())

	pi, err := g.intents.Create(ctx, params)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Unable to create Stripe payment intent").
			Mark(ierr.ErrSystem)
	}

	return &SubmitResult{
		Provider:     ProviderStripe,
		Reference:    pi.ID,
		Status:       stripeStatus(pi.Status),
		ClientSecret: pi.ClientSecret,
	}, nil
}

func (g *StripeGateway) QueryStatus(ctx context.Context, reference string) (*StatusResult, error) {
	pi, err := g.intents.Retrieve(ctx, reference, nil)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHintf("Unable to retrieve Stripe payment intent %s", reference).
			Mark(ierr.ErrSystem)
	}
	return &StatusResult{
		Reference: pi.ID,
		Status:    stripeStatus(pi.Status),
		Amount:    pi.AmountReceived,
		UpdatedAt: time.Unix(pi.Created, 0).UTC(),
	}, nil
}

func (g *StripeGateway) VerifyWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Invalid webhook signature or payload").
			Mark(ierr.ErrValidation)
	}

	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded, stripe.EventTypePaymentIntentPaymentFailed:
	default:
		return nil, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Malformed payment intent in webhook").
			Mark(ierr.ErrValidation)
	}

	communityID, err := strconv.ParseInt(pi.Metadata["community_id"], 10, 64)
	if err != nil {
		return nil, ierr.NewError("payment intent without community metadata").
			WithHint("Payment intent is not linked to a community").
			Mark(ierr.ErrValidation)
	}

	status := stripeStatus(pi.Status)
	if event.Type == stripe.EventTypePaymentIntentPaymentFailed {
		status = StatusFailed
	}

	return &WebhookEvent{
		Provider:    ProviderStripe,
		Reference:   pi.ID,
		CommunityID: communityID,
		Amount:      pi.Amount,
		Date:        time.Unix(event.Created, 0).UTC(),
		Status:      status,
		Description: pi.Description,
	}, nil
}

func stripeStatus(s stripe.PaymentIntentStatus) Status {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	default:
		return StatusPending
	}
}
