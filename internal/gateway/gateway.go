package gateway

import (
	"context"
	"sort"
	"time"

	ierr "ledger-service/internal/errors"
)

// Status is the provider-agnostic state of a gateway payment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

type SubmitRequest struct {
	CommunityID int64
	UnitID      int64
	PaymentID   int64
	Amount      int64
	Currency    string
	Description string
}

type SubmitResult struct {
	Provider     string `json:"provider"`
	Reference    string `json:"reference"`
	Status       Status `json:"status"`
	ClientSecret string `json:"client_secret,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

type StatusResult struct {
	Reference string    `json:"reference"`
	Status    Status    `json:"status"`
	Amount    int64     `json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WebhookEvent is a verified notification turned into a feed entry.
type WebhookEvent struct {
	Provider    string
	Reference   string
	CommunityID int64
	Amount      int64
	Date        time.Time
	Status      Status
	Description string
}

// Gateway is what every payment provider has to offer. Results flow into
// the bank transaction feed; providers never touch ledger state.
type Gateway interface {
	Provider() string
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	QueryStatus(ctx context.Context, reference string) (*StatusResult, error)
	VerifyWebhook(payload []byte, signature string) (*WebhookEvent, error)
}

type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway)}
	for _, g := range gateways {
		r.gateways[g.Provider()] = g
	}
	return r
}

func (r *Registry) Get(provider string) (Gateway, error) {
	g, ok := r.gateways[provider]
	if !ok {
		return nil, ierr.NewErrorf("gateway %q is not configured", provider).
			WithHint("Unknown payment provider").
			Mark(ierr.ErrNotFound)
	}
	return g, nil
}

func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateSubmit(req SubmitRequest) error {
	if req.Amount <= 0 {
		return ierr.NewError("gateway amount must be positive").
			WithHint("Payment amount must be positive").
			Mark(ierr.ErrValidation)
	}
	if req.CommunityID <= 0 || req.UnitID <= 0 {
		return ierr.NewError("gateway request without community or unit").
			Mark(ierr.ErrValidation)
	}
	return nil
}
