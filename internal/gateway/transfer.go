package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	ierr "ledger-service/internal/errors"
)

const ProviderTransfer = "transfer"

// transferNotification is the body a bank posts when a transfer settles.
type transferNotification struct {
	Reference   string `json:"reference"`
	CommunityID int64  `json:"community_id"`
	Amount      int64  `json:"amount"`
	Date        string `json:"date"`
	Status      string `json:"status"`
	Description string `json:"description"`
}

// TransferGateway models direct bank transfers: submitting only issues a
// reference the payer has to quote, and settlement arrives as a signed
// bank notification.
type TransferGateway struct {
	secret []byte
}

func NewTransferGateway(secret string) *TransferGateway {
	return &TransferGateway{secret: []byte(secret)}
}

func (g *TransferGateway) Provider() string {
	return ProviderTransfer
}

func (g *TransferGateway) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}
	ref := fmt.Sprintf("TRF-%d-%s", req.CommunityID, strings.ToUpper(uuid.NewString()[:8]))
	return &SubmitResult{
		Provider:     ProviderTransfer,
		Reference:    ref,
		Status:       StatusPending,
		Instructions: fmt.Sprintf("Quote reference %s when transferring %d", ref, req.Amount),
	}, nil
}

// QueryStatus cannot ask the bank; settlement is only known through
// notifications, so a transfer stays pending until one arrives.
func (g *TransferGateway) QueryStatus(ctx context.Context, reference string) (*StatusResult, error) {
	return &StatusResult{
		Reference: reference,
		Status:    StatusPending,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func (g *TransferGateway) Sign(payload []byte) string {
	return hex.EncodeToString(g.mac(payload))
}

func (g *TransferGateway) mac(payload []byte) []byte {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// VerifyWebhook refuses every notification when no secret is configured.
func (g *TransferGateway) VerifyWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	if len(g.secret) == 0 {
		return nil, ierr.NewError("transfer webhook secret is not configured").
			WithHint("Transfer notifications are not accepted").
			Mark(ierr.ErrSystem)
	}
	expected, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || !hmac.Equal(expected, g.mac(payload)) {
		return nil, ierr.NewError("invalid transfer notification signature").
			WithHint("Invalid webhook signature or payload").
			Mark(ierr.ErrValidation)
	}

	var n transferNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Malformed transfer notification").
			Mark(ierr.ErrValidation)
	}
	date, err := time.Parse("2006-01-02", n.Date)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Invalid date format. Use YYYY-MM-DD").
			Mark(ierr.ErrValidation)
	}
	if n.Reference == "" || n.CommunityID <= 0 || n.Amount <= 0 {
		return nil, ierr.NewError("incomplete transfer notification").
			WithHint("reference, community_id and a positive amount are required").
			Mark(ierr.ErrValidation)
	}

	status := StatusSucceeded
	if strings.EqualFold(n.Status, "rejected") {
		status = StatusFailed
	}
	return &WebhookEvent{
		Provider:    ProviderTransfer,
		Reference:   n.Reference,
		CommunityID: n.CommunityID,
		Amount:      n.Amount,
		Date:        date,
		Status:      status,
		Description: n.Description,
	}, nil
}
