package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
)

// StripeClient implements ProviderClient on top of Stripe. Holds are
// manual-capture PaymentIntents: confirming one authorizes the funds,
// capture settles them into the platform balance, and payouts go out as
// Transfers to the talent's connected account.
type StripeClient struct {
	api           *client.API
	webhookSecret string
}

// NewStripeClient builds a StripeClient with the given secret key and
// webhook signing secret.
func NewStripeClient(secretKey, webhookSecret string) *StripeClient {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeClient{api: api, webhookSecret: webhookSecret}
}

var _ ProviderClient = (*StripeClient)(nil)

func (s *StripeClient) CreateCharge(ctx context.Context, idempotencyKey string, amountCents int64, currency, paymentMethodRef string) (*ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amountCents),
		Currency:      stripe.String(strings.ToLower(currency)),
		PaymentMethod: stripe.String(paymentMethodRef),
		Confirm:       stripe.Bool(true),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	params.AddMetadata("engagement_id", idempotencyKey)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, wrapStripeError("charge", err)
	}

	confirmed := pi.Status == stripe.PaymentIntentStatusRequiresCapture ||
		pi.Status == stripe.PaymentIntentStatusSucceeded
	return &ChargeResult{Ref: pi.ID, Confirmed: confirmed}, nil
}

func (s *StripeClient) Capture(ctx context.Context, chargeRef string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if _, err := s.api.PaymentIntents.Capture(chargeRef, params); err != nil {
		return wrapStripeError("capture", err)
	}
	return nil
}

func (s *StripeClient) Transfer(ctx context.Context, idempotencyKey string, amountCents int64, currency, destination string) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amountCents),
		Currency:    stripe.String(strings.ToLower(currency)),
		Destination: stripe.String(destination),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return "", wrapStripeError("transfer", err)
	}
	return tr.ID, nil
}

func (s *StripeClient) Refund(ctx context.Context, chargeRef string, amountCents int64) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(chargeRef),
		Amount:        stripe.Int64(amountCents),
	}
	params.Context = ctx

	r, err := s.api.Refunds.New(params)
	if err != nil {
		return "", wrapStripeError("refund", err)
	}
	return r.ID, nil
}

func (s *StripeClient) VerifyWebhook(payload []byte, signatureHeader string) (*Event, error) {
	ev, err := webhook.ConstructEvent(payload, signatureHeader, s.webhookSecret)
	if err != nil {
		return nil, err
	}

	// Pull the refs out of the event object without caring which exact
	// object type Stripe sent.
	var obj struct {
		ID            string `json:"id"`
		PaymentIntent string `json:"payment_intent"`
		Metadata      struct {
			EngagementID string `json:"engagement_id"`
		} `json:"metadata"`
	}
	_ = json.Unmarshal(ev.Data.Raw, &obj)

	out := &Event{
		ID:           ev.ID,
		Type:         string(ev.Type),
		EngagementID: obj.Metadata.EngagementID,
		Raw:          payload,
	}
	if strings.HasPrefix(out.Type, "transfer.") {
		out.TransferRef = obj.ID
	} else {
		out.ChargeRef = obj.ID
		if obj.PaymentIntent != "" {
			out.ChargeRef = obj.PaymentIntent
		}
	}
	return out, nil
}

// wrapStripeError maps a Stripe SDK error to a ProviderError, deciding
// retryability from the HTTP status: 429 and 5xx are worth retrying,
// other 4xx (declines, bad requests) are not.
func wrapStripeError(op string, err error) error {
	var sErr *stripe.Error
	if !errors.As(err, &sErr) {
		// Network-level failure, assume transient.
		return &ProviderError{Op: op, Code: "network_error", Message: err.Error(), Retryable: true}
	}
	retryable := sErr.HTTPStatusCode == http.StatusTooManyRequests || sErr.HTTPStatusCode >= 500
	code := string(sErr.Code)
	if code == "" {
		code = string(sErr.Type)
	}
	return &ProviderError{Op: op, Code: code, Message: sErr.Msg, Retryable: retryable}
}
