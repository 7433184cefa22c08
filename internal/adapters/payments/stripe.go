package payments

import (
	"context"

	"github.com/cockroachdb/errors"
	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/refund"
)

// StripeRefunder returns money for payments recorded against bookings. The
// payment reference is the PaymentIntent id the gateway reported.
type StripeRefunder struct{}

func NewStripeRefunder(apiKey string) *StripeRefunder {
	stripe.Key = apiKey
	return &StripeRefunder{}
}

// Refund issues a full refund. idempotencyKey makes retries of the same
// refund safe.
func (s *StripeRefunder) Refund(ctx context.Context, paymentRef, idempotencyKey string) (string, error) {
	if paymentRef == "" {
		return "", errors.New("payment reference is empty")
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentRef),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	r, err := refund.New(params)
	if err != nil {
		return "", errors.Wrapf(err, "refund %s", paymentRef)
	}
	return r.ID, nil
}
