package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
)

type stubIntentAPI struct {
	intent *stripe.PaymentIntent
	err    error
	gotID  string
}

func (s *stubIntentAPI) Get(id string, _ *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.gotID = id
	if s.err != nil {
		return nil, s.err
	}
	return s.intent, nil
}

func newVerifierForTest(t *testing.T, api *stubIntentAPI) *StripeInstallmentVerifier {
	t.Helper()
	verifier, err := NewStripeInstallmentVerifier(StripeVerifierConfig{Intents: api})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return verifier
}

func TestVerifyPaymentSucceeded(t *testing.T) {
	api := &stubIntentAPI{intent: &stripe.PaymentIntent{
		ID:             "pi_1",
		Status:         stripe.PaymentIntentStatusSucceeded,
		Currency:       "usd",
		AmountReceived: 10000,
	}}
	verifier := newVerifierForTest(t, api)

	if err := verifier.VerifyPayment(context.Background(), "pi_1", decimal.RequireFromString("100.00"), "USD"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if api.gotID != "pi_1" {
		t.Fatalf("expected lookup of pi_1, got %q", api.gotID)
	}
}

func TestVerifyPaymentUnsettled(t *testing.T) {
	api := &stubIntentAPI{intent: &stripe.PaymentIntent{
		ID:       "pi_2",
		Status:   stripe.PaymentIntentStatusRequiresPaymentMethod,
		Currency: "usd",
	}}
	verifier := newVerifierForTest(t, api)

	err := verifier.VerifyPayment(context.Background(), "pi_2", decimal.RequireFromString("100.00"), "USD")
	if !errors.Is(err, ErrPaymentNotSettled) {
		t.Fatalf("expected ErrPaymentNotSettled, got %v", err)
	}
}

func TestVerifyPaymentAmountMismatch(t *testing.T) {
	api := &stubIntentAPI{intent: &stripe.PaymentIntent{
		ID:             "pi_3",
		Status:         stripe.PaymentIntentStatusSucceeded,
		Currency:       "usd",
		AmountReceived: 9900,
	}}
	verifier := newVerifierForTest(t, api)

	err := verifier.VerifyPayment(context.Background(), "pi_3", decimal.RequireFromString("100.00"), "USD")
	if !errors.Is(err, ErrPaymentMismatch) {
		t.Fatalf("expected ErrPaymentMismatch, got %v", err)
	}
}

func TestVerifyPaymentCurrencyMismatch(t *testing.T) {
	api := &stubIntentAPI{intent: &stripe.PaymentIntent{
		ID:             "pi_4",
		Status:         stripe.PaymentIntentStatusSucceeded,
		Currency:       "eur",
		AmountReceived: 10000,
	}}
	verifier := newVerifierForTest(t, api)

	err := verifier.VerifyPayment(context.Background(), "pi_4", decimal.RequireFromString("100.00"), "USD")
	if !errors.Is(err, ErrPaymentMismatch) {
		t.Fatalf("expected ErrPaymentMismatch, got %v", err)
	}
}

func TestMinorUnitsZeroDecimalCurrency(t *testing.T) {
	if got := minorUnits(decimal.RequireFromString("1500"), "JPY"); got != 1500 {
		t.Fatalf("expected 1500, got %d", got)
	}
	if got := minorUnits(decimal.RequireFromString("12.34"), "usd"); got != 1234 {
		t.Fatalf("expected 1234, got %d", got)
	}
}
