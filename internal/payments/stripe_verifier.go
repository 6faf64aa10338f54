package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

var (
	// ErrPaymentNotSettled indicates the referenced payment has not been captured.
	ErrPaymentNotSettled = errors.New("payments: payment not settled")
	// ErrPaymentMismatch indicates the settled amount or currency differs from the
	// expected installment.
	ErrPaymentMismatch = errors.New("payments: amount or currency mismatch")
)

// Currencies Stripe treats as zero-decimal: amounts are whole units, not cents.
var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {},
	"KRW": {}, "MGA": {}, "PYG": {}, "RWF": {}, "UGX": {}, "VND": {},
	"VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

// StripeLogger defines the logging contract for Stripe operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeVerifierConfig configures the StripeInstallmentVerifier.
type StripeVerifierConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	// Intents overrides the live API client, used by tests.
	Intents stripePaymentIntentAPI
}

// StripeInstallmentVerifier confirms installment payments against Stripe
// payment intents before they are counted towards an order's schedule.
type StripeInstallmentVerifier struct {
	intents stripePaymentIntentAPI
	account string
	logger  StripeLogger
}

// NewStripeInstallmentVerifier constructs a verifier using the given configuration.
func NewStripeInstallmentVerifier(cfg StripeVerifierConfig) (*StripeInstallmentVerifier, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Intents == nil {
		return nil, errors.New("stripe: api key is required")
	}

	intents := cfg.Intents
	if intents == nil {
		sc := client.New(apiKey, cfg.Backends)
		intents = sc.PaymentIntents
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeInstallmentVerifier{
		intents: intents,
		account: strings.TrimSpace(cfg.AccountID),
		logger:  logger,
	}, nil
}

// VerifyPayment looks up the payment intent and checks it settled for the
// expected amount and currency.
func (v *StripeInstallmentVerifier) VerifyPayment(ctx context.Context, paymentRef string, amount decimal.Decimal, currency string) error {
	if v == nil || v.intents == nil {
		return errors.New("stripe: verifier not initialised")
	}
	paymentRef = strings.TrimSpace(paymentRef)
	if paymentRef == "" {
		return fmt.Errorf("%w: payment reference is required", ErrPaymentMismatch)
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if v.account != "" {
		params.SetStripeAccount(v.account)
	}

	intent, err := v.intents.Get(paymentRef, params)
	if err != nil {
		return fmt.Errorf("stripe: lookup payment intent %s: %w", paymentRef, err)
	}

	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		v.logger(ctx, "payments.stripe.verify.unsettled", map[string]any{
			"paymentIntent": intent.ID,
			"status":        string(intent.Status),
		})
		return fmt.Errorf("%w: intent %s is %s", ErrPaymentNotSettled, intent.ID, intent.Status)
	}

	if !strings.EqualFold(string(intent.Currency), currency) {
		return fmt.Errorf("%w: intent settled in %s, expected %s", ErrPaymentMismatch, intent.Currency, currency)
	}

	expected := minorUnits(amount, currency)
	if intent.AmountReceived != expected {
		return fmt.Errorf("%w: intent settled %d, expected %d", ErrPaymentMismatch, intent.AmountReceived, expected)
	}

	v.logger(ctx, "payments.stripe.verify.ok", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        expected,
		"currency":      strings.ToUpper(currency),
	})
	return nil
}

// minorUnits converts a decimal amount to Stripe's integer representation.
func minorUnits(amount decimal.Decimal, currency string) int64 {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return amount.Round(0).IntPart()
	}
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
