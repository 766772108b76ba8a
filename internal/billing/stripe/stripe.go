// Package stripe reports billed minutes to Stripe as billing meter events,
// so usage-based subscriptions are invoiced from the same deductions that
// the local ledger records.
//
// Each event carries the deduction's idempotency key as its identifier;
// Stripe drops events whose identifier it has already seen.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	stripeapi "github.com/stripe/stripe-go/v84"

	"github.com/MrWong99/speakwell/internal/billing"
)

// DefaultEventName is the meter event name used when none is configured.
const DefaultEventName = "speaking_minutes"

// CustomerResolver maps an application user id to a Stripe customer id.
// Returning an empty id skips reporting for that user.
type CustomerResolver interface {
	CustomerID(ctx context.Context, userID string) (string, error)
}

// CustomerResolverFunc adapts a function to [CustomerResolver].
type CustomerResolverFunc func(ctx context.Context, userID string) (string, error)

// CustomerID calls f(ctx, userID).
func (f CustomerResolverFunc) CustomerID(ctx context.Context, userID string) (string, error) {
	return f(ctx, userID)
}

// MeterEventCreator is the subset of the Stripe client used by [Reporter].
// The V1BillingMeterEvents service of *stripe.Client satisfies it.
type MeterEventCreator interface {
	Create(ctx context.Context, params *stripeapi.BillingMeterEventCreateParams) (*stripeapi.BillingMeterEvent, error)
}

// Option is a functional option for configuring a Reporter.
type Option func(*Reporter)

// WithEventName sets the meter event name.
func WithEventName(name string) Option {
	return func(r *Reporter) { r.eventName = name }
}

// WithMeterEvents replaces the Stripe service used to create events. Used in
// tests.
func WithMeterEvents(c MeterEventCreator) Option {
	return func(r *Reporter) { r.events = c }
}

// Reporter is a [billing.Deducter] that records usage in Stripe. It never
// refuses a deduction for lack of balance; combine it with a ledger through
// [billing.Tee].
type Reporter struct {
	events    MeterEventCreator
	customers CustomerResolver
	eventName string
}

var _ billing.Deducter = (*Reporter)(nil)

// New creates a Reporter authenticated with apiKey.
func New(apiKey string, customers CustomerResolver, opts ...Option) (*Reporter, error) {
	if customers == nil {
		return nil, errors.New("stripe: customer resolver is required")
	}
	r := &Reporter{customers: customers, eventName: DefaultEventName}
	for _, o := range opts {
		o(r)
	}
	if r.events == nil {
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		r.events = stripeapi.NewClient(apiKey).V1BillingMeterEvents
	}
	return r, nil
}

// Deduct sends one meter event for req.
func (r *Reporter) Deduct(ctx context.Context, req billing.DeductRequest) error {
	customer, err := r.customers.CustomerID(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("stripe: resolve customer for %q: %w", req.UserID, err)
	}
	if customer == "" {
		return nil
	}

	_, err = r.events.Create(ctx, &stripeapi.BillingMeterEventCreateParams{
		EventName:  stripeapi.String(r.eventName),
		Identifier: stripeapi.String(req.IdempotencyKey()),
		Payload: map[string]string{
			"stripe_customer_id": customer,
			"value":              strconv.Itoa(req.Minutes),
		},
	})
	if err != nil {
		return fmt.Errorf("stripe: meter event %s: %w", req.IdempotencyKey(), err)
	}
	return nil
}

// StaticCustomers resolves customers from a fixed map.
type StaticCustomers map[string]string

// CustomerID implements [CustomerResolver].
func (m StaticCustomers) CustomerID(_ context.Context, userID string) (string, error) {
	return m[userID], nil
}
