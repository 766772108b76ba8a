package stripe

import (
	"context"
	"errors"
	"testing"

	stripeapi "github.com/stripe/stripe-go/v84"

	"github.com/MrWong99/speakwell/internal/billing"
)

type fakeMeterEvents struct {
	params []*stripeapi.BillingMeterEventCreateParams
	err    error
}

func (f *fakeMeterEvents) Create(_ context.Context, p *stripeapi.BillingMeterEventCreateParams) (*stripeapi.BillingMeterEvent, error) {
	f.params = append(f.params, p)
	if f.err != nil {
		return nil, f.err
	}
	return &stripeapi.BillingMeterEvent{}, nil
}

func TestReporter_SendsMeterEvent(t *testing.T) {
	fake := &fakeMeterEvents{}
	r, err := New("", StaticCustomers{"u1": "cus_123"}, WithMeterEvents(fake), WithEventName("ielts_minutes"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = r.Deduct(context.Background(), billing.DeductRequest{UserID: "u1", CallID: "call-7", Minutes: 2, Boundary: 5})
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if len(fake.params) != 1 {
		t.Fatalf("events = %d, want 1", len(fake.params))
	}
	p := fake.params[0]
	if got := stripeapi.StringValue(p.EventName); got != "ielts_minutes" {
		t.Errorf("EventName = %q", got)
	}
	if got := stripeapi.StringValue(p.Identifier); got != "call-7-5" {
		t.Errorf("Identifier = %q, want call-7-5", got)
	}
	if p.Payload["stripe_customer_id"] != "cus_123" || p.Payload["value"] != "2" {
		t.Errorf("Payload = %v", p.Payload)
	}
}

func TestReporter_SkipsUnknownCustomer(t *testing.T) {
	fake := &fakeMeterEvents{}
	r, _ := New("", StaticCustomers{}, WithMeterEvents(fake))
	if err := r.Deduct(context.Background(), billing.DeductRequest{UserID: "u2", Minutes: 1, Boundary: 1}); err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if len(fake.params) != 0 {
		t.Errorf("events = %d, want 0", len(fake.params))
	}
}

func TestReporter_WrapsErrors(t *testing.T) {
	boom := errors.New("stripe down")
	r, _ := New("", StaticCustomers{"u1": "cus_1"}, WithMeterEvents(&fakeMeterEvents{err: boom}))
	err := r.Deduct(context.Background(), billing.DeductRequest{UserID: "u1", Minutes: 1, Boundary: 1})
	if !errors.Is(err, boom) {
		t.Errorf("Deduct error = %v, want wrapped boom", err)
	}

	failing := CustomerResolverFunc(func(context.Context, string) (string, error) { return "", boom })
	r, _ = New("", failing, WithMeterEvents(&fakeMeterEvents{}))
	if err := r.Deduct(context.Background(), billing.DeductRequest{UserID: "u1", Minutes: 1}); !errors.Is(err, boom) {
		t.Errorf("resolver error = %v, want wrapped boom", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("sk_test", nil); err == nil {
		t.Error("New without resolver: expected error")
	}
	if _, err := New("", StaticCustomers{}); err == nil {
		t.Error("New without api key: expected error")
	}
}
