// Package travel contains the workflow templates of the travel agency
// domain: quotation generation, booking confirmation and guide assignment.
// Each template wires business collaborators into a compensating saga and
// publishes domain events on the injected bus.
package travel

import (
	"context"
	"fmt"
	"time"

	"github.com/tourvia/sagaflow/pkg/api"
)

// Publisher is the slice of the event bus the templates need.
type Publisher interface {
	Publish(ctx context.Context, typ api.EventType, payload map[string]any, meta api.Metadata) (api.Event, error)
}

// HotelQuote is a priced hold on hotel rooms. HoldID addresses the hold for
// release or conversion into a firm reservation.
type HotelQuote struct {
	HoldID     string
	Hotel      string
	Rooms      int
	TotalPrice float64
}

// TransportQuote is a priced hold on transport capacity.
type TransportQuote struct {
	HoldID     string
	Mode       string
	Seats      int
	TotalPrice float64
}

// Guide is one tour guide candidate.
type Guide struct {
	ID             string
	Name           string
	Languages      []string
	Certifications []string
}

// HotelInventory checks and holds hotel capacity.
type HotelInventory interface {
	CheckAvailability(ctx context.Context, destination string, rooms int, nights int) (HotelQuote, error)
	Reserve(ctx context.Context, holdID string) (reservationID string, err error)
	Release(ctx context.Context, holdID string) error
}

// TransportPlanner checks and holds transport capacity.
type TransportPlanner interface {
	PlanRoute(ctx context.Context, origin, destination string, passengers int) (TransportQuote, error)
	Release(ctx context.Context, holdID string) error
}

// GuideRoster manages tour guide candidates and assignments.
type GuideRoster interface {
	FindCandidates(ctx context.Context, destination, language string) ([]Guide, error)
	CheckAvailability(ctx context.Context, guideID string, days int) (bool, error)
	Assign(ctx context.Context, guideID, workflowID string) error
	Unassign(ctx context.Context, guideID, workflowID string) error
}

// CostCalculator prices a quotation from its component quotes.
type CostCalculator interface {
	Total(ctx context.Context, hotel HotelQuote, transport TransportQuote, groupSize int) (float64, error)
}

// DocumentRenderer renders the customer-facing quotation document and
// returns its address.
type DocumentRenderer interface {
	RenderQuotation(ctx context.Context, workflowID string, contents map[string]any) (string, error)
}

// PaymentGateway authorizes, captures and refunds customer payments.
type PaymentGateway interface {
	Authorize(ctx context.Context, amount float64, customer string) (authID string, err error)
	Capture(ctx context.Context, authID string) (captureID string, err error)
	Refund(ctx context.Context, captureID string) error
}

// Notifier delivers customer and guide notifications.
type Notifier interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// Deps bundles the collaborators a template needs. Templates only touch the
// fields they use; unused ones may stay nil.
type Deps struct {
	Hotels    HotelInventory
	Transport TransportPlanner
	Guides    GuideRoster
	Costs     CostCalculator
	Documents DocumentRenderer
	Payments  PaymentGateway
	Notifier  Notifier
}

const defaultStepTimeout = 30 * time.Second

// publish emits a domain event, ignoring bus errors. Templates never fail a
// business step because the event could not be recorded.
func publish(ctx context.Context, bus Publisher, wfID string, typ api.EventType, payload map[string]any) {
	if bus == nil {
		return
	}
	_, _ = bus.Publish(ctx, typ, payload, api.Metadata{
		CorrelationID: wfID,
		ServiceName:   "travel-templates",
	})
}

// ctxString reads a string value from the workflow context.
func ctxString(wctx api.Context, key string) (string, bool) {
	v, ok := wctx.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ctxInt reads an integer from the workflow context, tolerating the float64
// that JSON-decoded payloads carry.
func ctxInt(wctx api.Context, key string) (int, bool) {
	v, ok := wctx.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// ctxFloat reads a numeric value from the workflow context.
func ctxFloat(wctx api.Context, key string) (float64, bool) {
	v, ok := wctx.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// stepResult fetches the typed output a previous step stored under
// "<name>_result".
func stepResult[T any](wctx api.Context, step string) (T, error) {
	var zero T
	v, ok := wctx.Get(step + "_result")
	if !ok {
		return zero, fmt.Errorf("missing result of step %q", step)
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("step %q result has unexpected type %T", step, v)
	}
	return out, nil
}
