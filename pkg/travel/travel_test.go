package travel_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tourvia/sagaflow"
	"github.com/tourvia/sagaflow/pkg/api"
	"github.com/tourvia/sagaflow/pkg/travel"
)

// capturePub records the domain events templates publish.
type capturePub struct {
	mu     sync.Mutex
	events []api.Event
}

func (p *capturePub) Publish(_ context.Context, typ api.EventType, payload map[string]any, meta api.Metadata) (api.Event, error) {
	ev := api.NewEvent(typ, payload, meta)
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return ev, nil
}

func (p *capturePub) types() []api.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]api.EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

// Collaborator fakes.

type fakeHotels struct {
	mu       sync.Mutex
	held     []string
	released []string
	reserved []string
	failHold bool
}

func (h *fakeHotels) CheckAvailability(_ context.Context, destination string, rooms, _ int) (travel.HotelQuote, error) {
	if h.failHold {
		return travel.HotelQuote{}, errors.New("no rooms")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	holdID := fmt.Sprintf("hold-%d", len(h.held)+1)
	h.held = append(h.held, holdID)
	return travel.HotelQuote{HoldID: holdID, Hotel: "Grand " + destination, Rooms: rooms, TotalPrice: 500}, nil
}

func (h *fakeHotels) Reserve(_ context.Context, holdID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reserved = append(h.reserved, holdID)
	return "resv-" + holdID, nil
}

func (h *fakeHotels) Release(_ context.Context, holdID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = append(h.released, holdID)
	return nil
}

type fakeTransport struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (tr *fakeTransport) PlanRoute(_ context.Context, _, _ string, passengers int) (travel.TransportQuote, error) {
	tr.mu.Lock()
	tr.calls++
	tr.mu.Unlock()
	if tr.fail {
		// Slower than the sibling checks, so they finish before the
		// group is torn down.
		time.Sleep(10 * time.Millisecond)
		return travel.TransportQuote{}, errors.New("no coaches")
	}
	return travel.TransportQuote{HoldID: "thold-1", Mode: "coach", Seats: passengers, TotalPrice: 200}, nil
}

func (tr *fakeTransport) Release(context.Context, string) error { return nil }

func (tr *fakeTransport) callCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.calls
}

type fakeGuides struct {
	mu          sync.Mutex
	candidates  []travel.Guide
	unavailable map[string]bool
	findCalls   int
	assigned    []string
	unassigned  []string
}

func (g *fakeGuides) FindCandidates(context.Context, string, string) ([]travel.Guide, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.findCalls = g.findCalls + 1
	return g.candidates, nil
}

func (g *fakeGuides) CheckAvailability(_ context.Context, guideID string, _ int) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.unavailable[guideID], nil
}

func (g *fakeGuides) Assign(_ context.Context, guideID, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.assigned = append(g.assigned, guideID)
	return nil
}

func (g *fakeGuides) Unassign(_ context.Context, guideID, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unassigned = append(g.unassigned, guideID)
	return nil
}

type flatCosts struct{}

func (flatCosts) Total(_ context.Context, h travel.HotelQuote, tr travel.TransportQuote, groupSize int) (float64, error) {
	return h.TotalPrice + tr.TotalPrice + float64(groupSize)*10, nil
}

type fakeRenderer struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeRenderer) RenderQuotation(_ context.Context, workflowID string, _ map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return "https://docs.test/" + workflowID, nil
}

type fakeNotifier struct {
	mu         sync.Mutex
	recipients []string
	fail       bool
}

func (n *fakeNotifier) Send(_ context.Context, recipient, _, _ string) error {
	if n.fail {
		return errors.New("smtp down")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recipients = append(n.recipients, recipient)
	return nil
}

func testDeps() (travel.Deps, *fakeHotels, *fakeTransport, *fakeGuides, *fakeRenderer, *fakeNotifier) {
	hotels := &fakeHotels{}
	transport := &fakeTransport{}
	guides := &fakeGuides{candidates: []travel.Guide{
		{ID: "g-1", Name: "Aiko", Certifications: []string{"mountain"}},
		{ID: "g-2", Name: "Ben", Certifications: []string{"city"}},
	}}
	renderer := &fakeRenderer{}
	notifier := &fakeNotifier{}
	return travel.Deps{
		Hotels:    hotels,
		Transport: transport,
		Guides:    guides,
		Costs:     flatCosts{},
		Documents: renderer,
		Notifier:  notifier,
	}, hotels, transport, guides, renderer, notifier
}

func quotationInput() map[string]any {
	return map[string]any{
		"destination":    "Kyoto",
		"origin":         "Osaka",
		"group_size":     4,
		"nights":         2,
		"language":       "en",
		"customer_email": "group@example.com",
	}
}

func runTemplate(t *testing.T, tmpl api.TemplateBuilder, name string, input map[string]any) (*api.ExecutionResult, *api.WorkflowStatus) {
	t.Helper()
	eng := sagaflow.NewEngine(nil, sagaflow.WithStepBackoff(time.Millisecond))
	require.NoError(t, eng.RegisterTemplate(name, tmpl))

	id, err := eng.CreateWorkflow(name, "", input)
	require.NoError(t, err)

	res, err := eng.ExecuteWorkflow(context.Background(), id, nil)
	require.NoError(t, err)

	status, err := eng.GetWorkflowStatus(id)
	require.NoError(t, err)
	return res, status
}

func TestQuotationHappyPath(t *testing.T) {
	deps, hotels, _, _, renderer, notifier := testDeps()
	pub := &capturePub{}

	res, status := runTemplate(t, travel.QuotationTemplate(pub, deps), travel.TemplateQuotation, quotationInput())

	require.Equal(t, api.ResultSuccess, res.Status)
	require.Equal(t, api.StatusCompleted, status.Status)
	for name, st := range status.Steps {
		require.Equal(t, api.StepCompleted, st, "step %s", name)
	}

	require.Equal(t, 710.0, res.Context["calculate_costs_result"], "500 hotel + 200 transport + 4*10")
	require.Contains(t, res.Context["generate_document_result"], "https://docs.test/")
	require.Equal(t, []string{"group@example.com"}, notifier.recipients)
	require.Equal(t, 1, renderer.calls)
	require.Empty(t, hotels.released, "nothing to compensate on success")

	types := pub.types()
	require.Contains(t, types, api.EventQuotationRequested)
	require.Contains(t, types, api.EventHotelChecked)
	require.Contains(t, types, api.EventQuotationGenerated)
	require.Contains(t, types, api.EventEmailSent)
	require.NotContains(t, types, api.EventHotelReleased)
}

func TestQuotationTransportFailureReleasesHolds(t *testing.T) {
	deps, hotels, transport, _, renderer, notifier := testDeps()
	transport.fail = true
	pub := &capturePub{}

	res, status := runTemplate(t, travel.QuotationTemplate(pub, deps), travel.TemplateQuotation, quotationInput())

	require.Equal(t, api.ResultFailed, res.Status)
	require.ErrorContains(t, res.Err, "no coaches")
	require.Equal(t, api.StatusCompensated, status.Status)

	require.Equal(t, 2, transport.callCount(), "two total attempts")
	require.Equal(t, api.StepFailed, status.Steps["check_transport"])
	require.Equal(t, api.StepCompleted, status.Steps["check_hotels"])
	require.Equal(t, api.StepPending, status.Steps["calculate_costs"])

	// The hotel hold placed by the parallel sibling is released.
	require.Equal(t, hotels.held, hotels.released)
	require.Contains(t, pub.types(), api.EventHotelReleased)

	// Downstream steps never ran.
	require.Zero(t, renderer.calls)
	require.Empty(t, notifier.recipients)
	_, priced := res.Context["calculate_costs_result"]
	require.False(t, priced)
}

func TestQuotationSkipsGuidesWithoutLanguage(t *testing.T) {
	deps, _, _, guides, _, _ := testDeps()
	pub := &capturePub{}

	input := quotationInput()
	delete(input, "language")

	res, status := runTemplate(t, travel.QuotationTemplate(pub, deps), travel.TemplateQuotation, input)

	require.Equal(t, api.ResultSuccess, res.Status)
	require.Equal(t, api.StepSkipped, status.Steps["check_guides"])
	require.Equal(t, api.StepCompleted, status.Steps["calculate_costs"], "pricing is independent of the guide check")
	require.Zero(t, guides.findCalls)
}

func TestQuotationRejectsInvalidGroup(t *testing.T) {
	deps, hotels, _, _, _, _ := testDeps()
	pub := &capturePub{}

	input := quotationInput()
	input["group_size"] = 0

	res, status := runTemplate(t, travel.QuotationTemplate(pub, deps), travel.TemplateQuotation, input)

	require.Equal(t, api.ResultFailed, res.Status)
	require.ErrorContains(t, res.Err, "group_size")
	require.Equal(t, api.StepFailed, status.Steps["validate_group"])
	require.Empty(t, hotels.held, "availability never checked")
}

func bookingInput() map[string]any {
	return map[string]any{
		"quotation_id":   "q-1",
		"hotel_hold_id":  "hold-9",
		"amount":         710.0,
		"customer_email": "group@example.com",
	}
}

type fakePayments struct {
	mu          sync.Mutex
	authCalls   int
	captured    []string
	refunded    []string
	failCapture bool
}

func (p *fakePayments) Authorize(_ context.Context, _ float64, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authCalls++
	return fmt.Sprintf("auth-%d", p.authCalls), nil
}

func (p *fakePayments) Capture(_ context.Context, authID string) (string, error) {
	if p.failCapture {
		return "", errors.New("card declined")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	captureID := "cap-" + authID
	p.captured = append(p.captured, captureID)
	return captureID, nil
}

func (p *fakePayments) Refund(_ context.Context, captureID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunded = append(p.refunded, captureID)
	return nil
}

func TestBookingHappyPath(t *testing.T) {
	deps, hotels, _, _, _, notifier := testDeps()
	payments := &fakePayments{}
	deps.Payments = payments
	pub := &capturePub{}

	res, status := runTemplate(t, travel.BookingTemplate(pub, deps), travel.TemplateBooking, bookingInput())

	require.Equal(t, api.ResultSuccess, res.Status)
	require.Equal(t, api.StatusCompleted, status.Status)
	require.Equal(t, []string{"hold-9"}, hotels.reserved)
	require.Len(t, payments.captured, 1)
	require.NotEmpty(t, res.Context["confirm_booking_result"])
	require.Equal(t, []string{"group@example.com"}, notifier.recipients)

	types := pub.types()
	require.Contains(t, types, api.EventBookingRequested)
	require.Contains(t, types, api.EventPaymentAuthorized)
	require.Contains(t, types, api.EventPaymentCaptured)
	require.Contains(t, types, api.EventBookingConfirmed)
}

func TestBookingCaptureFailureRollsBackReservation(t *testing.T) {
	deps, hotels, _, _, _, notifier := testDeps()
	payments := &fakePayments{failCapture: true}
	deps.Payments = payments
	pub := &capturePub{}

	res, status := runTemplate(t, travel.BookingTemplate(pub, deps), travel.TemplateBooking, bookingInput())

	require.Equal(t, api.ResultFailed, res.Status)
	require.ErrorContains(t, res.Err, "card declined")
	require.Equal(t, api.StatusCompensated, status.Status)

	require.Equal(t, 3, payments.authCalls, "three total payment attempts")
	require.Equal(t, []string{"hold-9"}, hotels.released, "reservation rolled back")
	require.Empty(t, payments.refunded, "nothing captured, nothing to refund")
	require.Empty(t, notifier.recipients)
	require.NotContains(t, pub.types(), api.EventBookingConfirmed)
}

func guideInput() map[string]any {
	return map[string]any{
		"destination":            "Kyoto",
		"language":               "en",
		"days":                   3,
		"required_certification": "mountain",
	}
}

func TestGuideAssignmentHappyPath(t *testing.T) {
	deps, _, _, guides, _, _ := testDeps()
	pub := &capturePub{}

	res, status := runTemplate(t, travel.GuideAssignmentTemplate(pub, deps), travel.TemplateGuideAssignment, guideInput())

	require.Equal(t, api.ResultSuccess, res.Status)
	require.Equal(t, api.StatusCompleted, status.Status)
	require.Equal(t, []string{"g-1"}, guides.assigned, "only g-1 holds the mountain certification")
	require.Contains(t, pub.types(), api.EventGuideAssigned)
}

func TestGuideAssignmentNoCandidatePassesBothChecks(t *testing.T) {
	deps, _, _, guides, _, _ := testDeps()
	guides.unavailable = map[string]bool{"g-1": true}
	pub := &capturePub{}

	res, _ := runTemplate(t, travel.GuideAssignmentTemplate(pub, deps), travel.TemplateGuideAssignment, guideInput())

	require.Equal(t, api.ResultFailed, res.Status)
	require.ErrorContains(t, res.Err, "no available certified guide")
	require.Empty(t, guides.assigned)
	require.Contains(t, pub.types(), api.EventGuideUnavailable)
}

func TestGuideAssignmentNotificationFailureUnassigns(t *testing.T) {
	deps, _, _, guides, _, notifier := testDeps()
	notifier.fail = true
	pub := &capturePub{}

	res, status := runTemplate(t, travel.GuideAssignmentTemplate(pub, deps), travel.TemplateGuideAssignment, guideInput())

	require.Equal(t, api.ResultFailed, res.Status)
	require.Equal(t, api.StatusCompensated, status.Status)
	require.Equal(t, []string{"g-1"}, guides.assigned)
	require.Equal(t, []string{"g-1"}, guides.unassigned, "assignment compensated")
}
