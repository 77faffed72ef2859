package travel

import (
	"context"
	"fmt"

	"github.com/tourvia/sagaflow/pkg/api"
)

// TemplateQuotation is the registration name of the quotation saga.
const TemplateQuotation = "generate_quotation"

// QuotationTemplate builds the quotation saga:
//
//	validate_group
//	→ [check_hotels, check_transport, check_guides]  (parallel)
//	→ calculate_costs
//	→ generate_document
//	→ send_notifications
//
// Availability checks place holds on inventory; their compensators release
// the holds when a later step fails. Initial context keys: destination,
// origin, group_size, nights, language, customer_email.
func QuotationTemplate(bus Publisher, deps Deps) api.TemplateBuilder {
	return func(workflowID string, _ map[string]any) (api.WorkflowDefinition, error) {
		return api.WorkflowDefinition{
			Name: TemplateQuotation,
			Steps: []api.StepDefinition{
				{
					Name:    "validate_group",
					Handler: validateGroup(bus, workflowID),
				},
				{
					Name:          "check_hotels",
					Handler:       checkHotels(bus, deps.Hotels, workflowID),
					Compensate:    releaseHotels(bus, deps.Hotels, workflowID),
					Retries:       2,
					Timeout:       defaultStepTimeout,
					DependsOn:     []string{"validate_group"},
					ParallelGroup: "availability",
				},
				{
					Name:          "check_transport",
					Handler:       checkTransport(deps.Transport),
					Compensate:    releaseTransport(deps.Transport),
					Retries:       2,
					Timeout:       defaultStepTimeout,
					DependsOn:     []string{"validate_group"},
					ParallelGroup: "availability",
				},
				{
					Name:          "check_guides",
					Handler:       checkGuides(deps.Guides),
					Condition:     guideRequired,
					Timeout:       defaultStepTimeout,
					DependsOn:     []string{"validate_group"},
					ParallelGroup: "availability",
				},
				{
					// Not dependent on check_guides: a skipped guide check
					// must not skip pricing. Ordering after the availability
					// group is already guaranteed by the group join.
					Name:      "calculate_costs",
					Handler:   calculateCosts(deps.Costs),
					DependsOn: []string{"check_hotels", "check_transport"},
				},
				{
					Name:      "generate_document",
					Handler:   generateDocument(bus, deps.Documents, workflowID),
					DependsOn: []string{"calculate_costs"},
				},
				{
					Name:      "send_notifications",
					Handler:   sendQuotation(bus, deps.Notifier, workflowID),
					Retries:   3,
					DependsOn: []string{"generate_document"},
				},
			},
		}, nil
	}
}

func validateGroup(bus Publisher, wfID string) api.StepFunc {
	return func(ctx context.Context, wctx api.Context) (any, error) {
		destination, ok := ctxString(wctx, "destination")
		if !ok || destination == "" {
			return nil, fmt.Errorf("quotation requires a destination")
		}
		size, ok := ctxInt(wctx, "group_size")
		if !ok || size < 1 {
			return nil, fmt.Errorf("quotation requires group_size >= 1")
		}
		if email, ok := ctxString(wctx, "customer_email"); !ok || email == "" {
			return nil, fmt.Errorf("quotation requires customer_email")
		}

		publish(ctx, bus, wfID, api.EventQuotationRequested, map[string]any{
			"workflow_id": wfID,
			"destination": destination,
			"group_size":  size,
		})
		return map[string]any{"destination": destination, "group_size": size}, nil
	}
}

func checkHotels(bus Publisher, hotels HotelInventory, wfID string) api.StepFunc {
	return func(ctx context.Context, wctx api.Context) (any, error) {
		destination, _ := ctxString(wctx, "destination")
		size, _ := ctxInt(wctx, "group_size")
		nights, ok := ctxInt(wctx, "nights")
		if !ok || nights < 1 {
			nights = 1
		}
		rooms := (size + 1) / 2

		quote, err := hotels.CheckAvailability(ctx, destination, rooms, nights)
		if err != nil {
			return nil, fmt.Errorf("hotel availability for %s: %w", destination, err)
		}

		publish(ctx, bus, wfID, api.EventHotelChecked, map[string]any{
			"workflow_id": wfID,
			"hotel":       quote.Hotel,
			"hold_id":     quote.HoldID,
			"rooms":       quote.Rooms,
			"total_price": quote.TotalPrice,
		})
		return quote, nil
	}
}

func releaseHotels(bus Publisher, hotels HotelInventory, wfID string) api.CompensateFunc {
	return func(ctx context.Context, wctx api.Context) error {
		quote, err := stepResult[HotelQuote](wctx, "check_hotels")
		if err != nil {
			return err
		}
		if err := hotels.Release(ctx, quote.HoldID); err != nil {
			return fmt.Errorf("releasing hotel hold %s: %w", quote.HoldID, err)
		}
		publish(ctx, bus, wfID, api.EventHotelReleased, map[string]any{
			"workflow_id": wfID,
			"hold_id":     quote.HoldID,
		})
		return nil
	}
}

func checkTransport(transport TransportPlanner) api.StepFunc {
	return func(ctx context.Context, wctx api.Context) (any, error) {
		origin, _ := ctxString(wctx, "origin")
		destination, _ := ctxString(wctx, "destination")
		size, _ := ctxInt(wctx, "group_size")

		quote, err := transport.PlanRoute(ctx, origin, destination, size)
		if err != nil {
			return nil, fmt.Errorf("transport plan %s to %s: %w", origin, destination, err)
		}
		return quote, nil
	}
}

func releaseTransport(transport TransportPlanner) api.CompensateFunc {
	return func(ctx context.Context, wctx api.Context) error {
		quote, err := stepResult[TransportQuote](wctx, "check_transport")
		if err != nil {
			return err
		}
		if err := transport.Release(ctx, quote.HoldID); err != nil {
			return fmt.Errorf("releasing transport hold %s: %w", quote.HoldID, err)
		}
		return nil
	}
}

// guideRequired gates check_guides: a quotation that names no language skips
// guide sourcing entirely.
func guideRequired(wctx api.Context) bool {
	lang, ok := ctxString(wctx, "language")
	return ok && lang != ""
}

func checkGuides(guides GuideRoster) api.StepFunc {
	return func(ctx context.Context, wctx api.Context) (any, error) {
		destination, _ := ctxString(wctx, "destination")
		language, _ := ctxString(wctx, "language")

		candidates, err := guides.FindCandidates(ctx, destination, language)
		if err != nil {
			return nil, fmt.Errorf("guide candidates for %s: %w", destination, err)
		}
		return candidates, nil
	}
}

func calculateCosts(costs CostCalculator) api.StepFunc {
	return func(ctx context.Context, wctx api.Context) (any, error) {
		hotel, err := stepResult[HotelQuote](wctx, "check_hotels")
		if err != nil {
			return nil, err
		}
		transport, err := stepResult[TransportQuote](wctx, "check_transport")
		if err != nil {
			return nil, err
		}
		size, _ := ctxInt(wctx, "group_size")

		total, err := costs.Total(ctx, hotel, transport, size)
		if err != nil {
			return nil, fmt.Errorf("pricing quotation: %w", err)
		}
		return total, nil
	}
}

func generateDocument(bus Publisher, documents DocumentRenderer, wfID string) api.StepFunc {
	return func(ctx context.Context, wctx api.Context) (any, error) {
		total, err := stepResult[float64](wctx, "calculate_costs")
		if err != nil {
			return nil, err
		}
		url, err := documents.RenderQuotation(ctx, wfID, map[string]any{
			"total": total,
		})
		if err != nil {
			return nil, fmt.Errorf("rendering quotation document: %w", err)
		}

		publish(ctx, bus, wfID, api.EventQuotationGenerated, map[string]any{
			"workflow_id":  wfID,
			"total":        total,
			"document_url": url,
		})
		return url, nil
	}
}

func sendQuotation(bus Publisher, notifier Notifier, wfID string) api.StepFunc {
	return func(ctx context.Context, wctx api.Context) (any, error) {
		email, _ := ctxString(wctx, "customer_email")
		url, err := stepResult[string](wctx, "generate_document")
		if err != nil {
			return nil, err
		}

		body := fmt.Sprintf("Your quotation is ready: %s", url)
		if err := notifier.Send(ctx, email, "Your travel quotation", body); err != nil {
			return nil, fmt.Errorf("sending quotation to %s: %w", email, err)
		}

		publish(ctx, bus, wfID, api.EventEmailSent, map[string]any{
			"workflow_id": wfID,
			"recipient":   email,
		})
		return true, nil
	}
}
