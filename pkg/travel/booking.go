package travel

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tourvia/sagaflow/pkg/api"
)

// TemplateBooking is the registration name of the booking saga.
const TemplateBooking = "confirm_booking"

// BookingTemplate builds the booking saga:
//
//	validate_quotation → reserve_services → capture_payment
//	→ confirm_booking → notify_customer
//
// Payment capture retries up to three attempts with a per-attempt timeout;
// its compensator refunds the capture. Initial context keys: quotation_id,
// hotel_hold_id, amount, customer_email.
func BookingTemplate(bus Publisher, deps Deps) api.TemplateBuilder {
	return func(workflowID string, _ map[string]any) (api.WorkflowDefinition, error) {
		return api.WorkflowDefinition{
			Name: TemplateBooking,
			Steps: []api.StepDefinition{
				{
					Name:    "validate_quotation",
					Handler: validateQuotation(bus, workflowID),
				},
				{
					Name:       "reserve_services",
					Handler:    reserveServices(deps.Hotels),
					Compensate: releaseServices(deps.Hotels),
					Retries:    2,
					Timeout:    defaultStepTimeout,
					DependsOn:  []string{"validate_quotation"},
				},
				{
					Name:       "capture_payment",
					Handler:    capturePayment(bus, deps.Payments, workflowID),
					Compensate: refundPayment(bus, deps.Payments, workflowID),
					Retries:    3,
					Timeout:    defaultStepTimeout,
					DependsOn:  []string{"reserve_services"},
				},
				{
					Name:      "confirm_booking",
					Handler:   confirmBooking(bus, workflowID),
					DependsOn: []string{"capture_payment"},
				},
				{
					Name:      "notify_customer",
					Handler:   notifyBooking(bus, deps.Notifier, workflowID),
					Retries:   3,
					DependsOn: []string{"confirm_booking"},
				},
			},
		}, nil
	}
}

func validateQuotation(bus Publisher, wfID string) api.StepFunc {
	return func(ctx context.Context, wctx api.Context) (any, error) {
		quotationID, ok := ctxString(wctx, "quotation_id")
		if !ok || quotationID == "" {
			return nil, fmt.Errorf("booking requires a quotation_id")
		}
		if _, ok := wctx.Get("amount"); !ok {
			return nil, fmt.Errorf("booking requires an amount")
		}

		publish(ctx, bus, wfID, api.EventBookingRequested, map[string]any{
			"workflow_id":  wfID,
			"quotation_id": quotationID,
		})
		return quotationID, nil
	}
}

func reserveServices(hotels HotelInventory) api.StepFunc {
	return func(ctx context.Context, wctx api.Context) (any, error) {
		holdID, ok := ctxString(wctx, "hotel_hold_id")
		if !ok || holdID == "" {
			return nil, fmt.Errorf("booking requires a hotel_hold_id")
		}

		reservationID, err := hotels.Reserve(ctx, holdID)
		if err != nil {
			return nil, fmt.Errorf("reserving hold %s: %w", holdID, err)
		}
		return reservationID, nil
	}
}

func releaseServices(hotels HotelInventory) api.CompensateFunc {
	return func(ctx context.Context, wctx api.Context) error {
		holdID, _ := ctxString(wctx, "hotel_hold_id")
		if err := hotels.Release(ctx, holdID); err != nil {
			return fmt.Errorf("releasing reservation hold %s: %w", holdID, err)
		}
		return nil
	}
}

func capturePayment(bus Publisher, payments PaymentGateway, wfID string) api.StepFunc {
	return func(ctx context.Context, wctx api.Context) (any, error) {
		amount, ok := ctxFloat(wctx, "amount")
		if !ok || amount <= 0 {
			return nil, fmt.Errorf("booking requires a positive amount")
		}
		customer, _ := ctxString(wctx, "customer_email")

		authID, err := payments.Authorize(ctx, amount, customer)
		if err != nil {
			return nil, fmt.Errorf("authorizing payment of %.2f: %w", amount, err)
		}
		publish(ctx, bus, wfID, api.EventPaymentAuthorized, map[string]any{
			"workflow_id": wfID,
			"auth_id":     authID,
			"amount":      amount,
		})

		captureID, err := payments.Capture(ctx, authID)
		if err != nil {
			return nil, fmt.Errorf("capturing authorization %s: %w", authID, err)
		}
		publish(ctx, bus, wfID, api.EventPaymentCaptured, map[string]any{
			"workflow_id": wfID,
			"capture_id":  captureID,
			"amount":      amount,
		})
		return captureID, nil
	}
}

func refundPayment(bus Publisher, payments PaymentGateway, wfID string) api.CompensateFunc {
	return func(ctx context.Context, wctx api.Context) error {
		captureID, err := stepResult[string](wctx, "capture_payment")
		if err != nil {
			return err
		}
		if err := payments.Refund(ctx, captureID); err != nil {
			return fmt.Errorf("refunding capture %s: %w", captureID, err)
		}
		publish(ctx, bus, wfID, api.EventPaymentRefunded, map[string]any{
			"workflow_id": wfID,
			"capture_id":  captureID,
		})
		return nil
	}
}

func confirmBooking(bus Publisher, wfID string) api.StepFunc {
	return func(ctx context.Context, wctx api.Context) (any, error) {
		reference := uuid.NewString()
		quotationID, _ := ctxString(wctx, "quotation_id")

		publish(ctx, bus, wfID, api.EventBookingConfirmed, map[string]any{
			"workflow_id":  wfID,
			"quotation_id": quotationID,
			"reference":    reference,
		})
		return reference, nil
	}
}

func notifyBooking(bus Publisher, notifier Notifier, wfID string) api.StepFunc {
	return func(ctx context.Context, wctx api.Context) (any, error) {
		email, _ := ctxString(wctx, "customer_email")
		reference, err := stepResult[string](wctx, "confirm_booking")
		if err != nil {
			return nil, err
		}

		body := fmt.Sprintf("Your booking is confirmed. Reference: %s", reference)
		if err := notifier.Send(ctx, email, "Booking confirmed", body); err != nil {
			return nil, fmt.Errorf("notifying %s: %w", email, err)
		}

		publish(ctx, bus, wfID, api.EventEmailSent, map[string]any{
			"workflow_id": wfID,
			"recipient":   email,
		})
		return true, nil
	}
}
