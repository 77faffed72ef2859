package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType identifies an event on the bus. Types are dot-namespaced,
// wire-stable strings ("domain.action"); the constant set below is closed
// but extensible per namespace.
type EventType string

const (
	// Workflow lifecycle.
	EventWorkflowStarted       EventType = "workflow.started"
	EventWorkflowStepCompleted EventType = "workflow.step_completed"
	EventWorkflowCompleted     EventType = "workflow.completed"
	EventWorkflowFailed        EventType = "workflow.failed"
	EventWorkflowCancelled     EventType = "workflow.cancelled"

	// Quotation domain.
	EventQuotationRequested EventType = "quotation.requested"
	EventQuotationGenerated EventType = "quotation.generated"
	EventQuotationFailed    EventType = "quotation.failed"

	// Booking domain.
	EventBookingRequested EventType = "booking.requested"
	EventBookingConfirmed EventType = "booking.confirmed"
	EventBookingCancelled EventType = "booking.cancelled"

	// Payment domain.
	EventPaymentAuthorized EventType = "payment.authorized"
	EventPaymentCaptured   EventType = "payment.captured"
	EventPaymentFailed     EventType = "payment.failed"
	EventPaymentRefunded   EventType = "payment.refunded"

	// Guide domain.
	EventGuideRequested   EventType = "guide.requested"
	EventGuideAssigned    EventType = "guide.assigned"
	EventGuideUnavailable EventType = "guide.unavailable"

	// Hotel and transport availability.
	EventHotelChecked     EventType = "hotel.availability_checked"
	EventHotelReleased    EventType = "hotel.holds_released"
	EventTransportChecked EventType = "transport.availability_checked"

	// Itinerary documents.
	EventItineraryGenerated EventType = "itinerary.generated"

	// System, integrations, analytics.
	EventSystemError      EventType = "system.error"
	EventEmailSent        EventType = "integration.email_sent"
	EventAnalyticsTracked EventType = "analytics.tracked"
)

// Namespace returns the part of the type before the first dot,
// e.g. "quotation" for "quotation.generated".
func (t EventType) Namespace() string {
	if i := strings.IndexByte(string(t), '.'); i >= 0 {
		return string(t[:i])
	}
	return string(t)
}

// WireVersion is the current event envelope version.
const WireVersion = "1.0"

// Metadata carries tracing and provenance information for an event.
// CorrelationID groups all events of one logical business operation;
// CausationID points at the event that directly caused this one.
type Metadata struct {
	CorrelationID string `json:"correlation_id"`
	CausationID   string `json:"causation_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	ServiceName   string `json:"service_name,omitempty"`
	APIVersion    string `json:"api_version"`
	Environment   string `json:"environment"`
}

// Event is one immutable occurrence on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload"`
	Metadata  Metadata       `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version"`
}

// NewEvent builds an Event with a fresh UUID and a UTC timestamp.
// If meta carries no correlation id, a new one is assigned so every event
// belongs to some traceable operation.
func NewEvent(typ EventType, payload map[string]any, meta Metadata) Event {
	if meta.CorrelationID == "" {
		meta.CorrelationID = uuid.NewString()
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   payload,
		Metadata:  meta,
		Timestamp: time.Now().UTC(),
		Version:   WireVersion,
	}
}

// EncodeEvent serializes an event to its JSON wire form.
// Timestamps are RFC 3339 UTC.
func EncodeEvent(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding event %s: %w", e.ID, err)
	}
	return data, nil
}

// DecodeEvent parses an event from its JSON wire form.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}
	return e, nil
}
