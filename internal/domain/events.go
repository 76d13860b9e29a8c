package domain

import (
	"encoding/json"
	"time"
)

// Signal bus channels. Engines publish outcome events on the first three;
// reporters push inbound observations on ChannelReports.
const (
	ChannelFeed      = "feed"
	ChannelPositions = "positions"
	ChannelFunding   = "funding"
	ChannelReports   = "reports"
)

// Event types published on the signal bus. Each engine mutation reports a
// structured outcome record; collaborators log or propagate them as they
// see fit.
const (
	EventPositionOpened     = "position_opened"
	EventPositionClosed     = "position_closed"
	EventPositionLiquidated = "position_liquidated"
	EventFundingApplied     = "funding_applied"
	EventReportAccepted     = "report_accepted"
	EventReportRejected     = "report_rejected"
	EventBreakerTripped     = "breaker_tripped"
	EventBreakerReset       = "breaker_reset"
)

// Event is the envelope published on the signal bus. Fields carries the
// event-specific payload; values are JSON-encodable primitives.
type Event struct {
	Type   string         `json:"event"`
	At     time.Time      `json:"at"`
	Fields map[string]any `json:"fields,omitempty"`
}

// NewEvent builds an event envelope stamped with the given time.
func NewEvent(eventType string, at time.Time, fields map[string]any) Event {
	return Event{Type: eventType, At: at, Fields: fields}
}

// Marshal encodes the event as JSON for the bus. Encoding an Event never
// fails for the field types the engine emits; an error here indicates a
// programming mistake and is returned for the caller to log.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
