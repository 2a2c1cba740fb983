package domain

import (
	"context"
	"time"
)

// Delivery is the audit record of one processed webhook delivery.
type Delivery struct {
	RequestID string        `json:"request_id"`
	MessageID string        `json:"message_id,omitempty"`
	Address   string        `json:"address,omitempty"`
	Kind      MessageKind   `json:"kind"`
	State     string        `json:"state"`            // final pipeline state
	Intent    IntentKind    `json:"intent,omitempty"` // empty when classification never ran
	Action    string        `json:"action,omitempty"` // backend call made, if any
	Outcome   string        `json:"outcome"`          // ok | failed | skipped
	Replied   bool          `json:"replied"`
	Duration  time.Duration `json:"duration"`
	At        time.Time     `json:"at"`
}

// DeliveryLog persists delivery audit records.
type DeliveryLog interface {
	RecordDelivery(ctx context.Context, d Delivery) error
	RecentDeliveries(ctx context.Context, limit int) ([]Delivery, error)
}
