package redpanda

import "time"

// Entity names used in fulfillment events.
const (
	EntityOrder        = "order"
	EntityDistribution = "distribution"
	EntityPrescription = "prescription"
)

// FulfillmentEvent announces a workflow entity changing status. Events are
// published to fulfillment.events keyed by entity id, so consumers see each
// entity's transitions in order.
type FulfillmentEvent struct {
	Entity     string    `json:"entity"`
	ID         string    `json:"id"`
	SiteID     string    `json:"site_id,omitempty"`
	SupplierID string    `json:"supplier_id,omitempty"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AlertEvent is the low-stock/out-of-stock notification produced by the alert
// worker onto stock.alerts.
type AlertEvent struct {
	SiteID       string    `json:"site_id,omitempty"`
	MedicationID string    `json:"medication_id"`
	Quantity     int64     `json:"quantity"`
	MinStock     int64     `json:"min_stock"`
	OutOfStock   bool      `json:"out_of_stock"`
	RaisedAt     time.Time `json:"raised_at"`
}
