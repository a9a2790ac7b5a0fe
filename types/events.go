// Package types defines the shared data model for the reaction backplane:
// mutation events, webhook and script subscriptions, persisted schedules,
// and the delivery payload shape.
//
// It is a leaf package with no internal dependencies.
package types

import "time"

// Event is the kind of document mutation that triggers reactions.
type Event string

// Mutation event kinds.
const (
	EventCreate Event = "create"
	EventUpdate Event = "update"
	EventDelete Event = "delete"
)

// Valid reports whether e is a known mutation event.
func (e Event) Valid() bool {
	switch e {
	case EventCreate, EventUpdate, EventDelete:
		return true
	}
	return false
}

// Document is a schemaless document as stored in a collection.
type Document map[string]any

// Mutation describes a single document change observed by the CRUD layer.
// For create and update, New holds the resulting document; for delete, Old
// holds the removed document.
type Mutation struct {
	Collection string
	Event      Event
	New        Document
	Old        Document
}

// Operand returns the document a subscription filter is evaluated against:
// the new document for create/update, the old one for delete.
func (m Mutation) Operand() Document {
	if m.Event == EventDelete {
		return m.Old
	}
	return m.New
}

// WebhookRef identifies the subscription inside a delivery payload.
type WebhookRef struct {
	ID   string `json:"id" msgpack:"id"`
	Name string `json:"name" msgpack:"name"`
}

// PayloadData carries the mutated document, with excluded fields removed.
type PayloadData struct {
	Document         Document `json:"document" msgpack:"document"`
	PreviousDocument Document `json:"previousDocument,omitempty" msgpack:"previousDocument,omitempty"`
}

// DeliveryPayload is the JSON body POSTed to a webhook target.
type DeliveryPayload struct {
	ID         string      `json:"id" msgpack:"id"`
	Event      Event       `json:"event" msgpack:"event"`
	Collection string      `json:"collection" msgpack:"collection"`
	Timestamp  time.Time   `json:"timestamp" msgpack:"timestamp"`
	Webhook    WebhookRef  `json:"webhook" msgpack:"webhook"`
	Data       PayloadData `json:"data" msgpack:"data"`
}
