package types

import "time"

// DeliveryJob is the unit of work carried by the durable webhook queue.
// Encoded with msgpack inside the Redis Stream entry.
type DeliveryJob struct {
	DeliveryID     string          `msgpack:"delivery_id"`
	SubscriptionID string          `msgpack:"subscription_id"`
	Payload        DeliveryPayload `msgpack:"payload"`
	Attempt        int             `msgpack:"attempt"`
	NotBefore      time.Time       `msgpack:"not_before"`
	LastError      string          `msgpack:"last_error,omitempty"`
}

// DeliveryFailure is one entry of the rolling per-subscription failure log.
type DeliveryFailure struct {
	DeliveryID string    `json:"deliveryId"`
	Attempt    int       `json:"attempt"`
	Error      string    `json:"error"`
	StatusCode int       `json:"statusCode,omitempty"`
	FailedAt   time.Time `json:"failedAt"`
}

// Version is the module version reported by the CLI and the status endpoint.
const Version = "0.4.0"
