// Package outbox implements the persistent outbound message queue:
// at-least-once delivery through lease-based pulls, retry with backoff,
// and the formatting policy layered on top of the store.
package outbox

import "time"

// Status is the delivery state of an item. Transitions are monotonic:
// pending -> delivered or pending -> dead, never backward.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusDead      Status = "dead"
)

// Delivery modes.
const (
	ModeSend    = "send"
	ModeReplace = "replace"
)

// Control signals understood by delivery workers.
const (
	ControlTypingOn  = "typing_on"
	ControlTypingOff = "typing_off"
)

// Button is one inline-keyboard button attached to an outbound message.
type Button struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// Item is a single outbound message owned by the store.
type Item struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	DestinationID string     `json:"destination_id"`
	Text          string     `json:"text"`
	RenderHint    string     `json:"render_hint,omitempty"`
	Silent        bool       `json:"silent,omitempty"`
	Mode          string     `json:"mode"`
	ReplaceKey    string     `json:"replace_key,omitempty"`
	Control       string     `json:"control,omitempty"`
	Keyboard      [][]Button `json:"keyboard,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`

	LeaseUntil  time.Time `json:"lease_until,omitzero"`
	LeaseHolder string    `json:"lease_holder,omitempty"`

	DeliveredAt       time.Time `json:"delivered_at,omitzero"`
	ExternalMessageID string    `json:"external_message_id,omitempty"`
}

// Options carries the optional enqueue fields.
type Options struct {
	RenderHint string
	Silent     bool
	Mode       string
	ReplaceKey string
	Control    string
	Keyboard   [][]Button
}

// Result is one delivery outcome reported back by a worker.
type Result struct {
	ID                string        `json:"id"`
	OK                bool          `json:"ok"`
	ExternalMessageID string        `json:"external_message_id,omitempty"`
	Error             string        `json:"error,omitempty"`
	RetryAfterHint    time.Duration `json:"retry_after_hint,omitempty"`
}
